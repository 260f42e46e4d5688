package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/MailBeacon/internal/services/aggregator"
)

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

// runWorker крутит consume-цикл до отмены контекста. Сбой цикла (Kafka
// недоступна, ошибка обработчика) не роняет процесс: незакоммиченное
// сообщение будет перечитано после паузы.
func runWorker(ctx context.Context, consumer kafkaConsumer, svc *aggregator.Service) error {
	for {
		err := consumer.Consume(ctx, func(_key, value []byte) error {
			return svc.Handle(ctx, value)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Error("consume loop restart", "error", err.Error())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
