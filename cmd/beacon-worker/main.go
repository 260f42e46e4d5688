package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/MailBeacon/config"
	"github.com/BearBump/MailBeacon/internal/broker/kafka"
	"github.com/BearBump/MailBeacon/internal/cache/rediscache"
	"github.com/BearBump/MailBeacon/internal/counters/rediscounters"
	"github.com/BearBump/MailBeacon/internal/integrations/geo"
	"github.com/BearBump/MailBeacon/internal/integrations/geo/fake"
	"github.com/BearBump/MailBeacon/internal/integrations/geo/ipapihttp"
	"github.com/BearBump/MailBeacon/internal/services/aggregator"
	"github.com/BearBump/MailBeacon/internal/storage/pgevents"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	topic := cfg.Kafka.EngagementRecordedTopicName
	if topic == "" {
		topic = "engagement.recorded"
	}
	consumerGroup := cfg.MailBeacon.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "beacon-worker"
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st, err := pgevents.New(connString)
	if err != nil {
		panic(err)
	}
	defer st.Close()

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	counters := rediscounters.New(redisAddr)
	snapshotCache := rediscache.New(redisAddr)

	var geoClient geo.Client
	switch cfg.MailBeacon.GeoMode {
	case "ipapi":
		geoClient = ipapihttp.New(cfg.MailBeacon.GeoBaseURL)
	case "fake":
		geoClient = fake.New()
	}

	svc := aggregator.New(st, counters, snapshotCache, geoClient)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)
	defer func() { _ = consumer.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.MailBeacon.WorkerHTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			svc:         svc,
			cfg:         cfg,
		})
	}()

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- runWorker(ctx, consumer, svc)
	}()

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		if err != nil && err != context.Canceled {
			panic(err)
		}
	case err := <-workerErr:
		if err != nil && err != context.Canceled {
			panic(err)
		}
	}
}
