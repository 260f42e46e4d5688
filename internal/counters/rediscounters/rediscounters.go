package rediscounters

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/BearBump/MailBeacon/internal/broker/messages"
	"github.com/BearBump/MailBeacon/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Counters — инкрементальное обслуживание агрегатов (стратегия b):
// каждое новое событие двигает счётчики и корзины на месте, без
// пересканирования Event Store. Обязана давать побайтово те же снапшоты,
// что и полный пересчёт.
type Counters struct {
	c *redis.Client
}

func New(addr string) *Counters {
	return &Counters{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func flowKey(flowID string) string {
	return fmt.Sprintf("agg:flow:%s", flowID)
}

func stepKey(flowID, stepID string) string {
	return fmt.Sprintf("agg:flow:%s:step:%s", flowID, stepID)
}

func bucketKey(flowID, granularity string, start time.Time) string {
	return fmt.Sprintf("agg:ts:%s:%s:%d", flowID, granularity, start.UTC().Unix())
}

var granularities = []string{
	models.GranularityHour,
	models.GranularityDay,
	models.GranularityWeek,
	models.GranularityMonth,
}

// Apply применяет одно событие ко всем затронутым счётчикам одним pipeline.
// Повторное применение того же сообщения задваивает счётчики — доставка
// из Kafka идёт с commit-after-handle, поэтому перечитывание возможно
// только после сбоя обработчика до коммита.
func (r *Counters) Apply(ctx context.Context, msg messages.EngagementRecorded) error {
	totalField, uniqueField := "total_opens", "unique_opens"
	bucketField := "opens"
	if msg.Type == models.EventTypeClick {
		totalField, uniqueField = "total_clicks", "unique_clicks"
		bucketField = "clicks"
	}

	pipe := r.c.TxPipeline()
	pipe.HIncrBy(ctx, flowKey(msg.FlowID), totalField, 1)
	pipe.HIncrBy(ctx, stepKey(msg.FlowID, msg.StepID), totalField, 1)
	if msg.IsUniqueForMetric {
		pipe.HIncrBy(ctx, flowKey(msg.FlowID), uniqueField, 1)
		pipe.HIncrBy(ctx, stepKey(msg.FlowID, msg.StepID), uniqueField, 1)
	}
	// Корзины считают все физически принятые хиты.
	for _, g := range granularities {
		pipe.HIncrBy(ctx, bucketKey(msg.FlowID, g, models.BucketStart(msg.OccurredAt, g)), bucketField, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "apply counters")
	}
	return nil
}

func hashInt(h map[string]string, field string) int64 {
	n, _ := strconv.ParseInt(h[field], 10, 64)
	return n
}

func countsFromHash(h map[string]string) models.EngagementCounts {
	return models.EngagementCounts{
		UniqueOpens:  hashInt(h, "unique_opens"),
		TotalOpens:   hashInt(h, "total_opens"),
		UniqueClicks: hashInt(h, "unique_clicks"),
		TotalClicks:  hashInt(h, "total_clicks"),
	}
}

func (r *Counters) FlowCounts(ctx context.Context, flowID string) (models.EngagementCounts, error) {
	h, err := r.c.HGetAll(ctx, flowKey(flowID)).Result()
	if err != nil {
		return models.EngagementCounts{}, errors.Wrap(err, "flow counts")
	}
	return countsFromHash(h), nil
}

func (r *Counters) StepCounts(ctx context.Context, flowID, stepID string) (models.EngagementCounts, error) {
	h, err := r.c.HGetAll(ctx, stepKey(flowID, stepID)).Result()
	if err != nil {
		return models.EngagementCounts{}, errors.Wrap(err, "step counts")
	}
	return countsFromHash(h), nil
}

// Buckets отдаёт заполненные корзины диапазона; пустые корзины не
// материализуются — вызывающая сторона дозаполняет нулями.
func (r *Counters) Buckets(ctx context.Context, flowID, granularity string, from, to time.Time) (map[time.Time]models.TimeSeriesBucket, error) {
	start := models.BucketStart(from, granularity)
	end := to.UTC()

	type pending struct {
		start time.Time
		cmd   *redis.MapStringStringCmd
	}

	pipe := r.c.Pipeline()
	var cmds []pending
	for cur := start; cur.Before(end); cur = models.NextBucket(cur, granularity) {
		cmds = append(cmds, pending{start: cur, cmd: pipe.HGetAll(ctx, bucketKey(flowID, granularity, cur))})
	}
	if len(cmds) == 0 {
		return map[time.Time]models.TimeSeriesBucket{}, nil
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "buckets")
	}

	out := make(map[time.Time]models.TimeSeriesBucket, len(cmds))
	for _, p := range cmds {
		h, err := p.cmd.Result()
		if err != nil && err != redis.Nil {
			return nil, errors.Wrap(err, "bucket result")
		}
		if len(h) == 0 {
			continue
		}
		out[p.start] = models.TimeSeriesBucket{
			BucketStart: p.start,
			Granularity: granularity,
			Opens:       hashInt(h, "opens"),
			Clicks:      hashInt(h, "clicks"),
		}
	}
	return out, nil
}
