package analytics

import (
	"time"

	"github.com/BearBump/MailBeacon/internal/models"
)

// Чистая свёртка событий в счётчики. Используется стратегией полного
// скана; инкрементальная стратегия обязана давать те же числа.

func addCounts(acc *models.EngagementCounts, ev *models.TrackingEvent) {
	switch ev.Type {
	case models.EventTypeOpen:
		acc.TotalOpens++
		if ev.IsUniqueForMetric {
			acc.UniqueOpens++
		}
	case models.EventTypeClick:
		acc.TotalClicks++
		if ev.IsUniqueForMetric {
			acc.UniqueClicks++
		}
	}
}

func addBucket(m map[time.Time]models.TimeSeriesBucket, ev *models.TrackingEvent, granularity string) {
	start := models.BucketStart(ev.OccurredAt, granularity)
	b := m[start]
	b.BucketStart = start
	b.Granularity = granularity
	switch ev.Type {
	case models.EventTypeOpen:
		b.Opens++
	case models.EventTypeClick:
		b.Clicks++
	}
	m[start] = b
}

// FoldCounts сворачивает срез событий в счётчики потока.
func FoldCounts(events []*models.TrackingEvent) models.EngagementCounts {
	var acc models.EngagementCounts
	for _, ev := range events {
		addCounts(&acc, ev)
	}
	return acc
}

// FoldStepCounts — те же счётчики с разбивкой по шагам.
func FoldStepCounts(events []*models.TrackingEvent) map[string]models.EngagementCounts {
	out := make(map[string]models.EngagementCounts)
	for _, ev := range events {
		acc := out[ev.StepID]
		addCounts(&acc, ev)
		out[ev.StepID] = acc
	}
	return out
}

// FoldBuckets раскладывает события по временным корзинам. Корзины считают
// все физически принятые хиты, включая дубликаты.
func FoldBuckets(events []*models.TrackingEvent, granularity string) map[time.Time]models.TimeSeriesBucket {
	out := make(map[time.Time]models.TimeSeriesBucket)
	for _, ev := range events {
		addBucket(out, ev, granularity)
	}
	return out
}
