package models

import "time"

// Гранулярности временных корзин. Границы считаются в UTC.
const (
	GranularityHour  = "hour"
	GranularityDay   = "day"
	GranularityWeek  = "week"
	GranularityMonth = "month"
)

func ValidGranularity(g string) bool {
	switch g {
	case GranularityHour, GranularityDay, GranularityWeek, GranularityMonth:
		return true
	}
	return false
}

// FlowMetricsSnapshot — производная сводка по потоку. Всегда пересчитываема
// из Event Store; может кэшироваться, кэш сбрасывается на каждом новом
// уникальном событии потока.
type FlowMetricsSnapshot struct {
	FlowID       string  `json:"flowId"`
	UniqueOpens  int64   `json:"uniqueOpens"`
	TotalOpens   int64   `json:"totalOpens"`
	UniqueClicks int64   `json:"uniqueClicks"`
	TotalClicks  int64   `json:"totalClicks"`
	OpenRate     float64 `json:"openRate"`
	ClickRate    float64 `json:"clickRate"`
}

// StepMetrics — та же форма, но в рамках одного шага потока.
// Сумма opens по шагам не обязана сходиться с opens потока.
type StepMetrics struct {
	FlowID       string  `json:"flowId"`
	StepID       string  `json:"stepId"`
	UniqueOpens  int64   `json:"uniqueOpens"`
	TotalOpens   int64   `json:"totalOpens"`
	UniqueClicks int64   `json:"uniqueClicks"`
	TotalClicks  int64   `json:"totalClicks"`
	OpenRate     float64 `json:"openRate"`
	ClickRate    float64 `json:"clickRate"`
}

// EngagementCounts — сырые счётчики до вычисления ставок.
type EngagementCounts struct {
	UniqueOpens  int64
	TotalOpens   int64
	UniqueClicks int64
	TotalClicks  int64
}

type TimeSeriesBucket struct {
	BucketStart time.Time `json:"bucketStart"`
	Granularity string    `json:"granularity"`
	Opens       int64     `json:"opens"`
	Clicks      int64     `json:"clicks"`
}

// BucketStart — пол (floor) временной метки до границы корзины в UTC.
// Неделя начинается с понедельника.
func BucketStart(t time.Time, granularity string) time.Time {
	t = t.UTC()
	switch granularity {
	case GranularityHour:
		return t.Truncate(time.Hour)
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case GranularityWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		wd := int(day.Weekday())
		if wd == 0 {
			wd = 7
		}
		return day.AddDate(0, 0, -(wd - 1))
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Hour)
	}
}

// NextBucket возвращает начало следующей корзины после start.
func NextBucket(start time.Time, granularity string) time.Time {
	switch granularity {
	case GranularityHour:
		return start.Add(time.Hour)
	case GranularityDay:
		return start.AddDate(0, 0, 1)
	case GranularityWeek:
		return start.AddDate(0, 0, 7)
	case GranularityMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.Add(time.Hour)
	}
}

// Ratio с защитой от деления на ноль и потолком 1: клик без зафиксированного
// открытия (картинки заблокированы) не должен давать clickRate > 1.
func Ratio(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	r := float64(num) / float64(den)
	if r > 1 {
		return 1
	}
	return r
}
