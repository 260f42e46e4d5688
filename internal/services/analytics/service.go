package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/MailBeacon/internal/cache"
	"github.com/BearBump/MailBeacon/internal/models"
)

var (
	ErrUnknownFlow    = errors.New("unknown flow")
	ErrBadGranularity = errors.New("unknown granularity")
	ErrBadRange       = errors.New("from must be before to")
)

// Стратегии агрегации. Обе обязаны давать одинаковые снапшоты на одном
// и том же наборе событий.
const (
	StrategyScan        = "scan"
	StrategyIncremental = "incremental"
)

type Repository interface {
	QueryEvents(ctx context.Context, f models.EventFilter, beforeID uint64, limit int) ([]*models.TrackingEvent, error)
	RecordSend(ctx context.Context, flowID, stepID string, recipients int64) error
	RecipientsSent(ctx context.Context, flowID string) (int64, error)
	StepRecipients(ctx context.Context, flowID, stepID string) (int64, error)
	HasFlow(ctx context.Context, flowID string) (bool, error)
	ListFlowSteps(ctx context.Context, flowID string) ([]string, error)
}

type Counters interface {
	FlowCounts(ctx context.Context, flowID string) (models.EngagementCounts, error)
	StepCounts(ctx context.Context, flowID, stepID string) (models.EngagementCounts, error)
	Buckets(ctx context.Context, flowID, granularity string, from, to time.Time) (map[time.Time]models.TimeSeriesBucket, error)
}

type Service struct {
	repo     Repository
	counters Counters
	cache    cache.BytesCache

	strategy     string
	snapshotTTL  time.Duration
	scanPageSize int
}

func New(repo Repository, counters Counters, c cache.BytesCache, strategy string, snapshotTTL time.Duration) *Service {
	if strategy != StrategyIncremental {
		strategy = StrategyScan
	}
	return &Service{
		repo:         repo,
		counters:     counters,
		cache:        c,
		strategy:     strategy,
		snapshotTTL:  snapshotTTL,
		scanPageSize: 500,
	}
}

// FlowSnapshotKey — ключ кэша снапшота потока; его удаляет воркер на каждом
// новом уникальном событии.
func FlowSnapshotKey(flowID string) string {
	return fmt.Sprintf("flow:%s:snapshot", flowID)
}

// RecordSend фиксирует факт отправки шага: сколько получателей ушло.
// Знаменатель openRate живёт здесь, а не в событиях.
func (s *Service) RecordSend(ctx context.Context, flowID, stepID string, recipients int64) error {
	if flowID == "" || stepID == "" {
		return errors.New("flowId and stepId are required")
	}
	if recipients <= 0 {
		return errors.New("recipients must be positive")
	}
	if err := s.repo.RecordSend(ctx, flowID, stepID, recipients); err != nil {
		return err
	}
	s.invalidateFlow(ctx, flowID)
	return nil
}

// InvalidateFlow сбрасывает кэшированные снапшоты потока.
func (s *Service) InvalidateFlow(ctx context.Context, flowID string) {
	s.invalidateFlow(ctx, flowID)
}

func (s *Service) invalidateFlow(ctx context.Context, flowID string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, FlowSnapshotKey(flowID))
}

// Summarize считает сводку потока. Неизвестный поток — ErrUnknownFlow,
// не пустой снапшот: "нет событий" и "нет потока" различимы.
func (s *Service) Summarize(ctx context.Context, flowID string) (*models.FlowMetricsSnapshot, error) {
	if flowID == "" {
		return nil, errors.New("flowId is required")
	}

	if s.cache != nil && s.snapshotTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, FlowSnapshotKey(flowID)); err == nil && ok {
			var snap models.FlowMetricsSnapshot
			if json.Unmarshal(b, &snap) == nil {
				return &snap, nil
			}
		}
	}

	has, err := s.repo.HasFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrUnknownFlow
	}

	counts, err := s.flowCounts(ctx, flowID)
	if err != nil {
		return nil, err
	}
	recipients, err := s.repo.RecipientsSent(ctx, flowID)
	if err != nil {
		return nil, err
	}

	snap := &models.FlowMetricsSnapshot{
		FlowID:       flowID,
		UniqueOpens:  counts.UniqueOpens,
		TotalOpens:   counts.TotalOpens,
		UniqueClicks: counts.UniqueClicks,
		TotalClicks:  counts.TotalClicks,
		OpenRate:     models.Ratio(counts.UniqueOpens, recipients),
		ClickRate:    models.Ratio(counts.UniqueClicks, counts.UniqueOpens),
	}

	if s.cache != nil && s.snapshotTTL > 0 {
		if b, err := json.Marshal(snap); err == nil {
			_ = s.cache.Set(ctx, FlowSnapshotKey(flowID), b, s.snapshotTTL)
		}
	}
	return snap, nil
}

// SummarizeStep — сводка одного шага потока.
func (s *Service) SummarizeStep(ctx context.Context, flowID, stepID string) (*models.StepMetrics, error) {
	if flowID == "" || stepID == "" {
		return nil, errors.New("flowId and stepId are required")
	}

	has, err := s.repo.HasFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrUnknownFlow
	}

	counts, err := s.stepCounts(ctx, flowID, stepID)
	if err != nil {
		return nil, err
	}
	recipients, err := s.repo.StepRecipients(ctx, flowID, stepID)
	if err != nil {
		return nil, err
	}

	return &models.StepMetrics{
		FlowID:       flowID,
		StepID:       stepID,
		UniqueOpens:  counts.UniqueOpens,
		TotalOpens:   counts.TotalOpens,
		UniqueClicks: counts.UniqueClicks,
		TotalClicks:  counts.TotalClicks,
		OpenRate:     models.Ratio(counts.UniqueOpens, recipients),
		ClickRate:    models.Ratio(counts.UniqueClicks, counts.UniqueOpens),
	}, nil
}

// SummarizeSteps — разбивка по всем известным шагам потока, отсортирована
// по stepId. Сумма по шагам не обязана сходиться со сводкой потока.
func (s *Service) SummarizeSteps(ctx context.Context, flowID string) ([]*models.StepMetrics, error) {
	steps, err := s.repo.ListFlowSteps(ctx, flowID)
	if err != nil {
		return nil, err
	}
	sort.Strings(steps)

	out := make([]*models.StepMetrics, 0, len(steps))
	for _, step := range steps {
		m, err := s.SummarizeStep(ctx, flowID, step)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ListEvents — одна страница сырых событий потока, от новых к старым.
// Курсор beforeID стабилен при конкурентных вставках.
func (s *Service) ListEvents(ctx context.Context, f models.EventFilter, beforeID uint64, limit int) ([]*models.TrackingEvent, error) {
	if f.FlowID == "" {
		return nil, errors.New("flowId is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	has, err := s.repo.HasFlow(ctx, f.FlowID)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrUnknownFlow
	}

	return s.repo.QueryEvents(ctx, f, beforeID, limit)
}

// TimeSeries — корзины, пересекающие [from, to), с нулевым заполнением
// пропусков; граничные корзины считаются целиком. Последовательность
// конечна и её можно обходить повторно.
func (s *Service) TimeSeries(ctx context.Context, flowID, granularity string, from, to time.Time) (iter.Seq[models.TimeSeriesBucket], error) {
	if !models.ValidGranularity(granularity) {
		return nil, errors.Wrapf(ErrBadGranularity, "granularity %q", granularity)
	}
	if !from.Before(to) {
		return nil, ErrBadRange
	}

	has, err := s.repo.HasFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrUnknownFlow
	}

	filled, err := s.buckets(ctx, flowID, granularity, from, to)
	if err != nil {
		return nil, err
	}

	start := models.BucketStart(from, granularity)
	end := to.UTC()
	return func(yield func(models.TimeSeriesBucket) bool) {
		for cur := start; cur.Before(end); cur = models.NextBucket(cur, granularity) {
			b, ok := filled[cur]
			if !ok {
				b = models.TimeSeriesBucket{BucketStart: cur, Granularity: granularity}
			}
			if !yield(b) {
				return
			}
		}
	}, nil
}

func (s *Service) flowCounts(ctx context.Context, flowID string) (models.EngagementCounts, error) {
	if s.strategy == StrategyIncremental && s.counters != nil {
		return s.counters.FlowCounts(ctx, flowID)
	}
	var acc models.EngagementCounts
	err := s.scanEvents(ctx, models.EventFilter{FlowID: flowID}, func(ev *models.TrackingEvent) {
		addCounts(&acc, ev)
	})
	return acc, err
}

func (s *Service) stepCounts(ctx context.Context, flowID, stepID string) (models.EngagementCounts, error) {
	if s.strategy == StrategyIncremental && s.counters != nil {
		return s.counters.StepCounts(ctx, flowID, stepID)
	}
	var acc models.EngagementCounts
	err := s.scanEvents(ctx, models.EventFilter{FlowID: flowID, StepID: stepID}, func(ev *models.TrackingEvent) {
		addCounts(&acc, ev)
	})
	return acc, err
}

func (s *Service) buckets(ctx context.Context, flowID, granularity string, from, to time.Time) (map[time.Time]models.TimeSeriesBucket, error) {
	if s.strategy == StrategyIncremental && s.counters != nil {
		return s.counters.Buckets(ctx, flowID, granularity, from, to)
	}
	// Скан считает целые корзины, пересекающие диапазон, — как и
	// инкрементальные хэши: невыровненный from не должен разводить стратегии.
	f := models.BucketStart(from, granularity)
	t := models.NextBucket(models.BucketStart(to.UTC().Add(-time.Nanosecond), granularity), granularity)
	filter := models.EventFilter{FlowID: flowID, From: &f, To: &t}
	out := make(map[time.Time]models.TimeSeriesBucket)
	err := s.scanEvents(ctx, filter, func(ev *models.TrackingEvent) {
		addBucket(out, ev, granularity)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// scanEvents обходит Event Store keyset-страницами. Конкурентные вставки
// получают большие id и не ломают курсор.
func (s *Service) scanEvents(ctx context.Context, f models.EventFilter, visit func(*models.TrackingEvent)) error {
	var beforeID uint64
	for {
		page, err := s.repo.QueryEvents(ctx, f, beforeID, s.scanPageSize)
		if err != nil {
			return errors.Wrap(err, "scan events")
		}
		for _, ev := range page {
			visit(ev)
		}
		if len(page) < s.scanPageSize {
			return nil
		}
		beforeID = page[len(page)-1].ID
	}
}
