package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/MailBeacon/internal/broker/messages"
	"github.com/BearBump/MailBeacon/internal/cache"
	"github.com/BearBump/MailBeacon/internal/integrations/geo"
	"github.com/BearBump/MailBeacon/internal/services/analytics"
)

type Repository interface {
	UpdateEventGeo(ctx context.Context, eventID string, country, region, city string) error
}

type Counters interface {
	Apply(ctx context.Context, msg messages.EngagementRecorded) error
}

// Service — обработчик engagement.recorded: двигает инкрементальные
// счётчики, сбрасывает кэш снапшотов и асинхронно обогащает события гео.
// Счётчики обязательны; обогащение и кэш — best-effort.
type Service struct {
	repo     Repository
	counters Counters
	cache    cache.BytesCache
	geo      geo.Client

	geoTimeout time.Duration

	startedAtUnixNano int64
	totalApplied      atomic.Int64
	totalEnriched     atomic.Int64
	totalErrors       atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func New(repo Repository, counters Counters, c cache.BytesCache, geoClient geo.Client) *Service {
	return &Service{
		repo:              repo,
		counters:          counters,
		cache:             c,
		geo:               geoClient,
		geoTimeout:        3 * time.Second,
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

type Stats struct {
	StartedAt     time.Time `json:"startedAt"`
	TotalApplied  int64     `json:"totalApplied"`
	TotalEnriched int64     `json:"totalEnriched"`
	TotalErrors   int64     `json:"totalErrors"`
	LastError     string    `json:"lastError,omitempty"`
}

func (s *Service) Stats() Stats {
	st := Stats{
		StartedAt:     time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalApplied:  s.totalApplied.Load(),
		TotalEnriched: s.totalEnriched.Load(),
		TotalErrors:   s.totalErrors.Load(),
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Service) noteError(err error) {
	s.totalErrors.Add(1)
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

// Handle обрабатывает одно сообщение. Ошибка означает "не коммитить":
// consumer перечитает сообщение после рестарта.
func (s *Service) Handle(ctx context.Context, value []byte) error {
	var msg messages.EngagementRecorded
	if err := json.Unmarshal(value, &msg); err != nil {
		// Битое сообщение: перечитывание не поможет, коммитим и идём дальше.
		s.noteError(errors.Wrap(err, "unmarshal engagement"))
		slog.Warn("skip unparsable engagement message", "error", err.Error())
		return nil
	}
	if msg.EventID == "" || msg.FlowID == "" {
		slog.Warn("skip malformed engagement message")
		return nil
	}

	if s.counters != nil {
		if err := s.counters.Apply(ctx, msg); err != nil {
			s.noteError(err)
			return err
		}
	}
	s.totalApplied.Add(1)

	// Кэш снапшота устарел ровно тогда, когда изменились уникальные счётчики.
	if s.cache != nil && msg.IsUniqueForMetric {
		if err := s.cache.Del(ctx, analytics.FlowSnapshotKey(msg.FlowID)); err != nil {
			slog.Warn("invalidate snapshot", "flow_id", msg.FlowID, "error", err.Error())
		}
	}

	s.enrichGeo(ctx, msg)
	return nil
}

func (s *Service) enrichGeo(ctx context.Context, msg messages.EngagementRecorded) {
	if s.geo == nil || s.repo == nil || msg.ClientIP == "" {
		return
	}
	gctx, cancel := context.WithTimeout(ctx, s.geoTimeout)
	defer cancel()

	loc, err := s.geo.Lookup(gctx, msg.ClientIP)
	if err != nil {
		slog.Warn("geo lookup", "ip", msg.ClientIP, "error", err.Error())
		return
	}
	if err := s.repo.UpdateEventGeo(gctx, msg.EventID, loc.Country, loc.Region, loc.City); err != nil {
		slog.Warn("update event geo", "event_id", msg.EventID, "error", err.Error())
		return
	}
	s.totalEnriched.Add(1)
}
