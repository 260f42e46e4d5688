package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BearBump/MailBeacon/internal/beacon"
	"github.com/BearBump/MailBeacon/internal/broker/messages"
	"github.com/BearBump/MailBeacon/internal/models"
)

var ErrUnknownFlow = errors.New("unknown flow")

type Repository interface {
	AppendEvent(ctx context.Context, ev *models.TrackingEvent) (uint64, error)
	HasFlow(ctx context.Context, flowID string) (bool, error)
}

type Classifier interface {
	Classify(ctx context.Context, ev *models.TrackingEvent) (bool, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Hit — один принятый запрос маяка после разбора кодеком.
type Hit struct {
	Decoded    beacon.Decoded
	ClientIP   string
	UserAgent  string
	OccurredAt time.Time
}

// Service — путь записи: классификация уникальности, durable-запись в
// Event Store и best-effort публикация в Kafka. Ответ получателю письма
// никогда не ждёт Kafka.
type Service struct {
	repo       Repository
	classifier Classifier
	producer   Producer
	rl         RateLimiter

	topic string

	requireKnownFlow bool
	ratePerMinute    int64
	appendRetryDelay time.Duration
	publishTimeout   time.Duration

	totalAccepted    atomic.Int64
	totalDuplicates  atomic.Int64
	totalThrottled   atomic.Int64
	totalUnknownFlow atomic.Int64
	totalPublishErrs atomic.Int64
	lastErrorMu      sync.Mutex
	lastError        string

	// подменяется в тестах
	now func() time.Time
}

func New(repo Repository, classifier Classifier, producer Producer, rl RateLimiter, topic string) *Service {
	if topic == "" {
		topic = "engagement.recorded"
	}
	return &Service{
		repo:             repo,
		classifier:       classifier,
		producer:         producer,
		rl:               rl,
		topic:            topic,
		appendRetryDelay: 50 * time.Millisecond,
		publishTimeout:   2 * time.Second,
		now:              time.Now,
	}
}

func (s *Service) WithSettings(requireKnownFlow bool, ratePerMinute int64) *Service {
	s.requireKnownFlow = requireKnownFlow
	if ratePerMinute > 0 {
		s.ratePerMinute = ratePerMinute
	}
	return s
}

type Stats struct {
	TotalAccepted    int64  `json:"totalAccepted"`
	TotalDuplicates  int64  `json:"totalDuplicates"`
	TotalThrottled   int64  `json:"totalThrottled"`
	TotalUnknownFlow int64  `json:"totalUnknownFlow"`
	TotalPublishErrs int64  `json:"totalPublishErrs"`
	LastError        string `json:"lastError,omitempty"`
}

func (s *Service) Stats() Stats {
	st := Stats{
		TotalAccepted:    s.totalAccepted.Load(),
		TotalDuplicates:  s.totalDuplicates.Load(),
		TotalThrottled:   s.totalThrottled.Load(),
		TotalUnknownFlow: s.totalUnknownFlow.Load(),
		TotalPublishErrs: s.totalPublishErrs.Load(),
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Service) noteError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

// Accept записывает один хит. Возвращённое событие уже имеет ID из Event
// Store. (nil, nil) означает, что хит осознанно пропущен (crawler guard).
// Ошибка возвращается только если durable-запись не удалась.
func (s *Service) Accept(ctx context.Context, hit Hit) (*models.TrackingEvent, error) {
	if !hit.Decoded.Identity.Valid() {
		return nil, errors.New("incomplete tracking identity")
	}
	if hit.OccurredAt.IsZero() {
		hit.OccurredAt = s.now().UTC()
	}

	// Защита от ботов/сканеров: лимит по IP. Любая ошибка лимитера
	// трактуется как "пропустить можно" — лимитер не вправе ронять запись.
	if s.rl != nil && s.ratePerMinute > 0 && hit.ClientIP != "" {
		key := fmt.Sprintf("rl:ingest:%s:%s", hit.ClientIP, hit.OccurredAt.UTC().Format("200601021504"))
		allowed, n, err := s.rl.Allow(ctx, key, s.ratePerMinute, 70*time.Second)
		if err != nil {
			slog.Warn("ingest rate limiter", "error", err.Error())
		} else if !allowed {
			s.totalThrottled.Add(1)
			slog.Warn("ingest rate limit exceeded", "ip", hit.ClientIP, "count", n)
			return nil, nil
		}
	}

	if s.requireKnownFlow {
		has, err := s.repo.HasFlow(ctx, hit.Decoded.Identity.FlowID)
		if err != nil {
			// fail open: недоступность справочника не теряет события
			slog.Warn("has flow check", "error", err.Error())
		} else if !has {
			s.totalUnknownFlow.Add(1)
			return nil, ErrUnknownFlow
		}
	}

	ev := &models.TrackingEvent{
		EventID:    uuid.NewString(),
		FlowID:     hit.Decoded.Identity.FlowID,
		StepID:     hit.Decoded.Identity.StepID,
		ContactID:  hit.Decoded.Identity.ContactID,
		Type:       hit.Decoded.Type,
		Transport:  hit.Decoded.Transport,
		ClickURL:   hit.Decoded.ClickURL,
		ClientIP:   hit.ClientIP,
		UserAgent:  hit.UserAgent,
		OccurredAt: hit.OccurredAt.UTC(),
	}

	unique, err := s.classifier.Classify(ctx, ev)
	if err != nil {
		// fail open: при недоступном dedup-хранилище событие не уникально,
		// но обязано быть записано.
		slog.Warn("classify event", "error", err.Error())
		unique = false
	}
	ev.IsUniqueForMetric = unique
	if !unique {
		s.totalDuplicates.Add(1)
	}

	// Durable-запись до ответа. Один повтор на случай короткого сбоя пула.
	if _, err := s.repo.AppendEvent(ctx, ev); err != nil {
		time.Sleep(s.appendRetryDelay)
		if _, err2 := s.repo.AppendEvent(ctx, ev); err2 != nil {
			s.noteError(err2)
			return nil, errors.Wrap(err2, "append event")
		}
	}
	s.totalAccepted.Add(1)

	s.publishAsync(ev)
	return ev, nil
}

// publishAsync шлёт событие в Kafka в фоне. Потеря сообщения допустима:
// снапшоты всегда пересчитываемы из Event Store полным сканом.
func (s *Service) publishAsync(ev *models.TrackingEvent) {
	if s.producer == nil {
		return
	}
	msg := messages.EngagementRecorded{
		EventID:           ev.EventID,
		FlowID:            ev.FlowID,
		StepID:            ev.StepID,
		ContactID:         ev.ContactID,
		Type:              ev.Type,
		Transport:         ev.Transport,
		ClickURL:          ev.ClickURL,
		ClientIP:          ev.ClientIP,
		UserAgent:         ev.UserAgent,
		IsUniqueForMetric: ev.IsUniqueForMetric,
		OccurredAt:        ev.OccurredAt,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		s.totalPublishErrs.Add(1)
		s.noteError(err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
		defer cancel()
		if err := s.producer.Publish(ctx, s.topic, []byte(ev.FlowID), b); err != nil {
			s.totalPublishErrs.Add(1)
			s.noteError(err)
			slog.Error("publish engagement", "event_id", ev.EventID, "error", err.Error())
		}
	}()
}
