package dedup

import (
	"context"
	"time"

	"github.com/BearBump/MailBeacon/internal/models"
)

// KeyStore хранит отметку "последнего уникального" по DedupKey.
// MarkUnique обязан быть атомарным относительно конкурентных хитов
// по одному ключу: ровно один вызов в окне возвращает true.
type KeyStore interface {
	MarkUnique(ctx context.Context, key string, at time.Time, window time.Duration) (bool, error)
}

// Engine решает, считать ли событие новым уникальным вовлечением.
type Engine struct {
	store  KeyStore
	window time.Duration
	// переопределение окна по потоку; 0 в карте = дедуп выключен для потока
	perFlow map[string]time.Duration
}

const DefaultWindow = 30 * time.Minute

func New(store KeyStore, window time.Duration, perFlow map[string]time.Duration) *Engine {
	if window < 0 {
		window = DefaultWindow
	}
	return &Engine{store: store, window: window, perFlow: perFlow}
}

func (e *Engine) windowFor(flowID string) time.Duration {
	if e.perFlow != nil {
		if w, ok := e.perFlow[flowID]; ok {
			return w
		}
	}
	return e.window
}

// Classify возвращает isUniqueForMetric. Окно 0 вырождается в
// "каждое событие уникально".
func (e *Engine) Classify(ctx context.Context, ev *models.TrackingEvent) (bool, error) {
	w := e.windowFor(ev.FlowID)
	if w <= 0 {
		return true, nil
	}
	return e.store.MarkUnique(ctx, ev.Identity().DedupKey(ev.Type), ev.OccurredAt, w)
}
