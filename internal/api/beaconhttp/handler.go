package beaconhttp

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/MailBeacon/internal/beacon"
	"github.com/BearBump/MailBeacon/internal/models"
	"github.com/BearBump/MailBeacon/internal/services/analytics"
	"github.com/BearBump/MailBeacon/internal/services/ingest"
)

// 1x1 прозрачный GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

type Ingestor interface {
	Accept(ctx context.Context, hit ingest.Hit) (*models.TrackingEvent, error)
}

type Analytics interface {
	Summarize(ctx context.Context, flowID string) (*models.FlowMetricsSnapshot, error)
	SummarizeSteps(ctx context.Context, flowID string) ([]*models.StepMetrics, error)
	TimeSeries(ctx context.Context, flowID, granularity string, from, to time.Time) (iter.Seq[models.TimeSeriesBucket], error)
	ListEvents(ctx context.Context, f models.EventFilter, beforeID uint64, limit int) ([]*models.TrackingEvent, error)
	RecordSend(ctx context.Context, flowID, stepID string, recipients int64) error
}

// Handler — обе HTTP-поверхности: приём маяков (fail-open, fail-silent,
// жёсткий дедлайн) и аналитика (обычные ошибки, дедлайн мягче).
type Handler struct {
	codec     *beacon.Codec
	ingestor  Ingestor
	analytics Analytics

	ingestTimeout time.Duration
	queryTimeout  time.Duration

	// подменяется в тестах
	now func() time.Time
}

func New(codec *beacon.Codec, ing Ingestor, an Analytics, ingestTimeout, queryTimeout time.Duration) *Handler {
	if ingestTimeout <= 0 {
		ingestTimeout = 200 * time.Millisecond
	}
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &Handler{
		codec:         codec,
		ingestor:      ing,
		analytics:     an,
		ingestTimeout: ingestTimeout,
		queryTimeout:  queryTimeout,
		now:           time.Now,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get(beacon.PixelPath, h.handleOpenBeacon)
	r.Get(beacon.CSSPath, h.handleOpenBeacon)
	r.Get(beacon.BackgroundPath, h.handleOpenBeacon)
	r.Get(beacon.DNSPath, h.handleOpenBeacon)
	r.Get(beacon.RedirectPath, h.handleRedirect)

	r.Get("/analytics/{flowId}", h.handleAnalytics)
	r.Get("/analytics/{flowId}/events", h.handleListEvents)
	r.Post("/flows/{flowId}/sends", h.handleRecordSend)

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleHealth)
	return r
}

// handleOpenBeacon всегда отвечает пикселем: приёмная граница не должна ни
// ломать рендеринг письма, ни выдавать, что трекинг распознан/отвергнут.
func (h *Handler) handleOpenBeacon(w http.ResponseWriter, r *http.Request) {
	decoded, err := h.codec.Decode(r)
	if err != nil {
		slog.Debug("malformed beacon", "path", r.URL.Path, "error", err.Error())
		h.servePixel(w)
		return
	}

	h.record(r, decoded)
	h.servePixel(w)
}

// handleRedirect — единственный транспорт с видимой ошибкой: битый url
// некуда редиректить.
func (h *Handler) handleRedirect(w http.ResponseWriter, r *http.Request) {
	decoded, err := h.codec.Decode(r)
	if err != nil {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	h.record(r, decoded)
	http.Redirect(w, r, decoded.ClickURL, http.StatusFound)
}

// record пишет хит с собственным дедлайном; любая ошибка приёма логируется
// и не влияет на HTTP-ответ.
func (h *Handler) record(r *http.Request, decoded beacon.Decoded) {
	ctx, cancel := context.WithTimeout(r.Context(), h.ingestTimeout)
	defer cancel()

	_, err := h.ingestor.Accept(ctx, ingest.Hit{
		Decoded:    decoded,
		ClientIP:   realIP(r),
		UserAgent:  r.UserAgent(),
		OccurredAt: h.now().UTC(),
	})
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrUnknownFlow):
		slog.Debug("beacon for unknown flow", "flow_id", decoded.Identity.FlowID)
	default:
		slog.Error("accept beacon", "flow_id", decoded.Identity.FlowID, "type", decoded.Type, "error", err.Error())
	}
}

type analyticsResponse struct {
	Snapshot *models.FlowMetricsSnapshot `json:"snapshot"`
	Steps    []*models.StepMetrics       `json:"steps"`
	Series   []models.TimeSeriesBucket   `json:"series,omitempty"`
}

func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	flowID := chi.URLParam(r, "flowId")

	snap, err := h.analytics.Summarize(ctx, flowID)
	if err != nil {
		h.writeAnalyticsError(w, err)
		return
	}
	steps, err := h.analytics.SummarizeSteps(ctx, flowID)
	if err != nil {
		h.writeAnalyticsError(w, err)
		return
	}

	resp := analyticsResponse{Snapshot: snap, Steps: steps}

	granularity := r.URL.Query().Get("granularity")
	if granularity != "" {
		from, to, err := parseRange(r, h.now().UTC())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		seq, err := h.analytics.TimeSeries(ctx, flowID, granularity, from, to)
		if err != nil {
			h.writeAnalyticsError(w, err)
			return
		}
		resp.Series = []models.TimeSeriesBucket{}
		for b := range seq {
			resp.Series = append(resp.Series, b)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// parseRange разбирает from/to (RFC3339). По умолчанию — последние 30 дней.
func parseRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	from := now.AddDate(0, 0, -30)
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid from")
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid to")
		}
		to = t
	}
	return from, to, nil
}

func (h *Handler) writeAnalyticsError(w http.ResponseWriter, err error) {
	if errors.Is(err, analytics.ErrUnknownFlow) {
		http.Error(w, "flow not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, analytics.ErrBadGranularity) || errors.Is(err, analytics.ErrBadRange) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Error("analytics query", "error", err.Error())
	http.Error(w, "internal error", http.StatusInternalServerError)
}

type eventsResponse struct {
	Events []*models.TrackingEvent `json:"events"`
	// Курсор следующей страницы; 0 — страниц больше нет.
	NextBeforeID uint64 `json:"nextBeforeId,omitempty"`
}

// handleListEvents — сырые события потока для аудита/отладки,
// keyset-пагинация курсором beforeId.
func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	q := r.URL.Query()
	f := models.EventFilter{
		FlowID:    chi.URLParam(r, "flowId"),
		StepID:    q.Get("stepId"),
		ContactID: q.Get("contactId"),
		Type:      q.Get("type"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid to", http.StatusBadRequest)
			return
		}
		f.To = &t
	}

	var beforeID uint64
	if v := q.Get("beforeId"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid beforeId", http.StatusBadRequest)
			return
		}
		beforeID = n
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	events, err := h.analytics.ListEvents(ctx, f, beforeID, limit)
	if err != nil {
		h.writeAnalyticsError(w, err)
		return
	}

	resp := eventsResponse{Events: events}
	if resp.Events == nil {
		resp.Events = []*models.TrackingEvent{}
	}
	if len(events) > 0 {
		resp.NextBeforeID = events[len(events)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

type recordSendRequest struct {
	StepID     string `json:"stepId"`
	Recipients int64  `json:"recipients"`
}

func (h *Handler) handleRecordSend(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	flowID := chi.URLParam(r, "flowId")

	var req recordSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := h.analytics.RecordSend(ctx, flowID, req.StepID, req.Recipients); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	_, _ = w.Write(pixelGIF)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
