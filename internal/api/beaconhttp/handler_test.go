package beaconhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/MailBeacon/internal/beacon"
	"github.com/BearBump/MailBeacon/internal/models"
	"github.com/BearBump/MailBeacon/internal/services/analytics"
	"github.com/BearBump/MailBeacon/internal/services/ingest"
)

type ingestorFake struct {
	hits []ingest.Hit
	err  error
}

func (f *ingestorFake) Accept(ctx context.Context, hit ingest.Hit) (*models.TrackingEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.hits = append(f.hits, hit)
	return &models.TrackingEvent{ID: 1}, nil
}

type analyticsFake struct {
	snap   *models.FlowMetricsSnapshot
	steps  []*models.StepMetrics
	serie  []models.TimeSeriesBucket
	events []*models.TrackingEvent
	err    error

	sends      map[string]int64
	lastFilter models.EventFilter
	lastBefore uint64
}

func (f *analyticsFake) Summarize(ctx context.Context, flowID string) (*models.FlowMetricsSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func (f *analyticsFake) SummarizeSteps(ctx context.Context, flowID string) ([]*models.StepMetrics, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.steps, nil
}

func (f *analyticsFake) TimeSeries(ctx context.Context, flowID, granularity string, from, to time.Time) (iter.Seq[models.TimeSeriesBucket], error) {
	if f.err != nil {
		return nil, f.err
	}
	if !models.ValidGranularity(granularity) {
		return nil, errors.Wrapf(analytics.ErrBadGranularity, "granularity %q", granularity)
	}
	return func(yield func(models.TimeSeriesBucket) bool) {
		for _, b := range f.serie {
			if !yield(b) {
				return
			}
		}
	}, nil
}

func (f *analyticsFake) ListEvents(ctx context.Context, filter models.EventFilter, beforeID uint64, limit int) ([]*models.TrackingEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastFilter = filter
	f.lastBefore = beforeID
	return f.events, nil
}

func (f *analyticsFake) RecordSend(ctx context.Context, flowID, stepID string, recipients int64) error {
	if stepID == "" || recipients <= 0 {
		return errors.New("recipients must be positive")
	}
	if f.sends == nil {
		f.sends = make(map[string]int64)
	}
	f.sends[flowID+"/"+stepID] += recipients
	return nil
}

func newTestHandler(ing Ingestor, an Analytics) *Handler {
	codec := beacon.New("https://track.example.com", "track.example.com")
	return New(codec, ing, an, 200*time.Millisecond, time.Second)
}

func do(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestOpenBeacon_ServesPixelAndRecords(t *testing.T) {
	ing := &ingestorFake{}
	h := newTestHandler(ing, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/tracking/pixel.gif?flowId=F1&stepId=S1&contactId=C1&t=123", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("User-Agent", "Thunderbird")

	rec := do(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
	require.Equal(t, pixelGIF, rec.Body.Bytes())

	require.Len(t, ing.hits, 1)
	hit := ing.hits[0]
	require.Equal(t, models.TrackingIdentity{FlowID: "F1", StepID: "S1", ContactID: "C1"}, hit.Decoded.Identity)
	require.Equal(t, models.EventTypeOpen, hit.Decoded.Type)
	require.Equal(t, models.TransportPixel, hit.Decoded.Transport)
	require.Equal(t, "203.0.113.7", hit.ClientIP)
	require.Equal(t, "Thunderbird", hit.UserAgent)
}

func TestOpenBeacon_MalformedStillServesPixel(t *testing.T) {
	ing := &ingestorFake{}
	h := newTestHandler(ing, nil)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/tracking/pixel.gif?flowId=F1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, pixelGIF, rec.Body.Bytes())
	require.Empty(t, ing.hits)
}

func TestOpenBeacon_IngestFailureIsSilent(t *testing.T) {
	ing := &ingestorFake{err: errors.New("pg down")}
	h := newTestHandler(ing, nil)

	rec := do(h, httptest.NewRequest(http.MethodGet,
		"/tracking/pixel.gif?flowId=F1&stepId=S1&contactId=C1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, pixelGIF, rec.Body.Bytes())
}

func TestOpenBeacon_UnknownFlowIsSilent(t *testing.T) {
	ing := &ingestorFake{err: ingest.ErrUnknownFlow}
	h := newTestHandler(ing, nil)

	rec := do(h, httptest.NewRequest(http.MethodGet,
		"/tracking/css/pixel.css?flowId=F1&stepId=S1&contactId=C1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, pixelGIF, rec.Body.Bytes())
}

func TestDNSBeacon_ContactFromHost(t *testing.T) {
	ing := &ingestorFake{}
	h := newTestHandler(ing, nil)

	req := httptest.NewRequest(http.MethodGet, "http://c42.track.example.com/open.gif?flowId=F1&stepId=S1", nil)
	rec := do(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ing.hits, 1)
	require.Equal(t, "c42", ing.hits[0].Decoded.Identity.ContactID)
	require.Equal(t, models.TransportDNS, ing.hits[0].Decoded.Transport)
}

func TestRedirect_DecodesOnceAndRedirects(t *testing.T) {
	ing := &ingestorFake{}
	h := newTestHandler(ing, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/tracking/redirect?flowId=F1&stepId=S1&contactId=C1&url=https%3A%2F%2Fexample.com%2Fpage", nil)
	rec := do(h, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://example.com/page", rec.Header().Get("Location"))

	require.Len(t, ing.hits, 1)
	require.Equal(t, models.EventTypeClick, ing.hits[0].Decoded.Type)
	require.Equal(t, "https://example.com/page", ing.hits[0].Decoded.ClickURL)
}

func TestRedirect_MalformedURLIs400(t *testing.T) {
	ing := &ingestorFake{}
	h := newTestHandler(ing, nil)

	// Дважды закодированный url после одного декодирования остаётся с %2F.
	req := httptest.NewRequest(http.MethodGet,
		"/tracking/redirect?flowId=F1&stepId=S1&contactId=C1&url=https%253A%252F%252Fexample.com", nil)
	rec := do(h, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, ing.hits)
}

func TestRedirect_IngestFailureStillRedirects(t *testing.T) {
	ing := &ingestorFake{err: errors.New("pg down")}
	h := newTestHandler(ing, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/tracking/redirect?flowId=F1&stepId=S1&contactId=C1&url=https%3A%2F%2Fexample.com", nil)
	rec := do(h, req)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://example.com", rec.Header().Get("Location"))
}

func TestAnalytics_ReturnsSnapshotStepsAndSeries(t *testing.T) {
	an := &analyticsFake{
		snap: &models.FlowMetricsSnapshot{FlowID: "F1", UniqueOpens: 5, TotalOpens: 9, OpenRate: 0.05},
		steps: []*models.StepMetrics{
			{FlowID: "F1", StepID: "S1", UniqueOpens: 5},
		},
		serie: []models.TimeSeriesBucket{
			{BucketStart: time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), Granularity: "day", Opens: 9},
		},
	}
	h := newTestHandler(nil, an)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/analytics/F1?granularity=day", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp analyticsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "F1", resp.Snapshot.FlowID)
	require.EqualValues(t, 5, resp.Snapshot.UniqueOpens)
	require.Len(t, resp.Steps, 1)
	require.Len(t, resp.Series, 1)
	require.EqualValues(t, 9, resp.Series[0].Opens)
}

func TestAnalytics_WithoutGranularityOmitsSeries(t *testing.T) {
	an := &analyticsFake{snap: &models.FlowMetricsSnapshot{FlowID: "F1"}}
	h := newTestHandler(nil, an)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/analytics/F1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), `"series"`)
}

func TestAnalytics_UnknownFlowIs404(t *testing.T) {
	an := &analyticsFake{err: analytics.ErrUnknownFlow}
	h := newTestHandler(nil, an)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/analytics/ghost", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalytics_BadGranularityIs400(t *testing.T) {
	an := &analyticsFake{snap: &models.FlowMetricsSnapshot{FlowID: "F1"}}
	h := newTestHandler(nil, an)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/analytics/F1?granularity=fortnight", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalytics_BadFromIs400(t *testing.T) {
	an := &analyticsFake{snap: &models.FlowMetricsSnapshot{FlowID: "F1"}}
	h := newTestHandler(nil, an)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/analytics/F1?granularity=day&from=yesterday", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEvents_FilterAndCursor(t *testing.T) {
	an := &analyticsFake{events: []*models.TrackingEvent{
		{ID: 9, EventID: "ev-9", FlowID: "F1", StepID: "S1", ContactID: "C1", Type: models.EventTypeOpen},
		{ID: 7, EventID: "ev-7", FlowID: "F1", StepID: "S1", ContactID: "C2", Type: models.EventTypeOpen},
	}}
	h := newTestHandler(nil, an)

	rec := do(h, httptest.NewRequest(http.MethodGet,
		"/analytics/F1/events?stepId=S1&type=open&beforeId=10&limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)
	require.EqualValues(t, 7, resp.NextBeforeID)

	require.Equal(t, "F1", an.lastFilter.FlowID)
	require.Equal(t, "S1", an.lastFilter.StepID)
	require.Equal(t, models.EventTypeOpen, an.lastFilter.Type)
	require.EqualValues(t, 10, an.lastBefore)
}

func TestListEvents_Validation(t *testing.T) {
	an := &analyticsFake{}
	h := newTestHandler(nil, an)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/analytics/F1/events?beforeId=abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, httptest.NewRequest(http.MethodGet, "/analytics/F1/events?from=yesterday", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	an.err = analytics.ErrUnknownFlow
	rec = do(h, httptest.NewRequest(http.MethodGet, "/analytics/ghost/events", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordSend(t *testing.T) {
	an := &analyticsFake{}
	h := newTestHandler(nil, an)

	body := bytes.NewBufferString(`{"stepId":"S1","recipients":1000}`)
	rec := do(h, httptest.NewRequest(http.MethodPost, "/flows/F1/sends", body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1000, an.sends["F1/S1"])
}

func TestRecordSend_InvalidBody(t *testing.T) {
	h := newTestHandler(nil, &analyticsFake{})

	rec := do(h, httptest.NewRequest(http.MethodPost, "/flows/F1/sends", strings.NewReader("{")))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, httptest.NewRequest(http.MethodPost, "/flows/F1/sends", strings.NewReader(`{"stepId":"S1","recipients":-5}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRealIP_ForwardedForEdgeCases(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	require.Equal(t, "203.0.113.7", realIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	require.Equal(t, "203.0.113.7", realIP(req))

	// XFF с пустым первым хопом — откат на X-Real-Ip.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", ", 10.0.0.1")
	req.Header.Set("X-Real-Ip", "198.51.100.4")
	require.Equal(t, "198.51.100.4", realIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	require.Equal(t, req.RemoteAddr, realIP(req))
}

func TestHealth(t *testing.T) {
	h := newTestHandler(nil, nil)
	rec := do(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
