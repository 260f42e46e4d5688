package main

import (
	"context"
	"io"
	"iter"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/MailBeacon/internal/api/beaconhttp"
	"github.com/BearBump/MailBeacon/internal/beacon"
	"github.com/BearBump/MailBeacon/internal/models"
	"github.com/BearBump/MailBeacon/internal/services/ingest"
)

type ingestorStub struct{}

func (ingestorStub) Accept(ctx context.Context, hit ingest.Hit) (*models.TrackingEvent, error) {
	return &models.TrackingEvent{ID: 1}, nil
}

type analyticsStub struct{}

func (analyticsStub) Summarize(ctx context.Context, flowID string) (*models.FlowMetricsSnapshot, error) {
	return &models.FlowMetricsSnapshot{FlowID: flowID}, nil
}

func (analyticsStub) SummarizeSteps(ctx context.Context, flowID string) ([]*models.StepMetrics, error) {
	return []*models.StepMetrics{}, nil
}

func (analyticsStub) TimeSeries(ctx context.Context, flowID, granularity string, from, to time.Time) (iter.Seq[models.TimeSeriesBucket], error) {
	return func(yield func(models.TimeSeriesBucket) bool) {}, nil
}

func (analyticsStub) ListEvents(ctx context.Context, f models.EventFilter, beforeID uint64, limit int) ([]*models.TrackingEvent, error) {
	return []*models.TrackingEvent{}, nil
}

func (analyticsStub) RecordSend(ctx context.Context, flowID, stepID string, recipients int64) error {
	return nil
}

func TestRunBeaconAPI_ServesSwaggerAndBeacons(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	codec := beacon.New("http://localhost", "track.local")
	h := beaconhttp.New(codec, ingestorStub{}, analyticsStub{}, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runBeaconAPI(ctx, beaconAPIOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: sw,
			onListen:    func(addr string) { addrCh <- addr },
		}, h)
	}()

	addr := <-addrCh

	resp, err := http.Get("http://" + addr + "/swagger.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(body), "\"swagger\"")

	resp, err = http.Get("http://" + addr + "/tracking/pixel.gif?flowId=F1&stepId=S1&contactId=C1")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "image/gif", resp.Header.Get("Content-Type"))

	cancel()
	require.Error(t, <-errCh)
}

func TestRunBeaconAPI_RequiresSwagger(t *testing.T) {
	err := runBeaconAPI(context.Background(), beaconAPIOpts{httpAddr: "127.0.0.1:0"}, nil)
	require.Error(t, err)

	err = runBeaconAPI(context.Background(), beaconAPIOpts{httpAddr: "127.0.0.1:0", swaggerPath: "/no/such/file.json"}, nil)
	require.Error(t, err)
}
