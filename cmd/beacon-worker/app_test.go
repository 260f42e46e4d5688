package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/MailBeacon/config"
	"github.com/BearBump/MailBeacon/internal/broker/messages"
	"github.com/BearBump/MailBeacon/internal/services/aggregator"
)

type stubConsumer struct {
	values [][]byte
	err    error
}

func (c *stubConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for _, v := range c.values {
		if err := handler(nil, v); err != nil {
			return err
		}
	}
	if c.err != nil {
		return c.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunWorker_HandlesMessagesAndStopsOnCancel(t *testing.T) {
	msg, err := json.Marshal(messages.EngagementRecorded{
		EventID: "ev-1", FlowID: "F1", StepID: "S1", ContactID: "c1",
		Type: "open", IsUniqueForMetric: true, OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	svc := aggregator.New(nil, nil, nil, nil)
	cons := &stubConsumer{values: [][]byte{msg}}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runWorker(ctx, cons, svc) }()

	require.Eventually(t, func() bool {
		return svc.Stats().TotalApplied == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestRunWorker_RestartsAfterConsumeError(t *testing.T) {
	svc := aggregator.New(nil, nil, nil, nil)
	cons := &stubConsumer{err: errors.New("kafka down")}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runWorker(ctx, cons, svc) }()

	// Цикл не завершился от ошибки — ждём паузу рестарта и отменяем сами.
	select {
	case err := <-errCh:
		t.Fatalf("worker exited early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestRunWorkerHTTPServer_StatsAndSwagger(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	svc := aggregator.New(nil, nil, nil, nil)
	cfg := &config.Config{}
	cfg.MailBeacon.AggregationStrategy = "incremental"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: sw,
			onListen:    func(addr string) { addrCh <- addr },
			svc:         svc,
			cfg:         cfg,
		})
	}()

	addr := <-addrCh

	resp, err := http.Get("http://" + addr + "/stats")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(body), "totalApplied")

	resp, err = http.Get("http://" + addr + "/config")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Contains(t, string(body), "incremental")

	resp, err = http.Get("http://" + addr + "/swagger.json")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	cancel()
	require.Error(t, <-errCh)
}
