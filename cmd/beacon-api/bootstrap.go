package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/MailBeacon/config"
	"github.com/BearBump/MailBeacon/internal/api/beaconhttp"
	"github.com/BearBump/MailBeacon/internal/beacon"
	"github.com/BearBump/MailBeacon/internal/broker/kafka"
	"github.com/BearBump/MailBeacon/internal/cache/rediscache"
	"github.com/BearBump/MailBeacon/internal/counters/rediscounters"
	"github.com/BearBump/MailBeacon/internal/dedup"
	"github.com/BearBump/MailBeacon/internal/services/analytics"
	"github.com/BearBump/MailBeacon/internal/services/ingest"
	"github.com/BearBump/MailBeacon/internal/storage/pgevents"
)

type beaconAPIApp struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    beaconAPIOpts
	handler *beaconhttp.Handler
	closeDB func()
}

func mustBootstrapBeaconAPI() *beaconAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.MailBeacon.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.EngagementRecordedTopicName
	if topic == "" {
		topic = "engagement.recorded"
	}
	publicBaseURL := cfg.MailBeacon.PublicBaseURL
	if publicBaseURL == "" {
		publicBaseURL = "http://localhost:8080"
	}
	ingestTimeout := time.Duration(cfg.MailBeacon.IngestTimeoutMs) * time.Millisecond
	if ingestTimeout <= 0 {
		ingestTimeout = 200 * time.Millisecond
	}
	queryTimeout := time.Duration(cfg.MailBeacon.QueryTimeoutSeconds) * time.Second
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	snapshotTTL := time.Duration(cfg.MailBeacon.SnapshotTTLSeconds) * time.Second
	if snapshotTTL <= 0 {
		snapshotTTL = time.Minute
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)

	var dedupStore dedup.KeyStore
	if cfg.MailBeacon.DedupStore == "memory" {
		dedupStore = dedup.NewMemStore()
	} else {
		dedupStore = dedup.NewRedisStore(redisAddr)
	}
	// 0 в конфиге — не задано; выключить дедуп можно только per-flow.
	window := dedup.DefaultWindow
	if cfg.MailBeacon.DedupWindowSeconds > 0 {
		window = time.Duration(cfg.MailBeacon.DedupWindowSeconds) * time.Second
	}
	perFlow := make(map[string]time.Duration, len(cfg.MailBeacon.DedupPerFlowWindowSeconds))
	for flow, secs := range cfg.MailBeacon.DedupPerFlowWindowSeconds {
		perFlow[flow] = time.Duration(secs) * time.Second
	}
	engine := dedup.New(dedupStore, window, perFlow)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)

	rl := rediscache.NewRateLimiter(redisAddr)
	ingestSvc := ingest.New(st, engine, producer, rl, topic).
		WithSettings(cfg.MailBeacon.IngestRequireKnownFlow, int64(cfg.MailBeacon.IngestRateLimitPerMinute))

	counters := rediscounters.New(redisAddr)
	snapshotCache := rediscache.New(redisAddr)
	analyticsSvc := analytics.New(st, counters, snapshotCache, cfg.MailBeacon.AggregationStrategy, snapshotTTL)

	codec := beacon.New(publicBaseURL, cfg.MailBeacon.TrackingDomain)
	handler := beaconhttp.New(codec, ingestSvc, analyticsSvc, ingestTimeout, queryTimeout)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &beaconAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: beaconAPIOpts{
			httpAddr:    httpAddr,
			swaggerPath: swaggerPath,
		},
		handler: handler,
		closeDB: st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgevents.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgevents.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *beaconAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *beaconAPIApp) Run() error {
	return runBeaconAPI(a.ctx, a.opts, a.handler)
}
