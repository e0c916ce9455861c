// Package app wires the live paper-trading engine: feed, pipeline, stores,
// event stream, alerts and the HTTP surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-enginev1/config"
	"futures-enginev1/internal/api"
	"futures-enginev1/internal/bus"
	"futures-enginev1/internal/execution"
	"futures-enginev1/internal/gateway"
	"futures-enginev1/internal/lifecycle"
	"futures-enginev1/internal/marketdata/binance"
	"futures-enginev1/internal/metrics"
	"futures-enginev1/internal/model"
	"futures-enginev1/internal/notification"
	"futures-enginev1/internal/pipeline"
	redisstore "futures-enginev1/internal/store/redis"
	sqlitestore "futures-enginev1/internal/store/sqlite"
	"futures-enginev1/internal/store/timescale"
)

const (
	shutdownTimeout  = 10 * time.Second
	livenessInterval = 10 * time.Second
	redisFlushEvery  = time.Second
)

// App holds every long-lived component of the live engine.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	health  *metrics.HealthStatus

	store    *sqlitestore.Store
	candles  chan model.Candle
	exec     *execution.Engine
	tracker  *lifecycle.Tracker
	events   *bus.FanOut
	feed     *binance.Feed
	pipeline *pipeline.Pipeline

	redis    *redisstore.Publisher
	buffered *redisstore.BufferedPublisher
	archive  *timescale.Archive
	alerter  *notification.Alerter
	stream   *gateway.Hub

	apiSrv     *api.Server
	metricsSrv *metrics.Server
}

// New builds the engine. Optional sinks (Redis, Timescale) that fail to
// connect are logged and skipped; the sqlite store is required.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
		health:  metrics.NewHealthStatus(),
	}

	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlitestore.New(cfg.Storage.SQLitePath, log)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	a.store = store
	a.health.Register("sqlite", store.Ping)
	a.candles = make(chan model.Candle, cfg.Storage.CandleQueue)

	a.exec = execution.New(execution.Config{
		Risk:               cfg.Risk,
		MaxPersistFailures: cfg.Storage.PersistenceMaxFailures,
	}, store, log)
	a.tracker = lifecycle.New(time.Duration(cfg.Risk.SignalTTLSeconds)*time.Second, store, cfg.Storage.PersistenceMaxFailures, log)

	a.events = bus.New(cfg.Pipeline.EventBuffer)
	a.events.OnDrop = func(subscriber string) {
		a.metrics.EventsDropped.WithLabelValues(subscriber).Inc()
	}

	if cfg.Redis.Enabled {
		a.setupRedis()
	}
	if cfg.Timescale.Enabled {
		a.setupArchive()
	}

	var notifier notification.Notifier = notification.NewLogNotifier(log)
	if cfg.Telegram.Enabled {
		notifier = notification.NewTelegramNotifier(cfg.Telegram, log)
	}
	a.alerter = notification.NewAlerter(notifier, log)

	feed, err := binance.New(binance.Config{
		WSURL:             cfg.Feed.WSURL,
		RESTURL:           cfg.Feed.RESTURL,
		RESTTimeout:       cfg.Feed.RESTTimeout,
		ReconnectDelay:    cfg.Feed.ReconnectBackoff,
		MaxReconnectDelay: cfg.Feed.MaxBackoff,
	}, log)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.feed = feed

	pcfg := pipelineConfig(cfg)
	pcfg.SweepInterval = cfg.Pipeline.SweepInterval
	deps := pipeline.Deps{
		Exec:    a.exec,
		Tracker: a.tracker,
		Events:  a.events,
		Feed:    feed,
		Candles: a.candles,
		Metrics: a.metrics,
		Health:  a.health,
		Log:     log,
	}
	if a.archive != nil {
		deps.Archive = a.archive
	}
	p, err := pipeline.New(pcfg, deps)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.pipeline = p

	feed.OnReconnect = p.Resync
	feed.OnStatus = a.health.SetFeedConnected
	for _, sym := range cfg.Symbols {
		a.health.SetFeedConnected(sym, false)
	}

	a.stream = gateway.NewHub(cfg.API.StreamReplay, log)
	a.stream.OnDrop = func() { a.metrics.EventsDropped.WithLabelValues("ws_client").Inc() }
	a.apiSrv = api.NewServer(cfg.API.Addr, api.Deps{
		Engine:  p,
		Signals: store,
		Orders:  store,
		Health:  a.health,
		Stream:  a.stream,
		Log:     log,
	})
	a.metricsSrv = metrics.NewServer(cfg.Metrics.Addr, a.metrics, a.health, log)
	return a, nil
}

func (a *App) setupRedis() {
	pub, err := redisstore.New(a.cfg.Redis, a.log)
	if err != nil {
		a.log.Warn("redis unavailable, continuing without event stream", zap.Error(err))
		return
	}
	a.redis = pub
	a.health.Register("redis", pub.Ping)

	cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to redisstore.State) {
		a.metrics.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			a.metrics.RedisCircuitBreakerTrips.Inc()
		}
		a.log.Warn("redis circuit breaker", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	a.buffered = redisstore.NewBufferedPublisher(pub, cb, a.cfg.Redis.BufferSize, a.log)
	a.buffered.OnBuffer = a.metrics.RedisBufferedEvents.Inc
	a.buffered.OnDrop = a.metrics.RedisDroppedEvents.Inc
}

func (a *App) setupArchive() {
	arc, err := timescale.New(a.cfg.Timescale, a.log)
	if err != nil {
		a.log.Warn("timescale unavailable, continuing without archive", zap.Error(err))
		return
	}
	arc.OnDrop = func(string) { a.metrics.ArchiveDropped.Inc() }
	a.archive = arc
	a.health.Register("timescale", arc.Ping)
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in order: feed and workers, final snapshot, HTTP servers, event
// consumers, stores.
func (a *App) Run(ctx context.Context) error {
	// Consumers run on their own context so they drain after the
	// pipeline has stopped producing.
	bg, stopBg := context.WithCancel(context.Background())
	defer stopBg()

	var consumers sync.WaitGroup
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		a.store.RunCandles(bg, a.candles)
	}()
	a.archive.Start(bg)

	alerts := a.events.Subscribe("alerts")
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		a.alerter.Run(bg, alerts)
	}()

	wsEvents := a.events.Subscribe("ws")
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		a.stream.Run(bg, wsEvents)
	}()

	if a.buffered != nil {
		redisEvents := a.events.Subscribe("redis")
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			a.forward(bg, redisEvents)
		}()
		go a.buffered.Run(ctx, redisFlushEvery)

		listener := redisstore.NewCommandListener(a.redis.Client(), a.cfg.Redis.CommandsChannel, a.pipeline.Execute, a.log)
		go func() {
			if err := listener.Run(ctx); err != nil {
				a.log.Error("command listener stopped", zap.Error(err))
			}
		}()
	}

	a.health.StartLivenessChecker(ctx, livenessInterval)
	a.metricsSrv.Start()
	a.apiSrv.Start()

	a.log.Info("engine started",
		zap.Strings("symbols", a.cfg.Symbols),
		zap.String("timeframe", a.cfg.Timeframe),
		zap.Bool("redis", a.redis != nil),
		zap.Bool("timescale", a.archive != nil),
		zap.Bool("telegram", a.cfg.Telegram.Enabled))

	runErr := a.pipeline.Run(ctx)
	a.log.Info("pipeline stopped, shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	errs = append(errs, runErr)
	if err := a.apiSrv.Stop(shutCtx); err != nil {
		errs = append(errs, fmt.Errorf("api server: %w", err))
	}
	if err := a.metricsSrv.Stop(shutCtx); err != nil {
		errs = append(errs, fmt.Errorf("metrics server: %w", err))
	}

	a.events.Close()
	close(a.candles)
	consumers.Wait()
	if a.buffered != nil {
		if err := a.buffered.Flush(shutCtx); err != nil {
			a.log.Warn("redis events left undelivered", zap.Int("pending", a.buffered.PendingCount()), zap.Error(err))
		}
	}
	stopBg()
	errs = append(errs, a.closeStores())
	a.log.Info("engine stopped")
	return errors.Join(errs...)
}

// forward publishes bus events to Redis until the bus closes. Delivery
// failures stay buffered and are retried by the flush loop.
func (a *App) forward(ctx context.Context, events <-chan model.Event) {
	for ev := range events {
		if err := a.buffered.Publish(ctx, ev); err != nil && !errors.Is(err, redisstore.ErrCircuitOpen) {
			a.log.Debug("redis publish deferred", zap.String("kind", string(ev.Kind())), zap.Error(err))
		}
	}
}

func (a *App) closeStores() error {
	var errs []error
	if a.archive != nil {
		errs = append(errs, a.archive.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
