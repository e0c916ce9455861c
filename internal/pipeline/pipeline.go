// Package pipeline runs one worker per symbol that carries each candle
// through indicators, regime, signal generation, the trading state machine
// and paper execution, and publishes the results as events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-enginev1/internal/execution"
	"futures-enginev1/internal/indicator"
	"futures-enginev1/internal/lifecycle"
	"futures-enginev1/internal/metrics"
	"futures-enginev1/internal/model"
	"futures-enginev1/internal/regime"
	"futures-enginev1/internal/strategy"
)

// Feed supplies live candle updates and recent closed history.
type Feed interface {
	Subscribe(ctx context.Context, symbol, timeframe string, fn func(model.Candle)) error
	History(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error)
}

// Publisher receives every outbound event. It must not block.
type Publisher interface {
	Publish(ev model.Event)
}

// Archiver receives closed candles, trade executions and snapshots for
// long-term storage. Implementations may drop.
type Archiver interface {
	EnqueueCandle(c model.Candle)
	EnqueueExecution(ev model.ExecutionEvent)
	EnqueueSnapshot(p model.PortfolioSnapshot)
}

// Config holds per-pipeline settings.
type Config struct {
	Symbols       []string
	Timeframe     string
	Indicators    indicator.Config
	Regime        regime.Config
	QueueSize     int
	HistoryLimit  int           // closed candles fetched at start-up
	ResyncLimit   int           // closed candles fetched on a gap or overflow
	SweepInterval time.Duration // wall-clock TTL checks; 0 disables
	WindowSize    int           // candles handed to the strategy
}

// Deps are the shared collaborators. Exec, Tracker and Events are required.
type Deps struct {
	Exec        *execution.Engine
	Tracker     *lifecycle.Tracker
	Events      Publisher
	Feed        Feed
	Candles     chan<- model.Candle // closed candles for the candle store
	Archive     Archiver
	Metrics     *metrics.Metrics
	Health      *metrics.HealthStatus
	NewStrategy func() strategy.Strategy
	Log         *zap.Logger
}

// Pipeline owns the per-symbol workers and the shared execution engine.
type Pipeline struct {
	cfg     Config
	tf      time.Duration
	exec    *execution.Engine
	tracker *lifecycle.Tracker
	events  Publisher
	feed    Feed
	candles chan<- model.Candle
	archive Archiver
	metrics *metrics.Metrics
	health  *metrics.HealthStatus
	log     *zap.Logger

	workers map[string]*Worker
	symbols []string
	now     func() time.Time
}

// New builds a pipeline and its workers. Nothing runs until Run or Process.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Exec == nil || deps.Tracker == nil || deps.Events == nil {
		return nil, errors.New("pipeline: exec, tracker and events are required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("pipeline: no symbols")
	}
	tf, err := model.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ResyncLimit <= 0 {
		cfg.ResyncLimit = 100
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 200
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.NewStrategy == nil {
		deps.NewStrategy = func() strategy.Strategy { return strategy.NewTrendPullback() }
	}

	p := &Pipeline{
		cfg:     cfg,
		tf:      tf,
		exec:    deps.Exec,
		tracker: deps.Tracker,
		events:  deps.Events,
		feed:    deps.Feed,
		candles: deps.Candles,
		archive: deps.Archive,
		metrics: deps.Metrics,
		health:  deps.Health,
		log:     deps.Log.With(zap.String("component", "pipeline")),
		workers: make(map[string]*Worker, len(cfg.Symbols)),
		now:     time.Now,
	}
	cooldown := deps.Exec.Risk().CooldownCandles
	for _, sym := range cfg.Symbols {
		if _, dup := p.workers[sym]; dup {
			return nil, fmt.Errorf("pipeline: duplicate symbol %s", sym)
		}
		p.workers[sym] = newWorker(p, sym, cooldown, deps.NewStrategy())
		p.symbols = append(p.symbols, sym)
	}
	return p, nil
}

// Run bootstraps every worker from history, subscribes to the feed and
// processes candles until ctx is cancelled. On return the detectors are
// closed and a final portfolio snapshot has been written.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.feed == nil {
		return errors.New("pipeline: Run needs a feed")
	}
	for _, sym := range p.symbols {
		if err := p.workers[sym].warm(ctx); err != nil {
			p.log.Warn("bootstrap from history failed", zap.String("symbol", sym), zap.Error(err))
		}
	}

	var wg sync.WaitGroup
	for _, sym := range p.symbols {
		w := p.workers[sym]
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := p.feed.Subscribe(ctx, w.symbol, p.cfg.Timeframe, w.enqueue); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Error("feed subscription ended", zap.String("symbol", w.symbol), zap.Error(err))
			}
			w.queue.Close()
		}()
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}
	if p.cfg.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.sweepLoop(ctx)
		}()
	}

	p.log.Info("pipeline running", zap.Strings("symbols", p.symbols), zap.String("timeframe", p.cfg.Timeframe))
	<-ctx.Done()
	wg.Wait()
	return p.Close()
}

// Close stops background training and writes a final portfolio snapshot.
func (p *Pipeline) Close() error {
	for _, sym := range p.symbols {
		p.workers[sym].det.Close()
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.exec.Flush(flushCtx)
}

// Process handles one candle synchronously. Backtests drive the pipeline
// through it so that no candle is ever dropped.
func (p *Pipeline) Process(ctx context.Context, c model.Candle) error {
	w, ok := p.workers[c.Symbol]
	if !ok {
		return fmt.Errorf("%w: no worker for symbol %s", model.ErrDataError, c.Symbol)
	}
	w.handle(ctx, c, p.now())
	return nil
}

// Resync asks a symbol's worker to refetch recent history before its next
// candle. Wired to feed reconnects.
func (p *Pipeline) Resync(symbol string) {
	if w, ok := p.workers[symbol]; ok {
		w.needResync.Store(true)
	}
}

func (p *Pipeline) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := p.now()
			p.expire(ctx, now)
			p.sweep(ctx, now)
		}
	}
}

// expire ends pending orders whose wall-clock TTL elapsed without a candle.
func (p *Pipeline) expire(ctx context.Context, now time.Time) {
	events, err := p.exec.ExpireStale(ctx, now)
	p.route(ctx, events)
	if err != nil {
		p.fail(nil, now, err)
	}
}

// sweep expires stale PENDING signals and cancels the orders they still
// hold.
func (p *Pipeline) sweep(ctx context.Context, now time.Time) {
	swept, err := p.tracker.Sweep(ctx, now)
	for _, s := range swept {
		p.publishSignal(s, now)
		if s.OrderID == "" {
			continue
		}
		o, ok := p.exec.Get(s.OrderID)
		if !ok || o.Status != model.OrderPending {
			continue
		}
		ev, cerr := p.exec.CancelOrder(ctx, o.ID)
		if ev.Order.ID != "" {
			p.route(ctx, []model.ExecutionEvent{ev})
		}
		if cerr != nil && !errors.Is(cerr, model.ErrNotFound) {
			p.fail(nil, now, cerr)
		}
	}
	if err != nil {
		p.fail(nil, now, err)
	}
}

// route applies execution events produced outside a worker's own candle
// handling, one symbol at a time.
func (p *Pipeline) route(ctx context.Context, events []model.ExecutionEvent) {
	if len(events) == 0 {
		return
	}
	bySymbol := make(map[string][]model.ExecutionEvent)
	var order []string
	for _, ev := range events {
		sym := ev.Order.Symbol
		if _, seen := bySymbol[sym]; !seen {
			order = append(order, sym)
		}
		bySymbol[sym] = append(bySymbol[sym], ev)
	}
	for _, sym := range order {
		w, ok := p.workers[sym]
		if !ok {
			p.applySignals(ctx, bySymbol[sym])
			p.publishPortfolio(sym, bySymbol[sym])
			continue
		}
		w.mu.Lock()
		w.applyLocked(ctx, bySymbol[sym], true)
		w.mu.Unlock()
	}
}

// applySignals moves the signals behind events along their lifecycle.
func (p *Pipeline) applySignals(ctx context.Context, events []model.ExecutionEvent) {
	for _, ev := range events {
		id := ev.Order.SignalID
		if id == "" {
			continue
		}
		var (
			s   model.TradingSignal
			err error
		)
		switch ev.Type {
		case model.ExecFilled:
			s, err = p.tracker.MarkExecuted(ctx, id, ev.At)
		case model.ExecExpired:
			s, err = p.tracker.MarkExpired(ctx, id, ev.At, reasonOrderExpired)
		case model.ExecCancelled:
			s, err = p.tracker.MarkCancelled(ctx, id, ev.At, reasonOrderCancelled)
		default:
			continue
		}
		if err != nil {
			if errors.Is(err, model.ErrInvalidStatus) || errors.Is(err, model.ErrNotFound) {
				p.log.Debug("signal already settled", zap.String("signal_id", id), zap.Error(err))
				continue
			}
			p.fail(nil, ev.At, err)
		}
		if s.ID != "" {
			p.publishSignal(s, ev.At)
		}
	}
}

const (
	reasonOrderExpired   = "order_expired"
	reasonOrderCancelled = "order_cancelled"
)

func (p *Pipeline) publishSignal(s model.TradingSignal, at time.Time) {
	p.metrics.Signals.WithLabelValues(s.Symbol, string(s.Side), string(s.Status)).Inc()
	p.events.Publish(model.SignalEvent{Signal: s, At: at})
}

func (p *Pipeline) publishPortfolio(symbol string, changes []model.ExecutionEvent) {
	snap := p.exec.Snapshot()
	p.metrics.Balance.Set(snap.Balance)
	p.metrics.LockedMargin.Set(snap.LockedMargin)
	if p.archive != nil {
		p.archive.EnqueueSnapshot(snap)
	}
	p.events.Publish(model.PortfolioEvent{Sym: symbol, Portfolio: snap, Changes: changes})
}

func (p *Pipeline) persistCandle(ctx context.Context, c model.Candle) {
	if p.archive != nil {
		p.archive.EnqueueCandle(c)
	}
	if p.candles == nil {
		return
	}
	select {
	case p.candles <- c:
	case <-ctx.Done():
	}
}

// fail reports err on the event stream. Persistence failures halt every
// symbol; an invalid transition has already halted its own machine.
func (p *Pipeline) fail(w *Worker, at time.Time, err error) {
	sym := ""
	log := p.log
	if w != nil {
		sym = w.symbol
		log = w.log
	}
	switch {
	case errors.Is(err, model.ErrIndicatorNotReady):
		log.Debug("indicators warming up", zap.Error(err))
		return
	case errors.Is(err, model.ErrDataError), errors.Is(err, model.ErrModelTraining):
		log.Warn("recoverable error", zap.Error(err))
	case model.IsFatal(err):
		log.Error("fatal error, halting", zap.Error(err))
		if errors.Is(err, model.ErrPersistence) {
			for _, s := range p.symbols {
				p.workers[s].machine.Halt()
			}
		} else if w != nil {
			w.machine.Halt()
		}
	default:
		log.Error("pipeline error", zap.Error(err))
	}
	p.events.Publish(model.NewErrorEvent(sym, err, at))
}

// States returns every symbol's machine context.
func (p *Pipeline) States() map[string]model.MachineContext {
	out := make(map[string]model.MachineContext, len(p.workers))
	for sym, w := range p.workers {
		out[sym] = w.machine.Context()
	}
	return out
}

// Symbols returns the configured symbols in configuration order.
func (p *Pipeline) Symbols() []string {
	return append([]string(nil), p.symbols...)
}

// Snapshot returns the current paper account.
func (p *Pipeline) Snapshot() model.PortfolioSnapshot { return p.exec.Snapshot() }

// Risk returns the active risk settings.
func (p *Pipeline) Risk() model.RiskSettings { return p.exec.Risk() }
