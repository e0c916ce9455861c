package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"futures-enginev1/internal/execution"
	"futures-enginev1/internal/indicator"
	"futures-enginev1/internal/logger"
	"futures-enginev1/internal/model"
	"futures-enginev1/internal/regime"
	"futures-enginev1/internal/ringbuf"
	"futures-enginev1/internal/statemachine"
	"futures-enginev1/internal/strategy"
)

type queued struct {
	candle   model.Candle
	received time.Time
}

// Worker owns one symbol's indicator engine, regime detector, strategy and
// state machine. mu serialises candle handling with execution events
// routed in from commands and the TTL sweeper.
type Worker struct {
	p      *Pipeline
	symbol string
	log    *zap.Logger

	queue      *ringbuf.Ring[queued]
	needResync atomic.Bool
	clock      atomic.Int64 // event time for state changes, unix nanos

	mu      sync.Mutex
	ind     *indicator.Engine
	det     *regime.Detector
	strat   strategy.Strategy
	machine *statemachine.Machine
}

func newWorker(p *Pipeline, symbol string, cooldown int, strat strategy.Strategy) *Worker {
	log := p.log.With(zap.String("symbol", symbol))
	w := &Worker{
		p:       p,
		symbol:  symbol,
		log:     log,
		queue:   ringbuf.New[queued](p.cfg.QueueSize),
		ind:     indicator.NewEngine(symbol, p.cfg.Timeframe, p.cfg.Indicators, log),
		det:     regime.New(p.cfg.Regime, log),
		strat:   strat,
		machine: statemachine.New(symbol, cooldown),
	}
	w.machine.OnTransition = w.onTransition
	w.det.OnRetrain = w.onRetrain
	return w
}

func (w *Worker) onTransition(tr statemachine.Transition) {
	w.p.metrics.StateTransitions.WithLabelValues(w.symbol, string(tr.To)).Inc()
	w.log.Info("state change",
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("trigger", string(tr.Event)))
	w.p.events.Publish(model.StateChangeEvent{
		Sym:     w.symbol,
		From:    string(tr.From),
		To:      string(tr.To),
		Trigger: string(tr.Event),
		Context: tr.Context,
		At:      w.eventTime(),
	})
}

func (w *Worker) onRetrain(err error) {
	if err != nil {
		w.p.metrics.RegimeRetrains.WithLabelValues("error").Inc()
		w.p.fail(w, w.eventTime(), err)
		return
	}
	w.p.metrics.RegimeRetrains.WithLabelValues("ok").Inc()
}

func (w *Worker) eventTime() time.Time {
	if ns := w.clock.Load(); ns != 0 {
		return time.Unix(0, ns).UTC()
	}
	return w.p.now().UTC()
}

// enqueue is the feed callback. It never blocks; on overflow the oldest
// candle is dropped and a resync is scheduled.
func (w *Worker) enqueue(c model.Candle) {
	now := w.p.now()
	if w.p.health != nil {
		w.p.health.SetLastTick(now)
	}
	if w.queue.Push(queued{candle: c, received: now}) {
		w.p.metrics.CandlesDropped.WithLabelValues(w.symbol).Inc()
		w.needResync.Store(true)
	}
}

func (w *Worker) run(ctx context.Context) {
	for {
		for ctx.Err() == nil {
			q, ok := w.queue.Pop()
			if !ok {
				break
			}
			if w.needResync.Swap(false) {
				w.mu.Lock()
				w.fill(ctx, time.Time{})
				w.mu.Unlock()
			}
			w.handle(ctx, q.candle, q.received)
		}
		if ctx.Err() != nil || w.queue.Closed() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-w.queue.Ready():
		}
	}
}

// warm feeds closed history through indicators and regime without trading.
func (w *Worker) warm(ctx context.Context) error {
	hist, err := w.p.feed.History(ctx, w.symbol, w.p.cfg.Timeframe, w.p.cfg.HistoryLimit)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range hist {
		if !c.IsClosed || !w.newer(c) {
			continue
		}
		snap, err := w.ind.Process(c)
		if err != nil {
			w.p.fail(w, c.OpenTime, err)
			continue
		}
		w.det.Observe(c, snap)
		w.p.persistCandle(ctx, c)
		w.clock.Store(c.OpenTime.UnixNano())
		n++
	}
	// Failures reach onRetrain; the rules classify until the next retrain.
	_ = w.det.Train(ctx)
	w.log.Info("bootstrapped from history",
		zap.Int("candles", n),
		zap.Bool("indicators_ready", w.ind.Ready()),
		zap.Bool("regime_trained", w.det.Trained()))
	if w.ind.Ready() && w.machine.State() == statemachine.StateBootstrap {
		return w.machine.WarmedUp()
	}
	return nil
}

func (w *Worker) newer(c model.Candle) bool {
	last := w.ind.LastOpen()
	return last.IsZero() || c.OpenTime.After(last)
}

// handle processes one candle update. Everything it logs carries a trace
// id of the form "{symbol}-{open time nanos}".
func (w *Worker) handle(ctx context.Context, c model.Candle, received time.Time) {
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(w.symbol, c.OpenTime))
	w.mu.Lock()
	if c.IsClosed {
		w.onClosed(ctx, c)
	} else {
		w.onForming(ctx, c)
	}
	w.mu.Unlock()

	if c.IsClosed {
		w.p.sweep(ctx, c.OpenTime)
	}
	w.p.metrics.CandlesProcessed.WithLabelValues(w.symbol, strconv.FormatBool(c.IsClosed)).Inc()
	w.p.metrics.TickLatency.WithLabelValues(w.symbol).Observe(time.Since(received).Seconds())
}

func (w *Worker) onClosed(ctx context.Context, c model.Candle) {
	if !w.newer(c) {
		logger.For(ctx, w.log).Debug("closed candle already processed", zap.Time("open_time", c.OpenTime))
		return
	}
	if last := w.ind.LastOpen(); !last.IsZero() && c.OpenTime.Sub(last) > w.p.tf {
		w.fill(ctx, c.OpenTime)
	}
	w.processClosed(ctx, c)
}

// fill replays closed history newer than the last processed candle and
// older than before (zero means no upper bound).
func (w *Worker) fill(ctx context.Context, before time.Time) {
	if w.p.feed == nil {
		return
	}
	w.p.metrics.Resyncs.WithLabelValues(w.symbol).Inc()
	hist, err := w.p.feed.History(ctx, w.symbol, w.p.cfg.Timeframe, w.p.cfg.ResyncLimit)
	if err != nil {
		logger.For(ctx, w.log).Warn("resync failed", zap.Error(err))
		return
	}
	n := 0
	for _, c := range hist {
		if !before.IsZero() && !c.OpenTime.Before(before) {
			break
		}
		if !c.IsClosed || !w.newer(c) {
			continue
		}
		w.processClosed(ctx, c)
		n++
	}
	logger.For(ctx, w.log).Info("resynced from history", zap.Int("candles", n))
}

// processClosed runs the full decision chain for one closed candle:
// indicators, regime, generation (SCANNING only), cooldown tick, then
// execution matching.
func (w *Worker) processClosed(ctx context.Context, c model.Candle) {
	w.clock.Store(c.OpenTime.UnixNano())
	snap, err := w.ind.Process(c)
	if err != nil {
		w.p.fail(w, c.OpenTime, err)
		return
	}
	w.p.persistCandle(ctx, c)
	reg := w.det.Observe(c, snap)
	w.p.events.Publish(model.CandleEvent{Candle: c, Indicators: snap, Regime: &reg})

	if snap.Ready && w.machine.State() == statemachine.StateBootstrap {
		if err := w.machine.WarmedUp(); err != nil {
			w.p.fail(w, c.OpenTime, err)
		}
	}
	if w.machine.State() == statemachine.StateScanning {
		w.generate(ctx, c, snap, reg)
	}
	w.machine.Candle()

	events, err := w.p.exec.OnCandle(ctx, c)
	w.applyLocked(ctx, events, true)
	if err != nil {
		w.p.fail(w, c.OpenTime, err)
	}
}

func (w *Worker) onForming(ctx context.Context, c model.Candle) {
	if !w.newer(c) {
		return
	}
	snap, err := w.ind.Peek(c)
	if err != nil {
		w.p.fail(w, c.OpenTime, err)
		return
	}
	w.p.events.Publish(model.CandleEvent{Candle: c, Indicators: snap})

	events, err := w.p.exec.OnCandle(ctx, c)
	w.applyLocked(ctx, events, true)
	if err != nil {
		w.p.fail(w, c.OpenTime, err)
	}
}

// generate evaluates the strategy and, for a GENERATED signal, tries to
// place its order through the state machine gate.
func (w *Worker) generate(ctx context.Context, c model.Candle, snap model.IndicatorSnapshot, reg model.RegimeResult) {
	rs := w.p.exec.Risk()
	sig, err := w.strat.Evaluate(strategy.Input{
		Window:   w.ind.Window(w.p.cfg.WindowSize),
		Snapshot: snap,
		Regime:   reg,
		Equity:   w.p.exec.Snapshot().Balance,
		Risk:     rs,
	})
	if err != nil {
		w.p.fail(w, c.OpenTime, err)
		return
	}
	if sig == nil {
		return
	}

	tracked, err := w.p.tracker.Track(ctx, sig)
	if tracked.ID == "" {
		w.p.fail(w, c.OpenTime, err)
		return
	}
	w.p.publishSignal(tracked, tracked.GeneratedAt)
	if err != nil {
		w.p.fail(w, c.OpenTime, err)
	}
	if tracked.Status == model.SignalRejected {
		logger.For(ctx, w.log).Debug("signal rejected", zap.String("reason", tracked.Reason))
		return
	}

	at := tracked.GeneratedAt
	var persistErr error
	orderID, err := w.machine.Accept(func() (string, error) {
		o, err := w.p.exec.CreateOrder(ctx, execution.OrderRequest{
			SignalID:   tracked.ID,
			Symbol:     tracked.Symbol,
			Side:       tracked.Side,
			EntryPrice: tracked.EntryPrice,
			Quantity:   tracked.PositionSize,
			StopLoss:   tracked.StopLoss,
			TPLevels:   tracked.TPLevels,
			CandleTime: c.OpenTime,
			CreatedAt:  at,
		})
		if o.ID == "" {
			return "", err
		}
		persistErr = err
		return o.ID, nil
	})
	if err != nil {
		reason := strategy.ReasonMarginRejected + ": " + err.Error()
		if errors.Is(err, model.ErrSignalSuppressed) {
			reason = "suppressed: " + err.Error()
		}
		s, rerr := w.p.tracker.MarkRejected(ctx, tracked.ID, at, reason)
		if s.ID != "" {
			w.p.publishSignal(s, at)
		}
		if rerr != nil {
			w.p.fail(w, c.OpenTime, rerr)
		}
		if !errors.Is(err, model.ErrRiskLimitExceeded) && !errors.Is(err, model.ErrInvalidOrder) && !errors.Is(err, model.ErrSignalSuppressed) {
			w.p.fail(w, c.OpenTime, err)
		}
		return
	}

	s, err := w.p.tracker.MarkPending(ctx, tracked.ID, orderID, at)
	if s.ID != "" {
		w.p.publishSignal(s, at)
	}
	if err != nil {
		w.p.fail(w, c.OpenTime, err)
	}
	w.p.publishPortfolio(w.symbol, nil)
	if persistErr != nil {
		w.p.fail(w, c.OpenTime, persistErr)
	}
}

// applyLocked feeds execution events into the machine (when drive is set)
// and the signal lifecycle, then publishes the portfolio. mu must be held.
func (w *Worker) applyLocked(ctx context.Context, events []model.ExecutionEvent, drive bool) {
	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		w.p.metrics.Orders.WithLabelValues(w.symbol, string(ev.Type)).Inc()
		if w.p.archive != nil {
			w.p.archive.EnqueueExecution(ev)
		}
		if drive {
			if err := w.drive(ev); err != nil {
				w.p.fail(w, ev.At, err)
			}
		}
	}
	w.p.applySignals(ctx, events)
	w.p.publishPortfolio(w.symbol, events)
}

func (w *Worker) drive(ev model.ExecutionEvent) error {
	switch ev.Type {
	case model.ExecFilled:
		if w.machine.Context().ActiveOrderID != ev.Order.ID {
			return nil
		}
		pos := ev.Order.ID
		if ev.Order.ExitReason == model.ExitMerged {
			pos = w.openPositionID()
		}
		return w.machine.OrderFilled(pos)
	case model.ExecExpired:
		if w.machine.Context().ActiveOrderID != ev.Order.ID {
			return nil
		}
		return w.machine.OrderExpired()
	case model.ExecCancelled:
		if w.machine.Context().ActiveOrderID != ev.Order.ID {
			return nil
		}
		return w.machine.OrderCancelled()
	case model.ExecClosed:
		if w.machine.Context().ActivePositionID != ev.Order.ID {
			return nil
		}
		return w.machine.PositionClosed()
	}
	return nil
}

func (w *Worker) openPositionID() string {
	for _, o := range w.p.exec.Snapshot().OpenPositions {
		if o.Symbol == w.symbol {
			return o.ID
		}
	}
	return ""
}
