package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-enginev1/config"
	"futures-enginev1/internal/execution"
	"futures-enginev1/internal/lifecycle"
	"futures-enginev1/internal/marketdata/replay"
	"futures-enginev1/internal/model"
	"futures-enginev1/internal/pipeline"
	"futures-enginev1/internal/portfolio"
	"futures-enginev1/internal/store/memory"
)

// BacktestOptions selects what to replay.
type BacktestOptions struct {
	Symbols []string // defaults to the configured symbols
	From    time.Time
	Speed   float64 // 0 replays as fast as possible
}

// BacktestResult summarizes one replay.
type BacktestResult struct {
	Candles   int                     `json:"candles"`
	Signals   map[string]int          `json:"signals"` // final status -> count
	Errors    int                     `json:"errors"`
	Summary   portfolio.Summary       `json:"summary"`
	Portfolio model.PortfolioSnapshot `json:"portfolio"`
}

// tally counts outbound events in place of a live event stream.
type tally struct {
	mu      sync.Mutex
	signals map[string]model.SignalStatus
	errors  int
}

func (t *tally) Publish(ev model.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case model.SignalEvent:
		t.signals[e.Signal.ID] = e.Signal.Status
	case model.ErrorEvent:
		t.errors++
	}
}

// Backtest replays stored candles through the same pipeline the live
// engine uses, with an in-memory store for orders and signals.
func Backtest(ctx context.Context, candles model.CandleStore, cfg *config.Config, opts BacktestOptions, log *zap.Logger) (BacktestResult, error) {
	symbols := opts.Symbols
	if len(symbols) == 0 {
		symbols = cfg.Symbols
	}
	mem := memory.New()
	exec := execution.New(execution.Config{
		Risk:               cfg.Risk,
		MaxPersistFailures: cfg.Storage.PersistenceMaxFailures,
	}, mem, log)
	tracker := lifecycle.New(time.Duration(cfg.Risk.SignalTTLSeconds)*time.Second, mem, cfg.Storage.PersistenceMaxFailures, log)
	events := &tally{signals: make(map[string]model.SignalStatus)}

	pcfg := pipelineConfig(cfg)
	pcfg.Symbols = symbols
	p, err := pipeline.New(pcfg, pipeline.Deps{
		Exec:    exec,
		Tracker: tracker,
		Events:  events,
		Log:     log,
	})
	if err != nil {
		return BacktestResult{}, err
	}

	n, runErr := replay.New(candles, log).Run(ctx, symbols, cfg.Timeframe, opts.From, opts.Speed, func(c model.Candle) error {
		return p.Process(ctx, c)
	})
	if err := p.Close(); err != nil {
		log.Warn("final snapshot failed", zap.Error(err))
	}
	if runErr != nil {
		return BacktestResult{}, fmt.Errorf("replay after %d candles: %w", n, runErr)
	}

	res := BacktestResult{
		Candles:   n,
		Signals:   make(map[string]int),
		Summary:   exec.Summary(),
		Portfolio: exec.Snapshot(),
	}
	events.mu.Lock()
	for _, st := range events.signals {
		res.Signals[string(st)]++
	}
	res.Errors = events.errors
	events.mu.Unlock()
	return res, nil
}
