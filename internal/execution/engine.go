// Package execution simulates limit-order matching and position management
// against candle updates ("paper" execution).
//
// Engine is the single writer of the paper account. Every mutation runs
// under one mutex and is written through to the store before the lock is
// released; callers only ever see value copies.
package execution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"futures-enginev1/internal/logger"
	"futures-enginev1/internal/model"
	"futures-enginev1/internal/portfolio"
)

// OrderRequest asks for a new limit order.
type OrderRequest struct {
	SignalID   string
	Symbol     string
	Side       model.Side
	EntryPrice float64
	Quantity   float64
	StopLoss   float64
	TPLevels   []model.TPLevel
	Leverage   float64   // 0 uses the configured leverage
	CandleTime time.Time // open time of the candle that produced the signal
	CreatedAt  time.Time // TTL origin; zero means now
}

// Config holds engine construction parameters.
type Config struct {
	Risk               model.RiskSettings
	MaxPersistFailures int // consecutive store failures before ErrPersistence
}

// Engine is the paper execution engine.
type Engine struct {
	mu     sync.Mutex
	pf     *portfolio.Portfolio
	ledger *portfolio.Ledger
	risk   model.RiskSettings
	store  model.TickWriter
	log    *zap.Logger

	maxFail int
	fails   int
	clock   time.Time // latest event time seen

	now   func() time.Time
	newID func() string
}

// New creates an engine funded with cfg.Risk.InitialBalance. store may be
// nil, in which case nothing is persisted.
func New(cfg Config, store model.TickWriter, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxPersistFailures <= 0 {
		cfg.MaxPersistFailures = 3
	}
	return &Engine{
		pf:      portfolio.New(cfg.Risk.InitialBalance),
		ledger:  portfolio.NewLedger(cfg.Risk.InitialBalance),
		risk:    cfg.Risk.Clone(),
		store:   store,
		log:     log.With(zap.String("component", "execution")),
		maxFail: cfg.MaxPersistFailures,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// UpdateRisk swaps risk settings. Open orders keep the prices they were
// created with; TTL and trailing parameters apply from the next update.
func (e *Engine) UpdateRisk(rs model.RiskSettings) {
	e.mu.Lock()
	e.risk = rs.Clone()
	e.mu.Unlock()
}

func (e *Engine) Risk() model.RiskSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.risk.Clone()
}

// Snapshot returns a copy of the account as of the latest event.
func (e *Engine) Snapshot() model.PortfolioSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pf.Snapshot(e.clock)
}

// Summary returns realized performance since start or the last reset.
func (e *Engine) Summary() portfolio.Summary { return e.ledger.Summary() }

// Get returns a copy of an active order.
func (e *Engine) Get(id string) (model.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.pf.Get(id)
	if !ok {
		return model.Order{}, false
	}
	return o.Clone(), true
}

// CreateOrder validates req, locks its margin and stores a PENDING order.
// Violations return ErrInvalidOrder or ErrRiskLimitExceeded and leave the
// account untouched.
func (e *Engine) CreateOrder(ctx context.Context, req OrderRequest) (model.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs := e.risk
	lev := req.Leverage
	if lev == 0 {
		lev = rs.Leverage
	}
	if err := validate(req, lev, rs); err != nil {
		return model.Order{}, err
	}
	margin := portfolio.Margin(req.EntryPrice, req.Quantity, lev)
	if err := e.pf.CanOpen(req.Symbol, req.Side, margin, rs); err != nil {
		return model.Order{}, err
	}
	if err := e.pf.Lock(margin); err != nil {
		return model.Order{}, err
	}

	created := req.CreatedAt
	if created.IsZero() {
		created = e.now()
	}
	o := &model.Order{
		ID:              e.newID(),
		SignalID:        req.SignalID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          model.OrderPending,
		EntryPrice:      req.EntryPrice,
		Quantity:        req.Quantity,
		InitialQuantity: req.Quantity,
		Leverage:        lev,
		Margin:          margin,
		StopLoss:        req.StopLoss,
		InitialStopLoss: req.StopLoss,
		TPLevels:        make([]model.TPLevel, len(req.TPLevels)),
		LastCandle:      req.CandleTime,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	for i, tp := range req.TPLevels {
		o.TPLevels[i] = model.TPLevel{Price: tp.Price, CloseFraction: tp.CloseFraction}
	}
	e.pf.Add(o)
	e.advance(created)

	logger.For(ctx, e.log).Info("order created",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.Float64("entry", o.EntryPrice),
		zap.Float64("qty", o.Quantity),
		zap.Float64("stop", o.StopLoss),
		zap.Float64("margin", margin),
	)
	out := o.Clone()
	return out, e.persistLocked(ctx, []model.Order{out})
}

func validate(req OrderRequest, lev float64, rs model.RiskSettings) error {
	switch {
	case req.Symbol == "":
		return fmt.Errorf("%w: missing symbol", model.ErrInvalidOrder)
	case req.Side != model.SideBuy && req.Side != model.SideSell:
		return fmt.Errorf("%w: side %q", model.ErrInvalidOrder, req.Side)
	case !finitePositive(req.EntryPrice):
		return fmt.Errorf("%w: entry price %v", model.ErrInvalidOrder, req.EntryPrice)
	case !finitePositive(req.Quantity):
		return fmt.Errorf("%w: quantity %v", model.ErrInvalidOrder, req.Quantity)
	case !finitePositive(req.StopLoss):
		return fmt.Errorf("%w: stop loss not set", model.ErrInvalidOrder)
	case (req.EntryPrice-req.StopLoss)*req.Side.Sign() <= 0:
		return fmt.Errorf("%w: %s stop %.8f on wrong side of entry %.8f", model.ErrInvalidOrder, req.Side, req.StopLoss, req.EntryPrice)
	case lev < 1 || (rs.MaxLeverage > 0 && lev > rs.MaxLeverage):
		return fmt.Errorf("%w: leverage %.2f outside [1, %.2f]", model.ErrRiskLimitExceeded, lev, rs.MaxLeverage)
	}
	for i, tp := range req.TPLevels {
		if (tp.Price-req.EntryPrice)*req.Side.Sign() <= 0 {
			return fmt.Errorf("%w: tp%d %.8f on wrong side of entry", model.ErrInvalidOrder, i+1, tp.Price)
		}
	}
	return nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// advance moves the engine clock forward.
func (e *Engine) advance(t time.Time) {
	if t.After(e.clock) {
		e.clock = t
	}
}

// persistLocked writes the touched orders and the current snapshot.
// Failures are tolerated until MaxPersistFailures in a row.
func (e *Engine) persistLocked(ctx context.Context, orders []model.Order) error {
	if e.store == nil {
		return nil
	}
	err := e.store.SaveTick(ctx, orders, e.pf.Snapshot(e.clock))
	if err == nil {
		e.fails = 0
		return nil
	}
	e.fails++
	logger.For(ctx, e.log).Warn("persist tick failed", zap.Int("consecutive", e.fails), zap.Error(err))
	if e.fails >= e.maxFail {
		return fmt.Errorf("%w: %d consecutive store failures: %v", model.ErrPersistence, e.fails, err)
	}
	return nil
}

// Flush writes a final portfolio snapshot.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveTick(ctx, nil, e.pf.Snapshot(e.clock)); err != nil {
		return fmt.Errorf("%w: final snapshot: %v", model.ErrPersistence, err)
	}
	return nil
}
