// Package timescale archives closed candles, execution events and portfolio
// snapshots to Postgres/TimescaleDB. Writes are asynchronous and lossy: a
// full queue drops the item rather than stalling the engine.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"futures-enginev1/config"
	"futures-enginev1/internal/model"
)

const writeTimeout = 3 * time.Second

type Archive struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	candles   chan model.Candle
	fills     chan model.ExecutionEvent
	snapshots chan model.PortfolioSnapshot
	started   atomic.Bool
	dropped   atomic.Uint64

	// OnDrop is called with the record kind when a queue is full.
	OnDrop func(kind string)
}

// New connects and ensures the schema. It returns nil, nil when the archive
// is disabled; every method is safe on a nil *Archive.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("timescale ping: %w", err)
	}
	a := newArchive(db, cfg.Schema, cfg.QueueSize, log)
	if err := a.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func newArchive(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Archive {
	if schema = strings.TrimSpace(schema); schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Archive{
		db:        db,
		log:       log,
		schema:    schema,
		candles:   make(chan model.Candle, queueSize),
		fills:     make(chan model.ExecutionEvent, queueSize),
		snapshots: make(chan model.PortfolioSnapshot, queueSize),
	}
}

func (a *Archive) Start(ctx context.Context) {
	if a == nil {
		return
	}
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	go a.run(ctx)
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *Archive) Ping(ctx context.Context) error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.PingContext(ctx)
}

// Dropped returns how many items were discarded on full queues.
func (a *Archive) Dropped() uint64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}

func (a *Archive) EnqueueCandle(c model.Candle) {
	if a == nil {
		return
	}
	select {
	case a.candles <- c:
	default:
		a.drop("candle")
	}
}

// EnqueueExecution archives fills, partial closes and closes; other event
// types are ignored.
func (a *Archive) EnqueueExecution(ev model.ExecutionEvent) {
	if a == nil {
		return
	}
	switch ev.Type {
	case model.ExecFilled, model.ExecPartialClose, model.ExecClosed:
	default:
		return
	}
	select {
	case a.fills <- ev:
	default:
		a.drop("execution")
	}
}

func (a *Archive) EnqueueSnapshot(p model.PortfolioSnapshot) {
	if a == nil {
		return
	}
	select {
	case a.snapshots <- p:
	default:
		a.drop("snapshot")
	}
}

func (a *Archive) drop(kind string) {
	if a.OnDrop != nil {
		a.OnDrop(kind)
	}
	if n := a.dropped.Add(1); n == 1 || n%1000 == 0 {
		a.log.Warn("timescale queue full", zap.String("kind", kind), zap.Uint64("dropped", n))
	}
}

func (a *Archive) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-a.candles:
			a.writeCandle(ctx, c)
		case ev := <-a.fills:
			a.writeExecution(ctx, ev)
		case p := <-a.snapshots:
			a.writeSnapshot(ctx, p)
		}
	}
}

func (a *Archive) ensureSchema(ctx context.Context) error {
	if a.schema != "public" {
		if err := a.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", a.schema)); err != nil {
			return err
		}
	}
	if err := a.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (ts, symbol, timeframe)
	)`, a.table("candles"))); err != nil {
		return err
	}
	if err := a.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		order_id TEXT NOT NULL,
		signal_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		event TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		pnl DOUBLE PRECISION NOT NULL,
		exit_reason TEXT NOT NULL
	)`, a.table("executions"))); err != nil {
		return err
	}
	if err := a.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		balance DOUBLE PRECISION NOT NULL,
		locked_margin DOUBLE PRECISION NOT NULL,
		available_balance DOUBLE PRECISION NOT NULL,
		unrealized_pnl DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		open_positions INTEGER NOT NULL,
		pending_orders INTEGER NOT NULL
	)`, a.table("portfolio_snapshots"))); err != nil {
		return err
	}
	if err := a.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		a.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"candles", "executions", "portfolio_snapshots"} {
		if err := a.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", a.table(name))); err != nil {
			a.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (a *Archive) writeCandle(ctx context.Context, c model.Candle) {
	if a.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, timeframe, open, high, low, close, volume
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (ts, symbol, timeframe) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume`, a.table("candles"))
	if _, err := a.db.ExecContext(ctx, query,
		c.OpenTime, c.Symbol, c.Timeframe, c.Open, c.High, c.Low, c.Close, c.Volume,
	); err != nil {
		a.log.Warn("timescale candle upsert failed", zap.String("key", c.Key()), zap.Error(err))
	}
}

func (a *Archive) writeExecution(ctx context.Context, ev model.ExecutionEvent) {
	if a.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, order_id, signal_id, symbol, side, event, price, quantity, pnl, exit_reason
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, a.table("executions"))
	o := ev.Order
	if _, err := a.db.ExecContext(ctx, query,
		ev.At, o.ID, o.SignalID, o.Symbol, string(o.Side), string(ev.Type),
		ev.Price, ev.Quantity, ev.PnL, o.ExitReason,
	); err != nil {
		a.log.Warn("timescale execution insert failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (a *Archive) writeSnapshot(ctx context.Context, p model.PortfolioSnapshot) {
	if a.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, balance, locked_margin, available_balance, unrealized_pnl, realized_pnl, open_positions, pending_orders
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, a.table("portfolio_snapshots"))
	if _, err := a.db.ExecContext(ctx, query,
		p.TS, p.Balance, p.LockedMargin, p.AvailableBalance, p.UnrealizedPnL, p.RealizedPnL,
		len(p.OpenPositions), len(p.PendingOrders),
	); err != nil {
		a.log.Warn("timescale snapshot insert failed", zap.Error(err))
	}
}

func (a *Archive) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := a.db.ExecContext(ctx, query)
	return err
}

func (a *Archive) table(name string) string {
	return a.schema + "." + name
}
