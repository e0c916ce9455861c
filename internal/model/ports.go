package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These decouple the engine from concrete stores (sqlite, memory).

// Query selects records by status and time range, paginated.
// Zero values mean "no filter"; Limit 0 means the store default.
type Query struct {
	Symbol   string
	Statuses []string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// OrderStore persists paper orders/positions.
type OrderStore interface {
	SaveOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	QueryOrders(ctx context.Context, q Query) ([]Order, error)
}

// SignalStore persists trading signals with their status history.
type SignalStore interface {
	SaveSignal(ctx context.Context, s TradingSignal) error
	GetSignal(ctx context.Context, id string) (TradingSignal, error)
	QuerySignals(ctx context.Context, q Query) ([]TradingSignal, error)
}

// PortfolioStore persists portfolio snapshots.
type PortfolioStore interface {
	SavePortfolio(ctx context.Context, p PortfolioSnapshot) error
	LatestPortfolio(ctx context.Context) (PortfolioSnapshot, error)
	QueryPortfolio(ctx context.Context, q Query) ([]PortfolioSnapshot, error)
}

// CandleStore persists closed candles for bootstrap and backtests.
type CandleStore interface {
	SaveCandles(ctx context.Context, cs []Candle) error
	ReadCandles(ctx context.Context, symbol, timeframe string, after time.Time, limit int) ([]Candle, error)
}

// TickWriter commits the orders touched by one execution tick together
// with the resulting portfolio snapshot. Implementations must apply both or
// neither.
type TickWriter interface {
	SaveTick(ctx context.Context, orders []Order, p PortfolioSnapshot) error
}

// Store is the full persistence contract.
type Store interface {
	OrderStore
	SignalStore
	PortfolioStore
	CandleStore
	TickWriter
	Ping(ctx context.Context) error
	Close() error
}
