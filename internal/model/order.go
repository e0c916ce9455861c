package model

import "time"

// OrderStatus is the lifecycle status of a paper order/position.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderOpen      OrderStatus = "OPEN"
	OrderClosed    OrderStatus = "CLOSED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
)

// Exit reasons recorded on closed positions.
const (
	ExitLiquidation  = "liquidation"
	ExitStopLoss     = "stop_loss"
	ExitTrailingStop = "trailing_stop"
	ExitTakeProfit   = "take_profit"
	ExitManual       = "manual_close"
	ExitReset        = "account_reset"
	ExitMerged       = "merged"
)

// Order is a paper limit order that becomes a position once filled.
// Owned exclusively by the execution engine; everyone else gets copies.
type Order struct {
	ID               string      `json:"id"`
	SignalID         string      `json:"signal_id,omitempty"`
	Symbol           string      `json:"symbol"`
	Side             Side        `json:"side"`
	Status           OrderStatus `json:"status"`
	EntryPrice       float64     `json:"entry_price"`
	Quantity         float64     `json:"quantity"`
	InitialQuantity  float64     `json:"initial_quantity"`
	Leverage         float64     `json:"leverage"`
	Margin           float64     `json:"margin"`
	LiquidationPrice float64     `json:"liquidation_price,omitempty"`
	StopLoss         float64     `json:"stop_loss"`
	InitialStopLoss  float64     `json:"initial_stop_loss"`
	TPLevels         []TPLevel   `json:"tp_levels"`
	TrailingExtreme  float64     `json:"trailing_extreme_price,omitempty"`
	BreakevenArmed   bool        `json:"breakeven_armed,omitempty"`
	CandlesSeen      int         `json:"candles_seen"`
	LastCandle       time.Time   `json:"last_candle"`
	CreatedAt        time.Time   `json:"created_at"`
	OpenTime         *time.Time  `json:"open_time,omitempty"`
	CloseTime        *time.Time  `json:"close_time,omitempty"`
	ExitPrice        float64     `json:"exit_price,omitempty"`
	RealizedPnL      float64     `json:"realized_pnl"`
	ExitReason       string      `json:"exit_reason,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Clone returns a deep copy.
func (o Order) Clone() Order {
	cp := o
	cp.TPLevels = append([]TPLevel(nil), o.TPLevels...)
	if o.OpenTime != nil {
		t := *o.OpenTime
		cp.OpenTime = &t
	}
	if o.CloseTime != nil {
		t := *o.CloseTime
		cp.CloseTime = &t
	}
	return cp
}

// Notional returns entry × remaining quantity.
func (o *Order) Notional() float64 { return o.EntryPrice * o.Quantity }

// UnrealizedPnL marks the remaining quantity at price.
func (o *Order) UnrealizedPnL(price float64) float64 {
	if o.Status != OrderOpen {
		return 0
	}
	return (price - o.EntryPrice) * o.Quantity * o.Side.Sign()
}

// Active reports whether the order still holds margin.
func (o *Order) Active() bool {
	return o.Status == OrderPending || o.Status == OrderOpen
}

// ExecutionEventType tags what the engine did to an order on a tick.
type ExecutionEventType string

const (
	ExecFilled       ExecutionEventType = "filled"
	ExecExpired      ExecutionEventType = "expired"
	ExecCancelled    ExecutionEventType = "cancelled"
	ExecPartialClose ExecutionEventType = "partial_close"
	ExecClosed       ExecutionEventType = "closed"
	ExecStopMoved    ExecutionEventType = "stop_moved"
)

// ExecutionEvent reports one order mutation.
type ExecutionEvent struct {
	Type     ExecutionEventType `json:"type"`
	Order    Order              `json:"order"`
	Price    float64            `json:"price,omitempty"`
	Quantity float64            `json:"quantity,omitempty"`
	PnL      float64            `json:"pnl,omitempty"`
	At       time.Time          `json:"at"`
}

// PortfolioSnapshot is an immutable view of the paper account.
type PortfolioSnapshot struct {
	Balance          float64   `json:"balance"`
	LockedMargin     float64   `json:"locked_margin"`
	AvailableBalance float64   `json:"available_balance"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	RealizedPnL      float64   `json:"realized_pnl"`
	OpenPositions    []Order   `json:"open_positions"`
	PendingOrders    []Order   `json:"pending_orders"`
	TS               time.Time `json:"ts"`
}
