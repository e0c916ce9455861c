package model

import "time"

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// SignalStatus is the lifecycle status of a TradingSignal.
type SignalStatus string

const (
	SignalGenerated SignalStatus = "GENERATED"
	SignalPending   SignalStatus = "PENDING"
	SignalExecuted  SignalStatus = "EXECUTED"
	SignalExpired   SignalStatus = "EXPIRED"
	SignalRejected  SignalStatus = "REJECTED"
	SignalCancelled SignalStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s SignalStatus) Terminal() bool {
	switch s {
	case SignalExecuted, SignalExpired, SignalRejected, SignalCancelled:
		return true
	}
	return false
}

// TPLevel is one take-profit target. CloseFraction is relative to the
// initial position quantity.
type TPLevel struct {
	Price         float64 `json:"price"`
	CloseFraction float64 `json:"close_fraction"`
	Hit           bool    `json:"hit,omitempty"`
}

// StatusChange records one lifecycle transition.
type StatusChange struct {
	From   SignalStatus `json:"from"`
	To     SignalStatus `json:"to"`
	At     time.Time    `json:"at"`
	Reason string       `json:"reason,omitempty"`
}

// TradingSignal is an enriched entry proposal.
type TradingSignal struct {
	ID              string         `json:"id"`
	Symbol          string         `json:"symbol"`
	Timeframe       string         `json:"timeframe"`
	Side            Side           `json:"side"`
	Confidence      float64        `json:"confidence"`
	TriggerPrice    float64        `json:"trigger_price"`
	EntryPrice      float64        `json:"entry_price"`
	StopLoss        float64        `json:"stop_loss"`
	TPLevels        []TPLevel      `json:"tp_levels"`
	PositionSize    float64        `json:"position_size"`
	RiskRewardRatio float64        `json:"risk_reward_ratio"`
	Regime          Regime         `json:"regime"`
	Status          SignalStatus   `json:"status"`
	Reason          string         `json:"reason,omitempty"`
	CandleTime      time.Time      `json:"candle_time"`
	GeneratedAt     time.Time      `json:"generated_at"`
	ExecutedAt      *time.Time     `json:"executed_at,omitempty"`
	OrderID         string         `json:"order_id,omitempty"`
	History         []StatusChange `json:"history,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s TradingSignal) Clone() TradingSignal {
	cp := s
	cp.TPLevels = append([]TPLevel(nil), s.TPLevels...)
	cp.History = append([]StatusChange(nil), s.History...)
	if s.ExecutedAt != nil {
		t := *s.ExecutedAt
		cp.ExecutedAt = &t
	}
	return cp
}

// Latency returns generated→executed duration, or zero if not executed.
func (s *TradingSignal) Latency() time.Duration {
	if s.ExecutedAt == nil {
		return 0
	}
	return s.ExecutedAt.Sub(s.GeneratedAt)
}
