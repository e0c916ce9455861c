package model

import "time"

// EventKind tags outbound stream messages.
type EventKind string

const (
	KindCandle      EventKind = "candle_with_indicators"
	KindSignal      EventKind = "signal"
	KindStateChange EventKind = "state_change"
	KindPortfolio   EventKind = "portfolio_update"
	KindError       EventKind = "error"
)

// Event is one message on the outbound stream.
type Event interface {
	Kind() EventKind
	Symbol() string
	Time() time.Time
}

// CandleEvent carries a candle and the indicators computed for it.
type CandleEvent struct {
	Candle     Candle            `json:"candle" msgpack:"candle"`
	Indicators IndicatorSnapshot `json:"indicators" msgpack:"indicators"`
	Regime     *RegimeResult     `json:"regime,omitempty" msgpack:"regime,omitempty"`
}

func (e CandleEvent) Kind() EventKind { return KindCandle }
func (e CandleEvent) Symbol() string  { return e.Candle.Symbol }
func (e CandleEvent) Time() time.Time { return e.Candle.OpenTime }

// SignalEvent carries a signal at its current lifecycle status.
type SignalEvent struct {
	Signal TradingSignal `json:"signal" msgpack:"signal"`
	At     time.Time     `json:"at" msgpack:"at"`
}

func (e SignalEvent) Kind() EventKind { return KindSignal }
func (e SignalEvent) Symbol() string  { return e.Signal.Symbol }
func (e SignalEvent) Time() time.Time { return e.At }

// StateChangeEvent reports a trading state machine transition.
type StateChangeEvent struct {
	Sym     string         `json:"symbol" msgpack:"symbol"`
	From    string         `json:"from" msgpack:"from"`
	To      string         `json:"to" msgpack:"to"`
	Trigger string         `json:"trigger" msgpack:"trigger"`
	Context MachineContext `json:"context" msgpack:"context"`
	At      time.Time      `json:"at" msgpack:"at"`
}

func (e StateChangeEvent) Kind() EventKind { return KindStateChange }
func (e StateChangeEvent) Symbol() string  { return e.Sym }
func (e StateChangeEvent) Time() time.Time { return e.At }

// PortfolioEvent carries a portfolio snapshot and the execution events that
// produced it.
type PortfolioEvent struct {
	Sym       string            `json:"symbol,omitempty" msgpack:"symbol,omitempty"`
	Portfolio PortfolioSnapshot `json:"portfolio" msgpack:"portfolio"`
	Changes   []ExecutionEvent  `json:"changes,omitempty" msgpack:"changes,omitempty"`
}

func (e PortfolioEvent) Kind() EventKind { return KindPortfolio }
func (e PortfolioEvent) Symbol() string  { return e.Sym }
func (e PortfolioEvent) Time() time.Time { return e.Portfolio.TS }

// ErrorEvent surfaces a locally recovered or fatal error with a reason code.
type ErrorEvent struct {
	Sym     string    `json:"symbol,omitempty" msgpack:"symbol,omitempty"`
	Code    string    `json:"code" msgpack:"code"`
	Message string    `json:"message" msgpack:"message"`
	Fatal   bool      `json:"fatal,omitempty" msgpack:"fatal,omitempty"`
	At      time.Time `json:"at" msgpack:"at"`
}

func (e ErrorEvent) Kind() EventKind { return KindError }
func (e ErrorEvent) Symbol() string  { return e.Sym }
func (e ErrorEvent) Time() time.Time { return e.At }

// NewErrorEvent builds an ErrorEvent from err.
func NewErrorEvent(symbol string, err error, at time.Time) ErrorEvent {
	return ErrorEvent{Sym: symbol, Code: ReasonCode(err), Message: err.Error(), Fatal: IsFatal(err), At: at}
}

// Envelope is the wire shape of an Event.
type Envelope struct {
	Kind    EventKind `json:"kind" msgpack:"kind"`
	Symbol  string    `json:"symbol,omitempty" msgpack:"symbol,omitempty"`
	TS      time.Time `json:"ts" msgpack:"ts"`
	Payload Event     `json:"payload" msgpack:"payload"`
}

// Wrap builds the envelope for ev.
func Wrap(ev Event) Envelope {
	return Envelope{Kind: ev.Kind(), Symbol: ev.Symbol(), TS: ev.Time(), Payload: ev}
}

// MachineContext is the per-symbol trading state.
type MachineContext struct {
	State             string `json:"state" msgpack:"state"`
	CooldownRemaining int    `json:"cooldown_remaining" msgpack:"cooldown_remaining"`
	ActiveOrderID     string `json:"active_order_id,omitempty" msgpack:"active_order_id,omitempty"`
	ActivePositionID  string `json:"active_position_id,omitempty" msgpack:"active_position_id,omitempty"`
}
