package statemachine

import "futures-enginev1/internal/model"

type State string

type Event string

const (
	StateBootstrap    State = "BOOTSTRAP"
	StateScanning     State = "SCANNING"
	StateEntryPending State = "ENTRY_PENDING"
	StateInPosition   State = "IN_POSITION"
	StateCooldown     State = "COOLDOWN"
	StateHalted       State = "HALTED"
)

const (
	EventWarmedUp       Event = "warmed_up"
	EventOrderPlaced    Event = "order_placed"
	EventOrderFilled    Event = "order_filled"
	EventOrderExpired   Event = "order_expired"
	EventOrderCancelled Event = "order_cancelled"
	EventPositionClosed Event = "position_closed"
	EventCandle         Event = "candle"
	EventHalt           Event = "halt"
	EventReset          Event = "reset"
)

// ErrSignalSuppressed is returned by Accept outside SCANNING.
var ErrSignalSuppressed = model.ErrSignalSuppressed

// Transition is passed to the OnTransition hook after every state change.
type Transition struct {
	Symbol  string
	From    State
	To      State
	Event   Event
	Context model.MachineContext
}
