// Package statemachine gates signal intake per symbol and tracks the
// trading lifecycle from warm-up to position exit.
package statemachine

import (
	"fmt"
	"sync"

	"futures-enginev1/internal/model"
)

// Machine is the per-symbol trading state machine. All methods are safe
// for concurrent use; the hook runs after the lock is released.
type Machine struct {
	mu sync.Mutex

	symbol          string
	state           State
	cooldownCandles int
	cooldown        int
	orderID         string
	positionID      string

	// OnTransition, when set, observes every state change.
	OnTransition func(Transition)
}

// New returns a machine in BOOTSTRAP.
func New(symbol string, cooldownCandles int) *Machine {
	return &Machine{symbol: symbol, state: StateBootstrap, cooldownCandles: max(cooldownCandles, 0)}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a copy of the current machine context.
func (m *Machine) Context() model.MachineContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contextLocked()
}

// SetCooldownCandles changes the cooldown applied to the next exit. A
// running cooldown keeps its remaining count.
func (m *Machine) SetCooldownCandles(n int) {
	m.mu.Lock()
	m.cooldownCandles = max(n, 0)
	m.mu.Unlock()
}

// Accept is the only way into ENTRY_PENDING. Outside SCANNING it returns
// ErrSignalSuppressed without calling place. If place fails the machine
// stays in SCANNING and the error is returned unchanged.
func (m *Machine) Accept(place func() (string, error)) (string, error) {
	m.mu.Lock()
	if m.state != StateScanning {
		st := m.state
		m.mu.Unlock()
		return "", fmt.Errorf("%w: state %s", ErrSignalSuppressed, st)
	}
	// place runs under the lock so no other event can interleave between
	// the guard and the transition.
	id, err := place()
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.orderID = id
	tr := m.moveLocked(StateEntryPending, EventOrderPlaced)
	m.mu.Unlock()
	m.emit(tr)
	return id, nil
}

// WarmedUp leaves BOOTSTRAP once indicators are ready.
func (m *Machine) WarmedUp() error { return m.Fire(EventWarmedUp, "") }

// OrderFilled moves ENTRY_PENDING to IN_POSITION for positionID.
func (m *Machine) OrderFilled(positionID string) error {
	return m.Fire(EventOrderFilled, positionID)
}

func (m *Machine) OrderExpired() error   { return m.Fire(EventOrderExpired, "") }
func (m *Machine) OrderCancelled() error { return m.Fire(EventOrderCancelled, "") }
func (m *Machine) PositionClosed() error { return m.Fire(EventPositionClosed, "") }

// Candle ticks the cooldown counter. It never fails.
func (m *Machine) Candle() { _ = m.Fire(EventCandle, "") }

func (m *Machine) Halt() { _ = m.Fire(EventHalt, "") }

// Reset returns the machine to BOOTSTRAP from any state.
func (m *Machine) Reset() { _ = m.Fire(EventReset, "") }

// Fire applies ev. An event that is invalid for the current state halts the
// machine and returns ErrInvalidTransition. While HALTED every event except
// reset is ignored.
func (m *Machine) Fire(ev Event, ref string) error {
	m.mu.Lock()
	tr, err := m.applyLocked(ev, ref)
	m.mu.Unlock()
	if tr != nil {
		m.emit(*tr)
	}
	return err
}

func (m *Machine) applyLocked(ev Event, ref string) (*Transition, error) {
	switch ev {
	case EventReset:
		m.cooldown, m.orderID, m.positionID = 0, "", ""
		return m.moveIfLocked(StateBootstrap, ev), nil
	case EventHalt:
		return m.moveIfLocked(StateHalted, ev), nil
	}
	if m.state == StateHalted {
		return nil, nil
	}

	switch m.state {
	case StateBootstrap:
		switch ev {
		case EventCandle:
			return nil, nil
		case EventWarmedUp:
			return m.moveIfLocked(StateScanning, ev), nil
		}
	case StateScanning:
		if ev == EventCandle {
			return nil, nil
		}
	case StateEntryPending:
		switch ev {
		case EventCandle:
			return nil, nil
		case EventOrderFilled:
			m.positionID = ref
			if m.positionID == "" {
				m.positionID = m.orderID
			}
			m.orderID = ""
			return m.moveIfLocked(StateInPosition, ev), nil
		case EventOrderExpired, EventOrderCancelled:
			m.orderID = ""
			return m.moveIfLocked(StateScanning, ev), nil
		}
	case StateInPosition:
		switch ev {
		case EventCandle:
			return nil, nil
		case EventPositionClosed:
			m.positionID = ""
			if m.cooldownCandles == 0 {
				return m.moveIfLocked(StateScanning, ev), nil
			}
			m.cooldown = m.cooldownCandles
			return m.moveIfLocked(StateCooldown, ev), nil
		}
	case StateCooldown:
		if ev == EventCandle {
			if m.cooldown > 0 {
				m.cooldown--
			}
			if m.cooldown == 0 {
				return m.moveIfLocked(StateScanning, ev), nil
			}
			return nil, nil
		}
	}

	from := m.state
	tr := m.moveIfLocked(StateHalted, ev)
	return tr, fmt.Errorf("%w: %s in %s", model.ErrInvalidTransition, ev, from)
}

func (m *Machine) moveIfLocked(to State, ev Event) *Transition {
	if m.state == to && ev != EventReset {
		return nil
	}
	tr := m.moveLocked(to, ev)
	return &tr
}

func (m *Machine) moveLocked(to State, ev Event) Transition {
	from := m.state
	m.state = to
	return Transition{Symbol: m.symbol, From: from, To: to, Event: ev, Context: m.contextLocked()}
}

func (m *Machine) contextLocked() model.MachineContext {
	return model.MachineContext{
		State:             string(m.state),
		CooldownRemaining: m.cooldown,
		ActiveOrderID:     m.orderID,
		ActivePositionID:  m.positionID,
	}
}

func (m *Machine) emit(tr Transition) {
	if m.OnTransition != nil {
		m.OnTransition(tr)
	}
}
