// Package portfolio tracks the paper account: balance, locked margin,
// active orders/positions and realized P&L.
//
// A Portfolio is not safe for concurrent use. The execution engine owns it
// and serialises every mutation; everyone else reads Snapshot copies.
package portfolio

import (
	"fmt"
	"sort"
	"time"

	"futures-enginev1/internal/model"
)

// Portfolio is the account state behind the execution engine.
type Portfolio struct {
	balance  float64
	locked   float64
	realized float64

	orders map[string]*model.Order // active only: PENDING or OPEN
	marks  map[string]float64      // last price per symbol
}

// New creates a portfolio with the given starting balance.
func New(balance float64) *Portfolio {
	return &Portfolio{
		balance: balance,
		orders:  make(map[string]*model.Order),
		marks:   make(map[string]float64),
	}
}

func (p *Portfolio) Balance() float64   { return p.balance }
func (p *Portfolio) Locked() float64    { return p.locked }
func (p *Portfolio) Available() float64 { return p.balance - p.locked }
func (p *Portfolio) Realized() float64  { return p.realized }

// Lock reserves margin. It fails with ErrRiskLimitExceeded when the total
// locked margin would exceed the balance.
func (p *Portfolio) Lock(amount float64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative margin %.8f", model.ErrInvalidOrder, amount)
	}
	if p.locked+amount > p.balance+1e-9 {
		return fmt.Errorf("%w: margin %.2f exceeds available %.2f", model.ErrRiskLimitExceeded, amount, p.Available())
	}
	p.locked += amount
	return nil
}

// Release frees previously locked margin.
func (p *Portfolio) Release(amount float64) {
	p.locked -= amount
	if p.locked < 1e-9 {
		p.locked = 0
	}
}

// Realize books pnl into the balance.
func (p *Portfolio) Realize(pnl float64) {
	p.balance += pnl
	p.realized += pnl
}

// Mark records the latest price for symbol.
func (p *Portfolio) Mark(symbol string, price float64) {
	if price > 0 {
		p.marks[symbol] = price
	}
}

// MarkPrice returns the latest price for symbol, or 0.
func (p *Portfolio) MarkPrice(symbol string) float64 { return p.marks[symbol] }

// Add tracks an active order.
func (p *Portfolio) Add(o *model.Order) { p.orders[o.ID] = o }

// Remove stops tracking an order once it reaches a terminal status.
func (p *Portfolio) Remove(id string) { delete(p.orders, id) }

// Get returns the live active order for id.
func (p *Portfolio) Get(id string) (*model.Order, bool) {
	o, ok := p.orders[id]
	return o, ok
}

// BySymbol returns the pending order and open position for symbol, if any.
func (p *Portfolio) BySymbol(symbol string) (pending, open *model.Order) {
	for _, o := range p.orders {
		if o.Symbol != symbol {
			continue
		}
		switch o.Status {
		case model.OrderPending:
			pending = o
		case model.OrderOpen:
			open = o
		}
	}
	return pending, open
}

// Active returns live active orders ordered by creation time, then id.
// When symbol is non-empty only that symbol's orders are returned.
func (p *Portfolio) Active(symbol string) []*model.Order {
	out := make([]*model.Order, 0, len(p.orders))
	for _, o := range p.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// symbols returns the set of symbols holding an active order.
func (p *Portfolio) symbols() map[string]struct{} {
	set := make(map[string]struct{}, len(p.orders))
	for _, o := range p.orders {
		set[o.Symbol] = struct{}{}
	}
	return set
}

// UnrealizedPnL marks every open position at the latest price.
func (p *Portfolio) UnrealizedPnL() float64 {
	var total float64
	for _, o := range p.orders {
		if px, ok := p.marks[o.Symbol]; ok {
			total += o.UnrealizedPnL(px)
		}
	}
	return total
}

// Snapshot returns an immutable copy of the account at ts.
func (p *Portfolio) Snapshot(ts time.Time) model.PortfolioSnapshot {
	s := model.PortfolioSnapshot{
		Balance:          p.balance,
		LockedMargin:     p.locked,
		AvailableBalance: p.Available(),
		UnrealizedPnL:    p.UnrealizedPnL(),
		RealizedPnL:      p.realized,
		OpenPositions:    []model.Order{},
		PendingOrders:    []model.Order{},
		TS:               ts,
	}
	for _, o := range p.Active("") {
		if o.Status == model.OrderOpen {
			s.OpenPositions = append(s.OpenPositions, o.Clone())
		} else {
			s.PendingOrders = append(s.PendingOrders, o.Clone())
		}
	}
	return s
}

// Reset drops all orders and starts over from balance. Marks are kept.
func (p *Portfolio) Reset(balance float64) {
	p.balance = balance
	p.locked = 0
	p.realized = 0
	p.orders = make(map[string]*model.Order)
}
