package portfolio

import (
	"sync"
	"time"

	"futures-enginev1/internal/model"
)

// Trade is one realized close, full or partial.
type Trade struct {
	OrderID   string     `json:"order_id"`
	Symbol    string     `json:"symbol"`
	Side      model.Side `json:"side"`
	Quantity  float64    `json:"quantity"`
	Entry     float64    `json:"entry"`
	Exit      float64    `json:"exit"`
	PnL       float64    `json:"pnl"`
	Reason    string     `json:"reason"`
	Timestamp time.Time  `json:"timestamp"`
}

// Ledger records realized trades and tracks the equity curve.
type Ledger struct {
	mu     sync.RWMutex
	trades []Trade

	equity    float64
	peak      float64
	maxDD     float64
	wins      int
	losses    int
	grossWin  float64
	grossLoss float64
	positions map[string]float64 // order id -> cumulative pnl
}

// NewLedger starts an equity curve at initial.
func NewLedger(initial float64) *Ledger {
	return &Ledger{
		trades:    make([]Trade, 0, 256),
		equity:    initial,
		peak:      initial,
		positions: make(map[string]float64),
	}
}

// Record appends a trade and updates the equity curve. final marks the
// close of the whole position; win/loss counts are per position.
func (l *Ledger) Record(t Trade, final bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.trades = append(l.trades, t)
	l.equity += t.PnL
	if l.equity > l.peak {
		l.peak = l.equity
	}
	if l.peak > 0 {
		if dd := (l.peak - l.equity) / l.peak; dd > l.maxDD {
			l.maxDD = dd
		}
	}
	if t.PnL >= 0 {
		l.grossWin += t.PnL
	} else {
		l.grossLoss -= t.PnL
	}

	l.positions[t.OrderID] += t.PnL
	if final {
		if l.positions[t.OrderID] > 0 {
			l.wins++
		} else {
			l.losses++
		}
		delete(l.positions, t.OrderID)
	}
}

// Reset restarts the equity curve at initial and clears history.
func (l *Ledger) Reset(initial float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trades = l.trades[:0]
	l.equity, l.peak, l.maxDD = initial, initial, 0
	l.wins, l.losses = 0, 0
	l.grossWin, l.grossLoss = 0, 0
	l.positions = make(map[string]float64)
}

// Trades returns a copy of all recorded trades.
func (l *Ledger) Trades() []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := make([]Trade, len(l.trades))
	copy(cp, l.trades)
	return cp
}

// Summary is the realized performance of the account.
type Summary struct {
	Positions    int     `json:"positions"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	RealizedPnL  float64 `json:"realized_pnl"`
	ProfitFactor float64 `json:"profit_factor"`
	Equity       float64 `json:"equity"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	TotalTrades  int     `json:"total_trades"`
}

// Summary returns aggregate statistics.
func (l *Ledger) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Summary{
		Positions:   l.wins + l.losses,
		Wins:        l.wins,
		Losses:      l.losses,
		RealizedPnL: l.grossWin - l.grossLoss,
		Equity:      l.equity,
		MaxDrawdown: l.maxDD,
		TotalTrades: len(l.trades),
	}
	if s.Positions > 0 {
		s.WinRate = float64(l.wins) / float64(s.Positions)
	}
	if l.grossLoss > 0 {
		s.ProfitFactor = l.grossWin / l.grossLoss
	}
	return s
}
