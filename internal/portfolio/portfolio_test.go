package portfolio

import (
	"errors"
	"math"
	"testing"
	"time"

	"futures-enginev1/internal/model"
)

func order(id, symbol string, side model.Side, status model.OrderStatus, at time.Time) *model.Order {
	return &model.Order{ID: id, Symbol: symbol, Side: side, Status: status, EntryPrice: 100, Quantity: 10, CreatedAt: at}
}

func TestLockNeverExceedsBalance(t *testing.T) {
	p := New(10000)
	if err := p.Lock(5000); err != nil {
		t.Fatal(err)
	}
	if err := p.Lock(6000); !errors.Is(err, model.ErrRiskLimitExceeded) {
		t.Fatalf("expected ErrRiskLimitExceeded, got %v", err)
	}
	if p.Locked() != 5000 || p.Available() != 5000 {
		t.Fatalf("failed lock must not change state: locked=%v available=%v", p.Locked(), p.Available())
	}
	p.Release(5000)
	if p.Locked() != 0 {
		t.Fatalf("expected 0 locked, got %v", p.Locked())
	}
}

func TestRealizeMovesBalance(t *testing.T) {
	p := New(1000)
	p.Realize(-100)
	p.Realize(40)
	if p.Balance() != 940 || p.Realized() != -60 {
		t.Fatalf("balance=%v realized=%v", p.Balance(), p.Realized())
	}
}

func TestCanOpen(t *testing.T) {
	rs := model.DefaultRiskSettings()
	rs.MaxOpenPositions = 2
	now := time.Now()

	p := New(10000)
	p.Add(order("a", "BTCUSDT", model.SideBuy, model.OrderPending, now))
	p.Add(order("b", "ETHUSDT", model.SideBuy, model.OrderOpen, now))

	tests := []struct {
		name    string
		symbol  string
		side    model.Side
		margin  float64
		wantErr bool
	}{
		{"pending exists", "BTCUSDT", model.SideBuy, 100, true},
		{"opposite side", "ETHUSDT", model.SideSell, 100, true},
		{"same side adds to position", "ETHUSDT", model.SideBuy, 100, false},
		{"symbol cap", "SOLUSDT", model.SideBuy, 100, true},
		{"margin", "ETHUSDT", model.SideBuy, 20000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.CanOpen(tt.symbol, tt.side, tt.margin, rs)
			if tt.wantErr && !errors.Is(err, model.ErrRiskLimitExceeded) {
				t.Fatalf("expected ErrRiskLimitExceeded, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

func TestActiveOrderedAndSnapshotCopies(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := New(10000)
	p.Add(order("z", "BTCUSDT", model.SideBuy, model.OrderOpen, t0))
	p.Add(order("a", "ETHUSDT", model.SideSell, model.OrderPending, t0.Add(time.Minute)))
	p.Mark("BTCUSDT", 110)

	act := p.Active("")
	if len(act) != 2 || act[0].ID != "z" || act[1].ID != "a" {
		t.Fatalf("unexpected order %v", act)
	}

	s := p.Snapshot(t0)
	if len(s.OpenPositions) != 1 || len(s.PendingOrders) != 1 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if s.UnrealizedPnL != 100 {
		t.Fatalf("expected unrealized 100, got %v", s.UnrealizedPnL)
	}
	s.OpenPositions[0].Quantity = 0
	if o, _ := p.Get("z"); o.Quantity != 10 {
		t.Fatal("snapshot must not alias live orders")
	}
}

func TestLiquidationPrice(t *testing.T) {
	if got := LiquidationPrice(100, model.SideBuy, 10, 0.004); math.Abs(got-90.4) > 1e-9 {
		t.Fatalf("long liq %v", got)
	}
	if got := LiquidationPrice(100, model.SideSell, 10, 0.004); math.Abs(got-109.6) > 1e-9 {
		t.Fatalf("short liq %v", got)
	}
}

func TestLedgerSummary(t *testing.T) {
	l := NewLedger(1000)
	l.Record(Trade{OrderID: "a", PnL: 50}, false)
	l.Record(Trade{OrderID: "a", PnL: -10}, true) // net +40, one win
	l.Record(Trade{OrderID: "b", PnL: -100}, true)

	s := l.Summary()
	if s.Positions != 2 || s.Wins != 1 || s.Losses != 1 || s.TotalTrades != 3 {
		t.Fatalf("unexpected counts %+v", s)
	}
	if s.RealizedPnL != -60 || s.Equity != 940 {
		t.Fatalf("unexpected pnl %+v", s)
	}
	if math.Abs(s.MaxDrawdown-110.0/1050) > 1e-12 {
		t.Fatalf("max drawdown %v", s.MaxDrawdown)
	}
	if math.Abs(s.ProfitFactor-50.0/110) > 1e-12 {
		t.Fatalf("profit factor %v", s.ProfitFactor)
	}

	l.Reset(500)
	if s := l.Summary(); s.TotalTrades != 0 || s.Equity != 500 {
		t.Fatalf("reset left %+v", s)
	}
}
