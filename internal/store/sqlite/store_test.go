package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"futures-enginev1/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "engine.db"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func order(id, symbol string, status model.OrderStatus, created time.Time) model.Order {
	return model.Order{
		ID: id, SignalID: "sig-" + id, Symbol: symbol, Side: model.SideBuy, Status: status,
		EntryPrice: 100, Quantity: 2, InitialQuantity: 2, Leverage: 10, Margin: 20,
		StopLoss: 98, InitialStopLoss: 98,
		TPLevels:  []model.TPLevel{{Price: 102, CloseFraction: 0.5}, {Price: 104, CloseFraction: 0.5}},
		CreatedAt: created, UpdatedAt: created,
	}
}

func TestStore_OrderUpsertAndGet(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	o := order("o-1", "BTCUSDT", model.OrderPending, t0)
	if err := s.SaveOrder(ctx, o); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	o.Status = model.OrderOpen
	open := t0.Add(time.Minute)
	o.OpenTime = &open
	o.UpdatedAt = open
	if err := s.SaveOrder(ctx, o); err != nil {
		t.Fatalf("SaveOrder update: %v", err)
	}

	got, err := s.GetOrder(ctx, "o-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != model.OrderOpen || got.OpenTime == nil || !got.OpenTime.Equal(open) {
		t.Fatalf("unexpected order after update: %+v", got)
	}
	if len(got.TPLevels) != 2 || got.TPLevels[1].Price != 104 {
		t.Fatalf("tp levels lost: %+v", got.TPLevels)
	}

	if _, err := s.GetOrder(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_QueryOrdersFilters(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for i, tc := range []struct {
		id     string
		symbol string
		status model.OrderStatus
	}{
		{"a", "BTCUSDT", model.OrderClosed},
		{"b", "BTCUSDT", model.OrderOpen},
		{"c", "ETHUSDT", model.OrderClosed},
		{"d", "BTCUSDT", model.OrderExpired},
	} {
		if err := s.SaveOrder(ctx, order(tc.id, tc.symbol, tc.status, t0.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("SaveOrder %s: %v", tc.id, err)
		}
	}

	got, err := s.QueryOrders(ctx, model.Query{Statuses: []string{"CLOSED", "EXPIRED"}})
	if err != nil {
		t.Fatalf("QueryOrders: %v", err)
	}
	if ids := orderIDs(got); ids != "d,c,a" {
		t.Fatalf("expected newest-first d,c,a, got %s", ids)
	}

	got, _ = s.QueryOrders(ctx, model.Query{Symbol: "BTCUSDT", From: t0.Add(time.Minute), To: t0.Add(3 * time.Minute)})
	if ids := orderIDs(got); ids != "b" {
		t.Fatalf("expected b, got %s", ids)
	}

	got, _ = s.QueryOrders(ctx, model.Query{Limit: 2, Offset: 1})
	if ids := orderIDs(got); ids != "c,b" {
		t.Fatalf("expected page c,b, got %s", ids)
	}
}

func orderIDs(os []model.Order) string {
	out := ""
	for i, o := range os {
		if i > 0 {
			out += ","
		}
		out += o.ID
	}
	return out
}

func TestStore_SignalRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	sig := model.TradingSignal{
		ID: "s-1", Symbol: "BTCUSDT", Timeframe: "15m", Side: model.SideSell,
		Confidence: 0.8, EntryPrice: 100, StopLoss: 102, Status: model.SignalGenerated,
		GeneratedAt: t0,
	}
	if err := s.SaveSignal(ctx, sig); err != nil {
		t.Fatalf("SaveSignal: %v", err)
	}
	sig.Status = model.SignalPending
	sig.History = append(sig.History, model.StatusChange{From: model.SignalGenerated, To: model.SignalPending, At: t0.Add(time.Second)})
	if err := s.SaveSignal(ctx, sig); err != nil {
		t.Fatalf("SaveSignal update: %v", err)
	}

	got, err := s.GetSignal(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if got.Status != model.SignalPending || len(got.History) != 1 {
		t.Fatalf("unexpected signal: %+v", got)
	}

	list, err := s.QuerySignals(ctx, model.Query{Statuses: []string{"GENERATED"}})
	if err != nil {
		t.Fatalf("QuerySignals: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected status column to follow upsert, got %d rows", len(list))
	}
}

func TestStore_SaveTickAndPortfolio(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if _, err := s.LatestPortfolio(ctx); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}

	for i := 0; i < 3; i++ {
		o := order("o-1", "BTCUSDT", model.OrderOpen, t0)
		o.CandlesSeen = i
		snap := model.PortfolioSnapshot{Balance: 1000 + float64(i), TS: t0.Add(time.Duration(i) * time.Minute)}
		if err := s.SaveTick(ctx, []model.Order{o}, snap); err != nil {
			t.Fatalf("SaveTick: %v", err)
		}
	}

	latest, err := s.LatestPortfolio(ctx)
	if err != nil {
		t.Fatalf("LatestPortfolio: %v", err)
	}
	if latest.Balance != 1002 {
		t.Fatalf("expected latest balance 1002, got %v", latest.Balance)
	}
	o, _ := s.GetOrder(ctx, "o-1")
	if o.CandlesSeen != 2 {
		t.Fatalf("expected last tick's order, got candles_seen=%d", o.CandlesSeen)
	}

	hist, err := s.QueryPortfolio(ctx, model.Query{From: t0.Add(time.Minute)})
	if err != nil {
		t.Fatalf("QueryPortfolio: %v", err)
	}
	if len(hist) != 2 || hist[0].Balance != 1002 {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestStore_SaveTickIsAtomic(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if _, err := s.DB().Exec(`DROP TABLE portfolio_snapshots`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	err := s.SaveTick(ctx, []model.Order{order("o-1", "BTCUSDT", model.OrderOpen, t0)}, model.PortfolioSnapshot{TS: t0})
	if err == nil {
		t.Fatal("expected SaveTick to fail without snapshot table")
	}
	if _, err := s.GetOrder(ctx, "o-1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("order must not be committed when snapshot fails, got %v", err)
	}
}

func TestStore_Candles(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var cs []model.Candle
	for i := 0; i < 5; i++ {
		cs = append(cs, model.Candle{
			Symbol: "BTCUSDT", Timeframe: "15m", OpenTime: t0.Add(time.Duration(i) * 15 * time.Minute),
			Open: 100, High: 101, Low: 99, Close: 100 + float64(i), Volume: 10, IsClosed: true,
		})
	}
	if err := s.SaveCandles(ctx, cs); err != nil {
		t.Fatalf("SaveCandles: %v", err)
	}
	// Re-saving replaces rather than duplicating.
	if err := s.SaveCandles(ctx, cs[:2]); err != nil {
		t.Fatalf("SaveCandles again: %v", err)
	}

	got, err := s.ReadCandles(ctx, "BTCUSDT", "15m", time.Time{}, 0)
	if err != nil {
		t.Fatalf("ReadCandles: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 candles, got %d", len(got))
	}
	if !got[0].OpenTime.Equal(t0) || !got[0].IsClosed {
		t.Fatalf("unexpected first candle: %+v", got[0])
	}

	got, _ = s.ReadCandles(ctx, "BTCUSDT", "15m", t0.Add(15*time.Minute), 2)
	if len(got) != 2 || got[0].Close != 102 {
		t.Fatalf("expected 2 candles after the second, got %+v", got)
	}

	got, _ = s.ReadCandles(ctx, "ETHUSDT", "15m", time.Time{}, 0)
	if len(got) != 0 {
		t.Fatalf("expected no ETH candles, got %d", len(got))
	}
}

func TestStore_RunCandlesFlushesOnClose(t *testing.T) {
	s := openTest(t)

	ch := make(chan model.Candle, 3)
	for i := 0; i < 3; i++ {
		ch <- model.Candle{Symbol: "BTCUSDT", Timeframe: "1m", OpenTime: t0.Add(time.Duration(i) * time.Minute),
			Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, IsClosed: true}
	}
	close(ch)
	s.RunCandles(context.Background(), ch)

	got, err := s.ReadCandles(context.Background(), "BTCUSDT", "1m", time.Time{}, 0)
	if err != nil {
		t.Fatalf("ReadCandles: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 flushed candles, got %d", len(got))
	}
}
