package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"futures-enginev1/internal/model"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

const tf = 15 * time.Minute

type recordingStore struct {
	ticks int
	last  model.PortfolioSnapshot
	fail  bool
}

func (s *recordingStore) SaveTick(_ context.Context, _ []model.Order, p model.PortfolioSnapshot) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.ticks++
	s.last = p
	return nil
}

func newEngine(t *testing.T, store model.TickWriter) *Engine {
	t.Helper()
	e := New(Config{Risk: model.DefaultRiskSettings()}, store, nil)
	seq := 0
	e.newID = func() string { seq++; return fmt.Sprintf("o-%d", seq) }
	e.now = func() time.Time { return t0.Add(24 * time.Hour) }
	return e
}

func bar(symbol string, i int, o, h, l, c float64) model.Candle {
	return model.Candle{
		Symbol: symbol, Timeframe: "15m", OpenTime: t0.Add(time.Duration(i) * tf),
		Open: o, High: h, Low: l, Close: c, Volume: 1, IsClosed: true,
	}
}

// buyReq places a BUY at entry produced by the candle at index 0.
func buyReq(symbol string, entry, qty, stop float64, tps ...float64) OrderRequest {
	req := OrderRequest{
		SignalID: "sig-" + symbol, Symbol: symbol, Side: model.SideBuy,
		EntryPrice: entry, Quantity: qty, StopLoss: stop,
		CandleTime: t0, CreatedAt: t0.Add(tf),
	}
	fr := []float64{0.4, 0.3, 0.3}
	for i, p := range tps {
		req.TPLevels = append(req.TPLevels, model.TPLevel{Price: p, CloseFraction: fr[i]})
	}
	return req
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCreateOrder_FixedFractionalScenario(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	o, err := e.CreateOrder(ctx, buyReq("BTCUSDT", 100, 50, 98))
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != model.OrderPending || o.Notional() != 5000 || o.Margin != 5000 {
		t.Fatalf("unexpected order %+v", o)
	}
	s := e.Snapshot()
	if s.LockedMargin != 5000 || s.AvailableBalance != 5000 {
		t.Fatalf("unexpected snapshot %+v", s)
	}

	_, err = e.CreateOrder(ctx, buyReq("ETHUSDT", 100, 60, 98))
	if !errors.Is(err, model.ErrRiskLimitExceeded) {
		t.Fatalf("expected $6k order to be rejected, got %v", err)
	}
	if s := e.Snapshot(); s.LockedMargin != 5000 || len(s.PendingOrders) != 1 {
		t.Fatalf("rejected order changed the account: %+v", s)
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *OrderRequest)
		want   error
	}{
		{"stop above buy entry", func(r *OrderRequest) { r.StopLoss = 101 }, model.ErrInvalidOrder},
		{"missing stop", func(r *OrderRequest) { r.StopLoss = 0 }, model.ErrInvalidOrder},
		{"zero qty", func(r *OrderRequest) { r.Quantity = 0 }, model.ErrInvalidOrder},
		{"nan entry", func(r *OrderRequest) { r.EntryPrice = math.NaN() }, model.ErrInvalidOrder},
		{"tp below buy entry", func(r *OrderRequest) { r.TPLevels = []model.TPLevel{{Price: 99, CloseFraction: 1}} }, model.ErrInvalidOrder},
		{"leverage too high", func(r *OrderRequest) { r.Leverage = 50 }, model.ErrRiskLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, nil)
			req := buyReq("BTCUSDT", 100, 1, 98)
			tt.mutate(&req)
			if _, err := e.CreateOrder(context.Background(), req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCreateOrder_OnePendingPerSymbol(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	if _, err := e.CreateOrder(ctx, buyReq("BTCUSDT", 100, 1, 98)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateOrder(ctx, buyReq("BTCUSDT", 100, 1, 98)); !errors.Is(err, model.ErrRiskLimitExceeded) {
		t.Fatalf("expected second pending order to be rejected, got %v", err)
	}
}

func TestPendingOrder_ExpiresAfterTTLCandles(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	o, err := e.CreateOrder(ctx, buyReq("BTCUSDT", 95000, 0.1, 94000))
	if err != nil {
		t.Fatal(err)
	}

	// The signal candle itself never fills the order.
	if evs, _ := e.OnCandle(ctx, bar("BTCUSDT", 0, 95500, 95600, 94500, 95400)); len(evs) != 0 {
		t.Fatalf("signal candle produced events %+v", evs)
	}

	for i := 1; i <= 3; i++ {
		forming := bar("BTCUSDT", i, 95200, 95250, 95150, 95200)
		forming.IsClosed = false
		closed := bar("BTCUSDT", i, 95200, 95300, 95100, 95200)
		for _, c := range []model.Candle{forming, closed} {
			if evs, err := e.OnCandle(ctx, c); err != nil || len(evs) != 0 {
				t.Fatalf("candle %d: unexpected %+v %v", i, evs, err)
			}
		}
	}
	if got, _ := e.Get(o.ID); got.Status != model.OrderPending || got.CandlesSeen != 3 {
		t.Fatalf("expected PENDING after 3 candles, got %+v", got)
	}

	evs, err := e.OnCandle(ctx, bar("BTCUSDT", 4, 95200, 95300, 95100, 95200))
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Type != model.ExecExpired || evs[0].Order.Status != model.OrderExpired {
		t.Fatalf("expected expiry on the 4th candle, got %+v", evs)
	}
	if s := e.Snapshot(); s.LockedMargin != 0 || s.AvailableBalance != 10000 || len(s.PendingOrders) != 0 {
		t.Fatalf("margin not released: %+v", s)
	}
}

func TestPendingOrder_ExpiresOnSecondsTTL(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	rs := e.Risk()
	rs.OrderTTLCandles = 100
	rs.OrderTTLSeconds = 1800
	e.UpdateRisk(rs)

	if _, err := e.CreateOrder(ctx, buyReq("BTCUSDT", 100, 1, 98)); err != nil {
		t.Fatal(err)
	}
	// candle 2 opens 15m after creation, candle 3 opens 30m after.
	for i := 1; i <= 2; i++ {
		if evs, _ := e.OnCandle(ctx, bar("BTCUSDT", i, 101, 102, 100.5, 101)); len(evs) != 0 {
			t.Fatalf("candle %d: unexpected %+v", i, evs)
		}
	}
	evs, _ := e.OnCandle(ctx, bar("BTCUSDT", 3, 101, 102, 100.5, 101))
	if len(evs) != 1 || evs[0].Type != model.ExecExpired {
		t.Fatalf("expected expiry at 30m, got %+v", evs)
	}
}

func TestOpenPosition_PartialTakeProfitsAndTrailingExit(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	o, err := e.CreateOrder(ctx, buyReq("BTCUSDT", 100, 10, 98, 102, 104, 106))
	if err != nil {
		t.Fatal(err)
	}

	evs, _ := e.OnCandle(ctx, bar("BTCUSDT", 1, 100.2, 100.5, 99.5, 100.3))
	if len(evs) != 1 || evs[0].Type != model.ExecFilled || evs[0].Price != 100 {
		t.Fatalf("expected fill at limit, got %+v", evs)
	}
	if got, _ := e.Get(o.ID); got.LiquidationPrice <= 0 || got.StopLoss != 98 {
		t.Fatalf("unexpected position after fill %+v", got)
	}

	evs, _ = e.OnCandle(ctx, bar("BTCUSDT", 2, 100.3, 102.5, 100.2, 102.4))
	if len(evs) != 2 || evs[0].Type != model.ExecPartialClose || evs[1].Type != model.ExecStopMoved {
		t.Fatalf("expected TP1 partial then stop move, got %+v", evs)
	}
	if !near(evs[0].Quantity, 4) || !near(evs[0].PnL, 8) {
		t.Fatalf("TP1 closed %v for %v", evs[0].Quantity, evs[0].PnL)
	}
	if !near(evs[1].Price, 102.5*0.995) {
		t.Fatalf("trailing stop %v", evs[1].Price)
	}

	evs, _ = e.OnCandle(ctx, bar("BTCUSDT", 3, 102.4, 104.5, 102.3, 104.2))
	if len(evs) != 2 || evs[0].Type != model.ExecPartialClose || !near(evs[0].PnL, 12) {
		t.Fatalf("expected TP2 partial, got %+v", evs)
	}
	trail := 104.5 * 0.995

	evs, _ = e.OnCandle(ctx, bar("BTCUSDT", 4, 104.2, 104.3, 103.5, 103.6))
	if len(evs) != 1 || evs[0].Type != model.ExecClosed {
		t.Fatalf("expected trailing stop exit, got %+v", evs)
	}
	closed := evs[0].Order
	if closed.ExitReason != model.ExitTrailingStop || !near(closed.ExitPrice, trail) {
		t.Fatalf("unexpected exit %+v", closed)
	}
	wantPnL := 8 + 12 + 3*(trail-100)
	if !near(closed.RealizedPnL, wantPnL) {
		t.Fatalf("realized %v, want %v", closed.RealizedPnL, wantPnL)
	}
	s := e.Snapshot()
	if s.LockedMargin != 0 || !near(s.Balance, 10000+wantPnL) || len(s.OpenPositions) != 0 {
		t.Fatalf("unexpected account %+v", s)
	}
	if sum := e.Summary(); sum.Wins != 1 || sum.TotalTrades != 3 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestOpenPosition_FinalTPClosesRemainder(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	_, _ = e.CreateOrder(ctx, buyReq("BTCUSDT", 100, 10, 98, 102, 104, 106))
	_, _ = e.OnCandle(ctx, bar("BTCUSDT", 1, 100.2, 100.5, 99.9, 100.3))

	evs, _ := e.OnCandle(ctx, bar("BTCUSDT", 2, 100.3, 107, 100.1, 106.5))
	if len(evs) != 3 || evs[2].Type != model.ExecClosed || evs[2].Order.ExitReason != model.ExitTakeProfit {
		t.Fatalf("expected TP1, TP2 partials and TP3 close, got %+v", evs)
	}
	if !near(evs[2].Quantity, 3) || !near(evs[2].Price, 106) {
		t.Fatalf("TP3 closed %v at %v", evs[2].Quantity, evs[2].Price)
	}
}

func TestOpenPosition_ExitPriority(t *testing.T) {
	ctx := context.Background()

	t.Run("liquidation before stop", func(t *testing.T) {
		e := newEngine(t, nil)
		req := buyReq("BTCUSDT", 100, 10, 94, 110)
		req.Leverage = 20
		if _, err := e.CreateOrder(ctx, req); err != nil {
			t.Fatal(err)
		}
		_, _ = e.OnCandle(ctx, bar("BTCUSDT", 1, 100.5, 101, 99.9, 100.5))
		evs, _ := e.OnCandle(ctx, bar("BTCUSDT", 2, 100.5, 101, 93, 93.5))
		if len(evs) != 1 || evs[0].Order.ExitReason != model.ExitLiquidation {
			t.Fatalf("expected liquidation, got %+v", evs)
		}
		if !near(evs[0].PnL, -50) || !near(evs[0].Price, 95.4) {
			t.Fatalf("liquidation must lose the margin: %+v", evs[0])
		}
		if s := e.Snapshot(); !near(s.Balance, 9950) || s.LockedMargin != 0 {
			t.Fatalf("unexpected account %+v", s)
		}
	})

	t.Run("stop before take profit", func(t *testing.T) {
		e := newEngine(t, nil)
		_, _ = e.CreateOrder(ctx, buyReq("BTCUSDT", 100, 10, 98, 102, 104, 106))
		_, _ = e.OnCandle(ctx, bar("BTCUSDT", 1, 100.5, 101, 99.9, 100.5))
		evs, _ := e.OnCandle(ctx, bar("BTCUSDT", 2, 100.5, 103, 97, 99))
		if len(evs) != 1 || evs[0].Order.ExitReason != model.ExitStopLoss || !near(evs[0].PnL, -20) {
			t.Fatalf("expected stop loss, got %+v", evs)
		}
	})

	t.Run("fill candle checks stop only", func(t *testing.T) {
		e := newEngine(t, nil)
		_, _ = e.CreateOrder(ctx, buyReq("BTCUSDT", 100, 10, 98, 101, 102, 103))
		evs, _ := e.OnCandle(ctx, bar("BTCUSDT", 1, 100.5, 103.5, 99.5, 103))
		if len(evs) != 1 || evs[0].Type != model.ExecFilled {
			t.Fatalf("fill candle must not take profit or trail, got %+v", evs)
		}
		evs, _ = e.OnCandle(ctx, bar("BTCUSDT", 2, 103, 103.5, 97.5, 98))
		if len(evs) != 1 || evs[0].Order.ExitReason != model.ExitStopLoss {
			t.Fatalf("expected untouched stop to fire, got %+v", evs)
		}
	})
}

func TestSellOrderMirrors(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	req := OrderRequest{
		Symbol: "ETHUSDT", Side: model.SideSell, EntryPrice: 100, Quantity: 5, StopLoss: 102,
		TPLevels:   []model.TPLevel{{Price: 98, CloseFraction: 0.4}, {Price: 96, CloseFraction: 0.3}, {Price: 94, CloseFraction: 0.3}},
		CandleTime: t0, CreatedAt: t0.Add(tf),
	}
	if _, err := e.CreateOrder(ctx, req); err != nil {
		t.Fatal(err)
	}
	if evs, _ := e.OnCandle(ctx, bar("ETHUSDT", 1, 99.5, 99.9, 99, 99.2)); len(evs) != 0 {
		t.Fatalf("SELL must not fill below entry, got %+v", evs)
	}
	evs, _ := e.OnCandle(ctx, bar("ETHUSDT", 2, 99.5, 100.2, 99.4, 99.8))
	if len(evs) != 1 || evs[0].Type != model.ExecFilled {
		t.Fatalf("expected SELL fill, got %+v", evs)
	}
	evs, _ = e.OnCandle(ctx, bar("ETHUSDT", 3, 99.8, 102.5, 99.5, 102))
	if len(evs) != 1 || evs[0].Order.ExitReason != model.ExitStopLoss || !near(evs[0].PnL, -10) {
		t.Fatalf("expected SELL stop, got %+v", evs)
	}
}

func TestTrailingStopNeverRegresses(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 50; run++ {
		e := newEngine(t, nil)
		side := model.SideBuy
		stop := 95.0
		if run%2 == 1 {
			side, stop = model.SideSell, 105
		}
		req := OrderRequest{Symbol: "BTCUSDT", Side: side, EntryPrice: 100, Quantity: 1, StopLoss: stop,
			CandleTime: t0, CreatedAt: t0.Add(tf)}
		o, err := e.CreateOrder(ctx, req)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = e.OnCandle(ctx, bar("BTCUSDT", 1, 100, 100.1, 99.9, 100))

		price, last := 100.0, stop
		for i := 2; i < 300; i++ {
			next := price * (1 + (rng.Float64()-0.45*side.Sign()-0.05)*0.01)
			hi, lo := math.Max(price, next)*1.001, math.Min(price, next)*0.999
			evs, _ := e.OnCandle(ctx, bar("BTCUSDT", i, price, hi, lo, next))
			price = next
			for _, ev := range evs {
				if ev.Type == model.ExecStopMoved {
					if (ev.Price-last)*side.Sign() <= 0 {
						t.Fatalf("run %d: %s stop regressed from %v to %v", run, side, last, ev.Price)
					}
					last = ev.Price
				}
			}
			if _, ok := e.Get(o.ID); !ok {
				break
			}
		}
	}
}

func TestLockedMarginNeverExceedsBalance(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))
	e := newEngine(t, nil)
	rs := e.Risk()
	rs.Leverage = 5
	rs.MaxOpenPositions = 4
	e.UpdateRisk(rs)

	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT"}
	prices := map[string]float64{}
	for _, s := range symbols {
		prices[s] = 100
	}
	for i := 1; i < 2000; i++ {
		sym := symbols[rng.Intn(len(symbols))]
		px := prices[sym]
		if rng.Float64() < 0.3 {
			side := model.SideBuy
			if rng.Intn(2) == 0 {
				side = model.SideSell
			}
			entry := px * (1 - side.Sign()*0.002)
			stop := entry * (1 - side.Sign()*0.02)
			_, _ = e.CreateOrder(ctx, OrderRequest{
				Symbol: sym, Side: side, EntryPrice: entry, StopLoss: stop, Quantity: 1 + rng.Float64()*150,
				TPLevels: []model.TPLevel{
					{Price: entry * (1 + side.Sign()*0.02), CloseFraction: 0.4},
					{Price: entry * (1 + side.Sign()*0.04), CloseFraction: 0.3},
					{Price: entry * (1 + side.Sign()*0.06), CloseFraction: 0.3},
				},
				CandleTime: t0.Add(time.Duration(i-1) * tf), CreatedAt: t0.Add(time.Duration(i) * tf),
			})
		}
		next := px * (1 + (rng.Float64()-0.5)*0.03)
		_, _ = e.OnCandle(ctx, bar(sym, i, px, math.Max(px, next)*1.002, math.Min(px, next)*0.998, next))
		prices[sym] = next

		s := e.Snapshot()
		if s.LockedMargin > s.Balance+1e-6 || s.AvailableBalance < -1e-6 {
			t.Fatalf("step %d: locked %.4f exceeds balance %.4f", i, s.LockedMargin, s.Balance)
		}
		var held float64
		for _, o := range append(s.OpenPositions, s.PendingOrders...) {
			held += o.Margin
		}
		if math.Abs(held-s.LockedMargin) > 1e-6 {
			t.Fatalf("step %d: order margins %.6f != locked %.6f", i, held, s.LockedMargin)
		}
	}
}

func TestClosePositionCancelAndReset(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	pos, _ := e.CreateOrder(ctx, buyReq("BTCUSDT", 100, 10, 98))
	_, _ = e.OnCandle(ctx, bar("BTCUSDT", 1, 100.5, 101, 99.9, 101))
	pend, _ := e.CreateOrder(ctx, buyReq("ETHUSDT", 50, 10, 49))

	if _, err := e.ClosePosition(ctx, pend.ID, 0, ""); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("closing a pending order must fail, got %v", err)
	}
	ev, err := e.ClosePosition(ctx, pos.ID, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Order.ExitReason != model.ExitManual || ev.Price != 101 || !near(ev.PnL, 10) {
		t.Fatalf("expected manual close at mark, got %+v", ev)
	}

	ev, err = e.CancelOrder(ctx, pend.ID)
	if err != nil || ev.Type != model.ExecCancelled {
		t.Fatalf("cancel: %+v %v", ev, err)
	}
	if _, err := e.CancelOrder(ctx, pend.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("double cancel must fail, got %v", err)
	}

	_, _ = e.CreateOrder(ctx, buyReq("SOLUSDT", 20, 10, 19))
	evs, err := e.Reset(ctx, 5000)
	if err != nil || len(evs) != 1 || evs[0].Type != model.ExecCancelled {
		t.Fatalf("reset: %+v %v", evs, err)
	}
	if s := e.Snapshot(); s.Balance != 5000 || s.LockedMargin != 0 || s.RealizedPnL != 0 {
		t.Fatalf("unexpected account after reset %+v", s)
	}
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	_, _ = e.CreateOrder(ctx, buyReq("BTCUSDT", 100, 1, 98))
	if evs, _ := e.ExpireStale(ctx, t0.Add(tf+time.Minute)); len(evs) != 0 {
		t.Fatalf("expired too early: %+v", evs)
	}
	evs, _ := e.ExpireStale(ctx, t0.Add(tf+45*time.Minute))
	if len(evs) != 1 || evs[0].Type != model.ExecExpired {
		t.Fatalf("expected wall-clock expiry, got %+v", evs)
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{}
	e := newEngine(t, store)
	rs := e.Risk()
	rs.MaxOpenPositions = 10
	e.UpdateRisk(rs)

	if _, err := e.CreateOrder(ctx, buyReq("BTCUSDT", 100, 10, 98)); err != nil {
		t.Fatal(err)
	}
	if store.ticks != 1 || store.last.LockedMargin != 1000 {
		t.Fatalf("order not written through: %+v", store)
	}

	store.fail = true
	for i := 1; i <= 2; i++ {
		if _, err := e.CancelOrder(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
			t.Fatal(err)
		}
		if _, err := e.CreateOrder(ctx, buyReq(fmt.Sprintf("S%d", i), 10, 1, 9)); err != nil {
			t.Fatalf("failure %d should be tolerated, got %v", i, err)
		}
	}
	_, err := e.CreateOrder(ctx, buyReq("S3", 10, 1, 9))
	if !errors.Is(err, model.ErrPersistence) || !model.IsFatal(err) {
		t.Fatalf("expected fatal ErrPersistence on the third failure, got %v", err)
	}

	store.fail = false
	if err := e.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if len(store.last.PendingOrders) != 4 {
		t.Fatalf("final snapshot should hold all pending orders, got %d", len(store.last.PendingOrders))
	}
}

func TestOnCandle_SameSideFillMergesIntoPosition(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	if _, err := e.CreateOrder(ctx, buyReq("BTCUSDT", 100, 10, 98)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.OnCandle(ctx, bar("BTCUSDT", 1, 100.5, 101, 99.8, 100.5)); err != nil {
		t.Fatal(err)
	}
	if s := e.Snapshot(); len(s.OpenPositions) != 1 || s.LockedMargin != 1000 {
		t.Fatalf("expected one open position, got %+v", s)
	}

	add := buyReq("BTCUSDT", 99, 10, 97)
	add.CandleTime, add.CreatedAt = t0.Add(tf), t0.Add(2*tf)
	if _, err := e.CreateOrder(ctx, add); err != nil {
		t.Fatalf("same-side order should be accepted: %v", err)
	}
	events, err := e.OnCandle(ctx, bar("BTCUSDT", 2, 99.8, 100, 98.9, 99.6))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != model.ExecFilled || events[0].Order.ExitReason != model.ExitMerged {
		t.Fatalf("expected one merged fill, got %+v", events)
	}

	s := e.Snapshot()
	if len(s.OpenPositions) != 1 || len(s.PendingOrders) != 0 {
		t.Fatalf("merge must leave one position and no pending order, got %+v", s)
	}
	pos := s.OpenPositions[0]
	if pos.ID != "o-1" || !near(pos.EntryPrice, 99.5) || !near(pos.Quantity, 20) {
		t.Fatalf("expected o-1 at 99.5 x 20, got %s at %v x %v", pos.ID, pos.EntryPrice, pos.Quantity)
	}
	if !near(pos.Margin, 1990) || !near(pos.Leverage, 1) || !near(s.LockedMargin, 1990) {
		t.Fatalf("expected summed margin 1990 at 1x, got margin=%v lev=%v locked=%v", pos.Margin, pos.Leverage, s.LockedMargin)
	}
	if pos.StopLoss != 98 {
		t.Fatalf("position must keep its stop, got %v", pos.StopLoss)
	}

	events, err = e.OnCandle(ctx, bar("BTCUSDT", 3, 99.5, 99.6, 97.9, 98.2))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Order.ExitReason != model.ExitStopLoss {
		t.Fatalf("expected stop out, got %+v", events)
	}
	s = e.Snapshot()
	if len(s.OpenPositions) != 0 || s.LockedMargin != 0 || !near(s.Balance, 9970) {
		t.Fatalf("stop must release all margin and realize -30, got %+v", s)
	}
}
