package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"futures-enginev1/internal/model"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func TestStore_QueryOrdersNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i, st := range []model.OrderStatus{model.OrderClosed, model.OrderOpen, model.OrderClosed} {
		o := model.Order{ID: string(rune('a' + i)), Symbol: "BTCUSDT", Status: st, CreatedAt: t0.Add(time.Duration(i) * time.Minute)}
		if err := s.SaveOrder(ctx, o); err != nil {
			t.Fatalf("SaveOrder: %v", err)
		}
	}
	got, _ := s.QueryOrders(ctx, model.Query{Statuses: []string{"CLOSED"}})
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Fatalf("unexpected result: %+v", got)
	}
	got, _ = s.QueryOrders(ctx, model.Query{Offset: 5})
	if len(got) != 0 {
		t.Fatalf("expected empty page, got %d", len(got))
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	o := model.Order{ID: "o", TPLevels: []model.TPLevel{{Price: 1}}}
	_ = s.SaveOrder(ctx, o)
	o.TPLevels[0].Price = 2

	got, err := s.GetOrder(ctx, "o")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.TPLevels[0].Price != 1 {
		t.Fatal("store must not alias caller slices")
	}
	if _, err := s.GetSignal(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_CandlesSortedAndDeduplicated(t *testing.T) {
	s := New()
	ctx := context.Background()
	mk := func(minute int, close float64) model.Candle {
		return model.Candle{Symbol: "X", Timeframe: "1m", OpenTime: t0.Add(time.Duration(minute) * time.Minute), Close: close}
	}
	_ = s.SaveCandles(ctx, []model.Candle{mk(2, 2), mk(0, 0), mk(1, 1)})
	_ = s.SaveCandles(ctx, []model.Candle{mk(1, 10)})

	got, _ := s.ReadCandles(ctx, "X", "1m", time.Time{}, 0)
	if len(got) != 3 || got[0].Close != 0 || got[1].Close != 10 || got[2].Close != 2 {
		t.Fatalf("unexpected candles: %+v", got)
	}
	got, _ = s.ReadCandles(ctx, "X", "1m", t0, 1)
	if len(got) != 1 || got[0].Close != 10 {
		t.Fatalf("expected the candle after t0, got %+v", got)
	}
}

func TestStore_FailWrites(t *testing.T) {
	s := New()
	boom := errors.New("disk full")
	s.FailWrites = boom
	if err := s.SaveTick(context.Background(), nil, model.PortfolioSnapshot{}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := s.LatestPortfolio(context.Background()); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("failed tick must not be stored, got %v", err)
	}
}
