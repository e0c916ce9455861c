package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"futures-enginev1/config"
	"futures-enginev1/internal/model"
	"futures-enginev1/internal/store/memory"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func seedFlat(t *testing.T, st *memory.Store, symbol string, n int) {
	t.Helper()
	cs := make([]model.Candle, 0, n)
	for i := 0; i < n; i++ {
		o, c := 100.0, 100.1
		if i%2 == 1 {
			o, c = 100.1, 99.9
		}
		cs = append(cs, model.Candle{
			Symbol: symbol, Timeframe: "15m",
			OpenTime: t0.Add(time.Duration(i) * 15 * time.Minute),
			Open:     o, High: 100.5, Low: 99.5, Close: c, Volume: 10,
			IsClosed: true,
		})
	}
	if err := st.SaveCandles(context.Background(), cs); err != nil {
		t.Fatalf("SaveCandles: %v", err)
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Symbols = []string{"BTCUSDT"}
	return cfg
}

func TestBacktest_ReplaysStoredCandles(t *testing.T) {
	st := memory.New()
	seedFlat(t, st, "BTCUSDT", 80)

	res, err := Backtest(context.Background(), st, testConfig(), BacktestOptions{From: t0}, zap.NewNop())
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if res.Candles != 80 {
		t.Fatalf("expected 80 candles, got %d", res.Candles)
	}
	if res.Portfolio.Balance != 10000 || res.Summary.TotalTrades != 0 {
		t.Fatalf("flat market should not trade: %+v %+v", res.Portfolio, res.Summary)
	}
}

func TestBacktest_FromSkipsEarlierCandles(t *testing.T) {
	st := memory.New()
	seedFlat(t, st, "BTCUSDT", 40)

	res, err := Backtest(context.Background(), st, testConfig(), BacktestOptions{From: t0.Add(10 * 15 * time.Minute)}, zap.NewNop())
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if res.Candles != 30 {
		t.Fatalf("expected 30 candles, got %d", res.Candles)
	}
}

func TestBacktest_Cancelled(t *testing.T) {
	st := memory.New()
	seedFlat(t, st, "BTCUSDT", 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Backtest(ctx, st, testConfig(), BacktestOptions{From: t0}, zap.NewNop())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBacktest_NothingStored(t *testing.T) {
	st := memory.New()
	seedFlat(t, st, "BTCUSDT", 10)

	res, err := Backtest(context.Background(), st, testConfig(), BacktestOptions{Symbols: []string{"ETHUSDT"}, From: t0}, zap.NewNop())
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if res.Candles != 0 {
		t.Fatalf("expected nothing replayed, got %d", res.Candles)
	}
}

func TestConfigMapping(t *testing.T) {
	cfg := testConfig()
	cfg.Indicators.VWAPResetHourUTC = 8
	cfg.Regime.TrendStrengthThreshold = 0.4
	cfg.Pipeline.Window = 150

	pc := pipelineConfig(cfg)
	if pc.Regime.TrendThreshold != 0.4 || pc.WindowSize != 150 {
		t.Fatalf("unexpected pipeline config: %+v", pc)
	}
	start := pc.Indicators.VWAPReset.Start(t0.Add(3 * time.Hour))
	if want := t0.Add(-16 * time.Hour); !start.Equal(want) {
		t.Fatalf("vwap session start = %v, want %v", start, want)
	}
	if pc.SweepInterval != 0 {
		t.Fatalf("backtest config must not sweep on the wall clock")
	}
}
