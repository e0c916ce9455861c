package strategy

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"futures-enginev1/internal/model"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func candle(i int, o, h, l, c, v float64) model.Candle {
	return model.Candle{
		Symbol: "BTCUSDT", Timeframe: "15m",
		OpenTime: t0.Add(time.Duration(i) * 15 * time.Minute),
		Open:     o, High: h, Low: l, Close: c, Volume: v, IsClosed: true,
	}
}

// buySetup is a 30-candle window with a swing low at index 24 and a
// bullish signal candle that dips into VWAP.
func buySetup(swingLow float64) Input {
	w := make([]model.Candle, 30)
	for i := range w {
		w[i] = candle(i, 100, 101, 99.5, 100.2, 100)
	}
	w[24].Low = swingLow
	w[29] = candle(29, 99.5, 100.6, 99.0, 100.4, 150)

	return Input{
		Window: w,
		Snapshot: model.IndicatorSnapshot{
			VWAP: 99.2, BBUpper: 104, BBMid: 99.5, BBLower: 98,
			PrevStochK: 20, PrevStochD: 25, StochK: 30, StochD: 27,
			ADX: 30, ATR: 1, VolumeSMA: 100, Ready: true,
		},
		Regime: model.RegimeResult{Regime: model.RegimeTrendingLowVol, Confidence: 0.8, ShouldTrade: true},
		Equity: 10000,
		Risk:   model.DefaultRiskSettings(),
	}
}

// mirror reflects prices around 100 so a BUY setup becomes a SELL setup.
func mirror(in Input) Input {
	const axis = 200.0
	out := in
	out.Window = make([]model.Candle, len(in.Window))
	for i, c := range in.Window {
		c.Open, c.Close = axis-c.Open, axis-c.Close
		c.High, c.Low = axis-c.Low, axis-c.High
		out.Window[i] = c
	}
	s := in.Snapshot
	s.VWAP, s.BBMid = axis-s.VWAP, axis-s.BBMid
	s.BBUpper, s.BBLower = axis-in.Snapshot.BBLower, axis-in.Snapshot.BBUpper
	s.StochK, s.StochD = 100-s.StochK, 100-s.StochD
	s.PrevStochK, s.PrevStochD = 100-s.PrevStochK, 100-s.PrevStochD
	out.Snapshot = s
	return out
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestTrendPullback_BuySignal(t *testing.T) {
	in := buySetup(98.5)
	sig, err := NewTrendPullback().Evaluate(in)
	if err != nil {
		t.Fatal(err)
	}
	if sig == nil || sig.Status != model.SignalGenerated {
		t.Fatalf("expected generated signal, got %+v", sig)
	}
	c := in.Window[29]

	wantEntry := 100.4 - 0.9*0.5*(0.9/1.6)
	if !near(sig.EntryPrice, wantEntry) {
		t.Fatalf("entry %.10f, want %.10f", sig.EntryPrice, wantEntry)
	}
	if sig.EntryPrice < c.Low || sig.EntryPrice > c.Close {
		t.Fatalf("BUY entry %.4f outside [low %.4f, close %.4f]", sig.EntryPrice, c.Low, c.Close)
	}
	if !near(sig.StopLoss, 98.4) {
		t.Fatalf("stop %.10f, want swing low 98.5 minus 0.1 ATR", sig.StopLoss)
	}
	risk := wantEntry - 98.4
	for i, m := range []float64{1, 2, 3} {
		if !near(sig.TPLevels[i].Price, wantEntry+m*risk) {
			t.Errorf("tp%d = %v, want %v", i+1, sig.TPLevels[i].Price, wantEntry+m*risk)
		}
	}
	if !near(sig.PositionSize, 100/risk) {
		t.Fatalf("size %v, want %v", sig.PositionSize, 100/risk)
	}
	if !near(sig.RiskRewardRatio, (104-wantEntry)/risk) {
		t.Fatalf("rr %v", sig.RiskRewardRatio)
	}
	if !near(sig.Confidence, 0.9) {
		t.Fatalf("confidence %v, want 0.9", sig.Confidence)
	}
	if !sig.GeneratedAt.Equal(c.CloseTime()) {
		t.Fatalf("generated_at %v, want candle close %v", sig.GeneratedAt, c.CloseTime())
	}
}

func TestTrendPullback_SellMirrorsBuy(t *testing.T) {
	buy, err := NewTrendPullback().Evaluate(buySetup(98.5))
	if err != nil || buy == nil {
		t.Fatalf("buy: %v %v", buy, err)
	}
	in := mirror(buySetup(98.5))
	sell, err := NewTrendPullback().Evaluate(in)
	if err != nil {
		t.Fatal(err)
	}
	if sell == nil || sell.Side != model.SideSell || sell.Status != model.SignalGenerated {
		t.Fatalf("expected generated SELL, got %+v", sell)
	}
	c := in.Window[29]
	if sell.EntryPrice < c.Close || sell.EntryPrice > c.High {
		t.Fatalf("SELL entry %.4f outside [close %.4f, high %.4f]", sell.EntryPrice, c.Close, c.High)
	}
	if !near(sell.EntryPrice, 200-buy.EntryPrice) || !near(sell.StopLoss, 200-buy.StopLoss) {
		t.Fatalf("sell entry/stop %v/%v not mirror of %v/%v", sell.EntryPrice, sell.StopLoss, buy.EntryPrice, buy.StopLoss)
	}
	if !near(sell.PositionSize, buy.PositionSize) || !near(sell.RiskRewardRatio, buy.RiskRewardRatio) {
		t.Fatalf("size/rr differ: %v/%v vs %v/%v", sell.PositionSize, sell.RiskRewardRatio, buy.PositionSize, buy.RiskRewardRatio)
	}
	if sell.TPLevels[0].Price >= sell.EntryPrice {
		t.Fatal("SELL take-profits must be below entry")
	}
}

func TestTrendPullback_StopClampedToMaxDistance(t *testing.T) {
	sig, err := NewTrendPullback().Evaluate(buySetup(97.5))
	if err != nil || sig == nil {
		t.Fatalf("%v %v", sig, err)
	}
	want := sig.EntryPrice - sig.EntryPrice*0.02
	if !near(sig.StopLoss, want) {
		t.Fatalf("stop %v, want clamped %v", sig.StopLoss, want)
	}
}

func TestTrendPullback_ATRFallbackStop(t *testing.T) {
	sig, err := NewTrendPullback().Evaluate(buySetup(99.5))
	if err != nil || sig == nil {
		t.Fatalf("%v %v", sig, err)
	}
	if !near(sig.StopLoss, sig.EntryPrice-1.5) {
		t.Fatalf("stop %v, want entry - 1.5 ATR", sig.StopLoss)
	}
}

func TestTrendPullback_HardFilters(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *Input)
		reason string
	}{
		{"weak trend", func(in *Input) { in.Snapshot.ADX = 15 }, ReasonTrendTooWeak},
		{"volume climax", func(in *Input) { in.Window[29].Volume = 500 }, ReasonVolumeClimax},
		{"risk reward", func(in *Input) { in.Snapshot.BBUpper = 100.9 }, ReasonRiskReward},
		{"low confidence", func(in *Input) { in.Risk.MinConfidence = 0.95 }, ReasonLowConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := buySetup(98.5)
			tt.mutate(&in)
			sig, err := NewTrendPullback().Evaluate(in)
			if err != nil {
				t.Fatal(err)
			}
			if sig == nil || sig.Status != model.SignalRejected || !strings.HasPrefix(sig.Reason, tt.reason) {
				t.Fatalf("expected REJECTED %s, got %+v", tt.reason, sig)
			}
		})
	}
}

func TestTrendPullback_NoSetup(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *Input)
	}{
		{"no cross", func(in *Input) { in.Snapshot.StochK = 20 }},
		{"bearish body", func(in *Input) { in.Window[29].Open = 100.5 }},
		{"no pullback", func(in *Input) { in.Window[29].Low = 99.9; in.Window[29].Open = 99.95 }},
		{"at vwap", func(in *Input) { in.Snapshot.VWAP = 100.4 }},
		{"regime blocked", func(in *Input) { in.Regime.ShouldTrade = false }},
		{"exhausted k", func(in *Input) { in.Snapshot.PrevStochK, in.Snapshot.PrevStochD, in.Snapshot.StochK = 85, 86, 90 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := buySetup(98.5)
			tt.mutate(&in)
			sig, err := NewTrendPullback().Evaluate(in)
			if err != nil || sig != nil {
				t.Fatalf("expected no signal, got %+v err=%v", sig, err)
			}
		})
	}
}

func TestTrendPullback_NotReady(t *testing.T) {
	in := buySetup(98.5)
	in.Snapshot.Ready = false
	in.Snapshot.NotReady = []string{"StochRSI"}
	if _, err := NewTrendPullback().Evaluate(in); !errors.Is(err, model.ErrIndicatorNotReady) {
		t.Fatalf("expected ErrIndicatorNotReady, got %v", err)
	}
}

func TestTrendPullback_RangingPenaltyLowersConfidence(t *testing.T) {
	in := buySetup(98.5)
	in.Regime = model.RegimeResult{Regime: model.RegimeRanging, Confidence: 0.8, ShouldTrade: true, Penalty: 0.2}
	sig, err := NewTrendPullback().Evaluate(in)
	if err != nil || sig == nil {
		t.Fatalf("%v %v", sig, err)
	}
	if !near(sig.Confidence, 0.7) {
		t.Fatalf("confidence %v, want 0.7", sig.Confidence)
	}
}

func TestSmartEntry_StaysInsideCandle(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		low := 50 + rng.Float64()*50
		high := low + rng.Float64()*5
		o := low + rng.Float64()*(high-low)
		c := low + rng.Float64()*(high-low)
		k := candle(0, o, high, low, c, 1)
		offset := rng.Float64()

		if e := smartEntry(k, model.SideBuy, offset); e < k.Low || e > k.Close {
			t.Fatalf("BUY entry %v outside [%v, %v]", e, k.Low, k.Close)
		}
		if e := smartEntry(k, model.SideSell, offset); e < k.Close || e > k.High {
			t.Fatalf("SELL entry %v outside [%v, %v]", e, k.Close, k.High)
		}
	}
}

func TestPositionSize_FixedFractional(t *testing.T) {
	size := PositionSize(10000, 0.01, 100, 98)
	if size != 50 {
		t.Fatalf("expected 50 units, got %v", size)
	}
	if notional := size * 100; notional != 5000 {
		t.Fatalf("expected $5000 notional, got %v", notional)
	}
	if PositionSize(10000, 0.01, 100, 100) != 0 {
		t.Fatal("zero risk distance must size to 0")
	}
}
