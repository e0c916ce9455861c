package indicator

import (
	"errors"
	"math"
	"testing"

	"futures-enginev1/internal/model"
)

func TestEngine_NotReadyUntilWarmUp(t *testing.T) {
	e := NewEngine("BTCUSDT", "15m", DefaultConfig(), nil)
	warm := e.WarmUp()
	if warm != 33 {
		t.Fatalf("expected engine warm-up 33 (StochRSI), got %d", warm)
	}

	for i := 0; i < warm-1; i++ {
		snap, err := e.Process(makeCandle(i, wave(i)))
		if err != nil {
			t.Fatalf("candle %d: %v", i, err)
		}
		if snap.Ready {
			t.Fatalf("candle %d: engine ready before warm-up", i)
		}
		if len(snap.NotReady) == 0 {
			t.Fatalf("candle %d: expected NotReady list", i)
		}
	}
	snap, err := e.Process(makeCandle(warm-1, wave(warm-1)))
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Ready || len(snap.NotReady) != 0 {
		t.Fatalf("expected ready snapshot, not ready: %v", snap.NotReady)
	}
	for name, v := range map[string]float64{
		"vwap": snap.VWAP, "bb_mid": snap.BBMid, "atr": snap.ATR, "adx": snap.ADX, "volume_sma": snap.VolumeSMA,
	} {
		if v <= 0 || math.IsNaN(v) {
			t.Errorf("%s = %v", name, v)
		}
	}
	if snap.BBUpper < snap.BBMid || snap.BBLower > snap.BBMid {
		t.Errorf("band ordering broken: %+v", snap)
	}
}

func TestEngine_RejectsOutOfOrderAndProvisional(t *testing.T) {
	e := NewEngine("BTCUSDT", "15m", DefaultConfig(), nil)
	if _, err := e.Process(makeCandle(5, 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Process(makeCandle(5, 101)); !errors.Is(err, model.ErrDataError) {
		t.Fatalf("duplicate candle: expected ErrDataError, got %v", err)
	}
	if _, err := e.Process(makeCandle(4, 101)); !errors.Is(err, model.ErrDataError) {
		t.Fatalf("older candle: expected ErrDataError, got %v", err)
	}
	forming := makeCandle(6, 101)
	forming.IsClosed = false
	if _, err := e.Process(forming); !errors.Is(err, model.ErrDataError) {
		t.Fatalf("provisional candle: expected ErrDataError, got %v", err)
	}
	other := makeCandle(7, 101)
	other.Symbol = "ETHUSDT"
	if _, err := e.Process(other); !errors.Is(err, model.ErrDataError) {
		t.Fatalf("wrong symbol: expected ErrDataError, got %v", err)
	}
	if e.Seen() != 1 {
		t.Fatalf("rejected candles must not be counted, seen=%d", e.Seen())
	}
}

func TestEngine_PeekDoesNotMutate(t *testing.T) {
	e := NewEngine("BTCUSDT", "15m", DefaultConfig(), nil)
	for i := 0; i < 40; i++ {
		if _, err := e.Process(makeCandle(i, wave(i))); err != nil {
			t.Fatal(err)
		}
	}
	before := e.Last()

	forming := makeCandle(40, wave(40)+20)
	forming.IsClosed = false
	peek, err := e.Peek(forming)
	if err != nil {
		t.Fatal(err)
	}
	if !peek.Provisional {
		t.Fatal("peek snapshot must be provisional")
	}
	if peek.BBMid == before.BBMid {
		t.Fatal("peek should reflect the forming candle")
	}

	// The closed candle must produce the same result as if Peek never ran.
	ref := NewEngine("BTCUSDT", "15m", DefaultConfig(), nil)
	for i := 0; i < 41; i++ {
		ref.Process(makeCandle(i, wave(i)))
	}
	got, err := e.Process(makeCandle(40, wave(40)))
	if err != nil {
		t.Fatal(err)
	}
	want := ref.Last()
	if got.VWAP != want.VWAP || got.StochK != want.StochK || got.ADX != want.ADX || got.ATR != want.ATR {
		t.Fatalf("peek leaked into state: got %+v want %+v", got, want)
	}
	if len(e.Window(0)) != 41 {
		t.Fatalf("window should hold 41 closed candles, got %d", len(e.Window(0)))
	}
}

func TestEngine_WindowBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 16
	e := NewEngine("BTCUSDT", "15m", cfg, nil)
	for i := 0; i < 50; i++ {
		e.Process(makeCandle(i, wave(i)))
	}
	w := e.Window(0)
	if len(w) != 16 {
		t.Fatalf("expected 16 candles, got %d", len(w))
	}
	if !w[15].OpenTime.Equal(makeCandle(49, 0).OpenTime) {
		t.Fatalf("window should end at the newest candle")
	}
}
