package timescale

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"futures-enginev1/config"
	"futures-enginev1/internal/model"
)

func TestNew_DisabledReturnsNil(t *testing.T) {
	a, err := New(config.TimescaleConfig{}, zap.NewNop())
	if err != nil || a != nil {
		t.Fatalf("expected nil archive when disabled, got %v %v", a, err)
	}
	// Nil archive is inert.
	a.Start(context.Background())
	a.EnqueueCandle(model.Candle{})
	a.EnqueueSnapshot(model.PortfolioSnapshot{})
	if a.Dropped() != 0 || a.Close() != nil || a.Ping(context.Background()) != nil {
		t.Fatal("nil archive must be a no-op")
	}
}

func TestNew_EnabledRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true, DSN: "  "}, zap.NewNop()); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestArchive_QueueDropsWhenFull(t *testing.T) {
	a := newArchive(nil, "", 1, nil)
	a.EnqueueCandle(model.Candle{Symbol: "BTCUSDT"})
	a.EnqueueCandle(model.Candle{Symbol: "BTCUSDT"})
	a.EnqueueSnapshot(model.PortfolioSnapshot{})
	a.EnqueueSnapshot(model.PortfolioSnapshot{})
	if got := a.Dropped(); got != 2 {
		t.Fatalf("expected 2 drops, got %d", got)
	}
	if a.table("candles") != "public.candles" {
		t.Fatalf("unexpected table name %s", a.table("candles"))
	}
}

func TestArchive_OnlyTradeExecutionsArchived(t *testing.T) {
	a := newArchive(nil, "archive", 4, nil)
	for _, typ := range []model.ExecutionEventType{
		model.ExecFilled, model.ExecStopMoved, model.ExecExpired, model.ExecPartialClose, model.ExecClosed, model.ExecCancelled,
	} {
		a.EnqueueExecution(model.ExecutionEvent{Type: typ})
	}
	if got := len(a.fills); got != 3 {
		t.Fatalf("expected 3 queued executions, got %d", got)
	}
	if a.table("executions") != "archive.executions" {
		t.Fatalf("unexpected table name %s", a.table("executions"))
	}
}
