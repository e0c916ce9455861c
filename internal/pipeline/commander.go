package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"futures-enginev1/internal/logger"
	"futures-enginev1/internal/model"
)

// Commander is the inbound command surface. Commands never touch engine
// state directly; they go through the execution engine and the affected
// workers.
type Commander interface {
	Execute(ctx context.Context, cmd model.Command) error
}

var _ Commander = (*Pipeline)(nil)

// Execute validates and dispatches cmd.
func (p *Pipeline) Execute(ctx context.Context, cmd model.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if logger.TraceID(ctx) == "" {
		ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(string(cmd.Type), p.now()))
	}
	logger.For(ctx, p.log).Info("command", zap.String("type", string(cmd.Type)), zap.String("position_id", cmd.PositionID))
	switch cmd.Type {
	case model.CmdManualClose:
		_, err := p.ClosePosition(ctx, cmd.PositionID, cmd.Price)
		return err
	case model.CmdResetAccount:
		return p.ResetAccount(ctx)
	case model.CmdUpdateRisk:
		return p.UpdateRisk(*cmd.Risk)
	}
	return fmt.Errorf("%w: unknown command %q", model.ErrInvalidOrder, cmd.Type)
}

// ClosePosition closes an open position at price (0 uses the last mark).
func (p *Pipeline) ClosePosition(ctx context.Context, id string, price float64) (model.ExecutionEvent, error) {
	ev, err := p.exec.ClosePosition(ctx, id, price, model.ExitManual)
	if ev.Order.ID == "" {
		return ev, err
	}
	p.route(ctx, []model.ExecutionEvent{ev})
	if err != nil {
		p.fail(nil, ev.At, err)
	}
	return ev, err
}

// ResetAccount cancels every pending order, closes every position, restores
// the initial balance and returns every machine to BOOTSTRAP. It is the
// only way out of HALTED.
func (p *Pipeline) ResetAccount(ctx context.Context) error {
	events, err := p.exec.Reset(ctx, 0)

	bySymbol := make(map[string][]model.ExecutionEvent)
	for _, ev := range events {
		bySymbol[ev.Order.Symbol] = append(bySymbol[ev.Order.Symbol], ev)
	}
	for _, sym := range p.symbols {
		w := p.workers[sym]
		w.mu.Lock()
		w.applyLocked(ctx, bySymbol[sym], false)
		w.machine.Reset()
		w.mu.Unlock()
		delete(bySymbol, sym)
	}
	for sym, evs := range bySymbol {
		p.applySignals(ctx, evs)
		p.publishPortfolio(sym, evs)
	}
	if len(events) == 0 {
		p.publishPortfolio("", nil)
	}
	if err != nil {
		p.fail(nil, p.now(), err)
	}
	return err
}

// UpdateRisk hot-swaps the risk settings. Open orders keep their prices;
// the new cooldown applies from the next exit.
func (p *Pipeline) UpdateRisk(rs model.RiskSettings) error {
	if err := rs.Validate(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidOrder, err)
	}
	p.exec.UpdateRisk(rs)
	p.tracker.SetTTL(time.Duration(rs.SignalTTLSeconds) * time.Second)
	for _, w := range p.workers {
		w.machine.SetCooldownCandles(rs.CooldownCandles)
	}
	p.log.Info("risk settings updated",
		zap.Float64("risk_per_trade", rs.RiskPerTrade),
		zap.Int("max_open_positions", rs.MaxOpenPositions),
		zap.Float64("leverage", rs.Leverage))
	return nil
}
