package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"futures-enginev1/internal/model"
)

const haltedState = "HALTED"

// Alerter turns stream events into operator alerts: a symbol halting, a
// fatal error and every closed position.
type Alerter struct {
	n       Notifier
	log     *zap.Logger
	timeout time.Duration
}

func NewAlerter(n Notifier, log *zap.Logger) *Alerter {
	return &Alerter{n: n, log: log, timeout: 10 * time.Second}
}

// Run consumes events until ctx is done or events is closed.
func (a *Alerter) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for _, alert := range Alerts(ev) {
				a.send(ctx, alert)
			}
		}
	}
}

func (a *Alerter) send(ctx context.Context, alert Alert) {
	sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.n.Send(sendCtx, alert); err != nil {
		a.log.Warn("alert delivery failed", zap.String("title", alert.Title), zap.Error(err))
	}
}

// Alerts maps one event to the alerts it raises, if any.
func Alerts(ev model.Event) []Alert {
	switch e := ev.(type) {
	case model.StateChangeEvent:
		if e.To != haltedState {
			return nil
		}
		return []Alert{{
			Level:   AlertCritical,
			Title:   e.Sym + " halted",
			Message: fmt.Sprintf("state %s -> %s on %s", e.From, e.To, e.Trigger),
		}}
	case model.ErrorEvent:
		if !e.Fatal {
			return nil
		}
		return []Alert{{
			Level:   AlertCritical,
			Title:   "fatal error " + e.Code,
			Message: e.Message,
		}}
	case model.PortfolioEvent:
		var out []Alert
		for _, ch := range e.Changes {
			if ch.Type != model.ExecClosed {
				continue
			}
			o := ch.Order
			level := AlertInfo
			if o.ExitReason == model.ExitLiquidation {
				level = AlertWarning
			}
			out = append(out, Alert{
				Level: level,
				Title: fmt.Sprintf("%s %s closed", o.Symbol, o.Side),
				Message: fmt.Sprintf("exit %s at %.4f, realized pnl %.2f, balance %.2f",
					o.ExitReason, o.ExitPrice, o.RealizedPnL, e.Portfolio.Balance),
			})
		}
		return out
	}
	return nil
}
