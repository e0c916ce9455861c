package execution

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"futures-enginev1/internal/logger"
	"futures-enginev1/internal/model"
	"futures-enginev1/internal/portfolio"
)

// OnCandle matches the symbol's pending orders and manages its open
// positions against a forming or closed candle update.
//
// Pending orders ignore the candle that created them. Each later candle
// counts once towards the TTL, on its first update. Fills happen at the
// limit price; the fill candle is checked for liquidation and stop only.
// Open positions check liquidation, then stop, then take-profits in order,
// then trail the stop on the candle extreme.
func (e *Engine) OnCandle(ctx context.Context, c model.Candle) ([]model.ExecutionEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pf.Mark(c.Symbol, c.Close)
	e.advance(c.OpenTime)

	var (
		events  []model.ExecutionEvent
		touched []*model.Order
	)
	for _, o := range e.pf.Active(c.Symbol) {
		var evs []model.ExecutionEvent
		switch o.Status {
		case model.OrderPending:
			evs = e.matchPendingLocked(o, c)
		case model.OrderOpen:
			evs = e.manageOpenLocked(o, c)
		}
		if len(evs) == 0 {
			continue
		}
		events = append(events, evs...)
		touched = append(touched, o)
		if o.ExitReason == model.ExitMerged {
			if _, pos := e.pf.BySymbol(o.Symbol); pos != nil {
				touched = append(touched, pos)
			}
		}
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events, e.persistLocked(ctx, cloneAll(touched))
}

func (e *Engine) matchPendingLocked(o *model.Order, c model.Candle) []model.ExecutionEvent {
	if c.OpenTime.Before(o.LastCandle) || (o.CandlesSeen == 0 && !c.OpenTime.After(o.LastCandle)) {
		return nil
	}
	if c.OpenTime.After(o.LastCandle) {
		o.CandlesSeen++
		o.LastCandle = c.OpenTime
	}
	at := c.OpenTime

	rs := e.risk
	ttl := time.Duration(rs.OrderTTLSeconds) * time.Second
	if (rs.OrderTTLCandles > 0 && o.CandlesSeen > rs.OrderTTLCandles) || (ttl > 0 && c.OpenTime.Sub(o.CreatedAt) >= ttl) {
		return []model.ExecutionEvent{e.endPendingLocked(o, model.OrderExpired, at)}
	}

	reached := c.Low <= o.EntryPrice
	if o.Side == model.SideSell {
		reached = c.High >= o.EntryPrice
	}
	if !reached {
		return nil
	}

	_, pos := e.pf.BySymbol(o.Symbol)
	o.Status = model.OrderOpen
	o.OpenTime = &at
	o.UpdatedAt = at
	o.TrailingExtreme = o.EntryPrice
	o.LiquidationPrice = portfolio.LiquidationPrice(o.EntryPrice, o.Side, o.Leverage, rs.MaintenanceMarginRate)

	if pos != nil && pos.Side == o.Side {
		return []model.ExecutionEvent{e.mergeLocked(pos, o, at)}
	}

	e.log.Info("order filled",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.Float64("price", o.EntryPrice),
		zap.Float64("liq", o.LiquidationPrice),
	)
	events := []model.ExecutionEvent{{
		Type: model.ExecFilled, Order: o.Clone(), Price: o.EntryPrice, Quantity: o.Quantity, At: at,
	}}
	if ev, ok := e.checkStopsLocked(o, c); ok {
		events = append(events, ev)
	}
	return events
}

// mergeLocked folds a filled order into the same-side open position by
// averaging the entry. The position keeps its stop and targets.
func (e *Engine) mergeLocked(pos, o *model.Order, at time.Time) model.ExecutionEvent {
	qty := pos.Quantity + o.Quantity
	pos.EntryPrice = (pos.EntryPrice*pos.Quantity + o.EntryPrice*o.Quantity) / qty
	pos.Quantity = qty
	pos.InitialQuantity += o.InitialQuantity
	pos.Margin += o.Margin
	pos.Leverage = pos.EntryPrice * pos.Quantity / pos.Margin
	pos.LiquidationPrice = portfolio.LiquidationPrice(pos.EntryPrice, pos.Side, pos.Leverage, e.risk.MaintenanceMarginRate)
	pos.UpdatedAt = at

	o.Status = model.OrderClosed
	o.ExitReason = model.ExitMerged
	o.ExitPrice = o.EntryPrice
	o.Margin = 0
	o.CloseTime = &at
	e.pf.Remove(o.ID)

	e.log.Info("order merged into position", zap.String("order_id", o.ID), zap.String("position_id", pos.ID))
	return model.ExecutionEvent{Type: model.ExecFilled, Order: o.Clone(), Price: o.ExitPrice, Quantity: o.InitialQuantity, At: at}
}

func (e *Engine) manageOpenLocked(o *model.Order, c model.Candle) []model.ExecutionEvent {
	if c.OpenTime.Before(o.LastCandle) {
		return nil
	}
	o.LastCandle = c.OpenTime
	if ev, ok := e.checkStopsLocked(o, c); ok {
		return []model.ExecutionEvent{ev}
	}
	if o.OpenTime != nil && c.OpenTime.Equal(*o.OpenTime) {
		return nil
	}
	events := e.takeProfitsLocked(o, c)
	if o.Status != model.OrderOpen {
		return events
	}
	if ev, ok := e.trailLocked(o, c); ok {
		events = append(events, ev)
	}
	return events
}

// checkStopsLocked closes o on liquidation or stop-loss, in that order.
func (e *Engine) checkStopsLocked(o *model.Order, c model.Candle) (model.ExecutionEvent, bool) {
	at := c.OpenTime
	long := o.Side == model.SideBuy
	if liq := o.LiquidationPrice; liq > 0 && ((long && c.Low <= liq) || (!long && c.High >= liq)) {
		return e.closeLocked(o, liq, model.ExitLiquidation, at), true
	}
	if (long && c.Low <= o.StopLoss) || (!long && c.High >= o.StopLoss) {
		reason := model.ExitStopLoss
		if o.StopLoss != o.InitialStopLoss {
			reason = model.ExitTrailingStop
		}
		return e.closeLocked(o, o.StopLoss, reason, at), true
	}
	return model.ExecutionEvent{}, false
}

// takeProfitsLocked walks TP levels in order. Each hit closes its fraction
// of the initial quantity; the last level closes what remains.
func (e *Engine) takeProfitsLocked(o *model.Order, c model.Candle) []model.ExecutionEvent {
	var events []model.ExecutionEvent
	sign := o.Side.Sign()
	for i := range o.TPLevels {
		tp := &o.TPLevels[i]
		if tp.Hit {
			continue
		}
		if (o.Side == model.SideBuy && c.High < tp.Price) || (o.Side == model.SideSell && c.Low > tp.Price) {
			break
		}
		tp.Hit = true
		qty := tp.CloseFraction * o.InitialQuantity
		if i == len(o.TPLevels)-1 || qty >= o.Quantity-1e-12 {
			return append(events, e.closeLocked(o, tp.Price, model.ExitTakeProfit, c.OpenTime))
		}

		pnl := (tp.Price - o.EntryPrice) * qty * sign
		released := o.Margin * qty / o.Quantity
		o.Margin -= released
		o.Quantity -= qty
		o.RealizedPnL += pnl
		o.UpdatedAt = c.OpenTime
		e.pf.Release(released)
		e.pf.Realize(pnl)
		e.ledger.Record(trade(o, qty, tp.Price, pnl, model.ExitTakeProfit, c.OpenTime), false)

		e.log.Info("take profit",
			zap.String("order_id", o.ID),
			zap.Int("level", i+1),
			zap.Float64("price", tp.Price),
			zap.Float64("qty", qty),
			zap.Float64("pnl", pnl),
		)
		events = append(events, model.ExecutionEvent{
			Type: model.ExecPartialClose, Order: o.Clone(), Price: tp.Price, Quantity: qty, PnL: pnl, At: c.OpenTime,
		})
	}
	return events
}

// trailLocked arms breakeven and trails the stop behind the best price.
// The stop only ever moves in the protective direction.
func (e *Engine) trailLocked(o *model.Order, c model.Candle) (model.ExecutionEvent, bool) {
	rs := e.risk
	sign := o.Side.Sign()
	if o.Side == model.SideBuy {
		o.TrailingExtreme = max(o.TrailingExtreme, c.High)
	} else {
		o.TrailingExtreme = min(o.TrailingExtreme, c.Low)
	}
	profit := (o.TrailingExtreme - o.EntryPrice) / o.EntryPrice * sign

	stop := o.StopLoss
	if rs.TrailingBreakevenPct > 0 && profit >= rs.TrailingBreakevenPct {
		o.BreakevenArmed = true
		if (o.EntryPrice-stop)*sign > 0 {
			stop = o.EntryPrice
		}
	}
	if rs.TrailingTrailPct > 0 && profit >= rs.TrailingTrailPct {
		if cand := o.TrailingExtreme * (1 - sign*rs.TrailingOffsetPct); (cand-stop)*sign > 0 {
			stop = cand
		}
	}
	if stop == o.StopLoss {
		return model.ExecutionEvent{}, false
	}
	o.StopLoss = stop
	o.UpdatedAt = c.OpenTime
	return model.ExecutionEvent{Type: model.ExecStopMoved, Order: o.Clone(), Price: stop, At: c.OpenTime}, true
}

// closeLocked closes the remaining quantity at price. The loss never
// exceeds the margin held by the position.
func (e *Engine) closeLocked(o *model.Order, price float64, reason string, at time.Time) model.ExecutionEvent {
	qty := o.Quantity
	pnl := (price - o.EntryPrice) * qty * o.Side.Sign()
	if reason == model.ExitLiquidation || pnl < -o.Margin {
		pnl = -o.Margin
	}
	e.pf.Release(o.Margin)
	e.pf.Realize(pnl)
	e.ledger.Record(trade(o, qty, price, pnl, reason, at), true)

	o.Status = model.OrderClosed
	o.ExitPrice = price
	o.ExitReason = reason
	o.RealizedPnL += pnl
	o.Quantity = 0
	o.Margin = 0
	o.CloseTime = &at
	o.UpdatedAt = at
	e.pf.Remove(o.ID)

	e.log.Info("position closed",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("reason", reason),
		zap.Float64("price", price),
		zap.Float64("pnl", pnl),
		zap.Float64("total_pnl", o.RealizedPnL),
	)
	return model.ExecutionEvent{Type: model.ExecClosed, Order: o.Clone(), Price: price, Quantity: qty, PnL: pnl, At: at}
}

// endPendingLocked moves a pending order to EXPIRED or CANCELLED and
// releases its margin.
func (e *Engine) endPendingLocked(o *model.Order, status model.OrderStatus, at time.Time) model.ExecutionEvent {
	e.pf.Release(o.Margin)
	o.Status = status
	o.Margin = 0
	o.CloseTime = &at
	o.UpdatedAt = at
	e.pf.Remove(o.ID)

	typ := model.ExecExpired
	if status == model.OrderCancelled {
		typ = model.ExecCancelled
	}
	e.log.Info("order ended", zap.String("order_id", o.ID), zap.String("status", string(status)), zap.Int("candles_seen", o.CandlesSeen))
	return model.ExecutionEvent{Type: typ, Order: o.Clone(), At: at}
}

// ExpireStale expires pending orders whose TTL in seconds has elapsed at
// now. It covers feeds that stall before the next candle arrives.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) ([]model.ExecutionEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ttl := time.Duration(e.risk.OrderTTLSeconds) * time.Second
	if ttl <= 0 {
		return nil, nil
	}
	var (
		events  []model.ExecutionEvent
		touched []*model.Order
	)
	for _, o := range e.pf.Active("") {
		if o.Status == model.OrderPending && now.Sub(o.CreatedAt) >= ttl {
			events = append(events, e.endPendingLocked(o, model.OrderExpired, now))
			touched = append(touched, o)
		}
	}
	if len(events) == 0 {
		return nil, nil
	}
	e.advance(now)
	return events, e.persistLocked(ctx, cloneAll(touched))
}

// ClosePosition closes an open position at price, or at the last mark when
// price is 0.
func (e *Engine) ClosePosition(ctx context.Context, id string, price float64, reason string) (model.ExecutionEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.pf.Get(id)
	if !ok || o.Status != model.OrderOpen {
		return model.ExecutionEvent{}, fmt.Errorf("%w: open position %s", model.ErrNotFound, id)
	}
	if price <= 0 {
		price = e.pf.MarkPrice(o.Symbol)
	}
	if price <= 0 {
		price = o.EntryPrice
	}
	if reason == "" {
		reason = model.ExitManual
	}
	at := e.now()
	e.advance(at)
	ev := e.closeLocked(o, price, reason, at)
	return ev, e.persistLocked(ctx, []model.Order{ev.Order})
}

// CancelOrder cancels a pending order and releases its margin.
func (e *Engine) CancelOrder(ctx context.Context, id string) (model.ExecutionEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.pf.Get(id)
	if !ok || o.Status != model.OrderPending {
		return model.ExecutionEvent{}, fmt.Errorf("%w: pending order %s", model.ErrNotFound, id)
	}
	at := e.now()
	e.advance(at)
	ev := e.endPendingLocked(o, model.OrderCancelled, at)
	return ev, e.persistLocked(ctx, []model.Order{ev.Order})
}

// Reset cancels every pending order, closes every position at its last
// mark and restarts the account from balance (the configured initial
// balance when balance <= 0).
func (e *Engine) Reset(ctx context.Context, balance float64) ([]model.ExecutionEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if balance <= 0 {
		balance = e.risk.InitialBalance
	}
	at := e.now()
	e.advance(at)

	var events []model.ExecutionEvent
	for _, o := range e.pf.Active("") {
		if o.Status == model.OrderPending {
			events = append(events, e.endPendingLocked(o, model.OrderCancelled, at))
			continue
		}
		px := e.pf.MarkPrice(o.Symbol)
		if px <= 0 {
			px = o.EntryPrice
		}
		events = append(events, e.closeLocked(o, px, model.ExitReset, at))
	}
	e.pf.Reset(balance)
	e.ledger.Reset(balance)
	logger.For(ctx, e.log).Warn("account reset", zap.Float64("balance", balance), zap.Int("orders_closed", len(events)))

	orders := make([]model.Order, len(events))
	for i, ev := range events {
		orders[i] = ev.Order
	}
	return events, e.persistLocked(ctx, orders)
}

func trade(o *model.Order, qty, price, pnl float64, reason string, at time.Time) portfolio.Trade {
	return portfolio.Trade{
		OrderID: o.ID, Symbol: o.Symbol, Side: o.Side, Quantity: qty,
		Entry: o.EntryPrice, Exit: price, PnL: pnl, Reason: reason, Timestamp: at,
	}
}

func cloneAll(orders []*model.Order) []model.Order {
	out := make([]model.Order, len(orders))
	for i, o := range orders {
		out[i] = o.Clone()
	}
	return out
}
