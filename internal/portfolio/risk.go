package portfolio

import (
	"fmt"

	"futures-enginev1/internal/model"
)

// CanOpen checks a new order for symbol against the portfolio limits:
// one pending order per symbol, no opposite-side position, the
// max_open_positions symbol cap, and enough free balance for margin.
func (p *Portfolio) CanOpen(symbol string, side model.Side, margin float64, rs model.RiskSettings) error {
	pending, open := p.BySymbol(symbol)
	if pending != nil {
		return fmt.Errorf("%w: %s already has pending order %s", model.ErrRiskLimitExceeded, symbol, pending.ID)
	}
	if open != nil && open.Side != side {
		return fmt.Errorf("%w: %s has an open %s position", model.ErrRiskLimitExceeded, symbol, open.Side)
	}
	syms := p.symbols()
	if _, held := syms[symbol]; !held && rs.MaxOpenPositions > 0 && len(syms) >= rs.MaxOpenPositions {
		return fmt.Errorf("%w: max open positions (%d) reached", model.ErrRiskLimitExceeded, rs.MaxOpenPositions)
	}
	if p.locked+margin > p.balance+1e-9 {
		return fmt.Errorf("%w: margin %.2f exceeds available %.2f", model.ErrRiskLimitExceeded, margin, p.Available())
	}
	return nil
}

// LiquidationPrice is entry × (1 − 1/leverage + mmr) for longs and
// entry × (1 + 1/leverage − mmr) for shorts.
func LiquidationPrice(entry float64, side model.Side, leverage, mmr float64) float64 {
	if leverage <= 0 {
		return 0
	}
	if side == model.SideBuy {
		return entry * (1 - 1/leverage + mmr)
	}
	return entry * (1 + 1/leverage - mmr)
}

// Margin is the collateral for qty at price and leverage.
func Margin(price, qty, leverage float64) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	return price * qty / leverage
}
