package strategy

import (
	"math"

	"futures-enginev1/internal/model"
)

// bodyStrength is |close-open| / (high-low), 0 for a zero-range candle.
func bodyStrength(c model.Candle) float64 {
	rng := c.High - c.Low
	if rng <= 0 {
		return 0
	}
	return math.Abs(c.Close-c.Open) / rng
}

// smartEntry offsets the limit price from the close into the candle body,
// proportionally to body strength. BUY stays within [low, close], SELL
// within [close, high].
func smartEntry(c model.Candle, side model.Side, offset float64) float64 {
	shift := math.Abs(c.Close-c.Open) * offset * bodyStrength(c)
	if side == model.SideBuy {
		return clamp(c.Close-shift, c.Low, c.Close)
	}
	return clamp(c.Close+shift, c.Close, c.High)
}

// stopLoss places the stop beyond the nearest confirmed swing point on the
// protective side of entry, falling back to an ATR multiple, and clamps the
// distance to MaxStopDistancePct of entry.
func stopLoss(window []model.Candle, entry float64, side model.Side, atr float64, rs model.RiskSettings) float64 {
	sign := side.Sign()
	var stop float64
	if level, ok := nearestSwing(window, entry, side, rs.SwingLookback, rs.SwingPivot); ok {
		stop = level - sign*rs.SwingBufferATR*atr
	} else if atr > 0 {
		stop = entry - sign*rs.ATRStopMultiple*atr
	} else {
		stop = entry * (1 - sign*rs.MaxStopDistancePct)
	}

	maxDist := entry * rs.MaxStopDistancePct
	if (entry-stop)*sign > maxDist {
		stop = entry - sign*maxDist
	}
	return stop
}

// nearestSwing returns the swing low below entry (BUY) or swing high above
// entry (SELL) closest to entry in price. A swing needs pivot candles on
// both sides, so the newest pivot candles cannot qualify.
func nearestSwing(window []model.Candle, entry float64, side model.Side, lookback, pivot int) (float64, bool) {
	if pivot < 1 {
		pivot = 1
	}
	n := len(window)
	first := pivot
	if lookback > 0 && n-lookback > first {
		first = n - lookback
	}
	found := false
	best := 0.0
	for i := n - 1 - pivot; i >= first; i-- {
		if side == model.SideBuy {
			lvl := window[i].Low
			if lvl >= entry || !isPivot(window, i, pivot, true) {
				continue
			}
			if !found || lvl > best {
				best, found = lvl, true
			}
		} else {
			lvl := window[i].High
			if lvl <= entry || !isPivot(window, i, pivot, false) {
				continue
			}
			if !found || lvl < best {
				best, found = lvl, true
			}
		}
	}
	return best, found
}

// isPivot reports whether candle i is strictly beyond its k left
// neighbours and at least as extreme as its k right neighbours.
func isPivot(w []model.Candle, i, k int, low bool) bool {
	for j := 1; j <= k; j++ {
		if low {
			if !(w[i].Low < w[i-j].Low) || w[i+j].Low < w[i].Low {
				return false
			}
		} else if !(w[i].High > w[i-j].High) || w[i+j].High > w[i].High {
			return false
		}
	}
	return true
}

// takeProfits sets TP_i = entry ± multiple_i × risk.
func takeProfits(entry, risk float64, side model.Side, rs model.RiskSettings) []model.TPLevel {
	tps := make([]model.TPLevel, len(rs.TPMultiples))
	for i, m := range rs.TPMultiples {
		tps[i] = model.TPLevel{
			Price:         entry + side.Sign()*m*risk,
			CloseFraction: rs.TPFractions[i],
		}
	}
	return tps
}

// rewardRisk measures reward to the structural target (the outer Bollinger
// band or the swing extreme over lookback, whichever is further) per unit
// of risk.
func rewardRisk(window []model.Candle, s model.IndicatorSnapshot, entry, risk float64, side model.Side, lookback int) float64 {
	if risk <= 0 {
		return 0
	}
	w := window
	if lookback > 0 && len(w) > lookback {
		w = w[len(w)-lookback:]
	}
	var reward float64
	if side == model.SideBuy {
		target := s.BBUpper
		for _, c := range w {
			target = math.Max(target, c.High)
		}
		reward = target - entry
	} else {
		target := s.BBLower
		for _, c := range w {
			if target <= 0 || c.Low < target {
				target = c.Low
			}
		}
		reward = entry - target
	}
	if reward <= 0 {
		return 0
	}
	return reward / risk
}

// PositionSize is fixed-fractional sizing: equity × riskPct / |entry − stop|.
func PositionSize(equity, riskPct, entry, stop float64) float64 {
	perUnit := math.Abs(entry - stop)
	if perUnit == 0 {
		return 0
	}
	return equity * riskPct / perUnit
}

// Confidence blends condition confluence (0..1) with the regime's own
// confidence and subtracts any regime penalty.
func Confidence(confluence float64, r model.RegimeResult) float64 {
	return clamp(0.5*confluence+0.5*r.Confidence-r.Penalty, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
