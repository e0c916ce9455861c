package regime

import (
	"math"

	"futures-enginev1/internal/model"
)

// Rules is the deterministic fallback classifier: trend strength decides
// trending vs ranging, the volatility percentile within the window decides
// high vs low volatility.
type Rules struct {
	TrendThreshold    float64 // normalised trend strength, 0..1
	HighVolPercentile float64 // 0..1
}

// Classify labels latest against the observation window.
func (r Rules) Classify(latest Observation, window []Observation) model.RegimeResult {
	th := r.TrendThreshold
	if th <= 0 {
		th = 0.25
	}
	trend := latest[FeatTrend]

	var regime model.Regime
	var margin float64
	if trend >= th {
		regime = model.RegimeTrendingLowVol
		if volPercentile(latest[FeatVolatility], window) >= r.HighVolPercentile {
			regime = model.RegimeTrendingHighVol
		}
		margin = (trend - th) / th
	} else {
		regime = model.RegimeRanging
		margin = (th - trend) / th
	}
	conf := 0.5 + 0.5*math.Min(1, margin)

	res := model.RegimeResult{Regime: regime, Confidence: conf, Source: "rules"}
	for i, reg := range model.Regimes {
		if reg == regime {
			res.Probabilities[i] = conf
		} else {
			res.Probabilities[i] = (1 - conf) / 2
		}
	}
	return res
}

// volPercentile is the fraction of window volatilities <= v.
func volPercentile(v float64, window []Observation) float64 {
	if len(window) == 0 {
		return 0
	}
	le := 0
	for _, o := range window {
		if o[FeatVolatility] <= v {
			le++
		}
	}
	return float64(le) / float64(len(window))
}
