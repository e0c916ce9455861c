// Package regime classifies market state from engineered candle features
// using a Gaussian hidden Markov model, with a threshold-rule fallback.
package regime

import (
	"math"

	"futures-enginev1/internal/model"
)

// Feature indices within an Observation.
const (
	FeatReturnZ = iota
	FeatVolatility
	FeatTrend
	FeatVolumeRatio
	NumFeatures
)

// Observation is one feature vector.
type Observation [NumFeatures]float64

// features turns closed candles into observations. It keeps a rolling
// window of log returns.
type features struct {
	period    int
	prevClose float64
	hasPrev   bool
	rets      []float64
	idx       int
	n         int
}

func newFeatures(period int) *features {
	if period < 2 {
		period = 20
	}
	return &features{period: period, rets: make([]float64, period)}
}

// next returns the observation for c, or false during warm-up.
func (f *features) next(c model.Candle, snap model.IndicatorSnapshot) (Observation, bool) {
	var o Observation
	if !f.hasPrev {
		f.prevClose, f.hasPrev = c.Close, true
		return o, false
	}
	r := math.Log(c.Close / f.prevClose)
	f.prevClose = c.Close

	f.rets[f.idx] = r
	f.idx = (f.idx + 1) % f.period
	f.n++
	if f.n < f.period {
		return o, false
	}

	mean, sumAbs, sum := 0.0, 0.0, 0.0
	for _, v := range f.rets {
		sum += v
		sumAbs += math.Abs(v)
	}
	mean = sum / float64(f.period)
	ss := 0.0
	for _, v := range f.rets {
		d := v - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(f.period))

	if std > 0 {
		o[FeatReturnZ] = (r - mean) / std
	}
	o[FeatVolatility] = std

	switch {
	case snap.ADX > 0:
		o[FeatTrend] = snap.ADX / 100
	case sumAbs > 0:
		// Efficiency ratio until ADX is warm.
		o[FeatTrend] = math.Abs(sum) / sumAbs
	}

	o[FeatVolumeRatio] = 1
	if snap.VolumeSMA > 0 {
		o[FeatVolumeRatio] = c.Volume / snap.VolumeSMA
	}
	return o, true
}
