package indicator

import "futures-enginev1/internal/model"

// RSI calculates the Relative Strength Index using Wilder's smoothing method.
// Update is O(1) per candle.
type RSI struct {
	period    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	current   float64
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string { return "RSI" }

func (r *RSI) Update(candle model.Candle) float64 {
	return r.Add(candle.Close)
}

// Add feeds one close price.
func (r *RSI) Add(price float64) float64 {
	r.count++

	if r.count == 1 {
		// First candle: just record price, no delta yet
		r.prevClose = price
		return 0
	}

	delta := price - r.prevClose
	r.prevClose = price

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	if r.count <= r.period+1 {
		// Accumulation phase: build initial averages
		r.avgGain += gain
		r.avgLoss += loss
		if r.count < r.period+1 {
			return 0
		}
		r.avgGain /= float64(r.period)
		r.avgLoss /= float64(r.period)
	} else {
		p := float64(r.period)
		r.avgGain = (r.avgGain*(p-1) + gain) / p
		r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	}

	switch {
	case r.avgLoss == 0 && r.avgGain == 0:
		r.current = 50
	case r.avgLoss == 0:
		r.current = 100
	default:
		rs := r.avgGain / r.avgLoss
		r.current = 100 - 100/(1+rs)
	}
	return r.current
}

func (r *RSI) Value() float64 { return r.current }
func (r *RSI) Ready() bool    { return r.count > r.period }
func (r *RSI) WarmUp() int    { return r.period + 1 }

func (r *RSI) clone() *RSI {
	cp := *r
	return &cp
}
