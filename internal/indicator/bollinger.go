package indicator

import (
	"math"

	"futures-enginev1/internal/model"
)

// Bollinger computes SMA(period) ± k·σ of the close, using the population
// standard deviation. Value returns the middle band.
type Bollinger struct {
	period   int
	k        float64
	buf      []float64
	idx      int
	count    int
	mid      float64
	upper    float64
	lower    float64
	percentB float64
	clamped  bool
}

// NewBollinger creates Bollinger Bands (typically 20, 2).
func NewBollinger(period int, k float64) *Bollinger {
	return &Bollinger{period: period, k: k, buf: make([]float64, period)}
}

func (b *Bollinger) Name() string { return "BB" }

func (b *Bollinger) Update(c model.Candle) float64 {
	b.buf[b.idx] = c.Close
	b.idx = (b.idx + 1) % b.period
	b.count++
	b.clamped = false
	if b.count < b.period {
		return 0
	}

	sum := 0.0
	for _, v := range b.buf {
		sum += v
	}
	mean := sum / float64(b.period)
	ss := 0.0
	for _, v := range b.buf {
		d := v - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(b.period))

	b.mid = mean
	b.upper = mean + b.k*std
	b.lower = mean - b.k*std
	if width := b.upper - b.lower; width <= 0 {
		b.clamped = true
		b.percentB = 0.5
	} else {
		b.percentB = (c.Close - b.lower) / width
	}
	return b.mid
}

func (b *Bollinger) Value() float64 { return b.mid }
func (b *Bollinger) Ready() bool    { return b.count >= b.period }
func (b *Bollinger) WarmUp() int    { return b.period }
func (b *Bollinger) Clamped() bool  { return b.clamped }

// Bands returns upper, middle and lower.
func (b *Bollinger) Bands() (upper, mid, lower float64) { return b.upper, b.mid, b.lower }

// PercentB is the close's position within the bands (0 = lower, 1 = upper).
func (b *Bollinger) PercentB() float64 { return b.percentB }

func (b *Bollinger) clone() *Bollinger {
	cp := *b
	cp.buf = append([]float64(nil), b.buf...)
	return &cp
}
