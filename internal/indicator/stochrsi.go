package indicator

import "futures-enginev1/internal/model"

// StochRSI normalises RSI into its own min/max range over stochPeriod, then
// smooths it into K (SMA kPeriod) and D (SMA dPeriod of K). Ready requires the
// previous K and D too so crosses can be read straight off the snapshot.
type StochRSI struct {
	rsi     *RSI
	period  int
	rsiBuf  []float64
	idx     int
	n       int
	k       *SMA
	d       *SMA
	raw     float64
	kVal    float64
	dVal    float64
	prevK   float64
	prevD   float64
	dCount  int
	clamped bool
}

// NewStochRSI creates a StochRSI (typically 14, 14, 3, 3).
func NewStochRSI(rsiPeriod, stochPeriod, kPeriod, dPeriod int) *StochRSI {
	return &StochRSI{
		rsi:    NewRSI(rsiPeriod),
		period: stochPeriod,
		rsiBuf: make([]float64, stochPeriod),
		k:      NewSMA(kPeriod, nil),
		d:      NewSMA(dPeriod, nil),
	}
}

func (s *StochRSI) Name() string { return "StochRSI" }

func (s *StochRSI) Update(c model.Candle) float64 {
	s.clamped = false
	r := s.rsi.Update(c)
	if !s.rsi.Ready() {
		return 0
	}

	s.rsiBuf[s.idx] = r
	s.idx = (s.idx + 1) % s.period
	s.n++
	if s.n < s.period {
		return 0
	}

	lo, hi := s.rsiBuf[0], s.rsiBuf[0]
	for _, v := range s.rsiBuf[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi-lo <= 0 {
		s.clamped = true
		s.raw = 50
	} else {
		s.raw = (r - lo) / (hi - lo) * 100
	}

	s.prevK, s.prevD = s.kVal, s.dVal
	s.kVal = s.k.Add(s.raw)
	if !s.k.Ready() {
		return 0
	}
	s.dVal = s.d.Add(s.kVal)
	if s.d.Ready() {
		s.dCount++
	}
	return s.kVal
}

func (s *StochRSI) Value() float64 { return s.kVal }
func (s *StochRSI) Ready() bool    { return s.dCount >= 2 }
func (s *StochRSI) Clamped() bool  { return s.clamped }

func (s *StochRSI) WarmUp() int {
	return s.rsi.WarmUp() + s.period + s.k.WarmUp() + s.d.WarmUp() - 2
}

// K returns the current and previous K line.
func (s *StochRSI) K() (cur, prev float64) { return s.kVal, s.prevK }

// D returns the current and previous D line.
func (s *StochRSI) D() (cur, prev float64) { return s.dVal, s.prevD }

func (s *StochRSI) clone() *StochRSI {
	cp := *s
	cp.rsi = s.rsi.clone()
	cp.rsiBuf = append([]float64(nil), s.rsiBuf...)
	cp.k = s.k.clone()
	cp.d = s.d.clone()
	return &cp
}
