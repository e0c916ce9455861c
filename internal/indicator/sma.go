package indicator

import "futures-enginev1/internal/model"

// SMA calculates Simple Moving Average over a rolling window.
// Uses a preallocated circular buffer for zero-allocation hot path.
type SMA struct {
	period  int
	src     Source
	buf     []float64 // preallocated circular buffer
	idx     int       // current write position
	count   int       // total values received
	sum     float64
	current float64
}

// NewSMA creates a new SMA over src with the given period.
func NewSMA(period int, src Source) *SMA {
	if src == nil {
		src = SourceClose
	}
	return &SMA{
		period: period,
		src:    src,
		buf:    make([]float64, period),
	}
}

func (s *SMA) Name() string { return "SMA" }

func (s *SMA) Update(candle model.Candle) float64 {
	return s.Add(s.src(candle))
}

// Add feeds a raw value. Used when smoothing another indicator's output.
func (s *SMA) Add(v float64) float64 {
	if s.count >= s.period {
		// Subtract the oldest value being overwritten
		s.sum -= s.buf[s.idx]
	}

	s.buf[s.idx] = v
	s.sum += v
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.idx == 0 {
		// Re-sum once per lap so subtraction error cannot accumulate.
		s.sum = 0
		for _, b := range s.buf {
			s.sum += b
		}
	}

	if s.count >= s.period {
		s.current = s.sum / float64(s.period)
	}
	return s.current
}

func (s *SMA) Value() float64 { return s.current }
func (s *SMA) Ready() bool    { return s.count >= s.period }
func (s *SMA) WarmUp() int    { return s.period }

func (s *SMA) clone() *SMA {
	cp := *s
	cp.buf = append([]float64(nil), s.buf...)
	return &cp
}
