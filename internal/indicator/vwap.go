package indicator

import (
	"time"

	"futures-enginev1/internal/model"
	"futures-enginev1/internal/session"
)

// VWAP is the session volume-weighted average of the typical price. The
// accumulators reset when a candle opens in a new session.
type VWAP struct {
	boundary     session.Boundary
	sessionStart time.Time
	cumPV        float64
	cumV         float64
	count        int // candles in the current session
	current      float64
	clamped      bool
}

// NewVWAP creates a VWAP that resets at the given daily boundary.
func NewVWAP(b session.Boundary) *VWAP {
	return &VWAP{boundary: b}
}

func (v *VWAP) Name() string { return "VWAP" }

func (v *VWAP) Update(c model.Candle) float64 {
	start := v.boundary.Start(c.OpenTime)
	if !start.Equal(v.sessionStart) {
		v.sessionStart = start
		v.cumPV, v.cumV, v.count = 0, 0, 0
	}

	tp := SourceTypical(c)
	v.cumPV += tp * c.Volume
	v.cumV += c.Volume
	v.count++

	v.clamped = v.cumV <= 0
	if v.clamped {
		// No volume traded yet this session.
		v.current = tp
	} else {
		v.current = v.cumPV / v.cumV
	}
	return v.current
}

func (v *VWAP) Value() float64 { return v.current }
func (v *VWAP) Ready() bool    { return v.count > 0 }
func (v *VWAP) WarmUp() int    { return 1 }
func (v *VWAP) Clamped() bool  { return v.clamped }

func (v *VWAP) clone() *VWAP {
	cp := *v
	return &cp
}
