// Package indicator implements incremental technical indicators that
// consume closed candles one at a time.
package indicator

import "futures-enginev1/internal/model"

// Indicator is the interface all calculators implement.
// Update must be O(1) or O(period) per candle with no history rescans.
type Indicator interface {
	// Name returns the indicator label (e.g. "VWAP", "ADX").
	Name() string

	// Update feeds a closed candle and returns the primary output.
	Update(c model.Candle) float64

	// Value returns the current primary output.
	Value() float64

	// Ready returns true once warm-up is complete. Before that Value is not
	// a valid zero.
	Ready() bool

	// WarmUp is the number of candles needed before Ready.
	WarmUp() int
}

// Clamper is implemented by calculators that clamp degenerate inputs
// (e.g. a flat range) instead of dividing by zero.
type Clamper interface {
	// Clamped reports whether the last Update hit a degenerate case.
	Clamped() bool
}

// Source extracts the input series from a candle.
type Source func(c model.Candle) float64

// SourceClose selects the close price.
func SourceClose(c model.Candle) float64 { return c.Close }

// SourceVolume selects traded volume.
func SourceVolume(c model.Candle) float64 { return c.Volume }

// SourceTypical selects (high+low+close)/3.
func SourceTypical(c model.Candle) float64 { return (c.High + c.Low + c.Close) / 3 }

func trueRange(c model.Candle, prevClose float64, hasPrev bool) float64 {
	tr := c.High - c.Low
	if !hasPrev {
		return tr
	}
	if v := abs(c.High - prevClose); v > tr {
		tr = v
	}
	if v := abs(c.Low - prevClose); v > tr {
		tr = v
	}
	return tr
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
