package model

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Candle is one OHLCV bar for a symbol and timeframe. IsClosed distinguishes
// final bars from provisional updates of the bar that is still forming.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"` // e.g. "15m"
	OpenTime  time.Time `json:"open_time"` // bucket start (UTC)
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	IsClosed  bool      `json:"is_closed"`
}

// Key returns "symbol:timeframe".
func (c *Candle) Key() string {
	return c.Symbol + ":" + c.Timeframe
}

// CloseTime returns the end of the candle's bucket. Unknown timeframes
// return OpenTime.
func (c *Candle) CloseTime() time.Time {
	d, err := ParseTimeframe(c.Timeframe)
	if err != nil {
		return c.OpenTime
	}
	return c.OpenTime.Add(d)
}

// Validate reports a DataError for malformed or missing fields.
func (c *Candle) Validate() error {
	switch {
	case c.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrDataError)
	case c.Timeframe == "":
		return fmt.Errorf("%w: %s missing timeframe", ErrDataError, c.Symbol)
	case c.OpenTime.IsZero():
		return fmt.Errorf("%w: %s missing open_time", ErrDataError, c.Key())
	}
	for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("%w: %s non-positive or non-finite price %v", ErrDataError, c.Key(), v)
		}
	}
	if math.IsNaN(c.Volume) || math.IsInf(c.Volume, 0) || c.Volume < 0 {
		return fmt.Errorf("%w: %s invalid volume %v", ErrDataError, c.Key(), c.Volume)
	}
	if c.High < c.Low {
		return fmt.Errorf("%w: %s high %.8f < low %.8f", ErrDataError, c.Key(), c.High, c.Low)
	}
	if c.Open > c.High || c.Open < c.Low || c.Close > c.High || c.Close < c.Low {
		return fmt.Errorf("%w: %s open/close outside high-low range", ErrDataError, c.Key())
	}
	return nil
}

// ParseTimeframe converts labels like "1m", "15m", "4h", "1d" to a duration.
func ParseTimeframe(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid timeframe %q", tf)
}
