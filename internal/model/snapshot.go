package model

import "time"

// IndicatorSnapshot holds the indicator values computed for one candle.
// Values are meaningful only when Ready is true.
type IndicatorSnapshot struct {
	Symbol      string    `json:"symbol"`
	Timeframe   string    `json:"timeframe"`
	OpenTime    time.Time `json:"open_time"`
	VWAP        float64   `json:"vwap"`
	BBUpper     float64   `json:"bb_upper"`
	BBMid       float64   `json:"bb_mid"`
	BBLower     float64   `json:"bb_lower"`
	BBPercentB  float64   `json:"bb_percent_b"`
	StochK      float64   `json:"stoch_k"`
	StochD      float64   `json:"stoch_d"`
	PrevStochK  float64   `json:"prev_stoch_k"`
	PrevStochD  float64   `json:"prev_stoch_d"`
	ADX         float64   `json:"adx"`
	PlusDI      float64   `json:"plus_di"`
	MinusDI     float64   `json:"minus_di"`
	ATR         float64   `json:"atr"`
	VolumeSMA   float64   `json:"volume_sma"`
	Ready       bool      `json:"ready"`
	Provisional bool      `json:"provisional,omitempty"`
	// NotReady lists calculators still warming up.
	NotReady []string `json:"not_ready,omitempty"`
}

// Regime is the classified market condition.
type Regime string

const (
	RegimeTrendingLowVol  Regime = "TRENDING_LOW_VOL"
	RegimeTrendingHighVol Regime = "TRENDING_HIGH_VOL"
	RegimeRanging         Regime = "RANGING"
)

// Regimes lists regimes in probability-vector order.
var Regimes = [3]Regime{RegimeTrendingLowVol, RegimeTrendingHighVol, RegimeRanging}

// RegimeResult is the detector output for one candle.
type RegimeResult struct {
	Regime        Regime     `json:"regime"`
	Probabilities [3]float64 `json:"probabilities"` // ordered as Regimes
	Confidence    float64    `json:"confidence"`
	ShouldTrade   bool       `json:"should_trade"`
	Penalty       float64    `json:"penalty,omitempty"`
	Source        string     `json:"source"` // "hmm" or "rules"
}
