package model

import (
	"errors"
	"fmt"
	"math"
)

// RiskSettings are the hot-swappable trading parameters. Percentages are
// fractions (0.01 = 1%).
type RiskSettings struct {
	InitialBalance   float64 `yaml:"initial_balance" json:"initial_balance"`
	RiskPerTrade     float64 `yaml:"risk_per_trade" json:"risk_per_trade"`
	MaxOpenPositions int     `yaml:"max_open_positions" json:"max_open_positions"`
	MinRiskReward    float64 `yaml:"min_risk_reward" json:"min_risk_reward"`
	Leverage         float64 `yaml:"leverage" json:"leverage"`
	MaxLeverage      float64 `yaml:"max_leverage" json:"max_leverage"`

	TrendStrengthThreshold float64 `yaml:"trend_strength_threshold" json:"trend_strength_threshold"` // ADX
	VolumeClimaxMultiple   float64 `yaml:"volume_climax_multiple" json:"volume_climax_multiple"`
	MinVolumeRatio         float64 `yaml:"min_volume_ratio" json:"min_volume_ratio"`
	PullbackTolerance      float64 `yaml:"pullback_tolerance" json:"pullback_tolerance"`
	MinConfidence          float64 `yaml:"min_confidence" json:"min_confidence"`

	EntryBodyOffset    float64   `yaml:"entry_body_offset" json:"entry_body_offset"`
	ATRStopMultiple    float64   `yaml:"atr_stop_multiple" json:"atr_stop_multiple"`
	MaxStopDistancePct float64   `yaml:"max_stop_distance_pct" json:"max_stop_distance_pct"`
	SwingLookback      int       `yaml:"swing_lookback" json:"swing_lookback"`
	SwingPivot         int       `yaml:"swing_pivot" json:"swing_pivot"`
	SwingBufferATR     float64   `yaml:"swing_buffer_atr" json:"swing_buffer_atr"`
	TPMultiples        []float64 `yaml:"tp_multiples" json:"tp_multiples"`
	TPFractions        []float64 `yaml:"tp_fractions" json:"tp_fractions"`

	TrailingBreakevenPct  float64 `yaml:"trailing_breakeven_pct" json:"trailing_breakeven_pct"`
	TrailingTrailPct      float64 `yaml:"trailing_trail_pct" json:"trailing_trail_pct"`
	TrailingOffsetPct     float64 `yaml:"trailing_offset_pct" json:"trailing_offset_pct"`
	MaintenanceMarginRate float64 `yaml:"maintenance_margin_rate" json:"maintenance_margin_rate"`

	CooldownCandles  int `yaml:"cooldown_candles" json:"cooldown_candles"`
	SignalTTLSeconds int `yaml:"signal_ttl_seconds" json:"signal_ttl_seconds"`
	OrderTTLSeconds  int `yaml:"order_ttl_seconds" json:"order_ttl_seconds"`
	OrderTTLCandles  int `yaml:"order_ttl_candles" json:"order_ttl_candles"`
}

// DefaultRiskSettings returns conservative defaults.
func DefaultRiskSettings() RiskSettings {
	return RiskSettings{
		InitialBalance:         10000,
		RiskPerTrade:           0.01,
		MaxOpenPositions:       3,
		MinRiskReward:          1.5,
		Leverage:               1,
		MaxLeverage:            20,
		TrendStrengthThreshold: 20,
		VolumeClimaxMultiple:   4,
		MinVolumeRatio:         1.0,
		PullbackTolerance:      0.002,
		EntryBodyOffset:        0.5,
		ATRStopMultiple:        1.5,
		MaxStopDistancePct:     0.02,
		SwingLookback:          20,
		SwingPivot:             2,
		SwingBufferATR:         0.1,
		TPMultiples:            []float64{1, 2, 3},
		TPFractions:            []float64{0.4, 0.3, 0.3},
		TrailingBreakevenPct:   0.006,
		TrailingTrailPct:       0.01,
		TrailingOffsetPct:      0.005,
		MaintenanceMarginRate:  0.004,
		CooldownCandles:        3,
		SignalTTLSeconds:       2700,
		OrderTTLSeconds:        2700,
		OrderTTLCandles:        3,
	}
}

// Clone returns a deep copy.
func (r RiskSettings) Clone() RiskSettings {
	cp := r
	cp.TPMultiples = append([]float64(nil), r.TPMultiples...)
	cp.TPFractions = append([]float64(nil), r.TPFractions...)
	return cp
}

// Validate checks ranges and TP consistency.
func (r RiskSettings) Validate() error {
	if r.InitialBalance <= 0 {
		return errors.New("risk.initial_balance must be > 0")
	}
	if r.RiskPerTrade <= 0 || r.RiskPerTrade > 0.1 {
		return errors.New("risk.risk_per_trade must be in (0, 0.1]")
	}
	if r.MaxOpenPositions <= 0 {
		return errors.New("risk.max_open_positions must be > 0")
	}
	if r.MinRiskReward < 0 {
		return errors.New("risk.min_risk_reward must be >= 0")
	}
	if r.Leverage < 1 || r.Leverage > r.MaxLeverage {
		return fmt.Errorf("risk.leverage must be in [1, %.0f]", r.MaxLeverage)
	}
	if r.VolumeClimaxMultiple <= 0 {
		return errors.New("risk.volume_climax_multiple must be > 0")
	}
	if r.MaxStopDistancePct <= 0 || r.MaxStopDistancePct >= 1 {
		return errors.New("risk.max_stop_distance_pct must be in (0, 1)")
	}
	if r.EntryBodyOffset < 0 || r.EntryBodyOffset > 1 {
		return errors.New("risk.entry_body_offset must be in [0, 1]")
	}
	if len(r.TPMultiples) != 3 || len(r.TPFractions) != 3 {
		return errors.New("risk: exactly three tp_multiples and tp_fractions required")
	}
	sum := 0.0
	for i, f := range r.TPFractions {
		if f <= 0 {
			return fmt.Errorf("risk.tp_fractions[%d] must be > 0", i)
		}
		if r.TPMultiples[i] <= 0 || (i > 0 && r.TPMultiples[i] <= r.TPMultiples[i-1]) {
			return errors.New("risk.tp_multiples must be positive and increasing")
		}
		sum += f
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("risk.tp_fractions must sum to 1 (got %.4f)", sum)
	}
	if r.TrailingBreakevenPct <= 0 || r.TrailingTrailPct < r.TrailingBreakevenPct {
		return errors.New("risk: need 0 < trailing_breakeven_pct <= trailing_trail_pct")
	}
	if r.TrailingOffsetPct <= 0 {
		return errors.New("risk.trailing_offset_pct must be > 0")
	}
	if r.CooldownCandles < 0 || r.SignalTTLSeconds <= 0 || r.OrderTTLSeconds <= 0 || r.OrderTTLCandles <= 0 {
		return errors.New("risk: cooldown must be >= 0 and TTLs must be > 0")
	}
	return nil
}
