// Package strategy turns a candle window, its indicators and the market
// regime into enriched, risk-filtered trading signals.
package strategy

import "futures-enginev1/internal/model"

// Input is everything a strategy may look at for one closed candle.
type Input struct {
	Window   []model.Candle // closed candles, oldest first; last is the signal candle
	Snapshot model.IndicatorSnapshot
	Regime   model.RegimeResult
	Equity   float64
	Risk     model.RiskSettings
}

// Strategy evaluates one closed candle.
//
// Evaluate returns:
//   - nil, ErrIndicatorNotReady while indicators warm up;
//   - nil, nil when there is no setup;
//   - a REJECTED signal with Reason when a hard filter fails;
//   - a GENERATED signal ready for the state-machine gate.
type Strategy interface {
	Name() string
	Evaluate(in Input) (*model.TradingSignal, error)
}

// Rejection reason codes.
const (
	ReasonTrendTooWeak   = "trend_too_weak"
	ReasonVolumeClimax   = "volume_climax"
	ReasonRiskReward     = "risk_reward_below_min"
	ReasonInvalidRisk    = "invalid_risk"
	ReasonLowConfidence  = "low_confidence"
	ReasonRegimeBlocked  = "regime_blocked"
	ReasonMarginRejected = "margin_rejected"
)
