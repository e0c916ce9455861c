package strategy

import (
	"fmt"
	"math"

	"futures-enginev1/internal/model"
)

// TrendPullback trades pullbacks into VWAP/Bollinger support in the
// direction of the session trend, triggered by a StochRSI cross.
type TrendPullback struct {
	// Overbought/Oversold bound the previous K for a valid cross.
	Overbought float64
	Oversold   float64
}

// NewTrendPullback returns the strategy with 80/20 exhaustion bounds.
func NewTrendPullback() *TrendPullback {
	return &TrendPullback{Overbought: 80, Oversold: 20}
}

func (p *TrendPullback) Name() string { return "trend_pullback" }

func (p *TrendPullback) Evaluate(in Input) (*model.TradingSignal, error) {
	s := in.Snapshot
	if !s.Ready {
		return nil, fmt.Errorf("%w: %v", model.ErrIndicatorNotReady, s.NotReady)
	}
	if len(in.Window) == 0 {
		return nil, fmt.Errorf("%w: empty candle window", model.ErrDataError)
	}
	c := in.Window[len(in.Window)-1]
	if !in.Regime.ShouldTrade {
		return nil, nil
	}
	rs := in.Risk

	// (a) trend
	var side model.Side
	switch {
	case c.Close > s.VWAP:
		side = model.SideBuy
	case c.Close < s.VWAP:
		side = model.SideSell
	default:
		return nil, nil
	}

	// (b) pullback zone
	touched, ok := pullbackZone(c, s, side, rs.PullbackTolerance)
	if !ok {
		return nil, nil
	}

	// (c) momentum
	if !p.momentum(c, s, side) {
		return nil, nil
	}

	// (d) volume
	volumeOK := s.VolumeSMA > 0 && c.Volume >= s.VolumeSMA*rs.MinVolumeRatio

	sig := &model.TradingSignal{
		Symbol:       c.Symbol,
		Timeframe:    c.Timeframe,
		Side:         side,
		TriggerPrice: c.Close,
		Regime:       in.Regime.Regime,
		Status:       model.SignalGenerated,
		CandleTime:   c.OpenTime,
		GeneratedAt:  c.CloseTime(),
	}

	// (e) hard filters
	if s.ADX < rs.TrendStrengthThreshold {
		return reject(sig, ReasonTrendTooWeak, "adx %.2f < %.2f", s.ADX, rs.TrendStrengthThreshold), nil
	}
	if s.VolumeSMA > 0 && c.Volume > s.VolumeSMA*rs.VolumeClimaxMultiple {
		return reject(sig, ReasonVolumeClimax, "volume %.2fx average", c.Volume/s.VolumeSMA), nil
	}

	entry := smartEntry(c, side, rs.EntryBodyOffset)
	stop := stopLoss(in.Window, entry, side, s.ATR, rs)
	risk := (entry - stop) * side.Sign()
	sig.EntryPrice, sig.StopLoss = entry, stop
	if !(risk > 0) || math.IsInf(risk, 0) {
		return reject(sig, ReasonInvalidRisk, "risk distance %.8f", risk), nil
	}
	sig.TPLevels = takeProfits(entry, risk, side, rs)
	sig.RiskRewardRatio = rewardRisk(in.Window, s, entry, risk, side, rs.SwingLookback)
	if sig.RiskRewardRatio < rs.MinRiskReward {
		return reject(sig, ReasonRiskReward, "rr %.2f < %.2f", sig.RiskRewardRatio, rs.MinRiskReward), nil
	}

	sig.PositionSize = PositionSize(in.Equity, rs.RiskPerTrade, entry, stop)
	if !(sig.PositionSize > 0) || math.IsInf(sig.PositionSize, 0) {
		return reject(sig, ReasonInvalidRisk, "position size %.8f", sig.PositionSize), nil
	}

	confluence := 0
	for _, okc := range []bool{
		touched,
		volumeOK,
		s.ADX >= rs.TrendStrengthThreshold*1.25,
		bodyStrength(c) >= 0.5,
	} {
		if okc {
			confluence++
		}
	}
	sig.Confidence = Confidence(float64(confluence)/4, in.Regime)
	if rs.MinConfidence > 0 && sig.Confidence < rs.MinConfidence {
		return reject(sig, ReasonLowConfidence, "confidence %.2f < %.2f", sig.Confidence, rs.MinConfidence), nil
	}
	return sig, nil
}

// momentum requires a K/D cross in the trade direction, a candle body
// confirming it, and a previous K not already exhausted.
func (p *TrendPullback) momentum(c model.Candle, s model.IndicatorSnapshot, side model.Side) bool {
	if side == model.SideBuy {
		return s.PrevStochK <= s.PrevStochD && s.StochK > s.StochD &&
			s.PrevStochK < p.Overbought && c.Close > c.Open
	}
	return s.PrevStochK >= s.PrevStochD && s.StochK < s.StochD &&
		s.PrevStochK > p.Oversold && c.Close < c.Open
}

// pullbackZone finds the support (BUY) or resistance (SELL) reference
// nearest the candle's extreme and checks the extreme reached it within tol.
// touched reports an actual touch or pierce.
func pullbackZone(c model.Candle, s model.IndicatorSnapshot, side model.Side, tol float64) (touched, ok bool) {
	refs := []float64{s.VWAP, s.BBMid, s.BBLower}
	extreme := c.Low
	if side == model.SideSell {
		refs = []float64{s.VWAP, s.BBMid, s.BBUpper}
		extreme = c.High
	}
	ref, best := 0.0, math.Inf(1)
	for _, r := range refs {
		if r <= 0 {
			continue
		}
		if d := math.Abs(extreme - r); d < best {
			ref, best = r, d
		}
	}
	if ref == 0 {
		return false, false
	}
	if side == model.SideBuy {
		return extreme <= ref, extreme <= ref*(1+tol)
	}
	return extreme >= ref, extreme >= ref*(1-tol)
}

func reject(sig *model.TradingSignal, code, format string, args ...any) *model.TradingSignal {
	sig.Status = model.SignalRejected
	sig.Reason = code + ": " + fmt.Sprintf(format, args...)
	return sig
}
