package app

import (
	"futures-enginev1/config"
	"futures-enginev1/internal/indicator"
	"futures-enginev1/internal/pipeline"
	"futures-enginev1/internal/regime"
	"futures-enginev1/internal/session"
)

func indicatorConfig(c config.IndicatorConfig) indicator.Config {
	return indicator.Config{
		VWAPReset:    session.UTC(c.VWAPResetHourUTC),
		BBPeriod:     c.BBPeriod,
		BBK:          c.BBK,
		RSIPeriod:    c.RSIPeriod,
		StochPeriod:  c.StochPeriod,
		StochK:       c.StochK,
		StochD:       c.StochD,
		ADXPeriod:    c.ADXPeriod,
		ATRPeriod:    c.ATRPeriod,
		VolumePeriod: c.VolumePeriod,
		Window:       c.Window,
	}
}

func regimeConfig(c config.RegimeConfig) regime.Config {
	return regime.Config{
		Window:            c.Window,
		MinObservations:   c.MinObservations,
		ClassifyWindow:    c.ClassifyWindow,
		ReturnPeriod:      c.ReturnPeriod,
		RetrainInterval:   c.RetrainInterval,
		LowConfidence:     c.LowConfidence,
		LowConfidenceRun:  c.LowConfidenceRun,
		MaxIter:           c.MaxIter,
		Tol:               c.Tol,
		TrendThreshold:    c.TrendStrengthThreshold,
		HighVolPercentile: c.HighVolPercentile,
		RangingMode:       c.RangingMode,
		RangingPenalty:    c.RangingPenalty,
		TrainTimeout:      c.TrainTimeout,
	}
}

// pipelineConfig maps the file configuration onto the pipeline. Sweeping
// is left to the caller since backtests run without a wall clock.
func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Symbols:      cfg.Symbols,
		Timeframe:    cfg.Timeframe,
		Indicators:   indicatorConfig(cfg.Indicators),
		Regime:       regimeConfig(cfg.Regime),
		QueueSize:    cfg.Pipeline.QueueSize,
		HistoryLimit: cfg.Feed.HistoryLimit,
		ResyncLimit:  cfg.Pipeline.ResyncLimit,
		WindowSize:   cfg.Pipeline.Window,
	}
}
