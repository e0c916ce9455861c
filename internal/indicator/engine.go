package indicator

import (
	"fmt"
	"strings"
	"time"

	"futures-enginev1/internal/model"
	"futures-enginev1/internal/ringbuf"
	"futures-enginev1/internal/session"

	"go.uber.org/zap"
)

// Config sizes the calculators of one Engine.
type Config struct {
	VWAPReset    session.Boundary
	BBPeriod     int
	BBK          float64
	RSIPeriod    int
	StochPeriod  int
	StochK       int
	StochD       int
	ADXPeriod    int
	ATRPeriod    int
	VolumePeriod int
	Window       int // closed candles retained
}

// DefaultConfig returns the standard periods.
func DefaultConfig() Config {
	return Config{
		VWAPReset:    session.UTC(0),
		BBPeriod:     20,
		BBK:          2,
		RSIPeriod:    14,
		StochPeriod:  14,
		StochK:       3,
		StochD:       3,
		ADXPeriod:    14,
		ATRPeriod:    14,
		VolumePeriod: 20,
		Window:       2000,
	}
}

// calculators is the set of indicator state for one symbol/timeframe.
type calculators struct {
	vwap   *VWAP
	bb     *Bollinger
	stoch  *StochRSI
	adx    *ADX
	atr    *ATR
	volSMA *SMA
}

func newCalculators(cfg Config) *calculators {
	return &calculators{
		vwap:   NewVWAP(cfg.VWAPReset),
		bb:     NewBollinger(cfg.BBPeriod, cfg.BBK),
		stoch:  NewStochRSI(cfg.RSIPeriod, cfg.StochPeriod, cfg.StochK, cfg.StochD),
		adx:    NewADX(cfg.ADXPeriod),
		atr:    NewATR(cfg.ATRPeriod),
		volSMA: NewSMA(cfg.VolumePeriod, SourceVolume),
	}
}

func (cs *calculators) all() []Indicator {
	return []Indicator{cs.vwap, cs.bb, cs.stoch, cs.adx, cs.atr, cs.volSMA}
}

func (cs *calculators) clone() *calculators {
	return &calculators{
		vwap:   cs.vwap.clone(),
		bb:     cs.bb.clone(),
		stoch:  cs.stoch.clone(),
		adx:    cs.adx.clone(),
		atr:    cs.atr.clone(),
		volSMA: cs.volSMA.clone(),
	}
}

func (cs *calculators) update(c model.Candle) {
	for _, ind := range cs.all() {
		ind.Update(c)
	}
}

func (cs *calculators) snapshot(c model.Candle) model.IndicatorSnapshot {
	snap := model.IndicatorSnapshot{
		Symbol:    c.Symbol,
		Timeframe: c.Timeframe,
		OpenTime:  c.OpenTime,
		Ready:     true,
	}
	for _, ind := range cs.all() {
		if !ind.Ready() {
			snap.Ready = false
			snap.NotReady = append(snap.NotReady, ind.Name())
		}
	}
	if cs.vwap.Ready() {
		snap.VWAP = cs.vwap.Value()
	}
	if cs.bb.Ready() {
		snap.BBUpper, snap.BBMid, snap.BBLower = cs.bb.Bands()
		snap.BBPercentB = cs.bb.PercentB()
	}
	if cs.stoch.Ready() {
		snap.StochK, snap.PrevStochK = cs.stoch.K()
		snap.StochD, snap.PrevStochD = cs.stoch.D()
	}
	if cs.adx.Ready() {
		snap.ADX = cs.adx.Value()
		snap.PlusDI, snap.MinusDI = cs.adx.DI()
	}
	if cs.atr.Ready() {
		snap.ATR = cs.atr.Value()
	}
	if cs.volSMA.Ready() {
		snap.VolumeSMA = cs.volSMA.Value()
	}
	return snap
}

func (cs *calculators) clamped() []string {
	var names []string
	for _, ind := range cs.all() {
		if c, ok := ind.(Clamper); ok && c.Clamped() {
			names = append(names, ind.Name())
		}
	}
	return names
}

// Engine computes the indicator set for one symbol and timeframe and keeps
// a bounded window of closed candles. Designed for single-goroutine usage.
type Engine struct {
	symbol    string
	timeframe string
	cfg       Config
	log       *zap.Logger

	calcs    *calculators
	window   *ringbuf.Ring[model.Candle]
	last     model.IndicatorSnapshot
	lastOpen time.Time
	seen     int
}

// NewEngine creates an engine for symbol/timeframe.
func NewEngine(symbol, timeframe string, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Engine{
		symbol:    symbol,
		timeframe: timeframe,
		cfg:       cfg,
		log:       log.With(zap.String("symbol", symbol), zap.String("tf", timeframe)),
		calcs:     newCalculators(cfg),
		window:    ringbuf.New[model.Candle](cfg.Window),
	}
}

func (e *Engine) check(c model.Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Symbol != e.symbol || c.Timeframe != e.timeframe {
		return fmt.Errorf("%w: candle %s routed to engine %s:%s", model.ErrDataError, c.Key(), e.symbol, e.timeframe)
	}
	return nil
}

// Process feeds a closed candle through every calculator and returns the
// resulting snapshot. Provisional candles, duplicates and out-of-order
// candles are rejected with a DataError and leave state untouched.
func (e *Engine) Process(c model.Candle) (model.IndicatorSnapshot, error) {
	if err := e.check(c); err != nil {
		return model.IndicatorSnapshot{}, err
	}
	if !c.IsClosed {
		return model.IndicatorSnapshot{}, fmt.Errorf("%w: %s provisional candle passed to Process", model.ErrDataError, c.Key())
	}
	if !e.lastOpen.IsZero() && !c.OpenTime.After(e.lastOpen) {
		return model.IndicatorSnapshot{}, fmt.Errorf("%w: %s candle %s not after %s",
			model.ErrDataError, c.Key(), c.OpenTime.Format(time.RFC3339), e.lastOpen.Format(time.RFC3339))
	}

	e.calcs.update(c)
	e.window.Push(c)
	e.lastOpen = c.OpenTime
	e.seen++

	if names := e.calcs.clamped(); len(names) > 0 {
		e.log.Warn("indicator degenerate input clamped",
			zap.Time("open_time", c.OpenTime),
			zap.String("indicators", strings.Join(names, ",")))
	}

	e.last = e.calcs.snapshot(c)
	return e.last, nil
}

// Peek computes provisional values for a forming candle on a copy of the
// calculators. Persisted state is not touched.
func (e *Engine) Peek(c model.Candle) (model.IndicatorSnapshot, error) {
	if err := e.check(c); err != nil {
		return model.IndicatorSnapshot{}, err
	}
	if !e.lastOpen.IsZero() && !c.OpenTime.After(e.lastOpen) {
		return model.IndicatorSnapshot{}, fmt.Errorf("%w: %s forming candle at or before last closed", model.ErrDataError, c.Key())
	}
	cs := e.calcs.clone()
	cs.update(c)
	snap := cs.snapshot(c)
	snap.Provisional = true
	return snap, nil
}

// Window returns the last n closed candles, oldest first.
func (e *Engine) Window(n int) []model.Candle { return e.window.Last(n) }

// Last returns the snapshot of the most recent closed candle.
func (e *Engine) Last() model.IndicatorSnapshot { return e.last }

// LastOpen returns the open time of the most recent closed candle.
func (e *Engine) LastOpen() time.Time { return e.lastOpen }

// Ready reports whether every calculator finished warm-up.
func (e *Engine) Ready() bool { return e.last.Ready }

// Seen returns the number of closed candles processed.
func (e *Engine) Seen() int { return e.seen }

// WarmUp returns the longest calculator warm-up.
func (e *Engine) WarmUp() int {
	n := 0
	for _, ind := range e.calcs.all() {
		if w := ind.WarmUp(); w > n {
			n = w
		}
	}
	return n
}
