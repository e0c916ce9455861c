package regime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"futures-enginev1/internal/model"
	"futures-enginev1/internal/ringbuf"

	"go.uber.org/zap"
)

// Ranging gate modes.
const (
	RangingBlock   = "block"
	RangingPenalty = "penalty"
)

// Config tunes the detector.
type Config struct {
	Window            int     // rolling training window (observations)
	MinObservations   int     // below this the rules classify
	ClassifyWindow    int     // observations fed to the forward filter
	ReturnPeriod      int     // lookback for return z-score / volatility
	RetrainInterval   int     // candles between scheduled retrains
	LowConfidence     float64 // confidence below this counts toward a retrain
	LowConfidenceRun  int     // consecutive low-confidence results forcing a retrain
	MaxIter           int
	Tol               float64
	TrendThreshold    float64
	HighVolPercentile float64
	RangingMode       string
	RangingPenalty    float64
	TrainTimeout      time.Duration
}

// DefaultConfig returns the standard detector settings.
func DefaultConfig() Config {
	return Config{
		Window:            1000,
		MinObservations:   200,
		ClassifyWindow:    100,
		ReturnPeriod:      20,
		RetrainInterval:   96,
		LowConfidence:     0.55,
		LowConfidenceRun:  10,
		MaxIter:           50,
		Tol:               1e-3,
		TrendThreshold:    0.25,
		HighVolPercentile: 0.7,
		RangingMode:       RangingBlock,
		RangingPenalty:    0.2,
		TrainTimeout:      30 * time.Second,
	}
}

// Detector classifies each closed candle and retrains its HMM in the
// background. Observe is called from a single worker goroutine; the fitted
// model is swapped atomically so classification never waits on training.
type Detector struct {
	cfg   Config
	log   *zap.Logger
	rules Rules

	feats *features
	obs   *ringbuf.Ring[Observation]
	model atomic.Pointer[GaussianHMM]
	fitHMM func(context.Context, []Observation, FitConfig) (*GaussianHMM, error)

	sinceTrain int
	lowRun     int
	attempted  bool
	last       model.RegimeResult

	training atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// OnRetrain, if set, is called from the training goroutine with the
	// outcome of every fit.
	OnRetrain func(err error)
}

// New creates a detector. Close must be called to stop background training.
func New(cfg Config, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.ClassifyWindow <= 0 {
		cfg.ClassifyWindow = DefaultConfig().ClassifyWindow
	}
	if cfg.TrainTimeout <= 0 {
		cfg.TrainTimeout = DefaultConfig().TrainTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Detector{
		cfg:    cfg,
		log:    log,
		rules:  Rules{TrendThreshold: cfg.TrendThreshold, HighVolPercentile: cfg.HighVolPercentile},
		feats:  newFeatures(cfg.ReturnPeriod),
		obs:    ringbuf.New[Observation](cfg.Window),
		fitHMM: Fit,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Observe ingests a closed candle with its indicators and returns the
// gated regime for it. It may start a background retrain.
func (d *Detector) Observe(c model.Candle, snap model.IndicatorSnapshot) model.RegimeResult {
	o, ok := d.feats.next(c, snap)
	if !ok {
		d.last = d.gate(model.RegimeResult{
			Regime:        model.RegimeRanging,
			Probabilities: [3]float64{0, 0, 1},
			Source:        "rules",
		})
		return d.last
	}
	d.obs.Push(o)

	res := d.classify(o)
	d.sinceTrain++
	if res.Confidence < d.cfg.LowConfidence {
		d.lowRun++
	} else {
		d.lowRun = 0
	}
	if d.shouldRetrain() {
		d.retrainAsync()
	}

	d.last = d.gate(res)
	return d.last
}

// Last returns the most recent result.
func (d *Detector) Last() model.RegimeResult { return d.last }

func (d *Detector) classify(latest Observation) model.RegimeResult {
	m := d.model.Load()
	window := d.obs.Last(0)
	if m == nil || len(window) < d.cfg.MinObservations {
		return d.rules.Classify(latest, window)
	}
	tail := window
	if len(tail) > d.cfg.ClassifyWindow {
		tail = tail[len(tail)-d.cfg.ClassifyWindow:]
	}
	probs, err := m.Posterior(tail)
	if err != nil {
		d.log.Warn("hmm classification failed, using rules", zap.Error(err))
		return d.rules.Classify(latest, window)
	}
	best := 0
	for i := range probs {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return model.RegimeResult{
		Regime:        model.Regimes[best],
		Probabilities: probs,
		Confidence:    probs[best],
		Source:        "hmm",
	}
}

func (d *Detector) gate(r model.RegimeResult) model.RegimeResult {
	r.ShouldTrade = true
	if r.Regime == model.RegimeRanging {
		if d.cfg.RangingMode == RangingPenalty {
			r.Penalty = d.cfg.RangingPenalty
		} else {
			r.ShouldTrade = false
		}
	}
	return r
}

func (d *Detector) shouldRetrain() bool {
	if d.obs.Len() < d.cfg.MinObservations || d.training.Load() {
		return false
	}
	if !d.attempted {
		return true
	}
	if d.cfg.RetrainInterval > 0 && d.sinceTrain >= d.cfg.RetrainInterval {
		return true
	}
	return d.cfg.LowConfidenceRun > 0 && d.lowRun >= d.cfg.LowConfidenceRun
}

func (d *Detector) retrainAsync() {
	if !d.training.CompareAndSwap(false, true) {
		return
	}
	d.attempted = true
	d.sinceTrain, d.lowRun = 0, 0
	window := d.obs.Last(0)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.training.Store(false)
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.TrainTimeout)
		defer cancel()
		err := d.fit(ctx, window)
		if d.OnRetrain != nil && !errors.Is(err, context.Canceled) {
			d.OnRetrain(err)
		}
	}()
}

// Train fits a model on the current window synchronously, after waiting
// for any background fit. It is a no-op below MinObservations or when a
// model is already installed. Workers call it once history is loaded so
// the first live candle is classified by the HMM.
func (d *Detector) Train(ctx context.Context) error {
	d.wg.Wait()
	if d.obs.Len() < d.cfg.MinObservations || d.Trained() {
		return nil
	}
	if !d.training.CompareAndSwap(false, true) {
		return nil
	}
	defer d.training.Store(false)
	d.attempted = true
	d.sinceTrain, d.lowRun = 0, 0
	err := d.fit(ctx, d.obs.Last(0))
	if d.OnRetrain != nil {
		d.OnRetrain(err)
	}
	return err
}

func (d *Detector) fit(ctx context.Context, window []Observation) error {
	start := time.Now()
	m, err := d.fitHMM(ctx, window, FitConfig{States: 3, MaxIter: d.cfg.MaxIter, Tol: d.cfg.Tol})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		d.log.Warn("regime model training failed, keeping previous classifier",
			zap.Int("observations", len(window)), zap.Error(err))
		return err
	}
	d.model.Store(m)
	d.log.Info("regime model retrained",
		zap.Int("observations", len(window)),
		zap.Int("iterations", m.Iterations),
		zap.Float64("log_likelihood", m.LogLikelihood),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Trained reports whether an HMM is installed.
func (d *Detector) Trained() bool { return d.model.Load() != nil }

// Observations returns the size of the training window.
func (d *Detector) Observations() int { return d.obs.Len() }

// Close cancels any in-flight training and waits for it to exit.
func (d *Detector) Close() {
	d.cancel()
	d.wg.Wait()
}
