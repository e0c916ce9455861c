// Package metrics holds the engine's Prometheus collectors and the
// /metrics + /healthz HTTP server.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "futures_engine"

// Metrics holds all Prometheus metrics for the engine. Each instance owns a
// private registry so tests and backtests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	CandlesProcessed *prometheus.CounterVec
	CandlesDropped   *prometheus.CounterVec
	Resyncs          *prometheus.CounterVec
	Signals          *prometheus.CounterVec
	Orders           *prometheus.CounterVec
	RegimeRetrains   *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec

	TickLatency *prometheus.HistogramVec

	Balance      prometheus.Gauge
	LockedMargin prometheus.Gauge

	// Redis resilience
	RedisCircuitBreakerState prometheus.Gauge
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedEvents      prometheus.Counter
	RedisDroppedEvents       prometheus.Counter
	ArchiveDropped           prometheus.Counter
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		CandlesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candles_processed_total",
			Help:      "Candle updates processed by the pipeline",
		}, []string{"symbol", "closed"}),
		CandlesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candles_dropped_total",
			Help:      "Candle updates evicted from a full symbol queue",
		}, []string{"symbol"}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "History resyncs after a gap or reconnect",
		}, []string{"symbol"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Trading signals by side and terminal status",
		}, []string{"symbol", "side", "status"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order and position status changes",
		}, []string{"symbol", "status"}),
		RegimeRetrains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regime_retrains_total",
			Help:      "Regime model training runs by result",
		}, []string{"result"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Trading state machine transitions by target state",
		}, []string{"symbol", "to"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber channel was full",
		}, []string{"subscriber"}),

		TickLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_latency_seconds",
			Help:      "Time from candle receipt to published result",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"symbol"}),

		Balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance",
			Help:      "Paper account balance",
		}),
		LockedMargin: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locked_margin",
			Help:      "Margin locked by open positions and pending orders",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redis_circuit_breaker_state",
			Help:      "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_circuit_breaker_trips_total",
			Help:      "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_buffered_events_total",
			Help:      "Events buffered locally while Redis was unavailable",
		}),
		RedisDroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_dropped_events_total",
			Help:      "Buffered events discarded because the buffer was full",
		}),
		ArchiveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_dropped_total",
			Help:      "Rows dropped by the Timescale archive queue",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CandlesProcessed,
		m.CandlesDropped,
		m.Resyncs,
		m.Signals,
		m.Orders,
		m.RegimeRetrains,
		m.StateTransitions,
		m.EventsDropped,
		m.TickLatency,
		m.Balance,
		m.LockedMargin,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedEvents,
		m.RedisDroppedEvents,
		m.ArchiveDropped,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthStatus aggregates dependency checks and feed liveness.
type HealthStatus struct {
	mu sync.RWMutex

	checks    map[string]CheckFunc
	results   map[string]checkResult
	feeds     map[string]bool
	lastTick  time.Time
	lastCheck time.Time
	startedAt time.Time
	now       func() time.Time
}

type checkResult struct {
	OK        bool    `json:"ok"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// NewHealthStatus returns an empty health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		checks:    make(map[string]CheckFunc),
		results:   make(map[string]checkResult),
		feeds:     make(map[string]bool),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Register adds a named dependency check. Unchecked dependencies report
// unhealthy until the first probe runs.
func (h *HealthStatus) Register(name string, fn CheckFunc) {
	h.mu.Lock()
	h.checks[name] = fn
	h.results[name] = checkResult{Error: "not checked"}
	h.mu.Unlock()
}

// SetFeedConnected records the websocket state for a symbol.
func (h *HealthStatus) SetFeedConnected(symbol string, v bool) {
	h.mu.Lock()
	h.feeds[symbol] = v
	h.mu.Unlock()
}

// SetLastTick records the time of the latest candle update.
func (h *HealthStatus) SetLastTick(t time.Time) {
	h.mu.Lock()
	h.lastTick = t
	h.mu.Unlock()
}

// RunChecks probes every registered dependency once.
func (h *HealthStatus) RunChecks(ctx context.Context) {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()

	results := make(map[string]checkResult, len(checks))
	for name, fn := range checks {
		start := time.Now()
		err := fn(ctx)
		r := checkResult{OK: err == nil, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
		if err != nil {
			r.Error = err.Error()
		}
		results[name] = r
	}

	h.mu.Lock()
	for k, v := range results {
		h.results[k] = v
	}
	h.lastCheck = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker runs RunChecks immediately and then every interval.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, interval time.Duration) {
	go func() {
		probe := func() {
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			h.RunChecks(probeCtx)
			cancel()
		}
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// Report is the /healthz response body.
type Report struct {
	Status      string                 `json:"status"`
	Uptime      string                 `json:"uptime"`
	Feeds       map[string]bool        `json:"feeds"`
	LastTick    string                 `json:"last_tick,omitempty"`
	TickAge     string                 `json:"tick_age,omitempty"`
	Checks      map[string]checkResult `json:"checks"`
	LastCheckAt string                 `json:"last_check_at,omitempty"`
}

// Report summarizes the current health. Status is "healthy" when every
// check and feed is up, "unhealthy" when nothing is, "degraded" otherwise.
func (h *HealthStatus) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	r := Report{
		Uptime: now.Sub(h.startedAt).Round(time.Second).String(),
		Feeds:  make(map[string]bool, len(h.feeds)),
		Checks: make(map[string]checkResult, len(h.results)),
	}
	total, up := 0, 0
	for k, v := range h.feeds {
		r.Feeds[k] = v
		total++
		if v {
			up++
		}
	}
	for k, v := range h.results {
		r.Checks[k] = v
		total++
		if v.OK {
			up++
		}
	}
	if !h.lastTick.IsZero() {
		r.LastTick = h.lastTick.UTC().Format(time.RFC3339)
		r.TickAge = now.Sub(h.lastTick).Round(time.Millisecond).String()
	}
	if !h.lastCheck.IsZero() {
		r.LastCheckAt = h.lastCheck.UTC().Format(time.RFC3339)
	}

	switch {
	case up == total:
		r.Status = "healthy"
	case up == 0:
		r.Status = "unhealthy"
	default:
		r.Status = "degraded"
	}
	return r
}

// Failing lists the names of unhealthy checks and feeds, sorted.
func (r Report) Failing() []string {
	var out []string
	for k, v := range r.Feeds {
		if !v {
			out = append(out, "feed:"+k)
		}
	}
	for k, v := range r.Checks {
		if !v.OK {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	report := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if report.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, m *Metrics, health *HealthStatus, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", health)
	return &Server{
		srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log: log,
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
