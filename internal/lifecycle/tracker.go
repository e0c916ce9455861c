// Package lifecycle tracks trading signals from generation to a terminal
// status and records every status change.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"futures-enginev1/internal/model"
)

// ReasonTTL is recorded on signals expired by Sweep.
const ReasonTTL = "signal_ttl"

// retainTerminal bounds how many finished signals stay in memory for Get
// and Latency. Older ones are served from the store.
const retainTerminal = 1024

var allowed = map[model.SignalStatus][]model.SignalStatus{
	model.SignalGenerated: {model.SignalPending, model.SignalRejected},
	model.SignalPending:   {model.SignalExecuted, model.SignalExpired, model.SignalRejected, model.SignalCancelled},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to model.SignalStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tracker owns signal records. Safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	signals  map[string]*model.TradingSignal
	terminal []string // ids of finished signals, oldest first
	ttl      time.Duration

	store   model.SignalStore
	log     *zap.Logger
	maxFail int
	fails   int
	newID   func() string
}

// New creates a tracker. store may be nil.
func New(ttl time.Duration, store model.SignalStore, maxFailures int, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Tracker{
		signals: make(map[string]*model.TradingSignal),
		ttl:     ttl,
		store:   store,
		log:     log.With(zap.String("component", "lifecycle")),
		maxFail: maxFailures,
		newID:   uuid.NewString,
	}
}

// SetTTL changes the pending-signal TTL used by Sweep.
func (t *Tracker) SetTTL(d time.Duration) {
	t.mu.Lock()
	t.ttl = d
	t.mu.Unlock()
}

// Track registers a GENERATED or REJECTED signal, assigning an id when sig
// has none. sig.ID is updated in place.
func (t *Tracker) Track(ctx context.Context, sig *model.TradingSignal) (model.TradingSignal, error) {
	if sig.Status != model.SignalGenerated && sig.Status != model.SignalRejected {
		return model.TradingSignal{}, fmt.Errorf("%w: cannot track a %s signal", model.ErrInvalidStatus, sig.Status)
	}
	if sig.ID == "" {
		sig.ID = t.newID()
	}
	rec := sig.Clone()
	rec.History = append(rec.History, model.StatusChange{To: rec.Status, At: rec.GeneratedAt, Reason: rec.Reason})

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.signals[rec.ID]; dup {
		return model.TradingSignal{}, fmt.Errorf("%w: signal %s already tracked", model.ErrInvalidStatus, rec.ID)
	}
	t.signals[rec.ID] = &rec
	if rec.Status.Terminal() {
		t.retireLocked(rec.ID)
	}
	out := rec.Clone()
	return out, t.persistLocked(ctx, out)
}

// MarkPending links the signal to its order.
func (t *Tracker) MarkPending(ctx context.Context, id, orderID string, at time.Time) (model.TradingSignal, error) {
	return t.transition(ctx, id, model.SignalPending, at, "", func(s *model.TradingSignal) {
		s.OrderID = orderID
	})
}

// MarkExecuted records the fill time.
func (t *Tracker) MarkExecuted(ctx context.Context, id string, at time.Time) (model.TradingSignal, error) {
	return t.transition(ctx, id, model.SignalExecuted, at, "", func(s *model.TradingSignal) {
		ts := at
		s.ExecutedAt = &ts
	})
}

func (t *Tracker) MarkExpired(ctx context.Context, id string, at time.Time, reason string) (model.TradingSignal, error) {
	return t.transition(ctx, id, model.SignalExpired, at, reason, nil)
}

func (t *Tracker) MarkRejected(ctx context.Context, id string, at time.Time, reason string) (model.TradingSignal, error) {
	return t.transition(ctx, id, model.SignalRejected, at, reason, nil)
}

func (t *Tracker) MarkCancelled(ctx context.Context, id string, at time.Time, reason string) (model.TradingSignal, error) {
	return t.transition(ctx, id, model.SignalCancelled, at, reason, nil)
}

func (t *Tracker) transition(ctx context.Context, id string, to model.SignalStatus, at time.Time, reason string, mutate func(*model.TradingSignal)) (model.TradingSignal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.signals[id]
	if !ok {
		return model.TradingSignal{}, fmt.Errorf("%w: signal %s", model.ErrNotFound, id)
	}
	if !CanTransition(s.Status, to) {
		return s.Clone(), fmt.Errorf("%w: signal %s %s -> %s", model.ErrInvalidStatus, id, s.Status, to)
	}
	s.History = append(s.History, model.StatusChange{From: s.Status, To: to, At: at, Reason: reason})
	s.Status = to
	if reason != "" {
		s.Reason = reason
	}
	if mutate != nil {
		mutate(s)
	}
	if to.Terminal() {
		t.retireLocked(id)
	}
	t.log.Debug("signal status",
		zap.String("signal_id", id),
		zap.String("symbol", s.Symbol),
		zap.String("status", string(to)),
		zap.String("reason", reason),
	)
	out := s.Clone()
	return out, t.persistLocked(ctx, out)
}

// retireLocked queues a finished signal for eviction.
func (t *Tracker) retireLocked(id string) {
	t.terminal = append(t.terminal, id)
	for len(t.terminal) > retainTerminal {
		delete(t.signals, t.terminal[0])
		t.terminal = t.terminal[1:]
	}
}

func (t *Tracker) persistLocked(ctx context.Context, s model.TradingSignal) error {
	if t.store == nil {
		return nil
	}
	err := t.store.SaveSignal(ctx, s)
	if err == nil {
		t.fails = 0
		return nil
	}
	t.fails++
	t.log.Warn("persist signal failed", zap.String("signal_id", s.ID), zap.Int("consecutive", t.fails), zap.Error(err))
	if t.fails >= t.maxFail {
		return fmt.Errorf("%w: %d consecutive signal store failures: %v", model.ErrPersistence, t.fails, err)
	}
	return nil
}

// Sweep expires PENDING signals generated at least ttl before now and
// returns them.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) ([]model.TradingSignal, error) {
	t.mu.RLock()
	ttl := t.ttl
	var due []string
	for id, s := range t.signals {
		if s.Status == model.SignalPending && ttl > 0 && now.Sub(s.GeneratedAt) >= ttl {
			due = append(due, id)
		}
	}
	t.mu.RUnlock()
	sort.Strings(due)

	var (
		out      []model.TradingSignal
		firstErr error
	)
	for _, id := range due {
		s, err := t.MarkExpired(ctx, id, now, ReasonTTL)
		if err != nil {
			if firstErr == nil && !isStale(err) {
				firstErr = err
			}
			if s.Status != model.SignalExpired {
				continue
			}
		}
		out = append(out, s)
	}
	return out, firstErr
}

// isStale reports a signal that moved on between the scan and the update.
func isStale(err error) bool {
	return err != nil && (errors.Is(err, model.ErrInvalidStatus) || errors.Is(err, model.ErrNotFound))
}

// Get returns a copy of the signal, falling back to the store for signals
// no longer held in memory.
func (t *Tracker) Get(ctx context.Context, id string) (model.TradingSignal, error) {
	t.mu.RLock()
	s, ok := t.signals[id]
	var out model.TradingSignal
	if ok {
		out = s.Clone()
	}
	t.mu.RUnlock()
	if ok {
		return out, nil
	}
	if t.store != nil {
		return t.store.GetSignal(ctx, id)
	}
	return model.TradingSignal{}, fmt.Errorf("%w: signal %s", model.ErrNotFound, id)
}

// Active returns non-terminal signals, oldest first.
func (t *Tracker) Active() []model.TradingSignal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.TradingSignal, 0)
	for _, s := range t.signals {
		if !s.Status.Terminal() {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GeneratedAt.Equal(out[j].GeneratedAt) {
			return out[i].GeneratedAt.Before(out[j].GeneratedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Latency returns executed_at − generated_at for an executed signal.
func (t *Tracker) Latency(ctx context.Context, id string) (time.Duration, error) {
	s, err := t.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if s.ExecutedAt == nil {
		return 0, fmt.Errorf("%w: signal %s is %s", model.ErrInvalidStatus, id, s.Status)
	}
	return s.Latency(), nil
}
