package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-enginev1/internal/model"
)

// EventPublisher is the write side the buffered publisher wraps.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// BufferedPublisher sends events through a circuit breaker. Events that
// cannot be delivered are kept in order (oldest dropped past maxBuf) and
// retried ahead of newer events on the next Publish or Flush.
type BufferedPublisher struct {
	pub EventPublisher
	cb  *CircuitBreaker
	log *zap.Logger

	mu      sync.Mutex
	buffer  []model.Event
	maxBuf  int
	dropped uint64

	OnBuffer func()          // an event could not be delivered immediately
	OnFlush  func(count int) // previously buffered events were delivered
	OnDrop   func()          // the buffer was full and the oldest event was discarded
}

func NewBufferedPublisher(pub EventPublisher, cb *CircuitBreaker, maxBufferSize int, log *zap.Logger) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BufferedPublisher{
		pub:    pub,
		cb:     cb,
		log:    log,
		buffer: make([]model.Event, 0, 256),
		maxBuf: maxBufferSize,
	}
}

// Publish queues ev behind any undelivered events and drains the queue.
// Events left in the queue are not lost; a non-nil error only reports that
// delivery is lagging.
func (b *BufferedPublisher) Publish(ctx context.Context, ev model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buffer) >= b.maxBuf {
		b.buffer[0] = nil
		b.buffer = b.buffer[1:]
		b.dropped++
		if b.OnDrop != nil {
			b.OnDrop()
		}
	}
	b.buffer = append(b.buffer, ev)
	return b.drainLocked(ctx, 1)
}

// Flush retries buffered events.
func (b *BufferedPublisher) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked(ctx, 0)
}

// Run flushes the buffer every interval until ctx is cancelled, so that
// events queued during an outage go out even when traffic is quiet.
func (b *BufferedPublisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil && !errors.Is(err, ErrCircuitOpen) {
				b.log.Debug("redis flush incomplete", zap.Error(err))
			}
		}
	}
}

// drainLocked delivers queued events in order. fresh is the number of
// events at the tail that were just added and do not count as a flush.
func (b *BufferedPublisher) drainLocked(ctx context.Context, fresh int) error {
	old := len(b.buffer) - fresh
	sent := 0
	defer func() {
		if n := min(sent, old); n > 0 {
			b.log.Info("redis buffer flushed", zap.Int("count", n))
			if b.OnFlush != nil {
				b.OnFlush(n)
			}
		}
	}()
	for len(b.buffer) > 0 {
		ev := b.buffer[0]
		err := b.cb.Execute(func() error { return b.pub.Publish(ctx, ev) })
		if err != nil {
			if b.OnBuffer != nil {
				b.OnBuffer()
			}
			if errors.Is(err, ErrCircuitOpen) {
				return nil
			}
			return err
		}
		b.buffer[0] = nil
		b.buffer = b.buffer[1:]
		sent++
	}
	return nil
}

// PendingCount returns the number of undelivered events.
func (b *BufferedPublisher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Dropped returns how many events were discarded on overflow.
func (b *BufferedPublisher) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
