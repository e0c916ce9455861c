// Package bus fans the engine's outbound events out to named subscribers.
package bus

import (
	"sync"

	"futures-enginev1/internal/model"
)

// FanOut broadcasts events to every subscriber. A subscriber whose channel
// is full misses the event; publishers never block on a slow consumer.
// Events from one publisher goroutine arrive in publish order.
type FanOut struct {
	mu      sync.RWMutex
	outputs []output
	bufSize int
	closed  bool

	// OnDrop is called with the subscriber name when an event is dropped.
	OnDrop func(subscriber string)
}

type output struct {
	name string
	ch   chan model.Event
}

func New(outputBufferSize int) *FanOut {
	if outputBufferSize <= 0 {
		outputBufferSize = 1024
	}
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe registers a named consumer. Subscribing after Close returns a
// closed channel.
func (f *FanOut) Subscribe(name string) <-chan model.Event {
	ch := make(chan model.Event, f.bufSize)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch
	}
	f.outputs = append(f.outputs, output{name: name, ch: ch})
	return ch
}

// Publish delivers ev to every subscriber without blocking. Safe for
// concurrent use; a no-op after Close.
func (f *FanOut) Publish(ev model.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, o := range f.outputs {
		select {
		case o.ch <- ev:
		default:
			if f.OnDrop != nil {
				f.OnDrop(o.name)
			}
		}
	}
}

// Close closes every subscriber channel. Idempotent.
func (f *FanOut) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, o := range f.outputs {
		close(o.ch)
	}
}

// ChannelStat is the fill level of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, o := range f.outputs {
		stats[i] = ChannelStat{Name: o.name, Len: len(o.ch), Cap: cap(o.ch)}
	}
	return stats
}
