package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberBuffer is the channel capacity per subscriber. A subscriber
// that falls further behind loses events rather than stalling publishers.
const subscriberBuffer = 256

// Memory dispatches events to in-process subscribers. Used by tests and
// single-node deployments where the rules worker runs in the same binary.
type Memory struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	dropped atomic.Int64
}

type subscriber struct {
	patterns []string
	ch       chan Event
}

// Subscription is one subscriber's receive side. Cancel releases it; the
// channel is closed afterwards.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

func (s *Subscription) Cancel() { s.cancel() }

func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		logger: logger.With("component", "bus"),
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe registers for the given topic patterns (see MatchTopic). No
// patterns means every topic.
func (m *Memory) Subscribe(patterns ...string) *Subscription {
	sub := &subscriber{patterns: patterns, ch: make(chan Event, subscriberBuffer)}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(sub.ch)
		return &Subscription{C: sub.ch, cancel: func() {}}
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = sub

	return &Subscription{C: sub.ch, cancel: func() { m.unsubscribe(id) }}
}

func (m *Memory) unsubscribe(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return
	}
	delete(m.subs, id)
	close(sub.ch)
}

// Publish fans the event out with a non-blocking send per subscriber. A
// full subscriber drops the event; the drop is counted and logged.
func (m *Memory) Publish(ctx context.Context, event Event) {
	if ctx.Err() != nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	for _, sub := range m.subs {
		if !matchesAny(sub.patterns, event.Topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			m.dropped.Add(1)
			m.logger.Warn("subscriber behind, event dropped", "topic", event.Topic)
		}
	}
}

func matchesAny(patterns []string, topic string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if MatchTopic(p, topic) {
			return true
		}
	}
	return false
}

// Close closes every subscriber channel. Publishes after Close are
// discarded.
func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub.ch)
	}
	return nil
}

// Dropped returns the count of events lost to full subscriber buffers.
func (m *Memory) Dropped() int64 {
	return m.dropped.Load()
}
