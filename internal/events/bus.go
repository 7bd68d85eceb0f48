package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Envelope wraps a published event with its cascade depth. Depth 0 is an
// original event; automation actions republish their side effects at
// depth+1 so the engine can enforce the cascade cap.
type Envelope struct {
	Event        SystemEvent
	CascadeDepth int
}

// LaggedError is returned from Subscription.Receive when the subscriber
// fell behind and the bus dropped events for it. The subscription is still
// usable; the next Receive resumes with the oldest buffered event.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d event(s) skipped", e.Skipped)
}

// Bus 进程内事件总线。广播（非负载均衡）：每个订阅者都会收到每个事件。
// Publish 不阻塞发布方，也不保证投递：队列已满时静默丢弃并计数。
type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]*Subscription
	nextID   uint64
	capacity int
	closed   bool
	logger   *logrus.Logger
}

// NewBus creates a bus whose subscribers each get a queue of the given
// capacity. The capacity is fixed for the bus lifetime.
func NewBus(capacity int, logger *logrus.Logger) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		subs:     make(map[uint64]*Subscription),
		capacity: capacity,
		logger:   logger,
	}
}

// Publish broadcasts an original (depth 0) event to all subscribers.
func (b *Bus) Publish(event SystemEvent) {
	b.publish(Envelope{Event: event})
}

// PublishCascade broadcasts an event produced by an automation action,
// carrying the cascade depth of the re-evaluation it will trigger.
func (b *Bus) PublishCascade(event SystemEvent, depth int) {
	b.publish(Envelope{Event: event, CascadeDepth: depth})
}

func (b *Bus) publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Debugf("eventbus: publish after close, dropping %s", env.Event.EventType())
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- env:
		default:
			// Slow subscriber: drop for this subscriber only and record the
			// skip so its next Receive reports the lag.
			sub.skipped.Add(1)
			b.logger.Debugf("eventbus: subscriber %d full, dropped %s", sub.id, env.Event.EventType())
		}
	}
}

// Subscribe returns an independent receive handle seeing every event
// published after the call.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:  b.nextID,
		ch:  make(chan Envelope, b.capacity),
		bus: b,
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down. All subscriptions are closed; subsequent
// publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Subscription 单个订阅者的接收句柄
type Subscription struct {
	id      uint64
	ch      chan Envelope
	skipped atomic.Uint64
	bus     *Bus
	once    sync.Once
}

// Receive blocks until an event is available, the context is done, or the
// bus is closed. A subscriber that fell behind gets a *LaggedError before
// any further events.
func (s *Subscription) Receive(ctx context.Context) (Envelope, error) {
	if n := s.skipped.Swap(0); n > 0 {
		return Envelope{}, &LaggedError{Skipped: n}
	}
	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case env, ok := <-s.ch:
		if !ok {
			return Envelope{}, ErrBusClosed
		}
		return env, nil
	}
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			close(s.ch)
		}
	})
}

// ErrBusClosed is returned from Receive once the bus has shut down.
var ErrBusClosed = fmt.Errorf("event bus closed")
