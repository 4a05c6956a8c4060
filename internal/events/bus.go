// Package events provides the publish capability used to broadcast state
// changes. Delivery is fire-and-forget: a slow subscriber loses events
// instead of blocking the publisher.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event names.
const (
	TaskStateChanged    = "task-state-changed"
	TaskCompleted       = "task-completed"
	SubtaskCompleted    = "subtask-completed"
	OrderStateChanged   = "order-state-changed"
	ETARecalculated     = "eta-recalculated"
	ResourceLoadChanged = "resource-load-changed"
)

const defaultSubscriberCapacity = 64

// Event is one published notification.
type Event struct {
	Scope   string    `json:"scope"`
	Name    string    `json:"name"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Publisher is the narrow capability the core depends on.
type Publisher interface {
	Publish(scope, name string, payload any)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(string, string, any) {}

// Option customizes Bus construction.
type Option func(*Bus)

// WithCapacity overrides the buffered channel size per subscriber.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithLogger injects a logger for drop diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bus is an in-process Publisher with scoped subscriptions. It is created at
// startup and passed to the components that publish.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	capacity int
	logger   *zap.Logger
	clock    func() time.Time
	closed   bool
}

// NewBus constructs a bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:     make(map[*subscriber]struct{}),
		capacity: defaultSubscriberCapacity,
		logger:   zap.NewNop(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscription is an active subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription and closes its channel.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe registers for events of one scope; an empty scope receives all.
func (b *Bus) Subscribe(scope string) Subscription {
	sub := &subscriber{scope: scope, ch: make(chan Event, b.capacity)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return Subscription{Events: sub.ch}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return Subscription{
		Events: sub.ch,
		cancel: func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			sub.close()
		},
	}
}

// Publish delivers the event to every matching subscriber without waiting.
func (b *Bus) Publish(scope, name string, payload any) {
	ev := Event{Scope: scope, Name: name, Payload: payload, At: b.clock()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.scope != "" && sub.scope != scope {
			continue
		}
		if !sub.deliver(ev) {
			b.logger.Debug("event dropped", zap.String("event", name), zap.String("scope", scope))
		}
	}
}

// Close detaches every subscriber. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		sub.close()
		delete(b.subs, sub)
	}
}

type subscriber struct {
	scope  string
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func (s *subscriber) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// LogEvents writes every event on the bus to logger until the returned stop
// function is called.
func LogEvents(b *Bus, logger *zap.Logger) (stop func()) {
	sub := b.Subscribe("")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Events {
			logger.Info("event", zap.String("scope", ev.Scope), zap.String("name", ev.Name), zap.Any("payload", ev.Payload))
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}
