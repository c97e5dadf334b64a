// Package lifecycle relays process lifecycle events to registered caches.
//
// Becoming active or about to resign active lets a cache trim itself,
// depending on its Policy. Low memory asks every cache to drop its in-memory
// indices. Disk state is never touched by the trigger itself.
package lifecycle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Policy controls whether transition events trim a cache.
type Policy int

const (
	// PolicyOnTransition trims whenever the process becomes active or is about
	// to resign active.
	PolicyOnTransition Policy = iota

	// PolicyNone leaves trimming to explicit calls.
	PolicyNone
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case PolicyOnTransition:
		return "on-transition"
	case PolicyNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParsePolicy parses a policy name as accepted on the command line.
func ParsePolicy(s string) (Policy, bool) {
	switch s {
	case "", "on-transition":
		return PolicyOnTransition, true
	case "none":
		return PolicyNone, true
	default:
		return 0, false
	}
}

// Event is a lifecycle notification.
type Event int

const (
	EventBecameActive Event = iota + 1
	EventWillResignActive
	EventLowMemory
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventBecameActive:
		return "became-active"
	case EventWillResignActive:
		return "will-resign-active"
	case EventLowMemory:
		return "low-memory"
	default:
		return "unknown"
	}
}

// IsTransition reports whether the event is a foreground/background transition.
func (e Event) IsTransition() bool {
	return e == EventBecameActive || e == EventWillResignActive
}

// Handler receives lifecycle events.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Trigger fans lifecycle events out to registered handlers.
type Trigger struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trigger) {
		t.logger = logger
	}
}

// New creates a trigger with no handlers.
func New(opts ...Option) *Trigger {
	t := &Trigger{
		logger:   slog.Default(),
		handlers: make(map[uint64]Handler),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "lifecycle")
	return t
}

var (
	defaultOnce    sync.Once
	defaultTrigger *Trigger
)

// Default returns the process-wide trigger, creating it on first use.
func Default() *Trigger {
	defaultOnce.Do(func() {
		defaultTrigger = New()
	})
	return defaultTrigger
}

// Register adds h and returns a function that removes it again.
func (t *Trigger) Register(h Handler) (unregister func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers[id] = h
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.handlers, id)
			t.mu.Unlock()
		})
	}
}

// Len returns the number of registered handlers.
func (t *Trigger) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// Dispatch delivers ev to every registered handler in registration order.
func (t *Trigger) Dispatch(ctx context.Context, ev Event) {
	handlers := t.snapshot()

	t.logger.Debug("dispatching lifecycle event", "event", ev.String(), "handlers", len(handlers))

	for _, h := range handlers {
		h.HandleEvent(ctx, ev)
	}
}

// Run dispatches events until the channel is closed or ctx is done.
func (t *Trigger) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			t.Dispatch(ctx, ev)
		}
	}
}

func (t *Trigger) snapshot() []Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]uint64, 0, len(t.handlers))
	for id := range t.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, t.handlers[id])
	}
	return handlers
}
