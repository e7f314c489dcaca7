// Package eventbus implements the glob-pattern publish/subscribe bus that
// decouples skills, the scheduler, and the orchestrator from one another
// (spec.md §4.1). Subscriptions are dotted glob patterns such as
// "alert.system.*" or "subagent.*.completed"; each segment matches literally
// unless it is exactly "*", which matches any single segment.
//
// Grounded on internal/infra/events.go's mutex-map default-bus idiom and
// internal/agent/event_emitter.go's dotted event-type convention.
package eventbus

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kestrelhq/conclave/internal/infra"
	"github.com/kestrelhq/conclave/pkg/models"
)

// Handler receives a published event. A handler that returns an error or
// panics only affects its own subscription; the bus isolates handlers from
// one another and from the publisher.
type Handler func(ctx context.Context, event models.Event) error

type subscription struct {
	id      uint64
	pattern string
	re      *regexp.Regexp
	handler Handler
}

// Bus is a glob-pattern pub/sub event bus. Publish enqueues the event onto a
// single dispatcher goroutine so a handler that itself publishes (e.g. a
// subagent-completion handler that emits an alert) cannot deadlock or
// recursively fan out on the publisher's own stack (spec.md §9).
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger

	// deduper drops re-published EventIDs so at-least-once producers (e.g.
	// a skill retrying after a timeout that actually published) can't
	// double-deliver. Events without an EventID are never deduplicated.
	deduper *infra.MessageDeduper

	queue  chan models.Event
	done   chan struct{}
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger overrides the bus's logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithQueueSize overrides the dispatch queue's buffer depth. Default 256.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan models.Event, n)
		}
	}
}

// New creates a Bus and starts its dispatcher goroutine. Call Close to stop
// it.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:  slog.Default(),
		deduper: infra.NewMessageDeduper(5 * time.Minute),
		queue:   make(chan models.Event, 256),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.dispatchLoop()
	return b
}

// Subscribe registers handler for events whose Type matches pattern. It
// returns an unsubscribe function. Pattern compilation happens once, at
// subscribe time.
func (b *Bus) Subscribe(pattern string, handler Handler) (func(), error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, re: re, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Publish enqueues event for dispatch. It never blocks the caller on handler
// execution; it returns once the event is queued (or immediately, if the bus
// is closed, in which case the event is dropped and logged).
func (b *Bus) Publish(ctx context.Context, event models.Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		b.logger.WarnContext(ctx, "eventbus: publish after close, dropping", "type", event.Type)
		return
	}
	if event.EventID != "" && b.deduper.IsDuplicate(event.EventID) {
		b.logger.DebugContext(ctx, "eventbus: duplicate event dropped", "type", event.Type, "event_id", event.EventID)
		return
	}
	select {
	case b.queue <- event:
	default:
		b.logger.ErrorContext(ctx, "eventbus: queue full, dropping event", "type", event.Type)
	}
}

// Close stops the dispatcher goroutine. Already-queued events are dispatched
// before it returns.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) dispatchLoop() {
	defer close(b.done)
	for event := range b.queue {
		b.dispatch(event)
	}
}

func (b *Bus) dispatch(event models.Event) {
	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.re.MatchString(event.Type) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		b.invoke(s, event)
	}
}

// invoke runs a single handler with panic isolation so one misbehaving
// subscriber cannot take down the dispatcher or other subscribers.
func (b *Bus) invoke(s subscription, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: handler panicked", "pattern", s.pattern, "type", event.Type, "panic", r)
		}
	}()
	if err := s.handler(context.Background(), event); err != nil {
		b.logger.Error("eventbus: handler returned error", "pattern", s.pattern, "type", event.Type, "error", err)
	}
}

// compilePattern turns a dotted glob pattern into an anchored regex. Each
// "*" segment matches exactly one dot-delimited segment; all other segments
// must match literally.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	segments := strings.Split(pattern, ".")
	parts := make([]string, len(segments))
	for i, seg := range segments {
		if seg == "*" {
			parts[i] = `[^.]+`
		} else {
			parts[i] = regexp.QuoteMeta(seg)
		}
	}
	return regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
}
