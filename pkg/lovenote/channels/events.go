package channels

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies what an Event reports.
type EventKind string

const (
	EventStateChanged  EventKind = "state_changed"
	EventQRCode        EventKind = "qr"
	EventPairingCode   EventKind = "pairing_code"
	EventLinked        EventKind = "ready"
	EventError         EventKind = "error"
	EventSendSucceeded EventKind = "send_succeeded"
	EventSendFailed    EventKind = "send_failed"
)

// Event is published by adapters (and the dispatcher for sends that never
// reach an adapter).
type Event struct {
	Kind      EventKind     `json:"kind"`
	Identity  Identity      `json:"identity"`
	State     State         `json:"state,omitempty"`
	Previous  State         `json:"previous,omitempty"`
	Code      string        `json:"code,omitempty"`
	ExpiresAt time.Time     `json:"expires_at,omitzero"`
	Target    string        `json:"target,omitempty"`
	Latency   time.Duration `json:"latency,omitempty"`
	Error     string        `json:"error,omitempty"`
	Category  ErrorCategory `json:"category,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// IsSendOutcome reports whether the event records a send attempt.
func (e Event) IsSendOutcome() bool {
	return e.Kind == EventSendSucceeded || e.Kind == EventSendFailed
}

// Sink receives every event synchronously, in publish order.
type Sink interface {
	OnEvent(evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(evt Event)

func (f SinkFunc) OnEvent(evt Event) { f(evt) }

// ForIdentity matches events of a single channel.
func ForIdentity(id Identity) func(Event) bool {
	return func(evt Event) bool { return evt.Identity == id }
}

type subscription struct {
	ch    chan Event
	match func(Event) bool
}

// Bus fans adapter events out to synchronous sinks (metrics) and to
// buffered subscriptions (streaming setup sessions). Slow subscribers drop
// events rather than block adapters.
type Bus struct {
	logger *slog.Logger

	sinksMu sync.RWMutex
	sinks   []Sink

	mu   sync.Mutex
	subs map[*subscription]struct{}

	// pending caches the newest outstanding pairing event per identity so
	// late subscribers still see the code to scan.
	pending map[Identity]Event
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:  logger.With("component", "events"),
		subs:    make(map[*subscription]struct{}),
		pending: make(map[Identity]Event),
	}
}

// AddSink registers a synchronous consumer.
func (b *Bus) AddSink(s Sink) {
	b.sinksMu.Lock()
	defer b.sinksMu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe returns a buffered stream of events accepted by match (nil
// matches everything) and a function that cancels the subscription and
// closes the stream.
func (b *Bus) Subscribe(match func(Event) bool) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, 16), match: match}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	for _, evt := range b.pending {
		if sub.accepts(evt) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
}

// Publish delivers evt to all sinks and matching subscribers.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.sinksMu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.sinksMu.RUnlock()
	for _, s := range sinks {
		b.deliver(s, evt)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch evt.Kind {
	case EventQRCode, EventPairingCode:
		b.pending[evt.Identity] = evt
	case EventLinked, EventError:
		delete(b.pending, evt.Identity)
	case EventStateChanged:
		if evt.State == StateStopped {
			delete(b.pending, evt.Identity)
		}
	}
	for sub := range b.subs {
		if !sub.accepts(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("subscriber too slow, dropping event",
				"kind", evt.Kind, "channel", evt.Identity.String())
		}
	}
}

// Pending returns the outstanding pairing event for id, if any.
func (b *Bus) Pending(id Identity) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	evt, ok := b.pending[id]
	return evt, ok
}

func (b *Bus) deliver(s Sink, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event sink panic", "kind", evt.Kind, "error", r)
		}
	}()
	s.OnEvent(evt)
}

func (s *subscription) accepts(evt Event) bool {
	return s.match == nil || s.match(evt)
}
