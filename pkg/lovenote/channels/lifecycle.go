package channels

import (
	"fmt"
	"sync"
	"time"
)

// State is a step of the adapter lifecycle shared by all platforms:
//
//	idle -> starting -> (linking) -> connected -> stopping -> stopped
//
// with error reachable from starting, linking and connected.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateLinking   State = "linking"
	StateConnected State = "connected"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateError     State = "error"
)

// Retired reports whether the state no longer holds a usable transport.
func (s State) Retired() bool { return s == StateError || s == StateStopped }

var transitions = map[State][]State{
	StateIdle:      {StateStarting, StateStopping},
	StateStarting:  {StateLinking, StateConnected, StateError, StateStopping},
	StateLinking:   {StateConnected, StateError, StateStopping},
	StateConnected: {StateError, StateStopping},
	StateError:     {StateStarting, StateStopping},
	StateStopping:  {StateStopped},
	StateStopped:   {StateStarting},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Status is a point-in-time view of an adapter.
type Status struct {
	State          State     `json:"state"`
	Linked         bool      `json:"linked"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	LastActivityAt time.Time `json:"last_activity_at,omitzero"`
	ErroredAt      time.Time `json:"errored_at,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
}

// Lifecycle is the state machine every adapter embeds. It validates
// transitions and publishes lifecycle and send-outcome events to the bus.
type Lifecycle struct {
	identity Identity
	bus      *Bus
	now      func() time.Time

	mu             sync.RWMutex
	state          State
	linked         bool
	startedAt      time.Time
	lastActivityAt time.Time
	erroredAt      time.Time
	lastErr        error
}

// NewLifecycle returns an idle lifecycle for id. bus may be nil.
func NewLifecycle(id Identity, bus *Bus) *Lifecycle {
	return &Lifecycle{
		identity: id,
		bus:      bus,
		now:      time.Now,
		state:    StateIdle,
	}
}

func (l *Lifecycle) lifecycle() *Lifecycle { return l }

// Identity returns the channel identity.
func (l *Lifecycle) Identity() Identity { return l.identity }

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsLinked is true once platform-level identity has been proven.
func (l *Lifecycle) IsLinked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.linked
}

// LastError returns the error that moved the adapter into StateError.
func (l *Lifecycle) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}

// Status returns a snapshot.
func (l *Lifecycle) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Status{
		State:          l.state,
		Linked:         l.linked,
		StartedAt:      l.startedAt,
		LastActivityAt: l.lastActivityAt,
		ErroredAt:      l.erroredAt,
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	return st
}

// Transition moves to the given state, publishing EventStateChanged.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	from := l.state
	if from == to {
		l.mu.Unlock()
		return nil
	}
	if !canTransition(from, to) {
		l.mu.Unlock()
		return fmt.Errorf("channels: illegal transition %s -> %s for %s", from, to, l.identity)
	}
	l.state = to
	switch to {
	case StateStarting:
		l.startedAt = l.now()
		l.lastActivityAt = l.startedAt
		l.linked = false
		l.lastErr = nil
		l.erroredAt = time.Time{}
	case StateStopped:
		l.linked = false
	}
	l.mu.Unlock()

	l.publish(Event{Kind: EventStateChanged, State: to, Previous: from})
	return nil
}

// Begin moves an idle, stopped or errored adapter to StateStarting. It
// returns false with the current state when the adapter is already
// starting, linking or connected, so Start can short-circuit.
func (l *Lifecycle) Begin() (bool, State) {
	l.mu.RLock()
	current := l.state
	l.mu.RUnlock()
	switch current {
	case StateStarting, StateLinking, StateConnected:
		return false, current
	case StateStopping:
		return false, current
	}
	if err := l.Transition(StateStarting); err != nil {
		return false, l.State()
	}
	return true, StateStarting
}

// Fail records err and moves to StateError. It returns err so callers can
// write `return false, l.Fail(err)`.
func (l *Lifecycle) Fail(err error) error {
	if err == nil {
		return nil
	}
	l.mu.Lock()
	from := l.state
	l.lastErr = err
	if !canTransition(from, StateError) {
		l.mu.Unlock()
		return err
	}
	l.state = StateError
	l.linked = false
	l.erroredAt = l.now()
	l.mu.Unlock()

	l.publish(Event{Kind: EventStateChanged, State: StateError, Previous: from})
	l.publish(Event{Kind: EventError, State: StateError, Error: err.Error(), Category: CategoryOf(err)})
	return err
}

// MarkLinked records proof of platform identity and moves to StateConnected.
func (l *Lifecycle) MarkLinked() error {
	l.mu.Lock()
	from := l.state
	if from != StateStarting && from != StateLinking && from != StateConnected {
		l.mu.Unlock()
		return fmt.Errorf("channels: cannot link %s from state %s", l.identity, from)
	}
	l.state = StateConnected
	l.linked = true
	l.lastActivityAt = l.now()
	l.mu.Unlock()

	if from != StateConnected {
		l.publish(Event{Kind: EventStateChanged, State: StateConnected, Previous: from})
	}
	l.publish(Event{Kind: EventLinked, State: StateConnected})
	return nil
}

// BeginStop moves to StateStopping. It returns false when there is nothing
// to stop (already stopping or stopped).
func (l *Lifecycle) BeginStop() bool {
	l.mu.RLock()
	current := l.state
	l.mu.RUnlock()
	if current == StateStopped || current == StateStopping {
		return false
	}
	return l.Transition(StateStopping) == nil
}

// FinishStop completes a stop started with BeginStop.
func (l *Lifecycle) FinishStop() {
	_ = l.Transition(StateStopped)
}

// Touch records transport activity.
func (l *Lifecycle) Touch() {
	l.mu.Lock()
	l.lastActivityAt = l.now()
	l.mu.Unlock()
}

// Ready returns ErrNotReady unless the adapter is connected and linked.
func (l *Lifecycle) Ready() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != StateConnected || !l.linked {
		return fmt.Errorf("%w: %s is %s (linked=%t)", ErrNotReady, l.identity, l.state, l.linked)
	}
	return nil
}

// RecordSend publishes the outcome of one send attempt that started at
// start and returns err unchanged.
func (l *Lifecycle) RecordSend(target string, start time.Time, err error) error {
	evt := Event{
		Kind:    EventSendSucceeded,
		Target:  target,
		Latency: l.now().Sub(start),
	}
	if err != nil {
		evt.Kind = EventSendFailed
		evt.Error = err.Error()
		evt.Category = CategoryOf(err)
	} else {
		l.Touch()
	}
	l.publish(evt)
	return err
}

// PublishPairing announces an outstanding pairing artifact (QR payload or
// phone pairing code).
func (l *Lifecycle) PublishPairing(kind EventKind, code string, expiresIn time.Duration) {
	evt := Event{Kind: kind, State: l.State(), Code: code}
	if expiresIn > 0 {
		evt.ExpiresAt = l.now().Add(expiresIn)
	}
	l.publish(evt)
}

func (l *Lifecycle) publish(evt Event) {
	if l.bus == nil {
		return
	}
	evt.Identity = l.identity
	if evt.Timestamp.IsZero() {
		evt.Timestamp = l.now()
	}
	l.bus.Publish(evt)
}
