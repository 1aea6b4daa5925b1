// Package channeltest provides an in-memory adapter for exercising the
// registry, dispatcher and gateway without a real platform.
package channeltest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
)

// Behavior configures how fake adapters react.
type Behavior struct {
	// StartErr makes Start fail with this error.
	StartErr error

	// RequirePairing makes Start stop in StateLinking until CompletePairing.
	RequirePairing bool

	// PairingCode is published as a QR event when RequirePairing is set.
	PairingCode string

	// StartDelay simulates a slow platform handshake.
	StartDelay time.Duration

	// SendErr makes every transport send fail.
	SendErr error

	// Session is reported by HasSession.
	Session bool
}

// Adapter is a fake channels.Adapter.
type Adapter struct {
	*channels.Lifecycle

	behavior Behavior

	starts    atomic.Int64
	stops     atomic.Int64
	transport atomic.Int64
	cleared   atomic.Bool

	mu  sync.Mutex
	cfg channels.Config
}

// New creates a fake adapter.
func New(id channels.Identity, bus *channels.Bus, b Behavior) *Adapter {
	return &Adapter{Lifecycle: channels.NewLifecycle(id, bus), behavior: b}
}

func (a *Adapter) Platform() channels.Platform { return a.Identity().Platform }

func (a *Adapter) Start(ctx context.Context, cfg channels.Config) (bool, error) {
	ok, st := a.Begin()
	if !ok {
		return st == channels.StateConnected && a.IsLinked(), nil
	}
	a.starts.Add(1)
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()

	if a.behavior.StartDelay > 0 {
		select {
		case <-time.After(a.behavior.StartDelay):
		case <-ctx.Done():
			return false, a.Fail(fmt.Errorf("%w: %v", channels.ErrConnectionFailed, ctx.Err()))
		}
	}
	if a.behavior.StartErr != nil {
		return false, a.Fail(a.behavior.StartErr)
	}
	if a.behavior.RequirePairing {
		if err := a.Transition(channels.StateLinking); err != nil {
			return false, err
		}
		a.PublishPairing(channels.EventQRCode, a.behavior.PairingCode, time.Minute)
		return false, nil
	}
	if err := a.MarkLinked(); err != nil {
		return false, err
	}
	return true, nil
}

// CompletePairing simulates the end-user scanning the pairing code.
func (a *Adapter) CompletePairing() error { return a.MarkLinked() }

// Break simulates the transport dropping after start.
func (a *Adapter) Break(err error) { a.Fail(err) }

func (a *Adapter) Stop(context.Context) error {
	if !a.BeginStop() {
		return nil
	}
	a.stops.Add(1)
	a.FinishStop()
	return nil
}

func (a *Adapter) Send(_ context.Context, target, body string) error {
	start := time.Now()
	if err := a.Ready(); err != nil {
		return a.RecordSend(target, start, err)
	}
	a.transport.Add(1)
	return a.RecordSend(target, start, a.behavior.SendErr)
}

func (a *Adapter) HasSession() bool { return a.behavior.Session && !a.cleared.Load() }

func (a *Adapter) ClearSession(context.Context, channels.Config) error {
	a.cleared.Store(true)
	return nil
}

// Starts counts Start calls that passed the idempotency check.
func (a *Adapter) Starts() int64 { return a.starts.Load() }

// Stops counts effective Stop calls.
func (a *Adapter) Stops() int64 { return a.stops.Load() }

// TransportSends counts sends that reached the fake transport.
func (a *Adapter) TransportSends() int64 { return a.transport.Load() }

// Config returns the config passed to the last Start.
func (a *Adapter) Config() channels.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Factory builds fake adapters and remembers every instance it created.
type Factory struct {
	mu       sync.Mutex
	behavior map[channels.Platform]Behavior
	created  []*Adapter
	err      error
}

// NewFactory returns a factory whose adapters use b for every platform.
func NewFactory(b Behavior) *Factory {
	f := &Factory{behavior: make(map[channels.Platform]Behavior)}
	for _, p := range channels.Platforms() {
		f.behavior[p] = b
	}
	return f
}

// SetBehavior changes the behavior of adapters created from now on.
func (f *Factory) SetBehavior(p channels.Platform, b Behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behavior[p] = b
}

// FailConstruction makes the factory itself fail.
func (f *Factory) FailConstruction(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// New implements channels.Factory.
func (f *Factory) New(id channels.Identity, bus *channels.Bus, _ *slog.Logger) (channels.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a := New(id, bus, f.behavior[id.Platform])
	f.created = append(f.created, a)
	return a, nil
}

// Factories returns the factory registered for every platform.
func (f *Factory) Factories() map[channels.Platform]channels.Factory {
	out := make(map[channels.Platform]channels.Factory)
	for _, p := range channels.Platforms() {
		out[p] = f.New
	}
	return out
}

// Created returns every adapter built so far.
func (f *Factory) Created() []*Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Adapter, len(f.created))
	copy(out, f.created)
	return out
}

// Last returns the most recently built adapter.
func (f *Factory) Last() *Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

var _ channels.Adapter = (*Adapter)(nil)
