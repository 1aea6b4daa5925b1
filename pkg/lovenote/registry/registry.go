// Package registry owns every running channel adapter. It is the single
// source of truth for whether a user's channel is running, and it
// serializes lifecycle operations per identity while letting different
// identities proceed in parallel.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
	"github.com/lovenote/lovenote/pkg/lovenote/pool"
)

// ErrRegistryClosed is returned by StartChannel after Shutdown.
var ErrRegistryClosed = errors.New("registry: closed")

// Registry maps identities to handles. The handle map is guarded by mu;
// the sequence lookup, retire, acquire, construct, start for one identity is
// guarded by that identity's lock in locks.
type Registry struct {
	guard     *pool.Guard
	bus       *channels.Bus
	factories map[channels.Platform]channels.Factory
	logger    *slog.Logger

	locks  *keyedLocker
	closed atomic.Bool

	mu      sync.RWMutex
	handles map[channels.Identity]*Handle
}

// New creates a registry. factories must hold one entry per platform the
// registry is allowed to start.
func New(guard *pool.Guard, bus *channels.Bus, factories map[channels.Platform]channels.Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		guard:     guard,
		bus:       bus,
		factories: factories,
		logger:    logger.With("component", "registry"),
		locks:     newKeyedLocker(),
		handles:   make(map[channels.Identity]*Handle),
	}
}

// StartChannel starts the channel for id, or returns the existing handle if
// one is already starting, linking or connected. A handle left in error or
// stopped is retired first. The call fails with ErrCapacityExceeded, without
// constructing an adapter, when the platform pool is full. If the adapter
// fails to start, its slot is released and no handle is registered.
func (r *Registry) StartChannel(ctx context.Context, id channels.Identity, cfg channels.Config) (*Handle, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	unlock, err := r.locks.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}

	if h := r.lookup(id); h != nil {
		if !h.State().Retired() {
			return h, nil
		}
		r.logger.Info("retiring channel before restart",
			append(id.LogAttrs(), "handle", h.id, "state", h.State())...)
		if err := r.retire(ctx, h); err != nil {
			r.logger.Warn("retire failed", append(id.LogAttrs(), "error", err)...)
		}
	}

	factory, ok := r.factories[id.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for platform %s", channels.ErrConfigurationInvalid, id.Platform)
	}

	if !r.guard.TryAcquire(id.Platform) {
		st := r.guard.State(id.Platform)
		return nil, fmt.Errorf("%w: %s pool at %d/%d", channels.ErrCapacityExceeded, id.Platform, st.Current, st.Max)
	}

	adapter, err := factory(id, r.bus, r.logger)
	if err != nil {
		r.release(id.Platform)
		return nil, err
	}

	linked, err := adapter.Start(ctx, cfg)
	if err != nil {
		if stopErr := adapter.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			r.logger.Warn("stop after failed start", append(id.LogAttrs(), "error", stopErr)...)
		}
		r.release(id.Platform)
		r.logger.Warn("channel start failed",
			append(id.LogAttrs(), "category", channels.CategoryOf(err), "error", err)...)
		return nil, err
	}

	// Shutdown flips closed under mu and only stops registered handles, so a
	// start that finishes after it must undo itself.
	h := newHandle(id, adapter)
	r.mu.Lock()
	closed := r.closed.Load()
	if !closed {
		r.handles[id] = h
	}
	r.mu.Unlock()
	if closed {
		if stopErr := adapter.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			r.logger.Warn("stop after shutdown", append(id.LogAttrs(), "error", stopErr)...)
		}
		r.release(id.Platform)
		r.logger.Info("channel start discarded by shutdown", id.LogAttrs()...)
		return nil, ErrRegistryClosed
	}

	r.logger.Info("channel started",
		append(id.LogAttrs(), "handle", h.id, "state", adapter.State(), "linked", linked)...)
	return h, nil
}

// StopChannel stops the channel for id, releases its pool slot and removes
// it. Stopping an identity with no handle is a no-op success.
func (r *Registry) StopChannel(ctx context.Context, id channels.Identity) error {
	unlock, err := r.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	h := r.lookup(id)
	if h == nil {
		return nil
	}
	if err := r.retire(ctx, h); err != nil {
		return err
	}
	r.logger.Info("channel stopped", append(id.LogAttrs(), "handle", h.id)...)
	return nil
}

// LogoutChannel deletes the persisted session for id and stops the channel
// if it is running. For token platforms this is the same as StopChannel.
func (r *Registry) LogoutChannel(ctx context.Context, id channels.Identity, cfg channels.Config) error {
	if err := id.Validate(); err != nil {
		return err
	}
	unlock, err := r.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	var clearErr error
	if h := r.lookup(id); h != nil {
		clearErr = h.adapter.ClearSession(ctx, cfg)
		if err := r.retire(ctx, h); err != nil {
			return err
		}
	} else {
		factory, ok := r.factories[id.Platform]
		if !ok {
			return fmt.Errorf("%w: no adapter for platform %s", channels.ErrConfigurationInvalid, id.Platform)
		}
		adapter, err := factory(id, r.bus, r.logger)
		if err != nil {
			return err
		}
		clearErr = adapter.ClearSession(ctx, cfg)
	}
	if clearErr != nil {
		return clearErr
	}
	r.logger.Info("channel logged out", id.LogAttrs()...)
	return nil
}

// GetChannel looks up the handle for id without side effects.
func (r *Registry) GetChannel(id channels.Identity) (*Handle, bool) {
	h := r.lookup(id)
	return h, h != nil
}

// IsChannelRunning is true when a handle exists and is connected.
func (r *Registry) IsChannelRunning(id channels.Identity) bool {
	h := r.lookup(id)
	return h != nil && h.State() == channels.StateConnected
}

// Snapshot returns every handle, ordered by identity.
func (r *Registry) Snapshot() []HandleInfo {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	out := make([]HandleInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.String() < out[j].Identity.String()
	})
	return out
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Shutdown refuses new starts and stops every handle concurrently. A start
// already in flight is stopped by StartChannel itself once it returns.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed.Store(true)
	ids := make([]channels.Identity, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := r.StopChannel(ctx, id); err != nil {
				return fmt.Errorf("stop %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	r.logger.Info("registry shut down", "channels", len(ids))
	return err
}

func (r *Registry) lookup(id channels.Identity) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[id]
}

// retire stops h, removes it and releases its slot. Must hold h's identity
// lock. The handle is removed even if the adapter fails to stop cleanly.
func (r *Registry) retire(ctx context.Context, h *Handle) error {
	err := h.adapter.Stop(ctx)

	r.mu.Lock()
	if r.handles[h.identity] == h {
		delete(r.handles, h.identity)
	}
	r.mu.Unlock()

	r.release(h.identity.Platform)
	return err
}

func (r *Registry) release(p channels.Platform) {
	if err := r.guard.Release(p); err != nil {
		r.logger.Warn("pool release failed", "platform", string(p), "error", err)
	}
}
