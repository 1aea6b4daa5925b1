// Package pool enforces a per-platform ceiling on concurrently running
// adapters so one tenant's churn cannot exhaust sockets, browser sessions or
// gateway connections for everyone else.
package pool

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
)

// ErrReleaseUnderflow is returned when a slot is released on a platform
// whose counter is already zero. The counter stays at zero.
var ErrReleaseUnderflow = errors.New("pool: release below zero")

// Limits maps each platform to its ceiling. Platforms absent from the map
// get a ceiling of zero.
type Limits map[channels.Platform]int

// DefaultLimits reflects the relative resource cost of each platform:
// WhatsApp sessions are the heaviest, Telegram bots the lightest.
func DefaultLimits() Limits {
	return Limits{
		channels.PlatformTelegram: 100,
		channels.PlatformWhatsApp: 10,
		channels.PlatformDiscord:  50,
	}
}

// State is the occupancy of one platform pool.
type State struct {
	Platform channels.Platform `json:"platform"`
	Current  int               `json:"current"`
	Max      int               `json:"max"`
}

// Utilization returns Current/Max in [0,1]. A zero ceiling counts as full.
func (s State) Utilization() float64 {
	if s.Max <= 0 {
		return 1
	}
	return float64(s.Current) / float64(s.Max)
}

type slot struct {
	current atomic.Int64
	max     int64
}

// Guard tracks occupancy for every platform. The slot map is fixed at
// construction, so only the counters are shared mutable state.
type Guard struct {
	slots      map[channels.Platform]*slot
	violations atomic.Int64
	logger     *slog.Logger
}

// New creates a Guard with the given ceilings.
func New(limits Limits, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		slots:  make(map[channels.Platform]*slot, len(channels.Platforms())),
		logger: logger.With("component", "pool"),
	}
	for _, p := range channels.Platforms() {
		max := limits[p]
		if max < 0 {
			max = 0
		}
		g.slots[p] = &slot{max: int64(max)}
	}
	return g
}

// TryAcquire takes a slot for p. It returns false, without changing
// anything, when the pool is full or p is unknown.
func (g *Guard) TryAcquire(p channels.Platform) bool {
	s, ok := g.slots[p]
	if !ok {
		return false
	}
	for {
		cur := s.current.Load()
		if cur >= s.max {
			return false
		}
		if s.current.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot for p. Releasing an empty pool is a programming
// error: it is logged, counted and reported as ErrReleaseUnderflow, and the
// counter is clamped at zero.
func (g *Guard) Release(p channels.Platform) error {
	s, ok := g.slots[p]
	if !ok {
		return ErrReleaseUnderflow
	}
	for {
		cur := s.current.Load()
		if cur <= 0 {
			g.violations.Add(1)
			g.logger.Warn("pool release below zero", "platform", string(p))
			return ErrReleaseUnderflow
		}
		if s.current.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

// State returns the occupancy of p.
func (g *Guard) State(p channels.Platform) State {
	s, ok := g.slots[p]
	if !ok {
		return State{Platform: p}
	}
	return State{Platform: p, Current: int(s.current.Load()), Max: int(s.max)}
}

// States returns the occupancy of every platform in channels.Platforms order.
func (g *Guard) States() []State {
	out := make([]State, 0, len(g.slots))
	for _, p := range channels.Platforms() {
		out = append(out, g.State(p))
	}
	return out
}

// Violations counts underflowing releases since start.
func (g *Guard) Violations() int64 { return g.violations.Load() }
