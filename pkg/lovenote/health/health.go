// Package health derives an operational health report from the registry and
// pool state on demand. It keeps no state of its own beyond whether it has
// been initialized.
package health

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
	"github.com/lovenote/lovenote/pkg/lovenote/metrics"
	"github.com/lovenote/lovenote/pkg/lovenote/pool"
	"github.com/lovenote/lovenote/pkg/lovenote/registry"
)

// Status is the coarse classification handed to the health endpoint.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// saturation is the utilization above which a platform is degraded even if
// no issue was reported.
const saturation = 0.9

// Config tunes issue detection.
type Config struct {
	// ErrorGrace is how long a handle may sit in error before it is an issue.
	ErrorGrace time.Duration

	// HighWatermark is the utilization at which a platform pool is reported.
	HighWatermark float64
}

// DefaultConfig returns a two minute grace and an 80% watermark.
func DefaultConfig() Config {
	return Config{ErrorGrace: 2 * time.Minute, HighWatermark: 0.8}
}

// HandleSource lists running handles.
type HandleSource interface {
	Snapshot() []registry.HandleInfo
}

// PoolSource reports pool occupancy.
type PoolSource interface {
	States() []pool.State
	Violations() int64
}

// PlatformStats is the connection picture of one platform.
type PlatformStats struct {
	Platform    channels.Platform `json:"platform"`
	Current     int               `json:"current"`
	Max         int               `json:"max"`
	Utilization float64           `json:"utilization"`
	Running     int               `json:"running"`
	Linking     int               `json:"linking"`
	Linked      int               `json:"linked"`
	Errored     int               `json:"errored"`
}

// Report is the result of HealthStatus.
type Report struct {
	Status      Status          `json:"status"`
	Initialized bool            `json:"initialized"`
	Platforms   []PlatformStats `json:"platforms"`
	Issues      []string        `json:"issues"`
	CheckedAt   time.Time       `json:"checked_at"`
}

// Aggregator computes health and exposes metrics.
type Aggregator struct {
	handles HandleSource
	pools   PoolSource
	metrics *metrics.Collector
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	initialized atomic.Bool
}

// New creates an aggregator. It reports unhealthy until Init is called.
func New(handles HandleSource, pools PoolSource, m *metrics.Collector, cfg Config, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ErrorGrace <= 0 {
		cfg.ErrorGrace = def.ErrorGrace
	}
	if cfg.HighWatermark <= 0 || cfg.HighWatermark > 1 {
		cfg.HighWatermark = def.HighWatermark
	}
	return &Aggregator{
		handles: handles,
		pools:   pools,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With("component", "health"),
		now:     time.Now,
	}
}

// Init marks the aggregator ready.
func (a *Aggregator) Init() {
	a.initialized.Store(true)
	a.logger.Info("health aggregator initialized",
		"error_grace", a.cfg.ErrorGrace, "high_watermark", a.cfg.HighWatermark)
}

// Shutdown marks the aggregator not ready, so the process reports unhealthy
// while draining.
func (a *Aggregator) Shutdown() {
	a.initialized.Store(false)
}

// Initialized reports whether Init has been called.
func (a *Aggregator) Initialized() bool { return a.initialized.Load() }

// HealthStatus builds a report from the current registry and pool state.
func (a *Aggregator) HealthStatus() Report {
	now := a.now()
	report := Report{
		Initialized: a.initialized.Load(),
		Issues:      []string{},
		CheckedAt:   now,
	}

	byPlatform := make(map[channels.Platform]*PlatformStats)
	for _, st := range a.pools.States() {
		ps := &PlatformStats{
			Platform:    st.Platform,
			Current:     st.Current,
			Max:         st.Max,
			Utilization: st.Utilization(),
		}
		byPlatform[st.Platform] = ps
	}

	for _, h := range a.handles.Snapshot() {
		ps, ok := byPlatform[h.Identity.Platform]
		if !ok {
			continue
		}
		switch h.Status.State {
		case channels.StateConnected:
			ps.Running++
		case channels.StateLinking:
			ps.Linking++
		case channels.StateError:
			ps.Errored++
			if d := now.Sub(h.Status.ErroredAt); !h.Status.ErroredAt.IsZero() && d > a.cfg.ErrorGrace {
				report.Issues = append(report.Issues, fmt.Sprintf("%s in error for %s: %s",
					h.Identity, d.Truncate(time.Second), h.Status.LastError))
			}
		}
		if h.Status.Linked {
			ps.Linked++
		}
	}

	saturated := false
	for _, p := range channels.Platforms() {
		ps, ok := byPlatform[p]
		if !ok {
			continue
		}
		// A zero ceiling means the platform is disabled, not saturated.
		if ps.Max > 0 {
			if ps.Utilization >= a.cfg.HighWatermark {
				report.Issues = append(report.Issues, fmt.Sprintf("%s pool at %.0f%% (%d/%d)",
					p, ps.Utilization*100, ps.Current, ps.Max))
			}
			if ps.Utilization > saturation {
				saturated = true
			}
		}
		report.Platforms = append(report.Platforms, *ps)
	}

	if v := a.pools.Violations(); v > 0 {
		report.Issues = append(report.Issues, fmt.Sprintf("pool released below zero %d times", v))
	}

	switch {
	case !report.Initialized:
		report.Status = StatusUnhealthy
	case len(report.Issues) > 0 || saturated:
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}
	return report
}

// GetMetrics returns the per-platform delivery metrics.
func (a *Aggregator) GetMetrics() metrics.Snapshot {
	return a.metrics.Snapshot()
}
