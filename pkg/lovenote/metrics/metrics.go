// Package metrics accumulates send outcomes per platform. Counters are
// process-local and reset on restart; they exist for monitoring only.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
	"github.com/lovenote/lovenote/pkg/lovenote/pool"
)

const topErrorsLimit = 5

type counter struct {
	sent           atomic.Int64
	failed         atomic.Int64
	totalLatencyMs atomic.Int64

	mu     sync.Mutex
	errors map[channels.ErrorCategory]int64
}

// Collector is the MetricsCounter for every platform. It consumes send
// outcome events from the channel bus and mirrors them into a private
// Prometheus registry.
type Collector struct {
	startedAt time.Time
	now       func() time.Time
	counters  map[channels.Platform]*counter

	registry *prometheus.Registry
	sends    *prometheus.CounterVec
	errs     *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New creates a collector whose uptime starts now.
func New() *Collector {
	c := &Collector{
		startedAt: time.Now(),
		now:       time.Now,
		counters:  make(map[channels.Platform]*counter),
		registry:  prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lovenote",
			Subsystem: "delivery",
			Name:      "sends_total",
			Help:      "Send attempts by platform and outcome.",
		}, []string{"platform", "outcome"}),
		errs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lovenote",
			Subsystem: "delivery",
			Name:      "errors_total",
			Help:      "Failed sends by platform and error category.",
		}, []string{"platform", "category"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lovenote",
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Duration of send attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}, []string{"platform"}),
	}
	for _, p := range channels.Platforms() {
		c.counters[p] = &counter{errors: make(map[channels.ErrorCategory]int64)}
	}
	c.registry.MustRegister(c.sends, c.errs, c.latency)
	return c
}

// OnEvent implements channels.Sink. Only send outcomes are counted.
func (c *Collector) OnEvent(evt channels.Event) {
	if !evt.IsSendOutcome() {
		return
	}
	c.Record(evt.Identity.Platform, evt.Kind == channels.EventSendSucceeded, evt.Latency, evt.Category)
}

// Record counts one send attempt.
func (c *Collector) Record(p channels.Platform, ok bool, latency time.Duration, category channels.ErrorCategory) {
	ctr, known := c.counters[p]
	if !known {
		return
	}
	if latency < 0 {
		latency = 0
	}
	ctr.totalLatencyMs.Add(latency.Milliseconds())
	c.latency.WithLabelValues(string(p)).Observe(latency.Seconds())

	if ok {
		ctr.sent.Add(1)
		c.sends.WithLabelValues(string(p), "sent").Inc()
		return
	}
	ctr.failed.Add(1)
	c.sends.WithLabelValues(string(p), "failed").Inc()

	if category == channels.CategoryNone {
		category = channels.CategoryUnknown
	}
	ctr.mu.Lock()
	ctr.errors[category]++
	ctr.mu.Unlock()
	c.errs.WithLabelValues(string(p), string(category)).Inc()
}

// ErrorCount is one entry of the error histogram.
type ErrorCount struct {
	Category channels.ErrorCategory `json:"category"`
	Count    int64                  `json:"count"`
}

// PlatformMetrics are the derived counters of one platform.
type PlatformMetrics struct {
	Sent         int64        `json:"sent"`
	Failed       int64        `json:"failed"`
	SuccessRate  float64      `json:"success_rate"`
	AvgLatencyMs float64      `json:"avg_latency_ms"`
	TopErrors    []ErrorCount `json:"top_errors"`
	UptimeMs     int64        `json:"uptime_ms"`
}

// Snapshot is the full metrics payload.
type Snapshot struct {
	Platforms map[channels.Platform]PlatformMetrics `json:"platforms"`
	StartedAt time.Time                             `json:"started_at"`
	UptimeMs  int64                                 `json:"uptime_ms"`
}

// Snapshot derives success rate, average latency and top errors from the
// raw counters.
func (c *Collector) Snapshot() Snapshot {
	uptime := c.now().Sub(c.startedAt).Milliseconds()
	out := Snapshot{
		Platforms: make(map[channels.Platform]PlatformMetrics, len(c.counters)),
		StartedAt: c.startedAt,
		UptimeMs:  uptime,
	}
	for p, ctr := range c.counters {
		sent, failed := ctr.sent.Load(), ctr.failed.Load()
		m := PlatformMetrics{
			Sent:        sent,
			Failed:      failed,
			SuccessRate: 1.0,
			TopErrors:   ctr.topErrors(topErrorsLimit),
			UptimeMs:    uptime,
		}
		if total := sent + failed; total > 0 {
			m.SuccessRate = float64(sent) / float64(total)
			m.AvgLatencyMs = float64(ctr.totalLatencyMs.Load()) / float64(total)
		}
		out.Platforms[p] = m
	}
	return out
}

func (ctr *counter) topErrors(n int) []ErrorCount {
	ctr.mu.Lock()
	out := make([]ErrorCount, 0, len(ctr.errors))
	for cat, count := range ctr.errors {
		out = append(out, ErrorCount{Category: cat, Count: count})
	}
	ctr.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// RegisterPool exports pool occupancy as gauges.
func (c *Collector) RegisterPool(g *pool.Guard) error {
	for _, p := range channels.Platforms() {
		labels := prometheus.Labels{"platform": string(p)}
		current := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "lovenote",
			Subsystem:   "pool",
			Name:        "connections",
			Help:        "Adapters currently holding a pool slot.",
			ConstLabels: labels,
		}, func() float64 { return float64(g.State(p).Current) })
		max := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "lovenote",
			Subsystem:   "pool",
			Name:        "max_connections",
			Help:        "Configured pool ceiling.",
			ConstLabels: labels,
		}, func() float64 { return float64(g.State(p).Max) })
		if err := c.registry.Register(current); err != nil {
			return err
		}
		if err := c.registry.Register(max); err != nil {
			return err
		}
	}
	return nil
}

// Registry exposes the Prometheus registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
