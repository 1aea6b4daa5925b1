// Package scheduler runs configured deliveries on cron schedules and a
// periodic health sweep. It only talks to the dispatcher, never to the
// registry: a recipient whose channel is down simply fails this tick and is
// tried again on the next one.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lovenote/lovenote/pkg/lovenote/delivery"
	"github.com/lovenote/lovenote/pkg/lovenote/health"
)

// Sender delivers one request and reports success.
type Sender interface {
	Send(ctx context.Context, req delivery.Request) bool
}

// HealthChecker produces a health report.
type HealthChecker interface {
	HealthStatus() health.Report
}

// Job is one scheduled delivery fan-out.
type Job struct {
	// Name identifies the job.
	Name string `json:"name"`

	// Schedule is a 5-field cron expression or a descriptor such as
	// @daily or @every 1h.
	Schedule string `json:"schedule"`

	// Requests are sent once each per tick.
	Requests []delivery.Request `json:"requests"`
}

// RunResult counts the outcomes of one tick.
type RunResult struct {
	Job       string        `json:"job"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Scheduler owns a cron runner.
type Scheduler struct {
	sender     Sender
	jobTimeout time.Duration
	logger     *slog.Logger

	cron *cron.Cron

	mu      sync.RWMutex
	jobs    map[string]*Job
	entries map[string]cron.EntryID
	last    map[string]RunResult
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a stopped scheduler. jobTimeout bounds one tick of one job;
// zero means five minutes.
func New(sender Sender, jobTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	runner := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sender:     sender,
		jobTimeout: jobTimeout,
		logger:     logger,
		cron:       runner,
		jobs:       make(map[string]*Job),
		entries:    make(map[string]cron.EntryID),
		last:       make(map[string]RunResult),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Add registers job. Names are unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("scheduler: job name is required")
	}
	if len(job.Requests) == 0 {
		return fmt.Errorf("scheduler: job %q has no recipients", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("scheduler: job %q already exists", job.Name)
	}
	j := &job
	id, err := s.cron.AddFunc(job.Schedule, func() { s.run(s.ctx, j) })
	if err != nil {
		return fmt.Errorf("scheduler: job %q: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}
	s.jobs[job.Name] = j
	s.entries[job.Name] = id
	s.logger.Info("job added", "job", job.Name, "schedule", job.Schedule, "recipients", len(job.Requests))
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: job %q not found", name)
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	delete(s.jobs, name)
	s.logger.Info("job removed", "job", name)
	return nil
}

// Jobs lists registered jobs by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// LastRun returns the result of the job's latest tick.
func (s *Scheduler) LastRun(name string) (RunResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.last[name]
	return r, ok
}

// RunNow runs a registered job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (RunResult, error) {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return RunResult{}, fmt.Errorf("scheduler: job %q not found", name)
	}
	return s.run(ctx, j), nil
}

// AddHealthSweep logs the health status every interval when it is not
// healthy.
func (s *Scheduler) AddHealthSweep(interval time.Duration, checker HealthChecker) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: health sweep interval must be positive")
	}
	_, err := s.cron.AddFunc("@every "+interval.String(), func() { s.sweep(checker) })
	return err
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "entries", len(s.cron.Entries()))
}

// Stop stops firing jobs, cancels running ticks and waits for them up to
// the given context.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, j *Job) RunResult {
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	res := RunResult{Job: j.Name, StartedAt: time.Now()}
	for _, req := range j.Requests {
		if ctx.Err() != nil {
			res.Failed += len(j.Requests) - res.Sent - res.Failed
			break
		}
		if s.sender.Send(ctx, req) {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	res.Duration = time.Since(res.StartedAt)

	s.mu.Lock()
	s.last[j.Name] = res
	s.mu.Unlock()

	level := slog.LevelInfo
	if res.Failed > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "job finished",
		"job", j.Name, "sent", res.Sent, "failed", res.Failed, "duration", res.Duration)
	return res
}

func (s *Scheduler) sweep(checker HealthChecker) {
	report := checker.HealthStatus()
	if report.Status == health.StatusHealthy {
		s.logger.Debug("health sweep", "status", report.Status)
		return
	}
	s.logger.Warn("health sweep", "status", report.Status, "issues", report.Issues)
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
