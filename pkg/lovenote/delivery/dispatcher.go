// Package delivery sends one message to one recipient on a named platform.
//
// Token platforms (Telegram, Discord) are sent statelessly with the bot
// token from the channel config and never touch the registry. WhatsApp needs
// an established session, so its sends go through the registry's running
// adapter and fail closed when none is connected and linked; the dispatcher
// never starts one implicitly.
//
// Every attempt produces exactly one send outcome event on the bus: adapter
// sends publish their own, and the dispatcher publishes for every path that
// does not reach an adapter.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
	"github.com/lovenote/lovenote/pkg/lovenote/registry"
)

// StatelessSender sends with credentials supplied per call.
type StatelessSender interface {
	Send(ctx context.Context, cfg channels.Config, target, body string) error
}

// ConfigSource finds the stored channel config of an identity. It returns
// an error wrapping channels.ErrNotFound when there is none.
type ConfigSource interface {
	FindChannelConfig(ctx context.Context, id channels.Identity) (channels.Config, error)
}

// HandleResolver looks up running adapters.
type HandleResolver interface {
	GetChannel(id channels.Identity) (*registry.Handle, bool)
}

// Request is one message to deliver.
type Request struct {
	UserID   string            `json:"user_id"`
	Platform channels.Platform `json:"platform"`
	Target   string            `json:"target"`
	Body     string            `json:"body"`

	// Config overrides the stored channel config for stateless platforms.
	Config *channels.Config `json:"-"`
}

// Identity returns the channel identity the request is sent from.
func (r Request) Identity() channels.Identity {
	return channels.NewIdentity(r.UserID, r.Platform)
}

// Options tunes the dispatcher.
type Options struct {
	// Timeout bounds one send including the rate limiter wait.
	Timeout time.Duration

	// RateLimits are sends per second per platform. Zero or missing means
	// unlimited.
	RateLimits map[channels.Platform]float64
}

// DefaultOptions returns conservative per-platform send rates.
func DefaultOptions() Options {
	return Options{
		Timeout: 30 * time.Second,
		RateLimits: map[channels.Platform]float64{
			channels.PlatformTelegram: 30,
			channels.PlatformWhatsApp: 20,
			channels.PlatformDiscord:  50,
		},
	}
}

// Dispatcher routes sends to the stateless or the managed path.
type Dispatcher struct {
	bus       *channels.Bus
	handles   HandleResolver
	configs   ConfigSource
	stateless map[channels.Platform]StatelessSender
	limiters  map[channels.Platform]*rate.Limiter
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a dispatcher. stateless holds the senders of token
// platforms; platforms absent from it are sent through handles. configs may
// be nil when every request carries its Config, and handles may be nil when
// only token platforms are sent.
func New(bus *channels.Bus, handles HandleResolver, configs ConfigSource,
	stateless map[channels.Platform]StatelessSender, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		bus:       bus,
		handles:   handles,
		configs:   configs,
		stateless: stateless,
		limiters:  make(map[channels.Platform]*rate.Limiter),
		timeout:   opts.Timeout,
		logger:    logger.With("component", "delivery"),
		now:       time.Now,
	}
	for p, perSecond := range opts.RateLimits {
		if perSecond <= 0 {
			continue
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiters[p] = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return d
}

// Send delivers req and reports whether it succeeded. Failures are logged
// and counted, never returned; the caller retries on its next run.
func (d *Dispatcher) Send(ctx context.Context, req Request) bool {
	return d.Deliver(ctx, req) == nil
}

// Deliver is Send with the error kept for callers that surface it.
func (d *Dispatcher) Deliver(ctx context.Context, req Request) (err error) {
	start := d.now()
	id := req.Identity()
	reported := false

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic during send: %v", channels.ErrSendFailed, r)
			reported = false
		}
		if !reported {
			d.publish(id, req.Target, start, err)
		}
		if err != nil {
			d.logger.Warn("delivery failed", append(id.LogAttrs(),
				"target", req.Target, "category", channels.CategoryOf(err), "error", err)...)
		} else {
			d.logger.Debug("delivered", append(id.LogAttrs(), "target", req.Target)...)
		}
	}()

	if err := id.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(req.Target) == "" {
		return fmt.Errorf("%w: empty target", channels.ErrInvalidTarget)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if err := d.wait(ctx, req.Platform); err != nil {
		return err
	}

	if sender, ok := d.stateless[req.Platform]; ok {
		cfg, err := d.configFor(ctx, req)
		if err != nil {
			return err
		}
		return sender.Send(ctx, cfg, req.Target, req.Body)
	}

	if d.handles == nil {
		return fmt.Errorf("%w: %s needs a running channel", channels.ErrNotReady, id)
	}
	h, ok := d.handles.GetChannel(id)
	if !ok {
		return fmt.Errorf("%w: %s has no running channel", channels.ErrNotReady, id)
	}
	// The adapter publishes the outcome of this attempt itself.
	reported = true
	return h.Send(ctx, req.Target, req.Body)
}

func (d *Dispatcher) wait(ctx context.Context, p channels.Platform) error {
	l, ok := d.limiters[p]
	if !ok {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", channels.ErrRateLimited, p, err)
	}
	return nil
}

func (d *Dispatcher) configFor(ctx context.Context, req Request) (channels.Config, error) {
	if req.Config != nil {
		return *req.Config, nil
	}
	if d.configs == nil {
		return channels.Config{}, fmt.Errorf("%w: no config for %s", channels.ErrConfigurationInvalid, req.Identity())
	}
	cfg, err := d.configs.FindChannelConfig(ctx, req.Identity())
	if err != nil {
		if errors.Is(err, channels.ErrNotFound) {
			return channels.Config{}, err
		}
		return channels.Config{}, fmt.Errorf("%w: config lookup: %v", channels.ErrConfigurationInvalid, err)
	}
	if !cfg.Enabled {
		return channels.Config{}, fmt.Errorf("%w: %s is disabled", channels.ErrConfigurationInvalid, req.Identity())
	}
	return cfg, nil
}

func (d *Dispatcher) publish(id channels.Identity, target string, start time.Time, err error) {
	evt := channels.Event{
		Kind:     channels.EventSendSucceeded,
		Identity: id,
		Target:   target,
		Latency:  d.now().Sub(start),
	}
	if err != nil {
		evt.Kind = channels.EventSendFailed
		evt.Error = err.Error()
		evt.Category = channels.CategoryOf(err)
	}
	d.bus.Publish(evt)
}
