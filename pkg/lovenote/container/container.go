// Package container wires the lovenote services using go.uber.org/dig and
// owns their Init/Shutdown lifecycle.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/dig"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
	"github.com/lovenote/lovenote/pkg/lovenote/channels/discord"
	"github.com/lovenote/lovenote/pkg/lovenote/channels/telegram"
	"github.com/lovenote/lovenote/pkg/lovenote/channels/whatsapp"
	"github.com/lovenote/lovenote/pkg/lovenote/config"
	"github.com/lovenote/lovenote/pkg/lovenote/delivery"
	"github.com/lovenote/lovenote/pkg/lovenote/gateway"
	"github.com/lovenote/lovenote/pkg/lovenote/health"
	"github.com/lovenote/lovenote/pkg/lovenote/metrics"
	"github.com/lovenote/lovenote/pkg/lovenote/pool"
	"github.com/lovenote/lovenote/pkg/lovenote/registry"
	"github.com/lovenote/lovenote/pkg/lovenote/scheduler"
	"github.com/lovenote/lovenote/pkg/lovenote/store"
)

// factorySet and senderSet are named so dig does not confuse them with
// other maps.
type factorySet map[channels.Platform]channels.Factory

type senderSet map[channels.Platform]delivery.StatelessSender

// Container holds the resolved service singletons.
type Container struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	bus        *channels.Bus
	guard      *pool.Guard
	metrics    *metrics.Collector
	registry   *registry.Registry
	dispatcher *delivery.Dispatcher
	health     *health.Aggregator
	gateway    *gateway.Gateway
	scheduler  *scheduler.Scheduler
}

func (c *Container) Config() *config.Config           { return c.cfg }
func (c *Container) Store() *store.Store              { return c.store }
func (c *Container) Bus() *channels.Bus               { return c.bus }
func (c *Container) Pool() *pool.Guard                { return c.guard }
func (c *Container) Metrics() *metrics.Collector      { return c.metrics }
func (c *Container) Registry() *registry.Registry     { return c.registry }
func (c *Container) Dispatcher() *delivery.Dispatcher { return c.dispatcher }
func (c *Container) Health() *health.Aggregator       { return c.health }
func (c *Container) Gateway() *gateway.Gateway        { return c.gateway }
func (c *Container) Scheduler() *scheduler.Scheduler  { return c.scheduler }

// Option overrides a default collaborator.
type Option func(*options)

type options struct {
	factories factorySet
	senders   senderSet
}

// WithFactories replaces the adapter factories.
func WithFactories(f map[channels.Platform]channels.Factory) Option {
	return func(o *options) { o.factories = f }
}

// WithStatelessSenders replaces the token-platform senders.
func WithStatelessSenders(s map[channels.Platform]delivery.StatelessSender) Option {
	return func(o *options) { o.senders = s }
}

// New builds and wires all services from cfg. It opens the store but
// starts nothing; call Init next.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.factories == nil {
		o.factories = factorySet{
			channels.PlatformTelegram: telegram.NewFactory(telegram.Options{}),
			channels.PlatformWhatsApp: whatsapp.NewFactory(cfg.WhatsAppOptions()),
			channels.PlatformDiscord:  discord.NewFactory(discord.Options{}),
		}
	}
	if o.senders == nil {
		o.senders = senderSet{
			channels.PlatformTelegram: telegram.NewSender(telegram.Options{}),
			channels.PlatformDiscord:  discord.NewSender(nil),
		}
	}

	d := dig.New()
	providers := []any{
		func() *config.Config { return cfg },
		func() *slog.Logger { return logger },
		func() factorySet { return o.factories },
		func() senderSet { return o.senders },
		func(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
			return store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
		},
		channels.NewBus,
		newPool,
		newMetrics,
		newRegistry,
		newDispatcher,
		newHealth,
		newGateway,
		newScheduler,
	}
	for _, p := range providers {
		if err := d.Provide(p); err != nil {
			return nil, fmt.Errorf("container: %w", err)
		}
	}

	var c *Container
	err := d.Invoke(func(
		st *store.Store,
		bus *channels.Bus,
		guard *pool.Guard,
		m *metrics.Collector,
		reg *registry.Registry,
		disp *delivery.Dispatcher,
		h *health.Aggregator,
		gw *gateway.Gateway,
		sched *scheduler.Scheduler,
	) {
		c = &Container{
			cfg:        cfg,
			logger:     logger.With("component", "container"),
			store:      st,
			bus:        bus,
			guard:      guard,
			metrics:    m,
			registry:   reg,
			dispatcher: disp,
			health:     h,
			gateway:    gw,
			scheduler:  sched,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("container: %w", dig.RootCause(err))
	}
	return c, nil
}

func newPool(cfg *config.Config, logger *slog.Logger) *pool.Guard {
	return pool.New(cfg.PoolLimits(), logger)
}

// newMetrics subscribes the collector to send outcomes and exports the pool.
func newMetrics(bus *channels.Bus, guard *pool.Guard) (*metrics.Collector, error) {
	m := metrics.New()
	if err := m.RegisterPool(guard); err != nil {
		return nil, err
	}
	bus.AddSink(m)
	return m, nil
}

func newRegistry(guard *pool.Guard, bus *channels.Bus, f factorySet, logger *slog.Logger) *registry.Registry {
	return registry.New(guard, bus, f, logger)
}

func newDispatcher(cfg *config.Config, bus *channels.Bus, reg *registry.Registry, st *store.Store,
	s senderSet, logger *slog.Logger) *delivery.Dispatcher {
	return delivery.New(bus, reg, st, s, cfg.DeliveryOptions(), logger)
}

func newHealth(cfg *config.Config, reg *registry.Registry, guard *pool.Guard, m *metrics.Collector,
	logger *slog.Logger) *health.Aggregator {
	return health.New(reg, guard, m, cfg.HealthConfig(), logger)
}

func newGateway(cfg *config.Config, reg *registry.Registry, st *store.Store, disp *delivery.Dispatcher,
	h *health.Aggregator, bus *channels.Bus, m *metrics.Collector, logger *slog.Logger) *gateway.Gateway {
	return gateway.New(gateway.Deps{
		Registry:   reg,
		Store:      st,
		Dispatcher: disp,
		Health:     h,
		Bus:        bus,
		Prometheus: m.Handler(),
	}, gateway.Options{
		Address:        cfg.Gateway.Address,
		AuthToken:      cfg.Gateway.AuthToken,
		PairingTimeout: cfg.Setup.PairingTimeout,
	}, logger)
}

func newScheduler(disp *delivery.Dispatcher, logger *slog.Logger) *scheduler.Scheduler {
	return scheduler.New(disp, 0, logger)
}

// Init migrates the store, marks health ready and starts the scheduler with
// the configured jobs.
func (c *Container) Init(ctx context.Context) error {
	if err := c.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}
	for _, job := range c.cfg.Jobs() {
		if err := c.scheduler.Add(job); err != nil {
			return err
		}
	}
	if c.cfg.Health.SweepInterval > 0 {
		if err := c.scheduler.AddHealthSweep(c.cfg.Health.SweepInterval, c.health); err != nil {
			return err
		}
	}
	c.scheduler.Start()
	c.health.Init()
	c.logger.Info("services initialized", "name", c.cfg.Name, "jobs", len(c.cfg.Schedules))
	return nil
}

// Shutdown reverses Init: health goes unhealthy first, then the scheduler
// stops, every channel is stopped and the store is closed. All steps run;
// their errors are joined.
func (c *Container) Shutdown(ctx context.Context) error {
	c.health.Shutdown()
	c.scheduler.Stop(ctx)

	var errs []error
	if err := c.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	c.logger.Info("services stopped")
	return errors.Join(errs...)
}
