// Package config defines the lovenote configuration file and its defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
	"github.com/lovenote/lovenote/pkg/lovenote/channels/whatsapp"
	"github.com/lovenote/lovenote/pkg/lovenote/delivery"
	"github.com/lovenote/lovenote/pkg/lovenote/health"
	"github.com/lovenote/lovenote/pkg/lovenote/pool"
	"github.com/lovenote/lovenote/pkg/lovenote/scheduler"
	"github.com/lovenote/lovenote/pkg/lovenote/store"
)

// Config is the root of lovenote.yaml.
type Config struct {
	Name      string          `yaml:"name"`
	Logging   LoggingConfig   `yaml:"logging"`
	Pool      PoolConfig      `yaml:"pool"`
	Health    HealthConfig    `yaml:"health"`
	Database  DatabaseConfig  `yaml:"database"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Setup     SetupConfig     `yaml:"setup"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Schedules []ScheduleEntry `yaml:"schedules"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// PoolConfig holds the per-platform adapter ceilings.
type PoolConfig struct {
	Telegram int `yaml:"telegram"`
	WhatsApp int `yaml:"whatsapp"`
	Discord  int `yaml:"discord"`
}

// HealthConfig tunes issue detection.
type HealthConfig struct {
	ErrorGrace    time.Duration `yaml:"error_grace"`
	HighWatermark float64       `yaml:"high_watermark"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DatabaseConfig selects the channel config store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// WhatsAppConfig configures session storage.
type WhatsAppConfig struct {
	SessionDir string `yaml:"session_dir"`
	DeviceName string `yaml:"device_name"`
}

// DeliveryConfig tunes the dispatcher.
type DeliveryConfig struct {
	Timeout    time.Duration      `yaml:"timeout"`
	RateLimits map[string]float64 `yaml:"rate_limits"`
}

// SetupConfig bounds the interactive pairing flow.
type SetupConfig struct {
	PairingTimeout time.Duration `yaml:"pairing_timeout"`
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	Address   string `yaml:"address"`
	AuthToken string `yaml:"auth_token"`
}

// ScheduleEntry is one cron-driven delivery.
type ScheduleEntry struct {
	Name       string      `yaml:"name"`
	Schedule   string      `yaml:"schedule"`
	Recipients []Recipient `yaml:"recipients"`
}

// Recipient is one message of a scheduled delivery.
type Recipient struct {
	UserID   string `yaml:"user_id"`
	Platform string `yaml:"platform"`
	Target   string `yaml:"target"`
	Body     string `yaml:"body"`
}

// Default returns the configuration used for every field the file omits.
func Default() *Config {
	limits := pool.DefaultLimits()
	hc := health.DefaultConfig()
	do := delivery.DefaultOptions()
	wa := whatsapp.DefaultOptions()

	rates := make(map[string]float64, len(do.RateLimits))
	for p, r := range do.RateLimits {
		rates[string(p)] = r
	}
	return &Config{
		Name:    "lovenote",
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Pool: PoolConfig{
			Telegram: limits[channels.PlatformTelegram],
			WhatsApp: limits[channels.PlatformWhatsApp],
			Discord:  limits[channels.PlatformDiscord],
		},
		Health: HealthConfig{
			ErrorGrace:    hc.ErrorGrace,
			HighWatermark: hc.HighWatermark,
			SweepInterval: time.Minute,
		},
		Database: DatabaseConfig{Driver: store.DriverSQLite, DSN: "./data/lovenote.db"},
		WhatsApp: WhatsAppConfig{SessionDir: wa.SessionRoot, DeviceName: wa.DeviceName},
		Delivery: DeliveryConfig{Timeout: do.Timeout, RateLimits: rates},
		Setup:    SetupConfig{PairingTimeout: 5 * time.Minute},
		Gateway:  GatewayConfig{Address: "127.0.0.1:8085"},
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	for name, v := range map[string]int{
		"pool.telegram": c.Pool.Telegram,
		"pool.whatsapp": c.Pool.WhatsApp,
		"pool.discord":  c.Pool.Discord,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative (got %d)", name, v))
		}
	}
	if c.Health.HighWatermark <= 0 || c.Health.HighWatermark > 1 {
		errs = append(errs, fmt.Errorf("health.high_watermark must be in (0,1] (got %v)", c.Health.HighWatermark))
	}
	if c.Health.ErrorGrace < 0 {
		errs = append(errs, errors.New("health.error_grace must not be negative"))
	}
	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of sqlite3, postgres", c.Database.Driver))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not json or text", c.Logging.Format))
	}
	if c.Setup.PairingTimeout <= 0 {
		errs = append(errs, errors.New("setup.pairing_timeout must be positive"))
	}
	for p, r := range c.Delivery.RateLimits {
		if _, err := channels.ParsePlatform(p); err != nil {
			errs = append(errs, fmt.Errorf("delivery.rate_limits: %w", err))
		}
		if r < 0 {
			errs = append(errs, fmt.Errorf("delivery.rate_limits.%s must not be negative", p))
		}
	}
	for i, s := range c.Schedules {
		errs = append(errs, s.validate(i)...)
	}
	return errors.Join(errs...)
}

func (s ScheduleEntry) validate(i int) []error {
	label := fmt.Sprintf("schedules[%d]", i)
	if s.Name != "" {
		label = fmt.Sprintf("schedules[%s]", s.Name)
	}
	var errs []error
	if _, err := cron.ParseStandard(s.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("%s: schedule %q: %w", label, s.Schedule, err))
	}
	if len(s.Recipients) == 0 {
		errs = append(errs, fmt.Errorf("%s: no recipients", label))
	}
	for j, r := range s.Recipients {
		if _, err := channels.ParsePlatform(r.Platform); err != nil {
			errs = append(errs, fmt.Errorf("%s.recipients[%d]: %w", label, j, err))
		}
		if r.UserID == "" || r.Target == "" {
			errs = append(errs, fmt.Errorf("%s.recipients[%d]: user_id and target are required", label, j))
		}
	}
	return errs
}

// PoolLimits converts the pool section.
func (c *Config) PoolLimits() pool.Limits {
	return pool.Limits{
		channels.PlatformTelegram: c.Pool.Telegram,
		channels.PlatformWhatsApp: c.Pool.WhatsApp,
		channels.PlatformDiscord:  c.Pool.Discord,
	}
}

// HealthConfig converts the health section.
func (c *Config) HealthConfig() health.Config {
	return health.Config{ErrorGrace: c.Health.ErrorGrace, HighWatermark: c.Health.HighWatermark}
}

// DeliveryOptions converts the delivery section. Unknown platforms are
// dropped; Validate reports them.
func (c *Config) DeliveryOptions() delivery.Options {
	opts := delivery.Options{Timeout: c.Delivery.Timeout, RateLimits: make(map[channels.Platform]float64)}
	for name, r := range c.Delivery.RateLimits {
		if p, err := channels.ParsePlatform(name); err == nil {
			opts.RateLimits[p] = r
		}
	}
	return opts
}

// WhatsAppOptions converts the whatsapp section.
func (c *Config) WhatsAppOptions() whatsapp.Options {
	return whatsapp.Options{SessionRoot: c.WhatsApp.SessionDir, DeviceName: c.WhatsApp.DeviceName}
}

// Jobs converts the schedules section. Recipients on unknown platforms are
// dropped; Validate reports them.
func (c *Config) Jobs() []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(c.Schedules))
	for _, s := range c.Schedules {
		job := scheduler.Job{Name: s.Name, Schedule: s.Schedule}
		for _, r := range s.Recipients {
			p, err := channels.ParsePlatform(r.Platform)
			if err != nil {
				continue
			}
			job.Requests = append(job.Requests, delivery.Request{
				UserID: r.UserID, Platform: p, Target: r.Target, Body: r.Body,
			})
		}
		jobs = append(jobs, job)
	}
	return jobs
}
