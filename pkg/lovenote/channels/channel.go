// Package channels defines the shared lifecycle contract for lovenote
// messaging channels. Each platform adapter (Telegram, WhatsApp, Discord)
// embeds a Lifecycle and implements Adapter so the registry can start, stop
// and query any of them the same way.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Platform identifies a messaging platform.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformWhatsApp Platform = "whatsapp"
	PlatformDiscord  Platform = "discord"
)

// Platforms returns every supported platform in a stable order.
func Platforms() []Platform {
	return []Platform{PlatformTelegram, PlatformWhatsApp, PlatformDiscord}
}

// ParsePlatform converts a user-supplied platform name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown platform %q", ErrConfigurationInvalid, s)
	}
	return p, nil
}

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformTelegram, PlatformWhatsApp, PlatformDiscord:
		return true
	}
	return false
}

// SessionBased reports whether the platform needs a paired session rather
// than a static credential.
func (p Platform) SessionBased() bool { return p == PlatformWhatsApp }

// Identity is the (user, platform) key of a single logical channel.
type Identity struct {
	UserID   string   `json:"user_id"`
	Platform Platform `json:"platform"`
}

// NewIdentity builds an Identity.
func NewIdentity(userID string, platform Platform) Identity {
	return Identity{UserID: userID, Platform: platform}
}

func (id Identity) String() string {
	return string(id.Platform) + ":" + id.UserID
}

// Validate rejects identities that can never address a channel.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrConfigurationInvalid)
	}
	if !id.Platform.Valid() {
		return fmt.Errorf("%w: unknown platform %q", ErrConfigurationInvalid, id.Platform)
	}
	return nil
}

// LogAttrs returns the slog attributes identifying this channel.
func (id Identity) LogAttrs() []any {
	return []any{"user_id", id.UserID, "platform", string(id.Platform)}
}

// Config is the platform-specific configuration of one channel. It is owned
// by the persistent store; adapters only keep it in memory while running.
type Config struct {
	// Token is the bot token (Telegram, Discord).
	Token string `json:"token,omitempty" yaml:"token" db:"token"`

	// SessionDir overrides the directory holding persisted session material
	// (WhatsApp). Empty means the adapter's default per-user directory.
	SessionDir string `json:"session_dir,omitempty" yaml:"session_dir" db:"session_dir"`

	// PhoneNumber requests a phone pairing code in addition to QR codes
	// (WhatsApp).
	PhoneNumber string `json:"phone_number,omitempty" yaml:"phone_number" db:"phone_number"`

	// Enabled is false when the owner switched the channel off.
	Enabled bool `json:"enabled" yaml:"enabled" db:"enabled"`
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.Token != "" {
		c.Token = "***"
	}
	return c
}

// Adapter is the uniform lifecycle over one platform transport. The set of
// implementations is closed: every adapter embeds *Lifecycle, which supplies
// the state machine and the unexported marker method.
type Adapter interface {
	// Platform returns the platform this adapter speaks.
	Platform() Platform

	// Start validates cfg against the platform and brings the transport up.
	// Calling Start on a connected adapter is a no-op success. A failed
	// Start leaves the adapter in StateError with no transport running.
	Start(ctx context.Context, cfg Config) (linked bool, err error)

	// Stop tears down the transport and releases session handles. It is
	// idempotent and never fails for an already stopped adapter.
	Stop(ctx context.Context) error

	// Send delivers body to target. Only permitted while connected and
	// linked; otherwise it fails with ErrNotReady without touching the
	// transport.
	Send(ctx context.Context, target, body string) error

	// HasSession reports whether persisted session material exists that
	// allows reconnecting without re-pairing. Always false for token-based
	// platforms.
	HasSession() bool

	// ClearSession deletes persisted session material. No-op for
	// token-based platforms.
	ClearSession(ctx context.Context, cfg Config) error

	Identity() Identity
	State() State
	IsLinked() bool
	Status() Status

	lifecycle() *Lifecycle
}

// Factory constructs a fresh, idle adapter for id.
type Factory func(id Identity, bus *Bus, logger *slog.Logger) (Adapter, error)
