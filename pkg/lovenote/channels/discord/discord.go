// Package discord implements the Discord channel using discordgo.
//
// Start validates the bot token against the REST API and then opens the
// gateway so the bot shows as online; sends always go over REST. Sender
// offers the same REST path for stateless delivery.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
)

// MaxMessageLength is Discord's limit per message.
const MaxMessageLength = 2000

// userTargetPrefix marks a target as a user ID to be messaged by DM
// instead of a channel ID.
const userTargetPrefix = "user:"

// Options configures the adapter.
type Options struct {
	// Client performs REST requests. Nil keeps discordgo's default.
	Client *http.Client

	// DisableGateway skips the websocket connection; the adapter is then
	// REST-only.
	DisableGateway bool
}

// Adapter is the Discord channels.Adapter.
type Adapter struct {
	*channels.Lifecycle

	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	session *discordgo.Session
}

// New creates an idle Discord adapter.
func New(id channels.Identity, bus *channels.Bus, opts Options, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		Lifecycle: channels.NewLifecycle(id, bus),
		opts:      opts,
		logger:    logger.With(append([]any{"component", "discord"}, id.LogAttrs()...)...),
	}
}

// NewFactory returns a channels.Factory building Discord adapters.
func NewFactory(opts Options) channels.Factory {
	return func(id channels.Identity, bus *channels.Bus, logger *slog.Logger) (channels.Adapter, error) {
		return New(id, bus, opts, logger), nil
	}
}

func (a *Adapter) Platform() channels.Platform { return channels.PlatformDiscord }

// Start validates the token with GET /users/@me, then opens the gateway.
func (a *Adapter) Start(ctx context.Context, cfg channels.Config) (bool, error) {
	ok, st := a.Begin()
	if !ok {
		return st == channels.StateConnected && a.IsLinked(), nil
	}

	session, err := newSession(cfg.Token, a.opts.Client)
	if err != nil {
		return false, a.Fail(err)
	}

	user, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return false, a.Fail(classifyStart(err))
	}

	if !a.opts.DisableGateway {
		session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
		session.AddHandler(a.onDisconnect)
		session.AddHandler(a.onResumed)
		if err := session.Open(); err != nil {
			return false, a.Fail(fmt.Errorf("%w: discord gateway: %v", channels.ErrConnectionFailed, err))
		}
	}

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	if err := a.MarkLinked(); err != nil {
		a.closeSession()
		return false, err
	}
	a.logger.Info("discord: connected", "bot", user.Username, "bot_id", user.ID)
	return true, nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(context.Context) error {
	if !a.BeginStop() {
		return nil
	}
	a.closeSession()
	a.FinishStop()
	a.logger.Info("discord: stopped")
	return nil
}

func (a *Adapter) closeSession() {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()
	if session == nil || a.opts.DisableGateway {
		return
	}
	if err := session.Close(); err != nil {
		a.logger.Warn("discord: closing gateway", "error", err)
	}
}

// Send delivers body to a channel ID, or to a user by DM for "user:<id>".
func (a *Adapter) Send(ctx context.Context, target, body string) error {
	start := time.Now()
	if err := a.Ready(); err != nil {
		return a.RecordSend(target, start, err)
	}
	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()
	if session == nil {
		return a.RecordSend(target, start, fmt.Errorf("%w: discord session closed", channels.ErrNotReady))
	}
	return a.RecordSend(target, start, deliver(ctx, session, target, body))
}

// HasSession is always false: a bot token is not session material.
func (a *Adapter) HasSession() bool { return false }

// ClearSession is a no-op for token platforms.
func (a *Adapter) ClearSession(context.Context, channels.Config) error { return nil }

func (a *Adapter) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	// discordgo reconnects on its own; sends keep working over REST.
	a.logger.Warn("discord: gateway disconnected")
}

func (a *Adapter) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	a.Touch()
	a.logger.Info("discord: gateway resumed")
}

// Sender sends over REST without a running adapter.
type Sender struct {
	client *http.Client
}

// NewSender creates a stateless sender. client may be nil.
func NewSender(client *http.Client) *Sender {
	return &Sender{client: client}
}

// Send delivers body with the token from cfg.
func (s *Sender) Send(ctx context.Context, cfg channels.Config, target, body string) error {
	session, err := newSession(cfg.Token, s.client)
	if err != nil {
		return err
	}
	return deliver(ctx, session, target, body)
}

func newSession(token string, client *http.Client) (*discordgo.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: discord bot token is required", channels.ErrConfigurationInvalid)
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("%w: discord session: %v", channels.ErrConfigurationInvalid, err)
	}
	if client != nil {
		session.Client = client
	}
	return session, nil
}

func deliver(ctx context.Context, session *discordgo.Session, target, body string) error {
	channelID := strings.TrimSpace(target)
	if channelID == "" {
		return fmt.Errorf("%w: empty discord target", channels.ErrInvalidTarget)
	}
	if userID, ok := strings.CutPrefix(channelID, userTargetPrefix); ok {
		dm, err := session.UserChannelCreate(userID, discordgo.WithContext(ctx))
		if err != nil {
			return classifySend(err)
		}
		channelID = dm.ID
	}
	for _, chunk := range channels.SplitText(body, MaxMessageLength) {
		if _, err := session.ChannelMessageSend(channelID, chunk,
			discordgo.WithContext(ctx), discordgo.WithRetryOnRatelimit(false)); err != nil {
			return classifySend(err)
		}
	}
	return nil
}

func statusOf(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode
	}
	return 0
}

func classifyStart(err error) error {
	switch statusOf(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: discord rejected token: %v", channels.ErrConfigurationInvalid, err)
	}
	return fmt.Errorf("%w: discord: %v", channels.ErrConnectionFailed, err)
}

func classifySend(err error) error {
	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("%w: discord: %v", channels.ErrRateLimited, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	switch statusOf(err) {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%w: discord: %v", channels.ErrInvalidTarget, err)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: discord: %v", channels.ErrConfigurationInvalid, err)
	}
	return fmt.Errorf("%w: discord: %v", channels.ErrSendFailed, err)
}

var _ channels.Adapter = (*Adapter)(nil)
