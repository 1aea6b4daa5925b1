// Package telegram implements the Telegram channel on top of the Bot API.
//
// The adapter is send-only: starting it proves the bot token with getMe and
// the channel is linked immediately, since a bot token is the whole of a
// Telegram identity. Sender offers the same delivery path without a running
// adapter, for the dispatcher's stateless sends.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
)

// MaxMessageLength is the Bot API limit for one text message.
const MaxMessageLength = 4096

// Options configures how the adapter reaches the Bot API.
type Options struct {
	// Endpoint is the Bot API URL template with token and method
	// placeholders. Defaults to tgbotapi.APIEndpoint.
	Endpoint string

	// Client performs the HTTP requests. Defaults to a 30s-timeout client.
	Client *http.Client
}

func (o Options) withDefaults() Options {
	if o.Endpoint == "" {
		o.Endpoint = tgbotapi.APIEndpoint
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return o
}

// Adapter is the Telegram channels.Adapter.
type Adapter struct {
	*channels.Lifecycle

	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	token string
	bot   tgbotapi.User
}

// New creates an idle Telegram adapter.
func New(id channels.Identity, bus *channels.Bus, opts Options, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		Lifecycle: channels.NewLifecycle(id, bus),
		opts:      opts.withDefaults(),
		logger:    logger.With(append([]any{"component", "telegram"}, id.LogAttrs()...)...),
	}
}

// NewFactory returns a channels.Factory building Telegram adapters.
func NewFactory(opts Options) channels.Factory {
	return func(id channels.Identity, bus *channels.Bus, logger *slog.Logger) (channels.Adapter, error) {
		return New(id, bus, opts, logger), nil
	}
}

func (a *Adapter) Platform() channels.Platform { return channels.PlatformTelegram }

// Start validates the token with getMe. There is no pairing phase.
func (a *Adapter) Start(ctx context.Context, cfg channels.Config) (bool, error) {
	ok, st := a.Begin()
	if !ok {
		return st == channels.StateConnected && a.IsLinked(), nil
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return false, a.Fail(fmt.Errorf("%w: telegram bot token is required", channels.ErrConfigurationInvalid))
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, a.opts.Endpoint, ctxClient{ctx: ctx, client: a.opts.Client})
	if err != nil {
		return false, a.Fail(classifyStart(err))
	}

	a.mu.Lock()
	a.token = token
	a.bot = bot.Self
	a.mu.Unlock()

	if err := a.MarkLinked(); err != nil {
		return false, err
	}
	a.logger.Info("telegram: connected", "bot", bot.Self.UserName, "bot_id", bot.Self.ID)
	return true, nil
}

// Stop forgets the token. Nothing is held open between sends.
func (a *Adapter) Stop(context.Context) error {
	if !a.BeginStop() {
		return nil
	}
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
	a.FinishStop()
	a.logger.Info("telegram: stopped")
	return nil
}

// Send delivers body to a numeric chat ID or an @channel username.
func (a *Adapter) Send(ctx context.Context, target, body string) error {
	start := time.Now()
	if err := a.Ready(); err != nil {
		return a.RecordSend(target, start, err)
	}
	a.mu.RLock()
	token := a.token
	a.mu.RUnlock()

	err := deliver(ctx, a.opts, token, target, body)
	return a.RecordSend(target, start, err)
}

// BotUsername returns the username reported by getMe.
func (a *Adapter) BotUsername() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bot.UserName
}

// HasSession is always false: a bot token is not session material.
func (a *Adapter) HasSession() bool { return false }

// ClearSession is a no-op for token platforms.
func (a *Adapter) ClearSession(context.Context, channels.Config) error { return nil }

// Sender sends through the Bot API without a running adapter.
type Sender struct {
	opts Options
}

// NewSender creates a stateless sender.
func NewSender(opts Options) *Sender {
	return &Sender{opts: opts.withDefaults()}
}

// Send delivers body with the token from cfg.
func (s *Sender) Send(ctx context.Context, cfg channels.Config, target, body string) error {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return fmt.Errorf("%w: telegram bot token is required", channels.ErrConfigurationInvalid)
	}
	return deliver(ctx, s.opts, token, target, body)
}

func deliver(ctx context.Context, opts Options, token, target, body string) error {
	bot := &tgbotapi.BotAPI{
		Token:  token,
		Buffer: 100,
		Client: ctxClient{ctx: ctx, client: opts.Client},
	}
	bot.SetAPIEndpoint(opts.Endpoint)

	msgFor, err := messageBuilder(target)
	if err != nil {
		return err
	}
	for _, chunk := range channels.SplitText(body, MaxMessageLength) {
		if _, err := bot.Send(msgFor(chunk)); err != nil {
			return classifySend(err)
		}
	}
	return nil
}

// messageBuilder resolves target into a function producing one message
// per chunk. Targets are numeric chat IDs or @channel usernames.
func messageBuilder(target string) (func(string) tgbotapi.MessageConfig, error) {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "@") && len(target) > 1 {
		return func(text string) tgbotapi.MessageConfig {
			return tgbotapi.NewMessageToChannel(target, text)
		}, nil
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: telegram chat %q", channels.ErrInvalidTarget, target)
	}
	return func(text string) tgbotapi.MessageConfig {
		return tgbotapi.NewMessage(chatID, text)
	}, nil
}

func classifyStart(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusNotFound:
			return fmt.Errorf("%w: telegram rejected token: %s", channels.ErrConfigurationInvalid, apiErr.Message)
		}
		return fmt.Errorf("%w: telegram getMe: %s", channels.ErrConnectionFailed, apiErr.Message)
	}
	return fmt.Errorf("%w: telegram getMe: %v", channels.ErrConnectionFailed, err)
}

func classifySend(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: telegram: %v", channels.ErrSendFailed, err)
	}
	switch apiErr.Code {
	case http.StatusBadRequest, http.StatusForbidden:
		return fmt.Errorf("%w: telegram: %s", channels.ErrInvalidTarget, apiErr.Message)
	case http.StatusUnauthorized, http.StatusNotFound:
		return fmt.Errorf("%w: telegram: %s", channels.ErrConfigurationInvalid, apiErr.Message)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: telegram: retry after %ds", channels.ErrRateLimited, apiErr.RetryAfter)
	}
	return fmt.Errorf("%w: telegram: %s", channels.ErrSendFailed, apiErr.Message)
}

// ctxClient binds a context to every Bot API request.
type ctxClient struct {
	ctx    context.Context
	client *http.Client
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

var _ channels.Adapter = (*Adapter)(nil)
