// Package whatsapp implements the WhatsApp channel using whatsmeow, a
// native Go WhatsApp Web client.
//
// Each user gets a private SQLite session database. Without a stored
// session, Start connects, moves to linking and returns; QR codes (and an
// optional phone pairing code) are then published on the event bus until the
// user links the device or the caller stops the adapter. With a stored
// session, Start reconnects and the channel is linked immediately.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
)

const (
	sessionFile = "whatsapp.db"

	// pairingCodeTTL is how long WhatsApp accepts a phone pairing code.
	pairingCodeTTL = 3 * time.Minute
)

// Options configures where sessions live and how the linked device is
// labelled in the user's phone.
type Options struct {
	// SessionRoot holds one directory per user unless the channel config
	// names its own SessionDir.
	SessionRoot string

	// DeviceName is shown in WhatsApp's linked devices list.
	DeviceName string
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{SessionRoot: "./data/sessions/whatsapp", DeviceName: "Lovenote"}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.SessionRoot == "" {
		o.SessionRoot = def.SessionRoot
	}
	if o.DeviceName == "" {
		o.DeviceName = def.DeviceName
	}
	return o
}

// Adapter is the WhatsApp channels.Adapter.
type Adapter struct {
	*channels.Lifecycle

	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	cfg       channels.Config
	container *sqlstore.Container
	client    *whatsmeow.Client
	cancel    context.CancelFunc

	pairing sync.WaitGroup
}

// New creates an idle WhatsApp adapter.
func New(id channels.Identity, bus *channels.Bus, opts Options, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		Lifecycle: channels.NewLifecycle(id, bus),
		opts:      opts.withDefaults(),
		logger:    logger.With(append([]any{"component", "whatsapp"}, id.LogAttrs()...)...),
	}
}

// NewFactory returns a channels.Factory building WhatsApp adapters.
func NewFactory(opts Options) channels.Factory {
	return func(id channels.Identity, bus *channels.Bus, logger *slog.Logger) (channels.Adapter, error) {
		return New(id, bus, opts, logger), nil
	}
}

func (a *Adapter) Platform() channels.Platform { return channels.PlatformWhatsApp }

// Start opens the session store and connects. It returns linked=false with
// the adapter in linking when the device still has to be paired.
func (a *Adapter) Start(ctx context.Context, cfg channels.Config) (bool, error) {
	ok, st := a.Begin()
	if !ok {
		return st == channels.StateConnected && a.IsLinked(), nil
	}

	phone := ""
	if cfg.PhoneNumber != "" {
		jid, err := parseJID(cfg.PhoneNumber)
		if err != nil {
			return false, a.Fail(fmt.Errorf("%w: phone number: %v", channels.ErrConfigurationInvalid, err))
		}
		phone = jid.User
	}

	path := a.sessionPath(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, a.Fail(fmt.Errorf("%w: session directory: %v", channels.ErrConfigurationInvalid, err))
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", path), waLog.Noop)
	if err != nil {
		return false, a.Fail(fmt.Errorf("%w: session store: %v", channels.ErrConnectionFailed, err))
	}
	device, err := getDevice(ctx, container)
	if err != nil {
		_ = container.Close()
		return false, a.Fail(fmt.Errorf("%w: session device: %v", channels.ErrConnectionFailed, err))
	}

	store.SetOSInfo(a.opts.DeviceName, [3]uint32{1, 0, 0})
	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(a.handleEvent)
	client.EnableAutoReconnect = true

	// Pairing outlives the request that started it; Stop cancels it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	a.mu.Lock()
	a.cfg = cfg
	a.container = container
	a.client = client
	a.cancel = cancel
	a.mu.Unlock()

	if client.Store.ID != nil {
		if err := client.Connect(); err != nil {
			a.teardown()
			return false, a.Fail(fmt.Errorf("%w: connect: %v", channels.ErrConnectionFailed, err))
		}
		if err := a.MarkLinked(); err != nil {
			return false, err
		}
		a.logger.Info("whatsapp: connected with stored session", "jid", client.Store.ID.String())
		return true, nil
	}

	qrChan, err := client.GetQRChannel(runCtx)
	if err != nil {
		a.teardown()
		return false, a.Fail(fmt.Errorf("%w: qr channel: %v", channels.ErrConnectionFailed, err))
	}
	if err := client.Connect(); err != nil {
		a.teardown()
		return false, a.Fail(fmt.Errorf("%w: connect for pairing: %v", channels.ErrConnectionFailed, err))
	}
	if err := a.Transition(channels.StateLinking); err != nil {
		a.teardown()
		return false, err
	}

	var requestCode func(context.Context) (string, error)
	if phone != "" {
		requestCode = func(ctx context.Context) (string, error) {
			return client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
		}
	}
	a.pairing.Add(1)
	go func() {
		defer a.pairing.Done()
		a.consumePairing(runCtx, qrChan, requestCode)
	}()

	a.logger.Info("whatsapp: waiting for device pairing", "phone_code", phone != "")
	return false, nil
}

// consumePairing relays pairing artifacts to the bus until the device is
// linked, the code expires or ctx is canceled. requestCode, when set, is
// called once after the first QR code to obtain a phone pairing code.
func (a *Adapter) consumePairing(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem, requestCode func(context.Context) (string, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case whatsmeow.QRChannelEventCode:
				a.PublishPairing(channels.EventQRCode, item.Code, item.Timeout)
				if requestCode != nil {
					code, err := requestCode(ctx)
					requestCode = nil
					if err != nil {
						a.logger.Warn("whatsapp: pairing code request failed", "error", err)
					} else {
						a.PublishPairing(channels.EventPairingCode, code, pairingCodeTTL)
					}
				}
			case whatsmeow.QRChannelSuccess.Event:
				if err := a.MarkLinked(); err != nil {
					a.logger.Warn("whatsapp: paired after stop", "error", err)
					return
				}
				a.logger.Info("whatsapp: device linked")
				return
			case whatsmeow.QRChannelTimeout.Event:
				a.Fail(fmt.Errorf("%w: pairing code expired", channels.ErrTimeout))
				return
			default:
				err := item.Error
				if err == nil {
					err = errors.New(item.Event)
				}
				a.Fail(fmt.Errorf("%w: pairing: %v", channels.ErrConnectionFailed, err))
				return
			}
		}
	}
}

// Stop cancels pairing, disconnects and closes the session store.
func (a *Adapter) Stop(context.Context) error {
	if !a.BeginStop() {
		return nil
	}
	a.teardown()
	a.pairing.Wait()
	a.FinishStop()
	a.logger.Info("whatsapp: stopped")
	return nil
}

// teardown releases the client and store. An unpaired session database is
// deleted so HasSession keeps meaning "can reconnect without pairing".
func (a *Adapter) teardown() {
	a.mu.Lock()
	cancel, client, container, cfg := a.cancel, a.client, a.container, a.cfg
	a.cancel, a.client, a.container = nil, nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	paired := false
	if client != nil {
		paired = client.Store.ID != nil
		client.Disconnect()
	}
	if container != nil {
		if err := container.Close(); err != nil {
			a.logger.Warn("whatsapp: closing session store", "error", err)
		}
		if !paired {
			if err := removeSession(a.sessionPath(cfg)); err != nil {
				a.logger.Warn("whatsapp: removing unpaired session", "error", err)
			}
		}
	}
}

// Send delivers a text message to a phone number or JID.
func (a *Adapter) Send(ctx context.Context, target, body string) error {
	start := time.Now()
	if err := a.Ready(); err != nil {
		return a.RecordSend(target, start, err)
	}
	jid, err := parseJID(target)
	if err != nil {
		return a.RecordSend(target, start, fmt.Errorf("%w: %v", channels.ErrInvalidTarget, err))
	}
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return a.RecordSend(target, start, fmt.Errorf("%w: whatsapp client closed", channels.ErrNotReady))
	}

	_, err = client.SendMessage(ctx, jid, buildTextMessage(body))
	if err != nil {
		err = classifySend(err)
	}
	return a.RecordSend(target, start, err)
}

// HasSession reports whether a session database exists for this user.
func (a *Adapter) HasSession() bool {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()
	_, err := os.Stat(a.sessionPath(cfg))
	return err == nil
}

// ClearSession unlinks the device when connected and deletes the session
// database, so the next Start requires pairing again.
func (a *Adapter) ClearSession(ctx context.Context, cfg channels.Config) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if client != nil && client.Store.ID != nil && client.IsConnected() {
		if err := client.Logout(ctx); err != nil {
			a.logger.Warn("whatsapp: logout failed, removing session anyway", "error", err)
		}
	}
	if err := removeSession(a.sessionPath(cfg)); err != nil {
		return fmt.Errorf("whatsapp: clear session: %w", err)
	}
	a.logger.Info("whatsapp: session cleared")
	return nil
}

func (a *Adapter) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Connected:
		a.Touch()
	case *events.PairSuccess:
		a.logger.Info("whatsapp: device paired", "jid", evt.ID.String(), "platform", evt.Platform)
	case *events.Disconnected:
		a.logger.Debug("whatsapp: disconnected, auto-reconnect pending")
	case *events.LoggedOut:
		a.Fail(fmt.Errorf("%w: logged out: %s", channels.ErrConnectionFailed, evt.Reason.String()))
	case *events.StreamReplaced:
		a.Fail(fmt.Errorf("%w: session opened elsewhere", channels.ErrConnectionFailed))
	case *events.TemporaryBan:
		a.Fail(fmt.Errorf("%w: temporary ban: %s", channels.ErrConnectionFailed, evt.String()))
	case *events.ConnectFailure:
		a.Fail(fmt.Errorf("%w: connect failure: %s", channels.ErrConnectionFailed, evt.Reason.String()))
	}
}

func (a *Adapter) sessionPath(cfg channels.Config) string {
	dir := cfg.SessionDir
	if dir == "" {
		dir = filepath.Join(a.opts.SessionRoot, safePathComponent(a.Identity().UserID))
	}
	return filepath.Join(dir, sessionFile)
}

// safePathComponent maps a user ID onto a single directory name.
func safePathComponent(s string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}

// removeSession deletes the database and its WAL side files.
func removeSession(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// getDevice returns the stored device or a fresh one to pair.
func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

func buildTextMessage(body string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(body)}
}

func classifySend(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, whatsmeow.ErrNotConnected) || errors.Is(err, whatsmeow.ErrNotLoggedIn) {
		return fmt.Errorf("%w: whatsapp: %v", channels.ErrNotReady, err)
	}
	return fmt.Errorf("%w: whatsapp: %v", channels.ErrSendFailed, err)
}

// parseJID accepts a full JID or a bare phone number in any formatting.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, errors.New("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

var _ channels.Adapter = (*Adapter)(nil)
