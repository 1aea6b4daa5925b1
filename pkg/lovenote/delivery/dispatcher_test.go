package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
	"github.com/lovenote/lovenote/pkg/lovenote/channels/channeltest"
	"github.com/lovenote/lovenote/pkg/lovenote/metrics"
	"github.com/lovenote/lovenote/pkg/lovenote/pool"
	"github.com/lovenote/lovenote/pkg/lovenote/registry"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	err   error
	panic bool
}

func (s *fakeSender) Send(_ context.Context, cfg channels.Config, target, body string) error {
	if s.panic {
		panic("boom")
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cfg.Token+"|"+target+"|"+body)
	return nil
}

func (s *fakeSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeConfigs struct {
	configs map[channels.Identity]channels.Config
	err     error
	lookups atomic.Int64
}

func (f *fakeConfigs) FindChannelConfig(_ context.Context, id channels.Identity) (channels.Config, error) {
	f.lookups.Add(1)
	if f.err != nil {
		return channels.Config{}, f.err
	}
	cfg, ok := f.configs[id]
	if !ok {
		return channels.Config{}, fmt.Errorf("%w: %s", channels.ErrNotFound, id)
	}
	return cfg, nil
}

type fixture struct {
	d        *Dispatcher
	bus      *channels.Bus
	reg      *registry.Registry
	factory  *channeltest.Factory
	metrics  *metrics.Collector
	telegram *fakeSender
	discord  *fakeSender
	configs  *fakeConfigs
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		bus:      channels.NewBus(nil),
		factory:  channeltest.NewFactory(channeltest.Behavior{}),
		metrics:  metrics.New(),
		telegram: &fakeSender{},
		discord:  &fakeSender{},
		configs: &fakeConfigs{configs: map[channels.Identity]channels.Config{
			channels.NewIdentity("u1", channels.PlatformTelegram): {Token: "tg-token", Enabled: true},
			channels.NewIdentity("u1", channels.PlatformDiscord):  {Token: "dc-token", Enabled: true},
			channels.NewIdentity("off", channels.PlatformTelegram): {Token: "tg-token", Enabled: false},
		}},
	}
	f.bus.AddSink(f.metrics)
	f.reg = registry.New(pool.New(pool.DefaultLimits(), nil), f.bus, f.factory.Factories(), nil)
	f.d = New(f.bus, f.reg, f.configs, map[channels.Platform]StatelessSender{
		channels.PlatformTelegram: f.telegram,
		channels.PlatformDiscord:  f.discord,
	}, opts, nil)
	return f
}

func (f *fixture) counts(p channels.Platform) (int64, int64) {
	m := f.metrics.Snapshot().Platforms[p]
	return m.Sent, m.Failed
}

func TestStatelessSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	assert.True(t, f.d.Send(ctx, Request{UserID: "u1", Platform: channels.PlatformTelegram, Target: "42", Body: "hi"}))
	assert.True(t, f.d.Send(ctx, Request{UserID: "u1", Platform: channels.PlatformDiscord, Target: "chan", Body: "yo"}))

	assert.Equal(t, []string{"tg-token|42|hi"}, f.telegram.messages())
	assert.Equal(t, []string{"dc-token|chan|yo"}, f.discord.messages())
	assert.Zero(t, f.reg.Len(), "stateless sends never start a channel")

	sent, failed := f.counts(channels.PlatformTelegram)
	assert.Equal(t, int64(1), sent)
	assert.Zero(t, failed)
}

func TestStatelessSendWithExplicitConfig(t *testing.T) {
	f := newFixture(t, Options{})
	cfg := channels.Config{Token: "inline"}

	ok := f.d.Send(context.Background(), Request{UserID: "nobody", Platform: channels.PlatformTelegram,
		Target: "7", Body: "x", Config: &cfg})
	assert.True(t, ok)
	assert.Zero(t, f.configs.lookups.Load())
	assert.Equal(t, []string{"inline|7|x"}, f.telegram.messages())
}

func TestStatelessFailures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		req      Request
		setup    func(f *fixture)
		category channels.ErrorCategory
	}{
		{
			name:     "no stored config",
			req:      Request{UserID: "ghost", Platform: channels.PlatformTelegram, Target: "1", Body: "x"},
			category: channels.CategoryNotFound,
		},
		{
			name:     "disabled channel",
			req:      Request{UserID: "off", Platform: channels.PlatformTelegram, Target: "1", Body: "x"},
			category: channels.CategoryConfigurationInvalid,
		},
		{
			name:     "store error",
			req:      Request{UserID: "u1", Platform: channels.PlatformTelegram, Target: "1", Body: "x"},
			setup:    func(f *fixture) { f.configs.err = errors.New("db down") },
			category: channels.CategoryConfigurationInvalid,
		},
		{
			name:     "transport error",
			req:      Request{UserID: "u1", Platform: channels.PlatformTelegram, Target: "1", Body: "x"},
			setup:    func(f *fixture) { f.telegram.err = fmt.Errorf("%w: chat not found", channels.ErrInvalidTarget) },
			category: channels.CategoryInvalidTarget,
		},
		{
			name:     "empty target",
			req:      Request{UserID: "u1", Platform: channels.PlatformTelegram, Target: " ", Body: "x"},
			category: channels.CategoryInvalidTarget,
		},
		{
			name:     "panicking sender",
			req:      Request{UserID: "u1", Platform: channels.PlatformTelegram, Target: "1", Body: "x"},
			setup:    func(f *fixture) { f.telegram.panic = true },
			category: channels.CategorySendFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			if tt.setup != nil {
				tt.setup(f)
			}
			err := f.d.Deliver(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.category, channels.CategoryOf(err))
			assert.False(t, f.d.Send(ctx, tt.req))

			sent, failed := f.counts(channels.PlatformTelegram)
			assert.Zero(t, sent)
			assert.Equal(t, int64(2), failed)
		})
	}
}

func TestInvalidIdentityIsCountedOnce(t *testing.T) {
	f := newFixture(t, Options{})
	assert.False(t, f.d.Send(context.Background(), Request{Platform: channels.PlatformDiscord, Target: "c", Body: "x"}))
	_, failed := f.counts(channels.PlatformDiscord)
	assert.Equal(t, int64(1), failed)
}

func TestSessionPlatformFailsClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	req := Request{UserID: "u1", Platform: channels.PlatformWhatsApp, Target: "5511999999999", Body: "hi"}

	err := f.d.Deliver(ctx, req)
	assert.ErrorIs(t, err, channels.ErrNotReady)
	assert.Zero(t, f.reg.Len(), "no implicit start")
	assert.Empty(t, f.factory.Created())

	_, failed := f.counts(channels.PlatformWhatsApp)
	assert.Equal(t, int64(1), failed)
}

func TestSessionPlatformThroughRegistry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.factory.SetBehavior(channels.PlatformWhatsApp, channeltest.Behavior{RequirePairing: true, PairingCode: "2@x"})
	id := channels.NewIdentity("u1", channels.PlatformWhatsApp)
	req := Request{UserID: "u1", Platform: channels.PlatformWhatsApp, Target: "5511999999999", Body: "hi"}

	_, err := f.reg.StartChannel(ctx, id, channels.Config{Enabled: true})
	require.NoError(t, err)

	assert.ErrorIs(t, f.d.Deliver(ctx, req), channels.ErrNotReady, "linking is not enough")
	adapter := f.factory.Last()
	assert.Zero(t, adapter.TransportSends())

	require.NoError(t, adapter.CompletePairing())
	assert.True(t, f.d.Send(ctx, req))
	assert.Equal(t, int64(1), adapter.TransportSends())

	sent, failed := f.counts(channels.PlatformWhatsApp)
	assert.Equal(t, int64(1), sent)
	assert.Equal(t, int64(1), failed, "each attempt is counted exactly once")
}

func TestSentPlusFailedEqualsAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.factory.SetBehavior(channels.PlatformWhatsApp, channeltest.Behavior{})
	_, err := f.reg.StartChannel(ctx, channels.NewIdentity("u1", channels.PlatformWhatsApp), channels.Config{Enabled: true})
	require.NoError(t, err)

	const attempts = 300
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := Request{UserID: "u1", Target: "5511999999999", Body: "x"}
			switch i % 3 {
			case 0:
				req.Platform = channels.PlatformTelegram
			case 1:
				req.Platform = channels.PlatformWhatsApp
			default:
				req.Platform = channels.PlatformDiscord
				if i%2 == 0 {
					req.UserID = "ghost"
				}
			}
			f.d.Send(ctx, req)
		}()
	}
	wg.Wait()

	var total int64
	for _, p := range channels.Platforms() {
		sent, failed := f.counts(p)
		total += sent + failed
	}
	assert.Equal(t, int64(attempts), total)
}

func TestRateLimitRespectsDeadline(t *testing.T) {
	f := newFixture(t, Options{
		Timeout:    50 * time.Millisecond,
		RateLimits: map[channels.Platform]float64{channels.PlatformTelegram: 0.1},
	})
	req := Request{UserID: "u1", Platform: channels.PlatformTelegram, Target: "1", Body: "x"}

	require.NoError(t, f.d.Deliver(context.Background(), req), "burst allows the first send")
	err := f.d.Deliver(context.Background(), req)
	assert.ErrorIs(t, err, channels.ErrRateLimited)
	assert.Len(t, f.telegram.messages(), 1)

	sent, failed := f.counts(channels.PlatformTelegram)
	assert.Equal(t, int64(1), sent)
	assert.Equal(t, int64(1), failed)
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 30*time.Second, opts.Timeout)
	for _, p := range channels.Platforms() {
		assert.Positive(t, opts.RateLimits[p], p)
	}
}
