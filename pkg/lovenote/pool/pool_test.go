package pool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
)

func TestTryAcquireRespectsCeiling(t *testing.T) {
	g := New(Limits{channels.PlatformTelegram: 2}, nil)

	assert.True(t, g.TryAcquire(channels.PlatformTelegram))
	assert.True(t, g.TryAcquire(channels.PlatformTelegram))
	assert.False(t, g.TryAcquire(channels.PlatformTelegram))
	assert.Equal(t, State{Platform: channels.PlatformTelegram, Current: 2, Max: 2}, g.State(channels.PlatformTelegram))

	// Platforms without a limit have a ceiling of zero.
	assert.False(t, g.TryAcquire(channels.PlatformDiscord))
	assert.False(t, g.TryAcquire("irc"))
}

func TestReleaseUnderflowClamps(t *testing.T) {
	g := New(Limits{channels.PlatformWhatsApp: 1}, nil)

	require.True(t, g.TryAcquire(channels.PlatformWhatsApp))
	require.NoError(t, g.Release(channels.PlatformWhatsApp))

	err := g.Release(channels.PlatformWhatsApp)
	assert.ErrorIs(t, err, ErrReleaseUnderflow)
	assert.Equal(t, 0, g.State(channels.PlatformWhatsApp).Current)
	assert.Equal(t, int64(1), g.Violations())

	assert.True(t, g.TryAcquire(channels.PlatformWhatsApp), "clamped pool still usable")
}

func TestConcurrentAcquireHasNoLostUpdates(t *testing.T) {
	const max = 25
	g := New(Limits{channels.PlatformDiscord: max}, nil)

	var acquired atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire(channels.PlatformDiscord) {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(max), acquired.Load())
	assert.Equal(t, max, g.State(channels.PlatformDiscord).Current)

	for i := 0; i < max; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Release(channels.PlatformDiscord))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, g.State(channels.PlatformDiscord).Current)
	assert.Zero(t, g.Violations())
}

func TestStatesAndUtilization(t *testing.T) {
	g := New(DefaultLimits(), nil)
	g.TryAcquire(channels.PlatformWhatsApp)

	states := g.States()
	require.Len(t, states, 3)
	assert.Equal(t, channels.PlatformTelegram, states[0].Platform)
	assert.Equal(t, channels.PlatformWhatsApp, states[1].Platform)
	assert.InDelta(t, 0.1, states[1].Utilization(), 1e-9)
	assert.Equal(t, 1.0, State{Max: 0}.Utilization())
}
