package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		in      string
		want    Platform
		wantErr bool
	}{
		{"telegram", PlatformTelegram, false},
		{" WhatsApp ", PlatformWhatsApp, false},
		{"discord", PlatformDiscord, false},
		{"slack", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePlatform(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrConfigurationInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdentityValidate(t *testing.T) {
	assert.NoError(t, NewIdentity("u1", PlatformDiscord).Validate())
	assert.ErrorIs(t, NewIdentity(" ", PlatformDiscord).Validate(), ErrConfigurationInvalid)
	assert.ErrorIs(t, NewIdentity("u1", "icq").Validate(), ErrConfigurationInvalid)
	assert.Equal(t, "telegram:u1", NewIdentity("u1", PlatformTelegram).String())
	assert.True(t, PlatformWhatsApp.SessionBased())
	assert.False(t, PlatformTelegram.SessionBased())
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, CategoryNone},
		{fmt.Errorf("%w: bad token", ErrConfigurationInvalid), CategoryConfigurationInvalid},
		{fmt.Errorf("dial: %w", ErrConnectionFailed), CategoryConnectionFailed},
		{ErrCapacityExceeded, CategoryCapacityExceeded},
		{fmt.Errorf("wrap: %w", ErrNotReady), CategoryNotReady},
		{context.DeadlineExceeded, CategoryTimeout},
		{context.Canceled, CategoryCanceled},
		{fmt.Errorf("%w: 500", ErrSendFailed), CategorySendFailed},
		{errors.New("boom"), CategoryUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CategoryOf(tt.err), "err=%v", tt.err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	id := NewIdentity("u1", PlatformTelegram)

	t.Run("token platform goes straight to connected", func(t *testing.T) {
		l := NewLifecycle(id, nil)
		assert.Equal(t, StateIdle, l.State())

		ok, st := l.Begin()
		require.True(t, ok)
		assert.Equal(t, StateStarting, st)
		require.NoError(t, l.MarkLinked())
		assert.Equal(t, StateConnected, l.State())
		assert.True(t, l.IsLinked())
		assert.NoError(t, l.Ready())

		ok, st = l.Begin()
		assert.False(t, ok)
		assert.Equal(t, StateConnected, st)
	})

	t.Run("session platform waits in linking", func(t *testing.T) {
		l := NewLifecycle(NewIdentity("u1", PlatformWhatsApp), nil)
		l.Begin()
		require.NoError(t, l.Transition(StateLinking))
		assert.False(t, l.IsLinked())
		assert.ErrorIs(t, l.Ready(), ErrNotReady)
		require.NoError(t, l.MarkLinked())
		assert.NoError(t, l.Ready())
	})

	t.Run("illegal transitions are rejected", func(t *testing.T) {
		l := NewLifecycle(id, nil)
		assert.Error(t, l.Transition(StateConnected))
		assert.Error(t, l.MarkLinked())
		assert.Equal(t, StateIdle, l.State())
	})

	t.Run("fail records error", func(t *testing.T) {
		l := NewLifecycle(id, nil)
		l.Begin()
		cause := fmt.Errorf("%w: unauthorized", ErrConfigurationInvalid)
		assert.Same(t, cause, l.Fail(cause))
		st := l.Status()
		assert.Equal(t, StateError, st.State)
		assert.False(t, st.Linked)
		assert.False(t, st.ErroredAt.IsZero())
		assert.Contains(t, st.LastError, "unauthorized")
		assert.Same(t, cause, l.LastError())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		l := NewLifecycle(id, nil)
		l.Begin()
		require.NoError(t, l.MarkLinked())
		assert.True(t, l.BeginStop())
		l.FinishStop()
		assert.Equal(t, StateStopped, l.State())
		assert.False(t, l.IsLinked())
		assert.False(t, l.BeginStop())
	})

	t.Run("restart after error clears error", func(t *testing.T) {
		l := NewLifecycle(id, nil)
		l.Begin()
		l.Fail(ErrConnectionFailed)
		ok, _ := l.Begin()
		require.True(t, ok)
		assert.Empty(t, l.Status().LastError)
	})
}

func TestLifecyclePublishesEvents(t *testing.T) {
	bus := NewBus(nil)
	var mu sync.Mutex
	var kinds []EventKind
	bus.AddSink(SinkFunc(func(evt Event) {
		mu.Lock()
		kinds = append(kinds, evt.Kind)
		mu.Unlock()
	}))

	l := NewLifecycle(NewIdentity("u1", PlatformTelegram), bus)
	l.Begin()
	require.NoError(t, l.MarkLinked())
	require.NoError(t, l.RecordSend("42", time.Now(), nil))
	sendErr := fmt.Errorf("%w: 502", ErrSendFailed)
	assert.Same(t, sendErr, l.RecordSend("42", time.Now(), sendErr))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{
		EventStateChanged, // starting
		EventStateChanged, // connected
		EventLinked,
		EventSendSucceeded,
		EventSendFailed,
	}, kinds)
}

func TestBusReplaysPendingPairing(t *testing.T) {
	bus := NewBus(nil)
	id := NewIdentity("u1", PlatformWhatsApp)
	other := NewIdentity("u2", PlatformWhatsApp)

	bus.Publish(Event{Kind: EventQRCode, Identity: id, Code: "qr-1"})
	bus.Publish(Event{Kind: EventQRCode, Identity: other, Code: "qr-x"})

	events, cancel := bus.Subscribe(ForIdentity(id))
	defer cancel()

	select {
	case evt := <-events:
		assert.Equal(t, "qr-1", evt.Code)
	case <-time.After(time.Second):
		t.Fatal("expected replayed pairing event")
	}

	bus.Publish(Event{Kind: EventLinked, Identity: id})
	_, ok := bus.Pending(id)
	assert.False(t, ok, "linked clears pending pairing")

	select {
	case evt := <-events:
		assert.Equal(t, EventLinked, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected ready event")
	}
}

func TestBusUnsubscribeClosesStream(t *testing.T) {
	bus := NewBus(nil)
	events, cancel := bus.Subscribe(nil)
	cancel()
	cancel()

	_, ok := <-events
	assert.False(t, ok)

	bus.Publish(Event{Kind: EventLinked})
}

func TestBusSinkPanicIsContained(t *testing.T) {
	bus := NewBus(nil)
	called := false
	bus.AddSink(SinkFunc(func(Event) { panic("boom") }))
	bus.AddSink(SinkFunc(func(Event) { called = true }))

	assert.NotPanics(t, func() { bus.Publish(Event{Kind: EventError}) })
	assert.True(t, called)

	var nilBus *Bus
	assert.NotPanics(t, func() { nilBus.Publish(Event{}) })
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, SplitText("short", 10))
	assert.Equal(t, []string{"abcde", "fghij", "k"}, SplitText("abcdefghijk", 5))
	assert.Equal(t, []string{"line one\n", "line two"}, SplitText("line one\nline two", 12))
	assert.Equal(t, []string{"ééé", "éé"}, SplitText("ééééé", 3), "counts characters, not bytes")
}
