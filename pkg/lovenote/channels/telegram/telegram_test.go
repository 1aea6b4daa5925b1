package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
)

const validToken = "123456:valid"

// fakeBotAPI serves getMe and sendMessage for validToken and rejects every
// other token with 401, the way the Bot API does.
type fakeBotAPI struct {
	mu    sync.Mutex
	sent  []map[string]string
	calls map[string]int
}

func newFakeBotAPI(t *testing.T) (*fakeBotAPI, Options) {
	t.Helper()
	f := &fakeBotAPI{calls: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, Options{Endpoint: srv.URL + "/bot%s/%s", Client: srv.Client()}
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/bot"), "/")
	token, method := parts[0], parts[1]

	f.mu.Lock()
	f.calls[method]++
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if token != validToken {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 401, "description": "Unauthorized"})
		return
	}
	switch method {
	case "getMe":
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{
			"id": 42, "is_bot": true, "first_name": "Love", "username": "lovenote_bot",
		}})
	case "sendMessage":
		_ = r.ParseForm()
		chatID := r.PostForm.Get("chat_id")
		if chatID == "404" {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: chat not found"})
			return
		}
		if chatID == "429" {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 429,
				"description": "Too Many Requests", "parameters": map[string]any{"retry_after": 3}})
			return
		}
		f.mu.Lock()
		f.sent = append(f.sent, map[string]string{"chat_id": chatID, "text": r.PostForm.Get("text")})
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{
			"message_id": 1, "date": 0, "chat": map[string]any{"id": 1, "type": "private"},
		}})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBotAPI) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeBotAPI) messages() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.sent...)
}

func TestStartAndSend(t *testing.T) {
	api, opts := newFakeBotAPI(t)
	bus := channels.NewBus(nil)
	var outcomes []channels.EventKind
	bus.AddSink(channels.SinkFunc(func(evt channels.Event) {
		if evt.IsSendOutcome() {
			outcomes = append(outcomes, evt.Kind)
		}
	}))
	a := New(channels.NewIdentity("u1", channels.PlatformTelegram), bus, opts, nil)
	ctx := context.Background()

	linked, err := a.Start(ctx, channels.Config{Token: validToken})
	require.NoError(t, err)
	assert.True(t, linked)
	assert.Equal(t, channels.StateConnected, a.State())
	assert.True(t, a.IsLinked())
	assert.Equal(t, "lovenote_bot", a.BotUsername())
	assert.False(t, a.HasSession())

	linked, err = a.Start(ctx, channels.Config{Token: validToken})
	require.NoError(t, err)
	assert.True(t, linked)
	assert.Equal(t, 1, api.count("getMe"), "second start is a no-op")

	require.NoError(t, a.Send(ctx, "1001", "hello"))
	require.NoError(t, a.Send(ctx, "@lovechannel", "hi channel"))
	assert.Equal(t, []map[string]string{
		{"chat_id": "1001", "text": "hello"},
		{"chat_id": "@lovechannel", "text": "hi channel"},
	}, api.messages())
	assert.Equal(t, []channels.EventKind{channels.EventSendSucceeded, channels.EventSendSucceeded}, outcomes)

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, channels.StateStopped, a.State())
}

func TestStartInvalidToken(t *testing.T) {
	_, opts := newFakeBotAPI(t)
	a := New(channels.NewIdentity("u1", channels.PlatformTelegram), nil, opts, nil)

	linked, err := a.Start(context.Background(), channels.Config{Token: "bad"})
	assert.False(t, linked)
	require.ErrorIs(t, err, channels.ErrConfigurationInvalid)
	assert.Equal(t, channels.StateError, a.State())
	assert.Contains(t, a.Status().LastError, "Unauthorized")

	_, err = a.Start(context.Background(), channels.Config{})
	assert.ErrorIs(t, err, channels.ErrConfigurationInvalid)
}

func TestStartUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	a := New(channels.NewIdentity("u1", channels.PlatformTelegram), nil,
		Options{Endpoint: srv.URL + "/bot%s/%s"}, nil)

	_, err := a.Start(context.Background(), channels.Config{Token: validToken})
	assert.ErrorIs(t, err, channels.ErrConnectionFailed)
	assert.Equal(t, channels.StateError, a.State())
}

func TestSendNotReadyNeverCallsAPI(t *testing.T) {
	api, opts := newFakeBotAPI(t)
	a := New(channels.NewIdentity("u1", channels.PlatformTelegram), nil, opts, nil)

	err := a.Send(context.Background(), "1001", "hello")
	assert.ErrorIs(t, err, channels.ErrNotReady)
	assert.Zero(t, api.count("sendMessage"))
}

func TestSendErrors(t *testing.T) {
	_, opts := newFakeBotAPI(t)
	a := New(channels.NewIdentity("u1", channels.PlatformTelegram), nil, opts, nil)
	ctx := context.Background()
	_, err := a.Start(ctx, channels.Config{Token: validToken})
	require.NoError(t, err)

	assert.ErrorIs(t, a.Send(ctx, "not-a-chat", "x"), channels.ErrInvalidTarget)
	assert.ErrorIs(t, a.Send(ctx, "404", "x"), channels.ErrInvalidTarget)
	err = a.Send(ctx, "429", "x")
	assert.ErrorIs(t, err, channels.ErrRateLimited)
	assert.Contains(t, err.Error(), "3s")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, a.Send(canceled, "1001", "x"), context.Canceled)
	assert.Equal(t, channels.StateConnected, a.State(), "send failures do not fail the adapter")
}

func TestLongMessagesAreSplit(t *testing.T) {
	api, opts := newFakeBotAPI(t)
	s := NewSender(opts)

	body := strings.Repeat("a", MaxMessageLength+10)
	require.NoError(t, s.Send(context.Background(), channels.Config{Token: validToken}, "7", body))
	msgs := api.messages()
	require.Len(t, msgs, 2)
	assert.Len(t, msgs[0]["text"], MaxMessageLength)
	assert.Len(t, msgs[1]["text"], 10)
}

func TestStatelessSender(t *testing.T) {
	api, opts := newFakeBotAPI(t)
	s := NewSender(opts)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, channels.Config{Token: validToken}, "1001", "hello"))
	assert.Zero(t, api.count("getMe"), "stateless sends skip token introspection")

	assert.ErrorIs(t, s.Send(ctx, channels.Config{}, "1001", "hello"), channels.ErrConfigurationInvalid)
	assert.ErrorIs(t, s.Send(ctx, channels.Config{Token: "bad"}, "1001", "hello"), channels.ErrConfigurationInvalid)
}
