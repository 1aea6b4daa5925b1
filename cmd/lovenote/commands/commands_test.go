package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
	"github.com/lovenote/lovenote/pkg/lovenote/delivery"
)

func TestMain(m *testing.M) {
	keyring.MockInit()
	os.Exit(m.Run())
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd("test")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lovenote.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: test
logging:
  format: text
database:
  driver: sqlite3
  dsn: lovenote.db
`), 0o600))
	return path
}

func TestChannelsAddGetListRm(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "", "-c", cfg, "channels", "add", "-u", "alice", "-p", "telegram", "--token", "123:secret")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved telegram:alice")

	_, err = run(t, "", "-c", cfg, "channels", "add", "-u", "alice", "-p", "whatsapp", "--phone", "5511999999999")
	require.NoError(t, err)

	out, err = run(t, "", "-c", cfg, "channels", "get", "-u", "alice", "-p", "telegram")
	require.NoError(t, err)
	assert.NotContains(t, out, "123:secret", "tokens are redacted")
	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "***", recs[0]["token"])
	assert.Equal(t, true, recs[0]["enabled"])

	out, err = run(t, "", "-c", cfg, "channels", "list", "-u", "alice")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	assert.Len(t, recs, 2)

	out, err = run(t, "", "-c", cfg, "channels", "rm", "-u", "alice", "-p", "telegram")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed telegram:alice")

	_, err = run(t, "", "-c", cfg, "channels", "get", "-u", "alice", "-p", "telegram")
	assert.True(t, errors.Is(err, channels.ErrNotFound))
}

func TestChannelsRejectsUnknownPlatform(t *testing.T) {
	_, err := run(t, "", "-c", writeConfig(t), "channels", "get", "-u", "alice", "-p", "sms")
	assert.True(t, errors.Is(err, channels.ErrConfigurationInvalid))
}

func TestSecretSetGetDelete(t *testing.T) {
	out, err := run(t, "s3cret-value\n", "secret", "set")
	require.NoError(t, err)
	assert.Contains(t, out, "Stored gateway_token")

	out, err = run(t, "", "secret", "get")
	require.NoError(t, err)
	assert.Equal(t, "gateway_token: ****alue\n", out)

	out, err = run(t, "", "secret", "get", "--reveal")
	require.NoError(t, err)
	assert.Equal(t, "s3cret-value\n", out)

	_, err = run(t, "", "secret", "delete")
	require.NoError(t, err)
	_, err = run(t, "", "secret", "get")
	assert.Error(t, err)

	_, err = run(t, "\n", "secret", "set", "other")
	assert.Error(t, err, "empty secrets are rejected")
}

func healthServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthProbe(t *testing.T) {
	ok := healthServer(t, http.StatusOK, `{"status":"degraded","initialized":true,"platforms":[],"issues":["x"]}`)
	out, err := run(t, "", "health", "--server", ok.URL)
	require.NoError(t, err, "degraded still passes")
	assert.Contains(t, out, `"degraded"`)

	down := healthServer(t, http.StatusServiceUnavailable,
		`{"status":"unhealthy","initialized":false,"platforms":[],"issues":[]}`)
	_, err = run(t, "", "health", "--server", down.URL)
	assert.ErrorContains(t, err, "unhealthy")
}

func TestSendThroughServer(t *testing.T) {
	received := make(chan delivery.Request, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/deliveries", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var got delivery.Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		received <- got
		if got.Target == "offline" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"not ready","category":"not_ready"}`))
			return
		}
		_, _ = w.Write([]byte(`{"delivered":true}`))
	}))
	defer srv.Close()
	cfg := writeConfig(t)

	out, err := run(t, "", "-c", cfg, "send", "--server", srv.URL, "--token", "tok",
		"-u", "bob", "-p", "whatsapp", "-t", "5511999999999", "hello there")
	require.NoError(t, err)
	assert.Contains(t, out, "Delivered")
	got := <-received
	assert.Equal(t, "bob", got.UserID)
	assert.Equal(t, channels.PlatformWhatsApp, got.Platform)
	assert.Equal(t, "hello there", got.Body)

	_, err = run(t, "", "-c", cfg, "send", "--server", srv.URL, "--token", "tok",
		"-u", "bob", "-p", "whatsapp", "-t", "offline", "hello")
	assert.ErrorContains(t, err, "not_ready")
}

func TestSendRequiresBody(t *testing.T) {
	_, err := run(t, "", "-c", writeConfig(t), "send", "-u", "alice", "-p", "telegram", "-t", "42")
	assert.True(t, errors.Is(err, channels.ErrConfigurationInvalid))
}

func TestSendStatelessMissingConfig(t *testing.T) {
	_, err := run(t, "", "-c", writeConfig(t), "send", "-u", "alice", "-p", "discord", "-t", "42", "hi")
	assert.True(t, errors.Is(err, channels.ErrNotFound))
}
