package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
)

// SSE event names sent by the setup stream.
const (
	sseSession = "session"
	sseTimeout = "timeout"
)

// handleSetupStream implements GET /api/channels/{platform}/setup/stream.
//
// It starts the user's stored channel and streams qr, pairing_code, ready
// and error events until the channel links, fails, the pairing timeout
// expires or the client leaves. The channel is stopped when the stream ends
// whatever the outcome; a paired WhatsApp session survives on disk and is
// reused by the next start.
func (g *Gateway) handleSetupStream(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r, r.URL.Query().Get("user_id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming not supported"})
		return
	}
	ctx := r.Context()

	cfg, err := g.storedConfig(ctx, id)
	if err != nil {
		g.writeError(w, err)
		return
	}

	// Subscribe before starting so no pairing event can be missed.
	events, unsubscribe := g.deps.Bus.Subscribe(channels.ForIdentity(id))
	defer unsubscribe()

	sessionID := uuid.NewString()
	logger := g.logger.With(append(id.LogAttrs(), "setup_session", sessionID)...)

	h, err := g.deps.Registry.StartChannel(ctx, id, cfg)
	if err != nil {
		g.writeError(w, err)
		return
	}
	defer func() {
		if err := g.deps.Registry.StopChannel(context.WithoutCancel(ctx), id); err != nil {
			logger.Warn("stopping channel after setup", "error", err)
		}
		logger.Info("setup stream closed")
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, flusher, sseSession, map[string]any{
		"session_id":      sessionID,
		"channel":         h.Info(),
		"timeout_seconds": int(g.opts.PairingTimeout.Seconds()),
	})
	logger.Info("setup stream opened")

	if h.IsLinked() {
		writeSSE(w, flusher, string(channels.EventLinked), channels.Event{
			Kind: channels.EventLinked, Identity: id, State: h.State(), Timestamp: time.Now(),
		})
		return
	}

	timeout := time.NewTimer(g.opts.PairingTimeout)
	defer timeout.Stop()
	keepAlive := time.NewTicker(g.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("setup client disconnected")
			return

		case <-timeout.C:
			logger.Warn("pairing timed out", "timeout", g.opts.PairingTimeout)
			writeSSE(w, flusher, sseTimeout, errorBody{
				Error:    fmt.Sprintf("pairing not completed within %s", g.opts.PairingTimeout),
				Category: channels.CategoryTimeout,
			})
			return

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()

		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Kind {
			case channels.EventQRCode, channels.EventPairingCode:
				writeSSE(w, flusher, string(evt.Kind), evt)
			case channels.EventLinked:
				writeSSE(w, flusher, string(evt.Kind), evt)
				logger.Info("channel linked during setup")
				return
			case channels.EventError:
				writeSSE(w, flusher, string(evt.Kind), evt)
				return
			case channels.EventStateChanged:
				// A stop of the previous adapter, retired by this start,
				// also arrives here; only our own adapter's stop ends setup.
				if evt.State == channels.StateStopped && h.State().Retired() {
					writeSSE(w, flusher, string(channels.EventError), errorBody{
						Error: "channel stopped during setup", Category: channels.CategoryNotReady,
					})
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{"error":"encoding failed"}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
