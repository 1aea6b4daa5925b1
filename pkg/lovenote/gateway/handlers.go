package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
	"github.com/lovenote/lovenote/pkg/lovenote/delivery"
	"github.com/lovenote/lovenote/pkg/lovenote/health"
	"github.com/lovenote/lovenote/pkg/lovenote/registry"
)

type errorBody struct {
	Error    string                 `json:"error"`
	Category channels.ErrorCategory `json:"category,omitempty"`
}

// setupRequest starts a channel. Config, when present, is saved to the
// store first; otherwise the stored config is used.
type setupRequest struct {
	UserID string           `json:"user_id"`
	Config *channels.Config `json:"config,omitempty"`
}

type setupResponse struct {
	Channel registry.HandleInfo `json:"channel"`
	Linked  bool                `json:"linked"`
	Pairing *channels.Event     `json:"pairing,omitempty"`
}

type statusResponse struct {
	Running bool                 `json:"running"`
	Channel *registry.HandleInfo `json:"channel,omitempty"`
}

type disconnectRequest struct {
	UserID string `json:"user_id"`

	// Logout also deletes persisted session material.
	Logout bool `json:"logout"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	if errors.Is(err, registry.ErrRegistryClosed) {
		return http.StatusServiceUnavailable
	}
	switch channels.CategoryOf(err) {
	case channels.CategoryConfigurationInvalid, channels.CategoryInvalidTarget:
		return http.StatusBadRequest
	case channels.CategoryCapacityExceeded:
		return http.StatusServiceUnavailable
	case channels.CategoryNotReady:
		return http.StatusConflict
	case channels.CategoryNotFound:
		return http.StatusNotFound
	case channels.CategoryRateLimited:
		return http.StatusTooManyRequests
	case channels.CategoryTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Category: channels.CategoryOf(err)}
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

// identity reads {platform} from the path and the given user ID.
func identity(r *http.Request, userID string) (channels.Identity, error) {
	p, err := channels.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		return channels.Identity{}, err
	}
	id := channels.NewIdentity(strings.TrimSpace(userID), p)
	return id, id.Validate()
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: request body: %v", channels.ErrConfigurationInvalid, err)
	}
	return nil
}

// handleHealth implements GET /health. Only unhealthy is a failure status.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := g.deps.Health.HealthStatus()
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// handleMetrics implements GET /metrics.
func (g *Gateway) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.deps.Health.GetMetrics())
}

// handleListChannels implements GET /api/channels.
func (g *Gateway) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": g.deps.Registry.Snapshot()})
}

// handleSetup implements POST /api/channels/{platform}/setup.
func (g *Gateway) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if err := decode(w, r, &req); err != nil {
		g.writeError(w, err)
		return
	}
	id, err := identity(r, req.UserID)
	if err != nil {
		g.writeError(w, err)
		return
	}

	var cfg channels.Config
	if req.Config != nil {
		cfg = *req.Config
		cfg.Enabled = true
		if err := g.deps.Store.SaveChannelConfig(r.Context(), id, cfg); err != nil {
			g.writeError(w, err)
			return
		}
	} else if cfg, err = g.storedConfig(r.Context(), id); err != nil {
		g.writeError(w, err)
		return
	}

	h, err := g.deps.Registry.StartChannel(r.Context(), id, cfg)
	if err != nil {
		g.writeError(w, err)
		return
	}
	resp := setupResponse{Channel: h.Info(), Linked: h.IsLinked()}
	if g.deps.Bus != nil {
		if evt, ok := g.deps.Bus.Pending(id); ok {
			resp.Pairing = &evt
		}
	}
	g.logger.Info("channel setup", append(id.LogAttrs(), "state", h.State(), "linked", resp.Linked)...)
	writeJSON(w, http.StatusOK, resp)
}

// storedConfig loads the saved config for id. A config switched off is
// refused, as it is for deliveries.
func (g *Gateway) storedConfig(ctx context.Context, id channels.Identity) (channels.Config, error) {
	cfg, err := g.deps.Store.FindChannelConfig(ctx, id)
	if err != nil {
		return channels.Config{}, err
	}
	if !cfg.Enabled {
		return channels.Config{}, fmt.Errorf("%w: %s is disabled", channels.ErrConfigurationInvalid, id)
	}
	return cfg, nil
}

// handleStatus implements GET /api/channels/{platform}/status?user_id=.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r, r.URL.Query().Get("user_id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	h, ok := g.deps.Registry.GetChannel(id)
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{})
		return
	}
	info := h.Info()
	writeJSON(w, http.StatusOK, statusResponse{
		Running: info.Status.State == channels.StateConnected && info.Status.Linked,
		Channel: &info,
	})
}

// handleDisconnect implements POST /api/channels/{platform}/disconnect.
func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := decode(w, r, &req); err != nil {
		g.writeError(w, err)
		return
	}
	id, err := identity(r, req.UserID)
	if err != nil {
		g.writeError(w, err)
		return
	}

	if req.Logout {
		cfg, err := g.deps.Store.FindChannelConfig(r.Context(), id)
		if err != nil && !errors.Is(err, channels.ErrNotFound) {
			g.writeError(w, err)
			return
		}
		err = g.deps.Registry.LogoutChannel(r.Context(), id, cfg)
		if err != nil {
			g.writeError(w, err)
			return
		}
	} else if err := g.deps.Registry.StopChannel(r.Context(), id); err != nil {
		g.writeError(w, err)
		return
	}
	g.logger.Info("channel disconnected", append(id.LogAttrs(), "logout", req.Logout)...)
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}

// handleDeliver implements POST /api/deliveries.
func (g *Gateway) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req delivery.Request
	if err := decode(w, r, &req); err != nil {
		g.writeError(w, err)
		return
	}
	p, err := channels.ParsePlatform(string(req.Platform))
	if err != nil {
		g.writeError(w, err)
		return
	}
	req.Platform = p
	if err := g.deps.Dispatcher.Deliver(r.Context(), req); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}
