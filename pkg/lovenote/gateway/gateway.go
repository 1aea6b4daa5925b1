// Package gateway exposes channel setup, status, delivery, health and
// metrics over HTTP.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
	"github.com/lovenote/lovenote/pkg/lovenote/delivery"
	"github.com/lovenote/lovenote/pkg/lovenote/health"
	"github.com/lovenote/lovenote/pkg/lovenote/metrics"
	"github.com/lovenote/lovenote/pkg/lovenote/registry"
)

// ChannelRegistry is the part of the registry the gateway drives.
type ChannelRegistry interface {
	StartChannel(ctx context.Context, id channels.Identity, cfg channels.Config) (*registry.Handle, error)
	StopChannel(ctx context.Context, id channels.Identity) error
	LogoutChannel(ctx context.Context, id channels.Identity, cfg channels.Config) error
	GetChannel(id channels.Identity) (*registry.Handle, bool)
	Snapshot() []registry.HandleInfo
}

// ConfigStore reads and writes channel configs.
type ConfigStore interface {
	FindChannelConfig(ctx context.Context, id channels.Identity) (channels.Config, error)
	SaveChannelConfig(ctx context.Context, id channels.Identity, cfg channels.Config) error
}

// Deliverer sends one message.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) error
}

// HealthReporter produces the health and metrics payloads.
type HealthReporter interface {
	HealthStatus() health.Report
	GetMetrics() metrics.Snapshot
}

// Deps are the services behind the routes.
type Deps struct {
	Registry   ChannelRegistry
	Store      ConfigStore
	Dispatcher Deliverer
	Health     HealthReporter
	Bus        *channels.Bus

	// Prometheus serves /metrics/prometheus when set.
	Prometheus http.Handler
}

// Options configures the listener and the setup flow.
type Options struct {
	Address        string
	AuthToken      string
	PairingTimeout time.Duration

	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

// Gateway is the HTTP API.
type Gateway struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	handler http.Handler
}

// New builds the gateway and its routes.
func New(deps Deps, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Address == "" {
		opts.Address = "127.0.0.1:8085"
	}
	if opts.PairingTimeout <= 0 {
		opts.PairingTimeout = 5 * time.Minute
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	g := &Gateway{deps: deps, opts: opts, logger: logger.With("component", "gateway")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /metrics", g.handleMetrics)
	if deps.Prometheus != nil {
		mux.Handle("GET /metrics/prometheus", deps.Prometheus)
	}
	mux.HandleFunc("GET /api/channels", g.handleListChannels)
	mux.HandleFunc("POST /api/channels/{platform}/setup", g.handleSetup)
	mux.HandleFunc("GET /api/channels/{platform}/setup/stream", g.handleSetupStream)
	mux.HandleFunc("GET /api/channels/{platform}/status", g.handleStatus)
	mux.HandleFunc("POST /api/channels/{platform}/disconnect", g.handleDisconnect)
	mux.HandleFunc("POST /api/deliveries", g.handleDeliver)

	g.handler = g.securityHeaders(g.auth(mux))
	return g
}

// Handler returns the routed, authenticated handler.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Run serves until ctx is canceled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	if g.opts.AuthToken == "" && !isLoopback(g.opts.Address) {
		g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
			"address", g.opts.Address)
	}

	ln, err := net.Listen("tcp", g.opts.Address)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled. Request contexts derive from
// ctx, so open setup streams end as soon as shutdown begins.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	g.logger.Info("gateway started", "address", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	g.logger.Info("gateway stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// compareTokens hashes both sides so the comparison leaks neither content
// nor length.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// auth requires "Authorization: Bearer <token>" on every route but /health
// when a token is configured.
func (g *Gateway) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.opts.AuthToken == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !compareTokens(token, g.opts.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
