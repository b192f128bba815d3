package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pnar.online/internal/auth"
	"pnar.online/internal/config"
	"pnar.online/internal/obs"
	"pnar.online/internal/ratelimit"
)

// ReadyProbe checks the backing stores that are configured.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Options wires the HTTP layer.
type Options struct {
	Config  config.Resolved
	Auth    *auth.Service
	Limiter *ratelimit.Limiter
	Ready   ReadyProbe
	Version string
	// Pipeline options are forwarded to NewPipeline.
	Pipeline []PipelineOption
}

// API is the HTTP layer: the pipeline plus the credential and operational endpoints.
type API struct {
	pipeline   *Pipeline
	svc        *auth.Service
	limiter    *ratelimit.Limiter
	readyProbe ReadyProbe
	version    string
	verbose    bool
}

func New(opts Options) (*API, error) {
	if opts.Auth == nil {
		return nil, errors.New("httpapi: auth service is required")
	}
	cfg := opts.Config
	p, err := NewPipeline(PipelineConfig{
		Headers: HeaderPolicy{
			ContentSecurityPolicy: cfg.ContentSecurityPolicy,
			EnforceTLS:            cfg.EnforceTLS,
			AllowedOrigins:        cfg.CORSAllowedOrigins,
		},
		KeyStrategy:    cfg.RateLimit.KeyStrategy,
		TrustForwarded: cfg.RateLimit.TrustForwarded,
		Verbose:        !cfg.IsProduction(),
		HandlerTimeout: cfg.RequestTimeout,
	}, opts.Auth.Tokens(), opts.Limiter, opts.Pipeline...)
	if err != nil {
		return nil, err
	}

	a := &API{
		pipeline:   p,
		svc:        opts.Auth,
		limiter:    opts.Limiter,
		readyProbe: opts.Ready,
		version:    opts.Version,
		verbose:    !cfg.IsProduction(),
	}
	for _, ep := range a.endpoints() {
		p.Handle(ep)
	}
	return a, nil
}

func (a *API) endpoints() []Endpoint {
	return []Endpoint{
		{Method: http.MethodGet, Path: "/healthz", Public: true, Handler: http.HandlerFunc(a.Healthz)},
		{Method: http.MethodGet, Path: "/readyz", Public: true, Handler: http.HandlerFunc(a.Ready)},
		{Method: http.MethodGet, Path: "/metrics", Public: true, Handler: obs.Handler()},
		{Method: http.MethodGet, Path: "/v1/roles", Public: true, Handler: http.HandlerFunc(a.handleRoles)},
		{Method: http.MethodPost, Path: "/v1/auth/register", Public: true, Handler: http.HandlerFunc(a.handleRegister)},
		{Method: http.MethodPost, Path: "/v1/auth/login", Public: true, Handler: http.HandlerFunc(a.handleLogin)},
		{Method: http.MethodPost, Path: "/v1/auth/logout", MinRole: auth.RoleUser, Handler: http.HandlerFunc(a.handleLogout)},
		{Method: http.MethodPost, Path: "/v1/auth/password", MinRole: auth.RoleUser, Handler: http.HandlerFunc(a.handleChangePassword)},
		{Method: http.MethodGet, Path: "/v1/auth/me", MinRole: auth.RoleUser, Handler: http.HandlerFunc(a.handleMe)},
		{Method: http.MethodGet, Path: "/v1/admin/rate-limits", MinRole: auth.RoleAdmin, Handler: http.HandlerFunc(a.handleRateLimits)},
	}
}

// Handle mounts an additional endpoint behind the pipeline.
func (a *API) Handle(ep Endpoint) { a.pipeline.Handle(ep) }

// Handler returns the root handler for the server.
func (a *API) Handler() http.Handler { return a.pipeline }

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "pnar-gate",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.Logger().Warn("readiness check failed", zap.String("correlation_id", correlationFrom(r)), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"roles": auth.Roles()})
}

func (a *API) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	cfg := a.limiter.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"buckets":  a.limiter.Size(),
		"capacity": cfg.Capacity,
		"rate":     cfg.Rate,
		"interval": cfg.Interval.String(),
		"idle_ttl": cfg.IdleTTL.String(),
	})
}
