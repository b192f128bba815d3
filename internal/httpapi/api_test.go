package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pnar.online/internal/auth"
	"pnar.online/internal/config"
	"pnar.online/internal/ratelimit"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	t       *testing.T
	api     *API
	store   *auth.MemoryUserStore
	hasher  *auth.Hasher
	tokens  *auth.TokenService
	limiter *ratelimit.Limiter
	clock   *testClock

	mu     sync.Mutex
	states []State
}

func productionConfig() config.Resolved {
	cfg := config.Preset(config.Production)
	cfg.SigningSecret = testSecret
	cfg.CORSAllowedOrigins = []string{"https://app.pnar.online"}
	return cfg
}

func developmentConfig() config.Resolved {
	return config.Preset(config.Development)
}

func newTestEnv(t *testing.T, cfg config.Resolved) *testEnv {
	t.Helper()
	env := &testEnv{t: t, clock: &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}}

	hasher, err := auth.NewHasher(auth.HashCost{Memory: 64, Iterations: 1, Parallelism: 1}, 2)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	tokens, err := auth.NewTokenService([]byte(cfg.SigningSecret), cfg.TokenTTL,
		auth.WithTokenClock(env.clock.Now),
		auth.WithDenylist(auth.NewMemoryDenylist(env.clock.Now)))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	store := auth.NewMemoryUserStore()
	svc, err := auth.NewService(store, hasher, tokens, cfg.PasswordPolicy)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	limiter, err := ratelimit.New(ratelimit.Config{
		Capacity: cfg.RateLimit.Capacity,
		Rate:     cfg.RateLimit.RatePerInterval,
		Interval: cfg.RateLimit.Interval,
	}, ratelimit.WithClock(env.clock.Now))
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}

	api, err := New(Options{
		Config:  cfg,
		Auth:    svc,
		Limiter: limiter,
		Version: "test",
		Pipeline: []PipelineOption{WithStageObserver(func(_ *http.Request, s State) {
			env.mu.Lock()
			env.states = append(env.states, s)
			env.mu.Unlock()
		})},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env.api, env.store, env.hasher, env.tokens, env.limiter = api, store, hasher, tokens, limiter
	return env
}

func (e *testEnv) seed(email, password string, role auth.Role) *auth.User {
	e.t.Helper()
	digest, err := e.hasher.Hash(context.Background(), password)
	if err != nil {
		e.t.Fatalf("Hash: %v", err)
	}
	u := &auth.User{Email: email, PasswordHash: digest, Role: role, Active: true}
	if err := e.store.Create(context.Background(), u); err != nil {
		e.t.Fatalf("Create: %v", err)
	}
	return u
}

func (e *testEnv) token(u *auth.User) string {
	e.t.Helper()
	tok, err := e.tokens.Issue(auth.Seed{UserID: u.ID, Email: u.Email, Role: u.Role})
	if err != nil {
		e.t.Fatalf("Issue: %v", err)
	}
	return tok.Token
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.RemoteAddr = "203.0.113.7:51000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	e.mu.Lock()
	e.states = nil
	e.mu.Unlock()

	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) reached(s State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, got := range e.states {
		if got == s {
			return true
		}
	}
	return false
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body=%s)", err, rec.Body.String())
	}
	return env.Error
}

func assertSecurityHeaders(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Referrer-Policy", headerRequestID} {
		if rec.Header().Get(h) == "" {
			t.Fatalf("missing header %s on status %d", h, rec.Code)
		}
	}
}

type spy struct {
	mu    sync.Mutex
	calls int
}

func (s *spy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	id, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"role": id.Role})
}

func (s *spy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
