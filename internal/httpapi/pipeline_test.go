package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"pnar.online/internal/auth"
	"pnar.online/internal/config"
	"pnar.online/internal/obs"
)

func TestExpiredTokenNeverReachesHandler(t *testing.T) {
	env := newTestEnv(t, productionConfig())
	handler := &spy{}
	env.api.Handle(Endpoint{Method: http.MethodGet, Path: "/v1/spy", MinRole: auth.RoleUser, Handler: handler})

	u := env.seed("user@pnar.online", "irrelevant", auth.RoleUser)
	tok := env.token(u)
	env.clock.Advance(15 * time.Minute)

	rec := env.do(http.MethodGet, "/v1/spy", nil, bearerHeader(tok))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body := decodeEnvelope(t, rec); body.Code != "token_expired" {
		t.Fatalf("unexpected code %q", body.Code)
	}
	if handler.count() != 0 {
		t.Fatalf("handler must not be invoked for an expired token")
	}
	if env.reached(StateAuthenticated) || env.reached(StateAuthorized) || env.reached(StateHandled) {
		t.Fatalf("pipeline advanced past authentication: %v", env.states)
	}
	if !env.reached(StateHeadersInjected) || !env.reached(StateComplete) {
		t.Fatalf("failure path must still inject headers and complete")
	}
	assertSecurityHeaders(t, rec)
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate on 401")
	}
}

func TestAdminTokenAgainstRoleGates(t *testing.T) {
	env := newTestEnv(t, productionConfig())
	env.api.Handle(Endpoint{Method: http.MethodGet, Path: "/v1/moderation", MinRole: auth.RoleModerator, Handler: &spy{}})
	env.api.Handle(Endpoint{Method: http.MethodGet, Path: "/v1/system", MinRole: auth.RoleSuperAdmin, Handler: &spy{}})
	env.seed("admin@pnar.online", "Adm1n!Passw0rd", auth.RoleAdmin)

	rec := env.do(http.MethodPost, "/v1/auth/login", credentialsRequest{Email: "admin@pnar.online", Password: "Adm1n!Passw0rd"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var login tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if login.User.Role != auth.RoleAdmin || login.TokenType != "Bearer" || login.ExpiresIn != 900 {
		t.Fatalf("unexpected login response %+v", login)
	}
	id, err := env.tokens.Validate(t.Context(), login.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.Role != auth.RoleAdmin || id.ExpiresAt.Sub(id.IssuedAt) != 900*time.Second {
		t.Fatalf("unexpected claims %+v", id)
	}

	rec = env.do(http.MethodGet, "/v1/moderation", nil, bearerHeader(login.Token))
	if rec.Code != http.StatusOK {
		t.Fatalf("moderator endpoint: expected 200, got %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/v1/system", nil, bearerHeader(login.Token))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("superadmin endpoint: expected 403, got %d", rec.Code)
	}
	body := decodeEnvelope(t, rec)
	if body.Code != "insufficient_role" || body.CorrelationID == "" || body.CorrelationID != rec.Header().Get(headerRequestID) {
		t.Fatalf("unexpected envelope %+v", body)
	}
	if env.reached(StateHandled) {
		t.Fatalf("forbidden request must not reach the handler")
	}
	assertSecurityHeaders(t, rec)
}

func TestPublicEndpointIgnoresAuthErrors(t *testing.T) {
	env := newTestEnv(t, developmentConfig())

	rec := env.do(http.MethodGet, "/v1/roles", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.reached(StateAuthenticated) || env.reached(StateAuthorized) {
		t.Fatalf("public endpoint must skip authentication: %v", env.states)
	}

	for _, header := range []string{"Bearer not.a.token", "Basic dXNlcjpwYXNz", "Bearer"} {
		rec = env.do(http.MethodGet, "/v1/roles", nil, map[string]string{"Authorization": header})
		if rec.Code != http.StatusOK {
			t.Fatalf("Authorization %q: expected 200, got %d", header, rec.Code)
		}
	}

	var out struct {
		Roles []auth.RoleInfo `json:"roles"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || len(out.Roles) != 6 {
		t.Fatalf("expected six roles, got %v (%v)", out.Roles, err)
	}
}

func TestMissingAndMalformedAuthorization(t *testing.T) {
	env := newTestEnv(t, developmentConfig())
	cases := []struct{ header, code string }{
		{"", "missing_token"},
		{"Basic dXNlcjpwYXNz", "malformed_token"},
		{"Bearer garbage", "malformed_token"},
		{"Bearer a.b.c", "malformed_token"},
	}
	for _, tc := range cases {
		header, code := tc.header, tc.code
		headers := map[string]string{}
		if header != "" {
			headers["Authorization"] = header
		}
		rec := env.do(http.MethodGet, "/v1/auth/me", nil, headers)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", header, rec.Code)
		}
		if got := decodeEnvelope(t, rec).Code; got != code {
			t.Fatalf("%q: expected %s, got %s", header, code, got)
		}
	}
}

func TestWrongSignatureIsRejected(t *testing.T) {
	env := newTestEnv(t, developmentConfig())
	other, err := auth.NewTokenService([]byte("another-secret-another-secret-another"), time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	tok, err := other.Issue(auth.Seed{UserID: "u1", Role: auth.RoleSuperAdmin})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rec := env.do(http.MethodGet, "/v1/auth/me", nil, bearerHeader(tok.Token))
	if rec.Code != http.StatusUnauthorized || decodeEnvelope(t, rec).Code != "invalid_signature" {
		t.Fatalf("expected invalid_signature 401, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	cfg := developmentConfig()
	cfg.RateLimit.Capacity = 2
	cfg.RateLimit.RatePerInterval = 2
	env := newTestEnv(t, cfg)

	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodGet, "/healthz", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("missing rate limit header")
		}
	}
	rec := env.do(http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("expected Retry-After 30, got %q", got)
	}
	if body := decodeEnvelope(t, rec); body.Code != "rate_limited" || body.CorrelationID == "" {
		t.Fatalf("unexpected envelope %+v", body)
	}
	if env.reached(StateRateLimitChecked) || env.reached(StateHandled) {
		t.Fatalf("denied request advanced: %v", env.states)
	}
	assertSecurityHeaders(t, rec)

	env.clock.Advance(time.Minute)
	if rec := env.do(http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected bucket to refill, got %d", rec.Code)
	}
}

func TestRateLimitKeyStrategy(t *testing.T) {
	for _, tc := range []struct {
		strategy    string
		secondAllow bool
	}{
		{config.KeyByUser, true},
		{config.KeyByIP, false},
	} {
		cfg := developmentConfig()
		cfg.RateLimit.Capacity = 1
		cfg.RateLimit.RatePerInterval = 1
		cfg.RateLimit.KeyStrategy = tc.strategy
		env := newTestEnv(t, cfg)

		alice := env.token(env.seed("alice@pnar.online", "x", auth.RoleUser))
		bob := env.token(env.seed("bob@pnar.online", "x", auth.RoleUser))

		if rec := env.do(http.MethodGet, "/v1/auth/me", nil, bearerHeader(alice)); rec.Code != http.StatusOK {
			t.Fatalf("%s: alice expected 200, got %d", tc.strategy, rec.Code)
		}
		rec := env.do(http.MethodGet, "/v1/auth/me", nil, bearerHeader(bob))
		if allowed := rec.Code == http.StatusOK; allowed != tc.secondAllow {
			t.Fatalf("%s: bob from the same address got %d", tc.strategy, rec.Code)
		}
	}
}

func TestCorrelationID(t *testing.T) {
	env := newTestEnv(t, developmentConfig())

	rec := env.do(http.MethodGet, "/healthz", nil, map[string]string{headerRequestID: "client-req-42"})
	if got := rec.Header().Get(headerRequestID); got != "client-req-42" {
		t.Fatalf("expected incoming id to be echoed, got %q", got)
	}

	rec = env.do(http.MethodGet, "/healthz", nil, map[string]string{headerRequestID: "has space"})
	got := rec.Header().Get(headerRequestID)
	if got == "" || got == "has space" || len(got) != 36 {
		t.Fatalf("expected a generated uuid, got %q", got)
	}
}

func TestHandlerPanicFailsClosed(t *testing.T) {
	for _, tc := range []struct {
		cfg     config.Resolved
		verbose bool
	}{
		{productionConfig(), false},
		{developmentConfig(), true},
	} {
		env := newTestEnv(t, tc.cfg)
		env.api.Handle(Endpoint{Method: http.MethodGet, Path: "/v1/boom", Public: true, Handler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("database exploded")
		})})

		rec := env.do(http.MethodGet, "/v1/boom", nil, nil)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
		body := decodeEnvelope(t, rec)
		if body.Code != "internal_error" {
			t.Fatalf("unexpected code %s", body.Code)
		}
		leaked := strings.Contains(body.Message, "database exploded")
		if leaked != tc.verbose {
			t.Fatalf("verbose=%v but message was %q", tc.verbose, body.Message)
		}
		assertSecurityHeaders(t, rec)
	}
}

func TestNotFoundUsesEnvelope(t *testing.T) {
	env := newTestEnv(t, developmentConfig())
	rec := env.do(http.MethodGet, "/v1/nowhere", nil, nil)
	if rec.Code != http.StatusNotFound || decodeEnvelope(t, rec).Code != codeNotFound {
		t.Fatalf("expected not_found envelope, got %d %s", rec.Code, rec.Body.String())
	}
	assertSecurityHeaders(t, rec)
}

func TestRequestCompleteIsLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	t.Cleanup(obs.SetLogger(zap.New(core)))

	env := newTestEnv(t, developmentConfig())
	env.do(http.MethodGet, "/v1/auth/me", nil, map[string]string{headerRequestID: "trace-me"})

	entries := logs.FilterMessage("request_complete").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request_complete entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["correlation_id"] != "trace-me" || fields["outcome"] != "missing_token" || fields["endpoint"] != "GET /v1/auth/me" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if fields["client"] != "ip:203.0.113.7" {
		t.Fatalf("unexpected client %v", fields["client"])
	}
}

func TestWrongMethodIsNotAllowed(t *testing.T) {
	env := newTestEnv(t, productionConfig())
	rec := env.do(http.MethodPost, "/v1/roles", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d (%s)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Allow"); got != "GET, HEAD, OPTIONS" {
		t.Fatalf("unexpected Allow %q", got)
	}
	if decodeEnvelope(t, rec).Code != codeMethodNotAllowed {
		t.Fatalf("expected method_not_allowed envelope, got %s", rec.Body.String())
	}
	assertSecurityHeaders(t, rec)

	rec = env.do(http.MethodGet, "/v1/auth/login", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != "OPTIONS, POST" {
		t.Fatalf("expected 405 with POST allowed, got %d %q", rec.Code, rec.Header().Get("Allow"))
	}
}

func TestHandlerRejectionIsTheOutcome(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	t.Cleanup(obs.SetLogger(zap.New(core)))

	env := newTestEnv(t, developmentConfig())
	env.seed("someone@pnar.online", "password1", auth.RoleUser)
	rec := env.do(http.MethodPost, "/v1/auth/login", credentialsRequest{Email: "someone@pnar.online", Password: "wrong-pass1"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = env.do(http.MethodPost, "/v1/auth/login", credentialsRequest{Email: "someone@pnar.online", Password: "password1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	entries := logs.FilterMessage("request_complete").All()
	if len(entries) != 2 {
		t.Fatalf("expected two request_complete entries, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["outcome"]; got != "handler_rejected" {
		t.Fatalf("failed login logged outcome %v", got)
	}
	if got := entries[1].ContextMap()["outcome"]; got != "handled" {
		t.Fatalf("successful login logged outcome %v", got)
	}
}

func TestStateNames(t *testing.T) {
	if StateRateLimitChecked.String() != "rate_limit_checked" || State(99).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}
