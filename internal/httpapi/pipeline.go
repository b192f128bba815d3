package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pnar.online/internal/audit"
	"pnar.online/internal/auth"
	"pnar.online/internal/config"
	"pnar.online/internal/ids"
	"pnar.online/internal/obs"
	"pnar.online/internal/ratelimit"
)

// State is a request's position in the pipeline.
type State int

const (
	StateStart State = iota
	StateCorrelationAssigned
	StateRateLimitChecked
	StateAuthenticated
	StateAuthorized
	StateHandled
	StateHeadersInjected
	StateComplete
)

var stateNames = [...]string{
	"start",
	"correlation_assigned",
	"rate_limit_checked",
	"authenticated",
	"authorized",
	"handled",
	"headers_injected",
	"complete",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Endpoint declares a route and its access requirement.
// A protected endpoint with no MinRole admits any authenticated caller.
type Endpoint struct {
	Method  string
	Path    string
	Public  bool
	MinRole auth.Role
	Handler http.Handler
}

func (e Endpoint) pattern() string {
	if e.Method == "" {
		return e.Path
	}
	return e.Method + " " + e.Path
}

// PipelineConfig is the static part of the pipeline.
type PipelineConfig struct {
	Headers        HeaderPolicy
	KeyStrategy    string
	TrustForwarded bool
	// Verbose exposes internal error detail to clients.
	Verbose        bool
	HandlerTimeout time.Duration
}

// exchange is the per-request state threaded through the stages.
type exchange struct {
	w  *responseWriter
	r  *http.Request
	ep Endpoint

	origin        string
	correlationID string
	clientIP      string
	record        *audit.Context

	peeked   bool
	token    string
	tokenErr error
	identity auth.Identity
	authErr  error
}

type stage struct {
	name    string
	reached State
	// applies reports whether the stage runs for this request; nil means always.
	applies func(*exchange) bool
	run     func(*exchange) error
}

// Pipeline runs every request through a fixed list of stages and stops at the
// first failure. Security headers are applied on every exit path.
type Pipeline struct {
	cfg     PipelineConfig
	tokens  *auth.TokenService
	limiter *ratelimit.Limiter
	headers *headerInjector
	stages  []stage
	mux     *http.ServeMux
	observe func(*http.Request, State)

	mu      sync.RWMutex
	methods map[string][]string // path -> methods with an endpoint
	now     func() time.Time
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithStageObserver is called each time a request reaches a state.
func WithStageObserver(fn func(*http.Request, State)) PipelineOption {
	return func(p *Pipeline) {
		if fn != nil {
			p.observe = fn
		}
	}
}

// WithPipelineClock overrides the clock used for request durations.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPipeline builds the pipeline. It also mounts the CORS preflight handler and a
// not-found fallback so those responses carry the same headers.
func NewPipeline(cfg PipelineConfig, tokens *auth.TokenService, limiter *ratelimit.Limiter, opts ...PipelineOption) (*Pipeline, error) {
	if tokens == nil {
		return nil, errors.New("httpapi: token service is required")
	}
	if limiter == nil {
		return nil, errors.New("httpapi: rate limiter is required")
	}
	if cfg.KeyStrategy == "" {
		cfg.KeyStrategy = config.KeyByUser
	}
	p := &Pipeline{
		cfg:     cfg,
		tokens:  tokens,
		limiter: limiter,
		headers: newHeaderInjector(cfg.Headers),
		mux:     http.NewServeMux(),
		methods: make(map[string][]string),
		observe: func(*http.Request, State) {},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	protected := func(ex *exchange) bool { return !ex.ep.Public }
	p.stages = []stage{
		{name: "correlation", reached: StateCorrelationAssigned, run: p.assignCorrelation},
		{name: "rate_limit", reached: StateRateLimitChecked, run: p.checkRateLimit},
		{name: "authenticate", reached: StateAuthenticated, applies: protected, run: p.authenticate},
		{name: "authorize", reached: StateAuthorized, applies: protected, run: p.authorize},
		{name: "handle", reached: StateHandled, run: p.handle},
	}

	p.Handle(Endpoint{Method: http.MethodOptions, Path: "/", Public: true, Handler: http.HandlerFunc(preflight)})
	p.Handle(Endpoint{Path: "/", Public: true, Handler: http.HandlerFunc(p.unrouted)})
	return p, nil
}

// Handle mounts ep behind the pipeline.
func (p *Pipeline) Handle(ep Endpoint) {
	p.mux.Handle(ep.pattern(), p.serve(ep))
	if ep.Method != "" && ep.Method != http.MethodOptions {
		p.mu.Lock()
		p.methods[ep.Path] = append(p.methods[ep.Path], ep.Method)
		p.mu.Unlock()
	}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

func (p *Pipeline) serve(ep Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := p.now()
		defer obs.TrackInFlight()()

		ex := &exchange{r: r, ep: ep, origin: r.Header.Get("Origin")}
		ex.w = &responseWriter{ResponseWriter: w, inject: func(h http.Header) {
			p.headers.apply(h, ex.origin)
		}}
		p.observe(r, StateStart)

		var (
			failedAt string
			err      error
		)
		for i := range p.stages {
			st := &p.stages[i]
			if st.applies != nil && !st.applies(ex) {
				continue
			}
			if err = st.run(ex); err != nil {
				failedAt = st.name
				break
			}
			p.observe(ex.r, st.reached)
		}
		if err != nil {
			p.reject(ex, failedAt, err)
		}

		if !ex.w.wrote {
			p.headers.apply(ex.w.Header(), ex.origin)
		}
		p.observe(ex.r, StateHeadersInjected)

		p.finish(ex, start, err)
		p.observe(ex.r, StateComplete)
	})
}

func (p *Pipeline) assignCorrelation(ex *exchange) error {
	id := strings.TrimSpace(ex.r.Header.Get(headerRequestID))
	if !ids.AcceptCorrelation(id) {
		id = ids.NewCorrelation()
	}
	ex.correlationID = id
	ex.w.Header().Set(headerRequestID, id)

	ex.clientIP = clientIP(ex.r, p.cfg.TrustForwarded)
	ex.record = audit.New(id, ex.ep.pattern(), "ip:"+ex.clientIP)
	ex.r = ex.r.WithContext(audit.WithContext(ex.r.Context(), ex.record))
	return nil
}

func (p *Pipeline) checkRateLimit(ex *exchange) error {
	key := "ip:" + ex.clientIP
	if p.cfg.KeyStrategy == config.KeyByUser {
		if id, ok := p.peek(ex); ok {
			key = "user:" + id.UserID
		}
	}

	res := p.limiter.Consume(key)
	obs.RecordRateLimit(res.Allowed)
	h := ex.w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Allowed {
		writeRetryAfter(ex.w, res.RetryAfterSeconds())
		return &auth.Error{Kind: auth.KindRateLimited, Message: "rate limit exceeded"}
	}
	return nil
}

// peek validates the bearer token at most once per request. It never fails the
// request by itself; authenticate turns a stored failure into a rejection.
func (p *Pipeline) peek(ex *exchange) (auth.Identity, bool) {
	if !ex.peeked {
		ex.peeked = true
		ex.token, ex.tokenErr = extractBearerToken(ex.r.Header.Get(authHeader))
		if ex.tokenErr == nil {
			ex.identity, ex.authErr = p.tokens.Validate(ex.r.Context(), ex.token)
		}
	}
	return ex.identity, ex.tokenErr == nil && ex.authErr == nil
}

func (p *Pipeline) authenticate(ex *exchange) error {
	if _, ok := p.peek(ex); !ok {
		if ex.tokenErr != nil {
			return ex.tokenErr
		}
		return ex.authErr
	}
	ctx := auth.ContextWithIdentity(ex.r.Context(), ex.identity)
	ctx = auth.ContextWithToken(ctx, ex.token)
	ex.r = ex.r.WithContext(ctx)
	ex.record.Identify("user:" + ex.identity.UserID)
	return nil
}

func (p *Pipeline) authorize(ex *exchange) error {
	required := ex.ep.MinRole
	if required == "" {
		required = auth.RoleUser
	}
	if !auth.HasAtLeast(ex.identity.Role, required) {
		return &auth.Error{
			Kind:    auth.KindInsufficientRole,
			Message: fmt.Sprintf("role %s or higher is required", required),
		}
	}
	return nil
}

func (p *Pipeline) handle(ex *exchange) (err error) {
	ctx := ex.r.Context()
	if p.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err = &auth.Error{Kind: auth.KindInternal, Message: "handler panicked", Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	ex.ep.Handler.ServeHTTP(ex.w, ex.r.WithContext(ctx))
	return nil
}

func (p *Pipeline) reject(ex *exchange, stageName string, err error) {
	kind := auth.KindOf(err)
	obs.RecordRejection(stageName, kind.Code())
	if kind == auth.KindInternal {
		fields := append(ex.record.Fields(), zap.String("stage", stageName), zap.Error(err))
		obs.Logger().Error("pipeline internal error", fields...)
	}
	if ex.w.wrote {
		return
	}
	writeFailure(ex.w, err, ex.correlationID, p.cfg.Verbose)
}

func (p *Pipeline) finish(ex *exchange, start time.Time, err error) {
	status := ex.w.statusCode()
	outcome := "handled"
	switch {
	case err != nil:
		outcome = auth.KindOf(err).Code()
	case status >= http.StatusInternalServerError:
		outcome = "handler_failed"
	case status >= http.StatusBadRequest:
		outcome = "handler_rejected"
	}
	ex.record.Finish(outcome)

	elapsed := p.now().Sub(start)
	obs.ObserveRequest(ex.r.Method, ex.ep.pattern(), status, elapsed)

	fields := append(ex.record.Fields(),
		zap.String("method", ex.r.Method),
		zap.Int("status", status),
		zap.Duration("duration", elapsed))
	obs.Logger().Info("request_complete", fields...)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", &auth.Error{Kind: auth.KindMissing, Message: "missing bearer token"}
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", &auth.Error{Kind: auth.KindMalformed, Message: "invalid authorization scheme"}
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", &auth.Error{Kind: auth.KindMissing, Message: "missing bearer token"}
	}
	return token, nil
}

func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// unrouted answers requests no endpoint matched: 405 with Allow when the path
// exists under other methods, 404 otherwise.
func (p *Pipeline) unrouted(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	allowed := slices.Clone(p.methods[r.URL.Path])
	p.mu.RUnlock()
	if len(allowed) == 0 {
		writeStatus(w, r, http.StatusNotFound, codeNotFound, "no route for "+r.Method+" "+r.URL.Path)
		return
	}
	if slices.Contains(allowed, http.MethodGet) {
		allowed = append(allowed, http.MethodHead)
	}
	allowed = append(allowed, http.MethodOptions)
	slices.Sort(allowed)
	w.Header().Set("Allow", strings.Join(slices.Compact(allowed), ", "))
	writeStatus(w, r, http.StatusMethodNotAllowed, codeMethodNotAllowed, r.Method+" is not allowed on "+r.URL.Path)
}

func correlationFrom(r *http.Request) string {
	return audit.CorrelationID(r.Context())
}
