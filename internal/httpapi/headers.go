package httpapi

import (
	"net/http"
	"strings"
)

const (
	headerRequestID   = "X-Request-ID"
	corsAllowMethods  = "GET, POST, OPTIONS"
	corsAllowHeaders  = "Authorization, Content-Type, X-Request-ID"
	corsExposeHeaders = "X-Request-ID, Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining"
	corsMaxAge        = "600"
	hstsValue         = "max-age=31536000; includeSubDomains"
)

// HeaderPolicy is the static, per-environment response header configuration.
type HeaderPolicy struct {
	ContentSecurityPolicy string
	// EnforceTLS adds Strict-Transport-Security.
	EnforceTLS     bool
	AllowedOrigins []string
}

// headerInjector applies the header set. It holds no mutable state after construction.
type headerInjector struct {
	static    [][2]string
	origins   map[string]struct{}
	anyOrigin bool
}

func newHeaderInjector(p HeaderPolicy) *headerInjector {
	h := &headerInjector{
		static: [][2]string{
			{"X-Content-Type-Options", "nosniff"},
			{"X-Frame-Options", "DENY"},
			{"X-XSS-Protection", "0"},
			{"Referrer-Policy", "strict-origin-when-cross-origin"},
			{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
		},
		origins: make(map[string]struct{}, len(p.AllowedOrigins)),
	}
	if p.ContentSecurityPolicy != "" {
		h.static = append(h.static, [2]string{"Content-Security-Policy", p.ContentSecurityPolicy})
	}
	if p.EnforceTLS {
		h.static = append(h.static, [2]string{"Strict-Transport-Security", hstsValue})
	}
	for _, o := range p.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			h.anyOrigin = true
			continue
		}
		if o != "" {
			h.origins[strings.ToLower(o)] = struct{}{}
		}
	}
	return h
}

// allowed reports whether origin is on the allow-list.
func (h *headerInjector) allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if h.anyOrigin {
		return true
	}
	_, ok := h.origins[strings.ToLower(origin)]
	return ok
}

// apply writes the full header set into dst. Calling it twice yields the same headers.
func (h *headerInjector) apply(dst http.Header, origin string) {
	for _, kv := range h.static {
		dst.Set(kv[0], kv[1])
	}
	if !h.allowed(origin) {
		return
	}
	dst.Set("Access-Control-Allow-Origin", origin)
	dst.Set("Vary", "Origin")
	dst.Set("Access-Control-Allow-Methods", corsAllowMethods)
	dst.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	dst.Set("Access-Control-Expose-Headers", corsExposeHeaders)
	dst.Set("Access-Control-Max-Age", corsMaxAge)
}

// responseWriter injects headers right before the status line is committed,
// so every exit path carries them, and records the status for logging.
type responseWriter struct {
	http.ResponseWriter
	inject func(http.Header)
	status int
	wrote  bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.inject(w.Header())
	w.status = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// FlushError commits the status (and so the headers) before flushing.
// http.ResponseController prefers it over Unwrap.
func (w *responseWriter) FlushError() error {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *responseWriter) Flush() { _ = w.FlushError() }

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *responseWriter) statusCode() int {
	if !w.wrote {
		return http.StatusOK
	}
	return w.status
}
