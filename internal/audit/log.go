// Package audit carries the request-scoped audit record and writes audit events.
package audit

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"pnar.online/internal/auth"
	"pnar.online/internal/obs"
)

// Annotation is one key/value appended to an audit record.
type Annotation struct {
	Key   string
	Value any
}

// Context is the audit record of one request. The pipeline owns client and
// outcome; handlers may only append annotations.
type Context struct {
	CorrelationID string
	Endpoint      string

	mu          sync.Mutex
	client      string
	outcome     string
	annotations []Annotation
}

// New starts a record for a request.
func New(correlationID, endpoint, client string) *Context {
	return &Context{CorrelationID: correlationID, Endpoint: endpoint, client: client}
}

// Identify replaces the client identity once the caller is authenticated.
func (c *Context) Identify(client string) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
}

// Finish sets the outcome. Only the first call has effect.
func (c *Context) Finish(outcome string) {
	c.mu.Lock()
	if c.outcome == "" {
		c.outcome = outcome
	}
	c.mu.Unlock()
}

// Annotate appends a key/value to the record.
func (c *Context) Annotate(key string, value any) {
	c.mu.Lock()
	c.annotations = append(c.annotations, Annotation{Key: key, Value: value})
	c.mu.Unlock()
}

func (c *Context) Client() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *Context) Outcome() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Annotations returns a copy of the annotations in insertion order.
func (c *Context) Annotations() []Annotation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Annotation, len(c.annotations))
	copy(out, c.annotations)
	return out
}

// Fields renders the record as log fields.
func (c *Context) Fields() []zap.Field {
	c.mu.Lock()
	defer c.mu.Unlock()
	fields := []zap.Field{
		zap.String("correlation_id", c.CorrelationID),
		zap.String("client", c.client),
		zap.String("endpoint", c.Endpoint),
	}
	if c.outcome != "" {
		fields = append(fields, zap.String("outcome", c.outcome))
	}
	for _, a := range c.annotations {
		fields = append(fields, zap.Any(a.Key, a.Value))
	}
	return fields
}

type ctxKey struct{}

// WithContext attaches the record to ctx.
func WithContext(ctx context.Context, c *Context) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the record attached to ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(ctxKey{}).(*Context)
	return c, ok && c != nil
}

// CorrelationID returns the correlation id of the request in ctx, if any.
func CorrelationID(ctx context.Context) string {
	if c, ok := FromContext(ctx); ok {
		return c.CorrelationID
	}
	return ""
}

// LogEvent writes an audit entry enriched with the request record and caller identity.
func LogEvent(ctx context.Context, event string, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rec, ok := FromContext(ctx); ok {
		entry = append(entry,
			zap.String("correlation_id", rec.CorrelationID),
			zap.String("endpoint", rec.Endpoint))
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		entry = append(entry,
			zap.String("user_id", id.UserID),
			zap.String("role", string(id.Role)))
	}
	entry = append(entry, fields...)
	obs.Logger().Info("audit", entry...)
	return nil
}
