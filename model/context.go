package model

import (
	"context"
	"strings"
)

// RequestContext is the caller a case operation runs as. TenantID scopes
// every case lookup and Actor() is written to the audit trail. The trace
// fields only correlate logs.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate returns an UNAUTHORIZED envelope naming the identity fields the
// caller lacks, or nil when both subject and tenant are known.
func (rc *RequestContext) Validate() error {
	var missing []string
	if rc.SubjectID == "" {
		missing = append(missing, "subject")
	}
	if rc.TenantID == "" {
		missing = append(missing, "tenant")
	}
	if len(missing) == 0 {
		return nil
	}
	return NewUnauthorizedError("incomplete identity: missing " + strings.Join(missing, " and "))
}

// Actor returns the identifier recorded in audit events.
func (rc *RequestContext) Actor() string {
	if rc.Email != "" {
		return rc.Email
	}
	return rc.SubjectID
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
