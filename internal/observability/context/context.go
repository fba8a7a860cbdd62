// Package context carries request-scoped correlation identifiers.
package context

import (
	stdcontext "context"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	subdomainKey
	eventIDKey
)

func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	return withValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx stdcontext.Context) string {
	return valueFrom(ctx, requestIDKey)
}

// WithSubdomain tags the context with the customer instance being acted on.
func WithSubdomain(ctx stdcontext.Context, subdomain string) stdcontext.Context {
	return withValue(ctx, subdomainKey, subdomain)
}

func SubdomainFromContext(ctx stdcontext.Context) string {
	return valueFrom(ctx, subdomainKey)
}

// WithEventID tags the context with the gateway event being processed.
func WithEventID(ctx stdcontext.Context, eventID string) stdcontext.Context {
	return withValue(ctx, eventIDKey, eventID)
}

func EventIDFromContext(ctx stdcontext.Context) string {
	return valueFrom(ctx, eventIDKey)
}

func withValue(ctx stdcontext.Context, key ctxKey, value string) stdcontext.Context {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, key, value)
}

func valueFrom(ctx stdcontext.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
