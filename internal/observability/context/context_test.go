package context

import (
	stdcontext "context"
	"testing"
)

func TestCorrelationValuesRoundTrip(t *testing.T) {
	ctx := stdcontext.Background()
	ctx = WithRequestID(ctx, " req-1 ")
	ctx = WithSubdomain(ctx, "acme")
	ctx = WithEventID(ctx, "evt_123")

	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("expected request id req-1, got %q", got)
	}
	if got := SubdomainFromContext(ctx); got != "acme" {
		t.Fatalf("expected subdomain acme, got %q", got)
	}
	if got := EventIDFromContext(ctx); got != "evt_123" {
		t.Fatalf("expected event id evt_123, got %q", got)
	}
}

func TestBlankValuesAreNotStored(t *testing.T) {
	ctx := WithSubdomain(stdcontext.Background(), "   ")
	if got := SubdomainFromContext(ctx); got != "" {
		t.Fatalf("expected empty subdomain, got %q", got)
	}
	if got := RequestIDFromContext(nil); got != "" {
		t.Fatalf("expected empty request id for nil context, got %q", got)
	}
}
