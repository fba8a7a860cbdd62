// Package gateway describes the subscription billing provider the control
// plane depends on. Implementations live in subpackages.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"
)

type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout_completed"
	EventInvoicePaid          EventType = "invoice_paid"
	EventInvoicePaymentFailed EventType = "invoice_payment_failed"
	EventSubscriptionDeleted  EventType = "subscription_deleted"
)

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrNotConfigured    = errors.New("gateway_not_configured")
)

// Event is a verified provider notification reduced to what provisioning needs.
type Event struct {
	ID         string
	Type       EventType
	RawType    string
	OccurredAt time.Time
	Payload    []byte

	Checkout     *CheckoutCompleted
	Invoice      *Invoice
	Subscription *Subscription
}

type CheckoutCompleted struct {
	SessionID        string
	CustomerRef      string
	SubscriptionRef  string
	Email            string
	Subdomain        string
	OrganizationName string
	Tier             string
	Frequency        string
	PriceID          string
	PaymentStatus    string
}

type Invoice struct {
	InvoiceID       string
	SubscriptionRef string
	CustomerRef     string
}

type Subscription struct {
	SubscriptionRef string
	CustomerRef     string
}

type CheckoutRequest struct {
	Email            string
	Subdomain        string
	OrganizationName string
	Tier             string
	Frequency        string
	PriceID          string
}

type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Gateway is the outbound and inbound surface of the billing provider.
type Gateway interface {
	Name() string
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	// CancelAtPeriodEnd asks the provider to stop renewing without ending the current period.
	CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) error
	Verify(payload []byte, headers http.Header) error
	// Parse returns ErrEventIgnored for event types provisioning does not act on.
	Parse(payload []byte) (*Event, error)
}

// Checkout metadata keys carried from session creation to the completed event.
const (
	MetadataSubdomain    = "subdomain"
	MetadataOrganization = "organization_name"
	MetadataTier         = "plan_tier"
	MetadataFrequency    = "billing_frequency"
	MetadataPriceID      = "price_id"
)
