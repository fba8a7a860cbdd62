package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/minipass/internal/config"
	"github.com/smallbiznis/minipass/internal/gateway"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const signatureHeader = "Stripe-Signature"

// Gateway talks to Stripe with an explicit key instead of the package-global one.
type Gateway struct {
	secretKey     string
	webhookSecret string
	successURL    string
	cancelURL     string
	sessions      *session.Client
	subscriptions *subscription.Client
	log           *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) *Gateway {
	backend := stripeapi.GetBackend(stripeapi.APIBackend)
	key := strings.TrimSpace(cfg.Stripe.SecretKey)
	return &Gateway{
		secretKey:     key,
		webhookSecret: strings.TrimSpace(cfg.Stripe.WebhookSecret),
		successURL:    cfg.Stripe.SuccessURL,
		cancelURL:     cfg.Stripe.CancelURL,
		sessions:      &session.Client{B: backend, Key: key},
		subscriptions: &subscription.Client{B: backend, Key: key},
		log:           log.Named("gateway.stripe"),
	}
}

func (g *Gateway) Name() string {
	return "stripe"
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, req gateway.CheckoutRequest) (gateway.CheckoutSession, error) {
	if g.secretKey == "" {
		return gateway.CheckoutSession{}, gateway.ErrNotConfigured
	}

	metadata := map[string]string{
		gateway.MetadataSubdomain:    req.Subdomain,
		gateway.MetadataOrganization: req.OrganizationName,
		gateway.MetadataTier:         req.Tier,
		gateway.MetadataFrequency:    req.Frequency,
		gateway.MetadataPriceID:      req.PriceID,
	}
	params := &stripeapi.CheckoutSessionParams{
		Mode:          stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		CustomerEmail: stripeapi.String(req.Email),
		SuccessURL:    stripeapi.String(g.successURL),
		CancelURL:     stripeapi.String(g.cancelURL),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{Price: stripeapi.String(req.PriceID), Quantity: stripeapi.Int64(1)},
		},
		SubscriptionData: &stripeapi.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	params.Metadata = metadata
	params.Context = ctx

	s, err := g.sessions.New(params)
	if err != nil {
		return gateway.CheckoutSession{}, fmt.Errorf("create stripe checkout session: %w", err)
	}
	return gateway.CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (g *Gateway) CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) error {
	if g.secretKey == "" {
		return gateway.ErrNotConfigured
	}
	params := &stripeapi.SubscriptionParams{
		CancelAtPeriodEnd: stripeapi.Bool(true),
	}
	params.Context = ctx

	if _, err := g.subscriptions.Update(subscriptionRef, params); err != nil {
		return fmt.Errorf("cancel stripe subscription: %w", err)
	}
	return nil
}

// Verify checks the Stripe-Signature header, including the timestamp tolerance.
func (g *Gateway) Verify(payload []byte, headers http.Header) error {
	if g.webhookSecret == "" {
		return gateway.ErrNotConfigured
	}
	sig := strings.TrimSpace(headers.Get(signatureHeader))
	if sig == "" {
		return gateway.ErrInvalidSignature
	}
	_, err := webhook.ConstructEventWithOptions(payload, sig, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		g.log.Debug("stripe signature rejected", zap.Error(err))
		return gateway.ErrInvalidSignature
	}
	return nil
}

func (g *Gateway) Parse(payload []byte) (*gateway.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, gateway.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, gateway.ErrInvalidEvent
	}

	out := &gateway.Event{
		ID:         event.ID,
		RawType:    event.Type,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		Payload:    payload,
	}

	var err error
	switch strings.TrimSpace(event.Type) {
	// Delayed payment methods complete the session unpaid and confirm it later.
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		out.Type = gateway.EventCheckoutCompleted
		out.Checkout, err = parseCheckout(event.Data.Object)
	case "invoice.payment_succeeded", "invoice.paid":
		out.Type = gateway.EventInvoicePaid
		out.Invoice, err = parseInvoice(event.Data.Object)
	case "invoice.payment_failed":
		out.Type = gateway.EventInvoicePaymentFailed
		out.Invoice, err = parseInvoice(event.Data.Object)
	case "customer.subscription.deleted":
		out.Type = gateway.EventSubscriptionDeleted
		out.Subscription, err = parseSubscription(event.Data.Object)
	default:
		return out, gateway.ErrEventIgnored
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	Customer        json.RawMessage   `json:"customer"`
	Subscription    json.RawMessage   `json:"subscription"`
	CustomerEmail   string            `json:"customer_email"`
	PaymentStatus   string            `json:"payment_status"`
	Metadata        map[string]string `json:"metadata"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type stripeInvoice struct {
	ID           string          `json:"id"`
	Customer     json.RawMessage `json:"customer"`
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

type stripeSubscription struct {
	ID       string          `json:"id"`
	Customer json.RawMessage `json:"customer"`
}

func parseCheckout(raw json.RawMessage) (*gateway.CheckoutCompleted, error) {
	var s stripeCheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, gateway.ErrInvalidPayload
	}
	if strings.TrimSpace(s.ID) == "" {
		return nil, gateway.ErrInvalidEvent
	}
	if s.Mode != "" && s.Mode != string(stripeapi.CheckoutSessionModeSubscription) {
		return nil, gateway.ErrEventIgnored
	}

	email := strings.TrimSpace(s.CustomerEmail)
	if s.CustomerDetails != nil && strings.TrimSpace(s.CustomerDetails.Email) != "" {
		email = strings.TrimSpace(s.CustomerDetails.Email)
	}

	return &gateway.CheckoutCompleted{
		SessionID:        s.ID,
		CustomerRef:      objectID(s.Customer),
		SubscriptionRef:  objectID(s.Subscription),
		Email:            email,
		Subdomain:        strings.TrimSpace(s.Metadata[gateway.MetadataSubdomain]),
		OrganizationName: strings.TrimSpace(s.Metadata[gateway.MetadataOrganization]),
		Tier:             strings.TrimSpace(s.Metadata[gateway.MetadataTier]),
		Frequency:        strings.TrimSpace(s.Metadata[gateway.MetadataFrequency]),
		PriceID:          strings.TrimSpace(s.Metadata[gateway.MetadataPriceID]),
		PaymentStatus:    s.PaymentStatus,
	}, nil
}

func parseInvoice(raw json.RawMessage) (*gateway.Invoice, error) {
	var inv stripeInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, gateway.ErrInvalidPayload
	}
	if strings.TrimSpace(inv.ID) == "" {
		return nil, gateway.ErrInvalidEvent
	}

	subscriptionRef := objectID(inv.Subscription)
	if subscriptionRef == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		subscriptionRef = objectID(inv.Parent.SubscriptionDetails.Subscription)
	}
	if subscriptionRef == "" {
		// One-off invoices have nothing to renew.
		return nil, gateway.ErrEventIgnored
	}

	return &gateway.Invoice{
		InvoiceID:       inv.ID,
		SubscriptionRef: subscriptionRef,
		CustomerRef:     objectID(inv.Customer),
	}, nil
}

func parseSubscription(raw json.RawMessage) (*gateway.Subscription, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, gateway.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, gateway.ErrInvalidEvent
	}
	return &gateway.Subscription{
		SubscriptionRef: sub.ID,
		CustomerRef:     objectID(sub.Customer),
	}, nil
}

// objectID accepts either a bare id string or an expanded object with an id.
func objectID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}

var _ gateway.Gateway = (*Gateway)(nil)

