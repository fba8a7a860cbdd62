package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/minipass/internal/audit/domain"
	auditrepo "github.com/smallbiznis/minipass/internal/audit/repository"
	auditservice "github.com/smallbiznis/minipass/internal/audit/service"
	"github.com/smallbiznis/minipass/internal/clock"
	"github.com/smallbiznis/minipass/internal/config"
	customerdomain "github.com/smallbiznis/minipass/internal/customer/domain"
	customerrepo "github.com/smallbiznis/minipass/internal/customer/repository"
	customerservice "github.com/smallbiznis/minipass/internal/customer/service"
	"github.com/smallbiznis/minipass/internal/gateway"
	stripegateway "github.com/smallbiznis/minipass/internal/gateway/stripe"
	"github.com/smallbiznis/minipass/internal/lock"
	"github.com/smallbiznis/minipass/internal/observability"
	"github.com/smallbiznis/minipass/internal/provisioning"
	"github.com/smallbiznis/minipass/internal/ratelimit"
	webhookdomain "github.com/smallbiznis/minipass/internal/webhook/domain"
	webhookrepo "github.com/smallbiznis/minipass/internal/webhook/repository"
	webhookservice "github.com/smallbiznis/minipass/internal/webhook/service"
	"github.com/smallbiznis/minipass/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testOperatorToken = "operator-token"
)

type recordingHandler struct {
	events []*gateway.Event
	err    error
}

func (h *recordingHandler) Handle(ctx context.Context, event *gateway.Event) error {
	h.events = append(h.events, event)
	return h.err
}

type fakeCheckout struct {
	calls   int
	session gateway.CheckoutSession
	err     error
	avail   provisioning.Availability
}

func (f *fakeCheckout) CreateCheckout(ctx context.Context, req provisioning.CheckoutRequest) (gateway.CheckoutSession, error) {
	f.calls++
	return f.session, f.err
}

func (f *fakeCheckout) CheckSubdomain(ctx context.Context, subdomain, organization string) (provisioning.Availability, error) {
	f.calls++
	return f.avail, f.err
}

type testServer struct {
	engine    *gin.Engine
	handler   *recordingHandler
	checkout  *fakeCheckout
	customers customerdomain.Service
	audit     auditdomain.Service
}

func newTestServer(t *testing.T, operatorToken string) *testServer {
	t.Helper()
	return newTestServerWithLimits(t, operatorToken, config.RateLimitConfig{PublicPerMinute: 100})
}

func newTestServerWithLimits(t *testing.T, operatorToken string, limits config.RateLimitConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&customerdomain.Customer{}, &webhookdomain.Event{}, &auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{
		Environment:      "test",
		OperatorAPIToken: operatorToken,
		Stripe:           config.StripeConfig{WebhookSecret: testWebhookSecret},
		Deploy:           config.DeployConfig{BasePort: 9100},
		Limits:           limits,
	}
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	handler := &recordingHandler{}
	webhooks := webhookservice.New(webhookservice.Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    webhookrepo.Provide(),
		Gateway: stripegateway.New(cfg, zap.NewNop()),
		Handler: handler,
		Clock:   clk,
	})
	customers := customerservice.New(customerservice.Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   customerrepo.Provide(),
		Locker: lock.NewLocal(),
		Clock:  clk,
		Config: cfg,
	})
	audit := auditservice.NewService(auditservice.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
		Clock: clk,
	})
	checkout := &fakeCheckout{}

	engine := NewEngine(observability.Config{}, nil)
	newServer(engine, cfg, webhooks, checkout, customers, audit, ratelimit.NewLocal())

	return &testServer{engine: engine, handler: handler, checkout: checkout, customers: customers, audit: audit}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func signedWebhookRequest(t *testing.T, payload []byte, secret string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

const checkoutPayload = `{
	"id": "evt_checkout_1",
	"type": "checkout.session.completed",
	"created": 1735689600,
	"data": {"object": {
		"id": "cs_test_1",
		"mode": "subscription",
		"customer": "cus_1",
		"subscription": "sub_1",
		"customer_email": "owner@acme.test",
		"payment_status": "paid",
		"metadata": {"subdomain": "acme", "plan_tier": "basic", "billing_frequency": "monthly"}
	}}
}`

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t, testOperatorToken)

	w := s.do(signedWebhookRequest(t, []byte(checkoutPayload), "whsec_wrong"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_signature", decodeError(t, w).Type)
	assert.Empty(t, s.handler.events)
}

func TestStripeWebhookDispatchesEachEventOnce(t *testing.T) {
	s := newTestServer(t, testOperatorToken)

	for i := 0; i < 2; i++ {
		w := s.do(signedWebhookRequest(t, []byte(checkoutPayload), testWebhookSecret))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	require.Len(t, s.handler.events, 1)
	event := s.handler.events[0]
	assert.Equal(t, gateway.EventCheckoutCompleted, event.Type)
	require.NotNil(t, event.Checkout)
	assert.Equal(t, "acme", event.Checkout.Subdomain)
	assert.Equal(t, "sub_1", event.Checkout.SubscriptionRef)
}

func TestStripeWebhookIgnoresUnknownTypes(t *testing.T) {
	s := newTestServer(t, testOperatorToken)
	payload := []byte(`{"id":"evt_other","type":"customer.created","created":1735689600,"data":{"object":{"id":"cus_1"}}}`)

	w := s.do(signedWebhookRequest(t, payload, testWebhookSecret))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, s.handler.events)
}

func TestStripeWebhookSurfacesHandlerErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"transient failure", errors.New("database unavailable"), http.StatusInternalServerError},
		{"taken subdomain", customerdomain.ErrSubdomainTaken, http.StatusConflict},
		{"invalid checkout", customerdomain.ErrInvalidSubdomain, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, testOperatorToken)
			s.handler.err = tc.err

			w := s.do(signedWebhookRequest(t, []byte(checkoutPayload), testWebhookSecret))

			assert.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}
}

func TestCreateCheckoutRejectsInvalidSubdomain(t *testing.T) {
	s := newTestServer(t, testOperatorToken)
	body := `{"email":"owner@acme.test","subdomain":"-bad-","tier":"basic","billing_frequency":"monthly"}`

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := s.do(req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	assert.Equal(t, "validation_error", payload.Type)
	require.NotEmpty(t, payload.Errors)
	assert.Equal(t, "subdomain", payload.Errors[0].Field)
	assert.Zero(t, s.checkout.calls)
}

func TestCreateCheckoutReturnsSession(t *testing.T) {
	s := newTestServer(t, testOperatorToken)
	s.checkout.session = gateway.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}
	body := `{"email":"owner@acme.test","subdomain":"acme","tier":"basic","billing_frequency":"annual"}`

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := s.do(req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Data gateway.CheckoutSession `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "https://checkout.stripe.test/cs_1", resp.Data.URL)
}

func TestCreateCheckoutConflictOnTakenSubdomain(t *testing.T) {
	s := newTestServer(t, testOperatorToken)
	s.checkout.err = customerdomain.ErrSubdomainTaken
	body := `{"email":"owner@acme.test","subdomain":"acme","tier":"basic","billing_frequency":"monthly"}`

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := s.do(req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "subdomain_taken", decodeError(t, w).Type)
}

func TestCheckSubdomain(t *testing.T) {
	s := newTestServer(t, testOperatorToken)
	s.checkout.avail = provisioning.Availability{Subdomain: "acme", Valid: true, Available: false, Suggestion: "acme-widgets"}

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/subdomains/check?subdomain=acme&organization=Acme+Widgets", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data provisioning.Availability `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Data.Available)
	assert.Equal(t, "acme-widgets", resp.Data.Suggestion)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/subdomains/check", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublicRoutesAreRateLimited(t *testing.T) {
	s := newTestServerWithLimits(t, testOperatorToken, config.RateLimitConfig{PublicPerMinute: 2})
	s.checkout.avail = provisioning.Availability{Subdomain: "acme", Valid: true, Available: true}

	for i := 0; i < 2; i++ {
		w := s.do(httptest.NewRequest(http.MethodGet, "/api/subdomains/check?subdomain=acme", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/subdomains/check?subdomain=acme", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, w).Type)

	// Webhooks are never throttled.
	w = s.do(signedWebhookRequest(t, []byte(checkoutPayload), testWebhookSecret))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, testOperatorToken)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/operator/customers", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/operator/customers", nil)
	req.Header.Set(HeaderOperatorToken, "wrong")
	w = s.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	disabled := newTestServer(t, "")
	req = httptest.NewRequest(http.MethodGet, "/api/operator/customers", nil)
	req.Header.Set(HeaderOperatorToken, "anything")
	w = disabled.do(req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOperatorListAndGetCustomers(t *testing.T) {
	s := newTestServer(t, testOperatorToken)
	created, err := s.customers.Reserve(context.Background(), customerdomain.ReserveRequest{
		Email:              "owner@acme.test",
		PlanTier:           "basic",
		BillingFrequency:   customerdomain.FrequencyMonthly,
		Subdomain:          "acme",
		SubscriptionRef:    "sub_1",
		CheckoutSessionRef: "cs_1",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/operator/customers?status=pending", nil)
	req.Header.Set("Authorization", "Bearer "+testOperatorToken)
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var list struct {
		Data customerdomain.ListCustomerResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data.Customers, 1)
	assert.Equal(t, "acme", list.Data.Customers[0].Subdomain)

	req = httptest.NewRequest(http.MethodGet, "/api/operator/customers/"+created.ID.String(), nil)
	req.Header.Set(HeaderOperatorToken, testOperatorToken)
	w = s.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/operator/customers/12345", nil)
	req.Header.Set(HeaderOperatorToken, testOperatorToken)
	w = s.do(req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/operator/customers?status=bogus", nil)
	req.Header.Set(HeaderOperatorToken, testOperatorToken)
	w = s.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/operator/customers?page_token=garbage", nil)
	req.Header.Set(HeaderOperatorToken, testOperatorToken)
	w = s.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "page_token", decodeError(t, w).Errors[0].Field)
}

func TestOperatorListAuditLogs(t *testing.T) {
	s := newTestServer(t, testOperatorToken)
	ctx := context.Background()
	require.NoError(t, s.audit.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeWebhook,
		Action:     auditdomain.ActionInstanceProvisioned,
		TargetType: auditdomain.TargetTypeCustomer,
		TargetID:   "101",
	}))
	require.NoError(t, s.audit.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeSystem,
		Action:     auditdomain.ActionInstanceStopped,
		TargetType: auditdomain.TargetTypeCustomer,
		TargetID:   "202",
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/operator/audit-logs?target_id=101", nil)
	req.Header.Set(HeaderOperatorToken, testOperatorToken)
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data auditdomain.ListAuditLogResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data.AuditLogs, 1)
	assert.Equal(t, auditdomain.ActionInstanceProvisioned, resp.Data.AuditLogs[0].Action)

	req = httptest.NewRequest(http.MethodGet, "/api/operator/audit-logs?page_token=garbage", nil)
	req.Header.Set(HeaderOperatorToken, testOperatorToken)
	w = s.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "page_token", decodeError(t, w).Errors[0].Field)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/operator/audit-logs", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testOperatorToken)

	w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}
