package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/minipass/internal/clock"
	"github.com/smallbiznis/minipass/internal/gateway"
	"github.com/smallbiznis/minipass/internal/webhook/domain"
	"github.com/smallbiznis/minipass/internal/webhook/repository"
	"github.com/smallbiznis/minipass/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeGateway struct {
	verifyErr error
	event     *gateway.Event
	parseErr  error
}

func (g *fakeGateway) Name() string { return "stripe" }

func (g *fakeGateway) CreateCheckoutSession(context.Context, gateway.CheckoutRequest) (gateway.CheckoutSession, error) {
	return gateway.CheckoutSession{}, nil
}

func (g *fakeGateway) CancelAtPeriodEnd(context.Context, string) error { return nil }

func (g *fakeGateway) Verify([]byte, http.Header) error { return g.verifyErr }

func (g *fakeGateway) Parse([]byte) (*gateway.Event, error) { return g.event, g.parseErr }

type recordingHandler struct {
	calls int
	err   error
}

func (h *recordingHandler) Handle(ctx context.Context, event *gateway.Event) error {
	h.calls++
	return h.err
}

func setup(t *testing.T, gw *fakeGateway, handler *recordingHandler) (domain.Service, *gorm.DB) {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&domain.Event{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := New(Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    repository.Provide(),
		Gateway: gw,
		Handler: handler,
		Clock:   clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	return svc, conn
}

func checkoutEvent(id string) *gateway.Event {
	return &gateway.Event{
		ID:       id,
		Type:     gateway.EventCheckoutCompleted,
		RawType:  "checkout.session.completed",
		Payload:  []byte(`{"id":"` + id + `"}`),
		Checkout: &gateway.CheckoutCompleted{SessionID: "cs_1"},
	}
}

func loadEvent(t *testing.T, conn *gorm.DB, eventID string) *domain.Event {
	t.Helper()
	row, err := repository.Provide().FindByEventID(context.Background(), conn, "stripe", eventID)
	require.NoError(t, err)
	require.NotNil(t, row)
	return row
}

func TestIngestRejectsBadSignature(t *testing.T) {
	handler := &recordingHandler{}
	svc, conn := setup(t, &fakeGateway{verifyErr: gateway.ErrInvalidSignature, event: checkoutEvent("evt_1")}, handler)

	err := svc.Ingest(context.Background(), []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)
	assert.Equal(t, 0, handler.calls)

	var count int64
	require.NoError(t, conn.Model(&domain.Event{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestIngestDispatchesOnceAndDedupes(t *testing.T) {
	handler := &recordingHandler{}
	svc, conn := setup(t, &fakeGateway{event: checkoutEvent("evt_1")}, handler)
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, []byte(`{}`), http.Header{}))
	require.NoError(t, svc.Ingest(ctx, []byte(`{}`), http.Header{}))

	assert.Equal(t, 1, handler.calls)
	row := loadEvent(t, conn, "evt_1")
	assert.Equal(t, domain.OutcomeProcessed, row.Outcome)
	assert.NotNil(t, row.ProcessedAt)
}

func TestIngestFailedEventIsRetriedOnRedelivery(t *testing.T) {
	handler := &recordingHandler{err: errors.New("docker down")}
	svc, conn := setup(t, &fakeGateway{event: checkoutEvent("evt_2")}, handler)
	ctx := context.Background()

	err := svc.Ingest(ctx, []byte(`{}`), http.Header{})
	require.Error(t, err)
	row := loadEvent(t, conn, "evt_2")
	assert.Equal(t, domain.OutcomeFailed, row.Outcome)
	assert.Equal(t, "docker down", row.Error)
	assert.Nil(t, row.ProcessedAt)

	handler.err = nil
	require.NoError(t, svc.Ingest(ctx, []byte(`{}`), http.Header{}))
	assert.Equal(t, 2, handler.calls)
	assert.Equal(t, domain.OutcomeProcessed, loadEvent(t, conn, "evt_2").Outcome)
}

func TestIngestIgnoredEventType(t *testing.T) {
	handler := &recordingHandler{}
	event := &gateway.Event{ID: "evt_3", RawType: "customer.created", Payload: []byte(`{}`)}
	svc, conn := setup(t, &fakeGateway{event: event, parseErr: gateway.ErrEventIgnored}, handler)

	require.NoError(t, svc.Ingest(context.Background(), []byte(`{}`), http.Header{}))
	assert.Equal(t, 0, handler.calls)
	assert.Equal(t, domain.OutcomeIgnored, loadEvent(t, conn, "evt_3").Outcome)
}

func TestIngestInvalidPayload(t *testing.T) {
	handler := &recordingHandler{}
	svc, _ := setup(t, &fakeGateway{parseErr: gateway.ErrInvalidPayload}, handler)

	err := svc.Ingest(context.Background(), []byte(`nope`), http.Header{})
	assert.ErrorIs(t, err, gateway.ErrInvalidPayload)
	assert.Equal(t, 0, handler.calls)
}
