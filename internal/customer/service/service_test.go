package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/minipass/internal/clock"
	"github.com/smallbiznis/minipass/internal/config"
	"github.com/smallbiznis/minipass/internal/customer/domain"
	"github.com/smallbiznis/minipass/internal/customer/repository"
	"github.com/smallbiznis/minipass/internal/lock"
	"github.com/smallbiznis/minipass/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (domain.Service, *clock.FakeClock) {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&domain.Customer{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Config{Deploy: config.DeployConfig{BasePort: 9100}}

	svc := New(Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   repository.Provide(),
		Locker: lock.NewLocal(),
		Clock:  clk,
		Config: cfg,
	})
	return svc, clk
}

func reserveReq(subdomain, session string) domain.ReserveRequest {
	return domain.ReserveRequest{
		Email:              "owner@example.com",
		OrganizationName:   "Acme Inc",
		PlanTier:           "pro",
		BillingFrequency:   domain.FrequencyMonthly,
		Subdomain:          subdomain,
		SubscriptionRef:    "sub_" + session,
		PaymentCustomerRef: "cus_" + session,
		CheckoutSessionRef: "cs_" + session,
	}
}

func TestReserveAllocatesDistinctPorts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Reserve(ctx, reserveReq("acme", "1"))
	require.NoError(t, err)
	second, err := svc.Reserve(ctx, reserveReq("globex", "2"))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, first.Status)
	assert.Equal(t, 9100, first.Port)
	assert.Equal(t, 9101, second.Port)
	assert.NotEqual(t, first.Subdomain, second.Subdomain)
}

func TestReserveRejectsInvalidSubdomain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, reserveReq("-bad-", "1"))
	assert.ErrorIs(t, err, domain.ErrInvalidSubdomain)

	resp, err := svc.List(ctx, domain.ListCustomerRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Customers)
}

func TestReserveRejectsTakenSubdomain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, reserveReq("acme", "1"))
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, reserveReq("ACME", "2"))
	assert.ErrorIs(t, err, domain.ErrSubdomainTaken)

	resp, err := svc.List(ctx, domain.ListCustomerRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Customers, 1)
}

func TestReserveRejectsDuplicateCheckout(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, reserveReq("acme", "1"))
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, reserveReq("acme", "1"))
	assert.ErrorIs(t, err, domain.ErrDuplicateCheckout)
}

func TestTransitionEnforcesLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Reserve(ctx, reserveReq("acme", "1"))
	require.NoError(t, err)

	_, err = svc.Transition(ctx, c.ID, domain.StatusPastDue, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	deployed, err := svc.Transition(ctx, c.ID, domain.StatusDeployed, func(c *domain.Customer) error {
		c.ContainerID = "container-1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeployed, deployed.Status)
	assert.Equal(t, "container-1", deployed.ContainerID)

	cancelled, err := svc.TransitionBySubscription(ctx, "sub_1", domain.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	_, err = svc.Transition(ctx, c.ID, domain.StatusDeployed, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestExtendSubscriptionNeverShortens(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	c, err := svc.Reserve(ctx, reserveReq("acme", "1"))
	require.NoError(t, err)
	end := clk.Now().AddDate(1, 0, 0)
	_, err = svc.Transition(ctx, c.ID, domain.StatusDeployed, func(c *domain.Customer) error {
		c.SubscriptionEnd = &end
		return nil
	})
	require.NoError(t, err)

	res, err := svc.ExtendSubscription(ctx, "sub_1", clk.Now().Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Extended)
	require.NotNil(t, res.Customer.SubscriptionEnd)
	assert.True(t, res.Customer.SubscriptionEnd.Equal(end))

	later := end.Add(24 * time.Hour)
	res, err = svc.ExtendSubscription(ctx, "sub_1", later)
	require.NoError(t, err)
	assert.True(t, res.Extended)
	assert.True(t, res.Customer.SubscriptionEnd.Equal(later))
}

func TestExtendSubscriptionRestoresPastDue(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	c, err := svc.Reserve(ctx, reserveReq("acme", "1"))
	require.NoError(t, err)
	_, err = svc.Transition(ctx, c.ID, domain.StatusDeployed, nil)
	require.NoError(t, err)
	_, err = svc.TransitionBySubscription(ctx, "sub_1", domain.StatusPastDue)
	require.NoError(t, err)

	res, err := svc.ExtendSubscription(ctx, "sub_1", clk.Now().Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPastDue, res.PreviousStatus)
	assert.Equal(t, domain.StatusDeployed, res.Customer.Status)
}

func TestExtendSubscriptionUnknownRef(t *testing.T) {
	svc, clk := newTestService(t)

	_, err := svc.ExtendSubscription(context.Background(), "sub_missing", clk.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListExpired(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	past := clk.Now().Add(-time.Hour)
	future := clk.Now().Add(time.Hour)

	seed := func(subdomain, session string, end time.Time, final domain.Status) {
		c, err := svc.Reserve(ctx, reserveReq(subdomain, session))
		require.NoError(t, err)
		_, err = svc.Transition(ctx, c.ID, domain.StatusDeployed, func(c *domain.Customer) error {
			c.SubscriptionEnd = &end
			return nil
		})
		require.NoError(t, err)
		if final != domain.StatusDeployed {
			_, err = svc.Transition(ctx, c.ID, final, nil)
			require.NoError(t, err)
		}
	}
	seed("expired-cancelled", "1", past, domain.StatusCancelled)
	seed("expired-pastdue", "2", past, domain.StatusPastDue)
	seed("still-running", "3", future, domain.StatusCancelled)
	seed("active", "4", past, domain.StatusDeployed)

	expired, err := svc.ListExpired(ctx, clk.Now(), 10)
	require.NoError(t, err)

	var subdomains []string
	for _, c := range expired {
		subdomains = append(subdomains, c.Subdomain)
	}
	assert.ElementsMatch(t, []string{"expired-cancelled", "expired-pastdue"}, subdomains)
}

func TestListPaginates(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	for i, sub := range []string{"one", "two", "three"} {
		clk.Advance(time.Minute)
		_, err := svc.Reserve(ctx, reserveReq(sub, string(rune('a'+i))))
		require.NoError(t, err)
	}

	page, err := svc.List(ctx, domain.ListCustomerRequest{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Customers, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "three", page.Customers[0].Subdomain)

	next, err := svc.List(ctx, domain.ListCustomerRequest{PageSize: 2, PageToken: page.NextPageToken})
	require.NoError(t, err)
	require.Len(t, next.Customers, 1)
	assert.False(t, next.HasMore)
	assert.Equal(t, "one", next.Customers[0].Subdomain)

	_, err = svc.List(ctx, domain.ListCustomerRequest{Status: "bogus"})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	_, err = svc.List(ctx, domain.ListCustomerRequest{PageToken: "garbage"})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}
