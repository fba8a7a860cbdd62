// Package selfservice is the customer-facing surface that runs inside each instance.
package selfservice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/minipass/internal/auth/password"
	"github.com/smallbiznis/minipass/internal/clock"
	"github.com/smallbiznis/minipass/internal/config"
	"github.com/smallbiznis/minipass/internal/gateway"
	obsmetrics "github.com/smallbiznis/minipass/internal/observability/metrics"
	"github.com/smallbiznis/minipass/internal/subscriptionstate"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const StatusCancellationScheduled = "cancellation_scheduled"

var (
	ErrNoSubscription     = errors.New("subscription_not_found")
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrAdminNotConfigured = errors.New("admin_not_configured")
)

// GatewayError carries the provider's message back to the customer unchanged.
type GatewayError struct {
	Err error
}

func (e *GatewayError) Error() string { return e.Err.Error() }
func (e *GatewayError) Unwrap() error { return e.Err }

type CancelResult struct {
	Status  string    `json:"status"`
	EndDate time.Time `json:"end_date"`
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Store   *subscriptionstate.FileStore
	Gateway gateway.Gateway
	Clock   clock.Clock
	Config  config.Config
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	store      *subscriptionstate.FileStore
	gateway    gateway.Gateway
	clock      clock.Clock
	timeout    time.Duration
	adminEmail string
	adminHash  string
	metrics    *obsmetrics.Metrics
}

func New(p Params) *Service {
	timeout := p.Config.Stripe.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		log:        p.Log.Named("selfservice.service").With(zap.String("subdomain", p.Config.Instance.Subdomain)),
		store:      p.Store,
		gateway:    p.Gateway,
		clock:      p.Clock,
		timeout:    timeout,
		adminEmail: strings.ToLower(strings.TrimSpace(p.Config.Instance.AdminEmail)),
		adminHash:  strings.TrimSpace(p.Config.Instance.AdminPasswordHash),
		metrics:    p.Metrics,
	}
}

// CancelSubscription asks the gateway to stop renewing, then flags the local
// state. The paid period is left untouched.
func (s *Service) CancelSubscription(ctx context.Context) (CancelResult, error) {
	state, err := s.store.Load()
	if errors.Is(err, subscriptionstate.ErrNotFound) {
		s.metrics.RecordCancellation(ctx, "not_found")
		return CancelResult{}, ErrNoSubscription
	}
	if errors.Is(err, subscriptionstate.ErrInvalidState) {
		// Nothing in an unreadable or legacy file can be cancelled at the gateway.
		s.log.Warn("subscription state unusable for cancellation",
			zap.String("path", s.store.Path()),
			zap.Error(err),
		)
		s.metrics.RecordCancellation(ctx, "not_found")
		return CancelResult{}, ErrNoSubscription
	}
	if err != nil {
		s.log.Error("failed to read subscription state", zap.Error(err))
		s.metrics.RecordCancellation(ctx, "error")
		return CancelResult{}, err
	}
	if !state.HasSubscription() {
		s.metrics.RecordCancellation(ctx, "not_found")
		return CancelResult{}, ErrNoSubscription
	}
	if state.CancelAtPeriodEnd {
		s.metrics.RecordCancellation(ctx, "already_scheduled")
		return CancelResult{Status: StatusCancellationScheduled, EndDate: state.SubscriptionEnd}, nil
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.gateway.CancelAtPeriodEnd(gwCtx, state.StripeSubscriptionID); err != nil {
		s.log.Warn("gateway rejected cancellation",
			zap.String("subscription_ref", state.StripeSubscriptionID),
			zap.Error(err),
		)
		s.metrics.RecordCancellation(ctx, "gateway_error")
		return CancelResult{}, &GatewayError{Err: err}
	}

	updated, err := s.store.MarkCancellation(s.clock.Now())
	if err != nil {
		// The gateway already stopped renewal; the next renewal webhook never comes.
		s.log.Error("cancellation accepted by gateway but state not saved",
			zap.String("subscription_ref", state.StripeSubscriptionID),
			zap.Error(err),
		)
		s.metrics.RecordCancellation(ctx, "state_error")
		return CancelResult{}, err
	}

	s.log.Info("subscription cancellation scheduled",
		zap.String("subscription_ref", state.StripeSubscriptionID),
		zap.Time("subscription_end", updated.SubscriptionEnd),
	)
	s.metrics.RecordCancellation(ctx, "scheduled")
	return CancelResult{Status: StatusCancellationScheduled, EndDate: updated.SubscriptionEnd}, nil
}

// Authenticate checks the instance admin credentials from the environment.
func (s *Service) Authenticate(email, plain string) (string, error) {
	if s.adminEmail == "" || s.adminHash == "" {
		return "", ErrAdminNotConfigured
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email != s.adminEmail || !password.Verify(plain, s.adminHash) {
		return "", ErrInvalidCredentials
	}
	return email, nil
}
