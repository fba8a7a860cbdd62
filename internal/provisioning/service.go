// Package provisioning sequences the record store, mail server and container
// runtime in response to billing events.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/minipass/internal/audit/domain"
	"github.com/smallbiznis/minipass/internal/clock"
	"github.com/smallbiznis/minipass/internal/config"
	customerdomain "github.com/smallbiznis/minipass/internal/customer/domain"
	"github.com/smallbiznis/minipass/internal/deployer"
	"github.com/smallbiznis/minipass/internal/gateway"
	"github.com/smallbiznis/minipass/internal/lock"
	"github.com/smallbiznis/minipass/internal/mailbox"
	obscontext "github.com/smallbiznis/minipass/internal/observability/context"
	obsmetrics "github.com/smallbiznis/minipass/internal/observability/metrics"
	"github.com/smallbiznis/minipass/internal/observability/tracing"
	"github.com/smallbiznis/minipass/internal/providers/email"
	"github.com/smallbiznis/minipass/internal/subscriptionstate"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	MonthlyPeriod = 30 * 24 * time.Hour
	AnnualPeriod  = 365 * 24 * time.Hour

	sweepLockKey     = "minipass:lock:expiry-sweep"
	sweepLockMinTTL  = 5 * time.Minute
	sweepBatchSize   = 100
	sweepParallelism = 4
)

// Env keys read by the instance process inside each container.
const (
	EnvSubdomain         = "INSTANCE_SUBDOMAIN"
	EnvStatePath         = "INSTANCE_STATE_PATH"
	EnvSessionSecret     = "INSTANCE_SESSION_SECRET"
	EnvAdminEmail        = "INSTANCE_ADMIN_EMAIL"
	EnvAdminPasswordHash = "INSTANCE_ADMIN_PASSWORD_HASH"
	EnvStripeSecretKey   = "STRIPE_SECRET_KEY"
	EnvHTTPAddr          = "HTTP_ADDR"
	EnvEnvironment       = "ENVIRONMENT"
	EnvMailAddress       = "INSTANCE_MAIL_ADDRESS"
	EnvBaseURL           = "INSTANCE_BASE_URL"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Customers customerdomain.Service
	Gateway   gateway.Gateway
	Deployer  deployer.Deployer
	Mailbox   mailbox.Provisioner
	States    *subscriptionstate.Directory
	Email     email.Provider
	Plans     *config.PlanCatalogHolder
	Locker    lock.Locker
	Clock     clock.Clock
	Config    config.Config
	Metrics   *obsmetrics.Metrics             `optional:"true"`
	Steps     *obsmetrics.ProvisioningMetrics `optional:"true"`
	Audit     auditdomain.Service             `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	customers customerdomain.Service
	gateway   gateway.Gateway
	deployer  deployer.Deployer
	mailbox   mailbox.Provisioner
	states    *subscriptionstate.Directory
	email     email.Provider
	plans     *config.PlanCatalogHolder
	locker    lock.Locker
	clock     clock.Clock
	cfg       config.Config
	metrics   *obsmetrics.Metrics
	steps     *obsmetrics.ProvisioningMetrics
	audit     auditdomain.Service
}

func New(p Params) *Service {
	return &Service{
		log:       p.Log.Named("provisioning.service"),
		customers: p.Customers,
		gateway:   p.Gateway,
		deployer:  p.Deployer,
		mailbox:   p.Mailbox,
		states:    p.States,
		email:     p.Email,
		plans:     p.Plans,
		locker:    p.Locker,
		clock:     p.Clock,
		cfg:       p.Config,
		metrics:   p.Metrics,
		steps:     p.Steps,
		audit:     p.Audit,
	}
}

// PeriodFor is the fixed renewal offset for a billing frequency.
func PeriodFor(frequency customerdomain.BillingFrequency) time.Duration {
	if frequency == customerdomain.FrequencyAnnual {
		return AnnualPeriod
	}
	return MonthlyPeriod
}

// Handle routes a verified gateway event to its handler.
func (s *Service) Handle(ctx context.Context, event *gateway.Event) error {
	if event == nil {
		return gateway.ErrInvalidEvent
	}
	switch event.Type {
	case gateway.EventCheckoutCompleted:
		if event.Checkout == nil {
			return gateway.ErrInvalidEvent
		}
		return s.HandleCheckoutCompleted(ctx, *event.Checkout)
	case gateway.EventInvoicePaid:
		if event.Invoice == nil {
			return gateway.ErrInvalidEvent
		}
		return s.HandleInvoicePaymentSucceeded(ctx, *event.Invoice)
	case gateway.EventInvoicePaymentFailed:
		if event.Invoice == nil {
			return gateway.ErrInvalidEvent
		}
		return s.HandleInvoicePaymentFailed(ctx, *event.Invoice)
	case gateway.EventSubscriptionDeleted:
		if event.Subscription == nil {
			return gateway.ErrInvalidEvent
		}
		return s.HandleSubscriptionDeleted(ctx, *event.Subscription)
	default:
		s.log.Debug("unhandled event type", zap.String("event_type", string(event.Type)))
		return nil
	}
}

// run tracks what a single provisioning attempt has touched so rollback can undo it.
type run struct {
	id          string
	customer    customerdomain.Customer
	mailAddress string
	mailTouched bool
	deployed    bool
	stateSaved  bool
}

// HandleCheckoutCompleted provisions a new customer end to end. Once a record
// exists every failure is rolled back and recorded on the row instead of being
// returned, since redelivering the event cannot repair it.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, checkout gateway.CheckoutCompleted) (err error) {
	r := &run{id: ulid.Make().String()}
	subdomain := customerdomain.NormalizeSubdomain(checkout.Subdomain)
	ctx = obscontext.WithSubdomain(ctx, subdomain)

	ctx, span := tracing.Start(ctx, "provisioning.checkout_completed",
		attribute.String("run_id", r.id),
		attribute.String("tier", checkout.Tier),
	)
	defer func() { tracing.End(span, err) }()

	log := s.log.With(
		zap.String("run_id", r.id),
		zap.String("subdomain", subdomain),
		zap.String("checkout_session", checkout.SessionID),
	)

	if strings.EqualFold(checkout.PaymentStatus, "unpaid") {
		log.Info("checkout completed without payment, waiting for async payment confirmation")
		return nil
	}

	req, err := s.reserveRequest(checkout)
	if err != nil {
		log.Warn("rejected checkout", zap.Error(err))
		s.metrics.RecordProvisioningRun(ctx, checkout.Tier, "rejected")
		return err
	}

	started := time.Now()
	customer, err := s.customers.Reserve(ctx, req)
	s.steps.ObserveStep(obsmetrics.StepReserve, time.Since(started))
	switch {
	case errors.Is(err, customerdomain.ErrDuplicateCheckout):
		log.Info("checkout already provisioned")
		s.metrics.RecordProvisioningRun(ctx, req.PlanTier, "duplicate")
		return nil
	case errors.Is(err, customerdomain.ErrSubdomainTaken):
		log.Error("paid checkout for a subdomain that is already taken",
			zap.String("email", req.Email),
			zap.String("subscription_ref", req.SubscriptionRef),
		)
		s.metrics.RecordProvisioningRun(ctx, req.PlanTier, "conflict")
		return err
	case err != nil:
		s.steps.IncStepError(obsmetrics.StepReserve, err)
		s.metrics.RecordProvisioningRun(ctx, req.PlanTier, "failed")
		return fmt.Errorf("reserve customer: %w", err)
	}
	r.customer = customer
	log = log.With(zap.String("customer_id", customer.ID.String()), zap.Int("port", customer.Port))
	log.Info("provisioning started")

	creds, err := newAdminCredentials()
	if err != nil {
		s.fail(ctx, log, r, obsmetrics.StepRecord, err)
		return nil
	}

	if step, err := s.provision(ctx, r, creds); err != nil {
		s.fail(ctx, log, r, step, err)
		return nil
	}

	s.notify(ctx, log, r, creds)
	s.record(ctx, auditdomain.ActorTypeWebhook, auditdomain.ActionInstanceProvisioned, r.customer, map[string]any{
		"run_id":       r.id,
		"subdomain":    r.customer.Subdomain,
		"port":         r.customer.Port,
		"container_id": r.customer.ContainerID,
		"mail_address": r.customer.MailAddress,
		"tier":         r.customer.PlanTier,
	})
	s.steps.IncRun(customer.PlanTier, "success")
	s.metrics.RecordProvisioningRun(ctx, customer.PlanTier, "success")
	log.Info("provisioning completed", zap.String("container_id", r.customer.ContainerID))
	return nil
}

func (s *Service) reserveRequest(checkout gateway.CheckoutCompleted) (customerdomain.ReserveRequest, error) {
	subdomain := customerdomain.NormalizeSubdomain(checkout.Subdomain)
	if !customerdomain.ValidSubdomain(subdomain) {
		return customerdomain.ReserveRequest{}, customerdomain.ErrInvalidSubdomain
	}
	emailAddr := strings.TrimSpace(checkout.Email)
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return customerdomain.ReserveRequest{}, customerdomain.ErrInvalidEmail
	}
	frequency := customerdomain.BillingFrequency(strings.ToLower(strings.TrimSpace(checkout.Frequency)))
	if !frequency.Valid() {
		return customerdomain.ReserveRequest{}, customerdomain.ErrInvalidFrequency
	}
	plan, ok := s.plans.Get().Find(checkout.Tier)
	if !ok {
		return customerdomain.ReserveRequest{}, customerdomain.ErrInvalidPlan
	}
	if strings.TrimSpace(checkout.SessionID) == "" {
		return customerdomain.ReserveRequest{}, customerdomain.ErrInvalidCheckout
	}

	return customerdomain.ReserveRequest{
		Email:              emailAddr,
		OrganizationName:   checkout.OrganizationName,
		PlanTier:           strings.ToLower(plan.Tier),
		BillingFrequency:   frequency,
		Subdomain:          subdomain,
		SubscriptionRef:    checkout.SubscriptionRef,
		PaymentCustomerRef: checkout.CustomerRef,
		CheckoutSessionRef: checkout.SessionID,
		Metadata: map[string]any{
			"price_id":       checkout.PriceID,
			"plan_name":      plan.Name,
			"payment_status": checkout.PaymentStatus,
		},
	}, nil
}

// provision runs the side-effecting steps in order and reports the step that failed.
func (s *Service) provision(ctx context.Context, r *run, creds adminCredentials) (string, error) {
	c := r.customer

	r.mailAddress = mailbox.AddressFor(c.Subdomain, s.cfg.Mail.Domain)
	mailPassword, err := randomSecret(18)
	if err != nil {
		return obsmetrics.StepMailAccount, err
	}
	r.mailTouched = true
	if err := s.timed(ctx, obsmetrics.StepMailAccount, s.cfg.Mail.Timeout, func(ctx context.Context) error {
		return s.mailbox.Ensure(ctx, mailbox.Account{
			Address:   r.mailAddress,
			ForwardTo: c.Email,
			Password:  mailPassword,
		})
	}); err != nil {
		return obsmetrics.StepMailAccount, err
	}

	var result deployer.Result
	r.deployed = true
	if err := s.timed(ctx, obsmetrics.StepDeploy, s.cfg.Deploy.Timeout, func(ctx context.Context) error {
		var err error
		result, err = s.deployer.Deploy(ctx, deployer.Spec{
			CustomerID: c.ID.String(),
			Subdomain:  c.Subdomain,
			HostPort:   c.Port,
			DataDir:    s.states.InstanceDir(c.Subdomain),
			Env:        s.instanceEnv(c, r.mailAddress, creds),
		})
		return err
	}); err != nil {
		return obsmetrics.StepDeploy, err
	}

	start := s.clock.Now().UTC()
	end := start.Add(PeriodFor(c.BillingFrequency))
	priceID, _ := c.Metadata["price_id"].(string)
	planName, _ := c.Metadata["plan_name"].(string)
	r.stateSaved = true
	if err := s.states.For(c.Subdomain).Save(subscriptionstate.State{
		StripeCustomerID:     c.PaymentCustomerRef,
		StripeSubscriptionID: c.SubscriptionRef,
		StripePriceID:        priceID,
		Plan:                 planName,
		Tier:                 c.PlanTier,
		BillingFrequency:     string(c.BillingFrequency),
		SubscriptionStart:    start,
		SubscriptionEnd:      end,
	}); err != nil {
		s.steps.IncStepError(obsmetrics.StepStateFile, err)
		return obsmetrics.StepStateFile, fmt.Errorf("write subscription state: %w", err)
	}

	updated, err := s.customers.Transition(ctx, c.ID, customerdomain.StatusDeployed, func(row *customerdomain.Customer) error {
		row.ContainerID = result.ContainerID
		row.MailAddress = r.mailAddress
		row.SubscriptionStart = &start
		row.SubscriptionEnd = &end
		row.LastError = ""
		row.FailedStep = ""
		return nil
	})
	if err != nil {
		s.steps.IncStepError(obsmetrics.StepRecord, err)
		return obsmetrics.StepRecord, fmt.Errorf("mark deployed: %w", err)
	}
	r.customer = updated
	return "", nil
}

func (s *Service) instanceEnv(c customerdomain.Customer, mailAddress string, creds adminCredentials) map[string]string {
	stripeKey := s.cfg.Deploy.InstanceStripeKey
	if stripeKey == "" {
		stripeKey = s.cfg.Stripe.SecretKey
	}
	return map[string]string{
		EnvSubdomain:         c.Subdomain,
		EnvStatePath:         deployer.InstanceDataDir + "/" + subscriptionstate.FileName,
		EnvSessionSecret:     creds.sessionSecret,
		EnvAdminEmail:        strings.ToLower(c.Email),
		EnvAdminPasswordHash: creds.passwordHash,
		EnvStripeSecretKey:   stripeKey,
		EnvHTTPAddr:          fmt.Sprintf(":%d", s.cfg.Deploy.ContainerPort),
		EnvEnvironment:       s.cfg.Environment,
		EnvMailAddress:       mailAddress,
		EnvBaseURL:           s.instanceURL(c.Subdomain),
	}
}

func (s *Service) instanceURL(subdomain string) string {
	return "https://" + subdomain + "." + s.cfg.Deploy.BaseDomain
}

// timed runs one external call under its own deadline and records its latency.
func (s *Service) timed(ctx context.Context, step string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	err := fn(stepCtx)
	s.steps.ObserveStep(step, time.Since(started))
	if err != nil {
		s.steps.IncStepError(step, err)
	}
	return err
}

// fail undoes whatever the run touched and records the outcome on the row.
func (s *Service) fail(ctx context.Context, log *zap.Logger, r *run, step string, cause error) {
	// Cleanup must still run when the request context is what expired.
	ctx = context.WithoutCancel(ctx)
	cleanup := s.rollback(ctx, r)

	_, err := s.customers.Transition(ctx, r.customer.ID, customerdomain.StatusFailed, func(row *customerdomain.Customer) error {
		row.FailedStep = step
		row.LastError = cause.Error()
		row.CleanupErrors = strings.Join(cleanup, "; ")
		if r.mailTouched {
			row.MailAddress = r.mailAddress
		}
		return nil
	})

	fields := []zap.Field{
		zap.String("step", step),
		zap.Error(cause),
		zap.Strings("cleanup_errors", cleanup),
	}
	if err != nil {
		fields = append(fields, zap.NamedError("record_error", err))
	}
	log.Error("provisioning failed", fields...)

	s.record(ctx, auditdomain.ActorTypeWebhook, auditdomain.ActionProvisioningFailed, r.customer, map[string]any{
		"run_id":         r.id,
		"subdomain":      r.customer.Subdomain,
		"step":           step,
		"error":          cause.Error(),
		"cleanup_errors": cleanup,
	})

	s.steps.IncRun(r.customer.PlanTier, "failed")
	s.metrics.RecordProvisioningRun(ctx, r.customer.PlanTier, "failed")
}

func (s *Service) rollback(ctx context.Context, r *run) []string {
	var cleanup []string
	customerID := r.customer.ID.String()

	if r.stateSaved {
		if err := s.states.For(r.customer.Subdomain).Remove(); err != nil {
			cleanup = append(cleanup, "state_file: "+err.Error())
		}
	}
	if r.deployed {
		err := s.timed(ctx, obsmetrics.StepRollback, s.cfg.Deploy.Timeout, func(ctx context.Context) error {
			return s.deployer.Remove(ctx, customerID)
		})
		if err != nil {
			s.steps.IncRollbackFailure(obsmetrics.StepDeploy)
			cleanup = append(cleanup, "container: "+err.Error())
		}
	}
	if r.mailTouched {
		err := s.timed(ctx, obsmetrics.StepRollback, s.cfg.Mail.Timeout, func(ctx context.Context) error {
			return s.mailbox.Delete(ctx, r.mailAddress)
		})
		if err != nil {
			s.steps.IncRollbackFailure(obsmetrics.StepMailAccount)
			cleanup = append(cleanup, "mail_account: "+err.Error())
		}
	}
	return cleanup
}

func (s *Service) notify(ctx context.Context, log *zap.Logger, r *run, creds adminCredentials) {
	c := r.customer
	data := map[string]any{
		"subdomain":      c.Subdomain,
		"organization":   c.OrganizationName,
		"url":            s.instanceURL(c.Subdomain),
		"tier":           c.PlanTier,
		"frequency":      string(c.BillingFrequency),
		"mail_address":   c.MailAddress,
		"admin_email":    strings.ToLower(c.Email),
		"admin_password": creds.password,
	}
	if c.SubscriptionEnd != nil {
		data["end_date"] = c.SubscriptionEnd.Format("2006-01-02")
	}

	err := s.timed(ctx, obsmetrics.StepNotify, s.cfg.Mail.Timeout, func(ctx context.Context) error {
		return s.email.SendTemplate(ctx, []string{c.Email}, email.TemplateInstanceReady, data)
	})
	if err != nil {
		// The instance is live; a lost email is an operator follow-up, not a rollback.
		log.Error("confirmation email not sent", zap.Error(err))
	}
}

// HandleInvoicePaymentSucceeded extends the paid period by the fixed offset for
// the customer's billing frequency.
func (s *Service) HandleInvoicePaymentSucceeded(ctx context.Context, invoice gateway.Invoice) (err error) {
	ctx, span := tracing.Start(ctx, "provisioning.invoice_paid")
	defer func() { tracing.End(span, err) }()

	log := s.log.With(
		zap.String("subscription_ref", invoice.SubscriptionRef),
		zap.String("invoice_id", invoice.InvoiceID),
	)

	customer, err := s.customers.GetBySubscriptionRef(ctx, invoice.SubscriptionRef)
	if errors.Is(err, customerdomain.ErrNotFound) {
		log.Warn("renewal for unknown subscription")
		return nil
	}
	if err != nil {
		return err
	}

	end := s.clock.Now().UTC().Add(PeriodFor(customer.BillingFrequency))
	result, err := s.customers.ExtendSubscription(ctx, invoice.SubscriptionRef, end)
	switch {
	case errors.Is(err, customerdomain.ErrNotFound):
		log.Warn("renewal for unknown subscription")
		return nil
	case errors.Is(err, customerdomain.ErrInvalidTransition):
		log.Warn("renewal ignored for customer status",
			zap.String("customer_id", customer.ID.String()),
			zap.String("status", string(customer.Status)),
		)
		return nil
	case err != nil:
		s.steps.IncStepError(obsmetrics.StepWebhookApply, err)
		return err
	}

	log = log.With(
		zap.String("customer_id", result.Customer.ID.String()),
		zap.String("subdomain", result.Customer.Subdomain),
	)

	_, err = s.states.For(result.Customer.Subdomain).Update(func(state *subscriptionstate.State) error {
		state.Extend(*result.Customer.SubscriptionEnd)
		return nil
	})
	switch {
	case errors.Is(err, subscriptionstate.ErrNotFound):
		log.Warn("instance state file missing on renewal")
		err = nil
	case errors.Is(err, subscriptionstate.ErrNoSubscription):
		log.Warn("instance state file names no subscription, left untouched", zap.Error(err))
		err = nil
	}
	if err != nil {
		s.steps.IncStepError(obsmetrics.StepWebhookApply, err)
		return fmt.Errorf("update subscription state: %w", err)
	}

	// A past_due customer swept before paying is deployed again but has no
	// running container. Redeliveries land here too until the restart sticks.
	if result.Customer.Status == customerdomain.StatusDeployed && result.Customer.ContainerStoppedAt != nil {
		restarted, err := s.restartStopped(ctx, log, result.Customer)
		if err != nil {
			return err
		}
		result.Customer = restarted
	}

	s.record(ctx, auditdomain.ActorTypeWebhook, auditdomain.ActionSubscriptionRenewed, result.Customer, map[string]any{
		"invoice_id":       invoice.InvoiceID,
		"extended":         result.Extended,
		"previous_status":  string(result.PreviousStatus),
		"subscription_end": result.Customer.SubscriptionEnd,
	})

	log.Info("subscription renewed",
		zap.Bool("extended", result.Extended),
		zap.Timep("subscription_end", result.Customer.SubscriptionEnd),
		zap.String("previous_status", string(result.PreviousStatus)),
	)
	return nil
}

// restartStopped starts the customer's existing container again and clears
// the stop stamp. The container keeps its original environment.
func (s *Service) restartStopped(ctx context.Context, log *zap.Logger, c customerdomain.Customer) (customerdomain.Customer, error) {
	stoppedAt := *c.ContainerStoppedAt
	var result deployer.Result
	err := s.timed(ctx, obsmetrics.StepDeploy, s.cfg.Deploy.Timeout, func(ctx context.Context) error {
		var err error
		result, err = s.deployer.Deploy(ctx, deployer.Spec{
			CustomerID: c.ID.String(),
			Subdomain:  c.Subdomain,
			HostPort:   c.Port,
			DataDir:    s.states.InstanceDir(c.Subdomain),
		})
		return err
	})
	if err != nil {
		log.Error("renewed customer's container did not restart", zap.Time("stopped_at", stoppedAt), zap.Error(err))
		return c, fmt.Errorf("restart container: %w", err)
	}

	updated, err := s.customers.Modify(ctx, c.ID, func(row *customerdomain.Customer) error {
		row.ContainerStoppedAt = nil
		if result.ContainerID != "" {
			row.ContainerID = result.ContainerID
		}
		return nil
	})
	if err != nil {
		s.steps.IncStepError(obsmetrics.StepRecord, err)
		return c, fmt.Errorf("record container restart: %w", err)
	}

	s.record(ctx, auditdomain.ActorTypeWebhook, auditdomain.ActionInstanceRestarted, updated, map[string]any{
		"container_id": updated.ContainerID,
		"stopped_at":   stoppedAt,
	})
	log.Info("container restarted after renewal", zap.String("container_id", updated.ContainerID))
	return updated, nil
}

// HandleInvoicePaymentFailed flags the customer as past due. Nothing is torn down.
func (s *Service) HandleInvoicePaymentFailed(ctx context.Context, invoice gateway.Invoice) error {
	log := s.log.With(
		zap.String("subscription_ref", invoice.SubscriptionRef),
		zap.String("invoice_id", invoice.InvoiceID),
	)

	customer, err := s.customers.TransitionBySubscription(ctx, invoice.SubscriptionRef, customerdomain.StatusPastDue)
	switch {
	case errors.Is(err, customerdomain.ErrNotFound):
		log.Warn("payment failure for unknown subscription")
		return nil
	case errors.Is(err, customerdomain.ErrInvalidTransition):
		log.Info("payment failure does not change customer status", zap.Error(err))
		return nil
	case err != nil:
		s.steps.IncStepError(obsmetrics.StepWebhookApply, err)
		return err
	}

	s.record(ctx, auditdomain.ActorTypeWebhook, auditdomain.ActionSubscriptionPastDue, customer, map[string]any{
		"invoice_id": invoice.InvoiceID,
	})

	log.Warn("customer marked past_due, customer not notified",
		zap.String("customer_id", customer.ID.String()),
		zap.String("subdomain", customer.Subdomain),
	)
	return nil
}

// HandleSubscriptionDeleted marks the customer cancelled. The container keeps
// serving until the paid period ends and the sweep stops it.
func (s *Service) HandleSubscriptionDeleted(ctx context.Context, sub gateway.Subscription) error {
	log := s.log.With(zap.String("subscription_ref", sub.SubscriptionRef))

	customer, err := s.customers.TransitionBySubscription(ctx, sub.SubscriptionRef, customerdomain.StatusCancelled)
	switch {
	case errors.Is(err, customerdomain.ErrNotFound):
		log.Warn("deletion for unknown subscription")
		return nil
	case errors.Is(err, customerdomain.ErrInvalidTransition):
		log.Info("deletion does not change customer status", zap.Error(err))
		return nil
	case err != nil:
		s.steps.IncStepError(obsmetrics.StepWebhookApply, err)
		return err
	}

	s.record(ctx, auditdomain.ActorTypeWebhook, auditdomain.ActionSubscriptionCancelled, customer, map[string]any{
		"subscription_end": customer.SubscriptionEnd,
	})

	log.Info("subscription cancelled",
		zap.String("customer_id", customer.ID.String()),
		zap.String("subdomain", customer.Subdomain),
		zap.Timep("subscription_end", customer.SubscriptionEnd),
	)
	return nil
}

type SweepResult struct {
	Stopped int `json:"stopped"`
	Failed  int `json:"failed"`
}

// sweepLockTTL covers a full batch where every stop runs into stepTimeout,
// so a slow sweep cannot lose the lock to a second replica halfway through.
func sweepLockTTL(stepTimeout time.Duration) time.Duration {
	rounds := (sweepBatchSize + sweepParallelism - 1) / sweepParallelism
	ttl := time.Duration(rounds)*stepTimeout + time.Minute
	return max(ttl, sweepLockMinTTL)
}

// SweepExpired stops containers of cancelled or past-due customers whose paid
// period is over.
func (s *Service) SweepExpired(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	release, err := s.locker.Acquire(ctx, sweepLockKey, sweepLockTTL(s.cfg.Deploy.Timeout))
	if err != nil {
		return result, fmt.Errorf("acquire sweep lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("failed to release sweep lock", zap.Error(err))
		}
	}()

	started := time.Now()
	defer func() { s.steps.ObserveStep(obsmetrics.StepExpirySweep, time.Since(started)) }()

	expired, err := s.customers.ListExpired(ctx, s.clock.Now(), sweepBatchSize)
	if err != nil {
		return result, err
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(sweepParallelism)
	for _, c := range expired {
		g.Go(func() error {
			stopped := s.stopExpired(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			if stopped {
				result.Stopped++
			} else {
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.RecordSweep(ctx, "stopped", result.Stopped)
	s.metrics.RecordSweep(ctx, "failed", result.Failed)
	return result, nil
}

// stopExpired stops one container and stamps the row. It reports whether both succeeded.
func (s *Service) stopExpired(ctx context.Context, c customerdomain.Customer) bool {
	log := s.log.With(
		zap.String("customer_id", c.ID.String()),
		zap.String("subdomain", c.Subdomain),
		zap.String("status", string(c.Status)),
	)

	err := s.timed(ctx, obsmetrics.StepExpirySweep, s.cfg.Deploy.Timeout, func(ctx context.Context) error {
		return s.deployer.Stop(ctx, c.ID.String())
	})
	if err != nil {
		log.Error("failed to stop expired container", zap.Error(err))
		return false
	}

	stoppedAt := s.clock.Now().UTC()
	if _, err := s.customers.Modify(ctx, c.ID, func(row *customerdomain.Customer) error {
		row.ContainerStoppedAt = &stoppedAt
		return nil
	}); err != nil {
		log.Error("failed to record container stop", zap.Error(err))
		return false
	}

	s.record(ctx, auditdomain.ActorTypeSystem, auditdomain.ActionInstanceStopped, c, map[string]any{
		"status":           string(c.Status),
		"subscription_end": c.SubscriptionEnd,
	})
	log.Info("expired container stopped", zap.Timep("subscription_end", c.SubscriptionEnd))
	return true
}

// record writes an audit entry for c. A failed write is logged and never fails the caller.
func (s *Service) record(ctx context.Context, actor auditdomain.ActorType, action string, c customerdomain.Customer, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(context.WithoutCancel(ctx), auditdomain.Entry{
		ActorType:  actor,
		Action:     action,
		TargetType: auditdomain.TargetTypeCustomer,
		TargetID:   c.ID.String(),
		Metadata:   metadata,
	})
	if err != nil {
		s.log.Warn("audit entry not written", zap.String("action", action), zap.Error(err))
	}
}
