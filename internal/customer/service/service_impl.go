package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/minipass/internal/clock"
	"github.com/smallbiznis/minipass/internal/config"
	"github.com/smallbiznis/minipass/internal/customer/domain"
	"github.com/smallbiznis/minipass/internal/lock"
	obsmetrics "github.com/smallbiznis/minipass/internal/observability/metrics"
	"github.com/smallbiznis/minipass/pkg/db"
	"github.com/smallbiznis/minipass/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	portLockKey     = "minipass:lock:port-allocation"
	portLockTTL     = 30 * time.Second
	maxPortAttempts = 5
	maxPort         = 65535
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    domain.Repository
	Locker  lock.Locker
	Clock   clock.Clock
	Config  config.Config
	Metrics *obsmetrics.ProvisioningMetrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	locker   lock.Locker
	clock    clock.Clock
	basePort int
	metrics  *obsmetrics.ProvisioningMetrics
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("customer.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		locker:   p.Locker,
		clock:    p.Clock,
		basePort: p.Config.Deploy.BasePort,
		metrics:  p.Metrics,
	}
}

func (s *Service) Reserve(ctx context.Context, req domain.ReserveRequest) (domain.Customer, error) {
	customer, err := s.newPendingCustomer(req)
	if err != nil {
		return domain.Customer{}, err
	}

	lockStart := time.Now()
	release, err := s.locker.Acquire(ctx, portLockKey, portLockTTL)
	s.metrics.ObserveLockWait(time.Since(lockStart))
	if err != nil {
		return domain.Customer{}, fmt.Errorf("acquire port lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("failed to release port lock", zap.Error(err))
		}
	}()

	for attempt := 1; attempt <= maxPortAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.ensureUnclaimed(ctx, tx, customer); err != nil {
				return err
			}
			port, err := s.nextPort(ctx, tx)
			if err != nil {
				return err
			}
			customer.Port = port
			return s.repo.Insert(ctx, tx, &customer)
		})
		if err == nil {
			s.log.Info("customer reserved",
				zap.String("customer_id", customer.ID.String()),
				zap.String("subdomain", customer.Subdomain),
				zap.Int("port", customer.Port),
			)
			return customer, nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return domain.Customer{}, err
		}

		// A unique index fired. Work out which one before retrying.
		if claimErr := s.ensureUnclaimed(ctx, s.db, customer); claimErr != nil {
			return domain.Customer{}, claimErr
		}
		s.metrics.IncPortRetry()
		s.log.Warn("port collision, retrying allocation",
			zap.Int("attempt", attempt),
			zap.Int("port", customer.Port),
		)
	}
	return domain.Customer{}, domain.ErrPortExhausted
}

func (s *Service) newPendingCustomer(req domain.ReserveRequest) (domain.Customer, error) {
	subdomain := domain.NormalizeSubdomain(req.Subdomain)
	if !domain.ValidSubdomain(subdomain) {
		return domain.Customer{}, domain.ErrInvalidSubdomain
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return domain.Customer{}, domain.ErrInvalidEmail
	}
	tier := strings.TrimSpace(req.PlanTier)
	if tier == "" {
		return domain.Customer{}, domain.ErrInvalidPlan
	}
	if !req.BillingFrequency.Valid() {
		return domain.Customer{}, domain.ErrInvalidFrequency
	}
	sessionRef := strings.TrimSpace(req.CheckoutSessionRef)
	if sessionRef == "" {
		return domain.Customer{}, domain.ErrInvalidCheckout
	}

	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	now := s.clock.Now()
	return domain.Customer{
		ID:                 s.genID.Generate(),
		Email:              email,
		OrganizationName:   strings.TrimSpace(req.OrganizationName),
		PlanTier:           tier,
		BillingFrequency:   req.BillingFrequency,
		Subdomain:          subdomain,
		Status:             domain.StatusPending,
		SubscriptionRef:    strings.TrimSpace(req.SubscriptionRef),
		PaymentCustomerRef: strings.TrimSpace(req.PaymentCustomerRef),
		CheckoutSessionRef: sessionRef,
		Metadata:           metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func (s *Service) ensureUnclaimed(ctx context.Context, tx *gorm.DB, customer domain.Customer) error {
	existing, err := s.repo.FindByCheckoutSession(ctx, tx, customer.CheckoutSessionRef)
	if err != nil {
		return err
	}
	if existing != nil {
		return domain.ErrDuplicateCheckout
	}
	existing, err = s.repo.FindBySubdomain(ctx, tx, customer.Subdomain)
	if err != nil {
		return err
	}
	if existing != nil {
		return domain.ErrSubdomainTaken
	}
	return nil
}

func (s *Service) nextPort(ctx context.Context, tx *gorm.DB) (int, error) {
	highest, err := s.repo.MaxPort(ctx, tx)
	if err != nil {
		return 0, err
	}
	port := highest + 1
	if port < s.basePort {
		port = s.basePort
	}
	if port > maxPort {
		return 0, domain.ErrPortExhausted
	}
	return port, nil
}

func (s *Service) SubdomainAvailable(ctx context.Context, subdomain string) (bool, error) {
	subdomain = domain.NormalizeSubdomain(subdomain)
	if !domain.ValidSubdomain(subdomain) {
		return false, domain.ErrInvalidSubdomain
	}
	existing, err := s.repo.FindBySubdomain(ctx, s.db, subdomain)
	if err != nil {
		return false, err
	}
	return existing == nil, nil
}

func (s *Service) Transition(ctx context.Context, id snowflake.ID, to domain.Status, fn domain.Mutation) (domain.Customer, error) {
	return s.mutate(ctx, func(tx *gorm.DB) (*domain.Customer, error) {
		return s.repo.LockByID(ctx, tx, id)
	}, func(c *domain.Customer) error {
		if err := s.applyTransition(c, to); err != nil {
			return err
		}
		if fn != nil {
			return fn(c)
		}
		return nil
	})
}

func (s *Service) Modify(ctx context.Context, id snowflake.ID, fn domain.Mutation) (domain.Customer, error) {
	return s.mutate(ctx, func(tx *gorm.DB) (*domain.Customer, error) {
		return s.repo.LockByID(ctx, tx, id)
	}, fn)
}

func (s *Service) TransitionBySubscription(ctx context.Context, subscriptionRef string, to domain.Status) (domain.Customer, error) {
	subscriptionRef = strings.TrimSpace(subscriptionRef)
	if subscriptionRef == "" {
		return domain.Customer{}, domain.ErrNotFound
	}
	return s.mutate(ctx, func(tx *gorm.DB) (*domain.Customer, error) {
		return s.repo.LockBySubscriptionRef(ctx, tx, subscriptionRef)
	}, func(c *domain.Customer) error {
		return s.applyTransition(c, to)
	})
}

// ExtendSubscription moves the end date forward to end, never backwards, and
// brings a past_due customer back to deployed.
func (s *Service) ExtendSubscription(ctx context.Context, subscriptionRef string, end time.Time) (domain.ExtendResult, error) {
	subscriptionRef = strings.TrimSpace(subscriptionRef)
	if subscriptionRef == "" {
		return domain.ExtendResult{}, domain.ErrNotFound
	}

	var result domain.ExtendResult
	updated, err := s.mutate(ctx, func(tx *gorm.DB) (*domain.Customer, error) {
		return s.repo.LockBySubscriptionRef(ctx, tx, subscriptionRef)
	}, func(c *domain.Customer) error {
		result.PreviousStatus = c.Status
		result.PreviousEnd = c.SubscriptionEnd

		switch c.Status {
		case domain.StatusDeployed:
		case domain.StatusPastDue:
			if err := s.applyTransition(c, domain.StatusDeployed); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: renewal for %s customer", domain.ErrInvalidTransition, c.Status)
		}

		end = end.UTC()
		if c.SubscriptionEnd == nil || end.After(*c.SubscriptionEnd) {
			c.SubscriptionEnd = &end
			result.Extended = true
		}
		return nil
	})
	if err != nil {
		return domain.ExtendResult{}, err
	}
	result.Customer = updated
	return result, nil
}

func (s *Service) applyTransition(c *domain.Customer, to domain.Status) error {
	if !c.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.Status, to)
	}
	s.metrics.IncTransition(string(c.Status), string(to))
	c.Status = to
	return nil
}

func (s *Service) mutate(ctx context.Context, lockRow func(tx *gorm.DB) (*domain.Customer, error), fn domain.Mutation) (domain.Customer, error) {
	var out domain.Customer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := lockRow(tx)
		if err != nil {
			return err
		}
		if c == nil {
			return domain.ErrNotFound
		}
		if fn != nil {
			if err := fn(c); err != nil {
				return err
			}
		}
		if c.Metadata == nil {
			c.Metadata = datatypes.JSONMap{}
		}
		c.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, tx, c); err != nil {
			return err
		}
		out = *c
		return nil
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return out, nil
}

func (s *Service) GetByID(ctx context.Context, req domain.GetCustomerRequest) (domain.Customer, error) {
	id, err := s.parseID(req.ID)
	if err != nil {
		return domain.Customer{}, err
	}
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) GetByCheckoutSession(ctx context.Context, sessionRef string) (domain.Customer, error) {
	item, err := s.repo.FindByCheckoutSession(ctx, s.db, strings.TrimSpace(sessionRef))
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) GetBySubscriptionRef(ctx context.Context, subscriptionRef string) (domain.Customer, error) {
	subscriptionRef = strings.TrimSpace(subscriptionRef)
	if subscriptionRef == "" {
		return domain.Customer{}, domain.ErrNotFound
	}
	item, err := s.repo.FindBySubscriptionRef(ctx, s.db, subscriptionRef)
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) List(ctx context.Context, req domain.ListCustomerRequest) (domain.ListCustomerResponse, error) {
	if req.Status != "" {
		switch req.Status {
		case domain.StatusPending, domain.StatusDeployed, domain.StatusPastDue, domain.StatusFailed, domain.StatusCancelled:
		default:
			return domain.ListCustomerResponse{}, domain.ErrInvalidStatus
		}
	}

	pageSize := int(req.PageSize)
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.repo.List(ctx, s.db, domain.ListCustomerFilter{
		Status: req.Status,
		Email:  strings.TrimSpace(req.Email),
	}, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  pageSize,
	})
	if err != nil {
		return domain.ListCustomerResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(customer *domain.Customer) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        customer.ID.String(),
			CreatedAt: customer.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	customers := make([]domain.Customer, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		customers = append(customers, *item)
	}

	resp := domain.ListCustomerResponse{Customers: customers}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Customer, error) {
	if limit <= 0 {
		limit = 100
	}
	items, err := s.repo.ListExpired(ctx, s.db, []domain.Status{domain.StatusCancelled, domain.StatusPastDue}, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	customers := make([]domain.Customer, 0, len(items))
	for _, item := range items {
		if item != nil {
			customers = append(customers, *item)
		}
	}
	return customers, nil
}

func (s *Service) parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

