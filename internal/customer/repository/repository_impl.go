package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/minipass/internal/customer/domain"
	"github.com/smallbiznis/minipass/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const customerColumns = `id, email, organization_name, plan_tier, billing_frequency, subdomain, port, status,
	subscription_ref, payment_customer_ref, checkout_session_ref, subscription_start, subscription_end,
	container_id, mail_address, last_error, failed_step, cleanup_errors, container_stopped_at, metadata,
	created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO customers (`+customerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		customer.ID,
		customer.Email,
		customer.OrganizationName,
		customer.PlanTier,
		customer.BillingFrequency,
		customer.Subdomain,
		customer.Port,
		customer.Status,
		customer.SubscriptionRef,
		customer.PaymentCustomerRef,
		customer.CheckoutSessionRef,
		customer.SubscriptionStart,
		customer.SubscriptionEnd,
		customer.ContainerID,
		customer.MailAddress,
		customer.LastError,
		customer.FailedStep,
		customer.CleanupErrors,
		customer.ContainerStoppedAt,
		customer.Metadata,
		customer.CreatedAt,
		customer.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	return db.WithContext(ctx).Exec(
		`UPDATE customers SET
			status = ?, subscription_ref = ?, payment_customer_ref = ?, subscription_start = ?,
			subscription_end = ?, container_id = ?, mail_address = ?, last_error = ?, failed_step = ?,
			cleanup_errors = ?, container_stopped_at = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		customer.Status,
		customer.SubscriptionRef,
		customer.PaymentCustomerRef,
		customer.SubscriptionStart,
		customer.SubscriptionEnd,
		customer.ContainerID,
		customer.MailAddress,
		customer.LastError,
		customer.FailedStep,
		customer.CleanupErrors,
		customer.ContainerStoppedAt,
		customer.Metadata,
		customer.UpdatedAt,
		customer.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Customer, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindBySubdomain(ctx context.Context, db *gorm.DB, subdomain string) (*domain.Customer, error) {
	return r.findOne(ctx, db, `subdomain = ?`, subdomain)
}

func (r *repo) FindByCheckoutSession(ctx context.Context, db *gorm.DB, sessionRef string) (*domain.Customer, error) {
	return r.findOne(ctx, db, `checkout_session_ref = ?`, sessionRef)
}

func (r *repo) FindBySubscriptionRef(ctx context.Context, db *gorm.DB, subscriptionRef string) (*domain.Customer, error) {
	return r.findOne(ctx, db, `subscription_ref = ?`, subscriptionRef)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT `+customerColumns+` FROM customers WHERE `+where+` ORDER BY id LIMIT 1`,
		arg,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.ID == 0 {
		return nil, nil
	}
	return &customer, nil
}

func (r *repo) LockByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Customer, error) {
	return r.lockOne(ctx, tx, "id = ?", id)
}

func (r *repo) LockBySubscriptionRef(ctx context.Context, tx *gorm.DB, subscriptionRef string) (*domain.Customer, error) {
	return r.lockOne(ctx, tx, "subscription_ref = ?", subscriptionRef)
}

func (r *repo) lockOne(ctx context.Context, tx *gorm.DB, where string, arg any) (*domain.Customer, error) {
	var customers []domain.Customer
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(where, arg).
		Order("id").
		Limit(1).
		Find(&customers).Error
	if err != nil {
		return nil, err
	}
	if len(customers) == 0 {
		return nil, nil
	}
	return &customers[0], nil
}

func (r *repo) MaxPort(ctx context.Context, db *gorm.DB) (int, error) {
	var port int
	err := db.WithContext(ctx).Raw(`SELECT COALESCE(MAX(port), 0) FROM customers`).Scan(&port).Error
	return port, err
}

func (r *repo) ListExpired(ctx context.Context, db *gorm.DB, statuses []domain.Status, before time.Time, limit int) ([]*domain.Customer, error) {
	var customers []*domain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT `+customerColumns+`
		 FROM customers
		 WHERE status IN ?
		   AND subscription_end IS NOT NULL
		   AND subscription_end < ?
		   AND container_stopped_at IS NULL
		 ORDER BY id
		 LIMIT ?`,
		statuses,
		before,
		limit,
	).Scan(&customers).Error
	if err != nil {
		return nil, err
	}
	return customers, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListCustomerFilter, page pagination.Pagination) ([]*domain.Customer, error) {
	var customers []*domain.Customer
	stmt := db.WithContext(ctx).Model(&domain.Customer{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Email != "" {
		stmt = stmt.Where("email = ?", filter.Email)
	}
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPageToken, err)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPageToken, err)
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPageToken, err)
		}
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, id)
	}
	pageSize := page.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	err := stmt.
		Order("created_at desc, id desc").
		Limit(pageSize + 1).
		Find(&customers).Error
	if err != nil {
		return nil, err
	}
	return customers, nil
}
