package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/minipass/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, customer *Customer) error
	Update(ctx context.Context, db *gorm.DB, customer *Customer) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Customer, error)
	FindBySubdomain(ctx context.Context, db *gorm.DB, subdomain string) (*Customer, error)
	FindByCheckoutSession(ctx context.Context, db *gorm.DB, sessionRef string) (*Customer, error)
	FindBySubscriptionRef(ctx context.Context, db *gorm.DB, subscriptionRef string) (*Customer, error)
	// LockByID and LockBySubscriptionRef read the row FOR UPDATE and must run inside a transaction.
	LockByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Customer, error)
	LockBySubscriptionRef(ctx context.Context, tx *gorm.DB, subscriptionRef string) (*Customer, error)
	MaxPort(ctx context.Context, db *gorm.DB) (int, error)
	ListExpired(ctx context.Context, db *gorm.DB, statuses []Status, before time.Time, limit int) ([]*Customer, error)
	List(ctx context.Context, db *gorm.DB, filter ListCustomerFilter, page pagination.Pagination) ([]*Customer, error)
}
