package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/minipass/pkg/db/pagination"
)

type ReserveRequest struct {
	Email              string
	OrganizationName   string
	PlanTier           string
	BillingFrequency   BillingFrequency
	Subdomain          string
	SubscriptionRef    string
	PaymentCustomerRef string
	CheckoutSessionRef string
	Metadata           map[string]any
}

type ListCustomerRequest struct {
	PageToken string
	PageSize  int32
	Status    Status
	Email     string
}

type ListCustomerFilter struct {
	Status Status
	Email  string
}

type ListCustomerResponse struct {
	pagination.PageInfo
	Customers []Customer `json:"customers"`
}

type GetCustomerRequest struct {
	ID string
}

// Mutation edits a locked row in place. Returning an error aborts the transaction.
type Mutation func(c *Customer) error

type Service interface {
	// Reserve inserts a pending record with a freshly allocated port.
	Reserve(ctx context.Context, req ReserveRequest) (Customer, error)
	SubdomainAvailable(ctx context.Context, subdomain string) (bool, error)

	// Transition locks the row, checks the lifecycle edge, applies fn and persists.
	Transition(ctx context.Context, id snowflake.ID, to Status, fn Mutation) (Customer, error)
	// Modify locks the row, applies fn and persists without changing status.
	Modify(ctx context.Context, id snowflake.ID, fn Mutation) (Customer, error)
	ExtendSubscription(ctx context.Context, subscriptionRef string, end time.Time) (ExtendResult, error)
	TransitionBySubscription(ctx context.Context, subscriptionRef string, to Status) (Customer, error)

	GetByID(ctx context.Context, req GetCustomerRequest) (Customer, error)
	GetByCheckoutSession(ctx context.Context, sessionRef string) (Customer, error)
	GetBySubscriptionRef(ctx context.Context, subscriptionRef string) (Customer, error)
	List(ctx context.Context, req ListCustomerRequest) (ListCustomerResponse, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Customer, error)
}

// ExtendResult reports what a renewal changed.
type ExtendResult struct {
	Customer       Customer
	PreviousStatus Status
	PreviousEnd    *time.Time
	Extended       bool
}

var (
	ErrInvalidSubdomain  = errors.New("invalid_subdomain")
	ErrInvalidEmail      = errors.New("invalid_email")
	ErrInvalidPlan       = errors.New("invalid_plan")
	ErrInvalidFrequency  = errors.New("invalid_billing_frequency")
	ErrInvalidCheckout   = errors.New("invalid_checkout_session")
	ErrInvalidID         = errors.New("invalid_id")
	ErrInvalidStatus     = errors.New("invalid_status")
	ErrInvalidPageToken  = errors.New("invalid_page_token")
	ErrSubdomainTaken    = errors.New("subdomain_taken")
	ErrDuplicateCheckout = errors.New("duplicate_checkout_session")
	ErrInvalidTransition = errors.New("invalid_status_transition")
	ErrPortExhausted     = errors.New("port_allocation_failed")
	ErrNotFound          = errors.New("not_found")
)
