package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDeployed  Status = "deployed"
	StatusPastDue   Status = "past_due"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type BillingFrequency string

const (
	FrequencyMonthly BillingFrequency = "monthly"
	FrequencyAnnual  BillingFrequency = "annual"
)

func (f BillingFrequency) Valid() bool {
	return f == FrequencyMonthly || f == FrequencyAnnual
}

// Customer is one provisioned (or provisioning) instance.
type Customer struct {
	ID                 snowflake.ID      `gorm:"primaryKey" json:"id"`
	Email              string            `gorm:"not null" json:"email"`
	OrganizationName   string            `gorm:"column:organization_name" json:"organization_name,omitempty"`
	PlanTier           string            `gorm:"not null" json:"plan_tier"`
	BillingFrequency   BillingFrequency  `gorm:"not null" json:"billing_frequency"`
	Subdomain          string            `gorm:"not null;uniqueIndex:ux_customers_subdomain" json:"subdomain"`
	Port               int               `gorm:"not null;uniqueIndex:ux_customers_port" json:"port"`
	Status             Status            `gorm:"not null;index" json:"status"`
	SubscriptionRef    string            `gorm:"column:subscription_ref;index" json:"subscription_ref,omitempty"`
	PaymentCustomerRef string            `gorm:"column:payment_customer_ref" json:"payment_customer_ref,omitempty"`
	CheckoutSessionRef string            `gorm:"column:checkout_session_ref;not null;uniqueIndex:ux_customers_checkout_session" json:"checkout_session_ref"`
	SubscriptionStart  *time.Time        `json:"subscription_start,omitempty"`
	SubscriptionEnd    *time.Time        `json:"subscription_end,omitempty"`
	ContainerID        string            `gorm:"column:container_id" json:"container_id,omitempty"`
	MailAddress        string            `gorm:"column:mail_address" json:"mail_address,omitempty"`
	LastError          string            `gorm:"column:last_error" json:"last_error,omitempty"`
	FailedStep         string            `gorm:"column:failed_step" json:"failed_step,omitempty"`
	CleanupErrors      string            `gorm:"column:cleanup_errors" json:"cleanup_errors,omitempty"`
	ContainerStoppedAt *time.Time        `json:"container_stopped_at,omitempty"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt          time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null" json:"updated_at"`
}

func (Customer) TableName() string { return "customers" }

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status]map[Status]struct{}{
	StatusPending:  {StatusDeployed: {}, StatusFailed: {}},
	StatusDeployed: {StatusPastDue: {}, StatusCancelled: {}, StatusFailed: {}},
	StatusPastDue:  {StatusDeployed: {}, StatusCancelled: {}},
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
func (s Status) CanTransitionTo(next Status) bool {
	allowed, ok := transitions[s]
	if !ok {
		return false
	}
	_, ok = allowed[next]
	return ok
}
