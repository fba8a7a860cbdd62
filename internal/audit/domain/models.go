package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem   ActorType = "system"
	ActorTypeWebhook  ActorType = "webhook"
	ActorTypeOperator ActorType = "operator"
)

const TargetTypeCustomer = "customer"

// Actions written by the provisioning lifecycle.
const (
	ActionInstanceProvisioned   = "instance.provisioned"
	ActionProvisioningFailed    = "instance.provisioning_failed"
	ActionInstanceStopped       = "instance.stopped"
	ActionInstanceRestarted     = "instance.restarted"
	ActionSubscriptionRenewed   = "subscription.renewed"
	ActionSubscriptionPastDue   = "subscription.past_due"
	ActionSubscriptionCancelled = "subscription.cancelled"
)

type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	ActorType  string            `gorm:"not null" json:"actor_type"`
	ActorID    *string           `json:"actor_id,omitempty"`
	Action     string            `gorm:"not null;index" json:"action"`
	TargetType string            `gorm:"not null" json:"target_type"`
	TargetID   *string           `gorm:"index" json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}
