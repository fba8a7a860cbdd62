package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/minipass/internal/gateway"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeReceived  Outcome = "received"
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// Event is the log row kept for every verified gateway notification.
type Event struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	Provider    string         `gorm:"not null;uniqueIndex:ux_webhook_events_provider_event" json:"provider"`
	EventID     string         `gorm:"column:event_id;not null;uniqueIndex:ux_webhook_events_provider_event" json:"event_id"`
	EventType   string         `gorm:"column:event_type;not null" json:"event_type"`
	Outcome     Outcome        `gorm:"not null" json:"outcome"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	Payload     datatypes.JSON `gorm:"type:jsonb" json:"-"`
	ReceivedAt  time.Time      `gorm:"not null" json:"received_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

func (Event) TableName() string { return "webhook_events" }

// Handler applies a parsed event. Errors propagate to the gateway as 5xx.
type Handler interface {
	Handle(ctx context.Context, event *gateway.Event) error
}

type Repository interface {
	// Insert reports false when the (provider, event_id) pair already exists.
	Insert(ctx context.Context, db *gorm.DB, event *Event) (bool, error)
	FindByEventID(ctx context.Context, db *gorm.DB, provider, eventID string) (*Event, error)
	MarkOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome Outcome, errMsg string, at time.Time) error
}

type Service interface {
	Ingest(ctx context.Context, payload []byte, headers http.Header) error
}
