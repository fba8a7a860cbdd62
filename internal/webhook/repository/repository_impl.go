package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/minipass/internal/webhook/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.Event) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			id, provider, event_id, event_type, outcome, error, payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.EventID,
		event.EventType,
		event.Outcome,
		event.Error,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByEventID(ctx context.Context, db *gorm.DB, provider, eventID string) (*domain.Event, error) {
	var item domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, event_id, event_type, outcome, error, payload, received_at, processed_at
		 FROM webhook_events
		 WHERE provider = ? AND event_id = ?
		 LIMIT 1`,
		provider,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome domain.Outcome, errMsg string, at time.Time) error {
	var processedAt *time.Time
	if outcome == domain.OutcomeProcessed || outcome == domain.OutcomeIgnored {
		processedAt = &at
	}
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET outcome = ?, error = ?, processed_at = ?
		 WHERE id = ?`,
		outcome,
		errMsg,
		processedAt,
		id,
	).Error
}
