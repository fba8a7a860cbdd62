package repository

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/minipass/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert is append-only; audit rows are never updated.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	var logs []*domain.AuditLog
	err := db.WithContext(ctx).
		Model(&domain.AuditLog{}).
		Scopes(
			columnEquals("action", filter.Action),
			columnEquals("target_type", filter.TargetType),
			columnEquals("target_id", filter.TargetID),
			columnEquals("actor_type", filter.ActorType),
			createdWithin(filter.StartAt, filter.EndAt),
			before(filter.Cursor),
			newestFirst(filter.Limit),
		).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func columnEquals(column, value string) func(*gorm.DB) *gorm.DB {
	value = strings.TrimSpace(value)
	return func(tx *gorm.DB) *gorm.DB {
		if value == "" {
			return tx
		}
		return tx.Where(column+" = ?", value)
	}
}

func createdWithin(start, end *time.Time) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if start != nil {
			tx = tx.Where("created_at >= ?", start.UTC())
		}
		if end != nil {
			tx = tx.Where("created_at <= ?", end.UTC())
		}
		return tx
	}
}

// before continues a newest-first walk; id breaks ties within one timestamp.
func before(cursor *domain.AuditCursor) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if cursor == nil {
			return tx
		}
		return tx.Where("created_at < ? OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
}

// newestFirst fetches one extra row so the caller can tell whether another page exists.
func newestFirst(limit int) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		tx = tx.Order("created_at desc").Order("id desc")
		if limit > 0 {
			tx = tx.Limit(limit + 1)
		}
		return tx
	}
}
