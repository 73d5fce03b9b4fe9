package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"coupon/internal/model"
)

const maxLastErrorLen = 512

// OutboxRepository outbox repository interface
type OutboxRepository interface {
	// FetchPending returns up to limit unpublished rows in insertion order
	FetchPending(ctx context.Context, limit int) ([]*model.OutboxEvent, error)

	MarkPublished(ctx context.Context, id uint64, at time.Time) error

	// MarkFailed records a failed publish attempt and leaves the row pending
	MarkFailed(ctx context.Context, id uint64, cause error) error
}

type outboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository creates an outbox repository
func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) FetchPending(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	var rows []*model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id uint64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       model.OutboxStatusPublished,
			"published_at": at,
		}).Error
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id uint64, cause error) error {
	msg := cause.Error()
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	return r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + ?", 1),
			"last_error": msg,
		}).Error
}
