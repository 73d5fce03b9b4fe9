package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"coupon/internal/model"
	"coupon/pkg/utils"
)

// OutboxBuilder builds the outbox row announcing a freshly inserted coupon
type OutboxBuilder func(c *model.Coupon) (*model.OutboxEvent, error)

// CouponRepository coupon repository interface
type CouponRepository interface {
	// Create inserts coupon and, when build is set, its outbox row in one transaction
	Create(ctx context.Context, coupon *model.Coupon, build OutboxBuilder) error

	// BulkCreate inserts all coupons or none
	BulkCreate(ctx context.Context, coupons []*model.Coupon, build OutboxBuilder) error

	GetByID(ctx context.Context, id uint64) (*model.Coupon, error)

	// ListAvailable lists coupons that are neither expired at now nor exhausted, newest first
	ListAvailable(ctx context.Context, now time.Time) ([]*model.Coupon, error)

	// IssueGrant is the only writer of issued_quantity. It increments the counter
	// only while the coupon is unexpired at grant.IssuedAt and below capacity,
	// inserts grant and the outbox rows, all in one transaction.
	IssueGrant(ctx context.Context, grant *model.UserCoupon, events ...*model.OutboxEvent) error
}

type couponRepository struct {
	db *gorm.DB
}

// NewCouponRepository creates a coupon repository
func NewCouponRepository(db *gorm.DB) CouponRepository {
	return &couponRepository{db: db}
}

func (r *couponRepository) Create(ctx context.Context, coupon *model.Coupon, build OutboxBuilder) error {
	return r.BulkCreate(ctx, []*model.Coupon{coupon}, build)
}

func (r *couponRepository) BulkCreate(ctx context.Context, coupons []*model.Coupon, build OutboxBuilder) error {
	if len(coupons) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(coupons).Error; err != nil {
			return err
		}
		if build == nil {
			return nil
		}

		rows := make([]*model.OutboxEvent, 0, len(coupons))
		for _, c := range coupons {
			row, err := build(c)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return tx.Create(rows).Error
	})
	if err != nil {
		return utils.WrapError(err, utils.CodeDatabaseError, "failed to create coupons")
	}
	return nil
}

func (r *couponRepository) GetByID(ctx context.Context, id uint64) (*model.Coupon, error) {
	var coupon model.Coupon
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&coupon).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrCouponNotFound
		}
		return nil, utils.WrapError(err, utils.CodeDatabaseError, "failed to load coupon")
	}
	return &coupon, nil
}

func (r *couponRepository) ListAvailable(ctx context.Context, now time.Time) ([]*model.Coupon, error) {
	var coupons []*model.Coupon
	err := r.db.WithContext(ctx).
		Where("expired_at > ? AND issued_quantity < total_quantity", now).
		Order("created_at DESC, id DESC").
		Find(&coupons).Error
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeDatabaseError, "failed to list coupons")
	}
	return coupons, nil
}

func (r *couponRepository) IssueGrant(ctx context.Context, grant *model.UserCoupon, events ...*model.OutboxEvent) error {
	now := grant.IssuedAt

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Coupon{}).
			Where("id = ? AND issued_quantity < total_quantity AND expired_at > ?", grant.CouponID, now).
			Updates(map[string]interface{}{
				"issued_quantity": gorm.Expr("issued_quantity + ?", 1),
				"updated_at":      now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return classifyRejected(tx, grant.CouponID, now)
		}

		if err := tx.Create(grant).Error; err != nil {
			if isUniqueViolation(err) {
				return utils.ErrCouponAlreadyIssued
			}
			return err
		}

		if len(events) > 0 {
			if err := tx.Create(events).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if _, ok := utils.IsAppError(err); ok {
		return err
	}
	return utils.WrapError(err, utils.CodeDatabaseError, "failed to issue coupon")
}

// classifyRejected explains why the conditional increment matched no row
func classifyRejected(tx *gorm.DB, couponID uint64, now time.Time) error {
	var coupon model.Coupon
	if err := tx.Where("id = ?", couponID).First(&coupon).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrCouponNotFound
		}
		return err
	}
	if err := coupon.CheckIssuable(now); err != nil {
		return err
	}
	// the row changed between the update and this read
	return utils.ErrConflict
}
