package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"coupon/internal/model"
	"coupon/pkg/utils"
)

// UserCouponRepository grant repository interface
type UserCouponRepository interface {
	// Exists reports whether userID already holds couponID
	Exists(ctx context.Context, userID, couponID uint64) (bool, error)

	// FindByUserAndCoupon returns the grant or nil when there is none
	FindByUserAndCoupon(ctx context.Context, userID, couponID uint64) (*model.UserCoupon, error)

	ListByUser(ctx context.Context, userID uint64) ([]*model.UserCoupon, error)

	ListAvailableByUser(ctx context.Context, userID uint64) ([]*model.UserCoupon, error)

	CountByCoupon(ctx context.Context, couponID uint64) (int64, error)
}

type userCouponRepository struct {
	db *gorm.DB
}

// NewUserCouponRepository creates a grant repository
func NewUserCouponRepository(db *gorm.DB) UserCouponRepository {
	return &userCouponRepository{db: db}
}

func (r *userCouponRepository) Exists(ctx context.Context, userID, couponID uint64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.UserCoupon{}).
		Where("user_id = ? AND coupon_id = ?", userID, couponID).
		Count(&count).Error
	if err != nil {
		return false, utils.WrapError(err, utils.CodeDatabaseError, "failed to check existing grant")
	}
	return count > 0, nil
}

func (r *userCouponRepository) FindByUserAndCoupon(ctx context.Context, userID, couponID uint64) (*model.UserCoupon, error) {
	var grant model.UserCoupon
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND coupon_id = ?", userID, couponID).
		First(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, utils.WrapError(err, utils.CodeDatabaseError, "failed to load grant")
	}
	return &grant, nil
}

func (r *userCouponRepository) ListByUser(ctx context.Context, userID uint64) ([]*model.UserCoupon, error) {
	return r.list(ctx, r.db.Where("user_id = ?", userID))
}

func (r *userCouponRepository) ListAvailableByUser(ctx context.Context, userID uint64) ([]*model.UserCoupon, error) {
	return r.list(ctx, r.db.Where("user_id = ? AND status = ?", userID, model.UserCouponStatusAvailable))
}

func (r *userCouponRepository) CountByCoupon(ctx context.Context, couponID uint64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.UserCoupon{}).
		Where("coupon_id = ?", couponID).
		Count(&count).Error
	if err != nil {
		return 0, utils.WrapError(err, utils.CodeDatabaseError, "failed to count grants")
	}
	return count, nil
}

func (r *userCouponRepository) list(ctx context.Context, scope *gorm.DB) ([]*model.UserCoupon, error) {
	var grants []*model.UserCoupon
	err := scope.WithContext(ctx).Order("issued_at DESC").Find(&grants).Error
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeDatabaseError, "failed to list user coupons")
	}
	return grants, nil
}
