// Package catalog manages coupon definitions and the read side of grants.
package catalog

import (
	"context"
	"fmt"
	"time"

	"coupon/internal/event"
	"coupon/internal/model"
	"coupon/internal/repository"
	"coupon/pkg/clock"
	"coupon/pkg/log"
	"coupon/pkg/utils"
)

// MaxBulkSize caps one bulk load
const MaxBulkSize = 1000

// CreateCouponRequest describes a coupon to create
type CreateCouponRequest struct {
	Name                  string             `json:"name" binding:"required,max=100"`
	DiscountType          model.DiscountType `json:"discountType" binding:"required"`
	DiscountValue         int64              `json:"discountValue" binding:"required,gt=0"`
	TotalQuantity         int                `json:"totalQuantity" binding:"required,gt=0"`
	MinimumOrderAmount    int64              `json:"minimumOrderAmount" binding:"gte=0"`
	MaximumDiscountAmount int64              `json:"maximumDiscountAmount" binding:"gte=0"`
	ExpiredAt             time.Time          `json:"expiredAt" binding:"required"`
}

// CouponView is a coupon with its derived remaining quantity
type CouponView struct {
	*model.Coupon
	RemainingQuantity int `json:"remainingQuantity"`
}

// CatalogService catalog service interface
type CatalogService interface {
	CreateCoupon(ctx context.Context, req *CreateCouponRequest) (*CouponView, error)

	// BulkCreate creates all coupons in one transaction or none
	BulkCreate(ctx context.Context, reqs []*CreateCouponRequest) ([]*CouponView, error)

	GetCoupon(ctx context.Context, id uint64) (*CouponView, error)

	// ListAvailable lists issuable coupons, newest first
	ListAvailable(ctx context.Context) ([]*CouponView, error)

	ListUserCoupons(ctx context.Context, userID uint64) ([]*model.UserCoupon, error)

	ListAvailableUserCoupons(ctx context.Context, userID uint64) ([]*model.UserCoupon, error)
}

type catalogService struct {
	coupons     repository.CouponRepository
	userCoupons repository.UserCouponRepository
	clock       clock.Clock
	eventsTopic string
}

// NewCatalogService creates a catalog service. When eventsTopic is set every
// created coupon also writes a CouponCreated outbox row.
func NewCatalogService(
	coupons repository.CouponRepository,
	userCoupons repository.UserCouponRepository,
	c clock.Clock,
	eventsTopic string,
) CatalogService {
	if c == nil {
		c = clock.NewSystem()
	}
	return &catalogService{
		coupons:     coupons,
		userCoupons: userCoupons,
		clock:       c,
		eventsTopic: eventsTopic,
	}
}

func (s *catalogService) CreateCoupon(ctx context.Context, req *CreateCouponRequest) (*CouponView, error) {
	views, err := s.BulkCreate(ctx, []*CreateCouponRequest{req})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

func (s *catalogService) BulkCreate(ctx context.Context, reqs []*CreateCouponRequest) ([]*CouponView, error) {
	if len(reqs) == 0 {
		return nil, utils.NewError(utils.CodeInvalidParam, "at least one coupon is required")
	}
	if len(reqs) > MaxBulkSize {
		return nil, utils.NewError(utils.CodeInvalidParam, fmt.Sprintf("at most %d coupons per request", MaxBulkSize))
	}

	now := s.clock.Now()
	coupons := make([]*model.Coupon, 0, len(reqs))
	for i, req := range reqs {
		if err := validate(req, now); err != nil {
			if len(reqs) > 1 {
				return nil, utils.NewError(utils.CodeInvalidParam, fmt.Sprintf("coupon %d: %s", i, err.Message))
			}
			return nil, err
		}
		coupons = append(coupons, &model.Coupon{
			Name:                  req.Name,
			DiscountType:          req.DiscountType,
			DiscountValue:         req.DiscountValue,
			TotalQuantity:         req.TotalQuantity,
			MinimumOrderAmount:    req.MinimumOrderAmount,
			MaximumDiscountAmount: req.MaximumDiscountAmount,
			ExpiredAt:             req.ExpiredAt,
			CreatedAt:             now,
			UpdatedAt:             now,
		})
	}

	var build repository.OutboxBuilder
	if s.eventsTopic != "" {
		build = func(c *model.Coupon) (*model.OutboxEvent, error) {
			return event.NewCouponCreated(c).ToOutbox(s.eventsTopic)
		}
	}
	if err := s.coupons.BulkCreate(ctx, coupons, build); err != nil {
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"count": len(coupons),
	}).Info("Coupons created")

	views := make([]*CouponView, 0, len(coupons))
	for _, c := range coupons {
		views = append(views, viewOf(c))
	}
	return views, nil
}

func (s *catalogService) GetCoupon(ctx context.Context, id uint64) (*CouponView, error) {
	if id == 0 {
		return nil, utils.NewError(utils.CodeInvalidParam, "coupon id is required")
	}
	c, err := s.coupons.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return viewOf(c), nil
}

func (s *catalogService) ListAvailable(ctx context.Context) ([]*CouponView, error) {
	coupons, err := s.coupons.ListAvailable(ctx, s.clock.Now())
	if err != nil {
		return nil, err
	}
	views := make([]*CouponView, 0, len(coupons))
	for _, c := range coupons {
		views = append(views, viewOf(c))
	}
	return views, nil
}

func (s *catalogService) ListUserCoupons(ctx context.Context, userID uint64) ([]*model.UserCoupon, error) {
	if userID == 0 {
		return nil, utils.NewError(utils.CodeInvalidParam, "user id is required")
	}
	return s.userCoupons.ListByUser(ctx, userID)
}

func (s *catalogService) ListAvailableUserCoupons(ctx context.Context, userID uint64) ([]*model.UserCoupon, error) {
	if userID == 0 {
		return nil, utils.NewError(utils.CodeInvalidParam, "user id is required")
	}
	return s.userCoupons.ListAvailableByUser(ctx, userID)
}

func validate(req *CreateCouponRequest, now time.Time) *utils.AppError {
	switch {
	case req == nil:
		return utils.NewError(utils.CodeInvalidParam, "coupon is required")
	case req.Name == "":
		return utils.NewError(utils.CodeInvalidParam, "name is required")
	case !req.DiscountType.Valid():
		return utils.NewError(utils.CodeInvalidParam, fmt.Sprintf("unknown discount type %q", req.DiscountType))
	case req.DiscountValue <= 0:
		return utils.NewError(utils.CodeInvalidParam, "discountValue must be positive")
	case req.DiscountType == model.DiscountTypePercentage && req.DiscountValue > 100:
		return utils.NewError(utils.CodeInvalidParam, "percentage discount cannot exceed 100")
	case req.TotalQuantity <= 0:
		return utils.NewError(utils.CodeInvalidParam, "totalQuantity must be positive")
	case req.MinimumOrderAmount < 0 || req.MaximumDiscountAmount < 0:
		return utils.NewError(utils.CodeInvalidParam, "amounts cannot be negative")
	case !req.ExpiredAt.After(now):
		return utils.NewError(utils.CodeInvalidParam, "expiredAt must be in the future")
	}
	return nil
}

func viewOf(c *model.Coupon) *CouponView {
	return &CouponView{Coupon: c, RemainingQuantity: c.Remaining()}
}
