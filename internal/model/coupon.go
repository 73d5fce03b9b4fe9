package model

import (
	"time"

	"coupon/pkg/utils"
)

// DiscountType how a coupon discounts an order
type DiscountType string

const (
	DiscountTypeFixed      DiscountType = "FIXED"
	DiscountTypePercentage DiscountType = "PERCENTAGE"
)

// Valid reports whether t is a known discount type
func (t DiscountType) Valid() bool {
	return t == DiscountTypeFixed || t == DiscountTypePercentage
}

// Coupon is a capped, expiring discount. IssuedQuantity only ever moves through
// the conditional increment in the coupon repository.
type Coupon struct {
	ID                    uint64       `gorm:"primaryKey;autoIncrement" json:"id"`
	Name                  string       `gorm:"type:varchar(100);not null" json:"name"`
	DiscountType          DiscountType `gorm:"type:varchar(20);not null" json:"discountType"`
	DiscountValue         int64        `gorm:"not null" json:"discountValue"` // cents for FIXED, percent for PERCENTAGE
	TotalQuantity         int          `gorm:"not null" json:"totalQuantity"`
	IssuedQuantity        int          `gorm:"not null;default:0" json:"issuedQuantity"`
	MinimumOrderAmount    int64        `gorm:"not null;default:0" json:"minimumOrderAmount"`   // cents
	MaximumDiscountAmount int64        `gorm:"not null;default:0" json:"maximumDiscountAmount"` // cents, 0 means no cap
	ExpiredAt             time.Time    `gorm:"not null;index" json:"expiredAt"`
	CreatedAt             time.Time    `gorm:"not null" json:"createdAt"`
	UpdatedAt             time.Time    `gorm:"not null" json:"updatedAt"`
}

// TableName set name
func (Coupon) TableName() string {
	return "coupons"
}

// IsExhausted check if every unit has been issued
func (c *Coupon) IsExhausted() bool {
	return c.IssuedQuantity >= c.TotalQuantity
}

// IsExpired check if the coupon expired at now
func (c *Coupon) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiredAt)
}

// Remaining units left to issue
func (c *Coupon) Remaining() int {
	if c.IsExhausted() {
		return 0
	}
	return c.TotalQuantity - c.IssuedQuantity
}

// CheckIssuable returns the business error that blocks issuing c at now, or nil.
// Expiry wins over exhaustion.
func (c *Coupon) CheckIssuable(now time.Time) error {
	if c.IsExpired(now) {
		return utils.ErrCouponExpired
	}
	if c.IsExhausted() {
		return utils.ErrCouponExhausted
	}
	return nil
}
