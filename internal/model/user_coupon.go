package model

import "time"

// UserCouponStatus grant status
type UserCouponStatus string

const (
	UserCouponStatusAvailable UserCouponStatus = "AVAILABLE"
	UserCouponStatusUsed      UserCouponStatus = "USED"
	UserCouponStatusExpired   UserCouponStatus = "EXPIRED"
)

// UserCoupon is a grant of one coupon to one user. The (user_id, coupon_id)
// unique index settles duplicate-grant races; rows are never deleted.
type UserCoupon struct {
	ID        uint64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID    uint64           `gorm:"not null;uniqueIndex:uk_user_coupon,priority:1;index:idx_user_status,priority:1" json:"userId"`
	CouponID  uint64           `gorm:"not null;uniqueIndex:uk_user_coupon,priority:2;index" json:"couponId"`
	Status    UserCouponStatus `gorm:"type:varchar(20);not null;index:idx_user_status,priority:2" json:"status"`
	IssuedAt  time.Time        `gorm:"not null" json:"issuedAt"`
	UsedAt    *time.Time       `json:"usedAt,omitempty"`
	RequestID string           `gorm:"type:varchar(64)" json:"requestId,omitempty"`
}

// TableName set name
func (UserCoupon) TableName() string {
	return "user_coupons"
}

// IsAvailable check if the grant can still be used
func (u *UserCoupon) IsAvailable() bool {
	return u.Status == UserCouponStatusAvailable
}
