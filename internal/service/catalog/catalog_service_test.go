package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"coupon/internal/event"
	"coupon/internal/model"
	"coupon/internal/repository"
	"coupon/internal/testutil"
	"coupon/pkg/clock"
	"coupon/pkg/utils"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (CatalogService, *gorm.DB) {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	svc := NewCatalogService(
		repository.NewCouponRepository(db),
		repository.NewUserCouponRepository(db),
		clock.NewManual(testNow),
		"coupon-events",
	)
	return svc, db
}

func validRequest(name string) *CreateCouponRequest {
	return &CreateCouponRequest{
		Name:          name,
		DiscountType:  model.DiscountTypeFixed,
		DiscountValue: 500,
		TotalQuantity: 100,
		ExpiredAt:     testNow.Add(7 * 24 * time.Hour),
	}
}

func TestCatalogService_CreateCoupon(t *testing.T) {
	svc, db := newTestService(t)

	view, err := svc.CreateCoupon(context.Background(), validRequest("Spring sale"))
	require.NoError(t, err)
	assert.NotZero(t, view.ID)
	assert.Equal(t, 100, view.RemainingQuantity)
	assert.Zero(t, view.IssuedQuantity)
	assert.True(t, view.CreatedAt.Equal(testNow))

	var rows []model.OutboxEvent
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, string(event.TypeCouponCreated), rows[0].EventType)

	ev, err := event.Unmarshal(rows[0].Payload)
	require.NoError(t, err)
	created, ok := ev.Payload.(event.CouponCreated)
	require.True(t, ok)
	assert.Equal(t, view.ID, created.CouponID)
	assert.Equal(t, "Spring sale", created.Name)
}

func TestCatalogService_CreateCoupon_Validation(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name   string
		modify func(r *CreateCouponRequest)
	}{
		{"empty name", func(r *CreateCouponRequest) { r.Name = "" }},
		{"unknown discount type", func(r *CreateCouponRequest) { r.DiscountType = "BOGO" }},
		{"zero discount", func(r *CreateCouponRequest) { r.DiscountValue = 0 }},
		{"percentage above 100", func(r *CreateCouponRequest) {
			r.DiscountType = model.DiscountTypePercentage
			r.DiscountValue = 150
		}},
		{"zero quantity", func(r *CreateCouponRequest) { r.TotalQuantity = 0 }},
		{"negative minimum", func(r *CreateCouponRequest) { r.MinimumOrderAmount = -1 }},
		{"expiry in the past", func(r *CreateCouponRequest) { r.ExpiredAt = testNow.Add(-time.Minute) }},
		{"expiry now", func(r *CreateCouponRequest) { r.ExpiredAt = testNow }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest("x")
			tt.modify(req)
			_, err := svc.CreateCoupon(context.Background(), req)
			assert.True(t, utils.IsCode(err, utils.CodeInvalidParam), "got %v", err)
		})
	}
}

func TestCatalogService_BulkCreate(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	views, err := svc.BulkCreate(ctx, []*CreateCouponRequest{validRequest("a"), validRequest("b"), validRequest("c")})
	require.NoError(t, err)
	require.Len(t, views, 3)

	var outbox int64
	require.NoError(t, db.Model(&model.OutboxEvent{}).Count(&outbox).Error)
	assert.Equal(t, int64(3), outbox)

	t.Run("one invalid coupon rejects the batch", func(t *testing.T) {
		bad := validRequest("bad")
		bad.TotalQuantity = -5
		_, err := svc.BulkCreate(ctx, []*CreateCouponRequest{validRequest("d"), bad})
		require.Error(t, err)
		assert.Contains(t, utils.GetErrorMessage(err), "coupon 1")

		var n int64
		require.NoError(t, db.Model(&model.Coupon{}).Count(&n).Error)
		assert.Equal(t, int64(3), n)
	})

	t.Run("empty batch", func(t *testing.T) {
		_, err := svc.BulkCreate(ctx, nil)
		assert.True(t, utils.IsCode(err, utils.CodeInvalidParam))
	})
}

func TestCatalogService_Reads(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	open := testutil.SeedCoupon(t, db, 10, 4, testNow.Add(time.Hour))
	testutil.SeedCoupon(t, db, 10, 10, testNow.Add(time.Hour))
	testutil.SeedCoupon(t, db, 10, 0, testNow.Add(-time.Hour))

	view, err := svc.GetCoupon(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, view.RemainingQuantity)

	_, err = svc.GetCoupon(ctx, 12345)
	assert.ErrorIs(t, err, utils.ErrCouponNotFound)

	available, err := svc.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, open.ID, available[0].ID)

	require.NoError(t, db.Create(&model.UserCoupon{
		ID: 1, UserID: 9, CouponID: open.ID, Status: model.UserCouponStatusAvailable, IssuedAt: testNow,
	}).Error)
	require.NoError(t, db.Create(&model.UserCoupon{
		ID: 2, UserID: 9, CouponID: open.ID + 1, Status: model.UserCouponStatusUsed, IssuedAt: testNow,
	}).Error)

	all, err := svc.ListUserCoupons(ctx, 9)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	usable, err := svc.ListAvailableUserCoupons(ctx, 9)
	require.NoError(t, err)
	require.Len(t, usable, 1)
	assert.Equal(t, uint64(1), usable[0].ID)

	_, err = svc.ListUserCoupons(ctx, 0)
	assert.True(t, utils.IsCode(err, utils.CodeInvalidParam))
}
