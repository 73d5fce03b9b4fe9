package handler

import (
	"github.com/gin-gonic/gin"

	"coupon/internal/middleware"
	"coupon/internal/service/catalog"
	"coupon/pkg/log"
	"coupon/pkg/utils"
)

// BulkCreateRequest body of the bulk load endpoint
type BulkCreateRequest struct {
	Coupons []*catalog.CreateCouponRequest `json:"coupons" binding:"required,min=1,max=1000,dive"`
}

// CouponHandler coupon catalog handler
type CouponHandler struct {
	catalogService catalog.CatalogService
}

// NewCouponHandler creates a coupon handler
func NewCouponHandler(catalogService catalog.CatalogService) *CouponHandler {
	return &CouponHandler{
		catalogService: catalogService,
	}
}

// GetCoupon returns one coupon with its remaining quantity
func (h *CouponHandler) GetCoupon(c *gin.Context) {
	id, err := utils.ParseID(c.Param("id"), "coupon id")
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	coupon, err := h.catalogService.GetCoupon(c.Request.Context(), id)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, coupon)
}

// ListAvailable lists coupons that can still be issued
func (h *CouponHandler) ListAvailable(c *gin.Context) {
	coupons, err := h.catalogService.ListAvailable(c.Request.Context())
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, coupons)
}

// ListUserCoupons lists every grant of a user
func (h *CouponHandler) ListUserCoupons(c *gin.Context) {
	userID, err := utils.ParseID(c.Param("userId"), "user id")
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	grants, err := h.catalogService.ListUserCoupons(c.Request.Context(), userID)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, grants)
}

// ListAvailableUserCoupons lists a user's unused grants
func (h *CouponHandler) ListAvailableUserCoupons(c *gin.Context) {
	userID, err := utils.ParseID(c.Param("userId"), "user id")
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	grants, err := h.catalogService.ListAvailableUserCoupons(c.Request.Context(), userID)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, grants)
}

// CreateCoupon creates one coupon
func (h *CouponHandler) CreateCoupon(c *gin.Context) {
	var req catalog.CreateCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.AppErrorResponse(c, utils.BindError(err))
		return
	}

	coupon, err := h.catalogService.CreateCoupon(c.Request.Context(), &req)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	subject, _ := middleware.GetSubject(c)
	log.WithFields(map[string]interface{}{
		"coupon_id": coupon.ID,
		"total":     coupon.TotalQuantity,
		"admin":     subject,
	}).Info("Coupon created")

	utils.SuccessResponse(c, coupon)
}

// BulkCreate creates every coupon of the body or none
func (h *CouponHandler) BulkCreate(c *gin.Context) {
	var req BulkCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.AppErrorResponse(c, utils.BindError(err))
		return
	}

	coupons, err := h.catalogService.BulkCreate(c.Request.Context(), req.Coupons)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	subject, _ := middleware.GetSubject(c)
	log.WithFields(map[string]interface{}{
		"count": len(coupons),
		"admin": subject,
	}).Info("Coupons bulk created")

	utils.SuccessResponse(c, gin.H{
		"count":   len(coupons),
		"coupons": coupons,
	})
}
