package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"coupon/internal/model"
	"coupon/internal/service/issuance"
	"coupon/pkg/utils"
)

// Values of SystemStatusResponse.SystemHealth
const (
	HealthOK    = "OK"
	HealthError = "ERROR"
)

// IssueRequest body of the synchronous issue endpoint
type IssueRequest struct {
	UserID uint64 `json:"userId" binding:"required,gt=0"`
}

// AsyncIssueRequest body of the async admit endpoint
type AsyncIssueRequest struct {
	CouponID uint64 `json:"couponId" binding:"required,gt=0"`
	UserID   uint64 `json:"userId" binding:"required,gt=0"`
}

// AsyncIssueResponse is returned when a request is admitted
type AsyncIssueResponse struct {
	RequestID   string              `json:"requestId"`
	Status      model.RequestStatus `json:"status"`
	Message     string              `json:"message"`
	RequestedAt time.Time           `json:"requestedAt"`
}

// SystemStatusResponse reports the admission queue
type SystemStatusResponse struct {
	QueueSize    int64  `json:"queueSize"`
	SystemHealth string `json:"systemHealth"`
	Error        string `json:"error,omitempty"`
}

// IssueHandler issue handler
type IssueHandler struct {
	issuanceService issuance.IssuanceService
}

// NewIssueHandler creates an issue handler
func NewIssueHandler(issuanceService issuance.IssuanceService) *IssueHandler {
	return &IssueHandler{
		issuanceService: issuanceService,
	}
}

// IssueSync grants the coupon within the request
func (h *IssueHandler) IssueSync(c *gin.Context) {
	couponID, err := utils.ParseID(c.Param("id"), "coupon id")
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.AppErrorResponse(c, utils.BindError(err))
		return
	}

	grant, err := h.issuanceService.IssueSync(c.Request.Context(), couponID, req.UserID)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, grant)
}

// IssueAsync admits the request and answers before it is processed
func (h *IssueHandler) IssueAsync(c *gin.Context) {
	var req AsyncIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.AppErrorResponse(c, utils.BindError(err))
		return
	}

	admitted, err := h.issuanceService.RequestAsync(c.Request.Context(), req.CouponID, req.UserID)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.AcceptedResponse(c, AsyncIssueResponse{
		RequestID:   admitted.RequestID,
		Status:      admitted.Status,
		Message:     admitted.Message,
		RequestedAt: admitted.RequestedAt,
	})
}

// GetStatus polls an async request
func (h *IssueHandler) GetStatus(c *gin.Context) {
	requestID := c.Param("requestId")
	if requestID == "" {
		utils.Error(c, utils.CodeInvalidParam, "requestId is required")
		return
	}

	req, err := h.issuanceService.GetStatus(c.Request.Context(), requestID)
	if err != nil {
		utils.AppErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, req)
}

// SystemStatus reports the admission queue size
func (h *IssueHandler) SystemStatus(c *gin.Context) {
	size, err := h.issuanceService.QueueSize(c.Request.Context())
	if err != nil {
		utils.SuccessResponse(c, SystemStatusResponse{
			SystemHealth: HealthError,
			Error:        utils.GetErrorMessage(err),
		})
		return
	}

	utils.SuccessResponse(c, SystemStatusResponse{
		QueueSize:    size,
		SystemHealth: HealthOK,
	})
}
