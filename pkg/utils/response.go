package utils

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response standard response structure
type Response struct {
	Code      int         `json:"code"`
	Error     string      `json:"error,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// SuccessResponse returns success response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:      int(CodeSuccess),
		Message:   "success",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// AcceptedResponse returns 202 for requests admitted for later processing
func AcceptedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Code:      int(CodeSuccess),
		Message:   "accepted",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// ErrorResponse returns error response
func ErrorResponse(c *gin.Context, httpCode int, message string) {
	c.JSON(httpCode, Response{
		Code:      httpCode,
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
}

// Error writes a coded error and aborts the chain
func Error(c *gin.Context, code ResponseCode, message string) {
	c.AbortWithStatusJSON(code.HTTPStatus(), Response{
		Code:      int(code),
		Error:     code.Name(),
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
}

// AppErrorResponse renders err, falling back to INTERNAL_ERROR for unknown errors
func AppErrorResponse(c *gin.Context, err error) {
	appErr, ok := IsAppError(err)
	if !ok {
		_ = c.Error(err)
		Error(c, CodeInternalError, "internal server error")
		return
	}
	if appErr.Code.HTTPStatus() >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	Error(c, appErr.Code, appErr.Message)
}

// PageResponse page response structure
type PageResponse struct {
	List  interface{} `json:"list"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Size  int         `json:"size"`
}
