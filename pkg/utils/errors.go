package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// ResponseCode business response code
type ResponseCode int

const (
	CodeSuccess ResponseCode = 0

	// Request errors
	CodeInvalidParam ResponseCode = 1001
	CodeUnauthorized ResponseCode = 1002
	CodeForbidden    ResponseCode = 1003
	CodeNotFound     ResponseCode = 1004
	CodeRateLimit    ResponseCode = 1005
	CodeConflict     ResponseCode = 1006

	// Coupon errors
	CodeCouponNotFound      ResponseCode = 2001
	CodeCouponExhausted     ResponseCode = 2002
	CodeCouponExpired       ResponseCode = 2003
	CodeCouponAlreadyIssued ResponseCode = 2004
	CodeRequestNotFound     ResponseCode = 2005

	// System errors
	CodeInternalError ResponseCode = 5000
	CodeDatabaseError ResponseCode = 5001
	CodeRedisError    ResponseCode = 5002
	CodeEventLogError ResponseCode = 5003
)

var codeNames = map[ResponseCode]string{
	CodeSuccess:             "SUCCESS",
	CodeInvalidParam:        "INVALID_PARAMETER",
	CodeUnauthorized:        "UNAUTHORIZED",
	CodeForbidden:           "FORBIDDEN",
	CodeNotFound:            "NOT_FOUND",
	CodeRateLimit:           "RATE_LIMITED",
	CodeConflict:            "CONFLICT",
	CodeCouponNotFound:      "COUPON_NOT_FOUND",
	CodeCouponExhausted:     "COUPON_EXHAUSTED",
	CodeCouponExpired:       "COUPON_EXPIRED",
	CodeCouponAlreadyIssued: "COUPON_ALREADY_ISSUED",
	CodeRequestNotFound:     "REQUEST_NOT_FOUND",
	CodeInternalError:       "INTERNAL_ERROR",
	CodeDatabaseError:       "DATABASE_ERROR",
	CodeRedisError:          "REDIS_ERROR",
	CodeEventLogError:       "EVENT_LOG_ERROR",
}

// Name returns the stable string form of the code, e.g. COUPON_EXHAUSTED
func (c ResponseCode) Name() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return codeNames[CodeInternalError]
}

// HTTPStatus maps the code to the HTTP status returned to clients
func (c ResponseCode) HTTPStatus() int {
	switch c {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidParam:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeCouponNotFound, CodeRequestNotFound:
		return http.StatusNotFound
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeConflict, CodeCouponExhausted, CodeCouponAlreadyIssued:
		return http.StatusConflict
	case CodeCouponExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// AppError application error structure
type AppError struct {
	Code    ResponseCode `json:"code"`
	Message string       `json:"message"`
	Err     error        `json:"-"`
}

// Error implement error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code: %d, message: %s, error: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
}

// Unwrap implement errors.Unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so sentinels work with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError create new application error
func NewError(code ResponseCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// WrapError wrap error
func WrapError(err error, code ResponseCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Predefined errors
var (
	ErrInvalidParam = NewError(CodeInvalidParam, "invalid parameter")
	ErrConflict     = NewError(CodeConflict, "request conflicted with a concurrent request, please retry")
	ErrRateLimit    = NewError(CodeRateLimit, "rate limit exceeded")

	ErrCouponNotFound      = NewError(CodeCouponNotFound, "coupon not found")
	ErrCouponExhausted     = NewError(CodeCouponExhausted, "coupon is exhausted")
	ErrCouponExpired       = NewError(CodeCouponExpired, "coupon has expired")
	ErrCouponAlreadyIssued = NewError(CodeCouponAlreadyIssued, "coupon already issued to this user")
	ErrRequestNotFound     = NewError(CodeRequestNotFound, "issue request not found")

	ErrInternalError = NewError(CodeInternalError, "internal server error")
	ErrDatabaseError = NewError(CodeDatabaseError, "database error")
	ErrRedisError    = NewError(CodeRedisError, "redis error")
)

// IsAppError check if it's an application error anywhere in the chain
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ResponseCode) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Code == code
}

// GetErrorCode get error code
func GetErrorCode(err error) ResponseCode {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternalError
}

// GetErrorMessage get error message
func GetErrorMessage(err error) string {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}
