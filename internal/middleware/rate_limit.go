package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"coupon/pkg/limiter"
	"coupon/pkg/log"
	"coupon/pkg/utils"
)

// IssueRateLimitPrefix namespaces the per-user issue windows in Redis
const IssueRateLimitPrefix = "rate_limit:issue"

// maxPeekBody bounds how much of a body is read to find the user id
const maxPeekBody = 64 << 10

// RateLimitConfig rate limiting middleware configuration
type RateLimitConfig struct {
	Limiter limiter.RateLimiter
	// KeyFunc identifies the caller
	KeyFunc func(c *gin.Context) string
	Message string
}

// RateLimitWithConfig rejects callers whose limiter denies them. A limiter
// error lets the request through.
func RateLimitWithConfig(config RateLimitConfig) gin.HandlerFunc {
	if config.Message == "" {
		config.Message = "Too many requests"
	}

	return func(c *gin.Context) {
		key := config.KeyFunc(c)

		allowed, err := config.Limiter.Allow(c.Request.Context(), key)
		if err != nil {
			log.WithFields(map[string]interface{}{
				"key":   key,
				"path":  c.Request.URL.Path,
				"error": err.Error(),
			}).Warn("Rate limiter unavailable, allowing request")
			c.Next()
			return
		}

		if !allowed {
			log.WithFields(map[string]interface{}{
				"key":    key,
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
				"ip":     c.ClientIP(),
			}).Warn("Rate limit exceeded")

			c.Header("Retry-After", "1")
			utils.Error(c, utils.CodeRateLimit, config.Message)
			return
		}

		c.Next()
	}
}

// IPRateLimit keeps an in-process token bucket per client IP
func IPRateLimit(rps float64, burst int) gin.HandlerFunc {
	return RateLimitWithConfig(RateLimitConfig{
		Limiter: limiter.NewKeyedTokenBucket(rps, burst),
		KeyFunc: func(c *gin.Context) string {
			return c.ClientIP()
		},
	})
}

// IssueRateLimit limits issue calls per user id taken from the JSON body,
// falling back to the client IP.
func IssueRateLimit(l limiter.RateLimiter) gin.HandlerFunc {
	return RateLimitWithConfig(RateLimitConfig{
		Limiter: l,
		KeyFunc: issueKey,
		Message: "Too many issue requests, please try again later",
	})
}

func issueKey(c *gin.Context) string {
	if userID, ok := peekUserID(c); ok {
		return strconv.FormatUint(userID, 10)
	}
	return "ip:" + c.ClientIP()
}

// peekUserID reads userId from the body and restores the body for binding
func peekUserID(c *gin.Context) (uint64, bool) {
	if c.Request.Body == nil {
		return 0, false
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPeekBody))
	if err != nil {
		return 0, false
	}
	c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), c.Request.Body))

	var body struct {
		UserID uint64 `json:"userId"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.UserID == 0 {
		return 0, false
	}
	return body.UserID, true
}
