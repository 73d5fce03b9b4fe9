package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"coupon/pkg/utils"
)

// Timeout bounds the request context. Handlers stop at the deadline through
// their context; if nothing was written by then a 408 is returned.
func Timeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Writer.Written() {
			utils.ErrorResponse(c, http.StatusRequestTimeout, "Request timeout")
			c.Abort()
		}
	}
}
