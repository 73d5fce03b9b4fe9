package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS allows the listed origins; none or "*" allows all
func CORS(allowOrigins []string, allowCredentials bool, maxAge time.Duration) gin.HandlerFunc {
	config := cors.DefaultConfig()

	allowAll := len(allowOrigins) == 0
	for _, o := range allowOrigins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowOrigins
	}

	config.AllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Authorization",
		"X-Requested-With",
		"Accept",
	}
	config.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	config.AllowCredentials = allowCredentials
	if maxAge > 0 {
		config.MaxAge = maxAge
	}

	return cors.New(config)
}
