package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	internalutils "coupon/internal/utils"
	"coupon/pkg/utils"
)

const (
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "

	// context keys
	SubjectKey  = "subject"
	UserRoleKey = "user_role"
)

// UserInfo is what a validated token says about the caller
type UserInfo struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// TokenValidator resolves a bearer token
type TokenValidator func(token string) (*UserInfo, error)

// AuthConfig auth middleware configuration
type AuthConfig struct {
	TokenValidator TokenValidator
	// RequiredRole rejects valid tokens of any other role with FORBIDDEN
	RequiredRole string
}

// JWTValidator validates tokens signed by m
func JWTValidator(m *internalutils.JWTManager) TokenValidator {
	return func(token string) (*UserInfo, error) {
		claims, err := m.ValidateToken(token)
		if err != nil {
			return nil, err
		}
		return &UserInfo{Subject: claims.Subject, Role: claims.Role}, nil
	}
}

// AuthWithConfig authenticates bearer tokens
func AuthWithConfig(config AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthorizationHeader)
		if authHeader == "" {
			utils.Error(c, utils.CodeUnauthorized, "Missing authorization header")
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			utils.Error(c, utils.CodeUnauthorized, "Invalid authorization header format")
			return
		}

		token := strings.TrimPrefix(authHeader, BearerPrefix)
		if token == "" {
			utils.Error(c, utils.CodeUnauthorized, "Missing token")
			return
		}

		userInfo, err := config.TokenValidator(token)
		if err != nil {
			utils.Error(c, utils.CodeUnauthorized, "Invalid token")
			return
		}

		if config.RequiredRole != "" && userInfo.Role != config.RequiredRole {
			utils.Error(c, utils.CodeForbidden, "Insufficient permissions")
			return
		}

		c.Set(SubjectKey, userInfo.Subject)
		c.Set(UserRoleKey, userInfo.Role)
		c.Next()
	}
}

// RequireRole authenticates and requires role
func RequireRole(validator TokenValidator, role string) gin.HandlerFunc {
	return AuthWithConfig(AuthConfig{
		TokenValidator: validator,
		RequiredRole:   role,
	})
}

// AdminAuth guards catalog writes
func AdminAuth(m *internalutils.JWTManager) gin.HandlerFunc {
	return RequireRole(JWTValidator(m), internalutils.RoleAdmin)
}

// GetSubject returns the authenticated subject
func GetSubject(c *gin.Context) (string, bool) {
	v, ok := c.Get(SubjectKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
