package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mailsync/internal/auth"
)

// context中的键
const (
	ClaimsKey  = "claims"
	SubjectKey = "subject"
	RoleKey    = "role"
)

// TokenValidator 验证token
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.JWTClaims, error)
}

// AuthRequired 认证中间件。allowQuery为true时也接受?token=，供EventSource使用
func AuthRequired(validator TokenValidator, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.ExtractTokenFromHeader(c.GetHeader("Authorization"))
		if token == "" && allowQuery {
			token = c.Query("token")
		}
		if token == "" {
			HandleUnauthorizedError(c, "Authorization header is required")
			return
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
			}).WithError(err).Debug("Token validation failed")
			HandleUnauthorizedError(c, "Invalid or expired token")
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(SubjectKey, claims.Subject)
		c.Set(RoleKey, claims.Role)
		c.Next()
	}
}

// RoleRequired 角色权限中间件
func RoleRequired(requiredRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(RoleKey)
		if role == "" {
			HandleUnauthorizedError(c, "User role not found")
			return
		}

		for _, requiredRole := range requiredRoles {
			if role == requiredRole {
				c.Next()
				return
			}
		}
		HandleForbiddenError(c, "Insufficient permissions")
	}
}

// AdminRequired 管理员权限中间件
func AdminRequired() gin.HandlerFunc {
	return RoleRequired(auth.RoleAdmin)
}

// GetClaims 从context中获取token声明
func GetClaims(c *gin.Context) (*auth.JWTClaims, bool) {
	v, exists := c.Get(ClaimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*auth.JWTClaims)
	return claims, ok
}
