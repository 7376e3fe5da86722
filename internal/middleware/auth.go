package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/roluatm/kiosk/internal/utils"
)

// 上下文键
const (
	ctxOperator = "operator"
	ctxRole     = "role"
	ctxKioskID  = "kioskID"
)

// TokenValidator 令牌校验
type TokenValidator interface {
	ValidateToken(tokenString string) (*utils.JWTClaims, error)
}

// AuthMiddleware 运维接口JWT认证中间件
type AuthMiddleware struct {
	validator TokenValidator
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
	}
}

// RequireRole 需要运维令牌且角色匹配；未配置密钥时拒绝所有请求
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.validator == nil {
			abort(c, http.StatusServiceUnavailable, "AUTH_DISABLED", "管理接口未启用")
			return
		}

		token := m.extractToken(c)
		if token == "" {
			abort(c, http.StatusUnauthorized, "NO_TOKEN", "缺少认证令牌")
			return
		}

		claims, err := m.validator.ValidateToken(token)
		if err != nil {
			code := "INVALID_TOKEN"
			if err == utils.ErrExpiredToken {
				code = "TOKEN_EXPIRED"
			}
			abort(c, http.StatusUnauthorized, code, "无效的令牌")
			return
		}

		if claims.TokenType != utils.TokenTypeOperator {
			abort(c, http.StatusForbidden, "INSUFFICIENT_PERMISSION", "权限不足")
			return
		}

		hasRole := len(roles) == 0
		for _, role := range roles {
			if claims.Role == role {
				hasRole = true
				break
			}
		}
		if !hasRole {
			abort(c, http.StatusForbidden, "INSUFFICIENT_PERMISSION", "权限不足")
			return
		}

		c.Set(ctxOperator, claims.Operator)
		c.Set(ctxRole, claims.Role)
		c.Set(ctxKioskID, claims.KioskID)

		c.Next()
	}
}

// extractToken 从请求中提取令牌
func (m *AuthMiddleware) extractToken(c *gin.Context) string {
	// 1. Authorization: Bearer
	bearerToken := c.GetHeader("Authorization")
	if bearerToken != "" {
		parts := strings.Split(bearerToken, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
	}

	// 2. X-Access-Token
	if token := c.GetHeader("X-Access-Token"); token != "" {
		return token
	}

	return ""
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"code":    code,
		"message": message,
	})
}

// GetOperator 从上下文获取运维人员
func GetOperator(c *gin.Context) (string, bool) {
	if v, exists := c.Get(ctxOperator); exists {
		if name, ok := v.(string); ok {
			return name, true
		}
	}
	return "", false
}

// GetRole 从上下文获取角色
func GetRole(c *gin.Context) (string, bool) {
	if v, exists := c.Get(ctxRole); exists {
		if r, ok := v.(string); ok {
			return r, true
		}
	}
	return "", false
}
