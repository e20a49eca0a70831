package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	permissionsKey = "permissions"
	usernameKey    = "username"
	roleKey        = "role"
)

// AuthMiddleware validates bearer tokens and stores the caller's
// permissions in the gin context.
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Set(permissionsKey, roleToPermissions("admin"))
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("UNAUTHORIZED", "missing authorization header", nil))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("UNAUTHORIZED", "invalid authorization header format", nil))
			return
		}

		claims, perms, err := a.ValidateToken(c.Request.Context(), parts[1])
		if err != nil {
			a.logger.Debug("Token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("UNAUTHORIZED", "invalid or expired token", nil))
			return
		}

		c.Set(permissionsKey, perms)
		c.Set(usernameKey, claims.Username)
		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

// RequirePermission checks if user has required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get(permissionsKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("FORBIDDEN", "no permissions found", nil))
			return
		}

		permissions, _ := perms.([]Permission)
		if !HasPermission(permissions, required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("FORBIDDEN", "insufficient permissions", gin.H{"required": string(required)}))
			return
		}

		c.Next()
	}
}

// Username returns the authenticated caller, empty when auth is disabled.
func Username(c *gin.Context) string {
	return c.GetString(usernameKey)
}
