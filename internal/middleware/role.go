package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/atlas-academy/backend/pkg/response"
)

// RequireRole allows only the listed roles past. Must run after JWT.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		v, ok := c.Get(ctxRole)
		role, _ := v.(string)
		if !ok || !allowed[role] {
			response.Forbidden(c, "insufficient role")
			c.Abort()
			return
		}
		c.Next()
	}
}
