// internal/middleware/auth.go
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/affiliate-backend/internal/models"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			utils.UnauthorizedResponse(c, "Authentication required")
			c.Abort()
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			utils.UnauthorizedResponse(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := utils.ValidateJWT(parts[1])
		if err != nil {
			utils.UnauthorizedResponse(c, "Invalid or expired token")
			c.Abort()
			return
		}

		// Set user info in context
		c.Set("user_id", claims.UserID)
		c.Set("user_type", claims.UserType)
		c.Next()
	}
}

// RequireUserType admits only the listed roles. Admins are always admitted.
func RequireUserType(types ...models.UserType) gin.HandlerFunc {
	return func(c *gin.Context) {
		userType, _ := utils.GetUserTypeFromContext(c)
		if userType == string(models.UserTypeAdmin) {
			c.Next()
			return
		}
		for _, t := range types {
			if userType == string(t) {
				c.Next()
				return
			}
		}
		utils.ForbiddenResponse(c, "")
		c.Abort()
	}
}

func AdminRequired() gin.HandlerFunc {
	return RequireUserType()
}

// SelfOrAdmin lets an affiliate reach only routes naming their own id in
// the given path parameter.
func SelfOrAdmin(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAdmin(c) {
			c.Next()
			return
		}
		userID, _ := utils.GetUserIDFromContext(c)
		if userID == "" || !strings.EqualFold(userID, c.Param(param)) {
			utils.ForbiddenResponse(c, "")
			c.Abort()
			return
		}
		c.Next()
	}
}

func IsAdmin(c *gin.Context) bool {
	userType, _ := utils.GetUserTypeFromContext(c)
	return userType == string(models.UserTypeAdmin)
}
