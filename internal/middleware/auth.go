// Package middleware provides the authentication middleware for the Gin web framework.
package middleware

import (
	"net/http"

	contextutils "packplanner/internal/utils"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// Session keys written by the external auth layer
const (
	// UserIDKey is the key used to store user ID in session
	UserIDKey = "user_id"
	// UsernameKey is the key used to store username in session
	UsernameKey = "username"
)

// SessionUserID reads the authenticated user id from the session cookie
func SessionUserID(c *gin.Context) (int, bool) {
	session := sessions.Default(c)
	switch v := session.Get(UserIDKey).(type) {
	case int:
		return v, v > 0
	case int64:
		return int(v), v > 0
	case float64:
		// JSON-encoded sessions store numbers as float64
		return int(v), v > 0
	}
	return 0, false
}

// RequireAuth returns a middleware that requires an authenticated session.
// The user id is stored in the gin context and in the request context.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := SessionUserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
				"code":  string(contextutils.ErrorCodeUnauthorized),
			})
			c.Abort()
			return
		}

		c.Set(UserIDKey, userID)
		if username, ok := sessions.Default(c).Get(UsernameKey).(string); ok && username != "" {
			c.Set(UsernameKey, username)
		}
		c.Request = c.Request.WithContext(contextutils.WithUserID(c.Request.Context(), userID))

		c.Next()
	}
}
