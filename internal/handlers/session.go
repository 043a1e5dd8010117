package handlers

import (
	"packplanner/internal/middleware"

	"github.com/gin-gonic/gin"
)

// GetUserIDFromSession retrieves the current user ID. RequireAuth stores it in
// the gin context; without the middleware the session cookie is read directly.
// Returns (0, false) if not authenticated or if the stored value is invalid.
func GetUserIDFromSession(c *gin.Context) (int, bool) {
	if v, exists := c.Get(middleware.UserIDKey); exists {
		id, ok := v.(int)
		return id, ok && id > 0
	}
	return middleware.SessionUserID(c)
}
