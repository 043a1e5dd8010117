package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"packplanner/internal/middleware"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSessionTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	store := cookie.NewStore([]byte("test-secret"))
	r.Use(sessions.Sessions("test-session", store))
	return r
}

func checkSessionUser(t *testing.T, stored interface{}) (bool, float64) {
	t.Helper()
	router := setupSessionTestRouter()
	router.GET("/check", func(c *gin.Context) {
		if stored != nil {
			session := sessions.Default(c)
			session.Set(middleware.UserIDKey, stored)
			_ = session.Save()
		}
		id, ok := GetUserIDFromSession(c)
		c.JSON(http.StatusOK, gin.H{"ok": ok, "id": id})
	})

	req, _ := http.NewRequest("GET", "/check", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp["ok"].(bool), resp["id"].(float64)
}

func TestGetUserIDFromSession(t *testing.T) {
	tests := []struct {
		name   string
		stored interface{}
		wantOK bool
		wantID float64
	}{
		{"no user", nil, false, 0},
		{"int", 42, true, 42},
		{"int64", int64(9), true, 9},
		{"float from json session", float64(7), true, 7},
		{"zero is not a user", 0, false, 0},
		{"string is rejected", "42", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, id := checkSessionUser(t, tt.stored)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestGetUserIDFromSession_PrefersAuthContext(t *testing.T) {
	router := setupSessionTestRouter()
	router.GET("/check", func(c *gin.Context) {
		c.Set(middleware.UserIDKey, 5)
		id, ok := GetUserIDFromSession(c)
		c.JSON(http.StatusOK, gin.H{"ok": ok, "id": id})
	})

	req, _ := http.NewRequest("GET", "/check", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, float64(5), resp["id"])
}
