package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := services.NewAuthService("middleware-secret", time.Hour)

	router := gin.New()
	router.Use(AuthMiddleware(auth))
	router.GET("/me", func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, id)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/me", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, w).Error)

	w = httptest.NewRecorder()
	req.Header.Set("Authorization", "Bearer not-a-token")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := auth.GenerateToken(domain.Identity{UserID: "alice", DisplayName: "Alice"})
	require.NoError(t, err)
	w = httptest.NewRecorder()
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var id domain.Identity
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &id))
	assert.Equal(t, domain.UserID("alice"), id.UserID)
	assert.Equal(t, "Alice", id.DisplayName)
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()), ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/missing", func(c *gin.Context) { _ = c.Error(domain.ErrRoomNotFound) })
	router.GET("/denied", func(c *gin.Context) { _ = c.Error(domain.ErrNotAllowed) })
	router.GET("/boom", func(c *gin.Context) { _ = c.Error(errors.New("disk on fire")) })
	router.GET("/panic", func(c *gin.Context) { panic("kaboom") })

	cases := []struct {
		path   string
		status int
		code   string
	}{
		{"/missing", http.StatusNotFound, "ROOM_NOT_FOUND"},
		{"/denied", http.StatusForbidden, "FORBIDDEN"},
		{"/boom", http.StatusInternalServerError, "INTERNAL_ERROR"},
		{"/panic", http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, tc.path, nil)
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			body := decodeBody(t, w)
			assert.Equal(t, tc.code, body.Error)
			assert.NotContains(t, body.Message, "disk on fire")
		})
	}
}
