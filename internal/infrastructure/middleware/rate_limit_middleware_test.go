package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"groupcall/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(router *gin.Engine, path, remote string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	router.ServeHTTP(w, req)
	return w.Code
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(router, "/test", "10.0.0.1:1000"))
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimitedPerIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(router, "/test", "10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "/test", "10.0.0.1:1001"))
	assert.Equal(t, http.StatusOK, serve(router, "/test", "10.0.0.2:1000"))
}

func TestWebSocketAdmissionMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 2
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	router := gin.New()
	router.Use(NewWebSocketAdmissionMiddleware(cfg))
	router.GET("/ws", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(router, "/ws", "10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, serve(router, "/ws", "10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "/ws", "10.0.0.1:1000"))
}

func TestWebSocketAdmissionMiddleware_MaxConcurrent(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MaxConcurrent = 1

	release := make(chan struct{})
	entered := make(chan struct{})
	router := gin.New()
	router.Use(NewWebSocketAdmissionMiddleware(cfg))
	router.GET("/ws", func(c *gin.Context) {
		close(entered)
		<-release
		c.Status(http.StatusOK)
	})
	router.GET("/quick", func(c *gin.Context) { c.Status(http.StatusOK) })

	done := make(chan int)
	go func() { done <- serve(router, "/ws", "10.0.0.1:1000") }()
	<-entered

	assert.Equal(t, http.StatusServiceUnavailable, serve(router, "/quick", "10.0.0.2:1000"))
	close(release)
	assert.Equal(t, http.StatusOK, <-done)
	assert.Equal(t, http.StatusOK, serve(router, "/quick", "10.0.0.2:1000"))
}

func TestClientIP(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "192.0.2.1", clientIP(req))
}
