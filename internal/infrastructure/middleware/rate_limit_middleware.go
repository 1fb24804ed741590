package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"groupcall/pkg/config"
	apperrors "groupcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore keeps one limiter per key, usually a client IP.
type rateLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burst)
		s.limiters[key] = limiter
	}
	return limiter
}

// clientIP prefers the first X-Forwarded-For hop, then the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func passThrough(c *gin.Context) { c.Next() }

// NewHTTPRateLimitMiddleware applies per-IP request rate limiting to the
// REST API.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled || cfg.RateLimiting.HTTP.RequestsPerSecond <= 0 {
		return passThrough
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	return func(c *gin.Context) {
		if !store.getLimiter(clientIP(c.Request)).Allow() {
			c.Header("Retry-After", "1")
			abortWith(c, apperrors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

// NewWebSocketAdmissionMiddleware limits how often one IP may open
// signaling connections and how many may be open at once.
func NewWebSocketAdmissionMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	var store *rateLimiterStore
	if perMinute := cfg.RateLimiting.WebSocket.ConnectionsPerMinute; perMinute > 0 {
		store = newRateLimiterStore(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}

	var sem chan struct{}
	if limit := cfg.RateLimiting.WebSocket.MaxConcurrent; limit > 0 {
		sem = make(chan struct{}, limit)
	}

	return func(c *gin.Context) {
		if store != nil && !store.getLimiter(clientIP(c.Request)).Allow() {
			abortWith(c, apperrors.NewRateLimitError())
			return
		}
		if sem != nil {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			default:
				abortWith(c, apperrors.NewServiceUnavailableError("too many concurrent connections"))
				return
			}
		}
		c.Next()
	}
}
