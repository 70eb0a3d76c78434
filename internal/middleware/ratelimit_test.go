package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/chat-resilience/internal/errorlog"
	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
)

func newLimitedRouter(limiter *RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(LoggingMiddleware(logging.NewNop()))
	router.Use(limiter.Middleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func get(t *testing.T, router *gin.Engine, userID string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_RejectsAfterBurst(t *testing.T) {
	handler := errorlog.NewHandler(errorlog.Config{Logger: logging.NewNop()})
	limiter := NewRateLimiter(RateLimitConfig{PerMinute: 1, Burst: 2, Logger: logging.NewNop()}, handler)
	router := newLimitedRouter(limiter)

	assert.Equal(t, http.StatusOK, get(t, router, "user-1").Code)
	assert.Equal(t, http.StatusOK, get(t, router, "user-1").Code)

	w := get(t, router, "user-1")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body errorlog.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, errors.CodeRateLimit, body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)

	stats := handler.Stats()
	assert.Equal(t, 1, stats.ByCategory[errors.CategoryRateLimit])

	// Other clients keep their own budget
	assert.Equal(t, http.StatusOK, get(t, router, "user-2").Code)
}

func TestRateLimiter_DisabledAndWhitelisted(t *testing.T) {
	disabled := newLimitedRouter(NewRateLimiter(RateLimitConfig{}, nil))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(t, disabled, "user-1").Code)
	}

	// httptest requests come from 192.0.2.1
	whitelisted := newLimitedRouter(NewRateLimiter(RateLimitConfig{
		PerMinute:      1,
		Burst:          1,
		WhitelistedIPs: []string{"192.0.2.1"},
	}, nil))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(t, whitelisted, "").Code)
	}
}

func TestRateLimiter_WithoutHandlerStillRejects(t *testing.T) {
	router := newLimitedRouter(NewRateLimiter(RateLimitConfig{PerMinute: 1, Burst: 1}, nil))

	assert.Equal(t, http.StatusOK, get(t, router, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, router, "").Code)
}
