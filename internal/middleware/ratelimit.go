package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/NikhilSetiya/chat-resilience/internal/errorlog"
	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
)

// RateLimitConfig holds the per-client request limits
type RateLimitConfig struct {
	// PerMinute is the sustained request rate per client
	PerMinute int
	// Burst is how many requests a client may send at once
	Burst int
	// WhitelistedIPs bypass the limiter
	WhitelistedIPs []string

	// RedisClient shares the counters between instances; nil keeps them local
	RedisClient *redis.Client
	KeyPrefix   string

	Logger *logging.Logger
}

// RateLimiter enforces RateLimitConfig and records rejected requests as
// rate_limit errors
type RateLimiter struct {
	config  RateLimitConfig
	handler *errorlog.Handler
	logger  *logging.Logger
	local   sync.Map // client key -> *rate.Limiter
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter. handler may be nil.
func NewRateLimiter(config RateLimitConfig, handler *errorlog.Handler) *RateLimiter {
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "chat:ratelimit:"
	}
	return &RateLimiter{
		config:  config,
		handler: handler,
		logger:  logging.OrGlobal(config.Logger),
		now:     time.Now,
	}
}

// Middleware returns the gin handler. A zero PerMinute disables limiting.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.config.PerMinute <= 0 || rl.isWhitelisted(c.ClientIP()) {
			c.Next()
			return
		}

		key := clientKey(c)
		allowed, retryAfter, err := rl.allow(c.Request.Context(), key)
		if err != nil {
			// Counter store failures never block traffic
			rl.logger.Warn("Rate limit check failed", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.PerMinute))
		if allowed {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		requestID := logging.GetRequestID(ctx)
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))

		if rl.handler == nil {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false})
			return
		}
		rl.handler.CreateError(
			errors.NewRateLimitError(fmt.Sprintf("rate limit exceeded for %s", key)),
			errorlog.ContextFrom(ctx),
			errors.SeverityLow,
			errors.CategoryRateLimit,
			map[string]interface{}{"client": key},
		)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, rl.handler.Response(errors.CategoryRateLimit, requestID))
	}
}

func (rl *RateLimiter) allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if rl.config.RedisClient != nil {
		return rl.allowRedis(ctx, key)
	}
	return rl.allowLocal(key)
}

// allowRedis counts requests in fixed one minute windows
func (rl *RateLimiter) allowRedis(ctx context.Context, key string) (bool, time.Duration, error) {
	now := rl.now()
	windowStart := now.Truncate(time.Minute)
	resetTime := windowStart.Add(time.Minute)
	fullKey := fmt.Sprintf("%s%s:%d", rl.config.KeyPrefix, key, windowStart.Unix())

	pipe := rl.config.RedisClient.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireAt(ctx, fullKey, resetTime)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, errors.NewInternalError("rate limit pipeline failed").WithCause(err)
	}

	limit := int64(rl.config.PerMinute + rl.config.Burst)
	return incr.Val() <= limit, resetTime.Sub(now), nil
}

func (rl *RateLimiter) allowLocal(key string) (bool, time.Duration, error) {
	value, _ := rl.local.LoadOrStore(key, rate.NewLimiter(rate.Limit(float64(rl.config.PerMinute)/60), rl.config.Burst))
	limiter := value.(*rate.Limiter)

	now := rl.now()
	reservation := limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

func (rl *RateLimiter) isWhitelisted(ip string) bool {
	for _, allowed := range rl.config.WhitelistedIPs {
		if ip == allowed {
			return true
		}
	}
	return false
}

// clientKey prefers the caller's user id over its address
func clientKey(c *gin.Context) string {
	if userID := logging.GetUserID(c.Request.Context()); userID != "" {
		return "user:" + userID
	}
	return "ip:" + c.ClientIP()
}
