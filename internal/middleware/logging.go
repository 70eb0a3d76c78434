package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/chat-resilience/internal/errorlog"
	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
)

// RequestIDKey is the gin context key holding the request id
const RequestIDKey = "request_id"

// LoggingMiddleware creates a middleware for request logging with correlation
// IDs. The request context carries the correlation, request, user and
// endpoint values the error log reads back.
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	logger = logging.OrGlobal(logger)

	return func(c *gin.Context) {
		start := time.Now()

		// Generate correlation ID if not present
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
		}

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = logging.NewCorrelationID()
		}

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		ctx = logging.WithRequestID(ctx, requestID)
		ctx = logging.WithEndpoint(ctx, c.Request.Method+" "+endpoint)

		// The chat client identifies its user with a header
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			ctx = logging.WithUserID(ctx, userID)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Set(RequestIDKey, requestID)

		c.Header("X-Correlation-ID", correlationID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		logger.LogRequest(
			ctx,
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// ErrorLoggingMiddleware logs errors with context
func ErrorLoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	logger = logging.OrGlobal(logger)

	return func(c *gin.Context) {
		c.Next()

		for _, err := range c.Errors {
			logger.LogError(
				c.Request.Context(),
				err.Err,
				"Request processing error",
				logging.Fields{
					"error_type": err.Type,
					"meta":       err.Meta,
				},
			)
		}
	}
}

// RecoveryMiddleware recovers from panics, records them as critical system
// errors and answers with the sanitized system error response
func RecoveryMiddleware(logger *logging.Logger, handler *errorlog.Handler) gin.HandlerFunc {
	logger = logging.OrGlobal(logger)

	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		ctx := c.Request.Context()
		err := fmt.Errorf("panic: %v", recovered)
		logger.LogError(ctx, err, "Request panic recovered", nil)

		ectx := errorlog.ContextFrom(ctx)
		if handler == nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		handler.CreateError(err, ectx, errors.SeverityCritical, errors.CategorySystem, map[string]interface{}{
			"source": "panic",
		})
		c.AbortWithStatusJSON(http.StatusInternalServerError, handler.Response(errors.CategorySystem, ectx.RequestID))
	})
}
