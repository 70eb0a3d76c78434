package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/chat-resilience/internal/middleware"
	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError is the error body. Server-side failures only ever carry the fixed
// message for their category.
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get(middleware.RequestIDKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, data)
}

// CreatedResponse sends a 201 Created response
func CreatedResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusCreated, data)
}

// AcceptedResponse sends a 202 Accepted response, used for writes queued
// while offline
func AcceptedResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusAccepted, data)
}

// StatusFor maps an error onto its HTTP status
func StatusFor(err error) int {
	appErr, ok := errors.As(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch appErr.Type {
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case errors.ErrorTypeAuthorization:
		return http.StatusForbidden
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeConflict:
		return http.StatusConflict
	case errors.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrorTypeAI, errors.ErrorTypeExternal, errors.ErrorTypeNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponseFromError sends an error response based on the error type.
// 5xx responses are rebuilt from the category table so no raw error text
// leaves the process.
func ErrorResponseFromError(c *gin.Context, err error, locale string) {
	status := StatusFor(err)

	var apiError *APIError
	appErr, ok := errors.As(err)
	if ok && status < http.StatusInternalServerError {
		apiError = &APIError{Code: appErr.Code, Message: appErr.Message}
		if len(appErr.Details) > 0 {
			apiError.Details = appErr.Details
		}
	} else {
		category := errors.CategoryOf(err)
		apiError = &APIError{
			Code:    errors.CodeFor(category),
			Message: errors.UserMessage(category, locale),
		}
	}

	c.JSON(status, APIResponse{
		Success:   false,
		Error:     apiError,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success:   false,
		Error:     &APIError{Code: errors.CodeValidation, Message: message},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, APIResponse{
		Success:   false,
		Error:     &APIError{Code: "NOT_FOUND", Message: message},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
