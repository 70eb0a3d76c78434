package api

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/chat-resilience/internal/errorlog"
	"github.com/NikhilSetiya/chat-resilience/internal/facade"
	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
)

// ListErrors returns error records, newest first. Supports severity,
// category, since (RFC3339) and limit query parameters.
func (s *Server) ListErrors(c *gin.Context) {
	var filter errorlog.Filter

	if v := c.Query("severity"); v != "" {
		severity := errors.Severity(v)
		if severity.Rank() == 0 {
			BadRequestResponse(c, "unknown severity: "+v)
			return
		}
		filter.Severity = severity
	}
	if v := c.Query("category"); v != "" {
		category := errors.Category(v)
		if !category.Valid() {
			BadRequestResponse(c, "unknown category: "+v)
			return
		}
		filter.Category = category
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			BadRequestResponse(c, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = since
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			BadRequestResponse(c, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	records := s.deps.Errors.Query(filter)
	if records == nil {
		records = []errorlog.Record{}
	}
	SuccessResponse(c, records)
}

// ErrorStats returns the error log summary
func (s *Server) ErrorStats(c *gin.Context) {
	SuccessResponse(c, s.deps.Errors.Stats())
}

// ClearErrors empties the error log
func (s *Server) ClearErrors(c *gin.Context) {
	s.deps.Errors.Clear()
	s.logger.Info("Error log cleared", "request_id", requestID(c))
	SuccessResponse(c, map[string]string{"status": "cleared"})
}

// ListAlerts returns open alerts, or every alert with include_resolved=true
func (s *Server) ListAlerts(c *gin.Context) {
	includeResolved, _ := strconv.ParseBool(c.Query("include_resolved"))
	SuccessResponse(c, s.deps.Alerts.Alerts(includeResolved))
}

// CheckAlerts evaluates the error log now and returns the new alerts
func (s *Server) CheckAlerts(c *gin.Context) {
	var raised interface{}
	if s.deps.Checker != nil {
		raised = s.deps.Checker.Check(c.Request.Context())
	} else {
		raised = s.deps.Alerts.CheckForAlerts(c.Request.Context(), s.deps.Errors.Stats())
	}
	SuccessResponse(c, raised)
}

// GetAlert returns one alert
func (s *Server) GetAlert(c *gin.Context) {
	alert, ok := s.deps.Alerts.GetAlert(c.Param("id"))
	if !ok {
		NotFoundResponse(c, "alert not found")
		return
	}
	SuccessResponse(c, alert)
}

// ResolveAlert marks an open alert resolved
func (s *Server) ResolveAlert(c *gin.Context) {
	alert, err := s.deps.Alerts.ResolveAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	SuccessResponse(c, alert)
}

// OfflineStats returns the offline cache and queue summary
func (s *Server) OfflineStats(c *gin.Context) {
	SuccessResponse(c, s.deps.Offline.Stats())
}

// PendingOperations returns the queued sync operations in replay order
func (s *Server) PendingOperations(c *gin.Context) {
	SuccessResponse(c, s.deps.Offline.PendingOperations())
}

// SyncNow drains the sync queue once. The drain outlives a client that
// disconnects mid-request.
func (s *Server) SyncNow(c *gin.Context) {
	result, err := s.deps.Offline.Sync(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		s.fail(c, err)
		return
	}
	SuccessResponse(c, result)
}

type connectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

// SetConnectivity records a manual connectivity signal
func (s *Server) SetConnectivity(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "body must be {\"online\": true|false}")
		return
	}

	s.deps.Connectivity.SetOnline(*req.Online)
	SuccessResponse(c, map[string]bool{"online": s.deps.Connectivity.Online()})
}

// RetryState returns the current retry feedback
func (s *Server) RetryState(c *gin.Context) {
	state := facade.RetryState{}
	if s.deps.Facade != nil {
		state = s.deps.Facade.RetryState()
	}
	SuccessResponse(c, state)
}
