package errorlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
	"github.com/NikhilSetiya/chat-resilience/pkg/metrics"
)

// Context identifies where an error happened
type Context struct {
	UserID    string `json:"userId,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// ContextFrom builds an error context from the request-scoped values in ctx
func ContextFrom(ctx context.Context) Context {
	return Context{
		UserID:    logging.GetUserID(ctx),
		Endpoint:  logging.GetEndpoint(ctx),
		RequestID: logging.GetRequestID(ctx),
	}
}

// ErrorInfo is the raw error as captured. It never leaves the process in a
// user-facing response.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Record is an immutable structured error record
type Record struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Error     ErrorInfo              `json:"error"`
	Context   Context                `json:"context"`
	Severity  errors.Severity        `json:"severity"`
	Category  errors.Category        `json:"category"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ResponseError is the body of a failed response
type ResponseError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

// ErrorResponse is the user-safe shape returned to callers
type ErrorResponse struct {
	Success bool          `json:"success"`
	Error   ResponseError `json:"error"`
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	Severity errors.Severity
	Category errors.Category
	Since    time.Time
	Limit    int
}

// Stats aggregates the retained records
type Stats struct {
	Total      int                     `json:"total"`
	BySeverity map[errors.Severity]int `json:"bySeverity"`
	ByCategory map[errors.Category]int `json:"byCategory"`
	LastHour   int                     `json:"lastHour"`
	Records    []Record                `json:"-"`
}

// Config holds error handler configuration
type Config struct {
	MaxRecords int
	Retention  time.Duration
	Locale     string

	Logger  *logging.Logger
	Metrics *metrics.Metrics

	now func() time.Time
}

// DefaultConfig returns the default error handler configuration
func DefaultConfig() Config {
	return Config{
		MaxRecords: 1000,
		Retention:  24 * time.Hour,
		Locale:     errors.DefaultLocale,
	}
}

// Handler creates, stores and summarizes structured error records
type Handler struct {
	config Config
	logger *logging.Logger

	mu      sync.Mutex
	records []Record
}

// NewHandler creates an error handler
func NewHandler(config Config) *Handler {
	defaults := DefaultConfig()
	if config.MaxRecords <= 0 {
		config.MaxRecords = defaults.MaxRecords
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.Locale == "" {
		config.Locale = defaults.Locale
	}
	if config.now == nil {
		config.now = time.Now
	}

	return &Handler{
		config: config,
		logger: logging.OrGlobal(config.Logger),
	}
}

// Locale returns the locale used for user messages
func (h *Handler) Locale() string {
	return h.config.Locale
}

// CreateError records err and returns the new record. An empty severity
// means medium and an empty category means system_error.
func (h *Handler) CreateError(err error, ectx Context, severity errors.Severity, category errors.Category, metadata map[string]interface{}) Record {
	if severity == "" {
		severity = errors.SeverityMedium
	}
	if category == "" {
		category = errors.CategorySystem
	}

	info := ErrorInfo{Code: errors.CodeFor(category)}
	if err != nil {
		info.Message = err.Error()
		if appErr, ok := errors.As(err); ok {
			info.Code = appErr.Code
		}
	}

	record := Record{
		ID:        uuid.New().String(),
		Timestamp: h.config.now(),
		Error:     info,
		Context:   ectx,
		Severity:  severity,
		Category:  category,
		Metadata:  copyMetadata(metadata),
	}

	h.mu.Lock()
	h.records = append(h.records, record)
	h.purgeLocked(record.Timestamp)
	h.mu.Unlock()

	h.log(record)
	h.config.Metrics.RecordErrorRecord(string(severity), string(category))

	return record
}

// CreateErrorResponse records err and renders the user-safe response for its
// category. The raw error text is kept only in the record.
func (h *Handler) CreateErrorResponse(err error, ectx Context, category errors.Category) ErrorResponse {
	if ectx.RequestID == "" {
		ectx.RequestID = uuid.New().String()
	}
	h.CreateError(err, ectx, errors.SeverityMedium, category, nil)
	return h.Response(category, ectx.RequestID)
}

// Response renders the user-safe response for a category without recording
func (h *Handler) Response(category errors.Category, requestID string) ErrorResponse {
	return ErrorResponse{
		Success: false,
		Error: ResponseError{
			Code:      errors.CodeFor(category),
			Message:   errors.UserMessage(category, h.config.Locale),
			RequestID: requestID,
		},
	}
}

// RecordFailure records a terminal failure reported by a fallback executor.
// Failures in the critical profile are high severity.
func (h *Handler) RecordFailure(ctx context.Context, err error, profile string) {
	severity := errors.SeverityMedium
	if profile == "critical" {
		severity = errors.SeverityHigh
	}

	category := errors.CategoryOf(err)
	if category == errors.CategorySystem && profile == "ai" {
		category = errors.CategoryAI
	}

	h.CreateError(err, ContextFrom(ctx), severity, category, map[string]interface{}{
		"profile": profile,
		"source":  "fallback_executor",
	})
}

// Query returns matching records, newest first
func (h *Handler) Query(filter Filter) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.purgeLocked(h.config.now())

	var out []Record
	for i := len(h.records) - 1; i >= 0; i-- {
		r := h.records[i]
		if filter.Severity != "" && r.Severity != filter.Severity {
			continue
		}
		if filter.Category != "" && r.Category != filter.Category {
			continue
		}
		if !filter.Since.IsZero() && r.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// Stats summarizes the retained records
func (h *Handler) Stats() Stats {
	now := h.config.now()

	h.mu.Lock()
	h.purgeLocked(now)
	records := make([]Record, len(h.records))
	copy(records, h.records)
	h.mu.Unlock()

	stats := Stats{
		Total:      len(records),
		BySeverity: make(map[errors.Severity]int),
		ByCategory: make(map[errors.Category]int),
		Records:    records,
	}
	hourAgo := now.Add(-time.Hour)
	for _, r := range records {
		stats.BySeverity[r.Severity]++
		stats.ByCategory[r.Category]++
		if r.Timestamp.After(hourAgo) {
			stats.LastHour++
		}
	}
	return stats
}

// Clear drops every record
func (h *Handler) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = nil
}

// purgeLocked drops records past retention, then the oldest beyond MaxRecords.
func (h *Handler) purgeLocked(now time.Time) {
	cutoff := now.Add(-h.config.Retention)
	idx := sort.Search(len(h.records), func(i int) bool {
		return !h.records[i].Timestamp.Before(cutoff)
	})
	if over := len(h.records) - idx - h.config.MaxRecords; over > 0 {
		idx += over
	}
	if idx > 0 {
		h.records = append([]Record(nil), h.records[idx:]...)
	}
}

func (h *Handler) log(record Record) {
	entry := h.logger.WithFields(logging.Fields{
		"error_id":   record.ID,
		"severity":   record.Severity,
		"category":   record.Category,
		"error_code": record.Error.Code,
		"error":      record.Error.Message,
		"user_id":    record.Context.UserID,
		"endpoint":   record.Context.Endpoint,
		"request_id": record.Context.RequestID,
	})
	if len(record.Metadata) > 0 {
		entry = entry.WithField("metadata", record.Metadata)
	}

	switch record.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		entry.Error("Error recorded")
	case errors.SeverityMedium:
		entry.Warn("Error recorded")
	default:
		entry.Info("Error recorded")
	}
}

func copyMetadata(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
