// Package alerting watches the error log for bursts of serious errors and
// notifies the configured channels.
package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/NikhilSetiya/chat-resilience/internal/errorlog"
	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
	"github.com/NikhilSetiya/chat-resilience/pkg/metrics"
)

// AlertType identifies the rule that raised an alert
type AlertType string

const (
	AlertCriticalErrors AlertType = "critical_errors"
	AlertHighErrors     AlertType = "high_errors"
	AlertCategorySpike  AlertType = "category_spike"
)

// Alert is raised when errors cross a threshold within the window
type Alert struct {
	ID          string          `json:"id"`
	Type        AlertType       `json:"type"`
	Severity    errors.Severity `json:"severity"`
	Message     string          `json:"message"`
	TriggeredAt time.Time       `json:"timestamp"`
	ErrorCount  int             `json:"errorCount"`
	Category    errors.Category `json:"category,omitempty"`
	Resolved    bool            `json:"resolved"`
	ResolvedAt  *time.Time      `json:"resolvedAt,omitempty"`
}

// Channel delivers alerts somewhere outside the process
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Config holds alert thresholds and dispatch limits
type Config struct {
	Window            time.Duration
	CriticalThreshold int
	HighThreshold     int
	CategoryThreshold int

	Retention       time.Duration
	PurgeUnresolved bool

	DispatchPerSecond float64
	DispatchBurst     int
	DispatchTimeout   time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics

	now func() time.Time
}

// DefaultConfig returns the default alerting configuration
func DefaultConfig() Config {
	return Config{
		Window:            15 * time.Minute,
		CriticalThreshold: 5,
		HighThreshold:     10,
		CategoryThreshold: 5,
		Retention:         24 * time.Hour,
		DispatchPerSecond: 5,
		DispatchBurst:     10,
		DispatchTimeout:   30 * time.Second,
	}
}

// Engine evaluates error stats, keeps the alert history and dispatches new
// alerts
type Engine struct {
	config  Config
	logger  *logging.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	alerts   []*Alert
	channels []Channel
}

// NewEngine creates an alert engine
func NewEngine(config Config, channels ...Channel) *Engine {
	defaults := DefaultConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.CriticalThreshold <= 0 {
		config.CriticalThreshold = defaults.CriticalThreshold
	}
	if config.HighThreshold <= 0 {
		config.HighThreshold = defaults.HighThreshold
	}
	if config.CategoryThreshold <= 0 {
		config.CategoryThreshold = defaults.CategoryThreshold
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.DispatchPerSecond <= 0 {
		config.DispatchPerSecond = defaults.DispatchPerSecond
	}
	if config.DispatchBurst <= 0 {
		config.DispatchBurst = defaults.DispatchBurst
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = defaults.DispatchTimeout
	}
	if config.now == nil {
		config.now = time.Now
	}

	return &Engine{
		config:   config,
		logger:   logging.OrGlobal(config.Logger),
		limiter:  rate.NewLimiter(rate.Limit(config.DispatchPerSecond), config.DispatchBurst),
		channels: channels,
	}
}

// AddChannel registers another delivery channel
func (e *Engine) AddChannel(channel Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = append(e.channels, channel)
}

// CheckForAlerts evaluates the records inside the window and returns the
// alerts it raised. A rule that already has an unresolved alert inside the
// window raises nothing. New alerts are delivered before it returns.
func (e *Engine) CheckForAlerts(ctx context.Context, stats errorlog.Stats) []Alert {
	now := e.config.now()
	windowStart := now.Add(-e.config.Window)

	var critical, high int
	byCategory := make(map[errors.Category]int)
	worst := make(map[errors.Category]errors.Severity)
	for _, r := range stats.Records {
		if r.Timestamp.Before(windowStart) {
			continue
		}
		switch r.Severity {
		case errors.SeverityCritical:
			critical++
		case errors.SeverityHigh:
			high++
		}
		byCategory[r.Category]++
		if r.Severity.Rank() > worst[r.Category].Rank() {
			worst[r.Category] = r.Severity
		}
	}

	window := e.config.Window.String()
	var candidates []Alert
	if critical >= e.config.CriticalThreshold {
		candidates = append(candidates, Alert{
			Type:       AlertCriticalErrors,
			Severity:   errors.SeverityCritical,
			Message:    fmt.Sprintf("%d critical errors in the last %s", critical, window),
			ErrorCount: critical,
		})
	}
	if high >= e.config.HighThreshold {
		candidates = append(candidates, Alert{
			Type:       AlertHighErrors,
			Severity:   errors.SeverityHigh,
			Message:    fmt.Sprintf("%d high severity errors in the last %s", high, window),
			ErrorCount: high,
		})
	}

	categories := make([]errors.Category, 0, len(byCategory))
	for category := range byCategory {
		categories = append(categories, category)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })
	for _, category := range categories {
		count := byCategory[category]
		if count < e.config.CategoryThreshold {
			continue
		}
		candidates = append(candidates, Alert{
			Type:       AlertCategorySpike,
			Severity:   worst[category],
			Message:    fmt.Sprintf("%d %s errors in the last %s", count, category, window),
			ErrorCount: count,
			Category:   category,
		})
	}

	var raised []Alert
	e.mu.Lock()
	for _, candidate := range candidates {
		if e.hasOpenLocked(candidate.Type, candidate.Category, windowStart) {
			continue
		}
		alert := candidate
		alert.ID = uuid.New().String()
		alert.TriggeredAt = now
		e.alerts = append(e.alerts, &alert)
		raised = append(raised, alert)
	}
	open := e.openCountLocked()
	channels := make([]Channel, len(e.channels))
	copy(channels, e.channels)
	e.mu.Unlock()

	e.config.Metrics.UpdateOpenAlerts(open)
	for _, alert := range raised {
		e.config.Metrics.RecordAlert(string(alert.Type), string(alert.Severity))
		e.logger.LogAlertEvent(ctx, "alert_raised", alert.ID, string(alert.Type), string(alert.Severity), logging.Fields{
			"error_count": alert.ErrorCount,
			"category":    alert.Category,
		})
	}

	if len(raised) > 0 && len(channels) > 0 {
		e.dispatch(ctx, channels, raised)
	}
	return raised
}

func (e *Engine) hasOpenLocked(alertType AlertType, category errors.Category, windowStart time.Time) bool {
	for _, a := range e.alerts {
		if a.Resolved || a.Type != alertType || a.TriggeredAt.Before(windowStart) {
			continue
		}
		if alertType == AlertCategorySpike && a.Category != category {
			continue
		}
		return true
	}
	return false
}

func (e *Engine) openCountLocked() int {
	open := 0
	for _, a := range e.alerts {
		if !a.Resolved {
			open++
		}
	}
	return open
}

// dispatch sends every alert to every channel concurrently. Delivery failures
// are logged and counted, never returned.
func (e *Engine) dispatch(ctx context.Context, channels []Channel, alerts []Alert) {
	ctx, cancel := context.WithTimeout(ctx, e.config.DispatchTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, alert := range alerts {
		for _, ch := range channels {
			alert, ch := alert, ch
			g.Go(func() error {
				if err := e.limiter.Wait(gctx); err != nil {
					e.config.Metrics.RecordAlertDelivery(ch.Name(), err)
					e.logger.Warn("Alert dispatch cancelled", "channel", ch.Name(), "alert_id", alert.ID, "error", err)
					return nil
				}

				err := ch.Send(gctx, alert)
				e.config.Metrics.RecordAlertDelivery(ch.Name(), err)
				if err != nil {
					e.logger.WithContext(ctx).WithError(err).WithFields(logging.Fields{
						"channel":  ch.Name(),
						"alert_id": alert.ID,
					}).Error("Failed to send alert notification")
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

// ResolveAlert marks an open alert resolved
func (e *Engine) ResolveAlert(ctx context.Context, id string) (Alert, error) {
	e.mu.Lock()
	var alert *Alert
	for _, a := range e.alerts {
		if a.ID == id {
			alert = a
			break
		}
	}
	if alert == nil {
		e.mu.Unlock()
		return Alert{}, errors.NewNotFoundError("alert")
	}
	if alert.Resolved {
		resolved := *alert
		e.mu.Unlock()
		return resolved, errors.NewConflictError("alert is already resolved")
	}

	now := e.config.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	resolved := *alert
	open := e.openCountLocked()
	e.mu.Unlock()

	e.config.Metrics.UpdateOpenAlerts(open)
	e.logger.LogAlertEvent(ctx, "alert_resolved", resolved.ID, string(resolved.Type), string(resolved.Severity), logging.Fields{
		"open_for": now.Sub(resolved.TriggeredAt).String(),
	})
	return resolved, nil
}

// Alerts returns the alert history, newest first. Resolved alerts are left
// out unless includeResolved is set.
func (e *Engine) Alerts(includeResolved bool) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Alert, 0, len(e.alerts))
	for i := len(e.alerts) - 1; i >= 0; i-- {
		a := e.alerts[i]
		if a.Resolved && !includeResolved {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// GetAlert returns the alert with the given id
func (e *Engine) GetAlert(id string) (Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, a := range e.alerts {
		if a.ID == id {
			return *a, true
		}
	}
	return Alert{}, false
}

// Cleanup drops alerts raised more than Retention before now and returns how
// many it removed. Unresolved alerts are kept unless PurgeUnresolved is set.
func (e *Engine) Cleanup(now time.Time) int {
	cutoff := now.Add(-e.config.Retention)

	e.mu.Lock()
	kept := e.alerts[:0]
	removed := 0
	for _, a := range e.alerts {
		if a.TriggeredAt.Before(cutoff) && (a.Resolved || e.config.PurgeUnresolved) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	for i := len(kept); i < len(e.alerts); i++ {
		e.alerts[i] = nil
	}
	e.alerts = kept
	open := e.openCountLocked()
	e.mu.Unlock()

	e.config.Metrics.UpdateOpenAlerts(open)
	if removed > 0 {
		e.logger.Info("Cleaned up old alerts", "removed", removed, "remaining", len(kept))
	}
	return removed
}
