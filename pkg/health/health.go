// Package health reports whether the chat resilience service can do its job.
//
// The service is built to keep answering while its backends fail, so most
// backend trouble shows up as StatusDegraded rather than StatusUnhealthy: an
// unreachable document store means reads come from the offline cache, an open
// completion breaker means prompts get fallback answers. Only failures that
// stop the service from caching or queueing writes make it unhealthy, and
// only then does the health endpoint answer 503.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return 1
	}
}

// Worse returns whichever of s and other is less healthy
func (s Status) Worse(other Status) Status {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// Check is the result of one component check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse is the aggregated report. Degraded lists the components
// currently running on a fallback path.
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Degraded  []string          `json:"degraded,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker checks one component
type Checker interface {
	Check(ctx context.Context) *Check
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// Service runs the registered checkers and aggregates their results
type Service struct {
	logger   *logging.Logger
	metadata map[string]string
	timeout  time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewService creates a health service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	return &Service{
		logger:   logging.OrGlobal(logger),
		metadata: config.Metadata,
		timeout:  config.Timeout,
		checkers: make(map[string]Checker),
	}
}

// RegisterChecker registers checker under name, replacing any previous one
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker removes the checker registered under name
func (s *Service) UnregisterChecker(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkers, name)
}

// CheckHealth runs every checker concurrently. The overall status is the
// worst component status.
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mu.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		checks = make(map[string]*Check, len(checkers))
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			check := checker.Check(ctx)

			mu.Lock()
			checks[name] = check
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	resp := &HealthResponse{
		Status:   StatusHealthy,
		Checks:   checks,
		Metadata: s.metadata,
	}
	for name, check := range checks {
		resp.Status = resp.Status.Worse(check.Status)
		if check.Status == StatusDegraded {
			resp.Degraded = append(resp.Degraded, name)
		}
	}
	sort.Strings(resp.Degraded)
	resp.Timestamp = time.Now()
	resp.Duration = time.Since(start)

	if resp.Status != StatusHealthy {
		s.logger.Warn("Service not fully healthy",
			"status", resp.Status,
			"degraded", resp.Degraded,
		)
	}
	return resp
}

func (s *Service) check(c *gin.Context) (*HealthResponse, int) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	report := s.CheckHealth(ctx)
	if report.Status == StatusUnhealthy {
		return report, http.StatusServiceUnavailable
	}
	return report, http.StatusOK
}

// Handler serves the full report. A degraded service still answers 200 so it
// keeps receiving traffic it can serve from fallbacks.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, code := s.check(c)
		c.JSON(code, report)
	}
}

// LivenessHandler reports that the process is up
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler reports whether the service should receive traffic
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, code := s.check(c)
		c.JSON(code, gin.H{
			"status":    report.Status,
			"timestamp": report.Timestamp,
			"ready":     report.Status != StatusUnhealthy,
			"degraded":  report.Degraded,
		})
	}
}
