package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
	"github.com/NikhilSetiya/chat-resilience/pkg/metrics"
)

// RetryProfile names a preset retry policy for a class of operations
type RetryProfile string

const (
	ProfileDefault  RetryProfile = "default"
	ProfileAI       RetryProfile = "ai"
	ProfileCritical RetryProfile = "critical"
)

// Retryable error vocabulary. Tokens are matched against the normalized error
// text: lower case, with spaces and underscores turned into hyphens.
var (
	baseVocabulary = []string{
		"network-error",
		"timeout",
		"unavailable",
		"resource-exhausted",
		"deadline-exceeded",
	}
	aiVocabulary = append(append([]string{}, baseVocabulary...),
		"rate-limit",
		"service-unavailable",
		"overloaded",
	)
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// Profile labels logs and metrics
	Profile RetryProfile
	// MaxAttempts is the total number of attempts, the first call included
	MaxAttempts int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps every delay
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter adds up to 10% random delay
	Jitter bool
	// Vocabulary lists the retryable error tokens
	Vocabulary []string
	// RetryableErrors overrides vocabulary matching when set
	RetryableErrors func(error) bool
	// OnRetry is called before each retry sleep
	OnRetry func(attempt int, err error, delay time.Duration)

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// DefaultRetryConfig is used for document store operations
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Profile:           ProfileDefault,
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Vocabulary:        baseVocabulary,
	}
}

// AIRetryConfig is used for completion service calls
func AIRetryConfig() RetryConfig {
	return RetryConfig{
		Profile:           ProfileAI,
		MaxAttempts:       2,
		InitialDelay:      2 * time.Second,
		MaxDelay:          8 * time.Second,
		BackoffMultiplier: 2.0,
		Vocabulary:        aiVocabulary,
	}
}

// CriticalRetryConfig is used for operations the user is actively waiting on
func CriticalRetryConfig() RetryConfig {
	return RetryConfig{
		Profile:           ProfileCritical,
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 1.5,
		Vocabulary:        baseVocabulary,
	}
}

// RetryConfigFor returns the preset for a profile; unknown profiles get the default.
func RetryConfigFor(profile RetryProfile) RetryConfig {
	switch profile {
	case ProfileAI:
		return AIRetryConfig()
	case ProfileCritical:
		return CriticalRetryConfig()
	default:
		return DefaultRetryConfig()
	}
}

// MatchesVocabulary reports whether err looks like one of the transient
// failures named in vocabulary.
func MatchesVocabulary(err error, vocabulary []string) bool {
	if err == nil {
		return false
	}
	if IsCircuitBreakerError(err) || stderrors.Is(err, context.Canceled) {
		return false
	}

	text := normalizeErrorText(err.Error())
	if stderrors.Is(err, context.DeadlineExceeded) {
		text += " timeout"
	}
	if appErr, ok := errors.As(err); ok {
		text += " " + normalizeErrorText(appErr.Code)
	}

	for _, token := range vocabulary {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}

func normalizeErrorText(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer(" ", "-", "_", "-").Replace(s)
}

// RetryResult is the structured outcome of a retried operation. Err holds the
// last error seen, unwrapped.
type RetryResult[T any] struct {
	Success   bool
	Data      T
	Err       error
	Attempts  int
	TotalTime time.Duration
}

// Retrier handles retry logic with exponential backoff
type Retrier struct {
	config RetryConfig
	logger *logging.Logger
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(config RetryConfig) *Retrier {
	if config.Profile == "" {
		config.Profile = ProfileDefault
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay < 0 {
		config.InitialDelay = 0
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.RetryableErrors == nil {
		vocabulary := config.Vocabulary
		if vocabulary == nil {
			vocabulary = baseVocabulary
		}
		config.RetryableErrors = func(err error) bool {
			return MatchesVocabulary(err, vocabulary)
		}
	}

	return &Retrier{
		config: config,
		logger: logging.OrGlobal(config.Logger),
	}
}

// Config returns a copy of the effective configuration
func (r *Retrier) Config() RetryConfig {
	return r.config
}

// Delay returns the sleep before retry number attempt (1-based), without jitter
func (r *Retrier) Delay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	return time.Duration(delay)
}

func (r *Retrier) calculateDelay(attempt int) time.Duration {
	delay := r.Delay(attempt)
	if r.config.Jitter {
		delay += time.Duration(rand.Float64() * 0.1 * float64(delay))
	}
	return delay
}

// Retry runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. It never returns a bare error: the outcome is
// always reported through RetryResult.
func Retry[T any](ctx context.Context, r *Retrier, op func(context.Context) (T, error)) RetryResult[T] {
	start := time.Now()
	result := RetryResult[T]{}

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}

		result.Attempts = attempt
		data, err := callSafely(ctx, op)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Operation succeeded after retry",
					"profile", r.config.Profile,
					"attempt", attempt,
				)
			}
			result.Success = true
			result.Data = data
			result.Err = nil
			break
		}
		result.Err = err

		if !r.config.RetryableErrors(err) {
			r.logger.Debug("Error is not retryable, stopping",
				"profile", r.config.Profile,
				"error", err.Error(),
				"attempt", attempt,
			)
			break
		}

		if attempt == r.config.MaxAttempts {
			r.logger.Warn("Operation failed after all retry attempts",
				"profile", r.config.Profile,
				"error", err.Error(),
				"attempts", attempt,
			)
			break
		}

		delay := r.calculateDelay(attempt)
		r.logger.LogRetryEvent(ctx, string(r.config.Profile), attempt, delay, err)
		r.config.Metrics.RecordRetry(string(r.config.Profile))
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Err = ctx.Err()
			result.TotalTime = time.Since(start)
			return result
		case <-timer.C:
		}
	}

	result.TotalTime = time.Since(start)
	return result
}

// Execute runs operation with retry logic and returns a plain error
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) error) error {
	result := Retry(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	if result.Success {
		return nil
	}
	if result.Attempts > 1 && result.Err != ctx.Err() {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.Err)
	}
	return result.Err
}

// callSafely turns a panic inside op into an internal error.
func callSafely[T any](ctx context.Context, op func(context.Context) (T, error)) (data T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.NewInternalError(fmt.Sprintf("operation panicked: %v", rec))
		}
	}()
	return op(ctx)
}

// RetryableOperation wraps an operation with both circuit breaker and retry logic
type RetryableOperation struct {
	circuitBreaker *CircuitBreaker
	retrier        *Retrier
}

// NewRetryableOperation creates a new retryable operation with circuit breaker and retry logic
func NewRetryableOperation(name string, cbConfig CircuitBreakerConfig, retryConfig RetryConfig) *RetryableOperation {
	if cbConfig.Name == "" {
		cbConfig.Name = name
	}
	if cbConfig.Logger == nil {
		cbConfig.Logger = retryConfig.Logger
	}

	return &RetryableOperation{
		circuitBreaker: NewCircuitBreaker(cbConfig),
		retrier:        NewRetrier(retryConfig),
	}
}

// Execute runs operation through the breaker, retrying transient failures.
// An open breaker stops the retry loop immediately.
func (ro *RetryableOperation) Execute(ctx context.Context, operation func(context.Context) error) error {
	return ro.retrier.Execute(ctx, func(ctx context.Context) error {
		return ro.circuitBreaker.Execute(ctx, operation)
	})
}

// State returns the current state of the circuit breaker
func (ro *RetryableOperation) State() CircuitState {
	return ro.circuitBreaker.State()
}

// Counts returns the current counts of the circuit breaker
func (ro *RetryableOperation) Counts() Counts {
	return ro.circuitBreaker.Counts()
}
