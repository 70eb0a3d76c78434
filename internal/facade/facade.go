// Package facade is the single entry point feature code uses to run remote
// operations with retries, fallbacks and error reporting.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/NikhilSetiya/chat-resilience/internal/errorlog"
	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
	"github.com/NikhilSetiya/chat-resilience/pkg/metrics"
	"github.com/NikhilSetiya/chat-resilience/pkg/resilience"
	"github.com/NikhilSetiya/chat-resilience/pkg/tracing"
)

// OperationType selects the retry and fallback profiles for a call
type OperationType string

const (
	TypeFirebase OperationType = "firebase"
	TypeAI       OperationType = "ai"
	TypeCritical OperationType = "critical"
)

var operationTypes = []OperationType{TypeFirebase, TypeAI, TypeCritical}

func (t OperationType) retryProfile() resilience.RetryProfile {
	switch t {
	case TypeAI:
		return resilience.ProfileAI
	case TypeCritical:
		return resilience.ProfileCritical
	default:
		return resilience.ProfileDefault
	}
}

func (t OperationType) fallbackProfile() resilience.FallbackProfile {
	switch t {
	case TypeAI:
		return resilience.FallbackAI
	case TypeCritical:
		return resilience.FallbackCritical
	default:
		return resilience.FallbackFirebase
	}
}

// Options controls one Execute call. The zero value retries and uses the
// fallback executor with the firebase profiles.
type Options struct {
	Type OperationType
	// CacheKey enables the read-through cache and offline lookup
	CacheKey string
	// Fallback runs when the primary fails
	Fallback resilience.Operation
	// NoFallback skips the fallback executor
	NoFallback bool
	// NoRetry runs the operation once
	NoRetry bool
	// Metadata is attached to the error record on failure
	Metadata map[string]interface{}
	// Passthrough marks errors that are expected outcomes, such as a missing
	// document. They are returned unchanged and not recorded.
	Passthrough func(error) bool
}

// RetryState is the retry feedback shown to the user
type RetryState struct {
	IsRetrying bool `json:"isRetrying"`
	RetryCount int  `json:"retryCount"`
}

// Config holds the facade dependencies
type Config struct {
	Handler *errorlog.Handler
	Offline resilience.OfflineReader

	// Retry and Fallback override the preset profile of an operation type
	Retry    map[OperationType]resilience.RetryConfig
	Fallback map[OperationType]resilience.FallbackConfig

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracing *tracing.TracingService
}

// Facade composes the retrier, the fallback executors and the error handler
type Facade struct {
	handler   *errorlog.Handler
	retry     map[OperationType]resilience.RetryConfig
	executors map[OperationType]*resilience.FallbackExecutor
	logger    *logging.Logger
	metrics   *metrics.Metrics
	tracing   *tracing.TracingService

	mu       sync.Mutex
	state    RetryState
	retrying int
}

// New creates a facade
func New(config Config) (*Facade, error) {
	if config.Handler == nil {
		return nil, errors.NewValidationError("error handler is required")
	}

	logger := logging.OrGlobal(config.Logger)
	f := &Facade{
		handler:   config.Handler,
		retry:     make(map[OperationType]resilience.RetryConfig),
		executors: make(map[OperationType]*resilience.FallbackExecutor),
		logger:    logger,
		metrics:   config.Metrics,
		tracing:   config.Tracing,
	}

	for _, t := range operationTypes {
		retryConfig, ok := config.Retry[t]
		if !ok {
			retryConfig = resilience.RetryConfigFor(t.retryProfile())
		}
		retryConfig.Logger = logger
		retryConfig.Metrics = config.Metrics
		f.retry[t] = retryConfig

		fallbackConfig, ok := config.Fallback[t]
		if !ok {
			fallbackConfig = resilience.FallbackConfigFor(t.fallbackProfile())
		}
		fallbackConfig.Offline = config.Offline
		fallbackConfig.Logger = logger
		fallbackConfig.Metrics = config.Metrics
		f.executors[t] = resilience.NewFallbackExecutor(fallbackConfig)
	}

	return f, nil
}

// Execute runs op according to opts. On failure the error is recorded once
// and the caller receives an *errors.AppError carrying only the user message
// for its category.
func Execute[T any](ctx context.Context, f *Facade, op func(context.Context) (T, error), ectx errorlog.Context, opts Options) (T, error) {
	var zero T
	opType := opts.Type
	if _, ok := f.executors[opType]; !ok {
		opType = TypeFirebase
	}

	ctx = withErrorContext(ctx, ectx)
	ctx, span := f.tracing.StartOperationSpan(ctx, string(opType), opts.CacheKey)
	defer span.End()
	start := time.Now()

	var retrier *resilience.Retrier
	tracker := &retryTracker{facade: f}
	if !opts.NoRetry {
		retrier = f.newRetrier(opType, tracker)
	}

	var (
		data     T
		err      error
		recorded bool
		source   = string(resilience.SourcePrimary)
	)
	switch {
	case opts.NoFallback && retrier != nil:
		result := resilience.Retry(ctx, retrier, op)
		data, err = result.Data, result.Err
	case opts.NoFallback:
		data, err = op(ctx)
	default:
		primary := func(ctx context.Context) (interface{}, error) { return op(ctx) }
		result := f.executors[opType].ExecuteWithRetry(ctx, retrier, primary, opts.Fallback, opts.CacheKey)
		source = string(result.Source)
		// a coalesced failure is recorded by the caller that ran it
		recorded = result.Recorded || result.Coalesced
		if result.Success {
			data, err = convert[T](result.Data)
		} else {
			err = result.Err
		}
	}
	tracker.finish(err == nil && source == string(resilience.SourcePrimary))

	if err == nil {
		f.metrics.RecordOperation(string(opType), source, time.Since(start))
		return data, nil
	}

	if opts.Passthrough != nil && opts.Passthrough(err) {
		f.metrics.RecordOperation(string(opType), "passthrough", time.Since(start))
		return zero, err
	}

	category := Classify(err, opType)
	if !recorded {
		metadata := map[string]interface{}{"type": string(opType)}
		if opts.CacheKey != "" {
			metadata["cache_key"] = opts.CacheKey
		}
		for k, v := range opts.Metadata {
			metadata[k] = v
		}
		f.handler.CreateError(err, errorlog.ContextFrom(ctx), severityFor(opType), category, metadata)
	}

	f.tracing.RecordError(span, err)
	f.metrics.RecordOperation(string(opType), "failure", time.Since(start))
	return zero, errors.NewCategoryError(category, f.handler.Locale(), err)
}

// newRetrier builds a retrier with the type's profile whose retry hook drives
// the facade retry state through tracker
func (f *Facade) newRetrier(opType OperationType, tracker *retryTracker) *resilience.Retrier {
	config := f.retry[opType]
	config.OnRetry = tracker.onRetry
	return resilience.NewRetrier(config)
}

// retryTracker ties one call's retry loop to the facade retry state. The loop
// may outlive the call when its execution is shared, so hooks after finish
// are ignored.
type retryTracker struct {
	facade *Facade

	mu       sync.Mutex
	started  bool
	finished bool
}

func (t *retryTracker) onRetry(attempt int, err error, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	if !t.started {
		t.started = true
		t.facade.retryStarted()
	}
	t.facade.noteRetry(attempt)
}

func (t *retryTracker) finish(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	if t.started {
		t.facade.retryFinished(success)
	}
}

// RetryState returns the current retry feedback
func (f *Facade) RetryState() RetryState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Executor returns the fallback executor for an operation type
func (f *Facade) Executor(opType OperationType) *resilience.FallbackExecutor {
	return f.executors[opType]
}

func (f *Facade) noteRetry(attempt int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.IsRetrying = true
	f.state.RetryCount = attempt
}

func (f *Facade) retryStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrying++
}

func (f *Facade) retryFinished(success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrying--
	if f.retrying <= 0 {
		f.retrying = 0
		f.state.IsRetrying = false
	}
	if success {
		f.state.RetryCount = 0
	}
}

// Classify maps a terminal failure onto a category. Message markers win, with
// permission markers checked before authentication markers; otherwise the
// error's own type decides.
func Classify(err error, opType OperationType) errors.Category {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"):
		return errors.CategoryAuthorization
	case strings.Contains(msg, "auth"), strings.Contains(msg, "permission"):
		return errors.CategoryAuthentication
	case strings.Contains(msg, "network"), strings.Contains(msg, "fetch"):
		return errors.CategorySystem
	}

	category := errors.CategoryOf(err)
	if category == errors.CategorySystem && opType == TypeAI {
		return errors.CategoryAI
	}
	return category
}

func severityFor(opType OperationType) errors.Severity {
	if opType == TypeCritical {
		return errors.SeverityHigh
	}
	return errors.SeverityMedium
}

// convert turns a fallback result back into T. Offline data arrives as raw
// JSON and is decoded.
func convert[T any](data interface{}) (T, error) {
	var out T
	if data == nil {
		return out, nil
	}
	if v, ok := data.(T); ok {
		return v, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, errors.NewInternalError("failed to decode offline data").WithCause(err)
		}
		return out, nil
	}
	return out, errors.NewInternalError(fmt.Sprintf("unexpected result type %T", data))
}

func withErrorContext(ctx context.Context, ectx errorlog.Context) context.Context {
	if ectx.UserID != "" {
		ctx = logging.WithUserID(ctx, ectx.UserID)
	}
	if ectx.Endpoint != "" {
		ctx = logging.WithEndpoint(ctx, ectx.Endpoint)
	}
	if ectx.RequestID != "" {
		ctx = logging.WithRequestID(ctx, ectx.RequestID)
	}
	return ctx
}
