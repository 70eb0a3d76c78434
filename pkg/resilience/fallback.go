package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
	"github.com/NikhilSetiya/chat-resilience/pkg/metrics"
)

// FallbackProfile names the timeout and cache policy for a class of operations
type FallbackProfile string

const (
	FallbackFirebase FallbackProfile = "firebase"
	FallbackAI       FallbackProfile = "ai"
	FallbackCritical FallbackProfile = "critical"
)

// Source tells where a FallbackResult's data came from
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
	SourceCache    Source = "cache"
	SourceOffline  Source = "offline"
)

// Operation is a unit of remote work. It must honor ctx cancellation.
type Operation func(ctx context.Context) (interface{}, error)

// ErrorRecorder receives terminal failures
type ErrorRecorder interface {
	RecordFailure(ctx context.Context, err error, profile string)
}

// OfflineReader serves last-known data when every live source failed
type OfflineReader interface {
	LookupOffline(ctx context.Context, key string) (interface{}, bool)
}

// FallbackConfig holds configuration for a fallback executor
type FallbackConfig struct {
	Profile  FallbackProfile
	Timeout  time.Duration
	CacheTTL time.Duration

	Recorder ErrorRecorder
	Offline  OfflineReader
	Logger   *logging.Logger
	Metrics  *metrics.Metrics

	// now is swapped in tests
	now func() time.Time
}

// FirebaseFallbackConfig is used for document store reads and writes
func FirebaseFallbackConfig() FallbackConfig {
	return FallbackConfig{Profile: FallbackFirebase, Timeout: 8 * time.Second, CacheTTL: 10 * time.Minute}
}

// AIFallbackConfig is used for completion calls
func AIFallbackConfig() FallbackConfig {
	return FallbackConfig{Profile: FallbackAI, Timeout: 15 * time.Second, CacheTTL: 30 * time.Minute}
}

// CriticalFallbackConfig is used for latency sensitive calls
func CriticalFallbackConfig() FallbackConfig {
	return FallbackConfig{Profile: FallbackCritical, Timeout: 3 * time.Second, CacheTTL: 2 * time.Minute}
}

// FallbackConfigFor returns the preset for a profile; unknown profiles get firebase.
func FallbackConfigFor(profile FallbackProfile) FallbackConfig {
	switch profile {
	case FallbackAI:
		return AIFallbackConfig()
	case FallbackCritical:
		return CriticalFallbackConfig()
	default:
		return FirebaseFallbackConfig()
	}
}

// FallbackResult is the outcome of ExecuteWithFallback
type FallbackResult struct {
	Success bool
	Data    interface{}
	Source  Source
	Err     error
	// Recorded is true when the failure was already handed to the ErrorRecorder
	Recorded bool
	// Coalesced is true when the result was shared from another caller's
	// execution of the same cacheKey
	Coalesced bool
}

// CacheEntry is one read-through cache slot
type CacheEntry struct {
	Key        string
	Value      interface{}
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// CacheStats summarizes the read-through cache
type CacheStats struct {
	Entries int `json:"entries"`
	Live    int `json:"live"`
	Expired int `json:"expired"`
}

// FallbackExecutor runs a primary operation under a timeout, consulting and
// filling a read-through cache and falling back to a secondary operation or
// offline data on failure.
type FallbackExecutor struct {
	config FallbackConfig
	logger *logging.Logger

	mu    sync.Mutex
	cache map[string]CacheEntry
	group singleflight.Group
}

// NewFallbackExecutor creates a fallback executor
func NewFallbackExecutor(config FallbackConfig) *FallbackExecutor {
	defaults := FallbackConfigFor(config.Profile)
	if config.Profile == "" {
		config.Profile = defaults.Profile
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.now == nil {
		config.now = time.Now
	}

	return &FallbackExecutor{
		config: config,
		logger: logging.OrGlobal(config.Logger),
		cache:  make(map[string]CacheEntry),
	}
}

// Profile returns the executor's profile
func (e *FallbackExecutor) Profile() FallbackProfile {
	return e.config.Profile
}

// ExecuteWithFallback runs primary with cache, fallback and offline support.
// fallback may be nil and cacheKey may be empty. Concurrent calls sharing a
// cacheKey are coalesced into one execution.
func (e *FallbackExecutor) ExecuteWithFallback(ctx context.Context, primary, fallback Operation, cacheKey string) FallbackResult {
	return e.ExecuteWithRetry(ctx, nil, primary, fallback, cacheKey)
}

// ExecuteWithRetry is ExecuteWithFallback with primary retried by retrier.
// Every attempt gets its own profile timeout. A nil retrier runs primary once.
//
// A coalesced execution is detached from the cancellation of whichever caller
// started it; each caller stops waiting when its own ctx is done.
func (e *FallbackExecutor) ExecuteWithRetry(ctx context.Context, retrier *Retrier, primary, fallback Operation, cacheKey string) FallbackResult {
	if cacheKey == "" {
		return e.execute(ctx, retrier, primary, fallback, cacheKey)
	}

	if value, ok := e.lookup(cacheKey); ok {
		e.config.Metrics.RecordFallback(string(e.config.Profile), string(SourceCache), true)
		return FallbackResult{Success: true, Data: value, Source: SourceCache}
	}

	leader := false
	ch := e.group.DoChan(cacheKey, func() (interface{}, error) {
		leader = true
		return e.execute(context.WithoutCancel(ctx), retrier, primary, fallback, cacheKey), nil
	})

	select {
	case res := <-ch:
		result := res.Val.(FallbackResult)
		result.Coalesced = !leader
		return result
	case <-ctx.Done():
		return FallbackResult{Source: SourcePrimary, Err: ctx.Err()}
	}
}

func (e *FallbackExecutor) execute(ctx context.Context, retrier *Retrier, primary, fallback Operation, cacheKey string) (result FallbackResult) {
	profile := string(e.config.Profile)
	defer func() {
		e.config.Metrics.RecordFallback(profile, string(result.Source), result.Success)
	}()

	data, err := e.runPrimary(ctx, retrier, primary)
	if err == nil {
		if cacheKey != "" {
			e.store(cacheKey, data)
		}
		return FallbackResult{Success: true, Data: data, Source: SourcePrimary}
	}

	e.logger.Warn("Primary operation failed",
		"profile", profile,
		"cache_key", cacheKey,
		"error", err.Error(),
	)
	result = FallbackResult{Source: SourcePrimary, Err: err}

	if fallback != nil {
		data, ferr := e.runWithTimeout(ctx, fallback, "fallback")
		if ferr == nil {
			return FallbackResult{Success: true, Data: data, Source: SourceFallback}
		}
		e.logger.Warn("Fallback operation failed",
			"profile", profile,
			"cache_key", cacheKey,
			"error", ferr.Error(),
		)
		result = FallbackResult{Source: SourceFallback, Err: ferr}
	}

	if e.config.Offline != nil && cacheKey != "" {
		if value, ok := e.config.Offline.LookupOffline(ctx, cacheKey); ok {
			e.logger.Info("Serving offline data", "profile", profile, "cache_key", cacheKey)
			return FallbackResult{Success: true, Data: value, Source: SourceOffline}
		}
	}

	if e.config.Recorder != nil {
		e.config.Recorder.RecordFailure(ctx, result.Err, profile)
		result.Recorded = true
	}
	return result
}

func (e *FallbackExecutor) runPrimary(ctx context.Context, retrier *Retrier, primary Operation) (interface{}, error) {
	if retrier == nil {
		return e.runWithTimeout(ctx, primary, "primary")
	}
	result := Retry(ctx, retrier, func(ctx context.Context) (interface{}, error) {
		return e.runWithTimeout(ctx, primary, "primary")
	})
	if !result.Success {
		return nil, result.Err
	}
	return result.Data, nil
}

type opResult struct {
	data interface{}
	err  error
}

// runWithTimeout runs op under the profile timeout. The derived context is
// cancelled on return, so a well-behaved op stops; a late result is dropped.
func (e *FallbackExecutor) runWithTimeout(ctx context.Context, op Operation, stage string) (interface{}, error) {
	if op == nil {
		return nil, errors.NewInternalError(fmt.Sprintf("no %s operation", stage))
	}

	tctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	done := make(chan opResult, 1)
	go func() {
		data, err := callSafely(tctx, func(ctx context.Context) (interface{}, error) { return op(ctx) })
		done <- opResult{data: data, err: err}
	}()

	select {
	case res := <-done:
		return res.data, res.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewTimeoutError(fmt.Sprintf("%s %s operation", e.config.Profile, stage)).
			WithCause(tctx.Err()).
			WithDetail("timeout", e.config.Timeout.String())
	}
}

func (e *FallbackExecutor) lookup(key string) (interface{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.cache[key]
	if !ok {
		e.config.Metrics.RecordCacheLookup("fallback", false)
		return nil, false
	}
	if !e.config.now().Before(entry.ExpiresAt) {
		delete(e.cache, key)
		e.config.Metrics.RecordCacheLookup("fallback", false)
		return nil, false
	}
	e.config.Metrics.RecordCacheLookup("fallback", true)
	return entry.Value, true
}

func (e *FallbackExecutor) store(key string, value interface{}) {
	now := e.config.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.cache[key] = CacheEntry{
		Key:        key,
		Value:      value,
		InsertedAt: now,
		ExpiresAt:  now.Add(e.config.CacheTTL),
	}
}

// InvalidateCache drops one cache entry
func (e *FallbackExecutor) InvalidateCache(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.cache, key)
}

// ClearCache drops every cache entry
func (e *FallbackExecutor) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cache = make(map[string]CacheEntry)
}

// CacheStats reports cache occupancy without evicting anything
func (e *FallbackExecutor) CacheStats() CacheStats {
	now := e.config.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	stats := CacheStats{Entries: len(e.cache)}
	for _, entry := range e.cache {
		if now.Before(entry.ExpiresAt) {
			stats.Live++
		} else {
			stats.Expired++
		}
	}
	return stats
}
