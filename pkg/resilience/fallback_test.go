package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
)

type recordedFailure struct {
	err     error
	profile string
}

type fakeRecorder struct {
	mu       sync.Mutex
	failures []recordedFailure
}

func (r *fakeRecorder) RecordFailure(ctx context.Context, err error, profile string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, recordedFailure{err: err, profile: profile})
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

type fakeOffline map[string]interface{}

func (f fakeOffline) LookupOffline(ctx context.Context, key string) (interface{}, bool) {
	v, ok := f[key]
	return v, ok
}

func newTestExecutor(profile FallbackProfile, recorder ErrorRecorder) *FallbackExecutor {
	config := FallbackConfigFor(profile)
	config.Recorder = recorder
	config.Logger = logging.NewNop()
	return NewFallbackExecutor(config)
}

func value(v interface{}) Operation {
	return func(ctx context.Context) (interface{}, error) { return v, nil }
}

func fail(msg string) Operation {
	return func(ctx context.Context) (interface{}, error) { return nil, errors.New(msg) }
}

func TestFallbackProfiles(t *testing.T) {
	assert.Equal(t, 8*time.Second, FirebaseFallbackConfig().Timeout)
	assert.Equal(t, 10*time.Minute, FirebaseFallbackConfig().CacheTTL)
	assert.Equal(t, 15*time.Second, AIFallbackConfig().Timeout)
	assert.Equal(t, 30*time.Minute, AIFallbackConfig().CacheTTL)
	assert.Equal(t, 3*time.Second, CriticalFallbackConfig().Timeout)
	assert.Equal(t, 2*time.Minute, CriticalFallbackConfig().CacheTTL)
}

func TestExecuteWithFallback_PrimarySuccessPopulatesCache(t *testing.T) {
	executor := newTestExecutor(FallbackFirebase, nil)

	result := executor.ExecuteWithFallback(context.Background(), value("doc-1"), nil, "conversations/1")
	require.True(t, result.Success)
	assert.Equal(t, SourcePrimary, result.Source)
	assert.Equal(t, "doc-1", result.Data)
	assert.Equal(t, 1, executor.CacheStats().Live)
}

func TestExecuteWithFallback_CacheHitSkipsPrimary(t *testing.T) {
	executor := newTestExecutor(FallbackFirebase, nil)
	executor.ExecuteWithFallback(context.Background(), value("cached"), nil, "k")

	var calls int32
	primary := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "fresh", nil
	}

	result := executor.ExecuteWithFallback(context.Background(), primary, nil, "k")
	assert.True(t, result.Success)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "cached", result.Data)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestExecuteWithFallback_ExpiredEntryIsEvicted(t *testing.T) {
	now := time.Now()
	config := FirebaseFallbackConfig()
	config.Logger = logging.NewNop()
	config.now = func() time.Time { return now }
	executor := NewFallbackExecutor(config)

	executor.ExecuteWithFallback(context.Background(), value("old"), nil, "k")
	now = now.Add(10*time.Minute + time.Second)
	assert.Equal(t, 1, executor.CacheStats().Expired)

	result := executor.ExecuteWithFallback(context.Background(), value("new"), nil, "k")
	assert.Equal(t, SourcePrimary, result.Source)
	assert.Equal(t, "new", result.Data)
}

func TestExecuteWithFallback_FallbackServes(t *testing.T) {
	recorder := &fakeRecorder{}
	executor := newTestExecutor(FallbackAI, recorder)

	result := executor.ExecuteWithFallback(context.Background(), fail("unavailable"), value("canned reply"), "")
	assert.True(t, result.Success)
	assert.Equal(t, SourceFallback, result.Source)
	assert.Equal(t, "canned reply", result.Data)
	assert.Zero(t, recorder.count())
}

func TestExecuteWithFallback_FallbackResultNotCached(t *testing.T) {
	executor := newTestExecutor(FallbackFirebase, nil)

	executor.ExecuteWithFallback(context.Background(), fail("unavailable"), value("stale"), "k")
	assert.Equal(t, 0, executor.CacheStats().Entries)
}

func TestExecuteWithFallback_AlwaysUnavailableRecordsOnce(t *testing.T) {
	recorder := &fakeRecorder{}
	executor := newTestExecutor(FallbackFirebase, recorder)

	result := executor.ExecuteWithFallback(context.Background(), fail("unavailable"), nil, "")
	assert.False(t, result.Success)
	assert.Equal(t, SourcePrimary, result.Source)
	assert.True(t, result.Recorded)
	assert.EqualError(t, result.Err, "unavailable")
	require.Equal(t, 1, recorder.count())
	assert.Equal(t, "firebase", recorder.failures[0].profile)
}

func TestExecuteWithFallback_BothFail(t *testing.T) {
	recorder := &fakeRecorder{}
	executor := newTestExecutor(FallbackAI, recorder)

	result := executor.ExecuteWithFallback(context.Background(), fail("unavailable"), fail("fallback model down"), "")
	assert.False(t, result.Success)
	assert.Equal(t, SourceFallback, result.Source)
	assert.EqualError(t, result.Err, "fallback model down")
	assert.Equal(t, 1, recorder.count())
}

func TestExecuteWithFallback_OfflineLastResort(t *testing.T) {
	recorder := &fakeRecorder{}
	config := FirebaseFallbackConfig()
	config.Recorder = recorder
	config.Offline = fakeOffline{"conversations/7": "offline copy"}
	config.Logger = logging.NewNop()
	executor := NewFallbackExecutor(config)

	result := executor.ExecuteWithFallback(context.Background(), fail("network error"), nil, "conversations/7")
	assert.True(t, result.Success)
	assert.Equal(t, SourceOffline, result.Source)
	assert.Equal(t, "offline copy", result.Data)
	assert.Zero(t, recorder.count())
}

func TestExecuteWithFallback_TimeoutCancelsPrimary(t *testing.T) {
	config := CriticalFallbackConfig()
	config.Timeout = 20 * time.Millisecond
	config.Logger = logging.NewNop()
	executor := NewFallbackExecutor(config)

	cancelled := make(chan struct{})
	primary := func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}

	start := time.Now()
	result := executor.ExecuteWithFallback(context.Background(), primary, value("fallback"), "")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, SourceFallback, result.Source)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("primary never saw cancellation")
	}
}

func TestExecuteWithFallback_TimeoutErrorIsRetryable(t *testing.T) {
	config := CriticalFallbackConfig()
	config.Timeout = 10 * time.Millisecond
	config.Logger = logging.NewNop()
	executor := NewFallbackExecutor(config)

	block := func(ctx context.Context) (interface{}, error) {
		time.Sleep(100 * time.Millisecond)
		return "late", nil
	}

	result := executor.ExecuteWithFallback(context.Background(), block, nil, "")
	require.False(t, result.Success)
	assert.True(t, appErrors.IsType(result.Err, appErrors.ErrorTypeTimeout))
	assert.True(t, MatchesVocabulary(result.Err, baseVocabulary))
}

func TestExecuteWithFallback_CoalescesConcurrentCalls(t *testing.T) {
	executor := newTestExecutor(FallbackFirebase, nil)

	var calls int32
	release := make(chan struct{})
	primary := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]FallbackResult, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = executor.ExecuteWithFallback(context.Background(), primary, nil, "hot-key")
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, "shared", r.Data)
	}
}

func TestExecuteWithFallback_InvalidateAndClear(t *testing.T) {
	executor := newTestExecutor(FallbackFirebase, nil)
	executor.ExecuteWithFallback(context.Background(), value(1), nil, "a")
	executor.ExecuteWithFallback(context.Background(), value(2), nil, "b")

	executor.InvalidateCache("a")
	assert.Equal(t, 1, executor.CacheStats().Entries)

	executor.ClearCache()
	assert.Equal(t, 0, executor.CacheStats().Entries)
}

func TestExecuteWithFallback_PrimaryWrappedByRetrier(t *testing.T) {
	recorder := &fakeRecorder{}
	executor := newTestExecutor(FallbackFirebase, recorder)
	retrier := NewRetrier(fastConfig(DefaultRetryConfig()))

	calls := 0
	primary := func(ctx context.Context) (interface{}, error) {
		result := Retry(ctx, retrier, func(ctx context.Context) (interface{}, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("unavailable")
			}
			return "third time", nil
		})
		return result.Data, result.Err
	}

	result := executor.ExecuteWithFallback(context.Background(), primary, nil, "")
	assert.True(t, result.Success)
	assert.Equal(t, "third time", result.Data)
	assert.Equal(t, 3, calls)
	assert.Zero(t, recorder.count())
}

func TestExecuteWithRetry_TimeoutBoundsEachAttempt(t *testing.T) {
	config := CriticalFallbackConfig()
	// shorter than the sum of the retry delays
	config.Timeout = 40 * time.Millisecond
	config.Logger = logging.NewNop()
	executor := NewFallbackExecutor(config)
	retrier := NewRetrier(fastConfig(CriticalRetryConfig()))

	var calls int32
	primary := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("unavailable")
	}

	result := executor.ExecuteWithRetry(context.Background(), retrier, primary, nil, "")
	require.False(t, result.Success)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.EqualError(t, result.Err, "unavailable")
}

func TestExecuteWithRetry_HungAttemptIsRetried(t *testing.T) {
	config := FirebaseFallbackConfig()
	config.Timeout = 20 * time.Millisecond
	config.Logger = logging.NewNop()
	executor := NewFallbackExecutor(config)
	retrier := NewRetrier(fastConfig(DefaultRetryConfig()))

	var calls int32
	primary := func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "second try", nil
	}

	result := executor.ExecuteWithRetry(context.Background(), retrier, primary, nil, "k")
	require.True(t, result.Success)
	assert.Equal(t, "second try", result.Data)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExecuteWithFallback_CancelledCallerDoesNotFailOthers(t *testing.T) {
	executor := newTestExecutor(FallbackFirebase, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	primary := func(ctx context.Context) (interface{}, error) {
		close(started)
		select {
		case <-release:
			return "shared", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan FallbackResult, 1)
	go func() { first <- executor.ExecuteWithFallback(firstCtx, primary, nil, "hot-key") }()
	<-started

	second := make(chan FallbackResult, 1)
	go func() { second <- executor.ExecuteWithFallback(context.Background(), primary, nil, "hot-key") }()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	abandoned := <-first
	assert.False(t, abandoned.Success)
	assert.ErrorIs(t, abandoned.Err, context.Canceled)

	close(release)
	shared := <-second
	require.True(t, shared.Success)
	assert.Equal(t, "shared", shared.Data)
	assert.True(t, shared.Coalesced)
}

func TestExecuteWithFallback_CoalescedFailureMarked(t *testing.T) {
	recorder := &fakeRecorder{}
	executor := newTestExecutor(FallbackFirebase, recorder)

	release := make(chan struct{})
	primary := func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, errors.New("unavailable")
	}

	var wg sync.WaitGroup
	results := make([]FallbackResult, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = executor.ExecuteWithFallback(context.Background(), primary, nil, "hot-key")
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	leaders := 0
	for _, r := range results {
		assert.False(t, r.Success)
		if !r.Coalesced {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)
	assert.Equal(t, 1, recorder.count())
}
