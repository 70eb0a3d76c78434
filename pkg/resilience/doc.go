// Package resilience provides retry with exponential backoff, a read-through
// fallback executor and a circuit breaker for calls to unreliable backends.
//
// # Retry with Exponential Backoff
//
// A Retrier retries an operation while its error matches the profile's
// retryable vocabulary (network-error, timeout, unavailable, ...). Any other
// error fails fast after one attempt. The outcome is always a RetryResult.
//
//	retrier := resilience.NewRetrier(resilience.AIRetryConfig())
//	result := resilience.Retry(ctx, retrier, func(ctx context.Context) (string, error) {
//		return completions.Complete(ctx, prompt)
//	})
//	if !result.Success {
//		return result.Err
//	}
//
// # Fallback Execution
//
// A FallbackExecutor answers from its cache when it can, otherwise runs the
// primary operation under the profile timeout, then the fallback, then any
// attached offline reader. Terminal failures are reported once to the
// attached ErrorRecorder.
//
//	executor := resilience.NewFallbackExecutor(resilience.FirebaseFallbackConfig())
//	res := executor.ExecuteWithFallback(ctx, loadConversation, nil, "conversations/"+id)
//
// ExecuteWithRetry retries the primary with a Retrier before falling back.
// The profile timeout applies to each attempt, not to the whole loop.
//
// # Circuit Breaker
//
// The circuit breaker stops calling a backend whose failure rate crossed a
// threshold, and probes it again after a timeout.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:        "webhook",
//		MaxRequests: 1,
//		Timeout:     30 * time.Second,
//	})
//	err := cb.Execute(ctx, deliver)
//
// RetryableOperation combines both: an open breaker ends the retry loop.
//
// All types are safe for concurrent use.
package resilience
