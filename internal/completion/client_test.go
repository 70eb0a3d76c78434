package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
	"github.com/NikhilSetiya/chat-resilience/pkg/resilience"
)

const okBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"model": "gpt-4o-mini",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello there"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
}`

const rateLimitBody = `{"error": {"message": "Rate limit reached", "type": "requests", "code": "rate_limit_exceeded"}}`

// fakeAPI answers chat completion requests with the scripted statuses, then 200
func fakeAPI(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		n := int(atomic.AddInt32(&calls, 1))
		w.Header().Set("Content-Type", "application/json")
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			if statuses[n-1] == http.StatusTooManyRequests {
				w.Write([]byte(rateLimitBody))
			} else {
				w.Write([]byte("upstream error"))
			}
			return
		}
		w.Write([]byte(okBody))
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newTestClient(t *testing.T, baseURL string, mutate ...func(*Config)) *Client {
	t.Helper()

	config := Config{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Logger:  logging.NewNop(),
	}
	for _, m := range mutate {
		m(&config)
	}
	client, err := NewClient(config)
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestComplete(t *testing.T) {
	var request map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(okBody))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/", func(c *Config) {
		c.Model = "test-model"
		c.MaxTokens = 64
	})

	reply, err := client.Complete(context.Background(), "Hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello there", reply)

	assert.Equal(t, "test-model", request["model"])
	assert.EqualValues(t, 64, request["max_completion_tokens"])
	messages := request["messages"].([]interface{})
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
	assert.Equal(t, "Hi", messages[1].(map[string]interface{})["content"])
}

func TestComplete_EmptyPrompt(t *testing.T) {
	server, calls := fakeAPI(t)
	client := newTestClient(t, server.URL)

	_, err := client.Complete(context.Background(), "   ")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Zero(t, atomic.LoadInt32(calls))
}

func TestComplete_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, errors.CodeRateLimit, true},
		{"server error", http.StatusInternalServerError, "UNAVAILABLE", true},
		{"overloaded", http.StatusServiceUnavailable, "UNAVAILABLE", true},
		{"bad key", http.StatusUnauthorized, errors.CodeAuth, false},
		{"bad request", http.StatusBadRequest, errors.CodeAIService, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := fakeAPI(t, tt.status)
			client := newTestClient(t, server.URL)

			_, err := client.Complete(context.Background(), "Hi")
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
			assert.Equal(t, tt.retryable, resilience.MatchesVocabulary(err, resilience.AIRetryConfig().Vocabulary))
		})
	}
}

func TestComplete_RetriedUnderAIProfile(t *testing.T) {
	server, calls := fakeAPI(t, http.StatusTooManyRequests)
	client := newTestClient(t, server.URL)

	config := resilience.AIRetryConfig()
	config.InitialDelay = time.Millisecond
	config.Logger = logging.NewNop()

	result := resilience.Retry(context.Background(), resilience.NewRetrier(config), func(ctx context.Context) (string, error) {
		return client.Complete(ctx, "Hi")
	})
	require.True(t, result.Success)
	assert.Equal(t, "Hello there", result.Data)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestComplete_BreakerOpensAfterFailures(t *testing.T) {
	server, calls := fakeAPI(t, 500, 500, 500, 500)
	client := newTestClient(t, server.URL, func(c *Config) {
		c.Breaker = resilience.CircuitBreakerConfig{
			Timeout:     time.Minute,
			ReadyToTrip: func(counts resilience.Counts) bool { return counts.ConsecutiveFailures >= 2 },
		}
	})

	for i := 0; i < 2; i++ {
		_, err := client.Complete(context.Background(), "Hi")
		require.Error(t, err)
	}
	assert.Equal(t, resilience.StateOpen, client.State())

	_, err := client.Complete(context.Background(), "Hi")
	assert.True(t, resilience.IsCircuitBreakerError(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestComplete_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()
	client := newTestClient(t, server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, "Hi")
	require.Error(t, err)
	assert.True(t, resilience.MatchesVocabulary(err, resilience.AIRetryConfig().Vocabulary))
}
