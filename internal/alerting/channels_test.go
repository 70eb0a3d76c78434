package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
	"github.com/NikhilSetiya/chat-resilience/pkg/resilience"
)

func testAlert() Alert {
	return Alert{
		ID:          "alert-1",
		Type:        AlertCategorySpike,
		Severity:    errors.SeverityHigh,
		Message:     "5 ai_error errors in the last 15m0s",
		TriggeredAt: time.Date(2026, 2, 10, 8, 0, 0, 0, time.FixedZone("CET", 3600)),
		ErrorCount:  5,
		Category:    errors.CategoryAI,
	}
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
		Logger:            logging.NewNop(),
	}
}

func TestNewWebhookPayload(t *testing.T) {
	payload := NewWebhookPayload(testAlert())

	body, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"alert": {
			"id": "alert-1",
			"type": "category_spike",
			"message": "5 ai_error errors in the last 15m0s",
			"timestamp": "2026-02-10T07:00:00Z",
			"errorCount": 5,
			"category": "ai_error"
		}
	}`, string(body))

	alert := testAlert()
	alert.Category = ""
	body, err = json.Marshal(NewWebhookPayload(alert))
	require.NoError(t, err)
	assert.NotContains(t, string(body), "category")
}

func TestWebhookChannel_Delivers(t *testing.T) {
	var received WebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Alert-Token"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	channel := NewWebhookChannel(WebhookConfig{
		URL:     server.URL,
		Headers: map[string]string{"X-Alert-Token": "secret"},
		Retry:   fastRetry(),
	}, zaptest.NewLogger(t))

	require.NoError(t, channel.Send(context.Background(), testAlert()))
	assert.Equal(t, "webhook", channel.Name())
	assert.Equal(t, "alert-1", received.Alert.ID)
	assert.Equal(t, "2026-02-10T07:00:00Z", received.Alert.Timestamp)
}

func TestWebhookChannel_RetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel := NewWebhookChannel(WebhookConfig{URL: server.URL, Retry: fastRetry()}, zaptest.NewLogger(t))

	require.NoError(t, channel.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWebhookChannel_RejectionIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	channel := NewWebhookChannel(WebhookConfig{URL: server.URL, Retry: fastRetry()}, zaptest.NewLogger(t))

	err := channel.Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Equal(t, "EXTERNAL_SERVICE_ERROR", errors.GetCode(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWebhookChannel_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	channel := NewWebhookChannel(WebhookConfig{URL: server.URL, Retry: fastRetry()}, zaptest.NewLogger(t))

	err := channel.Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSlackChannel(t *testing.T) {
	t.Run("no URL is a no-op", func(t *testing.T) {
		channel := NewSlackChannel("", zaptest.NewLogger(t))
		assert.NoError(t, channel.Send(context.Background(), testAlert()))
	})

	t.Run("posts attachment", func(t *testing.T) {
		var message SlackMessage
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&message))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		channel := NewSlackChannel(server.URL, zaptest.NewLogger(t))
		require.NoError(t, channel.Send(context.Background(), testAlert()))

		require.Len(t, message.Attachments, 1)
		attachment := message.Attachments[0]
		assert.Equal(t, "warning", attachment.Color)
		assert.Equal(t, "category spike", attachment.Title)
		assert.Len(t, attachment.Fields, 3)
	})

	t.Run("non-200 fails", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		channel := NewSlackChannel(server.URL, zaptest.NewLogger(t))
		assert.Error(t, channel.Send(context.Background(), testAlert()))
	})
}

func TestLoggingChannel_LevelFollowsSeverity(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	channel := NewLoggingChannel(zap.New(core))

	require.NoError(t, channel.Send(context.Background(), testAlert()))

	low := testAlert()
	low.Severity = errors.SeverityLow
	require.NoError(t, channel.Send(context.Background(), low))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "alert-1", entries[0].ContextMap()["alert_id"])
	assert.Equal(t, "ai_error", entries[0].ContextMap()["category"])
}

func TestEmailChannel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	require.NoError(t, NewEmailChannel(nil, zap.New(core)).Send(context.Background(), testAlert()))
	assert.Zero(t, logs.Len())

	channel := NewEmailChannel([]string{"oncall@example.com"}, zap.New(core))
	require.NoError(t, channel.Send(context.Background(), testAlert()))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "[HIGH] 5 ai_error errors in the last 15m0s", logs.All()[0].ContextMap()["subject"])
}

func TestMaskURL(t *testing.T) {
	assert.Equal(t, "https://hooks.slack.com/***", maskURL("https://hooks.slack.com/services/T000/B000/XXXX"))
	assert.Equal(t, "***", maskURL("not a url"))
}
