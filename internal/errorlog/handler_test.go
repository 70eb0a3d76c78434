package errorlog

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestHandler(c *clock, mutate ...func(*Config)) *Handler {
	config := DefaultConfig()
	config.Logger = logging.NewNop()
	config.now = c.now
	for _, m := range mutate {
		m(&config)
	}
	return NewHandler(config)
}

func TestCreateError_Defaults(t *testing.T) {
	h := newTestHandler(newClock())

	record := h.CreateError(fmt.Errorf("disk full"), Context{UserID: "u1"}, "", "", nil)

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, errors.SeverityMedium, record.Severity)
	assert.Equal(t, errors.CategorySystem, record.Category)
	assert.Equal(t, "disk full", record.Error.Message)
	assert.Equal(t, errors.CodeInternal, record.Error.Code)
	assert.Equal(t, "u1", record.Context.UserID)
}

func TestCreateError_KeepsAppErrorCode(t *testing.T) {
	h := newTestHandler(newClock())

	record := h.CreateError(errors.NewTimeoutError("load messages"), Context{}, errors.SeverityHigh, errors.CategorySystem, map[string]interface{}{"collection": "messages"})

	assert.Equal(t, "TIMEOUT", record.Error.Code)
	assert.Equal(t, "messages", record.Metadata["collection"])
}

func TestStats_TotalIncrementsByOne(t *testing.T) {
	h := newTestHandler(newClock())

	for i := 1; i <= 5; i++ {
		h.CreateError(fmt.Errorf("e%d", i), Context{}, errors.SeverityLow, errors.CategoryValidation, nil)
		assert.Equal(t, i, h.Stats().Total)
	}
}

func TestStats_Aggregates(t *testing.T) {
	c := newClock()
	h := newTestHandler(c)

	h.CreateError(fmt.Errorf("old"), Context{}, errors.SeverityCritical, errors.CategoryAI, nil)
	c.advance(2 * time.Hour)
	h.CreateError(fmt.Errorf("a"), Context{}, errors.SeverityCritical, errors.CategoryAI, nil)
	h.CreateError(fmt.Errorf("b"), Context{}, errors.SeverityLow, errors.CategoryRateLimit, nil)

	stats := h.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.BySeverity[errors.SeverityCritical])
	assert.Equal(t, 1, stats.ByCategory[errors.CategoryRateLimit])
	assert.Equal(t, 2, stats.LastHour)
	assert.Len(t, stats.Records, 3)
}

func TestRetention_PurgesByAge(t *testing.T) {
	c := newClock()
	h := newTestHandler(c)

	h.CreateError(fmt.Errorf("yesterday"), Context{}, "", "", nil)
	c.advance(25 * time.Hour)
	h.CreateError(fmt.Errorf("today"), Context{}, "", "", nil)

	records := h.Query(Filter{})
	require.Len(t, records, 1)
	assert.Equal(t, "today", records[0].Error.Message)
}

func TestRetention_PurgesBySize(t *testing.T) {
	c := newClock()
	h := newTestHandler(c, func(cfg *Config) { cfg.MaxRecords = 3 })

	for i := 0; i < 5; i++ {
		h.CreateError(fmt.Errorf("e%d", i), Context{}, "", "", nil)
		c.advance(time.Second)
	}

	records := h.Query(Filter{})
	require.Len(t, records, 3)
	assert.Equal(t, "e4", records[0].Error.Message)
	assert.Equal(t, "e2", records[2].Error.Message)
}

func TestQuery_Filters(t *testing.T) {
	c := newClock()
	h := newTestHandler(c)

	h.CreateError(fmt.Errorf("a"), Context{}, errors.SeverityHigh, errors.CategoryAI, nil)
	c.advance(time.Minute)
	since := c.now()
	h.CreateError(fmt.Errorf("b"), Context{}, errors.SeverityHigh, errors.CategorySystem, nil)
	c.advance(time.Minute)
	h.CreateError(fmt.Errorf("c"), Context{}, errors.SeverityLow, errors.CategorySystem, nil)

	assert.Len(t, h.Query(Filter{Severity: errors.SeverityHigh}), 2)
	assert.Len(t, h.Query(Filter{Category: errors.CategorySystem}), 2)
	assert.Len(t, h.Query(Filter{Since: since}), 2)

	limited := h.Query(Filter{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].Error.Message)
}

func TestCreateErrorResponse_AuthenticationCode(t *testing.T) {
	h := newTestHandler(newClock())

	for _, msg := range []string{"token expired", "VALIDATION failed", "rate limit", ""} {
		resp := h.CreateErrorResponse(fmt.Errorf("%s", msg), Context{}, errors.CategoryAuthentication)
		assert.False(t, resp.Success)
		assert.Equal(t, "AUTH_ERROR", resp.Error.Code)
		assert.NotEmpty(t, resp.Error.RequestID)
	}
	assert.Equal(t, 4, h.Stats().Total)
}

func TestCreateErrorResponse_NeverLeaksRawText(t *testing.T) {
	h := newTestHandler(newClock())

	resp := h.CreateErrorResponse(fmt.Errorf("pq: relation \"users\" does not exist"), Context{RequestID: "req-7"}, errors.CategorySystem)

	body, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "relation")
	assert.Equal(t, "req-7", resp.Error.RequestID)
	assert.JSONEq(t, fmt.Sprintf(`{"success":false,"error":{"code":"INTERNAL_ERROR","message":%q,"requestId":"req-7"}}`,
		errors.UserMessage(errors.CategorySystem, "en")), string(body))
}

func TestCreateErrorResponse_Locale(t *testing.T) {
	h := newTestHandler(newClock(), func(cfg *Config) { cfg.Locale = "es" })

	resp := h.CreateErrorResponse(fmt.Errorf("x"), Context{}, errors.CategoryRateLimit)
	assert.Equal(t, errors.UserMessage(errors.CategoryRateLimit, "es"), resp.Error.Message)
}

func TestRecordFailure_ProfileMapping(t *testing.T) {
	h := newTestHandler(newClock())
	ctx := logging.WithRequestID(logging.WithUserID(context.Background(), "u9"), "req-9")

	h.RecordFailure(ctx, fmt.Errorf("unavailable"), "ai")
	h.RecordFailure(ctx, fmt.Errorf("unavailable"), "critical")
	h.RecordFailure(ctx, errors.NewRateLimitError("slow down"), "firebase")

	records := h.Query(Filter{})
	require.Len(t, records, 3)
	assert.Equal(t, errors.CategoryRateLimit, records[0].Category)
	assert.Equal(t, errors.SeverityMedium, records[0].Severity)
	assert.Equal(t, errors.SeverityHigh, records[1].Severity)
	assert.Equal(t, errors.CategoryAI, records[2].Category)
	assert.Equal(t, "u9", records[2].Context.UserID)
	assert.Equal(t, "req-9", records[2].Context.RequestID)
	assert.Equal(t, "ai", records[2].Metadata["profile"])
}

func TestClear(t *testing.T) {
	h := newTestHandler(newClock())
	h.CreateError(fmt.Errorf("x"), Context{}, "", "", nil)

	h.Clear()
	assert.Zero(t, h.Stats().Total)
}

// The response code depends only on the category, never on the error text.
func TestResponseCodeProperty(t *testing.T) {
	h := newTestHandler(newClock())

	rapid.Check(t, func(rt *rapid.T) {
		category := rapid.SampledFrom(errors.Categories).Draw(rt, "category")
		msg := rapid.String().Draw(rt, "message")

		resp := h.CreateErrorResponse(fmt.Errorf("%s", msg), Context{}, category)
		if resp.Error.Code != errors.CodeFor(category) {
			rt.Fatalf("code %s for %s", resp.Error.Code, category)
		}
	})
}
