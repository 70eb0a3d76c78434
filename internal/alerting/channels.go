package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/resilience"
)

// WebhookPayload is the body posted to the alert webhook
type WebhookPayload struct {
	Alert WebhookAlert `json:"alert"`
}

// WebhookAlert is the alert as the webhook receives it
type WebhookAlert struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	ErrorCount int    `json:"errorCount"`
	Category   string `json:"category,omitempty"`
}

// NewWebhookPayload converts an alert into the webhook body
func NewWebhookPayload(alert Alert) WebhookPayload {
	return WebhookPayload{Alert: WebhookAlert{
		ID:         alert.ID,
		Type:       string(alert.Type),
		Message:    alert.Message,
		Timestamp:  alert.TriggeredAt.UTC().Format(time.RFC3339),
		ErrorCount: alert.ErrorCount,
		Category:   string(alert.Category),
	}}
}

// WebhookConfig configures webhook delivery
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig
	Client  *http.Client
}

// WebhookChannel posts alerts as JSON. Transient failures are retried behind
// a circuit breaker.
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
	op      *resilience.RetryableOperation
	logger  *zap.Logger
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(config WebhookConfig, logger *zap.Logger) *WebhookChannel {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = resilience.DefaultRetryConfig()
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookChannel{
		url:     config.URL,
		headers: config.Headers,
		client:  client,
		op:      resilience.NewRetryableOperation("alert-webhook", config.Breaker, config.Retry),
		logger:  logger,
	}
}

// Name returns the channel name
func (wc *WebhookChannel) Name() string {
	return "webhook"
}

// Send posts the alert
func (wc *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(NewWebhookPayload(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	err = wc.op.Execute(ctx, func(ctx context.Context) error {
		return wc.post(ctx, payload)
	})
	if err != nil {
		return err
	}

	wc.logger.Info("Alert delivered to webhook",
		zap.String("alert_id", alert.ID),
		zap.String("alert_type", string(alert.Type)),
		zap.String("url", maskURL(wc.url)))
	return nil
}

func (wc *WebhookChannel) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, bytes.NewReader(payload))
	if err != nil {
		return errors.NewValidationError("invalid webhook URL").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wc.headers {
		req.Header.Set(k, v)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return errors.NewNetworkError("webhook request failed").WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.NewUnavailableError("alert-webhook", fmt.Sprintf("webhook returned status %d", resp.StatusCode))
	default:
		return errors.NewExternalError("alert-webhook", fmt.Sprintf("webhook rejected alert with status %d", resp.StatusCode))
	}
}

// SlackMessage is a Slack incoming webhook payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField is a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackChannel posts alerts to a Slack incoming webhook. Without a URL it
// does nothing.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
	logger     *zap.Logger
}

// NewSlackChannel creates a Slack channel
func NewSlackChannel(webhookURL string, logger *zap.Logger) *SlackChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Name returns the channel name
func (sc *SlackChannel) Name() string {
	return "slack"
}

// Send posts the alert to Slack
func (sc *SlackChannel) Send(ctx context.Context, alert Alert) error {
	if sc.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(buildSlackMessage(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	sc.logger.Info("Alert delivered to Slack",
		zap.String("alert_id", alert.ID),
		zap.String("webhook_url", maskURL(sc.webhookURL)))
	return nil
}

func buildSlackMessage(alert Alert) SlackMessage {
	fields := []SlackField{
		{Title: "Severity", Value: string(alert.Severity), Short: true},
		{Title: "Errors", Value: fmt.Sprintf("%d", alert.ErrorCount), Short: true},
	}
	if alert.Category != "" {
		fields = append(fields, SlackField{Title: "Category", Value: string(alert.Category), Short: true})
	}

	return SlackMessage{
		Text: fmt.Sprintf("Alert: %s", alert.Type),
		Attachments: []SlackAttachment{{
			Color:     severityColor(alert.Severity),
			Title:     strings.ReplaceAll(string(alert.Type), "_", " "),
			Text:      alert.Message,
			Fields:    fields,
			Footer:    "chat-resilience",
			Timestamp: alert.TriggeredAt.Unix(),
		}},
	}
}

func severityColor(severity errors.Severity) string {
	switch severity {
	case errors.SeverityCritical:
		return "danger"
	case errors.SeverityHigh:
		return "warning"
	default:
		return "#439FE0"
	}
}

// EmailChannel records alerts for the configured recipients. Mail transport
// is not wired in; every send is logged.
type EmailChannel struct {
	recipients []string
	logger     *zap.Logger
}

// NewEmailChannel creates an email channel
func NewEmailChannel(recipients []string, logger *zap.Logger) *EmailChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailChannel{recipients: recipients, logger: logger}
}

// Name returns the channel name
func (ec *EmailChannel) Name() string {
	return "email"
}

// Send logs the alert for each recipient
func (ec *EmailChannel) Send(ctx context.Context, alert Alert) error {
	if len(ec.recipients) == 0 {
		return nil
	}

	ec.logger.Info("Email alert prepared",
		zap.String("alert_id", alert.ID),
		zap.String("subject", fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Message)),
		zap.Strings("recipients", ec.recipients))
	return nil
}

// LoggingChannel writes alerts to the log
type LoggingChannel struct {
	logger *zap.Logger
}

// NewLoggingChannel creates a logging channel
func NewLoggingChannel(logger *zap.Logger) *LoggingChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingChannel{logger: logger}
}

// Name returns the channel name
func (lc *LoggingChannel) Name() string {
	return "logging"
}

// Send logs the alert at a level matching its severity
func (lc *LoggingChannel) Send(ctx context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("alert_type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.Int("error_count", alert.ErrorCount),
		zap.Time("triggered_at", alert.TriggeredAt),
	}
	if alert.Category != "" {
		fields = append(fields, zap.String("category", string(alert.Category)))
	}

	switch alert.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		lc.logger.Error("ALERT: "+alert.Message, fields...)
	default:
		lc.logger.Warn("ALERT: "+alert.Message, fields...)
	}
	return nil
}

// maskURL hides everything but the scheme and host
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Scheme + "://" + u.Host + "/***"
}
