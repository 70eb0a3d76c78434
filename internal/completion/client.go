// Package completion calls the AI completion service used by the chat
// assistant.
package completion

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/NikhilSetiya/chat-resilience/pkg/config"
	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
	"github.com/NikhilSetiya/chat-resilience/pkg/resilience"
	"github.com/NikhilSetiya/chat-resilience/pkg/tracing"
)

const defaultSystemPrompt = "You are a helpful assistant."

// Config holds completion client settings
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	SystemPrompt string
	Timeout      time.Duration
	Breaker      resilience.CircuitBreakerConfig

	Logger  *logging.Logger
	Tracing *tracing.TracingService
}

// ConfigFrom builds the client configuration from the application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		APIKey:    cfg.Completion.APIKey,
		BaseURL:   cfg.Completion.BaseURL,
		Model:     cfg.Completion.Model,
		MaxTokens: cfg.Completion.MaxTokens,
	}
}

// Client sends prompts to an OpenAI compatible chat completion API behind a
// circuit breaker
type Client struct {
	api          *openai.Client
	model        string
	maxTokens    int
	systemPrompt string
	breaker      *resilience.CircuitBreaker
	logger       *logging.Logger
	tracing      *tracing.TracingService
}

// NewClient creates a completion client
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, errors.NewValidationError("completion API key is required")
	}
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaultSystemPrompt
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.Breaker.Name == "" {
		config.Breaker.Name = "completion"
	}
	if config.Breaker.Logger == nil {
		config.Breaker.Logger = config.Logger
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	clientConfig.HTTPClient = config.Tracing.InstrumentHTTPClient(&http.Client{Timeout: config.Timeout})

	logger := logging.OrGlobal(config.Logger)
	logger.Info("Initializing completion client", "model", config.Model)

	return &Client{
		api:          openai.NewClientWithConfig(clientConfig),
		model:        config.Model,
		maxTokens:    config.MaxTokens,
		systemPrompt: config.SystemPrompt,
		breaker:      resilience.NewCircuitBreaker(config.Breaker),
		logger:       logger,
		tracing:      config.Tracing,
	}, nil
}

// Complete returns the assistant reply to prompt
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.NewValidationError("prompt is required")
	}

	return tracing.Traced(ctx, c.tracing, "completion.create", func(ctx context.Context) (string, error) {
		return resilience.Guard(ctx, c.breaker, func(ctx context.Context) (string, error) {
			return c.create(ctx, prompt)
		})
	})
}

func (c *Client) create(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if c.maxTokens > 0 {
		req.MaxCompletionTokens = c.maxTokens
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		mapped := mapError(err)
		c.logger.WithContext(ctx).WithError(err).WithField("code", errors.GetCode(mapped)).Warn("Completion request failed")
		return "", mapped
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.NewAIServiceError("completion service returned no choices")
	}

	c.logger.Debug("Completion received",
		"finish_reason", string(resp.Choices[0].FinishReason),
		"total_tokens", resp.Usage.TotalTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

// State returns the breaker state
func (c *Client) State() resilience.CircuitState {
	return c.breaker.State()
}

// mapError turns API failures into errors whose text matches the AI retry
// vocabulary: 429 reads as rate-limit and 5xx as service-unavailable
func mapError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case stderrors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case stderrors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return errors.NewRateLimitError("completion service rate limit exceeded").WithCause(err)
	case status == http.StatusUnauthorized:
		return errors.NewAuthenticationError("completion service rejected the API key").WithCause(err)
	case status == http.StatusForbidden:
		return errors.NewAuthorizationError("completion service refused the request").WithCause(err)
	case status >= 500:
		return errors.NewUnavailableError("completion", "service unavailable").WithCause(err)
	case status >= 400:
		return errors.NewAIServiceError(fmt.Sprintf("completion request rejected with status %d", status)).WithCause(err)
	}

	var netErr net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewTimeoutError("completion request").WithCause(err)
	case stderrors.Is(err, context.Canceled):
		return err
	case stderrors.As(err, &netErr):
		return errors.NewNetworkError("completion service unreachable").WithCause(err)
	default:
		return errors.NewAIServiceError("completion request failed").WithCause(err)
	}
}
