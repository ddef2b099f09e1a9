// Package llm adapts OpenAI-shaped completion and embedding HTTP APIs
// behind narrow interfaces. Requests are non-streaming, retried with
// exponential backoff on rate limits and server errors, and guarded by a
// circuit breaker per provider.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/ragmesh/ragmesh/pkg/observability"
	"github.com/ragmesh/ragmesh/pkg/resilience"
)

// ErrEmptyResponse is returned when the provider answers 200 with no
// usable choice.
var ErrEmptyResponse = errors.New("empty completion response")

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the completion interface the pipeline depends on.
type Client interface {
	// Complete sends a single user prompt and returns the completion text.
	Complete(ctx context.Context, prompt string, op Operation) (string, error)

	// Chat sends a full conversation and returns the completion text.
	Chat(ctx context.Context, messages []Message, op Operation) (string, error)
}

// ClientConfig configures an HTTP completion client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries uint64
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	return c
}

// HTTPClient talks to an OpenAI-shaped /chat/completions endpoint.
type HTTPClient struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	tracker *TokenTracker
	logger  observability.Logger
}

// NewHTTPClient creates a completion client.
func NewHTTPClient(cfg ClientConfig, tracker *TokenTracker, logger observability.Logger) *HTTPClient {
	cfg = cfg.withDefaults()
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: resilience.NewBreaker("llm", resilience.DefaultBreakerConfig(), logger),
		tracker: tracker,
		logger:  logger.WithPrefix("llm"),
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage *usageBlock `json:"usage"`
}

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, prompt string, op Operation) (string, error) {
	return c.Chat(ctx, []Message{{Role: "user", Content: prompt}}, op)
}

// Chat implements Client.
func (c *HTTPClient) Chat(ctx context.Context, messages []Message, op Operation) (string, error) {
	req := chatRequest{Model: c.cfg.Model, Messages: messages}

	var resp chatResponse
	result, err := c.breaker.Execute(func() (interface{}, error) {
		if err := postJSON(ctx, c.http, c.cfg.BaseURL+"/chat/completions", c.cfg.APIKey, c.cfg.MaxRetries, req, &resp); err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, ErrEmptyResponse
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("llm provider unavailable: %w", err)
		}
		return "", fmt.Errorf("failed to complete chat: %w", err)
	}

	content := result.(string)
	prompt, completion := usageOrEstimate(resp.Usage, messages, content)
	c.tracker.Record(op, prompt, completion)

	c.logger.Debug("chat completion", map[string]interface{}{
		"operation":         string(op),
		"model":             c.cfg.Model,
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
	})
	return content, nil
}

// usageOrEstimate prefers provider-reported usage and falls back to the
// character heuristic.
func usageOrEstimate(usage *usageBlock, messages []Message, content string) (int, int) {
	if usage != nil && usage.TotalTokens > 0 {
		return usage.PromptTokens, usage.CompletionTokens
	}
	prompt := 0
	for _, m := range messages {
		prompt += EstimateTokens(m.Content)
	}
	return prompt, EstimateTokens(content)
}

// httpStatusError carries the provider status for retry classification.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.status, e.body)
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// postJSON posts the request body and decodes the response, retrying
// rate limits and server errors with exponential backoff. Other 4xx
// responses fail immediately.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, maxRetries uint64, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			statusErr := &httpStatusError{status: resp.StatusCode, body: truncate(string(data), 256)}
			if retryableStatus(resp.StatusCode) {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	schedule := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.Retry(attempt, schedule)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
