// Package llm provides the chat-completions client used by the reasoning
// pipeline. Concrete API shapes live behind the Provider interface; the
// client itself is provider-agnostic and performs exactly one HTTP attempt
// per call, because pipeline stages are never retried.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// ResponseFormatJSONObject constrains the completion to a single JSON object.
const ResponseFormatJSONObject = "json_object"

// Endpoint identifies the chat-completions deployment to call.
type Endpoint struct {
	// Provider selects the registered API shape ("azure" or "openai").
	Provider string

	// BaseURL is the service root, without the chat-completions path.
	BaseURL string

	// APIKey authenticates the request. Header placement is the provider's
	// concern.
	APIKey string

	// Deployment is the Azure OpenAI deployment name.
	Deployment string

	// APIVersion is the Azure api-version query parameter.
	APIVersion string

	// Model names the model for OpenAI-compatible providers. Azure resolves
	// the model from the deployment instead.
	Model string
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines a completion request.
type Request struct {
	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses the endpoint default.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int

	// ResponseFormat constrains the output shape. Empty means unconstrained;
	// ResponseFormatJSONObject requests a single JSON object.
	ResponseFormat string
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the completion result.
type Response struct {
	// Content is the generated text of the first choice.
	Content string

	// Model is the model that produced the completion.
	Model string

	// Usage contains token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Client calls a single chat-completions endpoint.
type Client struct {
	endpoint   Endpoint
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a client for the given endpoint.
func NewClient(endpoint Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for LLM responses
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a completion request and returns the parsed response.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	provider := GetProvider(c.endpoint.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", c.endpoint.Provider))
	}

	url := provider.BuildURL(c.endpoint)

	body, err := provider.BuildRequestBody(req, c.endpoint)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", c.endpoint.Provider,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq, c.endpoint)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	// Read response body with size limit to prevent memory exhaustion
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("LLM request completed",
		"provider", c.endpoint.Provider,
		"model", resp.Model,
		"total_tokens", resp.Usage.TotalTokens,
		"finish_reason", resp.FinishReason)

	return resp, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal. The
// status code stays in the message so stage failures can surface it.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode >= 500:
		// Server errors are transient
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		// Bad requests are fatal
		return NewFatalError(err)
	default:
		// Unknown errors default to fatal
		return NewFatalError(err)
	}
}
