// Package providers registers the chat-completions API shapes the client can
// talk to. Importing the package for side effects is enough to make every
// provider available by name.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ewoutbarendregt/crosscheck/llm"
)

// OpenAIProvider implements the OpenAI chat-completions API. It also serves
// OpenAI-compatible gateways that accept a bearer token.
type OpenAIProvider struct{}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the chat completions endpoint.
func (o *OpenAIProvider) BuildURL(ep llm.Endpoint) string {
	baseURL := ep.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	// Check if URL already ends with chat/completions
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}

	return baseURL + "/chat/completions"
}

// SetHeaders adds bearer authentication.
func (o *OpenAIProvider) SetHeaders(req *http.Request, ep llm.Endpoint) {
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
}

// openAIRequest is the OpenAI-compatible request format.
type openAIRequest struct {
	Model          string                `json:"model,omitempty"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    *float64              `json:"temperature,omitempty"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

// BuildRequestBody creates the OpenAI-compatible request body.
func (o *OpenAIProvider) BuildRequestBody(req llm.Request, ep llm.Endpoint) ([]byte, error) {
	apiMessages := make([]openAIMessage, len(req.Messages))
	for i, msg := range req.Messages {
		apiMessages[i] = openAIMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	apiReq := openAIRequest{
		Model:       ep.Model,
		Messages:    apiMessages,
		Temperature: req.Temperature, // nil = use default, 0 = deterministic
	}

	// Only set max_tokens if explicitly provided
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		apiReq.MaxTokens = &maxTokens
	}

	if req.ResponseFormat != "" {
		apiReq.ResponseFormat = &openAIResponseFormat{Type: req.ResponseFormat}
	}

	return json.Marshal(apiReq)
}

// openAIResponse is the OpenAI-compatible response format.
type openAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts content from the first choice of an
// OpenAI-compatible response.
func (o *OpenAIProvider) ParseResponse(body []byte) (*llm.Response, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse openai response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &llm.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}
