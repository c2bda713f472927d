package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ewoutbarendregt/crosscheck/llm"
	_ "github.com/ewoutbarendregt/crosscheck/llm/providers"
)

const completionBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "gpt-4o",
	"choices": [
		{
			"index": 0,
			"message": {"role": "assistant", "content": "{\"verdict\": \"supported\"}"},
			"finish_reason": "stop"
		}
	],
	"usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150}
}`

func floatPtr(f float64) *float64 { return &f }

func TestClient_Complete_Azure(t *testing.T) {
	var (
		gotPath   string
		gotQuery  string
		gotAPIKey string
		gotBody   map[string]any
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAPIKey = r.Header.Get("api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	client := llm.NewClient(llm.Endpoint{
		Provider:   "azure",
		BaseURL:    srv.URL,
		APIKey:     "secret-key",
		Deployment: "reasoner",
		APIVersion: "2024-06-01",
	})

	resp, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You are a reasoning worker."},
			{Role: "user", Content: "Assess the claim."},
		},
		Temperature:    floatPtr(0.2),
		ResponseFormat: llm.ResponseFormatJSONObject,
	})
	require.NoError(t, err)

	assert.Equal(t, "/openai/deployments/reasoner/chat/completions", gotPath)
	assert.Equal(t, "api-version=2024-06-01", gotQuery)
	assert.Equal(t, "secret-key", gotAPIKey)

	assert.Equal(t, 0.2, gotBody["temperature"])
	assert.Equal(t, map[string]any{"type": "json_object"}, gotBody["response_format"])
	messages, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	// Azure resolves the model from the deployment, so none is sent.
	assert.NotContains(t, gotBody, "model")

	assert.Equal(t, `{"verdict": "supported"}`, resp.Content)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, 150, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestClient_Complete_OpenAI(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody map[string]any
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	client := llm.NewClient(llm.Endpoint{
		Provider: "openai",
		BaseURL:  srv.URL,
		APIKey:   "sk-test",
		Model:    "gpt-4o",
	})

	resp, err := client.Complete(context.Background(), llm.Request{
		Messages:  []llm.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 512,
	})
	require.NoError(t, err)

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o", gotBody["model"])
	assert.Equal(t, float64(512), gotBody["max_tokens"])
	assert.NotContains(t, gotBody, "temperature")
	assert.NotContains(t, gotBody, "response_format")
	assert.Equal(t, `{"verdict": "supported"}`, resp.Content)
}

func TestClient_Complete_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": "rate limited"}`))
	}))
	defer srv.Close()

	client := llm.NewClient(llm.Endpoint{Provider: "openai", BaseURL: srv.URL})

	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.Contains(t, err.Error(), "LLM API error (status 429)")
}

func TestClient_Complete_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := llm.NewClient(llm.Endpoint{Provider: "openai", BaseURL: srv.URL})

	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.False(t, llm.IsFatal(err))
}

func TestClient_Complete_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "bad key"}`))
	}))
	defer srv.Close()

	client := llm.NewClient(llm.Endpoint{Provider: "openai", BaseURL: srv.URL})

	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Contains(t, err.Error(), "status 401")
}

func TestClient_Complete_BadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := llm.NewClient(llm.Endpoint{Provider: "openai", BaseURL: srv.URL})

	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.False(t, llm.IsTransient(err))
}

func TestClient_Complete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model": "gpt-4o", "choices": []}`))
	}))
	defer srv.Close()

	client := llm.NewClient(llm.Endpoint{Provider: "openai", BaseURL: srv.URL})

	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices in response")
}

func TestClient_Complete_NoMessages(t *testing.T) {
	client := llm.NewClient(llm.Endpoint{Provider: "openai"})

	_, err := client.Complete(context.Background(), llm.Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one message is required")
}

func TestClient_Complete_UnknownProvider(t *testing.T) {
	client := llm.NewClient(llm.Endpoint{Provider: "bedrock"})

	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Contains(t, err.Error(), "unknown provider: bedrock")
}

func TestProviders_Registered(t *testing.T) {
	assert.Contains(t, llm.ListProviders(), "azure")
	assert.Contains(t, llm.ListProviders(), "openai")
}
