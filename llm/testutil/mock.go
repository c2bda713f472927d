// Package testutil provides test utilities for the llm package.
// It includes mock implementations for testing LLM client interactions.
package testutil

import (
	"context"
	"sync"

	"github.com/ewoutbarendregt/crosscheck/llm"
)

// MockLLMClient is a thread-safe mock LLM client for testing.
// It captures the requests passed to Complete() and returns configured
// responses in sequence.
//
// Usage:
//
//	// Single response mock
//	mock := &MockLLMClient{
//	    Responses: []*llm.Response{
//	        {Content: `{"result": "success"}`, Model: "test-model"},
//	    },
//	}
//
//	// Error response
//	mock := &MockLLMClient{
//	    Err: errors.New("connection failed"),
//	}
type MockLLMClient struct {
	mu               sync.Mutex
	capturedRequests []llm.Request
	Responses        []*llm.Response // Responses to return in sequence
	Err              error           // Error to return (takes precedence over Responses)
	callCount        int
	responseIndex    int
}

// Complete returns the next response from the Responses slice, or Err if set.
// The request is captured for verification in tests.
func (m *MockLLMClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.capturedRequests = append(m.capturedRequests, req)
	m.callCount++

	if m.Err != nil {
		return nil, m.Err
	}

	if m.responseIndex < len(m.Responses) {
		resp := m.Responses[m.responseIndex]
		m.responseIndex++
		return resp, nil
	}

	// Default response if no responses configured
	return &llm.Response{Content: "", Model: "test-model"}, nil
}

// CapturedRequests returns a copy of all requests passed to Complete().
func (m *MockLLMClient) CapturedRequests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.capturedRequests))
	copy(out, m.capturedRequests)
	return out
}

// GetCallCount returns the number of times Complete() was called.
func (m *MockLLMClient) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Reset resets the mock's state (call count, captured requests and
// response index). Useful for reusing the same mock instance across
// multiple test cases.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount = 0
	m.responseIndex = 0
	m.capturedRequests = nil
}
