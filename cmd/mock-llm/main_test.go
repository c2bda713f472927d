package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ewoutbarendregt/crosscheck/schema"
)

func TestBuiltinResponsesSatisfySchemas(t *testing.T) {
	schemas, err := schema.New()
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}

	kinds := map[string]schema.Kind{
		"retrieval":         schema.KindRetrieval,
		"matching":          schema.KindMatching,
		"findingGeneration": schema.KindFindingGeneration,
		"agreementScoring":  schema.KindAgreementScoring,
		"categorySynthesis": schema.KindCategorySynthesis,
		"overallAssessment": schema.KindOverallAssessment,
	}

	if len(builtinResponses) != len(kinds) {
		t.Fatalf("expected %d built-in responses, got %d", len(kinds), len(builtinResponses))
	}
	for task, kind := range kinds {
		content, ok := builtinResponses[task]
		if !ok {
			t.Errorf("no built-in response for task %q", task)
			continue
		}
		if err := schemas.Validate(kind, []byte(content)); err != nil {
			t.Errorf("task %q: built-in response fails validation: %v", task, err)
		}
	}
}

func TestAzurePathServed(t *testing.T) {
	s := newServer(builtinFixtures(t))

	resp := doCompletion(t, s, "/openai/deployments/verdict-gpt4o/chat/completions?api-version=2024-02-01", "retrieval")

	if !strings.Contains(resp.Choices[0].Message.Content, "passages") {
		t.Errorf("expected retrieval response, got: %s", resp.Choices[0].Message.Content)
	}
	// The deployment from the URL stands in for the model name
	if resp.Model != "verdict-gpt4o" {
		t.Errorf("model: expected deployment echo, got %q", resp.Model)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason: expected stop, got %q", resp.Choices[0].FinishReason)
	}
}

func TestOpenAIPathsServed(t *testing.T) {
	s := newServer(builtinFixtures(t))

	for _, path := range []string{"/chat/completions", "/v1/chat/completions"} {
		resp := doCompletion(t, s, path, "matching")
		if !strings.Contains(resp.Choices[0].Message.Content, "matches") {
			t.Errorf("%s: expected matching response, got: %s", path, resp.Choices[0].Message.Content)
		}
	}
}

func TestUnknownTask(t *testing.T) {
	s := newServer(builtinFixtures(t))

	w := postPrompt(t, s, "/chat/completions", "Task: summarize\n\nInput: none")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMissingTaskLine(t *testing.T) {
	s := newServer(builtinFixtures(t))

	w := postPrompt(t, s, "/chat/completions", "hello there")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a Task line, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTaskFromRequest(t *testing.T) {
	tests := []struct {
		name     string
		messages []chatMessage
		want     string
	}{
		{
			name: "task line with input",
			messages: []chatMessage{
				{Role: "system", Content: "You are a reasoning worker."},
				{Role: "user", Content: "Task: matching\n\nInput:\n{}"},
			},
			want: "matching",
		},
		{
			name: "surrounding whitespace trimmed",
			messages: []chatMessage{
				{Role: "user", Content: "Task:  retrieval \nmore"},
			},
			want: "retrieval",
		},
		{
			name: "last user message wins",
			messages: []chatMessage{
				{Role: "user", Content: "Task: retrieval\n"},
				{Role: "assistant", Content: `{"passages":[]}`},
				{Role: "user", Content: "Task: matching\n"},
			},
			want: "matching",
		},
		{
			name: "no task line",
			messages: []chatMessage{
				{Role: "user", Content: "What is the capital of France?"},
			},
			want: "",
		},
		{
			name: "task line only on assistant message",
			messages: []chatMessage{
				{Role: "assistant", Content: "Task: matching\n"},
			},
			want: "",
		},
		{
			name:     "no messages",
			messages: nil,
			want:     "",
		},
	}

	for _, tt := range tests {
		got := taskFromRequest(chatRequest{Messages: tt.messages})
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSequentialFixtureSelection(t *testing.T) {
	fixtures := map[string][]string{
		"matching": {
			`{"matches":[{"criterionId":"crit-1","aspect":"first","relevance":0.5,"rationale":"initial attempt"}]}`,
			`{"matches":[{"criterionId":"crit-1","aspect":"second","relevance":0.9,"rationale":"after redelivery"}]}`,
		},
		"retrieval": {builtinResponses["retrieval"]},
	}

	s := newServer(fixtures)

	// First call to matching → first fixture
	resp1 := doCompletion(t, s, "/chat/completions", "matching")
	if !strings.Contains(resp1.Choices[0].Message.Content, "initial attempt") {
		t.Errorf("call 1: expected first fixture, got: %s", resp1.Choices[0].Message.Content)
	}

	// Second call → second fixture
	resp2 := doCompletion(t, s, "/chat/completions", "matching")
	if !strings.Contains(resp2.Choices[0].Message.Content, "after redelivery") {
		t.Errorf("call 2: expected second fixture, got: %s", resp2.Choices[0].Message.Content)
	}

	// Third call (beyond sequence) → repeats last
	resp3 := doCompletion(t, s, "/chat/completions", "matching")
	if !strings.Contains(resp3.Choices[0].Message.Content, "after redelivery") {
		t.Errorf("call 3: expected repeat of last fixture, got: %s", resp3.Choices[0].Message.Content)
	}

	// Retrieval calls are counted independently
	resp4 := doCompletion(t, s, "/chat/completions", "retrieval")
	if !strings.Contains(resp4.Choices[0].Message.Content, "passages") {
		t.Errorf("retrieval: expected built-in content, got: %s", resp4.Choices[0].Message.Content)
	}
}

func TestLoadFixtures_BuiltinsOnly(t *testing.T) {
	fixtures, err := loadFixtures("")
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	if len(fixtures) != 6 {
		t.Fatalf("expected 6 built-in tasks, got %d", len(fixtures))
	}
	for task, seq := range fixtures {
		if len(seq) != 1 {
			t.Errorf("task %q: expected 1 response, got %d", task, len(seq))
		}
	}
}

func TestLoadFixtures_OverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "retrieval.json", `{"passages":[{"documentId":"doc-9","excerpt":"override","relevance":1}],"summary":"from fixture file"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	if !strings.Contains(fixtures["retrieval"][0], "from fixture file") {
		t.Errorf("retrieval should serve the override, got: %s", fixtures["retrieval"][0])
	}
	// Unoverridden tasks keep their built-ins
	if fixtures["matching"][0] != builtinResponses["matching"] {
		t.Errorf("matching should keep the built-in response")
	}
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()

	// Numbered fixtures for matching (failure then recovery)
	writeFixture(t, dir, "matching.1.json", `{"matches":"not an array"}`)
	writeFixture(t, dir, "matching.2.json", `{"matches":[{"criterionId":"c","aspect":"a","relevance":1,"rationale":"recovered"}]}`)
	// Base fallback
	writeFixture(t, dir, "matching.json", `{"matches":[{"criterionId":"c","aspect":"a","relevance":1,"rationale":"fallback"}]}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	seq := fixtures["matching"]
	if len(seq) != 3 {
		t.Fatalf("matching: expected 3 fixtures, got %d", len(seq))
	}

	// Verify order: numbered first (sorted), then base
	if !strings.Contains(seq[0], "not an array") {
		t.Errorf("fixture[0] should be the failure injection, got: %s", seq[0])
	}
	if !strings.Contains(seq[1], "recovered") {
		t.Errorf("fixture[1] should be the recovery, got: %s", seq[1])
	}
	if !strings.Contains(seq[2], "fallback") {
		t.Errorf("fixture[2] should be the base fallback, got: %s", seq[2])
	}
}

func TestLoadFixtures_NumberedOnly(t *testing.T) {
	dir := t.TempDir()

	// Only numbered, no base file
	writeFixture(t, dir, "overallAssessment.1.json", `{"verdict":"first"}`)
	writeFixture(t, dir, "overallAssessment.2.json", `{"verdict":"second"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	seq := fixtures["overallAssessment"]
	if len(seq) != 2 {
		t.Fatalf("expected 2 fixtures, got %d", len(seq))
	}
}

func TestLoadFixtures_EmptyDir(t *testing.T) {
	dir := t.TempDir()

	_, err := loadFixtures(dir)
	if err == nil {
		t.Fatal("expected error for an explicit directory with no fixtures")
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := newServer(builtinFixtures(t))

	doCompletion(t, s, "/chat/completions", "retrieval")
	doCompletion(t, s, "/chat/completions", "retrieval")
	doCompletion(t, s, "/chat/completions", "matching")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	var stats struct {
		TotalCalls  int64            `json:"total_calls"`
		CallsByTask map[string]int64 `json:"calls_by_task"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}

	if stats.TotalCalls != 3 {
		t.Errorf("total_calls: expected 3, got %d", stats.TotalCalls)
	}
	if stats.CallsByTask["retrieval"] != 2 {
		t.Errorf("retrieval calls: expected 2, got %d", stats.CallsByTask["retrieval"])
	}
	if stats.CallsByTask["matching"] != 1 {
		t.Errorf("matching calls: expected 1, got %d", stats.CallsByTask["matching"])
	}
}

func TestRequestsEndpointCapturesCallShape(t *testing.T) {
	s := newServer(builtinFixtures(t))

	body := `{
		"messages": [
			{"role": "system", "content": "You are a reasoning worker. Respond with strict JSON only."},
			{"role": "user", "content": "Task: retrieval\n\nInput:\n{}"}
		],
		"temperature": 0.2,
		"max_tokens": 512,
		"response_format": {"type": "json_object"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/openai/deployments/verdict-gpt4o/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("completion status %d: %s", w.Code, w.Body.String())
	}

	reqReq := httptest.NewRequest(http.MethodGet, "/requests?task=retrieval", nil)
	reqW := httptest.NewRecorder()
	s.routes().ServeHTTP(reqW, reqReq)

	var captured struct {
		RequestsByTask map[string][]capturedRequest `json:"requests_by_task"`
	}
	if err := json.NewDecoder(reqW.Body).Decode(&captured); err != nil {
		t.Fatalf("decode requests: %v", err)
	}

	reqs := captured.RequestsByTask["retrieval"]
	if len(reqs) != 1 {
		t.Fatalf("expected 1 captured request, got %d", len(reqs))
	}

	got := reqs[0]
	if got.Deployment != "verdict-gpt4o" {
		t.Errorf("deployment: expected verdict-gpt4o, got %q", got.Deployment)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Errorf("temperature: expected 0.2, got %v", got.Temperature)
	}
	if got.MaxTokens == nil || *got.MaxTokens != 512 {
		t.Errorf("max_tokens: expected 512, got %v", got.MaxTokens)
	}
	if got.ResponseFormat != "json_object" {
		t.Errorf("response_format: expected json_object, got %q", got.ResponseFormat)
	}
	if got.CallIndex != 1 {
		t.Errorf("call_index: expected 1, got %d", got.CallIndex)
	}
	if len(got.Messages) != 2 {
		t.Errorf("messages: expected 2, got %d", len(got.Messages))
	}
}

func TestNumberedFileRegex(t *testing.T) {
	tests := []struct {
		filename string
		wantBase string
		wantNum  string
		match    bool
	}{
		{"matching.1.json", "matching", "1", true},
		{"matching.2.json", "matching", "2", true},
		{"overallAssessment.10.json", "overallAssessment", "10", true},
		{"matching.json", "", "", false},
		{"retrieval.json", "", "", false},
	}

	for _, tt := range tests {
		matches := numberedFileRe.FindStringSubmatch(tt.filename)
		if tt.match {
			if matches == nil {
				t.Errorf("%s: expected match, got nil", tt.filename)
				continue
			}
			if matches[1] != tt.wantBase {
				t.Errorf("%s: base=%q, want %q", tt.filename, matches[1], tt.wantBase)
			}
			if matches[2] != tt.wantNum {
				t.Errorf("%s: num=%q, want %q", tt.filename, matches[2], tt.wantNum)
			}
		} else {
			if matches != nil {
				t.Errorf("%s: expected no match, got %v", tt.filename, matches)
			}
		}
	}
}

// --- helpers ---

func builtinFixtures(t *testing.T) map[string][]string {
	t.Helper()
	fixtures, err := loadFixtures("")
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	return fixtures
}

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// postPrompt sends a completion request whose last user message is prompt.
func postPrompt(t *testing.T, s *server, path, prompt string) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"messages":[{"role":"system","content":"You are a reasoning worker."},{"role":"user","content":%q}]}`, prompt)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)
	return w
}

func doCompletion(t *testing.T, s *server, path, task string) chatResponse {
	t.Helper()
	w := postPrompt(t, s, path, "Task: "+task+"\n\nInput:\n{}")

	if w.Code != http.StatusOK {
		t.Fatalf("task %s: status %d, body: %s", task, w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(resp.Choices) == 0 {
		t.Fatalf("no choices in response")
	}

	return resp
}
