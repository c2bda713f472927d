// Package main implements a mock LLM server for end-to-end testing. It
// answers Azure OpenAI and OpenAI chat-completions requests with schema-valid
// stage outputs, routing by the "Task:" line that opens every stage prompt.
// Built-in responses cover all six pipeline stages, so a worker can settle
// jobs against it with no real LLM and no fixture files at all.
//
// Usage:
//
//	mock-llm -port 8081
//	mock-llm -fixtures /path/to/fixtures -port 8081
//
// Fixture files are JSON named by task (e.g. "matching.json" answers the
// matching stage) and replace the built-in response for that task.
//
// Sequential fixtures: if numbered files exist (e.g. "matching.1.json",
// "matching.2.json"), the Nth call to that task returns the Nth fixture.
// After exhausting numbered fixtures, the base "matching.json" is used as a
// repeating fallback. This enables failure injection: a malformed
// "matching.1.json" fails one delivery, and the redelivery succeeds.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Built-in stage responses ---

// builtinResponses satisfy the frozen stage schemas. Keys are the task names
// the worker writes on the first line of each stage prompt.
var builtinResponses = map[string]string{
	"retrieval":         `{"passages":[{"documentId":"doc-1","excerpt":"The report covers the stated period.","relevance":0.82}],"summary":"One passage bears on the claim."}`,
	"matching":          `{"matches":[{"criterionId":"crit-1","aspect":"coverage","relevance":0.75,"rationale":"The passage addresses the criterion directly."}]}`,
	"findingGeneration": `{"findings":[{"id":"f-1","criterionId":"crit-1","statement":"The claim is consistent with the cited passage.","severity":"low","confidence":0.8}]}`,
	"agreementScoring":  `{"agreements":[{"findingId":"f-1","agreement":0.85,"rationale":"Both sources state the same fact."}]}`,
	"categorySynthesis": `{"categories":[{"name":"consistency","findingIds":["f-1"],"riskLevel":"low","summary":"No contradictions found."}]}`,
	"overallAssessment": `{"verdict":"supported","riskLevel":"low","score":0.8,"summary":"The documents support the claim.","keyFindings":["f-1"]}`,
}

// --- Server ---

// capturedRequest stores the key fields of an incoming request so tests can
// verify the call shape the worker sends.
type capturedRequest struct {
	Task           string        `json:"task"`
	Deployment     string        `json:"deployment,omitempty"`
	Messages       []chatMessage `json:"messages"`
	Temperature    *float64      `json:"temperature,omitempty"`
	MaxTokens      *int          `json:"max_tokens,omitempty"`
	ResponseFormat string        `json:"response_format,omitempty"`
	CallIndex      int           `json:"call_index"` // 1-indexed per-task call number
	Timestamp      int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string // task name → ordered fixture contents (sequential)
	calls    atomic.Int64        // total calls served

	// Per-task call counters for sequential fixture selection.
	taskCalls   map[string]*atomic.Int64
	taskCallsMu sync.Mutex // protects lazy init of taskCalls entries

	// Per-task request capture for call-shape verification.
	taskRequests   map[string][]capturedRequest
	taskRequestsMu sync.Mutex
}

func newServer(fixtures map[string][]string) *server {
	return &server{
		fixtures:     fixtures,
		taskCalls:    make(map[string]*atomic.Int64),
		taskRequests: make(map[string][]capturedRequest),
	}
}

// routes builds the mux. The Azure deployment-scoped path and the plain
// OpenAI paths all land on the same completion handler.
func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /openai/deployments/{deployment}/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /requests", s.handleRequests)
	return mux
}

// captureRequest stores a request for later retrieval via the /requests endpoint.
func (s *server) captureRequest(task, deployment string, req chatRequest, callIndex int) {
	captured := capturedRequest{
		Task:        task,
		Deployment:  deployment,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		CallIndex:   callIndex,
		Timestamp:   time.Now().UnixMilli(),
	}
	if req.ResponseFormat != nil {
		captured.ResponseFormat = req.ResponseFormat.Type
	}

	s.taskRequestsMu.Lock()
	defer s.taskRequestsMu.Unlock()
	s.taskRequests[task] = append(s.taskRequests[task], captured)
}

// getTaskCounter returns the call counter for a task, creating it lazily.
func (s *server) getTaskCounter(task string) *atomic.Int64 {
	s.taskCallsMu.Lock()
	defer s.taskCallsMu.Unlock()
	if c, ok := s.taskCalls[task]; ok {
		return c
	}
	c := &atomic.Int64{}
	s.taskCalls[task] = c
	return c
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory of fixture response files (built-ins serve when empty)")
	port := flag.Int("port", 8081, "port to listen on")
	flag.Parse()

	// Allow env var override
	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
	}
	log.Printf("Serving %d task(s)", len(fixtures))
	for task, seq := range fixtures {
		log.Printf("  task: %s (%d response(s))", task, len(seq))
	}

	s := newServer(fixtures)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock LLM server listening on %s", addr)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// taskFromRequest extracts the task name from the "Task:" line that opens the
// last user message. Stage prompts always begin with one.
func taskFromRequest(req chatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		line, _, _ := strings.Cut(req.Messages[i].Content, "\n")
		if task, ok := strings.CutPrefix(line, "Task:"); ok {
			return strings.TrimSpace(task)
		}
		return ""
	}
	return ""
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	task := taskFromRequest(req)
	deployment := r.PathValue("deployment")
	log.Printf("[call %d] task=%s deployment=%s messages=%d", callNum, task, deployment, len(req.Messages))

	if task == "" {
		log.Printf("[call %d] WARNING: no Task line in prompt, returning error", callNum)
		http.Error(w, "cannot determine task: prompt has no Task line", http.StatusBadRequest)
		return
	}

	seq, ok := s.fixtures[task]
	if !ok {
		log.Printf("[call %d] WARNING: no response for task=%q, returning error", callNum, task)
		http.Error(w, fmt.Sprintf("no response configured for task %q", task), http.StatusNotFound)
		return
	}

	// Select fixture from sequence based on per-task call count
	counter := s.getTaskCounter(task)
	callIndex := int(counter.Add(1) - 1) // 0-indexed

	// Capture request for call-shape verification (/requests endpoint)
	s.captureRequest(task, deployment, req, callIndex+1)
	content := seq[len(seq)-1] // repeat last fixture once exhausted
	if callIndex < len(seq) {
		content = seq[callIndex]
	}

	log.Printf("[call %d] task=%s call_index=%d/%d", callNum, task, callIndex+1, len(seq))

	// Azure resolves the model from the deployment, so echo whichever the
	// request identifies itself by.
	model := req.Model
	if model == "" {
		model = deployment
	}
	if model == "" {
		model = "crosscheck-mock"
	}

	// Wrap in OpenAI response envelope
	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{
			{
				Index: 0,
				Message: chatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
	log.Printf("[call %d] responded with %d bytes for task=%s", callNum, len(content), task)
}

// handleStats returns call counts for test assertions.
// Returns total_calls and per-task calls_by_task breakdown.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.taskCallsMu.Lock()
	callsByTask := make(map[string]int64, len(s.taskCalls))
	for task, counter := range s.taskCalls {
		callsByTask[task] = counter.Load()
	}
	s.taskCallsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":   s.calls.Load(),
		"calls_by_task": callsByTask,
	})
}

// handleRequests returns captured request bodies for test assertions.
// Query params:
//   - task: filter by task name (optional, returns all tasks if omitted)
//   - call: filter by call index, 1-indexed (optional)
//
// Returns {"requests_by_task": {"retrieval": [...], ...}}
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	taskFilter := r.URL.Query().Get("task")
	callFilter := r.URL.Query().Get("call")

	s.taskRequestsMu.Lock()
	result := make(map[string][]capturedRequest)
	for task, reqs := range s.taskRequests {
		if taskFilter != "" && task != taskFilter {
			continue
		}
		if callFilter != "" {
			callIdx, err := strconv.Atoi(callFilter)
			if err == nil {
				for _, req := range reqs {
					if req.CallIndex == callIdx {
						result[task] = append(result[task], req)
					}
				}
				continue
			}
		}
		result[task] = reqs
	}
	s.taskRequestsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_task": result,
	})
}

// numberedFileRe matches files like "matching.1.json", "retrieval.2.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures returns the task→content sequences to serve: the built-in
// stage responses, overridden per task by any JSON files found in dir.
//
// For each task with files, fixtures are ordered:
//  1. Numbered files (task.1.json, task.2.json, ...) in numeric order
//  2. Base file (task.json) appended as the final fallback
//
// An empty dir means built-ins only.
func loadFixtures(dir string) (map[string][]string, error) {
	fixtures := make(map[string][]string, len(builtinResponses))
	for task, content := range builtinResponses {
		fixtures[task] = []string{content}
	}
	if dir == "" {
		return fixtures, nil
	}

	// Collect raw file data: base files and numbered files separately
	baseFiles := make(map[string]string)             // task → content
	numberedFiles := make(map[string]map[int]string) // task → {index → content}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		content := string(data)

		// Check for numbered pattern: task.N.json
		if matches := numberedFileRe.FindStringSubmatch(info.Name()); matches != nil {
			task := matches[1]
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[task] == nil {
				numberedFiles[task] = make(map[int]string)
			}
			numberedFiles[task][index] = content
			return nil
		}

		// Base file: task.json
		task := strings.TrimSuffix(info.Name(), ".json")
		baseFiles[task] = content
		return nil
	})

	if err != nil {
		return nil, err
	}

	// Build ordered sequences per overridden task
	allTasks := make(map[string]bool)
	for t := range baseFiles {
		allTasks[t] = true
	}
	for t := range numberedFiles {
		allTasks[t] = true
	}
	if len(allTasks) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}

	for task := range allTasks {
		var seq []string

		// Add numbered fixtures in order
		if numbered, ok := numberedFiles[task]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)

			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}

		// Append base file as fallback
		if base, ok := baseFiles[task]; ok {
			seq = append(seq, base)
		}

		fixtures[task] = seq
	}

	return fixtures, nil
}
