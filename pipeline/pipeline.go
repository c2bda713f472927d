// Package pipeline executes the six-stage chain-of-reasoning workflow that
// turns a reasoning job into an assessed result. Stages run sequentially,
// each one prompting the LLM with the previous stages' output and validating
// the response against the schema registry.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ewoutbarendregt/crosscheck/job"
	"github.com/ewoutbarendregt/crosscheck/llm"
	"github.com/ewoutbarendregt/crosscheck/schema"
)

// systemPrompt is shared by every stage.
const systemPrompt = "You are a reasoning worker. Respond with strict JSON only."

// stageTemperature keeps stage output stable across runs.
const stageTemperature = 0.2

// Completer is the LLM surface the runner needs. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// stage describes one pipeline step: the task name sent to the LLM, the
// label used in failure messages, the schema its output must satisfy, and
// how its input is composed from earlier results.
type stage struct {
	kind  schema.Kind
	label string
	input func(st *state) any
}

var stages = []stage{
	{kind: schema.KindRetrieval, label: "Retrieval", input: retrievalInput},
	{kind: schema.KindMatching, label: "Matching", input: matchingInput},
	{kind: schema.KindFindingGeneration, label: "Finding generation", input: findingGenerationInput},
	{kind: schema.KindAgreementScoring, label: "Agreement scoring", input: agreementScoringInput},
	{kind: schema.KindCategorySynthesis, label: "Category synthesis", input: categorySynthesisInput},
	{kind: schema.KindOverallAssessment, label: "Overall assessment", input: overallAssessmentInput},
}

// state accumulates stage outputs. The raw records feed the final result;
// the extracted arrays feed later stage inputs.
type state struct {
	job *job.Job

	retrieval         json.RawMessage
	matching          json.RawMessage
	findingGeneration json.RawMessage
	agreementScoring  json.RawMessage
	categorySynthesis json.RawMessage
	overallAssessment json.RawMessage

	matches    json.RawMessage
	findings   json.RawMessage
	agreements json.RawMessage
	categories json.RawMessage
}

func retrievalInput(st *state) any {
	return map[string]any{
		"claim":     st.job.Claim,
		"documents": st.job.Context.Documents,
	}
}

func matchingInput(st *state) any {
	return map[string]any{
		"claim":     st.job.Claim,
		"criteria":  st.job.Criteria,
		"retrieval": st.retrieval,
	}
}

func findingGenerationInput(st *state) any {
	return map[string]any{
		"claim":   st.job.Claim,
		"matches": st.matches,
	}
}

func agreementScoringInput(st *state) any {
	return map[string]any{
		"claim":    st.job.Claim,
		"findings": st.findings,
	}
}

func categorySynthesisInput(st *state) any {
	return map[string]any{
		"findings":   st.findings,
		"agreements": st.agreements,
	}
}

func overallAssessmentInput(st *state) any {
	return map[string]any{
		"claim":      st.job.Claim,
		"findings":   st.findings,
		"agreements": st.agreements,
		"categories": st.categories,
	}
}

// Runner executes the pipeline for one job at a time. It is safe for
// concurrent use; all per-job state lives on the stack.
type Runner struct {
	client    Completer
	schemas   *schema.Registry
	logger    *slog.Logger
	maxTokens int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithMaxTokens caps each stage completion. Zero leaves the cap to the
// provider.
func WithMaxTokens(n int) Option {
	return func(r *Runner) {
		r.maxTokens = n
	}
}

// NewRunner creates a pipeline runner.
func NewRunner(client Completer, schemas *schema.Registry, opts ...Option) *Runner {
	r := &Runner{
		client:  client,
		schemas: schemas,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run executes all six stages in order and returns the assembled result.
// The first stage failure aborts the run; stages are never retried.
func (r *Runner) Run(ctx context.Context, j *job.Job) (*job.PipelineResult, error) {
	st := &state{job: j}

	for _, sg := range stages {
		out, err := r.runStage(ctx, sg, st)
		if err != nil {
			return nil, err
		}
		if err := st.record(sg.kind, out); err != nil {
			return nil, fmt.Errorf("%s output: %w", sg.label, err)
		}
	}

	result := &job.PipelineResult{
		JobID:             j.JobID,
		Retrieval:         st.retrieval,
		Matching:          st.matching,
		FindingGeneration: st.findingGeneration,
		AgreementScoring:  st.agreementScoring,
		CategorySynthesis: st.categorySynthesis,
		OverallAssessment: st.overallAssessment,
	}

	doc, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("assemble pipeline result: %w", err)
	}
	if err := r.schemas.Validate(schema.KindPipeline, doc); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *Runner) runStage(ctx context.Context, sg stage, st *state) (json.RawMessage, error) {
	input, err := json.Marshal(sg.input(st))
	if err != nil {
		return nil, fmt.Errorf("%s input could not be serialized: %w", sg.label, err)
	}

	r.logger.Debug("Running pipeline stage",
		"job_id", st.job.JobID,
		"stage", string(sg.kind))

	temperature := stageTemperature
	resp, err := r.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(sg.kind, r.schemas.SchemaJSON(sg.kind), input)},
		},
		Temperature:    &temperature,
		MaxTokens:      r.maxTokens,
		ResponseFormat: llm.ResponseFormatJSONObject,
	})
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", sg.label, err)
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, fmt.Errorf("%s returned an empty response", sg.label)
	}

	var probe any
	if err := json.Unmarshal([]byte(content), &probe); err != nil {
		return nil, fmt.Errorf("%s response was not valid JSON: %w", sg.label, err)
	}

	if err := r.schemas.Validate(sg.kind, []byte(content)); err != nil {
		return nil, err
	}

	r.logger.Debug("Pipeline stage completed",
		"job_id", st.job.JobID,
		"stage", string(sg.kind),
		"total_tokens", resp.Usage.TotalTokens)

	return json.RawMessage(content), nil
}

// userPrompt carries the task name, the schema the output must satisfy and
// the stage input.
func userPrompt(kind schema.Kind, schemaJSON, input []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", string(kind))
	fmt.Fprintf(&b, "Produce a single JSON object that conforms to this JSON schema:\n%s\n\n", schemaJSON)
	fmt.Fprintf(&b, "Input:\n%s\n", input)
	return b.String()
}

// record stores a validated stage output and extracts the array later
// stages consume. Extraction cannot fail for schema-valid output; the error
// paths guard against registry drift.
func (st *state) record(kind schema.Kind, out json.RawMessage) error {
	switch kind {
	case schema.KindRetrieval:
		st.retrieval = out
	case schema.KindMatching:
		st.matching = out
		return extract(out, "matches", &st.matches)
	case schema.KindFindingGeneration:
		st.findingGeneration = out
		return extract(out, "findings", &st.findings)
	case schema.KindAgreementScoring:
		st.agreementScoring = out
		return extract(out, "agreements", &st.agreements)
	case schema.KindCategorySynthesis:
		st.categorySynthesis = out
		return extract(out, "categories", &st.categories)
	case schema.KindOverallAssessment:
		st.overallAssessment = out
	}
	return nil
}

func extract(doc json.RawMessage, field string, dst *json.RawMessage) error {
	var view map[string]json.RawMessage
	if err := json.Unmarshal(doc, &view); err != nil {
		return err
	}
	raw, ok := view[field]
	if !ok {
		return fmt.Errorf("missing %q", field)
	}
	*dst = raw
	return nil
}
