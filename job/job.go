// Package job defines the wire model for reasoning jobs: the job record
// dispatched over the bus, the pipeline result, and the completion and
// rejection envelopes emitted to the output queue.
package job

import (
	"encoding/json"
	"time"
)

// Terminal statuses carried in output envelopes.
const (
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
)

// Document is one piece of evidence attached to a job.
type Document struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Criterion is one requirement the claim is evaluated against.
type Criterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Context carries the evidence documents for a job.
type Context struct {
	Documents []Document `json:"documents"`
}

// Submission is the request body accepted by the admission endpoint. Identity
// fields are added by the server, never by the caller.
type Submission struct {
	Claim    string      `json:"claim"`
	Context  Context     `json:"context"`
	Criteria []Criterion `json:"criteria"`
}

// Job is the full reasoning job record. Immutable once admitted; the bus
// message body is exactly this record.
type Job struct {
	JobID    string      `json:"jobId"`
	TenantID string      `json:"tenantId"`
	Claim    string      `json:"claim"`
	Context  Context     `json:"context"`
	Criteria []Criterion `json:"criteria"`
}

// New builds a job record from a submission.
func New(jobID, tenantID string, sub Submission) *Job {
	return &Job{
		JobID:    jobID,
		TenantID: tenantID,
		Claim:    sub.Claim,
		Context:  sub.Context,
		Criteria: sub.Criteria,
	}
}

// PipelineResult is the combined output of the six reasoning stages. Stage
// records stay raw: their contract is the schema registry, not a Go type.
type PipelineResult struct {
	JobID             string          `json:"jobId"`
	Retrieval         json.RawMessage `json:"retrieval"`
	Matching          json.RawMessage `json:"matching"`
	FindingGeneration json.RawMessage `json:"findingGeneration"`
	AgreementScoring  json.RawMessage `json:"agreementScoring"`
	CategorySynthesis json.RawMessage `json:"categorySynthesis"`
	OverallAssessment json.RawMessage `json:"overallAssessment"`
}

// CompletionEnvelope is emitted to the output queue for a successful job.
type CompletionEnvelope struct {
	JobID       string          `json:"jobId"`
	TenantID    string          `json:"tenantId"`
	CompletedAt time.Time       `json:"completedAt"`
	Status      string          `json:"status"`
	Result      *PipelineResult `json:"result"`
}

// NewCompletionEnvelope wraps a pipeline result for emission.
func NewCompletionEnvelope(j *Job, result *PipelineResult) CompletionEnvelope {
	return CompletionEnvelope{
		JobID:       j.JobID,
		TenantID:    j.TenantID,
		CompletedAt: time.Now().UTC(),
		Status:      StatusCompleted,
		Result:      result,
	}
}

// RejectionError describes why the worker refused a job.
type RejectionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Quota   int    `json:"quota"`
	Active  int    `json:"active"`
}

// RejectionEnvelope is emitted to the output queue when the worker refuses a
// job over quota. The message itself is completed, not dead-lettered.
type RejectionEnvelope struct {
	JobID       string         `json:"jobId"`
	TenantID    string         `json:"tenantId"`
	Status      string         `json:"status"`
	CompletedAt time.Time      `json:"completedAt"`
	Error       RejectionError `json:"error"`
}

// NewRejectionEnvelope builds the over-quota rejection for a job.
func NewRejectionEnvelope(j *Job, message string, quota, active int) RejectionEnvelope {
	return RejectionEnvelope{
		JobID:       j.JobID,
		TenantID:    j.TenantID,
		Status:      StatusRejected,
		CompletedAt: time.Now().UTC(),
		Error: RejectionError{
			Code:    "TenantQuotaExceeded",
			Message: message,
			Quota:   quota,
			Active:  active,
		},
	}
}
