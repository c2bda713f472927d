package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ewoutbarendregt/crosscheck/bus"
	"github.com/ewoutbarendregt/crosscheck/bus/bustest"
	"github.com/ewoutbarendregt/crosscheck/job"
	"github.com/ewoutbarendregt/crosscheck/schema"
	"github.com/ewoutbarendregt/crosscheck/tenant"
	"github.com/ewoutbarendregt/crosscheck/usage"
	"github.com/ewoutbarendregt/crosscheck/worker"
)

// stubRunner returns a canned result or error and records call concurrency.
type stubRunner struct {
	mu    sync.Mutex
	calls int
	cur   int
	peak  int
	err   error
	block chan struct{} // when set, Run waits until the channel closes
}

func (r *stubRunner) Run(_ context.Context, j *job.Job) (*job.PipelineResult, error) {
	r.mu.Lock()
	r.calls++
	r.cur++
	if r.cur > r.peak {
		r.peak = r.cur
	}
	block := r.block
	err := r.err
	r.mu.Unlock()

	if block != nil {
		<-block
	}

	r.mu.Lock()
	r.cur--
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}

	stage := json.RawMessage(`{"stub":true}`)
	return &job.PipelineResult{
		JobID:             j.JobID,
		Retrieval:         stage,
		Matching:          stage,
		FindingGeneration: stage,
		AgreementScoring:  stage,
		CategorySynthesis: stage,
		OverallAssessment: stage,
	}, nil
}

func (r *stubRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *stubRunner) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

// recordReporter captures usage events in delivery order.
type recordReporter struct {
	mu     sync.Mutex
	events []usage.Event
}

func (r *recordReporter) Report(_ context.Context, tenantID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, usage.Event{TenantID: tenantID, Type: eventType})
	return nil
}

func (r *recordReporter) Events() []usage.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]usage.Event, len(r.events))
	copy(out, r.events)
	return out
}

func jobMessage(t *testing.T, jobID, tenantID string) *bustest.Message {
	t.Helper()
	j := job.New(jobID, tenantID, job.Submission{
		Claim: "The dam passed inspection.",
		Context: job.Context{
			Documents: []job.Document{{ID: "d1", Content: "Inspection report, section 2."}},
		},
		Criteria: []job.Criterion{{ID: "k1", Description: "Reports must be cited."}},
	})
	body, err := json.Marshal(j)
	require.NoError(t, err)
	return bustest.NewMessage(body, tenantID)
}

type workerFixture struct {
	worker    *worker.Worker
	receiver  *bustest.Receiver
	publisher *bustest.Publisher
	runner    *stubRunner
	reporter  *recordReporter
	acct      *tenant.Accounting
}

func newWorkerFixture(t *testing.T, quota int, cfg worker.Config, msgs ...bus.Message) *workerFixture {
	t.Helper()

	registry, err := schema.New()
	require.NoError(t, err)

	f := &workerFixture{
		receiver:  bustest.NewReceiver(msgs...),
		publisher: bustest.NewPublisher(),
		runner:    &stubRunner{},
		reporter:  &recordReporter{},
		acct:      tenant.NewAccounting(tenant.QuotaPolicy{DefaultQuota: quota}, 100),
	}
	f.worker = worker.New(f.receiver, f.publisher, f.runner, f.acct, registry, f.reporter, cfg)
	return f
}

func (f *workerFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.worker.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, f.worker.Stop(5*time.Second))
	})
}

func TestWorker_CompletesJob(t *testing.T) {
	msg := jobMessage(t, "j1", "t1")
	f := newWorkerFixture(t, 2, worker.DefaultConfig(), msg)
	f.start(t)

	require.Eventually(t, msg.Completed, 2*time.Second, 5*time.Millisecond)

	published := f.publisher.Published()
	require.Len(t, published, 1)

	var envelope job.CompletionEnvelope
	require.NoError(t, json.Unmarshal(published[0], &envelope))
	assert.Equal(t, "j1", envelope.JobID)
	assert.Equal(t, "t1", envelope.TenantID)
	assert.Equal(t, job.StatusCompleted, envelope.Status)
	require.NotNil(t, envelope.Result)
	assert.Equal(t, "j1", envelope.Result.JobID)
	assert.False(t, envelope.CompletedAt.IsZero())

	require.Eventually(t, func() bool { return len(f.reporter.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []usage.Event{
		{TenantID: "t1", Type: usage.TypeStarted},
		{TenantID: "t1", Type: usage.TypeCompleted},
	}, f.reporter.Events())

	// The active slot was released.
	require.Eventually(t, func() bool {
		return f.acct.UsageFor("t1") == tenant.Usage{}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_DeadLettersOnPipelineFailure(t *testing.T) {
	msg := jobMessage(t, "j1", "t1")
	f := newWorkerFixture(t, 2, worker.DefaultConfig(), msg)
	f.runner.err = errors.New("Finding generation response was not valid JSON: invalid character 'n'")
	f.start(t)

	require.Eventually(t, func() bool {
		_, _, ok := msg.DeadLettered()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	reason, description, _ := msg.DeadLettered()
	assert.Equal(t, "PipelineFailure", reason)
	assert.Contains(t, description, "Finding generation response was not valid JSON")

	// No partial results reach the output queue.
	assert.Empty(t, f.publisher.Published())

	require.Eventually(t, func() bool { return len(f.reporter.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []usage.Event{
		{TenantID: "t1", Type: usage.TypeStarted},
		{TenantID: "t1", Type: usage.TypeFailed},
	}, f.reporter.Events())

	require.Eventually(t, func() bool {
		return f.acct.UsageFor("t1") == tenant.Usage{}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_RejectsOverQuota(t *testing.T) {
	msg := jobMessage(t, "j2", "t1")
	f := newWorkerFixture(t, 1, worker.DefaultConfig(), msg)

	// Take the tenant's only slot before the delivery arrives.
	_, _, ok := f.acct.TryAcquireActive("t1")
	require.True(t, ok)

	f.start(t)

	require.Eventually(t, msg.Completed, 2*time.Second, 5*time.Millisecond)

	published := f.publisher.Published()
	require.Len(t, published, 1)

	var envelope job.RejectionEnvelope
	require.NoError(t, json.Unmarshal(published[0], &envelope))
	assert.Equal(t, "j2", envelope.JobID)
	assert.Equal(t, "t1", envelope.TenantID)
	assert.Equal(t, job.StatusRejected, envelope.Status)
	assert.Equal(t, "TenantQuotaExceeded", envelope.Error.Code)
	assert.Equal(t, 1, envelope.Error.Quota)
	assert.Equal(t, 1, envelope.Error.Active)
	assert.NotEmpty(t, envelope.Error.Message)

	// Completed, not dead-lettered, and the pipeline never ran.
	_, _, deadLettered := msg.DeadLettered()
	assert.False(t, deadLettered)
	assert.Equal(t, 0, f.runner.Calls())

	require.Eventually(t, func() bool { return len(f.reporter.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []usage.Event{
		{TenantID: "t1", Type: usage.TypeRejected},
	}, f.reporter.Events())
}

func TestWorker_DeadLettersInvalidJob(t *testing.T) {
	msg := bustest.NewMessage([]byte(`{"claim": "no identity fields"}`), "t1")
	f := newWorkerFixture(t, 2, worker.DefaultConfig(), msg)
	f.start(t)

	require.Eventually(t, func() bool {
		_, _, ok := msg.DeadLettered()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	reason, description, _ := msg.DeadLettered()
	assert.Equal(t, "PipelineFailure", reason)
	assert.Contains(t, description, "failed schema validation")

	// No counters moved, no usage events, no pipeline run.
	assert.Empty(t, f.reporter.Events())
	assert.Equal(t, 0, f.runner.Calls())
	assert.Equal(t, tenant.Usage{}, f.acct.UsageFor("t1"))
}

func TestWorker_AbandonsWhenSaturated(t *testing.T) {
	msg1 := jobMessage(t, "j1", "t1")
	msg2 := jobMessage(t, "j2", "t1")
	msg3 := jobMessage(t, "j3", "t1")

	f := newWorkerFixture(t, 10, worker.Config{MaxConcurrent: 1, BufferLimit: 1}, msg1, msg2, msg3)
	f.runner.block = make(chan struct{})
	f.start(t)

	// j1 takes the slot, j2 fills the buffer, j3 must bounce back to the bus.
	require.Eventually(t, msg3.Abandoned, 2*time.Second, 5*time.Millisecond)
	assert.False(t, msg1.Completed())
	assert.False(t, msg2.Completed())

	close(f.runner.block)

	require.Eventually(t, msg1.Completed, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, msg2.Completed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.runner.Calls())
}

func TestWorker_ConcurrencyBound(t *testing.T) {
	msgs := make([]bus.Message, 6)
	for i := range msgs {
		msgs[i] = jobMessage(t, fmt.Sprintf("j%d", i), "t1")
	}

	f := newWorkerFixture(t, 10, worker.Config{MaxConcurrent: 2, BufferLimit: 10}, msgs...)
	f.runner.block = make(chan struct{})
	f.start(t)

	// Two pipelines run, the rest wait in the buffer.
	require.Eventually(t, func() bool { return f.runner.Calls() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.runner.Calls())

	close(f.runner.block)

	require.Eventually(t, func() bool {
		for _, m := range msgs {
			if !m.(*bustest.Message).Completed() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 6, f.runner.Calls())
	assert.LessOrEqual(t, f.runner.Peak(), 2)
}

func TestWorker_StartStop(t *testing.T) {
	f := newWorkerFixture(t, 2, worker.DefaultConfig())

	require.NoError(t, f.worker.Start(context.Background()))
	require.Error(t, f.worker.Start(context.Background()))

	require.NoError(t, f.worker.Stop(2*time.Second))
	require.NoError(t, f.worker.Stop(2*time.Second))
}
