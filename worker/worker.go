// Package worker consumes reasoning jobs from the bus, runs the pipeline
// with bounded concurrency, and settles every message exactly once:
// complete, abandon, or dead-letter.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ewoutbarendregt/crosscheck/bus"
	"github.com/ewoutbarendregt/crosscheck/job"
	"github.com/ewoutbarendregt/crosscheck/schema"
	"github.com/ewoutbarendregt/crosscheck/telemetry"
	"github.com/ewoutbarendregt/crosscheck/tenant"
	"github.com/ewoutbarendregt/crosscheck/usage"
)

// PipelineRunner runs the reasoning pipeline for one job. *pipeline.Runner
// satisfies it.
type PipelineRunner interface {
	Run(ctx context.Context, j *job.Job) (*job.PipelineResult, error)
}

// UsageReporter posts lifecycle events to the admission process.
// *usage.Reporter satisfies it.
type UsageReporter interface {
	Report(ctx context.Context, tenantID, eventType string) error
}

// Config bounds the worker's pipeline concurrency.
type Config struct {
	// MaxConcurrent is the number of pipelines allowed to run in parallel.
	MaxConcurrent int `yaml:"concurrency"`

	// BufferLimit caps the in-process FIFO of messages waiting for a slot.
	// A full buffer abandons further deliveries back to the bus, which is
	// the worker's backpressure signal.
	BufferLimit int `yaml:"buffer_limit"`
}

// DefaultConfig returns the default worker bounds.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		BufferLimit:   50,
	}
}

// pendingItem is a decoded message waiting for a pipeline slot.
type pendingItem struct {
	msg bus.Message
	job *job.Job
}

// Worker runs the consume loop. Bus delivery is single-threaded; pipeline
// concurrency is managed by the worker's own bounded executor.
type Worker struct {
	receiver  bus.Receiver
	publisher bus.Publisher
	runner    PipelineRunner
	acct      *tenant.Accounting
	schemas   *schema.Registry
	reporter  UsageReporter
	cfg       Config
	logger    *slog.Logger
	tracker   telemetry.Tracker

	mu      sync.Mutex
	pending []pendingItem
	active  int
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	wg sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	abandoned atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithTracker sets the telemetry sink.
func WithTracker(tracker telemetry.Tracker) Option {
	return func(w *Worker) {
		w.tracker = tracker
	}
}

// New creates a worker.
func New(receiver bus.Receiver, publisher bus.Publisher, runner PipelineRunner,
	acct *tenant.Accounting, schemas *schema.Registry, reporter UsageReporter,
	cfg Config, opts ...Option) *Worker {

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = DefaultConfig().BufferLimit
	}

	w := &Worker{
		receiver:  receiver,
		publisher: publisher,
		runner:    runner,
		acct:      acct,
		schemas:   schemas,
		reporter:  reporter,
		cfg:       cfg,
		logger:    slog.Default(),
		tracker:   telemetry.NewNop(),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start launches the consume loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.consumeLoop()

	w.logger.Info("Worker started",
		"concurrency", w.cfg.MaxConcurrent,
		"buffer_limit", w.cfg.BufferLimit)

	return nil
}

// Stop stops fetching new messages and waits up to timeout for in-flight
// pipelines. Running pipelines are not interrupted; buffered messages are
// abandoned back to the bus for redelivery.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		w.logger.Warn("Worker stop timed out", "timeout", timeout)
		return fmt.Errorf("worker stop timed out after %s", timeout)
	}

	w.logger.Info("Worker stopped",
		"completed", w.completed.Load(),
		"failed", w.failed.Load(),
		"rejected", w.rejected.Load(),
		"abandoned", w.abandoned.Load())

	return nil
}

func (w *Worker) consumeLoop() {
	defer w.wg.Done()

	for {
		msg, err := w.receiver.Receive(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Error("Message receive failed", "error", err)
			w.tracker.TrackException(err, nil)
			time.Sleep(time.Second)
			continue
		}

		w.offer(msg)
	}
}

// offer validates a delivery and hands it to the bounded executor. Messages
// that fail job validation are dead-lettered without touching any counter.
func (w *Worker) offer(msg bus.Message) {
	j, err := w.decodeJob(msg.Body())
	if err != nil {
		w.logger.Warn("Invalid job message dead-lettered", "error", err)
		w.tracker.TrackException(err, map[string]string{"tenantId": msg.TenantID()})
		if dlErr := msg.DeadLetter(context.WithoutCancel(w.ctx), bus.ReasonPipelineFailure, err.Error()); dlErr != nil {
			w.logger.Error("Dead-letter failed", "error", dlErr)
		}
		return
	}

	w.mu.Lock()
	switch {
	case w.active < w.cfg.MaxConcurrent:
		w.active++
		w.wg.Add(1)
		w.mu.Unlock()
		go w.runSlot(pendingItem{msg: msg, job: j})
	case len(w.pending) < w.cfg.BufferLimit:
		w.pending = append(w.pending, pendingItem{msg: msg, job: j})
		buffered := len(w.pending)
		w.mu.Unlock()
		w.logger.Debug("Job buffered, all pipeline slots busy",
			"job_id", j.JobID,
			"tenant_id", j.TenantID,
			"buffered", buffered)
	default:
		w.mu.Unlock()
		w.abandoned.Add(1)
		w.logger.Debug("Job abandoned, worker saturated",
			"job_id", j.JobID,
			"tenant_id", j.TenantID)
		if err := msg.Abandon(context.WithoutCancel(w.ctx)); err != nil {
			w.logger.Error("Abandon failed", "job_id", j.JobID, "error", err)
		}
	}
}

func (w *Worker) decodeJob(body []byte) (*job.Job, error) {
	if err := w.schemas.Validate(schema.KindJob, body); err != nil {
		return nil, err
	}
	var j job.Job
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

// runSlot owns one pipeline slot: it handles its message, then keeps pulling
// buffered messages until none remain.
func (w *Worker) runSlot(item pendingItem) {
	defer w.wg.Done()

	for {
		w.handle(item.msg, item.job)

		next, ok := w.nextBuffered()
		if !ok {
			return
		}
		item = next
	}
}

// nextBuffered pops the oldest buffered message, or releases the slot. After
// shutdown begins, the remaining buffer is abandoned so the bus redelivers it
// instead of waiting for lock expiry.
func (w *Worker) nextBuffered() (pendingItem, bool) {
	w.mu.Lock()
	if w.ctx.Err() != nil {
		leftover := w.pending
		w.pending = nil
		w.active--
		w.mu.Unlock()

		for _, item := range leftover {
			if err := item.msg.Abandon(context.WithoutCancel(w.ctx)); err != nil {
				w.logger.Error("Abandon failed", "job_id", item.job.JobID, "error", err)
			}
		}
		return pendingItem{}, false
	}

	if len(w.pending) > 0 {
		item := w.pending[0]
		w.pending = w.pending[1:]
		w.mu.Unlock()
		return item, true
	}

	w.active--
	w.mu.Unlock()
	return pendingItem{}, false
}

// handle runs one job to a terminal settlement. The pipeline context is
// detached from the worker's so a shutdown does not interrupt work already
// started; the message lock keeps redelivery at bay meanwhile.
func (w *Worker) handle(msg bus.Message, j *job.Job) {
	ctx := context.WithoutCancel(w.ctx)

	current, quota, ok := w.acct.TryAcquireActive(j.TenantID)
	if !ok {
		w.reject(ctx, msg, j, quota, current.Active)
		return
	}
	defer w.acct.ReleaseActive(j.TenantID)

	w.reportUsage(ctx, j.TenantID, usage.TypeStarted)
	w.tracker.TrackEvent(telemetry.EventJobStarted, map[string]string{
		"tenantId": j.TenantID,
		"jobId":    j.JobID,
	})
	w.logger.Info("Job started", "job_id", j.JobID, "tenant_id", j.TenantID)
	startedAt := time.Now()

	result, err := w.runner.Run(ctx, j)
	if err != nil {
		w.fail(ctx, msg, j, err)
		return
	}

	body, err := json.Marshal(job.NewCompletionEnvelope(j, result))
	if err != nil {
		w.fail(ctx, msg, j, fmt.Errorf("serialize completion envelope: %w", err))
		return
	}

	if err := w.publisher.Publish(ctx, body); err != nil {
		// The result could not be emitted; hand the message back so the
		// redelivery reruns the pipeline. No terminal usage event: for the
		// admission process this attempt never concluded.
		w.logger.Error("Result publish failed, abandoning for redelivery",
			"job_id", j.JobID,
			"tenant_id", j.TenantID,
			"error", err)
		w.tracker.TrackException(err, map[string]string{"tenantId": j.TenantID, "jobId": j.JobID})
		if abErr := msg.Abandon(ctx); abErr != nil {
			w.logger.Error("Abandon failed", "job_id", j.JobID, "error", abErr)
		}
		return
	}

	if err := msg.Complete(ctx); err != nil {
		w.logger.Error("Complete failed", "job_id", j.JobID, "error", err)
		w.tracker.TrackException(err, map[string]string{"tenantId": j.TenantID, "jobId": j.JobID})
	}

	durationMs := float64(time.Since(startedAt).Milliseconds())
	w.completed.Add(1)
	w.tracker.TrackEvent(telemetry.EventJobCompleted, map[string]string{
		"tenantId": j.TenantID,
		"jobId":    j.JobID,
	})
	w.tracker.TrackMetric(telemetry.MetricJobDuration, durationMs, map[string]string{
		"tenantId": j.TenantID,
		"jobId":    j.JobID,
	})
	w.reportUsage(ctx, j.TenantID, usage.TypeCompleted)
	w.logger.Info("Job completed",
		"job_id", j.JobID,
		"tenant_id", j.TenantID,
		"duration_ms", durationMs)
}

// reject emits a rejection envelope and completes the message. Rejection is a
// terminal outcome, not a failure: the job never ran, so the message must not
// land in the dead-letter queue.
func (w *Worker) reject(ctx context.Context, msg bus.Message, j *job.Job, quota, active int) {
	message := fmt.Sprintf("tenant %s has %d active jobs, quota is %d", j.TenantID, active, quota)

	body, err := json.Marshal(job.NewRejectionEnvelope(j, message, quota, active))
	if err == nil {
		err = w.publisher.Publish(ctx, body)
	}
	if err != nil {
		w.logger.Error("Rejection publish failed, abandoning for redelivery",
			"job_id", j.JobID,
			"tenant_id", j.TenantID,
			"error", err)
		w.tracker.TrackException(err, map[string]string{"tenantId": j.TenantID, "jobId": j.JobID})
		if abErr := msg.Abandon(ctx); abErr != nil {
			w.logger.Error("Abandon failed", "job_id", j.JobID, "error", abErr)
		}
		return
	}

	if err := msg.Complete(ctx); err != nil {
		w.logger.Error("Complete failed", "job_id", j.JobID, "error", err)
	}

	w.rejected.Add(1)
	w.tracker.TrackEvent(telemetry.EventJobRejected, map[string]string{
		"tenantId": j.TenantID,
		"jobId":    j.JobID,
	})
	w.reportUsage(ctx, j.TenantID, usage.TypeRejected)
	w.logger.Info("Job rejected over quota",
		"job_id", j.JobID,
		"tenant_id", j.TenantID,
		"quota", quota,
		"active", active)
}

// fail dead-letters the message with the stage's descriptive message. No
// partial results are emitted.
func (w *Worker) fail(ctx context.Context, msg bus.Message, j *job.Job, cause error) {
	w.failed.Add(1)
	w.logger.Error("Job failed",
		"job_id", j.JobID,
		"tenant_id", j.TenantID,
		"error", cause)

	if err := msg.DeadLetter(ctx, bus.ReasonPipelineFailure, cause.Error()); err != nil {
		w.logger.Error("Dead-letter failed", "job_id", j.JobID, "error", err)
	}

	w.tracker.TrackEvent(telemetry.EventJobFailed, map[string]string{
		"tenantId": j.TenantID,
		"jobId":    j.JobID,
	})
	w.reportUsage(ctx, j.TenantID, usage.TypeFailed)
}

// reportUsage delivers a lifecycle event. Failures are logged, never fatal.
func (w *Worker) reportUsage(ctx context.Context, tenantID, eventType string) {
	if err := w.reporter.Report(ctx, tenantID, eventType); err != nil {
		w.logger.Warn("Usage event delivery failed",
			"tenant_id", tenantID,
			"type", eventType,
			"error", err)
	}
}
