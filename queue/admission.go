// Package queue implements the admission side of the orchestrator: quota
// checks, a FIFO of admitted jobs, and bounded-concurrency dispatch onto the
// message bus.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ewoutbarendregt/crosscheck/bus"
	"github.com/ewoutbarendregt/crosscheck/job"
	"github.com/ewoutbarendregt/crosscheck/schema"
	"github.com/ewoutbarendregt/crosscheck/telemetry"
	"github.com/ewoutbarendregt/crosscheck/tenant"
)

// ErrBusUnavailable is returned by Enqueue when no bus sender is configured.
// The API maps it to 503.
var ErrBusUnavailable = errors.New("bus adapter not configured")

// Config holds the dispatch tuning for the admission queue.
type Config struct {
	// MaxDispatchInFlight bounds the number of parallel bus sends.
	MaxDispatchInFlight int `yaml:"dispatch_concurrency"`

	// RedispatchInterval is the retry cadence after a failed dispatch. A
	// failed send parks the queue until the next enqueue or tick.
	RedispatchInterval time.Duration `yaml:"redispatch_interval"`
}

// DefaultConfig returns the default dispatch tuning.
func DefaultConfig() Config {
	return Config{
		MaxDispatchInFlight: 2,
		RedispatchInterval:  5 * time.Second,
	}
}

// PendingEntry is one admitted job awaiting dispatch.
type PendingEntry struct {
	Job        *job.Job
	EnqueuedAt time.Time
}

// Receipt is returned to the submitter on successful admission.
type Receipt struct {
	JobID      string
	Position   int
	QueueDepth int
	Quota      int
	Usage      tenant.Usage
}

// Admission owns the pending FIFO. Jobs enter through Enqueue after schema
// and quota checks; a single-flight drain pass moves them onto the bus with
// at most MaxDispatchInFlight sends running at once.
type Admission struct {
	acct    *tenant.Accounting
	schemas *schema.Registry
	sender  bus.Sender
	cfg     Config
	logger  *slog.Logger
	tracker telemetry.Tracker

	mu       sync.Mutex
	pending  []*PendingEntry
	draining bool
	inFlight int
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc

	wg sync.WaitGroup

	enqueued         atomic.Int64
	dispatched       atomic.Int64
	dispatchFailures atomic.Int64
}

// Option configures an Admission queue.
type Option func(*Admission)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Admission) {
		a.logger = logger
	}
}

// WithTracker sets the telemetry sink.
func WithTracker(tracker telemetry.Tracker) Option {
	return func(a *Admission) {
		a.tracker = tracker
	}
}

// NewAdmission creates the admission queue. A nil sender is allowed; Enqueue
// then fails with ErrBusUnavailable so the API can answer 503 while the rest
// of the process stays up.
func NewAdmission(acct *tenant.Accounting, schemas *schema.Registry, sender bus.Sender, cfg Config, opts ...Option) *Admission {
	if cfg.MaxDispatchInFlight <= 0 {
		cfg.MaxDispatchInFlight = DefaultConfig().MaxDispatchInFlight
	}
	if cfg.RedispatchInterval <= 0 {
		cfg.RedispatchInterval = DefaultConfig().RedispatchInterval
	}

	a := &Admission{
		acct:    acct,
		schemas: schemas,
		sender:  sender,
		cfg:     cfg,
		logger:  slog.Default(),
		tracker: telemetry.NewNop(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Start launches the redispatch ticker. Enqueue works without Start; the
// ticker only exists to recover from dispatch failures when no further
// enqueues arrive.
func (a *Admission) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("admission queue already running")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.running = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.redispatchLoop()

	a.logger.Info("Admission queue started",
		"max_dispatch_in_flight", a.cfg.MaxDispatchInFlight,
		"redispatch_interval", a.cfg.RedispatchInterval)

	return nil
}

// Stop cancels in-flight dispatches and waits for them up to timeout.
// Entries still pending stay admitted; their counters remain queued.
func (a *Admission) Stop(timeout time.Duration) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		a.logger.Warn("Admission queue stop timed out", "timeout", timeout)
		return fmt.Errorf("admission queue stop timed out after %s", timeout)
	}

	a.logger.Info("Admission queue stopped",
		"enqueued", a.enqueued.Load(),
		"dispatched", a.dispatched.Load(),
		"dispatch_failures", a.dispatchFailures.Load())

	return nil
}

// Enqueue admits a job: schema validation, quota and depth check, FIFO
// append. Admission is complete when it returns; the bus send happens
// asynchronously and its failure never reaches this caller.
func (a *Admission) Enqueue(ctx context.Context, j *job.Job) (*Receipt, error) {
	if a.sender == nil {
		return nil, ErrBusUnavailable
	}

	doc, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("serialize job: %w", err)
	}
	if err := a.schemas.Validate(schema.KindJob, doc); err != nil {
		return nil, err
	}

	usage, depth, err := a.acct.TryAdmit(j.TenantID)
	if err != nil {
		var depthErr *tenant.DepthExceededError
		if errors.As(err, &depthErr) {
			a.tracker.TrackEvent(telemetry.EventQueueBackpressure, map[string]string{
				"tenantId":   j.TenantID,
				"queueDepth": strconv.Itoa(depthErr.Depth),
				"limit":      strconv.Itoa(depthErr.Limit),
			})
		}
		return nil, err
	}

	entry := &PendingEntry{Job: j, EnqueuedAt: time.Now().UTC()}

	a.mu.Lock()
	a.pending = append(a.pending, entry)
	position := len(a.pending)
	a.mu.Unlock()

	a.enqueued.Add(1)
	a.tracker.TrackEvent(telemetry.EventQueueEnqueued, map[string]string{
		"tenantId": j.TenantID,
		"jobId":    j.JobID,
		"position": strconv.Itoa(position),
	})
	a.tracker.TrackMetric(telemetry.MetricQueueDepth, float64(depth), nil)

	a.logger.Debug("Job enqueued",
		"job_id", j.JobID,
		"tenant_id", j.TenantID,
		"position", position,
		"queue_depth", depth)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.drain()
	}()

	return &Receipt{
		JobID:      j.JobID,
		Position:   position,
		QueueDepth: depth,
		Quota:      a.acct.QuotaFor(j.TenantID),
		Usage:      usage,
	}, nil
}

// Pending returns the number of admitted jobs not yet handed to the bus.
func (a *Admission) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// drain pops heads while the dispatch bound allows and sends each on its own
// goroutine. Concurrent calls collapse into the in-progress pass; the pass
// holds the lock only around list and counter mutations, never across a send.
func (a *Admission) drain() {
	a.mu.Lock()
	if a.draining {
		a.mu.Unlock()
		return
	}
	a.draining = true

	for len(a.pending) > 0 && a.inFlight < a.cfg.MaxDispatchInFlight {
		entry := a.pending[0]
		a.pending = a.pending[1:]
		a.inFlight++
		a.acct.OnDispatchStart(entry.Job.TenantID)
		a.wg.Add(1)
		go a.dispatch(entry)
	}

	a.draining = false
	a.mu.Unlock()
}

// dispatch performs one bus send. On failure the entry returns to the head
// of the FIFO and its counters revert to queued, leaving state exactly as it
// was before the pop.
func (a *Admission) dispatch(entry *PendingEntry) {
	defer a.wg.Done()

	body, err := json.Marshal(entry.Job)
	if err == nil {
		err = a.sender.Send(a.dispatchContext(), body, entry.Job.TenantID)
	}

	a.mu.Lock()
	a.inFlight--
	if err != nil {
		a.pending = append([]*PendingEntry{entry}, a.pending...)
	}
	a.mu.Unlock()

	if err != nil {
		a.dispatchFailures.Add(1)
		a.acct.RevertDispatch(entry.Job.TenantID)
		a.logger.Error("Job dispatch failed",
			"job_id", entry.Job.JobID,
			"tenant_id", entry.Job.TenantID,
			"error", err)
		a.tracker.TrackException(err, map[string]string{
			"tenantId": entry.Job.TenantID,
			"jobId":    entry.Job.JobID,
		})
		return
	}

	a.dispatched.Add(1)
	a.tracker.TrackEvent(telemetry.EventQueueDispatched, map[string]string{
		"tenantId": entry.Job.TenantID,
		"jobId":    entry.Job.JobID,
	})
	a.logger.Debug("Job dispatched",
		"job_id", entry.Job.JobID,
		"tenant_id", entry.Job.TenantID)

	a.drain()
}

func (a *Admission) dispatchContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx != nil {
		return a.ctx
	}
	return context.Background()
}

func (a *Admission) redispatchLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.RedispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.drain()
		}
	}
}
