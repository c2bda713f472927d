// Package tenant tracks per-tenant reasoning workload: queued and active
// counters, quota resolution, and the global queue-depth ceiling. All state is
// in-memory and guarded by a single mutex; callers only ever see value
// snapshots.
package tenant

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ewoutbarendregt/crosscheck/telemetry"
)

// Usage holds the live counters for one tenant.
type Usage struct {
	Queued int `json:"queued"`
	Active int `json:"active"`
}

// QuotaPolicy fixes the per-tenant concurrency ceilings for the process
// lifetime. Overrides win over the default.
type QuotaPolicy struct {
	DefaultQuota int
	Overrides    map[string]int
}

// QuotaExceededError reports a refusal against the tenant's own ceiling.
type QuotaExceededError struct {
	TenantID string
	Quota    int
	Usage    Usage
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("tenant %s quota exceeded: quota %d, queued %d, active %d",
		e.TenantID, e.Quota, e.Usage.Queued, e.Usage.Active)
}

// DepthExceededError reports a refusal against the global queue ceiling.
type DepthExceededError struct {
	Depth int
	Limit int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("queue depth limit reached: depth %d, limit %d", e.Depth, e.Limit)
}

// TenantSnapshot is one row of the admin usage snapshot.
type TenantSnapshot struct {
	TenantID string `json:"tenantId"`
	Queued   int    `json:"queued"`
	Active   int    `json:"active"`
	Quota    int    `json:"quota"`
}

// Snapshot is the admin view of accounting state at one instant.
type Snapshot struct {
	QueueDepth    int              `json:"queueDepth"`
	MaxQueueDepth int              `json:"maxQueueDepth"`
	Tenants       []TenantSnapshot `json:"tenants"`
}

// Accounting serializes every counter transition behind one mutex. Entries
// whose counters both reach zero are reclaimed.
type Accounting struct {
	mu    sync.Mutex
	usage map[string]*Usage
	total int // Σ queued+active across tenants

	policy        QuotaPolicy
	maxQueueDepth int

	tracker telemetry.Tracker
	logger  *slog.Logger
}

// Option configures an Accounting.
type Option func(*Accounting)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Accounting) {
		a.logger = logger
	}
}

// WithTracker sets the observability sink used for counter-mismatch
// exceptions.
func WithTracker(tracker telemetry.Tracker) Option {
	return func(a *Accounting) {
		a.tracker = tracker
	}
}

// NewAccounting creates accounting state for the given policy and global
// ceiling.
func NewAccounting(policy QuotaPolicy, maxQueueDepth int, opts ...Option) *Accounting {
	a := &Accounting{
		usage:         make(map[string]*Usage),
		policy:        policy,
		maxQueueDepth: maxQueueDepth,
		tracker:       telemetry.NewNop(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// QuotaFor resolves the effective quota for a tenant.
func (a *Accounting) QuotaFor(tenantID string) int {
	if quota, ok := a.policy.Overrides[tenantID]; ok {
		return quota
	}
	return a.policy.DefaultQuota
}

// UsageFor returns the tenant's current counters, zero-valued if the tenant
// has no workload.
func (a *Accounting) UsageFor(tenantID string) Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u, ok := a.usage[tenantID]; ok {
		return *u
	}
	return Usage{}
}

// QueueDepth returns the global Σ(queued+active).
func (a *Accounting) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// MaxQueueDepth returns the configured global ceiling.
func (a *Accounting) MaxQueueDepth() int {
	return a.maxQueueDepth
}

// TryAdmit atomically increments the tenant's queued counter if both the
// tenant quota and the global ceiling allow it. It returns the tenant's usage
// and the global depth as they stand after the decision.
func (a *Accounting) TryAdmit(tenantID string) (Usage, int, error) {
	quota := a.QuotaFor(tenantID)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.total >= a.maxQueueDepth {
		return a.usageLocked(tenantID), a.total, &DepthExceededError{Depth: a.total, Limit: a.maxQueueDepth}
	}

	current := a.usageLocked(tenantID)
	if current.Queued+current.Active >= quota {
		return current, a.total, &QuotaExceededError{TenantID: tenantID, Quota: quota, Usage: current}
	}

	u := a.entryLocked(tenantID)
	u.Queued++
	a.total++
	return *u, a.total, nil
}

// OnDispatchStart moves one unit from queued to active at dispatch time.
func (a *Accounting) OnDispatchStart(tenantID string) {
	a.mu.Lock()
	u := a.entryLocked(tenantID)
	underflow := u.Queued == 0
	if !underflow {
		u.Queued--
		u.Active++
	}
	a.reclaimLocked(tenantID)
	a.mu.Unlock()

	if underflow {
		a.mismatch(tenantID, "dispatch start with no queued work")
	}
}

// RevertDispatch undoes OnDispatchStart after a failed bus send.
func (a *Accounting) RevertDispatch(tenantID string) {
	a.mu.Lock()
	u := a.entryLocked(tenantID)
	underflow := u.Active == 0
	if !underflow {
		u.Active--
		u.Queued++
	}
	a.reclaimLocked(tenantID)
	a.mu.Unlock()

	if underflow {
		a.mismatch(tenantID, "dispatch revert with no active work")
	}
}

// OnUsageEvent applies a worker lifecycle event. Terminal events decrement the
// active counter with a floor of zero; started is a no-op because dispatch
// already moved the unit to active. Accounting never fails on terminal events.
func (a *Accounting) OnUsageEvent(tenantID, eventType string) {
	switch eventType {
	case "completed", "failed", "rejected":
	default:
		return
	}

	a.mu.Lock()
	u := a.entryLocked(tenantID)
	underflow := u.Active == 0
	if !underflow {
		u.Active--
		a.total--
	}
	a.reclaimLocked(tenantID)
	a.mu.Unlock()

	if underflow {
		a.mismatch(tenantID, fmt.Sprintf("terminal event %q with no active work", eventType))
	}
}

// TryAcquireActive reserves one active slot for a tenant without touching the
// queued counter. The worker admits work it already holds from the bus, so
// only the active ceiling applies. Returns the usage after the decision, the
// effective quota, and whether the slot was granted.
func (a *Accounting) TryAcquireActive(tenantID string) (Usage, int, bool) {
	quota := a.QuotaFor(tenantID)

	a.mu.Lock()
	defer a.mu.Unlock()

	current := a.usageLocked(tenantID)
	if current.Active >= quota {
		return current, quota, false
	}

	u := a.entryLocked(tenantID)
	u.Active++
	a.total++
	return *u, quota, true
}

// ReleaseActive frees a slot taken by TryAcquireActive, with a floor of zero.
func (a *Accounting) ReleaseActive(tenantID string) {
	a.mu.Lock()
	u := a.entryLocked(tenantID)
	underflow := u.Active == 0
	if !underflow {
		u.Active--
		a.total--
	}
	a.reclaimLocked(tenantID)
	a.mu.Unlock()

	if underflow {
		a.mismatch(tenantID, "active release with no active work")
	}
}

// Snapshot returns the admin view, tenants sorted by id.
func (a *Accounting) Snapshot() Snapshot {
	a.mu.Lock()
	snap := Snapshot{
		QueueDepth:    a.total,
		MaxQueueDepth: a.maxQueueDepth,
		Tenants:       make([]TenantSnapshot, 0, len(a.usage)),
	}
	for id, u := range a.usage {
		snap.Tenants = append(snap.Tenants, TenantSnapshot{
			TenantID: id,
			Queued:   u.Queued,
			Active:   u.Active,
			Quota:    a.QuotaFor(id),
		})
	}
	a.mu.Unlock()

	sort.Slice(snap.Tenants, func(i, j int) bool {
		return snap.Tenants[i].TenantID < snap.Tenants[j].TenantID
	})
	return snap
}

// usageLocked reads counters without creating an entry. Caller holds mu.
func (a *Accounting) usageLocked(tenantID string) Usage {
	if u, ok := a.usage[tenantID]; ok {
		return *u
	}
	return Usage{}
}

// entryLocked returns the mutable entry, creating it lazily. Caller holds mu.
func (a *Accounting) entryLocked(tenantID string) *Usage {
	u, ok := a.usage[tenantID]
	if !ok {
		u = &Usage{}
		a.usage[tenantID] = u
	}
	return u
}

// reclaimLocked drops entries with no remaining workload. Caller holds mu.
func (a *Accounting) reclaimLocked(tenantID string) {
	if u, ok := a.usage[tenantID]; ok && u.Queued == 0 && u.Active == 0 {
		delete(a.usage, tenantID)
	}
}

// mismatch records a skipped counter transition that would have gone
// negative.
func (a *Accounting) mismatch(tenantID, cause string) {
	err := fmt.Errorf("tenant accounting mismatch: %s", cause)
	a.logger.Warn("Tenant accounting mismatch",
		"tenant_id", tenantID,
		"cause", cause)
	a.tracker.TrackException(err, map[string]string{"tenantId": tenantID})
}
