package domain

import (
	"context"
	"time"
)

// ModifierStore persists modifier definitions, active modifiers, and the
// append-only history log. Implementations must make each method atomic with
// respect to concurrent callers.
type ModifierStore interface {
	// PutDefinition inserts or updates a definition after Validate passes.
	// An empty ID upserts by name (reusing the existing row's ID) so seeds
	// are idempotent; a non-empty ID upserts by ID, and taking a name that
	// belongs to a different ID returns ErrDuplicateName.
	PutDefinition(ctx context.Context, def ModifierDefinition) (ModifierDefinition, error)
	// GetDefinition returns a definition by ID or ErrNotFound.
	GetDefinition(ctx context.Context, id string) (ModifierDefinition, error)
	// GetDefinitionByName returns a definition by its unique name.
	GetDefinitionByName(ctx context.Context, name string) (ModifierDefinition, error)
	// ListDefinitions returns all definitions in stable ID order.
	ListDefinitions(ctx context.Context) ([]ModifierDefinition, error)

	// ApplyModifier activates a definition for a subject and appends an
	// "applied" history event in the same atomic step.
	ApplyModifier(ctx context.Context, mod ActiveModifier) (ActiveModifier, error)
	// RemoveModifier deactivates an active modifier and appends a history
	// event with the given action (removed or expired).
	RemoveModifier(ctx context.Context, id string, action ModifierAction, now time.Time) error
	// ListActiveModifiers returns a subject's active modifiers, including
	// ones whose ExpiresAt has lapsed; expiry filtering is the aggregator's
	// concern so that sweeps stay optional.
	ListActiveModifiers(ctx context.Context, subjectID string) ([]ActiveModifier, error)
	// SweepExpired removes every active modifier for the subject whose
	// ExpiresAt is at or before now, appending "expired" events. Returns the
	// removed modifiers.
	SweepExpired(ctx context.Context, subjectID string, now time.Time) ([]ActiveModifier, error)

	// History returns the subject's history events in occurrence order.
	History(ctx context.Context, subjectID string) ([]ModifierEvent, error)
}

// JobStore is the scheduling contract. All mutating operations are atomic
// and take an explicit now so that tests control the clock; horizontal
// scaling relies solely on this atomicity, there is no coordination channel
// between workers.
type JobStore interface {
	// InsertJob persists a new pending job, filling defaults for zero-value
	// MaxRetries, Timeout, and RunAt.
	InsertJob(ctx context.Context, job Job) (Job, error)
	// ClaimNextJob atomically selects one pending job with RunAt at or
	// before now, ordered by priority descending then RunAt ascending,
	// marks it in_progress, and records workerID and now as the lock. The
	// second return is false when nothing is eligible.
	ClaimNextJob(ctx context.Context, workerID string, now time.Time) (Job, bool, error)
	// CompleteJob finishes an in_progress job, clearing its lock.
	CompleteJob(ctx context.Context, id string) error
	// FailJob records a handler failure: the retry counter is incremented,
	// then the job either returns to pending with an exponential-backoff
	// RunAt (Retries < MaxRetries) or lands terminally in failed. The
	// updated job is returned so callers can observe which path was taken.
	FailJob(ctx context.Context, id string, errMsg string, now time.Time) (Job, error)
	// CancelJob cancels a pending job. Any other status returns
	// ErrInvalidTransition.
	CancelJob(ctx context.Context, id string) error
	// ReapExpiredLocks returns to pending every in_progress job whose lock
	// lapsed strictly before now (LockedAt + Timeout < now). Reaping does
	// not consume a retry. Returns the recovered jobs for logging.
	ReapExpiredLocks(ctx context.Context, now time.Time) ([]Job, error)
	// GetJob returns a job by ID or ErrNotFound.
	GetJob(ctx context.Context, id string) (Job, error)
	// ListJobs returns jobs with the given status, all jobs when status is
	// empty. Primarily for inspecting terminally failed jobs.
	ListJobs(ctx context.Context, status JobStatus) ([]Job, error)
}

// BalanceStore persists per-subject resource balances. Multi-resource
// updates for one subject are all-or-nothing.
type BalanceStore interface {
	// PutBalance inserts or replaces one subject/resource row.
	PutBalance(ctx context.Context, b ResourceBalance) error
	// Balances returns the subject's rows in ResourceTypes order; resources
	// without a row are absent.
	Balances(ctx context.Context, subjectID string) ([]ResourceBalance, error)
	// CreditAccumulators adds the given amounts (keyed by resource) to the
	// subject's accumulators, clamping each at its AccumulatorCap. Overflow
	// is discarded. The whole credit applies atomically or not at all.
	CreditAccumulators(ctx context.Context, subjectID string, amounts map[ResourceType]float64) error
	// CollectResources moves each accumulator into the stored balance,
	// clamped at StorageCap, and zeroes the accumulators. Atomic across the
	// subject's resources. Returns the amounts actually banked.
	CollectResources(ctx context.Context, subjectID string) (map[ResourceType]float64, error)
}

// Store bundles the three persistence contracts behind one handle so that
// drivers can share a connection and a transaction scope.
type Store interface {
	ModifierStore
	JobStore
	BalanceStore

	// Close releases the underlying resources.
	Close() error
}
