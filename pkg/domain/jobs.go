package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates the job lifecycle states.
type JobStatus string

// Job lifecycle states. Valid transitions: pending -> in_progress ->
// {completed | failed | pending(retry)}; pending -> cancelled.
const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// JobPriority orders eligible pending jobs; higher values claim first.
type JobPriority int

// Conventional priority levels. Any int is accepted.
const (
	PriorityLow    JobPriority = 0
	PriorityNormal JobPriority = 50
	PriorityHigh   JobPriority = 100
)

// Job is one unit of deferred work persisted in the job store.
//
// Invariant: Status == in_progress implies LockedBy and LockedAt are set;
// every exit from in_progress clears both atomically with the status change.
type Job struct {
	Base
	Kind       string          `json:"kind"`
	Status     JobStatus       `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RunAt      time.Time       `json:"run_at"`
	Priority   JobPriority     `json:"priority"`
	Timeout    time.Duration   `json:"timeout"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	LockedBy   string          `json:"locked_by,omitempty"`
	LockedAt   *time.Time      `json:"locked_at,omitempty"`
}

// Default job parameters applied by stores when a field is zero.
const (
	DefaultMaxRetries = 3
	DefaultJobTimeout = 5 * time.Minute
)

// LockExpired reports whether an in_progress job's lease has lapsed and the
// job is eligible for reaping. The comparison is strict: a lock acquired at
// T with timeout D expires only once now is past T+D.
func (j Job) LockExpired(now time.Time) bool {
	if j.Status != StatusInProgress || j.LockedAt == nil {
		return false
	}
	return j.LockedAt.Add(j.Timeout).Before(now)
}

// RetryPolicy computes the backoff delay before a failed job becomes
// eligible again. The delay doubles per consumed retry and is capped at Max.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryPolicy mirrors the queue defaults: 30s base, 1h ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 30 * time.Second, Max: time.Hour}
}

// Backoff returns the delay to apply after the given number of consumed
// retries (1 for the first failure).
func (p RetryPolicy) Backoff(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	d := p.Base << (retries - 1)
	if d <= 0 || d > p.Max {
		return p.Max
	}
	return d
}
