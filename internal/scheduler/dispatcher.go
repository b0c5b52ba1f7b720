package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"empirecore/pkg/domain"
)

// Observer receives dispatcher lifecycle signals. The metrics package
// provides the Prometheus-backed implementation; the zero dependency here
// keeps the loop testable without a registry.
type Observer interface {
	JobClaimed(kind string)
	JobCompleted(kind string, duration time.Duration)
	JobFailed(kind string, terminal bool)
	LocksReaped(count int)
}

type noopObserver struct{}

func (noopObserver) JobClaimed(string)                  {}
func (noopObserver) JobCompleted(string, time.Duration) {}
func (noopObserver) JobFailed(string, bool)             {}
func (noopObserver) LocksReaped(int)                    {}

// Config tunes one dispatcher instance. Zero values get defaults.
type Config struct {
	// WorkerID identifies this instance in job locks. Defaults to a random
	// UUID.
	WorkerID string
	// PollInterval is the idle sleep between ticks that found no work.
	// Defaults to one second.
	PollInterval time.Duration
	// ErrorBackoff is the longer sleep applied between retries when the
	// store reports a transient error. Defaults to five seconds.
	ErrorBackoff time.Duration
	// StoreRetries bounds the local retry of transient claim/reap errors
	// within one tick. Defaults to three.
	StoreRetries int
	Logger       *slog.Logger
	Observer     Observer
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.StoreRetries <= 0 {
		c.StoreRetries = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = noopObserver{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Dispatcher is one worker loop. Any number of dispatchers may run against
// the same store, in one process or many; they coordinate only through the
// store's atomic claim.
type Dispatcher struct {
	store    domain.JobStore
	registry *Registry
	cfg      Config

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a dispatcher over the given store and registry.
func New(store domain.JobStore, registry *Registry, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{store: store, registry: registry, cfg: cfg}
}

// WorkerID returns the identity used in job locks.
func (d *Dispatcher) WorkerID() string { return d.cfg.WorkerID }

// Start launches the loop in a goroutine. Use Stop to shut it down.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		d.Run(ctx)
	}()
}

// Stop cancels the loop and waits for the in-flight job to finish.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// Run executes the loop until ctx is cancelled. Each tick reaps expired
// locks, then claims and executes at most one job; ticks that found work
// loop again immediately to drain the queue.
func (d *Dispatcher) Run(ctx context.Context) {
	d.cfg.Logger.InfoContext(ctx, "dispatcher started", "worker", d.cfg.WorkerID)
	for {
		if ctx.Err() != nil {
			d.cfg.Logger.InfoContext(ctx, "dispatcher stopped", "worker", d.cfg.WorkerID)
			return
		}
		worked := d.Tick(ctx)
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// Tick performs one reap-then-claim cycle and reports whether a job was
// executed. Exposed so tests and embedding code can drive the loop with
// their own cadence.
func (d *Dispatcher) Tick(ctx context.Context) bool {
	d.reap(ctx)

	var (
		job     domain.Job
		claimed bool
	)
	err := d.withStoreRetry(ctx, func() error {
		var err error
		job, claimed, err = d.store.ClaimNextJob(ctx, d.cfg.WorkerID, d.cfg.Now())
		return err
	})
	if err != nil {
		d.cfg.Logger.ErrorContext(ctx, "claim failed", "worker", d.cfg.WorkerID, "error", err)
		return false
	}
	if !claimed {
		return false
	}
	d.cfg.Observer.JobClaimed(job.Kind)
	d.execute(ctx, job)
	return true
}

func (d *Dispatcher) reap(ctx context.Context) {
	var reaped []domain.Job
	err := d.withStoreRetry(ctx, func() error {
		var err error
		reaped, err = d.store.ReapExpiredLocks(ctx, d.cfg.Now())
		return err
	})
	if err != nil {
		d.cfg.Logger.ErrorContext(ctx, "reap failed", "worker", d.cfg.WorkerID, "error", err)
		return
	}
	if len(reaped) == 0 {
		return
	}
	d.cfg.Observer.LocksReaped(len(reaped))
	for _, job := range reaped {
		// Recovery is informational, not an error: the previous worker
		// presumably crashed and the job is back in the queue.
		d.cfg.Logger.WarnContext(ctx, "recovered expired lock",
			"job", job.ID, "kind", job.Kind, "previous_worker", job.LockedBy)
	}
}

func (d *Dispatcher) execute(ctx context.Context, job domain.Job) {
	start := d.cfg.Now()
	log := d.cfg.Logger.With("job", job.ID, "kind", job.Kind, "worker", d.cfg.WorkerID)

	handler, ok := d.registry.Resolve(job.Kind)
	var handlerErr error
	if !ok {
		handlerErr = fmt.Errorf("no handler registered for kind %q", job.Kind)
	} else {
		handlerErr = d.runHandler(ctx, handler, job)
	}

	if handlerErr == nil {
		if err := d.store.CompleteJob(ctx, job.ID); err != nil {
			log.ErrorContext(ctx, "complete failed, lock will be reaped", "error", err)
			return
		}
		d.cfg.Observer.JobCompleted(job.Kind, d.cfg.Now().Sub(start))
		log.DebugContext(ctx, "job completed")
		return
	}

	failed, err := d.store.FailJob(ctx, job.ID, handlerErr.Error(), d.cfg.Now())
	if err != nil {
		log.ErrorContext(ctx, "fail-path update failed, lock will be reaped", "error", err)
		return
	}
	terminal := failed.Status == domain.StatusFailed
	d.cfg.Observer.JobFailed(job.Kind, terminal)
	if terminal {
		log.ErrorContext(ctx, "job failed terminally",
			"retries", failed.Retries, "error", handlerErr)
	} else {
		log.WarnContext(ctx, "job failed, retrying",
			"retries", failed.Retries, "next_run", failed.RunAt, "error", handlerErr)
	}
}

// runHandler applies the job's timeout as a context deadline and converts a
// handler panic into an ordinary failure so one bad handler cannot take the
// loop down. A worker that dies mid-job is still recovered only by reaping.
func (d *Dispatcher) runHandler(ctx context.Context, handler Handler, job domain.Job) (err error) {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// withStoreRetry retries fn over transient store errors with the configured
// backoff. Non-transient errors propagate immediately.
func (d *Dispatcher) withStoreRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < d.cfg.StoreRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.ErrorBackoff):
			}
		}
		err = fn()
		if err == nil || !domain.IsTransient(err) {
			return err
		}
		d.cfg.Logger.WarnContext(ctx, "transient store error, backing off",
			"worker", d.cfg.WorkerID, "attempt", attempt+1, "error", err)
	}
	return err
}
