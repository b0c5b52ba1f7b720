package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"empirecore/internal/infra/persistence/memory"
	"empirecore/pkg/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingObserver struct {
	mu        sync.Mutex
	claimed   int
	completed int
	failed    int
	terminal  int
	reaped    int
}

func (o *recordingObserver) JobClaimed(string) {
	o.mu.Lock()
	o.claimed++
	o.mu.Unlock()
}

func (o *recordingObserver) JobCompleted(string, time.Duration) {
	o.mu.Lock()
	o.completed++
	o.mu.Unlock()
}

func (o *recordingObserver) JobFailed(_ string, terminal bool) {
	o.mu.Lock()
	o.failed++
	if terminal {
		o.terminal++
	}
	o.mu.Unlock()
}

func (o *recordingObserver) LocksReaped(n int) {
	o.mu.Lock()
	o.reaped += n
	o.mu.Unlock()
}

func newDispatcher(t *testing.T, store domain.JobStore, reg *Registry, now *time.Time) (*Dispatcher, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	d := New(store, reg, Config{
		WorkerID: "test-worker",
		Observer: obs,
		Now:      func() time.Time { return *now },
	})
	return d, obs
}

func TestTickExecutesAndCompletes(t *testing.T) {
	ctx := context.Background()
	now := t0
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	reg := NewRegistry()

	var handled []string
	reg.Register("tick", func(_ context.Context, job domain.Job) error {
		handled = append(handled, job.ID)
		return nil
	})
	job, err := store.InsertJob(ctx, domain.Job{Kind: "tick"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	d, obs := newDispatcher(t, store, reg, &now)
	if !d.Tick(ctx) {
		t.Fatal("tick found no work")
	}
	if len(handled) != 1 || handled[0] != job.ID {
		t.Fatalf("handled = %v", handled)
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if obs.claimed != 1 || obs.completed != 1 {
		t.Fatalf("observer: %+v", obs)
	}
	if d.Tick(ctx) {
		t.Fatal("second tick must find nothing")
	}
}

func TestTickRoutesHandlerErrorToFail(t *testing.T) {
	ctx := context.Background()
	now := t0
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	reg := NewRegistry()
	reg.Register("tick", func(context.Context, domain.Job) error {
		return errors.New("boom")
	})
	job, _ := store.InsertJob(ctx, domain.Job{Kind: "tick", MaxRetries: 3})

	d, obs := newDispatcher(t, store, reg, &now)
	if !d.Tick(ctx) {
		t.Fatal("tick found no work")
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Retries != 1 || got.LastError != "boom" {
		t.Fatalf("job = %+v", got)
	}
	if obs.failed != 1 || obs.terminal != 0 {
		t.Fatalf("observer: %+v", obs)
	}
}

func TestTickRecoversPanic(t *testing.T) {
	ctx := context.Background()
	now := t0
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	reg := NewRegistry()
	reg.Register("tick", func(context.Context, domain.Job) error {
		panic("handler exploded")
	})
	job, _ := store.InsertJob(ctx, domain.Job{Kind: "tick"})

	d, _ := newDispatcher(t, store, reg, &now)
	if !d.Tick(ctx) {
		t.Fatal("tick found no work")
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %s", got.Status)
	}
	if got.LastError == "" {
		t.Fatal("panic must be recorded as the job error")
	}
}

func TestTickFailsUnknownKind(t *testing.T) {
	ctx := context.Background()
	now := t0
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	job, _ := store.InsertJob(ctx, domain.Job{Kind: "mystery", MaxRetries: 1})

	d, obs := newDispatcher(t, store, NewRegistry(), &now)
	if !d.Tick(ctx) {
		t.Fatal("tick found no work")
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if obs.terminal != 1 {
		t.Fatalf("observer: %+v", obs)
	}
}

func TestTickReapsBeforeClaiming(t *testing.T) {
	ctx := context.Background()
	now := t0
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	reg := NewRegistry()
	var handledBy []string
	reg.Register("tick", func(_ context.Context, job domain.Job) error {
		handledBy = append(handledBy, job.LockedBy)
		return nil
	})
	job, _ := store.InsertJob(ctx, domain.Job{Kind: "tick", Timeout: time.Minute})

	// A previous worker claimed the job and died.
	if _, ok, _ := store.ClaimNextJob(ctx, "dead-worker", now); !ok {
		t.Fatal("setup claim failed")
	}

	d, obs := newDispatcher(t, store, reg, &now)
	if d.Tick(ctx) {
		t.Fatal("lock still live, nothing claimable")
	}

	now = t0.Add(2 * time.Minute)
	if !d.Tick(ctx) {
		t.Fatal("expired lock must be reaped and the job reclaimed")
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Retries != 0 {
		t.Fatal("reap must not consume a retry")
	}
	if obs.reaped != 1 {
		t.Fatalf("observer: %+v", obs)
	}
}

type flakyStore struct {
	domain.JobStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (domain.Job, bool, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return domain.Job{}, false, domain.Transient(errors.New("connection reset"))
	}
	s.mu.Unlock()
	return s.JobStore.ClaimNextJob(ctx, workerID, now)
}

func TestTickRetriesTransientClaimErrors(t *testing.T) {
	ctx := context.Background()
	now := t0
	mem := memory.New(memory.WithClock(func() time.Time { return now }))
	store := &flakyStore{JobStore: mem, failures: 2}
	reg := NewRegistry()
	reg.Register("tick", func(context.Context, domain.Job) error { return nil })
	job, _ := mem.InsertJob(ctx, domain.Job{Kind: "tick"})

	obs := &recordingObserver{}
	d := New(store, reg, Config{
		WorkerID:     "test-worker",
		ErrorBackoff: time.Millisecond,
		StoreRetries: 3,
		Observer:     obs,
		Now:          func() time.Time { return now },
	})
	if !d.Tick(ctx) {
		t.Fatal("claim must succeed after transient failures")
	}
	got, _ := mem.GetJob(ctx, job.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestStartStopDrainsInFlightJob(t *testing.T) {
	ctx := context.Background()
	now := t0
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	reg := NewRegistry()

	started := make(chan struct{})
	release := make(chan struct{})
	reg.Register("slow", func(context.Context, domain.Job) error {
		close(started)
		<-release
		return nil
	})
	job, _ := store.InsertJob(ctx, domain.Job{Kind: "slow"})

	d := New(store, reg, Config{
		WorkerID:     "test-worker",
		PollInterval: time.Millisecond,
		Now:          func() time.Time { return now },
	})
	d.Start(ctx)
	<-started
	close(release)
	d.Stop()

	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("in-flight job must finish before Stop returns, status = %s", got.Status)
	}
}

func TestTwoDispatchersShareQueue(t *testing.T) {
	ctx := context.Background()
	now := t0
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	reg := NewRegistry()

	var mu sync.Mutex
	byWorker := map[string]int{}
	reg.Register("tick", func(_ context.Context, job domain.Job) error {
		mu.Lock()
		byWorker[job.LockedBy]++
		mu.Unlock()
		return nil
	})
	const jobs = 30
	for i := 0; i < jobs; i++ {
		if _, err := store.InsertJob(ctx, domain.Job{Kind: "tick"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	clock := func() time.Time { return now }
	a := New(store, reg, Config{WorkerID: "a", PollInterval: time.Millisecond, Now: clock})
	b := New(store, reg, Config{WorkerID: "b", PollInterval: time.Millisecond, Now: clock})
	a.Start(ctx)
	b.Start(ctx)

	deadline := time.After(5 * time.Second)
	for {
		remaining, err := store.ListJobs(ctx, domain.StatusPending)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(remaining) == 0 {
			inflight, _ := store.ListJobs(ctx, domain.StatusInProgress)
			if len(inflight) == 0 {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatal("queue not drained in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
	a.Stop()
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, n := range byWorker {
		total += n
	}
	if total != jobs {
		t.Fatalf("executed %d of %d jobs (duplicates or losses)", total, jobs)
	}
}
