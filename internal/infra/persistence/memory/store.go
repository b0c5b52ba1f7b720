// Package memory provides an in-memory implementation of the persistence
// contracts. It backs unit tests and ephemeral deployments; nothing survives
// a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"empirecore/pkg/domain"
)

// Store keeps all state behind a single mutex. Every method is atomic with
// respect to concurrent callers, which is the only coordination guarantee
// the scheduling layer relies on.
type Store struct {
	mu sync.Mutex

	definitions map[string]domain.ModifierDefinition
	defsByName  map[string]string // name -> id
	active      map[string]domain.ActiveModifier
	events      []domain.ModifierEvent
	jobs        map[string]domain.Job
	balances    map[string]map[domain.ResourceType]domain.ResourceBalance

	retry domain.RetryPolicy
	nowFn func() time.Time
}

var _ domain.Store = (*Store)(nil)

// Option adjusts store construction.
type Option func(*Store)

// WithClock injects the clock used for record timestamps and insert-time
// defaults. Operations that take an explicit now ignore it.
func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) { s.nowFn = nowFn }
}

// WithRetryPolicy overrides the failure backoff schedule.
func WithRetryPolicy(p domain.RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// New builds an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		definitions: map[string]domain.ModifierDefinition{},
		defsByName:  map[string]string{},
		active:      map[string]domain.ActiveModifier{},
		jobs:        map[string]domain.Job{},
		balances:    map[string]map[domain.ResourceType]domain.ResourceBalance{},
		retry:       domain.DefaultRetryPolicy(),
		nowFn:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// --- modifiers ---

func (s *Store) PutDefinition(_ context.Context, def domain.ModifierDefinition) (domain.ModifierDefinition, error) {
	if err := def.Validate(); err != nil {
		return domain.ModifierDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if def.ID == "" {
		if existing, ok := s.defsByName[def.Name]; ok {
			def.ID = existing
		} else {
			def.ID = uuid.NewString()
		}
	}
	if owner, ok := s.defsByName[def.Name]; ok && owner != def.ID {
		return domain.ModifierDefinition{}, domain.ErrDuplicateName
	}
	if prev, ok := s.definitions[def.ID]; ok {
		def.CreatedAt = prev.CreatedAt
		if prev.Name != def.Name {
			delete(s.defsByName, prev.Name)
		}
	} else if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	s.definitions[def.ID] = def
	s.defsByName[def.Name] = def.ID
	return def, nil
}

func (s *Store) GetDefinition(_ context.Context, id string) (domain.ModifierDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[id]
	if !ok {
		return domain.ModifierDefinition{}, domain.ErrNotFound
	}
	return def, nil
}

func (s *Store) GetDefinitionByName(_ context.Context, name string) (domain.ModifierDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.defsByName[name]
	if !ok {
		return domain.ModifierDefinition{}, domain.ErrNotFound
	}
	return s.definitions[id], nil
}

func (s *Store) ListDefinitions(_ context.Context) ([]domain.ModifierDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ModifierDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ApplyModifier(_ context.Context, mod domain.ActiveModifier) (domain.ActiveModifier, error) {
	if err := mod.Validate(); err != nil {
		return domain.ActiveModifier{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[mod.ModifierID]
	if !ok {
		return domain.ActiveModifier{}, domain.ErrNotFound
	}
	now := s.nowFn()
	if mod.ID == "" {
		mod.ID = uuid.NewString()
	}
	if mod.CreatedAt.IsZero() {
		mod.CreatedAt = now
	}
	mod.UpdatedAt = now
	s.active[mod.ID] = mod
	s.appendEvent(mod, def.Magnitude, domain.ActionApplied, now)
	return mod, nil
}

func (s *Store) RemoveModifier(_ context.Context, id string, action domain.ModifierAction, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mod, ok := s.active[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(s.active, id)
	magnitude := 0.0
	if def, ok := s.definitions[mod.ModifierID]; ok {
		magnitude = def.Magnitude
	}
	s.appendEvent(mod, magnitude, action, now)
	return nil
}

func (s *Store) ListActiveModifiers(_ context.Context, subjectID string) ([]domain.ActiveModifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ActiveModifier
	for _, mod := range s.active {
		if mod.SubjectID == subjectID {
			out = append(out, mod)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SweepExpired(_ context.Context, subjectID string, now time.Time) ([]domain.ActiveModifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []domain.ActiveModifier
	for id, mod := range s.active {
		if mod.SubjectID != subjectID || !mod.Expired(now) {
			continue
		}
		delete(s.active, id)
		magnitude := 0.0
		if def, ok := s.definitions[mod.ModifierID]; ok {
			magnitude = def.Magnitude
		}
		s.appendEvent(mod, magnitude, domain.ActionExpired, now)
		removed = append(removed, mod)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed, nil
}

func (s *Store) History(_ context.Context, subjectID string) ([]domain.ModifierEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ModifierEvent
	for _, ev := range s.events {
		if ev.SubjectID == subjectID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// appendEvent must run with the mutex held.
func (s *Store) appendEvent(mod domain.ActiveModifier, magnitude float64, action domain.ModifierAction, now time.Time) {
	s.events = append(s.events, domain.ModifierEvent{
		ID:         uuid.NewString(),
		SubjectID:  mod.SubjectID,
		ModifierID: mod.ModifierID,
		Action:     action,
		Magnitude:  magnitude,
		Source:     mod.Source,
		OccurredAt: now,
	})
}

// --- jobs ---

func (s *Store) InsertJob(_ context.Context, job domain.Job) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, ok := s.jobs[job.ID]; ok {
		return domain.Job{}, domain.ErrInvalidTransition
	}
	job.Status = domain.StatusPending
	if job.MaxRetries == 0 {
		job.MaxRetries = domain.DefaultMaxRetries
	}
	if job.Timeout == 0 {
		job.Timeout = domain.DefaultJobTimeout
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Payload = cloneRaw(job.Payload)
	s.jobs[job.ID] = job
	return cloneJob(job), nil
}

func (s *Store) ClaimNextJob(_ context.Context, workerID string, now time.Time) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.Job
	for id := range s.jobs {
		job := s.jobs[id]
		if job.Status != domain.StatusPending || job.RunAt.After(now) {
			continue
		}
		if best == nil || claimBefore(job, *best) {
			j := job
			best = &j
		}
	}
	if best == nil {
		return domain.Job{}, false, nil
	}
	lockedAt := now
	best.Status = domain.StatusInProgress
	best.LockedBy = workerID
	best.LockedAt = &lockedAt
	best.UpdatedAt = now
	s.jobs[best.ID] = *best
	return cloneJob(*best), true, nil
}

// claimBefore orders eligible pending jobs: priority descending, then RunAt
// ascending, then ID for a stable tiebreak.
func claimBefore(a, b domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.ID < b.ID
}

func (s *Store) CompleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != domain.StatusInProgress {
		return domain.ErrInvalidTransition
	}
	job.Status = domain.StatusCompleted
	job.LockedBy = ""
	job.LockedAt = nil
	job.UpdatedAt = s.nowFn()
	s.jobs[id] = job
	return nil
}

func (s *Store) FailJob(_ context.Context, id string, errMsg string, now time.Time) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if job.Status != domain.StatusInProgress {
		return domain.Job{}, domain.ErrInvalidTransition
	}
	job.Retries++
	job.LastError = errMsg
	job.LockedBy = ""
	job.LockedAt = nil
	job.UpdatedAt = now
	if job.Retries < job.MaxRetries {
		job.Status = domain.StatusPending
		job.RunAt = now.Add(s.retry.Backoff(job.Retries))
	} else {
		job.Status = domain.StatusFailed
	}
	s.jobs[id] = job
	return cloneJob(job), nil
}

func (s *Store) CancelJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != domain.StatusPending {
		return domain.ErrInvalidTransition
	}
	job.Status = domain.StatusCancelled
	job.UpdatedAt = s.nowFn()
	s.jobs[id] = job
	return nil
}

func (s *Store) ReapExpiredLocks(_ context.Context, now time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reaped []domain.Job
	for id := range s.jobs {
		job := s.jobs[id]
		if !job.LockExpired(now) {
			continue
		}
		job.Status = domain.StatusPending
		job.LockedBy = ""
		job.LockedAt = nil
		job.UpdatedAt = now
		s.jobs[id] = job
		reaped = append(reaped, cloneJob(job))
	}
	sort.Slice(reaped, func(i, j int) bool { return reaped[i].ID < reaped[j].ID })
	return reaped, nil
}

func (s *Store) GetJob(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *Store) ListJobs(_ context.Context, status domain.JobStatus) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneJob(j domain.Job) domain.Job {
	j.Payload = cloneRaw(j.Payload)
	if j.LockedAt != nil {
		t := *j.LockedAt
		j.LockedAt = &t
	}
	return j
}

func cloneRaw(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

// --- balances ---

func (s *Store) PutBalance(_ context.Context, b domain.ResourceBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.balances[b.SubjectID]
	if !ok {
		rows = map[domain.ResourceType]domain.ResourceBalance{}
		s.balances[b.SubjectID] = rows
	}
	rows[b.Resource] = b
	return nil
}

func (s *Store) Balances(_ context.Context, subjectID string) ([]domain.ResourceBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.balances[subjectID]
	var out []domain.ResourceBalance
	for _, res := range domain.ResourceTypes() {
		if b, ok := rows[res]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Store) CreditAccumulators(_ context.Context, subjectID string, amounts map[domain.ResourceType]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.balances[subjectID]
	if !ok {
		return domain.ErrNotFound
	}
	// Mutate a copy and swap it in only when every row resolves, so the
	// whole credit applies or none of it does.
	next := make(map[domain.ResourceType]domain.ResourceBalance, len(rows))
	for res, b := range rows {
		next[res] = b
	}
	for res, amount := range amounts {
		b, ok := next[res]
		if !ok {
			return domain.ErrNotFound
		}
		b.Accumulated += amount
		if b.Accumulated > b.AccumulatorCap {
			b.Accumulated = b.AccumulatorCap
		}
		if b.Accumulated < 0 {
			b.Accumulated = 0
		}
		next[res] = b
	}
	s.balances[subjectID] = next
	return nil
}

func (s *Store) CollectResources(_ context.Context, subjectID string) (map[domain.ResourceType]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.balances[subjectID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	next := make(map[domain.ResourceType]domain.ResourceBalance, len(rows))
	banked := map[domain.ResourceType]float64{}
	for res, b := range rows {
		headroom := b.StorageCap - b.Stored
		if headroom < 0 {
			headroom = 0
		}
		moved := b.Accumulated
		if moved > headroom {
			moved = headroom
		}
		b.Stored += moved
		b.Accumulated = 0
		next[res] = b
		banked[res] = moved
	}
	s.balances[subjectID] = next
	return banked, nil
}
