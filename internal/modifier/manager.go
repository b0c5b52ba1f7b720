package modifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"empirecore/pkg/domain"
)

// Manager coordinates active-modifier writes: persisting the change,
// keeping the cache coherent, and scheduling expiry jobs for time-limited
// modifiers.
type Manager struct {
	store domain.ModifierStore
	jobs  domain.JobStore
	cache *Cache
	log   *slog.Logger
	nowFn func() time.Time
}

// NewManager wires a manager. jobs may be nil, in which case expiry jobs are
// not scheduled and expired modifiers are only dropped by sweeps. log and
// nowFn may be nil.
func NewManager(store domain.ModifierStore, jobs domain.JobStore, cache *Cache, log *slog.Logger, nowFn func() time.Time) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{store: store, jobs: jobs, cache: cache, log: log, nowFn: nowFn}
}

// Apply activates a modifier for a subject. When the modifier carries an
// expiry, a modifier.expire job is enqueued to run at that instant so the
// removal is durable across process restarts.
func (m *Manager) Apply(ctx context.Context, mod domain.ActiveModifier) (domain.ActiveModifier, error) {
	now := m.nowFn()
	if mod.ID == "" {
		mod.ID = uuid.NewString()
	}
	if mod.StartedAt.IsZero() {
		mod.StartedAt = now
	}
	if err := mod.Validate(); err != nil {
		return domain.ActiveModifier{}, err
	}
	applied, err := m.store.ApplyModifier(ctx, mod)
	if err != nil {
		return domain.ActiveModifier{}, fmt.Errorf("apply modifier: %w", err)
	}
	m.cache.Invalidate(mod.SubjectID)

	if applied.ExpiresAt != nil && m.jobs != nil {
		payload, err := domain.MarshalPayload(domain.ExpirePayload{
			SubjectID:        applied.SubjectID,
			ActiveModifierID: applied.ID,
		})
		if err != nil {
			return domain.ActiveModifier{}, fmt.Errorf("encode expiry payload: %w", err)
		}
		_, err = m.jobs.InsertJob(ctx, domain.Job{
			Kind:     domain.JobKindModifierExpire,
			Payload:  payload,
			RunAt:    *applied.ExpiresAt,
			Priority: domain.PriorityNormal,
		})
		if err != nil {
			return domain.ActiveModifier{}, fmt.Errorf("schedule expiry job: %w", err)
		}
		m.log.DebugContext(ctx, "scheduled modifier expiry",
			"subject", applied.SubjectID, "modifier", applied.ID, "run_at", *applied.ExpiresAt)
	}
	return applied, nil
}

// Remove deactivates an active modifier with a "removed" history event and
// invalidates the subject's cache entries.
func (m *Manager) Remove(ctx context.Context, subjectID, activeID string) error {
	if err := m.store.RemoveModifier(ctx, activeID, domain.ActionRemoved, m.nowFn()); err != nil {
		return fmt.Errorf("remove modifier: %w", err)
	}
	m.cache.Invalidate(subjectID)
	return nil
}

// ChangeFaction swaps a subject's faction bonuses: the old faction's active
// modifiers are removed, the new faction's are applied, and the cache is
// invalidated once at the end. A zero-value old faction skips the removal
// phase (initial assignment).
func (m *Manager) ChangeFaction(ctx context.Context, subjectID string, oldFaction, newFaction domain.FactionCode) error {
	now := m.nowFn()
	if newFaction != "" {
		if _, ok := factionSeeds[newFaction]; !ok {
			return domain.ConfigurationError{Field: "faction", Reason: fmt.Sprintf("unknown faction %q", newFaction)}
		}
	}

	if oldFaction != "" {
		old := map[string]struct{}{}
		for _, name := range FactionModifierNames(oldFaction) {
			def, err := m.store.GetDefinitionByName(ctx, name)
			if err != nil {
				return fmt.Errorf("resolve faction definition %s: %w", name, err)
			}
			old[def.ID] = struct{}{}
		}
		active, err := m.store.ListActiveModifiers(ctx, subjectID)
		if err != nil {
			return fmt.Errorf("list active modifiers: %w", err)
		}
		for _, mod := range active {
			if mod.Source != domain.SourceFaction {
				continue
			}
			if _, ok := old[mod.ModifierID]; !ok {
				continue
			}
			if err := m.store.RemoveModifier(ctx, mod.ID, domain.ActionRemoved, now); err != nil {
				return fmt.Errorf("remove faction modifier %s: %w", mod.ID, err)
			}
		}
	}

	sourceID := string(newFaction)
	for _, name := range FactionModifierNames(newFaction) {
		def, err := m.store.GetDefinitionByName(ctx, name)
		if err != nil {
			return fmt.Errorf("resolve faction definition %s: %w", name, err)
		}
		_, err = m.store.ApplyModifier(ctx, domain.ActiveModifier{
			Base:       domain.Base{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now},
			SubjectID:  subjectID,
			ModifierID: def.ID,
			StartedAt:  now,
			Source:     domain.SourceFaction,
			SourceID:   &sourceID,
		})
		if err != nil {
			return fmt.Errorf("apply faction modifier %s: %w", name, err)
		}
	}

	m.cache.Invalidate(subjectID)
	m.log.InfoContext(ctx, "faction modifiers swapped",
		"subject", subjectID, "old", string(oldFaction), "new", string(newFaction))
	return nil
}
