// Package production implements the built-in job handlers: resource
// production and collection, modifier expiry and sweeping, and history
// archival.
package production

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"empirecore/internal/archive"
	"empirecore/internal/modifier"
	"empirecore/internal/scheduler"
	"empirecore/pkg/domain"
)

// Handlers bundles the dependencies shared by the built-in job handlers.
type Handlers struct {
	store   domain.Store
	cache   *modifier.Cache
	archive archive.Store
	log     *slog.Logger
	nowFn   func() time.Time
}

// NewHandlers wires the handler set. archiveStore may be nil when history
// archival is not used; log and nowFn may be nil.
func NewHandlers(store domain.Store, cache *modifier.Cache, archiveStore archive.Store, log *slog.Logger, nowFn func() time.Time) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Handlers{store: store, cache: cache, archive: archiveStore, log: log, nowFn: nowFn}
}

// Register binds every built-in handler to its job kind.
func (h *Handlers) Register(reg *scheduler.Registry) {
	reg.Register(domain.JobKindResourceProduce, h.Produce)
	reg.Register(domain.JobKindResourceCollect, h.Collect)
	reg.Register(domain.JobKindModifierExpire, h.Expire)
	reg.Register(domain.JobKindModifierSweep, h.Sweep)
	if h.archive != nil {
		reg.Register(domain.JobKindHistoryArchive, h.Archive)
	}
}

// Produce credits one production window into the subject's accumulators.
// The effective rate per resource is the base rate scaled by the cached
// multiplier for (subject, resource); amounts past the caps are discarded.
func (h *Handlers) Produce(ctx context.Context, job domain.Job) error {
	var payload domain.ProducePayload
	if err := scheduler.DecodePayload(job, &payload); err != nil {
		return err
	}
	if payload.ElapsedSeconds <= 0 {
		return fmt.Errorf("produce: elapsed window must be positive, got %v", payload.ElapsedSeconds)
	}

	balances, err := h.store.Balances(ctx, payload.SubjectID)
	if err != nil {
		return fmt.Errorf("produce: load balances: %w", err)
	}
	hours := payload.ElapsedSeconds / 3600
	amounts := map[domain.ResourceType]float64{}
	for _, b := range balances {
		if b.BaseRate <= 0 {
			continue
		}
		res := b.Resource
		mul, err := h.cache.GetOrCompute(ctx, payload.SubjectID, domain.TargetResource, &res)
		if err != nil {
			return fmt.Errorf("produce: multiplier for %s: %w", res, err)
		}
		amounts[res] = b.BaseRate * mul * hours
	}
	if len(amounts) == 0 {
		return nil
	}
	if err := h.store.CreditAccumulators(ctx, payload.SubjectID, amounts); err != nil {
		return fmt.Errorf("produce: credit: %w", err)
	}
	h.log.DebugContext(ctx, "production credited",
		"subject", payload.SubjectID, "window_seconds", payload.ElapsedSeconds)
	return nil
}

// Collect banks the subject's accumulated resources into storage.
func (h *Handlers) Collect(ctx context.Context, job domain.Job) error {
	var payload domain.CollectPayload
	if err := scheduler.DecodePayload(job, &payload); err != nil {
		return err
	}
	banked, err := h.store.CollectResources(ctx, payload.SubjectID)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	total := 0.0
	for _, amount := range banked {
		total += amount
	}
	h.log.InfoContext(ctx, "resources collected", "subject", payload.SubjectID, "total", total)
	return nil
}

// Expire removes one lapsed active modifier. A modifier that is already
// gone, removed by hand or by a sweep between scheduling and execution,
// completes the job rather than burning retries on a no-op.
func (h *Handlers) Expire(ctx context.Context, job domain.Job) error {
	var payload domain.ExpirePayload
	if err := scheduler.DecodePayload(job, &payload); err != nil {
		return err
	}
	err := h.store.RemoveModifier(ctx, payload.ActiveModifierID, domain.ActionExpired, h.nowFn())
	if errors.Is(err, domain.ErrNotFound) {
		h.log.DebugContext(ctx, "modifier already gone",
			"subject", payload.SubjectID, "modifier", payload.ActiveModifierID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	h.cache.Invalidate(payload.SubjectID)
	return nil
}

// Sweep drops every expired active modifier for the subject.
func (h *Handlers) Sweep(ctx context.Context, job domain.Job) error {
	var payload domain.SweepPayload
	if err := scheduler.DecodePayload(job, &payload); err != nil {
		return err
	}
	removed, err := h.store.SweepExpired(ctx, payload.SubjectID, h.nowFn())
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if len(removed) > 0 {
		h.cache.Invalidate(payload.SubjectID)
		h.log.InfoContext(ctx, "expired modifiers swept",
			"subject", payload.SubjectID, "count", len(removed))
	}
	return nil
}

// archiveSnapshot is the blob layout written by Archive.
type archiveSnapshot struct {
	SubjectID  string                 `json:"subject_id"`
	ExportedAt time.Time              `json:"exported_at"`
	Events     []domain.ModifierEvent `json:"events"`
}

// Archive exports the subject's full modifier history as a JSON blob keyed
// by subject and export date.
func (h *Handlers) Archive(ctx context.Context, job domain.Job) error {
	var payload domain.ArchivePayload
	if err := scheduler.DecodePayload(job, &payload); err != nil {
		return err
	}
	events, err := h.store.History(ctx, payload.SubjectID)
	if err != nil {
		return fmt.Errorf("archive: load history: %w", err)
	}
	now := h.nowFn().UTC()
	snapshot := archiveSnapshot{SubjectID: payload.SubjectID, ExportedAt: now, Events: events}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("archive: encode snapshot: %w", err)
	}
	key := fmt.Sprintf("history/%s/%s.json", payload.SubjectID, now.Format("2006-01-02T15-04-05Z"))
	if err := h.archive.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("archive: store snapshot: %w", err)
	}
	h.log.InfoContext(ctx, "history archived",
		"subject", payload.SubjectID, "events", len(events), "key", key)
	return nil
}
