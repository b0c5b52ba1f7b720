// Package core wires the engine together behind one service facade:
// modifier reads and writes, job enqueueing, handler registration, and
// dispatcher construction.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"empirecore/internal/archive"
	"empirecore/internal/metrics"
	"empirecore/internal/modifier"
	"empirecore/internal/production"
	"empirecore/internal/scheduler"
	"empirecore/pkg/domain"
)

// Config assembles a Service. Store is required; everything else has a
// default.
type Config struct {
	Store domain.Store
	// Archive receives history snapshots. Nil disables the archive handler.
	Archive archive.Store
	// Clamp bounds aggregated multipliers. The zero value applies none.
	Clamp modifier.ClampPolicy
	// Metrics is optional; when set, enqueues and dispatcher activity are
	// counted.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service is the single entry point for embedding the engine.
type Service struct {
	store    domain.Store
	cache    *modifier.Cache
	manager  *modifier.Manager
	registry *scheduler.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger
	nowFn    func() time.Time
}

// New builds a Service, registers the built-in handlers, and seeds the
// faction definitions so faction changes resolve immediately.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("core: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cache := modifier.NewCache(cfg.Store, cfg.Clamp, cfg.Now)
	manager := modifier.NewManager(cfg.Store, cfg.Store, cache, cfg.Logger, cfg.Now)
	registry := scheduler.NewRegistry()
	handlers := production.NewHandlers(cfg.Store, cache, cfg.Archive, cfg.Logger, cfg.Now)
	handlers.Register(registry)

	if err := modifier.SeedFactionDefinitions(ctx, cfg.Store, cfg.Now()); err != nil {
		return nil, fmt.Errorf("core: seed factions: %w", err)
	}

	return &Service{
		store:    cfg.Store,
		cache:    cache,
		manager:  manager,
		registry: registry,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		nowFn:    cfg.Now,
	}, nil
}

// Store exposes the underlying persistence handle.
func (s *Service) Store() domain.Store { return s.store }

// GetEffectiveMultiplier returns the cached aggregate multiplier for the
// subject, target, and optional sub-target.
func (s *Service) GetEffectiveMultiplier(ctx context.Context, subject string, target domain.ModifierTarget, subTarget *domain.ResourceType) (float64, error) {
	return s.cache.GetOrCompute(ctx, subject, target, subTarget)
}

// PutDefinition validates and stores a modifier definition.
func (s *Service) PutDefinition(ctx context.Context, def domain.ModifierDefinition) (domain.ModifierDefinition, error) {
	return s.store.PutDefinition(ctx, def)
}

// ApplyModifier activates a modifier for a subject, scheduling its expiry
// job when it carries an ExpiresAt.
func (s *Service) ApplyModifier(ctx context.Context, mod domain.ActiveModifier) (domain.ActiveModifier, error) {
	return s.manager.Apply(ctx, mod)
}

// RemoveModifier deactivates an active modifier.
func (s *Service) RemoveModifier(ctx context.Context, subjectID, activeID string) error {
	return s.manager.Remove(ctx, subjectID, activeID)
}

// ChangeFaction swaps a subject's faction bonuses.
func (s *Service) ChangeFaction(ctx context.Context, subjectID string, oldFaction, newFaction domain.FactionCode) error {
	return s.manager.ChangeFaction(ctx, subjectID, oldFaction, newFaction)
}

// History returns the subject's modifier history.
func (s *Service) History(ctx context.Context, subjectID string) ([]domain.ModifierEvent, error) {
	return s.store.History(ctx, subjectID)
}

// EnqueueJob inserts a job into the queue.
func (s *Service) EnqueueJob(ctx context.Context, job domain.Job) (domain.Job, error) {
	inserted, err := s.store.InsertJob(ctx, job)
	if err != nil {
		return domain.Job{}, fmt.Errorf("core: enqueue %s: %w", job.Kind, err)
	}
	if s.metrics != nil {
		s.metrics.JobEnqueued(inserted.Kind)
	}
	s.log.DebugContext(ctx, "job enqueued",
		"job", inserted.ID, "kind", inserted.Kind, "run_at", inserted.RunAt)
	return inserted, nil
}

// RegisterHandler binds a custom handler to a job kind alongside the
// built-in set.
func (s *Service) RegisterHandler(kind string, h scheduler.Handler) {
	s.registry.Register(kind, h)
}

// NewDispatcher builds a dispatcher bound to this service's registry and
// store. Callers run as many as they want.
func (s *Service) NewDispatcher(cfg scheduler.Config) *scheduler.Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = s.log
	}
	if cfg.Observer == nil && s.metrics != nil {
		cfg.Observer = s.metrics
	}
	if cfg.Now == nil {
		cfg.Now = s.nowFn
	}
	return scheduler.New(s.store, s.registry, cfg)
}
