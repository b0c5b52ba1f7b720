package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"empirecore/internal/archive"
	"empirecore/internal/infra/persistence/memory"
	"empirecore/internal/scheduler"
	"empirecore/pkg/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, now *time.Time) *Service {
	t.Helper()
	clock := func() time.Time { return *now }
	svc, err := New(context.Background(), Config{
		Store:   memory.New(memory.WithClock(clock)),
		Archive: archive.NewMemory(),
		Now:     clock,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestServiceRequiresStore(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("missing store must fail")
	}
}

func TestServiceSeedsFactions(t *testing.T) {
	now := t0
	svc := newService(t, &now)
	defs, err := svc.Store().ListDefinitions(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// Four factions with three bonuses each.
	if len(defs) != 12 {
		t.Fatalf("seeded %d definitions, want 12", len(defs))
	}
}

func TestFactionChangeEndToEnd(t *testing.T) {
	ctx := context.Background()
	now := t0
	svc := newService(t, &now)

	if err := svc.ChangeFaction(ctx, "empire-1", "", domain.FactionHuman); err != nil {
		t.Fatalf("assign: %v", err)
	}
	wood := domain.ResourceWood
	mul, err := svc.GetEffectiveMultiplier(ctx, "empire-1", domain.TargetResource, &wood)
	if err != nil {
		t.Fatalf("multiplier: %v", err)
	}
	if mul != 1.15 {
		t.Fatalf("human wood multiplier = %v", mul)
	}
}

func TestProductionPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	now := t0
	svc := newService(t, &now)

	if err := svc.Store().PutBalance(ctx, domain.ResourceBalance{
		SubjectID: "empire-1", Resource: domain.ResourceWood,
		StorageCap: 100000, AccumulatorCap: 50000, BaseRate: 120,
	}); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	if err := svc.ChangeFaction(ctx, "empire-1", "", domain.FactionHuman); err != nil {
		t.Fatalf("assign faction: %v", err)
	}
	// An event bonus in the same stacking group lifts the total to +20%.
	wood := domain.ResourceWood
	def, err := svc.PutDefinition(ctx, domain.ModifierDefinition{
		Name: "harvest_festival", Target: domain.TargetResource, SubTarget: &wood,
		Magnitude: 1.05, Kind: domain.KindPercentage, Group: "faction_wood",
		Behaviour: domain.StackAdditive,
	})
	if err != nil {
		t.Fatalf("put definition: %v", err)
	}
	if _, err := svc.ApplyModifier(ctx, domain.ActiveModifier{
		SubjectID: "empire-1", ModifierID: def.ID, Source: domain.SourceEvent,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	payload, _ := domain.MarshalPayload(domain.ProducePayload{
		SubjectID: "empire-1", ElapsedSeconds: 3600,
	})
	if _, err := svc.EnqueueJob(ctx, domain.Job{
		Kind: domain.JobKindResourceProduce, Payload: payload,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := svc.NewDispatcher(scheduler.Config{WorkerID: "w1"})
	if !d.Tick(ctx) {
		t.Fatal("dispatcher found no work")
	}

	balances, err := svc.Store().Balances(ctx, "empire-1")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	got := balances[0].Accumulated
	if diff := got - 144; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("accumulated = %v, want 144", got)
	}
}

func TestExpiryJobRemovesModifier(t *testing.T) {
	ctx := context.Background()
	now := t0
	svc := newService(t, &now)

	wood := domain.ResourceWood
	def, err := svc.PutDefinition(ctx, domain.ModifierDefinition{
		Name: "war_rations", Target: domain.TargetResource, SubTarget: &wood,
		Magnitude: 1.5, Kind: domain.KindPercentage, Behaviour: domain.StackAdditive,
	})
	if err != nil {
		t.Fatalf("put definition: %v", err)
	}
	exp := t0.Add(time.Hour)
	if _, err := svc.ApplyModifier(ctx, domain.ActiveModifier{
		SubjectID: "empire-1", ModifierID: def.ID, ExpiresAt: &exp,
		Source: domain.SourceEvent,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	d := svc.NewDispatcher(scheduler.Config{WorkerID: "w1"})
	if d.Tick(ctx) {
		t.Fatal("expiry job must not run before its time")
	}

	now = exp.Add(time.Second)
	if !d.Tick(ctx) {
		t.Fatal("expiry job did not run")
	}
	active, _ := svc.Store().ListActiveModifiers(ctx, "empire-1")
	if len(active) != 0 {
		t.Fatalf("active = %v", active)
	}
	events, _ := svc.History(ctx, "empire-1")
	last := events[len(events)-1]
	if last.Action != domain.ActionExpired {
		t.Fatalf("last action = %s", last.Action)
	}
}

func TestRegisterCustomHandler(t *testing.T) {
	ctx := context.Background()
	now := t0
	svc := newService(t, &now)

	done := false
	svc.RegisterHandler("email.send", func(context.Context, domain.Job) error {
		done = true
		return nil
	})
	if _, err := svc.EnqueueJob(ctx, domain.Job{Kind: "email.send"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d := svc.NewDispatcher(scheduler.Config{WorkerID: "w1"})
	if !d.Tick(ctx) || !done {
		t.Fatal("custom handler did not run")
	}
}

func TestOpenStoreSelectsDriver(t *testing.T) {
	ctx := context.Background()

	t.Setenv(EnvStorageDriver, "")
	store, err := OpenStore(ctx)
	if err != nil {
		t.Fatalf("open default: %v", err)
	}
	store.Close()

	t.Setenv(EnvStorageDriver, DriverSQLite)
	t.Setenv(EnvSQLitePath, filepath.Join(t.TempDir(), "core.db"))
	store, err = OpenStore(ctx)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store.Close()

	t.Setenv(EnvStorageDriver, DriverSQLite)
	t.Setenv(EnvSQLitePath, "")
	if _, err := OpenStore(ctx); err == nil {
		t.Fatal("sqlite without a path must fail")
	}

	t.Setenv(EnvStorageDriver, DriverPostgres)
	t.Setenv(EnvPostgresDSN, "")
	if _, err := OpenStore(ctx); err == nil {
		t.Fatal("postgres without a dsn must fail")
	}

	t.Setenv(EnvStorageDriver, "oracle")
	if _, err := OpenStore(ctx); err == nil {
		t.Fatal("unknown driver must fail")
	}
}
