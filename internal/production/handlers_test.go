package production

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"empirecore/internal/archive"
	"empirecore/internal/infra/persistence/memory"
	"empirecore/internal/modifier"
	"empirecore/internal/scheduler"
	"empirecore/pkg/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	cache   *modifier.Cache
	mgr     *modifier.Manager
	blobs   *archive.Memory
	h       *Handlers
	nowFn   func() time.Time
	setTime func(time.Time)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := t0
	clock := func() time.Time { return now }
	store := memory.New(memory.WithClock(clock))
	cache := modifier.NewCache(store, modifier.ClampPolicy{}, clock)
	mgr := modifier.NewManager(store, store, cache, nil, clock)
	blobs := archive.NewMemory()
	return &fixture{
		store:   store,
		cache:   cache,
		mgr:     mgr,
		blobs:   blobs,
		h:       NewHandlers(store, cache, blobs, nil, clock),
		nowFn:   clock,
		setTime: func(at time.Time) { now = at },
	}
}

func jobWith(t *testing.T, kind string, payload any) domain.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return domain.Job{Kind: kind, Payload: raw}
}

func seedBalance(t *testing.T, f *fixture, res domain.ResourceType, baseRate float64) {
	t.Helper()
	err := f.store.PutBalance(context.Background(), domain.ResourceBalance{
		SubjectID:      "e1",
		Resource:       res,
		StorageCap:     10000,
		AccumulatorCap: 5000,
		BaseRate:       baseRate,
	})
	if err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func seedWoodBonus(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	wood := domain.ResourceWood
	for _, def := range []struct {
		name      string
		magnitude float64
	}{
		{"faction_wood_bonus", 1.15},
		{"event_wood_bonus", 1.05},
	} {
		d, err := f.store.PutDefinition(ctx, domain.ModifierDefinition{
			Name:      def.name,
			Target:    domain.TargetResource,
			SubTarget: &wood,
			Magnitude: def.magnitude,
			Kind:      domain.KindPercentage,
			Group:     "faction_wood",
			Behaviour: domain.StackAdditive,
		})
		if err != nil {
			t.Fatalf("put definition: %v", err)
		}
		if _, err := f.store.ApplyModifier(ctx, domain.ActiveModifier{
			SubjectID: "e1", ModifierID: d.ID, StartedAt: t0,
		}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
}

func TestProduceAppliesEffectiveRate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedBalance(t, f, domain.ResourceWood, 120)
	seedWoodBonus(t, f)

	// 120/h base with a +15% and a +5% additive bonus over one hour: 144.
	job := jobWith(t, domain.JobKindResourceProduce, domain.ProducePayload{
		SubjectID: "e1", ElapsedSeconds: 3600,
	})
	if err := f.h.Produce(ctx, job); err != nil {
		t.Fatalf("produce: %v", err)
	}
	balances, _ := f.store.Balances(ctx, "e1")
	got := balances[0].Accumulated
	if diff := got - 144; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("accumulated = %v, want 144", got)
	}
}

func TestProduceClampsAtAccumulatorCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.store.PutBalance(ctx, domain.ResourceBalance{
		SubjectID: "e1", Resource: domain.ResourceWood,
		StorageCap: 10000, AccumulatorCap: 100, BaseRate: 120,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	job := jobWith(t, domain.JobKindResourceProduce, domain.ProducePayload{
		SubjectID: "e1", ElapsedSeconds: 3600,
	})
	if err := f.h.Produce(ctx, job); err != nil {
		t.Fatalf("produce: %v", err)
	}
	balances, _ := f.store.Balances(ctx, "e1")
	if balances[0].Accumulated != 100 {
		t.Fatalf("accumulated = %v, want cap 100", balances[0].Accumulated)
	}
}

func TestProduceRejectsBadWindow(t *testing.T) {
	f := newFixture(t)
	job := jobWith(t, domain.JobKindResourceProduce, domain.ProducePayload{
		SubjectID: "e1", ElapsedSeconds: 0,
	})
	if err := f.h.Produce(context.Background(), job); err == nil {
		t.Fatal("zero window must fail")
	}
}

func TestCollectBanksAccumulators(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.store.PutBalance(ctx, domain.ResourceBalance{
		SubjectID: "e1", Resource: domain.ResourceGold,
		Stored: 0, StorageCap: 1000, Accumulated: 250, AccumulatorCap: 500,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	job := jobWith(t, domain.JobKindResourceCollect, domain.CollectPayload{SubjectID: "e1"})
	if err := f.h.Collect(ctx, job); err != nil {
		t.Fatalf("collect: %v", err)
	}
	balances, _ := f.store.Balances(ctx, "e1")
	if balances[0].Stored != 250 || balances[0].Accumulated != 0 {
		t.Fatalf("balance = %+v", balances[0])
	}
}

func TestExpireRemovesModifierAndInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wood := domain.ResourceWood
	def, err := f.store.PutDefinition(ctx, domain.ModifierDefinition{
		Name: "timed_boost", Target: domain.TargetResource, SubTarget: &wood,
		Magnitude: 1.5, Kind: domain.KindPercentage, Behaviour: domain.StackAdditive,
	})
	if err != nil {
		t.Fatalf("put definition: %v", err)
	}
	exp := t0.Add(time.Hour)
	applied, err := f.mgr.Apply(ctx, domain.ActiveModifier{
		SubjectID: "e1", ModifierID: def.ID, ExpiresAt: &exp, Source: domain.SourceEvent,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	f.setTime(exp.Add(time.Second))
	job := jobWith(t, domain.JobKindModifierExpire, domain.ExpirePayload{
		SubjectID: "e1", ActiveModifierID: applied.ID,
	})
	if err := f.h.Expire(ctx, job); err != nil {
		t.Fatalf("expire: %v", err)
	}

	active, _ := f.store.ListActiveModifiers(ctx, "e1")
	if len(active) != 0 {
		t.Fatalf("active = %v", active)
	}
	events, _ := f.store.History(ctx, "e1")
	last := events[len(events)-1]
	if last.Action != domain.ActionExpired {
		t.Fatalf("last action = %s", last.Action)
	}

	// Running the same expiry again is a no-op, not a failure.
	if err := f.h.Expire(ctx, job); err != nil {
		t.Fatalf("repeat expire: %v", err)
	}
}

func TestSweepDropsOnlyExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def, _ := f.store.PutDefinition(ctx, domain.ModifierDefinition{
		Name: "buff", Target: domain.TargetResource, Magnitude: 1.1,
		Kind: domain.KindPercentage, Behaviour: domain.StackAdditive,
	})
	exp := t0.Add(time.Minute)
	if _, err := f.store.ApplyModifier(ctx, domain.ActiveModifier{
		SubjectID: "e1", ModifierID: def.ID, StartedAt: t0, ExpiresAt: &exp,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := f.store.ApplyModifier(ctx, domain.ActiveModifier{
		SubjectID: "e1", ModifierID: def.ID, StartedAt: t0,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	f.setTime(t0.Add(time.Hour))
	job := jobWith(t, domain.JobKindModifierSweep, domain.SweepPayload{SubjectID: "e1"})
	if err := f.h.Sweep(ctx, job); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	active, _ := f.store.ListActiveModifiers(ctx, "e1")
	if len(active) != 1 {
		t.Fatalf("active = %v", active)
	}
}

func TestArchiveExportsHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def, _ := f.store.PutDefinition(ctx, domain.ModifierDefinition{
		Name: "buff", Target: domain.TargetResource, Magnitude: 1.1,
		Kind: domain.KindPercentage, Behaviour: domain.StackAdditive,
	})
	mod, _ := f.store.ApplyModifier(ctx, domain.ActiveModifier{
		SubjectID: "e1", ModifierID: def.ID, StartedAt: t0,
	})
	if err := f.store.RemoveModifier(ctx, mod.ID, domain.ActionRemoved, t0.Add(time.Hour)); err != nil {
		t.Fatalf("remove: %v", err)
	}

	job := jobWith(t, domain.JobKindHistoryArchive, domain.ArchivePayload{SubjectID: "e1"})
	if err := f.h.Archive(ctx, job); err != nil {
		t.Fatalf("archive: %v", err)
	}

	keys, err := f.blobs.List(ctx, "history/e1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("keys = %v", keys)
	}
	data, _ := f.blobs.Get(ctx, keys[0])
	var snapshot struct {
		SubjectID string                 `json:"subject_id"`
		Events    []domain.ModifierEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.SubjectID != "e1" || len(snapshot.Events) != 2 {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func TestRegisterBindsAllKinds(t *testing.T) {
	f := newFixture(t)
	reg := scheduler.NewRegistry()
	f.h.Register(reg)
	for _, kind := range []string{
		domain.JobKindResourceProduce,
		domain.JobKindResourceCollect,
		domain.JobKindModifierExpire,
		domain.JobKindModifierSweep,
		domain.JobKindHistoryArchive,
	} {
		if _, ok := reg.Resolve(kind); !ok {
			t.Fatalf("kind %s not registered", kind)
		}
	}
}
