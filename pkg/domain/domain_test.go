package domain

import (
	"errors"
	"testing"
	"time"
)

func TestModifierDefinitionValidate(t *testing.T) {
	base := ModifierDefinition{
		Name:      "test_bonus",
		Target:    TargetResource,
		Magnitude: 1.15,
		Kind:      KindPercentage,
		Behaviour: StackAdditive,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*ModifierDefinition)
		field  string
	}{
		{"empty name", func(d *ModifierDefinition) { d.Name = "  " }, "name"},
		{"unknown target", func(d *ModifierDefinition) { d.Target = "weather" }, "target"},
		{"unknown kind", func(d *ModifierDefinition) { d.Kind = "exponential" }, "kind"},
		{"unknown behaviour", func(d *ModifierDefinition) { d.Behaviour = "stacked" }, "stacking_behaviour"},
		{"nan magnitude", func(d *ModifierDefinition) { d.Magnitude = nan() }, "magnitude"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := base
			tc.mutate(&def)
			err := def.Validate()
			var cfg ConfigurationError
			if !errors.As(err, &cfg) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cfg.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, cfg.Field)
			}
		})
	}
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}

func TestStackingGroupFallsBackToName(t *testing.T) {
	d := ModifierDefinition{Name: "lone_wolf"}
	if got := d.StackingGroup(); got != "lone_wolf" {
		t.Fatalf("expected name fallback, got %q", got)
	}
	d.Group = "faction_wood"
	if got := d.StackingGroup(); got != "faction_wood" {
		t.Fatalf("expected explicit group, got %q", got)
	}
}

func TestActiveModifierExpiryValidation(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := ActiveModifier{SubjectID: "s1", ModifierID: "m1", StartedAt: start}
	if err := m.Validate(); err != nil {
		t.Fatalf("open-ended modifier rejected: %v", err)
	}
	exp := start
	m.ExpiresAt = &exp
	if err := m.Validate(); err == nil {
		t.Fatal("expiry equal to start must be rejected")
	}
	exp = start.Add(time.Second)
	if err := m.Validate(); err != nil {
		t.Fatalf("strictly later expiry rejected: %v", err)
	}
}

func TestActiveModifierExpired(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	exp := start.Add(time.Hour)
	m := ActiveModifier{StartedAt: start, ExpiresAt: &exp}
	if m.Expired(exp.Add(-time.Second)) {
		t.Fatal("not yet expired")
	}
	if !m.Expired(exp) {
		t.Fatal("expiry instant counts as expired")
	}
	if (ActiveModifier{StartedAt: start}).Expired(start.Add(1000 * time.Hour)) {
		t.Fatal("open-ended modifier never expires")
	}
}

func TestLockExpiredIsStrict(t *testing.T) {
	locked := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	j := Job{Status: StatusInProgress, Timeout: time.Minute, LockedAt: &locked}
	if j.LockExpired(locked.Add(59 * time.Second)) {
		t.Fatal("lease still live at T+59s")
	}
	if j.LockExpired(locked.Add(60 * time.Second)) {
		t.Fatal("lease boundary is exclusive at exactly T+60s")
	}
	if !j.LockExpired(locked.Add(61 * time.Second)) {
		t.Fatal("lease lapsed at T+61s")
	}
	j.Status = StatusPending
	if j.LockExpired(locked.Add(time.Hour)) {
		t.Fatal("only in_progress jobs can expire")
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{Base: 30 * time.Second, Max: time.Hour}
	if got := p.Backoff(1); got != 30*time.Second {
		t.Fatalf("first retry: got %v", got)
	}
	if got := p.Backoff(2); got != time.Minute {
		t.Fatalf("second retry: got %v", got)
	}
	if got := p.Backoff(3); got != 2*time.Minute {
		t.Fatalf("third retry: got %v", got)
	}
	if got := p.Backoff(20); got != time.Hour {
		t.Fatalf("cap: got %v", got)
	}
	if got := p.Backoff(0); got != 30*time.Second {
		t.Fatalf("floor at one retry: got %v", got)
	}
}

func TestTransientMarker(t *testing.T) {
	err := Transient(errors.New("connection reset"))
	if !IsTransient(err) {
		t.Fatal("wrapped error must carry the transient marker")
	}
	if IsTransient(errors.New("handler exploded")) {
		t.Fatal("plain errors are not transient")
	}
	if Transient(nil) != nil {
		t.Fatal("nil stays nil")
	}
}
