// Package domain defines the core persistent entities, value types, and
// persistence contracts used by empirecore.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ModifierTarget identifies the game aspect a modifier definition affects.
type ModifierTarget string

// Supported modifier targets.
const (
	// TargetResource affects resource production rates.
	TargetResource ModifierTarget = "resource"
	// TargetCombat affects combat strength.
	TargetCombat ModifierTarget = "combat"
	// TargetTraining affects unit training speed.
	TargetTraining ModifierTarget = "training"
	// TargetResearch affects research speed.
	TargetResearch ModifierTarget = "research"
)

// ModifierKind describes how a definition's magnitude is interpreted.
type ModifierKind string

// Supported magnitude kinds.
const (
	// KindPercentage is a relative bonus expressed as a factor (1.15 = +15%).
	KindPercentage ModifierKind = "percentage"
	// KindFlat is an absolute offset added after multiplicative stacking.
	KindFlat ModifierKind = "flat"
	// KindMultiplier is a direct multiplier factor.
	KindMultiplier ModifierKind = "multiplier"
)

// StackingBehaviour selects the combination rule within one stacking group.
type StackingBehaviour string

// Supported stacking behaviours.
const (
	// StackAdditive sums bonuses within the group.
	StackAdditive StackingBehaviour = "additive"
	// StackMultiplicative multiplies magnitudes within the group.
	StackMultiplicative StackingBehaviour = "multiplicative"
	// StackHighest keeps only the strongest magnitude in the group.
	StackHighest StackingBehaviour = "highest"
)

// SourceKind records the provenance of an active modifier.
type SourceKind string

// Supported modifier sources.
const (
	SourceFaction  SourceKind = "faction"
	SourceItem     SourceKind = "item"
	SourceSkill    SourceKind = "skill"
	SourceResearch SourceKind = "research"
	SourceEvent    SourceKind = "event"
)

// ResourceType enumerates the resource kinds tracked per subject.
type ResourceType string

// Canonical resource kinds.
const (
	ResourceFood  ResourceType = "food"
	ResourceWood  ResourceType = "wood"
	ResourceStone ResourceType = "stone"
	ResourceGold  ResourceType = "gold"
)

// ResourceTypes lists all resource kinds in stable order.
func ResourceTypes() []ResourceType {
	return []ResourceType{ResourceFood, ResourceWood, ResourceStone, ResourceGold}
}

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ModifierDefinition is a reusable template describing a bonus or penalty:
// what it targets, how strong it is, and how it stacks with others.
type ModifierDefinition struct {
	Base
	Name        string            `json:"name"` // unique
	Description string            `json:"description,omitempty"`
	Target      ModifierTarget    `json:"target"`
	SubTarget   *ResourceType     `json:"sub_target,omitempty"` // nil matches any sub-target
	Magnitude   float64           `json:"magnitude"`
	Kind        ModifierKind      `json:"kind"`
	Group       string            `json:"stacking_group,omitempty"` // empty falls back to Name
	Behaviour   StackingBehaviour `json:"stacking_behaviour"`
}

// StackingGroup returns the effective stacking group; ungrouped definitions
// stack under their own name so they never combine accidentally.
func (d ModifierDefinition) StackingGroup() string {
	if d.Group != "" {
		return d.Group
	}
	return d.Name
}

// Validate checks the definition against the write-time rules so that
// aggregation can treat stored definitions as trusted.
func (d ModifierDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ConfigurationError{Field: "name", Reason: "must not be empty"}
	}
	switch d.Target {
	case TargetResource, TargetCombat, TargetTraining, TargetResearch:
	default:
		return ConfigurationError{Field: "target", Reason: fmt.Sprintf("unknown target %q", d.Target)}
	}
	switch d.Kind {
	case KindPercentage, KindFlat, KindMultiplier:
	default:
		return ConfigurationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", d.Kind)}
	}
	switch d.Behaviour {
	case StackAdditive, StackMultiplicative, StackHighest:
	default:
		return ConfigurationError{Field: "stacking_behaviour", Reason: fmt.Sprintf("unknown behaviour %q", d.Behaviour)}
	}
	if math.IsNaN(d.Magnitude) || math.IsInf(d.Magnitude, 0) {
		return ConfigurationError{Field: "magnitude", Reason: "must be finite"}
	}
	return nil
}

// ActiveModifier is an instance of a definition currently in effect for a
// subject, with optional expiry and provenance.
type ActiveModifier struct {
	Base
	SubjectID  string     `json:"subject_id"`
	ModifierID string     `json:"modifier_id"`
	StartedAt  time.Time  `json:"started_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Source     SourceKind `json:"source_kind"`
	SourceID   *string    `json:"source_id,omitempty"`
}

// Validate enforces the expiry invariant: ExpiresAt, when present, is
// strictly after StartedAt.
func (m ActiveModifier) Validate() error {
	if m.SubjectID == "" {
		return ConfigurationError{Field: "subject_id", Reason: "must not be empty"}
	}
	if m.ModifierID == "" {
		return ConfigurationError{Field: "modifier_id", Reason: "must not be empty"}
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(m.StartedAt) {
		return ConfigurationError{Field: "expires_at", Reason: "must be strictly after started_at"}
	}
	return nil
}

// Expired reports whether the modifier has lapsed relative to now.
func (m ActiveModifier) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// ModifierAction enumerates history event kinds.
type ModifierAction string

// History actions. The history log is append-only and never mutated.
const (
	ActionApplied ModifierAction = "applied"
	ActionRemoved ModifierAction = "removed"
	ActionExpired ModifierAction = "expired"
	ActionUpdated ModifierAction = "updated"
)

// ModifierEvent is one append-only history record of a modifier lifecycle
// transition for a subject.
type ModifierEvent struct {
	ID         string         `json:"id"`
	SubjectID  string         `json:"subject_id"`
	ModifierID string         `json:"modifier_id"`
	Action     ModifierAction `json:"action"`
	Magnitude  float64        `json:"magnitude"`
	Source     SourceKind     `json:"source_kind"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// ResourceBalance holds one subject's stored and accumulated amounts for a
// single resource, with their caps and the base production rate per hour.
type ResourceBalance struct {
	SubjectID      string       `json:"subject_id"`
	Resource       ResourceType `json:"resource"`
	Stored         float64      `json:"stored"`
	StorageCap     float64      `json:"storage_cap"`
	Accumulated    float64      `json:"accumulated"`
	AccumulatorCap float64      `json:"accumulator_cap"`
	BaseRate       float64      `json:"base_rate"` // units per hour
}

// FactionCode identifies a playable faction.
type FactionCode string

// Playable factions from the seed data.
const (
	FactionHuman FactionCode = "human"
	FactionOrc   FactionCode = "orc"
	FactionElf   FactionCode = "elf"
	FactionDwarf FactionCode = "dwarf"
)
