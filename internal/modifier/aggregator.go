// Package modifier implements effect aggregation: combining a subject's
// active modifiers into a single effective multiplier, caching the result,
// and reacting to faction changes.
package modifier

import (
	"fmt"
	"math"
	"time"

	"empirecore/pkg/domain"
)

// ClampPolicy bounds the aggregated multiplier. The zero value applies no
// bounds; engine code never supplies its own constants, bounds are always
// the caller's choice.
type ClampPolicy struct {
	Floor   float64
	Ceiling float64
}

// Apply clamps v to the policy's bounds. A zero-value policy returns v
// unchanged.
func (p ClampPolicy) Apply(v float64) float64 {
	if p.Floor == 0 && p.Ceiling == 0 {
		return v
	}
	if v < p.Floor {
		return p.Floor
	}
	if p.Ceiling > p.Floor && v > p.Ceiling {
		return p.Ceiling
	}
	return v
}

// groupAccum folds one stacking group's members into a multiplier part and a
// flat part. Flat offsets always accumulate outside the multiplication.
type groupAccum struct {
	behaviour domain.StackingBehaviour
	bonus     float64 // additive: running sum of (magnitude - 1)
	product   float64 // multiplicative: running product
	highest   float64 // highest: strongest factor seen
	flat      float64
	seen      bool
	seenFlat  bool
}

func (g *groupAccum) add(def domain.ModifierDefinition) {
	if def.Kind == domain.KindFlat {
		switch g.behaviour {
		case domain.StackHighest:
			if !g.seenFlat || def.Magnitude > g.flat {
				g.flat = def.Magnitude
			}
		default:
			g.flat += def.Magnitude
		}
		g.seenFlat = true
		return
	}
	switch g.behaviour {
	case domain.StackAdditive:
		g.bonus += def.Magnitude - 1
	case domain.StackMultiplicative:
		if !g.seen {
			g.product = 1
		}
		g.product *= def.Magnitude
	case domain.StackHighest:
		if !g.seen || def.Magnitude > g.highest {
			g.highest = def.Magnitude
		}
	}
	g.seen = true
}

func (g *groupAccum) multiplier() float64 {
	if !g.seen {
		return 1
	}
	switch g.behaviour {
	case domain.StackAdditive:
		return 1 + g.bonus
	case domain.StackMultiplicative:
		return g.product
	default:
		return g.highest
	}
}

// Compute aggregates the active modifiers that match the requested target
// and sub-target into one effective multiplier:
//
//	result = clamp(product over stacking groups * group multiplier + sum of flat offsets)
//
// Expired modifiers are ignored relative to now. An empty match set yields
// exactly 1. Definitions are looked up by ModifierID in defs; a missing or
// misconfigured definition aborts with a ConfigurationError rather than
// silently skewing the result.
func Compute(
	target domain.ModifierTarget,
	subTarget *domain.ResourceType,
	active []domain.ActiveModifier,
	defs map[string]domain.ModifierDefinition,
	now time.Time,
	clamp ClampPolicy,
) (float64, error) {
	groups := map[string]*groupAccum{}
	order := []string{}

	for _, mod := range active {
		if mod.Expired(now) {
			continue
		}
		def, ok := defs[mod.ModifierID]
		if !ok {
			return 0, domain.ConfigurationError{
				Field:  "modifier_id",
				Reason: fmt.Sprintf("active modifier %s references unknown definition %s", mod.ID, mod.ModifierID),
			}
		}
		if def.Target != target {
			continue
		}
		if def.SubTarget != nil && (subTarget == nil || *def.SubTarget != *subTarget) {
			continue
		}
		switch def.Behaviour {
		case domain.StackAdditive, domain.StackMultiplicative, domain.StackHighest:
		default:
			return 0, domain.ConfigurationError{
				Field:  "stacking_behaviour",
				Reason: fmt.Sprintf("definition %s has unknown behaviour %q", def.Name, def.Behaviour),
			}
		}
		key := def.StackingGroup()
		g, ok := groups[key]
		if !ok {
			g = &groupAccum{behaviour: def.Behaviour}
			groups[key] = g
			order = append(order, key)
		}
		g.add(def)
	}

	result := 1.0
	flat := 0.0
	for _, key := range order {
		g := groups[key]
		result *= g.multiplier()
		if g.seenFlat {
			flat += g.flat
		}
	}
	result += flat
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, domain.ConfigurationError{Field: "magnitude", Reason: "aggregation produced a non-finite result"}
	}
	return clamp.Apply(result), nil
}

// EarliestExpiry returns the soonest ExpiresAt among the still-live matching
// modifiers, or the zero time when none carries an expiry. The cache uses it
// as the entry's validity horizon.
func EarliestExpiry(active []domain.ActiveModifier, now time.Time) time.Time {
	var earliest time.Time
	for _, mod := range active {
		if mod.ExpiresAt == nil || mod.Expired(now) {
			continue
		}
		if earliest.IsZero() || mod.ExpiresAt.Before(earliest) {
			earliest = *mod.ExpiresAt
		}
	}
	return earliest
}
