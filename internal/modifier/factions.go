package modifier

import (
	"context"
	"fmt"
	"time"

	"empirecore/pkg/domain"
)

// Faction bonus seed data. Every faction carries three percentage modifiers
// at 1.15, stacking additively inside per-concern groups so that faction
// bonuses and event bonuses of the same concern sum instead of compounding.
const factionMagnitude = 1.15

type factionSeed struct {
	name      string
	target    domain.ModifierTarget
	subTarget *domain.ResourceType
	group     string
}

func res(r domain.ResourceType) *domain.ResourceType { return &r }

var factionSeeds = map[domain.FactionCode][]factionSeed{
	domain.FactionHuman: {
		{name: "human_wood_production", target: domain.TargetResource, subTarget: res(domain.ResourceWood), group: "faction_wood"},
		{name: "human_training_speed", target: domain.TargetTraining, group: "faction_training"},
		{name: "human_research_speed", target: domain.TargetResearch, group: "faction_research"},
	},
	domain.FactionOrc: {
		{name: "orc_stone_production", target: domain.TargetResource, subTarget: res(domain.ResourceStone), group: "faction_stone"},
		{name: "orc_food_production", target: domain.TargetResource, subTarget: res(domain.ResourceFood), group: "faction_food"},
		{name: "orc_combat_strength", target: domain.TargetCombat, group: "faction_combat"},
	},
	domain.FactionElf: {
		{name: "elf_food_production", target: domain.TargetResource, subTarget: res(domain.ResourceFood), group: "faction_food"},
		{name: "elf_wood_production", target: domain.TargetResource, subTarget: res(domain.ResourceWood), group: "faction_wood"},
		{name: "elf_research_speed", target: domain.TargetResearch, group: "faction_research"},
	},
	domain.FactionDwarf: {
		{name: "dwarf_gold_production", target: domain.TargetResource, subTarget: res(domain.ResourceGold), group: "faction_gold"},
		{name: "dwarf_stone_production", target: domain.TargetResource, subTarget: res(domain.ResourceStone), group: "faction_stone"},
		{name: "dwarf_combat_strength", target: domain.TargetCombat, group: "faction_combat"},
	},
}

// FactionModifierNames returns the definition names belonging to a faction,
// or nil for an unknown faction code.
func FactionModifierNames(code domain.FactionCode) []string {
	seeds, ok := factionSeeds[code]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(seeds))
	for _, s := range seeds {
		names = append(names, s.name)
	}
	return names
}

// SeedFactionDefinitions upserts the faction bonus definitions so that
// faction changes can resolve them by name. Safe to call repeatedly.
func SeedFactionDefinitions(ctx context.Context, store domain.ModifierStore, now time.Time) error {
	for code, seeds := range factionSeeds {
		for _, s := range seeds {
			def := domain.ModifierDefinition{
				Name:        s.name,
				Description: fmt.Sprintf("%s faction bonus", code),
				Target:      s.target,
				SubTarget:   s.subTarget,
				Magnitude:   factionMagnitude,
				Kind:        domain.KindPercentage,
				Group:       s.group,
				Behaviour:   domain.StackAdditive,
			}
			def.CreatedAt = now
			def.UpdatedAt = now
			if _, err := store.PutDefinition(ctx, def); err != nil {
				return fmt.Errorf("seed faction definition %s: %w", s.name, err)
			}
		}
	}
	return nil
}
