package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/Xziver/dg-core/internal/engine/check"
	"github.com/Xziver/dg-core/internal/engine/dice"
	"github.com/Xziver/dg-core/internal/game"
	"github.com/Xziver/dg-core/internal/storage"
)

// handleAttack resolves an attack roll against the target's posture in the
// same channel. A hit deals clamped HP damage, consumes the target's
// pending guard, and awards the attacker a color fragment. Reaching 0 HP
// collapses the target.
func (d *Dispatcher) handleAttack(ctx context.Context, env Envelope, g game.Game, p *AttackPayload, rng *rand.Rand) (outcome, error) {
	attacker, err := d.actorGhost(ctx, env, p.GhostID)
	if err != nil {
		return outcome{}, err
	}
	target, err := d.loadGhost(ctx, env, p.TargetGhostID)
	if err != nil {
		return outcome{}, err
	}
	if target.Collapsed() {
		return outcome{}, ErrorWithMetadata(CodeTargetCollapsed,
			"target ghost is collapsed",
			map[string]string{"ghost_id": target.ID})
	}

	faces := d.faces(g)
	value := attacker.Channels.Value(p.Channel)
	rolled, err := dice.RollWithRng(rng, []dice.Spec{{
		Sides: faces,
		Count: d.tuning.DiceCount(value),
	}})
	if err != nil {
		return outcome{}, WrapError(CodeUnknown, "roll attack", err)
	}

	difficulty := d.tuning.AttackDifficulty(target.Channels.Value(p.Channel), faces)
	result := check.Check(rolled.Total, difficulty)
	record := RollRecord{
		GhostID:    attacker.ID,
		Channel:    string(p.Channel),
		Count:      len(rolled.Rolls[0].Results),
		Sides:      faces,
		Results:    rolled.Rolls[0].Results,
		Total:      rolled.Total,
		Difficulty: difficulty,
		Success:    result.Success,
	}

	var deltas []game.Delta
	data := AttackData{TargetGhostID: target.ID, TargetHP: target.HP}

	// An attack resolves the target's guard window whether or not it lands.
	if target.Guard > 0 {
		deltas = append(deltas, game.GhostGuardDelta{GhostID: target.ID, From: target.Guard, To: 0})
	}

	summary := fmt.Sprintf("attack missed (%d vs %d)", rolled.Total, difficulty)
	if result.Success {
		damage := d.tuning.Damage(rolled.Total, difficulty)
		absorbed := target.Guard
		if absorbed > damage {
			absorbed = damage
		}
		damage -= absorbed

		newHP := target.ClampHP(target.HP - damage)
		if newHP != target.HP {
			deltas = append(deltas, game.GhostHPDelta{GhostID: target.ID, From: target.HP, To: newHP})
		}

		fragmentID, err := d.newID()
		if err != nil {
			return outcome{}, WrapError(CodeUnknown, "generate fragment id", err)
		}
		fragment := game.ColorFragment{
			ID:      fragmentID,
			GhostID: attacker.ID,
			Channel: p.Channel,
			Value:   d.tuning.FragmentValue,
		}
		deltas = append(deltas, game.FragmentGrantDelta{Fragment: fragment})

		data.Damage = damage
		data.GuardAbsorbed = absorbed
		data.TargetHP = newHP
		data.Collapsed = newHP == 0
		data.FragmentID = fragmentID
		summary = fmt.Sprintf("hit %s for %d damage", target.Name, damage)
		if data.Collapsed {
			summary += ", target collapsed"
		}
	}

	return outcome{
		data:    data,
		deltas:  deltas,
		rolls:   []RollRecord{record},
		summary: summary,
		actor:   attacker.Name,
	}, nil
}

// handleDefend rolls the ghost's channel against a faces-based difficulty.
// Success banks the roll total as Guard for the next attack resolution.
func (d *Dispatcher) handleDefend(ctx context.Context, env Envelope, g game.Game, p *DefendPayload, rng *rand.Rand) (outcome, error) {
	ghost, err := d.actorGhost(ctx, env, p.GhostID)
	if err != nil {
		return outcome{}, err
	}

	faces := d.faces(g)
	value := ghost.Channels.Value(p.Channel)
	rolled, err := dice.RollWithRng(rng, []dice.Spec{{
		Sides: faces,
		Count: d.tuning.DiceCount(value),
	}})
	if err != nil {
		return outcome{}, WrapError(CodeUnknown, "roll defend", err)
	}

	difficulty := faces
	result := check.Check(rolled.Total, difficulty)
	record := RollRecord{
		GhostID:    ghost.ID,
		Channel:    string(p.Channel),
		Count:      len(rolled.Rolls[0].Results),
		Sides:      faces,
		Results:    rolled.Rolls[0].Results,
		Total:      rolled.Total,
		Difficulty: difficulty,
		Success:    result.Success,
	}

	var deltas []game.Delta
	data := DefendData{}
	summary := fmt.Sprintf("defense failed (%d vs %d)", rolled.Total, difficulty)
	if result.Success {
		deltas = append(deltas, game.GhostGuardDelta{GhostID: ghost.ID, From: ghost.Guard, To: rolled.Total})
		data.Guard = rolled.Total
		summary = fmt.Sprintf("braced with %d guard", rolled.Total)
	}

	return outcome{
		data:    data,
		deltas:  deltas,
		rolls:   []RollRecord{record},
		summary: summary,
		actor:   ghost.Name,
	}, nil
}

// handleUseAbility consumes one use of a print ability and grants its guard
// effect. A counter already at zero is a rule violation, not a state error.
func (d *Dispatcher) handleUseAbility(ctx context.Context, env Envelope, p *UsePrintAbilityPayload) (outcome, error) {
	ghost, err := d.actorGhost(ctx, env, p.GhostID)
	if err != nil {
		return outcome{}, err
	}

	ability, err := d.store.Ability(ctx, p.AbilityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return outcome{}, ErrorWithMetadata(CodeNotFound, "ability not found",
				map[string]string{"entity": "ability", "id": p.AbilityID})
		}
		return outcome{}, WrapError(CodeStorage, "load ability", err)
	}
	if ability.GhostID != ghost.ID {
		return outcome{}, ErrorWithMetadata(CodeNotFound, "ability not held by ghost",
			map[string]string{"entity": "ability", "id": p.AbilityID})
	}
	if ability.Uses <= 0 {
		return outcome{}, ErrorWithMetadata(CodeAbilityExhausted,
			"ability has no remaining uses",
			map[string]string{"ability_id": ability.ID})
	}

	newGuard := ghost.Guard + d.tuning.AbilityGuard
	deltas := []game.Delta{
		game.AbilityUseDelta{AbilityID: ability.ID, GhostID: ghost.ID, From: ability.Uses, To: ability.Uses - 1},
		game.GhostGuardDelta{GhostID: ghost.ID, From: ghost.Guard, To: newGuard},
	}

	return outcome{
		data: UseAbilityData{
			AbilityID:     ability.ID,
			RemainingUses: ability.Uses - 1,
			Guard:         newGuard,
		},
		deltas:  deltas,
		summary: fmt.Sprintf("used %s, %d uses left", ability.Name, ability.Uses-1),
		actor:   ghost.Name,
	}, nil
}
