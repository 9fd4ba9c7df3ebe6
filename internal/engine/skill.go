package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"github.com/Xziver/dg-core/internal/engine/check"
	"github.com/Xziver/dg-core/internal/engine/dice"
	"github.com/Xziver/dg-core/internal/game"
	"github.com/Xziver/dg-core/internal/storage"
)

func (d *Dispatcher) handleSkillCheck(ctx context.Context, env Envelope, g game.Game, p *SkillCheckPayload, rng *rand.Rand) (outcome, error) {
	ghost, err := d.actorGhost(ctx, env, p.GhostID)
	if err != nil {
		return outcome{}, err
	}

	buffs, err := d.store.Buffs(ctx, ghost.ID)
	if err != nil {
		return outcome{}, WrapError(CodeStorage, "load buffs", err)
	}

	value := ghost.Channels.Value(p.Channel)
	effective, modifier := game.ApplyBuffs(buffs, p.Channel, value)
	faces := d.faces(g)
	rolled, err := dice.RollWithRng(rng, []dice.Spec{{
		Sides: faces,
		Count: d.tuning.DiceCount(effective),
	}})
	if err != nil {
		return outcome{}, WrapError(CodeUnknown, "roll skill check", err)
	}

	total := rolled.Total + modifier
	result := check.Check(total, p.Difficulty)
	record := RollRecord{
		GhostID:    ghost.ID,
		Channel:    string(p.Channel),
		Count:      len(rolled.Rolls[0].Results),
		Sides:      faces,
		Results:    rolled.Rolls[0].Results,
		Total:      total,
		Modifier:   modifier,
		Difficulty: p.Difficulty,
		Success:    result.Success,
	}

	data := SkillCheckData{Channel: string(p.Channel)}
	deltas := buffTickDeltas(buffs)
	if result.Success {
		// Growth: a successful check raises the checked channel.
		data.Growth = d.tuning.GrowthStep
		data.NewValue = value + d.tuning.GrowthStep
		deltas = append(deltas, game.ChannelDelta{
			GhostID: ghost.ID,
			Channel: p.Channel,
			From:    value,
			To:      value + d.tuning.GrowthStep,
		})
	}

	verdict := "failed"
	if result.Success {
		verdict = "succeeded"
	}
	return outcome{
		data:    data,
		deltas:  deltas,
		rolls:   []RollRecord{record},
		summary: fmt.Sprintf("%s check %s (%d vs %d)", p.Channel, verdict, total, p.Difficulty),
		actor:   ghost.Name,
	}, nil
}

// buffTickDeltas spends one round from every non-permanent buff that just
// influenced a roll. A buff reaching zero rounds is removed by the store.
func buffTickDeltas(buffs []game.Buff) []game.Delta {
	var deltas []game.Delta
	for _, b := range buffs {
		if b.Permanent() {
			continue
		}
		deltas = append(deltas, game.BuffRoundsDelta{
			BuffID:  b.ID,
			GhostID: b.GhostID,
			From:    b.RemainingRounds,
			To:      b.RemainingRounds - 1,
		})
	}
	return deltas
}

// handleReroll consumes one print ability use to reroll the immediately
// preceding skill check by the same ghost. The better total is kept and
// re-evaluated against the original difficulty; both rolls stay on record.
func (d *Dispatcher) handleReroll(ctx context.Context, env Envelope, p *RerollPayload, rng *rand.Rand) (outcome, error) {
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

	prior, err := d.priorCheck(ctx, env.StreamID(), ghost.ID)
	if err != nil {
		return outcome{}, err
	}

	// prior.Total carries the buff modifier from the original check; the
	// dice comparison works on raw totals and the modifier is restored
	// afterwards.
	original := dice.Roll{
		Sides:   prior.Sides,
		Results: prior.Results,
		Total:   prior.Total - prior.Modifier,
	}
	rerolled, bestRaw, err := dice.Reroll(rng, original)
	if err != nil {
		return outcome{}, WrapError(CodeUnknown, "reroll", err)
	}

	keptOriginal := original.Total >= rerolled.Total
	keptTotal := bestRaw + prior.Modifier
	result := check.Check(keptTotal, prior.Difficulty)

	record := prior
	record.Rerolled = true
	record.RerollResults = rerolled.Results
	record.RerollTotal = rerolled.Total + prior.Modifier
	record.Total = keptTotal
	record.Success = result.Success

	buffs, err := d.store.Buffs(ctx, ghost.ID)
	if err != nil {
		return outcome{}, WrapError(CodeStorage, "load buffs", err)
	}

	deltas := append(buffTickDeltas(buffs), game.AbilityUseDelta{
		AbilityID: ability.ID,
		GhostID:   ghost.ID,
		From:      ability.Uses,
		To:        ability.Uses - 1,
	})
	if result.Success && !prior.Success {
		// The check flipped to a success: apply the growth the original
		// roll missed.
		ch, perr := game.ParseChannel(prior.Channel)
		if perr != nil {
			return outcome{}, WrapError(CodeUnknown, "parse recorded channel", perr)
		}
		value := ghost.Channels.Value(ch)
		deltas = append(deltas, game.ChannelDelta{
			GhostID: ghost.ID,
			Channel: ch,
			From:    value,
			To:      value + d.tuning.GrowthStep,
		})
	}

	return outcome{
		data: RerollData{
			AbilityID:     ability.ID,
			RemainingUses: ability.Uses - 1,
			KeptTotal:     keptTotal,
			KeptOriginal:  keptOriginal,
		},
		deltas:  deltas,
		rolls:   []RollRecord{record},
		summary: fmt.Sprintf("reroll kept %d vs %d", keptTotal, prior.Difficulty),
		actor:   ghost.Name,
	}, nil
}

// priorCheck finds the most recent skill check roll by the ghost at the
// tail of the stream. Anything else in the way makes the reroll
// unavailable; rerolls cannot reach back past intervening events.
func (d *Dispatcher) priorCheck(ctx context.Context, streamID, ghostID string) (RollRecord, error) {
	tail, err := d.store.TimelineTail(ctx, streamID, 1)
	if err != nil {
		return RollRecord{}, WrapError(CodeStorage, "load timeline tail", err)
	}
	if len(tail) == 0 {
		return RollRecord{}, NewError(CodeRerollUnavailable, "no prior roll to reroll")
	}

	last := tail[len(tail)-1]
	if last.Kind != string(KindSkillCheck) {
		return RollRecord{}, ErrorWithMetadata(CodeRerollUnavailable,
			"previous event is not a skill check",
			map[string]string{"kind": last.Kind})
	}

	var prior Result
	if err := json.Unmarshal(last.Result, &prior); err != nil {
		return RollRecord{}, WrapError(CodeUnknown, "decode prior result", err)
	}
	if len(prior.Rolls) == 0 || prior.Rolls[0].GhostID != ghostID {
		return RollRecord{}, NewError(CodeRerollUnavailable, "previous check belongs to another ghost")
	}
	if prior.Rolls[0].Rerolled {
		return RollRecord{}, NewError(CodeRerollUnavailable, "previous check was already rerolled")
	}
	return prior.Rolls[0], nil
}
