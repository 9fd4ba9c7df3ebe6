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

// handleInitiateComm opens a communication link. The initiator needs a
// non-zero value in the target patient's soul channel to tune in, and a
// pair can hold at most one open link per session.
func (d *Dispatcher) handleInitiateComm(ctx context.Context, env Envelope, sess game.Session, p *InitiateCommPayload) (outcome, error) {
	ghost, err := d.actorGhost(ctx, env, p.GhostID)
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

	patient, err := d.loadPatient(ctx, env, target.PatientID)
	if err != nil {
		return outcome{}, err
	}
	if ghost.Channels.Value(patient.SoulChannel) <= 0 {
		return outcome{}, ErrorWithMetadata(CodeCommChannelClosed,
			fmt.Sprintf("initiator has no value in soul channel %s", patient.SoulChannel),
			map[string]string{"channel": string(patient.SoulChannel)})
	}

	existing, err := d.store.OpenCommLink(ctx, sess.ID, ghost.ID, target.ID)
	switch {
	case err == nil:
		return outcome{}, ErrorWithMetadata(CodeCommLinkExists,
			"pair already has an open link",
			map[string]string{"link_id": existing.ID})
	case !errors.Is(err, storage.ErrNotFound):
		return outcome{}, WrapError(CodeStorage, "check open link", err)
	}

	linkID, err := d.newID()
	if err != nil {
		return outcome{}, WrapError(CodeUnknown, "generate link id", err)
	}
	link := game.CommLink{
		ID:               linkID,
		SessionID:        sess.ID,
		InitiatorGhostID: ghost.ID,
		TargetGhostID:    target.ID,
		Status:           game.CommStatusOpen,
		CreatedAt:        d.now().UTC(),
	}

	return outcome{
		data:    InitiateCommData{LinkID: linkID, TargetGhostID: target.ID},
		deltas:  []game.Delta{game.CommOpenDelta{Link: link}},
		summary: fmt.Sprintf("opened a link to %s", target.Name),
		actor:   ghost.Name,
	}, nil
}

// handleDownloadAbility copies an ability from the linked ghost after a
// check against the download difficulty.
func (d *Dispatcher) handleDownloadAbility(ctx context.Context, env Envelope, sess game.Session, p *DownloadAbilityPayload, rng *rand.Rand) (outcome, error) {
	ghost, err := d.actorGhost(ctx, env, p.GhostID)
	if err != nil {
		return outcome{}, err
	}
	_, otherID, err := d.openLink(ctx, sess, p.LinkID, ghost.ID)
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
	if ability.GhostID != otherID {
		return outcome{}, ErrorWithMetadata(CodeNotFound, "ability not held by linked ghost",
			map[string]string{"entity": "ability", "id": p.AbilityID})
	}

	owned, err := d.store.Abilities(ctx, ghost.ID)
	if err != nil {
		return outcome{}, WrapError(CodeStorage, "load abilities", err)
	}
	for _, have := range owned {
		if have.Name == ability.Name {
			return outcome{}, ErrorWithMetadata(CodeAbilityAlreadyKnown,
				fmt.Sprintf("ghost already knows %s", ability.Name),
				map[string]string{"ability": ability.Name})
		}
	}

	value := ghost.Channels.Value(ability.Channel)
	rolled, err := dice.RollWithRng(rng, []dice.Spec{{
		Sides: d.tuning.DiceFaces,
		Count: d.tuning.DiceCount(value),
	}})
	if err != nil {
		return outcome{}, WrapError(CodeUnknown, "roll download", err)
	}

	difficulty := d.tuning.DownloadDifficulty
	result := check.Check(rolled.Total, difficulty)
	record := RollRecord{
		GhostID:    ghost.ID,
		Channel:    string(ability.Channel),
		Count:      len(rolled.Rolls[0].Results),
		Sides:      d.tuning.DiceFaces,
		Results:    rolled.Rolls[0].Results,
		Total:      rolled.Total,
		Difficulty: difficulty,
		Success:    result.Success,
	}

	data := DownloadAbilityData{AbilityID: ability.ID, CopiedName: ability.Name}
	var deltas []game.Delta
	summary := fmt.Sprintf("failed to download %s", ability.Name)
	if result.Success {
		newID, err := d.newID()
		if err != nil {
			return outcome{}, WrapError(CodeUnknown, "generate ability id", err)
		}
		copied := game.PrintAbility{
			ID:      newID,
			GhostID: ghost.ID,
			Name:    ability.Name,
			Channel: ability.Channel,
			Uses:    ability.Uses,
		}
		deltas = append(deltas, game.AbilityGrantDelta{Ability: copied})
		data.NewAbilityID = newID
		summary = fmt.Sprintf("downloaded %s", ability.Name)
	}

	return outcome{
		data:    data,
		deltas:  deltas,
		rolls:   []RollRecord{record},
		summary: summary,
		actor:   ghost.Name,
	}, nil
}

// handleDeepScan reveals the linked patient's private archive for one
// channel. Read-only: it records on the timeline but mutates nothing.
func (d *Dispatcher) handleDeepScan(ctx context.Context, env Envelope, sess game.Session, p *DeepScanPayload) (outcome, error) {
	ghost, err := d.actorGhost(ctx, env, p.GhostID)
	if err != nil {
		return outcome{}, err
	}
	_, otherID, err := d.openLink(ctx, sess, p.LinkID, ghost.ID)
	if err != nil {
		return outcome{}, err
	}

	other, err := d.loadGhost(ctx, env, otherID)
	if err != nil {
		return outcome{}, err
	}
	patient, err := d.loadPatient(ctx, env, other.PatientID)
	if err != nil {
		return outcome{}, err
	}

	archive, _ := patient.Archive(p.Channel)
	return outcome{
		data:    DeepScanData{Channel: string(p.Channel), Archive: archive},
		summary: fmt.Sprintf("scanned the %s archive of %s", p.Channel, other.Name),
		actor:   ghost.Name,
	}, nil
}

// handleAttemptSeize resolves a contested roll over control of the linked
// ghost. Both parties roll their value in the target patient's soul
// channel. A win at or above the control margin transfers control; a
// narrower win only bruises the target.
func (d *Dispatcher) handleAttemptSeize(ctx context.Context, env Envelope, sess game.Session, p *AttemptSeizePayload, rng *rand.Rand) (outcome, error) {
	ghost, err := d.actorGhost(ctx, env, p.GhostID)
	if err != nil {
		return outcome{}, err
	}
	_, otherID, err := d.openLink(ctx, sess, p.LinkID, ghost.ID)
	if err != nil {
		return outcome{}, err
	}

	target, err := d.loadGhost(ctx, env, otherID)
	if err != nil {
		return outcome{}, err
	}
	if target.Collapsed() {
		return outcome{}, ErrorWithMetadata(CodeTargetCollapsed,
			"target ghost is collapsed",
			map[string]string{"ghost_id": target.ID})
	}
	patient, err := d.loadPatient(ctx, env, target.PatientID)
	if err != nil {
		return outcome{}, err
	}

	soul := patient.SoulChannel
	faces := d.tuning.DiceFaces

	// Initiator rolls first; both draws come from the same seeded source.
	initRoll, err := dice.RollWithRng(rng, []dice.Spec{{
		Sides: faces,
		Count: d.tuning.DiceCount(ghost.Channels.Value(soul)),
	}})
	if err != nil {
		return outcome{}, WrapError(CodeUnknown, "roll seize initiator", err)
	}
	targetRoll, err := dice.RollWithRng(rng, []dice.Spec{{
		Sides: faces,
		Count: d.tuning.DiceCount(target.Channels.Value(soul)),
	}})
	if err != nil {
		return outcome{}, WrapError(CodeUnknown, "roll seize target", err)
	}

	contest := check.Contest(initRoll.Total, targetRoll.Total)
	seized := contest.Success
	margin := contest.Margin
	records := []RollRecord{
		{
			GhostID: ghost.ID,
			Channel: string(soul),
			Count:   len(initRoll.Rolls[0].Results),
			Sides:   faces,
			Results: initRoll.Rolls[0].Results,
			Total:   initRoll.Total,
			Success: seized,
		},
		{
			GhostID: target.ID,
			Channel: string(soul),
			Count:   len(targetRoll.Rolls[0].Results),
			Sides:   faces,
			Results: targetRoll.Rolls[0].Results,
			Total:   targetRoll.Total,
			Success: !seized,
		},
	}

	data := AttemptSeizeData{TargetGhostID: target.ID, Margin: margin}
	var deltas []game.Delta
	summary := fmt.Sprintf("seize attempt on %s repelled", target.Name)
	switch {
	case seized && margin >= d.tuning.SeizeControlMargin:
		deltas = append(deltas, game.GhostControlDelta{
			GhostID: target.ID,
			From:    target.ControllerPatientID,
			To:      env.ActorID,
		})
		data.Seized = true
		summary = fmt.Sprintf("seized control of %s", target.Name)
	case seized:
		newHP := target.ClampHP(target.HP - d.tuning.SeizePenalty)
		if newHP != target.HP {
			deltas = append(deltas, game.GhostHPDelta{GhostID: target.ID, From: target.HP, To: newHP})
		}
		data.PenaltyDamage = target.HP - newHP
		summary = fmt.Sprintf("grip slipped, %s took %d damage", target.Name, target.HP-newHP)
	}

	return outcome{
		data:    data,
		deltas:  deltas,
		rolls:   records,
		summary: summary,
		actor:   ghost.Name,
	}, nil
}

// openLink loads a comm link and checks it is usable by the ghost in this
// session. Returns the link and the other participant's ghost id.
func (d *Dispatcher) openLink(ctx context.Context, sess game.Session, linkID, ghostID string) (game.CommLink, string, error) {
	link, err := d.store.CommLink(ctx, linkID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return game.CommLink{}, "", ErrorWithMetadata(CodeNotFound, "comm link not found",
				map[string]string{"entity": "comm_link", "id": linkID})
		}
		return game.CommLink{}, "", WrapError(CodeStorage, "load comm link", err)
	}
	if link.SessionID != sess.ID {
		return game.CommLink{}, "", ErrorWithMetadata(CodeCommLinkRequired,
			"comm link belongs to another session",
			map[string]string{"link_id": linkID})
	}
	if link.Status != game.CommStatusOpen {
		return game.CommLink{}, "", ErrorWithMetadata(CodeCommLinkNotOpen,
			"comm link is closed",
			map[string]string{"link_id": linkID})
	}
	switch ghostID {
	case link.InitiatorGhostID:
		return link, link.TargetGhostID, nil
	case link.TargetGhostID:
		return link, link.InitiatorGhostID, nil
	}
	return game.CommLink{}, "", ErrorWithMetadata(CodeCommLinkNotAddressed,
		"ghost is not a party to the comm link",
		map[string]string{"link_id": linkID, "ghost_id": ghostID})
}
