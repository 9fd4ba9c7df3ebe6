package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Xziver/dg-core/internal/game"
	"github.com/Xziver/dg-core/internal/storage"
)

// handleApplyFragment redeems a color fragment held by the ghost, raising
// the fragment's channel by its value. Redemption is one-shot.
func (d *Dispatcher) handleApplyFragment(ctx context.Context, env Envelope, p *ApplyFragmentPayload) (outcome, error) {
	ghost, err := d.actorGhost(ctx, env, p.GhostID)
	if err != nil {
		return outcome{}, err
	}

	fragment, err := d.store.Fragment(ctx, p.FragmentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return outcome{}, ErrorWithMetadata(CodeNotFound, "fragment not found",
				map[string]string{"entity": "fragment", "id": p.FragmentID})
		}
		return outcome{}, WrapError(CodeStorage, "load fragment", err)
	}
	if fragment.GhostID != ghost.ID {
		return outcome{}, ErrorWithMetadata(CodeFragmentWrongGhost,
			"fragment is held by another ghost",
			map[string]string{"fragment_id": fragment.ID})
	}
	if fragment.Redeemed {
		return outcome{}, ErrorWithMetadata(CodeFragmentAlreadyRedeemed,
			"fragment was already redeemed",
			map[string]string{"fragment_id": fragment.ID})
	}

	value := ghost.Channels.Value(fragment.Channel)
	deltas := []game.Delta{
		game.FragmentRedeemDelta{FragmentID: fragment.ID, GhostID: ghost.ID},
		game.ChannelDelta{
			GhostID: ghost.ID,
			Channel: fragment.Channel,
			From:    value,
			To:      value + fragment.Value,
		},
	}

	return outcome{
		data: ApplyFragmentData{
			FragmentID: fragment.ID,
			Channel:    string(fragment.Channel),
			NewValue:   value + fragment.Value,
		},
		deltas:  deltas,
		summary: fmt.Sprintf("absorbed a %s fragment, channel now %d", fragment.Channel, value+fragment.Value),
		actor:   ghost.Name,
	}, nil
}

// handleHPChange applies a bounded HP delta. A positive delta on a
// collapsed ghost is the explicit recovery event; the actor does not need
// to control the ghost, so a keeper can adjust any ghost's HP.
func (d *Dispatcher) handleHPChange(ctx context.Context, env Envelope, p *HPChangePayload) (outcome, error) {
	ghost, err := d.loadGhost(ctx, env, p.GhostID)
	if err != nil {
		return outcome{}, err
	}

	newHP := ghost.ClampHP(ghost.HP + p.Delta)
	recovered := ghost.Collapsed() && newHP > 0

	var deltas []game.Delta
	if newHP != ghost.HP {
		deltas = append(deltas, game.GhostHPDelta{GhostID: ghost.ID, From: ghost.HP, To: newHP})
	}

	summary := fmt.Sprintf("HP %d -> %d", ghost.HP, newHP)
	if recovered {
		summary = fmt.Sprintf("recovered from collapse at %d HP", newHP)
	} else if newHP == 0 && ghost.HP > 0 {
		summary = "collapsed"
	}

	return outcome{
		data: HPChangeData{
			Delta:     p.Delta,
			HP:        newHP,
			Collapsed: newHP == 0,
			Recovered: recovered,
		},
		deltas:  deltas,
		summary: summary,
		actor:   ghost.Name,
	}, nil
}

// handleMoveRegion repositions the acting patient to a region within the
// game's world graph and clears any finer location anchor.
func (d *Dispatcher) handleMoveRegion(ctx context.Context, env Envelope, p *MoveRegionPayload) (outcome, error) {
	patient, err := d.loadPatient(ctx, env, env.ActorID)
	if err != nil {
		return outcome{}, err
	}

	region, err := d.store.Region(ctx, p.RegionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return outcome{}, ErrorWithMetadata(CodeNotFound, "region not found",
				map[string]string{"entity": "region", "id": p.RegionID})
		}
		return outcome{}, WrapError(CodeStorage, "load region", err)
	}
	if region.GameID != env.GameID {
		return outcome{}, ErrorWithMetadata(CodeRegionUnreachable,
			"region belongs to another game",
			map[string]string{"region_id": region.ID})
	}

	deltas := []game.Delta{game.PatientPositionDelta{
		PatientID: patient.ID,
		Field:     game.PositionRegion,
		From:      patient.RegionID,
		To:        region.ID,
	}}
	if patient.LocationID != "" {
		deltas = append(deltas, game.PatientPositionDelta{
			PatientID: patient.ID,
			Field:     game.PositionLocation,
			From:      patient.LocationID,
			To:        "",
		})
	}

	return outcome{
		data:    MoveData{From: patient.RegionID, To: region.ID},
		deltas:  deltas,
		summary: fmt.Sprintf("moved to region %s", region.Name),
		actor:   patient.Name,
	}, nil
}

// handleMoveLocation repositions the acting patient within their current
// region.
func (d *Dispatcher) handleMoveLocation(ctx context.Context, env Envelope, p *MoveLocationPayload) (outcome, error) {
	patient, err := d.loadPatient(ctx, env, env.ActorID)
	if err != nil {
		return outcome{}, err
	}

	location, err := d.store.Location(ctx, p.LocationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return outcome{}, ErrorWithMetadata(CodeNotFound, "location not found",
				map[string]string{"entity": "location", "id": p.LocationID})
		}
		return outcome{}, WrapError(CodeStorage, "load location", err)
	}
	if location.RegionID != patient.RegionID {
		return outcome{}, ErrorWithMetadata(CodeLocationUnreachable,
			"location is outside the patient's current region",
			map[string]string{"location_id": location.ID, "region_id": patient.RegionID})
	}

	return outcome{
		data: MoveData{From: patient.LocationID, To: location.ID},
		deltas: []game.Delta{game.PatientPositionDelta{
			PatientID: patient.ID,
			Field:     game.PositionLocation,
			From:      patient.LocationID,
			To:        location.ID,
		}},
		summary: fmt.Sprintf("moved to %s", location.Name),
		actor:   patient.Name,
	}, nil
}
