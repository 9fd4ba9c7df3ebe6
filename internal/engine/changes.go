package engine

import (
	"encoding/json"

	"github.com/Xziver/dg-core/internal/game"
)

// changesFromDeltas projects applied deltas into the StateChange records a
// Result carries. The projection is total over the closed delta set; an
// unknown delta shape panics because it means a handler produced a shape
// storage cannot apply either.
func changesFromDeltas(deltas []game.Delta) []StateChange {
	if len(deltas) == 0 {
		return nil
	}

	changes := make([]StateChange, 0, len(deltas))
	for _, delta := range deltas {
		switch d := delta.(type) {
		case game.GameStatusDelta:
			changes = append(changes, change("game", d.GameID, "status", d.From, d.To))
		case game.SessionStatusDelta:
			changes = append(changes, change("session", d.SessionID, "status", d.From, d.To))
		case game.MemberAddDelta:
			changes = append(changes, change("game", d.Member.GameID, "members", nil, d.Member.UserID))
		case game.MemberRemoveDelta:
			changes = append(changes, change("game", d.GameID, "members", d.UserID, nil))
		case game.GhostHPDelta:
			changes = append(changes, change("ghost", d.GhostID, "hp", d.From, d.To))
		case game.GhostGuardDelta:
			changes = append(changes, change("ghost", d.GhostID, "guard", d.From, d.To))
		case game.ChannelDelta:
			changes = append(changes, change("ghost", d.GhostID, "channel_"+string(d.Channel), d.From, d.To))
		case game.AbilityUseDelta:
			changes = append(changes, change("ability", d.AbilityID, "uses", d.From, d.To))
		case game.AbilityGrantDelta:
			changes = append(changes, change("ghost", d.Ability.GhostID, "abilities", nil, d.Ability.ID))
		case game.FragmentGrantDelta:
			changes = append(changes, change("ghost", d.Fragment.GhostID, "fragments", nil, d.Fragment.ID))
		case game.FragmentRedeemDelta:
			changes = append(changes, change("fragment", d.FragmentID, "redeemed", false, true))
		case game.BuffRoundsDelta:
			changes = append(changes, change("buff", d.BuffID, "remaining_rounds", d.From, d.To))
		case game.GhostControlDelta:
			changes = append(changes, change("ghost", d.GhostID, "controller_patient_id", d.From, d.To))
		case game.CommOpenDelta:
			changes = append(changes, change("comm_link", d.Link.ID, "status", nil, d.Link.Status))
		case game.CommCloseDelta:
			changes = append(changes, change("comm_link", d.LinkID, "status", game.CommStatusOpen, game.CommStatusClosed))
		case game.PatientPositionDelta:
			changes = append(changes, change("patient", d.PatientID, string(d.Field), d.From, d.To))
		default:
			panic("engine: unknown delta shape")
		}
	}
	return changes
}

func change(entityType, entityID, field string, oldValue, newValue any) StateChange {
	return StateChange{
		EntityType: entityType,
		EntityID:   entityID,
		Field:      field,
		OldValue:   mustJSON(oldValue),
		NewValue:   mustJSON(newValue),
	}
}

func mustJSON(v any) json.RawMessage {
	encoded, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return encoded
}
