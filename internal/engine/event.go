package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Xziver/dg-core/internal/game"
)

// Kind discriminates event envelopes. The set is closed: an envelope with a
// kind outside this list is rejected before any state is loaded.
type Kind string

const (
	// Lifecycle
	KindGameStart    Kind = "game_start"
	KindGameEnd      Kind = "game_end"
	KindPlayerJoin   Kind = "player_join"
	KindPlayerLeave  Kind = "player_leave"
	KindSessionStart Kind = "session_start"
	KindSessionEnd   Kind = "session_end"

	// Checks
	KindSkillCheck Kind = "skill_check"
	KindReroll     Kind = "reroll"

	// Combat
	KindAttack          Kind = "attack"
	KindDefend          Kind = "defend"
	KindUsePrintAbility Kind = "use_print_ability"

	// Communication
	KindInitiateComm    Kind = "initiate_comm"
	KindDownloadAbility Kind = "download_ability"
	KindDeepScan        Kind = "deep_scan"
	KindAttemptSeize    Kind = "attempt_seize"

	// State mutation
	KindApplyFragment Kind = "apply_fragment"
	KindHPChange      Kind = "hp_change"
	KindMoveRegion    Kind = "move_region"
	KindMoveLocation  Kind = "move_location"
)

// Kinds returns every recognized event kind.
func Kinds() []Kind {
	return []Kind{
		KindGameStart, KindGameEnd, KindPlayerJoin, KindPlayerLeave,
		KindSessionStart, KindSessionEnd,
		KindSkillCheck, KindReroll,
		KindAttack, KindDefend, KindUsePrintAbility,
		KindInitiateComm, KindDownloadAbility, KindDeepScan, KindAttemptSeize,
		KindApplyFragment, KindHPChange, KindMoveRegion, KindMoveLocation,
	}
}

// IsValid reports whether k names a recognized event kind.
func (k Kind) IsValid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Lifecycle reports whether k is a game or session lifecycle event. Lifecycle
// events are legal outside an active session; every other kind requires the
// game and session to be active.
func (k Kind) Lifecycle() bool {
	switch k {
	case KindGameStart, KindGameEnd, KindPlayerJoin, KindPlayerLeave,
		KindSessionStart, KindSessionEnd:
		return true
	}
	return false
}

// Envelope is the transport-neutral event intake contract. The payload is
// decoded against the kind's typed struct by DecodePayload.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	GameID    string          `json:"game_id"`
	SessionID string          `json:"session_id,omitempty"`
	ActorID   string          `json:"actor_id"`
	Seed      int64           `json:"seed,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StreamID returns the timeline stream the envelope appends to. Session
// events append to the session stream; game lifecycle events without a
// session append to the game stream.
func (e Envelope) StreamID() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.GameID
}

// Payload structs, one per kind. Fields are snake_case on the wire to match
// the envelope schema.

type PlayerJoinPayload struct {
	UserID    string    `json:"user_id"`
	Role      game.Role `json:"role"`
	PatientID string    `json:"patient_id,omitempty"`
}

type PlayerLeavePayload struct {
	UserID string `json:"user_id"`
}

type SkillCheckPayload struct {
	GhostID    string       `json:"ghost_id"`
	Channel    game.Channel `json:"channel"`
	Difficulty int          `json:"difficulty"`
}

type RerollPayload struct {
	GhostID   string `json:"ghost_id"`
	AbilityID string `json:"ability_id"`
}

type AttackPayload struct {
	GhostID       string       `json:"ghost_id"`
	TargetGhostID string       `json:"target_ghost_id"`
	Channel       game.Channel `json:"channel"`
}

type DefendPayload struct {
	GhostID string       `json:"ghost_id"`
	Channel game.Channel `json:"channel"`
}

type UsePrintAbilityPayload struct {
	GhostID   string `json:"ghost_id"`
	AbilityID string `json:"ability_id"`
}

type InitiateCommPayload struct {
	GhostID       string `json:"ghost_id"`
	TargetGhostID string `json:"target_ghost_id"`
}

type DownloadAbilityPayload struct {
	GhostID   string `json:"ghost_id"`
	LinkID    string `json:"link_id"`
	AbilityID string `json:"ability_id"`
}

type DeepScanPayload struct {
	GhostID string       `json:"ghost_id"`
	LinkID  string       `json:"link_id"`
	Channel game.Channel `json:"channel"`
}

type AttemptSeizePayload struct {
	GhostID string `json:"ghost_id"`
	LinkID  string `json:"link_id"`
}

type ApplyFragmentPayload struct {
	GhostID    string `json:"ghost_id"`
	FragmentID string `json:"fragment_id"`
}

type HPChangePayload struct {
	GhostID string `json:"ghost_id"`
	Delta   int    `json:"delta"`
}

type MoveRegionPayload struct {
	RegionID string `json:"region_id"`
}

type MoveLocationPayload struct {
	LocationID string `json:"location_id"`
}

// Validate checks the envelope's routing fields before payload decoding.
func (e Envelope) Validate() *Error {
	if !e.Kind.IsValid() {
		return ErrorWithMetadata(CodeEventUnknownKind,
			fmt.Sprintf("unknown event kind %q", e.Kind),
			map[string]string{"kind": string(e.Kind)})
	}
	if e.GameID == "" {
		return NewError(CodeEventMissingGameID, "event missing game_id")
	}
	if e.ActorID == "" {
		return NewError(CodeEventMissingActor, "event missing actor_id")
	}
	if !e.Kind.Lifecycle() && e.SessionID == "" {
		return NewError(CodeEventMissingSession,
			fmt.Sprintf("event kind %s requires session_id", e.Kind))
	}
	return nil
}

// DecodePayload decodes the envelope payload into the kind's typed struct
// and validates required fields. The returned value is a pointer to the
// payload struct for the kind, or nil for kinds that carry no payload.
func DecodePayload(e Envelope) (any, *Error) {
	switch e.Kind {
	case KindGameStart, KindGameEnd, KindSessionStart, KindSessionEnd:
		return nil, nil

	case KindPlayerJoin:
		var p PlayerJoinPayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, NewError(CodeEventInvalidPayload, "player_join missing user_id")
		}
		if !p.Role.IsValid() {
			return nil, ErrorWithMetadata(CodeGameMemberInvalidRole,
				fmt.Sprintf("invalid role %q", p.Role),
				map[string]string{"role": string(p.Role)})
		}
		return &p, nil

	case KindPlayerLeave:
		var p PlayerLeavePayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, NewError(CodeEventInvalidPayload, "player_leave missing user_id")
		}
		return &p, nil

	case KindSkillCheck:
		var p SkillCheckPayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.GhostID == "" {
			return nil, NewError(CodeEventInvalidPayload, "skill_check missing ghost_id")
		}
		if err := validChannel(p.Channel); err != nil {
			return nil, err
		}
		if p.Difficulty <= 0 {
			return nil, NewError(CodeEventInvalidPayload, "skill_check difficulty must be positive")
		}
		return &p, nil

	case KindReroll:
		var p RerollPayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.GhostID == "" || p.AbilityID == "" {
			return nil, NewError(CodeEventInvalidPayload, "reroll missing ghost_id or ability_id")
		}
		return &p, nil

	case KindAttack:
		var p AttackPayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.GhostID == "" || p.TargetGhostID == "" {
			return nil, NewError(CodeEventInvalidPayload, "attack missing ghost_id or target_ghost_id")
		}
		if p.GhostID == p.TargetGhostID {
			return nil, NewError(CodeSelfTargeted, "attack cannot target the attacker")
		}
		if err := validChannel(p.Channel); err != nil {
			return nil, err
		}
		return &p, nil

	case KindDefend:
		var p DefendPayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.GhostID == "" {
			return nil, NewError(CodeEventInvalidPayload, "defend missing ghost_id")
		}
		if err := validChannel(p.Channel); err != nil {
			return nil, err
		}
		return &p, nil

	case KindUsePrintAbility:
		var p UsePrintAbilityPayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.GhostID == "" || p.AbilityID == "" {
			return nil, NewError(CodeEventInvalidPayload, "use_print_ability missing ghost_id or ability_id")
		}
		return &p, nil

	case KindInitiateComm:
		var p InitiateCommPayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.GhostID == "" || p.TargetGhostID == "" {
			return nil, NewError(CodeEventInvalidPayload, "initiate_comm missing ghost_id or target_ghost_id")
		}
		if p.GhostID == p.TargetGhostID {
			return nil, NewError(CodeSelfTargeted, "initiate_comm cannot target the initiator")
		}
		return &p, nil

	case KindDownloadAbility:
		var p DownloadAbilityPayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.GhostID == "" || p.LinkID == "" || p.AbilityID == "" {
			return nil, NewError(CodeEventInvalidPayload, "download_ability missing ghost_id, link_id or ability_id")
		}
		return &p, nil

	case KindDeepScan:
		var p DeepScanPayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.GhostID == "" || p.LinkID == "" {
			return nil, NewError(CodeEventInvalidPayload, "deep_scan missing ghost_id or link_id")
		}
		if err := validChannel(p.Channel); err != nil {
			return nil, err
		}
		return &p, nil

	case KindAttemptSeize:
		var p AttemptSeizePayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.GhostID == "" || p.LinkID == "" {
			return nil, NewError(CodeEventInvalidPayload, "attempt_seize missing ghost_id or link_id")
		}
		return &p, nil

	case KindApplyFragment:
		var p ApplyFragmentPayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.GhostID == "" || p.FragmentID == "" {
			return nil, NewError(CodeEventInvalidPayload, "apply_fragment missing ghost_id or fragment_id")
		}
		return &p, nil

	case KindHPChange:
		var p HPChangePayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.GhostID == "" {
			return nil, NewError(CodeEventInvalidPayload, "hp_change missing ghost_id")
		}
		if p.Delta == 0 {
			return nil, NewError(CodeHPDeltaZero, "hp_change delta must be non-zero")
		}
		return &p, nil

	case KindMoveRegion:
		var p MoveRegionPayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.RegionID == "" {
			return nil, NewError(CodeEventInvalidPayload, "move_region missing region_id")
		}
		return &p, nil

	case KindMoveLocation:
		var p MoveLocationPayload
		if err := strictDecode(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.LocationID == "" {
			return nil, NewError(CodeEventInvalidPayload, "move_location missing location_id")
		}
		return &p, nil
	}

	return nil, ErrorWithMetadata(CodeEventUnknownKind,
		fmt.Sprintf("unknown event kind %q", e.Kind),
		map[string]string{"kind": string(e.Kind)})
}

func strictDecode(raw json.RawMessage, into any) *Error {
	if len(raw) == 0 {
		return NewError(CodeEventInvalidPayload, "event payload missing")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return WrapError(CodeEventInvalidPayload, "decode event payload", err)
	}
	return nil
}

func validChannel(ch game.Channel) *Error {
	if _, err := game.ParseChannel(string(ch)); err != nil {
		return ErrorWithMetadata(CodeChannelInvalid,
			fmt.Sprintf("invalid channel %q", ch),
			map[string]string{"channel": string(ch)})
	}
	return nil
}
