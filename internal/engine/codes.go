package engine

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Event envelope errors
	CodeEventUnknownKind    Code = "EVENT_UNKNOWN_KIND"
	CodeEventMissingGameID  Code = "EVENT_MISSING_GAME_ID"
	CodeEventMissingSession Code = "EVENT_MISSING_SESSION_ID"
	CodeEventMissingActor   Code = "EVENT_MISSING_ACTOR_ID"
	CodeEventInvalidPayload Code = "EVENT_INVALID_PAYLOAD"

	// Game errors
	CodeGameNameEmpty               Code = "GAME_NAME_EMPTY"
	CodeGameInvalidStatusTransition Code = "GAME_INVALID_STATUS_TRANSITION"
	CodeGameStatusDisallowsOp       Code = "GAME_STATUS_DISALLOWS_OPERATION"
	CodeGameMemberExists            Code = "GAME_MEMBER_EXISTS"
	CodeGameMemberInvalidRole       Code = "GAME_MEMBER_INVALID_ROLE"

	// Session errors
	CodeSessionInvalidStatusTransition Code = "SESSION_INVALID_STATUS_TRANSITION"
	CodeSessionStatusDisallowsOp       Code = "SESSION_STATUS_DISALLOWS_OPERATION"
	CodeActiveSessionExists            Code = "ACTIVE_SESSION_EXISTS"
	CodeSessionWrongGame               Code = "SESSION_WRONG_GAME"

	// Character errors
	CodeChannelInvalid  Code = "CHANNEL_INVALID"
	CodeGhostCollapsed  Code = "GHOST_COLLAPSED"
	CodeGhostNotActor   Code = "GHOST_NOT_CONTROLLED_BY_ACTOR"
	CodeHPDeltaZero     Code = "HP_DELTA_ZERO"
	CodeSelfTargeted    Code = "ACTION_TARGETS_SELF"
	CodeTargetCollapsed Code = "TARGET_COLLAPSED"

	// Ability and fragment errors
	CodeAbilityExhausted        Code = "ABILITY_EXHAUSTED"
	CodeAbilityAlreadyKnown     Code = "ABILITY_ALREADY_KNOWN"
	CodeFragmentAlreadyRedeemed Code = "FRAGMENT_ALREADY_REDEEMED"
	CodeFragmentWrongGhost      Code = "FRAGMENT_WRONG_GHOST"
	CodeRerollUnavailable       Code = "REROLL_UNAVAILABLE"

	// Communication errors
	CodeCommLinkExists       Code = "COMM_LINK_EXISTS"
	CodeCommChannelClosed    Code = "COMM_CHANNEL_CLOSED"
	CodeCommLinkRequired     Code = "COMM_LINK_REQUIRED"
	CodeCommLinkNotOpen      Code = "COMM_LINK_NOT_OPEN"
	CodeCommLinkNotAddressed Code = "COMM_LINK_NOT_ADDRESSED_TO_ACTOR"

	// Movement errors
	CodeRegionUnreachable   Code = "REGION_UNREACHABLE"
	CodeLocationUnreachable Code = "LOCATION_UNREACHABLE"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeStorage  Code = "STORAGE_FAILURE"

	// Narration errors
	CodeNarrationFailed  Code = "NARRATION_FAILED"
	CodeNarrationTimeout Code = "NARRATION_TIMEOUT"
)

// Class groups error codes for transport mapping and client handling.
type Class string

const (
	ClassValidation    Class = "validation"
	ClassNotFound      Class = "not_found"
	ClassState         Class = "state"
	ClassRuleViolation Class = "rule_violation"
	ClassInfra         Class = "infra"
	ClassNarration     Class = "narration"
)

// ErrorClass maps engine codes to error classes.
func (c Code) ErrorClass() Class {
	switch c {
	// Validation - malformed or incomplete input
	case CodeEventUnknownKind,
		CodeEventMissingGameID,
		CodeEventMissingSession,
		CodeEventMissingActor,
		CodeEventInvalidPayload,
		CodeGameNameEmpty,
		CodeGameMemberInvalidRole,
		CodeChannelInvalid,
		CodeHPDeltaZero,
		CodeSelfTargeted:
		return ClassValidation

	// NotFound - referenced entity doesn't exist
	case CodeNotFound:
		return ClassNotFound

	// State - lifecycle doesn't allow the operation
	case CodeGameInvalidStatusTransition,
		CodeGameStatusDisallowsOp,
		CodeGameMemberExists,
		CodeSessionInvalidStatusTransition,
		CodeSessionStatusDisallowsOp,
		CodeActiveSessionExists,
		CodeSessionWrongGame,
		CodeGhostCollapsed,
		CodeTargetCollapsed:
		return ClassState

	// RuleViolation - well-formed request the rules reject
	case CodeGhostNotActor,
		CodeAbilityExhausted,
		CodeAbilityAlreadyKnown,
		CodeFragmentAlreadyRedeemed,
		CodeFragmentWrongGhost,
		CodeRerollUnavailable,
		CodeCommLinkExists,
		CodeCommChannelClosed,
		CodeCommLinkRequired,
		CodeCommLinkNotOpen,
		CodeCommLinkNotAddressed,
		CodeRegionUnreachable,
		CodeLocationUnreachable:
		return ClassRuleViolation

	// Narration - narrative generation failed, mechanics unaffected
	case CodeNarrationFailed,
		CodeNarrationTimeout:
		return ClassNarration

	default:
		return ClassInfra
	}
}
