package game

// Delta describes a single state mutation produced by a rule handler. Rule
// handlers return delta lists instead of touching entities; the dispatcher
// hands the whole list to storage, which applies it atomically alongside
// the timeline append.
//
// The set of delta shapes is closed: storage backends switch over the
// concrete types and treat an unknown shape as a programming error.
type Delta interface {
	deltaKind() string
}

// GameStatusDelta transitions a game along its lifecycle graph.
type GameStatusDelta struct {
	GameID string
	From   GameStatus
	To     GameStatus
}

// SessionStatusDelta transitions a session along its lifecycle graph.
type SessionStatusDelta struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
}

// MemberAddDelta adds a user to a game roster.
type MemberAddDelta struct {
	Member Member
}

// MemberRemoveDelta removes a user from a game roster.
type MemberRemoveDelta struct {
	GameID string
	UserID string
}

// GhostHPDelta sets a ghost's HP. From and To are both recorded so the
// resulting state change is auditable without re-reading state.
type GhostHPDelta struct {
	GhostID string
	From    int
	To      int
}

// GhostGuardDelta sets a ghost's pending defensive reduction.
type GhostGuardDelta struct {
	GhostID string
	From    int
	To      int
}

// ChannelDelta sets one channel value on a ghost.
type ChannelDelta struct {
	GhostID string
	Channel Channel
	From    int
	To      int
}

// AbilityUseDelta sets a print ability's remaining-use counter.
type AbilityUseDelta struct {
	AbilityID string
	GhostID   string
	From      int
	To        int
}

// AbilityGrantDelta adds a new print ability to a ghost.
type AbilityGrantDelta struct {
	Ability PrintAbility
}

// FragmentGrantDelta awards a new color fragment to a ghost.
type FragmentGrantDelta struct {
	Fragment ColorFragment
}

// FragmentRedeemDelta marks a fragment as redeemed.
type FragmentRedeemDelta struct {
	FragmentID string
	GhostID    string
}

// BuffRoundsDelta sets a buff's remaining-round counter. A To of zero or
// below removes the buff.
type BuffRoundsDelta struct {
	BuffID  string
	GhostID string
	From    int
	To      int
}

// GhostControlDelta reassigns control of a ghost to another patient.
type GhostControlDelta struct {
	GhostID string
	From    string
	To      string
}

// CommOpenDelta records a newly opened communication link.
type CommOpenDelta struct {
	Link CommLink
}

// CommCloseDelta closes a communication link.
type CommCloseDelta struct {
	LinkID string
}

// PatientPositionDelta moves a patient to a new region or location.
type PatientPositionDelta struct {
	PatientID string
	Field     PositionField
	From      string
	To        string
}

// PositionField selects which position axis a PatientPositionDelta moves.
type PositionField string

const (
	PositionRegion   PositionField = "region"
	PositionLocation PositionField = "location"
)

func (GameStatusDelta) deltaKind() string      { return "game_status" }
func (SessionStatusDelta) deltaKind() string   { return "session_status" }
func (MemberAddDelta) deltaKind() string       { return "member_add" }
func (MemberRemoveDelta) deltaKind() string    { return "member_remove" }
func (GhostHPDelta) deltaKind() string         { return "ghost_hp" }
func (GhostGuardDelta) deltaKind() string      { return "ghost_guard" }
func (ChannelDelta) deltaKind() string         { return "channel" }
func (AbilityUseDelta) deltaKind() string      { return "ability_use" }
func (AbilityGrantDelta) deltaKind() string    { return "ability_grant" }
func (FragmentGrantDelta) deltaKind() string   { return "fragment_grant" }
func (FragmentRedeemDelta) deltaKind() string  { return "fragment_redeem" }
func (BuffRoundsDelta) deltaKind() string      { return "buff_rounds" }
func (GhostControlDelta) deltaKind() string    { return "ghost_control" }
func (CommOpenDelta) deltaKind() string        { return "comm_open" }
func (CommCloseDelta) deltaKind() string       { return "comm_close" }
func (PatientPositionDelta) deltaKind() string { return "patient_position" }
