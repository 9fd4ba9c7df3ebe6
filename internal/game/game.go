package game

import "time"

// GameStatus is the lifecycle state of a game.
type GameStatus string

const (
	GameStatusPreparing GameStatus = "preparing"
	GameStatusActive    GameStatus = "active"
	GameStatusPaused    GameStatus = "paused"
	GameStatusEnded     GameStatus = "ended"
)

// CanTransition reports whether the game lifecycle graph allows moving from
// the current status to next. The graph is monotone: ended is terminal and
// preparing is never re-entered.
func (s GameStatus) CanTransition(next GameStatus) bool {
	switch s {
	case GameStatusPreparing:
		return next == GameStatusActive
	case GameStatusActive:
		return next == GameStatusPaused || next == GameStatusEnded
	case GameStatusPaused:
		return next == GameStatusActive || next == GameStatusEnded
	default:
		return false
	}
}

// Role identifies a game member's function.
type Role string

const (
	RoleKeeper Role = "keeper"
	RolePlayer Role = "player"
)

// IsValid reports whether the role is one of the known values.
func (r Role) IsValid() bool {
	return r == RoleKeeper || r == RolePlayer
}

// Game is the top-level container for a playthrough.
type Game struct {
	ID        string
	Name      string
	Status    GameStatus
	DiceFaces int
	CreatedBy string
	CreatedAt time.Time
}

// Member links a user to a game roster.
type Member struct {
	GameID          string
	UserID          string
	Role            Role
	ActivePatientID string
}

// SessionStatus is the lifecycle state of a single sitting.
type SessionStatus string

const (
	SessionStatusPreparing SessionStatus = "preparing"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusEnded     SessionStatus = "ended"
)

// CanTransition reports whether the session lifecycle allows the move.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionStatusPreparing:
		return next == SessionStatusActive
	case SessionStatusActive:
		return next == SessionStatusEnded
	default:
		return false
	}
}

// Session is one sitting of a game, anchored to a region.
type Session struct {
	ID         string
	GameID     string
	Status     SessionStatus
	RegionID   string
	LocationID string
	StartedBy  string
	CreatedAt  time.Time
}

// Region is a world-position node. Regions form a hierarchy via ParentID.
type Region struct {
	ID       string
	GameID   string
	Name     string
	ParentID string
}

// Location is a position within a region. A character occupies at most one
// location at a time.
type Location struct {
	ID       string
	RegionID string
	Name     string
}
