// Package storage defines the persistence ports for the rules engine.
//
// The dispatcher reads state through Reader, appends through Writer, and
// serves history through TimelineReader. Admin covers out-of-band
// provisioning (games, patients, ghosts, world graph) that does not flow
// through the event pipeline. Implementations live in the memory and sqlite
// subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/Xziver/dg-core/internal/game"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Reader loads engine state. Implementations return ErrNotFound when the
// entity does not exist.
type Reader interface {
	Game(ctx context.Context, id string) (game.Game, error)
	Member(ctx context.Context, gameID, userID string) (game.Member, error)
	Members(ctx context.Context, gameID string) ([]game.Member, error)
	Session(ctx context.Context, id string) (game.Session, error)
	ActiveSession(ctx context.Context, gameID string) (game.Session, error)

	Patient(ctx context.Context, id string) (game.Patient, error)
	Ghost(ctx context.Context, id string) (game.Ghost, error)
	GhostByPatient(ctx context.Context, patientID string) (game.Ghost, error)
	GhostsByGame(ctx context.Context, gameID string) ([]game.Ghost, error)

	Ability(ctx context.Context, id string) (game.PrintAbility, error)
	Abilities(ctx context.Context, ghostID string) ([]game.PrintAbility, error)
	Fragment(ctx context.Context, id string) (game.ColorFragment, error)
	Buffs(ctx context.Context, ghostID string) ([]game.Buff, error)

	CommLink(ctx context.Context, id string) (game.CommLink, error)
	OpenCommLink(ctx context.Context, sessionID, ghostA, ghostB string) (game.CommLink, error)
	OpenCommLinks(ctx context.Context, sessionID string) ([]game.CommLink, error)

	Region(ctx context.Context, id string) (game.Region, error)
	Location(ctx context.Context, id string) (game.Location, error)
}

// CommitRequest is one atomic timeline append: the entry plus the state
// deltas it implies. Entry.Seq is ignored on input; the store assigns the
// next sequence number for the stream inside the same transaction.
type CommitRequest struct {
	StreamID string
	Deltas   []game.Delta
	Entry    game.TimelineEntry
}

// Writer appends to the timeline and applies state deltas atomically.
type Writer interface {
	// Commit applies the request's deltas and appends the entry with a
	// store-assigned gapless sequence number. Either everything commits
	// or nothing does.
	Commit(ctx context.Context, req CommitRequest) (game.TimelineEntry, error)

	// AttachNarrative sets the narrative on an existing entry. It is
	// write-once: attaching to an entry that already has a narrative
	// returns an error. Mechanical fields of the entry never change.
	AttachNarrative(ctx context.Context, streamID string, seq uint64, narrative string) error
}

// TimelineReader serves timeline history.
type TimelineReader interface {
	// Timeline returns entries for the stream ordered by seq ascending,
	// honoring limit and offset. A limit of 0 means no limit.
	Timeline(ctx context.Context, streamID string, limit, offset int) ([]game.TimelineEntry, error)

	// TimelineTail returns the last n entries for the stream ordered by
	// seq ascending.
	TimelineTail(ctx context.Context, streamID string, n int) ([]game.TimelineEntry, error)
}

// Admin provisions entities outside the event pipeline.
type Admin interface {
	PutGame(ctx context.Context, g game.Game) error
	PutMember(ctx context.Context, m game.Member) error
	DeleteMember(ctx context.Context, gameID, userID string) error
	PutSession(ctx context.Context, s game.Session) error
	PutPatient(ctx context.Context, p game.Patient) error
	PutGhost(ctx context.Context, g game.Ghost) error
	PutAbility(ctx context.Context, a game.PrintAbility) error
	PutFragment(ctx context.Context, f game.ColorFragment) error
	PutBuff(ctx context.Context, b game.Buff) error
	PutRegion(ctx context.Context, r game.Region) error
	PutLocation(ctx context.Context, l game.Location) error
}

// Store is the full persistence surface the engine binds to.
type Store interface {
	Reader
	Writer
	TimelineReader
	Admin
}
