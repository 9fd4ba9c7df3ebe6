package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Xziver/dg-core/internal/game"
	"github.com/Xziver/dg-core/internal/storage"
)

// Lifecycle handlers. For these kinds the envelope actor is the user
// driving the game; for action kinds it is the acting patient.

func (d *Dispatcher) handleGameStart(ctx context.Context, env Envelope, g game.Game) (outcome, error) {
	if err := d.requireKeeper(ctx, env); err != nil {
		return outcome{}, err
	}
	if !g.Status.CanTransition(game.GameStatusActive) {
		return outcome{}, transitionError(g.Status, game.GameStatusActive)
	}
	return outcome{
		data:    LifecycleData{Status: string(game.GameStatusActive)},
		deltas:  []game.Delta{game.GameStatusDelta{GameID: g.ID, From: g.Status, To: game.GameStatusActive}},
		summary: fmt.Sprintf("game %s started", g.Name),
	}, nil
}

func (d *Dispatcher) handleGameEnd(ctx context.Context, env Envelope, g game.Game) (outcome, error) {
	if err := d.requireKeeper(ctx, env); err != nil {
		return outcome{}, err
	}
	if !g.Status.CanTransition(game.GameStatusEnded) {
		return outcome{}, transitionError(g.Status, game.GameStatusEnded)
	}
	return outcome{
		data:    LifecycleData{Status: string(game.GameStatusEnded)},
		deltas:  []game.Delta{game.GameStatusDelta{GameID: g.ID, From: g.Status, To: game.GameStatusEnded}},
		summary: fmt.Sprintf("game %s ended", g.Name),
	}, nil
}

func (d *Dispatcher) handlePlayerJoin(ctx context.Context, env Envelope, g game.Game, p *PlayerJoinPayload) (outcome, error) {
	if g.Status == game.GameStatusEnded {
		return outcome{}, ErrorWithMetadata(CodeGameStatusDisallowsOp,
			"cannot join an ended game",
			map[string]string{"status": string(g.Status)})
	}
	_, err := d.store.Member(ctx, g.ID, p.UserID)
	switch {
	case err == nil:
		return outcome{}, ErrorWithMetadata(CodeGameMemberExists,
			"user is already a member",
			map[string]string{"user_id": p.UserID})
	case !errors.Is(err, storage.ErrNotFound):
		return outcome{}, WrapError(CodeStorage, "load member", err)
	}

	member := game.Member{
		GameID:          g.ID,
		UserID:          p.UserID,
		Role:            p.Role,
		ActivePatientID: p.PatientID,
	}
	return outcome{
		data:    LifecycleData{UserID: p.UserID, Role: string(p.Role)},
		deltas:  []game.Delta{game.MemberAddDelta{Member: member}},
		summary: fmt.Sprintf("%s joined as %s", p.UserID, p.Role),
	}, nil
}

func (d *Dispatcher) handlePlayerLeave(ctx context.Context, env Envelope, g game.Game, p *PlayerLeavePayload) (outcome, error) {
	if _, err := d.store.Member(ctx, g.ID, p.UserID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return outcome{}, ErrorWithMetadata(CodeNotFound, "member not found",
				map[string]string{"entity": "member", "id": p.UserID})
		}
		return outcome{}, WrapError(CodeStorage, "load member", err)
	}
	return outcome{
		data:    LifecycleData{UserID: p.UserID},
		deltas:  []game.Delta{game.MemberRemoveDelta{GameID: g.ID, UserID: p.UserID}},
		summary: fmt.Sprintf("%s left the game", p.UserID),
	}, nil
}

func (d *Dispatcher) handleSessionStart(ctx context.Context, env Envelope, g game.Game) (outcome, error) {
	if env.SessionID == "" {
		return outcome{}, NewError(CodeEventMissingSession, "session_start requires session_id")
	}
	if g.Status != game.GameStatusActive {
		return outcome{}, ErrorWithMetadata(CodeGameStatusDisallowsOp,
			fmt.Sprintf("game status %s disallows session_start", g.Status),
			map[string]string{"status": string(g.Status)})
	}

	sess, err := d.loadSession(ctx, g.ID, env.SessionID)
	if err != nil {
		return outcome{}, err
	}
	if !sess.Status.CanTransition(game.SessionStatusActive) {
		return outcome{}, ErrorWithMetadata(CodeSessionInvalidStatusTransition,
			fmt.Sprintf("session cannot transition %s -> %s", sess.Status, game.SessionStatusActive),
			map[string]string{"from": string(sess.Status), "to": string(game.SessionStatusActive)})
	}

	active, err := d.store.ActiveSession(ctx, g.ID)
	switch {
	case err == nil:
		return outcome{}, ErrorWithMetadata(CodeActiveSessionExists,
			"game already has an active session",
			map[string]string{"session_id": active.ID})
	case !errors.Is(err, storage.ErrNotFound):
		return outcome{}, WrapError(CodeStorage, "check active session", err)
	}

	return outcome{
		data: LifecycleData{Status: string(game.SessionStatusActive)},
		deltas: []game.Delta{game.SessionStatusDelta{
			SessionID: sess.ID,
			From:      sess.Status,
			To:        game.SessionStatusActive,
		}},
		summary: "session started",
	}, nil
}

func (d *Dispatcher) handleSessionEnd(ctx context.Context, env Envelope, g game.Game) (outcome, error) {
	if env.SessionID == "" {
		return outcome{}, NewError(CodeEventMissingSession, "session_end requires session_id")
	}
	sess, err := d.loadSession(ctx, g.ID, env.SessionID)
	if err != nil {
		return outcome{}, err
	}
	if !sess.Status.CanTransition(game.SessionStatusEnded) {
		return outcome{}, ErrorWithMetadata(CodeSessionInvalidStatusTransition,
			fmt.Sprintf("session cannot transition %s -> %s", sess.Status, game.SessionStatusEnded),
			map[string]string{"from": string(sess.Status), "to": string(game.SessionStatusEnded)})
	}

	deltas := []game.Delta{game.SessionStatusDelta{
		SessionID: sess.ID,
		From:      sess.Status,
		To:        game.SessionStatusEnded,
	}}

	// Communication links do not outlive the session that opened them.
	links, err := d.store.OpenCommLinks(ctx, sess.ID)
	if err != nil {
		return outcome{}, WrapError(CodeStorage, "load comm links", err)
	}
	for _, link := range links {
		deltas = append(deltas, game.CommCloseDelta{LinkID: link.ID})
	}

	// Pending Guard does not survive the session.
	ghosts, err := d.store.GhostsByGame(ctx, g.ID)
	if err != nil {
		return outcome{}, WrapError(CodeStorage, "load ghosts", err)
	}
	for _, ghost := range ghosts {
		if ghost.Guard > 0 {
			deltas = append(deltas, game.GhostGuardDelta{GhostID: ghost.ID, From: ghost.Guard, To: 0})
		}
	}

	return outcome{
		data:    LifecycleData{Status: string(game.SessionStatusEnded)},
		deltas:  deltas,
		summary: "session ended",
	}, nil
}

func (d *Dispatcher) requireKeeper(ctx context.Context, env Envelope) error {
	member, err := d.store.Member(ctx, env.GameID, env.ActorID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrorWithMetadata(CodeNotFound, "member not found",
				map[string]string{"entity": "member", "id": env.ActorID})
		}
		return WrapError(CodeStorage, "load member", err)
	}
	if member.Role != game.RoleKeeper {
		return ErrorWithMetadata(CodeGameMemberInvalidRole,
			"operation requires the keeper role",
			map[string]string{"role": string(member.Role)})
	}
	return nil
}

func (d *Dispatcher) loadSession(ctx context.Context, gameID, sessionID string) (game.Session, error) {
	sess, err := d.store.Session(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return game.Session{}, ErrorWithMetadata(CodeNotFound, "session not found",
				map[string]string{"entity": "session", "id": sessionID})
		}
		return game.Session{}, WrapError(CodeStorage, "load session", err)
	}
	if sess.GameID != gameID {
		return game.Session{}, ErrorWithMetadata(CodeSessionWrongGame,
			"session belongs to a different game",
			map[string]string{"session_id": sess.ID, "game_id": gameID})
	}
	return sess, nil
}

func transitionError(from, to game.GameStatus) *Error {
	return ErrorWithMetadata(CodeGameInvalidStatusTransition,
		fmt.Sprintf("game cannot transition %s -> %s", from, to),
		map[string]string{"from": string(from), "to": string(to)})
}
