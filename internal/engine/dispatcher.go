// Package engine dispatches event envelopes through deterministic rule
// resolution and appends the outcomes to the timeline.
//
// Processing is two-phase. Mechanics resolve and commit first: decode,
// lifecycle gates, rule handler, atomic state delta plus timeline append.
// Narration runs second, bounded by a timeout, and can never fail an event
// that already committed.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Xziver/dg-core/internal/game"
	"github.com/Xziver/dg-core/internal/id"
	"github.com/Xziver/dg-core/internal/narration"
	"github.com/Xziver/dg-core/internal/random"
	"github.com/Xziver/dg-core/internal/storage"
)

const (
	defaultNarrationTimeout = 5 * time.Second
	defaultContextWindow    = 5
)

// Config wires a Dispatcher. Store is required; everything else has a
// working default.
type Config struct {
	Store     storage.Store
	Narrator  narration.Narrator
	Retriever narration.Retriever
	Tuning    game.Tuning

	// Now, Seed and NewID are injectable for deterministic tests.
	Now   func() time.Time
	Seed  func() (int64, error)
	NewID func() (string, error)

	NarrationTimeout time.Duration
	// ContextWindow is how many recent narratives from the stream are fed
	// back to the narrator for tonal continuity.
	ContextWindow int
}

// Dispatcher processes event envelopes serially per stream.
type Dispatcher struct {
	store     storage.Store
	narrator  narration.Narrator
	retriever narration.Retriever
	tuning    game.Tuning

	now   func() time.Time
	seed  func() (int64, error)
	newID func() (string, error)

	narrationTimeout time.Duration
	contextWindow    int

	tracer trace.Tracer

	mu      sync.Mutex
	streams map[string]*sync.Mutex
}

// New builds a Dispatcher from config.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if cfg.Narrator == nil {
		cfg.Narrator = narration.NopNarrator{}
	}
	if cfg.Retriever == nil {
		cfg.Retriever = narration.NopRetriever{}
	}
	if cfg.Tuning == (game.Tuning{}) {
		cfg.Tuning = game.DefaultTuning()
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid tuning: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Seed == nil {
		cfg.Seed = random.NewSeed
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewID
	}
	if cfg.NarrationTimeout <= 0 {
		cfg.NarrationTimeout = defaultNarrationTimeout
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = defaultContextWindow
	}

	return &Dispatcher{
		store:            cfg.Store,
		narrator:         cfg.Narrator,
		retriever:        cfg.Retriever,
		tuning:           cfg.Tuning,
		now:              cfg.Now,
		seed:             cfg.Seed,
		newID:            cfg.NewID,
		narrationTimeout: cfg.NarrationTimeout,
		contextWindow:    cfg.ContextWindow,
		tracer:           otel.Tracer("dg-core/engine"),
		streams:          make(map[string]*sync.Mutex),
	}, nil
}

// outcome is what a rule handler produces on success.
type outcome struct {
	data    any
	deltas  []game.Delta
	rolls   []RollRecord
	summary string // mechanical one-liner fed to the narrator
	actor   string // display name of the acting character
}

// Process resolves one event envelope. Rule and state failures are returned
// as failed Results with a nil error; only infrastructure faults surface as
// a non-nil error.
func (d *Dispatcher) Process(ctx context.Context, env Envelope) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "engine.process",
		trace.WithAttributes(
			attribute.String("event.kind", string(env.Kind)),
			attribute.String("event.game_id", env.GameID),
			attribute.String("event.session_id", env.SessionID),
		))
	defer span.End()

	result, out, committed, err := d.resolve(ctx, env)
	if err != nil || !result.Success {
		return result, err
	}
	span.SetAttributes(attribute.Int64("event.seq", int64(committed.Seq)))

	// The stream lock is released by now: narration can stall for seconds
	// and must not block other events on the session.
	result.Narrative, result.NarrationDegraded = d.narrate(ctx, env, out, committed)
	return result, nil
}

// resolve runs the mechanical phase under the stream lock: gates, rule
// handler, atomic commit. The lock is released before resolve returns so
// narration never holds it.
func (d *Dispatcher) resolve(ctx context.Context, env Envelope) (Result, outcome, game.TimelineEntry, error) {
	var none game.TimelineEntry

	if verr := env.Validate(); verr != nil {
		return d.fail(env, verr), outcome{}, none, nil
	}
	payload, perr := DecodePayload(env)
	if perr != nil {
		return d.fail(env, perr), outcome{}, none, nil
	}

	seed := env.Seed
	if seed == 0 {
		generated, err := d.seed()
		if err != nil {
			return Result{}, outcome{}, none, WrapError(CodeUnknown, "generate seed", err)
		}
		seed = generated
	}
	rng := rand.New(rand.NewSource(seed))

	unlock := d.lockStream(env.StreamID())
	defer unlock()

	g, err := d.store.Game(ctx, env.GameID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return d.fail(env, ErrorWithMetadata(CodeNotFound, "game not found",
				map[string]string{"entity": "game", "id": env.GameID})), outcome{}, none, nil
		}
		return Result{}, outcome{}, none, WrapError(CodeStorage, "load game", err)
	}

	var sess game.Session
	if !env.Kind.Lifecycle() {
		sess, err = d.store.Session(ctx, env.SessionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return d.fail(env, ErrorWithMetadata(CodeNotFound, "session not found",
					map[string]string{"entity": "session", "id": env.SessionID})), outcome{}, none, nil
			}
			return Result{}, outcome{}, none, WrapError(CodeStorage, "load session", err)
		}
		if sess.GameID != env.GameID {
			return d.fail(env, ErrorWithMetadata(CodeSessionWrongGame,
				"session belongs to a different game",
				map[string]string{"session_id": sess.ID, "game_id": env.GameID})), outcome{}, none, nil
		}
		if g.Status != game.GameStatusActive {
			return d.fail(env, ErrorWithMetadata(CodeGameStatusDisallowsOp,
				fmt.Sprintf("game status %s disallows %s", g.Status, env.Kind),
				map[string]string{"status": string(g.Status)})), outcome{}, none, nil
		}
		if sess.Status != game.SessionStatusActive {
			return d.fail(env, ErrorWithMetadata(CodeSessionStatusDisallowsOp,
				fmt.Sprintf("session status %s disallows %s", sess.Status, env.Kind),
				map[string]string{"status": string(sess.Status)})), outcome{}, none, nil
		}
	}

	out, err := d.handle(ctx, env, payload, g, sess, rng)
	if err != nil {
		var engErr *Error
		if errors.As(err, &engErr) && engErr.Code.ErrorClass() != ClassInfra {
			return d.fail(env, engErr), outcome{}, none, nil
		}
		return Result{}, outcome{}, none, err
	}

	result := Result{
		Success: true,
		Kind:    env.Kind,
		Changes: changesFromDeltas(out.deltas),
		Rolls:   out.rolls,
	}
	if out.data != nil {
		encoded, err := json.Marshal(out.data)
		if err != nil {
			return Result{}, outcome{}, none, WrapError(CodeUnknown, "encode result data", err)
		}
		result.Data = encoded
	}

	entryResult, err := json.Marshal(result)
	if err != nil {
		return Result{}, outcome{}, none, WrapError(CodeUnknown, "encode timeline result", err)
	}
	committed, err := d.store.Commit(ctx, storage.CommitRequest{
		StreamID: env.StreamID(),
		Deltas:   out.deltas,
		Entry: game.TimelineEntry{
			StreamID:  env.StreamID(),
			Kind:      string(env.Kind),
			ActorID:   env.ActorID,
			Payload:   env.Payload,
			Result:    entryResult,
			Timestamp: d.now().UTC().Truncate(time.Millisecond),
		},
	})
	if err != nil {
		return Result{}, outcome{}, none, WrapError(CodeStorage, "commit event", err)
	}
	result.Seq = committed.Seq
	return result, out, committed, nil
}

// narrate generates prose for a committed event. Failures fall back to a
// mechanical summary and mark the result degraded; only real prose is
// attached to the timeline.
func (d *Dispatcher) narrate(ctx context.Context, env Envelope, out outcome, entry game.TimelineEntry) (string, bool) {
	req := narration.Request{
		Kind:      string(env.Kind),
		GameID:    env.GameID,
		SessionID: env.SessionID,
		ActorName: out.actor,
		Outcome:   out.summary,
		Success:   true,
	}

	nctx, cancel := context.WithTimeout(ctx, d.narrationTimeout)
	defer cancel()

	snippets, err := d.retriever.Retrieve(nctx, out.summary, string(env.Kind), env.GameID)
	if err != nil {
		log.Printf("narration retrieval failed kind=%s stream=%s err=%v", env.Kind, entry.StreamID, err)
	} else {
		req.Snippets = snippets
	}

	if tail, err := d.store.TimelineTail(nctx, entry.StreamID, d.contextWindow); err == nil {
		for _, prior := range tail {
			if prior.Seq == entry.Seq || prior.Narrative == nil {
				continue
			}
			req.History = append(req.History, *prior.Narrative)
		}
	}

	prose, err := d.narrator.Narrate(nctx, req)
	if err != nil || prose == "" {
		log.Printf("narration degraded kind=%s stream=%s seq=%d err=%v", env.Kind, entry.StreamID, entry.Seq, err)
		return narration.Fallback(req), true
	}

	if err := d.store.AttachNarrative(ctx, entry.StreamID, entry.Seq, prose); err != nil {
		log.Printf("narrative attach failed stream=%s seq=%d err=%v", entry.StreamID, entry.Seq, err)
	}
	return prose, false
}

func (d *Dispatcher) handle(ctx context.Context, env Envelope, payload any, g game.Game, sess game.Session, rng *rand.Rand) (outcome, error) {
	switch env.Kind {
	case KindGameStart:
		return d.handleGameStart(ctx, env, g)
	case KindGameEnd:
		return d.handleGameEnd(ctx, env, g)
	case KindPlayerJoin:
		return d.handlePlayerJoin(ctx, env, g, payload.(*PlayerJoinPayload))
	case KindPlayerLeave:
		return d.handlePlayerLeave(ctx, env, g, payload.(*PlayerLeavePayload))
	case KindSessionStart:
		return d.handleSessionStart(ctx, env, g)
	case KindSessionEnd:
		return d.handleSessionEnd(ctx, env, g)
	case KindSkillCheck:
		return d.handleSkillCheck(ctx, env, g, payload.(*SkillCheckPayload), rng)
	case KindReroll:
		return d.handleReroll(ctx, env, payload.(*RerollPayload), rng)
	case KindAttack:
		return d.handleAttack(ctx, env, g, payload.(*AttackPayload), rng)
	case KindDefend:
		return d.handleDefend(ctx, env, g, payload.(*DefendPayload), rng)
	case KindUsePrintAbility:
		return d.handleUseAbility(ctx, env, payload.(*UsePrintAbilityPayload))
	case KindInitiateComm:
		return d.handleInitiateComm(ctx, env, sess, payload.(*InitiateCommPayload))
	case KindDownloadAbility:
		return d.handleDownloadAbility(ctx, env, sess, payload.(*DownloadAbilityPayload), rng)
	case KindDeepScan:
		return d.handleDeepScan(ctx, env, sess, payload.(*DeepScanPayload))
	case KindAttemptSeize:
		return d.handleAttemptSeize(ctx, env, sess, payload.(*AttemptSeizePayload), rng)
	case KindApplyFragment:
		return d.handleApplyFragment(ctx, env, payload.(*ApplyFragmentPayload))
	case KindHPChange:
		return d.handleHPChange(ctx, env, payload.(*HPChangePayload))
	case KindMoveRegion:
		return d.handleMoveRegion(ctx, env, payload.(*MoveRegionPayload))
	case KindMoveLocation:
		return d.handleMoveLocation(ctx, env, payload.(*MoveLocationPayload))
	}
	return outcome{}, NewError(CodeEventUnknownKind, fmt.Sprintf("unhandled event kind %q", env.Kind))
}

func (d *Dispatcher) fail(env Envelope, err *Error) Result {
	log.Printf("event rejected kind=%s stream=%s code=%s class=%s msg=%s",
		env.Kind, env.StreamID(), err.Code, err.Code.ErrorClass(), err.Message)
	return Failure(env.Kind, err)
}

// lockStream serializes processing per timeline stream. Gapless sequence
// assignment and read-modify-write of character state both depend on it.
func (d *Dispatcher) lockStream(streamID string) func() {
	d.mu.Lock()
	lock, ok := d.streams[streamID]
	if !ok {
		lock = &sync.Mutex{}
		d.streams[streamID] = lock
	}
	d.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// actorGhost loads a ghost and checks it is controlled by the envelope
// actor and not collapsed.
func (d *Dispatcher) actorGhost(ctx context.Context, env Envelope, ghostID string) (game.Ghost, error) {
	ghost, err := d.loadGhost(ctx, env, ghostID)
	if err != nil {
		return game.Ghost{}, err
	}
	if ghost.ControllerPatientID != env.ActorID {
		return game.Ghost{}, ErrorWithMetadata(CodeGhostNotActor,
			"ghost is not controlled by the acting patient",
			map[string]string{"ghost_id": ghostID, "actor_id": env.ActorID})
	}
	if ghost.Collapsed() {
		return game.Ghost{}, ErrorWithMetadata(CodeGhostCollapsed,
			"ghost is collapsed",
			map[string]string{"ghost_id": ghostID})
	}
	return ghost, nil
}

// faces returns the die size for rolls in a game, preferring the per-game
// override over the tuning default.
func (d *Dispatcher) faces(g game.Game) int {
	if g.DiceFaces > 0 {
		return g.DiceFaces
	}
	return d.tuning.DiceFaces
}

// loadPatient resolves a patient scoped to the envelope's game. Patients
// from other games are reported as not found rather than leaked.
func (d *Dispatcher) loadPatient(ctx context.Context, env Envelope, patientID string) (game.Patient, error) {
	patient, err := d.store.Patient(ctx, patientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return game.Patient{}, ErrorWithMetadata(CodeNotFound, "patient not found",
				map[string]string{"entity": "patient", "id": patientID})
		}
		return game.Patient{}, WrapError(CodeStorage, "load patient", err)
	}
	if patient.GameID != env.GameID {
		return game.Patient{}, ErrorWithMetadata(CodeNotFound, "patient not found",
			map[string]string{"entity": "patient", "id": patientID})
	}
	return patient, nil
}

// loadGhost resolves a ghost scoped to the envelope's game, masking
// cross-game references as not found.
func (d *Dispatcher) loadGhost(ctx context.Context, env Envelope, ghostID string) (game.Ghost, error) {
	ghost, err := d.store.Ghost(ctx, ghostID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return game.Ghost{}, ErrorWithMetadata(CodeNotFound, "ghost not found",
				map[string]string{"entity": "ghost", "id": ghostID})
		}
		return game.Ghost{}, WrapError(CodeStorage, "load ghost", err)
	}
	if ghost.GameID != env.GameID {
		return game.Ghost{}, ErrorWithMetadata(CodeNotFound, "ghost not found",
			map[string]string{"entity": "ghost", "id": ghostID})
	}
	return ghost, nil
}
