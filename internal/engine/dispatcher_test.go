package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Xziver/dg-core/internal/game"
	"github.com/Xziver/dg-core/internal/narration"
	"github.com/Xziver/dg-core/internal/storage/memory"
)

// sequentialIDs returns a deterministic id generator for tests.
func sequentialIDs() func() (string, error) {
	n := 0
	return func() (string, error) {
		n++
		return fmt.Sprintf("id-%06d", n), nil
	}
}

type fixture struct {
	store *memory.Store
	d     *Dispatcher
}

// newFixture builds a dispatcher over a seeded in-memory world. The world
// has an active game with an active session, two patients with bound
// ghosts, abilities, a fragment, and a small region graph.
func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	store.SetClock(func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) })

	seed := []error{
		store.PutGame(ctx, game.Game{ID: "game-1", Name: "Ward Nine", Status: game.GameStatusActive, DiceFaces: 6, CreatedBy: "keeper-1"}),
		store.PutGame(ctx, game.Game{ID: "game-2", Name: "Cold Archive", Status: game.GameStatusPreparing, CreatedBy: "keeper-1"}),
		store.PutMember(ctx, game.Member{GameID: "game-1", UserID: "keeper-1", Role: game.RoleKeeper}),
		store.PutMember(ctx, game.Member{GameID: "game-1", UserID: "user-1", Role: game.RolePlayer, ActivePatientID: "pat-1"}),
		store.PutMember(ctx, game.Member{GameID: "game-2", UserID: "keeper-1", Role: game.RoleKeeper}),
		store.PutSession(ctx, game.Session{ID: "sess-1", GameID: "game-1", Status: game.SessionStatusActive}),
		store.PutSession(ctx, game.Session{ID: "sess-2", GameID: "game-1", Status: game.SessionStatusPreparing}),
		store.PutPatient(ctx, game.Patient{
			ID: "pat-1", GameID: "game-1", UserID: "user-1", Name: "Mirei",
			SoulChannel: game.ChannelCyan, RegionID: "reg-1", LocationID: "loc-1",
			Archives: map[game.Channel]string{game.ChannelCyan: "first light over the ward"},
		}),
		store.PutPatient(ctx, game.Patient{
			ID: "pat-2", GameID: "game-1", UserID: "user-2", Name: "Sable",
			SoulChannel: game.ChannelMagenta, RegionID: "reg-1",
			Archives: map[game.Channel]string{game.ChannelMagenta: "a buried name"},
		}),
		store.PutGhost(ctx, game.Ghost{
			ID: "ghost-1", GameID: "game-1", PatientID: "pat-1", ControllerPatientID: "pat-1",
			Name: "Mirei/G", Channels: game.ChannelVector{C: 3, M: 1, K: 6}, HP: 10, HPMax: 10,
		}),
		store.PutGhost(ctx, game.Ghost{
			ID: "ghost-2", GameID: "game-1", PatientID: "pat-2", ControllerPatientID: "pat-2",
			Name: "Sable/G", Channels: game.ChannelVector{M: 2}, HP: 5, HPMax: 8,
		}),
		store.PutAbility(ctx, game.PrintAbility{ID: "ab-1", GhostID: "ghost-1", Name: "Echo Print", Channel: game.ChannelCyan, Uses: 2}),
		store.PutAbility(ctx, game.PrintAbility{ID: "ab-2", GhostID: "ghost-2", Name: "Null Shroud", Channel: game.ChannelMagenta, Uses: 1}),
		store.PutFragment(ctx, game.ColorFragment{ID: "frag-1", GhostID: "ghost-1", Channel: game.ChannelCyan, Value: 1}),
		store.PutRegion(ctx, game.Region{ID: "reg-1", GameID: "game-1", Name: "Inner Ward"}),
		store.PutRegion(ctx, game.Region{ID: "reg-2", GameID: "game-1", Name: "Periphery"}),
		store.PutRegion(ctx, game.Region{ID: "reg-x", GameID: "game-2", Name: "Elsewhere"}),
		store.PutLocation(ctx, game.Location{ID: "loc-1", RegionID: "reg-1", Name: "Atrium"}),
		store.PutLocation(ctx, game.Location{ID: "loc-2", RegionID: "reg-2", Name: "Gatehouse"}),
	}
	for _, err := range seed {
		if err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	cfg := Config{
		Store: store,
		Now:   func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) },
		NewID: sequentialIDs(),
		Seed:  func() (int64, error) { return 1, nil },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{store: store, d: d}
}

// env builds an action envelope for the active session with a fixed seed.
func env(kind Kind, payload any) Envelope {
	e := Envelope{
		Kind:      kind,
		GameID:    "game-1",
		SessionID: "sess-1",
		ActorID:   "pat-1",
		Seed:      7,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		e.Payload = raw
	}
	return e
}

func process(t *testing.T, f *fixture, e Envelope) Result {
	t.Helper()
	result, err := f.d.Process(context.Background(), e)
	if err != nil {
		t.Fatalf("Process(%s): %v", e.Kind, err)
	}
	return result
}

func requireFailure(t *testing.T, result Result, code Code, class Class) {
	t.Helper()
	if result.Success {
		t.Fatalf("expected failure with %s, got success", code)
	}
	if result.Err == nil {
		t.Fatal("expected error descriptor on failed result")
	}
	if result.Err.Code != code {
		t.Errorf("expected code %s, got %s", code, result.Err.Code)
	}
	if result.Err.Class != class {
		t.Errorf("expected class %s, got %s", class, result.Err.Class)
	}
}

func TestProcessRejectsUnknownKind(t *testing.T) {
	f := newFixture(t)
	result := process(t, f, Envelope{Kind: "summon_titan", GameID: "game-1", SessionID: "sess-1", ActorID: "pat-1"})
	requireFailure(t, result, CodeEventUnknownKind, ClassValidation)
}

func TestProcessRejectsMissingFields(t *testing.T) {
	f := newFixture(t)

	result := process(t, f, Envelope{Kind: KindSkillCheck, SessionID: "sess-1", ActorID: "pat-1"})
	requireFailure(t, result, CodeEventMissingGameID, ClassValidation)

	result = process(t, f, Envelope{Kind: KindSkillCheck, GameID: "game-1", ActorID: "pat-1"})
	requireFailure(t, result, CodeEventMissingSession, ClassValidation)

	result = process(t, f, Envelope{Kind: KindSkillCheck, GameID: "game-1", SessionID: "sess-1"})
	requireFailure(t, result, CodeEventMissingActor, ClassValidation)
}

func TestProcessUnknownGame(t *testing.T) {
	f := newFixture(t)
	e := env(KindSkillCheck, SkillCheckPayload{GhostID: "ghost-1", Channel: game.ChannelCyan, Difficulty: 1})
	e.GameID = "nope"
	result := process(t, f, e)
	requireFailure(t, result, CodeNotFound, ClassNotFound)
}

func TestProcessGatesOnSessionStatus(t *testing.T) {
	f := newFixture(t)
	e := env(KindSkillCheck, SkillCheckPayload{GhostID: "ghost-1", Channel: game.ChannelCyan, Difficulty: 1})
	e.SessionID = "sess-2" // still preparing
	result := process(t, f, e)
	requireFailure(t, result, CodeSessionStatusDisallowsOp, ClassState)
}

func TestProcessGatesOnGameStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.PutGame(ctx, game.Game{ID: "game-1", Name: "Ward Nine", Status: game.GameStatusPaused, DiceFaces: 6}); err != nil {
		t.Fatalf("PutGame: %v", err)
	}
	result := process(t, f, env(KindSkillCheck, SkillCheckPayload{GhostID: "ghost-1", Channel: game.ChannelCyan, Difficulty: 1}))
	requireFailure(t, result, CodeGameStatusDisallowsOp, ClassState)
}

// A session from another game must not let events through game-1's gates,
// even when that session is active and game-1 is active.
func TestProcessRejectsCrossGameSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.PutSession(ctx, game.Session{ID: "sess-x", GameID: "game-2", Status: game.SessionStatusActive}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	e := env(KindSkillCheck, SkillCheckPayload{GhostID: "ghost-1", Channel: game.ChannelCyan, Difficulty: 1})
	e.SessionID = "sess-x"
	result := process(t, f, e)
	requireFailure(t, result, CodeSessionWrongGame, ClassState)

	entries, err := f.store.Timeline(ctx, "sess-x", 0, 0)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected nothing committed into the foreign stream, got %d entries", len(entries))
	}
}

func TestSessionEndRejectsCrossGameSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.PutSession(ctx, game.Session{ID: "sess-x", GameID: "game-2", Status: game.SessionStatusActive}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	e := env(KindSessionEnd, nil)
	e.SessionID = "sess-x"
	e.ActorID = "keeper-1"
	result := process(t, f, e)
	requireFailure(t, result, CodeSessionWrongGame, ClassState)
}

// Ghosts and patients from another game resolve as not found so their
// existence does not leak across games.
func TestProcessMasksCrossGameEntities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.PutGhost(ctx, game.Ghost{
		ID: "ghost-x", GameID: "game-2", PatientID: "pat-x", ControllerPatientID: "pat-1",
		Name: "Stray/G", Channels: game.ChannelVector{C: 2}, HP: 6, HPMax: 6,
	}); err != nil {
		t.Fatalf("PutGhost: %v", err)
	}

	result := process(t, f, env(KindSkillCheck, SkillCheckPayload{GhostID: "ghost-x", Channel: game.ChannelCyan, Difficulty: 1}))
	requireFailure(t, result, CodeNotFound, ClassNotFound)

	result = process(t, f, env(KindAttack, AttackPayload{GhostID: "ghost-1", TargetGhostID: "ghost-x", Channel: game.ChannelCyan}))
	requireFailure(t, result, CodeNotFound, ClassNotFound)
}

// Identical envelopes against identical state must produce byte-identical
// mechanical results.
func TestDeterministicReplay(t *testing.T) {
	first := process(t, newFixture(t), env(KindAttack, AttackPayload{
		GhostID: "ghost-1", TargetGhostID: "ghost-2", Channel: game.ChannelCyan,
	}))
	second := process(t, newFixture(t), env(KindAttack, AttackPayload{
		GhostID: "ghost-1", TargetGhostID: "ghost-2", Channel: game.ChannelCyan,
	}))

	if !first.Success || !second.Success {
		t.Fatal("expected both attacks to process")
	}
	if string(first.Data) != string(second.Data) {
		t.Errorf("data diverged:\n%s\n%s", first.Data, second.Data)
	}
	firstRolls, _ := json.Marshal(first.Rolls)
	secondRolls, _ := json.Marshal(second.Rolls)
	if string(firstRolls) != string(secondRolls) {
		t.Errorf("rolls diverged:\n%s\n%s", firstRolls, secondRolls)
	}
	firstChanges, _ := json.Marshal(first.Changes)
	secondChanges, _ := json.Marshal(second.Changes)
	if string(firstChanges) != string(secondChanges) {
		t.Errorf("state changes diverged:\n%s\n%s", firstChanges, secondChanges)
	}
}

func TestDifferentSeedsDiverge(t *testing.T) {
	// With 10 dice, two seeds producing identical sequences would mean the
	// seed is not reaching the generator.
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.PutGhost(ctx, game.Ghost{
		ID: "ghost-1", GameID: "game-1", PatientID: "pat-1", ControllerPatientID: "pat-1",
		Name: "Mirei/G", Channels: game.ChannelVector{C: 10}, HP: 10, HPMax: 10,
	}); err != nil {
		t.Fatalf("PutGhost: %v", err)
	}

	e := env(KindSkillCheck, SkillCheckPayload{GhostID: "ghost-1", Channel: game.ChannelCyan, Difficulty: 1})
	e.Seed = 100
	first := process(t, f, e)

	e.Seed = 200
	second := process(t, f, e)

	a, _ := json.Marshal(first.Rolls[0].Results)
	b, _ := json.Marshal(second.Rolls[0].Results)
	if string(a) == string(b) {
		t.Error("expected different seeds to produce different rolls")
	}
}

// Failed events never append; successful events get contiguous sequence
// numbers starting at 1.
func TestTimelineSeqGapless(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok1 := process(t, f, env(KindSkillCheck, SkillCheckPayload{GhostID: "ghost-1", Channel: game.ChannelCyan, Difficulty: 1}))
	bad := process(t, f, env(KindSkillCheck, SkillCheckPayload{GhostID: "missing", Channel: game.ChannelCyan, Difficulty: 1}))
	ok2 := process(t, f, env(KindHPChange, HPChangePayload{GhostID: "ghost-2", Delta: -1}))
	ok3 := process(t, f, env(KindDefend, DefendPayload{GhostID: "ghost-1", Channel: game.ChannelKey}))

	if !ok1.Success || !ok2.Success || !ok3.Success {
		t.Fatal("expected the three valid events to succeed")
	}
	if bad.Success {
		t.Fatal("expected the ghost-less event to fail")
	}
	if ok1.Seq != 1 || ok2.Seq != 2 || ok3.Seq != 3 {
		t.Errorf("expected seqs 1,2,3 got %d,%d,%d", ok1.Seq, ok2.Seq, ok3.Seq)
	}

	entries, err := f.store.Timeline(ctx, "sess-1", 0, 0)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.Seq != uint64(i+1) {
			t.Errorf("entry %d has seq %d", i, entry.Seq)
		}
	}
}

// A committed entry's result JSON must decode back to the same mechanical
// result the dispatcher returned.
func TestTimelineEntryRoundTrip(t *testing.T) {
	f := newFixture(t)
	result := process(t, f, env(KindAttack, AttackPayload{
		GhostID: "ghost-1", TargetGhostID: "ghost-2", Channel: game.ChannelCyan,
	}))

	entries, err := f.store.Timeline(context.Background(), "sess-1", 0, 0)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	var stored Result
	if err := json.Unmarshal(entries[0].Result, &stored); err != nil {
		t.Fatalf("decode stored result: %v", err)
	}
	if !stored.Success || stored.Kind != KindAttack {
		t.Errorf("stored result lost identity: %+v", stored)
	}
	if string(stored.Data) != string(result.Data) {
		t.Errorf("stored data differs from returned data")
	}
	if len(stored.Rolls) != len(result.Rolls) {
		t.Errorf("stored rolls differ: %d vs %d", len(stored.Rolls), len(result.Rolls))
	}
	if len(stored.Changes) != len(result.Changes) {
		t.Errorf("stored changes differ: %d vs %d", len(stored.Changes), len(result.Changes))
	}
}

// Concurrent submissions on one session must serialize into a gapless
// sequence with every seq assigned exactly once.
func TestConcurrentSubmissionsKeepSeqGapless(t *testing.T) {
	f := newFixture(t)
	const n = 16

	var wg sync.WaitGroup
	var mu sync.Mutex
	seqs := make(map[uint64]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.d.Process(context.Background(), env(KindSkillCheck, SkillCheckPayload{
				GhostID: "ghost-1", Channel: game.ChannelCyan, Difficulty: 1,
			}))
			if err != nil {
				t.Errorf("Process: %v", err)
				return
			}
			if !result.Success {
				t.Errorf("event rejected: %+v", result.Err)
				return
			}
			mu.Lock()
			seqs[result.Seq]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for want := uint64(1); want <= n; want++ {
		if seqs[want] != 1 {
			t.Errorf("seq %d assigned %d times", want, seqs[want])
		}
	}

	entries, err := f.store.Timeline(context.Background(), "sess-1", 0, 0)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d entries, got %d", n, len(entries))
	}
	for i, entry := range entries {
		if entry.Seq != uint64(i+1) {
			t.Errorf("entry %d has seq %d", i, entry.Seq)
		}
	}
}

type stubNarrator struct {
	prose string
	err   error
}

func (s stubNarrator) Narrate(ctx context.Context, req narration.Request) (string, error) {
	return s.prose, s.err
}

// blockingNarrator never answers; it only returns once its context is
// cancelled.
type blockingNarrator struct{}

func (blockingNarrator) Narrate(ctx context.Context, req narration.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// gatedNarrator parks its first call until released; later calls answer
// immediately.
type gatedNarrator struct {
	mu      sync.Mutex
	called  bool
	entered chan struct{}
	release chan struct{}
}

func (n *gatedNarrator) Narrate(ctx context.Context, req narration.Request) (string, error) {
	n.mu.Lock()
	first := !n.called
	n.called = true
	n.mu.Unlock()
	if first {
		close(n.entered)
		select {
		case <-n.release:
		case <-ctx.Done():
		}
	}
	return "A thin tone hangs in the air.", nil
}

func TestNarrationDegradedFallback(t *testing.T) {
	// Default narrator is a nop that always fails; mechanics must commit
	// anyway and the fallback text must not be persisted.
	f := newFixture(t)
	result := process(t, f, env(KindSkillCheck, SkillCheckPayload{GhostID: "ghost-1", Channel: game.ChannelCyan, Difficulty: 1}))

	if !result.Success {
		t.Fatal("expected mechanics to commit despite narration failure")
	}
	if !result.NarrationDegraded {
		t.Error("expected degraded narration flag")
	}
	if result.Narrative == "" {
		t.Error("expected a fallback narrative")
	}

	entries, err := f.store.Timeline(context.Background(), "sess-1", 0, 0)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if entries[0].Narrative != nil {
		t.Errorf("degraded narrative must not persist, got %q", *entries[0].Narrative)
	}
}

func TestNarrationAttached(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Narrator = stubNarrator{prose: "Static parts around her like a curtain."}
	})
	result := process(t, f, env(KindSkillCheck, SkillCheckPayload{GhostID: "ghost-1", Channel: game.ChannelCyan, Difficulty: 1}))

	if result.NarrationDegraded {
		t.Error("expected narration to succeed")
	}
	if result.Narrative != "Static parts around her like a curtain." {
		t.Errorf("unexpected narrative %q", result.Narrative)
	}

	entries, err := f.store.Timeline(context.Background(), "sess-1", 0, 0)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if entries[0].Narrative == nil || *entries[0].Narrative != result.Narrative {
		t.Error("expected narrative to be attached to the entry")
	}
}

// A narrator that stalls indefinitely is cut off at the timeout; the event
// still commits and degrades to the mechanical fallback.
func TestNarrationTimeoutDegrades(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Narrator = blockingNarrator{}
		cfg.NarrationTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	result := process(t, f, env(KindSkillCheck, SkillCheckPayload{GhostID: "ghost-1", Channel: game.ChannelCyan, Difficulty: 1}))
	elapsed := time.Since(start)

	if !result.Success {
		t.Fatal("expected mechanics to commit despite the stalled narrator")
	}
	if !result.NarrationDegraded {
		t.Error("expected degraded narration flag")
	}
	if result.Narrative == "" {
		t.Error("expected a fallback narrative")
	}
	if elapsed > 2*time.Second {
		t.Errorf("narration was not cut off by the timeout, took %s", elapsed)
	}

	entries, err := f.store.Timeline(context.Background(), "sess-1", 0, 0)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if entries[0].Narrative != nil {
		t.Errorf("degraded narrative must not persist, got %q", *entries[0].Narrative)
	}
}

// While one event sits in narration, the next event on the same session
// must be able to resolve and commit.
func TestNarrationDoesNotHoldStreamLock(t *testing.T) {
	narrator := &gatedNarrator{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, func(cfg *Config) {
		cfg.Narrator = narrator
		cfg.NarrationTimeout = 10 * time.Second
	})

	done := make(chan Result, 1)
	go func() {
		result, err := f.d.Process(context.Background(), env(KindSkillCheck, SkillCheckPayload{
			GhostID: "ghost-1", Channel: game.ChannelCyan, Difficulty: 1,
		}))
		if err != nil {
			t.Errorf("Process: %v", err)
		}
		done <- result
	}()

	<-narrator.entered

	// First event is parked in the narrator. If the stream lock were still
	// held this call would deadlock instead of committing seq 2.
	second := process(t, f, env(KindHPChange, HPChangePayload{GhostID: "ghost-2", Delta: -1}))
	if !second.Success {
		t.Fatalf("second event rejected: %+v", second.Err)
	}
	if second.Seq != 2 {
		t.Errorf("second event seq = %d, want 2", second.Seq)
	}

	close(narrator.release)
	first := <-done
	if !first.Success {
		t.Fatalf("first event rejected: %+v", first.Err)
	}
	if first.Seq != 1 {
		t.Errorf("first event seq = %d, want 1", first.Seq)
	}
}
