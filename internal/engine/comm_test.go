package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Xziver/dg-core/internal/game"
)

// openLinkFor opens a link from ghost-1 to ghost-2 through the event
// pipeline and returns its id.
func openLinkFor(t *testing.T, f *fixture) string {
	t.Helper()
	result := process(t, f, env(KindInitiateComm, InitiateCommPayload{
		GhostID: "ghost-1", TargetGhostID: "ghost-2",
	}))
	if !result.Success {
		t.Fatalf("expected initiate_comm to succeed: %+v", result.Err)
	}
	var data InitiateCommData
	if err := json.Unmarshal(result.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return data.LinkID
}

func TestInitiateCommOpensLink(t *testing.T) {
	f := newFixture(t)
	linkID := openLinkFor(t, f)

	link, err := f.store.CommLink(context.Background(), linkID)
	if err != nil {
		t.Fatalf("CommLink: %v", err)
	}
	if link.Status != game.CommStatusOpen {
		t.Errorf("expected open link, got %s", link.Status)
	}
	if link.InitiatorGhostID != "ghost-1" || link.TargetGhostID != "ghost-2" {
		t.Errorf("unexpected parties: %+v", link)
	}

	// A second link for the same pair in the same session is refused.
	result := process(t, f, env(KindInitiateComm, InitiateCommPayload{
		GhostID: "ghost-1", TargetGhostID: "ghost-2",
	}))
	requireFailure(t, result, CodeCommLinkExists, ClassRuleViolation)
}

func TestInitiateCommRequiresSoulChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// pat-3's soul channel is Yellow; ghost-1 has Y=0 and cannot tune in.
	if err := f.store.PutPatient(ctx, game.Patient{
		ID: "pat-3", GameID: "game-1", UserID: "user-3", Name: "Vess",
		SoulChannel: game.ChannelYellow,
	}); err != nil {
		t.Fatalf("PutPatient: %v", err)
	}
	if err := f.store.PutGhost(ctx, game.Ghost{
		ID: "ghost-3", GameID: "game-1", PatientID: "pat-3", ControllerPatientID: "pat-3",
		Name: "Vess/G", HP: 6, HPMax: 6,
	}); err != nil {
		t.Fatalf("PutGhost: %v", err)
	}

	result := process(t, f, env(KindInitiateComm, InitiateCommPayload{
		GhostID: "ghost-1", TargetGhostID: "ghost-3",
	}))
	requireFailure(t, result, CodeCommChannelClosed, ClassRuleViolation)
}

func TestDownloadAbilityCopiesOnSuccess(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		tuning := game.DefaultTuning()
		tuning.DownloadDifficulty = 1 // cannot fail
		cfg.Tuning = tuning
	})
	linkID := openLinkFor(t, f)

	result := process(t, f, env(KindDownloadAbility, DownloadAbilityPayload{
		GhostID: "ghost-1", LinkID: linkID, AbilityID: "ab-2",
	}))
	if !result.Success {
		t.Fatalf("expected download to process: %+v", result.Err)
	}

	var data DownloadAbilityData
	if err := json.Unmarshal(result.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.NewAbilityID == "" {
		t.Fatal("expected a copied ability id")
	}

	copied, err := f.store.Ability(context.Background(), data.NewAbilityID)
	if err != nil {
		t.Fatalf("Ability: %v", err)
	}
	if copied.GhostID != "ghost-1" || copied.Name != "Null Shroud" || copied.Uses != 1 {
		t.Errorf("unexpected copy: %+v", copied)
	}

	// Downloading the same ability again is refused by name.
	second := process(t, f, env(KindDownloadAbility, DownloadAbilityPayload{
		GhostID: "ghost-1", LinkID: linkID, AbilityID: "ab-2",
	}))
	requireFailure(t, second, CodeAbilityAlreadyKnown, ClassRuleViolation)
}

func TestDownloadAbilityFailureGrantsNothing(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		tuning := game.DefaultTuning()
		tuning.DownloadDifficulty = 9999
		cfg.Tuning = tuning
	})
	linkID := openLinkFor(t, f)

	result := process(t, f, env(KindDownloadAbility, DownloadAbilityPayload{
		GhostID: "ghost-1", LinkID: linkID, AbilityID: "ab-2",
	}))
	if !result.Success {
		t.Fatalf("expected download to process: %+v", result.Err)
	}
	if result.Rolls[0].Success {
		t.Fatal("expected the check to fail")
	}
	if len(result.Changes) != 0 {
		t.Errorf("expected no state changes, got %d", len(result.Changes))
	}

	owned, err := f.store.Abilities(context.Background(), "ghost-1")
	if err != nil {
		t.Fatalf("Abilities: %v", err)
	}
	if len(owned) != 1 {
		t.Errorf("expected only the original ability, got %d", len(owned))
	}
}

func TestDownloadRequiresOpenLink(t *testing.T) {
	f := newFixture(t)
	result := process(t, f, env(KindDownloadAbility, DownloadAbilityPayload{
		GhostID: "ghost-1", LinkID: "nope", AbilityID: "ab-2",
	}))
	requireFailure(t, result, CodeNotFound, ClassNotFound)
}

func TestDeepScanRevealsArchive(t *testing.T) {
	f := newFixture(t)
	linkID := openLinkFor(t, f)

	result := process(t, f, env(KindDeepScan, DeepScanPayload{
		GhostID: "ghost-1", LinkID: linkID, Channel: game.ChannelMagenta,
	}))
	if !result.Success {
		t.Fatalf("expected deep_scan to process: %+v", result.Err)
	}

	var data DeepScanData
	if err := json.Unmarshal(result.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Archive != "a buried name" {
		t.Errorf("expected pat-2's magenta archive, got %q", data.Archive)
	}
	if len(result.Changes) != 0 {
		t.Errorf("deep_scan is read-only, got %d changes", len(result.Changes))
	}
}

func TestDeepScanThirdPartyRefused(t *testing.T) {
	f := newFixture(t)
	linkID := openLinkFor(t, f)
	ctx := context.Background()
	if err := f.store.PutPatient(ctx, game.Patient{ID: "pat-3", GameID: "game-1", Name: "Vess", SoulChannel: game.ChannelYellow}); err != nil {
		t.Fatalf("PutPatient: %v", err)
	}
	if err := f.store.PutGhost(ctx, game.Ghost{
		ID: "ghost-3", GameID: "game-1", PatientID: "pat-3", ControllerPatientID: "pat-3",
		Name: "Vess/G", HP: 6, HPMax: 6,
	}); err != nil {
		t.Fatalf("PutGhost: %v", err)
	}

	e := env(KindDeepScan, DeepScanPayload{GhostID: "ghost-3", LinkID: linkID, Channel: game.ChannelMagenta})
	e.ActorID = "pat-3"
	result := process(t, f, e)
	requireFailure(t, result, CodeCommLinkNotAddressed, ClassRuleViolation)
}

func TestAttemptSeizeTransfersControl(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		tuning := game.DefaultTuning()
		tuning.SeizeControlMargin = 1 // any strict win transfers control
		cfg.Tuning = tuning
	})
	ctx := context.Background()
	// Soul channel M: initiator rolls 7 dice (total >= 7), target M=0
	// rolls one die (total <= 6), so the initiator always wins strictly.
	seedSeizeGhosts(t, f)
	linkID := openLinkFor(t, f)

	result := process(t, f, env(KindAttemptSeize, AttemptSeizePayload{GhostID: "ghost-1", LinkID: linkID}))
	if !result.Success {
		t.Fatalf("expected seize to process: %+v", result.Err)
	}
	if len(result.Rolls) != 2 {
		t.Fatalf("expected both parties on record, got %d rolls", len(result.Rolls))
	}

	var data AttemptSeizeData
	if err := json.Unmarshal(result.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if !data.Seized {
		t.Fatalf("expected control transfer, got %+v", data)
	}

	target, err := f.store.Ghost(ctx, "ghost-2")
	if err != nil {
		t.Fatalf("Ghost: %v", err)
	}
	if target.ControllerPatientID != "pat-1" {
		t.Errorf("expected controller pat-1, got %s", target.ControllerPatientID)
	}
}

func TestAttemptSeizeNarrowWinDamages(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		tuning := game.DefaultTuning()
		tuning.SeizeControlMargin = 9999 // wins never reach the margin
		cfg.Tuning = tuning
	})
	ctx := context.Background()
	seedSeizeGhosts(t, f)
	linkID := openLinkFor(t, f)

	result := process(t, f, env(KindAttemptSeize, AttemptSeizePayload{GhostID: "ghost-1", LinkID: linkID}))
	if !result.Success {
		t.Fatalf("expected seize to process: %+v", result.Err)
	}

	var data AttemptSeizeData
	if err := json.Unmarshal(result.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Seized {
		t.Fatal("expected the win to fall short of the control margin")
	}
	if data.PenaltyDamage != 2 {
		t.Errorf("expected seize penalty 2, got %d", data.PenaltyDamage)
	}

	target, err := f.store.Ghost(ctx, "ghost-2")
	if err != nil {
		t.Fatalf("Ghost: %v", err)
	}
	if target.HP != 3 {
		t.Errorf("expected hp 3 after penalty, got %d", target.HP)
	}
	if target.ControllerPatientID != "pat-2" {
		t.Errorf("control must not transfer, got %s", target.ControllerPatientID)
	}
}

// seedSeizeGhosts reshapes the fixture so the seize contest is decided by
// dice counts alone: initiator M=7 vs target M=0 on soul channel M.
func seedSeizeGhosts(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.PutGhost(ctx, game.Ghost{
		ID: "ghost-1", GameID: "game-1", PatientID: "pat-1", ControllerPatientID: "pat-1",
		Name: "Mirei/G", Channels: game.ChannelVector{C: 3, M: 7}, HP: 10, HPMax: 10,
	}); err != nil {
		t.Fatalf("PutGhost: %v", err)
	}
	if err := f.store.PutGhost(ctx, game.Ghost{
		ID: "ghost-2", GameID: "game-1", PatientID: "pat-2", ControllerPatientID: "pat-2",
		Name: "Sable/G", HP: 5, HPMax: 8,
	}); err != nil {
		t.Fatalf("PutGhost: %v", err)
	}
}
