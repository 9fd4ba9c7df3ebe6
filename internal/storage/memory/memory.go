// Package memory provides an in-memory Store for tests and single-process
// deployments. All methods are safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Xziver/dg-core/internal/game"
	"github.com/Xziver/dg-core/internal/storage"
)

// Store keeps all engine state in process memory.
type Store struct {
	mu        sync.RWMutex
	games     map[string]game.Game
	members   map[string]map[string]game.Member
	sessions  map[string]game.Session
	patients  map[string]game.Patient
	ghosts    map[string]game.Ghost
	abilities map[string]game.PrintAbility
	fragments map[string]game.ColorFragment
	buffs     map[string]game.Buff
	links     map[string]game.CommLink
	regions   map[string]game.Region
	locations map[string]game.Location
	timelines map[string][]game.TimelineEntry

	now func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		games:     make(map[string]game.Game),
		members:   make(map[string]map[string]game.Member),
		sessions:  make(map[string]game.Session),
		patients:  make(map[string]game.Patient),
		ghosts:    make(map[string]game.Ghost),
		abilities: make(map[string]game.PrintAbility),
		fragments: make(map[string]game.ColorFragment),
		buffs:     make(map[string]game.Buff),
		links:     make(map[string]game.CommLink),
		regions:   make(map[string]game.Region),
		locations: make(map[string]game.Location),
		timelines: make(map[string][]game.TimelineEntry),
		now:       time.Now,
	}
}

// SetClock overrides the clock used for redemption timestamps. Test helper.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) Game(ctx context.Context, id string) (game.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.games[id]
	if !ok {
		return game.Game{}, storage.ErrNotFound
	}
	return g, nil
}

func (s *Store) Member(ctx context.Context, gameID, userID string) (game.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[gameID][userID]
	if !ok {
		return game.Member{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) Members(ctx context.Context, gameID string) ([]game.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roster := make([]game.Member, 0, len(s.members[gameID]))
	for _, m := range s.members[gameID] {
		roster = append(roster, m)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].UserID < roster[j].UserID })
	return roster, nil
}

func (s *Store) Session(ctx context.Context, id string) (game.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return game.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

func (s *Store) ActiveSession(ctx context.Context, gameID string) (game.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.GameID == gameID && sess.Status == game.SessionStatusActive {
			return sess, nil
		}
	}
	return game.Session{}, storage.ErrNotFound
}

func (s *Store) Patient(ctx context.Context, id string) (game.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return game.Patient{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) Ghost(ctx context.Context, id string) (game.Ghost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.ghosts[id]
	if !ok {
		return game.Ghost{}, storage.ErrNotFound
	}
	return g, nil
}

func (s *Store) GhostByPatient(ctx context.Context, patientID string) (game.Ghost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.ghosts {
		if g.PatientID == patientID {
			return g, nil
		}
	}
	return game.Ghost{}, storage.ErrNotFound
}

func (s *Store) GhostsByGame(ctx context.Context, gameID string) ([]game.Ghost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ghosts []game.Ghost
	for _, g := range s.ghosts {
		if g.GameID == gameID {
			ghosts = append(ghosts, g)
		}
	}
	sort.Slice(ghosts, func(i, j int) bool { return ghosts[i].ID < ghosts[j].ID })
	return ghosts, nil
}

func (s *Store) Ability(ctx context.Context, id string) (game.PrintAbility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.abilities[id]
	if !ok {
		return game.PrintAbility{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) Abilities(ctx context.Context, ghostID string) ([]game.PrintAbility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var owned []game.PrintAbility
	for _, a := range s.abilities {
		if a.GhostID == ghostID {
			owned = append(owned, a)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].ID < owned[j].ID })
	return owned, nil
}

func (s *Store) Fragment(ctx context.Context, id string) (game.ColorFragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fragments[id]
	if !ok {
		return game.ColorFragment{}, storage.ErrNotFound
	}
	return f, nil
}

func (s *Store) Buffs(ctx context.Context, ghostID string) ([]game.Buff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []game.Buff
	for _, b := range s.buffs {
		if b.GhostID == ghostID {
			active = append(active, b)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

func (s *Store) CommLink(ctx context.Context, id string) (game.CommLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[id]
	if !ok {
		return game.CommLink{}, storage.ErrNotFound
	}
	return l, nil
}

func (s *Store) OpenCommLink(ctx context.Context, sessionID, ghostA, ghostB string) (game.CommLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.links {
		if l.SessionID != sessionID || l.Status != game.CommStatusOpen {
			continue
		}
		if (l.InitiatorGhostID == ghostA && l.TargetGhostID == ghostB) ||
			(l.InitiatorGhostID == ghostB && l.TargetGhostID == ghostA) {
			return l, nil
		}
	}
	return game.CommLink{}, storage.ErrNotFound
}

func (s *Store) OpenCommLinks(ctx context.Context, sessionID string) ([]game.CommLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var open []game.CommLink
	for _, l := range s.links {
		if l.SessionID == sessionID && l.Status == game.CommStatusOpen {
			open = append(open, l)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open, nil
}

func (s *Store) Region(ctx context.Context, id string) (game.Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[id]
	if !ok {
		return game.Region{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *Store) Location(ctx context.Context, id string) (game.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locations[id]
	if !ok {
		return game.Location{}, storage.ErrNotFound
	}
	return l, nil
}

// Commit applies the deltas and appends the entry under one lock, assigning
// the next gapless sequence number for the stream.
func (s *Store) Commit(ctx context.Context, req storage.CommitRequest) (game.TimelineEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every delta before applying any so a bad batch leaves the
	// store untouched.
	for _, delta := range req.Deltas {
		if err := s.validateDelta(delta); err != nil {
			return game.TimelineEntry{}, err
		}
	}
	for _, delta := range req.Deltas {
		s.applyDelta(delta)
	}

	entry := req.Entry
	entry.StreamID = req.StreamID
	entry.Seq = uint64(len(s.timelines[req.StreamID])) + 1
	s.timelines[req.StreamID] = append(s.timelines[req.StreamID], entry)
	return entry, nil
}

func (s *Store) validateDelta(delta game.Delta) error {
	switch d := delta.(type) {
	case game.GameStatusDelta:
		if _, ok := s.games[d.GameID]; !ok {
			return fmt.Errorf("game %s: %w", d.GameID, storage.ErrNotFound)
		}
	case game.SessionStatusDelta:
		if _, ok := s.sessions[d.SessionID]; !ok {
			return fmt.Errorf("session %s: %w", d.SessionID, storage.ErrNotFound)
		}
	case game.GhostHPDelta:
		if _, ok := s.ghosts[d.GhostID]; !ok {
			return fmt.Errorf("ghost %s: %w", d.GhostID, storage.ErrNotFound)
		}
	case game.GhostGuardDelta:
		if _, ok := s.ghosts[d.GhostID]; !ok {
			return fmt.Errorf("ghost %s: %w", d.GhostID, storage.ErrNotFound)
		}
	case game.ChannelDelta:
		if _, ok := s.ghosts[d.GhostID]; !ok {
			return fmt.Errorf("ghost %s: %w", d.GhostID, storage.ErrNotFound)
		}
	case game.AbilityUseDelta:
		if _, ok := s.abilities[d.AbilityID]; !ok {
			return fmt.Errorf("ability %s: %w", d.AbilityID, storage.ErrNotFound)
		}
	case game.FragmentRedeemDelta:
		if _, ok := s.fragments[d.FragmentID]; !ok {
			return fmt.Errorf("fragment %s: %w", d.FragmentID, storage.ErrNotFound)
		}
	case game.BuffRoundsDelta:
		if _, ok := s.buffs[d.BuffID]; !ok {
			return fmt.Errorf("buff %s: %w", d.BuffID, storage.ErrNotFound)
		}
	case game.GhostControlDelta:
		if _, ok := s.ghosts[d.GhostID]; !ok {
			return fmt.Errorf("ghost %s: %w", d.GhostID, storage.ErrNotFound)
		}
	case game.CommCloseDelta:
		if _, ok := s.links[d.LinkID]; !ok {
			return fmt.Errorf("comm link %s: %w", d.LinkID, storage.ErrNotFound)
		}
	case game.PatientPositionDelta:
		if _, ok := s.patients[d.PatientID]; !ok {
			return fmt.Errorf("patient %s: %w", d.PatientID, storage.ErrNotFound)
		}
	case game.MemberAddDelta, game.MemberRemoveDelta, game.AbilityGrantDelta,
		game.FragmentGrantDelta, game.CommOpenDelta:
		// Inserts and removals have no existence precondition.
	default:
		return fmt.Errorf("unknown delta shape %T", delta)
	}
	return nil
}

func (s *Store) applyDelta(delta game.Delta) {
	switch d := delta.(type) {
	case game.GameStatusDelta:
		g := s.games[d.GameID]
		g.Status = d.To
		s.games[d.GameID] = g
	case game.SessionStatusDelta:
		sess := s.sessions[d.SessionID]
		sess.Status = d.To
		s.sessions[d.SessionID] = sess
	case game.MemberAddDelta:
		roster, ok := s.members[d.Member.GameID]
		if !ok {
			roster = make(map[string]game.Member)
			s.members[d.Member.GameID] = roster
		}
		roster[d.Member.UserID] = d.Member
	case game.MemberRemoveDelta:
		delete(s.members[d.GameID], d.UserID)
	case game.GhostHPDelta:
		g := s.ghosts[d.GhostID]
		g.HP = d.To
		s.ghosts[d.GhostID] = g
	case game.GhostGuardDelta:
		g := s.ghosts[d.GhostID]
		g.Guard = d.To
		s.ghosts[d.GhostID] = g
	case game.ChannelDelta:
		g := s.ghosts[d.GhostID]
		g.Channels.Set(d.Channel, d.To)
		s.ghosts[d.GhostID] = g
	case game.AbilityUseDelta:
		a := s.abilities[d.AbilityID]
		a.Uses = d.To
		s.abilities[d.AbilityID] = a
	case game.AbilityGrantDelta:
		s.abilities[d.Ability.ID] = d.Ability
	case game.FragmentGrantDelta:
		s.fragments[d.Fragment.ID] = d.Fragment
	case game.FragmentRedeemDelta:
		f := s.fragments[d.FragmentID]
		redeemedAt := s.now().UTC()
		f.Redeemed = true
		f.RedeemedAt = &redeemedAt
		s.fragments[d.FragmentID] = f
	case game.BuffRoundsDelta:
		if d.To <= 0 {
			delete(s.buffs, d.BuffID)
			break
		}
		b := s.buffs[d.BuffID]
		b.RemainingRounds = d.To
		s.buffs[d.BuffID] = b
	case game.GhostControlDelta:
		g := s.ghosts[d.GhostID]
		g.ControllerPatientID = d.To
		s.ghosts[d.GhostID] = g
	case game.CommOpenDelta:
		s.links[d.Link.ID] = d.Link
	case game.CommCloseDelta:
		l := s.links[d.LinkID]
		l.Status = game.CommStatusClosed
		s.links[d.LinkID] = l
	case game.PatientPositionDelta:
		p := s.patients[d.PatientID]
		switch d.Field {
		case game.PositionRegion:
			p.RegionID = d.To
		case game.PositionLocation:
			p.LocationID = d.To
		}
		s.patients[d.PatientID] = p
	}
}

// AttachNarrative sets the narrative on an existing entry once.
func (s *Store) AttachNarrative(ctx context.Context, streamID string, seq uint64, narrative string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.timelines[streamID]
	if seq == 0 || seq > uint64(len(entries)) {
		return storage.ErrNotFound
	}
	entry := &entries[seq-1]
	if entry.Narrative != nil {
		return fmt.Errorf("entry %s/%d already has a narrative", streamID, seq)
	}
	entry.Narrative = &narrative
	return nil
}

func (s *Store) Timeline(ctx context.Context, streamID string, limit, offset int) ([]game.TimelineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.timelines[streamID]
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	out := make([]game.TimelineEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) TimelineTail(ctx context.Context, streamID string, n int) ([]game.TimelineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.timelines[streamID]
	if n < len(entries) {
		entries = entries[len(entries)-n:]
	}
	out := make([]game.TimelineEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) PutGame(ctx context.Context, g game.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games[g.ID] = g
	return nil
}

func (s *Store) PutMember(ctx context.Context, m game.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster, ok := s.members[m.GameID]
	if !ok {
		roster = make(map[string]game.Member)
		s.members[m.GameID] = roster
	}
	roster[m.UserID] = m
	return nil
}

func (s *Store) DeleteMember(ctx context.Context, gameID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[gameID], userID)
	return nil
}

func (s *Store) PutSession(ctx context.Context, sess game.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) PutPatient(ctx context.Context, p game.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
	return nil
}

func (s *Store) PutGhost(ctx context.Context, g game.Ghost) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ghosts[g.ID] = g
	return nil
}

func (s *Store) PutAbility(ctx context.Context, a game.PrintAbility) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abilities[a.ID] = a
	return nil
}

func (s *Store) PutFragment(ctx context.Context, f game.ColorFragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fragments[f.ID] = f
	return nil
}

func (s *Store) PutBuff(ctx context.Context, b game.Buff) error {
	if err := b.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffs[b.ID] = b
	return nil
}

func (s *Store) PutRegion(ctx context.Context, r game.Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[r.ID] = r
	return nil
}

func (s *Store) PutLocation(ctx context.Context, l game.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[l.ID] = l
	return nil
}
