package game

import (
	"fmt"
	"time"
)

// Patient is a human-origin identity. Its per-channel archives are private:
// they are never exposed through a ghost's public read path and only leave
// this struct through an explicit deep-scan reveal.
type Patient struct {
	ID          string
	GameID      string
	UserID      string
	Name        string
	SoulChannel Channel
	Identity    string
	RegionID    string
	LocationID  string
	Archives    map[Channel]string
	CreatedAt   time.Time
}

// Archive returns the private archive segment for a channel.
func (p Patient) Archive(ch Channel) (string, bool) {
	text, ok := p.Archives[ch]
	return text, ok
}

// Ghost is the playable combat entity bound 1:1 to a patient.
type Ghost struct {
	ID        string
	GameID    string
	PatientID string
	// ControllerPatientID changes when a seize attempt transfers control.
	// It starts equal to PatientID.
	ControllerPatientID string
	Name                string
	Channels            ChannelVector
	HP                  int
	HPMax               int
	// Guard is a pending defensive reduction. It absorbs damage from the
	// next resolved attack and is cleared when consumed or at session end.
	Guard     int
	CreatedAt time.Time
}

// Collapsed reports whether the ghost is in the terminal collapse sub-state.
// A collapsed ghost cannot act or be targeted by action-class events until
// an explicit recovery raises its HP above zero.
func (g Ghost) Collapsed() bool {
	return g.HP <= 0
}

// ClampHP bounds a proposed HP value to [0, HPMax].
func (g Ghost) ClampHP(hp int) int {
	if hp < 0 {
		return 0
	}
	if hp > g.HPMax {
		return g.HPMax
	}
	return hp
}

// Validate checks the ghost invariants: 0 <= HP <= HPMax, every channel
// value >= 0, and Guard >= 0.
func (g Ghost) Validate() error {
	if g.HPMax <= 0 {
		return fmt.Errorf("ghost %s: hp_max must be positive, got %d", g.ID, g.HPMax)
	}
	if g.HP < 0 || g.HP > g.HPMax {
		return fmt.Errorf("ghost %s: hp %d outside [0, %d]", g.ID, g.HP, g.HPMax)
	}
	for _, ch := range Channels() {
		if g.Channels.Value(ch) < 0 {
			return fmt.Errorf("ghost %s: channel %s is negative", g.ID, ch)
		}
	}
	if g.Guard < 0 {
		return fmt.Errorf("ghost %s: guard is negative", g.ID)
	}
	return nil
}

// PrintAbility is a named consumable capability bound to a ghost. Uses only
// decrease through successful consumption and never go negative.
type PrintAbility struct {
	ID      string
	GhostID string
	Name    string
	Channel Channel
	Uses    int
}

// ColorFragment is a discrete resource unit tagged with one channel. It is
// awarded by events and redeemed once to raise the holder's channel value.
type ColorFragment struct {
	ID         string
	GhostID    string
	Channel    Channel
	Value      int
	Redeemed   bool
	RedeemedAt *time.Time
}

// CommStatus is the state of a communication link.
type CommStatus string

const (
	CommStatusOpen   CommStatus = "open"
	CommStatusClosed CommStatus = "closed"
)

// CommLink is a transient interaction channel between two ghosts within a
// session. Two-party operations (download, deep scan, seize) require an
// open link.
type CommLink struct {
	ID               string
	SessionID        string
	InitiatorGhostID string
	TargetGhostID    string
	Status           CommStatus
	CreatedAt        time.Time
}
