package game

import "fmt"

// PermanentBuff marks a buff that never ticks down.
const PermanentBuff = -1

// Buff is a timed modifier on a ghost's checks. Buffs are keeper-set
// through the admin surface; checks consume them and tick their remaining
// rounds down, pruning anything that expires.
type Buff struct {
	ID      string
	GhostID string
	Name    string
	// Channel, when set, shifts the effective value of that channel before
	// the dice count is derived. ChannelShift may be negative.
	Channel      Channel
	ChannelShift int
	// Modifier is added flat to the roll total.
	Modifier int
	// RemainingRounds counts down once per check. PermanentBuff never
	// expires.
	RemainingRounds int
}

// Permanent reports whether the buff survives ticking.
func (b Buff) Permanent() bool {
	return b.RemainingRounds == PermanentBuff
}

// Validate checks the buff invariants: a holder, a name, and a round
// counter that is either positive or permanent.
func (b Buff) Validate() error {
	if b.GhostID == "" {
		return fmt.Errorf("buff %s: ghost_id is required", b.ID)
	}
	if b.Name == "" {
		return fmt.Errorf("buff %s: name is required", b.ID)
	}
	if b.RemainingRounds != PermanentBuff && b.RemainingRounds <= 0 {
		return fmt.Errorf("buff %s: remaining_rounds must be positive or permanent, got %d", b.ID, b.RemainingRounds)
	}
	if b.ChannelShift != 0 && b.Channel == "" {
		return fmt.Errorf("buff %s: channel_shift requires a channel", b.ID)
	}
	return nil
}

// ApplyBuffs folds the active buffs into a check in one channel. The
// effective channel value never drops below zero; the flat modifier is the
// sum of every buff's Modifier regardless of channel.
func ApplyBuffs(buffs []Buff, ch Channel, value int) (effective, flat int) {
	effective = value
	for _, b := range buffs {
		if b.Channel == ch {
			effective += b.ChannelShift
		}
		flat += b.Modifier
	}
	if effective < 0 {
		effective = 0
	}
	return effective, flat
}
