package game

import (
	"fmt"
	"strings"
)

// Channel is one of the four bounded attribute dimensions shared by ghosts
// and patients.
type Channel string

const (
	ChannelCyan    Channel = "C"
	ChannelMagenta Channel = "M"
	ChannelYellow  Channel = "Y"
	ChannelKey     Channel = "K"
)

// Channels lists every channel in canonical order.
func Channels() []Channel {
	return []Channel{ChannelCyan, ChannelMagenta, ChannelYellow, ChannelKey}
}

// ParseChannel normalizes a channel letter. It accepts lowercase input.
func ParseChannel(raw string) (Channel, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "C":
		return ChannelCyan, nil
	case "M":
		return ChannelMagenta, nil
	case "Y":
		return ChannelYellow, nil
	case "K":
		return ChannelKey, nil
	default:
		return "", fmt.Errorf("unknown channel %q", raw)
	}
}

// ChannelVector holds a ghost's four attribute values. Every value is
// non-negative; Set clamps below at zero.
type ChannelVector struct {
	C int `json:"c"`
	M int `json:"m"`
	Y int `json:"y"`
	K int `json:"k"`
}

// Value returns the vector entry for a channel.
func (v ChannelVector) Value(ch Channel) int {
	switch ch {
	case ChannelCyan:
		return v.C
	case ChannelMagenta:
		return v.M
	case ChannelYellow:
		return v.Y
	case ChannelKey:
		return v.K
	default:
		return 0
	}
}

// Set replaces the vector entry for a channel, clamping below at zero.
func (v *ChannelVector) Set(ch Channel, value int) {
	if value < 0 {
		value = 0
	}
	switch ch {
	case ChannelCyan:
		v.C = value
	case ChannelMagenta:
		v.M = value
	case ChannelYellow:
		v.Y = value
	case ChannelKey:
		v.K = value
	}
}
