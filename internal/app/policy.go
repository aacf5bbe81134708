package app

import "github.com/dkeye/roguetalk/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickPlayer
)

func (a BackpressureAction) String() string {
	switch a {
	case DropFrame:
		return "drop"
	case KickPlayer:
		return "kick"
	default:
		return "none"
	}
}

// Policy decides what happens when a player's control connection is full.
// critical is set for signaling traffic, whose loss would stall a handshake.
type Policy interface {
	OnBackPressure(player core.PlayerSession, critical bool) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ core.PlayerSession, critical bool) BackpressureAction {
	if critical {
		return KickPlayer
	}
	return DropFrame
}
