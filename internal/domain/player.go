// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxPlayerIDLen = 36

var (
	ErrPlayerIDTooLong = errors.New("player id too long")
	ErrPlayerIDEmpty   = errors.New("player id empty")
)

type PlayerID string

func ParsePlayerID(s string) (PlayerID, error) {
	if len(s) == 0 {
		return "", ErrPlayerIDEmpty
	}
	if len(s) > MaxPlayerIDLen {
		return "", ErrPlayerIDTooLong
	}
	return PlayerID(s), nil
}

// Player is a read-only copy of a player as of some tick.
type Player struct {
	ID           PlayerID `json:"id"`
	Position     Position `json:"position"`
	LastSeenTick uint64   `json:"last_seen_tick"`
}
