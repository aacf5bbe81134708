package core

import "github.com/dkeye/roguetalk/internal/domain"

// PublishResult reports delivery stats/backpressure to the caller.
type PublishResult struct {
	SendTo  int
	Dropped []PlayerSession
}

// PlayerDTO is a read-only view for APIs (no transport fields).
type PlayerDTO struct {
	ID   domain.PlayerID `json:"id"`
	Name string          `json:"name"`
}

// Lobby is the set of players currently connected to the server.
// It owns the membership set but never touches transport resources.
type Lobby interface {
	Count() int
	Snapshot() []PlayerDTO
	Get(id domain.PlayerID) (PlayerSession, bool)

	// Add registers ps and returns the session it replaced, if any.
	Add(ps PlayerSession) PlayerSession
	// Remove drops ps only if it is still the current session for its id.
	Remove(ps PlayerSession) bool
	Broadcast(from domain.PlayerID, data Frame) PublishResult
}
