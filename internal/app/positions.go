package app

import (
	"fmt"
	"sync"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/rs/zerolog/log"
)

// PositionStream coalesces position reports between ticks. Only the newest
// report per player survives, so a slow tick never builds a backlog.
type PositionStream struct {
	mu       sync.Mutex
	latest   map[domain.PlayerID]domain.PositionUpdate
	lastTick map[domain.PlayerID]uint64
	removed  map[domain.PlayerID]struct{}
	rejected uint64
	bound    float64
}

func NewPositionStream() *PositionStream {
	return &PositionStream{
		latest:   make(map[domain.PlayerID]domain.PositionUpdate),
		lastTick: make(map[domain.PlayerID]uint64),
		removed:  make(map[domain.PlayerID]struct{}),
	}
}

// SetBound limits every axis to bound. Zero leaves only the hard cap.
func (s *PositionStream) SetBound(bound float64) {
	s.mu.Lock()
	s.bound = bound
	s.mu.Unlock()
}

// Publish queues u for the next drain. Invalid or out of bounds coordinates
// and ticks that are not newer than the last accepted one for that player
// are refused.
func (s *PositionStream) Publish(u domain.PositionUpdate) error {
	s.mu.Lock()
	bound := s.bound
	s.mu.Unlock()
	if err := u.Position.Within(bound); err != nil {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		log.Warn().Str("module", "app.positions").Str("player", string(u.Player)).Err(err).Msg("dropping position")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastTick[u.Player]; ok && u.Tick <= last {
		return fmt.Errorf("%w: player %s tick %d <= %d", domain.ErrStalePosition, u.Player, u.Tick, last)
	}
	s.lastTick[u.Player] = u.Tick
	s.latest[u.Player] = u
	delete(s.removed, u.Player)
	return nil
}

// Remove forgets a player. The next drain reports it as gone.
func (s *PositionStream) Remove(id domain.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, id)
	delete(s.lastTick, id)
	s.removed[id] = struct{}{}
}

// Drain hands over everything published since the last call.
func (s *PositionStream) Drain() (updates []domain.PositionUpdate, removed []domain.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates = make([]domain.PositionUpdate, 0, len(s.latest))
	for id, u := range s.latest {
		updates = append(updates, u)
		delete(s.latest, id)
	}
	for id := range s.removed {
		removed = append(removed, id)
		delete(s.removed, id)
	}
	return updates, removed
}

func (s *PositionStream) Rejected() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}
