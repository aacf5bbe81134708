package app

import (
	"errors"
	"math"
	"testing"

	"github.com/dkeye/roguetalk/internal/domain"
)

func TestPositionStreamCoalesces(t *testing.T) {
	s := NewPositionStream()
	for tick := uint64(1); tick <= 5; tick++ {
		if err := s.Publish(domain.PositionUpdate{Player: "a", Position: domain.Position{X: float64(tick)}, Tick: tick}); err != nil {
			t.Fatalf("publish tick %d: %v", tick, err)
		}
	}
	updates, removed := s.Drain()
	if len(updates) != 1 || updates[0].Position.X != 5 {
		t.Fatalf("expected only the latest update, got %+v", updates)
	}
	if len(removed) != 0 {
		t.Fatalf("unexpected removals %v", removed)
	}
	if updates, _ := s.Drain(); len(updates) != 0 {
		t.Fatalf("second drain should be empty, got %+v", updates)
	}
}

func TestPositionStreamRejectsStaleAndInvalid(t *testing.T) {
	s := NewPositionStream()
	if err := s.Publish(domain.PositionUpdate{Player: "a", Tick: 10}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Publish(domain.PositionUpdate{Player: "a", Tick: 9}); !errors.Is(err, domain.ErrStalePosition) {
		t.Fatalf("expected ErrStalePosition, got %v", err)
	}
	bad := domain.PositionUpdate{Player: "a", Position: domain.Position{X: math.NaN()}, Tick: 11}
	if err := s.Publish(bad); !errors.Is(err, domain.ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition, got %v", err)
	}
	if s.Rejected() != 1 {
		t.Fatalf("got %d rejected, want 1", s.Rejected())
	}
	updates, _ := s.Drain()
	if len(updates) != 1 || updates[0].Tick != 10 {
		t.Fatalf("invalid update leaked through: %+v", updates)
	}
}

func TestPositionStreamRemove(t *testing.T) {
	s := NewPositionStream()
	_ = s.Publish(domain.PositionUpdate{Player: "a", Tick: 1})
	s.Remove("a")
	updates, removed := s.Drain()
	if len(updates) != 0 || len(removed) != 1 || removed[0] != "a" {
		t.Fatalf("got updates=%v removed=%v", updates, removed)
	}
	// A rejoining player starts a fresh tick sequence.
	if err := s.Publish(domain.PositionUpdate{Player: "a", Tick: 1}); err != nil {
		t.Fatalf("rejoin publish: %v", err)
	}
}

func TestPositionStreamWorldBound(t *testing.T) {
	s := NewPositionStream()
	s.SetBound(100)
	far := domain.PositionUpdate{Player: "a", Position: domain.Position{X: 101}, Tick: 1}
	if err := s.Publish(far); !errors.Is(err, domain.ErrInvalidPosition) {
		t.Fatalf("got %v, want ErrInvalidPosition", err)
	}
	if s.Rejected() != 1 {
		t.Fatalf("rejected = %d, want 1", s.Rejected())
	}
	if err := s.Publish(domain.PositionUpdate{Player: "a", Position: domain.Position{X: -100}, Tick: 1}); err != nil {
		t.Fatalf("edge of the world refused: %v", err)
	}

	s.SetBound(0)
	far.Tick = 2
	if err := s.Publish(far); err != nil {
		t.Fatalf("unbounded stream refused %v: %v", far.Position, err)
	}
	if updates, _ := s.Drain(); len(updates) != 1 || updates[0].Position.X != 101 {
		t.Fatalf("got %+v, want the far update", updates)
	}
}
