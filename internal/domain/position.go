package domain

import (
	"fmt"
	"math"
)

type Position struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Level string  `json:"level"`
}

// MaxCoordinate is the largest magnitude any axis may take. Squared
// differences of coordinates this size stay finite.
const MaxCoordinate = 1e150

// Validate rejects coordinates that cannot take part in distance math.
func (p Position) Validate() error { return p.Within(0) }

// Within is Validate with every axis also limited to bound. A bound of zero
// or above MaxCoordinate means MaxCoordinate.
func (p Position) Within(bound float64) error {
	if bound <= 0 || bound > MaxCoordinate {
		bound = MaxCoordinate
	}
	for _, v := range [...]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: (%v, %v, %v)", ErrInvalidPosition, p.X, p.Y, p.Z)
		}
		if math.Abs(v) > bound {
			return fmt.Errorf("%w: (%v, %v, %v) outside the world bound %v", ErrInvalidPosition, p.X, p.Y, p.Z, bound)
		}
	}
	return nil
}

// Distance is the euclidean distance ignoring the level.
func (p Position) Distance(o Position) float64 {
	dx, dy, dz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (p Position) SameLevel(o Position) bool { return p.Level == o.Level }

// PositionUpdate is one report from the simulation for a single player.
type PositionUpdate struct {
	Player   PlayerID `json:"player"`
	Position Position `json:"position"`
	Tick     uint64   `json:"tick"`
}
