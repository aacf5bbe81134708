// Package proximity decides which pairs of players can hear each other.
//
// Recompute scans every pair, so its cost grows with the square of the
// number of players. That is fine for a single dungeon instance of a few
// dozen players; larger worlds would need a spatial index in front of it.
package proximity

import (
	"sort"

	"github.com/dkeye/roguetalk/internal/domain"
)

// Graph holds the hysteresis band. A pair becomes audible at or inside
// ConnectRadius and stops being audible only at or beyond DisconnectRadius.
type Graph struct {
	ConnectRadius    float64
	DisconnectRadius float64
}

// Unreachable is the Distance reported for a pair whose players no longer
// share a level, or one of whom has left.
const Unreachable = -1.0

// EdgeSet is the audible edge set of one tick, keyed by pair.
type EdgeSet map[domain.Pair]domain.ProximityEdge

func (s EdgeSet) Audible(p domain.Pair) bool {
	e, ok := s[p]
	return ok && e.Audible
}

type Result struct {
	// Edges lists the audible pairs, sorted by pair.
	Edges []domain.ProximityEdge
	// Changes lists only the pairs whose audibility flipped since previous.
	// Pairs that fell apart without a measurable distance carry Unreachable.
	Changes []domain.ProximityEdge
	Set     EdgeSet
}

// Recompute derives the audible set from current positions. previous is the
// Set of the last call (nil on the first tick). It has no side effects.
func (g Graph) Recompute(positions map[domain.PlayerID]domain.Position, previous EdgeSet) Result {
	ids := make([]domain.PlayerID, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	res := Result{Set: make(EdgeSet)}
	for i := 0; i < len(ids); i++ {
		pi := positions[ids[i]]
		for j := i + 1; j < len(ids); j++ {
			pj := positions[ids[j]]
			pair := domain.NewPair(ids[i], ids[j])
			was := previous.Audible(pair)

			if !pi.SameLevel(pj) {
				if was {
					res.Changes = append(res.Changes, domain.ProximityEdge{Pair: pair, Distance: Unreachable})
				}
				continue
			}

			d := pi.Distance(pj)
			edge := domain.ProximityEdge{Pair: pair, Distance: d, Audible: g.audible(d, was)}
			if edge.Audible {
				res.Set[pair] = edge
				res.Edges = append(res.Edges, edge)
			}
			if edge.Audible != was {
				res.Changes = append(res.Changes, edge)
			}
		}
	}

	// Players that vanished since the last tick.
	for pair, e := range previous {
		if !e.Audible {
			continue
		}
		_, okA := positions[pair.A]
		_, okB := positions[pair.B]
		if !okA || !okB {
			res.Changes = append(res.Changes, domain.ProximityEdge{Pair: pair, Distance: Unreachable})
		}
	}
	sort.Slice(res.Changes, func(i, j int) bool { return less(res.Changes[i].Pair, res.Changes[j].Pair) })
	return res
}

func (g Graph) audible(d float64, was bool) bool {
	if was {
		return d < g.DisconnectRadius
	}
	return d <= g.ConnectRadius
}

func less(a, b domain.Pair) bool {
	if a.A != b.A {
		return a.A < b.A
	}
	return a.B < b.B
}
