package proximity

import (
	"testing"

	"github.com/dkeye/roguetalk/internal/domain"
)

func at(x float64) domain.Position { return domain.Position{X: x, Level: "crypt"} }

func TestRecomputeHysteresisWalk(t *testing.T) {
	g := Graph{ConnectRadius: 6, DisconnectRadius: 10}
	pair := domain.NewPair("a", "b")

	steps := []struct {
		dist    float64
		audible bool
		changed bool
	}{
		{12, false, false},
		{8, false, false},
		{5, true, true},
		{8, true, false},
		{9.99, true, false},
		{11, false, true},
		{7, false, false},
		{6, true, true},
		{10, false, true},
	}

	var prev EdgeSet
	for i, s := range steps {
		res := g.Recompute(map[domain.PlayerID]domain.Position{"a": at(0), "b": at(s.dist)}, prev)
		if got := res.Set.Audible(pair); got != s.audible {
			t.Fatalf("step %d (d=%v): audible got %v, want %v", i, s.dist, got, s.audible)
		}
		if got := len(res.Changes) == 1; got != s.changed {
			t.Fatalf("step %d (d=%v): changed got %v, want %v", i, s.dist, got, s.changed)
		}
		prev = res.Set
	}
}

func TestRecomputeSymmetric(t *testing.T) {
	g := Graph{ConnectRadius: 6, DisconnectRadius: 10}
	positions := map[domain.PlayerID]domain.Position{
		"a": at(0), "b": at(3), "c": at(20), "d": {X: 1, Level: "attic"},
	}
	res := g.Recompute(positions, nil)
	for _, e := range res.Edges {
		if e.Pair != domain.NewPair(e.Pair.B, e.Pair.A) {
			t.Fatalf("edge %v is not canonical", e.Pair)
		}
	}
	if !res.Set.Audible(domain.NewPair("b", "a")) || !res.Set.Audible(domain.NewPair("a", "b")) {
		t.Fatalf("expected a-b audible in both orders")
	}
	if len(res.Edges) != 1 {
		t.Fatalf("expected exactly one audible edge, got %v", res.Edges)
	}
}

func TestRecomputeLevelsAreIsolated(t *testing.T) {
	g := Graph{ConnectRadius: 6, DisconnectRadius: 10}
	pair := domain.NewPair("a", "b")
	res := g.Recompute(map[domain.PlayerID]domain.Position{"a": at(0), "b": at(1)}, nil)
	if !res.Set.Audible(pair) {
		t.Fatalf("expected audible on the same level")
	}
	res = g.Recompute(map[domain.PlayerID]domain.Position{
		"a": at(0), "b": {X: 1, Level: "cellar"},
	}, res.Set)
	if res.Set.Audible(pair) {
		t.Fatalf("players on different levels must not hear each other")
	}
	if len(res.Changes) != 1 || res.Changes[0].Audible {
		t.Fatalf("expected one falling change, got %v", res.Changes)
	}
	if d := res.Changes[0].Distance; d != Unreachable {
		t.Fatalf("distance across levels = %v, want Unreachable", d)
	}
}

func TestRecomputeDepartedPlayerFalls(t *testing.T) {
	g := Graph{ConnectRadius: 6, DisconnectRadius: 10}
	res := g.Recompute(map[domain.PlayerID]domain.Position{"a": at(0), "b": at(1)}, nil)
	res = g.Recompute(map[domain.PlayerID]domain.Position{"a": at(0)}, res.Set)
	if len(res.Edges) != 0 {
		t.Fatalf("expected no edges, got %v", res.Edges)
	}
	if len(res.Changes) != 1 || res.Changes[0].Pair != domain.NewPair("a", "b") {
		t.Fatalf("expected a-b to fall, got %v", res.Changes)
	}
	if d := res.Changes[0].Distance; d != Unreachable {
		t.Fatalf("distance to a departed player = %v, want Unreachable", d)
	}
}

func TestRecomputeDoesNotMutatePrevious(t *testing.T) {
	g := Graph{ConnectRadius: 6, DisconnectRadius: 10}
	first := g.Recompute(map[domain.PlayerID]domain.Position{"a": at(0), "b": at(1)}, nil)
	_ = g.Recompute(map[domain.PlayerID]domain.Position{"a": at(0), "b": at(50)}, first.Set)
	if !first.Set.Audible(domain.NewPair("a", "b")) {
		t.Fatalf("previous set was modified")
	}
}
