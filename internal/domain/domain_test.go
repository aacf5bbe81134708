package domain

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestNewPairIsUnordered(t *testing.T) {
	p1 := NewPair("bob", "alice")
	p2 := NewPair("alice", "bob")
	if p1 != p2 {
		t.Fatalf("expected equal pairs, got %v and %v", p1, p2)
	}
	if p1.A != "alice" || p1.B != "bob" {
		t.Fatalf("expected canonical order, got %v", p1)
	}
	if p1.Other("alice") != "bob" || p1.Other("bob") != "alice" {
		t.Fatalf("Other returned wrong member")
	}
	if !p1.Has("bob") || p1.Has("carol") {
		t.Fatalf("Has returned wrong result")
	}
}

func TestPositionValidate(t *testing.T) {
	cases := []struct {
		name string
		pos  Position
		ok   bool
	}{
		{"finite", Position{X: 1, Y: 2, Z: 0}, true},
		{"nan", Position{X: math.NaN()}, false},
		{"inf", Position{Y: math.Inf(1)}, false},
		{"neg inf", Position{Z: math.Inf(-1)}, false},
		{"at cap", Position{X: -MaxCoordinate}, true},
		{"past cap", Position{Y: 1e200}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.pos.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidPosition) {
				t.Fatalf("expected ErrInvalidPosition, got %v", err)
			}
		})
	}
}

func TestPositionWithin(t *testing.T) {
	p := Position{X: 50, Y: -120}
	if err := p.Within(200); err != nil {
		t.Fatalf("inside bound: %v", err)
	}
	if err := p.Within(100); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("got %v, want ErrInvalidPosition", err)
	}
	if err := p.Within(0); err != nil {
		t.Fatalf("zero bound: %v", err)
	}
}

func TestDistanceAtCapIsFinite(t *testing.T) {
	a := Position{X: -MaxCoordinate, Y: -MaxCoordinate, Z: -MaxCoordinate}
	b := Position{X: MaxCoordinate, Y: MaxCoordinate, Z: MaxCoordinate}
	if d := a.Distance(b); math.IsInf(d, 0) || math.IsNaN(d) {
		t.Fatalf("got %v, want a finite distance", d)
	}
}

func TestDistance(t *testing.T) {
	a := Position{X: 0, Y: 0}
	b := Position{X: 3, Y: 4}
	if d := a.Distance(b); d != 5 {
		t.Fatalf("got %v, want 5", d)
	}
	if a.Distance(b) != b.Distance(a) {
		t.Fatalf("distance is not symmetric")
	}
}

func TestParsePlayerID(t *testing.T) {
	if _, err := ParsePlayerID(""); !errors.Is(err, ErrPlayerIDEmpty) {
		t.Fatalf("expected ErrPlayerIDEmpty, got %v", err)
	}
	if _, err := ParsePlayerID(strings.Repeat("x", MaxPlayerIDLen+1)); !errors.Is(err, ErrPlayerIDTooLong) {
		t.Fatalf("expected ErrPlayerIDTooLong, got %v", err)
	}
	id, err := ParsePlayerID("rogue")
	if err != nil || id != "rogue" {
		t.Fatalf("got %q, %v", id, err)
	}
}

func TestRejectionErrorsWrapRejected(t *testing.T) {
	for _, err := range []error{ErrFingerprintMismatch, ErrBadSignature, ErrUnknownIdentity} {
		if !errors.Is(err, ErrNegotiationRejected) {
			t.Fatalf("%v does not wrap ErrNegotiationRejected", err)
		}
	}
}
