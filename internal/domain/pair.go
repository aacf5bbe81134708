package domain

// Pair is an unordered pair of distinct players. NewPair keeps A < B so
// that (a, b) and (b, a) compare equal and can be used as map keys.
type Pair struct {
	A PlayerID `json:"a"`
	B PlayerID `json:"b"`
}

func NewPair(x, y PlayerID) Pair {
	if y < x {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

func (p Pair) Key() string { return string(p.A) + "|" + string(p.B) }

func (p Pair) String() string { return p.Key() }

func (p Pair) Has(id PlayerID) bool { return p.A == id || p.B == id }

// Other returns the member of the pair that is not id.
func (p Pair) Other(id PlayerID) PlayerID {
	if p.A == id {
		return p.B
	}
	return p.A
}

type ProximityEdge struct {
	Pair     Pair    `json:"pair"`
	Distance float64 `json:"distance"`
	Audible  bool    `json:"audible"`
}
