package versioning

// Pair bundles a value with the VectorClock that caused it. Resolve
// and its list variants operate purely in terms of Pair so they stay
// agnostic to what "value" means to a caller (a StoredValue, a raw
// byte slice, or already-joined sibling list).
type Pair struct {
	Clock *VectorClock
	Value any
}

// Joiner combines two concurrent values into one. The default Joiner
// produces a two-element slice; ResolveListExtend uses a
// list-flattening joiner so repeated concurrent resolution doesn't
// nest lists inside lists.
type Joiner func(a, b any) any

func defaultJoiner(a, b any) any {
	return []any{a, b}
}

// Resolve picks the causally latest of a and b. If neither descends
// from the other they are concurrent: the result carries the merged
// clock and the joined value.
func Resolve(a, b Pair, joiner Joiner) Pair {
	if joiner == nil {
		joiner = defaultJoiner
	}
	switch {
	case a.Clock.Equal(b.Clock):
		return a
	case a.Clock.DescendsFrom(b.Clock):
		return a
	case b.Clock.DescendsFrom(a.Clock):
		return b
	default:
		return Pair{Clock: Merge(a.Clock, b.Clock), Value: joiner(a.Value, b.Value)}
	}
}

// ResolveList folds Resolve across a slice of (clock, value) pairs in
// order, left to right. Panics on an empty list — callers always have
// at least one replica reply by the time they resolve.
func ResolveList(pairs []Pair, joiner Joiner) Pair {
	curr := pairs[0]
	for _, p := range pairs[1:] {
		curr = Resolve(curr, p, joiner)
	}
	return curr
}

// ResolveListExtend resolves a list of (clock, value) pairs using a
// joiner that flattens concurrent values into a single list of
// siblings, rather than nesting pair-of-pairs. This is the resolver
// LocalStorage uses for multi_put, so a key that
// accumulates more than two concurrent writers still surfaces one
// flat sibling list instead of a list of lists.
func ResolveListExtend(pairs []Pair) Pair {
	joiner := func(a, b any) any {
		flatten := func(v any) []any {
			if s, ok := v.([]any); ok {
				return s
			}
			return []any{v}
		}
		return append(flatten(a), flatten(b)...)
	}
	return ResolveList(pairs, joiner)
}
