// Package versioning implements causality tracking for stored values.
//
// A VectorClock records, for each client that has written a key, the
// client's local counter and the wall-clock time of that write. Two
// clocks can be compared for ancestry (DescendsFrom) or combined
// (Merge); Resolve/ResolveList/ResolveListExtend turn a set of
// (clock, value) pairs into either the single dominant version or a
// joined list of concurrent siblings.
package versioning

import (
	"sort"
	"time"
)

// entry is one client's contribution to a VectorClock: a monotonic
// per-client counter plus the wall-clock time it was last bumped.
type entry struct {
	Counter   uint64    `json:"counter"`
	Timestamp time.Time `json:"timestamp"`
}

// PruneSize and PruneAge bound how large a clock is allowed to grow.
// Matches the upstream vinzclortho defaults: keep at most PruneSize
// entries, none older than PruneAge.
const (
	PruneSize = 10
	PruneAge  = time.Hour
)

// VectorClock maps a client identifier to its (counter, timestamp) entry.
type VectorClock struct {
	clocks map[string]entry
}

// New returns an empty VectorClock.
func New() *VectorClock {
	return &VectorClock{clocks: make(map[string]entry)}
}

// ClockEntry is the serializable form of one client's clock entry,
// used by callers (wireformat) that need to persist or transmit a
// VectorClock without reaching into its unexported internals.
type ClockEntry struct {
	Counter           uint64
	TimestampUnixNano int64
}

// Entries exports a snapshot of vc's internal state for serialization.
func (vc *VectorClock) Entries() map[string]ClockEntry {
	if vc == nil {
		return nil
	}
	out := make(map[string]ClockEntry, len(vc.clocks))
	for k, v := range vc.clocks {
		out[k] = ClockEntry{Counter: v.Counter, TimestampUnixNano: v.Timestamp.UnixNano()}
	}
	return out
}

// FromEntries rebuilds a VectorClock from a serialized snapshot.
func FromEntries(entries map[string]ClockEntry) *VectorClock {
	clocks := make(map[string]entry, len(entries))
	for k, v := range entries {
		clocks[k] = entry{Counter: v.Counter, Timestamp: time.Unix(0, v.TimestampUnixNano)}
	}
	return &VectorClock{clocks: clocks}
}

// Clone returns a deep copy.
func (vc *VectorClock) Clone() *VectorClock {
	cp := make(map[string]entry, len(vc.clocks))
	for k, v := range vc.clocks {
		cp[k] = v
	}
	return &VectorClock{clocks: cp}
}

// Increment bumps the counter for clientID and stamps it with now,
// returning the receiver for chaining.
func (vc *VectorClock) Increment(clientID string, now time.Time) *VectorClock {
	e := vc.clocks[clientID]
	e.Counter++
	e.Timestamp = now
	vc.clocks[clientID] = e
	return vc
}

// Len reports how many clients this clock has seen.
func (vc *VectorClock) Len() int {
	if vc == nil {
		return 0
	}
	return len(vc.clocks)
}

// Equal reports whether vc and other track the same counters for the
// same set of clients. Timestamps are not compared.
func (vc *VectorClock) Equal(other *VectorClock) bool {
	if vc == nil {
		vc = New()
	}
	if other == nil {
		other = New()
	}
	for name, v2 := range other.clocks {
		v1, ok := vc.clocks[name]
		if !ok || v1.Counter != v2.Counter {
			return false
		}
	}
	return len(vc.clocks) == len(other.clocks)
}

// DescendsFrom reports whether vc has seen everything rhs has seen —
// i.e. rhs is an ancestor of vc. A clock descends from itself, and
// every clock descends from the empty clock.
func (vc *VectorClock) DescendsFrom(rhs *VectorClock) bool {
	if vc == nil {
		vc = New()
	}
	if rhs == nil || len(rhs.clocks) == 0 {
		return true
	}
	for name, vr := range rhs.clocks {
		vs, ok := vc.clocks[name]
		if !ok || vs.Counter < vr.Counter {
			return false
		}
	}
	return len(rhs.clocks) <= len(vc.clocks)
}

// Merge combines a and b, keeping the higher counter per client and,
// when counters tie, the later timestamp.
func Merge(a, b *VectorClock) *VectorClock {
	if a == nil {
		a = New()
	}
	if b == nil {
		b = New()
	}
	merged := make(map[string]entry, len(a.clocks)+len(b.clocks))
	for name, va := range a.clocks {
		if vb, ok := b.clocks[name]; ok {
			switch {
			case va.Counter > vb.Counter:
				merged[name] = va
			case va.Counter < vb.Counter:
				merged[name] = vb
			default:
				ts := va.Timestamp
				if vb.Timestamp.After(ts) {
					ts = vb.Timestamp
				}
				merged[name] = entry{Counter: va.Counter, Timestamp: ts}
			}
		} else {
			merged[name] = va
		}
	}
	for name, vb := range b.clocks {
		if _, ok := a.clocks[name]; !ok {
			merged[name] = vb
		}
	}
	return &VectorClock{clocks: merged}
}

// Prune drops entries older than PruneAge and keeps at most PruneSize
// of the remaining, most-recent-first. Mutates and returns the receiver.
func (vc *VectorClock) Prune(now time.Time) *VectorClock {
	type kv struct {
		name string
		e    entry
	}
	fresh := make([]kv, 0, len(vc.clocks))
	for name, e := range vc.clocks {
		if now.Sub(e.Timestamp) <= PruneAge {
			fresh = append(fresh, kv{name, e})
		}
	}
	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].e.Timestamp.After(fresh[j].e.Timestamp)
	})
	if len(fresh) > PruneSize {
		fresh = fresh[:PruneSize]
	}
	newClocks := make(map[string]entry, len(fresh))
	for _, e := range fresh {
		newClocks[e.name] = e.e
	}
	vc.clocks = newClocks
	return vc
}
