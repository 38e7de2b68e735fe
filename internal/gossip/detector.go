package gossip

import (
	"sync"
	"time"
)

// peerState is a node's observed liveness, purely advisory: it never
// drives a ring mutation (only an operator's /admin/claim or an
// explicit AddNode/RemoveNode call does that), it only steers which
// peer the gossip loop tries next and whether handoff bothers probing
// a target at all.
type peerState int

const (
	peerAlive peerState = iota
	peerSuspect
	peerDead
)

type peerRecord struct {
	state         peerState
	lastContact   time.Time
	failureStreak int
}

// PeerHealth tracks how recently each peer answered, so the gossip
// loop and the handoff engine can skip a peer that's probably down
// instead of burning a request timeout on it. It is deliberately not
// authoritative over cluster membership — that remains the ring's
// Metadata, reconciled by vector clock.
type PeerHealth struct {
	mu             sync.RWMutex
	peers          map[string]*peerRecord
	suspectTimeout time.Duration
	deadTimeout    time.Duration
}

// NewPeerHealth builds a tracker. A peer is suspected after
// suspectTimeout without a successful contact, and considered dead
// after deadTimeout.
func NewPeerHealth(suspectTimeout, deadTimeout time.Duration) *PeerHealth {
	return &PeerHealth{
		peers:          make(map[string]*peerRecord),
		suspectTimeout: suspectTimeout,
		deadTimeout:    deadTimeout,
	}
}

// RecordSuccess marks name as having just answered.
func (h *PeerHealth) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[name] = &peerRecord{state: peerAlive, lastContact: time.Now()}
}

// RecordFailure notes a failed contact attempt with name, advancing
// its state towards dead the longer it goes unanswered.
func (h *PeerHealth) RecordFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.peers[name]
	if !ok {
		rec = &peerRecord{lastContact: time.Now()}
		h.peers[name] = rec
	}
	rec.failureStreak++
	elapsed := time.Since(rec.lastContact)
	switch {
	case elapsed > h.deadTimeout:
		rec.state = peerDead
	case elapsed > h.suspectTimeout:
		rec.state = peerSuspect
	}
}

// IsAlive reports whether name is believed reachable. An unknown peer
// is optimistically treated as alive — it just hasn't been tried yet.
func (h *PeerHealth) IsAlive(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.peers[name]
	if !ok {
		return true
	}
	return rec.state != peerDead
}

// DeadPeers returns the names currently believed dead.
func (h *PeerHealth) DeadPeers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0)
	for name, rec := range h.peers {
		if rec.state == peerDead {
			out = append(out, name)
		}
	}
	return out
}
