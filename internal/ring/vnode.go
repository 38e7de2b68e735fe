package ring

import "fmt"

// Balance reports how evenly partitions are spread across a ring's
// nodes, independent of the ring's internal locking.
type Balance struct {
	ring *Ring
}

// NewBalance wraps a ring for load-distribution reporting.
func NewBalance(ring *Ring) *Balance {
	return &Balance{ring: ring}
}

// CalculateLoadDistribution returns, for each node, the percentage of
// the fixed partition space it currently owns.
func (b *Balance) CalculateLoadDistribution() map[string]float64 {
	nodes := b.ring.Nodes()
	if len(nodes) == 0 {
		return nil
	}
	total := b.ring.NumPartitions()
	dist := make(map[string]float64, len(nodes))
	for _, n := range nodes {
		dist[n.Name()] = float64(len(n.Claim())) / float64(total) * 100
	}
	return dist
}

// PrintRingStatus renders a human-readable summary of the ring.
func (b *Balance) PrintRingStatus() string {
	nodes := b.ring.Nodes()
	if len(nodes) == 0 {
		return "ring is empty"
	}
	result := fmt.Sprintf("ring status: %d nodes, %d partitions, N=%d\n",
		len(nodes), b.ring.NumPartitions(), b.ring.N())
	for name, load := range b.CalculateLoadDistribution() {
		result += fmt.Sprintf("  %s: %.2f%% of keyspace\n", name, load)
	}
	return result
}

// NeedsRebalance reports whether any node's claim has drifted from
// its wanted size by more than the ring's rebalance threshold — the
// same check UpdateClaim performs, exposed for the admin/status
// surface and for deciding whether a claim change should trigger a
// handoff sweep.
func (b *Balance) NeedsRebalance() bool {
	nodes := b.ring.Nodes()
	even := b.ring.NumPartitions() / max(len(nodes), 1)
	for _, n := range nodes {
		want := even
		if n.Wanted != nil {
			want = *n.Wanted
		}
		d := len(n.Claim()) - want
		if d < 0 {
			d = -d
		}
		if d > 3 {
			return true
		}
	}
	return false
}
