package ring

import (
	"fmt"
	"testing"
)

func TestNewRingClaimsAllPartitions(t *testing.T) {
	seed := NewNode("localhost", 8080)
	New(8, seed, 3)

	if got := seed.Claim(); len(got) != 8 {
		t.Errorf("expected seed to claim all 8 partitions, got %v", got)
	}
}

func TestAddNodeSplitsClaimDisjointly(t *testing.T) {
	n1 := NewNode("localhost", 8080)
	r := New(8, n1, 3)
	n2 := NewNode("apansson", 8080)
	r.AddNode(n2, nil)

	if intersects(n1.Claim(), n2.Claim()) {
		t.Errorf("claims should be disjoint: n1=%v n2=%v", n1.Claim(), n2.Claim())
	}
}

func TestAddManyNodesKeepsReplicationSpread(t *testing.T) {
	seed := NewNode("localhost", 8080)
	r := New(1024, seed, 3)
	for i := 0; i < 64; i++ {
		r.AddNode(NewNode(fmt.Sprintf("node_%d", i), 8080), nil)
	}
	if !r.Ok() {
		t.Error("ring should satisfy the replication spread invariant")
	}
}

func TestUpdateNodeIncrease(t *testing.T) {
	n1 := NewNode("localhost", 8080)
	r := New(8, n1, 3)
	n2 := NewNode("apansson", 8080)
	r.AddNode(n2, nil)

	six := 6
	r.UpdateNode(n2, &six, false)
	if intersects(n1.Claim(), n2.Claim()) {
		t.Error("claims should remain disjoint after growing a node")
	}
}

func TestUpdateNodeDecrease(t *testing.T) {
	n1 := NewNode("localhost", 8080)
	r := New(8, n1, 3)
	n2 := NewNode("apansson", 8080)
	r.AddNode(n2, nil)

	two := 2
	r.UpdateNode(n2, &two, false)
	if intersects(n1.Claim(), n2.Claim()) {
		t.Error("claims should remain disjoint after shrinking a node")
	}
}

func TestRemoveNodeBelowReplicationFactor(t *testing.T) {
	n1 := NewNode("localhost", 8080)
	r := New(8, n1, 3)
	n2 := NewNode("apansson", 8080)
	r.AddNode(n2, nil)

	r.RemoveNode(n1)

	if len(n1.Claim()) != 0 {
		t.Errorf("removed node should hold no partitions, got %v", n1.Claim())
	}
	if len(n2.Claim()) != 8 {
		t.Errorf("sole remaining node should hold all partitions, got %v", n2.Claim())
	}
	if r.GetNode(n1.Name()) != nil {
		t.Error("removed node should no longer be a ring member")
	}
}

func TestRemoveNodeAtScale(t *testing.T) {
	seed := NewNode("localhost", 8080)
	r := New(64, seed, 3)
	for i := 0; i < 8; i++ {
		r.AddNode(NewNode(fmt.Sprintf("node_%d", i), 8080), nil)
	}
	r.RemoveNode(seed)

	if len(seed.Claim()) != 0 {
		t.Errorf("removed node should hold no partitions, got %v", seed.Claim())
	}
	if r.GetNode(seed.Name()) != nil {
		t.Error("removed node should no longer be a ring member")
	}
}

func TestPreferredReturnsNPrimariesAndIncludesOwningPartition(t *testing.T) {
	seed := NewNode("localhost", 8080)
	r := New(64, seed, 3)
	for i := 0; i < 8; i++ {
		r.AddNode(NewNode(fmt.Sprintf("node_%d", i), 8080), nil)
	}

	p := r.KeyToPartition("foo")
	replicas, _ := r.Preferred("foo")
	if len(replicas) != 3 {
		t.Fatalf("expected 3 preferred replicas, got %d", len(replicas))
	}
	if !contains(replicas[0].Claim(), p) {
		t.Error("primary replica should actually own the key's partition")
	}
}

// TestPreferredDoesNotDeduplicate exercises the spec's explicit choice
// not to defensively collapse repeated owners in the preference list:
// with very few nodes relative to N, the same node can legitimately
// appear more than once while walking clockwise.
func TestPreferredDoesNotDeduplicate(t *testing.T) {
	seed := NewNode("localhost", 8080)
	r := New(4, seed, 3)
	// A second member that claims nothing raises the effective N to 2
	// while seed still owns every partition; walking clockwise for 2
	// replicas must return seed twice, not dedupe it down to one.
	zero := 0
	r.AddNode(NewNode("apansson", 8080), &zero)
	replicas, _ := r.Preferred("anykey")
	if len(replicas) != 2 {
		t.Fatalf("expected 2 entries in preference list, got %d", len(replicas))
	}
	for _, n := range replicas {
		if n != seed {
			t.Errorf("expected every preferred entry to be the sole node, got %v", n)
		}
	}
}

func TestReplicatedExcludesOwnClaim(t *testing.T) {
	seed := NewNode("localhost", 8080)
	r := New(128, seed, 3)
	for i := 0; i < 8; i++ {
		r.AddNode(NewNode(fmt.Sprintf("node_%d", i), 8080), nil)
	}
	for _, n := range r.Nodes() {
		rep := r.Replicated(n)
		for _, p := range n.Claim() {
			if _, clash := rep[p]; clash {
				t.Errorf("node %s replicates its own claimed partition %d", n.Name(), p)
			}
		}
	}
}

func TestKeyToPartitionIsDeterministic(t *testing.T) {
	seed := NewNode("localhost", 8080)
	r := New(256, seed, 3)
	a := r.KeyToPartition("stable-key")
	b := r.KeyToPartition("stable-key")
	if a != b {
		t.Errorf("same key hashed to different partitions: %d vs %d", a, b)
	}
}

func intersects(a, b []int) bool {
	set := make(map[int]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func contains(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
