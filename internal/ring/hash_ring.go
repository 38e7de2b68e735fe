// Package ring implements the fixed-partition consistent-hash ring:
// a node claims a set of partition indices, and a key's preference
// list is the partitions walked clockwise from its SHA-1 position.
package ring

import (
	"crypto/sha1"
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"sync"

	"github.com/vinz-dynamo/vinz-dynamo/pkg/types"
)

// MaxHash is the largest value a 160-bit SHA-1 digest can take.
var MaxHash = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))

// hashVal returns the SHA-1 digest of s as a big integer, matching the
// ring's required hash family exactly (spec pins SHA-1, not a faster
// non-cryptographic hash).
func hashVal(s string) *big.Int {
	sum := sha1.Sum([]byte(s))
	return new(big.Int).SetBytes(sum[:])
}

// Node is one member of the ring: an address plus the set of
// partition indices it currently claims.
type Node struct {
	mu     sync.RWMutex
	Host   string
	Port   int
	Wanted *int // desired claim size; nil means "an even share"
	claim  []int
}

// NewNode creates a Node with no claim yet.
func NewNode(host string, port int) *Node {
	return &Node{Host: host, Port: port}
}

// Name is the node's ring identity, host:port.
func (n *Node) Name() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

func (n *Node) String() string { return n.Name() }

// Claim returns a sorted copy of the partitions this node owns.
func (n *Node) Claim() []int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]int, len(n.claim))
	copy(out, n.claim)
	return out
}

func (n *Node) claimLen() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.claim)
}

func (n *Node) setClaim(c []int) {
	sort.Ints(c)
	n.mu.Lock()
	n.claim = c
	n.mu.Unlock()
}

func (n *Node) addPartition(p int) {
	n.mu.Lock()
	n.claim = append(n.claim, p)
	sort.Ints(n.claim)
	n.mu.Unlock()
}

func (n *Node) removePartition(p int) {
	n.mu.Lock()
	for i, c := range n.claim {
		if c == p {
			n.claim = append(n.claim[:i], n.claim[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
}

// Ring assigns the key space's fixed partitions to nodes and keeps
// each partition replicated on N distinct nodes.
type Ring struct {
	mu            sync.RWMutex
	numPartitions int
	wantedN       int
	n             int // current replication factor, min(len(nodes), wantedN)
	nodes         []*Node
	partitions    []*Node // partitions[p] is the primary owner of partition p
}

// New creates a ring with the given fixed partition count, seeded by
// a single node that claims every partition, and a target replication
// factor of n.
func New(numPartitions int, seed *Node, n int) *Ring {
	claim := make([]int, numPartitions)
	partitions := make([]*Node, numPartitions)
	for p := 0; p < numPartitions; p++ {
		claim[p] = p
		partitions[p] = seed
	}
	seed.setClaim(claim)
	return &Ring{
		numPartitions: numPartitions,
		wantedN:       n,
		n:             1,
		nodes:         []*Node{seed},
		partitions:    partitions,
	}
}

// NumPartitions returns the ring's fixed partition count.
func (r *Ring) NumPartitions() int {
	return r.numPartitions
}

// N returns the current effective replication factor.
func (r *Ring) N() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Nodes returns the ring's current member nodes.
func (r *Ring) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// GetNode looks up a member node by its host:port name.
func (r *Ring) GetNode(name string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.Name() == name {
			return n
		}
	}
	return nil
}

// walkClockwise returns the partition indices starting at start and
// continuing clockwise around the ring, visiting each exactly once.
func (r *Ring) walkClockwise(start int) []int {
	sz := r.numPartitions
	out := make([]int, 0, sz)
	for i := 0; i < sz; i++ {
		p := start + i
		if p >= sz {
			p -= sz
		}
		out = append(out, p)
	}
	return out
}

// walkCounterClockwise returns the partition indices starting at
// start and continuing counter-clockwise, visiting each exactly once.
func (r *Ring) walkCounterClockwise(start int) []int {
	sz := r.numPartitions
	out := make([]int, 0, sz)
	p := start
	for i := 0; i < sz; i++ {
		if p < 0 {
			p = sz - 1
		}
		out = append(out, p)
		p--
	}
	return out
}

// neighbours returns every partition within N-1 steps of p in either
// direction — the set that would break the replication constraint if
// it shared an owner with p.
func (r *Ring) neighbours(p int) []int {
	sz := r.numPartitions
	n := r.n
	out := make([]int, 0, 2*n-1)
	for d := -(n - 1); d <= n-1; d++ {
		m := (p + d) % sz
		if m < 0 {
			m += sz
		}
		out = append(out, m)
	}
	return out
}

// replicatedIn returns the N-1 partitions immediately counter-clockwise
// of p — the partitions whose owners must differ from p's owner.
func (r *Ring) replicatedIn(p int) []int {
	sz := r.numPartitions
	n := r.n
	out := make([]int, 0, n-1)
	for d := -(n - 1); d < 0; d++ {
		m := (p + d) % sz
		if m < 0 {
			m += sz
		}
		out = append(out, m)
	}
	return out
}

// unwanted returns the set of partitions a node already claiming
// `claim` should not additionally grab, because doing so would put
// two of its own partitions within the replication window.
func (r *Ring) unwanted(claim []int) map[int]struct{} {
	out := make(map[int]struct{})
	for _, p := range claim {
		for _, m := range r.neighbours(p) {
			out[m] = struct{}{}
		}
	}
	return out
}

// Preferred returns the preference list for key: the first N()
// distinct-by-position nodes walking clockwise from the key's
// partition are the replicas that must hold it; the remainder are
// fallbacks for sloppy quorum. The list is NOT deduplicated by node
// identity — a node owning more than one of the walked partitions
// appears once per partition, matching the upstream algorithm exactly.
func (r *Ring) Preferred(key string) (replicas []*Node, fallbacks []*Node) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.KeyToPartitionLocked(key)
	order := r.walkClockwise(p)
	cw := make([]*Node, len(order))
	for i, pp := range order {
		cw[i] = r.partitions[pp]
	}
	n := r.n
	if n > len(cw) {
		n = len(cw)
	}
	return cw[:n], cw[n:]
}

// KeyToPartition maps key to its fixed partition index via SHA-1.
func (r *Ring) KeyToPartition(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.KeyToPartitionLocked(key)
}

// KeyToPartitionLocked is KeyToPartition for callers already holding r.mu.
func (r *Ring) KeyToPartitionLocked(key string) int {
	keysPerPartition := new(big.Int).Div(MaxHash, big.NewInt(int64(r.numPartitions)))
	idx := new(big.Int).Div(hashVal(key), keysPerPartition)
	p := int(idx.Int64())
	if p >= r.numPartitions {
		p = r.numPartitions - 1
	}
	return p
}

// PartitionToNode returns the current primary owner of a partition.
func (r *Ring) PartitionToNode(p int) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.partitions[p]
}

// Replicated returns, for each partition node claims, the N-1
// partitions immediately counter-clockwise of it: the partitions whose
// data node holds as a replica.
func (r *Ring) Replicated(node *Node) map[int]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep := make(map[int]struct{})
	for _, p := range node.Claim() {
		walk := r.walkCounterClockwise(p)
		for i := 1; i < r.n && i < len(walk); i++ {
			rep[walk[i]] = struct{}{}
		}
	}
	return rep
}

func (r *Ring) swap(p1, p2 int) {
	n1 := r.partitions[p1]
	n2 := r.partitions[p2]
	n1.removePartition(p1)
	n1.addPartition(p2)
	n2.removePartition(p2)
	n2.addPartition(p1)
	r.partitions[p2] = n1
	r.partitions[p1] = n2
}

// FixConstraint repairs any partition whose owner also owns one of
// its N-1 replicating neighbours, by swapping with the first
// clockwise partition that doesn't share an owner with it.
func (r *Ring) FixConstraint() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p := 0; p < r.numPartitions; p++ {
		node := r.partitions[p]
		rep := r.replicatedIn(p)
		clashes := false
		for _, p2 := range rep {
			if r.partitions[p2] == node {
				clashes = true
				break
			}
		}
		if !clashes {
			continue
		}
		repNodes := make(map[*Node]struct{}, len(rep))
		for _, rp := range rep {
			repNodes[r.partitions[rp]] = struct{}{}
		}
		walk := r.walkClockwise(p)
		for _, p2 := range walk[1:] {
			if _, clash := repNodes[r.partitions[p2]]; !clash {
				r.swap(p, p2)
				break
			}
		}
	}
}

// Ok reports whether every node's claimed partitions are spread at
// least N-1 apart, the invariant FixConstraint restores.
func (r *Ring) Ok() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		claim := node.Claim()
		for i, p := range claim {
			prev := claim[(i-1+len(claim))%len(claim)]
			d := p - prev
			if d < 0 {
				d = -d
			}
			if d < r.n-1 {
				return false
			}
		}
	}
	return true
}

func randIntInSlice(s []int) (int, bool) {
	if len(s) == 0 {
		return 0, false
	}
	return s[rand.Intn(len(s))], true
}

// UpdateNode sets node's desired claim size, stealing partitions from
// (or handing them to) other nodes at random while respecting the
// replication spread where possible. A nil wanted means "an even
// share of the ring"; force lets remove-node hand off a partition even
// when no candidate can take it without breaking the spread.
func (r *Ring) UpdateNode(node *Node, wanted *int, force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node.Wanted = wanted

	claim := r.numPartitions / len(r.nodes)
	if wanted != nil {
		claim = *wanted
	}

	unwanted := r.unwanted(node.Claim())

	for claim > node.claimLen() {
		available := make([]int, 0)
		for p := 0; p < r.numPartitions; p++ {
			if _, bad := unwanted[p]; !bad {
				available = append(available, p)
			}
		}
		p, ok := randIntInSlice(available)
		if !ok {
			break
		}
		owner := r.partitions[p]
		owner.removePartition(p)
		node.addPartition(p)
		r.partitions[p] = node
		for _, m := range r.neighbours(p) {
			unwanted[m] = struct{}{}
		}
	}

	for claim < node.claimLen() {
		pFrom, ok := randIntInSlice(node.Claim())
		if !ok {
			break
		}
		busy := make(map[*Node]struct{})
		for _, m := range r.neighbours(pFrom) {
			busy[r.partitions[m]] = struct{}{}
		}
		candidates := make([]*Node, 0, len(r.nodes))
		for _, cand := range r.nodes {
			if _, isBusy := busy[cand]; !isBusy {
				candidates = append(candidates, cand)
			}
		}
		var target *Node
		if len(candidates) > 0 {
			target = candidates[rand.Intn(len(candidates))]
		} else if force {
			others := make([]*Node, 0, len(r.nodes)-1)
			for _, cand := range r.nodes {
				if cand != node {
					others = append(others, cand)
				}
			}
			if len(others) > 0 {
				target = others[rand.Intn(len(others))]
			}
		}
		if target == nil {
			break
		}
		target.addPartition(pFrom)
		node.removePartition(pFrom)
		r.partitions[pFrom] = target
	}
}

// UpdateClaim nudges any node whose claim has drifted more than 3
// partitions from what it wants back towards its target. The
// threshold matches the upstream algorithm's deliberately loose
// rebalance trigger — small drift is left alone.
func (r *Ring) UpdateClaim() {
	r.mu.RLock()
	nodes := make([]*Node, len(r.nodes))
	copy(nodes, r.nodes)
	numNodes := len(r.nodes)
	numPartitions := r.numPartitions
	r.mu.RUnlock()

	for _, node := range nodes {
		want := numPartitions / numNodes
		if node.Wanted != nil {
			want = *node.Wanted
		}
		d := node.claimLen() - want
		if d < 0 {
			d = -d
		}
		if d > 3 {
			r.UpdateNode(node, node.Wanted, false)
		}
	}
}

// AddNode admits a new node to the ring, gives it a claim (an even
// share if claim is nil), and repairs the replication spread.
func (r *Ring) AddNode(node *Node, claim *int) {
	r.mu.Lock()
	r.nodes = append(r.nodes, node)
	if len(r.nodes) < r.wantedN {
		r.n = len(r.nodes)
	} else {
		r.n = r.wantedN
	}
	r.mu.Unlock()

	r.UpdateNode(node, claim, false)
	if !r.Ok() {
		r.FixConstraint()
	}
}

// Snapshot renders the ring's current membership and partition
// ownership into its wire-serializable shape, for gossip's /_metadata
// payload.
func (r *Ring) Snapshot() types.RingSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]types.Node, len(r.nodes))
	claims := make(map[string][]int, len(r.nodes))
	for i, n := range r.nodes {
		nodes[i] = types.Node{ID: n.Name(), Host: n.Host, Port: n.Port}
		claims[n.Name()] = n.Claim()
	}
	return types.RingSnapshot{
		NumPartitions: r.numPartitions,
		NumReplicas:   r.n,
		Nodes:         nodes,
		Claims:        claims,
	}
}

// LoadSnapshot wholesale-replaces the ring's membership and partition
// table with snap's, the same way update_meta adopts a peer's pickled
// ring outright once its vector clock strictly descends from ours. If
// self is one of snap's nodes (matched by host:port), the existing
// self pointer is reused instead of a fresh Node, so callers that hold
// onto self keep seeing its current claim.
func (r *Ring) LoadSnapshot(snap types.RingSnapshot, self *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName := make(map[string]*Node, len(snap.Nodes))
	nodes := make([]*Node, 0, len(snap.Nodes))
	selfSeen := false
	for _, tn := range snap.Nodes {
		var n *Node
		if self != nil && tn.Host == self.Host && tn.Port == self.Port {
			n = self
			selfSeen = true
		} else {
			n = NewNode(tn.Host, tn.Port)
		}
		n.setClaim(append([]int(nil), snap.Claims[tn.ID]...))
		byName[tn.ID] = n
		nodes = append(nodes, n)
	}
	if self != nil && !selfSeen {
		// self is not a member of the adopted ring, so it owns nothing in it.
		self.setClaim(nil)
	}

	partitions := make([]*Node, snap.NumPartitions)
	for name, claim := range snap.Claims {
		owner := byName[name]
		if owner == nil {
			continue
		}
		for _, p := range claim {
			if p >= 0 && p < len(partitions) {
				partitions[p] = owner
			}
		}
	}

	r.numPartitions = snap.NumPartitions
	r.n = snap.NumReplicas
	r.nodes = nodes
	r.partitions = partitions
}

// RemoveNode evicts node from the ring, handing off all of its
// partitions first.
func (r *Ring) RemoveNode(node *Node) {
	zero := 0
	r.UpdateNode(node, &zero, true)

	r.mu.Lock()
	for i, n := range r.nodes {
		if n == node {
			r.nodes = append(r.nodes[:i], r.nodes[i+1:]...)
			break
		}
	}
	if len(r.nodes) < r.wantedN {
		r.n = len(r.nodes)
	} else {
		r.n = r.wantedN
	}
	r.mu.Unlock()

	if !r.Ok() {
		r.FixConstraint()
	}
}
