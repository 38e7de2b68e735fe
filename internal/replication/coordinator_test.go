package replication

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinz-dynamo/vinz-dynamo/internal/future"
	"github.com/vinz-dynamo/vinz-dynamo/internal/ring"
	"github.com/vinz-dynamo/vinz-dynamo/internal/versioning"
	"github.com/vinz-dynamo/vinz-dynamo/pkg/types"
)

// fakeReplica is an in-memory Replica double. It optionally fails the
// next N calls of a given kind, and records every Put it receives so
// read-repair can be asserted on.
type fakeReplica struct {
	name string

	mu       sync.Mutex
	values   map[string]types.StoredValue
	failGets int
	failPuts int
	puts     []types.StoredValue
}

func newFakeReplica(name string) *fakeReplica {
	return &fakeReplica{name: name, values: make(map[string]types.StoredValue)}
}

func (f *fakeReplica) String() string { return f.name }

func (f *fakeReplica) seed(key string, sv types.StoredValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = sv
}

func (f *fakeReplica) Get(key string) *future.Future[types.StoredValue] {
	fut, p := future.New[types.StoredValue]()
	go func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failGets > 0 {
			f.failGets--
			p.Reject(fmt.Errorf("fakeReplica %s: get failed", f.name))
			return
		}
		sv, ok := f.values[key]
		if !ok {
			p.Reject(fmt.Errorf("fakeReplica %s: not found", f.name))
			return
		}
		p.Resolve(sv)
	}()
	return fut
}

func (f *fakeReplica) Put(key string, sv types.StoredValue) *future.Future[struct{}] {
	fut, p := future.New[struct{}]()
	go func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failPuts > 0 {
			f.failPuts--
			p.Reject(fmt.Errorf("fakeReplica %s: put failed", f.name))
			return
		}
		f.values[key] = sv
		f.puts = append(f.puts, sv)
		p.Resolve(struct{}{})
	}()
	return fut
}

func (f *fakeReplica) Delete(key string) *future.Future[struct{}] {
	return f.Put(key, types.NewTombstone(versioning.New()))
}

// threeNodeRing builds a ring with three distinct nodes and N=3, so
// every key's preference list is exactly those three nodes.
func threeNodeRing(t *testing.T) (*ring.Ring, []*ring.Node) {
	t.Helper()
	n0 := ring.NewNode("10.0.0.1", 8080)
	r := ring.New(64, n0, 3)
	n1 := ring.NewNode("10.0.0.2", 8080)
	n2 := ring.NewNode("10.0.0.3", 8080)
	r.AddNode(n1, nil)
	r.AddNode(n2, nil)
	return r, []*ring.Node{n0, n1, n2}
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newLookupCoordinator(t *testing.T, r int, w int) (*Coordinator, map[string]*fakeReplica, *ring.Ring) {
	t.Helper()
	hashRing, nodes := threeNodeRing(t)
	replicas := make(map[string]*fakeReplica, len(nodes))
	for _, n := range nodes {
		replicas[n.Name()] = newFakeReplica(n.Name())
	}
	lookup := func(node *ring.Node, key string) Replica {
		return replicas[node.Name()]
	}
	c := New(hashRing, lookup, r, w, testLog())
	return c, replicas, hashRing
}

func TestPutSucceedsOnceWriteQuorumAcks(t *testing.T) {
	c, replicas, _ := newLookupCoordinator(t, 2, 2)

	// One replica always fails; quorum of 2-of-3 should still succeed.
	for _, rep := range replicas {
		rep.failPuts = 100
		break
	}

	vc, err := c.Put("widget", "client-a", nil, []byte("gear"))
	require.NoError(t, err)
	assert.NotNil(t, vc)
}

func TestPutFailsWhenWriteQuorumUnreachable(t *testing.T) {
	c, replicas, _ := newLookupCoordinator(t, 2, 3)

	for _, rep := range replicas {
		rep.failPuts = 100
		break
	}

	_, err := c.Put("widget", "client-a", nil, []byte("gear"))
	assert.Error(t, err)
}

func TestGetResolvesAmongstQuorumReplies(t *testing.T) {
	c, replicas, hashRing := newLookupCoordinator(t, 2, 2)

	vc := versioning.New().Increment("client-a", time.Now())
	sv := types.NewValue(vc, []byte("gear"))
	for _, n := range hashRing.Nodes() {
		replicas[n.Name()].seed("widget", sv)
	}

	got, err := c.Get("widget")
	require.NoError(t, err)
	require.Len(t, got.Values, 1)
	assert.Equal(t, "gear", string(got.Values[0]))
}

func TestGetFailsWhenReadQuorumUnreachable(t *testing.T) {
	c, replicas, hashRing := newLookupCoordinator(t, 2, 2)

	vc := versioning.New().Increment("client-a", time.Now())
	sv := types.NewValue(vc, []byte("gear"))
	nodes := hashRing.Nodes()
	replicas[nodes[0].Name()].seed("widget", sv)
	for _, n := range nodes[1:] {
		replicas[n.Name()].failGets = 100
	}

	_, err := c.Get("widget")
	assert.Error(t, err)
}

func TestGetTriggersReadRepairOnStaleReplica(t *testing.T) {
	c, replicas, hashRing := newLookupCoordinator(t, 3, 2)
	nodes := hashRing.Nodes()

	oldClock := versioning.New().Increment("client-a", time.Now())
	newClock := oldClock.Clone().Increment("client-a", time.Now())

	replicas[nodes[0].Name()].seed("widget", types.NewValue(newClock, []byte("v2")))
	replicas[nodes[1].Name()].seed("widget", types.NewValue(newClock, []byte("v2")))
	replicas[nodes[2].Name()].seed("widget", types.NewValue(oldClock, []byte("v1")))

	_, err := c.Get("widget")
	require.NoError(t, err)

	// finishGet's read-repair runs in the background; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		replicas[nodes[2].Name()].mu.Lock()
		n := len(replicas[nodes[2].Name()].puts)
		replicas[nodes[2].Name()].mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stale replica never received a read-repair write")
}

func TestGetTreatsTombstoneReplyAsFailureNotQuorumMember(t *testing.T) {
	c, replicas, hashRing := newLookupCoordinator(t, 2, 2)
	nodes := hashRing.Nodes()

	vc := versioning.New().Increment("client-a", time.Now())
	replicas[nodes[0].Name()].seed("widget", types.NewTombstone(vc))
	replicas[nodes[1].Name()].failGets = 100
	replicas[nodes[2].Name()].failGets = 100

	// Only the tombstone replica answers without error; with a
	// tombstone barred from counting toward the read quorum, this must
	// fail exactly like every other replica having errored.
	_, err := c.Get("widget")
	assert.Error(t, err)
}

func TestGetRepairsFailedReplicaNotJustStaleOnes(t *testing.T) {
	c, replicas, hashRing := newLookupCoordinator(t, 2, 2)
	nodes := hashRing.Nodes()

	vc := versioning.New().Increment("client-a", time.Now())
	sv := types.NewValue(vc, []byte("v1"))
	replicas[nodes[0].Name()].seed("widget", sv)
	replicas[nodes[1].Name()].seed("widget", sv)
	// nodes[2] never got the write at all: a plain not-found error, not
	// a stale-but-present value.

	_, err := c.Get("widget")
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		replicas[nodes[2].Name()].mu.Lock()
		n := len(replicas[nodes[2].Name()].puts)
		replicas[nodes[2].Name()].mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("replica that answered not-found never received a read-repair write")
}

func TestDeleteWritesTombstone(t *testing.T) {
	c, replicas, hashRing := newLookupCoordinator(t, 2, 2)

	_, err := c.Delete("widget", "client-a", nil)
	require.NoError(t, err)

	for _, n := range hashRing.Nodes() {
		rep := replicas[n.Name()]
		rep.mu.Lock()
		sv, ok := rep.values["widget"]
		rep.mu.Unlock()
		if ok {
			assert.True(t, sv.Tombstone, "replica %s has non-tombstone value after Delete", n.Name())
		}
	}
}
