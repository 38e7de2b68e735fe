package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinz-dynamo/vinz-dynamo/internal/ring"
	"github.com/vinz-dynamo/vinz-dynamo/internal/versioning"
	"github.com/vinz-dynamo/vinz-dynamo/pkg/types"
)

func newTestProtocol(t *testing.T) (*Protocol, *ring.Node) {
	t.Helper()
	self := ring.NewNode("10.0.0.1", 8080)
	hashRing := ring.New(32, self, 3)
	health := NewPeerHealth(time.Second, 5*time.Second)
	p := NewProtocol(self, hashRing, self.Name(), time.Second, time.Minute, health, nil, nil)
	return p, self
}

func TestReceiveAdoptsStrictlyDescendingPeer(t *testing.T) {
	p, self := newTestProtocol(t)

	peerRing := ring.New(32, self, 3)
	other := ring.NewNode("10.0.0.2", 8080)
	peerRing.AddNode(other, nil)

	ahead := p.CurrentMetadata().Clock.Increment("peer", time.Now())
	needsOurs := p.Receive(types.Metadata{Clock: ahead, Ring: peerRing.Snapshot()})

	assert.False(t, needsOurs, "adopting a strictly-ahead peer should not ask for ours back")
	assert.NotNil(t, p.hashRing.GetNode(other.Name()), "adopted ring should include the peer's new node")
}

func TestReceiveNoopOnEqualClocks(t *testing.T) {
	p, self := newTestProtocol(t)

	equal := p.CurrentMetadata()
	needsOurs := p.Receive(equal)

	assert.False(t, needsOurs, "equal clocks should not trigger peerNeedsOurs")
	assert.NotNil(t, p.hashRing.GetNode(self.Name()), "self should remain in the ring")
}

func TestReceiveReportsPeerBehind(t *testing.T) {
	p, _ := newTestProtocol(t)

	p.mu.Lock()
	p.clock = p.clock.Increment("self", time.Now())
	p.mu.Unlock()

	behind := types.Metadata{Clock: versioning.New(), Ring: p.hashRing.Snapshot()}
	needsOurs := p.Receive(behind)

	assert.True(t, needsOurs, "a peer whose clock does not descend from ours should be told to catch up")
}

func TestRandomPeerAvoidsPeersHealthBelievesDead(t *testing.T) {
	self := ring.NewNode("10.0.0.1", 8080)
	hashRing := ring.New(32, self, 3)
	dead := ring.NewNode("10.0.0.2", 8080)
	alive := ring.NewNode("10.0.0.3", 8080)
	hashRing.AddNode(dead, nil)
	hashRing.AddNode(alive, nil)

	health := NewPeerHealth(time.Millisecond, 2*time.Millisecond)
	health.RecordFailure(dead.Name())
	time.Sleep(10 * time.Millisecond)
	health.RecordFailure(dead.Name())
	assert.False(t, health.IsAlive(dead.Name()))

	p := NewProtocol(self, hashRing, self.Name(), time.Second, time.Minute, health, nil, nil)

	for i := 0; i < 50; i++ {
		target := p.randomPeer()
		require.NotEqual(t, dead.Name(), target.Name())
	}
}

func TestReceiveReinsertsMissingSelf(t *testing.T) {
	p, self := newTestProtocol(t)

	// A peer's ring that never heard of self: adopting it wholesale
	// would otherwise erase self from the ring it's about to serve
	// traffic on.
	other := ring.NewNode("10.0.0.2", 8080)
	peerRing := ring.New(32, other, 3)

	ahead := p.CurrentMetadata().Clock.Increment("peer", time.Now())
	needsOurs := p.Receive(types.Metadata{Clock: ahead, Ring: peerRing.Snapshot()})

	assert.True(t, needsOurs, "re-inserting self should always force peerNeedsOurs")
	assert.NotNil(t, p.hashRing.GetNode(self.Name()), "self must be re-added after adopting a ring that omitted it")
}
