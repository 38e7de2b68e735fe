// Package gossip disseminates ring membership via periodic HTTP
// exchange of a VectorClock-stamped Metadata payload, replacing the
// teacher's UDP SWIM-style gossip (see DESIGN.md): the ring's
// authoritative state is the clock-reconciled Metadata itself, not a
// separately maintained member list.
package gossip

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"

	"github.com/vinz-dynamo/vinz-dynamo/internal/ring"
	"github.com/vinz-dynamo/vinz-dynamo/internal/versioning"
	"github.com/vinz-dynamo/vinz-dynamo/internal/wireformat"
	"github.com/vinz-dynamo/vinz-dynamo/pkg/types"
)

// Protocol periodically picks a random peer, fetches its Metadata, and
// reconciles it against this node's own — grounded directly on
// VinzClortho's get_gossip / gossip_received / update_meta /
// random_other_node_address / schedule_gossip.
type Protocol struct {
	self     *ring.Node
	hashRing *ring.Ring
	clientID string
	client   *http.Client
	health   *PeerHealth
	interval time.Duration
	onChange func()
	log      *logrus.Entry

	mu         sync.Mutex
	clock      *versioning.VectorClock
	lastDigest map[string]uint32 // peer name -> murmur3 digest of its last /_metadata body seen

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewProtocol builds a gossip Protocol for self. onChange, if
// non-nil, is invoked whenever this node's metadata actually advances
// (an update_storage/check_handoff trigger upstream) — typically
// wired to re-run the handoff sweep and confirm local partition
// storage for anything newly claimed.
func NewProtocol(self *ring.Node, hashRing *ring.Ring, clientID string, requestTimeout, interval time.Duration, health *PeerHealth, onChange func(), log *logrus.Entry) *Protocol {
	return &Protocol{
		self:     self,
		hashRing: hashRing,
		clientID: clientID,
		client:   &http.Client{Timeout: requestTimeout},
		health:   health,
		interval: interval,
		onChange: onChange,
		log:        log,
		clock:      versioning.New().Increment(clientID, time.Now()),
		lastDigest: make(map[string]uint32),
		stop:       make(chan struct{}),
	}
}

// CurrentMetadata renders this node's view of the cluster for GET
// /_metadata.
func (p *Protocol) CurrentMetadata() types.Metadata {
	p.mu.Lock()
	clock := p.clock.Clone()
	p.mu.Unlock()
	return types.Metadata{Clock: clock, Ring: p.hashRing.Snapshot()}
}

// Receive reconciles an inbound Metadata — from a gossip GET's
// response or a peer's unsolicited PUT — against this node's own,
// following update_meta exactly: adopt the peer's ring wholesale when
// its clock strictly descends from ours, leave things alone when the
// clocks are equal, and otherwise report that the peer is the one
// behind. Re-inserting self into an adopted ring that doesn't yet list
// it always forces peerNeedsOurs, matching the Python "old = True"
// fallthrough on self-insertion.
func (p *Protocol) Receive(meta types.Metadata) (peerNeedsOurs bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	updated := false

	switch {
	case meta.Clock.DescendsFrom(p.clock) && !meta.Clock.Equal(p.clock):
		p.hashRing.LoadSnapshot(meta.Ring, p.self)
		p.clock = meta.Clock
		updated = true
	case meta.Clock.Equal(p.clock):
		// already in sync, nothing to do
	default:
		peerNeedsOurs = true
	}

	if p.hashRing.GetNode(p.self.Name()) == nil {
		p.hashRing.AddNode(p.self, p.self.Wanted)
		p.clock = p.clock.Increment(p.clientID, time.Now())
		updated = true
		peerNeedsOurs = true
	}

	if updated && p.onChange != nil {
		p.onChange()
	}
	return peerNeedsOurs
}

// Run starts the periodic gossip loop: one round immediately (matching
// create_ring's schedule_gossip() on startup), then one every
// interval until Stop.
func (p *Protocol) Run() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.gossipRound()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.gossipRound()
			}
		}
	}()
}

// Stop ends the gossip loop and waits for the current round to finish.
func (p *Protocol) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Kick runs one gossip round immediately, outside the regular
// interval, matching schedule_gossip(0.0) after a local ring change
// (balance / update_claim).
func (p *Protocol) Kick() {
	go p.gossipRound()
}

// randomPeer picks a gossip target uniformly among peers health
// doesn't believe are dead, falling back to the full candidate set
// when every peer looks dead — health is advisory, not authoritative,
// so a cluster that looks entirely down must still keep trying rather
// than gossip with no one.
func (p *Protocol) randomPeer() *ring.Node {
	nodes := p.hashRing.Nodes()
	candidates := make([]*ring.Node, 0, len(nodes))
	live := make([]*ring.Node, 0, len(nodes))
	for _, n := range nodes {
		if n == p.self {
			continue
		}
		candidates = append(candidates, n)
		if p.health == nil || p.health.IsAlive(n.Name()) {
			live = append(live, n)
		}
	}
	if len(live) > 0 {
		return live[rand.Intn(len(live))]
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

func (p *Protocol) gossipRound() {
	target := p.randomPeer()
	if target == nil {
		return
	}
	url := fmt.Sprintf("http://%s/_metadata", target.Name())

	resp, err := p.client.Get(url)
	if err != nil {
		p.health.RecordFailure(target.Name())
		if p.log != nil {
			p.log.WithError(err).WithField("peer", target.Name()).Debug("gossip fetch failed")
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.health.RecordFailure(target.Name())
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	p.health.RecordSuccess(target.Name())

	digest := murmur3.Sum32(body)
	p.mu.Lock()
	unchanged := p.lastDigest[target.Name()] == digest
	p.lastDigest[target.Name()] = digest
	p.mu.Unlock()
	if unchanged {
		// peer's view is byte-identical to what we saw last round; no
		// point paying for a JSON decode and clock comparison.
		return
	}

	meta, err := wireformat.DecodeMetadata(body)
	if err != nil {
		if p.log != nil {
			p.log.WithError(err).WithField("peer", target.Name()).Warn("gossip decode failed")
		}
		return
	}

	if p.Receive(meta) {
		blob, err := wireformat.EncodeMetadata(p.CurrentMetadata())
		if err != nil {
			return
		}
		req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(blob))
		if err != nil {
			return
		}
		if putResp, err := p.client.Do(req); err == nil {
			putResp.Body.Close()
		}
	}
}
