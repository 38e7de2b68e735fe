package replication

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"

	"github.com/vinz-dynamo/vinz-dynamo/internal/gossip"
	"github.com/vinz-dynamo/vinz-dynamo/internal/localstore"
	"github.com/vinz-dynamo/vinz-dynamo/internal/ring"
	"github.com/vinz-dynamo/vinz-dynamo/internal/wireformat"
	"github.com/vinz-dynamo/vinz-dynamo/pkg/types"
)

// HandoffEngine periodically checks whether this node is still holding
// storage for a partition it no longer claims or replicates, and if
// so streams that partition's contents to its new owner before
// retiring the local shard. Grounded on VinzClortho.check_handoff /
// do_handoff / _partial_handoff: the set of partitions to hand off is
// "held minus claimed minus replicated", grouped by target node,
// probed for liveness before the transfer starts.
type HandoffEngine struct {
	self     *ring.Node
	hashRing *ring.Ring
	client   *http.Client
	health   *gossip.PeerHealth
	chunk    int
	log      *logrus.Entry

	mu    sync.Mutex
	held  map[int]*localstore.LocalStorage // partitions this node still serves
	drain map[int]struct{}                 // partitions mid-handoff, skipped by Sweep

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHandoffEngine builds an engine for self, using hashRing to decide
// what should move, health to skip targets already believed dead and
// to record the outcome of its own liveness probes, and
// requestTimeout as the per-HTTP-call deadline.
func NewHandoffEngine(self *ring.Node, hashRing *ring.Ring, health *gossip.PeerHealth, chunkBytes int, requestTimeout time.Duration, log *logrus.Entry) *HandoffEngine {
	return &HandoffEngine{
		self:     self,
		hashRing: hashRing,
		client:   &http.Client{Timeout: requestTimeout},
		health:   health,
		chunk:    chunkBytes,
		log:      log,
		held:     make(map[int]*localstore.LocalStorage),
		drain:    make(map[int]struct{}),
		stop:     make(chan struct{}),
	}
}

// Hold registers ls as serving partition p. Called once per partition
// this node claims, mirroring update_storage's "create storage for
// every claimed partition" sweep.
func (h *HandoffEngine) Hold(p int, ls *localstore.LocalStorage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, already := h.held[p]; !already {
		h.held[p] = ls
	}
}

// Storage returns the LocalStorage serving partition p, or nil if this
// node isn't currently holding it (either never claimed, or already
// handed off).
func (h *HandoffEngine) Storage(p int) *localstore.LocalStorage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.held[p]
}

// Run starts the periodic sweep loop; call Stop to end it.
func (h *HandoffEngine) Run(period time.Duration) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				h.Sweep()
			}
		}
	}()
}

// Stop ends the sweep loop and waits for it to exit.
func (h *HandoffEngine) Stop() {
	close(h.stop)
	h.wg.Wait()
}

// Sweep is check_handoff: partitions this node holds but neither
// claims nor replicates are grouped by their current owner and handed
// off, one owner's group at a time, after confirming that owner is
// reachable.
func (h *HandoffEngine) Sweep() {
	claim := make(map[int]struct{})
	for _, p := range h.self.Claim() {
		claim[p] = struct{}{}
	}
	replicated := h.hashRing.Replicated(h.self)

	h.mu.Lock()
	toHandoff := make([]int, 0)
	for p := range h.held {
		if _, inDrain := h.drain[p]; inDrain {
			continue
		}
		_, claimed := claim[p]
		_, repl := replicated[p]
		if !claimed && !repl {
			toHandoff = append(toHandoff, p)
		}
	}
	h.mu.Unlock()

	byNode := make(map[*ring.Node][]int)
	for _, p := range toHandoff {
		target := h.hashRing.PartitionToNode(p)
		if target == h.self {
			continue
		}
		byNode[target] = append(byNode[target], p)
	}

	for node, partitions := range byNode {
		if !h.probe(node) {
			if h.log != nil {
				h.log.WithField("target", node.Name()).Warn("handoff target unreachable, will retry next sweep")
			}
			continue
		}
		for _, p := range partitions {
			h.handoffPartition(node, p)
		}
	}
}

// probe confirms node is answering before committing a partition to
// it, matching check_handoff's GET /_metadata liveness check. A node
// health already believes is dead is skipped without spending a
// request timeout on it — it'll be retried on the next sweep once
// gossip or a later probe marks it alive again.
func (h *HandoffEngine) probe(node *ring.Node) bool {
	if h.health != nil && !h.health.IsAlive(node.Name()) {
		return false
	}
	resp, err := h.client.Get(fmt.Sprintf("http://%s/_metadata", node.Name()))
	if err != nil {
		if h.health != nil {
			h.health.RecordFailure(node.Name())
		}
		return false
	}
	defer resp.Body.Close()
	alive := resp.StatusCode == http.StatusOK
	if h.health != nil {
		if alive {
			h.health.RecordSuccess(node.Name())
		} else {
			h.health.RecordFailure(node.Name())
		}
	}
	return alive
}

// handoffPartition streams partition p's contents to node in
// self.chunk-sized frames and retires the local shard once the final
// (empty) frame has been acknowledged. If any frame fails, the shard
// stays held and the next Sweep tries the whole partition again.
func (h *HandoffEngine) handoffPartition(node *ring.Node, p int) {
	h.mu.Lock()
	ls, ok := h.held[p]
	if !ok {
		h.mu.Unlock()
		return
	}
	h.drain[p] = struct{}{}
	h.mu.Unlock()

	sent := 0
	failed := false
	ls.GetAll(h.chunk, func(entries map[string]types.StoredValue) {
		chunk := types.HandoffChunk{Partition: p, Entries: entries, Final: len(entries) == 0}
		fingerprint, err := h.send(node, chunk)
		if err != nil {
			failed = true
			if h.log != nil {
				h.log.WithError(err).WithField("partition", p).WithField("target", node.Name()).WithField("fingerprint", fingerprint).Error("handoff chunk failed")
			}
		} else {
			sent += len(entries)
		}
		if !chunk.Final {
			return
		}
		h.mu.Lock()
		delete(h.drain, p)
		if !failed {
			delete(h.held, p)
		}
		h.mu.Unlock()
		if !failed && h.log != nil {
			h.log.WithField("partition", p).WithField("target", node.Name()).WithField("keys", sent).Info("handoff complete")
		}
	})
}

// send posts one encoded chunk to node's /_handoff, returning a
// murmur3 fingerprint of the wire payload so failed-chunk log lines
// can be correlated with a retry of the same content.
func (h *HandoffEngine) send(node *ring.Node, chunk types.HandoffChunk) (uint32, error) {
	blob, err := wireformat.EncodeHandoffChunk(chunk)
	if err != nil {
		return 0, err
	}
	fingerprint := murmur3.Sum32(blob)
	resp, err := h.client.Post(fmt.Sprintf("http://%s/_handoff", node.Name()), "application/octet-stream", bytes.NewReader(blob))
	if err != nil {
		return fingerprint, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fingerprint, fmt.Errorf("handoff: target %s responded %d", node.Name(), resp.StatusCode)
	}
	return fingerprint, nil
}
