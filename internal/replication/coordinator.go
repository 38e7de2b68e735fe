// Package replication implements the quorum read/write state machine
// and the partition handoff engine that keep the ring's declared
// ownership and the data actually sitting on each node in sync.
package replication

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vinz-dynamo/vinz-dynamo/internal/future"
	"github.com/vinz-dynamo/vinz-dynamo/internal/ring"
	"github.com/vinz-dynamo/vinz-dynamo/internal/versioning"
	"github.com/vinz-dynamo/vinz-dynamo/pkg/types"
)

// Replica is anything the coordinator can GET/PUT/DELETE a key against,
// whether it is backed by this node's own partition or a peer's HTTP
// surface. localstore.LocalStorage and remotestore.RemoteStorage both
// satisfy it without either package importing this one.
type Replica interface {
	Get(key string) *future.Future[types.StoredValue]
	Put(key string, sv types.StoredValue) *future.Future[struct{}]
	Delete(key string) *future.Future[struct{}]
	String() string
}

// ReplicaLookup resolves a ring node owning key's partition to the
// Replica the coordinator should actually talk to: a LocalStorage if
// node is this process, a RemoteStorage otherwise. Supplying this as a
// function, rather than hard-wiring local/remote selection here, keeps
// the coordinator ignorant of how partitions map to worker-pool slots.
type ReplicaLookup func(node *ring.Node, key string) Replica

// Coordinator implements the R/W quorum state machines for GET, PUT
// and DELETE against a key's preference list, plus read-repair of any
// replica whose answer didn't descend from the resolved value.
type Coordinator struct {
	hashRing *ring.Ring
	lookup   ReplicaLookup
	r        int
	w        int
	log      *logrus.Entry
}

// New builds a Coordinator.
func New(hashRing *ring.Ring, lookup ReplicaLookup, readQuorum, writeQuorum int, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		hashRing: hashRing,
		lookup:   lookup,
		r:        readQuorum,
		w:        writeQuorum,
		log:      log,
	}
}

// replicasFor resolves key's preference list to concrete Replicas,
// skipping fallbacks — sloppy quorum against the fallback list is out
// of scope for this build.
func (c *Coordinator) replicasFor(key string) []Replica {
	primaries, _ := c.hashRing.Preferred(key)
	out := make([]Replica, len(primaries))
	for i, node := range primaries {
		out[i] = c.lookup(node, key)
	}
	return out
}

// getOutcome is one replica's reply to a fanned-out GET. replica is
// always set so both the quorum count and read-repair (which must
// reach failed and not-found replicas too, not just stale-but-present
// ones) know who answered.
type getOutcome struct {
	replica Replica
	value   types.StoredValue
	err     error
}

// ok reports whether this reply counts toward the read quorum. A
// tombstone is treated the same as a transport error here: the caller
// sees 404 for a resolved tombstone, so a reply that is itself a
// tombstone cannot be allowed to satisfy quorum on its own — it still
// needs repairing if the eventual resolution disagrees with it.
func (o getOutcome) ok() bool {
	return o.err == nil && !o.value.Tombstone
}

// Get performs a quorum read: it fans the GET out to every replica in
// key's preference list, waits for R successful (non-tombstone)
// replies (or for every replica to answer, whichever comes first),
// resolves the collected values and kicks off read-repair in the
// background before returning.
//
// The returned StoredValue may carry more than one sibling in Values
// when concurrent writers raced; the caller (the HTTP layer) is
// responsible for surfacing HTTP 300 in that case, matching the
// upstream contract.
func (c *Coordinator) Get(key string) (types.StoredValue, error) {
	replicas := c.replicasFor(key)
	if len(replicas) == 0 {
		return types.StoredValue{}, fmt.Errorf("replication: no replicas for key %q", key)
	}

	results := make(chan getOutcome, len(replicas))
	for _, r := range replicas {
		r := r
		r.Get(key).Then(func(sv types.StoredValue) {
			results <- getOutcome{replica: r, value: sv}
		}).Catch(func(err error) {
			results <- getOutcome{replica: r, err: err}
		})
	}

	var ok []getOutcome
	var failed []getOutcome
	var done bool
	received := 0
	for received < len(replicas) && !done {
		o := <-results
		received++
		if !o.ok() {
			failed = append(failed, o)
			continue
		}
		ok = append(ok, o)
		if len(ok) >= c.r {
			done = true
		}
	}

	go c.finishGet(key, results, ok, failed, len(replicas)-received)

	if len(ok) < c.r {
		return types.StoredValue{}, fmt.Errorf("replication: read quorum not met for key %q", key)
	}

	return fromPayload(resolveOutcomes(ok)), nil
}

// finishGet drains any GET replies still in flight after quorum was
// reached, then runs read-repair across every replica this request
// saw — mirroring _read_repair, which pushes the resolved value to
// every replica whose reply was stale *and* to every replica that
// failed or came back empty, unconditionally.
func (c *Coordinator) finishGet(key string, results chan getOutcome, ok, failed []getOutcome, outstanding int) {
	for i := 0; i < outstanding; i++ {
		o := <-results
		if !o.ok() {
			failed = append(failed, o)
			continue
		}
		ok = append(ok, o)
	}
	if len(ok) == 0 {
		return
	}
	final := fromPayload(resolveOutcomes(ok))

	for _, o := range ok {
		if final.Clock.DescendsFrom(o.value.Clock) && !o.value.Clock.DescendsFrom(final.Clock) {
			c.repair(key, o.replica, final)
		}
	}
	for _, o := range failed {
		c.repair(key, o.replica, final)
	}
}

func (c *Coordinator) repair(key string, replica Replica, final types.StoredValue) {
	if c.log != nil {
		c.log.WithField("replica", replica.String()).WithField("key", key).Info("read repair")
	}
	replica.Put(key, final)
}

// resolveOutcomes folds a set of successful GET replies into a single
// causally-resolved value via versioning's Pair/Joiner machinery.
func resolveOutcomes(ok []getOutcome) versioning.Pair {
	pairs := make([]versioning.Pair, len(ok))
	for i, o := range ok {
		pairs[i] = versioning.Pair{Clock: o.value.Clock, Value: storedValuePayload(o.value)}
	}
	return versioning.ResolveList(pairs, siblingJoiner)
}

// Put increments vc (a fresh clock if the caller had none, i.e. the
// request carried no causal context) for clientID — the requester's
// X-VinzClortho-ClientId header, or its address if absent — fans the
// write out to every replica in key's preference list, and succeeds
// once W replicas have acknowledged.
func (c *Coordinator) Put(key, clientID string, vc *versioning.VectorClock, value []byte) (*versioning.VectorClock, error) {
	if vc == nil {
		vc = versioning.New()
	}
	now := time.Now()
	vc = vc.Clone().Increment(clientID, now).Prune(now)
	sv := types.NewValue(vc, value)
	if err := c.writeQuorum(key, sv); err != nil {
		return nil, err
	}
	return vc, nil
}

// Delete writes a tombstone that still descends from vc, so the
// deletion itself participates in causality instead of silently
// vanishing a concurrent write.
func (c *Coordinator) Delete(key, clientID string, vc *versioning.VectorClock) (*versioning.VectorClock, error) {
	if vc == nil {
		vc = versioning.New()
	}
	now := time.Now()
	vc = vc.Clone().Increment(clientID, now).Prune(now)
	sv := types.NewTombstone(vc)
	if err := c.writeQuorum(key, sv); err != nil {
		return nil, err
	}
	return vc, nil
}

func (c *Coordinator) writeQuorum(key string, sv types.StoredValue) error {
	replicas := c.replicasFor(key)
	if len(replicas) == 0 {
		return fmt.Errorf("replication: no replicas for key %q", key)
	}

	var mu sync.Mutex
	var acked, failed int
	done := make(chan struct{})
	var once sync.Once

	for _, r := range replicas {
		r := r
		r.Put(key, sv).Then(func(struct{}) {
			mu.Lock()
			acked++
			a, f := acked, failed
			mu.Unlock()
			if a >= c.w || a+f == len(replicas) {
				once.Do(func() { close(done) })
			}
		}).Catch(func(error) {
			mu.Lock()
			failed++
			a, f := acked, failed
			mu.Unlock()
			if a+f == len(replicas) {
				once.Do(func() { close(done) })
			}
		})
	}

	<-done
	mu.Lock()
	a := acked
	mu.Unlock()
	if a < c.w {
		return fmt.Errorf("replication: write quorum not met for key %q (%d/%d)", key, a, c.w)
	}
	return nil
}

// storedValuePayload and fromPayload let the coordinator reuse
// versioning's Pair/Joiner machinery the same way localstore does,
// without localstore and replication importing each other.
func storedValuePayload(sv types.StoredValue) any {
	if sv.Tombstone {
		return nil
	}
	if len(sv.Values) == 1 {
		return sv.Values[0]
	}
	vals := make([]any, len(sv.Values))
	for i, v := range sv.Values {
		vals[i] = v
	}
	return vals
}

func fromPayload(pair versioning.Pair) types.StoredValue {
	switch v := pair.Value.(type) {
	case nil:
		return types.NewTombstone(pair.Clock)
	case []byte:
		return types.NewValue(pair.Clock, v)
	case []any:
		values := make([][]byte, 0, len(v))
		for _, e := range v {
			if b, ok := e.([]byte); ok {
				values = append(values, b)
			}
		}
		return types.StoredValue{Clock: pair.Clock, Values: values}
	default:
		return types.StoredValue{Clock: pair.Clock, Tombstone: true}
	}
}

// siblingJoiner flattens concurrent values into one sibling list,
// matching resolve_list_extend's behaviour used by both GET's
// resolution and read-repair's comparison.
func siblingJoiner(a, b any) any {
	flatten := func(v any) []any {
		if s, ok := v.([]any); ok {
			return s
		}
		return []any{v}
	}
	return append(flatten(a), flatten(b)...)
}
