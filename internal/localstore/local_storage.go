// Package localstore wraps a storage.Engine behind a fixed worker
// pool, pinning each partition to the same worker so a partition's
// operations are always serialized through one goroutine — the Go
// equivalent of the upstream design's single-threaded worker-per-store
// dispatch.
package localstore

import (
	"fmt"

	"github.com/vinz-dynamo/vinz-dynamo/internal/future"
	"github.com/vinz-dynamo/vinz-dynamo/internal/storage"
	"github.com/vinz-dynamo/vinz-dynamo/internal/versioning"
	"github.com/vinz-dynamo/vinz-dynamo/internal/wireformat"
	"github.com/vinz-dynamo/vinz-dynamo/pkg/types"
)

type job func()

// WorkerPool runs jobs on a fixed set of long-lived goroutines, one
// channel per worker, so the caller can pin related jobs (the same
// partition) to the same worker and avoid interleaving them.
type WorkerPool struct {
	queues []chan job
}

// NewWorkerPool starts size workers, each draining its own queue.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	wp := &WorkerPool{queues: make([]chan job, size)}
	for i := range wp.queues {
		q := make(chan job, 64)
		wp.queues[i] = q
		go func() {
			for j := range q {
				j()
			}
		}()
	}
	return wp
}

// Submit runs fn on the worker pinned to partition (partition mod
// pool size), exactly as the upstream design pins a partition to
// `num % len(workers)`.
func (wp *WorkerPool) Submit(partition int, fn job) {
	idx := partition % len(wp.queues)
	if idx < 0 {
		idx += len(wp.queues)
	}
	wp.queues[idx] <- fn
}

// Stop closes every worker queue. Call once no further jobs will be
// submitted.
func (wp *WorkerPool) Stop() {
	for _, q := range wp.queues {
		close(q)
	}
}

// LocalStorage is the per-partition storage collaborator: every
// method dispatches to the pool and returns a Future instead of
// blocking the caller.
type LocalStorage struct {
	pool      *WorkerPool
	engine    storage.Engine
	partition int
	name      string
}

// New builds a LocalStorage for one partition, backed by engine and
// dispatching through pool.
func New(pool *WorkerPool, engine storage.Engine, partition int, name string) *LocalStorage {
	return &LocalStorage{pool: pool, engine: engine, partition: partition, name: name}
}

func (ls *LocalStorage) String() string {
	return fmt.Sprintf("LocalStorage(%s)", ls.name)
}

// Get fetches and decodes the StoredValue for key.
func (ls *LocalStorage) Get(key string) *future.Future[types.StoredValue] {
	f, p := future.New[types.StoredValue]()
	ls.pool.Submit(ls.partition, func() {
		raw, err := ls.engine.Get(key)
		if err != nil {
			p.Reject(err)
			return
		}
		sv, err := wireformat.DecodeStoredValue(raw)
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(sv)
	})
	return f
}

// Put encodes and stores sv under key.
func (ls *LocalStorage) Put(key string, sv types.StoredValue) *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	ls.pool.Submit(ls.partition, func() {
		raw, err := wireformat.EncodeStoredValue(sv)
		if err != nil {
			p.Reject(err)
			return
		}
		if err := ls.engine.Put(key, raw); err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(struct{}{})
	})
	return f
}

// Delete removes key from the underlying engine outright. Logical
// deletes (tombstones that must still participate in causality) go
// through Put with a types.NewTombstone value instead.
func (ls *LocalStorage) Delete(key string) *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	ls.pool.Submit(ls.partition, func() {
		if err := ls.engine.Delete(key); err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(struct{}{})
	})
	return f
}

// MultiPut merges each incoming (key, StoredValue) against whatever is
// already stored for that key using resolve_list_extend, then stores
// the resolved result. This is the only caller of
// versioning.ResolveListExtend in the local store, matching the
// upstream contract that handoff's multi_put always produces the
// resolver's output, never the raw incoming value.
func (ls *LocalStorage) MultiPut(entries map[string]types.StoredValue) *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	ls.pool.Submit(ls.partition, func() {
		for key, incoming := range entries {
			resolved := incoming
			if raw, err := ls.engine.Get(key); err == nil {
				if curr, err := wireformat.DecodeStoredValue(raw); err == nil {
					resolved = resolveStoredValues(curr, incoming)
				}
			}
			encoded, err := wireformat.EncodeStoredValue(resolved)
			if err != nil {
				p.Reject(err)
				return
			}
			if err := ls.engine.Put(key, encoded); err != nil {
				p.Reject(err)
				return
			}
		}
		p.Resolve(struct{}{})
	})
	return f
}

// GetAll streams every key this partition holds to callback in chunks
// of roughly thresholdBytes, calling it once more with an empty map to
// signal completion — mirroring the upstream get_all contract used by
// handoff.
func (ls *LocalStorage) GetAll(thresholdBytes int, callback func(map[string]types.StoredValue)) {
	ls.pool.Submit(ls.partition, func() {
		keys := ls.engine.Keys()
		chunk := make(map[string]types.StoredValue)
		size := 0
		flush := func() {
			if len(chunk) > 0 {
				callback(chunk)
				chunk = make(map[string]types.StoredValue)
				size = 0
			}
		}
		for _, key := range keys {
			raw, err := ls.engine.Get(key)
			if err != nil {
				continue
			}
			sv, err := wireformat.DecodeStoredValue(raw)
			if err != nil {
				continue
			}
			chunk[key] = sv
			size += len(key) + len(raw)
			if size >= thresholdBytes {
				flush()
			}
		}
		flush()
		callback(map[string]types.StoredValue{})
	})
}

func resolveStoredValues(a, b types.StoredValue) types.StoredValue {
	pair := versioning.ResolveListExtend([]versioning.Pair{
		{Clock: a.Clock, Value: storedValuePayload(a)},
		{Clock: b.Clock, Value: storedValuePayload(b)},
	})
	return fromPayload(pair)
}

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
