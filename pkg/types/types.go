// Package types holds the data shapes shared across the node's
// components: cluster membership, the ring's wire representation, and
// the causal envelope every stored value carries.
package types

import (
	"strconv"
	"time"

	"github.com/vinz-dynamo/vinz-dynamo/internal/versioning"
)

// Node identifies one member of the cluster by its HTTP address.
type Node struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Address returns the node's dialable host:port.
func (n Node) Address() string {
	return n.Host + ":" + strconv.Itoa(n.Port)
}

// StoredValue is the causal envelope every key maps to in local
// storage and on the wire: a VectorClock plus either a single value,
// a tombstone marker, or (after concurrent writes raced) a list of
// sibling values the client must resolve.
type StoredValue struct {
	Clock     *versioning.VectorClock `json:"clock"`
	Values    [][]byte                `json:"values,omitempty"`
	Tombstone bool                    `json:"tombstone,omitempty"`
}

// IsSiblings reports whether this value has more than one concurrent
// version that a client needs to pick between.
func (sv StoredValue) IsSiblings() bool {
	return len(sv.Values) > 1
}

// NewValue builds a single-version StoredValue.
func NewValue(clock *versioning.VectorClock, value []byte) StoredValue {
	return StoredValue{Clock: clock, Values: [][]byte{value}}
}

// NewTombstone builds a deletion marker that still carries a clock so
// the delete itself participates in causality.
func NewTombstone(clock *versioning.VectorClock) StoredValue {
	return StoredValue{Clock: clock, Tombstone: true}
}

// Metadata is the gossip payload: a node's view of the ring, wrapped
// in a VectorClock so peers can tell whose view is newer.
type Metadata struct {
	Clock *versioning.VectorClock `json:"clock"`
	Ring  RingSnapshot            `json:"ring"`
}

// RingSnapshot is the wire-serializable form of a Ring: partition
// count, replica count, and each node's claim set.
type RingSnapshot struct {
	NumPartitions int              `json:"num_partitions"`
	NumReplicas   int              `json:"num_replicas"`
	Nodes         []Node           `json:"nodes"`
	Claims        map[string][]int `json:"claims"` // node ID -> owned partition indices
}

// ClusterStatus is the payload for GET /admin/status.
type ClusterStatus struct {
	NodeID           string             `json:"node_id"`
	Uptime           string             `json:"uptime"`
	ClaimedCount     int                `json:"claimed_partitions"`
	TotalNodes       int                `json:"total_nodes"`
	NumPartitions    int                `json:"num_partitions"`
	NumReplicas      int                `json:"num_replicas"`
	StartedAt        time.Time          `json:"started_at"`
	LoadDistribution map[string]float64 `json:"load_distribution"` // node ID -> % of keyspace owned
	NeedsRebalance   bool               `json:"needs_rebalance"`
}

// HandoffChunk is one frame of a streamed partition transfer: a batch
// of keys and their StoredValues, with Final set on the closing
// (possibly empty) chunk.
type HandoffChunk struct {
	Partition int                    `json:"partition"`
	Entries   map[string]StoredValue `json:"entries"`
	Final     bool                   `json:"final"`
}

// ClaimRequest describes an operator-driven request to change how many
// partitions a node wants to own. The /admin/claim handler does not
// decode it: that endpoint takes the count as a plain-text integer.
type ClaimRequest struct {
	NodeID string `json:"node_id"`
	Claim  int    `json:"claim"`
}
