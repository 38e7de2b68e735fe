package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/vinz-dynamo/vinz-dynamo/internal/ring"
	"github.com/vinz-dynamo/vinz-dynamo/internal/versioning"
	"github.com/vinz-dynamo/vinz-dynamo/internal/wireformat"
	"github.com/vinz-dynamo/vinz-dynamo/pkg/types"
)

const (
	headerClientID = "X-VinzClortho-ClientId"
	headerContext  = "X-VinzClortho-Context"
	maxBodyBytes   = 10 << 20
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}

// clientIdentity extracts who is making the request, mirroring
// StoreHandler._extract: the caller's declared client ID if it sent
// one, falling back to its address so unattributed clients still get
// their own vector-clock lineage instead of colliding with everyone
// else's.
func clientIdentity(r *http.Request) string {
	if c := r.Header.Get(headerClientID); c != "" {
		return c
	}
	return r.RemoteAddr
}

// contextFromHeader decodes the causal context a client attached to a
// PUT or DELETE. A request with no context at all is a blind write —
// vc comes back nil and Coordinator.Put/Delete treats that as "start a
// fresh clock".
func contextFromHeader(r *http.Request) (*versioning.VectorClock, error) {
	h := r.Header.Get(headerContext)
	if h == "" {
		return nil, nil
	}
	return wireformat.DecodeContext(h)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// handleStoreGet resolves key through the quorum coordinator. A
// resolved value with more than one surviving sibling comes back as
// HTTP 300 with the siblings base64-encoded, so the client can pick
// one and write it back with the returned context — the same contract
// StoreHandler's GET uses for concurrent, unresolved writes.
func (s *Server) handleStoreGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	sv, err := s.coordinator.Get(key)
	if err != nil {
		s.metrics.quorumFailures.WithLabelValues("get").Inc()
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if sv.Tombstone || len(sv.Values) == 0 {
		s.metrics.requests.WithLabelValues("get", "not_found").Inc()
		writeError(w, http.StatusNotFound, fmt.Sprintf("key %q not found", key))
		return
	}

	context, err := wireformat.EncodeContext(sv.Clock)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set(headerContext, context)

	if sv.IsSiblings() {
		siblings := make([]string, len(sv.Values))
		for i, v := range sv.Values {
			siblings[i] = base64.StdEncoding.EncodeToString(v)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMultipleChoices)
		json.NewEncoder(w).Encode(map[string]any{"siblings": siblings})
		s.metrics.requests.WithLabelValues("get", "siblings").Inc()
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(sv.Values[0])
	s.metrics.requests.WithLabelValues("get", "ok").Inc()
}

// handleStorePut writes the request body under key, attributing the
// vector-clock increment to the requesting client and carrying
// forward whatever causal context it declared.
func (s *Server) handleStorePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	vc, err := contextFromHeader(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid context header")
		return
	}

	newVC, err := s.coordinator.Put(key, clientIdentity(r), vc, body)
	if err != nil {
		s.metrics.quorumFailures.WithLabelValues("put").Inc()
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	context, err := wireformat.EncodeContext(newVC)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set(headerContext, context)
	w.WriteHeader(http.StatusOK)
	s.metrics.requests.WithLabelValues("put", "ok").Inc()
}

// handleStoreDelete writes a tombstone for key, the same quorum path
// as a PUT but with no value.
func (s *Server) handleStoreDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	vc, err := contextFromHeader(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid context header")
		return
	}

	newVC, err := s.coordinator.Delete(key, clientIdentity(r), vc)
	if err != nil {
		s.metrics.quorumFailures.WithLabelValues("delete").Inc()
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	context, err := wireformat.EncodeContext(newVC)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set(headerContext, context)
	w.WriteHeader(http.StatusOK)
	s.metrics.requests.WithLabelValues("delete", "ok").Inc()
}

// handleLocalGet serves one partition's raw StoredValue straight off
// this node's storage.Engine, with no quorum fan-out — the surface
// remotestore.RemoteStorage and the handoff engine's probes actually
// talk to.
func (s *Server) handleLocalGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	partition := s.hashRing.KeyToPartition(key)
	res := s.localFor(partition).Get(key).Wait()
	if res.Err != nil {
		writeError(w, http.StatusNotFound, res.Err.Error())
		return
	}
	blob, err := wireformat.EncodeStoredValue(res.Value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(blob)
}

// handleLocalPut stores an already-encoded StoredValue directly into
// this node's copy of key's partition, with no resolution against
// whatever else is in flight — the coordinator has already done that
// work before choosing to write here.
func (s *Server) handleLocalPut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	sv, err := wireformat.DecodeStoredValue(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stored value")
		return
	}
	partition := s.hashRing.KeyToPartition(key)
	if res := s.localFor(partition).Put(key, sv).Wait(); res.Err != nil {
		writeError(w, http.StatusInternalServerError, res.Err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleLocalDelete removes key outright from this node's partition
// storage, with no tombstone.
func (s *Server) handleLocalDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	partition := s.hashRing.KeyToPartition(key)
	if res := s.localFor(partition).Delete(key).Wait(); res.Err != nil {
		writeError(w, http.StatusInternalServerError, res.Err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleMetadataGet answers a peer's gossip round with this node's
// current view of the ring.
func (s *Server) handleMetadataGet(w http.ResponseWriter, r *http.Request) {
	blob, err := wireformat.EncodeMetadata(s.gossipP.CurrentMetadata())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(blob)
}

// handleMetadataPut accepts an unsolicited push-back from a peer that
// found itself behind during its own gossip round.
func (s *Server) handleMetadataPut(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	meta, err := wireformat.DecodeMetadata(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid metadata")
		return
	}
	s.gossipP.Receive(meta)
	w.WriteHeader(http.StatusOK)
}

// handleHandoff absorbs one streamed frame of a partition transfer.
// An empty, final chunk carries no entries and is just the sender's
// end-of-stream marker — nothing to merge.
func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	chunk, err := wireformat.DecodeHandoffChunk(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid handoff chunk")
		return
	}
	if len(chunk.Entries) > 0 {
		ls := s.localFor(chunk.Partition)
		if res := ls.MultiPut(chunk.Entries).Wait(); res.Err != nil {
			writeError(w, http.StatusInternalServerError, res.Err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleAdminClaimGet reports how many partitions this node currently
// owns.
func (s *Server) handleAdminClaimGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%d", len(s.self.Claim()))
}

// handleAdminClaimPut sets this node's desired claim size — the body
// is the new target partition count as plain text, with 0 meaning
// "give everything up" (a forced hand-off, e.g. before decommission).
func (s *Server) handleAdminClaimPut(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	claim, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "claim must be an integer partition count")
		return
	}
	force := claim == 0
	s.hashRing.UpdateNode(s.self, &claim, force)
	s.afterRingChange()
	w.WriteHeader(http.StatusOK)
}

// handleAdminBalance nudges every node whose claim has drifted back
// towards its target, the operator-triggered equivalent of the
// periodic rebalance the upstream design ran on its own schedule.
// UpdateClaim is idempotent, but skipping it when nothing has drifted
// avoids gossiping and sweeping handoff for no reason on a balanced
// ring.
func (s *Server) handleAdminBalance(w http.ResponseWriter, r *http.Request) {
	if !ring.NewBalance(s.hashRing).NeedsRebalance() {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.hashRing.UpdateClaim()
	s.afterRingChange()
	w.WriteHeader(http.StatusOK)
}

// afterRingChange repairs the replication spread if a claim change
// broke it, then immediately gossips and sweeps handoff so the new
// ownership actually propagates instead of waiting for the next
// scheduled round.
func (s *Server) afterRingChange() {
	if !s.hashRing.Ok() {
		s.hashRing.FixConstraint()
	}
	if s.gossipP != nil {
		s.gossipP.Kick()
	}
	if s.handoff != nil {
		go s.handoff.Sweep()
	}
	s.metrics.claimedCount.Set(float64(len(s.self.Claim())))
}

// handleStatus reports this node's membership and ring view for
// operator tooling.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	balance := ring.NewBalance(s.hashRing)
	status := types.ClusterStatus{
		NodeID:           s.self.Name(),
		Uptime:           formatUptime(time.Since(s.startTime)),
		ClaimedCount:     len(s.self.Claim()),
		TotalNodes:       len(s.hashRing.Nodes()),
		NumPartitions:    s.hashRing.NumPartitions(),
		NumReplicas:      s.hashRing.N(),
		StartedAt:        s.startTime,
		LoadDistribution: balance.CalculateLoadDistribution(),
		NeedsRebalance:   balance.NeedsRebalance(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleHealth is a bare liveness probe — it answers as long as the
// HTTP server is up, independent of ring or quorum health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "node": s.self.Name()})
}
