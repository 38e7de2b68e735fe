package replication

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vinz-dynamo/vinz-dynamo/internal/gossip"
	"github.com/vinz-dynamo/vinz-dynamo/internal/ring"
)

func nodeForServer(t *testing.T, srv *httptest.Server) *ring.Node {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ring.NewNode(host, port)
}

func TestHandoffProbeSkipsPeerHealthBelievesDead(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	target := nodeForServer(t, srv)

	health := gossip.NewPeerHealth(time.Millisecond, 2*time.Millisecond)
	health.RecordFailure(target.Name())
	time.Sleep(10 * time.Millisecond)
	health.RecordFailure(target.Name())
	require.False(t, health.IsAlive(target.Name()), "target should be considered dead after repeated stale failures")

	self := ring.NewNode("127.0.0.1", 9999)
	h := NewHandoffEngine(self, ring.New(8, self, 1), health, 1<<16, time.Second, nil)

	if got := h.probe(target); got {
		t.Fatal("probe should report a health-dead target as unreachable")
	}
	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Fatalf("probe should not have dialed a target health already believes dead, got %d hits", n)
	}
}

func TestHandoffProbeSucceedsAndRecordsSuccessForLivePeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	target := nodeForServer(t, srv)

	health := gossip.NewPeerHealth(time.Second, 5*time.Second)
	self := ring.NewNode("127.0.0.1", 9999)
	h := NewHandoffEngine(self, ring.New(8, self, 1), health, 1<<16, time.Second, nil)

	require.True(t, h.probe(target))
	require.True(t, health.IsAlive(target.Name()))
}
