package api

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinz-dynamo/vinz-dynamo/internal/config"
	"github.com/vinz-dynamo/vinz-dynamo/internal/gossip"
	"github.com/vinz-dynamo/vinz-dynamo/internal/localstore"
	"github.com/vinz-dynamo/vinz-dynamo/internal/replication"
	"github.com/vinz-dynamo/vinz-dynamo/internal/ring"
	"github.com/vinz-dynamo/vinz-dynamo/internal/storage"
	"github.com/vinz-dynamo/vinz-dynamo/internal/wireformat"
	"github.com/vinz-dynamo/vinz-dynamo/pkg/types"
)

// memEngine is an in-memory storage.Engine double, standing in for
// Bitcask so handler tests don't touch disk.
type memEngine struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemEngine() *memEngine { return &memEngine{data: make(map[string][]byte)} }

func (m *memEngine) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return v, nil
}
func (m *memEngine) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}
func (m *memEngine) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
func (m *memEngine) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}
func (m *memEngine) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	return out
}
func (m *memEngine) Count() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data))
}
func (m *memEngine) Close() error   { return nil }
func (m *memEngine) Sync() error    { return nil }
func (m *memEngine) Compact() error { return nil }
func (m *memEngine) Stats() storage.Stats {
	return storage.Stats{ActiveKeys: m.Count()}
}

// newTestServer builds a single-node Server, with the coordinator
// routed entirely back to local storage, for exercising handlers
// through httptest without any network hop.
func newTestServer(t *testing.T) (*Server, *ring.Node) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.RateLimitPerSecond = 1000
	cfg.RateLimitBurst = 1000

	self := ring.NewNode("127.0.0.1", 8080)
	hashRing := ring.New(16, self, 1)
	engine := newMemEngine()
	pool := localstore.NewWorkerPool(2)

	stores := make(map[int]*localstore.LocalStorage)
	localFor := func(p int) *localstore.LocalStorage {
		if ls, ok := stores[p]; ok {
			return ls
		}
		ls := localstore.New(pool, engine, p, "test-partition")
		stores[p] = ls
		return ls
	}

	lookup := func(node *ring.Node, key string) replication.Replica {
		return localFor(hashRing.KeyToPartition(key))
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := logrus.NewEntry(log)

	coordinator := replication.New(hashRing, lookup, 1, 1, entry)
	health := gossip.NewPeerHealth(time.Second, 5*time.Second)
	handoff := replication.NewHandoffEngine(self, hashRing, health, 1<<16, time.Second, entry)
	gossipP := gossip.NewProtocol(self, hashRing, self.Name(), time.Second, time.Minute, health, nil, entry)

	s := NewServer(cfg, self, hashRing, engine, coordinator, handoff, gossipP, localFor, entry)
	return s, self
}

func TestStorePutThenGetRoundTrips(t *testing.T) {
	s, _ := newTestServer(t)

	putReq := httptest.NewRequest(http.MethodPut, "/store/widget", bytes.NewReader([]byte("gear")))
	putReq.Header.Set(headerClientID, "client-a")
	putRec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusOK, putRec.Code, putRec.Body.String())

	getReq := httptest.NewRequest(http.MethodGet, "/store/widget", nil)
	getRec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code, getRec.Body.String())
	assert.Equal(t, "gear", getRec.Body.String())
}

func TestStoreGetMissingKeyIs404(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/store/nowhere", nil)
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStoreDeleteThenGetIs404(t *testing.T) {
	s, _ := newTestServer(t)

	putReq := httptest.NewRequest(http.MethodPut, "/store/widget", bytes.NewReader([]byte("gear")))
	s.GetRouter().ServeHTTP(httptest.NewRecorder(), putReq)

	delReq := httptest.NewRequest(http.MethodDelete, "/store/widget", nil)
	delRec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusOK, delRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/store/widget", nil)
	getRec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestLocalStoreRoundTripsEncodedValue(t *testing.T) {
	s, _ := newTestServer(t)

	sv := types.NewValue(nil, []byte("raw"))
	blob, err := wireformat.EncodeStoredValue(sv)
	require.NoError(t, err)

	putReq := httptest.NewRequest(http.MethodPut, "/_localstore/widget", bytes.NewReader(blob))
	putRec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusOK, putRec.Code, putRec.Body.String())

	getReq := httptest.NewRequest(http.MethodGet, "/_localstore/widget", nil)
	getRec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	got, err := wireformat.DecodeStoredValue(getRec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, got.Values, 1)
	assert.Equal(t, "raw", string(got.Values[0]))
}

func TestMetadataGetReturnsDecodableSnapshot(t *testing.T) {
	s, self := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/_metadata", nil)
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	meta, err := wireformat.DecodeMetadata(rec.Body.Bytes())
	require.NoError(t, err)

	found := false
	for _, n := range meta.Ring.Nodes {
		if n.Host == self.Host && n.Port == self.Port {
			found = true
		}
	}
	assert.True(t, found, "metadata snapshot does not list self")
}

func TestAdminClaimGetReportsCurrentCount(t *testing.T) {
	s, self := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/claim", nil)
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strconv.Itoa(len(self.Claim())), rec.Body.String())
}

func TestAdminClaimPutUpdatesTarget(t *testing.T) {
	s, self := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/admin/claim", bytes.NewReader([]byte("8")))
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, self.Wanted)
	assert.Equal(t, 8, *self.Wanted)
}

func TestHealthAlwaysOk(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminStatusReportsNodeID(t *testing.T) {
	s, self := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), self.Name())
}
