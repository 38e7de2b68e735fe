// Package remotestore lets the quorum coordinator address a replica
// on another node the same way it addresses a local partition: by
// speaking HTTP to that node's own /_localstore/{key} surface.
package remotestore

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vinz-dynamo/vinz-dynamo/internal/future"
	"github.com/vinz-dynamo/vinz-dynamo/internal/wireformat"
	"github.com/vinz-dynamo/vinz-dynamo/pkg/types"
)

// RemoteStorage addresses one peer's local store over HTTP.
type RemoteStorage struct {
	Host   string
	Port   int
	client *http.Client
}

// New builds a RemoteStorage for the given peer, using timeout as the
// per-request deadline.
func New(host string, port int, timeout time.Duration) *RemoteStorage {
	return &RemoteStorage{
		Host:   host,
		Port:   port,
		client: &http.Client{Timeout: timeout},
	}
}

func (rs *RemoteStorage) String() string {
	return fmt.Sprintf("RemoteStorage(%s:%d)", rs.Host, rs.Port)
}

func (rs *RemoteStorage) url(key string) string {
	return fmt.Sprintf("http://%s:%d/_localstore/%s", rs.Host, rs.Port, key)
}

// Get fetches and decodes key's StoredValue from the peer.
func (rs *RemoteStorage) Get(key string) *future.Future[types.StoredValue] {
	f, p := future.New[types.StoredValue]()
	go func() {
		resp, err := rs.client.Get(rs.url(key))
		if err != nil {
			p.Reject(err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			p.Reject(fmt.Errorf("remotestore: get %s: status %d", key, resp.StatusCode))
			return
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			p.Reject(err)
			return
		}
		sv, err := wireformat.DecodeStoredValue(body)
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(sv)
	}()
	return f
}

// Put encodes and pushes sv to the peer.
func (rs *RemoteStorage) Put(key string, sv types.StoredValue) *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	go func() {
		encoded, err := wireformat.EncodeStoredValue(sv)
		if err != nil {
			p.Reject(err)
			return
		}
		req, err := http.NewRequest(http.MethodPut, rs.url(key), bytes.NewReader(encoded))
		if err != nil {
			p.Reject(err)
			return
		}
		resp, err := rs.client.Do(req)
		if err != nil {
			p.Reject(err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			p.Reject(fmt.Errorf("remotestore: put %s: status %d", key, resp.StatusCode))
			return
		}
		p.Resolve(struct{}{})
	}()
	return f
}

// Delete removes key on the peer.
func (rs *RemoteStorage) Delete(key string) *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	go func() {
		req, err := http.NewRequest(http.MethodDelete, rs.url(key), nil)
		if err != nil {
			p.Reject(err)
			return
		}
		resp, err := rs.client.Do(req)
		if err != nil {
			p.Reject(err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			p.Reject(fmt.Errorf("remotestore: delete %s: status %d", key, resp.StatusCode))
			return
		}
		p.Resolve(struct{}{})
	}()
	return f
}
