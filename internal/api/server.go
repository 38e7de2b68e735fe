// Package api exposes a node's HTTP surface: the public quorum-backed
// /store/{key} path, the internal /_localstore, /_metadata and
// /_handoff paths peers use to talk to each other, the /admin/claim
// and /admin/balance operator controls, and the ambient /health and
// /metrics endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vinz-dynamo/vinz-dynamo/internal/config"
	"github.com/vinz-dynamo/vinz-dynamo/internal/gossip"
	"github.com/vinz-dynamo/vinz-dynamo/internal/localstore"
	"github.com/vinz-dynamo/vinz-dynamo/internal/replication"
	"github.com/vinz-dynamo/vinz-dynamo/internal/ring"
	"github.com/vinz-dynamo/vinz-dynamo/internal/storage"
)

// Server wires every handler and middleware onto one mux.Router.
type Server struct {
	config      *config.Config
	router      *mux.Router
	httpServer  *http.Server
	self        *ring.Node
	hashRing    *ring.Ring
	engine      storage.Engine
	coordinator *replication.Coordinator
	handoff     *replication.HandoffEngine
	gossipP     *gossip.Protocol
	localFor    func(partition int) *localstore.LocalStorage
	log         *logrus.Entry
	metrics     *metrics
	startTime   time.Time
}

// NewServer builds a Server for self, routing /store/{key} through
// coordinator, internal peer traffic through localFor, and gossip
// through gossipP.
func NewServer(
	cfg *config.Config,
	self *ring.Node,
	hashRing *ring.Ring,
	engine storage.Engine,
	coordinator *replication.Coordinator,
	handoff *replication.HandoffEngine,
	gossipP *gossip.Protocol,
	localFor func(partition int) *localstore.LocalStorage,
	log *logrus.Entry,
) *Server {
	s := &Server{
		config:      cfg,
		router:      mux.NewRouter(),
		self:        self,
		hashRing:    hashRing,
		engine:      engine,
		coordinator: coordinator,
		handoff:     handoff,
		gossipP:     gossipP,
		localFor:    localFor,
		log:         log,
		metrics:     newMetrics(),
		startTime:   time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(loggingMiddleware(s.log))
	s.router.Use(recoveryMiddleware(s.log))
	s.router.Use(corsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	store := s.router.PathPrefix("/store").Subrouter()
	limiter := rate.NewLimiter(rate.Limit(s.config.RateLimitPerSecond), s.config.RateLimitBurst)
	store.Use(rateLimitMiddleware(limiter))
	store.HandleFunc("/{key:.*}", s.handleStoreGet).Methods(http.MethodGet)
	store.HandleFunc("/{key:.*}", s.handleStorePut).Methods(http.MethodPut, http.MethodPost)
	store.HandleFunc("/{key:.*}", s.handleStoreDelete).Methods(http.MethodDelete)

	s.router.HandleFunc("/_localstore/{key:.*}", s.handleLocalGet).Methods(http.MethodGet)
	s.router.HandleFunc("/_localstore/{key:.*}", s.handleLocalPut).Methods(http.MethodPut, http.MethodPost)
	s.router.HandleFunc("/_localstore/{key:.*}", s.handleLocalDelete).Methods(http.MethodDelete)

	s.router.HandleFunc("/_metadata", s.handleMetadataGet).Methods(http.MethodGet)
	s.router.HandleFunc("/_metadata", s.handleMetadataPut).Methods(http.MethodPut)

	s.router.HandleFunc("/_handoff", s.handleHandoff).Methods(http.MethodPut, http.MethodPost)

	s.router.HandleFunc("/admin/claim", s.handleAdminClaimGet).Methods(http.MethodGet)
	s.router.HandleFunc("/admin/claim", s.handleAdminClaimPut).Methods(http.MethodPut, http.MethodPost)
	s.router.HandleFunc("/admin/balance", s.handleAdminBalance).Methods(http.MethodPut, http.MethodPost)
	s.router.HandleFunc("/admin/status", s.handleStatus).Methods(http.MethodGet)
}

// Start begins serving HTTP on the configured bind address.
func (s *Server) Start() error {
	addr := s.config.FullAddress()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.WithField("addr", addr).Info("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetRouter exposes the mux router, for tests that drive requests
// through it directly.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
