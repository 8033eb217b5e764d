// Package gateway is the stateless service that owns every live NDS
// connection (§6): it exposes scan, zip-info, bulk read and streaming read
// over HTTP/WebSocket, fronting the pool package so Scanner and Worker never
// dial an NDS themselves. Routing and server bootstrap follow the teacher's
// internal/api.Server shape (a struct holding the mux and its dependencies,
// built by a New() that wires routes) translated from net/http.ServeMux to
// gorilla/mux, since §6 needs path parameters (e.g. /ws/read/{clientId})
// that ServeMux's pre-1.22 routing can't express as cleanly and the rest of
// the example pack already reaches for gorilla/mux for that reason.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/gaby/ndsfabric/internal/ndsclient"
	"github.com/gaby/ndsfabric/internal/ndsmodel"
	"github.com/gaby/ndsfabric/internal/pool"
)

const module = "gateway"

// BackendClient is the thin subset of the Backend HTTP API the Gateway
// needs: the current NDS roster, for pool reconciliation on startup and on
// demand via POST /internal/update-pool.
type BackendClient interface {
	ListNDS(ctx context.Context) ([]ndsmodel.NDSConfig, error)
}

// Server is the Gateway's HTTP/WS surface.
type Server struct {
	mux     *mux.Router
	pool    *pool.Registry
	backend BackendClient
	configs map[int64]ndsmodel.NDSConfig

	archiveCache *ttlcache.Cache[string, *ndsmodel.ArchiveInfo]
	zipInfoGroup singleflight.Group

	connectTimeout time.Duration
	wsChunkBytes   int64

	metrics *metrics
}

// Config bundles the tunables New needs, mirroring the teacher's pattern of
// passing a narrow options struct rather than the whole process config.
type Config struct {
	ConnectTimeout time.Duration
	WSChunkBytes   int64
	ArchiveTTL     time.Duration
	ArchiveCap     uint64
	PoolMaxIdle    time.Duration
	PoolSweepInt   time.Duration
}

// New builds a Server and registers its routes, the same New()-wires-routes
// shape as the teacher's api.New.
func New(backend BackendClient, cfg Config) *Server {
	cache := ttlcache.New[string, *ndsmodel.ArchiveInfo](
		ttlcache.WithTTL[string, *ndsmodel.ArchiveInfo](cfg.ArchiveTTL),
		ttlcache.WithCapacity[string, *ndsmodel.ArchiveInfo](cfg.ArchiveCap),
	)
	go cache.Start()

	s := &Server{
		mux:            mux.NewRouter(),
		pool:           pool.NewRegistry(cfg.PoolMaxIdle, cfg.PoolSweepInt),
		backend:        backend,
		configs:        make(map[int64]ndsmodel.NDSConfig),
		archiveCache:   cache,
		connectTimeout: cfg.ConnectTimeout,
		wsChunkBytes:   cfg.WSChunkBytes,
		metrics:        newMetrics(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/internal/scan", s.handleScan).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/zip-info", s.handleZipInfoBatch).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/read", s.handleRead).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/read/{clientId}", s.handleWSRead)
	s.mux.HandleFunc("/internal/status", s.handleStatus).Methods(http.MethodGet)
	s.mux.HandleFunc("/internal/update-pool", s.handleUpdatePool).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/check", s.handleCheck).Methods(http.MethodPost)
	s.mux.Handle("/metrics", s.metrics.handler())
}

func (s *Server) Handler() http.Handler { return s.mux }

// PoolRegistry exposes the Registry for the owning cmd/gateway main to start
// its sweeper goroutine.
func (s *Server) PoolRegistry() *pool.Registry { return s.pool }

// ReconcilePool loads the NDS roster from the Backend and (re)configures the
// pool registry entry for every enabled one, dropping ones that were removed
// or disabled. Called at startup and from handleUpdatePool.
func (s *Server) ReconcilePool(ctx context.Context) error {
	configs, err := s.backend.ListNDS(ctx)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool, len(configs))
	for _, c := range configs {
		seen[c.ID] = true
		s.configs[c.ID] = c
		if !c.Enabled() {
			s.pool.RemoveServer(c.ID)
			continue
		}
		s.pool.AddServer(c.ID, ndsclient.Config{
			Protocol: c.Protocol,
			Host:     c.Address,
			Port:     c.Port,
			User:     c.Account,
			Pass:     c.Password,
			Timeout:  s.connectTimeout,
		}, 2)
	}
	for id := range s.configs {
		if !seen[id] {
			s.pool.RemoveServer(id)
			delete(s.configs, id)
		}
	}
	return nil
}
