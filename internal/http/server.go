package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"shardeddb/pkg/config"
	"shardeddb/pkg/session"
	"shardeddb/pkg/sharding"
	"shardeddb/pkg/store"
	"shardeddb/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
)

type iSession interface {
	Health(ctx context.Context) (map[string]error, error)
	Shards() []string
	Chooser() *sharding.Chooser
}

// Server is the admin API over a sharded session: shard health, topology
// and route explanations. It never reads or writes entity data.
type Server struct {
	session    iSession
	catalog    *sharding.Catalog
	registry   *sharding.Registry
	httpServer *http.Server
	cfg        config.ServerConfig
	URL        string
	addr       string
}

func NewServer(sess iSession, catalog *sharding.Catalog, reg *sharding.Registry, cfg config.ServerConfig) *Server {
	if cfg.Port == 0 {
		cfg.Port = defaultHTTPPort
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = time.Second
	}
	return &Server{
		session:  sess,
		catalog:  catalog,
		registry: reg,
		cfg:      cfg,
		URL:      fmt.Sprintf("http://localhost:%d", cfg.Port),
		addr:     fmt.Sprintf(":%d", cfg.Port),
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/shards", s.handleShards)
	r.Get("/routes/{type}/{id}", s.handleRoute)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusOf(err), NewErrorResponse(err.Error()))
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, sharding.ErrShardUnavailable),
		errors.Is(err, store.ErrClosed),
		errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrValueKind), errors.Is(err, types.ErrNullPrimaryKey):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) entityType(w http.ResponseWriter, r *http.Request) (*sharding.EntityType, bool) {
	name := chi.URLParam(r, "type")
	et, ok := s.catalog.Lookup(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("unknown entity type "+strconv.Quote(name)))
		return nil, false
	}
	return et, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.session.Health(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	shards := make(map[string]string, len(health))
	status := http.StatusOK
	for key, err := range health {
		if err != nil {
			shards[key] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		shards[key] = string(StatusOK)
	}

	resp := NewOKResponse()
	resp.Value = shards
	if status != http.StatusOK {
		resp.Status = StatusError
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleShards(w http.ResponseWriter, _ *http.Request) {
	binds, err := s.registry.Resolve()
	if err != nil {
		s.writeError(w, err)
		return
	}
	keys, err := s.registry.Keys()
	if err != nil {
		s.writeError(w, err)
		return
	}

	connected := make(map[string]bool)
	for _, key := range s.session.Shards() {
		connected[key] = true
	}

	topo := Topology{Shards: make([]ShardInfo, 0, len(keys))}
	for _, key := range keys {
		topo.Shards = append(topo.Shards, ShardInfo{Key: key, DSN: binds[key], Connected: connected[key]})
	}

	chooser := s.session.Chooser()
	for _, et := range s.catalog.Types() {
		info := TypeInfo{
			Name:    et.Name,
			Table:   et.Table.Name,
			BindKey: et.Bind().String(),
			Hashed:  et.HashRule != nil,
		}
		if group, err := chooser.Group(et); err != nil {
			info.Error = err.Error()
		} else {
			info.Group = group
		}
		topo.Types = append(topo.Types, info)
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(topo))
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	et, ok := s.entityType(w, r)
	if !ok {
		return
	}
	id, err := parseIdentity(et.Table, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	route, err := s.session.Chooser().Explain(et, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(route))
}

// parseIdentity converts a path segment to the primary key kind of t.
func parseIdentity(t types.Table, raw string) (any, error) {
	c, ok := t.Column(t.PrimaryKey)
	if !ok {
		return nil, types.ErrNoPrimaryKey
	}

	var v any = raw
	switch c.Kind {
	case types.KindInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", types.ErrValueKind, raw)
		}
		v = n
	case types.KindReal:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", types.ErrValueKind, raw)
		}
		v = f
	}
	return t.NormalizeIdentity(v)
}
