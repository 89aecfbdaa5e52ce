// Package api exposes the administrative HTTP surface: queue inspection,
// catalog introspection and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/spoold/internal/queue"
	"github.com/busybox42/spoold/internal/storage"
)

// Server is the admin HTTP server.
type Server struct {
	store      storage.Store
	spool      *queue.Spool
	catalog    *queue.Catalog
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer wires the admin routes.
func NewServer(listen string, store storage.Store, spool *queue.Spool, catalog *queue.Catalog, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:   store,
		spool:   spool,
		catalog: catalog,
		logger:  logger.With("component", "api"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/queue/stats", s.handleQueueStats).Methods("GET")
	router.HandleFunc("/api/queue/messages/{id:[0-9]+}", s.handleGetMessage).Methods("GET")
	router.HandleFunc("/api/catalog", s.handleCatalog).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("admin api listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type queueStats struct {
	TotalEvents int64            `json:"total_events"`
	DueEvents   int64            `json:"due_events"`
	PerQueue    map[string]int64 `json:"per_queue"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	events, err := s.store.Events(r.Context(), queue.NeverDue)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	stats := queueStats{PerQueue: make(map[string]int64)}
	for _, ev := range events {
		stats.TotalEvents++
		if ev.Due <= now {
			stats.DueEvents++
		}
		name, _ := queue.QueueNameFromBytes(ev.QueueName[:])
		stats.PerQueue[name.String()]++
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	m, err := s.spool.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, errors.New("message not found"))
		} else {
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.respondJSON(w, http.StatusOK, m)
}

type catalogView struct {
	Schedules     []string `json:"schedules"`
	Routes        []string `json:"routes"`
	Connections   []string `json:"connections"`
	TLS           []string `json:"tls"`
	VirtualQueues []string `json:"virtual_queues"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	view := catalogView{}
	for name := range s.catalog.QueueStrategies {
		view.Schedules = append(view.Schedules, name)
	}
	for name := range s.catalog.RoutingStrategies {
		view.Routes = append(view.Routes, name)
	}
	for name := range s.catalog.ConnectionStrategies {
		view.Connections = append(view.Connections, name)
	}
	for name := range s.catalog.TlsStrategies {
		view.TLS = append(view.TLS, name)
	}
	for name := range s.catalog.VirtualQueues {
		view.VirtualQueues = append(view.VirtualQueues, name.String())
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}
