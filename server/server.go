// Package server exposes the administrative HTTP surface: request listing,
// manual cancellation, daemon status, and a WebSocket feed of lifecycle
// transitions for live observers.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sayonatsu/herald/errors"
	"github.com/sayonatsu/herald/lifecycle"
	"github.com/sayonatsu/herald/store"
)

// Lifecycle is the slice of the lifecycle manager the admin surface needs.
type Lifecycle interface {
	ListActive(partition string) ([]lifecycle.ActiveRequest, error)
	History(partition string) ([]*lifecycle.Request, error)
	Dispatch(ctx context.Context, ev lifecycle.Event) error
}

// Schedule is the slice of the scheduler the status endpoint needs.
type Schedule interface {
	ArmedCount() int
	NextDue() *time.Time
}

// Server is the admin HTTP server.
type Server struct {
	httpServer *http.Server
	manager    Lifecycle
	sched      Schedule
	store      *store.Store
	hub        *Hub
	logger     *zap.SugaredLogger
	startedAt  time.Time
}

// New builds the admin server listening on addr.
func New(addr string, manager Lifecycle, sched Schedule, st *store.Store, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	s := &Server{
		manager:   manager,
		sched:     sched,
		store:     st,
		hub:       NewHub(log),
		logger:    log,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/partitions", s.handlePartitions)
	mux.HandleFunc("GET /api/requests", s.handleListRequests)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/cancel", s.handleCancel)
	mux.HandleFunc("GET /ws", s.hub.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub returns the transition broadcaster for wiring into the lifecycle.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the listener until Shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Infow("Admin server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "admin server failed")
	}
	return nil
}

// Shutdown drains connections and stops the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"armed_timers":   s.sched.ArmedCount(),
		"ws_clients":     s.hub.ClientCount(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}
	if due := s.sched.NextDue(); due != nil {
		status["next_due"] = due.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePartitions(w http.ResponseWriter, _ *http.Request) {
	partitions, err := s.store.Partitions()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"partitions": partitions})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	partition := r.URL.Query().Get("partition")
	if partition == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("partition query parameter required"))
		return
	}

	active, err := s.manager.ListActive(partition)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"partition": partition, "requests": active})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	partition := r.URL.Query().Get("partition")
	if partition == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("partition query parameter required"))
		return
	}

	hist, err := s.manager.History(partition)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"partition": partition, "history": hist})
}

type cancelRequest struct {
	Partition string `json:"partition"`
	JobID     string `json:"job_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	if req.Partition == "" || req.JobID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("partition and job_id required"))
		return
	}

	err := s.manager.Dispatch(r.Context(), lifecycle.Event{
		Kind:      lifecycle.EventManualCancel,
		Partition: req.Partition,
		JobID:     req.JobID,
	})
	if err != nil {
		if errors.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Infow("Manual cancellation via admin API",
		"partition", req.Partition, "job_id", req.JobID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "job_id": req.JobID})
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warnw("Admin API error", "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
