// Package httpapi implements the control endpoints spec §6 names:
// GET /api/servers/health, POST /api/servers, DELETE /api/servers/{name}.
// Grounded on the teacher's internal/gateway/http_server.go idiom of a
// plain http.ServeMux wired to an http.Server with a net.Listener held
// separately for graceful Shutdown — no third-party router; the teacher
// itself reaches for net/http directly for exactly this kind of small,
// fixed control surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/health"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/toolserver"
	"github.com/haasonsaas/nexus/pkg/models"
	"github.com/haasonsaas/nexus/pkg/orcherr"
	"github.com/haasonsaas/nexus/pkg/protocol"
)

// Server exposes the control endpoints over HTTP.
type Server struct {
	registry *toolserver.Registry
	monitor  *health.Monitor
	events   observability.EventStore
	log      *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New builds the control-plane server. events may be nil, in which case
// GET /api/sessions/{id}/events always reports an empty timeline.
func New(registry *toolserver.Registry, monitor *health.Monitor, events observability.EventStore, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{registry: registry, monitor: monitor, events: events, log: log.With("component", "httpapi.Server")}
}

// Start binds addr and serves in the background until Stop is called.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/servers/health", s.handleHealth)
	mux.HandleFunc("POST /api/servers", s.handleAdd)
	mux.HandleFunc("DELETE /api/servers/{name}", s.handleRemove)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "error", err)
		}
	}()
	s.log.Info("control endpoints listening", "addr", addr)
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("http server shutdown error", "error", err)
	}
}

// healthResponse is spec §6's GET /api/servers/health shape: an aggregate
// summary alongside the per-server records it was computed from.
type healthResponse struct {
	Summary models.HealthSummary `json:"summary"`
	Servers []models.Health      `json:"servers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.monitor.Snapshot()
	servers := make([]models.Health, 0, len(snapshot))
	for name, h := range snapshot {
		h.Name = name
		servers = append(servers, h)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	writeJSON(w, http.StatusOK, healthResponse{
		Summary: models.Summarize(servers),
		Servers: servers,
	})
}

// handleSessionEvents serves a recorded session's event timeline for
// debugging, built from whatever turnengine.Sink recorded into the shared
// EventStore (spec §6's event stream, persisted rather than fire-and-forget).
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, orcherr.New(orcherr.Validation, "invalid_session", "session id is required", nil))
		return
	}
	if s.events == nil {
		writeJSON(w, http.StatusOK, observability.BuildTimeline(nil))
		return
	}
	events, err := s.events.GetBySessionID(id)
	if err != nil {
		writeError(w, orcherr.Wrap(orcherr.TransientExternal, "events_lookup_failed", err))
		return
	}
	writeJSON(w, http.StatusOK, observability.BuildTimeline(events))
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string                `json:"name"`
		Config protocol.ServerConfig `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, orcherr.New(orcherr.Validation, "bad_request", "malformed request body", err))
		return
	}
	if err := protocol.ValidateName(body.Name); err != nil {
		writeError(w, orcherr.New(orcherr.Validation, "invalid_name", err.Error(), nil))
		return
	}
	if err := s.registry.Add(body.Name, body.Config); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": body.Name})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeError(w, orcherr.New(orcherr.Validation, "invalid_name", "server name is required", nil))
		return
	}
	if err := s.registry.Remove(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := orcherr.KindOf(err); ok {
		switch kind {
		case orcherr.Validation:
			status = http.StatusBadRequest
		case orcherr.NotFound:
			status = http.StatusNotFound
		case orcherr.Conflict:
			status = http.StatusConflict
		case orcherr.Backpressure:
			status = http.StatusTooManyRequests
		case orcherr.TransientExternal, orcherr.PermanentExternal:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, map[string]string{"code": orcherr.CodeOf(err), "message": err.Error()})
}
