// Package api exposes the agent service over HTTP and WebSocket. It is a
// thin convenience surface; all semantics live in the service layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stationops/quartermaster/internal/agent"
	"github.com/stationops/quartermaster/internal/observability"
	"github.com/stationops/quartermaster/internal/service"
	"github.com/stationops/quartermaster/internal/sessions"
	"github.com/stationops/quartermaster/pkg/models"
)

// Service is the surface the HTTP layer needs from the agent service.
type Service interface {
	SubmitMessage(ctx context.Context, req service.SubmitRequest) (*models.Session, error)
	ApprovePlan(ctx context.Context, sessionID, planID string) (*models.Plan, error)
	RejectPlan(ctx context.Context, sessionID, planID string) error
	Interrupt(ctx context.Context, sessionID string) error
	GetSnapshot(ctx context.Context, sessionID string, historyLimit int) (*service.Snapshot, error)
	SubscribeEvents(ctx context.Context, sessionID string) (<-chan models.Event, func())
}

// Server is the HTTP handler for the runtime API.
type Server struct {
	svc     Service
	log     *slog.Logger
	metrics *observability.Metrics
	router  chi.Router
}

// NewServer builds the router. log and metrics may be nil.
func NewServer(svc Service, log *slog.Logger, metrics *observability.Metrics) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{svc: svc, log: log, metrics: metrics}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.handleSubmit)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleSnapshot)
			r.Post("/interrupt", s.handleInterrupt)
			r.Get("/events", s.handleEvents)
			r.Route("/plans/{planID}", func(r chi.Router) {
				r.Post("/approve", s.handleApprove)
				r.Post("/reject", s.handleReject)
			})
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type submitRequest struct {
	SessionID string `json:"session_id,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	Autonomy  int    `json:"autonomy"`
	Content   string `json:"content"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		s.writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.SessionID == "" && !models.AutonomyLevel(req.Autonomy).Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid autonomy level")
		return
	}

	session, err := s.svc.SubmitMessage(r.Context(), service.SubmitRequest{
		SessionID: req.SessionID,
		OwnerID:   req.OwnerID,
		Autonomy:  models.AutonomyLevel(req.Autonomy),
		Content:   req.Content,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, session)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("history"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid history limit")
			return
		}
		limit = n
	}

	snap, err := s.svc.GetSnapshot(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	plan, err := s.svc.ApprovePlan(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "planID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RejectPlan(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "planID")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Interrupt(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents upgrades to a WebSocket and streams the session's live events
// as JSON, one event per message, until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	events, cancel := s.svc.SubscribeEvents(ctx, sessionID)
	defer cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "bus closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancelWrite()
			if err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// observe logs each request and records HTTP metrics against the chi route
// pattern rather than the raw path.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.HTTPRequest(route, r.Method, strconv.Itoa(ww.Status()), elapsed)
		s.log.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"duration", elapsed,
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, agent.ErrPlanMismatch):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrStaleApproval):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrSessionBusy), errors.Is(err, service.ErrPlanNotApprovable):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write response", "error", err)
	}
}
