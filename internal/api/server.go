package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"proctorhub/internal/lifecycle"
	"proctorhub/internal/pipeline"
	"proctorhub/internal/session"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Registry is the narrow slice of the connection registry the API needs.
type Registry interface {
	SessionConnections(sessionID string) []interfaces.Connection
	Stats() map[string]int
}

// Server is the REST surface for exam tooling: session provisioning,
// lifecycle control, server-side event injection and alert review. No
// business logic lives here; handlers translate HTTP to component calls.
type Server struct {
	sessions   *session.Store
	controller *lifecycle.Controller
	pipeline   *pipeline.Pipeline
	db         interfaces.Store
	registry   Registry
	publicURL  string
	router     chi.Router
}

// NewServer builds the API server and its routes. publicURL is the
// externally reachable base used in pairing links.
func NewServer(sessions *session.Store, controller *lifecycle.Controller, pipe *pipeline.Pipeline,
	db interfaces.Store, registry Registry, publicURL string, wsHandler http.HandlerFunc) *Server {

	s := &Server{
		sessions:   sessions,
		controller: controller,
		pipeline:   pipe,
		db:         db,
		registry:   registry,
		publicURL:  publicURL,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.healthCheck)
	r.Get("/ws", wsHandler)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Get("/", s.listSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Patch("/", s.updateSession)
			r.Post("/events", s.ingestEvent)
			r.Get("/alerts", s.listAlerts)
			r.Get("/pairing", s.pairingInfo)
		})
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type createSessionRequest struct {
	ExamID    string `json:"exam_id"`
	StudentID string `json:"student_id"`
}

type sessionResponse struct {
	Session         *types.Session `json:"session"`
	ConnectionCount int            `json:"connection_count"`
}

type updateSessionRequest struct {
	Status string `json:"status"`
}

type ingestEventRequest struct {
	EventType string          `json:"event_type"`
	Severity  string          `json:"severity,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ingestEventResponse struct {
	Event *types.Event `json:"event"`
	Alert *types.Alert `json:"alert,omitempty"`
}

type pairingResponse struct {
	SessionID  string `json:"session_id"`
	ExamID     string `json:"exam_id"`
	PairingURL string `json:"pairing_url"`
}

type healthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// createSession provisions one student's exam attempt. The session starts
// pending; devices attach and a proctor activates it.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.ExamID, req.StudentID)
	if err != nil {
		if errors.Is(err, types.ErrMissingExamID) || errors.Is(err, session.ErrInvalidStudentID) {
			s.sendError(w, err.Error(), http.StatusBadRequest)
		} else {
			s.sendError(w, "Failed to create session", http.StatusInternalServerError)
		}
		return
	}

	s.sendJSON(w, http.StatusCreated, sessionResponse{Session: sess})
}

// listSessions returns all known sessions, optionally filtered by exam or
// status, with live connection counts from the registry.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	examFilter := r.URL.Query().Get("exam_id")
	statusFilter := r.URL.Query().Get("status")
	if statusFilter != "" && !types.IsValidStatus(statusFilter) {
		s.sendError(w, "Unknown status filter", http.StatusBadRequest)
		return
	}

	all := s.sessions.List()
	out := make([]sessionResponse, 0, len(all))
	for _, sess := range all {
		if examFilter != "" && sess.ExamID != examFilter {
			continue
		}
		if statusFilter != "" && sess.Status != statusFilter {
			continue
		}
		out = append(out, sessionResponse{
			Session:         sess,
			ConnectionCount: len(s.registry.SessionConnections(sess.ID)),
		})
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}

	s.sendJSON(w, http.StatusOK, sessionResponse{
		Session:         sess,
		ConnectionCount: len(s.registry.SessionConnections(sessionID)),
	})
}

// updateSession drives a lifecycle transition. Illegal moves get 409 with
// the current status left untouched.
func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	sess, err := s.controller.Transition(r.Context(), sessionID, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrSessionNotFound):
			s.sendError(w, "Session not found", http.StatusNotFound)
		case errors.Is(err, types.ErrInvalidStatus):
			s.sendError(w, "Unknown status", http.StatusBadRequest)
		case errors.Is(err, types.ErrInvalidTransition):
			s.sendError(w, err.Error(), http.StatusConflict)
		default:
			s.sendError(w, "Failed to update session", http.StatusInternalServerError)
		}
		return
	}

	s.sendJSON(w, http.StatusOK, sessionResponse{
		Session:         sess,
		ConnectionCount: len(s.registry.SessionConnections(sessionID)),
	})
}

// ingestEvent injects a behavioral event on behalf of server-side
// analysis tooling. Same pipeline as device-reported events, same alert
// derivation, no per-connection rate limit.
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	payload := types.BehavioralEventPayload{
		SessionID: sessionID,
		EventType: req.EventType,
		Severity:  req.Severity,
		Payload:   req.Payload,
	}
	if err := payload.Validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	event, alert, err := s.pipeline.Ingest(r.Context(), sessionID, req.EventType, req.Severity, req.Payload)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			s.sendError(w, "Session not found", http.StatusNotFound)
		} else {
			s.sendError(w, "Failed to record event", http.StatusInternalServerError)
		}
		return
	}

	s.sendJSON(w, http.StatusCreated, ingestEventResponse{Event: event, Alert: alert})
}

// listAlerts returns a session's alerts, newest first.
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := s.sessions.Get(sessionID); err != nil {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}

	alerts, err := s.db.ListAlerts(r.Context(), sessionID)
	if err != nil {
		s.sendError(w, "Failed to list alerts", http.StatusInternalServerError)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// pairingInfo returns the URL a student's secondary device opens to join
// its session's proctoring stream.
func (s *Server) pairingInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}

	q := url.Values{}
	q.Set("role", types.RoleStudentDevice)
	q.Set("session_id", sess.ID)
	q.Set("exam_id", sess.ExamID)
	q.Set("device_kind", types.DeviceKindSecondary)

	s.sendJSON(w, http.StatusOK, pairingResponse{
		SessionID:  sess.ID,
		ExamID:     sess.ExamID,
		PairingURL: fmt.Sprintf("%s/ws?%s", s.publicURL, q.Encode()),
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.db.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	s.sendJSON(w, code, healthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: s.registry.Stats(),
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, errorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
