package devbackend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"flowwatch/internal/logging"
	"flowwatch/internal/protocol"
)

type Options struct {
	// Prefix is where the API is mounted, "/api" when empty.
	Prefix string
	// Token, when set, is required as a bearer credential on every route.
	Token string
	// StepDelay spaces scripted updates, 100ms when zero.
	StepDelay time.Duration
	// JoinTimeout bounds how long a task waits for its first subscriber.
	JoinTimeout time.Duration
	// UntargetedApprovals omits task_id from approval requests.
	UntargetedApprovals bool
	Logger              *slog.Logger
}

type simTask struct {
	id        string
	goal      string
	params    map[string]any
	decisions chan protocol.Decision
}

// Server is an in-process orchestration backend: it accepts task
// submissions, streams scripted updates over websocket and pauses for
// approval decisions.
type Server struct {
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
	hub    *Hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*simTask
	runs  map[string]*simTask
}

func NewServer(opts Options) *Server {
	if strings.TrimSpace(opts.Prefix) == "" {
		opts.Prefix = "/api"
	}
	opts.Prefix = "/" + strings.Trim(strings.TrimSpace(opts.Prefix), "/")
	if opts.StepDelay <= 0 {
		opts.StepDelay = 100 * time.Millisecond
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	logger := logging.For(opts.Logger, "devbackend")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   opts,
		logger: logger,
		mux:    http.NewServeMux(),
		hub:    NewHub(logger),
		ctx:    ctx,
		cancel: cancel,
		tasks:  map[string]*simTask{},
		runs:   map[string]*simTask{},
	}
	p := opts.Prefix
	s.mux.HandleFunc("GET "+p+"/healthz", s.handleHealth)
	s.mux.HandleFunc("POST "+p+"/tasks", s.requireAuth(s.handleSubmit))
	s.mux.HandleFunc("POST "+p+"/workflows/{runID}/resume", s.requireAuth(s.handleResume))
	s.mux.HandleFunc(p+"/ws", s.requireAuth(s.hub.HandleWS))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Close stops every scripted task, drops websocket clients and waits for the
// scripts to exit.
func (s *Server) Close() {
	s.cancel()
	s.hub.DropAll(websocket.StatusGoingAway, "server shutting down")
	s.wg.Wait()
}

type submitRequest struct {
	Goal       string         `json:"goal"`
	Parameters map[string]any `json:"parameters"`
}

type resumeRequest struct {
	Decision protocol.Decision `json:"decision"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "invalid json body")
		return
	}
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		respondError(w, http.StatusUnprocessableEntity, "INVALID_GOAL", "goal is required")
		return
	}
	t := &simTask{
		id:        "task_" + uuid.NewString(),
		goal:      goal,
		params:    req.Parameters,
		decisions: make(chan protocol.Decision, 1),
	}
	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runScript(t)
	}()
	s.logger.Info("task accepted", "task_id", t.id, "goal", goal)
	writeJSON(w, http.StatusCreated, map[string]any{"task_id": t.id, "status": "pending"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("runID"))
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Decision.Valid() {
		respondError(w, http.StatusBadRequest, "INVALID_DECISION", "decision must be approved or rejected")
		return
	}
	s.mu.Lock()
	t, ok := s.runs[runID]
	if ok {
		delete(s.runs, runID)
	}
	s.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, "RUN_NOT_FOUND", "no paused workflow run "+runID)
		return
	}
	t.decisions <- req.Decision
	s.logger.Info("workflow resumed", "task_id", t.id, "workflow_run_id", runID, "decision", string(req.Decision))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token == "" {
			next(w, r)
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if got != s.opts.Token {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"code": errCode, "message": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// Emit publishes a raw message to subscribers of taskID, or to every client
// when taskID is empty.
func (s *Server) Emit(taskID string, msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if s.hub.Publish(taskID, raw) == 0 {
		return errors.New("no subscribers for " + taskID)
	}
	return nil
}
