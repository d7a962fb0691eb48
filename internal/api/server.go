package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/kiln/internal/conversation"
	"github.com/MikeSquared-Agency/kiln/internal/orchestrator"
	"github.com/MikeSquared-Agency/kiln/internal/preview"
)

// Engine is the part of the orchestrator the HTTP surface drives.
type Engine interface {
	CreateWorkspace(ctx context.Context, name, description string) (*conversation.Workspace, error)
	Workspace(ctx context.Context, id uuid.UUID) (*conversation.Workspace, error)
	Submit(ctx context.Context, id uuid.UUID, text string) (conversation.Message, error)
	Messages(ctx context.Context, id uuid.UUID) ([]conversation.Message, error)
	Snapshot(ctx context.Context, id uuid.UUID) (*orchestrator.Snapshot, error)
	Stats() orchestrator.Stats
}

type Server struct {
	router *chi.Mux
	port   int
	engine Engine
	hub    *preview.Hub
	logger *slog.Logger
	http   *http.Server
}

type createWorkspaceRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type postMessageRequest struct {
	Text string `json:"text"`
}

func NewServer(port int, apiToken string, engine Engine, hub *preview.Hub, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		engine: engine,
		hub:    hub,
		logger: logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/kiln/status", s.status)

	router.Route("/api/v1/workspaces", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Post("/", s.createWorkspace)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getWorkspace)
			r.Get("/messages", s.listMessages)
			r.Post("/messages", s.postMessage)
			r.Get("/files", s.getFiles)
			r.Get("/preview", s.preview)
		})
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("API server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":    "kiln",
		"status":   "ready",
		"sessions": s.engine.Stats(),
	})
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	ws, err := s.engine.CreateWorkspace(r.Context(), req.Name, req.Description)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	id, ok := workspaceID(w, r)
	if !ok {
		return
	}
	ws, err := s.engine.Workspace(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := workspaceID(w, r)
	if !ok {
		return
	}
	msgs, err := s.engine.Messages(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := workspaceID(w, r)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	msg, err := s.engine.Submit(r.Context(), id, req.Text)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) getFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := workspaceID(w, r)
	if !ok {
		return
	}
	snap, err := s.engine.Snapshot(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	id, ok := workspaceID(w, r)
	if !ok {
		return
	}
	if _, err := s.engine.Workspace(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.hub.Serve(w, r, id, func(ctx context.Context) (preview.Frame, error) {
		snap, err := s.engine.Snapshot(ctx, id)
		if err != nil {
			return preview.Frame{}, err
		}
		return preview.SnapshotFrame(id, snap.Version, snap.Files, snap.ActiveFile, snap.Entry), nil
	})
}

// fail maps engine errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrWorkspaceNotFound):
		writeError(w, http.StatusNotFound, "workspace not found")
	case errors.Is(err, orchestrator.ErrEmptyMessage), errors.Is(err, orchestrator.ErrNameRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func workspaceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workspace id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
