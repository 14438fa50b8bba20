// Package web exposes paddock over HTTP: an authenticated API server for
// chat, history, and model management, plus a separate admin server.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odvcencio/paddock/pkg/catalog"
	apperrors "github.com/odvcencio/paddock/pkg/errors"
	"github.com/odvcencio/paddock/pkg/gateway"
	"github.com/odvcencio/paddock/pkg/logging"
	"github.com/odvcencio/paddock/pkg/runtime"
	"github.com/odvcencio/paddock/pkg/storage"
)

// ModelRuntime manages locally installed models. Satisfied by *runtime.Client.
type ModelRuntime interface {
	ListInstalled(ctx context.Context) ([]string, error)
	Install(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

// Server hosts the authenticated chat API.
type Server struct {
	store      *storage.Store
	gateway    *gateway.Gateway
	models     ModelRuntime
	catalog    catalog.Client
	logger     *logging.Logger
	httpServer *http.Server
}

// NewServer wires the API server against its collaborators.
func NewServer(store *storage.Store, gw *gateway.Gateway, models ModelRuntime, cat catalog.Client, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Server{
		store:   store,
		gateway: gw,
		models:  models,
		catalog: cat,
		logger:  logger,
	}
}

// Router builds the API route tree. Liveness and metrics stay outside the
// authenticated group.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(securityHeadersMiddleware)
	router.Use(metricsMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", handleMetrics)

	router.Group(func(r chi.Router) {
		r.Use(basicAuthMiddleware(s.store, s.logger))

		r.Get("/ping", s.handlePing)

		r.Post("/chat", s.handleChat)
		r.Post("/chat/{sessionID}", s.handleChat)

		r.Get("/history/sessions", s.handleListSessions)
		r.Get("/history/{sessionID}", s.handleGetHistory)
		r.Delete("/history/{sessionID}", s.handleDeleteSession)

		r.Get("/models", s.handleModels)
		r.Get("/models/available", s.handleAvailableModels)
		r.Get("/models/installed", s.handleInstalledModels)
		r.Get("/models/{name}/variants", s.handleModelVariants)
		r.Post("/models/{name}/install", s.handleInstallModel)
		r.Delete("/models/{name}", s.handleRemoveModel)
	})

	return router
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info(logging.CategoryNetwork, "api_listening", "", map[string]any{"port": port})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	user := principalFrom(r.Context())
	respondJSON(w, map[string]string{
		"message":  "pong",
		"username": user.Username,
	})
}

type chatRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
}

type chatResponse struct {
	SessionID string `json:"sessionId"`
	Response  string `json:"response"`
}

// handleChat serves both the fresh-session and existing-session chat routes.
// Without a path session id a new uuid is minted.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user := principalFrom(r.Context())

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	start := time.Now()
	text, err := s.gateway.Send(r.Context(), sessionID, user.Username, req.Model, req.Prompt, runtime.Options{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeQuotaExceeded) {
			metricQuotaRejections.Inc()
		}
		respondError(w, err)
		return
	}
	observeChatDuration(start)

	respondJSON(w, chatResponse{SessionID: sessionID, Response: text})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		respondError(w, err)
		return
	}
	if sessions == nil {
		sessions = []storage.ChatSession{}
	}
	respondJSON(w, sessions)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	messages, err := s.store.GetMessages(sessionID)
	if err != nil {
		respondError(w, err)
		return
	}
	if messages == nil {
		messages = []storage.Message{}
	}
	respondJSON(w, messages)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.store.DeleteSession(sessionID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"message": fmt.Sprintf("session %s deleted", sessionID)})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	available, err := s.catalog.BaseModels(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	installed, err := s.models.ListInstalled(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string][]string{
		"available": emptyIfNil(available),
		"installed": emptyIfNil(installed),
	})
}

func (s *Server) handleAvailableModels(w http.ResponseWriter, r *http.Request) {
	available, err := s.catalog.BaseModels(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, emptyIfNil(available))
}

func (s *Server) handleInstalledModels(w http.ResponseWriter, r *http.Request) {
	installed, err := s.models.ListInstalled(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, emptyIfNil(installed))
}

func (s *Server) handleModelVariants(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	variants, err := s.catalog.Variants(r.Context(), name)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, emptyIfNil(variants))
}

func (s *Server) handleInstallModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.models.Install(r.Context(), name); err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info(logging.CategoryRuntime, "model_installed", "", map[string]any{"model": name})
	respondJSON(w, map[string]string{"message": fmt.Sprintf("model %s installed", name)})
}

func (s *Server) handleRemoveModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.models.Remove(r.Context(), name); err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info(logging.CategoryRuntime, "model_removed", "", map[string]any{"model": name})
	respondJSON(w, map[string]string{"message": fmt.Sprintf("model %s removed", name)})
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
