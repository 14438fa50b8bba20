package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/paddock/pkg/config"
	apperrors "github.com/odvcencio/paddock/pkg/errors"
	"github.com/odvcencio/paddock/pkg/logging"
	"github.com/odvcencio/paddock/pkg/storage"
)

// WorkerSupervisor restarts the serving worker. Satisfied by
// *supervisor.Supervisor.
type WorkerSupervisor interface {
	Restart(newPort int) error
	Running() bool
	Port() int
}

// AdminServer hosts the administrative API on its own port, separate from
// user traffic.
type AdminServer struct {
	cfg        *config.Config
	store      *storage.Store
	models     ModelRuntime
	supervisor WorkerSupervisor
	logger     *logging.Logger
	httpServer *http.Server
}

// NewAdminServer wires the admin server against its collaborators.
func NewAdminServer(cfg *config.Config, store *storage.Store, models ModelRuntime, sup WorkerSupervisor, logger *logging.Logger) *AdminServer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &AdminServer{
		cfg:        cfg,
		store:      store,
		models:     models,
		supervisor: sup,
		logger:     logger,
	}
}

// Router builds the admin route tree. Every route requires an authenticated
// administrator.
func (s *AdminServer) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(securityHeadersMiddleware)
	router.Use(basicAuthMiddleware(s.store, s.logger))
	router.Use(adminOnlyMiddleware(s.logger))

	router.Get("/admin", s.handleDashboard)
	router.Put("/admin/config", s.handleUpdateConfig)
	router.Post("/admin/users", s.handleUpsertUser)
	router.Delete("/admin/users/{username}", s.handleDeleteUser)
	router.Post("/admin/clear", s.handleClear)
	router.Post("/admin/restart", s.handleRestart)

	return router
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *AdminServer) Serve(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info(logging.CategoryAdmin, "admin_listening", "", map[string]any{"port": port})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type dashboardUser struct {
	Username   string `json:"username"`
	IsAdmin    bool   `json:"isAdmin"`
	DailyLimit int    `json:"dailyLimit"`
	UsedToday  int    `json:"usedToday"`
}

type dashboardResponse struct {
	Config struct {
		Port       int  `json:"port"`
		AdminPort  int  `json:"adminPort"`
		DailyLimit int  `json:"dailyLimit"`
		Serving    bool `json:"serving"`
	} `json:"config"`
	Users           []dashboardUser       `json:"users"`
	Sessions        []storage.ChatSession `json:"sessions"`
	InstalledModels []string              `json:"installedModels"`
}

// handleDashboard aggregates the state an operator needs at a glance. A dead
// runtime degrades the model list to empty rather than failing the page.
func (s *AdminServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers()
	if err != nil {
		respondError(w, err)
		return
	}
	sessions, err := s.store.ListSessions()
	if err != nil {
		respondError(w, err)
		return
	}

	today := storage.QuotaDate(time.Now())
	port, dailyLimit := s.cfg.Serving()
	var resp dashboardResponse
	resp.Config.Port = port
	resp.Config.AdminPort = s.cfg.AdminPort
	resp.Config.DailyLimit = dailyLimit
	if s.supervisor != nil {
		resp.Config.Serving = s.supervisor.Running()
	}
	resp.Users = make([]dashboardUser, 0, len(users))
	for _, user := range users {
		used, err := s.store.QuotaUsage(user.Username, today)
		if err != nil {
			respondError(w, err)
			return
		}
		resp.Users = append(resp.Users, dashboardUser{
			Username:   user.Username,
			IsAdmin:    user.IsAdmin,
			DailyLimit: user.DailyLimit,
			UsedToday:  used,
		})
	}
	if sessions == nil {
		sessions = []storage.ChatSession{}
	}
	resp.Sessions = sessions

	installed, err := s.models.ListInstalled(r.Context())
	if err != nil {
		s.logger.Warn(logging.CategoryAdmin, "dashboard_models_unavailable", err.Error(), nil)
		installed = []string{}
	}
	resp.InstalledModels = emptyIfNil(installed)

	respondJSON(w, resp)
}

type configUpdateRequest struct {
	Port       int `json:"port"`
	DailyLimit int `json:"dailyLimit"`
}

// handleUpdateConfig persists a new serving port and daily limit. The worker
// keeps its old port until an explicit restart.
func (s *AdminServer) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req configUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.cfg.UpdateServing(req.Port, req.DailyLimit); err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info(logging.CategoryAdmin, "config_updated", "", map[string]any{
		"port":       req.Port,
		"dailyLimit": req.DailyLimit,
	})
	respondJSON(w, map[string]string{"message": "config updated; restart to apply the new port"})
}

type userUpsertRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	DailyLimit int    `json:"dailyLimit"`
}

func (s *AdminServer) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var req userUpsertRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Password == "" {
		respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "password cannot be empty"))
		return
	}
	if err := s.store.UpsertUser(req.Username, req.Password, req.DailyLimit); err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info(logging.CategoryAdmin, "user_upserted", "", map[string]any{
		"username":   req.Username,
		"dailyLimit": req.DailyLimit,
	})
	respondJSON(w, map[string]string{"message": fmt.Sprintf("user %s saved", req.Username)})
}

func (s *AdminServer) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := s.store.DeleteUser(username); err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info(logging.CategoryAdmin, "user_deleted", "", map[string]any{"username": username})
	respondJSON(w, map[string]string{"message": fmt.Sprintf("user %s deleted", username)})
}

// handleClear wipes all persisted state and best-effort removes every
// installed model. Model removal failures are logged and skipped so a wedged
// runtime cannot block the wipe.
func (s *AdminServer) handleClear(w http.ResponseWriter, r *http.Request) {
	installed, err := s.models.ListInstalled(r.Context())
	if err != nil {
		s.logger.Warn(logging.CategoryAdmin, "clear_models_unavailable", err.Error(), nil)
		installed = nil
	}
	removed := 0
	for _, model := range installed {
		if err := s.models.Remove(r.Context(), model); err != nil {
			s.logger.Warn(logging.CategoryAdmin, "clear_model_skip", err.Error(), map[string]any{
				"model": model,
			})
			continue
		}
		removed++
	}

	if err := s.store.Clear(); err != nil {
		respondError(w, err)
		return
	}

	s.logger.Info(logging.CategoryAdmin, "database_cleared", "", map[string]any{
		"modelsRemoved": removed,
	})
	respondJSON(w, map[string]any{
		"message":       "database cleared",
		"modelsRemoved": removed,
	})
}

// handleRestart bounces the worker onto the currently configured port.
func (s *AdminServer) handleRestart(w http.ResponseWriter, r *http.Request) {
	if s.supervisor == nil {
		respondError(w, apperrors.New(apperrors.ErrCodeInternal, "no supervisor attached"))
		return
	}
	port, _ := s.cfg.Serving()
	if err := s.supervisor.Restart(port); err != nil {
		respondError(w, err)
		return
	}
	metricSupervisorRestarts.Inc()
	s.logger.Info(logging.CategoryAdmin, "worker_restarted", "", map[string]any{"port": port})
	respondJSON(w, map[string]any{
		"message": "worker restarted",
		"port":    port,
	})
}
