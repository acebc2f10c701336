// Package api is the HTTP control surface: campaign lifecycle, recipient
// import, do-not-disturb management, template authoring and scheduler status.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seleznev/blast/internal/campaign"
	"github.com/seleznev/blast/internal/compliance"
	"github.com/seleznev/blast/internal/metrics"
	"github.com/seleznev/blast/internal/repository"
	"github.com/seleznev/blast/internal/throttle"
)

// CampaignControl is the supervisor surface the API needs
type CampaignControl interface {
	Start(campaignID string) error
	Pause(campaignID string) error
	Resume(campaignID string) error
	Stop(campaignID string) error
	Status(campaignID string) *campaign.RunnerStatus
	ListActive() map[string]campaign.RunnerStatus
}

// ThrottleStatus is the throttle controller surface the API needs
type ThrottleStatus interface {
	Snapshot() throttle.Counters
	HealthScore() (int, error)
	BanRiskAssessment() (throttle.Assessment, error)
}

// Config contains API server settings
type Config struct {
	ListenAddr   string
	APIKey       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     Config
	logger     *slog.Logger
	startTime  time.Time

	campaigns  *repository.CampaignRepository
	templates  *repository.TemplateRepository
	recipients *repository.RecipientRepository
	sends      *repository.SendRepository
	dnd        *repository.DNDRepository
	settings   *repository.SettingsRepository

	supervisor CampaignControl
	throttle   ThrottleStatus
	gate       *compliance.Gate
	metrics    *metrics.Metrics
}

// NewServer creates the API server and its routes
func NewServer(
	campaigns *repository.CampaignRepository,
	templates *repository.TemplateRepository,
	recipients *repository.RecipientRepository,
	sends *repository.SendRepository,
	dnd *repository.DNDRepository,
	settings *repository.SettingsRepository,
	supervisor CampaignControl,
	throttle ThrottleStatus,
	gate *compliance.Gate,
	m *metrics.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		config:     cfg,
		logger:     logger.With("component", "api"),
		startTime:  time.Now(),
		campaigns:  campaigns,
		templates:  templates,
		recipients: recipients,
		sends:      sends,
		dnd:        dnd,
		settings:   settings,
		supervisor: supervisor,
		throttle:   throttle,
		gate:       gate,
		metrics:    m,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Get("/{id}", s.handleGetCampaign)
			r.Get("/{id}/stats", s.handleCampaignStats)
			r.Post("/{id}/schedule", s.handleScheduleCampaign)
			r.Post("/{id}/start", s.handleStartCampaign)
			r.Post("/{id}/pause", s.handlePauseCampaign)
			r.Post("/{id}/resume", s.handleResumeCampaign)
			r.Post("/{id}/stop", s.handleStopCampaign)
		})

		r.Get("/scheduler/status", s.handleSchedulerStatus)

		r.Route("/recipients", func(r chi.Router) {
			r.Post("/import", s.handleImportRecipients)
			r.Get("/", s.handleListRecipients)
			r.Delete("/{id}", s.handleDeleteRecipient)
		})

		r.Route("/dnd", func(r chi.Router) {
			r.Get("/", s.handleListDND)
			r.Post("/", s.handleAddDND)
			r.Delete("/{phone}", s.handleRemoveDND)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.handleCreateTemplate)
			r.Get("/", s.handleListTemplates)
			r.Get("/{id}", s.handleGetTemplate)
			r.Put("/{id}", s.handleUpdateTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
		})

		r.Post("/compliance/check", s.handleComplianceCheck)
	})
}

// Router exposes the handler for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			auth = r.Header.Get("X-API-Key")
		}
		auth = strings.TrimPrefix(auth, "Bearer ")

		if auth != s.config.APIKey {
			s.logger.Warn("unauthorized API request", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			s.sendError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ErrorResponse is the error response body
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}
