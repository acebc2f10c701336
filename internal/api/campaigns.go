package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seleznev/blast/internal/campaign"
	"github.com/seleznev/blast/internal/models"
	"github.com/seleznev/blast/internal/repository"
)

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	Name       string                   `json:"name"`
	TemplateID string                   `json:"template_id"`
	Segment    string                   `json:"segment"`
	RateLimit  *models.RateLimitProfile `json:"rate_limit,omitempty"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.TemplateID == "" {
		s.sendError(w, http.StatusBadRequest, "template_id is required")
		return
	}

	tmpl, err := s.templates.GetByID(req.TemplateID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to load template")
		return
	}
	if tmpl == nil {
		s.sendError(w, http.StatusBadRequest, "template not found: "+req.TemplateID)
		return
	}

	c := &models.Campaign{
		Name:       req.Name,
		TemplateID: req.TemplateID,
		Segment:    req.Segment,
	}
	if req.RateLimit != nil {
		data, err := json.Marshal(req.RateLimit)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid rate limit profile")
			return
		}
		c.RateLimit = string(data)
	}

	if err := s.campaigns.Create(c); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to create campaign")
		return
	}
	s.sendJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	status := models.CampaignStatus(r.URL.Query().Get("status"))
	campaigns, err := s.campaigns.List(status, 100, 0)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}
	s.sendJSON(w, http.StatusOK, campaigns)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// CampaignStatsResponse combines persisted counters, ledger stats and the
// live runner snapshot when one is active.
type CampaignStatsResponse struct {
	Campaign *models.Campaign       `json:"campaign"`
	Stats    models.CampaignStats   `json:"stats"`
	Runner   *campaign.RunnerStatus `json:"runner,omitempty"`
	Progress float64                `json:"progress_pct"`
}

func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	stats, err := s.sends.StatsForCampaign(c.ID)
	if err != nil {
		s.logger.Error("failed to load campaign stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	resp := CampaignStatsResponse{
		Campaign: c,
		Stats:    stats,
		Runner:   s.supervisor.Status(c.ID),
	}
	if c.TotalRecipients > 0 {
		done := stats.Total - stats.Queued
		resp.Progress = float64(done) / float64(c.TotalRecipients) * 100
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// ScheduleRequest is the request body for POST /campaigns/{id}/schedule
type ScheduleRequest struct {
	At time.Time `json:"at"`
}

func (s *Server) handleScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.At.IsZero() {
		s.sendError(w, http.StatusBadRequest, "scheduling time is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.campaigns.SetSchedule(id, req.At); err != nil {
		s.sendControlError(w, id, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"success": true, "scheduled_at": req.At})
}

func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.supervisor.Start)
}

func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.supervisor.Pause)
}

func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.supervisor.Resume)
}

func (s *Server) handleStopCampaign(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.supervisor.Stop)
}

// ControlResponse reports the outcome of a lifecycle operation
type ControlResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(string) error) {
	id := chi.URLParam(r, "id")
	if err := op(id); err != nil {
		s.sendControlError(w, id, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ControlResponse{Success: true})
}

// sendControlError maps control errors so callers can tell not-found from
// invalid-state from capacity from internal failure.
func (s *Server) sendControlError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, campaign.ErrCampaignNotFound), errors.Is(err, sql.ErrNoRows):
		s.sendError(w, http.StatusNotFound, "campaign not found: "+id)
	case errors.Is(err, campaign.ErrTooManyCampaigns):
		s.sendError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, campaign.ErrAlreadyRunning),
		errors.Is(err, campaign.ErrAlreadyPaused),
		errors.Is(err, campaign.ErrNotPaused),
		errors.Is(err, campaign.ErrNotActive),
		errors.Is(err, repository.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("campaign control operation failed", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// SchedulerStatusResponse is the response for GET /scheduler/status
type SchedulerStatusResponse struct {
	Active      map[string]campaign.RunnerStatus `json:"active"`
	Counters    any                              `json:"counters"`
	HealthScore int                              `json:"health_score"`
	BanRisk     any                              `json:"ban_risk"`
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	health, err := s.throttle.HealthScore()
	if err != nil {
		s.logger.Error("failed to compute health score", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to compute health score")
		return
	}
	risk, err := s.throttle.BanRiskAssessment()
	if err != nil {
		s.logger.Error("failed to assess ban risk", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to assess ban risk")
		return
	}

	s.sendJSON(w, http.StatusOK, SchedulerStatusResponse{
		Active:      s.supervisor.ListActive(),
		Counters:    s.throttle.Snapshot(),
		HealthScore: health,
		BanRisk:     risk,
	})
}

func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	id := chi.URLParam(r, "id")
	c, err := s.campaigns.GetByID(id)
	if err != nil {
		s.logger.Error("failed to load campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to load campaign")
		return nil, false
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "campaign not found: "+id)
		return nil, false
	}
	return c, true
}
