package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seleznev/blast/internal/compliance"
	"github.com/seleznev/blast/internal/models"
	"github.com/seleznev/blast/internal/template"
)

// TemplateRequest is the request body for template create and update
type TemplateRequest struct {
	Name     string `json:"name"`
	Body     string `json:"body"`
	Category string `json:"category,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
	Spintext bool   `json:"spintext"`
}

// TemplateRejection is returned when a template fails the compliance gate
type TemplateRejection struct {
	Error      string            `json:"error"`
	Compliance compliance.Result `json:"compliance"`
}

// checkTemplate runs the content rules; a non-compliant template must never
// be persisted.
func (s *Server) checkTemplate(w http.ResponseWriter, req *TemplateRequest) bool {
	if req.Name == "" || req.Body == "" {
		s.sendError(w, http.StatusBadRequest, "name and body are required")
		return false
	}

	result := compliance.CheckContent(req.Body)
	if !result.Compliant {
		s.sendJSON(w, http.StatusUnprocessableEntity, TemplateRejection{
			Error:      "template blocked by compliance rules",
			Compliance: result,
		})
		return false
	}
	return true
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.checkTemplate(w, &req) {
		return
	}

	tmpl := &models.Template{
		Name:     req.Name,
		Body:     req.Body,
		Category: req.Category,
		MediaRef: req.MediaRef,
		Spintext: req.Spintext,
	}
	if err := s.templates.Create(tmpl); err != nil {
		s.logger.Error("failed to create template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to create template")
		return
	}
	s.sendJSON(w, http.StatusCreated, tmpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.templates.List()
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list templates")
		return
	}
	s.sendJSON(w, http.StatusOK, templates)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tmpl, err := s.templates.GetByID(id)
	if err != nil {
		s.logger.Error("failed to load template", "template_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to load template")
		return
	}
	if tmpl == nil {
		s.sendError(w, http.StatusNotFound, "template not found: "+id)
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.templates.GetByID(id)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to load template")
		return
	}
	if existing == nil {
		s.sendError(w, http.StatusNotFound, "template not found: "+id)
		return
	}

	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.checkTemplate(w, &req) {
		return
	}

	existing.Name = req.Name
	existing.Body = req.Body
	existing.Category = req.Category
	existing.MediaRef = req.MediaRef
	existing.Spintext = req.Spintext
	if err := s.templates.Update(existing); err != nil {
		s.logger.Error("failed to update template", "template_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to update template")
		return
	}
	s.sendJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.templates.Delete(id); err != nil {
		s.logger.Error("failed to delete template", "template_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to delete template")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ComplianceCheckRequest is the request body for POST /compliance/check
type ComplianceCheckRequest struct {
	Body     string `json:"body"`
	Category string `json:"category,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// ComplianceCheckResponse includes the verdict and the variables found in
// the message body.
type ComplianceCheckResponse struct {
	Result    compliance.Result `json:"result"`
	Variables []string          `json:"variables"`
}

// handleComplianceCheck evaluates a message. With a phone, the full
// recipient-context rules apply (DND, frequency); without it only content
// rules run.
func (s *Server) handleComplianceCheck(w http.ResponseWriter, r *http.Request) {
	var req ComplianceCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var result compliance.Result
	if req.Phone != "" || req.Category != "" {
		var err error
		result, err = s.gate.Evaluate(req.Body, req.Category, req.Phone)
		if err != nil {
			s.logger.Error("compliance evaluation failed", "error", err)
			s.sendError(w, http.StatusInternalServerError, "compliance evaluation failed")
			return
		}
	} else {
		result = compliance.CheckContent(req.Body)
	}

	s.sendJSON(w, http.StatusOK, ComplianceCheckResponse{
		Result:    result,
		Variables: template.ExtractVariables(req.Body),
	})
}
