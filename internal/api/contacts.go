package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seleznev/blast/internal/models"
	"github.com/seleznev/blast/internal/repository"
)

// ImportRecipient is one entry in a recipient import batch
type ImportRecipient struct {
	Phone         string            `json:"phone"`
	Name          string            `json:"name,omitempty"`
	CustomFields  map[string]string `json:"custom_fields,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	ConsentStatus string            `json:"consent_status,omitempty"`
	Source        string            `json:"source,omitempty"`
}

// ImportRequest is the request body for POST /recipients/import
type ImportRequest struct {
	Recipients []ImportRecipient `json:"recipients"`
}

func (s *Server) handleImportRecipients(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "recipients is required")
		return
	}

	result := models.RecipientImportResult{Total: len(req.Recipients)}
	for _, in := range req.Recipients {
		if in.Phone == "" {
			result.Skipped++
			result.Errors = append(result.Errors, "recipient without phone skipped")
			continue
		}

		rec := &models.Recipient{
			Phone:         in.Phone,
			Name:          in.Name,
			ConsentStatus: models.ConsentStatus(in.ConsentStatus),
			Source:        in.Source,
		}
		if fields, err := json.Marshal(in.CustomFields); err == nil && in.CustomFields != nil {
			rec.CustomFields = string(fields)
		}
		if in.Tags != nil {
			if tags, err := json.Marshal(in.Tags); err == nil {
				rec.Tags = string(tags)
			}
		}

		inserted, err := s.recipients.Upsert(rec)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, in.Phone+": "+err.Error())
			continue
		}
		if inserted {
			result.Imported++
		} else {
			result.Updated++
		}
	}

	s.logger.Info("recipients imported",
		"total", result.Total, "imported", result.Imported, "updated", result.Updated, "skipped", result.Skipped)
	s.sendJSON(w, http.StatusOK, result)
}

func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	q := repository.RecipientQuery{
		ConsentStatus: models.ConsentStatus(r.URL.Query().Get("consent_status")),
		Tag:           r.URL.Query().Get("tag"),
	}
	if after := r.URL.Query().Get("imported_after"); after != "" {
		t, err := time.Parse(time.RFC3339, after)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "imported_after must be RFC3339")
			return
		}
		q.ImportedAfter = &t
	}

	recipients, err := s.recipients.Query(q)
	if err != nil {
		s.logger.Error("failed to list recipients", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list recipients")
		return
	}
	s.sendJSON(w, http.StatusOK, recipients)
}

// handleDeleteRecipient soft-deletes (anonymizes) by default; ?force=true
// removes the row entirely.
func (s *Server) handleDeleteRecipient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if r.URL.Query().Get("force") == "true" {
		if err := s.recipients.ForceDelete(id); err != nil {
			s.logger.Error("failed to delete recipient", "recipient_id", id, "error", err)
			s.sendError(w, http.StatusInternalServerError, "failed to delete recipient")
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	if err := s.recipients.SoftDelete(id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.sendError(w, http.StatusNotFound, "recipient not found: "+id)
			return
		}
		s.logger.Error("failed to soft-delete recipient", "recipient_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to delete recipient")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// AddDNDRequest is the request body for POST /dnd
type AddDNDRequest struct {
	Phone  string `json:"phone"`
	Reason string `json:"reason,omitempty"`
	Source string `json:"source,omitempty"`
}

func (s *Server) handleAddDND(w http.ResponseWriter, r *http.Request) {
	var req AddDNDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		s.sendError(w, http.StatusBadRequest, "phone is required")
		return
	}

	entry := &models.DNDEntry{
		Phone:  req.Phone,
		Reason: req.Reason,
		Source: models.DNDSource(req.Source),
	}
	if err := s.dnd.Add(entry); err != nil {
		s.logger.Error("failed to add DND entry", "phone", req.Phone, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to add DND entry")
		return
	}

	// an opted-out contact never receives sends even if re-imported
	if rec, err := s.recipients.GetByPhone(req.Phone); err == nil && rec != nil {
		rec.ConsentStatus = models.ConsentOptedOut
		if _, err := s.recipients.Upsert(rec); err != nil {
			s.logger.Error("failed to mark recipient opted out", "phone", req.Phone, "error", err)
		}
	}

	s.sendJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListDND(w http.ResponseWriter, r *http.Request) {
	entries, err := s.dnd.List(500, 0)
	if err != nil {
		s.logger.Error("failed to list DND entries", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list DND entries")
		return
	}
	s.sendJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRemoveDND(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	if err := s.dnd.Remove(phone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.sendError(w, http.StatusNotFound, "phone not on DND list: "+phone)
			return
		}
		s.logger.Error("failed to remove DND entry", "phone", phone, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to remove DND entry")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}
