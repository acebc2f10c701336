package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/seleznev/blast/internal/models"
)

type SendRepository struct {
	db *sql.DB
}

func NewSendRepository(db *sql.DB) *SendRepository {
	return &SendRepository{db: db}
}

// Create creates a send record. Called immediately before the transport is
// invoked so a crash mid-send still leaves an auditable row.
func (r *SendRepository) Create(s *models.SendRecord) error {
	s.ID = uuid.New().String()
	if s.Status == "" {
		s.Status = models.SendQueued
	}
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO sends (id, campaign_id, recipient_id, phone, body, media_ref, status, error_code, error_message, provider_id, retry_count, scheduled_for, sent_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CampaignID, s.RecipientID, s.Phone, s.Body, s.MediaRef, s.Status,
		nullString(s.ErrorCode), nullString(s.ErrorMessage), nullString(s.ProviderID),
		s.RetryCount, s.ScheduledFor, s.SentAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create send record: %w", err)
	}
	return nil
}

// GetByID returns a send record by ID
func (r *SendRepository) GetByID(id string) (*models.SendRecord, error) {
	s := &models.SendRecord{}
	err := r.db.QueryRow(`
		SELECT id, campaign_id, recipient_id, phone, body, COALESCE(media_ref, ''), status,
			COALESCE(error_code, ''), COALESCE(error_message, ''), COALESCE(provider_id, ''),
			retry_count, scheduled_for, sent_at, delivered_at, read_at, created_at, updated_at
		FROM sends WHERE id = ?`, id,
	).Scan(&s.ID, &s.CampaignID, &s.RecipientID, &s.Phone, &s.Body, &s.MediaRef, &s.Status,
		&s.ErrorCode, &s.ErrorMessage, &s.ProviderID,
		&s.RetryCount, &s.ScheduledFor, &s.SentAt, &s.DeliveredAt, &s.ReadAt, &s.CreatedAt, &s.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// MarkSent advances a record to sent with the provider message id
func (r *SendRepository) MarkSent(id, providerID string, at time.Time) error {
	return r.advance(id, models.SendSent, "", "", providerID, &at)
}

// MarkFailed advances a record to failed with error detail
func (r *SendRepository) MarkFailed(id, errorCode, errorMessage string) error {
	return r.advance(id, models.SendFailed, errorCode, errorMessage, "", nil)
}

// MarkSkipped advances a record to skipped (policy rejection, not a failure)
func (r *SendRepository) MarkSkipped(id, reason string) error {
	return r.advance(id, models.SendSkipped, "", reason, "", nil)
}

func (r *SendRepository) advance(id string, status models.SendStatus, errorCode, errorMessage, providerID string, sentAt *time.Time) error {
	_, err := r.db.Exec(`
		UPDATE sends SET status = ?, error_code = ?, error_message = ?,
			provider_id = COALESCE(?, provider_id), sent_at = COALESCE(?, sent_at), updated_at = ?
		WHERE id = ?`,
		status, nullString(errorCode), nullString(errorMessage), nullString(providerID), sentAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to advance send record: %w", err)
	}
	return nil
}

// PhonesForCampaign returns the distinct phones with any send record for the
// campaign. Resume uses this as its exclusion set.
func (r *SendRepository) PhonesForCampaign(campaignID string) ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT phone FROM sends WHERE campaign_id = ?`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	phones := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		phones = append(phones, p)
	}
	return phones, rows.Err()
}

// CountNonTerminal returns the number of queued (ambiguous) records for a
// campaign. Resume logs this so operators know what is being skipped.
func (r *SendRepository) CountNonTerminal(campaignID string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM sends WHERE campaign_id = ? AND status = ?`,
		campaignID, models.SendQueued).Scan(&n)
	return n, err
}

// ReconcileStale marks queued records older than the cutoff as failed with a
// dedicated error code. Crash artifacts are ambiguous; they are closed out
// rather than assumed successful.
func (r *SendRepository) ReconcileStale(cutoff time.Time) (int, error) {
	res, err := r.db.Exec(`
		UPDATE sends SET status = ?, error_code = ?, error_message = 'queued record left behind by interrupted run', updated_at = ?
		WHERE status = ? AND created_at < ?`,
		models.SendFailed, models.SendErrStaleQueued, time.Now(), models.SendQueued, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile stale sends: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// StatsForCampaign returns authoritative per-status counts from the ledger
func (r *SendRepository) StatsForCampaign(campaignID string) (models.CampaignStats, error) {
	stats := models.CampaignStats{CampaignID: campaignID}
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM sends WHERE campaign_id = ? GROUP BY status`, campaignID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status models.SendStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.Total += count
		switch status {
		case models.SendQueued:
			stats.Queued = count
		case models.SendSent:
			stats.Sent = count
		case models.SendDelivered:
			stats.Delivered = count
		case models.SendFailed:
			stats.Failed = count
		case models.SendSkipped:
			stats.Skipped = count
		case models.SendOptedOut:
			stats.OptedOut = count
		}
	}
	return stats, rows.Err()
}

// WindowStats returns outcome counts for sends attempted since the given time.
// The health score is derived from these.
func (r *SendRepository) WindowStats(since time.Time) (models.SendWindowStats, error) {
	var stats models.SendWindowStats
	err := r.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status IN ('sent', 'delivered', 'read') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM sends WHERE created_at >= ?`, since,
	).Scan(&stats.Total, &stats.Sent, &stats.Failed)
	if err != nil {
		return stats, fmt.Errorf("failed to query window stats: %w", err)
	}
	return stats, nil
}

// CountSentSince returns successful sends since the given time. Used to seed
// throttle counters from the ledger at process start.
func (r *SendRepository) CountSentSince(since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM sends WHERE sent_at IS NOT NULL AND sent_at >= ?`, since).Scan(&n)
	return n, err
}

// CountToPhoneSince returns sends attempted to one phone since the given
// time. The compliance gate uses this for frequency warnings.
func (r *SendRepository) CountToPhoneSince(phone string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM sends WHERE phone = ? AND created_at >= ?`, phone, since).Scan(&n)
	return n, err
}
