package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/seleznev/blast/internal/models"
)

// ErrInvalidTransition is returned when a campaign status change is not
// allowed by the state machine.
var ErrInvalidTransition = errors.New("invalid campaign status transition")

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create creates a new campaign in draft status
func (r *CampaignRepository) Create(c *models.Campaign) error {
	c.ID = uuid.New().String()
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO campaigns (id, name, template_id, segment, rate_limit, status, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.TemplateID, c.Segment, c.RateLimit, c.Status, c.ScheduledAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	c := &models.Campaign{}
	err := r.db.QueryRow(`
		SELECT id, name, template_id, segment, COALESCE(rate_limit, ''), status, COALESCE(error_message, ''),
			total_recipients, sent_count, delivered_count, failed_count, opted_out_count,
			scheduled_at, started_at, completed_at, created_at, updated_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.TemplateID, &c.Segment, &c.RateLimit, &c.Status, &c.ErrorMessage,
		&c.TotalRecipients, &c.SentCount, &c.DeliveredCount, &c.FailedCount, &c.OptedOutCount,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns campaigns filtered by status (all when empty), newest first
func (r *CampaignRepository) List(status models.CampaignStatus, limit, offset int) ([]models.Campaign, error) {
	query := `
		SELECT id, name, template_id, segment, COALESCE(rate_limit, ''), status, COALESCE(error_message, ''),
			total_recipients, sent_count, delivered_count, failed_count, opted_out_count,
			scheduled_at, started_at, completed_at, created_at, updated_at
		FROM campaigns WHERE 1=1`
	args := []any{}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}

	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

// GetByStatus returns all campaigns in the given status
func (r *CampaignRepository) GetByStatus(status models.CampaignStatus) ([]models.Campaign, error) {
	return r.List(status, 0, 0)
}

// GetScheduledDue returns scheduled campaigns whose scheduled_at is in the past
func (r *CampaignRepository) GetScheduledDue(now time.Time) ([]models.Campaign, error) {
	rows, err := r.db.Query(`
		SELECT id, name, template_id, segment, COALESCE(rate_limit, ''), status, COALESCE(error_message, ''),
			total_recipients, sent_count, delivered_count, failed_count, opted_out_count,
			scheduled_at, started_at, completed_at, created_at, updated_at
		FROM campaigns
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at`, models.CampaignScheduled, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

func scanCampaigns(rows *sql.Rows) ([]models.Campaign, error) {
	campaigns := []models.Campaign{}
	for rows.Next() {
		var c models.Campaign
		err := rows.Scan(&c.ID, &c.Name, &c.TemplateID, &c.Segment, &c.RateLimit, &c.Status, &c.ErrorMessage,
			&c.TotalRecipients, &c.SentCount, &c.DeliveredCount, &c.FailedCount, &c.OptedOutCount,
			&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// MarkRunning transitions a campaign to running inside a transaction, checking
// the current status first so two supervisors cannot double-start the same
// campaign. Accepted source states: draft, scheduled, paused, and running for
// crash recovery when recover is true.
func (r *CampaignRepository) MarkRunning(id string, recover bool) (*models.Campaign, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c := &models.Campaign{}
	err = tx.QueryRow(`
		SELECT id, name, template_id, segment, COALESCE(rate_limit, ''), status, COALESCE(error_message, ''),
			total_recipients, sent_count, delivered_count, failed_count, opted_out_count,
			scheduled_at, started_at, completed_at, created_at, updated_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.TemplateID, &c.Segment, &c.RateLimit, &c.Status, &c.ErrorMessage,
		&c.TotalRecipients, &c.SentCount, &c.DeliveredCount, &c.FailedCount, &c.OptedOutCount,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	allowed := models.CanTransition(c.Status, models.CampaignRunning)
	if recover && c.Status == models.CampaignRunning {
		allowed = true
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> running", ErrInvalidTransition, c.Status)
	}

	now := time.Now()
	if c.StartedAt == nil {
		c.StartedAt = &now
	}
	_, err = tx.Exec(`
		UPDATE campaigns SET status = ?, started_at = ?, error_message = NULL, updated_at = ? WHERE id = ?`,
		models.CampaignRunning, c.StartedAt, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to mark campaign running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	c.Status = models.CampaignRunning
	c.UpdatedAt = now
	return c, nil
}

// SetStatus transitions a campaign to the given status, enforcing the
// transition table. Timestamps for completed/stopped states are recorded.
func (r *CampaignRepository) SetStatus(id string, to models.CampaignStatus, errorMessage string) error {
	c, err := r.GetByID(id)
	if err != nil {
		return err
	}
	if c == nil {
		return sql.ErrNoRows
	}
	if !models.CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}

	now := time.Now()
	var completedAt *time.Time
	if to == models.CampaignCompleted || to == models.CampaignStopped || to == models.CampaignFailed {
		completedAt = &now
	} else {
		completedAt = c.CompletedAt
	}

	_, err = r.db.Exec(`
		UPDATE campaigns SET status = ?, error_message = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		to, nullString(errorMessage), completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	return nil
}

// UpdateCounters updates the best-effort aggregate tallies. The sends table
// remains the ledger of record.
func (r *CampaignRepository) UpdateCounters(id string, total, sent, failed, skipped int) error {
	_, err := r.db.Exec(`
		UPDATE campaigns SET total_recipients = ?, sent_count = ?, failed_count = ?, opted_out_count = ?, updated_at = ?
		WHERE id = ?`,
		total, sent, failed, skipped, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update campaign counters: %w", err)
	}
	return nil
}

// SetSchedule moves a draft campaign to scheduled at the given time
func (r *CampaignRepository) SetSchedule(id string, at time.Time) error {
	c, err := r.GetByID(id)
	if err != nil {
		return err
	}
	if c == nil {
		return sql.ErrNoRows
	}
	if !models.CanTransition(c.Status, models.CampaignScheduled) {
		return fmt.Errorf("%w: %s -> scheduled", ErrInvalidTransition, c.Status)
	}

	_, err = r.db.Exec(`
		UPDATE campaigns SET status = ?, scheduled_at = ?, updated_at = ? WHERE id = ?`,
		models.CampaignScheduled, at, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to schedule campaign: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
