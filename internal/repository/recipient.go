package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/seleznev/blast/internal/models"
)

// maxInlineExclusions caps how many excluded phones go into the SQL NOT IN
// clause. SQLite limits bind variables per statement, so larger lists are
// filtered in memory instead.
const maxInlineExclusions = 500

type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// Create creates a new recipient
func (r *RecipientRepository) Create(rec *models.Recipient) error {
	rec.ID = uuid.New().String()
	if rec.ConsentStatus == "" {
		rec.ConsentStatus = models.ConsentUnknown
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.ImportedAt.IsZero() {
		rec.ImportedAt = now
	}

	_, err := r.db.Exec(`
		INSERT INTO recipients (id, phone, name, custom_fields, tags, consent_status, source, imported_at, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Phone, rec.Name, rec.CustomFields, rec.Tags, rec.ConsentStatus, rec.Source, rec.ImportedAt, rec.IsDeleted, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create recipient: %w", err)
	}
	return nil
}

// GetByID returns a recipient by ID
func (r *RecipientRepository) GetByID(id string) (*models.Recipient, error) {
	return r.getOne("id = ?", id)
}

// GetByPhone returns a recipient by phone number
func (r *RecipientRepository) GetByPhone(phone string) (*models.Recipient, error) {
	return r.getOne("phone = ?", phone)
}

func (r *RecipientRepository) getOne(where string, arg any) (*models.Recipient, error) {
	rec := &models.Recipient{}
	err := r.db.QueryRow(`
		SELECT id, phone, COALESCE(name, ''), COALESCE(custom_fields, '{}'), COALESCE(tags, '[]'),
			consent_status, COALESCE(source, ''), last_messaged_at, imported_at, is_deleted, created_at, updated_at
		FROM recipients WHERE `+where, arg,
	).Scan(&rec.ID, &rec.Phone, &rec.Name, &rec.CustomFields, &rec.Tags,
		&rec.ConsentStatus, &rec.Source, &rec.LastMessagedAt, &rec.ImportedAt, &rec.IsDeleted, &rec.CreatedAt, &rec.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Upsert inserts a recipient or updates the existing row with the same phone.
// Import re-runs use this so phone stays the natural key. Returns true when a
// new row was inserted.
func (r *RecipientRepository) Upsert(rec *models.Recipient) (bool, error) {
	existing, err := r.GetByPhone(rec.Phone)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, r.Create(rec)
	}

	rec.ID = existing.ID
	rec.UpdatedAt = time.Now()
	_, err = r.db.Exec(`
		UPDATE recipients SET name = ?, custom_fields = ?, tags = ?, consent_status = ?, source = ?, is_deleted = 0, updated_at = ?
		WHERE id = ?`,
		rec.Name, rec.CustomFields, rec.Tags, rec.ConsentStatus, rec.Source, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update recipient: %w", err)
	}
	return false, nil
}

// Query returns recipients matching the filter, in stable phone order so a
// campaign resolves the same audience order at start and resume.
type RecipientQuery struct {
	ConsentStatus models.ConsentStatus // empty = any
	Tag           string               // must be present in tags JSON array
	ImportedAfter *time.Time
	ExcludePhones []string
}

func (r *RecipientRepository) Query(q RecipientQuery) ([]models.Recipient, error) {
	query := `
		SELECT id, phone, COALESCE(name, ''), COALESCE(custom_fields, '{}'), COALESCE(tags, '[]'),
			consent_status, COALESCE(source, ''), last_messaged_at, imported_at, is_deleted, created_at, updated_at
		FROM recipients WHERE is_deleted = 0`
	args := []any{}

	if q.ConsentStatus != "" {
		query += " AND consent_status = ?"
		args = append(args, q.ConsentStatus)
	}
	if q.Tag != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(recipients.tags) WHERE json_each.value = ?)`
		args = append(args, q.Tag)
	}
	if q.ImportedAfter != nil {
		query += " AND imported_at >= ?"
		args = append(args, *q.ImportedAfter)
	}
	// large exclusion lists (campaign resume with many prior sends) would
	// exceed sqlite's bind-variable limit, so they are filtered after the scan
	var excludeSet map[string]bool
	if n := len(q.ExcludePhones); n > 0 && n <= maxInlineExclusions {
		query += " AND phone NOT IN (?" + strings.Repeat(", ?", n-1) + ")"
		for _, p := range q.ExcludePhones {
			args = append(args, p)
		}
	} else if n > maxInlineExclusions {
		excludeSet = make(map[string]bool, n)
		for _, p := range q.ExcludePhones {
			excludeSet[p] = true
		}
	}

	query += " ORDER BY phone"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []models.Recipient{}
	for rows.Next() {
		var rec models.Recipient
		err := rows.Scan(&rec.ID, &rec.Phone, &rec.Name, &rec.CustomFields, &rec.Tags,
			&rec.ConsentStatus, &rec.Source, &rec.LastMessagedAt, &rec.ImportedAt, &rec.IsDeleted, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if excludeSet[rec.Phone] {
			continue
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

// TouchLastMessaged records campaign activity against a recipient
func (r *RecipientRepository) TouchLastMessaged(id string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE recipients SET last_messaged_at = ?, updated_at = ? WHERE id = ?`, at, at, id)
	if err != nil {
		return fmt.Errorf("failed to update last messaged: %w", err)
	}
	return nil
}

// SoftDelete anonymizes a recipient while keeping the row for send history
// references. The phone is replaced with a deleted marker so the unique
// constraint holds.
func (r *RecipientRepository) SoftDelete(id string) error {
	now := time.Now()
	res, err := r.db.Exec(`
		UPDATE recipients SET phone = 'deleted:' || id, name = '', custom_fields = '{}', is_deleted = 1, updated_at = ?
		WHERE id = ? AND is_deleted = 0`, now, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete recipient: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ForceDelete removes a recipient row entirely. Fails when send history still
// references it.
func (r *RecipientRepository) ForceDelete(id string) error {
	_, err := r.db.Exec(`DELETE FROM recipients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete recipient: %w", err)
	}
	return nil
}
