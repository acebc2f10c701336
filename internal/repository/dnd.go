package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/seleznev/blast/internal/models"
)

type DNDRepository struct {
	db *sql.DB
}

func NewDNDRepository(db *sql.DB) *DNDRepository {
	return &DNDRepository{db: db}
}

// Add inserts a phone into the do-not-disturb list. Adding an existing phone
// updates reason and source rather than failing.
func (r *DNDRepository) Add(e *models.DNDEntry) error {
	e.ID = uuid.New().String()
	if e.Source == "" {
		e.Source = models.DNDSourceManual
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now()
	}

	_, err := r.db.Exec(`
		INSERT INTO dnd_entries (id, phone, reason, source, added_by, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET reason = excluded.reason, source = excluded.source`,
		e.ID, e.Phone, e.Reason, e.Source, e.AddedBy, e.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add DND entry: %w", err)
	}
	return nil
}

// Contains reports whether a phone is on the list
func (r *DNDRepository) Contains(phone string) (bool, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM dnd_entries WHERE phone = ?`, phone).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetByPhone returns the entry for a phone, or nil
func (r *DNDRepository) GetByPhone(phone string) (*models.DNDEntry, error) {
	e := &models.DNDEntry{}
	err := r.db.QueryRow(`
		SELECT id, phone, COALESCE(reason, ''), source, COALESCE(added_by, ''), added_at
		FROM dnd_entries WHERE phone = ?`, phone,
	).Scan(&e.ID, &e.Phone, &e.Reason, &e.Source, &e.AddedBy, &e.AddedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// List returns all entries, newest first
func (r *DNDRepository) List(limit, offset int) ([]models.DNDEntry, error) {
	query := `
		SELECT id, phone, COALESCE(reason, ''), source, COALESCE(added_by, ''), added_at
		FROM dnd_entries ORDER BY added_at DESC`
	args := []any{}
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

	entries := []models.DNDEntry{}
	for rows.Next() {
		var e models.DNDEntry
		if err := rows.Scan(&e.ID, &e.Phone, &e.Reason, &e.Source, &e.AddedBy, &e.AddedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Phones returns the full exclusion set
func (r *DNDRepository) Phones() (map[string]bool, error) {
	rows, err := r.db.Query(`SELECT phone FROM dnd_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	phones := map[string]bool{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		phones[p] = true
	}
	return phones, rows.Err()
}

// CountAddedSince returns entries added after the given time. Recent growth
// degrades the account health score.
func (r *DNDRepository) CountAddedSince(since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM dnd_entries WHERE added_at >= ?`, since).Scan(&n)
	return n, err
}

// Remove deletes an entry by phone
func (r *DNDRepository) Remove(phone string) error {
	res, err := r.db.Exec(`DELETE FROM dnd_entries WHERE phone = ?`, phone)
	if err != nil {
		return fmt.Errorf("failed to remove DND entry: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
