package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seleznev/blast/internal/models"
)

const throttleSettingsKey = "throttle"

type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// GetThrottleSettings returns the persisted throttle settings, or the
// defaults when none have been saved yet.
func (r *SettingsRepository) GetThrottleSettings() (models.ThrottleSettings, error) {
	var raw string
	err := r.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, throttleSettingsKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return models.DefaultThrottleSettings(), nil
	}
	if err != nil {
		return models.ThrottleSettings{}, err
	}

	var s models.ThrottleSettings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return models.ThrottleSettings{}, fmt.Errorf("failed to decode throttle settings: %w", err)
	}
	return s, nil
}

// HasThrottleSettings reports whether throttle settings have ever been
// persisted. Startup seeding must not clobber adaptive adjustments.
func (r *SettingsRepository) HasThrottleSettings() (bool, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM settings WHERE key = ?`, throttleSettingsKey).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// SaveThrottleSettings upserts the throttle settings. Adaptive rate control
// writes through here so adjustments survive restarts.
func (r *SettingsRepository) SaveThrottleSettings(s models.ThrottleSettings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode throttle settings: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		throttleSettingsKey, string(raw), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save throttle settings: %w", err)
	}
	return nil
}
