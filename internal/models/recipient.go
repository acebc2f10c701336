package models

import "time"

// ConsentStatus is a recipient's messaging consent.
type ConsentStatus string

const (
	ConsentOptedIn  ConsentStatus = "opted_in"
	ConsentUnknown  ConsentStatus = "unknown"
	ConsentOptedOut ConsentStatus = "opted_out"
)

// Recipient is a contact eligible for messaging. Phone is unique and
// E.164-normalized at the store.
type Recipient struct {
	ID             string        `json:"id"`
	Phone          string        `json:"phone"`
	Name           string        `json:"name"`
	CustomFields   string        `json:"custom_fields"` // JSON map
	Tags           string        `json:"tags"`          // JSON array
	ConsentStatus  ConsentStatus `json:"consent_status"`
	Source         string        `json:"source,omitempty"`
	LastMessagedAt *time.Time    `json:"last_messaged_at,omitempty"`
	ImportedAt     time.Time     `json:"imported_at"`
	IsDeleted      bool          `json:"is_deleted"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// RecipientImportResult holds the result of an import upsert batch.
type RecipientImportResult struct {
	Total    int      `json:"total"`
	Imported int      `json:"imported"`
	Updated  int      `json:"updated"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}
