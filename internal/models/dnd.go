package models

import "time"

// DNDSource identifies how a phone ended up on the do-not-disturb list.
type DNDSource string

const (
	DNDSourceStopKeyword DNDSource = "stop_keyword"
	DNDSourceManual      DNDSource = "manual"
	DNDSourceAdmin       DNDSource = "admin"
	DNDSourceAuto        DNDSource = "auto"
)

// DNDEntry is a phone number permanently excluded from sends. Presence here
// overrides any consent status.
type DNDEntry struct {
	ID      string    `json:"id"`
	Phone   string    `json:"phone"`
	Reason  string    `json:"reason,omitempty"`
	Source  DNDSource `json:"source"`
	AddedBy string    `json:"added_by,omitempty"`
	AddedAt time.Time `json:"added_at"`
}
