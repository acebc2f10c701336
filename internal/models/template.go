package models

import "time"

// Template is a reusable message body with {{variable}} placeholders and
// optional {a|b|c} spintext groups.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	Category  string    `json:"category,omitempty"`
	MediaRef  string    `json:"media_ref,omitempty"`
	Spintext  bool      `json:"spintext"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
