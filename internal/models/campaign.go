package models

import (
	"encoding/json"
	"time"
)

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignStopped   CampaignStatus = "stopped"
)

// Terminal reports whether the status is final. Terminal campaigns are
// immutable except for audit fields.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignFailed || s == CampaignStopped
}

// campaignTransitions maps each status to the set of statuses it may move to.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignRunning, CampaignStopped, CampaignFailed},
	CampaignScheduled: {CampaignRunning, CampaignStopped, CampaignFailed},
	CampaignRunning:   {CampaignPaused, CampaignCompleted, CampaignFailed, CampaignStopped},
	CampaignPaused:    {CampaignRunning, CampaignStopped},
}

// CanTransition reports whether a campaign may move from one status to another.
func CanTransition(from, to CampaignStatus) bool {
	for _, allowed := range campaignTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// RateLimitProfile is a per-campaign rate limit configuration, stored as JSON
// on the campaign row.
type RateLimitProfile struct {
	MessagesPerMinute int `json:"msgs_per_minute"`
	BatchSize         int `json:"batch_size"`
	BatchRestMs       int `json:"batch_rest_ms"`
	JitterMsMin       int `json:"jitter_ms_min"`
	JitterMsMax       int `json:"jitter_ms_max"`
	DailyCap          int `json:"daily_cap"`
}

// DefaultRateLimitProfile returns the conservative default profile applied to
// new campaigns.
func DefaultRateLimitProfile() RateLimitProfile {
	return RateLimitProfile{
		MessagesPerMinute: 6,
		BatchSize:         25,
		BatchRestMs:       90000,
		JitterMsMin:       800,
		JitterMsMax:       3000,
		DailyCap:          300,
	}
}

// Campaign represents one unit of bulk send work
type Campaign struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	TemplateID      string         `json:"template_id"`
	Segment         string         `json:"segment"`    // audience segment identifier
	RateLimit       string         `json:"rate_limit"` // JSON RateLimitProfile
	Status          CampaignStatus `json:"status"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	TotalRecipients int            `json:"total_recipients"`
	SentCount       int            `json:"sent_count"`
	DeliveredCount  int            `json:"delivered_count"`
	FailedCount     int            `json:"failed_count"`
	OptedOutCount   int            `json:"opted_out_count"`
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RateLimitProfile decodes the campaign's rate limit column, falling back to
// the default profile when the column is empty or malformed.
func (c *Campaign) RateLimitProfile() RateLimitProfile {
	if c.RateLimit == "" {
		return DefaultRateLimitProfile()
	}
	var p RateLimitProfile
	if err := json.Unmarshal([]byte(c.RateLimit), &p); err != nil || p.MessagesPerMinute <= 0 {
		return DefaultRateLimitProfile()
	}
	return p
}

// CampaignStats holds authoritative counts computed from the send records.
type CampaignStats struct {
	CampaignID string `json:"campaign_id"`
	Total      int    `json:"total"`
	Queued     int    `json:"queued"`
	Sent       int    `json:"sent"`
	Delivered  int    `json:"delivered"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	OptedOut   int    `json:"opted_out"`
}
