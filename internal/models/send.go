package models

import "time"

// SendStatus is the delivery state of one send record.
type SendStatus string

const (
	SendQueued    SendStatus = "queued"
	SendSent      SendStatus = "sent"
	SendDelivered SendStatus = "delivered"
	SendRead      SendStatus = "read"
	SendFailed    SendStatus = "failed"
	SendOptedOut  SendStatus = "opted_out"
	SendSkipped   SendStatus = "skipped"
)

// Terminal reports whether the send reached a final state. A queued record
// left behind by a crash is the only non-terminal state.
func (s SendStatus) Terminal() bool {
	return s != SendQueued
}

// Error codes recorded on failed sends.
const (
	SendErrTransportNotReady = "transport_not_ready"
	SendErrComplianceCheck   = "compliance_check_failed"
	SendErrSendFailed        = "send_failed"
	SendErrStaleQueued       = "stale_queued"
)

// SendRecord is the durable audit row for one delivery attempt. It is created
// with status queued before the transport is invoked and updated only to
// advance status.
type SendRecord struct {
	ID           string     `json:"id"`
	CampaignID   string     `json:"campaign_id"`
	RecipientID  string     `json:"recipient_id"`
	Phone        string     `json:"phone"`
	Body         string     `json:"body"`
	MediaRef     string     `json:"media_ref,omitempty"`
	Status       SendStatus `json:"status"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ProviderID   string     `json:"provider_id,omitempty"`
	RetryCount   int        `json:"retry_count"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SendWindowStats aggregates send outcomes over a time window.
type SendWindowStats struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}
