package models

import "time"

// Verification status values recorded on stored webhook events.
const (
	VerificationVerified   = "verified"
	VerificationUnverified = "unverified"
)

// WebhookEvent is the append-only audit record of every inbound delivery.
// Rows are written before any parsing happens and are never deleted; the
// only update allowed is flipping Processed once a downstream outcome is
// known.
type WebhookEvent struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	ReceivedAt         time.Time `gorm:"type:timestamp;not null;index" json:"received_at"`
	HeadersJSON        string    `gorm:"type:text;not null" json:"headers_json"`
	RawBody            []byte    `gorm:"type:longblob" json:"-"`
	EventType          string    `gorm:"type:varchar(100);not null;default:'';index" json:"event_type"`
	VerificationStatus string    `gorm:"type:varchar(20);not null;default:'unverified';index" json:"verification_status"`
	Processed          bool      `gorm:"not null;default:false;index" json:"processed"`
	ProcessingNote     string    `gorm:"type:text" json:"processing_note"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
