package models

import "time"

// Audit record kinds. The pipeline appends these, never updates: a
// redelivered unresolvable payment produces a second user_not_found row.
const (
	AuditSignatureVerificationFailed = "signature_verification_failed"
	AuditUserNotFound                = "user_not_found"
	AuditNoDataExtracted             = "no_data_extracted"
)

// WebhookAuditRecord captures processing failures that operators need to
// see without the sender ever being told. Append-only.
type WebhookAuditRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	WebhookEventID uint      `gorm:"not null;index" json:"webhook_event_id"`
	Kind           string    `gorm:"type:varchar(50);not null;index" json:"kind"`
	Detail         string    `gorm:"type:text" json:"detail"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
