package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TransactionStatusCompleted = "completed"

	PaymentMethodStripe = "stripe"
)

// Transaction is a committed ledger row representing funds received.
// At most one row exists per ExternalPaymentID; the unique index is the
// storage-level idempotency guarantee under concurrent redelivery.
// Rows are immutable in this subsystem once created.
type Transaction struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	UserID            uint            `gorm:"not null;index" json:"user_id"`
	Amount            decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency          string          `gorm:"type:varchar(10);not null" json:"currency"`
	Status            string          `gorm:"type:varchar(20);not null;default:'completed'" json:"status"`
	ExternalPaymentID string          `gorm:"type:varchar(191);not null;uniqueIndex:ux_transactions_external_payment_id" json:"external_payment_id"`
	PaymentMethod     string          `gorm:"type:varchar(20);not null;default:'stripe'" json:"payment_method"`
	CreatedAt         time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}
