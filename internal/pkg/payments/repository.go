package payments

import (
	"time"

	"github.com/tipglass/tipglass/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the payments service.
type Repository interface {
	CreateWebhookEvent(event *models.WebhookEvent) error
	GetWebhookEvent(id uint) (*models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, eventType, verificationStatus, note string) error
	CreateAuditRecord(rec *models.WebhookAuditRecord) error
	ListAuditRecords(webhookEventID uint) ([]models.WebhookAuditRecord, error)
	FindTransactionByExternalID(externalPaymentID string) (*models.Transaction, error)
	CreateTransactionIfNotExists(tx *models.Transaction) (bool, *models.Transaction, error)
	FindUserByEmail(email string) (*models.User, error)
	GetUserByID(id uint) (*models.User, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payments repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateWebhookEvent(event *models.WebhookEvent) error {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	return r.db.Create(event).Error
}

func (r *gormRepository) GetWebhookEvent(id uint) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// MarkWebhookProcessed performs the single allowed update on a stored
// event: the processed flip, carrying the final disposition with it.
func (r *gormRepository) MarkWebhookProcessed(id uint, eventType, verificationStatus, note string) error {
	updates := map[string]interface{}{
		"processed":           true,
		"event_type":          eventType,
		"verification_status": verificationStatus,
		"processing_note":     note,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) CreateAuditRecord(rec *models.WebhookAuditRecord) error {
	return r.db.Create(rec).Error
}

func (r *gormRepository) ListAuditRecords(webhookEventID uint) ([]models.WebhookAuditRecord, error) {
	var recs []models.WebhookAuditRecord
	err := r.db.Where("webhook_event_id = ?", webhookEventID).Order("id ASC").Find(&recs).Error
	return recs, err
}

func (r *gormRepository) FindTransactionByExternalID(externalPaymentID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := r.db.Where("external_payment_id = ?", externalPaymentID).First(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// CreateTransactionIfNotExists inserts the ledger row atomically; a
// conflict on the external_payment_id unique index is treated as the
// duplicate signal instead of an error. This closes the check-then-act
// race between two concurrent deliveries of the same event.
func (r *gormRepository) CreateTransactionIfNotExists(txRow *models.Transaction) (bool, *models.Transaction, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_payment_id"}},
		DoNothing: true,
	}).Create(txRow)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Transaction
	if err := r.db.Where("external_payment_id = ?", txRow.ExternalPaymentID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) FindUserByEmail(email string) (*models.User, error) {
	var user models.User
	err := r.db.Where("LOWER(email) = LOWER(?)", email).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) GetUserByID(id uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
