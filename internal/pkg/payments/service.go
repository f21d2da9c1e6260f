package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tipglass/tipglass/app/models"
	"gorm.io/gorm"
)

// Service runs the webhook processing pipeline: raw event store,
// idempotency guard, identity resolution and ledger commit. Each
// delivery is handled statelessly; all coordination between concurrent
// deliveries lives in the storage layer's unique index.
type Service struct {
	repo  Repository
	cache DirectoryCache
}

// NewService creates a payments service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a payments service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// WithDirectoryCache attaches an optional email-lookup cache.
func (s *Service) WithDirectoryCache(cache DirectoryCache) *Service {
	s.cache = cache
	return s
}

// RecordDelivery persists the raw event before anything else looks at
// the payload. This write is the audit trail of record; when it fails
// the caller still acknowledges the delivery and the failure is only
// visible in logs.
func (s *Service) RecordDelivery(ctx context.Context, headers map[string]string, rawBody []byte) (*models.WebhookEvent, error) {
	_ = ctx
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		headersJSON = []byte("{}")
	}
	event := &models.WebhookEvent{
		ReceivedAt:         time.Now(),
		HeadersJSON:        string(headersJSON),
		RawBody:            rawBody,
		VerificationStatus: models.VerificationUnverified,
	}
	if err := s.repo.CreateWebhookEvent(event); err != nil {
		return nil, err
	}
	return event, nil
}

// RecordDiagnostic inserts a synthetic raw event for the reachability
// probe. It never touches the ledger and is marked processed right away.
func (s *Service) RecordDiagnostic(ctx context.Context, headers map[string]string) (*models.WebhookEvent, error) {
	marker := fmt.Sprintf(`{"diagnostic":true,"probe_id":%q}`, uuid.NewString())
	event, err := s.RecordDelivery(ctx, headers, []byte(marker))
	if err != nil {
		return nil, err
	}
	if err := s.repo.MarkWebhookProcessed(event.ID, "diagnostic", models.VerificationUnverified, "diagnostic probe"); err != nil {
		log.Printf("payments: failed to mark diagnostic event %d processed: %v", event.ID, err)
	}
	event.Processed = true
	event.EventType = "diagnostic"
	return event, nil
}

// RecordSignatureMismatch appends the audit entry for a failed signature
// check. The detail never contains the secret itself.
func (s *Service) RecordSignatureMismatch(ctx context.Context, eventID uint, detail string) {
	_ = ctx
	rec := &models.WebhookAuditRecord{
		WebhookEventID: eventID,
		Kind:           models.AuditSignatureVerificationFailed,
		Detail:         detail,
	}
	if err := s.repo.CreateAuditRecord(rec); err != nil {
		log.Printf("payments: failed to record signature mismatch for event %d: %v", eventID, err)
	}
}

// ProcessRaw normalizes a stored delivery and runs the downstream
// pipeline. Unparseable and unrecognized payloads end processing without
// error; they stay raw-only and the event is still marked processed.
func (s *Service) ProcessRaw(ctx context.Context, event *models.WebhookEvent, verification VerificationResult) Disposition {
	ev, err := Normalize(event.RawBody)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnparseable):
			return s.finish(event, verification, Disposition{Outcome: OutcomeUnparseable, Note: "payload not parseable, kept raw-only"})
		case errors.Is(err, ErrNoKnownShape):
			log.Printf("payments: no data extracted from event %d, payload matched no known shape", event.ID)
			s.appendAudit(event.ID, models.AuditNoDataExtracted, "payload matched no known shape")
			return s.finish(event, verification, Disposition{Outcome: OutcomeNoDataExtracted, Note: "no data extracted"})
		default:
			return s.finish(event, verification, Disposition{Outcome: OutcomeStorageError, Note: err.Error()})
		}
	}
	return s.Process(ctx, event, ev, verification)
}

// Process runs the idempotency guard, identity resolver and transaction
// committer for a normalized event, then marks the raw event processed.
func (s *Service) Process(ctx context.Context, event *models.WebhookEvent, ev *CanonicalEvent, verification VerificationResult) Disposition {
	key := idempotencyKey(ev, event.RawBody)

	// Idempotency guard. The read is a fast path; the authoritative
	// check is the unique index hit inside CreateTransactionIfNotExists.
	existing, err := s.repo.FindTransactionByExternalID(key)
	if err == nil {
		log.Printf("payments: duplicate delivery for %s, transaction %d already exists", key, existing.ID)
		return s.finish(event, verification, Disposition{
			Outcome:       OutcomeDuplicate,
			EventType:     ev.EventType,
			TransactionID: existing.ID,
			Note:          "duplicate delivery for " + key,
		})
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return s.finish(event, verification, Disposition{Outcome: OutcomeStorageError, EventType: ev.EventType, Note: err.Error()})
	}

	// Identity resolver.
	user, err := s.resolveUser(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Permanent: a retry carries the same unresolvable identity.
			s.appendAudit(event.ID, models.AuditUserNotFound, err.Error())
			return s.finish(event, verification, Disposition{Outcome: OutcomeUserNotFound, EventType: ev.EventType, Note: err.Error()})
		}
		return s.finish(event, verification, Disposition{Outcome: OutcomeStorageError, EventType: ev.EventType, Note: err.Error()})
	}

	// Transaction committer.
	if ev.AmountMinorUnits == nil {
		return s.finish(event, verification, Disposition{Outcome: OutcomeAmountMissing, EventType: ev.EventType, Note: "no usable amount field in payload"})
	}
	amount := decimal.New(*ev.AmountMinorUnits, -2)

	created, stored, err := s.repo.CreateTransactionIfNotExists(&models.Transaction{
		UserID:            user.ID,
		Amount:            amount,
		Currency:          ev.Currency,
		Status:            models.TransactionStatusCompleted,
		ExternalPaymentID: key,
		PaymentMethod:     models.PaymentMethodStripe,
	})
	if err != nil {
		return s.finish(event, verification, Disposition{Outcome: OutcomeStorageError, EventType: ev.EventType, Note: err.Error()})
	}
	if !created {
		log.Printf("payments: concurrent duplicate for %s, transaction %d won the insert", key, stored.ID)
		return s.finish(event, verification, Disposition{
			Outcome:       OutcomeDuplicate,
			EventType:     ev.EventType,
			TransactionID: stored.ID,
			Note:          "duplicate delivery for " + key,
		})
	}

	return s.finish(event, verification, Disposition{
		Outcome:       OutcomeCompleted,
		EventType:     ev.EventType,
		TransactionID: stored.ID,
		Note:          fmt.Sprintf("transaction %d committed for user %d", stored.ID, user.ID),
	})
}

// Reprocess re-runs the pipeline from a stored raw event. Used by
// operators to recover deliveries that failed midway; the idempotency
// guard makes it safe to run against already-committed events.
func (s *Service) Reprocess(ctx context.Context, eventID uint) (Disposition, error) {
	event, err := s.repo.GetWebhookEvent(eventID)
	if err != nil {
		return Disposition{}, err
	}
	verification := VerificationAbsentNoHeader
	if event.VerificationStatus == models.VerificationVerified {
		verification = VerificationOK
	}
	return s.ProcessRaw(ctx, event, verification), nil
}

// EventAudit returns a stored event together with its audit records for
// the operator lookup endpoint.
func (s *Service) EventAudit(ctx context.Context, eventID uint) (*models.WebhookEvent, []models.WebhookAuditRecord, error) {
	_ = ctx
	event, err := s.repo.GetWebhookEvent(eventID)
	if err != nil {
		return nil, nil, err
	}
	recs, err := s.repo.ListAuditRecords(eventID)
	if err != nil {
		return nil, nil, err
	}
	return event, recs, nil
}

func (s *Service) appendAudit(eventID uint, kind, detail string) {
	rec := &models.WebhookAuditRecord{
		WebhookEventID: eventID,
		Kind:           kind,
		Detail:         detail,
	}
	if err := s.repo.CreateAuditRecord(rec); err != nil {
		log.Printf("payments: failed to append %s audit record for event %d: %v", kind, eventID, err)
	}
}

// finish flips the processed flag with the final disposition. A failed
// flip is logged only; the sender still gets a success acknowledgment
// and the event remains re-processable.
func (s *Service) finish(event *models.WebhookEvent, verification VerificationResult, d Disposition) Disposition {
	status := models.VerificationUnverified
	if verification.Verified() {
		status = models.VerificationVerified
	}
	note := string(d.Outcome)
	if d.Note != "" {
		note = note + ": " + d.Note
	}
	if err := s.repo.MarkWebhookProcessed(event.ID, d.EventType, status, note); err != nil {
		log.Printf("payments: failed to mark event %d processed: %v", event.ID, err)
		return d
	}
	event.Processed = true
	return d
}

// idempotencyKey derives the ledger key: the payment reference when the
// payload carries one, else a digest of the raw payload. The digest is
// stable across retries of the same delivery.
func idempotencyKey(ev *CanonicalEvent, raw []byte) string {
	if ev.ExternalRef != "" {
		return ev.ExternalRef
	}
	sum := sha256.Sum256(raw)
	return "hash:" + hex.EncodeToString(sum[:])
}
