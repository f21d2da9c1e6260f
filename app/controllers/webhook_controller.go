package controllers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/tipglass/tipglass/app/models"
	"github.com/tipglass/tipglass/internal/pkg/cache"
	"github.com/tipglass/tipglass/internal/pkg/database"
	"github.com/tipglass/tipglass/internal/pkg/env"
	"github.com/tipglass/tipglass/internal/pkg/payments"
	"gorm.io/gorm"
)

const webhookProcessingTimeout = 15 * time.Second

// webhookResponse is the acknowledgment body. The HTTP status is success
// for every delivery; the sender retries on anything else and the audit
// trail already captured the raw bytes, so internal failures are only
// reported here and in logs.
type webhookResponse struct {
	Received           bool   `json:"received"`
	Processed          bool   `json:"processed"`
	EventType          string `json:"event_type"`
	VerificationStatus string `json:"verification_status"`
	EventID            uint   `json:"event_id"`
}

// newPaymentsService builds the request-scoped service. Overridable so
// controller tests can inject a fake repository.
var newPaymentsService = func() *payments.Service {
	return payments.NewServiceFromDB(database.GetDB()).
		WithDirectoryCache(cache.NewDirectoryLookupCache(10 * time.Minute))
}

// HandleStripeWebhook terminates the inbound notification path:
// unconditional raw store first, then signature check, normalization and
// the ledger pipeline. Nothing downstream of the raw store can turn the
// acknowledgment into a failure.
func HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")

	resp := &webhookResponse{Received: true, VerificationStatus: models.VerificationUnverified}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("webhook: recovered mid-pipeline: %v", r)
			_ = c.Status(fiber.StatusOK).JSON(resp)
		}
	}()

	svc := newPaymentsService()
	ctx, cancel := context.WithTimeout(context.Background(), webhookProcessingTimeout)
	defer cancel()

	event, err := svc.RecordDelivery(ctx, headersSnapshot(c), rawBody)
	if err != nil {
		// The one case where a delivery can be lost: the audit write
		// itself failed. Logged, still acknowledged.
		log.Printf("webhook: raw event store failed, delivery not recoverable: %v", err)
		return c.Status(fiber.StatusOK).JSON(resp)
	}
	resp.EventID = event.ID

	verification := payments.VerifySignature(rawBody, signature, secret)
	switch verification {
	case payments.VerificationOK:
		resp.VerificationStatus = models.VerificationVerified
	case payments.VerificationMismatch:
		// Availability over strict security: tagged unverified, audited,
		// processing continues.
		svc.RecordSignatureMismatch(ctx, event.ID, payments.MismatchDetail(signature, secret))
		log.Printf("webhook: signature mismatch on event %d, continuing unverified", event.ID)
	case payments.VerificationAbsentNoSecret:
		log.Printf("webhook: no signing secret configured, event %d processed unverified", event.ID)
	case payments.VerificationAbsentNoHeader:
		log.Printf("webhook: sender omitted signature header, event %d processed unverified", event.ID)
	}

	disp := svc.ProcessRaw(ctx, event, verification)
	resp.Processed = event.Processed
	resp.EventType = disp.EventType
	return c.Status(fiber.StatusOK).JSON(resp)
}

// HandleStripeWebhookTest is the always-available reachability probe. It
// only performs the raw-store write and never touches the ledger.
func HandleStripeWebhookTest(c *fiber.Ctx) error {
	svc := newPaymentsService()
	ctx, cancel := context.WithTimeout(context.Background(), webhookProcessingTimeout)
	defer cancel()

	resp := &webhookResponse{Received: true, VerificationStatus: models.VerificationUnverified}
	event, err := svc.RecordDiagnostic(ctx, headersSnapshot(c))
	if err != nil {
		log.Printf("webhook: diagnostic insert failed: %v", err)
		return c.Status(fiber.StatusOK).JSON(resp)
	}
	resp.Processed = true
	resp.EventType = event.EventType
	resp.EventID = event.ID
	return c.Status(fiber.StatusOK).JSON(resp)
}

// HandleWebhookEventLookup returns a stored event's disposition and
// audit records. Operator-facing; sits behind the operator key.
func HandleWebhookEventLookup(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_event_id"})
	}

	svc := newPaymentsService()
	ctx, cancel := context.WithTimeout(context.Background(), webhookProcessingTimeout)
	defer cancel()

	event, recs, err := svc.EventAudit(ctx, uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "event_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_lookup_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"event":         event,
		"audit_records": recs,
	})
}

// HandleWebhookEventReprocess re-runs the pipeline from a stored raw
// event. Safe against double-commit via the idempotency guard.
func HandleWebhookEventReprocess(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_event_id"})
	}

	svc := newPaymentsService()
	ctx, cancel := context.WithTimeout(context.Background(), webhookProcessingTimeout)
	defer cancel()

	disp, err := svc.Reprocess(ctx, uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "event_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "reprocess_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"outcome":        string(disp.Outcome),
		"event_type":     disp.EventType,
		"transaction_id": disp.TransactionID,
		"note":           disp.Note,
	})
}

func headersSnapshot(c *fiber.Ctx) map[string]string {
	out := make(map[string]string)
	for key, values := range c.GetReqHeaders() {
		out[key] = strings.Join(values, ", ")
	}
	return out
}
