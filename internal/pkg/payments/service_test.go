package payments

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tipglass/tipglass/app/models"
	"gorm.io/gorm"
)

// fakeRepository is an in-memory Repository with the same conflict
// semantics as the MySQL-backed one: the transaction insert is atomic on
// external_payment_id.
type fakeRepository struct {
	mu sync.Mutex

	nextEventID uint
	events      map[uint]*models.WebhookEvent

	audits []models.WebhookAuditRecord

	nextTxID uint
	txByRef  map[string]*models.Transaction

	usersByEmail map[string]*models.User
	usersByID    map[uint]*models.User
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		events:       make(map[uint]*models.WebhookEvent),
		txByRef:      make(map[string]*models.Transaction),
		usersByEmail: make(map[string]*models.User),
		usersByID:    make(map[uint]*models.User),
	}
}

func (r *fakeRepository) addUser(id uint, email string) *models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := &models.User{ID: id, Name: "user", Email: email, Status: models.STATUS_ACTIVE}
	r.usersByEmail[strings.ToLower(email)] = u
	r.usersByID[id] = u
	return u
}

func (r *fakeRepository) CreateWebhookEvent(event *models.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextEventID++
	event.ID = r.nextEventID
	stored := *event
	r.events[event.ID] = &stored
	return nil
}

func (r *fakeRepository) GetWebhookEvent(id uint) (*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *event
	return &copied, nil
}

func (r *fakeRepository) MarkWebhookProcessed(id uint, eventType, verificationStatus, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	event.Processed = true
	event.EventType = eventType
	event.VerificationStatus = verificationStatus
	event.ProcessingNote = note
	return nil
}

func (r *fakeRepository) CreateAuditRecord(rec *models.WebhookAuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = uint(len(r.audits) + 1)
	r.audits = append(r.audits, *rec)
	return nil
}

func (r *fakeRepository) ListAuditRecords(webhookEventID uint) ([]models.WebhookAuditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.WebhookAuditRecord
	for _, rec := range r.audits {
		if rec.WebhookEventID == webhookEventID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeRepository) FindTransactionByExternalID(externalPaymentID string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txByRef[externalPaymentID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *tx
	return &copied, nil
}

func (r *fakeRepository) CreateTransactionIfNotExists(tx *models.Transaction) (bool, *models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.txByRef[tx.ExternalPaymentID]; ok {
		copied := *existing
		return false, &copied, nil
	}
	r.nextTxID++
	tx.ID = r.nextTxID
	stored := *tx
	r.txByRef[tx.ExternalPaymentID] = &stored
	copied := stored
	return true, &copied, nil
}

func (r *fakeRepository) FindUserByEmail(email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.usersByEmail[strings.ToLower(email)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *u
	return &copied, nil
}

func (r *fakeRepository) GetUserByID(id uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.usersByID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *u
	return &copied, nil
}

func (r *fakeRepository) auditKinds(eventID uint) []string {
	recs, _ := r.ListAuditRecords(eventID)
	var kinds []string
	for _, rec := range recs {
		kinds = append(kinds, rec.Kind)
	}
	return kinds
}

func (r *fakeRepository) ledgerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txByRef)
}

func deliver(t *testing.T, svc *Service, repo *fakeRepository, raw string, verification VerificationResult) (*models.WebhookEvent, Disposition) {
	t.Helper()
	ctx := context.Background()
	event, err := svc.RecordDelivery(ctx, map[string]string{"Content-Type": "application/json"}, []byte(raw))
	require.NoError(t, err)
	disp := svc.ProcessRaw(ctx, event, verification)
	stored, err := repo.GetWebhookEvent(event.ID)
	require.NoError(t, err)
	return stored, disp
}

const completedSessionPayload = `{
	"type": "checkout.session.completed",
	"data": {"object": {
		"payment_intent": "pi_1",
		"amount_total": 10000,
		"currency": "eur",
		"customer_details": {"email": "a@b.com"}
	}}
}`

func TestProcess_CommitsLedgerTransaction(t *testing.T) {
	repo := newFakeRepository()
	repo.addUser(7, "a@b.com")
	svc := NewService(repo)

	event, disp := deliver(t, svc, repo, completedSessionPayload, VerificationOK)

	assert.Equal(t, OutcomeCompleted, disp.Outcome)
	assert.Equal(t, "checkout.session.completed", disp.EventType)
	assert.True(t, event.Processed)
	assert.Equal(t, models.VerificationVerified, event.VerificationStatus)

	tx, err := repo.FindTransactionByExternalID("pi_1")
	require.NoError(t, err)
	assert.Equal(t, uint(7), tx.UserID)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("100.00")), "amount was %s", tx.Amount)
	assert.Equal(t, "eur", tx.Currency)
	assert.Equal(t, models.TransactionStatusCompleted, tx.Status)
	assert.Equal(t, models.PaymentMethodStripe, tx.PaymentMethod)
}

func TestProcess_IdenticalRedeliveryIsIdempotent(t *testing.T) {
	repo := newFakeRepository()
	repo.addUser(7, "a@b.com")
	svc := NewService(repo)

	_, first := deliver(t, svc, repo, completedSessionPayload, VerificationOK)
	require.Equal(t, OutcomeCompleted, first.Outcome)

	for i := 0; i < 4; i++ {
		event, disp := deliver(t, svc, repo, completedSessionPayload, VerificationOK)
		assert.Equal(t, OutcomeDuplicate, disp.Outcome)
		assert.Equal(t, first.TransactionID, disp.TransactionID)
		assert.True(t, event.Processed)
	}
	assert.Equal(t, 1, repo.ledgerCount())
}

func TestProcess_ConcurrentDuplicateLosesInsertRace(t *testing.T) {
	repo := newFakeRepository()
	repo.addUser(7, "a@b.com")
	svc := NewService(repo)

	// Pre-insert the winning row so the guard's read misses but the
	// atomic insert reports a conflict, as under concurrent delivery.
	winner := &models.Transaction{
		UserID:            7,
		Amount:            decimal.RequireFromString("100.00"),
		Currency:          "eur",
		Status:            models.TransactionStatusCompleted,
		ExternalPaymentID: "pi_1",
		PaymentMethod:     models.PaymentMethodStripe,
	}
	created, _, err := repo.CreateTransactionIfNotExists(winner)
	require.NoError(t, err)
	require.True(t, created)

	_, disp := deliver(t, svc, repo, completedSessionPayload, VerificationOK)
	// The read fast path catches it here; the semantics are the same
	// either way: duplicate, one row.
	assert.Equal(t, OutcomeDuplicate, disp.Outcome)
	assert.Equal(t, 1, repo.ledgerCount())
}

func TestProcess_UnparseablePayloadStaysRawOnly(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	event, disp := deliver(t, svc, repo, "not json at all", VerificationAbsentNoHeader)

	assert.Equal(t, OutcomeUnparseable, disp.Outcome)
	assert.True(t, event.Processed)
	assert.Equal(t, 0, repo.ledgerCount())
}

func TestProcess_UnrecognizedShapeIsNeverSilentlyDropped(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	event, disp := deliver(t, svc, repo, `{"object":"customer","id_type":"none"}`, VerificationAbsentNoHeader)

	assert.Equal(t, OutcomeNoDataExtracted, disp.Outcome)
	assert.True(t, event.Processed)
	assert.Equal(t, []string{models.AuditNoDataExtracted}, repo.auditKinds(event.ID))
	assert.Equal(t, 0, repo.ledgerCount())
}

func TestProcess_UserNotFoundIsPermanent(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	payload := `{
		"type": "checkout.session.completed",
		"data": {"object": {
			"payment_intent": "pi_orphan",
			"amount_total": 5000,
			"currency": "usd",
			"customer_details": {"email": "nobody@example.com"}
		}}
	}`

	first, disp := deliver(t, svc, repo, payload, VerificationOK)
	assert.Equal(t, OutcomeUserNotFound, disp.Outcome)
	assert.True(t, first.Processed)
	assert.Equal(t, []string{models.AuditUserNotFound}, repo.auditKinds(first.ID))
	assert.Equal(t, 0, repo.ledgerCount())

	// No ledger row was written, so there is nothing to dedup against: a
	// second identical delivery yields a second permanent record.
	second, disp2 := deliver(t, svc, repo, payload, VerificationOK)
	assert.Equal(t, OutcomeUserNotFound, disp2.Outcome)
	assert.Equal(t, []string{models.AuditUserNotFound}, repo.auditKinds(second.ID))
	assert.Equal(t, 0, repo.ledgerCount())
}

func TestProcess_MetadataUserIDFallback(t *testing.T) {
	repo := newFakeRepository()
	repo.addUser(42, "someone@example.com")
	svc := NewService(repo)

	payload := `{
		"type": "checkout.session.completed",
		"data": {"object": {
			"payment_intent": "pi_meta",
			"amount_total": 300,
			"currency": "usd",
			"metadata": {"user_id": "42"}
		}}
	}`
	_, disp := deliver(t, svc, repo, payload, VerificationOK)
	require.Equal(t, OutcomeCompleted, disp.Outcome)

	tx, err := repo.FindTransactionByExternalID("pi_meta")
	require.NoError(t, err)
	assert.Equal(t, uint(42), tx.UserID)
}

func TestProcess_CaseInsensitiveEmailMatch(t *testing.T) {
	repo := newFakeRepository()
	repo.addUser(9, "Mixed.Case@Example.COM")
	svc := NewService(repo)

	payload := `{
		"type": "checkout.session.completed",
		"data": {"object": {
			"payment_intent": "pi_case",
			"amount_total": 100,
			"currency": "usd",
			"customer_details": {"email": "mixed.case@example.com"}
		}}
	}`
	_, disp := deliver(t, svc, repo, payload, VerificationOK)
	assert.Equal(t, OutcomeCompleted, disp.Outcome)
}

func TestProcess_AmountMissingAbortsBeforeCommit(t *testing.T) {
	repo := newFakeRepository()
	repo.addUser(7, "a@b.com")
	svc := NewService(repo)

	payload := `{
		"type": "checkout.session.completed",
		"data": {"object": {
			"payment_intent": "pi_no_amount",
			"currency": "eur",
			"customer_details": {"email": "a@b.com"}
		}}
	}`
	event, disp := deliver(t, svc, repo, payload, VerificationOK)
	assert.Equal(t, OutcomeAmountMissing, disp.Outcome)
	assert.True(t, event.Processed)
	assert.Equal(t, 0, repo.ledgerCount())
}

func TestProcess_SurrogateKeyDeduplicatesExactRetries(t *testing.T) {
	repo := newFakeRepository()
	repo.addUser(7, "a@b.com")
	svc := NewService(repo)

	// Neither payment_intent nor id: the key falls back to a digest of
	// the raw payload, so the exact retry still deduplicates.
	payload := `{
		"type": "checkout.session.completed",
		"data": {"object": {
			"amount_total": 700,
			"currency": "usd",
			"customer_details": {"email": "a@b.com"}
		}}
	}`
	_, first := deliver(t, svc, repo, payload, VerificationOK)
	assert.Equal(t, OutcomeCompleted, first.Outcome)
	_, second := deliver(t, svc, repo, payload, VerificationOK)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, 1, repo.ledgerCount())
}

func TestProcess_UnverifiedDeliveryStillCommits(t *testing.T) {
	repo := newFakeRepository()
	repo.addUser(7, "a@b.com")
	svc := NewService(repo)

	event, disp := deliver(t, svc, repo, completedSessionPayload, VerificationMismatch)

	assert.Equal(t, OutcomeCompleted, disp.Outcome)
	assert.Equal(t, models.VerificationUnverified, event.VerificationStatus)
	assert.Equal(t, 1, repo.ledgerCount())
}

func TestReprocess_RecoversStoredEvent(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)
	ctx := context.Background()

	// Delivery arrives before the account exists; identity resolution
	// fails permanently.
	event, disp := deliver(t, svc, repo, completedSessionPayload, VerificationOK)
	require.Equal(t, OutcomeUserNotFound, disp.Outcome)

	// Operator creates the account and reprocesses from the raw event.
	repo.addUser(7, "a@b.com")
	redone, err := svc.Reprocess(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, redone.Outcome)
	assert.Equal(t, 1, repo.ledgerCount())

	// A third run is a no-op thanks to the idempotency guard.
	again, err := svc.Reprocess(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Equal(t, 1, repo.ledgerCount())
}

func TestReprocess_UnknownEvent(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)
	_, err := svc.Reprocess(context.Background(), 999)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRecordDiagnostic_NeverTouchesLedger(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	event, err := svc.RecordDiagnostic(context.Background(), map[string]string{"User-Agent": "probe"})
	require.NoError(t, err)
	assert.True(t, event.Processed)
	assert.Equal(t, "diagnostic", event.EventType)
	assert.Equal(t, 0, repo.ledgerCount())

	stored, err := repo.GetWebhookEvent(event.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
}

// directory cache plumbing

type fakeDirectoryCache struct {
	mu     sync.Mutex
	byMail map[string]uint
	hits   int
	misses int
}

func (c *fakeDirectoryCache) GetUserID(_ context.Context, email string) (uint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byMail[email]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return id, ok
}

func (c *fakeDirectoryCache) SetUserID(_ context.Context, email string, userID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byMail == nil {
		c.byMail = make(map[string]uint)
	}
	c.byMail[email] = userID
}

func TestResolveUser_PopulatesAndUsesCache(t *testing.T) {
	repo := newFakeRepository()
	repo.addUser(7, "a@b.com")
	cache := &fakeDirectoryCache{}
	svc := NewService(repo).WithDirectoryCache(cache)

	for i := 0; i < 2; i++ {
		payload := fmt.Sprintf(`{
			"type": "checkout.session.completed",
			"data": {"object": {
				"payment_intent": "pi_cache_%d",
				"amount_total": 100,
				"currency": "usd",
				"customer_details": {"email": "a@b.com"}
			}}
		}`, i)
		_, disp := deliver(t, svc, repo, payload, VerificationOK)
		require.Equal(t, OutcomeCompleted, disp.Outcome)
	}

	assert.Equal(t, 1, cache.misses)
	assert.Equal(t, 1, cache.hits)
}
