package payments

// IdentityCandidate is one (field, value) pair the normalizer extracted
// as a possible customer identity, in priority order.
type IdentityCandidate struct {
	Field string
	Value string
}

// CanonicalEvent is the shape-independent representation of an inbound
// notification. It only exists in flight between the normalizer and the
// downstream stages; the raw payload is what gets persisted.
type CanonicalEvent struct {
	EventType          string
	AmountMinorUnits   *int64
	Currency           string
	ExternalRef        string
	IdentityCandidates []IdentityCandidate
	Metadata           map[string]string
	Entity             map[string]any
}

// Outcome classifies how far a delivery got. Every outcome ends with the
// raw event marked processed and the sender receiving a success
// acknowledgment.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeUnparseable     Outcome = "ignored_unparseable"
	OutcomeNoDataExtracted Outcome = "no_data_extracted"
	OutcomeAmountMissing   Outcome = "amount_missing"
	OutcomeUserNotFound    Outcome = "user_not_found"
	OutcomeStorageError    Outcome = "storage_error"
)

// Disposition is what the pipeline reports back to the transport layer.
type Disposition struct {
	Outcome       Outcome
	EventType     string
	TransactionID uint
	Note          string
}

// VerificationResult is the signature verifier's outcome. None of the
// non-verified results halt processing; they only change how the stored
// event is tagged.
type VerificationResult string

const (
	VerificationOK             VerificationResult = "verified"
	VerificationMismatch       VerificationResult = "mismatch"
	VerificationAbsentNoSecret VerificationResult = "absent_no_secret"
	VerificationAbsentNoHeader VerificationResult = "absent_no_header"
)

// Verified reports whether downstream records should be tagged verified.
func (v VerificationResult) Verified() bool {
	return v == VerificationOK
}
