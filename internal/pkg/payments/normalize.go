package payments

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrUnparseable means the body was not valid JSON. The delivery is
	// kept raw-only and no error is surfaced to the sender.
	ErrUnparseable = errors.New("payload is not parseable json")
	// ErrNoKnownShape means the payload parsed but matched none of the
	// recognized shapes ("no data extracted").
	ErrNoKnownShape = errors.New("no data extracted from payload")
)

// Normalize parses raw webhook bytes and maps any of the historical
// payload shapes the processor has sent over time onto one
// CanonicalEvent.
//
// The recognizers run in a fixed order and the first structural match
// wins. Shapes are not mutually exclusive, so the order is part of the
// contract:
//
//  1. nested single-object: top-level "object" holding an entity with
//     its own "object" discriminator (optionally with a sibling
//     "previous_attributes")
//  2. typed envelope: top-level "type" plus "data.object"
//  3. event wrapper: top-level "object" == "event" plus "type" and
//     "data.object"
//  4. portal form: "event.type" plus "event.data.object"
//  5. bare entity carrying both "payment_status" and "amount_total"
//  6. bare entity carrying both "id" and "payment_status"
func Normalize(raw []byte) (*CanonicalEvent, error) {
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, ErrUnparseable
	}

	eventType, entity, ok := matchShape(root)
	if !ok {
		return nil, ErrNoKnownShape
	}

	ev := &CanonicalEvent{
		EventType: eventType,
		Entity:    entity,
		Metadata:  stringMap(entity["metadata"]),
	}
	ev.AmountMinorUnits = extractAmountMinorUnits(entity)
	ev.Currency = strings.ToLower(asString(entity["currency"]))
	ev.ExternalRef = extractExternalRef(entity)
	ev.IdentityCandidates = extractIdentityCandidates(entity, ev.Metadata)
	return ev, nil
}

func matchShape(root map[string]any) (string, map[string]any, bool) {
	// 1. Nested single-object form. A string "object" field (as in the
	// event-wrapper form) fails the map assertion and falls through.
	if inner, ok := asMap(root["object"]); ok {
		if disc := asString(inner["object"]); disc != "" {
			return disc, inner, true
		}
	}

	// 2. Typed envelope.
	if t := asString(root["type"]); t != "" {
		if data, ok := asMap(root["data"]); ok {
			if obj, ok := asMap(data["object"]); ok {
				return t, obj, true
			}
		}
	}

	// 3. Event wrapper. Structurally a superset of the typed envelope,
	// kept as its own recognizer because the ordering is contractual.
	if asString(root["object"]) == "event" {
		if t := asString(root["type"]); t != "" {
			if data, ok := asMap(root["data"]); ok {
				if obj, ok := asMap(data["object"]); ok {
					return t, obj, true
				}
			}
		}
	}

	// 4. Portal form.
	if wrapper, ok := asMap(root["event"]); ok {
		if t := asString(wrapper["type"]); t != "" {
			if data, ok := asMap(wrapper["data"]); ok {
				if obj, ok := asMap(data["object"]); ok {
					return t, obj, true
				}
			}
		}
	}

	// 5. Bare entity, form A: payment status + total amount.
	if hasKey(root, "payment_status") && hasKey(root, "amount_total") {
		return bareEventType(root), root, true
	}

	// 6. Bare entity, form B: id + payment status.
	if hasKey(root, "id") && hasKey(root, "payment_status") {
		return bareEventType(root), root, true
	}

	return "", nil, false
}

func bareEventType(entity map[string]any) string {
	if disc := asString(entity["object"]); disc != "" {
		return disc
	}
	return "payment"
}

// extractAmountMinorUnits resolves the total in minor units from the
// amount fields in priority order.
func extractAmountMinorUnits(entity map[string]any) *int64 {
	for _, field := range []string{"amount_total", "amount_subtotal", "total"} {
		if v, ok := asInt64(entity[field]); ok {
			amount := v
			return &amount
		}
	}
	return nil
}

// extractExternalRef resolves the natural idempotency key: a
// payment-intent reference (plain id or expanded object), else the
// entity's own id. The surrogate fallback for payloads with neither
// lives in the commit path.
func extractExternalRef(entity map[string]any) string {
	if ref := asString(entity["payment_intent"]); ref != "" {
		return ref
	}
	if pi, ok := asMap(entity["payment_intent"]); ok {
		if ref := asString(pi["id"]); ref != "" {
			return ref
		}
	}
	return asString(entity["id"])
}

// extractIdentityCandidates collects email-like identity fields in
// resolution priority order.
func extractIdentityCandidates(entity map[string]any, metadata map[string]string) []IdentityCandidate {
	var out []IdentityCandidate
	add := func(field, value string) {
		if v := strings.TrimSpace(value); v != "" {
			out = append(out, IdentityCandidate{Field: field, Value: v})
		}
	}

	if details, ok := asMap(entity["customer_details"]); ok {
		add("customer_details.email", asString(details["email"]))
	}
	add("customer_email", asString(entity["customer_email"]))
	if billing, ok := asMap(entity["billing_details"]); ok {
		add("billing_details.email", asString(billing["email"]))
	}
	add("receipt_email", asString(entity["receipt_email"]))
	add("metadata.email", metadata["email"])
	return out
}

func stringMap(v any) map[string]string {
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, raw := range m {
		if s := asString(raw); s != "" {
			out[k] = s
		}
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}
