package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// VerifySignature checks the HMAC-SHA256 signature of a raw webhook
// payload against the shared secret. The header value may be either the
// bare hex digest or the schemed form "t=...,v1=<hex>[,v1=<hex>...]";
// any matching v1 candidate validates the delivery.
//
// Verification never blocks processing. A mismatch is reported so the
// caller can write an audit record, but the delivery continues tagged
// unverified.
func VerifySignature(payload []byte, signatureHeader, secret string) VerificationResult {
	sig := strings.TrimSpace(signatureHeader)
	sec := strings.TrimSpace(secret)
	if sec == "" {
		return VerificationAbsentNoSecret
	}
	if sig == "" {
		return VerificationAbsentNoHeader
	}

	mac := hmac.New(sha256.New, []byte(sec))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, candidate := range signatureCandidates(sig) {
		decoded, err := hex.DecodeString(strings.ToLower(candidate))
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			return VerificationOK
		}
	}
	return VerificationMismatch
}

// signatureCandidates extracts the hex digests to compare from a header
// value, supporting both bare digests and "k=v" comma lists.
func signatureCandidates(header string) []string {
	if !strings.Contains(header, "=") {
		return []string{header}
	}
	var out []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		if strings.TrimSpace(kv[0]) == "v1" {
			out = append(out, strings.TrimSpace(kv[1]))
		}
	}
	return out
}

// MismatchDetail builds the audit-safe description of a failed signature
// check. It records the secret length and a short prefix of the supplied
// signature, never the secret itself.
func MismatchDetail(signatureHeader, secret string) string {
	sig := strings.TrimSpace(signatureHeader)
	prefix := sig
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return fmt.Sprintf("signature mismatch: secret_len=%d sig_prefix=%q", len(strings.TrimSpace(secret)), prefix)
}
