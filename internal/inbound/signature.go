// Package inbound verifies and applies payment-processor and affiliate-network webhooks.
package inbound

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Signature"

const signaturePrefix = "sha256="

// Sign returns the header value a sender computes for raw.
func Sign(raw []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header carries the HMAC-SHA256 of raw under secret.
// Missing or malformed headers are rejected before any HMAC is computed.
func Verify(raw []byte, header string, secret []byte) bool {
	provided, ok := decodeSignature(header)
	if !ok || len(secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	return hmac.Equal(provided, mac.Sum(nil))
}

// VerifySignature is Verify returning ledger.ErrInvalidSignature on mismatch.
func VerifySignature(raw []byte, header string, secret []byte) error {
	if !Verify(raw, header, secret) {
		return fmt.Errorf("%w: signature mismatch", ledger.ErrInvalidSignature)
	}
	return nil
}

func decodeSignature(header string) ([]byte, bool) {
	value := strings.TrimSpace(header)
	if len(value) >= len(signaturePrefix) && strings.EqualFold(value[:len(signaturePrefix)], signaturePrefix) {
		value = value[len(signaturePrefix):]
	}
	if len(value) != hex.EncodedLen(sha256.Size) {
		return nil, false
	}
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return nil, false
	}
	return decoded, true
}
