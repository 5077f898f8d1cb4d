package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks signature against the raw payload. The signature may carry a
// "sha256=" prefix. Comparison is constant time for equal-length inputs.
func Verify(secret string, payload []byte, signature string) bool {
	provided := strings.ToLower(strings.TrimSpace(signature))
	provided = strings.TrimPrefix(provided, signaturePrefix)
	if provided == "" {
		return false
	}
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(provided))
}
