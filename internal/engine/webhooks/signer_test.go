package webhooks

import (
	"testing"
)

func TestSign(t *testing.T) {
	secret := "secret"
	payload := []byte("payload")

	// Calculated using: echo -n "payload" | openssl dgst -sha256 -hmac "secret"
	expected := "b82fcb791acec57859b989b430a826488ce2e479fdf92326bd0a2e8375a42ba4"

	got := Sign(secret, payload)

	if got != expected {
		t.Errorf("Sign() = %v, want %v", got, expected)
	}
}

func TestVerify(t *testing.T) {
	secret := "secret"
	body := []byte(`{"object_type":"job","object_uuid":"0b6e3c7e-3f4a-4c1e-9c55-4a8f0f1d2e3b","event_type":"job.updated"}`)
	sig := Sign(secret, body)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-3] ^= 0x01

	tests := []struct {
		name      string
		secret    string
		body      []byte
		signature string
		want      bool
	}{
		{"Valid", secret, body, sig, true},
		{"Valid With Prefix", secret, body, "sha256=" + sig, true},
		{"Uppercase Hex", secret, body, "SHA256=" + upper(sig), true},
		{"Tampered Body", secret, tampered, sig, false},
		{"Wrong Secret", "other", body, sig, false},
		{"Empty Signature", secret, body, "", false},
		{"Prefix Only", secret, body, "sha256=", false},
		{"Truncated", secret, body, sig[:len(sig)-2], false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.secret, tt.body, tt.signature); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

// A wrong signature of the correct length must still fail; the comparison
// covers the full length rather than returning on the first differing byte.
func TestVerify_SameLengthMismatch(t *testing.T) {
	body := []byte("payload")
	sig := []byte(Sign("secret", body))
	for i := range sig {
		forged := append([]byte(nil), sig...)
		if forged[i] == 'a' {
			forged[i] = 'b'
		} else {
			forged[i] = 'a'
		}
		if Verify("secret", body, string(forged)) {
			t.Fatalf("forged signature differing at byte %d was accepted", i)
		}
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}
