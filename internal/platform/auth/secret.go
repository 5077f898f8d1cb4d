package auth

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret returns a bcrypt hash suitable for the cron.secret_hash setting.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SharedSecret checks bearer tokens against a plain secret or a bcrypt hash.
// The hash wins when both are configured.
type SharedSecret struct {
	plain string
	hash  []byte
}

func NewSharedSecret(plain, hash string) *SharedSecret {
	s := &SharedSecret{plain: plain}
	if hash != "" {
		s.hash = []byte(hash)
	}
	return s
}

// Configured reports whether any secret is set.
func (s *SharedSecret) Configured() bool {
	return s.plain != "" || len(s.hash) > 0
}

func (s *SharedSecret) Matches(token string) bool {
	if token == "" {
		return false
	}
	if len(s.hash) > 0 {
		return bcrypt.CompareHashAndPassword(s.hash, []byte(token)) == nil
	}
	if s.plain == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.plain), []byte(token)) == 1
}
