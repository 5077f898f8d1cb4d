package fieldservice

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindTransient Kind = iota
	KindAuth
	KindRateLimited
	KindNotFound
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	default:
		return "transient"
	}
}

var (
	ErrAuth        = errors.New("external api: authentication failed")
	ErrRateLimited = errors.New("external api: rate limited")
	ErrNotFound    = errors.New("external api: not found")
	ErrTransient   = errors.New("external api: transient failure")
	ErrValidation  = errors.New("external api: request rejected")
)

// Error is returned by every client operation that fails.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	// ResetAt is set for KindRateLimited.
	ResetAt time.Time
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Kind == KindRateLimited && !e.ResetAt.IsZero() {
		msg += " until " + e.ResetAt.UTC().Format(time.RFC3339)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrValidation:
		return e.Kind == KindValidation
	}
	return false
}

// KindOf classifies any error; errors that did not come from the client are transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindRateLimited
}

// ResetTime returns when a rate-limited call may be retried.
func ResetTime(err error) (time.Time, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.ResetAt, true
	}
	return time.Time{}, false
}
