package platform

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by the auth flow and the dispatch engine. Adapters map
// transport-level failures onto these; everything else is wrapped as either
// transient or permanent.
var (
	ErrInvalidCredentials = errors.New("invalid api credentials")
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrInvalidCode        = errors.New("invalid login code")
	ErrCodeExpired        = errors.New("login code expired")
	ErrPasswordRequired   = errors.New("two-factor password required")
	ErrInvalidPassword    = errors.New("invalid two-factor password")
	ErrSessionExpired     = errors.New("session expired")
	ErrQRExpired          = errors.New("qr challenge expired")
)

// FloodWaitError is the platform's rate-limit signal carrying a mandatory wait.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// AsFloodWait extracts a mandatory wait duration from err, if present.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.RetryAfter, true
	}
	return 0, false
}

// TransientError marks a retryable network/server fault.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a non-retryable send fault (e.g. posting forbidden).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a non-retryable send fault.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
