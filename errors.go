package teamvault

import (
	"errors"
	"fmt"
)

// Error taxonomy for the vault core. Callers are expected to test with
// errors.Is; services wrap these sentinels with operation context.
var (
	// ErrAuthenticationFailure indicates an AEAD tag verification failure:
	// wrong key, wrong password-derived key, or corrupted/tampered
	// ciphertext. It is deliberately indistinguishable from "wrong
	// password" - the server must not be able to tell the difference, and
	// neither can a caller. Never retried automatically: the same inputs
	// always fail the same way.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrForbidden indicates the caller's role or permissions do not allow
	// the requested mutation.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the referenced user, secret or certificate
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness violation: duplicate registration
	// email, duplicate share target, or a duplicate active certificate.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyShared indicates the share recipient already holds an
	// access-list entry. It is a Conflict.
	ErrAlreadyShared = fmt.Errorf("%w: already shared", ErrConflict)

	// ErrExpiredAccess indicates an access-list entry whose expires_at has
	// passed; equivalent to no access for listing purposes.
	ErrExpiredAccess = errors.New("access expired")
)

// IntegrityWarning describes a checksum or collection-checksum mismatch
// detected on read. Warnings are advisory: the read still succeeds and the
// caller must surface them prominently, since they may indicate server-side
// tampering or a rollback the user needs to act on.
type IntegrityWarning struct {
	SecretID string `json:"secret_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Message  string `json:"message"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (w IntegrityWarning) String() string {
	if w.SecretID != "" {
		return fmt.Sprintf("integrity violation on secret %s: %s (expected %s, actual %s)",
			w.SecretID, w.Message, w.Expected, w.Actual)
	}
	return fmt.Sprintf("integrity violation for user %s: %s (expected %s, actual %s)",
		w.UserID, w.Message, w.Expected, w.Actual)
}
