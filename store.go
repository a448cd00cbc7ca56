package teamvault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is the document-store boundary the vault core depends on. All data
// handed to a store is already encrypted or public; a store never sees
// plaintext secrets or key material.
//
// Stores must enforce uniqueness on user email and certificate serial
// number, and must implement AppendAccessEntry atomically - it is the
// serialization point that keeps two concurrent shares of the same secret
// from clobbering each other's access-list append.
type Store interface {

	// Users

	// InsertUser persists a new user record. Returns ErrDuplicateEmail if
	// the email is already registered.
	InsertUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID. Returns ErrNotFound if absent.
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByEmail retrieves a user by email. Returns ErrNotFound if absent.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// UpdateUserIntegrity stores the integrity-subsystem fields of a user:
	// the monotonic secrets_version, the collection checksum and its
	// computation timestamp. No other user field is mutable.
	UpdateUserIntegrity(ctx context.Context, userID string, secretsVersion int64, checksum string, at time.Time) error

	// Secrets

	// InsertSecret persists a new secret record.
	InsertSecret(ctx context.Context, secret *Secret) error

	// GetSecret retrieves a secret by ID. Returns ErrNotFound if absent.
	GetSecret(ctx context.Context, secretID string) (*Secret, error)

	// ListSecretsForUser returns every secret whose access list contains an
	// entry for the user, expired or not; access-expiry filtering is the
	// caller's concern.
	ListSecretsForUser(ctx context.Context, userID string) ([]*Secret, error)

	// AppendAccessEntry atomically appends an access-list entry and
	// increments the secret's version in one operation, then returns the
	// post-append document. Checksums must be recomputed over the returned
	// document, never over a pre-append in-memory copy. Returns
	// ErrAlreadyShared if the user already holds an entry.
	AppendAccessEntry(ctx context.Context, secretID string, entry AccessEntry) (*Secret, error)

	// UpdateSecretData replaces the encrypted payload, bumps the version to
	// newVersion and stores the new checksum, guarded by an optimistic
	// check: if the stored version is not expectedVersion the update fails
	// with a ConcurrencyError and nothing changes.
	UpdateSecretData(ctx context.Context, secretID string, data EncryptedPayload, expectedVersion, newVersion int64, checksum string) error

	// UpdateSecretChecksum stores a recomputed checksum without touching
	// the payload or version, guarded by the same optimistic version check.
	// Used after an atomic append and by the legacy-checksum resync path.
	UpdateSecretChecksum(ctx context.Context, secretID string, expectedVersion int64, checksum string) error

	// ReplaceSecret replaces the whole secret record, guarded by the
	// optimistic version check against expectedVersion. Used by re-keying
	// operations (rotation, access revocation) that touch payload, access
	// list and key-version history together.
	ReplaceSecret(ctx context.Context, updated *Secret, expectedVersion int64) error

	// DeleteSecret removes a secret record. Returns ErrNotFound if absent.
	DeleteSecret(ctx context.Context, secretID string) error

	// ListSecretsDueForRotation returns secrets with auto_rotate enabled
	// whose next_rotation is before now.
	ListSecretsDueForRotation(ctx context.Context, now time.Time) ([]*Secret, error)

	// PruneExpiredKeyVersions removes key-version entries whose expiry
	// passed before the cutoff, returning the number of secrets touched.
	PruneExpiredKeyVersions(ctx context.Context, cutoff time.Time) (int, error)

	// Certificates

	// InsertCertificate persists a new certificate. Returns
	// ErrDuplicateSerial if the serial number already exists.
	InsertCertificate(ctx context.Context, cert *Certificate) error

	// GetCertificateBySerial retrieves a certificate by serial number.
	// Returns ErrNotFound if absent.
	GetCertificateBySerial(ctx context.Context, serialNumber string) (*Certificate, error)

	// GetValidCertificateForUser returns the user's certificate with
	// status=valid, or ErrNotFound when the user holds none.
	GetValidCertificateForUser(ctx context.Context, userID string) (*Certificate, error)

	// UpdateCertificateStatus transitions a certificate's status and stamps
	// the revocation fields when revoking.
	UpdateCertificateStatus(ctx context.Context, serialNumber string, status CertificateStatus, reason string, revokedAt *time.Time) error

	// MarkExpiredCertificates transitions every valid certificate whose
	// expires_at is before now to expired, returning the count.
	MarkExpiredCertificates(ctx context.Context, now time.Time) (int, error)

	// Health and utilities

	// Ping tests connectivity for remote backends.
	Ping(ctx context.Context) error

	// Close releases any resources the store holds.
	Close() error

	// GetType identifies the backend ("memory", "filesystem", "badger", "s3").
	GetType() string
}

// Store-level errors. Backends wrap these sentinels so callers can test
// with errors.Is regardless of backend.
var (
	// ErrDuplicateEmail indicates a registration with an email that is
	// already taken. It is a Conflict.
	ErrDuplicateEmail = fmt.Errorf("%w: email already registered", ErrConflict)

	// ErrDuplicateSerial indicates a certificate serial collision. It is a
	// Conflict.
	ErrDuplicateSerial = fmt.Errorf("%w: duplicate serial number", ErrConflict)
)

// ConcurrencyError reports an optimistic version-check failure on a secret
// update: another writer committed between the caller's read and write.
// Callers re-read and retry.
type ConcurrencyError struct {
	SecretID        string
	ExpectedVersion int64
	ActualVersion   int64
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s on secret %s: expected version %d, but found %d",
		e.Operation, e.SecretID, e.ExpectedVersion, e.ActualVersion)
}

// IsConcurrencyError reports whether err is (or wraps) a ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var ce ConcurrencyError
	return errors.As(err, &ce)
}
