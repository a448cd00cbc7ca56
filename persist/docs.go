// Package persist provides the storage backends for the vault: an
// in-memory store for tests, a filesystem store, an embedded Badger store
// and an S3-compatible object store. Every backend stores the same JSON
// documents and enforces the same uniqueness and optimistic-concurrency
// rules; the record-level mutation logic lives here so the backends only
// differ in how they load and save bytes.
package persist

import (
	"time"

	"southwinds.dev/teamvault"
)

// checkVersion enforces the optimistic version guard on secret updates.
func checkVersion(s *teamvault.Secret, expected int64, op string) error {
	if s.Version != expected {
		return teamvault.ConcurrencyError{
			SecretID:        s.ID,
			ExpectedVersion: expected,
			ActualVersion:   s.Version,
			Operation:       op,
		}
	}
	return nil
}

// applyAppendAccessEntry performs the append half of the atomic
// append-and-increment; the backend guarantees load-mutate-save runs under
// its write exclusion.
func applyAppendAccessEntry(s *teamvault.Secret, entry teamvault.AccessEntry) error {
	if s.Entry(entry.UserID) != nil {
		return teamvault.ErrAlreadyShared
	}
	s.AccessList = append(s.AccessList, entry)
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func applyUpdateSecretData(s *teamvault.Secret, data teamvault.EncryptedPayload, expected, newVersion int64, checksum string) error {
	if err := checkVersion(s, expected, "UpdateSecretData"); err != nil {
		return err
	}
	s.EncryptedData = data
	s.Version = newVersion
	s.Checksum = checksum
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func applyUpdateSecretChecksum(s *teamvault.Secret, expected int64, checksum string) error {
	if err := checkVersion(s, expected, "UpdateSecretChecksum"); err != nil {
		return err
	}
	s.Checksum = checksum
	return nil
}

// pruneKeyVersions removes key-version entries expired before the cutoff,
// never touching the current version. Reports whether anything changed.
func pruneKeyVersions(s *teamvault.Secret, cutoff time.Time) bool {
	kept := s.KeyVersions[:0]
	changed := false
	for _, kv := range s.KeyVersions {
		if kv.Version != s.CurrentVersion && kv.ExpiresAt != nil && kv.ExpiresAt.Before(cutoff) {
			changed = true
			continue
		}
		kept = append(kept, kv)
	}
	s.KeyVersions = kept
	return changed
}

// dueForRotation reports whether a secret's auto-rotation is due.
func dueForRotation(s *teamvault.Secret, now time.Time) bool {
	return s.RotationPolicy.AutoRotate &&
		s.RotationPolicy.NextRotation != nil &&
		s.RotationPolicy.NextRotation.Before(now)
}

// hasEntryFor reports whether the secret's access list mentions the user,
// expired or not.
func hasEntryFor(s *teamvault.Secret, userID string) bool {
	return s.Entry(userID) != nil
}

func applyCertStatus(c *teamvault.Certificate, status teamvault.CertificateStatus, reason string, revokedAt *time.Time) {
	c.Status = status
	c.RevocationReason = reason
	c.RevokedAt = revokedAt
}

// certExpired reports whether a valid certificate should transition to
// expired.
func certExpired(c *teamvault.Certificate, now time.Time) bool {
	return c.Status == teamvault.CertStatusValid && c.ExpiresAt.Before(now)
}
