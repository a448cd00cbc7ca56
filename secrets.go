package teamvault

import (
	"context"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/teamvault/audit"
	"southwinds.dev/teamvault/internal/debug"
)

const (
	// defaultRotationIntervalDays is the auto-rotation cadence when a
	// secret enables rotation without naming an interval.
	defaultRotationIntervalDays = 30

	// keyVersionGraceDays is how long a superseded key version survives
	// before the cleanup sweep removes it.
	keyVersionGraceDays = 30

	// maxWriteAttempts bounds optimistic-concurrency retries on secret
	// mutations.
	maxWriteAttempts = 5
)

// CreateOptions carries the optional attributes of a new secret.
type CreateOptions struct {
	Category             string
	Tags                 []string
	Expiration           *time.Time
	AutoRotate           bool
	RotationIntervalDays int
}

// SecretService implements the secret lifecycle: create, read, edit, share,
// revoke, delete. All cryptography happens against the caller's Session;
// the store only ever receives sealed payloads and wrapped keys.
type SecretService struct {
	store     Store
	logger    audit.Logger
	notifier  Notifier
	integrity *IntegrityService
}

// NewSecretService creates a SecretService. Nil logger or notifier default
// to no-ops; a nil integrity service gets one built over the same store.
func NewSecretService(store Store, logger audit.Logger, notifier Notifier, integrity *IntegrityService) *SecretService {
	if logger == nil {
		logger = audit.NewNoOpLogger()
	}
	if notifier == nil {
		notifier = NoOpNotifier{}
	}
	if integrity == nil {
		integrity = NewIntegrityService(store, logger, notifier)
	}
	return &SecretService{store: store, logger: logger, notifier: notifier, integrity: integrity}
}

// CreateSecret seals plaintext under a fresh per-secret key K, wraps K for
// the creator and stores the record with the creator as owner. The
// plaintext and K never reach the store.
func (svc *SecretService) CreateSecret(ctx context.Context, session *Session, name string, plaintext []byte, opts CreateOptions) (*Secret, error) {
	if name == "" {
		return nil, fmt.Errorf("secret name must not be empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	key, err := RandomBytes(32)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	sealed, err := SealPayload(key, plaintext, id)
	if err != nil {
		return nil, fmt.Errorf("failed to seal secret: %w", err)
	}

	wrapped, err := WrapKey(key, session.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key for owner: %w", err)
	}

	ownerPerms, _ := PermissionsForRole(RoleOwner)
	secret := &Secret{
		ID:            id,
		Name:          name,
		OwnerID:       session.UserID,
		Category:      opts.Category,
		Tags:          opts.Tags,
		EncryptedData: sealed,
		AccessList: []AccessEntry{{
			UserID:      session.UserID,
			Role:        RoleOwner,
			Permissions: ownerPerms,
			WrappedKey:  wrapped,
			GrantedAt:   now,
			GrantedBy:   session.UserID,
		}},
		Version:        1,
		KeyVersions:    []KeyVersion{{Version: 1, CreatedAt: now}},
		CurrentVersion: 1,
		Expiration:     opts.Expiration,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if opts.AutoRotate {
		interval := opts.RotationIntervalDays
		if interval <= 0 {
			interval = defaultRotationIntervalDays
		}
		next := now.AddDate(0, 0, interval)
		secret.RotationPolicy = RotationPolicy{
			AutoRotate:           true,
			RotationIntervalDays: interval,
			NextRotation:         &next,
		}
	}

	checksum, err := ComputeSecretChecksum(secret)
	if err != nil {
		return nil, err
	}
	secret.Checksum = checksum

	if err = svc.store.InsertSecret(ctx, secret); err != nil {
		svc.logger.Log(audit.ActionSecretCreate, false, map[string]interface{}{
			"user_id": session.UserID,
			"error":   err.Error(),
		})
		return nil, fmt.Errorf("failed to store secret: %w", err)
	}

	svc.logger.Log(audit.ActionSecretCreate, true, map[string]interface{}{
		"user_id":   session.UserID,
		"secret_id": id,
	})
	svc.resyncIntegrity(ctx, secret)

	return secret.Clone(), nil
}

// ReadSecret decrypts a secret for the caller. The checksum is verified
// first; a mismatch does not block the read, it comes back as a non-nil
// IntegrityWarning the caller must surface.
func (svc *SecretService) ReadSecret(ctx context.Context, session *Session, secretID string) ([]byte, *IntegrityWarning, error) {
	secret, entry, err := svc.authorize(ctx, session, secretID, func(p Permissions) bool { return p.CanRead })
	if err != nil {
		return nil, nil, err
	}

	warning, err := svc.integrity.VerifySecret(secret)
	if err != nil {
		return nil, nil, err
	}

	key, err := UnwrapKey(entry.WrappedKey, session.PrivateKey())
	if err != nil {
		svc.logger.Log(audit.ActionSecretRead, false, map[string]interface{}{
			"user_id":   session.UserID,
			"secret_id": secretID,
			"error":     "unwrap failed",
		})
		return nil, warning, fmt.Errorf("failed to unwrap secret key: %w", err)
	}
	defer memguard.WipeBytes(key)

	plaintext, err := OpenPayload(key, secret.EncryptedData, secret.ID)
	if err != nil {
		svc.logger.Log(audit.ActionSecretRead, false, map[string]interface{}{
			"user_id":   session.UserID,
			"secret_id": secretID,
			"error":     "decrypt failed",
		})
		return nil, warning, fmt.Errorf("failed to decrypt secret: %w", err)
	}

	svc.logger.Log(audit.ActionSecretRead, true, map[string]interface{}{
		"user_id":   session.UserID,
		"secret_id": secretID,
	})
	return plaintext, warning, nil
}

// ListSecrets returns the caller's visible secret set: every secret they
// hold an unexpired access entry for. Returned records are clones; payloads
// stay sealed. Each record's checksum is verified on the way out and any
// mismatch comes back as an advisory warning next to the list, never as an
// error that hides the data.
func (svc *SecretService) ListSecrets(ctx context.Context, session *Session) ([]*Secret, []*IntegrityWarning, error) {
	visible, err := svc.integrity.VisibleSecrets(ctx, session.UserID)
	if err != nil {
		return nil, nil, err
	}
	out := make([]*Secret, len(visible))
	var warnings []*IntegrityWarning
	for i, s := range visible {
		out[i] = s.Clone()
		if warning, verr := svc.integrity.VerifySecret(s); verr == nil && warning != nil {
			warnings = append(warnings, warning)
		}
	}
	return out, warnings, nil
}

// ShareSecret grants a recipient access under the given role by unwrapping
// the secret key with the granter's own entry and re-wrapping it for the
// recipient's public key. The access-list append is atomic at the store,
// and the checksum is recomputed over the post-append record, so two
// concurrent shares both land.
//
// Owner is not grantable, and a granter cannot hand out permissions they
// do not hold themselves.
func (svc *SecretService) ShareSecret(ctx context.Context, session *Session, secretID, recipientUserID string, role Role, expiresAt *time.Time) (*Secret, error) {
	if role == RoleOwner {
		return nil, fmt.Errorf("%w: owner role cannot be granted", ErrForbidden)
	}
	perms, err := PermissionsForRole(role)
	if err != nil {
		return nil, err
	}
	if expiresAt != nil && expiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("access expiry is in the past")
	}

	secret, entry, err := svc.authorize(ctx, session, secretID, func(p Permissions) bool { return p.CanShare })
	if err != nil {
		return nil, err
	}
	if exceedsPermissions(perms, entry.Permissions) {
		return nil, fmt.Errorf("%w: cannot grant permissions beyond your own", ErrForbidden)
	}
	if existing := secret.Entry(recipientUserID); existing != nil {
		return nil, ErrAlreadyShared
	}

	recipient, err := svc.store.GetUser(ctx, recipientUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipient: %w", err)
	}

	key, err := UnwrapKey(entry.WrappedKey, session.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap secret key: %w", err)
	}
	wrapped, err := WrapKey(key, recipient.PublicKey)
	memguard.WipeBytes(key)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key for recipient: %w", err)
	}

	now := time.Now().UTC()
	newEntry := AccessEntry{
		UserID:      recipient.ID,
		Role:        role,
		Permissions: perms,
		WrappedKey:  wrapped,
		GrantedAt:   now,
		GrantedBy:   session.UserID,
		ExpiresAt:   expiresAt,
	}

	post, err := svc.store.AppendAccessEntry(ctx, secretID, newEntry)
	if err != nil {
		svc.logger.Log(audit.ActionSecretShare, false, map[string]interface{}{
			"user_id":   session.UserID,
			"secret_id": secretID,
			"error":     err.Error(),
		})
		return nil, err
	}

	// The checksum must cover the record as the store now holds it, not
	// the pre-append copy this call started from.
	if err = svc.rechecksum(ctx, post); err != nil {
		return nil, err
	}

	svc.logger.Log(audit.ActionSecretShare, true, map[string]interface{}{
		"user_id":   session.UserID,
		"secret_id": secretID,
		"recipient": recipient.ID,
		"role":      string(role),
	})
	svc.notifier.Notify(Event{
		Kind:      EventSecretShared,
		UserID:    recipient.ID,
		SecretID:  secretID,
		ActorID:   session.UserID,
		Message:   fmt.Sprintf("secret %q was shared with you as %s", post.Name, role),
		Timestamp: now,
	})
	svc.resyncIntegrity(ctx, post)

	return post.Clone(), nil
}

// EditSecret replaces a secret's plaintext. The existing per-secret key is
// reused with a fresh nonce; the record version increments and the checksum
// is recomputed. A stored checksum that no longer matches is resynced and
// logged as a security event rather than blocking the edit.
func (svc *SecretService) EditSecret(ctx context.Context, session *Session, secretID string, plaintext []byte) (*Secret, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		secret, entry, err := svc.authorize(ctx, session, secretID, func(p Permissions) bool { return p.CanEdit })
		if err != nil {
			return nil, err
		}

		if secret.Checksum != "" {
			computed, cerr := ComputeSecretChecksum(secret)
			if cerr != nil {
				return nil, cerr
			}
			if computed != secret.Checksum {
				svc.logger.Log(audit.ActionChecksumResync, false, map[string]interface{}{
					"user_id":   session.UserID,
					"secret_id": secretID,
					"error":     "stored checksum did not match record at edit time",
				})
			}
		}

		key, err := UnwrapKey(entry.WrappedKey, session.PrivateKey())
		if err != nil {
			return nil, fmt.Errorf("failed to unwrap secret key: %w", err)
		}
		sealed, err := SealPayload(key, plaintext, secret.ID)
		memguard.WipeBytes(key)
		if err != nil {
			return nil, fmt.Errorf("failed to seal secret: %w", err)
		}

		updated := secret.Clone()
		updated.EncryptedData = sealed
		updated.Version = secret.Version + 1
		updated.UpdatedAt = time.Now().UTC()
		checksum, err := ComputeSecretChecksum(updated)
		if err != nil {
			return nil, err
		}
		updated.Checksum = checksum

		err = svc.store.UpdateSecretData(ctx, secretID, sealed, secret.Version, updated.Version, checksum)
		if IsConcurrencyError(err) {
			continue // another writer landed first, redo against the fresh record
		}
		if err != nil {
			svc.logger.Log(audit.ActionSecretEdit, false, map[string]interface{}{
				"user_id":   session.UserID,
				"secret_id": secretID,
				"error":     err.Error(),
			})
			return nil, fmt.Errorf("failed to store edit: %w", err)
		}

		svc.logger.Log(audit.ActionSecretEdit, true, map[string]interface{}{
			"user_id":   session.UserID,
			"secret_id": secretID,
		})
		svc.resyncIntegrity(ctx, updated)
		return updated, nil
	}
	return nil, fmt.Errorf("failed to edit secret %s: too many concurrent writers", secretID)
}

// RevokeAccess removes a user's access entry and immediately re-keys the
// secret so the revoked user's wrapped key is useless even if they kept a
// copy. Only the owner may revoke others; any member may remove themselves.
func (svc *SecretService) RevokeAccess(ctx context.Context, session *Session, secretID, targetUserID string) error {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		secret, callerEntry, err := svc.authorize(ctx, session, secretID, func(p Permissions) bool { return p.CanRead })
		if err != nil {
			return err
		}

		if session.UserID != secret.OwnerID && session.UserID != targetUserID {
			return fmt.Errorf("%w: only the owner can revoke access", ErrForbidden)
		}
		if targetUserID == secret.OwnerID {
			return fmt.Errorf("%w: owner access cannot be revoked", ErrForbidden)
		}
		if secret.Entry(targetUserID) == nil {
			return fmt.Errorf("%w: user has no access entry", ErrNotFound)
		}

		updated := secret.Clone()
		kept := updated.AccessList[:0]
		for _, e := range updated.AccessList {
			if e.UserID != targetUserID {
				kept = append(kept, e)
			}
		}
		updated.AccessList = kept

		// Re-key so the removed entry's wrapped key no longer opens
		// anything. Self-removal keys the caller out along with the
		// removed entry, which is the point.
		if err = svc.rekey(ctx, updated, callerEntry, session); err != nil {
			return err
		}

		err = svc.store.ReplaceSecret(ctx, updated, secret.Version)
		if IsConcurrencyError(err) {
			continue
		}
		if err != nil {
			svc.logger.Log(audit.ActionAccessRevoke, false, map[string]interface{}{
				"user_id":   session.UserID,
				"secret_id": secretID,
				"error":     err.Error(),
			})
			return fmt.Errorf("failed to store revocation: %w", err)
		}

		svc.logger.Log(audit.ActionAccessRevoke, true, map[string]interface{}{
			"user_id":   session.UserID,
			"secret_id": secretID,
			"target":    targetUserID,
		})
		svc.notifier.Notify(Event{
			Kind:      EventAccessRevoked,
			UserID:    targetUserID,
			SecretID:  secretID,
			ActorID:   session.UserID,
			Message:   fmt.Sprintf("your access to secret %q was revoked", secret.Name),
			Timestamp: time.Now().UTC(),
		})
		svc.resyncIntegrity(ctx, updated, targetUserID)
		return nil
	}
	return fmt.Errorf("failed to revoke access on secret %s: too many concurrent writers", secretID)
}

// DeleteSecret removes a secret record entirely. Owner only. Every other
// unexpired access-list member gets a revocation notification; their user
// IDs are returned so callers can confirm who lost access.
func (svc *SecretService) DeleteSecret(ctx context.Context, session *Session, secretID string) ([]string, error) {
	secret, _, err := svc.authorize(ctx, session, secretID, func(p Permissions) bool { return p.CanDelete })
	if err != nil {
		return nil, err
	}

	if err = svc.store.DeleteSecret(ctx, secretID); err != nil {
		svc.logger.Log(audit.ActionSecretDelete, false, map[string]interface{}{
			"user_id":   session.UserID,
			"secret_id": secretID,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("failed to delete secret: %w", err)
	}

	svc.logger.Log(audit.ActionSecretDelete, true, map[string]interface{}{
		"user_id":   session.UserID,
		"secret_id": secretID,
	})

	now := time.Now().UTC()
	var revoked []string
	for _, e := range secret.AccessList {
		if e.UserID == session.UserID || e.Expired(now) {
			continue
		}
		revoked = append(revoked, e.UserID)
		svc.notifier.Notify(Event{
			Kind:      EventSecretDeleted,
			UserID:    e.UserID,
			SecretID:  secretID,
			ActorID:   session.UserID,
			Message:   fmt.Sprintf("secret %q was deleted", secret.Name),
			Timestamp: now,
		})
	}
	svc.resyncIntegrity(ctx, secret)
	return revoked, nil
}

// authorize loads a secret and checks that the session holds an unexpired
// entry whose permissions satisfy need. Missing entries and insufficient
// permissions both come back as ErrForbidden; an expired entry is
// ErrExpiredAccess.
func (svc *SecretService) authorize(ctx context.Context, session *Session, secretID string, need func(Permissions) bool) (*Secret, *AccessEntry, error) {
	secret, err := svc.store.GetSecret(ctx, secretID)
	if err != nil {
		return nil, nil, err
	}

	entry := secret.Entry(session.UserID)
	if entry == nil {
		return nil, nil, fmt.Errorf("%w: no access to secret", ErrForbidden)
	}
	if entry.Expired(time.Now().UTC()) {
		return nil, nil, fmt.Errorf("%w: access to secret has expired", ErrExpiredAccess)
	}
	if !need(entry.Permissions) {
		return nil, nil, fmt.Errorf("%w: role %s does not permit this operation", ErrForbidden, entry.Role)
	}
	return secret, entry, nil
}

// rekey generates a fresh per-secret key, re-encrypts the payload and
// re-wraps the new key for every unexpired access entry, advancing the key
// version and stamping the superseded one with a removal grace period.
// Expired entries keep their stale wrapped keys, which the new key renders
// useless. unwrapFrom is the caller's pre-mutation entry; it may no longer
// be on the record's access list, as in self-removal. The record is mutated
// in place; persisting it is the caller's job.
func (svc *SecretService) rekey(ctx context.Context, s *Secret, unwrapFrom *AccessEntry, session *Session) error {
	oldKey, err := UnwrapKey(unwrapFrom.WrappedKey, session.PrivateKey())
	if err != nil {
		return fmt.Errorf("failed to unwrap current key: %w", err)
	}
	plaintext, err := OpenPayload(oldKey, s.EncryptedData, s.ID)
	memguard.WipeBytes(oldKey)
	if err != nil {
		return fmt.Errorf("failed to decrypt with current key: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	newKey, err := RandomBytes(32)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(newKey)

	sealed, err := SealPayload(newKey, plaintext, s.ID)
	if err != nil {
		return fmt.Errorf("failed to seal with new key: %w", err)
	}
	debug.Print("Resealed secret %s under key version %d", s.ID, s.CurrentVersion+1)

	now := time.Now().UTC()
	for i := range s.AccessList {
		if s.AccessList[i].Expired(now) {
			debug.Print("Skipping expired access entry for user %s", s.AccessList[i].UserID)
			continue
		}
		holder, err := svc.store.GetUser(ctx, s.AccessList[i].UserID)
		if err != nil {
			return fmt.Errorf("failed to load access holder %s: %w", s.AccessList[i].UserID, err)
		}
		wrapped, err := WrapKey(newKey, holder.PublicKey)
		if err != nil {
			return fmt.Errorf("failed to wrap new key for %s: %w", holder.ID, err)
		}
		s.AccessList[i].WrappedKey = wrapped
	}

	grace := now.AddDate(0, 0, keyVersionGraceDays)
	for i := range s.KeyVersions {
		if s.KeyVersions[i].Version == s.CurrentVersion && s.KeyVersions[i].ExpiresAt == nil {
			s.KeyVersions[i].ExpiresAt = &grace
		}
	}
	s.CurrentVersion++
	s.KeyVersions = append(s.KeyVersions, KeyVersion{Version: s.CurrentVersion, CreatedAt: now})
	s.EncryptedData = sealed
	s.Version++
	s.UpdatedAt = now
	s.RotationPolicy.LastRotation = &now
	if s.RotationPolicy.AutoRotate {
		interval := s.RotationPolicy.RotationIntervalDays
		if interval <= 0 {
			interval = defaultRotationIntervalDays
		}
		next := now.AddDate(0, 0, interval)
		s.RotationPolicy.NextRotation = &next
	}

	checksum, err := ComputeSecretChecksum(s)
	if err != nil {
		return err
	}
	s.Checksum = checksum
	return nil
}

// rechecksum recomputes and stores a secret's checksum over its current
// persisted state, retrying while concurrent writers keep moving the
// version underneath.
func (svc *SecretService) rechecksum(ctx context.Context, post *Secret) error {
	current := post
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		checksum, err := ComputeSecretChecksum(current)
		if err != nil {
			return err
		}
		err = svc.store.UpdateSecretChecksum(ctx, current.ID, current.Version, checksum)
		if err == nil {
			current.Checksum = checksum
			if current != post {
				*post = *current
			}
			return nil
		}
		if !IsConcurrencyError(err) {
			return fmt.Errorf("failed to store checksum: %w", err)
		}
		current, err = svc.store.GetSecret(ctx, current.ID)
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("failed to checksum secret %s: too many concurrent writers", post.ID)
}

// resyncIntegrity refreshes the collection checksum of every user affected
// by a mutation on the secret. Best effort: a failed refresh is audited but
// never fails the mutation that triggered it; the next verification will
// initialize or flag the stale value.
func (svc *SecretService) resyncIntegrity(ctx context.Context, s *Secret, extraUserIDs ...string) {
	now := time.Now().UTC()
	seen := make(map[string]bool)
	for _, e := range s.AccessList {
		if !e.Expired(now) {
			seen[e.UserID] = true
		}
	}
	for _, id := range extraUserIDs {
		seen[id] = true
	}
	for userID := range seen {
		if _, _, err := svc.integrity.UpdateUserIntegrity(ctx, userID); err != nil {
			svc.logger.Log(audit.ActionIntegrityCheck, false, map[string]interface{}{
				"user_id":   userID,
				"secret_id": s.ID,
				"error":     err.Error(),
			})
		}
	}
}

// exceedsPermissions reports whether granted includes any capability the
// granter lacks.
func exceedsPermissions(granted, granter Permissions) bool {
	return (granted.CanRead && !granter.CanRead) ||
		(granted.CanEdit && !granter.CanEdit) ||
		(granted.CanShare && !granter.CanShare) ||
		(granted.CanDelete && !granter.CanDelete)
}
