package teamvault

import (
	"context"
	"fmt"
	"time"

	"southwinds.dev/teamvault/audit"
)

// IntegrityService maintains and verifies the per-user collection checksum
// and the anti-rollback secrets version. Every mutation that changes a
// user's visible secret set must be followed by UpdateUserIntegrity for
// each affected user; VerifyUserIntegrity then detects server-side
// tampering or rollback of the collection as a whole, complementing the
// per-secret checksum which only covers individual records.
type IntegrityService struct {
	store    Store
	logger   audit.Logger
	notifier Notifier
}

// NewIntegrityService creates an IntegrityService. Nil logger or notifier
// default to no-ops.
func NewIntegrityService(store Store, logger audit.Logger, notifier Notifier) *IntegrityService {
	if logger == nil {
		logger = audit.NewNoOpLogger()
	}
	if notifier == nil {
		notifier = NoOpNotifier{}
	}
	return &IntegrityService{store: store, logger: logger, notifier: notifier}
}

// VisibleSecrets returns the user's visible secret set: every secret whose
// access list holds an unexpired entry for them. This is the exact set the
// collection checksum is computed over.
func (i *IntegrityService) VisibleSecrets(ctx context.Context, userID string) ([]*Secret, error) {
	secrets, err := i.store.ListSecretsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}

	now := time.Now().UTC()
	visible := make([]*Secret, 0, len(secrets))
	for _, s := range secrets {
		entry := s.Entry(userID)
		if entry != nil && !entry.Expired(now) {
			visible = append(visible, s)
		}
	}
	return visible, nil
}

// UpdateUserIntegrity recomputes the user's collection checksum over their
// current visible secret set, bumps the monotonic secrets version and
// persists both. Returns the new version and checksum.
func (i *IntegrityService) UpdateUserIntegrity(ctx context.Context, userID string) (int64, string, error) {
	user, err := i.store.GetUser(ctx, userID)
	if err != nil {
		return 0, "", fmt.Errorf("failed to load user: %w", err)
	}

	visible, err := i.VisibleSecrets(ctx, userID)
	if err != nil {
		return 0, "", err
	}

	checksum, err := ComputeCollectionChecksum(visible)
	if err != nil {
		return 0, "", err
	}

	newVersion := user.SecretsVersion + 1
	now := time.Now().UTC()
	if err = i.store.UpdateUserIntegrity(ctx, userID, newVersion, checksum, now); err != nil {
		return 0, "", fmt.Errorf("failed to persist integrity state: %w", err)
	}
	return newVersion, checksum, nil
}

// VerifyUserIntegrity recomputes the collection checksum and compares it
// against the stored one, and checks the stored secrets version against
// lastSeenVersion, the highest version the client has previously observed
// (pass 0 when unknown).
//
// A user who has never had a checksum computed gets their baseline
// initialized here rather than a warning; there is nothing to compare yet.
// Mismatches return a non-nil IntegrityWarning: the call still succeeds,
// and the caller is responsible for surfacing the warning prominently.
func (i *IntegrityService) VerifyUserIntegrity(ctx context.Context, userID string, lastSeenVersion int64) (*IntegrityWarning, error) {
	user, err := i.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if user.SecretsVersion < lastSeenVersion {
		warning := &IntegrityWarning{
			UserID:   userID,
			Message:  "secrets version went backwards, possible rollback",
			Expected: fmt.Sprintf(">=%d", lastSeenVersion),
			Actual:   fmt.Sprintf("%d", user.SecretsVersion),
		}
		i.reportFailure(userID, warning)
		return warning, nil
	}

	visible, err := i.VisibleSecrets(ctx, userID)
	if err != nil {
		return nil, err
	}

	computed, err := ComputeCollectionChecksum(visible)
	if err != nil {
		return nil, err
	}

	if user.CollectionChecksum == "" {
		// First verification: establish the baseline.
		now := time.Now().UTC()
		if err = i.store.UpdateUserIntegrity(ctx, userID, user.SecretsVersion+1, computed, now); err != nil {
			return nil, fmt.Errorf("failed to initialize integrity baseline: %w", err)
		}
		i.logger.Log(audit.ActionIntegrityCheck, true, map[string]interface{}{
			"user_id":     userID,
			"initialized": true,
		})
		return nil, nil
	}

	if computed != user.CollectionChecksum {
		warning := &IntegrityWarning{
			UserID:   userID,
			Message:  "collection checksum mismatch",
			Expected: user.CollectionChecksum,
			Actual:   computed,
		}
		i.reportFailure(userID, warning)
		return warning, nil
	}

	i.logger.Log(audit.ActionIntegrityCheck, true, map[string]interface{}{
		"user_id": userID,
	})
	return nil, nil
}

// VerifySecret recomputes a single secret's checksum against its stored
// one. Secrets without a stored checksum predate checksumming and verify
// clean; the next edit will backfill them.
func (i *IntegrityService) VerifySecret(s *Secret) (*IntegrityWarning, error) {
	if s.Checksum == "" {
		return nil, nil
	}
	computed, err := ComputeSecretChecksum(s)
	if err != nil {
		return nil, err
	}
	if computed != s.Checksum {
		warning := &IntegrityWarning{
			SecretID: s.ID,
			Message:  "secret checksum mismatch",
			Expected: s.Checksum,
			Actual:   computed,
		}
		i.reportFailure(s.OwnerID, warning)
		return warning, nil
	}
	return nil, nil
}

func (i *IntegrityService) reportFailure(userID string, warning *IntegrityWarning) {
	i.logger.Log(audit.ActionIntegrityFailure, false, map[string]interface{}{
		"user_id":   userID,
		"secret_id": warning.SecretID,
		"error":     warning.Message,
	})
	i.notifier.Notify(Event{
		Kind:      EventIntegrityAlert,
		UserID:    userID,
		SecretID:  warning.SecretID,
		Message:   warning.String(),
		Timestamp: time.Now().UTC(),
	})
}
