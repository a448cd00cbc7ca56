package teamvault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"southwinds.dev/teamvault/audit"
)

// defaultSweepInterval is how often the background scheduler checks for
// secrets due for rotation.
const defaultSweepInterval = 24 * time.Hour

// RotationService runs forward-secrecy key rotation: generating a fresh
// per-secret key, re-encrypting the payload and re-wrapping for the current
// access list. Rotation needs key material, so every rotation runs against
// a live Session; the background sweep rotates the due secrets that
// session can edit and skips the rest for other members' sweeps to pick up.
type RotationService struct {
	store    Store
	logger   audit.Logger
	notifier Notifier
	secrets  *SecretService

	// SweepInterval controls scheduler cadence; set before Start.
	SweepInterval time.Duration

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}
	sweeping bool
}

// NewRotationService creates a RotationService sharing the given secret
// service's store and crypto paths.
func NewRotationService(secrets *SecretService) *RotationService {
	return &RotationService{
		store:         secrets.store,
		logger:        secrets.logger,
		notifier:      secrets.notifier,
		secrets:       secrets,
		SweepInterval: defaultSweepInterval,
	}
}

// Start launches the background rotation scheduler for the given session.
// Idempotent: a second Start while running is a no-op.
func (r *RotationService) Start(ctx context.Context, session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.Sweep(ctx, session); err != nil {
					r.logger.Log(audit.ActionKeyRotate, false, map[string]interface{}{
						"error": err.Error(),
					})
				}
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background scheduler and waits for an in-flight sweep to
// finish.
func (r *RotationService) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()
	<-done
}

// Sweep rotates every due secret the session can edit, isolating failures
// so one bad record never stalls the rest. At most one sweep runs at a
// time; overlapping calls return immediately.
func (r *RotationService) Sweep(ctx context.Context, session *Session) (int, error) {
	r.mu.Lock()
	if r.sweeping {
		r.mu.Unlock()
		return 0, nil
	}
	r.sweeping = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.sweeping = false
		r.mu.Unlock()
	}()

	now := time.Now().UTC()
	due, err := r.store.ListSecretsDueForRotation(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list secrets due for rotation: %w", err)
	}

	rotated := 0
	for _, s := range due {
		entry := s.Entry(session.UserID)
		if entry == nil || entry.Expired(now) || !entry.Permissions.CanEdit {
			continue
		}
		if err := r.RotateSecretKey(ctx, session, s.ID); err != nil {
			r.logger.Log(audit.ActionKeyRotate, false, map[string]interface{}{
				"user_id":   session.UserID,
				"secret_id": s.ID,
				"error":     err.Error(),
			})
			continue
		}
		rotated++
	}

	if _, err := r.CleanupExpiredVersions(ctx); err != nil {
		r.logger.Log(audit.ActionKeyRotate, false, map[string]interface{}{
			"error": fmt.Sprintf("key version cleanup: %v", err),
		})
	}

	return rotated, nil
}

// RotateSecretKey rotates one secret immediately, regardless of schedule.
// Requires edit permission.
func (r *RotationService) RotateSecretKey(ctx context.Context, session *Session, secretID string) error {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		secret, entry, err := r.secrets.authorize(ctx, session, secretID, func(p Permissions) bool { return p.CanEdit })
		if err != nil {
			return err
		}

		updated := secret.Clone()
		if err = r.secrets.rekey(ctx, updated, entry, session); err != nil {
			return err
		}

		err = r.store.ReplaceSecret(ctx, updated, secret.Version)
		if IsConcurrencyError(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to store rotated secret: %w", err)
		}

		r.logger.Log(audit.ActionKeyRotate, true, map[string]interface{}{
			"user_id":     session.UserID,
			"secret_id":   secretID,
			"key_version": updated.CurrentVersion,
		})
		now := time.Now().UTC()
		for _, e := range updated.AccessList {
			if e.UserID == session.UserID || e.Expired(now) {
				continue
			}
			r.notifier.Notify(Event{
				Kind:      EventSecretRotated,
				UserID:    e.UserID,
				SecretID:  secretID,
				ActorID:   session.UserID,
				Message:   fmt.Sprintf("encryption key for secret %q was rotated", updated.Name),
				Timestamp: now,
			})
		}
		r.secrets.resyncIntegrity(ctx, updated)
		return nil
	}
	return fmt.Errorf("failed to rotate secret %s: too many concurrent writers", secretID)
}

// CleanupExpiredVersions prunes key-version history entries whose grace
// period has passed.
func (r *RotationService) CleanupExpiredVersions(ctx context.Context) (int, error) {
	pruned, err := r.store.PruneExpiredKeyVersions(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired key versions: %w", err)
	}
	return pruned, nil
}
