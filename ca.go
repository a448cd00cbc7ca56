package teamvault

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"southwinds.dev/teamvault/audit"
	"southwinds.dev/teamvault/internal/misc"
)

const (
	// certificateValidityDays is the lifetime of an issued certificate.
	certificateValidityDays = 365

	// expirySweepInterval is how often the CA marks expired certificates.
	expirySweepInterval = 24 * time.Hour
)

// VerifyResult is the outcome of a certificate verification. When Valid is
// false, Reason names the first failed check in the fixed order signature,
// expiry, revocation.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// CertificateAuthority issues and verifies attestations binding a user ID
// to their key-agreement public key, so members sharing a secret can check
// they are wrapping for the key the CA vouched for and not one substituted
// by the server.
type CertificateAuthority struct {
	store      Store
	logger     audit.Logger
	notifier   Notifier
	signingKey *SigningKeyHandle

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewCertificateAuthority creates a CA over the given signing key. Nil
// logger or notifier default to no-ops.
func NewCertificateAuthority(store Store, logger audit.Logger, notifier Notifier, signingKey *SigningKeyHandle) *CertificateAuthority {
	if logger == nil {
		logger = audit.NewNoOpLogger()
	}
	if notifier == nil {
		notifier = NoOpNotifier{}
	}
	return &CertificateAuthority{
		store:      store,
		logger:     logger,
		notifier:   notifier,
		signingKey: signingKey,
	}
}

// PublicKey returns the CA's verifying key. Distribute it out of band;
// verification against a key fetched from the same server that stores the
// certificates proves nothing.
func (ca *CertificateAuthority) PublicKey() JWK {
	return ca.signingKey.PublicKey()
}

// IssueCertificate signs a certificate over the user's registered public
// key, valid for one year. A user holds at most one valid certificate at a
// time; issuing while one exists fails with a Conflict, revoke first.
func (ca *CertificateAuthority) IssueCertificate(ctx context.Context, userID string) (*Certificate, error) {
	user, err := ca.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if _, err = ca.store.GetValidCertificateForUser(ctx, userID); err == nil {
		return nil, fmt.Errorf("%w: user already holds a valid certificate", ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing certificates: %w", err)
	}

	now := time.Now().UTC()
	expires := now.AddDate(0, 0, certificateValidityDays)

	// Serial collisions are astronomically unlikely but the store enforces
	// uniqueness anyway; regenerate on the off chance.
	for attempt := 0; attempt < 3; attempt++ {
		serialBytes, err := RandomBytes(misc.SerialSize)
		if err != nil {
			return nil, err
		}
		serial := hex.EncodeToString(serialBytes)

		body, err := MarshalCertificateData(CertificateData{
			UserID:       user.ID,
			PublicKey:    user.PublicKey,
			IssuedAt:     CanonicalTime(now),
			ExpiresAt:    CanonicalTime(expires),
			SerialNumber: serial,
		})
		if err != nil {
			return nil, err
		}

		signature, err := ca.signingKey.Sign(body)
		if err != nil {
			return nil, fmt.Errorf("failed to sign certificate: %w", err)
		}

		cert := &Certificate{
			UserID:       user.ID,
			PublicKey:    user.PublicKey,
			IssuedAt:     now,
			ExpiresAt:    expires,
			SerialNumber: serial,
			Signature:    signature,
			Status:       CertStatusValid,
		}

		err = ca.store.InsertCertificate(ctx, cert)
		if errors.Is(err, ErrDuplicateSerial) {
			continue
		}
		if err != nil {
			ca.logger.Log(audit.ActionCertIssue, false, map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
			return nil, fmt.Errorf("failed to store certificate: %w", err)
		}

		ca.logger.Log(audit.ActionCertIssue, true, map[string]interface{}{
			"user_id":       userID,
			"serial_number": serial,
		})
		return cert.Clone(), nil
	}
	return nil, fmt.Errorf("failed to generate a unique serial number")
}

// VerifyCertificate checks a certificate in the fixed order: signature over
// the rebuilt canonical body, then expiry against the wall clock, then
// stored revocation status. The first failure wins; a tampered certificate
// reports a bad signature even if it is also expired and revoked.
func (ca *CertificateAuthority) VerifyCertificate(ctx context.Context, serialNumber string) (VerifyResult, *Certificate, error) {
	cert, err := ca.store.GetCertificateBySerial(ctx, serialNumber)
	if err != nil {
		return VerifyResult{}, nil, err
	}

	body, err := MarshalCertificateData(CertificateData{
		UserID:       cert.UserID,
		PublicKey:    cert.PublicKey,
		IssuedAt:     CanonicalTime(cert.IssuedAt),
		ExpiresAt:    CanonicalTime(cert.ExpiresAt),
		SerialNumber: cert.SerialNumber,
	})
	if err != nil {
		return VerifyResult{}, nil, err
	}

	ok, err := VerifySignature(ca.signingKey.PublicKey(), body, cert.Signature)
	if err != nil || !ok {
		return VerifyResult{Valid: false, Reason: "invalid signature"}, cert, nil
	}

	if time.Now().UTC().After(cert.ExpiresAt) {
		return VerifyResult{Valid: false, Reason: "certificate expired"}, cert, nil
	}

	if cert.Status == CertStatusRevoked {
		return VerifyResult{Valid: false, Reason: "certificate revoked"}, cert, nil
	}

	return VerifyResult{Valid: true}, cert, nil
}

// RevokeCertificate transitions a valid certificate to revoked. Revocation
// is terminal; an expired or already revoked certificate cannot be revoked.
func (ca *CertificateAuthority) RevokeCertificate(ctx context.Context, serialNumber, reason string) error {
	cert, err := ca.store.GetCertificateBySerial(ctx, serialNumber)
	if err != nil {
		return err
	}
	if cert.Status != CertStatusValid {
		return fmt.Errorf("%w: certificate is %s, only valid certificates can be revoked", ErrConflict, cert.Status)
	}

	now := time.Now().UTC()
	if err = ca.store.UpdateCertificateStatus(ctx, serialNumber, CertStatusRevoked, reason, &now); err != nil {
		ca.logger.Log(audit.ActionCertRevoke, false, map[string]interface{}{
			"serial_number": serialNumber,
			"error":         err.Error(),
		})
		return fmt.Errorf("failed to revoke certificate: %w", err)
	}

	ca.logger.Log(audit.ActionCertRevoke, true, map[string]interface{}{
		"user_id":       cert.UserID,
		"serial_number": serialNumber,
		"reason":        reason,
	})
	ca.notifier.Notify(Event{
		Kind:      EventCertRevoked,
		UserID:    cert.UserID,
		Message:   fmt.Sprintf("your certificate %s was revoked: %s", serialNumber, reason),
		Timestamp: now,
		Metadata:  map[string]any{"serial_number": serialNumber},
	})
	return nil
}

// Start launches the daily sweep that marks expired certificates.
// Idempotent while running.
func (ca *CertificateAuthority) Start(ctx context.Context) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.running {
		return
	}
	ca.running = true
	ca.stop = make(chan struct{})
	ca.done = make(chan struct{})

	go func() {
		defer close(ca.done)
		ticker := time.NewTicker(expirySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ca.sweepExpired(ctx)
			case <-ca.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the expiry sweep.
func (ca *CertificateAuthority) Stop() {
	ca.mu.Lock()
	if !ca.running {
		ca.mu.Unlock()
		return
	}
	ca.running = false
	close(ca.stop)
	done := ca.done
	ca.mu.Unlock()
	<-done
}

func (ca *CertificateAuthority) sweepExpired(ctx context.Context) {
	count, err := ca.store.MarkExpiredCertificates(ctx, time.Now().UTC())
	if err != nil {
		ca.logger.Log(audit.ActionCertExpireSweep, false, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if count > 0 {
		ca.logger.Log(audit.ActionCertExpireSweep, true, map[string]interface{}{
			"expired": count,
		})
	}
}
