package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"southwinds.dev/teamvault"
)

// MemoryStore keeps everything in process memory. It exists for tests and
// throwaway experiments; nothing survives the process.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*teamvault.User // by ID
	emails  map[string]string          // email -> user ID
	secrets map[string]*teamvault.Secret
	certs   map[string]*teamvault.Certificate // by serial
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*teamvault.User),
		emails:  make(map[string]string),
		secrets: make(map[string]*teamvault.Secret),
		certs:   make(map[string]*teamvault.Certificate),
	}
}

func (m *MemoryStore) InsertUser(ctx context.Context, user *teamvault.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.emails[user.Email]; exists {
		return teamvault.ErrDuplicateEmail
	}
	if _, exists := m.users[user.ID]; exists {
		return fmt.Errorf("%w: user %s", teamvault.ErrConflict, user.ID)
	}
	m.users[user.ID] = user.Clone()
	m.emails[user.Email] = user.ID
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, userID string) (*teamvault.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", teamvault.ErrNotFound, userID)
	}
	return user.Clone(), nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*teamvault.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emails[email]
	if !ok {
		return nil, fmt.Errorf("%w: no user with that email", teamvault.ErrNotFound)
	}
	return m.users[id].Clone(), nil
}

func (m *MemoryStore) UpdateUserIntegrity(ctx context.Context, userID string, secretsVersion int64, checksum string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", teamvault.ErrNotFound, userID)
	}
	user.SecretsVersion = secretsVersion
	user.CollectionChecksum = checksum
	user.LastChecksumUpdate = &at
	return nil
}

func (m *MemoryStore) InsertSecret(ctx context.Context, secret *teamvault.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.secrets[secret.ID]; exists {
		return fmt.Errorf("%w: secret %s", teamvault.ErrConflict, secret.ID)
	}
	m.secrets[secret.ID] = secret.Clone()
	return nil
}

func (m *MemoryStore) GetSecret(ctx context.Context, secretID string) (*teamvault.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.secrets[secretID]
	if !ok {
		return nil, fmt.Errorf("%w: secret %s", teamvault.ErrNotFound, secretID)
	}
	return secret.Clone(), nil
}

func (m *MemoryStore) ListSecretsForUser(ctx context.Context, userID string) ([]*teamvault.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*teamvault.Secret
	for _, s := range m.secrets {
		if hasEntryFor(s, userID) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendAccessEntry(ctx context.Context, secretID string, entry teamvault.AccessEntry) (*teamvault.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.secrets[secretID]
	if !ok {
		return nil, fmt.Errorf("%w: secret %s", teamvault.ErrNotFound, secretID)
	}
	if err := applyAppendAccessEntry(secret, entry); err != nil {
		return nil, err
	}
	return secret.Clone(), nil
}

func (m *MemoryStore) UpdateSecretData(ctx context.Context, secretID string, data teamvault.EncryptedPayload, expectedVersion, newVersion int64, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.secrets[secretID]
	if !ok {
		return fmt.Errorf("%w: secret %s", teamvault.ErrNotFound, secretID)
	}
	return applyUpdateSecretData(secret, data, expectedVersion, newVersion, checksum)
}

func (m *MemoryStore) UpdateSecretChecksum(ctx context.Context, secretID string, expectedVersion int64, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.secrets[secretID]
	if !ok {
		return fmt.Errorf("%w: secret %s", teamvault.ErrNotFound, secretID)
	}
	return applyUpdateSecretChecksum(secret, expectedVersion, checksum)
}

func (m *MemoryStore) ReplaceSecret(ctx context.Context, updated *teamvault.Secret, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.secrets[updated.ID]
	if !ok {
		return fmt.Errorf("%w: secret %s", teamvault.ErrNotFound, updated.ID)
	}
	if err := checkVersion(secret, expectedVersion, "ReplaceSecret"); err != nil {
		return err
	}
	m.secrets[updated.ID] = updated.Clone()
	return nil
}

func (m *MemoryStore) DeleteSecret(ctx context.Context, secretID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[secretID]; !ok {
		return fmt.Errorf("%w: secret %s", teamvault.ErrNotFound, secretID)
	}
	delete(m.secrets, secretID)
	return nil
}

func (m *MemoryStore) ListSecretsDueForRotation(ctx context.Context, now time.Time) ([]*teamvault.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*teamvault.Secret
	for _, s := range m.secrets {
		if dueForRotation(s, now) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) PruneExpiredKeyVersions(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for _, s := range m.secrets {
		if pruneKeyVersions(s, cutoff) {
			pruned++
		}
	}
	return pruned, nil
}

func (m *MemoryStore) InsertCertificate(ctx context.Context, cert *teamvault.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.certs[cert.SerialNumber]; exists {
		return teamvault.ErrDuplicateSerial
	}
	m.certs[cert.SerialNumber] = cert.Clone()
	return nil
}

func (m *MemoryStore) GetCertificateBySerial(ctx context.Context, serialNumber string) (*teamvault.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cert, ok := m.certs[serialNumber]
	if !ok {
		return nil, fmt.Errorf("%w: certificate %s", teamvault.ErrNotFound, serialNumber)
	}
	return cert.Clone(), nil
}

func (m *MemoryStore) GetValidCertificateForUser(ctx context.Context, userID string) (*teamvault.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cert := range m.certs {
		if cert.UserID == userID && cert.Status == teamvault.CertStatusValid {
			return cert.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no valid certificate for user %s", teamvault.ErrNotFound, userID)
}

func (m *MemoryStore) UpdateCertificateStatus(ctx context.Context, serialNumber string, status teamvault.CertificateStatus, reason string, revokedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cert, ok := m.certs[serialNumber]
	if !ok {
		return fmt.Errorf("%w: certificate %s", teamvault.ErrNotFound, serialNumber)
	}
	applyCertStatus(cert, status, reason, revokedAt)
	return nil
}

func (m *MemoryStore) MarkExpiredCertificates(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, cert := range m.certs {
		if certExpired(cert, now) {
			cert.Status = teamvault.CertStatusExpired
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) GetType() string {
	return "memory"
}
