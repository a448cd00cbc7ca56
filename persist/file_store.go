package persist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"southwinds.dev/teamvault"
	"southwinds.dev/teamvault/internal/misc"
)

// FileSystemStore keeps each record as a JSON file under a base directory:
//
//	<base>/users/<id>.json
//	<base>/emails/<sha256(email)>.json   (email -> user ID index)
//	<base>/secrets/<id>.json
//	<base>/certificates/<serial>.json
//
// A process-wide mutex serializes mutations, which together with
// write-to-temp-then-rename gives the atomicity the Store contract needs
// for a single-process deployment. Multiple processes over the same
// directory are not supported.
type FileSystemStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewFileSystemStore creates the directory layout if needed.
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	for _, dir := range []string{"users", "emails", "secrets", "certificates"} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), misc.DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &FileSystemStore{basePath: basePath}, nil
}

func (f *FileSystemStore) userPath(id string) string {
	return filepath.Join(f.basePath, "users", id+".json")
}

func (f *FileSystemStore) emailPath(email string) string {
	sum := sha256.Sum256([]byte(email))
	return filepath.Join(f.basePath, "emails", hex.EncodeToString(sum[:])+".json")
}

func (f *FileSystemStore) secretPath(id string) string {
	return filepath.Join(f.basePath, "secrets", id+".json")
}

func (f *FileSystemStore) certPath(serial string) string {
	return filepath.Join(f.basePath, "certificates", serial+".json")
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return teamvault.ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err = json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("corrupted record %s: %w", path, err)
	}
	return nil
}

// writeJSON writes via a temp file and rename so readers never see a
// partial record.
func writeJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, misc.FilePermissions); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

type emailIndexEntry struct {
	UserID string `json:"user_id"`
}

func (f *FileSystemStore) InsertUser(ctx context.Context, user *teamvault.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.emailPath(user.Email)); err == nil {
		return teamvault.ErrDuplicateEmail
	}
	if err := writeJSON(f.userPath(user.ID), user); err != nil {
		return err
	}
	return writeJSON(f.emailPath(user.Email), emailIndexEntry{UserID: user.ID})
}

func (f *FileSystemStore) GetUser(ctx context.Context, userID string) (*teamvault.User, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var user teamvault.User
	if err := readJSON(f.userPath(userID), &user); err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	return &user, nil
}

func (f *FileSystemStore) GetUserByEmail(ctx context.Context, email string) (*teamvault.User, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var idx emailIndexEntry
	if err := readJSON(f.emailPath(email), &idx); err != nil {
		return nil, fmt.Errorf("email lookup: %w", err)
	}
	var user teamvault.User
	if err := readJSON(f.userPath(idx.UserID), &user); err != nil {
		return nil, fmt.Errorf("user %s: %w", idx.UserID, err)
	}
	return &user, nil
}

func (f *FileSystemStore) UpdateUserIntegrity(ctx context.Context, userID string, secretsVersion int64, checksum string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var user teamvault.User
	if err := readJSON(f.userPath(userID), &user); err != nil {
		return fmt.Errorf("user %s: %w", userID, err)
	}
	user.SecretsVersion = secretsVersion
	user.CollectionChecksum = checksum
	user.LastChecksumUpdate = &at
	return writeJSON(f.userPath(userID), &user)
}

func (f *FileSystemStore) InsertSecret(ctx context.Context, secret *teamvault.Secret) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.secretPath(secret.ID)); err == nil {
		return fmt.Errorf("%w: secret %s", teamvault.ErrConflict, secret.ID)
	}
	return writeJSON(f.secretPath(secret.ID), secret)
}

func (f *FileSystemStore) GetSecret(ctx context.Context, secretID string) (*teamvault.Secret, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loadSecret(secretID)
}

func (f *FileSystemStore) loadSecret(secretID string) (*teamvault.Secret, error) {
	var secret teamvault.Secret
	if err := readJSON(f.secretPath(secretID), &secret); err != nil {
		return nil, fmt.Errorf("secret %s: %w", secretID, err)
	}
	return &secret, nil
}

func (f *FileSystemStore) ListSecretsForUser(ctx context.Context, userID string) ([]*teamvault.Secret, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*teamvault.Secret
	err := f.forEachSecret(func(s *teamvault.Secret) {
		if hasEntryFor(s, userID) {
			out = append(out, s)
		}
	})
	return out, err
}

func (f *FileSystemStore) forEachSecret(fn func(*teamvault.Secret)) error {
	entries, err := os.ReadDir(filepath.Join(f.basePath, "secrets"))
	if err != nil {
		return fmt.Errorf("failed to scan secrets: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var secret teamvault.Secret
		if err := readJSON(filepath.Join(f.basePath, "secrets", entry.Name()), &secret); err != nil {
			// Skip partially written leftovers rather than failing the scan.
			continue
		}
		fn(&secret)
	}
	return nil
}

// mutateSecret runs load-mutate-save under the write lock.
func (f *FileSystemStore) mutateSecret(secretID string, fn func(*teamvault.Secret) error) (*teamvault.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	secret, err := f.loadSecret(secretID)
	if err != nil {
		return nil, err
	}
	if err = fn(secret); err != nil {
		return nil, err
	}
	if err = writeJSON(f.secretPath(secretID), secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func (f *FileSystemStore) AppendAccessEntry(ctx context.Context, secretID string, entry teamvault.AccessEntry) (*teamvault.Secret, error) {
	return f.mutateSecret(secretID, func(s *teamvault.Secret) error {
		return applyAppendAccessEntry(s, entry)
	})
}

func (f *FileSystemStore) UpdateSecretData(ctx context.Context, secretID string, data teamvault.EncryptedPayload, expectedVersion, newVersion int64, checksum string) error {
	_, err := f.mutateSecret(secretID, func(s *teamvault.Secret) error {
		return applyUpdateSecretData(s, data, expectedVersion, newVersion, checksum)
	})
	return err
}

func (f *FileSystemStore) UpdateSecretChecksum(ctx context.Context, secretID string, expectedVersion int64, checksum string) error {
	_, err := f.mutateSecret(secretID, func(s *teamvault.Secret) error {
		return applyUpdateSecretChecksum(s, expectedVersion, checksum)
	})
	return err
}

func (f *FileSystemStore) ReplaceSecret(ctx context.Context, updated *teamvault.Secret, expectedVersion int64) error {
	_, err := f.mutateSecret(updated.ID, func(s *teamvault.Secret) error {
		if err := checkVersion(s, expectedVersion, "ReplaceSecret"); err != nil {
			return err
		}
		*s = *updated.Clone()
		return nil
	})
	return err
}

func (f *FileSystemStore) DeleteSecret(ctx context.Context, secretID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.secretPath(secretID))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: secret %s", teamvault.ErrNotFound, secretID)
	}
	return err
}

func (f *FileSystemStore) ListSecretsDueForRotation(ctx context.Context, now time.Time) ([]*teamvault.Secret, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*teamvault.Secret
	err := f.forEachSecret(func(s *teamvault.Secret) {
		if dueForRotation(s, now) {
			out = append(out, s)
		}
	})
	return out, err
}

func (f *FileSystemStore) PruneExpiredKeyVersions(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	if err := f.forEachSecret(func(s *teamvault.Secret) {
		ids = append(ids, s.ID)
	}); err != nil {
		return 0, err
	}

	pruned := 0
	for _, id := range ids {
		secret, err := f.loadSecret(id)
		if err != nil {
			continue
		}
		if pruneKeyVersions(secret, cutoff) {
			if err = writeJSON(f.secretPath(id), secret); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

func (f *FileSystemStore) InsertCertificate(ctx context.Context, cert *teamvault.Certificate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.certPath(cert.SerialNumber)); err == nil {
		return teamvault.ErrDuplicateSerial
	}
	return writeJSON(f.certPath(cert.SerialNumber), cert)
}

func (f *FileSystemStore) GetCertificateBySerial(ctx context.Context, serialNumber string) (*teamvault.Certificate, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var cert teamvault.Certificate
	if err := readJSON(f.certPath(serialNumber), &cert); err != nil {
		return nil, fmt.Errorf("certificate %s: %w", serialNumber, err)
	}
	return &cert, nil
}

func (f *FileSystemStore) GetValidCertificateForUser(ctx context.Context, userID string) (*teamvault.Certificate, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(f.basePath, "certificates"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan certificates: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var cert teamvault.Certificate
		if err := readJSON(filepath.Join(f.basePath, "certificates", entry.Name()), &cert); err != nil {
			continue
		}
		if cert.UserID == userID && cert.Status == teamvault.CertStatusValid {
			return &cert, nil
		}
	}
	return nil, fmt.Errorf("%w: no valid certificate for user %s", teamvault.ErrNotFound, userID)
}

func (f *FileSystemStore) UpdateCertificateStatus(ctx context.Context, serialNumber string, status teamvault.CertificateStatus, reason string, revokedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cert teamvault.Certificate
	if err := readJSON(f.certPath(serialNumber), &cert); err != nil {
		return fmt.Errorf("certificate %s: %w", serialNumber, err)
	}
	applyCertStatus(&cert, status, reason, revokedAt)
	return writeJSON(f.certPath(serialNumber), &cert)
}

func (f *FileSystemStore) MarkExpiredCertificates(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(f.basePath, "certificates"))
	if err != nil {
		return 0, fmt.Errorf("failed to scan certificates: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(f.basePath, "certificates", entry.Name())
		var cert teamvault.Certificate
		if err := readJSON(path, &cert); err != nil {
			continue
		}
		if certExpired(&cert, now) {
			cert.Status = teamvault.CertStatusExpired
			if err = writeJSON(path, &cert); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func (f *FileSystemStore) Ping(ctx context.Context) error {
	_, err := os.Stat(f.basePath)
	if err != nil {
		return fmt.Errorf("store directory unavailable: %w", err)
	}
	return nil
}

func (f *FileSystemStore) Close() error {
	return nil
}

func (f *FileSystemStore) GetType() string {
	return "filesystem"
}
