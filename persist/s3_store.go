package persist

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"southwinds.dev/teamvault"
)

// S3Config holds the connection settings for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
}

// S3Store persists records as JSON objects in an S3-compatible bucket:
//
//	<prefix>/users/<id>.json
//	<prefix>/emails/<sha256(email)>.json
//	<prefix>/secrets/<id>.json
//	<prefix>/certificates/<serial>.json
//
// S3 has no compare-and-swap, so a process-wide mutex serializes mutations.
// That upholds the Store contract for a single vault process against the
// bucket; running several writers concurrently needs a backend with real
// transactions.
type S3Store struct {
	client    *minio.Client
	bucket    string
	keyPrefix string
	mu        sync.Mutex
}

// NewS3Store connects to the endpoint and ensures the bucket exists.
func NewS3Store(ctx context.Context, config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket cannot be empty")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	store := &S3Store{
		client:    client,
		bucket:    config.Bucket,
		keyPrefix: strings.Trim(config.KeyPrefix, "/"),
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err = client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return store, nil
}

func (s *S3Store) objectName(parts ...string) string {
	if s.keyPrefix != "" {
		parts = append([]string{s.keyPrefix}, parts...)
	}
	return path.Join(parts...)
}

func (s *S3Store) userObject(id string) string { return s.objectName("users", id+".json") }

func (s *S3Store) emailObject(email string) string {
	sum := sha256.Sum256([]byte(email))
	return s.objectName("emails", hex.EncodeToString(sum[:])+".json")
}

func (s *S3Store) secretObject(id string) string { return s.objectName("secrets", id+".json") }

func (s *S3Store) certObject(serial string) string {
	return s.objectName("certificates", serial+".json")
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *S3Store) getObject(ctx context.Context, name string, v interface{}) error {
	object, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to get object %s: %w", name, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNoSuchKey(err) {
			return teamvault.ErrNotFound
		}
		return fmt.Errorf("failed to read object %s: %w", name, err)
	}
	if err = json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("corrupted record %s: %w", name, err)
	}
	return nil
}

func (s *S3Store) putObject(ctx context.Context, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, name,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", name, err)
	}
	return nil
}

func (s *S3Store) objectExists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s: %w", name, err)
	}
	return true, nil
}

func (s *S3Store) InsertUser(ctx context.Context, user *teamvault.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	taken, err := s.objectExists(ctx, s.emailObject(user.Email))
	if err != nil {
		return err
	}
	if taken {
		return teamvault.ErrDuplicateEmail
	}
	if err = s.putObject(ctx, s.userObject(user.ID), user); err != nil {
		return err
	}
	return s.putObject(ctx, s.emailObject(user.Email), emailIndexEntry{UserID: user.ID})
}

func (s *S3Store) GetUser(ctx context.Context, userID string) (*teamvault.User, error) {
	var user teamvault.User
	if err := s.getObject(ctx, s.userObject(userID), &user); err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	return &user, nil
}

func (s *S3Store) GetUserByEmail(ctx context.Context, email string) (*teamvault.User, error) {
	var idx emailIndexEntry
	if err := s.getObject(ctx, s.emailObject(email), &idx); err != nil {
		return nil, fmt.Errorf("email lookup: %w", err)
	}
	return s.GetUser(ctx, idx.UserID)
}

func (s *S3Store) UpdateUserIntegrity(ctx context.Context, userID string, secretsVersion int64, checksum string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var user teamvault.User
	if err := s.getObject(ctx, s.userObject(userID), &user); err != nil {
		return fmt.Errorf("user %s: %w", userID, err)
	}
	user.SecretsVersion = secretsVersion
	user.CollectionChecksum = checksum
	user.LastChecksumUpdate = &at
	return s.putObject(ctx, s.userObject(userID), &user)
}

func (s *S3Store) InsertSecret(ctx context.Context, secret *teamvault.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	taken, err := s.objectExists(ctx, s.secretObject(secret.ID))
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: secret %s", teamvault.ErrConflict, secret.ID)
	}
	return s.putObject(ctx, s.secretObject(secret.ID), secret)
}

func (s *S3Store) GetSecret(ctx context.Context, secretID string) (*teamvault.Secret, error) {
	var secret teamvault.Secret
	if err := s.getObject(ctx, s.secretObject(secretID), &secret); err != nil {
		return nil, fmt.Errorf("secret %s: %w", secretID, err)
	}
	return &secret, nil
}

// forEachSecret streams every secret object through fn.
func (s *S3Store) forEachSecret(ctx context.Context, fn func(*teamvault.Secret)) error {
	prefix := s.objectName("secrets") + "/"
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return fmt.Errorf("failed to list secrets: %w", object.Err)
		}
		var secret teamvault.Secret
		if err := s.getObject(ctx, object.Key, &secret); err != nil {
			continue // skip unreadable record
		}
		fn(&secret)
	}
	return nil
}

func (s *S3Store) ListSecretsForUser(ctx context.Context, userID string) ([]*teamvault.Secret, error) {
	var out []*teamvault.Secret
	err := s.forEachSecret(ctx, func(sec *teamvault.Secret) {
		if hasEntryFor(sec, userID) {
			out = append(out, sec)
		}
	})
	return out, err
}

func (s *S3Store) mutateSecret(ctx context.Context, secretID string, fn func(*teamvault.Secret) error) (*teamvault.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var secret teamvault.Secret
	if err := s.getObject(ctx, s.secretObject(secretID), &secret); err != nil {
		return nil, fmt.Errorf("secret %s: %w", secretID, err)
	}
	if err := fn(&secret); err != nil {
		return nil, err
	}
	if err := s.putObject(ctx, s.secretObject(secretID), &secret); err != nil {
		return nil, err
	}
	return &secret, nil
}

func (s *S3Store) AppendAccessEntry(ctx context.Context, secretID string, entry teamvault.AccessEntry) (*teamvault.Secret, error) {
	return s.mutateSecret(ctx, secretID, func(sec *teamvault.Secret) error {
		return applyAppendAccessEntry(sec, entry)
	})
}

func (s *S3Store) UpdateSecretData(ctx context.Context, secretID string, data teamvault.EncryptedPayload, expectedVersion, newVersion int64, checksum string) error {
	_, err := s.mutateSecret(ctx, secretID, func(sec *teamvault.Secret) error {
		return applyUpdateSecretData(sec, data, expectedVersion, newVersion, checksum)
	})
	return err
}

func (s *S3Store) UpdateSecretChecksum(ctx context.Context, secretID string, expectedVersion int64, checksum string) error {
	_, err := s.mutateSecret(ctx, secretID, func(sec *teamvault.Secret) error {
		return applyUpdateSecretChecksum(sec, expectedVersion, checksum)
	})
	return err
}

func (s *S3Store) ReplaceSecret(ctx context.Context, updated *teamvault.Secret, expectedVersion int64) error {
	_, err := s.mutateSecret(ctx, updated.ID, func(sec *teamvault.Secret) error {
		if err := checkVersion(sec, expectedVersion, "ReplaceSecret"); err != nil {
			return err
		}
		*sec = *updated.Clone()
		return nil
	})
	return err
}

func (s *S3Store) DeleteSecret(ctx context.Context, secretID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found, err := s.objectExists(ctx, s.secretObject(secretID))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: secret %s", teamvault.ErrNotFound, secretID)
	}
	if err = s.client.RemoveObject(ctx, s.bucket, s.secretObject(secretID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove secret object: %w", err)
	}
	return nil
}

func (s *S3Store) ListSecretsDueForRotation(ctx context.Context, now time.Time) ([]*teamvault.Secret, error) {
	var out []*teamvault.Secret
	err := s.forEachSecret(ctx, func(sec *teamvault.Secret) {
		if dueForRotation(sec, now) {
			out = append(out, sec)
		}
	})
	return out, err
}

func (s *S3Store) PruneExpiredKeyVersions(ctx context.Context, cutoff time.Time) (int, error) {
	var ids []string
	if err := s.forEachSecret(ctx, func(sec *teamvault.Secret) {
		ids = append(ids, sec.ID)
	}); err != nil {
		return 0, err
	}

	pruned := 0
	for _, id := range ids {
		changed := false
		_, err := s.mutateSecret(ctx, id, func(sec *teamvault.Secret) error {
			changed = pruneKeyVersions(sec, cutoff)
			return nil
		})
		if err != nil {
			return pruned, err
		}
		if changed {
			pruned++
		}
	}
	return pruned, nil
}

func (s *S3Store) InsertCertificate(ctx context.Context, cert *teamvault.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	taken, err := s.objectExists(ctx, s.certObject(cert.SerialNumber))
	if err != nil {
		return err
	}
	if taken {
		return teamvault.ErrDuplicateSerial
	}
	return s.putObject(ctx, s.certObject(cert.SerialNumber), cert)
}

func (s *S3Store) GetCertificateBySerial(ctx context.Context, serialNumber string) (*teamvault.Certificate, error) {
	var cert teamvault.Certificate
	if err := s.getObject(ctx, s.certObject(serialNumber), &cert); err != nil {
		return nil, fmt.Errorf("certificate %s: %w", serialNumber, err)
	}
	return &cert, nil
}

func (s *S3Store) forEachCertificate(ctx context.Context, fn func(*teamvault.Certificate)) error {
	prefix := s.objectName("certificates") + "/"
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return fmt.Errorf("failed to list certificates: %w", object.Err)
		}
		var cert teamvault.Certificate
		if err := s.getObject(ctx, object.Key, &cert); err != nil {
			continue
		}
		fn(&cert)
	}
	return nil
}

func (s *S3Store) GetValidCertificateForUser(ctx context.Context, userID string) (*teamvault.Certificate, error) {
	var found *teamvault.Certificate
	err := s.forEachCertificate(ctx, func(cert *teamvault.Certificate) {
		if found == nil && cert.UserID == userID && cert.Status == teamvault.CertStatusValid {
			found = cert
		}
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no valid certificate for user %s", teamvault.ErrNotFound, userID)
	}
	return found, nil
}

func (s *S3Store) UpdateCertificateStatus(ctx context.Context, serialNumber string, status teamvault.CertificateStatus, reason string, revokedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cert teamvault.Certificate
	if err := s.getObject(ctx, s.certObject(serialNumber), &cert); err != nil {
		return fmt.Errorf("certificate %s: %w", serialNumber, err)
	}
	applyCertStatus(&cert, status, reason, revokedAt)
	return s.putObject(ctx, s.certObject(serialNumber), &cert)
}

func (s *S3Store) MarkExpiredCertificates(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*teamvault.Certificate
	if err := s.forEachCertificate(ctx, func(cert *teamvault.Certificate) {
		if certExpired(cert, now) {
			expired = append(expired, cert)
		}
	}); err != nil {
		return 0, err
	}

	count := 0
	for _, cert := range expired {
		cert.Status = teamvault.CertStatusExpired
		if err := s.putObject(ctx, s.certObject(cert.SerialNumber), cert); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("S3 endpoint unreachable: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) GetType() string {
	return "s3"
}
