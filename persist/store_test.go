package persist

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/teamvault"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	assert.Equal(t, "memory", store.GetType())
	testStoreImplementation(t, store)
}

func TestFileSystemStore(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, "filesystem", store.GetType())
	testStoreImplementation(t, store)
}

func TestBadgerStore(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, "badger", store.GetType())
	testStoreImplementation(t, store)
}

func TestStoreFactory(t *testing.T) {
	ctx := context.Background()

	t.Run("Memory", func(t *testing.T) {
		store, err := NewStore(ctx, StoreConfig{Type: StoreTypeMemory})
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, "memory", store.GetType())
	})

	t.Run("Filesystem", func(t *testing.T) {
		store, err := NewStore(ctx, StoreConfig{
			Type:   StoreTypeFileSystem,
			Config: map[string]interface{}{"path": t.TempDir()},
		})
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, "filesystem", store.GetType())
	})

	t.Run("Badger", func(t *testing.T) {
		store, err := NewStore(ctx, StoreConfig{
			Type:   StoreTypeBadger,
			Config: map[string]interface{}{"path": t.TempDir()},
		})
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, "badger", store.GetType())
	})

	t.Run("FilesystemRequiresPath", func(t *testing.T) {
		_, err := NewStore(ctx, StoreConfig{Type: StoreTypeFileSystem})
		assert.Error(t, err)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := NewStore(ctx, StoreConfig{Type: StoreType("cassette-tape")})
		assert.Error(t, err)
	})
}

func newTestUser(email string) *teamvault.User {
	return &teamvault.User{
		ID:        uuid.NewString(),
		Email:     email,
		AuthHash:  "deadbeef",
		PublicKey: teamvault.JWK{Kty: "EC", Crv: "P-384", X: "x", Y: "y"},
		Salt:      "00112233445566778899aabbccddeeff",
		CreatedAt: time.Now().UTC(),
	}
}

func newTestSecret(ownerID string) *teamvault.Secret {
	now := time.Now().UTC()
	return &teamvault.Secret{
		ID:      uuid.NewString(),
		Name:    "test-secret",
		OwnerID: ownerID,
		EncryptedData: teamvault.EncryptedPayload{
			Nonce:      "000102030405060708090a0b",
			Ciphertext: "deadbeefcafe",
		},
		AccessList: []teamvault.AccessEntry{{
			UserID:      ownerID,
			Role:        teamvault.RoleOwner,
			Permissions: teamvault.Permissions{CanRead: true, CanEdit: true, CanShare: true, CanDelete: true},
			GrantedAt:   now,
			GrantedBy:   ownerID,
		}},
		Version:        1,
		Checksum:       "c0ffee",
		KeyVersions:    []teamvault.KeyVersion{{Version: 1, CreatedAt: now}},
		CurrentVersion: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newTestCertificate(userID string) *teamvault.Certificate {
	now := time.Now().UTC()
	return &teamvault.Certificate{
		UserID:       userID,
		PublicKey:    teamvault.JWK{Kty: "EC", Crv: "P-384", X: "x", Y: "y"},
		IssuedAt:     now,
		ExpiresAt:    now.AddDate(0, 0, 365),
		SerialNumber: uuid.NewString(),
		Signature:    "00ff",
		Status:       teamvault.CertStatusValid,
	}
}

// testStoreImplementation exercises the full Store contract against one
// backend. Every backend must pass identically.
func testStoreImplementation(t *testing.T, store teamvault.Store) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})

	t.Run("Users", func(t *testing.T) {
		user := newTestUser(fmt.Sprintf("%s@example.com", uuid.NewString()))
		require.NoError(t, store.InsertUser(ctx, user))

		got, err := store.GetUser(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, user.Email, got.Email)
		assert.Equal(t, user.AuthHash, got.AuthHash)

		got, err = store.GetUserByEmail(ctx, user.Email)
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)

		// Duplicate email is a conflict even under a different ID.
		dup := newTestUser(user.Email)
		err = store.InsertUser(ctx, dup)
		require.Error(t, err)
		assert.True(t, errors.Is(err, teamvault.ErrDuplicateEmail))

		_, err = store.GetUser(ctx, "missing")
		assert.True(t, errors.Is(err, teamvault.ErrNotFound))
		_, err = store.GetUserByEmail(ctx, "missing@example.com")
		assert.True(t, errors.Is(err, teamvault.ErrNotFound))

		// Integrity fields update without touching anything else.
		at := time.Now().UTC()
		require.NoError(t, store.UpdateUserIntegrity(ctx, user.ID, 7, "abc123", at))
		got, err = store.GetUser(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(7), got.SecretsVersion)
		assert.Equal(t, "abc123", got.CollectionChecksum)
		require.NotNil(t, got.LastChecksumUpdate)
		assert.Equal(t, user.AuthHash, got.AuthHash)
	})

	t.Run("SecretLifecycle", func(t *testing.T) {
		owner := newTestUser(fmt.Sprintf("%s@example.com", uuid.NewString()))
		require.NoError(t, store.InsertUser(ctx, owner))

		secret := newTestSecret(owner.ID)
		require.NoError(t, store.InsertSecret(ctx, secret))

		got, err := store.GetSecret(ctx, secret.ID)
		require.NoError(t, err)
		assert.Equal(t, secret.Name, got.Name)
		assert.Equal(t, int64(1), got.Version)

		listed, err := store.ListSecretsForUser(ctx, owner.ID)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, secret.ID, listed[0].ID)

		listed, err = store.ListSecretsForUser(ctx, "stranger")
		require.NoError(t, err)
		assert.Empty(t, listed)

		_, err = store.GetSecret(ctx, "missing")
		assert.True(t, errors.Is(err, teamvault.ErrNotFound))
	})

	t.Run("AppendAccessEntry", func(t *testing.T) {
		owner := newTestUser(fmt.Sprintf("%s@example.com", uuid.NewString()))
		require.NoError(t, store.InsertUser(ctx, owner))
		secret := newTestSecret(owner.ID)
		require.NoError(t, store.InsertSecret(ctx, secret))

		entry := teamvault.AccessEntry{
			UserID:      "recipient-1",
			Role:        teamvault.RoleViewer,
			Permissions: teamvault.Permissions{CanRead: true},
			GrantedAt:   time.Now().UTC(),
			GrantedBy:   owner.ID,
		}

		post, err := store.AppendAccessEntry(ctx, secret.ID, entry)
		require.NoError(t, err)
		assert.Equal(t, secret.Version+1, post.Version, "append must bump the version atomically")
		require.Len(t, post.AccessList, 2)
		assert.Equal(t, "recipient-1", post.AccessList[1].UserID)

		// Appending the same user again is rejected.
		_, err = store.AppendAccessEntry(ctx, secret.ID, entry)
		require.Error(t, err)
		assert.True(t, errors.Is(err, teamvault.ErrAlreadyShared))

		_, err = store.AppendAccessEntry(ctx, "missing", entry)
		assert.True(t, errors.Is(err, teamvault.ErrNotFound))
	})

	t.Run("OptimisticVersionChecks", func(t *testing.T) {
		owner := newTestUser(fmt.Sprintf("%s@example.com", uuid.NewString()))
		require.NoError(t, store.InsertUser(ctx, owner))
		secret := newTestSecret(owner.ID)
		require.NoError(t, store.InsertSecret(ctx, secret))

		newData := teamvault.EncryptedPayload{Nonce: "0b0a090807060504030201ff", Ciphertext: "feedface"}

		// A stale expected version fails with a ConcurrencyError and
		// leaves the record untouched.
		err := store.UpdateSecretData(ctx, secret.ID, newData, 99, 100, "new-checksum")
		require.Error(t, err)
		assert.True(t, teamvault.IsConcurrencyError(err))
		unchanged, err := store.GetSecret(ctx, secret.ID)
		require.NoError(t, err)
		assert.Equal(t, secret.EncryptedData.Ciphertext, unchanged.EncryptedData.Ciphertext)
		assert.Equal(t, int64(1), unchanged.Version)

		// The matching version succeeds.
		require.NoError(t, store.UpdateSecretData(ctx, secret.ID, newData, 1, 2, "new-checksum"))
		got, err := store.GetSecret(ctx, secret.ID)
		require.NoError(t, err)
		assert.Equal(t, "feedface", got.EncryptedData.Ciphertext)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, "new-checksum", got.Checksum)

		// Checksum-only update keeps payload and version.
		require.NoError(t, store.UpdateSecretChecksum(ctx, secret.ID, 2, "resynced"))
		got, err = store.GetSecret(ctx, secret.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, "resynced", got.Checksum)
		err = store.UpdateSecretChecksum(ctx, secret.ID, 1, "stale")
		assert.True(t, teamvault.IsConcurrencyError(err))

		// Whole-record replace under the same guard.
		replacement := got.Clone()
		replacement.Name = "renamed"
		replacement.Version = 3
		require.NoError(t, store.ReplaceSecret(ctx, replacement, 2))
		got, err = store.GetSecret(ctx, secret.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		err = store.ReplaceSecret(ctx, replacement, 2)
		assert.True(t, teamvault.IsConcurrencyError(err))
	})

	t.Run("DeleteSecret", func(t *testing.T) {
		owner := newTestUser(fmt.Sprintf("%s@example.com", uuid.NewString()))
		require.NoError(t, store.InsertUser(ctx, owner))
		secret := newTestSecret(owner.ID)
		require.NoError(t, store.InsertSecret(ctx, secret))

		require.NoError(t, store.DeleteSecret(ctx, secret.ID))
		_, err := store.GetSecret(ctx, secret.ID)
		assert.True(t, errors.Is(err, teamvault.ErrNotFound))
		err = store.DeleteSecret(ctx, secret.ID)
		assert.True(t, errors.Is(err, teamvault.ErrNotFound))
	})

	t.Run("RotationQueries", func(t *testing.T) {
		owner := newTestUser(fmt.Sprintf("%s@example.com", uuid.NewString()))
		require.NoError(t, store.InsertUser(ctx, owner))

		now := time.Now().UTC()
		past := now.Add(-time.Hour)
		future := now.Add(time.Hour)

		due := newTestSecret(owner.ID)
		due.RotationPolicy = teamvault.RotationPolicy{AutoRotate: true, NextRotation: &past}
		require.NoError(t, store.InsertSecret(ctx, due))

		notYet := newTestSecret(owner.ID)
		notYet.RotationPolicy = teamvault.RotationPolicy{AutoRotate: true, NextRotation: &future}
		require.NoError(t, store.InsertSecret(ctx, notYet))

		manual := newTestSecret(owner.ID)
		require.NoError(t, store.InsertSecret(ctx, manual))

		dueList, err := store.ListSecretsDueForRotation(ctx, now)
		require.NoError(t, err)
		ids := make([]string, len(dueList))
		for i, s := range dueList {
			ids[i] = s.ID
		}
		assert.Contains(t, ids, due.ID)
		assert.NotContains(t, ids, notYet.ID)
		assert.NotContains(t, ids, manual.ID)
	})

	t.Run("PruneExpiredKeyVersions", func(t *testing.T) {
		owner := newTestUser(fmt.Sprintf("%s@example.com", uuid.NewString()))
		require.NoError(t, store.InsertUser(ctx, owner))

		now := time.Now().UTC()
		past := now.Add(-time.Hour)
		secret := newTestSecret(owner.ID)
		secret.CurrentVersion = 2
		secret.KeyVersions = []teamvault.KeyVersion{
			{Version: 1, CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: &past},
			{Version: 2, CreatedAt: now},
		}
		require.NoError(t, store.InsertSecret(ctx, secret))

		pruned, err := store.PruneExpiredKeyVersions(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, pruned)

		got, err := store.GetSecret(ctx, secret.ID)
		require.NoError(t, err)
		require.Len(t, got.KeyVersions, 1)
		assert.Equal(t, 2, got.KeyVersions[0].Version)

		// Nothing left to prune on the second pass.
		pruned, err = store.PruneExpiredKeyVersions(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 0, pruned)
	})

	t.Run("Certificates", func(t *testing.T) {
		owner := newTestUser(fmt.Sprintf("%s@example.com", uuid.NewString()))
		require.NoError(t, store.InsertUser(ctx, owner))

		cert := newTestCertificate(owner.ID)
		require.NoError(t, store.InsertCertificate(ctx, cert))

		// Serial uniqueness.
		dup := newTestCertificate(owner.ID)
		dup.SerialNumber = cert.SerialNumber
		err := store.InsertCertificate(ctx, dup)
		require.Error(t, err)
		assert.True(t, errors.Is(err, teamvault.ErrDuplicateSerial))

		got, err := store.GetCertificateBySerial(ctx, cert.SerialNumber)
		require.NoError(t, err)
		assert.Equal(t, owner.ID, got.UserID)
		_, err = store.GetCertificateBySerial(ctx, "missing")
		assert.True(t, errors.Is(err, teamvault.ErrNotFound))

		valid, err := store.GetValidCertificateForUser(ctx, owner.ID)
		require.NoError(t, err)
		assert.Equal(t, cert.SerialNumber, valid.SerialNumber)

		// Revocation flips status and stamps the revocation fields; the
		// user then holds no valid certificate.
		revokedAt := time.Now().UTC()
		require.NoError(t, store.UpdateCertificateStatus(ctx, cert.SerialNumber,
			teamvault.CertStatusRevoked, "compromised", &revokedAt))
		got, err = store.GetCertificateBySerial(ctx, cert.SerialNumber)
		require.NoError(t, err)
		assert.Equal(t, teamvault.CertStatusRevoked, got.Status)
		assert.Equal(t, "compromised", got.RevocationReason)
		require.NotNil(t, got.RevokedAt)

		_, err = store.GetValidCertificateForUser(ctx, owner.ID)
		assert.True(t, errors.Is(err, teamvault.ErrNotFound))
	})

	t.Run("MarkExpiredCertificates", func(t *testing.T) {
		owner := newTestUser(fmt.Sprintf("%s@example.com", uuid.NewString()))
		require.NoError(t, store.InsertUser(ctx, owner))

		cert := newTestCertificate(owner.ID)
		cert.ExpiresAt = time.Now().UTC().Add(-time.Hour)
		require.NoError(t, store.InsertCertificate(ctx, cert))

		count, err := store.MarkExpiredCertificates(ctx, time.Now().UTC())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, count, 1)

		got, err := store.GetCertificateBySerial(ctx, cert.SerialNumber)
		require.NoError(t, err)
		assert.Equal(t, teamvault.CertStatusExpired, got.Status)
	})
}
