package teamvault_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/teamvault"
	"southwinds.dev/teamvault/persist"
)

// newTestVault builds a vault over an in-memory store with an on-disk CA
// signing key under the test's temp dir.
func newTestVault(t *testing.T) *teamvault.Vault {
	t.Helper()
	v, err := teamvault.New(teamvault.Options{
		SigningKeyPath: filepath.Join(t.TempDir(), "ca.key"),
	}, persist.NewMemoryStore())
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func registerUser(t *testing.T, v *teamvault.Vault, email string) *teamvault.Session {
	t.Helper()
	session, err := v.Auth.Register(context.Background(), email, "a strong passphrase")
	require.NoError(t, err)
	t.Cleanup(session.Close)
	return session
}

func TestVaultAssembly(t *testing.T) {
	v := newTestVault(t)

	assert.NotNil(t, v.Auth)
	assert.NotNil(t, v.Secrets)
	assert.NotNil(t, v.Integrity)
	assert.NotNil(t, v.Rotation)
	assert.NotNil(t, v.CA)

	require.NoError(t, v.Store().Ping(context.Background()))
	assert.Equal(t, "memory", v.Store().GetType())
}

func TestVaultRequiresStore(t *testing.T) {
	_, err := teamvault.New(teamvault.Options{}, nil)
	assert.Error(t, err)
}

func TestCASigningKeySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	keyPath := filepath.Join(t.TempDir(), "ca.key")
	store := persist.NewMemoryStore()

	v1, err := teamvault.New(teamvault.Options{SigningKeyPath: keyPath}, store)
	require.NoError(t, err)

	alice := registerUser(t, v1, "alice@example.com")
	cert, err := v1.CA.IssueCertificate(ctx, alice.UserID)
	require.NoError(t, err)
	require.NoError(t, v1.Close())

	// A second vault over the same key file must still verify the
	// certificate the first one issued.
	v2, err := teamvault.New(teamvault.Options{SigningKeyPath: keyPath}, store)
	require.NoError(t, err)
	defer v2.Close()

	result, _, err := v2.CA.VerifyCertificate(ctx, cert.SerialNumber)
	require.NoError(t, err)
	assert.True(t, result.Valid, "reason: %s", result.Reason)
	assert.Equal(t, v1.CA.PublicKey(), v2.CA.PublicKey())
}

// TestTeamFlow walks the whole collaboration story through the public API:
// registration, login, secret creation, sharing read-only, the viewer
// permission wall, deletion and the revocation notification.
func TestTeamFlow(t *testing.T) {
	ctx := context.Background()
	notifier := teamvault.NewChanNotifier(16)
	v, err := teamvault.New(teamvault.Options{
		Notifier:       notifier,
		SigningKeyPath: filepath.Join(t.TempDir(), "ca.key"),
	}, persist.NewMemoryStore())
	require.NoError(t, err)
	defer v.Close()

	alice, err := v.Auth.Register(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := v.Auth.Register(ctx, "bob@example.com", "battery-staple")
	require.NoError(t, err)
	defer bob.Close()

	// Login succeeds with the right password and rejects a wrong one
	// with nothing more specific than an authentication failure.
	relogin, err := v.Auth.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)
	relogin.Close()
	_, err = v.Auth.Login(ctx, "alice@example.com", "incorrect-horse")
	require.Error(t, err)
	assert.True(t, errors.Is(err, teamvault.ErrAuthenticationFailure))

	secret, err := v.Secrets.CreateSecret(ctx, alice, "DB Prod", []byte("p@ss1234"), teamvault.CreateOptions{})
	require.NoError(t, err)

	bobList, _, err := v.Secrets.ListSecrets(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, bobList)

	_, err = v.Secrets.ShareSecret(ctx, alice, secret.ID, bob.UserID, teamvault.RoleViewer, nil)
	require.NoError(t, err)

	plaintext, _, err := v.Secrets.ReadSecret(ctx, bob, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("p@ss1234"), plaintext)

	_, err = v.Secrets.EditSecret(ctx, bob, secret.ID, []byte("hacked"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, teamvault.ErrForbidden))

	revoked, err := v.Secrets.DeleteSecret(ctx, alice, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.UserID}, revoked)

	bobList, _, err = v.Secrets.ListSecrets(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, bobList)

	var deleteEvents []teamvault.Event
drain:
	for {
		select {
		case event := <-notifier.Events():
			if event.Kind == teamvault.EventSecretDeleted {
				deleteEvents = append(deleteEvents, event)
			}
		default:
			break drain
		}
	}
	require.Len(t, deleteEvents, 1)
	assert.Equal(t, bob.UserID, deleteEvents[0].UserID)
	assert.Equal(t, secret.ID, deleteEvents[0].SecretID)
}
