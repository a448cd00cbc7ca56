package teamvault_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/teamvault"
)

func TestRotateSecretKey(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)
	alice := registerUser(t, v, "alice@example.com")
	bob := registerUser(t, v, "bob@example.com")

	plaintext := []byte("long-lived credential")
	secret, err := v.Secrets.CreateSecret(ctx, alice, "rotated", plaintext, teamvault.CreateOptions{})
	require.NoError(t, err)
	_, err = v.Secrets.ShareSecret(ctx, alice, secret.ID, bob.UserID, teamvault.RoleViewer, nil)
	require.NoError(t, err)

	pre, err := v.Store().GetSecret(ctx, secret.ID)
	require.NoError(t, err)
	preWrapped := pre.Entry(bob.UserID).WrappedKey

	require.NoError(t, v.Rotation.RotateSecretKey(ctx, alice, secret.ID))

	post, err := v.Store().GetSecret(ctx, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, pre.CurrentVersion+1, post.CurrentVersion)
	assert.Greater(t, post.Version, pre.Version)
	assert.NotEqual(t, pre.EncryptedData.Ciphertext, post.EncryptedData.Ciphertext)
	require.NotNil(t, post.RotationPolicy.LastRotation)

	// The superseded key version carries a grace expiry; the new one has
	// none.
	require.Len(t, post.KeyVersions, 2)
	assert.NotNil(t, post.KeyVersions[0].ExpiresAt)
	assert.Nil(t, post.KeyVersions[1].ExpiresAt)

	// Both members were re-wrapped and still read the same plaintext.
	assert.NotEqual(t, preWrapped.Ciphertext, post.Entry(bob.UserID).WrappedKey.Ciphertext)
	got, _, err := v.Secrets.ReadSecret(ctx, alice, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
	got, _, err = v.Secrets.ReadSecret(ctx, bob, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// The old key no longer opens the payload.
	oldKey, err := teamvault.UnwrapKey(preWrapped, bob.PrivateKey())
	require.NoError(t, err)
	_, err = teamvault.OpenPayload(oldKey, post.EncryptedData, post.ID)
	assert.Error(t, err)
}

func TestRotateRequiresEditPermission(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)
	alice := registerUser(t, v, "alice@example.com")
	bob := registerUser(t, v, "bob@example.com")

	secret, err := v.Secrets.CreateSecret(ctx, alice, "fixed", []byte("x"), teamvault.CreateOptions{})
	require.NoError(t, err)
	_, err = v.Secrets.ShareSecret(ctx, alice, secret.ID, bob.UserID, teamvault.RoleViewer, nil)
	require.NoError(t, err)

	err = v.Rotation.RotateSecretKey(ctx, bob, secret.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, teamvault.ErrForbidden))
}

func TestSweepRotatesDueSecrets(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)
	alice := registerUser(t, v, "alice@example.com")

	// One secret rotates on a schedule, the other does not.
	due, err := v.Secrets.CreateSecret(ctx, alice, "due", []byte("a"), teamvault.CreateOptions{
		AutoRotate:           true,
		RotationIntervalDays: 7,
	})
	require.NoError(t, err)
	idle, err := v.Secrets.CreateSecret(ctx, alice, "idle", []byte("b"), teamvault.CreateOptions{})
	require.NoError(t, err)

	// Nothing is due yet: the next rotation is a week out.
	rotated, err := v.Rotation.Sweep(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 0, rotated)

	// Backdate the schedule so the secret is overdue.
	record, err := v.Store().GetSecret(ctx, due.ID)
	require.NoError(t, err)
	overdue := record.Clone()
	past := time.Now().UTC().Add(-time.Hour)
	overdue.RotationPolicy.NextRotation = &past
	require.NoError(t, v.Store().ReplaceSecret(ctx, overdue, record.Version))

	rotated, err = v.Rotation.Sweep(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, rotated)

	post, err := v.Store().GetSecret(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, post.CurrentVersion)
	require.NotNil(t, post.RotationPolicy.NextRotation)
	assert.True(t, post.RotationPolicy.NextRotation.After(time.Now()))

	// The unscheduled secret was left alone.
	untouched, err := v.Store().GetSecret(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, untouched.CurrentVersion)
}

func TestSweepSkipsSecretsTheSessionCannotEdit(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)
	alice := registerUser(t, v, "alice@example.com")
	bob := registerUser(t, v, "bob@example.com")

	secret, err := v.Secrets.CreateSecret(ctx, alice, "alices", []byte("a"), teamvault.CreateOptions{
		AutoRotate: true,
	})
	require.NoError(t, err)
	_, err = v.Secrets.ShareSecret(ctx, alice, secret.ID, bob.UserID, teamvault.RoleViewer, nil)
	require.NoError(t, err)

	record, err := v.Store().GetSecret(ctx, secret.ID)
	require.NoError(t, err)
	overdue := record.Clone()
	past := time.Now().UTC().Add(-time.Hour)
	overdue.RotationPolicy.NextRotation = &past
	require.NoError(t, v.Store().ReplaceSecret(ctx, overdue, record.Version))

	// Bob's sweep cannot rotate a secret he only views; it stays due for
	// an editor's sweep.
	rotated, err := v.Rotation.Sweep(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 0, rotated)

	rotated, err = v.Rotation.Sweep(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, rotated)
}

func TestCleanupExpiredVersions(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)
	alice := registerUser(t, v, "alice@example.com")

	secret, err := v.Secrets.CreateSecret(ctx, alice, "pruned", []byte("x"), teamvault.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, v.Rotation.RotateSecretKey(ctx, alice, secret.ID))

	// The superseded version is inside its grace period: nothing to prune.
	pruned, err := v.Rotation.CleanupExpiredVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pruned)

	// Expire the grace period behind the scheduler's back.
	record, err := v.Store().GetSecret(ctx, secret.ID)
	require.NoError(t, err)
	expired := record.Clone()
	past := time.Now().UTC().Add(-time.Hour)
	expired.KeyVersions[0].ExpiresAt = &past
	require.NoError(t, v.Store().ReplaceSecret(ctx, expired, record.Version))

	pruned, err = v.Rotation.CleanupExpiredVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	post, err := v.Store().GetSecret(ctx, secret.ID)
	require.NoError(t, err)
	require.Len(t, post.KeyVersions, 1)
	assert.Equal(t, post.CurrentVersion, post.KeyVersions[0].Version)
}

func TestRotationSchedulerStartStop(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)
	alice := registerUser(t, v, "alice@example.com")

	v.Rotation.SweepInterval = 10 * time.Millisecond
	v.Rotation.Start(ctx, alice)
	v.Rotation.Start(ctx, alice) // second start is a no-op

	time.Sleep(50 * time.Millisecond)
	v.Rotation.Stop()
	v.Rotation.Stop() // second stop is a no-op
}
