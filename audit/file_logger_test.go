package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) *FileLogger {
	t.Helper()
	logger, err := NewFileLogger(&Config{
		Enabled: true,
		VaultID: "test-vault",
		Type:    FileAuditType,
		Options: map[string]interface{}{
			"file_path": filepath.Join(t.TempDir(), "audit.log"),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestFileLoggerLogAndQuery(t *testing.T) {
	logger := newTestFileLogger(t)

	require.NoError(t, logger.Log(ActionSecretCreate, true, map[string]interface{}{
		"user_id":   "u1",
		"secret_id": "s1",
	}))
	require.NoError(t, logger.Log(ActionSecretRead, true, map[string]interface{}{
		"user_id":   "u2",
		"secret_id": "s1",
	}))
	require.NoError(t, logger.Log(ActionLogin, false, map[string]interface{}{
		"error": "credential mismatch",
	}))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalCount)

	// Well-known metadata keys are promoted to event fields.
	byAction, err := logger.Query(QueryOptions{Action: ActionSecretCreate})
	require.NoError(t, err)
	require.Len(t, byAction.Events, 1)
	assert.Equal(t, "u1", byAction.Events[0].UserID)
	assert.Equal(t, "s1", byAction.Events[0].SecretID)
	assert.Equal(t, "test-vault", byAction.Events[0].VaultID)
	assert.NotEmpty(t, byAction.Events[0].ID)
}

func TestFileLoggerQueryFilters(t *testing.T) {
	logger := newTestFileLogger(t)

	require.NoError(t, logger.Log(ActionLogin, true, map[string]interface{}{"user_id": "u1"}))
	require.NoError(t, logger.Log(ActionLogin, false, map[string]interface{}{"user_id": "u1"}))
	require.NoError(t, logger.Log(ActionSecretEdit, true, map[string]interface{}{
		"user_id":   "u2",
		"secret_id": "s9",
	}))

	t.Run("ByUser", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, 2, result.TotalCount)
	})

	t.Run("BySecret", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{SecretID: "s9"})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, ActionSecretEdit, result.Events[0].Action)
	})

	t.Run("FailuresOnly", func(t *testing.T) {
		failed := false
		result, err := logger.Query(QueryOptions{Success: &failed})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.False(t, result.Events[0].Success)
	})

	t.Run("Since", func(t *testing.T) {
		future := time.Now().Add(time.Hour)
		result, err := logger.Query(QueryOptions{Since: &future})
		require.NoError(t, err)
		assert.Empty(t, result.Events)
	})

	t.Run("Limit", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
		assert.Equal(t, 3, result.TotalCount)
	})
}

func TestFileLoggerSecurityOnlyFilter(t *testing.T) {
	logger := newTestFileLogger(t)

	require.NoError(t, logger.Log(ActionLogin, false, nil))
	require.NoError(t, logger.Log(ActionSecretRead, true, nil))
	require.NoError(t, logger.Log(ActionAccessRevoke, true, nil))

	result, err := logger.Query(QueryOptions{SecurityOnly: true})
	require.NoError(t, err)
	for _, event := range result.Events {
		assert.True(t, IsSecurityAction(event.Action), "non-security action %s in security-only query", event.Action)
	}
	assert.GreaterOrEqual(t, len(result.Events), 2)
}

func TestFileLoggerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	config := &Config{
		Enabled: true,
		VaultID: "test-vault",
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	}

	logger, err := NewFileLogger(config)
	require.NoError(t, err)
	require.NoError(t, logger.Log(ActionUserRegister, true, map[string]interface{}{"user_id": "u1"}))
	require.NoError(t, logger.Close())

	// A fresh logger over the same file reads the earlier events back.
	reopened, err := NewFileLogger(config)
	require.NoError(t, err)
	defer reopened.Close()

	result, err := reopened.Query(QueryOptions{Action: ActionUserRegister})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "u1", result.Events[0].UserID)
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	require.NoError(t, logger.Log(ActionLogin, true, nil))
	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	require.NoError(t, logger.Close())
}

func TestNewLoggerFactory(t *testing.T) {
	t.Run("NilConfigIsNoOp", func(t *testing.T) {
		logger, err := NewLogger(nil)
		require.NoError(t, err)
		require.NoError(t, logger.Log(ActionLogin, true, nil))
	})

	t.Run("DisabledConfigIsNoOp", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: false})
		require.NoError(t, err)
		require.NoError(t, logger.Log(ActionLogin, true, nil))
	})

	t.Run("FileType", func(t *testing.T) {
		logger, err := NewLogger(&Config{
			Enabled: true,
			Type:    FileAuditType,
			Options: map[string]interface{}{
				"file_path": filepath.Join(t.TempDir(), "audit.log"),
			},
		})
		require.NoError(t, err)
		defer logger.Close()
		_, ok := logger.(*FileLogger)
		assert.True(t, ok)
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: "carrier-pigeon"})
		assert.Error(t, err)
	})
}
