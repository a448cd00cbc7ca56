package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled"`
	VaultID  string                 `json:"vault_id"`
	Type     ConfigType             `json:"type"`    // "file", "syslog", etc.
	Options  map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Well-known audit actions. Callers may log ad-hoc actions too; these
// constants exist so queries and alerting filter on stable names.
const (
	ActionUserRegister     = "user_register"
	ActionLogin            = "login"
	ActionSecretCreate     = "secret_create"
	ActionSecretRead       = "secret_read"
	ActionSecretEdit       = "secret_edit"
	ActionSecretShare      = "secret_share"
	ActionSecretDelete     = "secret_delete"
	ActionAccessRevoke     = "access_revoke"
	ActionKeyRotate        = "key_rotate"
	ActionChecksumResync   = "checksum_resync"
	ActionIntegrityCheck   = "integrity_check"
	ActionIntegrityFailure = "integrity_failure"
	ActionCertIssue        = "certificate_issue"
	ActionCertRevoke       = "certificate_revoke"
	ActionCertExpireSweep  = "certificate_expire_sweep"
)

// Event represents an audit log event
type Event struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	VaultID      string                 `json:"vault_id"`
	Action       string                 `json:"action"`
	Success      bool                   `json:"success"`
	Error        string                 `json:"error,omitempty"`
	UserID       string                 `json:"user_id,omitempty"`
	SecretID     string                 `json:"secret_id,omitempty"`
	SerialNumber string                 `json:"serial_number,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Source       string                 `json:"source,omitempty"` // IP, hostname, etc.
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	VaultID      string
	Since        *time.Time
	Until        *time.Time
	Action       string
	Success      *bool // nil = all, true = only success, false = only failures
	UserID       string
	SecretID     string
	SerialNumber string
	SecurityOnly bool // Filter for security-relevant events only
	Limit        int
	Offset       int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}

// securityActions are the actions SecurityOnly queries match.
var securityActions = map[string]bool{
	ActionLogin:            true,
	ActionAccessRevoke:     true,
	ActionKeyRotate:        true,
	ActionChecksumResync:   true,
	ActionIntegrityFailure: true,
	ActionCertRevoke:       true,
}

// IsSecurityAction reports whether an action is security relevant.
func IsSecurityAction(action string) bool {
	return securityActions[action]
}
