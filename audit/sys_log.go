//go:build !windows

package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
	"time"
)

var _ Logger = (*SyslogLogger)(nil)

type SyslogOptions struct {
	Network  string `json:"network"`  // "tcp", "udp", ""
	Address  string `json:"address"`  // "localhost:514"
	Priority int    `json:"priority"` // syslog.LOG_INFO, etc.
	Tag      string `json:"tag"`
}

// SyslogLogger forwards audit events to syslog. Write-only: Query always
// fails because syslog keeps no readable history here.
type SyslogLogger struct {
	config *Config
	writer *syslog.Writer
}

// NewSyslogLogger dials the syslog daemon named by the options, or the
// local one when no network address is given.
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var opts SyslogOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}
	if opts.Priority == 0 {
		switch config.LogLevel {
		case "error":
			opts.Priority = int(syslog.LOG_ERR | syslog.LOG_USER)
		case "warn":
			opts.Priority = int(syslog.LOG_WARNING | syslog.LOG_USER)
		default:
			opts.Priority = int(syslog.LOG_INFO | syslog.LOG_USER)
		}
	}
	if opts.Tag == "" {
		opts.Tag = "teamvault-audit"
	}

	var writer *syslog.Writer
	var err error
	if opts.Network != "" && opts.Address != "" {
		writer, err = syslog.Dial(opts.Network, opts.Address, syslog.Priority(opts.Priority), opts.Tag)
	} else {
		writer, err = syslog.New(syslog.Priority(opts.Priority), opts.Tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	return &SyslogLogger{config: config, writer: writer}, nil
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	if !s.config.Enabled {
		return nil
	}
	if s.writer == nil {
		return fmt.Errorf("syslog writer not initialized")
	}

	event := Event{
		ID:        newEventID(),
		Timestamp: time.Now().UTC(),
		VaultID:   s.config.VaultID,
		Action:    action,
		Success:   success,
		Metadata:  metadata,
		Source:    "vault",
	}
	liftIdentifiers(&event)

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	msg := fmt.Sprintf("TEAMVAULT_AUDIT: %s", line)

	switch {
	case !event.Success && event.Error != "":
		return s.writer.Err(msg)
	case !event.Success:
		return s.writer.Warning(msg)
	case IsSecurityAction(event.Action):
		// Security-relevant actions always land at notice level so
		// downstream filters can pick them out of the info stream.
		return s.writer.Notice(msg)
	case s.config.LogLevel == "error":
		return nil
	default:
		return s.writer.Info(msg)
	}
}

// Query is unsupported for syslog; pair the syslog backend with a file
// backend when historical queries are needed.
func (s *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{}, fmt.Errorf("syslog logger does not support querying historical data")
}

func (s *SyslogLogger) Close() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}
