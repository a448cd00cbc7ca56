package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// recentCap bounds the in-memory tail of events kept for queries that only
// look at a recent time window.
const recentCap = 1000

// FileLogger appends audit events to a JSONL file. Queries are answered
// from a bounded in-memory tail when the requested time range fits inside
// it, otherwise by scanning the log file and any rotated siblings.
type FileLogger struct {
	mu       sync.RWMutex
	file     *os.File
	vaultID  string
	fileOpts FileOptions
	recent   []Event
}

type FileOptions struct {
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size,omitempty"`    // MB
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAge     int    `json:"max_age,omitempty"`     // days
}

// NewFileLogger opens (creating if needed) the JSONL audit log named by the
// file_path option.
func NewFileLogger(config *Config) (*FileLogger, error) {
	var opts FileOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}
	if opts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = 100
	}
	if opts.MaxBackups == 0 {
		opts.MaxBackups = 5
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 30
	}

	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	file, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogger{
		file:     file,
		vaultID:  config.VaultID,
		fileOpts: opts,
	}, nil
}

// Log implements the Logger interface. Identifier fields recognized in
// metadata (user_id, secret_id, serial_number, error, source) are lifted
// into their dedicated event columns so queries can filter on them.
func (l *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := Event{
		ID:        newEventID(),
		Timestamp: time.Now().UTC(),
		VaultID:   l.vaultID,
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}
	liftIdentifiers(&event)

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Reopen if a previous Close left the handle nil. The logger can
	// outlive the vault that created it.
	if l.file == nil {
		l.file, err = os.OpenFile(l.fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to reopen audit log: %w", err)
		}
	}

	if _, err = l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if err = l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	l.recent = append(l.recent, event)
	if len(l.recent) > recentCap {
		l.recent = l.recent[len(l.recent)-recentCap:]
	}
	return nil
}

// liftIdentifiers promotes well-known metadata keys to event fields.
func liftIdentifiers(event *Event) {
	for key, val := range event.Metadata {
		s, ok := val.(string)
		if !ok {
			continue
		}
		switch key {
		case "user_id":
			event.UserID = s
		case "secret_id":
			event.SecretID = s
		case "serial_number":
			event.SerialNumber = s
		case "error":
			event.Error = s
		case "source":
			event.Source = s
		}
	}
}

// Query implements the Logger interface.
func (l *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.recentCovers(options) {
		return l.queryRecent(options), nil
	}
	return l.queryFiles(options)
}

// recentCovers reports whether the in-memory tail is guaranteed to contain
// every event the query's time range could match. Queries without a lower
// time bound always need the files.
func (l *FileLogger) recentCovers(options QueryOptions) bool {
	if len(l.recent) == 0 {
		return false
	}
	if options.Since == nil && options.Until == nil {
		return false
	}
	if options.Since != nil && options.Since.Before(l.recent[0].Timestamp) {
		return false
	}
	return true
}

func (l *FileLogger) queryRecent(options QueryOptions) QueryResult {
	var filtered []Event
	for _, event := range l.recent {
		if eventMatches(event, options) {
			filtered = append(filtered, event)
		}
	}
	sortNewestFirst(filtered)

	if options.Limit > 0 && len(filtered) > options.Limit {
		filtered = filtered[:options.Limit]
	}
	return QueryResult{
		Events:     filtered,
		TotalCount: len(l.recent),
		Filtered:   len(filtered),
		HasMore:    len(filtered) == options.Limit,
	}
}

func (l *FileLogger) queryFiles(options QueryOptions) (QueryResult, error) {
	var matched []Event
	total := 0
	for _, path := range l.logFiles() {
		events, scanned, err := scanLogFile(path, options)
		if err != nil {
			return QueryResult{}, fmt.Errorf("failed to read events from %s: %w", path, err)
		}
		matched = append(matched, events...)
		total += scanned
	}
	sortNewestFirst(matched)

	start := options.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if options.Limit > 0 && start+options.Limit < end {
		end = start + options.Limit
	}

	return QueryResult{
		Events:     matched[start:end],
		TotalCount: total,
		Filtered:   len(matched),
		HasMore:    end < len(matched),
	}, nil
}

// logFiles returns the active log plus rotated siblings
// (audit.log, audit.log.1, ...).
func (l *FileLogger) logFiles() []string {
	files := []string{l.fileOpts.FilePath}
	matches, err := filepath.Glob(l.fileOpts.FilePath + ".*")
	if err != nil {
		return files
	}
	for _, m := range matches {
		if m != l.fileOpts.FilePath {
			files = append(files, m)
		}
	}
	return files
}

// scanLogFile reads one JSONL file, returning the matching events and the
// number of non-empty lines scanned. Unparseable lines are counted and
// skipped.
func scanLogFile(path string, options QueryOptions) ([]Event, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var events []Event
	scanned := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		scanned++

		var event Event
		if err = json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if eventMatches(event, options) {
			events = append(events, event)
		}
	}
	if err = scanner.Err(); err != nil {
		return events, scanned, fmt.Errorf("error reading audit log file: %w", err)
	}
	return events, scanned, nil
}

func eventMatches(event Event, options QueryOptions) bool {
	switch {
	case options.VaultID != "" && event.VaultID != options.VaultID:
		return false
	case options.Since != nil && event.Timestamp.Before(*options.Since):
		return false
	case options.Until != nil && event.Timestamp.After(*options.Until):
		return false
	case options.Action != "" && event.Action != options.Action:
		return false
	case options.Success != nil && event.Success != *options.Success:
		return false
	case options.UserID != "" && event.UserID != options.UserID:
		return false
	case options.SecretID != "" && event.SecretID != options.SecretID:
		return false
	case options.SerialNumber != "" && event.SerialNumber != options.SerialNumber:
		return false
	case options.SecurityOnly && !IsSecurityAction(event.Action):
		return false
	}
	return true
}

func sortNewestFirst(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}

// Close implements the Logger interface.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func newEventID() string {
	return fmt.Sprintf("%d_%d", time.Now().UnixNano(), os.Getpid())
}
