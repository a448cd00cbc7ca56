//go:build windows

package audit

import "fmt"

// NewSyslogLogger is unavailable on Windows; configure a file logger
// instead.
func NewSyslogLogger(config *Config) (Logger, error) {
	return nil, fmt.Errorf("syslog audit logging is not supported on windows")
}
