package config

import (
	"os"
	"time"
)

const (
	defaultHelloName  = "localhost"
	defaultRetries    = 3
	defaultRetryDelay = 5 * time.Second
	defaultSpoolDir   = "./data/spool"
)

// HelloName returns the name presented in EHLO.
// Preference order: SHEETMAIL_HELO_NAME env var, system hostname, fallback.
func HelloName() string {
	if env := os.Getenv("SHEETMAIL_HELO_NAME"); env != "" {
		return env
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultHelloName
}

// Retries returns the number of delivery attempts per message.
func Retries() int {
	if n := Int("SHEETMAIL_RETRIES", defaultRetries); n > 0 {
		return n
	}
	return defaultRetries
}

// RetryDelay returns the pause between delivery attempts.
func RetryDelay() time.Duration {
	return Duration("SHEETMAIL_RETRY_DELAY", defaultRetryDelay)
}

// SpoolDir is where dry runs write composed messages.
func SpoolDir() string {
	return String("SHEETMAIL_SPOOL_DIR", defaultSpoolDir)
}

// MetricsAddr is the listen address of the health and metrics endpoint.
// Empty disables it.
func MetricsAddr() string {
	return String("SHEETMAIL_METRICS_ADDR", "")
}

// AuditFile is the outcome journal path. Empty disables it.
func AuditFile() string {
	return String("SHEETMAIL_AUDIT_FILE", "")
}
