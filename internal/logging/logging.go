// Package logging builds the zap loggers used across the runtime and scrubs
// credentials out of connection strings and driver errors before they are
// logged.
package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RedactedText replaces sensitive values.
const RedactedText = "[REDACTED]"

// MaxQueryLogLength caps logged SQL text.
const MaxQueryLogLength = 200

var (
	// password=xxx, pwd=xxx, pass=xxx up to the next delimiter
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)
	// user:pass@host
	credentialsPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@`)
	// AWS style secrets passed in URLs or errors
	secretPattern = regexp.MustCompile(`(?i)(secret[_-]?access[_-]?key|session[_-]?token|x-amz-security-token)=[^;&\s]+`)
)

// Options configures New.
type Options struct {
	// Level is debug, info, warn or error. Empty means info.
	Level string
	// Format is json or console. Empty means json.
	Format string
}

// New returns a logger for opts.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(opts.Format) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// SanitizeConnectionString removes credentials from a DSN.
func SanitizeConnectionString(dsn string) string {
	if dsn == "" {
		return ""
	}
	out := passwordPattern.ReplaceAllString(dsn, "${1}="+RedactedText)
	out = secretPattern.ReplaceAllString(out, "${1}="+RedactedText)
	return credentialsPattern.ReplaceAllString(out, "://"+RedactedText+"@")
}

// SanitizeError renders err with credentials removed.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeConnectionString(err.Error())
}

// SanitizeQuery truncates SQL text and strips inline secrets.
func SanitizeQuery(query string) string {
	if len(query) > MaxQueryLogLength {
		query = query[:MaxQueryLogLength] + "..."
	}
	return passwordPattern.ReplaceAllString(query, "${1}="+RedactedText)
}

// Error is a zap field carrying a sanitized error.
func Error(err error) zap.Field {
	return zap.String("error", SanitizeError(err))
}
