// Package logging configures the process logger and keeps credentials that
// appear in raw source documents out of the logs.
package logging

import (
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// SensitiveFields contains attribute names whose values are masked.
var SensitiveFields = map[string]bool{
	"password":          true,
	"passwd":            true,
	"secret":            true,
	"token":             true,
	"api_key":           true,
	"apikey":            true,
	"access_token":      true,
	"private_key":       true,
	"client_secret":     true,
	"credentials":       true,
	"authorization":     true,
	"secret_access_key": true,
	"session_token":     true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField checks if an attribute name is sensitive.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)
	if SensitiveFields[lowerField] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}
	return false
}

// SensitivePatterns match credentials inside free text such as pasted
// investigation notes.
var SensitivePatterns = []*regexp.Regexp{
	// API keys and tokens (common formats)
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['"]?\s*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	// AWS keys
	regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{16}`),
}

// MaskSensitivePatterns masks sensitive patterns in a raw string.
func MaskSensitivePatterns(s string) string {
	for _, pattern := range SensitivePatterns {
		s = pattern.ReplaceAllString(s, MaskedValue)
	}
	return s
}

// Excerpt returns a masked, single-line prefix of a raw document suitable
// for a log attribute.
func Excerpt(content string, n int) string {
	s := strings.Join(strings.Fields(MaskSensitivePatterns(content)), " ")
	if n > 0 && len(s) > n {
		cut := n
		for cut > 0 && !isRuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// ParseLevel maps a configured level name to a slog level. Unknown names
// yield info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds a logger writing to w. Format is "json" or "text". String
// attributes with sensitive names are masked.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString && IsSensitiveField(a.Key) {
				return slog.String(a.Key, MaskedValue)
			}
			return a
		},
	}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
