// Package errors turns internal faults into messages that are safe to place
// in an error report.
package errors

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Pattern to match file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-.]+(?:/[a-zA-Z0-9_\-.]+)+)|([A-Z]:\\[a-zA-Z0-9_\-\\ .]+)`)

	// Pattern to match IP addresses
	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Pattern to match credentials embedded in messages
	secretPattern = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key|access[_-]?key)\s*[=:]\s*\S+`)

	// Pattern to match goroutine dumps and panic traces
	tracePattern = regexp.MustCompile(`(?m)^(goroutine \d+|panic:|\s+/.+\.go:\d+)`)
)

// DefaultMaxLength bounds sanitized messages.
const DefaultMaxLength = 512

// Sanitizer cleans error messages before they leave the process. Stack
// traces are always removed. In production mode file paths are reduced to
// their base name, IP addresses are masked and credentials are redacted.
type Sanitizer struct {
	Production bool
	MaxLength  int
}

// NewSanitizer creates a sanitizer.
func NewSanitizer(production bool) *Sanitizer {
	return &Sanitizer{Production: production, MaxLength: DefaultMaxLength}
}

// Message returns a sanitized, single-line message for err.
func (s *Sanitizer) Message(err error) string {
	if err == nil {
		return ""
	}
	return s.String(err.Error())
}

// String sanitizes a raw message.
func (s *Sanitizer) String(msg string) string {
	if tracePattern.MatchString(msg) {
		// Keep the first line of the panic, drop the dump
		msg, _, _ = strings.Cut(msg, "\n")
		msg = strings.TrimSpace(msg) + " (stack trace omitted)"
	}

	if s.Production {
		msg = secretPattern.ReplaceAllStringFunc(msg, func(match string) string {
			key, _, _ := strings.Cut(match, "=")
			if strings.Contains(key, ":") {
				key, _, _ = strings.Cut(match, ":")
			}
			return strings.TrimSpace(key) + "=[REDACTED]"
		})

		// Remove absolute file paths, keep only filename
		msg = filePathPattern.ReplaceAllStringFunc(msg, func(match string) string {
			return filepath.Base(strings.ReplaceAll(match, `\`, "/"))
		})

		// Mask IP addresses (keep first two octets for debugging context)
		msg = ipPattern.ReplaceAllStringFunc(msg, func(match string) string {
			parts := strings.Split(match, ".")
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		})
	}

	msg = strings.Join(strings.Fields(msg), " ")
	if s.MaxLength > 0 && len(msg) > s.MaxLength {
		msg = msg[:s.MaxLength] + "..."
	}
	return msg
}
