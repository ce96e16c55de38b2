// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit provides append-only logging of verification events
// with secret redaction.
//
// Every gate outcome and session lifecycle change is recorded as one
// JSON line. Submitted secrets never reach the log: principal
// identifiers are masked by hash and known secret shapes (passwords,
// six-digit codes, bearer tokens) are redacted from free-text fields.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/vaultfs/trustgate/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// MaxDetailLength is the maximum length of a detail field before truncation.
const MaxDetailLength = 200

// DefaultMaxFileSize is the max log size before rotation (10MB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// Event types emitted by the verification engine.
const (
	EventCredentialsOk       = "CREDENTIALS_OK"
	EventCredentialsRejected = "CREDENTIALS_REJECTED"
	EventAuthUnavailable     = "AUTH_UNAVAILABLE"
	EventCodeIssued          = "CODE_ISSUED"
	EventCodeResent          = "CODE_RESENT"
	EventCodeVerified        = "CODE_VERIFIED"
	EventCodeRejected        = "CODE_REJECTED"
	EventChallengeCreated    = "CHALLENGE_CREATED"
	EventChallengeVerified   = "CHALLENGE_VERIFIED"
	EventChallengeRejected   = "CHALLENGE_REJECTED"
	EventChallengeLockout    = "CHALLENGE_LOCKOUT"
	EventUnitSelected        = "UNIT_SELECTED"
	EventSessionStarted      = "SESSION_STARTED"
	EventSessionRestored     = "SESSION_RESTORED"
	EventSessionExpired      = "SESSION_EXPIRED"
	EventLogout              = "LOGOUT"
)

// =============================================================================
// EVENT
// =============================================================================

// Event is a single audit log entry.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	SessionID string            `json:"session_id,omitempty"`
	Principal string            `json:"principal,omitempty"` // masked, see MaskPrincipal
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// =============================================================================
// REDACTION
// =============================================================================

// secretPatterns match secret shapes that must never be logged verbatim.
var secretPatterns = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`(?i)(password|passwd|pwd|secret)\s*[=:]\s*\S+`), "[PASSWORD_REDACTED]"},
	{regexp.MustCompile(`\b\d{6}\b`), "[CODE_REDACTED]"},
	{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-_.]+`), "Bearer [TOKEN_REDACTED]"},
}

// Redact removes known secret shapes from free text and truncates it.
func Redact(s string) string {
	for _, p := range secretPatterns {
		s = p.pattern.ReplaceAllString(s, p.replace)
	}
	return util.TruncateRunes(s, MaxDetailLength)
}

// MaskPrincipal masks a principal identifier with a stable,
// non-reversible hash so log lines correlate without leaking the ID.
func MaskPrincipal(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return "p:" + hex.EncodeToString(sum[:])[:12]
}

// =============================================================================
// LOGGER
// =============================================================================

// Logger appends audit events to a file. Safe for concurrent use.
// A nil *Logger discards events, so callers never guard their calls.
type Logger struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	enabled     bool
	maxFileSize int64
}

// Option configures a Logger.
type Option func(*Logger)

// WithMaxFileSize sets the rotation threshold.
func WithMaxFileSize(n int64) Option {
	return func(l *Logger) {
		if n > 0 {
			l.maxFileSize = n
		}
	}
}

// NewLogger creates an audit logger writing to path. The parent
// directory is created if missing.
func NewLogger(path string, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}
	l := &Logger{
		path:        path,
		enabled:     true,
		maxFileSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	l.file = f
	return l, nil
}

// Log appends one event. The timestamp is filled if zero and the error
// field is passed through redaction.
func (l *Logger) Log(e Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || l.file == nil {
		return nil
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Error = Redact(e.Error)
	for k, v := range e.Metadata {
		e.Metadata[k] = Redact(v)
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	if err := l.rotateIfNeededLocked(int64(len(line) + 1)); err != nil {
		return err
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	return nil
}

// rotateIfNeededLocked rotates the log when the next write would cross
// the size threshold. The previous log is kept as <path>.1.
func (l *Logger) rotateIfNeededLocked(incoming int64) error {
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("audit: stat log: %w", err)
	}
	if info.Size()+incoming <= l.maxFileSize {
		return nil
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("audit: close for rotation: %w", err)
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return fmt.Errorf("audit: rotate log: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("audit: reopen after rotation: %w", err)
	}
	l.file = f
	return nil
}

// SetEnabled turns logging on or off.
func (l *Logger) SetEnabled(enabled bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
