// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// REDACTION TESTS
// =============================================================================

func TestRedact_Password(t *testing.T) {
	out := Redact("login failed: password=hunter2 for user")
	if strings.Contains(out, "hunter2") {
		t.Errorf("password leaked: %q", out)
	}
	if !strings.Contains(out, "[PASSWORD_REDACTED]") {
		t.Errorf("expected redaction marker, got %q", out)
	}
}

func TestRedact_SixDigitCode(t *testing.T) {
	out := Redact("submitted 493021 did not match")
	if strings.Contains(out, "493021") {
		t.Errorf("code leaked: %q", out)
	}
}

func TestRedact_Truncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	out := Redact(long)
	if len([]rune(out)) > MaxDetailLength {
		t.Errorf("detail not truncated: %d runes", len([]rune(out)))
	}
}

func TestMaskPrincipal(t *testing.T) {
	a := MaskPrincipal("user-1")
	b := MaskPrincipal("user-1")
	c := MaskPrincipal("user-2")

	if a != b {
		t.Error("mask must be stable for the same ID")
	}
	if a == c {
		t.Error("different IDs must mask differently")
	}
	if strings.Contains(a, "user-1") {
		t.Errorf("mask leaks the ID: %q", a)
	}
	if MaskPrincipal("") != "" {
		t.Error("empty ID should mask to empty")
	}
}

// =============================================================================
// LOGGER TESTS
// =============================================================================

func TestLogger_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(path)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	events := []Event{
		{EventType: EventCredentialsOk, SessionID: "sess-1", Principal: MaskPrincipal("user-1"), Success: true},
		{EventType: EventCodeRejected, SessionID: "sess-1", Success: false, Error: "code 123456 mismatch"},
	}
	for _, e := range events {
		if err := l.Log(e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("log line is not valid JSON: %v", err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}
	if lines[0].EventType != EventCredentialsOk {
		t.Errorf("first event type = %q", lines[0].EventType)
	}
	if lines[0].Timestamp.IsZero() {
		t.Error("timestamp should be filled in")
	}
	if strings.Contains(lines[1].Error, "123456") {
		t.Errorf("code leaked into log: %q", lines[1].Error)
	}
}

func TestLogger_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(path, WithMaxFileSize(256))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	for i := 0; i < 10; i++ {
		if err := l.Log(Event{EventType: EventSessionStarted, SessionID: "sess-1", Success: true}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected rotated log %s.1: %v", path, err)
	}
}

func TestLogger_NilAndDisabled(t *testing.T) {
	var l *Logger
	if err := l.Log(Event{EventType: EventLogout}); err != nil {
		t.Errorf("nil logger should discard, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "audit.log")
	real, err := NewLogger(path)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer real.Close()

	real.SetEnabled(false)
	if err := real.Log(Event{EventType: EventLogout}); err != nil {
		t.Fatalf("Log while disabled: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("disabled logger wrote %d bytes", len(data))
	}
}
