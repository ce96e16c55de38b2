// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"testing"
	"time"

	"github.com/vaultfs/trustgate/internal/roles"
)

// fixedClock returns a controllable time source.
func fixedClock(start time.Time) (func() time.Time, func(d time.Duration)) {
	current := start
	now := func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return now, advance
}

// =============================================================================
// QUOTA TABLE TESTS
// =============================================================================

func TestMaxInactiveDuration(t *testing.T) {
	tests := []struct {
		role roles.Role
		want time.Duration
	}{
		{roles.Admin, 60 * time.Minute},
		{roles.DepartmentHead, 45 * time.Minute},
		{roles.Employee, 30 * time.Minute},
		{roles.Guest, 15 * time.Minute},
		{roles.Role("contractor"), 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := MaxInactiveDuration(tt.role); got != tt.want {
			t.Errorf("MaxInactiveDuration(%s) = %v, want %v", tt.role, got, tt.want)
		}
	}
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestStart(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	now, _ := fixedClock(start)

	l := Start(roles.Admin, now)
	if !l.LastActivityAt().Equal(start) {
		t.Errorf("LastActivityAt = %v, want %v", l.LastActivityAt(), start)
	}
	if want := start.Add(60 * time.Minute); !l.ExpiresAt().Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", l.ExpiresAt(), want)
	}
	if l.IsExpired(now()) {
		t.Error("fresh lifecycle should not be expired")
	}
}

func TestTouch_RenewsFullQuota(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	now, advance := fixedClock(start)

	l := Start(roles.Employee, now)
	advance(29 * time.Minute) // one minute of quota left
	l.Touch()

	want := start.Add(29 * time.Minute).Add(30 * time.Minute)
	if !l.ExpiresAt().Equal(want) {
		t.Errorf("ExpiresAt after touch = %v, want %v (full quota from now)", l.ExpiresAt(), want)
	}
	if got := l.Remaining(now()); got != 30*time.Minute {
		t.Errorf("Remaining after touch = %v, want 30m", got)
	}
}

func TestRemainingAndExpiry(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	now, advance := fixedClock(start)

	l := Start(roles.Guest, now)
	if got := l.Remaining(now()); got != 15*time.Minute {
		t.Errorf("Remaining at start = %v, want 15m", got)
	}

	advance(15 * time.Minute)
	if !l.IsExpired(now()) {
		t.Error("lifecycle should be expired exactly at the deadline")
	}
	if got := l.Remaining(now()); got != 0 {
		t.Errorf("Remaining at deadline = %v, want 0", got)
	}

	advance(time.Hour)
	if got := l.Remaining(now()); got != 0 {
		t.Errorf("Remaining past deadline = %v, want 0 (floored)", got)
	}
}

func TestRatio(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	now, advance := fixedClock(start)

	l := Start(roles.Guest, now)
	if got := l.Ratio(now()); got != 1.0 {
		t.Errorf("Ratio at start = %v, want 1.0", got)
	}
	advance(7*time.Minute + 30*time.Second)
	if got := l.Ratio(now()); got != 0.5 {
		t.Errorf("Ratio at half quota = %v, want 0.5", got)
	}
	advance(time.Hour)
	if got := l.Ratio(now()); got != 0 {
		t.Errorf("Ratio past deadline = %v, want 0", got)
	}
}

func TestRestore(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	now, _ := fixedClock(start)

	last := start.Add(-5 * time.Minute)
	exp := start.Add(10 * time.Minute)
	l := Restore(roles.Employee, last, exp, now)

	if l.IsExpired(now()) {
		t.Error("restored lifecycle with future expiry should not be expired")
	}
	if got := l.Remaining(now()); got != 10*time.Minute {
		t.Errorf("Remaining = %v, want 10m", got)
	}

	stale := Restore(roles.Employee, last, start.Add(-time.Second), now)
	if !stale.IsExpired(now()) {
		t.Error("restored lifecycle with past expiry must read as expired")
	}
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{3 * time.Minute, "3m"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
	}
	for _, tt := range tests {
		if got := FormatRemaining(tt.d); got != tt.want {
			t.Errorf("FormatRemaining(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
