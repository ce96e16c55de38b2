// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns session-lifetime computation and expiry watching.
//
// The lifecycle math (remaining time, expiry) is pure and clock-driven
// so it can be tested without timers or a rendering environment; the
// Watcher turns it into the 1-second advisory tick the application uses
// to force a terminal expiry transition.
package session

import (
	"time"

	"github.com/vaultfs/trustgate/internal/roles"
	"github.com/vaultfs/trustgate/internal/util"
)

// =============================================================================
// INACTIVITY QUOTAS
// =============================================================================

// Per-role inactivity quotas. Stronger roles hold larger quotas.
const (
	AdminInactiveDuration          = 60 * time.Minute
	DepartmentHeadInactiveDuration = 45 * time.Minute
	EmployeeInactiveDuration       = 30 * time.Minute
	GuestInactiveDuration          = 15 * time.Minute
)

// MaxInactiveDuration returns the inactivity quota for a role.
// Unknown roles fall back to the guest quota.
func MaxInactiveDuration(r roles.Role) time.Duration {
	switch r {
	case roles.Admin:
		return AdminInactiveDuration
	case roles.DepartmentHead:
		return DepartmentHeadInactiveDuration
	case roles.Employee:
		return EmployeeInactiveDuration
	case roles.Guest:
		return GuestInactiveDuration
	default:
		return GuestInactiveDuration
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Lifecycle tracks one session's activity window. All methods are pure
// reads or simple field updates; the caller serializes access (the
// verification engine holds its own lock around every transition).
type Lifecycle struct {
	role           roles.Role
	startedAt      time.Time
	lastActivityAt time.Time
	expiresAt      time.Time
	now            func() time.Time
}

// Start begins a lifecycle for the given role: last activity is now and
// expiry is a full quota out.
func Start(role roles.Role, now func() time.Time) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Lifecycle{
		role:           role,
		startedAt:      t,
		lastActivityAt: t,
		expiresAt:      t.Add(MaxInactiveDuration(role)),
		now:            now,
	}
}

// Restore rebuilds a lifecycle from persisted timestamps. The caller is
// responsible for treating an already-expired restore as terminal.
func Restore(role roles.Role, lastActivityAt, expiresAt time.Time, now func() time.Time) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{
		role:           role,
		startedAt:      lastActivityAt,
		lastActivityAt: lastActivityAt,
		expiresAt:      expiresAt,
		now:            now,
	}
}

// Role returns the role the quota was computed from.
func (l *Lifecycle) Role() roles.Role {
	return l.role
}

// StartedAt returns when the lifecycle began.
func (l *Lifecycle) StartedAt() time.Time {
	return l.startedAt
}

// LastActivityAt returns the most recent activity timestamp.
func (l *Lifecycle) LastActivityAt() time.Time {
	return l.lastActivityAt
}

// ExpiresAt returns the current expiry deadline.
func (l *Lifecycle) ExpiresAt() time.Time {
	return l.expiresAt
}

// Touch renews the session from the full quota in response to observed
// activity. Renewal is absolute, not an extension of what remained.
func (l *Lifecycle) Touch() {
	t := l.now()
	l.lastActivityAt = t
	l.expiresAt = t.Add(MaxInactiveDuration(l.role))
}

// Remaining returns the time left before expiry at the given instant,
// floored at zero.
func (l *Lifecycle) Remaining(now time.Time) time.Duration {
	d := l.expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Ratio returns remaining time as a fraction of the full quota, in
// [0, 1]. Drives countdown progress displays.
func (l *Lifecycle) Ratio(now time.Time) float64 {
	quota := MaxInactiveDuration(l.role)
	if quota <= 0 {
		return 0
	}
	return float64(l.Remaining(now)) / float64(quota)
}

// IsExpired reports whether the session has run out of quota at the
// given instant.
func (l *Lifecycle) IsExpired(now time.Time) bool {
	return l.Remaining(now) <= 0
}

// =============================================================================
// FORMATTING
// =============================================================================

// FormatRemaining renders a countdown duration for display.
func FormatRemaining(d time.Duration) string {
	if d < time.Minute {
		return util.IntToString(int(d.Seconds())) + "s"
	}
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if secs == 0 {
		return util.IntToString(mins) + "m"
	}
	return util.IntToString(mins) + "m " + util.IntToString(secs) + "s"
}
