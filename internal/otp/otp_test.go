// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

package otp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// captureDispatcher records every code it is asked to deliver.
type captureDispatcher struct {
	mu    sync.Mutex
	codes []string
	addrs []string
	err   error
}

func (d *captureDispatcher) Dispatch(_ context.Context, address, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codes = append(d.codes, code)
	d.addrs = append(d.addrs, address)
	return d.err
}

func (d *captureDispatcher) last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.codes) == 0 {
		return ""
	}
	return d.codes[len(d.codes)-1]
}

// =============================================================================
// ISSUE / VERIFY TESTS
// =============================================================================

func TestIssueAndVerify(t *testing.T) {
	disp := &captureDispatcher{}
	g := NewGate(disp)

	require.NoError(t, g.Issue(context.Background(), "user-1", "user-1@example.com"))
	code := disp.last()
	require.Len(t, code, CodeLength)
	for _, r := range code {
		require.True(t, r >= '0' && r <= '9', "code %q contains non-digit", code)
	}
	require.Equal(t, "user-1@example.com", disp.addrs[0])

	require.NoError(t, g.Verify("user-1", code))

	// A code verifies only once.
	err := g.Verify("user-1", code)
	require.ErrorIs(t, err, ErrNoCode)
}

func TestVerify_FormatError(t *testing.T) {
	g := NewGate(&captureDispatcher{})
	require.NoError(t, g.Issue(context.Background(), "user-1", "a@b"))

	for _, bad := range []string{"", "12345", "1234567", "12a456", "12345 "} {
		err := g.Verify("user-1", bad)
		require.ErrorIs(t, err, ErrCodeFormat, "input %q", bad)
	}
}

func TestVerify_Mismatch(t *testing.T) {
	disp := &captureDispatcher{}
	g := NewGate(disp)
	require.NoError(t, g.Issue(context.Background(), "user-1", "a@b"))

	wrong := "000000"
	if disp.last() == wrong {
		wrong = "000001"
	}
	require.ErrorIs(t, g.Verify("user-1", wrong), ErrCodeMismatch)
}

func TestVerify_NoCode(t *testing.T) {
	g := NewGate(&captureDispatcher{})
	require.ErrorIs(t, g.Verify("ghost", "123456"), ErrNoCode)
}

func TestIssue_DispatchFailureKeepsCode(t *testing.T) {
	disp := &captureDispatcher{err: errors.New("smtp down")}
	g := NewGate(disp)

	err := g.Issue(context.Background(), "user-1", "a@b")
	require.ErrorIs(t, err, ErrDispatch)

	// The code was still issued locally and verifies.
	require.NoError(t, g.Verify("user-1", disp.last()))
}

// =============================================================================
// SUPERSESSION / RESEND TESTS
// =============================================================================

func TestResend_SupersedesPriorCode(t *testing.T) {
	disp := &captureDispatcher{}
	g := NewGate(disp)

	require.NoError(t, g.Issue(context.Background(), "user-1", "a@b"))
	old := disp.last()

	require.NoError(t, g.Resend(context.Background(), "user-1", "a@b"))
	fresh := disp.last()

	if old != fresh {
		require.ErrorIs(t, g.Verify("user-1", old), ErrCodeMismatch)
	}
	require.NoError(t, g.Verify("user-1", fresh))
}

func TestResend_Throttled(t *testing.T) {
	g := NewGate(&captureDispatcher{}, WithResendInterval(time.Hour))

	require.NoError(t, g.Resend(context.Background(), "user-1", "a@b"))
	require.ErrorIs(t, g.Resend(context.Background(), "user-1", "a@b"), ErrThrottled)

	// Throttling is per principal.
	require.NoError(t, g.Resend(context.Background(), "user-2", "c@d"))
}

// =============================================================================
// TTL TESTS
// =============================================================================

func TestVerify_Expired(t *testing.T) {
	disp := &captureDispatcher{}
	now := time.Now()
	clock := func() time.Time { return now }
	g := NewGate(disp, WithTTL(10*time.Minute), WithClock(func() time.Time { return clock() }))

	require.NoError(t, g.Issue(context.Background(), "user-1", "a@b"))
	code := disp.last()

	now = now.Add(10*time.Minute + time.Second)
	require.ErrorIs(t, g.Verify("user-1", code), ErrCodeExpired)

	// Expired codes are discarded entirely.
	require.ErrorIs(t, g.Verify("user-1", code), ErrNoCode)
}

func TestInvalidate(t *testing.T) {
	disp := &captureDispatcher{}
	g := NewGate(disp)
	require.NoError(t, g.Issue(context.Background(), "user-1", "a@b"))
	g.Invalidate("user-1")
	require.ErrorIs(t, g.Verify("user-1", disp.last()), ErrNoCode)
}
