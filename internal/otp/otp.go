// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package otp implements the one-time-code second-factor gate.
//
// A gate issues short numeric codes bound to a principal and a dispatch
// address, hands the plaintext to an external Dispatcher exactly once,
// and keeps only a SHA-256 digest locally. At most one code is valid
// per principal at a time: issuing supersedes any earlier code.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// CodeLength is the number of digits in an issued code.
	CodeLength = 6

	// DefaultTTL is how long an issued code remains verifiable.
	DefaultTTL = 10 * time.Minute

	// DefaultResendInterval is the minimum spacing between re-issues for
	// one principal.
	DefaultResendInterval = time.Minute
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrCodeFormat indicates the submitted value is not exactly six
	// digits. This is a format error, reported distinctly from a wrong
	// code so the caller can tell the user to re-type rather than re-request.
	ErrCodeFormat = errors.New("otp: code must be exactly 6 digits")

	// ErrCodeMismatch indicates a well-formed code that does not match the
	// most recently issued one.
	ErrCodeMismatch = errors.New("otp: code does not match")

	// ErrNoCode indicates no code is outstanding for the principal.
	ErrNoCode = errors.New("otp: no code issued")

	// ErrCodeExpired indicates the outstanding code outlived its TTL.
	ErrCodeExpired = errors.New("otp: code expired")

	// ErrThrottled indicates a resend was requested too soon.
	ErrThrottled = errors.New("otp: resend throttled")

	// ErrDispatch wraps a delivery failure. Issuance still succeeded
	// locally; the code is valid and verifiable.
	ErrDispatch = errors.New("otp: dispatch failed")
)

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher delivers a plaintext code to a destination address. The
// gate treats dispatch as fire-and-forget: a delivery failure never
// rolls back issuance.
type Dispatcher interface {
	Dispatch(ctx context.Context, address, code string) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, address, code string) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, address, code string) error {
	return f(ctx, address, code)
}

// =============================================================================
// GATE
// =============================================================================

// issuedCode is the locally retained record of one issued code.
// Only the digest of the plaintext is kept.
type issuedCode struct {
	digest   [sha256.Size]byte
	address  string
	issuedAt time.Time
}

// Gate issues and verifies one-time codes. Safe for concurrent use.
type Gate struct {
	mu         sync.Mutex
	codes      map[string]*issuedCode
	limiters   map[string]*rate.Limiter
	dispatcher Dispatcher
	ttl        time.Duration
	resendGap  time.Duration
	now        func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithTTL sets how long a code stays verifiable after issuance.
func WithTTL(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// WithResendInterval sets the minimum spacing between resends per principal.
func WithResendInterval(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.resendGap = d
		}
	}
}

// WithClock overrides the time source. Test use.
func WithClock(fn func() time.Time) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewGate creates a code gate that delivers through the given dispatcher.
func NewGate(dispatcher Dispatcher, opts ...GateOption) *Gate {
	g := &Gate{
		codes:      make(map[string]*issuedCode),
		limiters:   make(map[string]*rate.Limiter),
		dispatcher: dispatcher,
		ttl:        DefaultTTL,
		resendGap:  DefaultResendInterval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Issue generates a fresh 6-digit code for the principal, supersedes any
// outstanding code, and dispatches the plaintext to the address.
//
// Issuance succeeds locally even when dispatch fails; in that case the
// returned error wraps ErrDispatch and the caller should surface the
// delivery problem without discarding the gate state.
func (g *Gate) Issue(ctx context.Context, principalID, address string) error {
	code, err := generateCode()
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.codes[principalID] = &issuedCode{
		digest:   sha256.Sum256([]byte(code)),
		address:  address,
		issuedAt: g.now(),
	}
	g.mu.Unlock()

	if g.dispatcher != nil {
		if err := g.dispatcher.Dispatch(ctx, address, code); err != nil {
			return fmt.Errorf("%w: %v", ErrDispatch, err)
		}
	}
	return nil
}

// Resend re-issues a code, invalidating the prior one. Resends are
// throttled per principal; a too-soon request returns ErrThrottled and
// leaves the outstanding code untouched.
func (g *Gate) Resend(ctx context.Context, principalID, address string) error {
	g.mu.Lock()
	limiter, ok := g.limiters[principalID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(g.resendGap), 1)
		g.limiters[principalID] = limiter
	}
	g.mu.Unlock()

	if !limiter.Allow() {
		return ErrThrottled
	}
	return g.Issue(ctx, principalID, address)
}

// Verify checks a submitted code against the most recently issued one
// for the principal. Exact digit match only, no normalization.
func (g *Gate) Verify(principalID, submitted string) error {
	if !isSixDigits(submitted) {
		return ErrCodeFormat
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.codes[principalID]
	if !ok {
		return ErrNoCode
	}
	if g.now().Sub(rec.issuedAt) > g.ttl {
		delete(g.codes, principalID)
		return ErrCodeExpired
	}

	digest := sha256.Sum256([]byte(submitted))
	if subtle.ConstantTimeCompare(digest[:], rec.digest[:]) != 1 {
		return ErrCodeMismatch
	}

	// One successful verification consumes the code.
	delete(g.codes, principalID)
	return nil
}

// Invalidate discards any outstanding code for the principal.
func (g *Gate) Invalidate(principalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.codes, principalID)
	delete(g.limiters, principalID)
}

// =============================================================================
// HELPERS
// =============================================================================

// generateCode draws a uniform random integer in [100000, 999999].
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("otp: random generation failed: %w", err)
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}

// isSixDigits reports whether s is exactly six ASCII digits.
func isSixDigits(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
