// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package captcha implements the challenge/response proof-of-human gate.
//
// The engine generates short secrets from an alphabet that excludes
// visually ambiguous glyphs (0/O and 1/I), validates submissions, and
// tracks failed attempts up to a lockout threshold. Every judged-wrong
// secret is discarded and replaced, so a user never gets a second try
// against a challenge they have already seen fail.
//
// Rendering of the secret is a view concern and lives outside this
// package; the engine only owns generation and validation.
package captcha

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// Alphabet components. Built without 0, O, 1 or I so a rendered secret
// cannot be misread.
const (
	letters = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	digits  = "23456789"
	// alphabet is the full source character set.
	alphabet = letters + digits
)

const (
	// DefaultLength is the default secret length.
	DefaultLength = 6

	// DefaultMaxAttempts is the default failed-attempt threshold before lockout.
	DefaultMaxAttempts = 5
)

var (
	// ErrLockedOut is returned by RecordFailure when the attempt threshold
	// is reached. It is terminal for the gate session: the caller must
	// force a full logout and re-authentication.
	ErrLockedOut = errors.New("captcha: attempt limit reached")

	// ErrChallengeMismatch indicates a submitted answer did not match the
	// secret. Recoverable: a replacement challenge is already in place.
	ErrChallengeMismatch = errors.New("captcha: answer does not match")
)

// =============================================================================
// CHALLENGE
// =============================================================================

// Challenge holds one secret and the attempt count accumulated so far in
// this gate session. The attempt count survives regeneration; it resets
// only when the gate is entered from scratch.
type Challenge struct {
	secret   string
	attempts int
}

// Secret returns the secret sequence the user must reproduce.
func (c *Challenge) Secret() string {
	return c.secret
}

// Attempts returns the number of failed attempts recorded against this
// gate session.
func (c *Challenge) Attempts() int {
	return c.attempts
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine generates and validates challenges. Construct one per composed
// verification engine; there is no package-level instance.
type Engine struct {
	length      int
	maxAttempts int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLength sets the generated secret length.
func WithLength(n int) Option {
	return func(e *Engine) {
		if n >= 2 {
			e.length = n
		}
	}
}

// WithMaxAttempts sets the failed-attempt threshold before lockout.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// NewEngine creates a challenge engine with the given options.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		length:      DefaultLength,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxAttempts returns the configured lockout threshold.
func (e *Engine) MaxAttempts() int {
	return e.maxAttempts
}

// Generate creates a fresh challenge with a zero attempt count.
// Used when the gate is entered from scratch.
func (e *Engine) Generate() (*Challenge, error) {
	secret, err := e.generateSecret()
	if err != nil {
		return nil, err
	}
	return &Challenge{secret: secret}, nil
}

// generateSecret builds one secret: a guaranteed letter and digit in the
// first two slots, the rest drawn uniformly from the full alphabet, then
// a Fisher-Yates shuffle over the whole sequence.
func (e *Engine) generateSecret() (string, error) {
	buf := make([]byte, e.length)

	// Guarantee at least one letter and one digit.
	i, err := randIndex(len(letters))
	if err != nil {
		return "", err
	}
	buf[0] = letters[i]
	i, err = randIndex(len(digits))
	if err != nil {
		return "", err
	}
	buf[1] = digits[i]

	for pos := 2; pos < e.length; pos++ {
		i, err = randIndex(len(alphabet))
		if err != nil {
			return "", err
		}
		buf[pos] = alphabet[i]
	}

	// Fisher-Yates shuffle so the guaranteed characters land anywhere.
	for pos := e.length - 1; pos > 0; pos-- {
		j, err := randIndex(pos + 1)
		if err != nil {
			return "", err
		}
		buf[pos], buf[j] = buf[j], buf[pos]
	}

	return string(buf), nil
}

// Validate compares the submitted input against the challenge secret.
// Case-insensitive mode upper-cases both sides before comparing.
func (e *Engine) Validate(c *Challenge, input string, caseSensitive bool) bool {
	if c == nil {
		return false
	}
	if caseSensitive {
		return input == c.secret
	}
	return strings.ToUpper(input) == strings.ToUpper(c.secret)
}

// Refresh replaces the challenge secret without judging an attempt.
// The accumulated attempt count carries over: an explicit refresh is
// not a way to escape the lockout budget.
func (e *Engine) Refresh(c *Challenge) (*Challenge, error) {
	if c == nil {
		return e.Generate()
	}
	next, err := e.generateSecret()
	if err != nil {
		return nil, err
	}
	for next == c.secret {
		next, err = e.generateSecret()
		if err != nil {
			return nil, err
		}
	}
	return &Challenge{secret: next, attempts: c.attempts}, nil
}

// RecordFailure registers a failed attempt against the challenge.
//
// When the attempt count reaches the threshold it returns ErrLockedOut
// and no replacement challenge; the caller must treat the gate session
// as terminated. Otherwise it returns a regenerated challenge carrying
// the accumulated attempt count. The replacement secret is guaranteed
// to differ from the one just judged wrong.
func (e *Engine) RecordFailure(c *Challenge) (*Challenge, error) {
	if c == nil {
		return nil, errors.New("captcha: nil challenge")
	}
	c.attempts++
	if c.attempts >= e.maxAttempts {
		return nil, ErrLockedOut
	}

	next, err := e.generateSecret()
	if err != nil {
		return nil, err
	}
	// A repeat is astronomically unlikely but the contract forbids it.
	for next == c.secret {
		next, err = e.generateSecret()
		if err != nil {
			return nil, err
		}
	}
	return &Challenge{secret: next, attempts: c.attempts}, nil
}

// randIndex returns a uniform random index in [0, n).
func randIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("captcha: random generation failed: %w", err)
	}
	return int(v.Int64()), nil
}
