// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package trustgate is the continuous-verification session engine for
// the VaultFS zero-trust file-management client.
//
// A principal earns trust by passing a sequence of gates (credential
// check, one-time code, visual challenge) and loses it again on
// inactivity, challenge lockout, or logout. The engine owns the single
// authoritative verification record; view code consumes only
// CheckAccess and the explicit transition operations.
//
// Typical wiring:
//
//	cfg, err := trustgate.LoadConfig(dir)
//	eng, err := trustgate.NewFromConfig(cfg, authenticator, dispatcher)
//	defer eng.Close()
//
//	err = eng.SubmitCredentials(ctx, id, secret)
//	err = eng.RequestSecondFactor(ctx)
//	err = eng.SubmitSecondFactor(code)
//	ch, err := eng.BeginChallenge()
//	err = eng.SubmitChallenge(answer)
//	eng.StartWatch(ctx)
//
//	if eng.CheckAccess(trustgate.RoleEmployee) { ... }
//
// This package is a thin facade; the implementation lives in the
// internal packages.
package trustgate

import (
	"github.com/vaultfs/trustgate/internal/audit"
	"github.com/vaultfs/trustgate/internal/captcha"
	"github.com/vaultfs/trustgate/internal/config"
	"github.com/vaultfs/trustgate/internal/engine"
	"github.com/vaultfs/trustgate/internal/identity"
	"github.com/vaultfs/trustgate/internal/otp"
	"github.com/vaultfs/trustgate/internal/roles"
	"github.com/vaultfs/trustgate/internal/store"
)

// =============================================================================
// TYPES
// =============================================================================

type (
	// Engine sequences the verification gates for one principal.
	Engine = engine.Engine

	// State is the position in the verification sequence.
	State = engine.State

	// Option configures an Engine.
	Option = engine.Option

	// Principal is the authenticated identity subject to verification.
	Principal = identity.Principal

	// Authenticator verifies credentials against the external store.
	Authenticator = identity.Authenticator

	// AuthenticatorFunc adapts a function to the Authenticator interface.
	AuthenticatorFunc = identity.AuthenticatorFunc

	// Dispatcher delivers one-time codes to a destination address.
	Dispatcher = otp.Dispatcher

	// DispatcherFunc adapts a function to the Dispatcher interface.
	DispatcherFunc = otp.DispatcherFunc

	// Role is a position in the fixed role hierarchy.
	Role = roles.Role

	// Challenge is an outstanding visual challenge.
	Challenge = captcha.Challenge

	// Config is the engine configuration.
	Config = config.Config

	// Store is the SQLite-backed verification snapshot store.
	Store = store.Store

	// AuditLogger is the append-only audit trail.
	AuditLogger = audit.Logger
)

// Verification states.
const (
	StateUnauthenticated     = engine.StateUnauthenticated
	StateCredentialsOk       = engine.StateCredentialsOk
	StateSecondFactorPending = engine.StateSecondFactorPending
	StateSecondFactorOk      = engine.StateSecondFactorOk
	StateChallengePending    = engine.StateChallengePending
	StateChallengeOk         = engine.StateChallengeOk
	StateUnitSelected        = engine.StateUnitSelected
	StateActive              = engine.StateActive
	StateLoggedOut           = engine.StateLoggedOut
	StateExpired             = engine.StateExpired
	StateLocked              = engine.StateLocked
)

// Role hierarchy, weakest to strongest.
const (
	RoleGuest          = roles.Guest
	RoleEmployee       = roles.Employee
	RoleDepartmentHead = roles.DepartmentHead
	RoleAdmin          = roles.Admin
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidCredentials: the identifier/secret pair was rejected.
	ErrInvalidCredentials = identity.ErrInvalidCredentials

	// ErrServiceUnavailable: the authenticator could not be reached.
	ErrServiceUnavailable = identity.ErrUnavailable

	// ErrInvalidCodeFormat: the submitted code is not exactly six digits.
	ErrInvalidCodeFormat = otp.ErrCodeFormat

	// ErrInvalidCode: a well-formed code that does not match.
	ErrInvalidCode = otp.ErrCodeMismatch

	// ErrCodeExpired: the outstanding code outlived its TTL.
	ErrCodeExpired = otp.ErrCodeExpired

	// ErrResendThrottled: a resend was requested too soon.
	ErrResendThrottled = otp.ErrThrottled

	// ErrDispatchFailed: the code was issued but could not be delivered.
	ErrDispatchFailed = otp.ErrDispatch

	// ErrChallengeMismatch: a wrong challenge answer; recoverable.
	ErrChallengeMismatch = captcha.ErrChallengeMismatch

	// ErrChallengeLockedOut: the challenge attempt budget is exhausted.
	ErrChallengeLockedOut = captcha.ErrLockedOut

	// ErrSessionExpired: the inactivity quota ran out.
	ErrSessionExpired = engine.ErrSessionExpired

	// ErrIllegalTransition: an operation invoked from the wrong state.
	ErrIllegalTransition = engine.ErrIllegalTransition
)

// =============================================================================
// CONSTRUCTION
// =============================================================================

// New creates a verification engine.
func New(authenticator Authenticator, dispatcher Dispatcher, opts ...Option) (*Engine, error) {
	return engine.New(authenticator, dispatcher, opts...)
}

// NewFromConfig builds a fully wired engine (snapshot store, audit
// trail, gates) from configuration.
func NewFromConfig(cfg *Config, authenticator Authenticator, dispatcher Dispatcher) (*Engine, error) {
	return engine.NewFromConfig(cfg, authenticator, dispatcher)
}

// LoadConfig reads the configuration from dir, applying defaults and
// TRUSTGATE_* environment overrides.
func LoadConfig(dir string) (*Config, error) {
	return config.Load(dir)
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return config.Default()
}

// OpenStore opens a snapshot store rooted at dir, for wiring through
// WithStore when NewFromConfig is too coarse.
func OpenStore(dir string) (*Store, error) {
	return store.Open(dir)
}

// NewAuditLogger opens an audit trail at path.
func NewAuditLogger(path string) (*AuditLogger, error) {
	return audit.NewLogger(path)
}

// Engine options, re-exported for callers composing New directly.
var (
	WithStore           = engine.WithStore
	WithAudit           = engine.WithAudit
	WithClock           = engine.WithClock
	WithCaseSensitive   = engine.WithCaseSensitive
	WithTickInterval    = engine.WithTickInterval
	WithExpiryWarning   = engine.WithExpiryWarning
	WithExpiryCallback  = engine.WithExpiryCallback
	WithTOTPSecret      = engine.WithTOTPSecret
	WithCodeGate        = engine.WithCodeGate
	WithChallengeEngine = engine.WithChallengeEngine
)

// =============================================================================
// ROLE QUERIES
// =============================================================================

// Rank returns a role's position in the hierarchy; unknown roles rank
// below guest.
func Rank(r Role) int {
	return roles.Rank(r)
}

// AtLeast reports whether role a carries at least the capability of b.
func AtLeast(a, b Role) bool {
	return roles.AtLeast(a, b)
}
