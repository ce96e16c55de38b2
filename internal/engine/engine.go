// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine implements the continuous-verification state machine.
//
// A principal is driven through a sequence of gates (credential check,
// one-time code, visual challenge) before being treated as trusted, and
// trust decays back to nothing on inactivity, lockout, or logout. The
// engine owns the only authoritative verification record; every access
// decision in the application reduces to CheckAccess against it.
//
// All transitions are serialized under one mutex per engine. Expiry is
// enforced both lazily (every read and transition checks the deadline
// first) and by an advisory watcher tick, so there is no window in
// which an expired session still answers CheckAccess with true.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultfs/trustgate/internal/audit"
	"github.com/vaultfs/trustgate/internal/captcha"
	"github.com/vaultfs/trustgate/internal/config"
	"github.com/vaultfs/trustgate/internal/identity"
	"github.com/vaultfs/trustgate/internal/otp"
	"github.com/vaultfs/trustgate/internal/roles"
	"github.com/vaultfs/trustgate/internal/session"
	"github.com/vaultfs/trustgate/internal/store"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrIllegalTransition indicates an operation was invoked from a
	// state that does not permit it. This is a caller bug, not a
	// user-facing condition.
	ErrIllegalTransition = errors.New("engine: illegal transition")

	// ErrSessionExpired indicates the inactivity quota ran out. Fatal to
	// the session; a fresh credential submission is required.
	ErrSessionExpired = errors.New("engine: session expired")

	// ErrNotEnrolled indicates no authenticator-app secret is registered
	// for the principal.
	ErrNotEnrolled = errors.New("engine: principal has no authenticator enrollment")
)

// =============================================================================
// STORE CONTRACT
// =============================================================================

// StateStore is the persistence surface the engine writes through.
// *store.Store satisfies it.
type StateStore interface {
	Save(store.Snapshot) error
	Load() (store.Snapshot, bool, error)
	Clear() error
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine sequences the verification gates for one principal at a time.
// Safe for concurrent use; every operation takes the engine lock.
type Engine struct {
	mu sync.Mutex

	state     State
	sessionID string
	principal identity.Principal

	credentialVerified   bool
	secondFactorVerified bool
	challengeVerified    bool

	lifecycle  *session.Lifecycle
	challenge  *captcha.Challenge
	codeIssued bool
	warned     bool

	authenticator identity.Authenticator
	codes         *otp.Gate
	challenges    *captcha.Engine
	caseSensitive bool
	totpSecrets   map[string]string

	store StateStore
	audit *audit.Logger
	now   func() time.Time

	watcher    *session.Watcher
	tick       time.Duration
	warnBefore time.Duration
	onWarning  func(remaining time.Duration)
	onExpired  func()

	closers []io.Closer
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence surface. A prior snapshot is restored
// during construction.
func WithStore(s StateStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithAudit sets the audit logger. Nil disables auditing.
func WithAudit(l *audit.Logger) Option {
	return func(e *Engine) { e.audit = l }
}

// WithClock overrides the time source. Test use.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithCodeGate replaces the default one-time-code gate.
func WithCodeGate(g *otp.Gate) Option {
	return func(e *Engine) { e.codes = g }
}

// WithChallengeEngine replaces the default challenge engine.
func WithChallengeEngine(c *captcha.Engine) Option {
	return func(e *Engine) { e.challenges = c }
}

// WithCaseSensitive controls challenge answer comparison. Default true.
func WithCaseSensitive(b bool) Option {
	return func(e *Engine) { e.caseSensitive = b }
}

// WithTickInterval sets the advisory expiry-check cadence.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tick = d
		}
	}
}

// WithExpiryWarning installs a callback fired once per session when the
// remaining quota first drops below the given duration.
func WithExpiryWarning(before time.Duration, fn func(remaining time.Duration)) Option {
	return func(e *Engine) {
		e.warnBefore = before
		e.onWarning = fn
	}
}

// WithExpiryCallback installs a callback fired when the watcher forces
// the terminal expiry transition.
func WithExpiryCallback(fn func()) Option {
	return func(e *Engine) { e.onExpired = fn }
}

// WithTOTPSecret registers an authenticator-app shared secret for a
// principal, enabling SubmitTOTP as an alternative second factor.
func WithTOTPSecret(principalID, secret string) Option {
	return func(e *Engine) { e.totpSecrets[principalID] = secret }
}

// New creates a verification engine. The authenticator verifies
// credentials; the dispatcher delivers one-time codes. If a store is
// configured, a surviving snapshot is restored; an already-expired
// snapshot restores straight into the terminal expired state.
func New(authenticator identity.Authenticator, dispatcher otp.Dispatcher, opts ...Option) (*Engine, error) {
	e := &Engine{
		state:         StateUnauthenticated,
		authenticator: authenticator,
		caseSensitive: true,
		totpSecrets:   make(map[string]string),
		now:           time.Now,
		tick:          session.DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.codes == nil {
		e.codes = otp.NewGate(dispatcher, otp.WithClock(e.now))
	}
	if e.challenges == nil {
		e.challenges = captcha.NewEngine()
	}

	if e.store != nil {
		if err := e.restore(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// NewFromConfig builds a fully wired engine from configuration: the
// snapshot store and audit log are opened under the configured state
// directory and closed by Close.
func NewFromConfig(cfg *config.Config, authenticator identity.Authenticator, dispatcher otp.Dispatcher) (*Engine, error) {
	dir := cfg.Store.Path
	if dir == "" {
		var err error
		dir, err = config.Dir()
		if err != nil {
			return nil, err
		}
	}

	st, err := store.Open(dir)
	if err != nil {
		return nil, err
	}

	var log *audit.Logger
	if cfg.Audit.Enabled {
		path := cfg.Audit.LogPath
		if path == "" {
			path = filepath.Join(dir, "audit.log")
		}
		log, err = audit.NewLogger(path)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	gate := otp.NewGate(dispatcher,
		otp.WithTTL(time.Duration(cfg.Code.TTLSecs)*time.Second),
		otp.WithResendInterval(time.Duration(cfg.Code.ResendIntervalSecs)*time.Second),
	)
	challenges := captcha.NewEngine(
		captcha.WithLength(cfg.Challenge.Length),
		captcha.WithMaxAttempts(cfg.Challenge.MaxAttempts),
	)

	e, err := New(authenticator, dispatcher,
		WithStore(st),
		WithAudit(log),
		WithCodeGate(gate),
		WithChallengeEngine(challenges),
		WithCaseSensitive(cfg.Challenge.CaseSensitive),
		WithTickInterval(time.Duration(cfg.Session.TickIntervalSecs)*time.Second),
	)
	if err != nil {
		st.Close()
		log.Close()
		return nil, err
	}
	e.closers = append(e.closers, st)
	if log != nil {
		e.closers = append(e.closers, log)
	}
	return e, nil
}

// Close stops the watcher and releases resources the engine opened
// itself. The verification state is left persisted for restore.
func (e *Engine) Close() error {
	e.mu.Lock()
	w := e.detachWatcherLocked()
	closers := e.closers
	e.closers = nil
	e.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	var first error
	for _, c := range closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// =============================================================================
// READS
// =============================================================================

// State returns the current position in the verification sequence,
// after lazy expiry enforcement.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkExpiryLocked()
	return e.state
}

// SessionID returns the current session identifier, empty when no
// session is established.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Principal returns the authenticated principal. Zero value before the
// credential gate passes.
func (e *Engine) Principal() identity.Principal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.principal
}

// Challenge returns the outstanding visual challenge, nil when none.
func (e *Engine) Challenge() *captcha.Challenge {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.challenge
}

// Remaining returns the time left before expiry, zero when no session
// is running.
func (e *Engine) Remaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lifecycle == nil || e.state.Terminal() {
		return 0
	}
	return e.lifecycle.Remaining(e.now())
}

// Ratio returns remaining time as a fraction of the role's full quota.
func (e *Engine) Ratio() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lifecycle == nil || e.state.Terminal() {
		return 0
	}
	return e.lifecycle.Ratio(e.now())
}

// CheckAccess reports whether the principal currently holds at least
// the required role. Pure read apart from lazy expiry enforcement:
// the instant the deadline passes this returns false, with no
// stale-true window.
func (e *Engine) CheckAccess(required roles.Role) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkExpiryLocked()
	return e.credentialVerified &&
		e.secondFactorVerified &&
		e.challengeVerified &&
		roles.AtLeast(e.principal.Role, required)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// SubmitCredentials drives the credential gate. On success a fresh
// session starts; principals that do not require a second factor skip
// the code and challenge gates entirely and land in the active state.
//
// Permitted from the initial state and from any terminal state.
// Failures pass through identity.ErrInvalidCredentials and
// identity.ErrUnavailable and leave the state untouched.
func (e *Engine) SubmitCredentials(ctx context.Context, identifier, secret string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateUnauthenticated && !e.state.Terminal() {
		return ErrIllegalTransition
	}

	p, err := e.authenticator.Authenticate(ctx, identifier, secret)
	if err != nil {
		event := audit.EventCredentialsRejected
		if errors.Is(err, identity.ErrUnavailable) {
			event = audit.EventAuthUnavailable
		}
		e.auditLocked(audit.Event{
			EventType: event,
			Principal: audit.MaskPrincipal(identifier),
			Error:     err.Error(),
		})
		return err
	}

	e.resetLocked()
	e.sessionID = uuid.NewString()
	e.principal = p
	e.credentialVerified = true
	e.lifecycle = session.Start(p.Role, e.now)

	if p.RequiresSecondFactor {
		e.state = StateCredentialsOk
	} else {
		e.secondFactorVerified = true
		e.challengeVerified = true
		e.state = StateActive
	}

	e.auditLocked(audit.Event{
		EventType: audit.EventCredentialsOk,
		Principal: audit.MaskPrincipal(p.ID),
		Success:   true,
	})
	e.auditLocked(audit.Event{
		EventType: audit.EventSessionStarted,
		Principal: audit.MaskPrincipal(p.ID),
		Success:   true,
		Metadata:  map[string]string{"role": string(p.Role)},
	})
	return e.persistLocked()
}

// RequestSecondFactor issues a one-time code to the principal's
// address. Idempotent while a code is outstanding: repeated calls in
// the pending window do not re-issue; use ResendSecondFactor for an
// explicit re-issue.
//
// A dispatch failure does not roll back issuance: the state advances
// and the wrapped otp.ErrDispatch is returned for the caller to
// surface.
func (e *Engine) RequestSecondFactor(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLiveLocked(); err != nil {
		return err
	}
	if e.state == StateSecondFactorPending && e.codeIssued {
		return nil
	}
	if e.state != StateCredentialsOk && e.state != StateSecondFactorPending {
		return ErrIllegalTransition
	}

	issueErr := e.codes.Issue(ctx, e.principal.ID, e.principal.Address)
	if issueErr != nil && !errors.Is(issueErr, otp.ErrDispatch) {
		return issueErr
	}

	e.codeIssued = true
	e.state = StateSecondFactorPending
	e.auditLocked(audit.Event{
		EventType: audit.EventCodeIssued,
		SessionID: e.sessionID,
		Principal: audit.MaskPrincipal(e.principal.ID),
		Success:   issueErr == nil,
		Error:     errString(issueErr),
	})
	if err := e.persistLocked(); err != nil {
		return err
	}
	return issueErr
}

// ResendSecondFactor re-issues the code, superseding the outstanding
// one. Throttled per principal; a too-soon request returns
// otp.ErrThrottled and keeps the outstanding code valid.
func (e *Engine) ResendSecondFactor(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLiveLocked(); err != nil {
		return err
	}
	if e.state != StateSecondFactorPending {
		return ErrIllegalTransition
	}

	err := e.codes.Resend(ctx, e.principal.ID, e.principal.Address)
	if err != nil && !errors.Is(err, otp.ErrDispatch) {
		return err
	}
	e.auditLocked(audit.Event{
		EventType: audit.EventCodeResent,
		SessionID: e.sessionID,
		Principal: audit.MaskPrincipal(e.principal.ID),
		Success:   err == nil,
		Error:     errString(err),
	})
	return err
}

// SubmitSecondFactor drives the code gate. Failure is recoverable in
// place: the state stays pending and the caller may retry. Malformed
// input reports otp.ErrCodeFormat, distinct from otp.ErrCodeMismatch.
func (e *Engine) SubmitSecondFactor(code string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLiveLocked(); err != nil {
		return err
	}
	if e.state != StateSecondFactorPending {
		return ErrIllegalTransition
	}

	if err := e.codes.Verify(e.principal.ID, code); err != nil {
		e.auditLocked(audit.Event{
			EventType: audit.EventCodeRejected,
			SessionID: e.sessionID,
			Principal: audit.MaskPrincipal(e.principal.ID),
			Error:     err.Error(),
		})
		return err
	}
	return e.passSecondFactorLocked()
}

// SubmitTOTP drives the code gate with an authenticator-app passcode
// instead of a dispatched code. Requires a registered enrollment.
func (e *Engine) SubmitTOTP(passcode string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLiveLocked(); err != nil {
		return err
	}
	if e.state != StateCredentialsOk && e.state != StateSecondFactorPending {
		return ErrIllegalTransition
	}

	secret, ok := e.totpSecrets[e.principal.ID]
	if !ok {
		return ErrNotEnrolled
	}
	if err := otp.VerifyTOTP(secret, passcode); err != nil {
		e.auditLocked(audit.Event{
			EventType: audit.EventCodeRejected,
			SessionID: e.sessionID,
			Principal: audit.MaskPrincipal(e.principal.ID),
			Error:     err.Error(),
		})
		return err
	}
	// A passcode supersedes any dispatched code still outstanding.
	e.codes.Invalidate(e.principal.ID)
	return e.passSecondFactorLocked()
}

func (e *Engine) passSecondFactorLocked() error {
	e.secondFactorVerified = true
	e.lifecycle.Touch()
	e.warned = false
	e.state = StateSecondFactorOk
	e.auditLocked(audit.Event{
		EventType: audit.EventCodeVerified,
		SessionID: e.sessionID,
		Principal: audit.MaskPrincipal(e.principal.ID),
		Success:   true,
	})
	return e.persistLocked()
}

// BeginChallenge enters the visual challenge gate with a fresh
// challenge and a zero attempt count. Idempotent while the gate is
// pending: the outstanding challenge is returned unchanged.
func (e *Engine) BeginChallenge() (*captcha.Challenge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLiveLocked(); err != nil {
		return nil, err
	}
	if e.state == StateChallengePending && e.challenge != nil {
		return e.challenge, nil
	}
	if e.state != StateSecondFactorOk && e.state != StateChallengePending {
		return nil, ErrIllegalTransition
	}

	c, err := e.challenges.Generate()
	if err != nil {
		return nil, err
	}
	e.challenge = c
	e.state = StateChallengePending
	e.auditLocked(audit.Event{
		EventType: audit.EventChallengeCreated,
		SessionID: e.sessionID,
		Principal: audit.MaskPrincipal(e.principal.ID),
		Success:   true,
	})
	if err := e.persistLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// RefreshChallenge replaces the outstanding challenge secret on
// explicit user request. The attempt count carries over; refreshing is
// not a way around the lockout budget.
func (e *Engine) RefreshChallenge() (*captcha.Challenge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLiveLocked(); err != nil {
		return nil, err
	}
	if e.state != StateChallengePending {
		return nil, ErrIllegalTransition
	}

	c, err := e.challenges.Refresh(e.challenge)
	if err != nil {
		return nil, err
	}
	e.challenge = c
	return c, nil
}

// SubmitChallenge drives the visual challenge gate. A wrong answer
// replaces the challenge and reports captcha.ErrLockedOut once the
// attempt budget is exhausted; lockout is terminal and forces a full
// re-authentication.
func (e *Engine) SubmitChallenge(input string) error {
	e.mu.Lock()

	if err := e.requireLiveLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.state != StateChallengePending || e.challenge == nil {
		e.mu.Unlock()
		return ErrIllegalTransition
	}

	if e.challenges.Validate(e.challenge, input, e.caseSensitive) {
		e.challengeVerified = true
		e.challenge = nil
		e.lifecycle.Touch()
		e.warned = false
		e.state = StateChallengeOk
		e.auditLocked(audit.Event{
			EventType: audit.EventChallengeVerified,
			SessionID: e.sessionID,
			Principal: audit.MaskPrincipal(e.principal.ID),
			Success:   true,
		})
		err := e.persistLocked()
		e.mu.Unlock()
		return err
	}

	next, err := e.challenges.RecordFailure(e.challenge)
	if errors.Is(err, captcha.ErrLockedOut) {
		e.auditLocked(audit.Event{
			EventType: audit.EventChallengeLockout,
			SessionID: e.sessionID,
			Principal: audit.MaskPrincipal(e.principal.ID),
			Error:     err.Error(),
		})
		e.codes.Invalidate(e.principal.ID)
		e.resetLocked()
		e.state = StateLocked
		persistErr := e.persistLocked()
		w := e.detachWatcherLocked()
		e.mu.Unlock()

		if w != nil {
			w.Stop()
		}
		if persistErr != nil {
			return persistErr
		}
		return captcha.ErrLockedOut
	}
	if err != nil {
		e.mu.Unlock()
		return err
	}

	e.challenge = next
	e.auditLocked(audit.Event{
		EventType: audit.EventChallengeRejected,
		SessionID: e.sessionID,
		Principal: audit.MaskPrincipal(e.principal.ID),
		Metadata:  map[string]string{"attempts": fmt.Sprintf("%d", next.Attempts())},
	})
	e.mu.Unlock()
	return captcha.ErrChallengeMismatch
}

// SelectUnit records the organizational unit, exactly once, after all
// gates have passed.
func (e *Engine) SelectUnit(unitRef string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLiveLocked(); err != nil {
		return err
	}
	allVerified := e.credentialVerified && e.secondFactorVerified && e.challengeVerified
	if !allVerified || e.principal.UnitRef != "" {
		return ErrIllegalTransition
	}
	if e.state != StateChallengeOk && e.state != StateActive {
		return ErrIllegalTransition
	}

	e.principal.UnitRef = unitRef
	e.state = StateUnitSelected
	e.lifecycle.Touch()
	e.warned = false
	e.auditLocked(audit.Event{
		EventType: audit.EventUnitSelected,
		SessionID: e.sessionID,
		Principal: audit.MaskPrincipal(e.principal.ID),
		Success:   true,
		Metadata:  map[string]string{"unit": unitRef},
	})
	return e.persistLocked()
}

// Activate marks the session fully active. Unit selection is optional;
// activation is permitted straight from the challenge gate.
func (e *Engine) Activate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLiveLocked(); err != nil {
		return err
	}
	if e.state != StateChallengeOk && e.state != StateUnitSelected {
		return ErrIllegalTransition
	}
	e.state = StateActive
	return e.persistLocked()
}

// Touch renews the session quota in response to an observed activity
// signal. No-op outside a live session.
func (e *Engine) Touch() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.checkExpiryLocked() || e.state.Terminal() || e.lifecycle == nil {
		return
	}
	e.lifecycle.Touch()
	e.warned = false
	_ = e.persistLocked()
}

// Logout clears the verification record from any state, invalidates
// any outstanding challenge and code, and stops the watcher.
func (e *Engine) Logout() error {
	e.mu.Lock()

	if e.principal.ID != "" {
		e.codes.Invalidate(e.principal.ID)
	}
	id := e.sessionID
	masked := audit.MaskPrincipal(e.principal.ID)
	e.resetLocked()
	e.state = StateLoggedOut
	e.auditLocked(audit.Event{
		EventType: audit.EventLogout,
		SessionID: id,
		Principal: masked,
		Success:   true,
	})
	persistErr := e.persistLocked()
	w := e.detachWatcherLocked()
	e.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	return persistErr
}

// =============================================================================
// EXPIRY WATCH
// =============================================================================

// StartWatch launches the advisory expiry tick for the current session.
// Each tick checks the deadline and forces the terminal expiry
// transition exactly once. Any previous watch is stopped first.
func (e *Engine) StartWatch(ctx context.Context) {
	e.mu.Lock()
	old := e.detachWatcherLocked()
	w := session.NewWatcher(e.tick, e.watchTick, e.watchExpired)
	e.watcher = w
	e.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	w.Start(ctx)
}

// watchTick is the per-tick check. It also drives the expiry warning.
// Returning true ends the watch loop, either because the session
// expired or because it went terminal some other way. The engine clock
// is authoritative; the ticker timestamp is ignored.
func (e *Engine) watchTick(_ time.Time) bool {
	var warnFn func(time.Duration)
	var remaining time.Duration

	e.mu.Lock()
	if e.state.Terminal() || e.lifecycle == nil {
		e.mu.Unlock()
		return true
	}
	remaining = e.lifecycle.Remaining(e.now())
	expired := remaining <= 0
	if !expired && !e.warned && e.warnBefore > 0 && remaining <= e.warnBefore {
		e.warned = true
		warnFn = e.onWarning
	}
	e.mu.Unlock()

	if warnFn != nil {
		warnFn(remaining)
	}
	return expired
}

// watchExpired is the once-only terminal action of the watch loop.
func (e *Engine) watchExpired() {
	e.mu.Lock()
	fired := e.checkExpiryLocked()
	cb := e.onExpired
	e.mu.Unlock()

	if fired && cb != nil {
		cb()
	}
}

// =============================================================================
// INTERNAL
// =============================================================================

// requireLiveLocked enforces lazy expiry and rejects operations from
// terminal or empty states.
func (e *Engine) requireLiveLocked() error {
	if e.checkExpiryLocked() || e.state == StateExpired {
		return ErrSessionExpired
	}
	if e.state.Terminal() || e.state == StateUnauthenticated {
		return ErrIllegalTransition
	}
	return nil
}

// checkExpiryLocked forces the terminal expiry transition if the
// deadline has passed. Returns true when the transition happened on
// this call.
func (e *Engine) checkExpiryLocked() bool {
	if e.state.Terminal() || e.state == StateUnauthenticated || e.lifecycle == nil {
		return false
	}
	if !e.lifecycle.IsExpired(e.now()) {
		return false
	}

	if e.principal.ID != "" {
		e.codes.Invalidate(e.principal.ID)
	}
	e.auditLocked(audit.Event{
		EventType: audit.EventSessionExpired,
		SessionID: e.sessionID,
		Principal: audit.MaskPrincipal(e.principal.ID),
	})
	e.resetLocked()
	e.state = StateExpired
	_ = e.persistLocked()
	return true
}

// resetLocked clears the verification record to empty. The caller sets
// the next state.
func (e *Engine) resetLocked() {
	e.state = StateUnauthenticated
	e.sessionID = ""
	e.principal = identity.Principal{}
	e.credentialVerified = false
	e.secondFactorVerified = false
	e.challengeVerified = false
	e.lifecycle = nil
	e.challenge = nil
	e.codeIssued = false
	e.warned = false
}

// persistLocked writes the authoritative record through the single
// store path. Terminal and empty states clear the snapshot instead.
func (e *Engine) persistLocked() error {
	if e.store == nil {
		return nil
	}
	if e.state == StateUnauthenticated || e.state.Terminal() {
		if err := e.store.Clear(); err != nil {
			return fmt.Errorf("engine: clear persisted state: %w", err)
		}
		return nil
	}
	snap := store.Snapshot{
		State:                e.state.String(),
		SessionID:            e.sessionID,
		CredentialVerified:   e.credentialVerified,
		SecondFactorVerified: e.secondFactorVerified,
		ChallengeVerified:    e.challengeVerified,
		Principal:            e.principal,
		SessionExpiresAt:     e.lifecycle.ExpiresAt(),
		LastActivityAt:       e.lifecycle.LastActivityAt(),
	}
	if err := e.store.Save(snap); err != nil {
		return fmt.Errorf("engine: persist state: %w", err)
	}
	return nil
}

// restore rebuilds the verification record from a persisted snapshot.
// A tampered snapshot is treated as absent (fail closed). A snapshot
// whose deadline has already passed restores straight into the
// terminal expired state, never as valid.
func (e *Engine) restore() error {
	snap, ok, err := e.store.Load()
	if errors.Is(err, store.ErrTampered) {
		e.auditLocked(audit.Event{
			EventType: audit.EventSessionRestored,
			Error:     err.Error(),
		})
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	st, valid := parseState(snap.State)
	if !valid {
		return e.store.Clear()
	}

	lc := session.Restore(snap.Principal.Role, snap.LastActivityAt, snap.SessionExpiresAt, e.now)
	if lc.IsExpired(e.now()) {
		e.state = StateExpired
		e.auditLocked(audit.Event{
			EventType: audit.EventSessionExpired,
			SessionID: snap.SessionID,
			Principal: audit.MaskPrincipal(snap.Principal.ID),
		})
		return e.store.Clear()
	}

	e.state = st
	e.sessionID = snap.SessionID
	e.principal = snap.Principal
	e.credentialVerified = snap.CredentialVerified
	e.secondFactorVerified = snap.SecondFactorVerified
	e.challengeVerified = snap.ChallengeVerified
	e.lifecycle = lc

	// Gate secrets are never persisted. A session restored mid-gate
	// re-enters that gate: the code must be re-requested and the
	// challenge regenerates on the next BeginChallenge.
	if e.state == StateChallengePending {
		e.state = StateSecondFactorOk
	}

	e.auditLocked(audit.Event{
		EventType: audit.EventSessionRestored,
		SessionID: e.sessionID,
		Principal: audit.MaskPrincipal(e.principal.ID),
		Success:   true,
	})
	return nil
}

// detachWatcherLocked removes the watcher so it can be stopped outside
// the engine lock. Stopping under the lock would deadlock against a
// tick blocked on the same lock.
func (e *Engine) detachWatcherLocked() *session.Watcher {
	w := e.watcher
	e.watcher = nil
	return w
}

func (e *Engine) auditLocked(event audit.Event) {
	event.Timestamp = e.now().UTC()
	_ = e.audit.Log(event)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
