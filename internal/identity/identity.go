// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package identity defines the principal record and the external
// credential-verification contract.
//
// Credential storage and checking live outside this codebase; the
// engine only consumes an Authenticator. The two failure modes it must
// distinguish are modelled as sentinel errors: bad credentials
// (recoverable, retry in place) and an unreachable service (surfaced
// distinctly so the caller can retry without discarding input).
package identity

import (
	"context"
	"errors"

	"github.com/vaultfs/trustgate/internal/roles"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidCredentials indicates the identifier/secret pair was rejected.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")

	// ErrUnavailable indicates the authenticator could not be reached.
	ErrUnavailable = errors.New("identity: authentication service unavailable")
)

// =============================================================================
// PRINCIPAL
// =============================================================================

// Principal is the authenticated identity subject to verification.
// It is immutable for the lifetime of a session except UnitRef, which
// the engine sets exactly once via the select-unit transition.
type Principal struct {
	// ID uniquely identifies the principal.
	ID string `json:"id"`

	// DisplayName is the human-readable name.
	DisplayName string `json:"display_name"`

	// Address is the destination for one-time-code dispatch.
	Address string `json:"address"`

	// Role is the principal's position in the role hierarchy.
	Role roles.Role `json:"role"`

	// RequiresSecondFactor controls whether the code and challenge gates
	// apply. When false both gates are skipped after credential check.
	RequiresSecondFactor bool `json:"requires_second_factor"`

	// UnitRef is an opaque organizational-unit reference. Empty until
	// selected; settable exactly once.
	UnitRef string `json:"unit_ref,omitempty"`
}

// =============================================================================
// AUTHENTICATOR
// =============================================================================

// Authenticator verifies an identifier/secret pair against the external
// credential store. Implementations must return ErrInvalidCredentials
// for rejected credentials and ErrUnavailable (possibly wrapped) when
// the backing service cannot be reached. The call is network-bound;
// callers bound it with the context.
type Authenticator interface {
	Authenticate(ctx context.Context, identifier, secret string) (Principal, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, identifier, secret string) (Principal, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, identifier, secret string) (Principal, error) {
	return f(ctx, identifier, secret)
}
