// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

// State is the explicit position in the verification sequence. The
// verified flags in the persisted snapshot are derived from it; the
// tagged state is authoritative.
type State int

const (
	// StateUnauthenticated is the empty initial state.
	StateUnauthenticated State = iota

	// StateCredentialsOk means the credential gate passed.
	StateCredentialsOk

	// StateSecondFactorPending means a one-time code is outstanding.
	StateSecondFactorPending

	// StateSecondFactorOk means the code gate passed.
	StateSecondFactorOk

	// StateChallengePending means a visual challenge is outstanding.
	StateChallengePending

	// StateChallengeOk means every gate has passed.
	StateChallengeOk

	// StateUnitSelected means the organizational unit has been chosen.
	// Capability-equivalent to StateActive.
	StateUnitSelected

	// StateActive is the fully trusted working state.
	StateActive

	// StateLoggedOut is the terminal state after an explicit logout.
	StateLoggedOut

	// StateExpired is the terminal state after the inactivity quota ran out.
	StateExpired

	// StateLocked is the terminal state after challenge lockout.
	StateLocked
)

var stateNames = map[State]string{
	StateUnauthenticated:     "unauthenticated",
	StateCredentialsOk:       "credentials_ok",
	StateSecondFactorPending: "second_factor_pending",
	StateSecondFactorOk:      "second_factor_ok",
	StateChallengePending:    "challenge_pending",
	StateChallengeOk:         "challenge_ok",
	StateUnitSelected:        "unit_selected",
	StateActive:              "active",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateExpired:
		return "expired"
	case StateLocked:
		return "locked"
	}
	return "unknown"
}

// Terminal reports whether the state is a dead end requiring a fresh
// credential submission.
func (s State) Terminal() bool {
	return s == StateLoggedOut || s == StateExpired || s == StateLocked
}

// parseState maps a persisted state name back to its State. Terminal
// and unknown names do not round-trip: a snapshot carrying one is
// treated as absent.
func parseState(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return StateUnauthenticated, false
}
