// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

package otp

import (
	"github.com/pquerna/otp/totp"
)

// VerifyTOTP validates an authenticator-app passcode against a shared
// TOTP secret. Used when a principal enrolls an authenticator app
// instead of receiving dispatched codes; the gate semantics (format
// check, single second factor per session) are unchanged.
func VerifyTOTP(secret, passcode string) error {
	if !isSixDigits(passcode) {
		return ErrCodeFormat
	}
	if !totp.Validate(passcode, secret) {
		return ErrCodeMismatch
	}
	return nil
}
