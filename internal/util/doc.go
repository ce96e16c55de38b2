// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across the engine.
//
// # Key Functions
//
// Type Conversion:
//   - IntToString: Numeric to string conversion
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe string truncation with ellipsis
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
package util
