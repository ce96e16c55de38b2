// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package roles defines the fixed role hierarchy used for access decisions.
//
// The hierarchy is a total order from weakest to strongest:
// guest < employee < department_head < admin. It never changes at
// runtime; every access decision in the verification engine reduces to
// a rank comparison against this order.
package roles

// Role identifies a principal's position in the hierarchy.
type Role string

const (
	// Guest is the weakest role, granted to external or unverified users.
	Guest Role = "guest"

	// Employee is a regular organization member.
	Employee Role = "employee"

	// DepartmentHead manages a department and its members' files.
	DepartmentHead Role = "department_head"

	// Admin is the strongest role with full management capability.
	Admin Role = "admin"
)

// Rank returns the position of a role in the hierarchy.
// Higher is stronger. Unknown roles rank below Guest.
func Rank(r Role) int {
	switch r {
	case Guest:
		return 0
	case Employee:
		return 1
	case DepartmentHead:
		return 2
	case Admin:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether role a carries at least the capability of role b.
func AtLeast(a, b Role) bool {
	return Rank(a) >= Rank(b)
}

// Known reports whether r is a member of the closed role set.
func Known(r Role) bool {
	return Rank(r) >= 0
}
