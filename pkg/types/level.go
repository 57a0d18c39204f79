// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

// Package types holds the small set of types shared across the tollgate
// ingestion contract: invocation descriptors and enforcement decisions.
package types

// Level is the escalation level of an enforcement decision, in increasing
// severity.
type Level string

const (
	LevelNormal       Level = "normal"
	LevelGuidance     Level = "guidance"
	LevelImperative   Level = "imperative"
	LevelFinalWarning Level = "final_warning"
	LevelBlocked      Level = "blocked"
)

// Valid reports whether the level is a known escalation level.
func (l Level) Valid() bool {
	switch l {
	case LevelNormal, LevelGuidance, LevelImperative, LevelFinalWarning, LevelBlocked:
		return true
	default:
		return false
	}
}

// Severity returns the level's rank for comparisons; higher is worse.
func (l Level) Severity() int {
	switch l {
	case LevelGuidance:
		return 1
	case LevelImperative:
		return 2
	case LevelFinalWarning:
		return 3
	case LevelBlocked:
		return 4
	default:
		return 0
	}
}
