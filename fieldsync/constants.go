// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package fieldsync

// Entity constants for mutation dispatch
const (
	EntityProject = "project"
	EntityPhoto   = "photo"
)

// Action constants for mutation operations
const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// Status constants for per-item batch outcomes
const (
	StSuccess  = "success"
	StConflict = "conflict"
	StError    = "error"
)
