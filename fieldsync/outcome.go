// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
)

// outcomeSuccess creates a result for successfully applied mutations
func outcomeSuccess(localID, serverID string) MutationResult {
	return MutationResult{
		LocalID:  localID,
		ServerID: serverID,
		Status:   StSuccess,
	}
}

// outcomeConflict creates a result carrying the current server record for
// mutations that lost a last-writer-wins comparison
func outcomeConflict(localID string, serverRecord json.RawMessage) MutationResult {
	return MutationResult{
		LocalID:       localID,
		Status:        StConflict,
		ServerVersion: serverRecord,
	}
}

// outcomeError creates a result for mutations that could not be applied
func outcomeError(localID string, err error) MutationResult {
	return MutationResult{
		LocalID: localID,
		Status:  StError,
		Error:   err.Error(),
	}
}
