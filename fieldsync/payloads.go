// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"fmt"
)

// Typed mutation payloads, keyed by (entity, action). The batch endpoint
// decodes each item's raw data into exactly one of these variants and rejects
// unrecognized combinations with UnknownMutationError instead of passing an
// untyped object through.

// ProjectCreatePayload carries the fields for project / CREATE.
// ID is the client's temporary local identifier; it is echoed back as the
// result's localId so the device can bind the new serverId to its record.
type ProjectCreatePayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ProjectUpdatePayload carries the fields for project / UPDATE.
// ID is expected to already be a server-canonical identifier; the client
// driver resolves temporary identifiers before dispatch.
type ProjectUpdatePayload struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// PhotoUpdatePayload carries the fields for photo / UPDATE
type PhotoUpdatePayload struct {
	ID          string  `json:"id"`
	Notes       *string `json:"notes,omitempty"`
	Description *string `json:"description,omitempty"`
}

// DeletePayload carries the identifier for project / DELETE and photo / DELETE
type DeletePayload struct {
	ID string `json:"id"`
}

// PhotoCreatePayload exists only so the batch path can name what it rejects;
// photo creation must go through the binary upload endpoint.
type PhotoCreatePayload struct {
	ID string `json:"id"`
}

// UnknownMutationError reports an unrecognized (entity, action) combination
type UnknownMutationError struct {
	Entity string
	Action string
}

func (e *UnknownMutationError) Error() string {
	return fmt.Sprintf("unknown mutation %s/%s", e.Entity, e.Action)
}

// decodeMutation decodes an envelope's raw data into the concrete payload
// variant for its (entity, action) tag. It validates the fields the dispatch
// path depends on so handlers never see a half-formed payload.
func decodeMutation(env *MutationEnvelope) (any, error) {
	switch env.Entity {
	case EntityProject:
		switch env.Action {
		case ActionCreate:
			var p ProjectCreatePayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, fmt.Errorf("bad project create payload: %w", err)
			}
			if p.Name == "" {
				return nil, fmt.Errorf("project create requires a name")
			}
			return &p, nil
		case ActionUpdate:
			var p ProjectUpdatePayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, fmt.Errorf("bad project update payload: %w", err)
			}
			if p.ID == "" {
				return nil, fmt.Errorf("project update requires an id")
			}
			return &p, nil
		case ActionDelete:
			var p DeletePayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, fmt.Errorf("bad project delete payload: %w", err)
			}
			if p.ID == "" {
				return nil, fmt.Errorf("project delete requires an id")
			}
			return &p, nil
		}
	case EntityPhoto:
		switch env.Action {
		case ActionCreate:
			var p PhotoCreatePayload
			_ = json.Unmarshal(env.Data, &p)
			return &p, nil
		case ActionUpdate:
			var p PhotoUpdatePayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, fmt.Errorf("bad photo update payload: %w", err)
			}
			if p.ID == "" {
				return nil, fmt.Errorf("photo update requires an id")
			}
			return &p, nil
		case ActionDelete:
			var p DeletePayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, fmt.Errorf("bad photo delete payload: %w", err)
			}
			if p.ID == "" {
				return nil, fmt.Errorf("photo delete requires an id")
			}
			return &p, nil
		}
	}
	return nil, &UnknownMutationError{Entity: env.Entity, Action: env.Action}
}
