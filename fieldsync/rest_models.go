// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for HTTP API requests and responses
// These models are shared with the surveyqueue client package, which builds
// and decodes the same wire shapes.

// BatchRequest represents a batch reconciliation request from a client device
type BatchRequest struct {
	Items []MutationEnvelope `json:"items"` // Ordered client-authored mutations
}

// MutationEnvelope represents a single client mutation in a batch request
type MutationEnvelope struct {
	ID        string          `json:"id"`        // Client-generated queue entry ID (unique per device)
	Action    string          `json:"action"`    // CREATE, UPDATE, DELETE
	Entity    string          `json:"entity"`    // "project" or "photo"
	Data      json.RawMessage `json:"data"`      // Payload, decoded by (entity, action)
	Timestamp time.Time       `json:"timestamp"` // Local mutation time (ISO8601)
}

// BatchResponse represents the server response to a batch request.
// Results are returned in the same order as the request items.
type BatchResponse struct {
	Results []MutationResult `json:"results"`
}

// MutationResult represents the outcome of processing a single mutation
type MutationResult struct {
	LocalID       string          `json:"localId"`                 // Echo of the client-side entity identifier
	ServerID      string          `json:"serverId,omitempty"`      // Canonical identifier (set on success)
	Status        string          `json:"status"`                  // "success", "conflict", "error"
	Error         string          `json:"error,omitempty"`         // Details when status is "error"
	ServerVersion json.RawMessage `json:"serverVersion,omitempty"` // Current server record when status is "conflict"
}

// LatLng is a WGS84 coordinate pair
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Zone is a drawn polygon on the survey map
type Zone struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	Points []LatLng `json:"points"`
	Color  string   `json:"color,omitempty"`
}

// Path is a drawn polyline on the survey map
type Path struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	Points []LatLng `json:"points"`
	Color  string   `json:"color,omitempty"`
}

// Marker is a dropped point on the survey map. PhotoIDs holds device-local
// photo identifiers and never leaves the authoring device with meaning;
// ServerPhotoIDs is the cross-device back-reference used by other devices to
// resolve the marker's photos after their own sync.
type Marker struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	Position       LatLng   `json:"position"`
	Notes          string   `json:"notes,omitempty"`
	PhotoIDs       []string `json:"photoIds,omitempty"`
	ServerPhotoIDs []string `json:"serverPhotoIds,omitempty"`
}

// ProjectContent is the composite geometry aggregate of a project.
// It is replaced wholesale by content merge, never field-merged.
type ProjectContent struct {
	Zones       []Zone   `json:"zones"`
	Paths       []Path   `json:"paths"`
	Markers     []Marker `json:"markers"`
	Coordinates *LatLng  `json:"coordinates,omitempty"` // Map origin
}

// ContentPush is the body of PUT /projects/{id}/content: the aggregate
// fields plus the device's edit timestamp. The server stores the device
// timestamp so last-writer-wins compares edit times, not arrival times; a
// device's own push must never make the remote copy look newer than the
// local one.
type ContentPush struct {
	ProjectContent
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// ProjectRecord is the server-side representation of a survey project
type ProjectRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Content     *ProjectContent `json:"content,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// PhotoRecord is the server-side representation of a geo-tagged photo
type PhotoRecord struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Notes       string    `json:"notes,omitempty"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ProjectResponse wraps a single project for GET /projects/{id}
type ProjectResponse struct {
	Project *ProjectRecord `json:"project"`
}

// ProjectPhotosResponse wraps the remote photo list for GET /photos/project/{id}
type ProjectPhotosResponse struct {
	Photos []PhotoRecord `json:"photos"`
}

// PhotoUploadResponse wraps the record created by the binary upload endpoint
type PhotoUploadResponse struct {
	Photo *PhotoRecord `json:"photo"`
}

// ErrorResponse represents an HTTP-level error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse represents service health for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	AppName string `json:"app_name"`
}
