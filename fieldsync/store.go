// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
// The batch endpoint normalizes it to a success outcome for deletes and
// updates (idempotent replay of a batch whose response was lost).
var ErrNotFound = errors.New("record not found")

// ProjectStore persists survey projects and their geometry content.
// Implementations must be safe for concurrent use; the batch endpoint may
// run concurrently for different devices.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *ProjectRecord) error
	GetProject(ctx context.Context, id string) (*ProjectRecord, error)

	// UpdateProject applies non-nil field changes and advances updatedAt.
	// Returns ErrNotFound when the record does not exist.
	UpdateProject(ctx context.Context, id string, name, description *string, updatedAt time.Time) error

	// DeleteProject removes the record. Returns ErrNotFound when absent.
	DeleteProject(ctx context.Context, id string) error

	// PutContent replaces the project's geometry aggregate wholesale
	PutContent(ctx context.Context, id string, content *ProjectContent, updatedAt time.Time) error

	// LookupAppliedCreate returns the serverId bound to an already-committed
	// create mutation, keyed by device and mutation id. Returns ErrNotFound
	// for mutations never seen. The binding must be durable: a client retries
	// a batch whose response was lost across server restarts.
	LookupAppliedCreate(ctx context.Context, deviceID, mutationID string) (string, error)

	// RecordAppliedCreate durably binds a committed create mutation to its
	// serverId
	RecordAppliedCreate(ctx context.Context, deviceID, mutationID, serverID string, appliedAt time.Time) error

	// PruneAppliedCreates drops bindings recorded before the cutoff, bounding
	// gate growth. A queue item retries at most a handful of times within
	// hours, so old bindings can never be replayed again.
	PruneAppliedCreates(ctx context.Context, before time.Time) error
}

// PhotoStore persists geo-tagged photos and their image bytes
type PhotoStore interface {
	CreatePhoto(ctx context.Context, ph *PhotoRecord, image []byte) error
	GetPhoto(ctx context.Context, id string) (*PhotoRecord, error)
	UpdatePhoto(ctx context.Context, id string, notes, description *string, updatedAt time.Time) error
	DeletePhoto(ctx context.Context, id string) error
	ListProjectPhotos(ctx context.Context, projectID string) ([]PhotoRecord, error)
}
