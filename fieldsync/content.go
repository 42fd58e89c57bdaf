// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Content and photo operations outside the batch protocol. Geometry
// aggregates are pushed/pulled wholesale (they are large and edited in rapid
// bursts, so queuing every micro-edit would flood the mutation queue), and
// photo creation carries image bytes the JSON batch cannot.

// FetchProject returns a project with its geometry aggregate for the
// client's pull-side content merge
func (s *SyncService) FetchProject(ctx context.Context, id string) (*ProjectRecord, error) {
	p, err := s.projects.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ReplaceProjectContent stores a device's full aggregate push under the
// device's own edit timestamp. Clients that omit the timestamp get arrival
// time, which trades tie-favors-local precision for still-working pushes.
func (s *SyncService) ReplaceProjectContent(ctx context.Context, id string, content *ProjectContent, updatedAt time.Time) error {
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	if err := s.projects.PutContent(ctx, id, content, updatedAt); err != nil {
		return fmt.Errorf("replace content for project %s: %w", id, err)
	}
	return nil
}

// ListProjectPhotos returns the remote photo records for a project
func (s *SyncService) ListProjectPhotos(ctx context.Context, projectID string) ([]PhotoRecord, error) {
	photos, err := s.photos.ListProjectPhotos(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list photos for project %s: %w", projectID, err)
	}
	return photos, nil
}

// CreatePhotoFromUpload creates a photo record from the binary upload
// endpoint and returns it with its assigned server identifier
func (s *SyncService) CreatePhotoFromUpload(ctx context.Context, projectID string, lat, lng float64, notes, description string, image []byte) (*PhotoRecord, error) {
	record := &PhotoRecord{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Lat:         lat,
		Lng:         lng,
		Notes:       notes,
		Description: description,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.photos.CreatePhoto(ctx, record, image); err != nil {
		return nil, fmt.Errorf("create photo: %w", err)
	}
	return record, nil
}
