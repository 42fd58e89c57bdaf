// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package surveyqueue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Identifier reconciliation beyond the batch path: binding uploaded photos
// to their canonical identifiers, propagating those identifiers into marker
// back-references, and materializing photos other devices created.

// UploadPhoto transfers a photo's image bytes through the dedicated upload
// endpoint, binds the returned canonical identifier, and propagates it into
// every marker that references the photo by its local identifier. The
// serverPhotoIds back-reference is all another device will ever see.
func (c *Client) UploadPhoto(ctx context.Context, photoLocalID string, image []byte) (*Photo, error) {
	ph, err := c.Store.GetPhoto(ctx, photoLocalID)
	if err != nil {
		return nil, err
	}
	if ph.ServerID != "" {
		return ph, nil // already uploaded
	}

	project, err := c.Store.GetProject(ctx, ph.ProjectLocalID)
	if err != nil {
		return nil, err
	}
	projectServerID, err := c.ensureSynced(project)
	if err != nil {
		return nil, err
	}

	record, err := c.Transport.UploadPhoto(ctx, projectServerID, ph.Lat, ph.Lng, ph.Notes, ph.Description, image)
	if err != nil {
		return nil, fmt.Errorf("failed to upload photo: %w", err)
	}

	if err := c.Store.SetPhotoServerID(ctx, photoLocalID, record.ID); err != nil {
		return nil, err
	}
	if err := c.propagatePhotoServerID(ctx, ph.ProjectLocalID, photoLocalID, record.ID); err != nil {
		return nil, err
	}

	ph.ServerID = record.ID
	return ph, nil
}

// propagatePhotoServerID appends serverID to the serverPhotoIds of every
// marker whose photoIds contains the photo's local identifier
func (c *Client) propagatePhotoServerID(ctx context.Context, projectLocalID, photoLocalID, serverID string) error {
	p, err := c.Store.GetProject(ctx, projectLocalID)
	if err != nil {
		return err
	}

	changed := false
	for i := range p.Content.Markers {
		m := &p.Content.Markers[i]
		if !containsString(m.PhotoIDs, photoLocalID) || containsString(m.ServerPhotoIDs, serverID) {
			continue
		}
		m.ServerPhotoIDs = append(m.ServerPhotoIDs, serverID)
		changed = true
	}
	if !changed {
		return nil
	}

	// The back-reference must reach other devices, so this counts as a
	// content edit for last-writer-wins purposes
	return c.Store.SaveProjectContent(ctx, projectLocalID, &p.Content, time.Now().UTC())
}

// SyncProjectPhotos pulls the project's remote photo list, materializes
// records this device has never seen, and resolves markers whose
// serverPhotoIds are satisfied by the newly materialized records.
// Returns how many photos were materialized.
func (c *Client) SyncProjectPhotos(ctx context.Context, projectLocalID string) (int, error) {
	p, err := c.Store.GetProject(ctx, projectLocalID)
	if err != nil {
		return 0, err
	}
	if p.ServerID == "" {
		return 0, nil // nothing remote to pull from
	}

	remote, err := c.Transport.FetchProjectPhotos(ctx, p.ServerID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch remote photos: %w", err)
	}

	materialized := 0
	for i := range remote {
		rec := &remote[i]
		_, err := c.Store.FindPhotoByServerID(ctx, rec.ID)
		if err == nil {
			continue // already known locally
		}
		if !errors.Is(err, ErrNotFound) {
			return materialized, err
		}
		ph := &Photo{
			LocalID:        NewLocalID(),
			ServerID:       rec.ID,
			ProjectLocalID: projectLocalID,
			Lat:            rec.Lat,
			Lng:            rec.Lng,
			Notes:          rec.Notes,
			Description:    rec.Description,
			UpdatedAt:      rec.UpdatedAt,
		}
		if err := c.Store.InsertPhoto(ctx, ph); err != nil {
			return materialized, err
		}
		materialized++
	}

	if err := c.resolveMarkerPhotos(ctx, projectLocalID); err != nil {
		return materialized, err
	}
	return materialized, nil
}

// resolveMarkerPhotos fills marker photoIds from serverPhotoIds wherever a
// local record now satisfies the back-reference, deduplicating against
// localIds already present. Derived bookkeeping only: the project's
// updatedAt is left untouched so this never wins a merge on its own.
func (c *Client) resolveMarkerPhotos(ctx context.Context, projectLocalID string) error {
	p, err := c.Store.GetProject(ctx, projectLocalID)
	if err != nil {
		return err
	}

	changed := false
	for i := range p.Content.Markers {
		m := &p.Content.Markers[i]
		for _, serverID := range m.ServerPhotoIDs {
			ph, err := c.Store.FindPhotoByServerID(ctx, serverID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if containsString(m.PhotoIDs, ph.LocalID) {
				continue
			}
			m.PhotoIDs = append(m.PhotoIDs, ph.LocalID)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return c.Store.SaveProjectContent(ctx, projectLocalID, &p.Content, p.UpdatedAt)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
