// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

// Package fieldsync implements the server side of GeoTech field-survey
// synchronization: the batch reconciliation endpoint that accepts
// client-authored mutations and returns per-item outcomes, plus the
// content and photo endpoints that live outside the batch protocol.
package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lambertbf98/GeoTech-sub000/internal/auth"
)

// appliedCreateRetention bounds the applied-create gate: bindings older than
// this are pruned, since a queue item stops retrying long before then
const appliedCreateRetention = 30 * 24 * time.Hour

// SyncService implements the batch reconciliation endpoint.
// It dispatches each mutation by (entity, action) to the record stores,
// isolating per-item failures so one bad mutation never fails the batch.
type SyncService struct {
	projects ProjectStore
	photos   PhotoStore
	logger   *slog.Logger
	config   *ServiceConfig
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName      string // Application name for status reporting
	MaxBatchSize int    // Maximum mutations per batch (0 = unlimited)
}

// NewSyncService creates a new sync service instance
func NewSyncService(projects ProjectStore, photos PhotoStore, config *ServiceConfig, logger *slog.Logger) *SyncService {
	if config == nil {
		config = &ServiceConfig{AppName: "geotech-sync"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		projects: projects,
		photos:   photos,
		logger:   logger,
		config:   config,
	}
}

// ProcessBatch processes an ordered list of client mutations and returns one
// result per mutation, in request order. User and device identity are read
// from ctx (see auth.SetAuthContext). Items are processed sequentially to
// preserve per-entity ordering; an error in item k never prevents items
// k+1..n from being processed, and the batch itself always succeeds for a
// well-formed request.
func (s *SyncService) ProcessBatch(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	if s.config.MaxBatchSize > 0 && len(req.Items) > s.config.MaxBatchSize {
		return nil, fmt.Errorf("batch too large: items=%d limit=%d", len(req.Items), s.config.MaxBatchSize)
	}
	userID, _ := auth.GetUserID(ctx)
	deviceID, ok := auth.GetDeviceID(ctx)
	if !ok || deviceID == "" {
		return nil, errors.New("missing device identity in context")
	}

	if err := s.projects.PruneAppliedCreates(ctx, time.Now().UTC().Add(-appliedCreateRetention)); err != nil {
		s.logger.Warn("Failed to prune applied-create gate", "error", err)
	}

	results := make([]MutationResult, len(req.Items))
	for i := range req.Items {
		results[i] = s.processItem(ctx, deviceID, &req.Items[i])
	}

	s.logger.Debug("Processed mutation batch",
		"user_id", userID, "device_id", deviceID, "items", len(req.Items))

	return &BatchResponse{Results: results}, nil
}

// processItem dispatches a single mutation. Panics are converted into the
// item's error outcome so the rest of the batch still runs.
func (s *SyncService) processItem(ctx context.Context, deviceID string, env *MutationEnvelope) (res MutationResult) {
	localID := localRef(env)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Mutation processing panicked",
				"entity", env.Entity, "action", env.Action, "mutation_id", env.ID, "panic", r)
			res = outcomeError(localID, fmt.Errorf("internal error: %v", r))
		}
	}()

	payload, err := decodeMutation(env)
	if err != nil {
		return outcomeError(localID, err)
	}

	switch p := payload.(type) {
	case *ProjectCreatePayload:
		return s.applyProjectCreate(ctx, deviceID, env, p)
	case *ProjectUpdatePayload:
		return s.applyProjectUpdate(ctx, env, p)
	case *PhotoUpdatePayload:
		return s.applyPhotoUpdate(ctx, env, p)
	case *DeletePayload:
		return s.applyDelete(ctx, env, p)
	case *PhotoCreatePayload:
		return outcomeError(localID,
			errors.New("photo create is not supported by the batch endpoint; use the binary upload endpoint"))
	default:
		return outcomeError(localID, &UnknownMutationError{Entity: env.Entity, Action: env.Action})
	}
}

func (s *SyncService) applyProjectCreate(ctx context.Context, deviceID string, env *MutationEnvelope, p *ProjectCreatePayload) MutationResult {
	// Replay of an already-committed create returns the original serverId.
	// The gate is persisted through the store so it survives server restarts.
	serverID, err := s.projects.LookupAppliedCreate(ctx, deviceID, env.ID)
	if err == nil {
		return outcomeSuccess(p.ID, serverID)
	}
	if !errors.Is(err, ErrNotFound) {
		return outcomeError(p.ID, fmt.Errorf("check applied create: %w", err))
	}

	serverID = uuid.New().String()
	record := &ProjectRecord{
		ID:          serverID,
		Name:        p.Name,
		Description: p.Description,
		UpdatedAt:   env.Timestamp,
	}
	if err := s.projects.CreateProject(ctx, record); err != nil {
		return outcomeError(p.ID, fmt.Errorf("create project: %w", err))
	}

	// The record exists either way; a lost gate write can only cost one
	// duplicate on a crash in this exact window
	if err := s.projects.RecordAppliedCreate(ctx, deviceID, env.ID, serverID, time.Now().UTC()); err != nil {
		s.logger.Warn("Failed to record applied create",
			"device_id", deviceID, "mutation_id", env.ID, "error", err)
	}

	return outcomeSuccess(p.ID, serverID)
}

func (s *SyncService) applyProjectUpdate(ctx context.Context, env *MutationEnvelope, p *ProjectUpdatePayload) MutationResult {
	current, err := s.projects.GetProject(ctx, p.ID)
	if errors.Is(err, ErrNotFound) {
		// Already deleted remotely; replaying the update is a no-op success
		return outcomeSuccess(p.ID, p.ID)
	}
	if err != nil {
		return outcomeError(p.ID, fmt.Errorf("load project: %w", err))
	}

	// Last-writer-wins: a mutation not strictly newer than the server copy
	// loses, and the device receives the server state to settle on.
	if !env.Timestamp.After(current.UpdatedAt) {
		serverRow, merr := json.Marshal(current)
		if merr != nil {
			return outcomeError(p.ID, fmt.Errorf("encode server record: %w", merr))
		}
		return outcomeConflict(p.ID, serverRow)
	}

	if err := s.projects.UpdateProject(ctx, p.ID, p.Name, p.Description, env.Timestamp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return outcomeSuccess(p.ID, p.ID)
		}
		return outcomeError(p.ID, fmt.Errorf("update project: %w", err))
	}
	return outcomeSuccess(p.ID, p.ID)
}

func (s *SyncService) applyPhotoUpdate(ctx context.Context, env *MutationEnvelope, p *PhotoUpdatePayload) MutationResult {
	err := s.photos.UpdatePhoto(ctx, p.ID, p.Notes, p.Description, env.Timestamp)
	if errors.Is(err, ErrNotFound) {
		return outcomeSuccess(p.ID, p.ID)
	}
	if err != nil {
		return outcomeError(p.ID, fmt.Errorf("update photo: %w", err))
	}
	return outcomeSuccess(p.ID, p.ID)
}

func (s *SyncService) applyDelete(ctx context.Context, env *MutationEnvelope, p *DeletePayload) MutationResult {
	var err error
	switch env.Entity {
	case EntityProject:
		err = s.projects.DeleteProject(ctx, p.ID)
	case EntityPhoto:
		err = s.photos.DeletePhoto(ctx, p.ID)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return outcomeError(p.ID, fmt.Errorf("delete %s: %w", env.Entity, err))
	}
	// Not-found deletes are successes: the record may never have existed
	// remotely, or a prior replay already removed it.
	return outcomeSuccess(p.ID, p.ID)
}

// localRef extracts the client-side entity identifier to echo back in a
// result. Falls back to the mutation id when the payload carries no id.
func localRef(env *MutationEnvelope) string {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &ref); err == nil && ref.ID != "" {
		return ref.ID
	}
	return env.ID
}
