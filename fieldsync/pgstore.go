// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is the Postgres-backed record store. It implements both
// ProjectStore and PhotoStore over a shared connection pool.
type PgStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgStore creates a Postgres store and bootstraps the survey schema.
// The caller owns the pool lifecycle.
func NewPgStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PgStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	return &PgStore{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for custom queries
func (s *PgStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PgStore) CreateProject(ctx context.Context, p *ProjectRecord) error {
	contentJSON, err := marshalContent(p.Content)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO survey_project (id, name, description, content, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.Name, p.Description, contentJSON, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

func (s *PgStore) GetProject(ctx context.Context, id string) (*ProjectRecord, error) {
	var p ProjectRecord
	var contentJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, content, updated_at
		FROM survey_project WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Description, &contentJSON, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if isInvalidUUID(err) {
		// Temporary client identifiers are not UUIDs; treat them as absent
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	if len(contentJSON) > 0 {
		var content ProjectContent
		if err := json.Unmarshal(contentJSON, &content); err != nil {
			return nil, fmt.Errorf("failed to decode project content: %w", err)
		}
		p.Content = &content
	}
	return &p, nil
}

func (s *PgStore) UpdateProject(ctx context.Context, id string, name, description *string, updatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE survey_project
		SET name = COALESCE($2, name),
		    description = COALESCE($3, description),
		    updated_at = $4
		WHERE id = $1
	`, id, name, description, updatedAt)
	if isInvalidUUID(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) DeleteProject(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM survey_project WHERE id = $1`, id)
	if isInvalidUUID(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) PutContent(ctx context.Context, id string, content *ProjectContent, updatedAt time.Time) error {
	contentJSON, err := marshalContent(content)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE survey_project SET content = $2, updated_at = $3 WHERE id = $1
	`, id, contentJSON, updatedAt)
	if isInvalidUUID(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to replace project content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) LookupAppliedCreate(ctx context.Context, deviceID, mutationID string) (string, error) {
	var serverID string
	err := s.pool.QueryRow(ctx, `
		SELECT server_id FROM survey_applied_create
		WHERE device_id = $1 AND mutation_id = $2
	`, deviceID, mutationID).Scan(&serverID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query applied create: %w", err)
	}
	return serverID, nil
}

func (s *PgStore) RecordAppliedCreate(ctx context.Context, deviceID, mutationID, serverID string, appliedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO survey_applied_create (device_id, mutation_id, server_id, applied_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id, mutation_id) DO NOTHING
	`, deviceID, mutationID, serverID, appliedAt)
	if err != nil {
		return fmt.Errorf("failed to record applied create: %w", err)
	}
	return nil
}

func (s *PgStore) PruneAppliedCreates(ctx context.Context, before time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM survey_applied_create WHERE applied_at < $1
	`, before)
	if err != nil {
		return fmt.Errorf("failed to prune applied creates: %w", err)
	}
	return nil
}

func (s *PgStore) CreatePhoto(ctx context.Context, ph *PhotoRecord, image []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO survey_photo (id, project_id, lat, lng, notes, description, image, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ph.ID, ph.ProjectID, ph.Lat, ph.Lng, ph.Notes, ph.Description, image, ph.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert photo: %w", err)
	}
	return nil
}

func (s *PgStore) GetPhoto(ctx context.Context, id string) (*PhotoRecord, error) {
	var ph PhotoRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, lat, lng, notes, description, updated_at
		FROM survey_photo WHERE id = $1
	`, id).Scan(&ph.ID, &ph.ProjectID, &ph.Lat, &ph.Lng, &ph.Notes, &ph.Description, &ph.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if isInvalidUUID(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query photo: %w", err)
	}
	return &ph, nil
}

func (s *PgStore) UpdatePhoto(ctx context.Context, id string, notes, description *string, updatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE survey_photo
		SET notes = COALESCE($2, notes),
		    description = COALESCE($3, description),
		    updated_at = $4
		WHERE id = $1
	`, id, notes, description, updatedAt)
	if isInvalidUUID(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update photo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) DeletePhoto(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM survey_photo WHERE id = $1`, id)
	if isInvalidUUID(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete photo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) ListProjectPhotos(ctx context.Context, projectID string) ([]PhotoRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, lat, lng, notes, description, updated_at
		FROM survey_photo WHERE project_id = $1
		ORDER BY updated_at
	`, projectID)
	if isInvalidUUID(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query photos: %w", err)
	}
	defer rows.Close()

	var photos []PhotoRecord
	for rows.Next() {
		var ph PhotoRecord
		if err := rows.Scan(&ph.ID, &ph.ProjectID, &ph.Lat, &ph.Lng, &ph.Notes, &ph.Description, &ph.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan photo: %w", err)
		}
		photos = append(photos, ph)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating photos: %w", err)
	}
	return photos, nil
}

func marshalContent(content *ProjectContent) ([]byte, error) {
	if content == nil {
		return nil, nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode project content: %w", err)
	}
	return data, nil
}

// isInvalidUUID reports whether err is Postgres' invalid_text_representation
// (22P02), raised when a temporary client identifier reaches a UUID column
func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.SQLState() == "22P02"
}
