// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

// Package surveyqueue implements the device side of GeoTech field-survey
// synchronization: a SQLite-backed durable store for survey records, a
// persistent mutation queue, and a network-aware sync driver that drains the
// queue against the server's batch reconciliation endpoint.
package surveyqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lambertbf98/GeoTech-sub000/fieldsync"
)

// ErrNotFound is returned when a local record does not exist
var ErrNotFound = errors.New("record not found")

// Project is a locally held survey project. LocalID is assigned at creation
// and never reassigned; ServerID is written exactly once, when the first
// successful create outcome arrives.
type Project struct {
	LocalID     string
	ServerID    string // empty until the record is known to exist remotely
	Name        string
	Description string
	Content     fieldsync.ProjectContent
	UpdatedAt   time.Time
}

// Photo is a locally held geo-tagged photo
type Photo struct {
	LocalID        string
	ServerID       string
	ProjectLocalID string
	Lat            float64
	Lng            float64
	Notes          string
	Description    string
	UpdatedAt      time.Time
}

// Store is the device's durable store. Survives process restarts; the
// mutation queue table lives in the same database file.
type Store struct {
	DB     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (or creates) the device database at path. Foreign keys
// and the busy timeout are DSN parameters because they are per-connection
// settings and database/sql pools connections.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open device database: %w", err)
	}
	return NewStore(db, logger)
}

// NewStore wraps an existing SQLite handle and bootstraps the schema
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize device database: %w", err)
	}
	return &Store{DB: db, logger: logger}, nil
}

// Close closes the underlying database handle
func (s *Store) Close() error {
	return s.DB.Close()
}

func initializeDatabase(db *sql.DB) error {
	// WAL is a persistent database property; foreign keys are re-enabled
	// per connection via the DSN in OpenStore
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS project (
			local_id    TEXT PRIMARY KEY,
			server_id   TEXT,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL DEFAULT '{}',
			updated_at  TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS photo (
			local_id         TEXT PRIMARY KEY,
			server_id        TEXT,
			project_local_id TEXT NOT NULL REFERENCES project(local_id) ON DELETE CASCADE,
			lat              REAL NOT NULL DEFAULT 0,
			lng              REAL NOT NULL DEFAULT 0,
			notes            TEXT NOT NULL DEFAULT '',
			description      TEXT NOT NULL DEFAULT '',
			updated_at       TEXT NOT NULL
		)`,

		// Pending mutations; drained in rowid (enqueue) order
		`CREATE TABLE IF NOT EXISTS _mutation_queue (
			id              TEXT PRIMARY KEY,
			entity_type     TEXT NOT NULL CHECK (entity_type IN ('project','photo')),
			action          TEXT NOT NULL CHECK (action IN ('CREATE','UPDATE','DELETE')),
			entity_id       TEXT NOT NULL,
			payload         TEXT,
			created_at      TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT,
			last_error      TEXT,
			status          TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','syncing','completed','error'))
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// A crash mid-drain may leave items stuck in 'syncing'; re-arm them
	if _, err := db.Exec(`UPDATE _mutation_queue SET status = 'pending' WHERE status = 'syncing'`); err != nil {
		return fmt.Errorf("failed to reset in-flight queue items: %w", err)
	}

	return nil
}

func (s *Store) InsertProject(ctx context.Context, p *Project) error {
	contentJSON, err := json.Marshal(&p.Content)
	if err != nil {
		return fmt.Errorf("failed to encode content: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO project (local_id, server_id, name, description, content, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.LocalID, nullable(p.ServerID), p.Name, p.Description, string(contentJSON), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, localID string) (*Project, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT local_id, server_id, name, description, content, updated_at
		FROM project WHERE local_id = ?
	`, localID)
	return scanProject(row)
}

// FindProjectByServerID looks a project up by its canonical identifier
func (s *Store) FindProjectByServerID(ctx context.Context, serverID string) (*Project, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT local_id, server_id, name, description, content, updated_at
		FROM project WHERE server_id = ?
	`, serverID)
	return scanProject(row)
}

func (s *Store) UpdateProjectMeta(ctx context.Context, localID string, name, description *string, updatedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE project
		SET name = COALESCE(?, name),
		    description = COALESCE(?, description),
		    updated_at = ?
		WHERE local_id = ?
	`, name, description, formatTime(updatedAt), localID)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return requireRow(res)
}

// SetProjectServerID binds the canonical identifier to a project. Write-once:
// an already-bound project is left untouched.
func (s *Store) SetProjectServerID(ctx context.Context, localID, serverID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE project SET server_id = ?
		WHERE local_id = ? AND (server_id IS NULL OR server_id = '')
	`, serverID, localID)
	if err != nil {
		return fmt.Errorf("failed to set project server id: %w", err)
	}
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, localID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM project WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return requireRow(res)
}

// SaveProjectContent replaces the geometry aggregate wholesale
func (s *Store) SaveProjectContent(ctx context.Context, localID string, content *fieldsync.ProjectContent, updatedAt time.Time) error {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to encode content: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE project SET content = ?, updated_at = ? WHERE local_id = ?
	`, string(contentJSON), formatTime(updatedAt), localID)
	if err != nil {
		return fmt.Errorf("failed to save project content: %w", err)
	}
	return requireRow(res)
}

// ApplyServerProject overwrites a project's fields with the server's record,
// used when a mutation loses a last-writer-wins comparison
func (s *Store) ApplyServerProject(ctx context.Context, localID string, remote *fieldsync.ProjectRecord) error {
	content := remote.Content
	if content == nil {
		content = &fieldsync.ProjectContent{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to encode content: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE project SET name = ?, description = ?, content = ?, updated_at = ?
		WHERE local_id = ?
	`, remote.Name, remote.Description, string(contentJSON), formatTime(remote.UpdatedAt), localID)
	if err != nil {
		return fmt.Errorf("failed to apply server project: %w", err)
	}
	return requireRow(res)
}

func (s *Store) InsertPhoto(ctx context.Context, ph *Photo) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO photo (local_id, server_id, project_local_id, lat, lng, notes, description, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ph.LocalID, nullable(ph.ServerID), ph.ProjectLocalID, ph.Lat, ph.Lng, ph.Notes, ph.Description, formatTime(ph.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert photo: %w", err)
	}
	return nil
}

func (s *Store) GetPhoto(ctx context.Context, localID string) (*Photo, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT local_id, server_id, project_local_id, lat, lng, notes, description, updated_at
		FROM photo WHERE local_id = ?
	`, localID)
	return scanPhoto(row)
}

func (s *Store) FindPhotoByServerID(ctx context.Context, serverID string) (*Photo, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT local_id, server_id, project_local_id, lat, lng, notes, description, updated_at
		FROM photo WHERE server_id = ?
	`, serverID)
	return scanPhoto(row)
}

func (s *Store) ListProjectPhotos(ctx context.Context, projectLocalID string) ([]Photo, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT local_id, server_id, project_local_id, lat, lng, notes, description, updated_at
		FROM photo WHERE project_local_id = ? ORDER BY rowid
	`, projectLocalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query photos: %w", err)
	}
	defer rows.Close()

	var photos []Photo
	for rows.Next() {
		ph, err := scanPhotoRows(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, *ph)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating photos: %w", err)
	}
	return photos, nil
}

func (s *Store) UpdatePhotoFields(ctx context.Context, localID string, notes, description *string, updatedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE photo
		SET notes = COALESCE(?, notes),
		    description = COALESCE(?, description),
		    updated_at = ?
		WHERE local_id = ?
	`, notes, description, formatTime(updatedAt), localID)
	if err != nil {
		return fmt.Errorf("failed to update photo: %w", err)
	}
	return requireRow(res)
}

// SetPhotoServerID binds the canonical identifier to a photo (write-once)
func (s *Store) SetPhotoServerID(ctx context.Context, localID, serverID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE photo SET server_id = ?
		WHERE local_id = ? AND (server_id IS NULL OR server_id = '')
	`, serverID, localID)
	if err != nil {
		return fmt.Errorf("failed to set photo server id: %w", err)
	}
	return nil
}

func (s *Store) DeletePhoto(ctx context.Context, localID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM photo WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("failed to delete photo: %w", err)
	}
	return requireRow(res)
}

// lookupServerID resolves the canonical identifier for a local entity, if
// the store knows one
func (s *Store) lookupServerID(ctx context.Context, entityType, localID string) (string, error) {
	var table string
	switch entityType {
	case EntityProject:
		table = "project"
	case EntityPhoto:
		table = "photo"
	default:
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
	var serverID sql.NullString
	err := s.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT server_id FROM %s WHERE local_id = ?`, table), localID).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up server id: %w", err)
	}
	return serverID.String, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var serverID sql.NullString
	var contentJSON, updatedAt string
	err := row.Scan(&p.LocalID, &serverID, &p.Name, &p.Description, &contentJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	p.ServerID = serverID.String
	if err := json.Unmarshal([]byte(contentJSON), &p.Content); err != nil {
		return nil, fmt.Errorf("failed to decode project content: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPhoto(row rowScanner) (*Photo, error) {
	ph, err := scanPhotoRows(row)
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ph, err
}

func scanPhotoRows(row rowScanner) (*Photo, error) {
	var ph Photo
	var serverID sql.NullString
	var updatedAt string
	err := row.Scan(&ph.LocalID, &serverID, &ph.ProjectLocalID, &ph.Lat, &ph.Lng, &ph.Notes, &ph.Description, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan photo: %w", err)
	}
	ph.ServerID = serverID.String
	if ph.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ph, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// NewLocalID generates a device-local identifier
func NewLocalID() string {
	return uuid.New().String()
}
