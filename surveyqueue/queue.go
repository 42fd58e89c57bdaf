// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package surveyqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Entity type constants for queued mutations
const (
	EntityProject = "project"
	EntityPhoto   = "photo"
)

// Action constants for queued mutations
const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// Status constants for queued mutations. Completed items are removed from
// the queue; Error is terminal and retained for inspection.
const (
	StatusPending   = "pending"
	StatusSyncing   = "syncing"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// DefaultAttemptCeiling is the number of failed attempts after which a
// mutation stops being retried automatically
const DefaultAttemptCeiling = 3

// MutationItem is one pending client-authored mutation
type MutationItem struct {
	ID            string          // Queue entry identifier, distinct from the entity's own id
	EntityType    string          // "project" or "photo"
	Action        string          // CREATE, UPDATE, DELETE
	EntityID      string          // Local identifier of the affected record
	Payload       json.RawMessage // Action-specific payload
	CreatedAt     time.Time
	Attempts      int
	LastAttemptAt *time.Time
	LastError     string
	Status        string
}

// Queue is the durable mutation queue, built on the device Store
type Queue struct {
	store  *Store
	logger *slog.Logger
}

// NewQueue creates a queue over the device store
func NewQueue(store *Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, logger: logger}
}

// Enqueue appends a new pending mutation. Never touches the network.
// createdAt becomes the mutation's wire timestamp and must be the same
// instant the caller stamped on its local record: a second clock reading
// here would make the server copy look newer than the device's own state.
func (q *Queue) Enqueue(ctx context.Context, action, entityType, entityID string, payload any, createdAt time.Time) (*MutationItem, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mutation payload: %w", err)
	}

	item := &MutationItem{
		ID:         uuid.New().String(),
		EntityType: entityType,
		Action:     action,
		EntityID:   entityID,
		Payload:    data,
		CreatedAt:  createdAt.UTC(),
		Status:     StatusPending,
	}

	_, err = q.store.DB.ExecContext(ctx, `
		INSERT INTO _mutation_queue (id, entity_type, action, entity_id, payload, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.EntityType, item.Action, item.EntityID, string(data), formatTime(item.CreatedAt), item.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	q.logger.Debug("Enqueued mutation",
		"id", item.ID, "entity", entityType, "action", action, "entity_id", entityID)
	return item, nil
}

// Eligible returns, in enqueue order, the pending items still under the
// attempt ceiling
func (q *Queue) Eligible(ctx context.Context, attemptCeiling int) ([]MutationItem, error) {
	return q.list(ctx, `WHERE status = 'pending' AND attempts < ?`, attemptCeiling)
}

// Errors returns the items that reached terminal error status
func (q *Queue) Errors(ctx context.Context) ([]MutationItem, error) {
	return q.list(ctx, `WHERE status = 'error'`)
}

// List returns every queued item in enqueue order
func (q *Queue) List(ctx context.Context) ([]MutationItem, error) {
	return q.list(ctx, ``)
}

func (q *Queue) list(ctx context.Context, where string, args ...any) ([]MutationItem, error) {
	rows, err := q.store.DB.QueryContext(ctx, `
		SELECT id, entity_type, action, entity_id, payload, created_at, attempts, last_attempt_at, last_error, status
		FROM _mutation_queue `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutation queue: %w", err)
	}
	defer rows.Close()

	var items []MutationItem
	for rows.Next() {
		var item MutationItem
		var payload sql.NullString
		var createdAt string
		var lastAttemptAt, lastError sql.NullString
		if err := rows.Scan(&item.ID, &item.EntityType, &item.Action, &item.EntityID,
			&payload, &createdAt, &item.Attempts, &lastAttemptAt, &lastError, &item.Status); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		if payload.Valid {
			item.Payload = json.RawMessage(payload.String)
		}
		if item.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if lastAttemptAt.Valid {
			t, err := parseTime(lastAttemptAt.String)
			if err != nil {
				return nil, err
			}
			item.LastAttemptAt = &t
		}
		item.LastError = lastError.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return items, nil
}

// Update persists an item's mutated attempt/status/error fields
func (q *Queue) Update(ctx context.Context, item *MutationItem) error {
	var lastAttemptAt any
	if item.LastAttemptAt != nil {
		lastAttemptAt = formatTime(*item.LastAttemptAt)
	}
	res, err := q.store.DB.ExecContext(ctx, `
		UPDATE _mutation_queue
		SET attempts = ?, last_attempt_at = ?, last_error = ?, status = ?
		WHERE id = ?
	`, item.Attempts, lastAttemptAt, nullable(item.LastError), item.Status, item.ID)
	if err != nil {
		return fmt.Errorf("failed to update queue item: %w", err)
	}
	return requireRow(res)
}

// Remove deletes a completed item. An item leaves the queue if and only if
// it reached completed status.
func (q *Queue) Remove(ctx context.Context, itemID string) error {
	res, err := q.store.DB.ExecContext(ctx, `DELETE FROM _mutation_queue WHERE id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("failed to remove queue item: %w", err)
	}
	return requireRow(res)
}

// PendingCount reports queue depth (pending plus in-flight items), surfaced
// to the UI and used by tests to assert drain progress
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.store.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _mutation_queue WHERE status IN ('pending', 'syncing')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return n, nil
}

// RetryErrors re-arms terminal-error items for another round of attempts.
// This is the manual intervention path; nothing retries them automatically.
func (q *Queue) RetryErrors(ctx context.Context) (int, error) {
	res, err := q.store.DB.ExecContext(ctx, `
		UPDATE _mutation_queue
		SET status = 'pending', attempts = 0, last_error = NULL
		WHERE status = 'error'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to retry errored mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// Clear empties the queue including terminal-error items
func (q *Queue) Clear(ctx context.Context) error {
	if _, err := q.store.DB.ExecContext(ctx, `DELETE FROM _mutation_queue`); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}
