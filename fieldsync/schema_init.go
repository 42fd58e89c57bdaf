// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the survey tables if they do not exist.
// Runs inside the store construction transaction so a half-created schema
// never survives a failed startup.
func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS survey_project (
			id          UUID PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			content     JSONB,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS survey_photo (
			id          UUID PRIMARY KEY,
			project_id  UUID NOT NULL REFERENCES survey_project(id) ON DELETE CASCADE,
			lat         DOUBLE PRECISION NOT NULL,
			lng         DOUBLE PRECISION NOT NULL,
			notes       TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			image       BYTEA,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_survey_photo_project
			ON survey_photo (project_id)`,

		// Applied-create gate: replayed create mutations must resolve to the
		// original server id, including across server restarts
		`CREATE TABLE IF NOT EXISTS survey_applied_create (
			device_id   TEXT NOT NULL,
			mutation_id TEXT NOT NULL,
			server_id   UUID NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (device_id, mutation_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_survey_applied_create_at
			ON survey_applied_create (applied_at)`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create survey schema: %w", err)
		}
	}
	return nil
}
