// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package surveyqueue

import (
	"context"
	"fmt"
)

// Content merge: geometry aggregates bypass the mutation queue (they are
// large and edited in rapid bursts) and reconcile by whole-aggregate
// last-writer-wins on updatedAt. No field-level merge, no conflict prompt;
// a single user is assumed not to edit the same project from two devices
// within the same window.

// PullContent fetches the remote aggregate and replaces the local one iff
// the remote updatedAt is strictly newer. Ties favor local. Returns whether
// a replacement happened. Typically called when navigating into a project.
func (c *Client) PullContent(ctx context.Context, projectLocalID string) (bool, error) {
	p, err := c.Store.GetProject(ctx, projectLocalID)
	if err != nil {
		return false, err
	}
	if p.ServerID == "" {
		return false, nil // never created remotely; local is all there is
	}

	remote, err := c.Transport.FetchProject(ctx, p.ServerID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch remote project: %w", err)
	}
	if remote == nil || remote.Content == nil {
		return false, nil
	}
	if !remote.UpdatedAt.After(p.UpdatedAt) {
		return false, nil
	}

	if err := c.Store.ApplyServerProject(ctx, projectLocalID, remote); err != nil {
		return false, err
	}
	c.logger.Debug("Replaced local content with newer remote aggregate",
		"project", projectLocalID, "remote_updated_at", remote.UpdatedAt)
	return true, nil
}

// PushContent sends the full local aggregate to the server. Best-effort:
// failures are logged and never surfaced, since the next push carries the
// same state again. The local updatedAt travels with the aggregate so the
// server copy keeps the device's edit time.
func (c *Client) PushContent(ctx context.Context, projectLocalID string) {
	p, err := c.Store.GetProject(ctx, projectLocalID)
	if err != nil {
		c.logger.Warn("Content push skipped", "project", projectLocalID, "error", err)
		return
	}
	if p.ServerID == "" {
		return
	}
	if err := c.Transport.PushContent(ctx, p.ServerID, &p.Content, p.UpdatedAt); err != nil {
		c.logger.Warn("Content push failed", "project", projectLocalID, "error", err)
	}
}
