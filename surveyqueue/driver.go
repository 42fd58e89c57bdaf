// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package surveyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lambertbf98/GeoTech-sub000/fieldsync"
)

// Driver orchestrates queue draining. Exactly one drain pass runs
// process-wide at any time; concurrent triggers are no-ops, not errors.
type Driver struct {
	store     *Store
	queue     *Queue
	monitor   NetworkMonitor
	transport *Transport
	logger    *slog.Logger
	ceiling   int

	draining atomic.Bool
}

// NewDriver creates a sync driver
func NewDriver(store *Store, queue *Queue, monitor NetworkMonitor, transport *Transport, attemptCeiling int, logger *slog.Logger) *Driver {
	if attemptCeiling <= 0 {
		attemptCeiling = DefaultAttemptCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		store:     store,
		queue:     queue,
		monitor:   monitor,
		transport: transport,
		logger:    logger,
		ceiling:   attemptCeiling,
	}
}

// Start listens for connectivity-regained events and drains on each one
// until ctx is cancelled
func (d *Driver) Start(ctx context.Context) {
	events := d.monitor.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case online := <-events:
				if !online {
					continue
				}
				if err := d.Drain(ctx); err != nil {
					d.logger.Warn("Drain after reconnect failed", "error", err)
				}
			}
		}
	}()
}

// Drain runs a single drain pass. Returns immediately (nil) when a pass is
// already running or the device is offline. A single item's failure never
// aborts the pass.
//
// Items are shipped in rounds of at most one mutation per entity, so a
// create's canonical identifier is reconciled before the same entity's next
// mutation goes on the wire. Within a round, enqueue order is preserved.
func (d *Driver) Drain(ctx context.Context) error {
	if !d.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer d.draining.Store(false)

	if !d.monitor.Online() {
		return nil
	}

	items, err := d.queue.Eligible(ctx, d.ceiling)
	if err != nil {
		return fmt.Errorf("failed to read eligible mutations: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	d.logger.Debug("Drain pass started", "eligible", len(items))

	// Identifiers resolved by creates earlier in this pass
	resolved := make(map[string]string)

	for _, round := range partitionRounds(items) {
		d.drainRound(ctx, round, resolved)
	}

	if depth, err := d.queue.PendingCount(ctx); err == nil {
		d.logger.Debug("Drain pass finished", "pending", depth)
	}
	return nil
}

func (d *Driver) drainRound(ctx context.Context, round []MutationItem, resolved map[string]string) {
	envelopes := make([]fieldsync.MutationEnvelope, 0, len(round))
	sent := make([]*MutationItem, 0, len(round))

	for i := range round {
		item := &round[i]
		env, err := d.buildEnvelope(ctx, item, resolved)
		if err != nil {
			d.failItem(ctx, item, err)
			continue
		}
		item.Status = StatusSyncing
		if err := d.queue.Update(ctx, item); err != nil {
			d.failItem(ctx, item, fmt.Errorf("failed to mark mutation syncing: %w", err))
			continue
		}
		envelopes = append(envelopes, *env)
		sent = append(sent, item)
	}
	if len(sent) == 0 {
		return
	}

	resp, err := d.transport.SendBatch(ctx, &fieldsync.BatchRequest{Items: envelopes})
	if err != nil {
		// Network-level failure counts against every item in the round, same
		// as an application-level rejection; the message is kept for
		// diagnostics.
		for _, item := range sent {
			d.failItem(ctx, item, err)
		}
		return
	}
	if len(resp.Results) != len(sent) {
		err := fmt.Errorf("server returned %d results for %d items", len(resp.Results), len(sent))
		for _, item := range sent {
			d.failItem(ctx, item, err)
		}
		return
	}

	for i, item := range sent {
		d.applyResult(ctx, item, &resp.Results[i], resolved)
	}
}

// buildEnvelope converts a queue item to its wire form, substituting the
// canonical identifier for the temporary one when it is already known
func (d *Driver) buildEnvelope(ctx context.Context, item *MutationItem, resolved map[string]string) (*fieldsync.MutationEnvelope, error) {
	payload := item.Payload

	// Creates keep the temporary identifier; the server echoes it back so
	// the device can bind the new canonical id.
	if item.Action != ActionCreate {
		serverID := resolved[item.EntityID]
		if serverID == "" {
			var err error
			serverID, err = d.store.lookupServerID(ctx, item.EntityType, item.EntityID)
			if err != nil {
				return nil, err
			}
		}
		if serverID != "" {
			rewritten, err := rewritePayloadID(payload, serverID)
			if err != nil {
				return nil, err
			}
			payload = rewritten
		}
	}

	return &fieldsync.MutationEnvelope{
		ID:        item.ID,
		Action:    item.Action,
		Entity:    item.EntityType,
		Data:      payload,
		Timestamp: item.CreatedAt,
	}, nil
}

func (d *Driver) applyResult(ctx context.Context, item *MutationItem, res *fieldsync.MutationResult, resolved map[string]string) {
	switch res.Status {
	case fieldsync.StSuccess:
		if item.Action == ActionCreate && res.ServerID != "" {
			resolved[item.EntityID] = res.ServerID
			if err := d.reconcileServerID(ctx, item, res.ServerID); err != nil {
				d.failItem(ctx, item, err)
				return
			}
		}
		d.completeItem(ctx, item)

	case fieldsync.StConflict:
		// The server copy is newer; settle last-writer-wins by taking it
		if err := d.acceptServerVersion(ctx, item, res.ServerVersion); err != nil {
			d.failItem(ctx, item, err)
			return
		}
		d.completeItem(ctx, item)

	default:
		msg := res.Error
		if msg == "" {
			msg = "unknown outcome status " + res.Status
		}
		d.failItem(ctx, item, errors.New(msg))
	}
}

// reconcileServerID binds the canonical identifier returned by a create
func (d *Driver) reconcileServerID(ctx context.Context, item *MutationItem, serverID string) error {
	switch item.EntityType {
	case EntityProject:
		return d.store.SetProjectServerID(ctx, item.EntityID, serverID)
	case EntityPhoto:
		return d.store.SetPhotoServerID(ctx, item.EntityID, serverID)
	}
	return fmt.Errorf("unknown entity type %q", item.EntityType)
}

func (d *Driver) acceptServerVersion(ctx context.Context, item *MutationItem, serverVersion json.RawMessage) error {
	if item.EntityType != EntityProject || len(serverVersion) == 0 {
		return nil
	}
	var remote fieldsync.ProjectRecord
	if err := json.Unmarshal(serverVersion, &remote); err != nil {
		return fmt.Errorf("failed to decode server version: %w", err)
	}
	err := d.store.ApplyServerProject(ctx, item.EntityID, &remote)
	if errors.Is(err, ErrNotFound) {
		return nil // record deleted locally since enqueue
	}
	return err
}

func (d *Driver) completeItem(ctx context.Context, item *MutationItem) {
	item.Status = StatusCompleted
	if err := d.queue.Remove(ctx, item.ID); err != nil {
		d.logger.Warn("Failed to remove completed mutation", "id", item.ID, "error", err)
	}
}

// failItem records a failed attempt; at the ceiling the item becomes
// terminal and stops being retried automatically
func (d *Driver) failItem(ctx context.Context, item *MutationItem, cause error) {
	now := time.Now().UTC()
	item.Attempts++
	item.LastAttemptAt = &now
	item.LastError = cause.Error()
	if item.Attempts >= d.ceiling {
		item.Status = StatusError
		d.logger.Warn("Mutation reached attempt ceiling",
			"id", item.ID, "entity", item.EntityType, "action", item.Action, "error", cause)
	} else {
		item.Status = StatusPending
	}
	if err := d.queue.Update(ctx, item); err != nil {
		d.logger.Warn("Failed to record mutation failure", "id", item.ID, "error", err)
	}
}

// partitionRounds splits items into consecutive rounds holding at most one
// mutation per entity, preserving enqueue order within and across rounds
func partitionRounds(items []MutationItem) [][]MutationItem {
	var rounds [][]MutationItem
	remaining := items
	for len(remaining) > 0 {
		seen := make(map[string]bool)
		var round, next []MutationItem
		for _, item := range remaining {
			if seen[item.EntityID] {
				next = append(next, item)
				continue
			}
			seen[item.EntityID] = true
			round = append(round, item)
		}
		rounds = append(rounds, round)
		remaining = next
	}
	return rounds
}

// rewritePayloadID replaces the payload's id field with the canonical
// identifier
func rewritePayloadID(payload json.RawMessage, serverID string) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode payload for id rewrite: %w", err)
	}
	fields["id"] = serverID
	rewritten, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rewritten payload: %w", err)
	}
	return rewritten, nil
}
