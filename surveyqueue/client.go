// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package surveyqueue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lambertbf98/GeoTech-sub000/fieldsync"
)

// Config holds configuration for the device client
type Config struct {
	AttemptCeiling int           // Failed attempts before a mutation goes terminal
	RequestTimeout time.Duration // Per-network-call timeout
	ProbeInterval  time.Duration // Connectivity probe cadence
}

// DefaultConfig returns the standard device configuration
func DefaultConfig() *Config {
	return &Config{
		AttemptCeiling: DefaultAttemptCeiling,
		RequestTimeout: 30 * time.Second,
		ProbeInterval:  15 * time.Second,
	}
}

// Client is the device-side entry point. Domain mutations write the local
// store first (the UI always has a stable handle before any network round
// trip) and enqueue a mutation; if the device is online, a drain is kicked
// off immediately.
type Client struct {
	Store     *Store
	Queue     *Queue
	Driver    *Driver
	Monitor   NetworkMonitor
	Transport *Transport
	logger    *slog.Logger
}

// NewClient assembles the device client over an open SQLite handle
func NewClient(db *sql.DB, baseURL string, tok TokenFunc, monitor NetworkMonitor, config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := NewStore(db, logger)
	if err != nil {
		return nil, err
	}
	queue := NewQueue(store, logger)
	transport := NewTransport(baseURL, tok, config.RequestTimeout, logger)
	driver := NewDriver(store, queue, monitor, transport, config.AttemptCeiling, logger)

	return &Client{
		Store:     store,
		Queue:     queue,
		Driver:    driver,
		Monitor:   monitor,
		Transport: transport,
		logger:    logger,
	}, nil
}

// Start begins reacting to connectivity-regained events
func (c *Client) Start(ctx context.Context) {
	c.Driver.Start(ctx)
}

// SyncNow triggers an explicit drain pass (the user-facing "sync now"
// action). No-op while offline or when a pass is already running.
func (c *Client) SyncNow(ctx context.Context) error {
	return c.Driver.Drain(ctx)
}

// PendingCount reports queue depth for the UI
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	return c.Queue.PendingCount(ctx)
}

// CreateProject creates a project locally and queues its remote creation
func (c *Client) CreateProject(ctx context.Context, name, description string) (*Project, error) {
	p := &Project{
		LocalID:     NewLocalID(),
		Name:        name,
		Description: description,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := c.Store.InsertProject(ctx, p); err != nil {
		return nil, err
	}
	_, err := c.Queue.Enqueue(ctx, ActionCreate, EntityProject, p.LocalID, &fieldsync.ProjectCreatePayload{
		ID:          p.LocalID,
		Name:        name,
		Description: description,
	}, p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.kick()
	return p, nil
}

// UpdateProject applies field changes locally and queues the remote update.
// One timestamp covers both the local write and the wire envelope, so the
// server copy can never end up strictly newer than this device's own state.
func (c *Client) UpdateProject(ctx context.Context, localID string, name, description *string) error {
	now := time.Now().UTC()
	if err := c.Store.UpdateProjectMeta(ctx, localID, name, description, now); err != nil {
		return err
	}
	_, err := c.Queue.Enqueue(ctx, ActionUpdate, EntityProject, localID, &fieldsync.ProjectUpdatePayload{
		ID:          localID, // rewritten to the canonical id at dispatch
		Name:        name,
		Description: description,
	}, now)
	if err != nil {
		return err
	}
	c.kick()
	return nil
}

// DeleteProject removes the project locally (optimistic) and queues the
// remote delete. A delete of a record that never existed remotely succeeds
// as a no-op on the server.
func (c *Client) DeleteProject(ctx context.Context, localID string) error {
	p, err := c.Store.GetProject(ctx, localID)
	if err != nil {
		return err
	}
	// The local row is gone after this, so resolve the wire identifier now
	targetID := p.ServerID
	if targetID == "" {
		targetID = p.LocalID
	}
	if err := c.Store.DeleteProject(ctx, localID); err != nil {
		return err
	}
	_, err = c.Queue.Enqueue(ctx, ActionDelete, EntityProject, localID, &fieldsync.DeletePayload{ID: targetID}, time.Now().UTC())
	if err != nil {
		return err
	}
	c.kick()
	return nil
}

// AddPhoto records a captured photo locally. The image bytes travel through
// UploadPhoto, outside the mutation queue.
func (c *Client) AddPhoto(ctx context.Context, projectLocalID string, lat, lng float64, notes, description string) (*Photo, error) {
	ph := &Photo{
		LocalID:        NewLocalID(),
		ProjectLocalID: projectLocalID,
		Lat:            lat,
		Lng:            lng,
		Notes:          notes,
		Description:    description,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := c.Store.InsertPhoto(ctx, ph); err != nil {
		return nil, err
	}
	return ph, nil
}

// UpdatePhoto applies field changes locally and queues the remote update
func (c *Client) UpdatePhoto(ctx context.Context, localID string, notes, description *string) error {
	now := time.Now().UTC()
	if err := c.Store.UpdatePhotoFields(ctx, localID, notes, description, now); err != nil {
		return err
	}
	_, err := c.Queue.Enqueue(ctx, ActionUpdate, EntityPhoto, localID, &fieldsync.PhotoUpdatePayload{
		ID:          localID,
		Notes:       notes,
		Description: description,
	}, now)
	if err != nil {
		return err
	}
	c.kick()
	return nil
}

// DeletePhoto removes the photo locally and queues the remote delete
func (c *Client) DeletePhoto(ctx context.Context, localID string) error {
	ph, err := c.Store.GetPhoto(ctx, localID)
	if err != nil {
		return err
	}
	targetID := ph.ServerID
	if targetID == "" {
		targetID = ph.LocalID
	}
	if err := c.Store.DeletePhoto(ctx, localID); err != nil {
		return err
	}
	_, err = c.Queue.Enqueue(ctx, ActionDelete, EntityPhoto, localID, &fieldsync.DeletePayload{ID: targetID}, time.Now().UTC())
	if err != nil {
		return err
	}
	c.kick()
	return nil
}

// SaveContent stores an edited geometry aggregate locally. Content is not
// queued per edit; it travels wholesale through PushContent/PullContent.
func (c *Client) SaveContent(ctx context.Context, projectLocalID string, content *fieldsync.ProjectContent) error {
	return c.Store.SaveProjectContent(ctx, projectLocalID, content, time.Now().UTC())
}

// Errors lists mutations that reached terminal error status
func (c *Client) Errors(ctx context.Context) ([]MutationItem, error) {
	return c.Queue.Errors(ctx)
}

// RetryErrors re-arms terminal-error mutations and kicks a drain
func (c *Client) RetryErrors(ctx context.Context) (int, error) {
	n, err := c.Queue.RetryErrors(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.kick()
	}
	return n, nil
}

// kick starts an asynchronous drain when online. Enqueue paths call this so
// mutations made while connected reach the server without waiting for the
// next connectivity event.
func (c *Client) kick() {
	if !c.Monitor.Online() {
		return
	}
	go func() {
		if err := c.Driver.Drain(context.Background()); err != nil {
			c.logger.Warn("Background drain failed", "error", err)
		}
	}()
}

// ensureSynced returns the canonical identifier of a project, failing when
// the project has not been created remotely yet
func (c *Client) ensureSynced(p *Project) (string, error) {
	if p.ServerID == "" {
		return "", fmt.Errorf("project %s has not been synced yet", p.LocalID)
	}
	return p.ServerID, nil
}
