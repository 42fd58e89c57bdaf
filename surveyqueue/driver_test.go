// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package surveyqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lambertbf98/GeoTech-sub000/fieldsync"
)

// deviceEnv wires a device client against an in-process reconciliation
// server backed by an in-memory store
type deviceEnv struct {
	client  *Client
	monitor *ManualMonitor
	remote  *fieldsync.MemStore
	url     string
}

func newDeviceEnv(t *testing.T) *deviceEnv {
	t.Helper()
	logger := testLogger()

	remote := fieldsync.NewMemStore()
	svc := fieldsync.NewSyncService(remote, remote,
		&fieldsync.ServiceConfig{AppName: "test", MaxBatchSize: 100}, logger)
	jwtAuth := fieldsync.NewJWTAuth("device-test-secret")
	handlers := fieldsync.NewHTTPSyncHandlers(svc, jwtAuth, logger)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "device.db")+"?_foreign_keys=on&_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	monitor := NewManualMonitor(false)
	client, err := NewClient(db, srv.URL,
		func(context.Context) (string, error) { return token, nil },
		monitor, nil, logger)
	require.NoError(t, err)

	return &deviceEnv{client: client, monitor: monitor, remote: remote, url: srv.URL}
}

// syncedProject creates a project, drains its create, and returns the
// reloaded project with its canonical identifier bound
func syncedProject(t *testing.T, env *deviceEnv, name string) *Project {
	t.Helper()
	ctx := t.Context()

	env.monitor.SetOnline(false)
	p, err := env.client.CreateProject(ctx, name, "")
	require.NoError(t, err)

	env.monitor.SetOnline(true)
	require.NoError(t, env.client.SyncNow(ctx))

	p, err = env.client.Store.GetProject(ctx, p.LocalID)
	require.NoError(t, err)
	require.NotEmpty(t, p.ServerID)
	return p
}

func TestDrain_OfflineIsNoop(t *testing.T) {
	env := newDeviceEnv(t)
	ctx := t.Context()

	p, err := env.client.CreateProject(ctx, "Site A", "")
	require.NoError(t, err)

	require.NoError(t, env.client.SyncNow(ctx))

	depth, err := env.client.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	reloaded, err := env.client.Store.GetProject(ctx, p.LocalID)
	require.NoError(t, err)
	require.Empty(t, reloaded.ServerID)
}

func TestDrain_CreateBindsServerID(t *testing.T) {
	env := newDeviceEnv(t)
	ctx := t.Context()

	p := syncedProject(t, env, "Site A")

	depth, err := env.client.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)

	// The canonical identifier differs from the temporary one and names a
	// real remote record
	require.NotEqual(t, p.LocalID, p.ServerID)
	remote, err := env.remote.GetProject(ctx, p.ServerID)
	require.NoError(t, err)
	require.Equal(t, "Site A", remote.Name)
}

func TestDrain_CreateThenUpdateSameEntity(t *testing.T) {
	env := newDeviceEnv(t)
	ctx := t.Context()

	p, err := env.client.CreateProject(ctx, "Site A", "")
	require.NoError(t, err)

	// Content timestamps are compared strictly, so the update must carry a
	// later enqueue time than the create
	time.Sleep(10 * time.Millisecond)
	name := "Site A (revised)"
	require.NoError(t, env.client.UpdateProject(ctx, p.LocalID, &name, nil))

	env.monitor.SetOnline(true)
	require.NoError(t, env.client.SyncNow(ctx))

	depth, err := env.client.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)

	reloaded, err := env.client.Store.GetProject(ctx, p.LocalID)
	require.NoError(t, err)
	require.NotEmpty(t, reloaded.ServerID)

	// The update reached the server under the canonical identifier resolved
	// by the create earlier in the same pass
	remote, err := env.remote.GetProject(ctx, reloaded.ServerID)
	require.NoError(t, err)
	require.Equal(t, "Site A (revised)", remote.Name)
}

func TestDrain_DeleteOfUnsyncedProject(t *testing.T) {
	env := newDeviceEnv(t)
	ctx := t.Context()

	p, err := env.client.CreateProject(ctx, "Short-lived", "")
	require.NoError(t, err)
	require.NoError(t, env.client.DeleteProject(ctx, p.LocalID))

	env.monitor.SetOnline(true)
	require.NoError(t, env.client.SyncNow(ctx))

	depth, err := env.client.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)

	// Create and delete both drained; nothing remains remotely
	items, err := env.client.Queue.List(ctx)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestDrain_FailureDoesNotBlockOtherItems(t *testing.T) {
	env := newDeviceEnv(t)
	ctx := t.Context()

	// A create without a name is rejected per-item by the server
	bad, err := env.client.CreateProject(ctx, "", "")
	require.NoError(t, err)
	good, err := env.client.CreateProject(ctx, "Site B", "")
	require.NoError(t, err)

	env.monitor.SetOnline(true)
	require.NoError(t, env.client.SyncNow(ctx))

	reloadedGood, err := env.client.Store.GetProject(ctx, good.LocalID)
	require.NoError(t, err)
	require.NotEmpty(t, reloadedGood.ServerID)

	items, err := env.client.Queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, bad.LocalID, items[0].EntityID)
	require.Equal(t, StatusPending, items[0].Status)
	require.Equal(t, 1, items[0].Attempts)
	require.NotEmpty(t, items[0].LastError)
	require.NotNil(t, items[0].LastAttemptAt)
}

func TestDrain_AttemptCeilingGoesTerminal(t *testing.T) {
	env := newDeviceEnv(t)
	ctx := t.Context()

	_, err := env.client.CreateProject(ctx, "", "")
	require.NoError(t, err)

	env.monitor.SetOnline(true)
	for i := 0; i < DefaultAttemptCeiling; i++ {
		require.NoError(t, env.client.SyncNow(ctx))
	}

	errored, err := env.client.Errors(ctx)
	require.NoError(t, err)
	require.Len(t, errored, 1)
	require.Equal(t, DefaultAttemptCeiling, errored[0].Attempts)
	require.Equal(t, StatusError, errored[0].Status)

	// Terminal items no longer count as pending and are skipped by drains
	depth, err := env.client.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
	require.NoError(t, env.client.SyncNow(ctx))
	errored, err = env.client.Errors(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultAttemptCeiling, errored[0].Attempts)

	// Manual retry re-arms the item (offline so nothing drains underneath)
	env.monitor.SetOnline(false)
	n, err := env.client.RetryErrors(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	depth, err = env.client.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestDrain_NetworkFailureCountsAttempt(t *testing.T) {
	env := newDeviceEnv(t)
	ctx := t.Context()

	_, err := env.client.CreateProject(ctx, "Site A", "")
	require.NoError(t, err)

	// Point the transport at a dead endpoint while the monitor still says
	// online: the request itself fails
	env.client.Transport.BaseURL = "http://127.0.0.1:1"
	env.monitor.SetOnline(true)
	require.NoError(t, env.client.SyncNow(ctx))

	items, err := env.client.Queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, StatusPending, items[0].Status)
	require.Equal(t, 1, items[0].Attempts)
	require.NotEmpty(t, items[0].LastError)
}

func TestDrain_SingleFlight(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "device.db"), testLogger())
	require.NoError(t, err)
	defer store.Close()
	queue := NewQueue(store, testLogger())
	ctx := t.Context()

	item, err := queue.Enqueue(ctx, ActionDelete, EntityProject, "e1", &fieldsync.DeletePayload{ID: "e1"}, time.Now().UTC())
	require.NoError(t, err)

	var requests atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		close(entered)
		<-release
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&fieldsync.BatchResponse{
			Results: []fieldsync.MutationResult{
				{LocalID: "e1", ServerID: "e1", Status: fieldsync.StSuccess},
			},
		})
	}))
	defer srv.Close()

	monitor := NewManualMonitor(true)
	transport := NewTransport(srv.URL,
		func(context.Context) (string, error) { return "t", nil },
		5*time.Second, testLogger())
	driver := NewDriver(store, queue, monitor, transport, DefaultAttemptCeiling, testLogger())

	done := make(chan error, 1)
	go func() { done <- driver.Drain(ctx) }()

	<-entered
	// A second trigger while a pass is in flight is a no-op, not an error
	require.NoError(t, driver.Drain(ctx))
	require.Equal(t, int32(1), requests.Load())

	close(release)
	require.NoError(t, <-done)

	require.ErrorIs(t, queue.Remove(ctx, item.ID), ErrNotFound)
}

func TestDrain_ResultCountMismatchFailsRound(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "device.db"), testLogger())
	require.NoError(t, err)
	defer store.Close()
	queue := NewQueue(store, testLogger())
	ctx := t.Context()

	_, err = queue.Enqueue(ctx, ActionDelete, EntityProject, "e1", &fieldsync.DeletePayload{ID: "e1"}, time.Now().UTC())
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&fieldsync.BatchResponse{})
	}))
	defer srv.Close()

	transport := NewTransport(srv.URL,
		func(context.Context) (string, error) { return "t", nil },
		5*time.Second, testLogger())
	driver := NewDriver(store, queue, NewManualMonitor(true), transport, DefaultAttemptCeiling, testLogger())

	require.NoError(t, driver.Drain(ctx))

	items, err := queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].Attempts)
	require.Contains(t, items[0].LastError, "results")
}

func TestDrain_SyncingMarkFailureCountsAttempt(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "device.db"), testLogger())
	require.NoError(t, err)
	defer store.Close()
	queue := NewQueue(store, testLogger())
	ctx := t.Context()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&fieldsync.BatchResponse{})
	}))
	defer srv.Close()

	transport := NewTransport(srv.URL,
		func(context.Context) (string, error) { return "t", nil },
		5*time.Second, testLogger())
	driver := NewDriver(store, queue, NewManualMonitor(true), transport, DefaultAttemptCeiling, testLogger())

	// An item whose row is gone underneath the pass cannot be marked
	// syncing. That failure must count an attempt like any other, not
	// leave the item untouched with no trace of what happened.
	round := []MutationItem{{
		ID:         "ghost",
		EntityType: EntityProject,
		Action:     ActionCreate,
		EntityID:   "e1",
		Payload:    json.RawMessage(`{"id":"e1","name":"Site A"}`),
		CreatedAt:  time.Now().UTC(),
		Status:     StatusPending,
	}}
	driver.drainRound(ctx, round, map[string]string{})

	require.Equal(t, 1, round[0].Attempts)
	require.Contains(t, round[0].LastError, "syncing")
	require.NotNil(t, round[0].LastAttemptAt)
	require.Zero(t, requests.Load())
}

func TestPartitionRounds(t *testing.T) {
	items := []MutationItem{
		{ID: "1", EntityID: "a"},
		{ID: "2", EntityID: "b"},
		{ID: "3", EntityID: "a"},
		{ID: "4", EntityID: "a"},
	}
	rounds := partitionRounds(items)
	require.Len(t, rounds, 3)
	require.Len(t, rounds[0], 2)
	require.Equal(t, "1", rounds[0][0].ID)
	require.Equal(t, "2", rounds[0][1].ID)
	require.Len(t, rounds[1], 1)
	require.Equal(t, "3", rounds[1][0].ID)
	require.Len(t, rounds[2], 1)
	require.Equal(t, "4", rounds[2][0].ID)
}
