// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/lambertbf98/GeoTech-sub000/internal/auth"
)

func newTestService(store *MemStore) *SyncService {
	return NewSyncService(store, store, &ServiceConfig{AppName: "test", MaxBatchSize: 100},
		slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError})))
}

func authCtx(userID, deviceID string) context.Context {
	return auth.SetAuthContext(context.Background(), userID, deviceID)
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func item(id, entity, action, data string, ts time.Time) MutationEnvelope {
	return MutationEnvelope{
		ID:        id,
		Entity:    entity,
		Action:    action,
		Data:      json.RawMessage(data),
		Timestamp: ts,
	}
}

func TestProcessBatch_CreateReturnsServerID(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(store)
	now := time.Now().UTC()

	resp, err := svc.ProcessBatch(authCtx("u1", "d1"), &BatchRequest{
		Items: []MutationEnvelope{
			item("m1", EntityProject, ActionCreate, `{"id":"local-1","name":"Site A"}`, now),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(resp.Results))
	}
	res := resp.Results[0]
	if res.Status != StSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Error)
	}
	if res.LocalID != "local-1" {
		t.Fatalf("expected localId local-1, got %s", res.LocalID)
	}
	if res.ServerID == "" || res.ServerID == "local-1" {
		t.Fatalf("expected fresh server id, got %q", res.ServerID)
	}
	if _, err := store.GetProject(context.Background(), res.ServerID); err != nil {
		t.Fatalf("project not persisted under server id: %v", err)
	}
}

func TestProcessBatch_CreateReplayReturnsSameServerID(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(store)
	now := time.Now().UTC()
	req := &BatchRequest{
		Items: []MutationEnvelope{
			item("m1", EntityProject, ActionCreate, `{"id":"local-1","name":"Site A"}`, now),
		},
	}

	first, err := svc.ProcessBatch(authCtx("u1", "d1"), req)
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	second, err := svc.ProcessBatch(authCtx("u1", "d1"), req)
	if err != nil {
		t.Fatalf("replayed batch: %v", err)
	}
	if second.Results[0].Status != StSuccess {
		t.Fatalf("replay should succeed, got %s", second.Results[0].Status)
	}
	if first.Results[0].ServerID != second.Results[0].ServerID {
		t.Fatalf("replay returned different server id: %s vs %s",
			first.Results[0].ServerID, second.Results[0].ServerID)
	}
}

func TestProcessBatch_CreateReplaySurvivesRestart(t *testing.T) {
	store := NewMemStore()
	now := time.Now().UTC()
	req := &BatchRequest{
		Items: []MutationEnvelope{
			item("m1", EntityProject, ActionCreate, `{"id":"local-1","name":"Site A"}`, now),
		},
	}

	first, err := newTestService(store).ProcessBatch(authCtx("u1", "d1"), req)
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}

	// A device retries the same batch after the server process restarts.
	// The replay gate lives in the store, so a fresh service over the same
	// store must still return the original identifier.
	second, err := newTestService(store).ProcessBatch(authCtx("u1", "d1"), req)
	if err != nil {
		t.Fatalf("replayed batch: %v", err)
	}
	if second.Results[0].Status != StSuccess {
		t.Fatalf("replay should succeed, got %s", second.Results[0].Status)
	}
	if first.Results[0].ServerID != second.Results[0].ServerID {
		t.Fatalf("replay after restart returned different server id: %s vs %s",
			first.Results[0].ServerID, second.Results[0].ServerID)
	}
	if got := store.ProjectCount(); got != 1 {
		t.Fatalf("replay must not create a second project, store holds %d", got)
	}
}

func TestProcessBatch_RequiresDeviceIdentity(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(store)

	_, err := svc.ProcessBatch(context.Background(), &BatchRequest{
		Items: []MutationEnvelope{
			item("m1", EntityProject, ActionDelete, `{"id":"a"}`, time.Now().UTC()),
		},
	})
	if err == nil {
		t.Fatal("batch without device identity in context must be rejected")
	}
}

func TestProcessBatch_IdempotentDelete(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(store)
	now := time.Now().UTC()

	for i := 0; i < 2; i++ {
		resp, err := svc.ProcessBatch(authCtx("u1", "d1"), &BatchRequest{
			Items: []MutationEnvelope{
				item("m1", EntityProject, ActionDelete, `{"id":"never-existed"}`, now),
			},
		})
		if err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		if resp.Results[0].Status != StSuccess {
			t.Fatalf("delete of missing record must succeed, got %s", resp.Results[0].Status)
		}
	}
}

func TestProcessBatch_IdempotentUpdate(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(store)
	now := time.Now().UTC()

	resp, err := svc.ProcessBatch(authCtx("u1", "d1"), &BatchRequest{
		Items: []MutationEnvelope{
			item("m1", EntityPhoto, ActionUpdate, `{"id":"gone","notes":"x"}`, now),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Results[0].Status != StSuccess {
		t.Fatalf("update of missing record must succeed, got %s", resp.Results[0].Status)
	}
}

func TestProcessBatch_PhotoCreateRejected(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(store)

	resp, err := svc.ProcessBatch(authCtx("u1", "d1"), &BatchRequest{
		Items: []MutationEnvelope{
			item("m1", EntityPhoto, ActionCreate, `{"id":"ph-1"}`, time.Now()),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := resp.Results[0]
	if res.Status != StError {
		t.Fatalf("photo create over batch must error, got %s", res.Status)
	}
	if !strings.Contains(res.Error, "upload") {
		t.Fatalf("error should point at the upload endpoint, got %q", res.Error)
	}
}

func TestProcessBatch_UnknownEntityDoesNotAbortBatch(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(store)
	now := time.Now().UTC()

	resp, err := svc.ProcessBatch(authCtx("u1", "d1"), &BatchRequest{
		Items: []MutationEnvelope{
			item("m1", EntityProject, ActionCreate, `{"id":"local-1","name":"Site A"}`, now),
			item("m2", "widget", ActionCreate, `{"id":"w-1"}`, now),
			item("m3", EntityProject, ActionDelete, `{"id":"other"}`, now),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("expected 3 results in order, got %d", len(resp.Results))
	}
	if resp.Results[0].Status != StSuccess {
		t.Fatalf("item 0 should succeed, got %s", resp.Results[0].Status)
	}
	if resp.Results[1].Status != StError {
		t.Fatalf("item 1 should error, got %s", resp.Results[1].Status)
	}
	if !strings.Contains(resp.Results[1].Error, "widget") {
		t.Fatalf("item 1 error should name the unknown entity, got %q", resp.Results[1].Error)
	}
	if resp.Results[2].Status != StSuccess {
		t.Fatalf("item 2 should succeed, got %s", resp.Results[2].Status)
	}
}

func TestProcessBatch_StaleUpdateConflicts(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(store)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	created, err := svc.ProcessBatch(authCtx("u1", "d1"), &BatchRequest{
		Items: []MutationEnvelope{
			item("m1", EntityProject, ActionCreate, `{"id":"local-1","name":"Site A"}`, base),
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	serverID := created.Results[0].ServerID

	payload := `{"id":"` + serverID + `","name":"Stale"}`
	resp, err := svc.ProcessBatch(authCtx("u1", "d2"), &BatchRequest{
		Items: []MutationEnvelope{
			item("m2", EntityProject, ActionUpdate, payload, base.Add(-time.Hour)),
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	res := resp.Results[0]
	if res.Status != StConflict {
		t.Fatalf("stale update should conflict, got %s (%s)", res.Status, res.Error)
	}

	var server ProjectRecord
	if err := json.Unmarshal(res.ServerVersion, &server); err != nil {
		t.Fatalf("serverVersion should carry the server record: %v", err)
	}
	if server.Name != "Site A" {
		t.Fatalf("server record untouched, expected Site A, got %s", server.Name)
	}

	// Equal timestamps also lose: conflicts require strictly newer writes
	resp, err = svc.ProcessBatch(authCtx("u1", "d2"), &BatchRequest{
		Items: []MutationEnvelope{
			item("m3", EntityProject, ActionUpdate, payload, base),
		},
	})
	if err != nil {
		t.Fatalf("tie update: %v", err)
	}
	if resp.Results[0].Status != StConflict {
		t.Fatalf("tie update should conflict, got %s", resp.Results[0].Status)
	}
}

func TestProcessBatch_NewerUpdateApplies(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(store)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	created, err := svc.ProcessBatch(authCtx("u1", "d1"), &BatchRequest{
		Items: []MutationEnvelope{
			item("m1", EntityProject, ActionCreate, `{"id":"local-1","name":"Site A"}`, base),
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	serverID := created.Results[0].ServerID

	resp, err := svc.ProcessBatch(authCtx("u1", "d1"), &BatchRequest{
		Items: []MutationEnvelope{
			item("m2", EntityProject, ActionUpdate,
				`{"id":"`+serverID+`","name":"Site A (revised)"}`, base.Add(time.Minute)),
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if resp.Results[0].Status != StSuccess {
		t.Fatalf("newer update should apply, got %s (%s)", resp.Results[0].Status, resp.Results[0].Error)
	}

	p, err := store.GetProject(context.Background(), serverID)
	if err != nil {
		t.Fatalf("reload project: %v", err)
	}
	if p.Name != "Site A (revised)" {
		t.Fatalf("expected revised name, got %s", p.Name)
	}
	if !p.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("updatedAt should take the mutation timestamp, got %v", p.UpdatedAt)
	}
}

// panicStore wraps a store so one operation panics, exercising per-item
// panic isolation.
type panicStore struct {
	ProjectStore
}

func (panicStore) DeleteProject(context.Context, string) error {
	panic("store exploded")
}

func TestProcessBatch_PanicIsolatedToItem(t *testing.T) {
	store := NewMemStore()
	svc := NewSyncService(panicStore{store}, store, &ServiceConfig{AppName: "test"},
		slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError})))
	now := time.Now().UTC()

	resp, err := svc.ProcessBatch(authCtx("u1", "d1"), &BatchRequest{
		Items: []MutationEnvelope{
			item("m1", EntityProject, ActionDelete, `{"id":"boom"}`, now),
			item("m2", EntityProject, ActionCreate, `{"id":"local-2","name":"After"}`, now),
		},
	})
	if err != nil {
		t.Fatalf("batch must survive item panic: %v", err)
	}
	if resp.Results[0].Status != StError {
		t.Fatalf("panicking item should error, got %s", resp.Results[0].Status)
	}
	if resp.Results[1].Status != StSuccess {
		t.Fatalf("item after panic should still process, got %s", resp.Results[1].Status)
	}
}

func TestProcessBatch_RejectsOversizedBatch(t *testing.T) {
	store := NewMemStore()
	svc := NewSyncService(store, store, &ServiceConfig{AppName: "test", MaxBatchSize: 1},
		slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError})))
	now := time.Now().UTC()

	_, err := svc.ProcessBatch(authCtx("u1", "d1"), &BatchRequest{
		Items: []MutationEnvelope{
			item("m1", EntityProject, ActionDelete, `{"id":"a"}`, now),
			item("m2", EntityProject, ActionDelete, `{"id":"b"}`, now),
		},
	})
	if err == nil {
		t.Fatal("expected oversized batch to be rejected")
	}
}
