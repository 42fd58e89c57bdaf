// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory record store implementing ProjectStore and
// PhotoStore. It backs tests and local demos; production deployments use
// PgStore.
type MemStore struct {
	mu       sync.RWMutex
	projects map[string]*ProjectRecord
	photos   map[string]*PhotoRecord
	images   map[string][]byte
	applied  map[string]appliedCreate // "<deviceID>/<mutationID>"
}

type appliedCreate struct {
	serverID  string
	appliedAt time.Time
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		projects: make(map[string]*ProjectRecord),
		photos:   make(map[string]*PhotoRecord),
		images:   make(map[string][]byte),
		applied:  make(map[string]appliedCreate),
	}
}

func (s *MemStore) CreateProject(_ context.Context, p *ProjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return fmt.Errorf("project %s already exists", p.ID)
	}
	s.projects[p.ID] = copyProject(p)
	return nil
}

func (s *MemStore) GetProject(_ context.Context, id string) (*ProjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProject(p), nil
}

func (s *MemStore) UpdateProject(_ context.Context, id string, name, description *string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return ErrNotFound
	}
	if name != nil {
		p.Name = *name
	}
	if description != nil {
		p.Description = *description
	}
	p.UpdatedAt = updatedAt
	return nil
}

func (s *MemStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	delete(s.projects, id)
	for photoID, ph := range s.photos {
		if ph.ProjectID == id {
			delete(s.photos, photoID)
			delete(s.images, photoID)
		}
	}
	return nil
}

func (s *MemStore) PutContent(_ context.Context, id string, content *ProjectContent, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.Content = copyContent(content)
	p.UpdatedAt = updatedAt
	return nil
}

func (s *MemStore) LookupAppliedCreate(_ context.Context, deviceID, mutationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.applied[deviceID+"/"+mutationID]
	if !ok {
		return "", ErrNotFound
	}
	return entry.serverID, nil
}

func (s *MemStore) RecordAppliedCreate(_ context.Context, deviceID, mutationID, serverID string, appliedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceID + "/" + mutationID
	if _, ok := s.applied[key]; ok {
		return nil
	}
	s.applied[key] = appliedCreate{serverID: serverID, appliedAt: appliedAt}
	return nil
}

func (s *MemStore) PruneAppliedCreates(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.applied {
		if entry.appliedAt.Before(before) {
			delete(s.applied, key)
		}
	}
	return nil
}

func (s *MemStore) CreatePhoto(_ context.Context, ph *PhotoRecord, image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.photos[ph.ID]; ok {
		return fmt.Errorf("photo %s already exists", ph.ID)
	}
	cp := *ph
	s.photos[ph.ID] = &cp
	if image != nil {
		s.images[ph.ID] = append([]byte(nil), image...)
	}
	return nil
}

func (s *MemStore) GetPhoto(_ context.Context, id string) (*PhotoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ph, ok := s.photos[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ph
	return &cp, nil
}

func (s *MemStore) UpdatePhoto(_ context.Context, id string, notes, description *string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ph, ok := s.photos[id]
	if !ok {
		return ErrNotFound
	}
	if notes != nil {
		ph.Notes = *notes
	}
	if description != nil {
		ph.Description = *description
	}
	ph.UpdatedAt = updatedAt
	return nil
}

func (s *MemStore) DeletePhoto(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.photos[id]; !ok {
		return ErrNotFound
	}
	delete(s.photos, id)
	delete(s.images, id)
	return nil
}

func (s *MemStore) ListProjectPhotos(_ context.Context, projectID string) ([]PhotoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var photos []PhotoRecord
	for _, ph := range s.photos {
		if ph.ProjectID == projectID {
			photos = append(photos, *ph)
		}
	}
	sort.Slice(photos, func(i, j int) bool {
		return photos[i].UpdatedAt.Before(photos[j].UpdatedAt)
	})
	return photos, nil
}

// ProjectCount returns the number of stored projects (test helper)
func (s *MemStore) ProjectCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.projects)
}

// PhotoImage returns the stored image bytes (test helper)
func (s *MemStore) PhotoImage(id string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.images[id]
}

func copyProject(p *ProjectRecord) *ProjectRecord {
	cp := *p
	cp.Content = copyContent(p.Content)
	return &cp
}

// copyContent deep-copies via JSON round-trip; aggregates are small enough
// that correctness beats cleverness here
func copyContent(content *ProjectContent) *ProjectContent {
	if content == nil {
		return nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return nil
	}
	var cp ProjectContent
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil
	}
	return &cp
}
