// Package store provides implementations of the persistence collaborators:
// the task store, the read-only user directory, the activity sink, and the
// blob uploader. Memory variants back tests and single-node deployments;
// redis variants back multi-pod deployments.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowboard/flowboard/internal/v1/types"
)

// MemoryTaskStore is an in-memory TaskStore. All reads and writes deep-copy
// so callers never share state with the store.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[types.TaskIDType]*types.Task
}

// NewMemoryTaskStore creates an empty in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[types.TaskIDType]*types.Task)}
}

func (s *MemoryTaskStore) Insert(_ context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryTaskStore) Get(_ context.Context, id types.TaskIDType) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, types.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryTaskStore) Update(_ context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return types.ErrTaskNotFound
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryTaskStore) Delete(_ context.Context, id types.TaskIDType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return types.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryTaskStore) List(_ context.Context) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

// MemoryUserDirectory is an in-memory UserDirectory seeded at construction.
// The directory is read-only to the core; SetActive exists for tests and
// operator tooling.
type MemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[types.UserIDType]*types.User
}

// NewMemoryUserDirectory seeds a directory with the given users.
func NewMemoryUserDirectory(users ...*types.User) *MemoryUserDirectory {
	d := &MemoryUserDirectory{users: make(map[types.UserIDType]*types.User)}
	for _, u := range users {
		cp := *u
		d.users[u.ID] = &cp
	}
	return d
}

func (d *MemoryUserDirectory) Get(_ context.Context, id types.UserIDType) (*types.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s not found", id)
	}
	cp := *u
	return &cp, nil
}

func (d *MemoryUserDirectory) ListActive(_ context.Context) ([]*types.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*types.User
	for _, u := range d.users {
		if u.IsActive {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SetActive flips a user's active flag.
func (d *MemoryUserDirectory) SetActive(id types.UserIDType, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[id]; ok {
		u.IsActive = active
	}
}

// MemoryActivitySink is an in-memory append-only activity log.
type MemoryActivitySink struct {
	mu      sync.RWMutex
	records []*types.ActivityRecord
}

// NewMemoryActivitySink creates an empty sink.
func NewMemoryActivitySink() *MemoryActivitySink {
	return &MemoryActivitySink{}
}

func (s *MemoryActivitySink) Append(_ context.Context, rec *types.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryActivitySink) Prune(_ context.Context, before time.Time, severities []types.ActivitySeverity) (int, error) {
	prunable := make(map[types.ActivitySeverity]bool, len(severities))
	for _, sev := range severities {
		prunable[sev] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	removed := 0
	for _, rec := range s.records {
		if rec.CreatedAt.Before(before) && prunable[rec.Severity] {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return removed, nil
}

// Records returns a snapshot of all appended records, oldest first.
func (s *MemoryActivitySink) Records() []*types.ActivityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ActivityRecord, len(s.records))
	copy(out, s.records)
	return out
}

// MemoryUploader stores blobs in memory and serves mem:// URLs.
type MemoryUploader struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryUploader creates an empty uploader.
func NewMemoryUploader() *MemoryUploader {
	return &MemoryUploader{blobs: make(map[string][]byte)}
}

func (u *MemoryUploader) Upload(_ context.Context, name string, data []byte) (string, error) {
	if name == "" {
		return "", fmt.Errorf("upload name cannot be empty")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.blobs[name] = append([]byte(nil), data...)
	return "mem://" + name, nil
}
