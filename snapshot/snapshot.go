// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package snapshot checkpoints execution state at step boundaries. Writes
// are idempotent by (run_id, step_id), which gives crash-resume and
// step-level idempotency to the runner.
package snapshot

import (
	"context"
	"errors"

	"github.com/magsag/magsag/storage"
)

// ErrNoCheckpoint is returned by Resume when a run has nothing to restore.
var ErrNoCheckpoint = errors.New("no checkpoint for run")

// Backend is the snapshot CRUD contract. The store accepts any
// implementation; the file-based fallback is a Backend, not a conditional
// branch inside the store.
type Backend interface {
	Upsert(ctx context.Context, snap *storage.RunSnapshot) (*storage.RunSnapshot, error)
	GetByStep(ctx context.Context, runID, stepID string) (*storage.RunSnapshot, error)
	GetLatest(ctx context.Context, runID string) (*storage.RunSnapshot, error)
	List(ctx context.Context, runID string) ([]*storage.RunSnapshot, error)
	Delete(ctx context.Context, runID string) (int, error)
}

// StorageBackend persists snapshots through the shared Storage.
type StorageBackend struct {
	store storage.Storage
}

// NewStorageBackend wraps a Storage as a snapshot Backend.
func NewStorageBackend(store storage.Storage) *StorageBackend {
	return &StorageBackend{store: store}
}

func (b *StorageBackend) Upsert(ctx context.Context, snap *storage.RunSnapshot) (*storage.RunSnapshot, error) {
	return b.store.UpsertRunSnapshot(ctx, snap)
}

func (b *StorageBackend) GetByStep(ctx context.Context, runID, stepID string) (*storage.RunSnapshot, error) {
	return b.store.GetRunSnapshot(ctx, runID, stepID)
}

func (b *StorageBackend) GetLatest(ctx context.Context, runID string) (*storage.RunSnapshot, error) {
	return b.store.GetLatestRunSnapshot(ctx, runID)
}

func (b *StorageBackend) List(ctx context.Context, runID string) ([]*storage.RunSnapshot, error) {
	return b.store.ListRunSnapshots(ctx, runID)
}

func (b *StorageBackend) Delete(ctx context.Context, runID string) (int, error) {
	return b.store.DeleteRunSnapshots(ctx, runID)
}

// Store exposes snapshot operations over any Backend.
type Store struct {
	backend Backend
}

// NewStore creates a snapshot store. A nil backend falls back to the
// file-based implementation under .agdd/snapshots.
func NewStore(backend Backend) *Store {
	if backend == nil {
		backend = NewFileBackend("")
	}
	return &Store{backend: backend}
}

// SaveSnapshot writes a checkpoint, idempotent per (run_id, step_id). The
// first write for an unknown run creates the run row (the storage backend
// preserves metadata.agent_slug when present).
func (s *Store) SaveSnapshot(ctx context.Context, runID, stepID string, state, metadata map[string]any) (*storage.RunSnapshot, error) {
	return s.backend.Upsert(ctx, &storage.RunSnapshot{
		RunID:    runID,
		StepID:   stepID,
		State:    state,
		Metadata: metadata,
	})
}

// GetLatestSnapshot returns the snapshot with the greatest created_at.
func (s *Store) GetLatestSnapshot(ctx context.Context, runID string) (*storage.RunSnapshot, error) {
	return s.backend.GetLatest(ctx, runID)
}

// GetSnapshotByStep returns the snapshot for (run_id, step_id), or nil.
func (s *Store) GetSnapshotByStep(ctx context.Context, runID, stepID string) (*storage.RunSnapshot, error) {
	return s.backend.GetByStep(ctx, runID, stepID)
}

// ListSnapshots returns a run's snapshots oldest first.
func (s *Store) ListSnapshots(ctx context.Context, runID string) ([]*storage.RunSnapshot, error) {
	return s.backend.List(ctx, runID)
}

// DeleteSnapshots removes a run's snapshots and returns the count.
func (s *Store) DeleteSnapshots(ctx context.Context, runID string) (int, error) {
	return s.backend.Delete(ctx, runID)
}

// DurableRunner wraps a Store with the resume-oriented surface used by
// agents.
type DurableRunner struct {
	store *Store
}

// NewDurableRunner creates a DurableRunner over store.
func NewDurableRunner(store *Store) *DurableRunner {
	return &DurableRunner{store: store}
}

// Checkpoint saves the state reached after stepID.
func (d *DurableRunner) Checkpoint(ctx context.Context, runID, stepID string, state, metadata map[string]any) (*storage.RunSnapshot, error) {
	return d.store.SaveSnapshot(ctx, runID, stepID, state, metadata)
}

// Resume returns the state mapping to restore: the snapshot at fromStep when
// given, otherwise the latest one. ErrNoCheckpoint when nothing was saved.
func (d *DurableRunner) Resume(ctx context.Context, runID, fromStep string) (map[string]any, error) {
	var snap *storage.RunSnapshot
	var err error
	if fromStep != "" {
		snap, err = d.store.GetSnapshotByStep(ctx, runID, fromStep)
	} else {
		snap, err = d.store.GetLatestSnapshot(ctx, runID)
	}
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNoCheckpoint
	}
	return snap.State, nil
}

// ListCheckpoints returns a run's checkpoints oldest first.
func (d *DurableRunner) ListCheckpoints(ctx context.Context, runID string) ([]*storage.RunSnapshot, error) {
	return d.store.ListSnapshots(ctx, runID)
}

// Cleanup removes a run's checkpoints.
func (d *DurableRunner) Cleanup(ctx context.Context, runID string) (int, error) {
	return d.store.DeleteSnapshots(ctx, runID)
}
