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

package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magsag/magsag/storage"
)

// DefaultFileDir is the on-disk fallback location for snapshots when no
// storage backend is configured.
const DefaultFileDir = ".agdd/snapshots"

// FileBackend stores snapshots as <dir>/<run_id>/<step_id>.json.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend creates a file-based snapshot backend rooted at dir
// (DefaultFileDir when empty).
func NewFileBackend(dir string) *FileBackend {
	if dir == "" {
		dir = DefaultFileDir
	}
	return &FileBackend{dir: dir}
}

func (b *FileBackend) path(runID, stepID string) string {
	return filepath.Join(b.dir, runID, stepID+".json")
}

// Upsert writes the snapshot file atomically, preserving the snapshot ID of
// an existing (run_id, step_id) file.
func (b *FileBackend) Upsert(ctx context.Context, snap *storage.RunSnapshot) (*storage.RunSnapshot, error) {
	if snap.RunID == "" || snap.StepID == "" {
		return nil, fmt.Errorf("run_id and step_id are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := *snap
	out.CreatedAt = time.Now().UTC()

	if existing, err := b.read(snap.RunID, snap.StepID); err == nil && existing != nil {
		out.SnapshotID = existing.SnapshotID
	} else if out.SnapshotID == "" {
		out.SnapshotID = uuid.NewString()
	}

	dir := filepath.Join(b.dir, snap.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp := b.path(snap.RunID, snap.StepID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, b.path(snap.RunID, snap.StepID)); err != nil {
		return nil, fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return &out, nil
}

func (b *FileBackend) read(runID, stepID string) (*storage.RunSnapshot, error) {
	data, err := os.ReadFile(b.path(runID, stepID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var snap storage.RunSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot file %s: %w", b.path(runID, stepID), err)
	}
	return &snap, nil
}

func (b *FileBackend) GetByStep(ctx context.Context, runID, stepID string) (*storage.RunSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read(runID, stepID)
}

func (b *FileBackend) GetLatest(ctx context.Context, runID string) (*storage.RunSnapshot, error) {
	all, err := b.List(ctx, runID)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[len(all)-1], nil
}

// List returns snapshots oldest first.
func (b *FileBackend) List(ctx context.Context, runID string) ([]*storage.RunSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(b.dir, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var out []*storage.RunSnapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		snap, err := b.read(runID, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil || snap == nil {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].StepID < out[j].StepID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (b *FileBackend) Delete(ctx context.Context, runID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Join(b.dir, runID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read snapshot directory: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".json") {
			count++
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return count, nil
}
