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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsag/magsag/storage"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	st, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return map[string]Backend{
		"storage": NewStorageBackend(st),
		"file":    NewFileBackend(filepath.Join(t.TempDir(), "snapshots")),
	}
}

func TestSaveSnapshotIdempotent(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(backend)
			ctx := context.Background()

			first, err := store.SaveSnapshot(ctx, "run-1", "process", map[string]any{"v": 1.0}, nil)
			require.NoError(t, err)
			second, err := store.SaveSnapshot(ctx, "run-1", "process", map[string]any{"v": 2.0}, nil)
			require.NoError(t, err)
			assert.Equal(t, first.SnapshotID, second.SnapshotID)

			latest, err := store.GetLatestSnapshot(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, 2.0, latest.State["v"])

			all, err := store.ListSnapshots(ctx, "run-1")
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestResumeAfterAbort(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			runner := NewDurableRunner(NewStore(backend))
			ctx := context.Background()

			steps := []string{"init", "process", "validate", "finalize"}
			completed := map[string]any{}

			// Simulate a run that aborts after the second step.
			for _, step := range steps[:2] {
				completed[step] = "done"
				state := map[string]any{"completed": len(completed), "last_step": step}
				_, err := runner.Checkpoint(ctx, "run-crash", step, state, map[string]any{"agent_slug": "mag-a"})
				require.NoError(t, err)
			}

			restored, err := runner.Resume(ctx, "run-crash", "")
			require.NoError(t, err)
			assert.Equal(t, "process", restored["last_step"])
			assert.Equal(t, 2.0, restored["completed"])

			// Re-run from step 3 onward.
			for i, step := range steps[2:] {
				state := map[string]any{"completed": float64(3 + i), "last_step": step}
				_, err := runner.Checkpoint(ctx, "run-crash", step, state, nil)
				require.NoError(t, err)
			}

			all, err := runner.ListCheckpoints(ctx, "run-crash")
			require.NoError(t, err)
			assert.Len(t, all, 4)

			final, err := runner.Resume(ctx, "run-crash", "")
			require.NoError(t, err)
			assert.Equal(t, "finalize", final["last_step"])
		})
	}
}

func TestResumeFromSpecificStep(t *testing.T) {
	runner := NewDurableRunner(NewStore(NewFileBackend(filepath.Join(t.TempDir(), "s"))))
	ctx := context.Background()

	_, err := runner.Checkpoint(ctx, "r", "a", map[string]any{"step": "a"}, nil)
	require.NoError(t, err)
	_, err = runner.Checkpoint(ctx, "r", "b", map[string]any{"step": "b"}, nil)
	require.NoError(t, err)

	state, err := runner.Resume(ctx, "r", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", state["step"])
}

func TestResumeNoCheckpoint(t *testing.T) {
	runner := NewDurableRunner(NewStore(NewFileBackend(filepath.Join(t.TempDir(), "s"))))
	_, err := runner.Resume(context.Background(), "never-ran", "")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestCleanup(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			runner := NewDurableRunner(NewStore(backend))
			ctx := context.Background()

			for _, step := range []string{"a", "b"} {
				_, err := runner.Checkpoint(ctx, "r", step, map[string]any{}, nil)
				require.NoError(t, err)
			}

			n, err := runner.Cleanup(ctx, "r")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			_, err = runner.Resume(ctx, "r", "")
			assert.ErrorIs(t, err, ErrNoCheckpoint)
		})
	}
}
