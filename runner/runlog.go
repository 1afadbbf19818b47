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

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/magsag/magsag/storage"
)

// RunLogger writes per-run observability artifacts: an append-only
// logs.jsonl, metrics.json, summary.json, with every event mirrored into
// the shared store. Disk and store writes are both best-effort for events;
// the run itself never fails because logging did.
type RunLogger struct {
	mu        sync.Mutex
	dir       string
	logFile   *os.File
	store     storage.Storage
	runID     string
	agentSlug string
	metrics   map[string]any
}

// NewRunLogger creates the run directory and opens the event log.
func NewRunLogger(dir, runID, agentSlug string, store storage.Storage) (*RunLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("run logger: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "logs.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("run logger: %w", err)
	}
	return &RunLogger{
		dir:       dir,
		logFile:   f,
		store:     store,
		runID:     runID,
		agentSlug: agentSlug,
		metrics:   make(map[string]any),
	}, nil
}

// Event records one run event on disk and in the store.
func (l *RunLogger) Event(ctx context.Context, eventType, level, message string, payload map[string]any) {
	ev := storage.Event{
		RunID:     l.runID,
		AgentSlug: l.agentSlug,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Payload:   payload,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Run event not serializable", "run_id", l.runID, "event", eventType, "error", err)
		return
	}

	l.mu.Lock()
	_, writeErr := l.logFile.Write(append(line, '\n'))
	l.mu.Unlock()
	if writeErr != nil {
		slog.Warn("Run event not written to disk", "run_id", l.runID, "error", writeErr)
	}

	if l.store != nil {
		if err := l.store.AppendEvent(ctx, ev); err != nil {
			slog.Warn("Run event not persisted", "run_id", l.runID, "error", err)
		}
	}
}

// SetMetric records one metric value for the run.
func (l *RunLogger) SetMetric(key string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics[key] = value
}

// Metrics returns a copy of the collected metrics.
func (l *RunLogger) Metrics() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]any, len(l.metrics))
	for k, v := range l.metrics {
		out[k] = v
	}
	return out
}

// WriteMetrics flushes metrics.json.
func (l *RunLogger) WriteMetrics() error {
	return l.writeJSON("metrics.json", l.Metrics())
}

// WriteSummary writes summary.json. The summary carries the run envelope
// and the environment snapshot used for replay.
func (l *RunLogger) WriteSummary(summary map[string]any) error {
	return l.writeJSON("summary.json", summary)
}

// writeJSON writes atomically so a crashed run never leaves a torn file.
func (l *RunLogger) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("run logger: marshal %s: %w", name, err)
	}
	path := filepath.Join(l.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("run logger: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("run logger: %w", err)
	}
	return nil
}

// Close releases the event log handle.
func (l *RunLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logFile.Close()
}
