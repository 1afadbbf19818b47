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

// Package cost tracks LLM spend. Every record is written twice under one
// lock: an append-only JSONL audit log flushed before the call returns, and
// the relational store for aggregation. When the relational side is disabled
// summaries stream the audit log under the same lock, so concurrent writers
// never observe a partial record.
package cost

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/magsag/magsag/storage"
)

// Tracker is the process-wide dual-writer for cost records.
type Tracker struct {
	mu      sync.Mutex
	logPath string
	file    *os.File
	store   storage.Storage // nil when relational tracking is disabled
}

// NewTracker creates a tracker appending to logPath. store may be nil; in
// that case summaries are computed from the audit log.
func NewTracker(logPath string, store storage.Storage) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cost log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open cost log: %w", err)
	}
	return &Tracker{logPath: logPath, file: f, store: store}, nil
}

// Close releases the audit log handle.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// RecordCost appends one cost record. The JSONL line is flushed before the
// call returns; audit log order is the exact order of RecordCost calls.
func (t *Tracker) RecordCost(ctx context.Context, rec *storage.CostRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode cost record: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		return fmt.Errorf("cost tracker is closed")
	}
	if _, err := t.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append cost record: %w", err)
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("failed to flush cost log: %w", err)
	}

	if t.store != nil {
		if err := t.store.InsertCostRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to persist cost record: %w", err)
		}
	}
	return nil
}

// GetSummary aggregates recorded costs. Records without an agent count
// toward totals but are excluded from the per-agent breakdown.
func (t *Tracker) GetSummary(ctx context.Context, f storage.CostFilter) (*storage.CostSummary, error) {
	if t.store != nil {
		return t.store.SummarizeCosts(ctx, f)
	}
	return t.summarizeLog(f)
}

// summarizeLog streams the audit log under the write lock so in-flight
// appends never show up half-written.
func (t *Tracker) summarizeLog(f storage.CostFilter) (*storage.CostSummary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	file, err := os.Open(t.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return emptySummary(), nil
		}
		return nil, fmt.Errorf("failed to open cost log: %w", err)
	}
	defer file.Close()

	summary := emptySummary()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec storage.CostRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if !matches(&rec, f) {
			continue
		}
		summary.TotalCalls++
		summary.TotalCostUSD += rec.CostUSD
		summary.TotalTokens += rec.TotalTokens

		mb := summary.ByModel[rec.Model]
		if mb == nil {
			mb = &storage.CostBucket{}
			summary.ByModel[rec.Model] = mb
		}
		mb.Calls++
		mb.CostUSD += rec.CostUSD
		mb.Tokens += rec.TotalTokens

		if rec.Agent != "" {
			ab := summary.ByAgent[rec.Agent]
			if ab == nil {
				ab = &storage.CostBucket{}
				summary.ByAgent[rec.Agent] = ab
			}
			ab.Calls++
			ab.CostUSD += rec.CostUSD
			ab.Tokens += rec.TotalTokens
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan cost log: %w", err)
	}
	return summary, nil
}

func emptySummary() *storage.CostSummary {
	return &storage.CostSummary{
		ByModel: map[string]*storage.CostBucket{},
		ByAgent: map[string]*storage.CostBucket{},
	}
}

func matches(rec *storage.CostRecord, f storage.CostFilter) bool {
	if !f.StartTime.IsZero() && rec.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && rec.Timestamp.After(f.EndTime) {
		return false
	}
	if f.Agent != "" && rec.Agent != f.Agent {
		return false
	}
	if f.RunID != "" && rec.RunID != f.RunID {
		return false
	}
	return true
}

// =============================================================================
// Process-wide default tracker
// =============================================================================

var (
	defaultMu      sync.RWMutex
	defaultTracker *Tracker
)

// SetDefault installs the process-wide tracker used by components that are
// not constructed with an explicit one.
func SetDefault(t *Tracker) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultTracker = t
}

// Default returns the process-wide tracker, or nil when none is installed.
func Default() *Tracker {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultTracker
}
