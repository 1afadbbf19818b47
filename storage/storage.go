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

// Package storage persists runs, step events, approval tickets, snapshots,
// cost records and memories behind a single interface. The reference
// implementation is a WAL-mode sqlite database with an FTS index over event
// messages; postgres and mysql dialects are supported with FTS degraded to
// empty results.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by writers. Readers return nil for missing rows.
var (
	// ErrNotFound is returned by writers that require an existing row.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned for transitions out of a terminal state
	// or duplicate initialization.
	ErrStateConflict = errors.New("state conflict")
)

// RunUpdate is a partial update of a run. Nil fields are left untouched.
// Metrics are merged key-wise into the stored mapping, not replaced.
type RunUpdate struct {
	Status  *RunStatus
	EndedAt *time.Time
	Metrics map[string]any
}

// RunFilter selects runs for listing. Zero values match everything.
type RunFilter struct {
	AgentSlug string
	Status    RunStatus
	Limit     int
}

// TicketUpdate is a partial update of an approval ticket.
type TicketUpdate struct {
	Status         *TicketStatus
	ResolvedAt     *time.Time
	ResolvedBy     string
	DecisionReason string
	Response       map[string]any
}

// TicketFilter selects approval tickets for listing.
type TicketFilter struct {
	RunID     string
	AgentSlug string
	Status    TicketStatus
	Limit     int
}

// CostFilter bounds a cost summary query. Zero times mean unbounded.
type CostFilter struct {
	StartTime time.Time
	EndTime   time.Time
	Agent     string
	RunID     string
}

// CostSummary aggregates cost records.
type CostSummary struct {
	TotalCalls   int                    `json:"total_calls"`
	TotalCostUSD float64                `json:"total_cost_usd"`
	TotalTokens  int                    `json:"total_tokens"`
	ByModel      map[string]*CostBucket `json:"by_model"`
	ByAgent      map[string]*CostBucket `json:"by_agent"`
}

// CostBucket is one aggregation cell.
type CostBucket struct {
	Calls   int     `json:"calls"`
	CostUSD float64 `json:"cost_usd"`
	Tokens  int     `json:"tokens"`
}

// MemoryFilter selects memory entries.
type MemoryFilter struct {
	Scope     MemoryScope
	AgentSlug string
	RunID     string
	Key       string
	Limit     int
}

// VacuumOptions controls retention deletion.
type VacuumOptions struct {
	// HotDays is the retention window; runs started before now minus
	// HotDays calendar days are deleted with all owned children.
	HotDays int
	DryRun  bool
}

// VacuumResult reports what a vacuum pass deleted (or would delete).
type VacuumResult struct {
	Cutoff      time.Time `json:"cutoff"`
	RunsDeleted int       `json:"runs_deleted"`
	DryRun      bool      `json:"dry_run"`
}

// Storage is the durable backend shared across the runtime. Implementations
// must be safe for concurrent readers and writers.
type Storage interface {
	// CreateRun inserts a run row. Idempotent under a unique run ID.
	CreateRun(ctx context.Context, runID, agentSlug string, status RunStatus) error
	// UpdateRun applies a partial update. Returns ErrNotFound for unknown
	// runs. Metrics are merged, not replaced.
	UpdateRun(ctx context.Context, runID string, upd RunUpdate) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	// ListRuns returns runs most recent first.
	ListRuns(ctx context.Context, f RunFilter) ([]*Run, error)

	// AppendEvent appends one event. Unknown runs are lazily created so
	// snapshot-initiated runs never lose their first events.
	AppendEvent(ctx context.Context, ev Event) error
	// GetEvents returns a run's events in insertion order.
	GetEvents(ctx context.Context, runID string) ([]Event, error)
	// SearchText full-text searches event messages. Returns an empty slice
	// when the FTS index is absent.
	SearchText(ctx context.Context, query string, limit int) ([]Event, error)

	CreateApprovalTicket(ctx context.Context, t *ApprovalTicket) error
	// UpdateApprovalTicket transitions a ticket. Returns ErrNotFound for
	// unknown tickets and ErrStateConflict when the ticket is already in a
	// terminal state.
	UpdateApprovalTicket(ctx context.Context, ticketID string, upd TicketUpdate) (*ApprovalTicket, error)
	GetApprovalTicket(ctx context.Context, ticketID string) (*ApprovalTicket, error)
	ListApprovalTickets(ctx context.Context, f TicketFilter) ([]*ApprovalTicket, error)

	// UpsertRunSnapshot is idempotent by (run_id, step_id): updates keep the
	// snapshot ID assigned on first insert.
	UpsertRunSnapshot(ctx context.Context, snap *RunSnapshot) (*RunSnapshot, error)
	GetRunSnapshot(ctx context.Context, runID, stepID string) (*RunSnapshot, error)
	GetLatestRunSnapshot(ctx context.Context, runID string) (*RunSnapshot, error)
	// ListRunSnapshots returns snapshots oldest first.
	ListRunSnapshots(ctx context.Context, runID string) ([]*RunSnapshot, error)
	DeleteRunSnapshots(ctx context.Context, runID string) (int, error)

	InsertCostRecord(ctx context.Context, rec *CostRecord) error
	SummarizeCosts(ctx context.Context, f CostFilter) (*CostSummary, error)

	PutMemory(ctx context.Context, m *MemoryEntry) error
	ListMemory(ctx context.Context, f MemoryFilter) ([]*MemoryEntry, error)

	// Vacuum deletes runs older than the retention window, cascading
	// through owned children. Calendar subtraction, never a raw day count.
	Vacuum(ctx context.Context, opts VacuumOptions) (*VacuumResult, error)

	Close() error
}
