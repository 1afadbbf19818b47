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

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *SQLStorage {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateRunIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, "run-1", "mag-a", RunPending))
	require.NoError(t, s.CreateRun(ctx, "run-1", "mag-a", RunRunning))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, RunPending, run.Status)
	assert.Equal(t, "mag-a", run.AgentSlug)
}

func TestUpdateRunMergesMetrics(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, "run-1", "mag-a", RunRunning))
	require.NoError(t, s.UpdateRun(ctx, "run-1", RunUpdate{Metrics: map[string]any{"a": 1.0, "b": "x"}}))

	status := RunSucceeded
	ended := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, "run-1", RunUpdate{
		Status:  &status,
		EndedAt: &ended,
		Metrics: map[string]any{"b": "y", "c": 2.0},
	}))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)
	require.NotNil(t, run.EndedAt)
	assert.Equal(t, 1.0, run.Metrics["a"])
	assert.Equal(t, "y", run.Metrics["b"])
	assert.Equal(t, 2.0, run.Metrics["c"])
}

func TestUpdateRunUnknownRun(t *testing.T) {
	s := newTestStorage(t)
	err := s.UpdateRun(context.Background(), "nope", RunUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRunMissingReturnsNil(t *testing.T) {
	s := newTestStorage(t)
	run, err := s.GetRun(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestListRunsMostRecentFirst(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.CreateRun(ctx, id, "mag-a", RunRunning))
		time.Sleep(5 * time.Millisecond)
	}

	runs, err := s.ListRuns(ctx, RunFilter{AgentSlug: "mag-a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].RunID)
	assert.Equal(t, "r2", runs[1].RunID)
}

func TestAppendEventLazilyCreatesRun(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, Event{
		RunID:     "run-lazy",
		AgentSlug: "sag-b",
		EventType: "delegation_start",
		Payload:   map[string]any{"task_index": 0},
	}))

	run, err := s.GetRun(ctx, "run-lazy")
	require.NoError(t, err)
	require.NotNil(t, run)

	events, err := s.GetEvents(ctx, "run-lazy")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "delegation_start", events[0].EventType)
	assert.Equal(t, 0.0, events[0].Payload["task_index"])
}

func TestGetEventsInsertionOrder(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for _, et := range []string{"first", "second", "third"} {
		require.NoError(t, s.AppendEvent(ctx, Event{RunID: "run-1", EventType: et}))
	}

	events, err := s.GetEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "first", events[0].EventType)
	assert.Equal(t, "third", events[2].EventType)
}

func TestSearchText(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, Event{RunID: "r", EventType: "log", Message: "timeout contacting provider"}))
	require.NoError(t, s.AppendEvent(ctx, Event{RunID: "r", EventType: "log", Message: "all good"}))

	if !s.fts {
		events, err := s.SearchText(ctx, "timeout", 10)
		require.NoError(t, err)
		assert.Empty(t, events)
		return
	}

	events, err := s.SearchText(ctx, "timeout", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "timeout")
}

func TestSnapshotUpsertIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	first, err := s.UpsertRunSnapshot(ctx, &RunSnapshot{
		RunID:  "run-1",
		StepID: "step-1",
		State:  map[string]any{"v": 1.0},
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.SnapshotID)

	second, err := s.UpsertRunSnapshot(ctx, &RunSnapshot{
		RunID:  "run-1",
		StepID: "step-1",
		State:  map[string]any{"v": 2.0},
	})
	require.NoError(t, err)
	assert.Equal(t, first.SnapshotID, second.SnapshotID)

	all, err := s.ListRunSnapshots(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2.0, all[0].State["v"])

	latest, err := s.GetLatestRunSnapshot(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, first.SnapshotID, latest.SnapshotID)
	assert.Equal(t, 2.0, latest.State["v"])
}

func TestSnapshotEnsuresRunWithAgentSlug(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.UpsertRunSnapshot(ctx, &RunSnapshot{
		RunID:    "run-s",
		StepID:   "init",
		State:    map[string]any{},
		Metadata: map[string]any{"agent_slug": "mag-x"},
	})
	require.NoError(t, err)

	run, err := s.GetRun(ctx, "run-s")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "mag-x", run.AgentSlug)
}

func TestDeleteRunSnapshots(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for _, step := range []string{"a", "b", "c"} {
		_, err := s.UpsertRunSnapshot(ctx, &RunSnapshot{RunID: "r", StepID: step, State: map[string]any{}})
		require.NoError(t, err)
	}

	n, err := s.DeleteRunSnapshots(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func makeTicket(id string) *ApprovalTicket {
	now := time.Now().UTC()
	return &ApprovalTicket{
		TicketID:    id,
		RunID:       "run-1",
		AgentSlug:   "mag-a",
		ToolName:    "dangerous.op",
		ToolArgs:    map[string]any{"target": "prod"},
		MaskedArgs:  map[string]any{"target": "prod"},
		ArgsHash:    "deadbeef",
		Status:      TicketPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(time.Hour),
	}
}

func TestTicketTerminalStateRejected(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateApprovalTicket(ctx, makeTicket("t1")))

	approved := TicketApproved
	now := time.Now().UTC()
	_, err := s.UpdateApprovalTicket(ctx, "t1", TicketUpdate{Status: &approved, ResolvedAt: &now, ResolvedBy: "alice"})
	require.NoError(t, err)

	denied := TicketDenied
	_, err = s.UpdateApprovalTicket(ctx, "t1", TicketUpdate{Status: &denied})
	require.ErrorIs(t, err, ErrStateConflict)
	assert.Contains(t, err.Error(), "ticket already approved")
}

func TestTicketUpdateUnknown(t *testing.T) {
	s := newTestStorage(t)
	denied := TicketDenied
	_, err := s.UpdateApprovalTicket(context.Background(), "nope", TicketUpdate{Status: &denied})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTicketExpiresBeforeRequestedRejected(t *testing.T) {
	s := newTestStorage(t)
	tk := makeTicket("bad")
	tk.ExpiresAt = tk.RequestedAt.Add(-time.Minute)
	err := s.CreateApprovalTicket(context.Background(), tk)
	assert.Error(t, err)
}

func TestListApprovalTicketsFilters(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateApprovalTicket(ctx, makeTicket("t1")))
	t2 := makeTicket("t2")
	t2.RunID = "run-2"
	require.NoError(t, s.CreateApprovalTicket(ctx, t2))

	byRun, err := s.ListApprovalTickets(ctx, TicketFilter{RunID: "run-2"})
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, "t2", byRun[0].TicketID)

	pending, err := s.ListApprovalTickets(ctx, TicketFilter{Status: TicketPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestCostSummaryExcludesNullAgentFromBreakdown(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCostRecord(ctx, &CostRecord{Model: "m1", InputTokens: 10, OutputTokens: 5, CostUSD: 0.01, Agent: "mag-a"}))
	require.NoError(t, s.InsertCostRecord(ctx, &CostRecord{Model: "m1", InputTokens: 20, OutputTokens: 5, CostUSD: 0.02}))

	summary, err := s.SummarizeCosts(ctx, CostFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalCalls)
	assert.Equal(t, 40, summary.TotalTokens)
	assert.InDelta(t, 0.03, summary.TotalCostUSD, 1e-9)
	assert.Len(t, summary.ByAgent, 1)
	assert.Equal(t, 2, summary.ByModel["m1"].Calls)
}

func TestCostRecordRejectsNegative(t *testing.T) {
	s := newTestStorage(t)
	err := s.InsertCostRecord(context.Background(), &CostRecord{Model: "m", InputTokens: -1})
	assert.Error(t, err)
}

func TestMemoryValidation(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	err := s.PutMemory(ctx, &MemoryEntry{Scope: ScopeSession, AgentSlug: "a", Key: "input"})
	assert.Error(t, err, "session scope requires run_id")

	err = s.PutMemory(ctx, &MemoryEntry{Scope: ScopeLongTerm, AgentSlug: "a", Key: "k", PIITags: []string{"blood_type"}})
	assert.Error(t, err, "pii vocabulary is closed")

	require.NoError(t, s.PutMemory(ctx, &MemoryEntry{
		Scope: ScopeSession, AgentSlug: "a", RunID: "r", Key: "input",
		Value: map[string]any{"q": "hello"}, PIITags: []string{"email"},
	}))

	entries, err := s.ListMemory(ctx, MemoryFilter{RunID: "r", Key: "input"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"email"}, entries[0].PIITags)
}

func TestPutMemoryRefreshesExistingEntry(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	entry := &MemoryEntry{
		Scope: ScopeLongTerm, AgentSlug: "a", Key: "preference",
		Value: map[string]any{"lang": "go"},
	}
	require.NoError(t, s.PutMemory(ctx, entry))
	createdAt := entry.CreatedAt

	entry.Value = map[string]any{"lang": "rust"}
	require.NoError(t, s.PutMemory(ctx, entry))

	entries, err := s.ListMemory(ctx, MemoryFilter{AgentSlug: "a", Key: "preference"})
	require.NoError(t, err)
	require.Len(t, entries, 1, "refresh must not duplicate the row")
	assert.Equal(t, entry.MemoryID, entries[0].MemoryID)
	assert.Equal(t, "rust", entries[0].Value.(map[string]any)["lang"])
	assert.Equal(t, createdAt.Unix(), entries[0].CreatedAt.Unix())
}

func TestVacuumDryRun(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, "old", "mag-a", RunSucceeded))
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET started_at = ? WHERE run_id = 'old'`,
		time.Now().UTC().AddDate(0, -2, 0))
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(ctx, "new", "mag-a", RunRunning))

	dry, err := s.Vacuum(ctx, VacuumOptions{HotDays: 30, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, dry.RunsDeleted)

	run, err := s.GetRun(ctx, "old")
	require.NoError(t, err)
	assert.NotNil(t, run, "dry run must not delete")

	res, err := s.Vacuum(ctx, VacuumOptions{HotDays: 30})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RunsDeleted)

	run, err = s.GetRun(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, run)

	run, err = s.GetRun(ctx, "new")
	require.NoError(t, err)
	assert.NotNil(t, run)
}
