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

package hooks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsag/magsag/approval"
	"github.com/magsag/magsag/execution"
	"github.com/magsag/magsag/permission"
	"github.com/magsag/magsag/storage"
)

const hooksPolicy = `
default_permission: REQUIRE_APPROVAL
tools:
  safe.echo:
    permission: ALWAYS
  forbidden.op:
    permission: NEVER
`

func newTestHooks(t *testing.T) (*Hooks, *approval.Gate, storage.Storage) {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	policy, err := permission.ParsePolicy([]byte(hooksPolicy))
	require.NoError(t, err)
	gate := approval.NewGate(store, approval.WithPollInterval(10*time.Millisecond))
	h := New(permission.NewEvaluator(policy), gate,
		func() (storage.Storage, error) { return store, nil })
	return h, gate, store
}

func eventTypes(t *testing.T, store storage.Storage, runID string) []string {
	t.Helper()
	events, err := store.GetEvents(context.Background(), runID)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}

func TestAlwaysPassesAndEmitsCheckEvent(t *testing.T) {
	h, _, store := newTestHooks(t)
	ec := execution.Context{RunID: "run-1", AgentSlug: "mag-a"}

	err := h.PreToolExecution(context.Background(), "safe.echo",
		map[string]any{"text": "hi", "api_token": "secret"}, ec)
	require.NoError(t, err)

	events, err := store.GetEvents(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventPermissionChecked, events[0].EventType)
	assert.Equal(t, "ALWAYS", events[0].Payload["permission"])
	args := events[0].Payload["tool_args"].(map[string]any)
	assert.Equal(t, approval.RedactedSentinel, args["api_token"])
	assert.Equal(t, "hi", args["text"])
}

func TestNeverIsDeniedWithoutTicket(t *testing.T) {
	h, gate, _ := newTestHooks(t)
	ec := execution.Context{RunID: "run-2"}

	err := h.PreToolExecution(context.Background(), "forbidden.op", nil, ec)
	require.ErrorIs(t, err, approval.ErrApprovalDenied)

	tickets, err := gate.List(context.Background(), storage.TicketFilter{RunID: "run-2"})
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestApprovalFlowEmitsRequestedThenGranted(t *testing.T) {
	h, gate, store := newTestHooks(t)
	ec := execution.Context{RunID: "run-3", AgentSlug: "sag-b"}

	go func() {
		for {
			tickets, err := gate.List(context.Background(),
				storage.TicketFilter{RunID: "run-3", Status: storage.TicketPending})
			if err == nil && len(tickets) > 0 {
				_, _ = gate.Approve(context.Background(), tickets[0].TicketID, "op", "", nil)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	err := h.PreToolExecution(context.Background(), "gated.tool", map[string]any{"n": 1}, ec)
	require.NoError(t, err)

	assert.Equal(t, []string{
		EventPermissionChecked,
		EventApprovalRequested,
		EventApprovalGranted,
	}, eventTypes(t, store, "run-3"))
}

func TestDeniedApprovalPropagatesAndEmits(t *testing.T) {
	h, gate, store := newTestHooks(t)
	ec := execution.Context{RunID: "run-4"}

	go func() {
		for {
			tickets, err := gate.List(context.Background(),
				storage.TicketFilter{RunID: "run-4", Status: storage.TicketPending})
			if err == nil && len(tickets) > 0 {
				_, _ = gate.Deny(context.Background(), tickets[0].TicketID, "op", "policy")
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	err := h.PreToolExecution(context.Background(), "gated.tool", nil, ec)
	require.ErrorIs(t, err, approval.ErrApprovalDenied)

	types := eventTypes(t, store, "run-4")
	assert.Equal(t, EventApprovalDenied, types[len(types)-1])
}

func TestNoGateRejectsRequireApproval(t *testing.T) {
	policy, err := permission.ParsePolicy([]byte("default_permission: REQUIRE_APPROVAL"))
	require.NoError(t, err)
	h := New(permission.NewEvaluator(policy), nil, nil)

	err = h.PreToolExecution(context.Background(), "any.tool", nil, execution.Context{})
	require.ErrorIs(t, err, approval.ErrApprovalDenied)
}

func TestPostAndErrorEvents(t *testing.T) {
	h, _, store := newTestHooks(t)
	ec := execution.Context{RunID: "run-5", AgentSlug: "sag-c"}
	ctx := context.Background()

	h.PostToolExecution(ctx, "safe.echo",
		map[string]any{"password": "x"},
		map[string]any{"ok": true, "count": 3}, ec)
	h.OnToolError(ctx, "safe.echo", nil, errors.New("boom"), ec)

	events, err := store.GetEvents(ctx, "run-5")
	require.NoError(t, err)
	require.Len(t, events, 2)

	executed := events[0]
	assert.Equal(t, EventToolExecuted, executed.EventType)
	result := executed.Payload["result"].(map[string]any)
	assert.Equal(t, true, result["ok"])
	args := executed.Payload["tool_args"].(map[string]any)
	assert.Equal(t, approval.RedactedSentinel, args["password"])

	errEvent := events[1]
	assert.Equal(t, EventToolError, errEvent.EventType)
	assert.Equal(t, "boom", errEvent.Payload["error_message"])
	assert.Equal(t, "*errors.errorString", errEvent.Payload["error_type"])
}

func TestStorageFailureDegradesToLogOnly(t *testing.T) {
	policy, err := permission.ParsePolicy([]byte("default_permission: ALWAYS"))
	require.NoError(t, err)

	calls := 0
	h := New(permission.NewEvaluator(policy), nil, func() (storage.Storage, error) {
		calls++
		return nil, errors.New("storage down")
	})

	require.NoError(t, h.PreToolExecution(context.Background(), "t", nil, execution.Context{}))
	h.PostToolExecution(context.Background(), "t", nil, "out", execution.Context{})

	// Acquisition is attempted once, not per event.
	assert.Equal(t, 1, calls)
}
