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

// Package hooks intercepts tool executions: permission checks before,
// event emission after, governed approval in between. Event persistence is
// best-effort; a tool call never fails because the event store is down.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/magsag/magsag/approval"
	"github.com/magsag/magsag/execution"
	"github.com/magsag/magsag/permission"
	"github.com/magsag/magsag/storage"
)

// Tool lifecycle event types.
const (
	EventPermissionChecked = "tool.permission.checked"
	EventApprovalRequested = "tool.approval.requested"
	EventApprovalGranted   = "tool.approval.granted"
	EventApprovalDenied    = "tool.approval.denied"
	EventApprovalTimeout   = "tool.approval.timeout"
	EventToolExecuted      = "tool.executed"
	EventToolError         = "tool.error"
)

// StorageProvider yields the shared event store. Hooks acquire it lazily on
// first use so construction never blocks on storage availability.
type StorageProvider func() (storage.Storage, error)

// Hooks wraps tool execution with governance and audit events.
type Hooks struct {
	evaluator *permission.Evaluator
	gate      *approval.Gate
	provider  StorageProvider

	mu       sync.Mutex
	store    storage.Storage
	acquired bool
}

// New creates hooks. The gate may be nil; REQUIRE_APPROVAL then rejects.
// The provider may be nil; events then go to the log only.
func New(evaluator *permission.Evaluator, gate *approval.Gate, provider StorageProvider) *Hooks {
	return &Hooks{evaluator: evaluator, gate: gate, provider: provider}
}

// PreToolExecution gates one tool call. ALWAYS passes straight through.
// NEVER and denied approvals return approval.ErrApprovalDenied; expired
// tickets return approval.ErrApprovalTimeout.
func (h *Hooks) PreToolExecution(ctx context.Context, toolName string, toolArgs map[string]any, ec execution.Context) error {
	perm := h.evaluator.Evaluate(permission.Query{
		ToolName:    toolName,
		Args:        toolArgs,
		Context:     ec.AsMap(),
		Environment: ec.Environment,
	})

	h.emit(ctx, ec, EventPermissionChecked, map[string]any{
		"tool_name":  toolName,
		"tool_args":  approval.MaskArgs(toolArgs, nil),
		"permission": string(perm),
	})

	switch perm {
	case permission.Always:
		return nil
	case permission.Never:
		return fmt.Errorf("%w: tool %s forbidden by policy", approval.ErrApprovalDenied, toolName)
	}

	if h.gate == nil {
		return fmt.Errorf("%w: tool %s requires approval but no gate is configured",
			approval.ErrApprovalDenied, toolName)
	}

	ticket, err := h.gate.CreateTicket(ctx, approval.Request{
		RunID:     ec.RunID,
		AgentSlug: ec.AgentSlug,
		ToolName:  toolName,
		ToolArgs:  toolArgs,
		StepID:    ec.StepID,
	})
	if err != nil {
		return fmt.Errorf("hooks: create approval ticket: %w", err)
	}
	h.emit(ctx, ec, EventApprovalRequested, map[string]any{
		"tool_name": toolName,
		"ticket_id": ticket.TicketID,
	})

	decided, err := h.gate.WaitForDecision(ctx, ticket.TicketID)
	switch {
	case err == nil:
		h.emit(ctx, ec, EventApprovalGranted, map[string]any{
			"tool_name":   toolName,
			"ticket_id":   ticket.TicketID,
			"resolved_by": decided.ResolvedBy,
		})
		return nil
	case isDenied(err):
		h.emit(ctx, ec, EventApprovalDenied, map[string]any{
			"tool_name": toolName,
			"ticket_id": ticket.TicketID,
			"reason":    decided.DecisionReason,
		})
		return err
	case isTimeout(err):
		h.emit(ctx, ec, EventApprovalTimeout, map[string]any{
			"tool_name": toolName,
			"ticket_id": ticket.TicketID,
		})
		return err
	}
	return err
}

// PostToolExecution records a successful tool call. The result is projected
// to a JSON-safe value; unserializable results degrade to their string form.
func (h *Hooks) PostToolExecution(ctx context.Context, toolName string, toolArgs map[string]any, result any, ec execution.Context) {
	h.emit(ctx, ec, EventToolExecuted, map[string]any{
		"tool_name": toolName,
		"tool_args": approval.MaskArgs(toolArgs, nil),
		"result":    jsonSafe(result),
	})
}

// OnToolError records a failed tool call.
func (h *Hooks) OnToolError(ctx context.Context, toolName string, toolArgs map[string]any, toolErr error, ec execution.Context) {
	h.emit(ctx, ec, EventToolError, map[string]any{
		"tool_name":     toolName,
		"tool_args":     approval.MaskArgs(toolArgs, nil),
		"error_type":    fmt.Sprintf("%T", toolErr),
		"error_message": toolErr.Error(),
	})
}

// emit appends an event through the lazily acquired store; on any failure
// it logs and moves on.
func (h *Hooks) emit(ctx context.Context, ec execution.Context, eventType string, payload map[string]any) {
	store := h.storage()
	if store == nil {
		slog.Debug("Tool event (log only)", "event", eventType, "run_id", ec.RunID)
		return
	}
	err := store.AppendEvent(ctx, storage.Event{
		RunID:     ec.RunID,
		AgentSlug: ec.AgentSlug,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Level:     "info",
		Message:   eventType,
		Payload:   payload,
	})
	if err != nil {
		slog.Warn("Tool event not persisted", "event", eventType, "error", err)
	}
}

// storage acquires the shared store once. A failed acquisition is not
// retried; the hooks stay in log-only mode.
func (h *Hooks) storage() storage.Storage {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.acquired {
		return h.store
	}
	h.acquired = true
	if h.provider == nil {
		return nil
	}
	store, err := h.provider()
	if err != nil {
		slog.Warn("Event store unavailable, tool events degrade to log only", "error", err)
		return nil
	}
	h.store = store
	return h.store
}

func isDenied(err error) bool  { return errors.Is(err, approval.ErrApprovalDenied) }
func isTimeout(err error) bool { return errors.Is(err, approval.ErrApprovalTimeout) }

func jsonSafe(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}
