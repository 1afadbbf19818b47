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

// Package handoff transfers work to another agent or platform under the
// same governance as any tool call. Platform adapters are registered
// explicitly; the native adapter delegates back into the runner.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/magsag/magsag/approval"
	"github.com/magsag/magsag/execution"
	"github.com/magsag/magsag/permission"
	"github.com/magsag/magsag/storage"
)

// Known platforms. Adapters may support arbitrary identifiers beyond these.
const (
	PlatformMAGSAG    = "magsag"
	PlatformADK       = "adk"
	PlatformOpenAI    = "openai"
	PlatformAnthropic = "anthropic"
)

// Handoff lifecycle states.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
)

// Handoff event types.
const (
	EventRequested = "handoff.requested"
	EventCompleted = "handoff.completed"
	EventFailed    = "handoff.failed"
)

// ToolName is the name handoffs are governed under.
const ToolName = "handoff"

// Request is one tracked handoff.
type Request struct {
	HandoffID   string            `json:"handoff_id"`
	SourceAgent string            `json:"source_agent,omitempty"`
	TargetAgent string            `json:"target_agent"`
	Platform    string            `json:"platform"`
	Task        string            `json:"task,omitempty"`
	Payload     map[string]any    `json:"payload,omitempty"`
	Context     execution.Context `json:"context"`
	CreatedAt   time.Time         `json:"created_at"`
	Status      string            `json:"status"`
	Result      any               `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// Adapter executes handoffs for the platforms it supports.
type Adapter interface {
	Supports(platform string) bool
	Execute(ctx context.Context, req *Request) (any, error)
	ToolSchema() *jsonschema.Schema
}

// Filter selects tracked handoffs.
type Filter struct {
	Platform    string
	Status      string
	TargetAgent string
}

// Tool dispatches handoffs through registered adapters under policy
// control.
type Tool struct {
	evaluator *permission.Evaluator
	gate      *approval.Gate
	store     storage.Storage

	mu       sync.RWMutex
	adapters []Adapter
	requests map[string]*Request
}

// ToolOption configures a Tool.
type ToolOption func(*Tool)

// WithEvaluator gates handoffs through a permission evaluator.
func WithEvaluator(e *permission.Evaluator) ToolOption {
	return func(t *Tool) { t.evaluator = e }
}

// WithGate enables approval-gated handoffs.
func WithGate(g *approval.Gate) ToolOption {
	return func(t *Tool) { t.gate = g }
}

// WithStorage persists handoff events.
func WithStorage(s storage.Storage) ToolOption {
	return func(t *Tool) { t.store = s }
}

// NewTool creates a handoff tool with no adapters registered.
func NewTool(opts ...ToolOption) *Tool {
	t := &Tool{requests: make(map[string]*Request)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RegisterAdapter adds an adapter. Adapters are consulted in registration
// order.
func (t *Tool) RegisterAdapter(a Adapter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.adapters = append(t.adapters, a)
}

// Invoke performs one handoff: governance check, adapter dispatch, event
// trail. The returned request reflects the final state; adapter failures
// are reported both on the request and as the error.
func (t *Tool) Invoke(ctx context.Context, req *Request) (*Request, error) {
	if req.TargetAgent == "" {
		return nil, fmt.Errorf("handoff: target agent is required")
	}
	if req.Platform == "" {
		req.Platform = PlatformMAGSAG
	}
	req.HandoffID = uuid.NewString()
	req.CreatedAt = time.Now().UTC()
	req.Status = StatusPending
	if req.SourceAgent == "" {
		req.SourceAgent = req.Context.AgentSlug
	}

	t.track(req)

	if err := t.authorize(ctx, req); err != nil {
		t.finish(ctx, req, StatusRejected, nil, err)
		return req, err
	}

	adapter := t.adapter(req.Platform)
	if adapter == nil {
		err := fmt.Errorf("handoff: no adapter for platform %q", req.Platform)
		t.finish(ctx, req, StatusFailed, nil, err)
		return req, err
	}

	t.emit(ctx, req, EventRequested, nil)

	result, err := adapter.Execute(ctx, req)
	if err != nil {
		t.finish(ctx, req, StatusFailed, nil, err)
		return req, fmt.Errorf("handoff %s: %w", req.HandoffID, err)
	}
	t.finish(ctx, req, StatusCompleted, result, nil)
	return req, nil
}

// authorize applies the handoff permission policy. The evaluation context
// is the execution context enriched with the target agent and platform.
func (t *Tool) authorize(ctx context.Context, req *Request) error {
	if t.evaluator == nil {
		return nil
	}
	evalCtx := req.Context.AsMap()
	evalCtx["target_agent"] = req.TargetAgent
	evalCtx["platform"] = req.Platform

	perm := t.evaluator.Evaluate(permission.Query{
		ToolName:    ToolName,
		Args:        map[string]any{"target_agent": req.TargetAgent, "platform": req.Platform},
		Context:     evalCtx,
		Environment: req.Context.Environment,
	})
	switch perm {
	case permission.Always:
		return nil
	case permission.Never:
		return fmt.Errorf("%w: handoff to %s forbidden by policy",
			approval.ErrApprovalDenied, req.TargetAgent)
	}

	if t.gate == nil {
		return fmt.Errorf("%w: handoff to %s requires approval but no gate is configured",
			approval.ErrApprovalDenied, req.TargetAgent)
	}
	ticket, err := t.gate.CreateTicket(ctx, approval.Request{
		RunID:     req.Context.RunID,
		AgentSlug: req.SourceAgent,
		ToolName:  ToolName,
		ToolArgs:  map[string]any{"target_agent": req.TargetAgent, "platform": req.Platform},
		StepID:    req.Context.StepID,
	})
	if err != nil {
		return err
	}
	if _, err := t.gate.WaitForDecision(ctx, ticket.TicketID); err != nil {
		return err
	}
	return nil
}

// Get returns a tracked handoff by ID, nil when unknown.
func (t *Tool) Get(handoffID string) *Request {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.requests[handoffID]
}

// List returns tracked handoffs matching the filter, newest first.
func (t *Tool) List(f Filter) []*Request {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Request
	for _, req := range t.requests {
		if f.Platform != "" && req.Platform != f.Platform {
			continue
		}
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		if f.TargetAgent != "" && req.TargetAgent != f.TargetAgent {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (t *Tool) adapter(platform string) Adapter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, a := range t.adapters {
		if a.Supports(platform) {
			return a
		}
	}
	return nil
}

func (t *Tool) track(req *Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[req.HandoffID] = req
}

func (t *Tool) finish(ctx context.Context, req *Request, status string, result any, err error) {
	t.mu.Lock()
	req.Status = status
	req.Result = result
	if err != nil {
		req.Error = err.Error()
	}
	t.mu.Unlock()

	switch status {
	case StatusCompleted:
		t.emit(ctx, req, EventCompleted, nil)
	case StatusFailed, StatusRejected:
		t.emit(ctx, req, EventFailed, map[string]any{"error": req.Error})
	}
}

func (t *Tool) emit(ctx context.Context, req *Request, eventType string, extra map[string]any) {
	if t.store == nil {
		return
	}
	payload := map[string]any{
		"handoff_id":   req.HandoffID,
		"source_agent": req.SourceAgent,
		"target_agent": req.TargetAgent,
		"platform":     req.Platform,
		"status":       req.Status,
	}
	for k, v := range extra {
		payload[k] = v
	}
	err := t.store.AppendEvent(ctx, storage.Event{
		RunID:     req.Context.RunID,
		AgentSlug: req.SourceAgent,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Level:     "info",
		Message:   eventType,
		Payload:   payload,
	})
	if err != nil {
		slog.Warn("Handoff event not persisted", "handoff_id", req.HandoffID, "error", err)
	}
}
