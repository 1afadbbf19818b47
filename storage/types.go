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
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is a single top-level invocation. A run owns its events, snapshots,
// cost records, tickets and memories; deleting a run cascades to them.
type Run struct {
	RunID     string         `json:"run_id"`
	AgentSlug string         `json:"agent_slug"`
	Status    RunStatus      `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// Event is an append-only entry associated with a run. Events are never
// mutated or deleted except by the retention policy.
type Event struct {
	ID        int64          `json:"id,omitempty"`
	RunID     string         `json:"run_id"`
	AgentSlug string         `json:"agent_slug,omitempty"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level,omitempty"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// TicketStatus is the lifecycle state of an approval ticket.
type TicketStatus string

const (
	TicketPending  TicketStatus = "pending"
	TicketApproved TicketStatus = "approved"
	TicketDenied   TicketStatus = "denied"
	TicketExpired  TicketStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s TicketStatus) Terminal() bool {
	switch s {
	case TicketApproved, TicketDenied, TicketExpired:
		return true
	}
	return false
}

// ApprovalTicket gates a tool call until a human (or integrated system)
// resolves it.
type ApprovalTicket struct {
	TicketID       string         `json:"ticket_id"`
	RunID          string         `json:"run_id"`
	AgentSlug      string         `json:"agent_slug"`
	ToolName       string         `json:"tool_name"`
	ToolArgs       map[string]any `json:"tool_args,omitempty"`
	MaskedArgs     map[string]any `json:"masked_args,omitempty"`
	ArgsHash       string         `json:"args_hash"`
	StepID         string         `json:"step_id,omitempty"`
	Status         TicketStatus   `json:"status"`
	RequestedAt    time.Time      `json:"requested_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	Response       map[string]any `json:"response,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RunSnapshot is a durable checkpoint of mid-run state, unique per
// (run_id, step_id). Re-writing the same pair updates state and metadata in
// place and keeps the original snapshot ID.
type RunSnapshot struct {
	SnapshotID string         `json:"snapshot_id"`
	RunID      string         `json:"run_id"`
	StepID     string         `json:"step_id"`
	State      map[string]any `json:"state"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// CostRecord is one observed LLM spend sample.
type CostRecord struct {
	Timestamp    time.Time      `json:"timestamp"`
	Model        string         `json:"model"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	TotalTokens  int            `json:"total_tokens"`
	CostUSD      float64        `json:"cost_usd"`
	RunID        string         `json:"run_id,omitempty"`
	Step         string         `json:"step,omitempty"`
	Agent        string         `json:"agent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Validate checks the non-negativity invariants and fills TotalTokens.
func (r *CostRecord) Validate() error {
	if r.InputTokens < 0 || r.OutputTokens < 0 {
		return fmt.Errorf("cost record: negative token count")
	}
	if r.CostUSD < 0 {
		return fmt.Errorf("cost record: negative cost")
	}
	r.TotalTokens = r.InputTokens + r.OutputTokens
	return nil
}

// MemoryScope is where a memory entry lives.
type MemoryScope string

const (
	ScopeSession  MemoryScope = "session"
	ScopeLongTerm MemoryScope = "long_term"
	ScopeOrg      MemoryScope = "org"
)

// piiVocabulary is the closed set of accepted PII tags.
var piiVocabulary = map[string]struct{}{
	"email": {}, "phone": {}, "ssn": {}, "name": {}, "address": {},
	"credit_card": {}, "ip_address": {}, "biometric": {}, "health": {},
	"financial": {},
}

// ValidatePIITags rejects any tag outside the closed vocabulary.
func ValidatePIITags(tags []string) error {
	for _, tag := range tags {
		if _, ok := piiVocabulary[tag]; !ok {
			return fmt.Errorf("unknown pii tag %q", tag)
		}
	}
	return nil
}

// MemoryEntry is a captured agent memory.
type MemoryEntry struct {
	MemoryID        string         `json:"memory_id"`
	Scope           MemoryScope    `json:"scope"`
	AgentSlug       string         `json:"agent_slug"`
	RunID           string         `json:"run_id,omitempty"`
	Key             string         `json:"key"`
	Value           any            `json:"value"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	PIITags         []string       `json:"pii_tags,omitempty"`
	RetentionPolicy string         `json:"retention_policy,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Embedding       []float32      `json:"embedding,omitempty"`
}

// Validate checks scope and PII constraints.
func (m *MemoryEntry) Validate() error {
	switch m.Scope {
	case ScopeSession, ScopeLongTerm, ScopeOrg:
	default:
		return fmt.Errorf("invalid memory scope %q", m.Scope)
	}
	if m.Scope == ScopeSession && m.RunID == "" {
		return fmt.Errorf("session-scoped memory requires run_id")
	}
	return ValidatePIITags(m.PIITags)
}
