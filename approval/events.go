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

package approval

import (
	"sync"

	"github.com/magsag/magsag/storage"
)

// Event type keys delivered to subscribers.
const (
	EventRequired = "approval.required"
	EventUpdated  = "approval.updated"
)

// TicketEvent is one fan-out notification. The ticket view carries
// masked_args in place of tool_args, safe for display.
type TicketEvent struct {
	Type   string         `json:"type"`
	Ticket map[string]any `json:"ticket"`
}

// TicketView projects a ticket for listeners: the full ticket with tool_args
// replaced by the masked view.
func TicketView(t *storage.ApprovalTicket) map[string]any {
	view := map[string]any{
		"ticket_id":    t.TicketID,
		"run_id":       t.RunID,
		"agent_slug":   t.AgentSlug,
		"tool_name":    t.ToolName,
		"tool_args":    t.MaskedArgs,
		"args_hash":    t.ArgsHash,
		"status":       string(t.Status),
		"requested_at": t.RequestedAt,
		"expires_at":   t.ExpiresAt,
	}
	if t.StepID != "" {
		view["step_id"] = t.StepID
	}
	if t.ResolvedAt != nil {
		view["resolved_at"] = *t.ResolvedAt
	}
	if t.ResolvedBy != "" {
		view["resolved_by"] = t.ResolvedBy
	}
	if t.DecisionReason != "" {
		view["decision_reason"] = t.DecisionReason
	}
	if t.Response != nil {
		view["response"] = t.Response
	}
	if t.Metadata != nil {
		view["metadata"] = t.Metadata
	}
	return view
}

// broadcaster fans ticket events out to any number of listeners. Per-ticket
// ordering is guaranteed: one approval.required, zero or more
// approval.updated, closed after a terminal status.
type broadcaster struct {
	mu   sync.Mutex
	subs map[string][]chan TicketEvent // ticket ID → listener channels
	all  []chan TicketEvent
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[string][]chan TicketEvent)}
}

// subscribe registers a listener for one ticket. The returned cancel
// function is idempotent.
func (b *broadcaster) subscribe(ticketID string) (<-chan TicketEvent, func()) {
	ch := make(chan TicketEvent, 16)
	b.mu.Lock()
	b.subs[ticketID] = append(b.subs[ticketID], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			listeners := b.subs[ticketID]
			for i, c := range listeners {
				if c == ch {
					b.subs[ticketID] = append(listeners[:i], listeners[i+1:]...)
					close(c)
					break
				}
			}
		})
	}
	return ch, cancel
}

// subscribeAll registers a listener for every ticket.
func (b *broadcaster) subscribeAll() (<-chan TicketEvent, func()) {
	ch := make(chan TicketEvent, 64)
	b.mu.Lock()
	b.all = append(b.all, ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, c := range b.all {
				if c == ch {
					b.all = append(b.all[:i], b.all[i+1:]...)
					close(c)
					break
				}
			}
		})
	}
	return ch, cancel
}

// publish delivers an event to the ticket's listeners and all-ticket
// listeners. Slow listeners drop events rather than blocking the gate; the
// channel buffer absorbs normal bursts. Terminal statuses close per-ticket
// subscriptions after delivery.
func (b *broadcaster) publish(eventType string, t *storage.ApprovalTicket) {
	ev := TicketEvent{Type: eventType, Ticket: TicketView(t)}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[t.TicketID] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- ev:
		default:
		}
	}

	if t.Status.Terminal() {
		for _, ch := range b.subs[t.TicketID] {
			close(ch)
		}
		delete(b.subs, t.TicketID)
	}
}
