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

// Package approval gates tool execution behind human-in-the-loop tickets.
// Tickets are persisted through the storage layer, fanned out to listeners
// and resolved by approve/deny calls or expiry.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/magsag/magsag/internal/canonjson"
	"github.com/magsag/magsag/permission"
	"github.com/magsag/magsag/storage"
)

var (
	// ErrApprovalDenied is returned when a ticket is denied.
	ErrApprovalDenied = errors.New("approval denied")

	// ErrApprovalTimeout is returned when a ticket expires undecided.
	ErrApprovalTimeout = errors.New("approval timed out")
)

const (
	// DefaultTTL bounds how long a ticket stays decidable.
	DefaultTTL = 15 * time.Minute

	// DefaultPollInterval is how often waiters re-read ticket state.
	DefaultPollInterval = 200 * time.Millisecond
)

// Request describes one tool call to gate.
type Request struct {
	RunID     string
	AgentSlug string
	ToolName  string
	ToolArgs  map[string]any
	StepID    string
	TTL       time.Duration
	Metadata  map[string]any
}

// Gate creates, resolves and waits on approval tickets.
type Gate struct {
	store        storage.Storage
	events       *broadcaster
	patterns     []string
	pollInterval time.Duration
	now          func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithRedactionPatterns overrides the key substrings masked in ticket views.
func WithRedactionPatterns(patterns []string) Option {
	return func(g *Gate) { g.patterns = patterns }
}

// WithPollInterval overrides the waiter poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) { g.pollInterval = d }
}

// WithClock overrides the time source. Tests use this to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate over store.
func NewGate(store storage.Storage, opts ...Option) *Gate {
	g := &Gate{
		store:        store,
		events:       newBroadcaster(),
		patterns:     DefaultRedactionPatterns,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CreateTicket persists a pending ticket for the request and announces it to
// listeners. The args hash is computed over the raw arguments in canonical
// form, so semantically equal argument maps always hash identically; the
// stored masked view is what listeners see.
func (g *Gate) CreateTicket(ctx context.Context, req Request) (*storage.ApprovalTicket, error) {
	if req.ToolName == "" {
		return nil, fmt.Errorf("approval: tool name is required")
	}
	hash, err := canonjson.Hash(req.ToolArgs)
	if err != nil {
		return nil, fmt.Errorf("approval: hash args: %w", err)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := g.now().UTC()
	ticket := &storage.ApprovalTicket{
		TicketID:    uuid.NewString(),
		RunID:       req.RunID,
		AgentSlug:   req.AgentSlug,
		ToolName:    req.ToolName,
		ToolArgs:    req.ToolArgs,
		MaskedArgs:  MaskArgs(req.ToolArgs, g.patterns),
		ArgsHash:    hash,
		StepID:      req.StepID,
		Status:      storage.TicketPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(ttl),
		Metadata:    req.Metadata,
	}
	if err := g.store.CreateApprovalTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("approval: create ticket: %w", err)
	}
	slog.Info("Approval ticket created",
		"ticket_id", ticket.TicketID,
		"run_id", ticket.RunID,
		"tool", ticket.ToolName)
	g.events.publish(EventRequired, ticket)
	return ticket, nil
}

// Approve resolves a pending ticket as approved. Response, if given, is
// stored for the caller to pick up. Terminal tickets are rejected with the
// storage conflict error.
func (g *Gate) Approve(ctx context.Context, ticketID, resolvedBy, reason string, response map[string]any) (*storage.ApprovalTicket, error) {
	return g.resolve(ctx, ticketID, storage.TicketApproved, resolvedBy, reason, response)
}

// Deny resolves a pending ticket as denied.
func (g *Gate) Deny(ctx context.Context, ticketID, resolvedBy, reason string) (*storage.ApprovalTicket, error) {
	return g.resolve(ctx, ticketID, storage.TicketDenied, resolvedBy, reason, nil)
}

func (g *Gate) resolve(ctx context.Context, ticketID string, status storage.TicketStatus, resolvedBy, reason string, response map[string]any) (*storage.ApprovalTicket, error) {
	now := g.now().UTC()
	ticket, err := g.store.UpdateApprovalTicket(ctx, ticketID, storage.TicketUpdate{
		Status:         &status,
		ResolvedAt:     &now,
		ResolvedBy:     resolvedBy,
		DecisionReason: reason,
		Response:       response,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Approval ticket resolved",
		"ticket_id", ticketID,
		"status", string(status),
		"resolved_by", resolvedBy)
	g.events.publish(EventUpdated, ticket)
	return ticket, nil
}

// Get returns a ticket by ID, nil when unknown.
func (g *Gate) Get(ctx context.Context, ticketID string) (*storage.ApprovalTicket, error) {
	return g.store.GetApprovalTicket(ctx, ticketID)
}

// List returns tickets matching the filter.
func (g *Gate) List(ctx context.Context, f storage.TicketFilter) ([]*storage.ApprovalTicket, error) {
	return g.store.ListApprovalTickets(ctx, f)
}

// Subscribe registers a listener for one ticket's events.
func (g *Gate) Subscribe(ticketID string) (<-chan TicketEvent, func()) {
	return g.events.subscribe(ticketID)
}

// SubscribeAll registers a listener for all ticket events.
func (g *Gate) SubscribeAll() (<-chan TicketEvent, func()) {
	return g.events.subscribeAll()
}

// WaitForDecision blocks until the ticket reaches a terminal state or ctx
// is cancelled. The ticket row is the source of truth: decisions taken
// through any path (HTTP, CLI, direct storage write) are observed. An
// undecided ticket past its deadline is marked expired here and reported as
// ErrApprovalTimeout. Cancellation leaves the ticket pending and returns
// ctx.Err().
func (g *Gate) WaitForDecision(ctx context.Context, ticketID string) (*storage.ApprovalTicket, error) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		ticket, err := g.store.GetApprovalTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if ticket == nil {
			return nil, fmt.Errorf("approval: %w: ticket %s", storage.ErrNotFound, ticketID)
		}
		switch ticket.Status {
		case storage.TicketApproved:
			return ticket, nil
		case storage.TicketDenied:
			return ticket, fmt.Errorf("%w: %s", ErrApprovalDenied, ticket.DecisionReason)
		case storage.TicketExpired:
			return ticket, ErrApprovalTimeout
		}

		if !g.now().UTC().Before(ticket.ExpiresAt) {
			expired, err := g.expireTicket(ctx, ticketID)
			if err != nil {
				return nil, err
			}
			if expired != nil {
				return expired, ErrApprovalTimeout
			}
			// Lost the race to a concurrent decision; observe it next pass.
			continue
		}

		select {
		case <-ctx.Done():
			return ticket, ctx.Err()
		case <-ticker.C:
		}
	}
}

// expireTicket moves a pending ticket to expired. A conflict means someone
// decided it first; the caller re-reads.
func (g *Gate) expireTicket(ctx context.Context, ticketID string) (*storage.ApprovalTicket, error) {
	status := storage.TicketExpired
	now := g.now().UTC()
	ticket, err := g.store.UpdateApprovalTicket(ctx, ticketID, storage.TicketUpdate{
		Status:         &status,
		ResolvedAt:     &now,
		DecisionReason: "ttl elapsed",
	})
	if errors.Is(err, storage.ErrStateConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.events.publish(EventUpdated, ticket)
	return ticket, nil
}

// ExpireOldTickets sweeps pending tickets whose deadline has passed and
// returns how many it expired. Run periodically by the janitor.
func (g *Gate) ExpireOldTickets(ctx context.Context) (int, error) {
	pending, err := g.store.ListApprovalTickets(ctx, storage.TicketFilter{Status: storage.TicketPending})
	if err != nil {
		return 0, err
	}
	now := g.now().UTC()
	expired := 0
	for _, ticket := range pending {
		if now.Before(ticket.ExpiresAt) {
			continue
		}
		t, err := g.expireTicket(ctx, ticket.TicketID)
		if err != nil {
			return expired, err
		}
		if t != nil {
			expired++
		}
	}
	if expired > 0 {
		slog.Info("Expired stale approval tickets", "count", expired)
	}
	return expired, nil
}

// ExecuteWithApproval runs fn under a permission the caller has already
// resolved against its policy. ALWAYS executes immediately, NEVER fails with
// ErrApprovalDenied without creating a ticket, REQUIRE_APPROVAL creates a
// ticket and blocks until it is decided.
func (g *Gate) ExecuteWithApproval(ctx context.Context, perm permission.Permission, req Request, fn func(ctx context.Context) (any, error)) (any, error) {
	switch perm {
	case permission.Always:
		return fn(ctx)
	case permission.Never:
		return nil, fmt.Errorf("%w: tool %s forbidden by policy", ErrApprovalDenied, req.ToolName)
	}

	ticket, err := g.CreateTicket(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := g.WaitForDecision(ctx, ticket.TicketID); err != nil {
		return nil, err
	}
	return fn(ctx)
}
