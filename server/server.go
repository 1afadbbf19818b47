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

// Package server exposes the runtime over HTTP: ticket listing and
// resolution, a live SSE ticket stream, run inspection, cost summaries and
// the metrics scrape endpoint.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/magsag/magsag/approval"
	"github.com/magsag/magsag/observability"
	"github.com/magsag/magsag/storage"
)

// Error codes surfaced to API clients.
const (
	CodeNotFound       = "not_found"
	CodeInvalidPayload = "invalid_payload"
	CodeInvalidRequest = "invalid_request"
	CodeConflict       = "conflict"
	CodeInternalError  = "internal_error"
)

// apiError is the uniform error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server is the HTTP surface over the runtime.
type Server struct {
	gate    *approval.Gate
	store   storage.Storage
	metrics *observability.Metrics
	router  chi.Router
}

// New assembles the routes. Metrics may be nil.
func New(gate *approval.Gate, store storage.Storage, metrics *observability.Metrics) *Server {
	s := &Server{gate: gate, store: store, metrics: metrics}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tickets", s.listTickets)
		r.Get("/tickets/stream", s.streamAllTickets)
		r.Get("/tickets/{ticketID}", s.getTicket)
		r.Get("/tickets/{ticketID}/stream", s.streamTicket)
		r.Post("/tickets/{ticketID}/approve", s.approveTicket)
		r.Post("/tickets/{ticketID}/deny", s.denyTicket)

		r.Get("/runs", s.listRuns)
		r.Get("/runs/{runID}", s.getRun)
		r.Get("/runs/{runID}/events", s.getRunEvents)
		r.Get("/events/search", s.searchEvents)

		r.Get("/costs/summary", s.costSummary)
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	s.router = r
	return s
}

// Handler returns the assembled HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ------------------------------------------------------------------
// Tickets
// ------------------------------------------------------------------

func (s *Server) listTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.TicketFilter{
		RunID:     q.Get("run_id"),
		AgentSlug: q.Get("agent_slug"),
		Status:    storage.TicketStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	tickets, err := s.gate.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}
	views := make([]map[string]any, len(tickets))
	for i, t := range tickets {
		views[i] = approval.TicketView(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": views})
}

func (s *Server) getTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.gate.Get(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}
	if ticket == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, approval.TicketView(ticket))
}

type decisionRequest struct {
	ResolvedBy string         `json:"resolved_by"`
	Reason     string         `json:"reason"`
	Response   map[string]any `json:"response,omitempty"`
}

func (s *Server) approveTicket(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

func (s *Server) denyTicket(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, "malformed decision body")
		return
	}

	ticketID := chi.URLParam(r, "ticketID")
	var (
		ticket *storage.ApprovalTicket
		err    error
	)
	if approve {
		ticket, err = s.gate.Approve(r.Context(), ticketID, req.ResolvedBy, req.Reason, req.Response)
	} else {
		ticket, err = s.gate.Deny(r.Context(), ticketID, req.ResolvedBy, req.Reason)
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "ticket not found")
	case errors.Is(err, storage.ErrStateConflict):
		writeError(w, http.StatusConflict, CodeConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
	default:
		if s.metrics != nil {
			s.metrics.ApprovalsTotal.WithLabelValues(string(ticket.Status)).Inc()
		}
		writeJSON(w, http.StatusOK, approval.TicketView(ticket))
	}
}

// streamTicket serves one ticket's event stream over SSE. The stream ends
// when the ticket reaches a terminal status.
func (s *Server) streamTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")
	ticket, err := s.gate.Get(r.Context(), ticketID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}
	if ticket == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "ticket not found")
		return
	}

	flusher, ok := sseStart(w)
	if !ok {
		return
	}

	// Current state first, then live updates.
	initial := approval.EventRequired
	if ticket.Status != storage.TicketPending {
		initial = approval.EventUpdated
	}
	sseWrite(w, flusher, approval.TicketEvent{Type: initial, Ticket: approval.TicketView(ticket)})
	if ticket.Status.Terminal() {
		return
	}

	events, cancel := s.gate.Subscribe(ticketID)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			sseWrite(w, flusher, ev)
		}
	}
}

// streamAllTickets serves every ticket event over one SSE connection.
func (s *Server) streamAllTickets(w http.ResponseWriter, r *http.Request) {
	flusher, ok := sseStart(w)
	if !ok {
		return
	}

	events, cancel := s.gate.SubscribeAll()
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			sseWrite(w, flusher, ev)
		}
	}
}

func sseStart(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func sseWrite(w http.ResponseWriter, flusher http.Flusher, ev approval.TicketEvent) {
	data, err := json.Marshal(ev.Ticket)
	if err != nil {
		slog.Warn("SSE event not serializable", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	flusher.Flush()
}

// ------------------------------------------------------------------
// Runs and events
// ------------------------------------------------------------------

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.RunFilter{
		AgentSlug: q.Get("agent_slug"),
		Status:    storage.RunStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) getRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "run not found")
		return
	}
	events, err := s.store.GetEvents(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) searchEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "query parameter q is required")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.store.SearchText(r.Context(), query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ------------------------------------------------------------------
// Costs
// ------------------------------------------------------------------

func (s *Server) costSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.CostFilter{
		Agent: q.Get("agent"),
		RunID: q.Get("run_id"),
	}
	if raw := q.Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "start must be RFC3339")
			return
		}
		filter.StartTime = t
	}
	if raw := q.Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "end must be RFC3339")
			return
		}
		filter.EndTime = t
	}
	summary, err := s.store.SummarizeCosts(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ------------------------------------------------------------------
// Helpers
// ------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Response not written", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}
