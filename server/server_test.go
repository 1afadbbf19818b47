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

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsag/magsag/approval"
	"github.com/magsag/magsag/observability"
	"github.com/magsag/magsag/storage"
)

func newTestServer(t *testing.T) (*Server, *approval.Gate, storage.Storage) {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	gate := approval.NewGate(store, approval.WithPollInterval(10*time.Millisecond))
	return New(gate, store, observability.NewMetrics()), gate, store
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestTicketLifecycleOverHTTP(t *testing.T) {
	s, gate, _ := newTestServer(t)
	ctx := context.Background()

	ticket, err := gate.CreateTicket(ctx, approval.Request{
		RunID:    "run-1",
		ToolName: "deploy.api",
		ToolArgs: map[string]any{"env": "prod", "api_key": "sk-123"},
	})
	require.NoError(t, err)

	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v1/tickets/"+ticket.TicketID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", body["status"])
	args := body["tool_args"].(map[string]any)
	assert.Equal(t, approval.RedactedSentinel, args["api_key"])

	rec, body = doJSON(t, s.Handler(), http.MethodPost,
		"/v1/tickets/"+ticket.TicketID+"/approve",
		`{"resolved_by":"operator","reason":"checked"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "approved", body["status"])
	assert.Equal(t, "operator", body["resolved_by"])

	// Second decision conflicts.
	rec, body = doJSON(t, s.Handler(), http.MethodPost,
		"/v1/tickets/"+ticket.TicketID+"/deny", `{"resolved_by":"late"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeConflict, body["code"])
}

func TestUnknownTicketReturnsEnvelope(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v1/tickets/ghost", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, body["code"])
	assert.NotEmpty(t, body["message"])

	rec, body = doJSON(t, s.Handler(), http.MethodPost, "/v1/tickets/ghost/approve", `{}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, body["code"])
}

func TestListTicketsWithFilter(t *testing.T) {
	s, gate, _ := newTestServer(t)
	ctx := context.Background()

	first, err := gate.CreateTicket(ctx, approval.Request{RunID: "run-a", ToolName: "x"})
	require.NoError(t, err)
	_, err = gate.CreateTicket(ctx, approval.Request{RunID: "run-b", ToolName: "y"})
	require.NoError(t, err)
	_, err = gate.Deny(ctx, first.TicketID, "op", "no")
	require.NoError(t, err)

	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v1/tickets?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["tickets"], 1)

	rec, _ = doJSON(t, s.Handler(), http.MethodGet, "/v1/tickets?limit=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEndpoints(t *testing.T) {
	s, _, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, "run-1", "mag-a", storage.RunRunning))
	require.NoError(t, store.AppendEvent(ctx, storage.Event{
		RunID: "run-1", EventType: "run.started", Timestamp: time.Now().UTC(),
		Message: "run started",
	}))

	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v1/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mag-a", body["agent_slug"])

	rec, body = doJSON(t, s.Handler(), http.MethodGet, "/v1/runs/run-1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["events"], 1)

	rec, body = doJSON(t, s.Handler(), http.MethodGet, "/v1/runs/ghost", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, body["code"])
}

func TestSSEStreamDeliversUpdateAndTerminates(t *testing.T) {
	s, gate, _ := newTestServer(t)
	ctx := context.Background()

	ticket, err := gate.CreateTicket(ctx, approval.Request{RunID: "run-1", ToolName: "x"})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/tickets/" + ticket.TicketID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = gate.Approve(ctx, ticket.TicketID, "op", "", nil)
	}()

	var eventLines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLines = append(eventLines, strings.TrimPrefix(line, "event: "))
		}
	}

	// Initial required state, then the approval; the stream closed itself.
	require.GreaterOrEqual(t, len(eventLines), 2)
	assert.Equal(t, approval.EventRequired, eventLines[0])
	assert.Equal(t, approval.EventUpdated, eventLines[len(eventLines)-1])
}

func TestSSEStreamOfResolvedTicketEndsImmediately(t *testing.T) {
	s, gate, _ := newTestServer(t)
	ctx := context.Background()

	ticket, err := gate.CreateTicket(ctx, approval.Request{RunID: "run-1", ToolName: "x"})
	require.NoError(t, err)
	_, err = gate.Deny(ctx, ticket.TicketID, "op", "no")
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/tickets/" + ticket.TicketID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := new(strings.Builder)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		body.WriteString(scanner.Text() + "\n")
	}
	assert.Contains(t, body.String(), "event: "+approval.EventUpdated)
	assert.Contains(t, body.String(), `"denied"`)
}

func TestCostSummaryEndpoint(t *testing.T) {
	s, _, store := newTestServer(t)
	ctx := context.Background()

	rec := &storage.CostRecord{
		Timestamp: time.Now().UTC(), Model: "gpt-4o-mini",
		InputTokens: 10, OutputTokens: 5, CostUSD: 0.002, Agent: "mag-a",
	}
	require.NoError(t, rec.Validate())
	require.NoError(t, store.InsertCostRecord(ctx, rec))

	res, body := doJSON(t, s.Handler(), http.MethodGet, "/v1/costs/summary", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.EqualValues(t, 1, body["total_calls"])

	res, body = doJSON(t, s.Handler(), http.MethodGet, "/v1/costs/summary?start=yesterday", "")
	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, CodeInvalidRequest, body["code"])
}
