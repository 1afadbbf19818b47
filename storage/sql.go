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
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStorage implements Storage on a SQL database.
// Concurrency is handled by database-level locking; callers share one
// instance across goroutines.
type SQLStorage struct {
	db      *sql.DB
	dialect string
	fts     bool
}

// Schema creation SQL
const createRunsSchemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id VARCHAR(64) PRIMARY KEY,
    agent_slug VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    metrics_json TEXT
)`

const createRunsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_runs_agent_started ON runs(agent_slug, started_at)`

const createTicketsSchemaSQL = `
CREATE TABLE IF NOT EXISTS approval_tickets (
    ticket_id VARCHAR(64) PRIMARY KEY,
    run_id VARCHAR(64) NOT NULL,
    agent_slug VARCHAR(255) NOT NULL,
    tool_name VARCHAR(255) NOT NULL,
    tool_args_json TEXT,
    masked_args_json TEXT,
    args_hash VARCHAR(64) NOT NULL,
    step_id VARCHAR(255),
    status VARCHAR(32) NOT NULL,
    requested_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP,
    resolved_by VARCHAR(255),
    decision_reason TEXT,
    response_json TEXT,
    metadata_json TEXT
)`

const createTicketsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tickets_run ON approval_tickets(run_id)`

const createTicketsStatusIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tickets_status ON approval_tickets(status, expires_at)`

const createSnapshotsSchemaSQL = `
CREATE TABLE IF NOT EXISTS run_snapshots (
    snapshot_id VARCHAR(64) NOT NULL,
    run_id VARCHAR(64) NOT NULL,
    step_id VARCHAR(255) NOT NULL,
    state_json TEXT NOT NULL,
    metadata_json TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, step_id)
)`

const createMemorySchemaSQL = `
CREATE TABLE IF NOT EXISTS memory_entries (
    memory_id VARCHAR(64) PRIMARY KEY,
    scope VARCHAR(32) NOT NULL,
    agent_slug VARCHAR(255) NOT NULL,
    run_id VARCHAR(64),
    key_name VARCHAR(255) NOT NULL,
    value_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    pii_tags_json TEXT,
    retention_policy VARCHAR(255),
    tags_json TEXT,
    metadata_json TEXT
)`

const createMemoryIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_memory_scope ON memory_entries(scope, agent_slug, run_id)`

const createEventsFTSSQL = `
CREATE VIRTUAL TABLE IF NOT EXISTS run_events_fts USING fts5(message, event_id UNINDEXED, run_id UNINDEXED)`

// NewSQLStorage creates a SQL-backed Storage on an existing connection.
// Supported dialects: sqlite, postgres, mysql.
func NewSQLStorage(db *sql.DB, dialect string) (*SQLStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStorage{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenSQLite opens (or creates) a WAL-mode sqlite database at path with a
// bounded connection pool and returns a Storage over it.
func OpenSQLite(path string) (*SQLStorage, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite allows one writer; a small pool keeps readers flowing without
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	return NewSQLStorage(db, "sqlite")
}

func (s *SQLStorage) eventsSchemaSQL() string {
	idCol := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	switch s.dialect {
	case "postgres":
		idCol = "id BIGSERIAL PRIMARY KEY"
	case "mysql":
		idCol = "id BIGINT AUTO_INCREMENT PRIMARY KEY"
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS run_events (
    %s,
    run_id VARCHAR(64) NOT NULL,
    agent_slug VARCHAR(255),
    event_type VARCHAR(255) NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    level VARCHAR(32),
    message TEXT,
    payload_json TEXT
)`, idCol)
}

func (s *SQLStorage) costsSchemaSQL() string {
	idCol := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	switch s.dialect {
	case "postgres":
		idCol = "id BIGSERIAL PRIMARY KEY"
	case "mysql":
		idCol = "id BIGINT AUTO_INCREMENT PRIMARY KEY"
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS cost_records (
    %s,
    timestamp TIMESTAMP NOT NULL,
    model VARCHAR(255) NOT NULL,
    input_tokens INTEGER NOT NULL,
    output_tokens INTEGER NOT NULL,
    total_tokens INTEGER NOT NULL,
    cost_usd DOUBLE PRECISION NOT NULL,
    run_id VARCHAR(64),
    step VARCHAR(255),
    agent VARCHAR(255),
    metadata_json TEXT
)`, idCol)
}

// initSchema creates the required tables if they don't exist.
func (s *SQLStorage) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Execute each statement separately for SQLite compatibility
	statements := []string{
		createRunsSchemaSQL,
		createRunsIndexSQL,
		s.eventsSchemaSQL(),
		`CREATE INDEX IF NOT EXISTS idx_events_run ON run_events(run_id, id)`,
		createTicketsSchemaSQL,
		createTicketsIndexSQL,
		createTicketsStatusIndexSQL,
		createSnapshotsSchemaSQL,
		s.costsSchemaSQL(),
		`CREATE INDEX IF NOT EXISTS idx_costs_timestamp ON cost_records(timestamp)`,
		createMemorySchemaSQL,
		createMemoryIndexSQL,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, s.rebind(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	if s.dialect == "sqlite" {
		if _, err := s.db.ExecContext(ctx, createEventsFTSSQL); err != nil {
			// FTS5 may be compiled out; search degrades to empty results.
			slog.Warn("FTS index unavailable, text search disabled", "error", err)
		} else {
			s.fts = true
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $N for postgres.
func (s *SQLStorage) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func marshalMap(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		slog.Warn("Failed to marshal JSON column, storing empty", "error", err)
		return ""
	}
	return string(data)
}

func unmarshalMap(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

func marshalAny(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	data, _ := json.Marshal(ss)
	return string(data)
}

func unmarshalStrings(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s.String), &out)
	return out
}

// ensureRun lazily creates a run row so snapshot- or event-initiated runs
// are never dropped.
func (s *SQLStorage) ensureRun(ctx context.Context, q queryer, runID, agentSlug string, status RunStatus) error {
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	var stmt string
	switch s.dialect {
	case "mysql":
		stmt = `INSERT IGNORE INTO runs (run_id, agent_slug, status, started_at, metrics_json) VALUES (?, ?, ?, ?, ?)`
	case "postgres":
		stmt = `INSERT INTO runs (run_id, agent_slug, status, started_at, metrics_json) VALUES (?, ?, ?, ?, ?) ON CONFLICT (run_id) DO NOTHING`
	default:
		stmt = `INSERT OR IGNORE INTO runs (run_id, agent_slug, status, started_at, metrics_json) VALUES (?, ?, ?, ?, ?)`
	}
	_, err := q.ExecContext(ctx, s.rebind(stmt), runID, agentSlug, string(status), time.Now().UTC(), "")
	return err
}

// queryer abstracts *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// Runs
// =============================================================================

// CreateRun inserts a run row; idempotent under a unique run ID.
func (s *SQLStorage) CreateRun(ctx context.Context, runID, agentSlug string, status RunStatus) error {
	return s.ensureRun(ctx, s.db, runID, agentSlug, status)
}

// UpdateRun applies a partial update inside a transaction. Metrics are merged
// key-wise into the stored mapping (last writer wins per key), never replaced
// wholesale.
func (s *SQLStorage) UpdateRun(ctx context.Context, runID string, upd RunUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var metricsJSON sql.NullString
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT metrics_json FROM runs WHERE run_id = ?`), runID)
	if err := row.Scan(&metricsJSON); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return fmt.Errorf("failed to read run: %w", err)
	}

	metrics := unmarshalMap(metricsJSON)
	if len(upd.Metrics) > 0 {
		if metrics == nil {
			metrics = make(map[string]any, len(upd.Metrics))
		}
		for k, v := range upd.Metrics {
			metrics[k] = v
		}
	}

	sets := []string{"metrics_json = ?"}
	args := []any{marshalMap(metrics)}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, upd.EndedAt.UTC())
	}
	args = append(args, runID)

	query := fmt.Sprintf(`UPDATE runs SET %s WHERE run_id = ?`, strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return tx.Commit()
}

func scanRun(scanner interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var status string
	var endedAt sql.NullTime
	var metricsJSON sql.NullString
	if err := scanner.Scan(&r.RunID, &r.AgentSlug, &status, &r.StartedAt, &endedAt, &metricsJSON); err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	r.Metrics = unmarshalMap(metricsJSON)
	return &r, nil
}

const selectRunColumns = `run_id, agent_slug, status, started_at, ended_at, metrics_json`

// GetRun returns a run, or nil when unknown.
func (s *SQLStorage) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+selectRunColumns+` FROM runs WHERE run_id = ?`), runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs most recent first.
func (s *SQLStorage) ListRuns(ctx context.Context, f RunFilter) ([]*Run, error) {
	query := `SELECT ` + selectRunColumns + ` FROM runs`
	var conds []string
	var args []any
	if f.AgentSlug != "" {
		conds = append(conds, "agent_slug = ?")
		args = append(args, f.AgentSlug)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// Events
// =============================================================================

// AppendEvent appends one event, lazily creating the run row if needed.
func (s *SQLStorage) AppendEvent(ctx context.Context, ev Event) error {
	if ev.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := s.ensureRun(ctx, s.db, ev.RunID, ev.AgentSlug, RunPending); err != nil {
		return fmt.Errorf("failed to ensure run: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO run_events (run_id, agent_slug, event_type, timestamp, level, message, payload_json)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.RunID, ev.AgentSlug, ev.EventType, ev.Timestamp.UTC(), ev.Level, ev.Message, marshalMap(ev.Payload))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if s.fts && ev.Message != "" {
		if id, err := res.LastInsertId(); err == nil {
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO run_events_fts (message, event_id, run_id) VALUES (?, ?, ?)`,
				ev.Message, id, ev.RunID); err != nil {
				slog.Warn("Failed to index event message", "run_id", ev.RunID, "error", err)
			}
		}
	}
	return nil
}

func scanEvent(scanner interface{ Scan(...any) error }) (Event, error) {
	var ev Event
	var agentSlug, level, message, payloadJSON sql.NullString
	if err := scanner.Scan(&ev.ID, &ev.RunID, &agentSlug, &ev.EventType, &ev.Timestamp, &level, &message, &payloadJSON); err != nil {
		return ev, err
	}
	ev.AgentSlug = agentSlug.String
	ev.Level = level.String
	ev.Message = message.String
	ev.Payload = unmarshalMap(payloadJSON)
	return ev, nil
}

const selectEventColumns = `id, run_id, agent_slug, event_type, timestamp, level, message, payload_json`

// GetEvents returns a run's events in insertion order.
func (s *SQLStorage) GetEvents(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+selectEventColumns+` FROM run_events WHERE run_id = ? ORDER BY id ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SearchText full-text searches event messages. Empty results when the FTS
// index is absent (non-sqlite dialects, or FTS5 compiled out).
func (s *SQLStorage) SearchText(ctx context.Context, query string, limit int) ([]Event, error) {
	if !s.fts || query == "" {
		return []Event{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT e.id, e.run_id, e.agent_slug, e.event_type, e.timestamp, e.level, e.message, e.payload_json
FROM run_events e
JOIN run_events_fts f ON f.event_id = e.id
WHERE run_events_fts MATCH ?
ORDER BY e.id DESC
LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search events: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// Approval tickets
// =============================================================================

const selectTicketColumns = `ticket_id, run_id, agent_slug, tool_name, tool_args_json, masked_args_json,
args_hash, step_id, status, requested_at, expires_at, resolved_at, resolved_by, decision_reason,
response_json, metadata_json`

func scanTicket(scanner interface{ Scan(...any) error }) (*ApprovalTicket, error) {
	var t ApprovalTicket
	var toolArgs, maskedArgs, stepID, status, resolvedBy, reason, response, metadata sql.NullString
	var resolvedAt sql.NullTime
	err := scanner.Scan(&t.TicketID, &t.RunID, &t.AgentSlug, &t.ToolName, &toolArgs, &maskedArgs,
		&t.ArgsHash, &stepID, &status, &t.RequestedAt, &t.ExpiresAt, &resolvedAt, &resolvedBy,
		&reason, &response, &metadata)
	if err != nil {
		return nil, err
	}
	t.ToolArgs = unmarshalMap(toolArgs)
	t.MaskedArgs = unmarshalMap(maskedArgs)
	t.StepID = stepID.String
	t.Status = TicketStatus(status.String)
	if resolvedAt.Valid {
		at := resolvedAt.Time
		t.ResolvedAt = &at
	}
	t.ResolvedBy = resolvedBy.String
	t.DecisionReason = reason.String
	t.Response = unmarshalMap(response)
	t.Metadata = unmarshalMap(metadata)
	return &t, nil
}

// CreateApprovalTicket persists a new pending ticket.
func (s *SQLStorage) CreateApprovalTicket(ctx context.Context, t *ApprovalTicket) error {
	if t.TicketID == "" {
		return fmt.Errorf("ticket_id is required")
	}
	if !t.ExpiresAt.After(t.RequestedAt) {
		return fmt.Errorf("expires_at must be after requested_at")
	}
	if err := s.ensureRun(ctx, s.db, t.RunID, t.AgentSlug, RunRunning); err != nil {
		return fmt.Errorf("failed to ensure run: %w", err)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO approval_tickets (ticket_id, run_id, agent_slug, tool_name, tool_args_json,
masked_args_json, args_hash, step_id, status, requested_at, expires_at, resolved_by,
decision_reason, response_json, metadata_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.TicketID, t.RunID, t.AgentSlug, t.ToolName, marshalMap(t.ToolArgs),
		marshalMap(t.MaskedArgs), t.ArgsHash, t.StepID, string(t.Status),
		t.RequestedAt.UTC(), t.ExpiresAt.UTC(), t.ResolvedBy, t.DecisionReason,
		marshalMap(t.Response), marshalMap(t.Metadata))
	if err != nil {
		return fmt.Errorf("failed to create approval ticket: %w", err)
	}
	return nil
}

// UpdateApprovalTicket transitions a ticket. Transitions out of a terminal
// state fail with ErrStateConflict; the caller sees "ticket already <status>".
func (s *SQLStorage) UpdateApprovalTicket(ctx context.Context, ticketID string, upd TicketUpdate) (*ApprovalTicket, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		s.rebind(`SELECT `+selectTicketColumns+` FROM approval_tickets WHERE ticket_id = ?`), ticketID)
	current, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: ticket %s", ErrNotFound, ticketID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket: %w", err)
	}

	if upd.Status != nil && current.Status.Terminal() {
		return nil, fmt.Errorf("%w: ticket already %s", ErrStateConflict, current.Status)
	}

	sets := []string{}
	args := []any{}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
		current.Status = *upd.Status
	}
	if upd.ResolvedAt != nil {
		sets = append(sets, "resolved_at = ?")
		args = append(args, upd.ResolvedAt.UTC())
		at := upd.ResolvedAt.UTC()
		current.ResolvedAt = &at
	}
	if upd.ResolvedBy != "" {
		sets = append(sets, "resolved_by = ?")
		args = append(args, upd.ResolvedBy)
		current.ResolvedBy = upd.ResolvedBy
	}
	if upd.DecisionReason != "" {
		sets = append(sets, "decision_reason = ?")
		args = append(args, upd.DecisionReason)
		current.DecisionReason = upd.DecisionReason
	}
	if upd.Response != nil {
		sets = append(sets, "response_json = ?")
		args = append(args, marshalMap(upd.Response))
		current.Response = upd.Response
	}
	if len(sets) == 0 {
		return current, tx.Commit()
	}
	args = append(args, ticketID)

	query := fmt.Sprintf(`UPDATE approval_tickets SET %s WHERE ticket_id = ?`, strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return current, nil
}

// GetApprovalTicket returns a ticket, or nil when unknown.
func (s *SQLStorage) GetApprovalTicket(ctx context.Context, ticketID string) (*ApprovalTicket, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+selectTicketColumns+` FROM approval_tickets WHERE ticket_id = ?`), ticketID)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return t, nil
}

// ListApprovalTickets lists tickets, newest first.
func (s *SQLStorage) ListApprovalTickets(ctx context.Context, f TicketFilter) ([]*ApprovalTicket, error) {
	query := `SELECT ` + selectTicketColumns + ` FROM approval_tickets`
	var conds []string
	var args []any
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.AgentSlug != "" {
		conds = append(conds, "agent_slug = ?")
		args = append(args, f.AgentSlug)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY requested_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	var out []*ApprovalTicket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// Snapshots
// =============================================================================

// UpsertRunSnapshot writes a checkpoint, idempotent by (run_id, step_id).
// Updates keep the snapshot ID assigned on first insert and bump created_at
// so the latest-snapshot query reflects the last write.
func (s *SQLStorage) UpsertRunSnapshot(ctx context.Context, snap *RunSnapshot) (*RunSnapshot, error) {
	if snap.RunID == "" || snap.StepID == "" {
		return nil, fmt.Errorf("run_id and step_id are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	agentSlug := ""
	if v, ok := snap.Metadata["agent_slug"].(string); ok {
		agentSlug = v
	}
	if err := s.ensureRun(ctx, tx, snap.RunID, agentSlug, RunRunning); err != nil {
		return nil, fmt.Errorf("failed to ensure run: %w", err)
	}

	out := *snap
	out.CreatedAt = time.Now().UTC()

	var existingID string
	row := tx.QueryRowContext(ctx,
		s.rebind(`SELECT snapshot_id FROM run_snapshots WHERE run_id = ? AND step_id = ?`),
		snap.RunID, snap.StepID)
	err = row.Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		if out.SnapshotID == "" {
			out.SnapshotID = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO run_snapshots (snapshot_id, run_id, step_id, state_json, metadata_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`),
			out.SnapshotID, out.RunID, out.StepID, marshalMap(out.State), marshalMap(out.Metadata), out.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert snapshot: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	default:
		out.SnapshotID = existingID
		_, err = tx.ExecContext(ctx, s.rebind(`
UPDATE run_snapshots SET state_json = ?, metadata_json = ?, created_at = ? WHERE run_id = ? AND step_id = ?`),
			marshalMap(out.State), marshalMap(out.Metadata), out.CreatedAt, out.RunID, out.StepID)
		if err != nil {
			return nil, fmt.Errorf("failed to update snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &out, nil
}

const selectSnapshotColumns = `snapshot_id, run_id, step_id, state_json, metadata_json, created_at`

func scanSnapshot(scanner interface{ Scan(...any) error }) (*RunSnapshot, error) {
	var snap RunSnapshot
	var stateJSON, metadataJSON sql.NullString
	if err := scanner.Scan(&snap.SnapshotID, &snap.RunID, &snap.StepID, &stateJSON, &metadataJSON, &snap.CreatedAt); err != nil {
		return nil, err
	}
	snap.State = unmarshalMap(stateJSON)
	snap.Metadata = unmarshalMap(metadataJSON)
	return &snap, nil
}

// GetRunSnapshot returns the snapshot for (run_id, step_id), or nil.
func (s *SQLStorage) GetRunSnapshot(ctx context.Context, runID, stepID string) (*RunSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+selectSnapshotColumns+` FROM run_snapshots WHERE run_id = ? AND step_id = ?`),
		runID, stepID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// GetLatestRunSnapshot returns the snapshot with the greatest created_at.
func (s *SQLStorage) GetLatestRunSnapshot(ctx context.Context, runID string) (*RunSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+selectSnapshotColumns+` FROM run_snapshots WHERE run_id = ? ORDER BY created_at DESC, step_id DESC LIMIT 1`),
		runID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return snap, nil
}

// ListRunSnapshots returns snapshots oldest first.
func (s *SQLStorage) ListRunSnapshots(ctx context.Context, runID string) ([]*RunSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+selectSnapshotColumns+` FROM run_snapshots WHERE run_id = ? ORDER BY created_at ASC, step_id ASC`),
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*RunSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DeleteRunSnapshots deletes a run's snapshots and returns the count.
func (s *SQLStorage) DeleteRunSnapshots(ctx context.Context, runID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM run_snapshots WHERE run_id = ?`), runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// Costs
// =============================================================================

// InsertCostRecord appends one cost record.
func (s *SQLStorage) InsertCostRecord(ctx context.Context, rec *CostRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO cost_records (timestamp, model, input_tokens, output_tokens, total_tokens, cost_usd, run_id, step, agent, metadata_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.Timestamp.UTC(), rec.Model, rec.InputTokens, rec.OutputTokens, rec.TotalTokens,
		rec.CostUSD, rec.RunID, rec.Step, rec.Agent, marshalMap(rec.Metadata))
	if err != nil {
		return fmt.Errorf("failed to insert cost record: %w", err)
	}
	return nil
}

// SummarizeCosts aggregates totals with per-model and per-agent breakdowns.
// Records without an agent count toward totals but not toward by_agent.
func (s *SQLStorage) SummarizeCosts(ctx context.Context, f CostFilter) (*CostSummary, error) {
	query := `SELECT model, agent, total_tokens, cost_usd FROM cost_records`
	var conds []string
	var args []any
	if !f.StartTime.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.StartTime.UTC())
	}
	if !f.EndTime.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.EndTime.UTC())
	}
	if f.Agent != "" {
		conds = append(conds, "agent = ?")
		args = append(args, f.Agent)
	}
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize costs: %w", err)
	}
	defer rows.Close()

	summary := &CostSummary{
		ByModel: map[string]*CostBucket{},
		ByAgent: map[string]*CostBucket{},
	}
	for rows.Next() {
		var model string
		var agent sql.NullString
		var tokens int
		var costUSD float64
		if err := rows.Scan(&model, &agent, &tokens, &costUSD); err != nil {
			return nil, err
		}
		summary.TotalCalls++
		summary.TotalCostUSD += costUSD
		summary.TotalTokens += tokens

		mb := summary.ByModel[model]
		if mb == nil {
			mb = &CostBucket{}
			summary.ByModel[model] = mb
		}
		mb.Calls++
		mb.CostUSD += costUSD
		mb.Tokens += tokens

		if agent.Valid && agent.String != "" {
			ab := summary.ByAgent[agent.String]
			if ab == nil {
				ab = &CostBucket{}
				summary.ByAgent[agent.String] = ab
			}
			ab.Calls++
			ab.CostUSD += costUSD
			ab.Tokens += tokens
		}
	}
	return summary, rows.Err()
}

// =============================================================================
// Memory
// =============================================================================

// PutMemory inserts or refreshes a memory entry. An entry carrying a known
// memory_id is updated in place (created_at preserved); update-then-insert
// keeps the statement portable across dialects.
func (s *SQLStorage) PutMemory(ctx context.Context, m *MemoryEntry) error {
	if err := m.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	m.UpdatedAt = now

	var expiresAt any
	if m.ExpiresAt != nil {
		expiresAt = m.ExpiresAt.UTC()
	}

	if m.MemoryID == "" {
		m.MemoryID = uuid.NewString()
	} else {
		res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE memory_entries SET scope = ?, agent_slug = ?, run_id = ?, key_name = ?, value_json = ?,
updated_at = ?, expires_at = ?, pii_tags_json = ?, retention_policy = ?, tags_json = ?, metadata_json = ?
WHERE memory_id = ?`),
			string(m.Scope), m.AgentSlug, m.RunID, m.Key, marshalAny(m.Value),
			m.UpdatedAt, expiresAt, marshalStrings(m.PIITags), m.RetentionPolicy,
			marshalStrings(m.Tags), marshalMap(m.Metadata), m.MemoryID)
		if err != nil {
			return fmt.Errorf("failed to put memory: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return nil
		}
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO memory_entries (memory_id, scope, agent_slug, run_id, key_name, value_json,
created_at, updated_at, expires_at, pii_tags_json, retention_policy, tags_json, metadata_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.MemoryID, string(m.Scope), m.AgentSlug, m.RunID, m.Key, marshalAny(m.Value),
		m.CreatedAt, m.UpdatedAt, expiresAt, marshalStrings(m.PIITags), m.RetentionPolicy,
		marshalStrings(m.Tags), marshalMap(m.Metadata))
	if err != nil {
		return fmt.Errorf("failed to put memory: %w", err)
	}
	return nil
}

// ListMemory lists memory entries, newest first.
func (s *SQLStorage) ListMemory(ctx context.Context, f MemoryFilter) ([]*MemoryEntry, error) {
	query := `SELECT memory_id, scope, agent_slug, run_id, key_name, value_json, created_at,
updated_at, expires_at, pii_tags_json, retention_policy, tags_json, metadata_json FROM memory_entries`
	var conds []string
	var args []any
	if f.Scope != "" {
		conds = append(conds, "scope = ?")
		args = append(args, string(f.Scope))
	}
	if f.AgentSlug != "" {
		conds = append(conds, "agent_slug = ?")
		args = append(args, f.AgentSlug)
	}
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Key != "" {
		conds = append(conds, "key_name = ?")
		args = append(args, f.Key)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory: %w", err)
	}
	defer rows.Close()

	var out []*MemoryEntry
	for rows.Next() {
		var m MemoryEntry
		var scope string
		var runID, valueJSON, piiJSON, retention, tagsJSON, metadataJSON sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&m.MemoryID, &scope, &m.AgentSlug, &runID, &m.Key, &valueJSON,
			&m.CreatedAt, &m.UpdatedAt, &expiresAt, &piiJSON, &retention, &tagsJSON, &metadataJSON); err != nil {
			return nil, err
		}
		m.Scope = MemoryScope(scope)
		m.RunID = runID.String
		if valueJSON.Valid && valueJSON.String != "" {
			_ = json.Unmarshal([]byte(valueJSON.String), &m.Value)
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			m.ExpiresAt = &t
		}
		m.PIITags = unmarshalStrings(piiJSON)
		m.RetentionPolicy = retention.String
		m.Tags = unmarshalStrings(tagsJSON)
		m.Metadata = unmarshalMap(metadataJSON)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// =============================================================================
// Retention
// =============================================================================

// Vacuum deletes runs older than now minus HotDays calendar days, cascading
// through events, tickets, snapshots, costs and memories. Calendar
// subtraction (AddDate) keeps the arithmetic month-boundary safe.
func (s *SQLStorage) Vacuum(ctx context.Context, opts VacuumOptions) (*VacuumResult, error) {
	if opts.HotDays <= 0 {
		return nil, fmt.Errorf("hot_days must be positive")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -opts.HotDays)
	result := &VacuumResult{Cutoff: cutoff, DryRun: opts.DryRun}

	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM runs WHERE started_at < ?`), cutoff)
	if err := row.Scan(&result.RunsDeleted); err != nil {
		return nil, fmt.Errorf("failed to count stale runs: %w", err)
	}
	if opts.DryRun || result.RunsDeleted == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	children := []string{
		`DELETE FROM run_events WHERE run_id IN (SELECT run_id FROM runs WHERE started_at < ?)`,
		`DELETE FROM approval_tickets WHERE run_id IN (SELECT run_id FROM runs WHERE started_at < ?)`,
		`DELETE FROM run_snapshots WHERE run_id IN (SELECT run_id FROM runs WHERE started_at < ?)`,
		`DELETE FROM cost_records WHERE run_id IN (SELECT run_id FROM runs WHERE started_at < ?)`,
		`DELETE FROM memory_entries WHERE run_id IN (SELECT run_id FROM runs WHERE started_at < ?)`,
	}
	if s.fts {
		children = append([]string{
			`DELETE FROM run_events_fts WHERE run_id IN (SELECT run_id FROM runs WHERE started_at < ?)`,
		}, children...)
	}
	for _, stmt := range children {
		if _, err := tx.ExecContext(ctx, s.rebind(stmt), cutoff); err != nil {
			return nil, fmt.Errorf("failed to vacuum children: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM runs WHERE started_at < ?`), cutoff); err != nil {
		return nil, fmt.Errorf("failed to vacuum runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	slog.Info("Vacuum completed", "cutoff", cutoff, "runs_deleted", result.RunsDeleted)
	return result, nil
}
