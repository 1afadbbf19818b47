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

// Package runner orchestrates agent execution: a main agent decomposes its
// payload into tasks, fans them out to sub-agents, aggregates the survivors
// and wraps the outcome in a run envelope. Every step is persisted for
// audit and replay.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/magsag/magsag/approval"
	"github.com/magsag/magsag/catalog"
	"github.com/magsag/magsag/config"
	"github.com/magsag/magsag/cost"
	"github.com/magsag/magsag/determinism"
	"github.com/magsag/magsag/execution"
	"github.com/magsag/magsag/memory"
	"github.com/magsag/magsag/router"
	"github.com/magsag/magsag/storage"
)

// Version stamps run envelopes.
const Version = "0.1.0"

const tracerName = "github.com/magsag/magsag/runner"

// Runner executes catalog agents.
type Runner struct {
	catalog     *catalog.Registry
	router      *router.Router
	store       storage.Storage
	tracker     *cost.Tracker
	memories    *memory.Store
	determinism *determinism.Controller
	settings    config.Settings
	retry       RetryPolicy
	maxParallel int
	tracer      trace.Tracer

	mu          sync.RWMutex
	entrypoints map[string]Entrypoint
	skills      map[string]Skill
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCostTracker attaches a cost tracker for per-run attribution.
func WithCostTracker(t *cost.Tracker) RunnerOption {
	return func(r *Runner) { r.tracker = t }
}

// WithMemory enables input/output memory capture.
func WithMemory(m *memory.Store) RunnerOption {
	return func(r *Runner) { r.memories = m }
}

// WithDeterminism attaches a determinism controller; its environment
// snapshot lands in every run summary.
func WithDeterminism(c *determinism.Controller) RunnerOption {
	return func(r *Runner) { r.determinism = c }
}

// WithRetryPolicy overrides the SAG retry policy.
func WithRetryPolicy(p RetryPolicy) RunnerOption {
	return func(r *Runner) { r.retry = p }
}

// WithMaxParallel bounds concurrent SAG invocations per MAG.
func WithMaxParallel(n int) RunnerOption {
	return func(r *Runner) { r.maxParallel = n }
}

// WithSettings overrides the ambient settings (base dir, environment).
func WithSettings(s config.Settings) RunnerOption {
	return func(r *Runner) { r.settings = s }
}

// New creates a runner. Catalog, router and store are required; everything
// else is optional.
func New(cat *catalog.Registry, rt *router.Router, store storage.Storage, opts ...RunnerOption) *Runner {
	r := &Runner{
		catalog:     cat,
		router:      rt,
		store:       store,
		settings:    config.FromEnv(),
		retry:       DefaultRetryPolicy(),
		maxParallel: 4,
		tracer:      otel.Tracer(tracerName),
		entrypoints: make(map[string]Entrypoint),
		skills:      make(map[string]Skill),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterEntrypoint binds a catalog entrypoint reference to a function.
func (r *Runner) RegisterEntrypoint(name string, fn Entrypoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entrypoints[name] = fn
}

// RegisterSkill binds a skill name to a function.
func (r *Runner) RegisterSkill(name string, fn Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[name] = fn
}

func (r *Runner) entrypoint(name string) Entrypoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entrypoints[name]
}

func (r *Runner) skill(name string) Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.skills[name]
}

// InvokeMAG runs a main agent end to end and returns the enveloped output.
func (r *Runner) InvokeMAG(ctx context.Context, slug string, payload map[string]any, ec execution.Context) (*Result, error) {
	agent := r.catalog.Resolve(slug)
	if agent == nil {
		return nil, fmt.Errorf("runner: unknown agent %q", slug)
	}
	if agent.Role != catalog.RoleMain {
		return nil, fmt.Errorf("runner: agent %q is not a main agent", slug)
	}

	if ec.RunID == "" {
		ec.RunID = uuid.NewString()
	}
	ec.AgentSlug = slug
	if ec.Environment == "" {
		ec.Environment = r.settings.Environment
	}

	ctx, span := r.tracer.Start(ctx, "runner.invoke_mag",
		trace.WithAttributes(
			attribute.String("agent.slug", slug),
			attribute.String("run.id", ec.RunID),
		))
	defer span.End()

	if err := r.store.CreateRun(ctx, ec.RunID, slug, storage.RunRunning); err != nil {
		return nil, fmt.Errorf("runner: create run: %w", err)
	}

	logger, err := NewRunLogger(r.settings.AgentRunDir(ec.RunID), ec.RunID, slug, r.store)
	if err != nil {
		return nil, err
	}
	defer logger.Close()

	startedAt := time.Now().UTC()
	plan := r.router.GetPlan(slug, nil)
	logger.Event(ctx, "run.started", "info", "run started", map[string]any{
		"payload": payload,
		"plan":    plan,
		"context": ec.AsMap(),
	})

	r.captureMemory(ctx, ec, "input", payload)

	result := r.orchestrate(ctx, agent, payload, ec, plan, logger)

	r.captureMemory(ctx, ec, "output", result.Output)

	status := storage.RunSucceeded
	level := "info"
	if !result.Succeeded() {
		status = storage.RunFailed
		level = "error"
	}
	logger.SetMetric("duration_ms", time.Since(startedAt).Milliseconds())
	logger.Event(ctx, "run.finished", level, "run finished", map[string]any{
		"status": string(status),
		"error":  result.Error,
	})

	endedAt := time.Now().UTC()
	if err := r.store.UpdateRun(ctx, ec.RunID, storage.RunUpdate{
		Status:  &status,
		EndedAt: &endedAt,
		Metrics: logger.Metrics(),
	}); err != nil {
		slog.Warn("Run status not updated", "run_id", ec.RunID, "error", err)
	}
	if err := logger.WriteMetrics(); err != nil {
		slog.Warn("Run metrics not written", "run_id", ec.RunID, "error", err)
	}
	r.writeSummary(logger, ec, slug, status, startedAt, endedAt)

	if !result.Succeeded() {
		return result, fmt.Errorf("runner: run %s failed: %s", ec.RunID, result.Error)
	}
	return result, nil
}

// orchestrate decomposes, delegates and aggregates. Partial success is
// success; zero successes is terminal failure.
func (r *Runner) orchestrate(ctx context.Context, agent *catalog.Agent, payload map[string]any, ec execution.Context, plan *router.Plan, logger *RunLogger) *Result {
	tasks := r.decompose(ctx, payload, ec, logger)
	logger.SetMetric("task_count", len(tasks))

	results := make([]*Result, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallel)
	for i, task := range tasks {
		g.Go(func() error {
			d := Delegation{
				AgentSlug: taskTarget(task, agent),
				Task:      task,
				Context:   ec.Child(i, len(tasks)),
			}
			results[i] = r.InvokeSAG(gctx, d)
			return nil
		})
	}
	// Delegations never return errors; failures land in their result.
	_ = g.Wait()

	var successes []any
	for _, res := range results {
		if res.Succeeded() {
			successes = append(successes, res.Output)
		}
	}
	logger.SetMetric("successful_tasks", len(successes))

	if len(successes) == 0 {
		firstErr := "no delegations produced output"
		for _, res := range results {
			if res.Error != "" {
				firstErr = res.Error
				break
			}
		}
		return &Result{
			Status: StatusFailure,
			RunID:  ec.RunID,
			Error:  firstErr,
			Metrics: map[string]any{
				"task_count":       len(tasks),
				"successful_tasks": 0,
			},
		}
	}

	aggregate := r.aggregate(ctx, successes, ec, logger)
	envelope := map[string]any{
		"generated_by":     ec.AgentSlug,
		"run_id":           ec.RunID,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"version":          Version,
		"task_count":       len(tasks),
		"successful_tasks": len(successes),
		"output":           aggregate,
	}
	if plan != nil {
		envelope["provider"] = plan.Provider
		envelope["model"] = plan.Model
	}
	return &Result{
		Status: StatusSuccess,
		RunID:  ec.RunID,
		Output: envelope,
		Metrics: map[string]any{
			"task_count":       len(tasks),
			"successful_tasks": len(successes),
		},
	}
}

// decompose produces the delegation tasks. A missing or failing
// decomposition skill degrades to a single default delegation.
func (r *Runner) decompose(ctx context.Context, payload map[string]any, ec execution.Context, logger *RunLogger) []map[string]any {
	fallback := []map[string]any{payload}
	skill := r.skill(SkillTaskDecomposition)
	if skill == nil {
		return fallback
	}
	out, err := skill(ctx, payload, ec)
	if err != nil {
		logger.Event(ctx, "skill.failed", "warn", "task decomposition failed, using single delegation",
			map[string]any{"skill": SkillTaskDecomposition, "error": err.Error()})
		return fallback
	}
	tasks, ok := out.([]map[string]any)
	if !ok || len(tasks) == 0 {
		return fallback
	}
	return tasks
}

// aggregate merges successful outputs. A missing or failing aggregation
// skill degrades to the first successful output.
func (r *Runner) aggregate(ctx context.Context, successes []any, ec execution.Context, logger *RunLogger) any {
	skill := r.skill(SkillResultAggregation)
	if skill == nil {
		return successes[0]
	}
	out, err := skill(ctx, successes, ec)
	if err != nil {
		logger.Event(ctx, "skill.failed", "warn", "result aggregation failed, using first success",
			map[string]any{"skill": SkillResultAggregation, "error": err.Error()})
		return successes[0]
	}
	return out
}

// InvokeSAG runs one delegation with retries. Exhausted retries yield a
// failure result, never an error, so the parent keeps its partial results.
func (r *Runner) InvokeSAG(ctx context.Context, d Delegation) *Result {
	ec := d.Context
	if ec.RunID == "" {
		ec.RunID = uuid.NewString()
	}
	ec.AgentSlug = d.AgentSlug

	ctx, span := r.tracer.Start(ctx, "runner.invoke_sag",
		trace.WithAttributes(
			attribute.String("agent.slug", d.AgentSlug),
			attribute.String("run.id", ec.RunID),
			attribute.String("run.parent_id", ec.ParentRunID),
		))
	defer span.End()

	agent := r.catalog.Resolve(d.AgentSlug)
	if agent == nil {
		return &Result{Status: StatusFailure, RunID: ec.RunID,
			Error: fmt.Sprintf("unknown agent %q", d.AgentSlug)}
	}
	fn := r.entrypoint(agent.Entrypoint)
	if fn == nil {
		return &Result{Status: StatusFailure, RunID: ec.RunID,
			Error: fmt.Sprintf("no entrypoint registered for %q", agent.Entrypoint)}
	}

	plan := r.router.GetPlan(d.AgentSlug, nil)
	inv := Invocation{Agent: agent, Payload: d.Task, Context: ec, Plan: plan}

	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		out, err := fn(ctx, inv)
		if err == nil {
			return &Result{
				Status:  StatusSuccess,
				RunID:   ec.RunID,
				Output:  out,
				Metrics: map[string]any{"attempts": attempt},
			}
		}
		lastErr = err
		if !retryable(err) {
			return &Result{
				Status:  StatusFailure,
				RunID:   ec.RunID,
				Error:   err.Error(),
				Metrics: map[string]any{"attempts": attempt},
			}
		}
		if attempt == r.retry.MaxAttempts {
			break
		}
		slog.Debug("Delegation attempt failed, retrying",
			"agent", d.AgentSlug, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return &Result{Status: StatusFailure, RunID: ec.RunID,
				Error:   ctx.Err().Error(),
				Metrics: map[string]any{"attempts": attempt}}
		case <-time.After(r.retry.backoff(attempt)):
		}
	}
	return &Result{
		Status:  StatusFailure,
		RunID:   ec.RunID,
		Error:   lastErr.Error(),
		Metrics: map[string]any{"attempts": r.retry.MaxAttempts},
	}
}

// retryable reports whether a delegation error is worth another attempt.
// Policy denials, approval timeouts and cancellations are terminal; only
// transient failures burn retry budget.
func retryable(err error) bool {
	switch {
	case errors.Is(err, approval.ErrApprovalDenied),
		errors.Is(err, approval.ErrApprovalTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// RecordCost attributes one spend sample to a run.
func (r *Runner) RecordCost(ctx context.Context, ec execution.Context, rec *storage.CostRecord) error {
	if r.tracker == nil {
		return nil
	}
	rec.RunID = ec.RunID
	rec.Agent = ec.AgentSlug
	return r.tracker.RecordCost(ctx, rec)
}

func (r *Runner) captureMemory(ctx context.Context, ec execution.Context, key string, value any) {
	if r.memories == nil {
		return
	}
	err := r.memories.Capture(ctx, &storage.MemoryEntry{
		Scope:     storage.ScopeSession,
		AgentSlug: ec.AgentSlug,
		RunID:     ec.RunID,
		Key:       key,
		Value:     value,
	})
	if err != nil {
		slog.Warn("Run memory not captured", "run_id", ec.RunID, "key", key, "error", err)
	}
}

func (r *Runner) writeSummary(logger *RunLogger, ec execution.Context, slug string, status storage.RunStatus, startedAt, endedAt time.Time) {
	summary := map[string]any{
		"run_id":        ec.RunID,
		"agent_slug":    slug,
		"status":        string(status),
		"started_at":    startedAt.Format(time.RFC3339Nano),
		"ended_at":      endedAt.Format(time.RFC3339Nano),
		"metrics":       logger.Metrics(),
		"deterministic": false,
	}
	if r.determinism != nil {
		summary["deterministic"] = r.determinism.DeterministicMode()
		summary["environment_snapshot"] = r.determinism.SnapshotEnvironment()
	}
	if err := logger.WriteSummary(summary); err != nil {
		slog.Warn("Run summary not written", "run_id", ec.RunID, "error", err)
	}
}

// taskTarget picks the sub-agent for a task: an explicit "agent" key on the
// task, else the first declared sub-agent dependency, else the agent itself
// (self-execution for leaf MAGs).
func taskTarget(task map[string]any, agent *catalog.Agent) string {
	if slug, ok := task["agent"].(string); ok && slug != "" {
		return slug
	}
	if len(agent.DependsOn.SubAgents) > 0 {
		return agent.DependsOn.SubAgents[0]
	}
	return agent.Slug
}
