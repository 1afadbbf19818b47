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

// Package execution carries per-invocation identity through the runtime.
//
// run_id, parent_run_id and step_id flow as an explicit value rather than
// through task-local storage so that ownership is clear and contexts never
// leak across goroutines.
package execution

import "maps"

// Context identifies a single agent invocation and its position in the
// delegation tree. The zero value is a valid empty context.
type Context struct {
	RunID       string `json:"run_id,omitempty"`
	ParentRunID string `json:"parent_run_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	AgentSlug   string `json:"agent_slug,omitempty"`

	// Delegation position within the parent's fan-out.
	TaskIndex  int `json:"task_index,omitempty"`
	TotalTasks int `json:"total_tasks,omitempty"`

	// HandoffID is set when the invocation was initiated by the handoff tool.
	HandoffID string `json:"handoff_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`

	// Environment is the ambient environment name (development, staging,
	// production) used by permission evaluation.
	Environment string `json:"environment,omitempty"`

	// Extra carries caller-provided values that have no dedicated field.
	Extra map[string]any `json:"extra,omitempty"`
}

// Child returns a copy of c suitable for a delegated invocation: the current
// run becomes the parent, and delegation position is set from the arguments.
func (c Context) Child(taskIndex, totalTasks int) Context {
	child := c
	child.ParentRunID = c.RunID
	child.RunID = ""
	child.StepID = ""
	child.TaskIndex = taskIndex
	child.TotalTasks = totalTasks
	child.Extra = maps.Clone(c.Extra)
	return child
}

// AsMap projects the context into a JSON-safe mapping for event payloads and
// permission rule matching.
func (c Context) AsMap() map[string]any {
	m := map[string]any{}
	for k, v := range c.Extra {
		m[k] = v
	}
	if c.RunID != "" {
		m["run_id"] = c.RunID
	}
	if c.ParentRunID != "" {
		m["parent_run_id"] = c.ParentRunID
	}
	if c.StepID != "" {
		m["step_id"] = c.StepID
	}
	if c.AgentSlug != "" {
		m["agent_slug"] = c.AgentSlug
	}
	if c.HandoffID != "" {
		m["handoff_id"] = c.HandoffID
	}
	if c.TraceID != "" {
		m["trace_id"] = c.TraceID
	}
	if c.Environment != "" {
		m["environment"] = c.Environment
	}
	if c.TotalTasks > 0 {
		m["task_index"] = c.TaskIndex
		m["total_tasks"] = c.TotalTasks
	}
	return m
}

// WithExtra returns a copy of c with key set in Extra.
func (c Context) WithExtra(key string, value any) Context {
	out := c
	out.Extra = maps.Clone(c.Extra)
	if out.Extra == nil {
		out.Extra = map[string]any{}
	}
	out.Extra[key] = value
	return out
}
