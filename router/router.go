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

package router

import (
	"os"
	"path"

	magsagconfig "github.com/magsag/magsag/config"
)

// Plan is the materialized routing decision for one task. Its metadata is a
// copy; mutating it never touches the policy's routes.
type Plan struct {
	TaskType         string         `json:"task_type"`
	Provider         string         `json:"provider"`
	Model            string         `json:"model"`
	UseBatch         bool           `json:"use_batch"`
	UseCache         bool           `json:"use_cache"`
	StructuredOutput bool           `json:"structured_output"`
	Moderation       bool           `json:"moderation"`
	Priority         int            `json:"priority"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Overrides are caller-supplied plan adjustments. They take precedence over
// environment overrides; nil fields leave the route's value in place.
type Overrides struct {
	Provider string
	Model    string
	UseBatch *bool
	UseCache *bool
}

// Router resolves task types against a routing policy.
type Router struct {
	policy *RoutingPolicy
}

// New creates a router over policy.
func New(policy *RoutingPolicy) *Router {
	return &Router{policy: policy}
}

// GetPlan resolves a task type to a plan, nil when no route matches.
// An exact task-type match always beats a glob match; within each class the
// highest-priority route wins (declaration order breaks ties). Environment
// variables MAGSAG_PROVIDER and MAGSAG_MODEL override the route's provider
// and model; explicit overrides beat both.
func (r *Router) GetPlan(taskType string, overrides *Overrides) *Plan {
	route := r.match(taskType)
	if route == nil {
		return nil
	}

	plan := &Plan{
		TaskType:         taskType,
		Provider:         route.Provider,
		Model:            route.Model,
		UseBatch:         route.UseBatch,
		UseCache:         route.UseCache,
		StructuredOutput: route.StructuredOutput,
		Moderation:       route.Moderation,
		Priority:         route.Priority,
		Metadata:         copyMap(route.Metadata),
	}

	if env := os.Getenv(magsagconfig.EnvProvider); env != "" {
		plan.Provider = env
	}
	if env := os.Getenv(magsagconfig.EnvModel); env != "" {
		plan.Model = env
	}

	if overrides != nil {
		if overrides.Provider != "" {
			plan.Provider = overrides.Provider
		}
		if overrides.Model != "" {
			plan.Model = overrides.Model
		}
		if overrides.UseBatch != nil {
			plan.UseBatch = *overrides.UseBatch
		}
		if overrides.UseCache != nil {
			plan.UseCache = *overrides.UseCache
		}
	}
	return plan
}

// match returns the winning route for a task type. Routes are already
// priority-sorted, so the first hit in each class wins.
func (r *Router) match(taskType string) *Route {
	for i := range r.policy.Routes {
		if r.policy.Routes[i].TaskType == taskType {
			return &r.policy.Routes[i]
		}
	}
	for i := range r.policy.Routes {
		if ok, err := path.Match(r.policy.Routes[i].TaskType, taskType); err == nil && ok {
			return &r.policy.Routes[i]
		}
	}
	return nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}
