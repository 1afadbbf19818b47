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

package runner

import (
	"context"
	"time"

	"github.com/magsag/magsag/catalog"
	"github.com/magsag/magsag/execution"
	"github.com/magsag/magsag/router"
)

// Well-known skill names consulted during orchestration.
const (
	SkillTaskDecomposition = "task-decomposition"
	SkillResultAggregation = "result-aggregation"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Invocation is everything an entrypoint receives for one run.
type Invocation struct {
	Agent   *catalog.Agent
	Payload map[string]any
	Context execution.Context
	Plan    *router.Plan
}

// Entrypoint executes one agent. Registered by name and referenced from
// catalog documents.
type Entrypoint func(ctx context.Context, inv Invocation) (any, error)

// Skill is a reusable capability invoked by the orchestration loop.
type Skill func(ctx context.Context, input any, ec execution.Context) (any, error)

// Delegation hands one task to a sub-agent within a parent run.
type Delegation struct {
	AgentSlug string
	Task      map[string]any
	Context   execution.Context
}

// Result is the outcome of one agent invocation. A failed SAG yields a
// failure result rather than an error so the parent can aggregate partial
// successes.
type Result struct {
	Status  string         `json:"status"`
	RunID   string         `json:"run_id"`
	Output  any            `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Succeeded reports whether the invocation completed.
func (r *Result) Succeeded() bool { return r.Status == StatusSuccess }

// RetryPolicy bounds SAG retries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy retries twice with doubling backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		Multiplier:     2,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	return d
}
