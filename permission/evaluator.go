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

package permission

import (
	"encoding/json"
	"path"
	"sort"
	"sync"
)

// Query carries what the evaluator needs to decide one tool request.
type Query struct {
	ToolName string
	Args     map[string]any
	Context  map[string]any
	// Environment selects the environment override block (development,
	// staging, production). Empty means no environment override applies.
	Environment string
}

// Evaluator answers permission queries against a policy. It is safe for
// concurrent use; Reload swaps the policy atomically.
type Evaluator struct {
	mu     sync.RWMutex
	policy *Policy
}

// NewEvaluator creates an evaluator over policy.
func NewEvaluator(policy *Policy) *Evaluator {
	return &Evaluator{policy: policy}
}

// Reload replaces the active policy.
func (e *Evaluator) Reload(policy *Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = policy
}

// Policy returns the active policy.
func (e *Evaluator) Policy() *Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Evaluate resolves a query, first match wins:
//
//  1. exact tool rule
//  2. context rules, in declaration order
//  3. dangerous patterns (gate behind approval)
//  4. first matching category
//  5. environment override (exact tool, then glob, then env default)
//  6. policy default
//
// All match operators are case-sensitive.
func (e *Evaluator) Evaluate(q Query) Permission {
	e.mu.RLock()
	p := e.policy
	e.mu.RUnlock()

	// 1. Exact tool rule
	if rule, ok := p.Tools[q.ToolName]; ok {
		return rule.Permission
	}

	// 2. Context rules
	for _, rule := range p.ContextRules {
		if rule.Condition.matches(q) {
			return rule.Permission
		}
	}

	// 3. Dangerous patterns
	for _, pattern := range p.DangerousPatterns {
		if globMatch(pattern, q.ToolName) {
			return RequireApproval
		}
	}

	// 4. Categories, declaration order
	for _, cat := range p.Categories {
		for _, pattern := range cat.Tools {
			if globMatch(pattern, q.ToolName) {
				return cat.Permission
			}
		}
	}

	// 5. Environment override
	if env, ok := p.Environments[q.Environment]; ok {
		if perm, ok := env.Tools[q.ToolName]; ok {
			return perm
		}
		patterns := make([]string, 0, len(env.Tools))
		for pattern := range env.Tools {
			patterns = append(patterns, pattern)
		}
		sort.Strings(patterns)
		for _, pattern := range patterns {
			if pattern != q.ToolName && globMatch(pattern, q.ToolName) {
				return env.Tools[pattern]
			}
		}
		if env.DefaultPermission != "" {
			return env.DefaultPermission
		}
	}

	// 6. Policy default
	return p.DefaultPermission
}

func (c Condition) matches(q Query) bool {
	if c.Tool != "" && c.Tool != q.ToolName {
		return false
	}
	if c.ToolPattern != "" && !globMatch(c.ToolPattern, q.ToolName) {
		return false
	}
	if !valuesMatch(c.ArgsMatch, q.Args) {
		return false
	}
	return valuesMatch(c.ContextMatch, q.Context)
}

// valuesMatch checks every expected key against actual. Expected string
// values match literally or as globs; object values support the numeric
// comparators less_than and greater_than.
func valuesMatch(expected map[string]any, actual map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok {
			return false
		}
		switch w := want.(type) {
		case string:
			s, ok := got.(string)
			if !ok {
				return false
			}
			if w != s && !globMatch(w, s) {
				return false
			}
		case map[string]any:
			if !numericMatch(w, got) {
				return false
			}
		default:
			if !literalEqual(want, got) {
				return false
			}
		}
	}
	return true
}

func numericMatch(comparators map[string]any, got any) bool {
	val, ok := toFloat(got)
	if !ok {
		return false
	}
	for op, bound := range comparators {
		b, ok := toFloat(bound)
		if !ok {
			return false
		}
		switch op {
		case "less_than":
			if !(val < b) {
				return false
			}
		case "greater_than":
			if !(val > b) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func literalEqual(want, got any) bool {
	if want == got {
		return true
	}
	// Numeric literals from YAML and JSON arrive as different types.
	wf, wok := toFloat(want)
	gf, gok := toFloat(got)
	return wok && gok && wf == gf
}

// globMatch is path.Match with invalid patterns treated as non-matching.
func globMatch(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
