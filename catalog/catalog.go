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

// Package catalog loads agent definitions from YAML documents and resolves
// them by slug.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/magsag/magsag/config"
)

// Agent roles.
const (
	RoleMain = "main"
	RoleSub  = "sub"
)

// Dependencies names what an agent delegates to.
type Dependencies struct {
	SubAgents []string `yaml:"sub_agents"`
	Skills    []string `yaml:"skills"`
}

// Contracts points at the agent's I/O schemas.
type Contracts struct {
	InputSchema  string `yaml:"input_schema"`
	OutputSchema string `yaml:"output_schema"`
}

// Budgets bounds an agent's resource spend per run.
type Budgets struct {
	MaxCostUSD   float64 `yaml:"max_cost_usd"`
	MaxLatencyMS float64 `yaml:"max_latency_ms"`
	MaxTokens    int     `yaml:"max_tokens"`
}

// Agent is one catalog document.
type Agent struct {
	Slug          string         `yaml:"slug"`
	Role          string         `yaml:"role"`
	Description   string         `yaml:"description"`
	Entrypoint    string         `yaml:"entrypoint"`
	DependsOn     Dependencies   `yaml:"depends_on"`
	Contracts     Contracts      `yaml:"contracts"`
	RiskClass     string         `yaml:"risk_class"`
	Budgets       Budgets        `yaml:"budgets"`
	Observability map[string]any `yaml:"observability"`
	Evaluation    map[string]any `yaml:"evaluation"`
}

func (a *Agent) validate() error {
	if a.Slug == "" {
		return fmt.Errorf("agent missing slug")
	}
	switch a.Role {
	case RoleMain, RoleSub:
	default:
		return fmt.Errorf("agent %s: role must be %s or %s, got %q",
			a.Slug, RoleMain, RoleSub, a.Role)
	}
	if a.Entrypoint == "" {
		return fmt.Errorf("agent %s: missing entrypoint", a.Slug)
	}
	return nil
}

// Registry resolves agents by slug. Safe for concurrent readers.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register validates and adds one agent. Duplicate slugs are rejected.
func (r *Registry) Register(agent *Agent) error {
	if err := agent.validate(); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.Slug]; exists {
		return fmt.Errorf("catalog: duplicate agent slug %q", agent.Slug)
	}
	r.agents[agent.Slug] = agent
	return nil
}

// Resolve returns the agent for a slug, nil when unknown.
func (r *Registry) Resolve(slug string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[slug]
}

// Slugs returns all registered slugs, sorted.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slugs := make([]string, 0, len(r.agents))
	for slug := range r.agents {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// LoadDir reads every .yaml/.yml document under dir into the registry.
// Environment references in the documents are expanded before decoding.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("catalog: read dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := r.LoadFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile reads one agent document into the registry.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	expanded := config.ExpandEnv(string(data))
	var agent Agent
	if err := yaml.Unmarshal([]byte(expanded), &agent); err != nil {
		return fmt.Errorf("catalog: %s: %w", path, err)
	}
	if err := r.Register(&agent); err != nil {
		return fmt.Errorf("%w (from %s)", err, path)
	}
	return nil
}
