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

// Package permission evaluates the declarative tool-permission policy.
// Policies are YAML documents validated at load time; unknown permission
// literals are rejected before any evaluation happens.
package permission

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/magsag/magsag/config"
)

// Permission is the decision for a tool or handoff request.
type Permission string

const (
	Always          Permission = "ALWAYS"
	RequireApproval Permission = "REQUIRE_APPROVAL"
	Never           Permission = "NEVER"
)

// ParsePermission validates a permission literal.
func ParsePermission(s string) (Permission, error) {
	switch Permission(s) {
	case Always, RequireApproval, Never:
		return Permission(s), nil
	}
	return "", fmt.Errorf("invalid permission %q (expected ALWAYS, REQUIRE_APPROVAL or NEVER)", s)
}

// ToolRule is an exact per-tool permission.
type ToolRule struct {
	Permission Permission `yaml:"permission"`
}

// Category groups tools by glob patterns under one permission.
type Category struct {
	Name       string     `yaml:"-"`
	Tools      []string   `yaml:"tools"`
	Permission Permission `yaml:"permission"`
}

// Condition is the matching part of a context rule. Every present
// sub-condition must match for the rule to apply.
type Condition struct {
	Tool         string         `yaml:"tool,omitempty"`
	ToolPattern  string         `yaml:"tool_pattern,omitempty"`
	ArgsMatch    map[string]any `yaml:"args_match,omitempty"`
	ContextMatch map[string]any `yaml:"context_match,omitempty"`
}

// ContextRule maps a condition to a permission. Rules are evaluated in
// declaration order, first match wins.
type ContextRule struct {
	Name       string     `yaml:"name,omitempty"`
	Condition  Condition  `yaml:"condition"`
	Permission Permission `yaml:"permission"`
}

// Environment overrides permissions for one deployment environment.
type Environment struct {
	DefaultPermission Permission            `yaml:"default_permission,omitempty"`
	Tools             map[string]Permission `yaml:"tools,omitempty"`
}

// Policy is the full declarative permission policy.
type Policy struct {
	DefaultPermission Permission             `yaml:"default_permission"`
	Tools             map[string]ToolRule    `yaml:"tools,omitempty"`
	Categories        []Category             `yaml:"-"`
	ContextRules      []ContextRule          `yaml:"context_rules,omitempty"`
	DangerousPatterns []string               `yaml:"dangerous_patterns,omitempty"`
	Environments      map[string]Environment `yaml:"environments,omitempty"`
}

// rawPolicy keeps categories as a yaml.Node so declaration order survives
// decoding (Go maps would shuffle it).
type rawPolicy struct {
	DefaultPermission string                 `yaml:"default_permission"`
	Tools             map[string]ToolRule    `yaml:"tools"`
	Categories        yaml.Node              `yaml:"categories"`
	ContextRules      []ContextRule          `yaml:"context_rules"`
	DangerousPatterns []string               `yaml:"dangerous_patterns"`
	Environments      map[string]Environment `yaml:"environments"`
}

// LoadPolicy reads and validates a policy file. Environment variable
// references in the document are expanded before parsing.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy([]byte(config.ExpandEnv(string(data))))
}

// ParsePolicy parses and validates a policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var raw rawPolicy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	p := &Policy{
		Tools:             raw.Tools,
		ContextRules:      raw.ContextRules,
		DangerousPatterns: raw.DangerousPatterns,
		Environments:      raw.Environments,
	}

	if raw.DefaultPermission == "" {
		raw.DefaultPermission = string(RequireApproval)
	}
	perm, err := ParsePermission(raw.DefaultPermission)
	if err != nil {
		return nil, fmt.Errorf("default_permission: %w", err)
	}
	p.DefaultPermission = perm

	if raw.Categories.Kind == yaml.MappingNode {
		// Mapping node content alternates key, value; walking it pairwise
		// preserves declaration order.
		for i := 0; i+1 < len(raw.Categories.Content); i += 2 {
			var cat Category
			if err := raw.Categories.Content[i+1].Decode(&cat); err != nil {
				return nil, fmt.Errorf("category %s: %w", raw.Categories.Content[i].Value, err)
			}
			cat.Name = raw.Categories.Content[i].Value
			p.Categories = append(p.Categories, cat)
		}
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) validate() error {
	for name, rule := range p.Tools {
		if _, err := ParsePermission(string(rule.Permission)); err != nil {
			return fmt.Errorf("tools.%s: %w", name, err)
		}
	}
	for _, cat := range p.Categories {
		if _, err := ParsePermission(string(cat.Permission)); err != nil {
			return fmt.Errorf("categories.%s: %w", cat.Name, err)
		}
	}
	for i, rule := range p.ContextRules {
		if _, err := ParsePermission(string(rule.Permission)); err != nil {
			name := rule.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return fmt.Errorf("context_rules.%s: %w", name, err)
		}
	}
	for env, e := range p.Environments {
		if e.DefaultPermission != "" {
			if _, err := ParsePermission(string(e.DefaultPermission)); err != nil {
				return fmt.Errorf("environments.%s.default_permission: %w", env, err)
			}
		}
		for tool, perm := range e.Tools {
			if _, err := ParsePermission(string(perm)); err != nil {
				return fmt.Errorf("environments.%s.tools.%s: %w", env, tool, err)
			}
		}
	}
	return nil
}
