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

// Package router selects execution plans: declarative task-type routes on
// one side, an SLA-driven optimizer on the other.
package router

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/magsag/magsag/config"
)

// Route maps a task-type pattern to provider/model choices. Patterns are
// exact names or globs.
type Route struct {
	TaskType         string         `yaml:"task_type"`
	Provider         string         `yaml:"provider"`
	Model            string         `yaml:"model"`
	UseBatch         bool           `yaml:"use_batch"`
	UseCache         bool           `yaml:"use_cache"`
	StructuredOutput bool           `yaml:"structured_output"`
	Moderation       bool           `yaml:"moderation"`
	Priority         int            `yaml:"priority"`
	Metadata         map[string]any `yaml:"metadata"`
}

// RoutingPolicy is a named, ordered set of routes.
type RoutingPolicy struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Routes      []Route `yaml:"routes"`
}

// ParsePolicy decodes a routing policy document. Routes are sorted by
// descending priority; equal priorities keep declaration order.
func ParsePolicy(data []byte) (*RoutingPolicy, error) {
	expanded := config.ExpandEnv(string(data))
	var p RoutingPolicy
	if err := yaml.Unmarshal([]byte(expanded), &p); err != nil {
		return nil, fmt.Errorf("routing policy: %w", err)
	}
	for i, r := range p.Routes {
		if r.TaskType == "" {
			return nil, fmt.Errorf("routing policy: route %d missing task_type", i)
		}
	}
	sort.SliceStable(p.Routes, func(i, j int) bool {
		return p.Routes[i].Priority > p.Routes[j].Priority
	})
	return &p, nil
}

// LoadPolicy reads and parses a routing policy file.
func LoadPolicy(path string) (*RoutingPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routing policy: %w", err)
	}
	return ParsePolicy(data)
}
