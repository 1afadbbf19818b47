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

package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Environment variable names consumed by the runtime. Anything outside this
// set under the MAGSAG_ prefix is ignored.
const (
	EnvDeterministicSeed = "MAGSAG_DETERMINISTIC_SEED"
	EnvProvider          = "MAGSAG_PROVIDER"
	EnvModel             = "MAGSAG_MODEL"
	EnvEnvironment       = "MAGSAG_ENVIRONMENT"
	EnvBaseDir           = "MAGSAG_BASE_DIR"
	EnvEnableMCP         = "MAGSAG_ENABLE_MCP"
	EnvLogLevel          = "MAGSAG_LOG_LEVEL"
)

// DefaultBaseDir is the on-disk root for run artifacts when MAGSAG_BASE_DIR
// is unset.
const DefaultBaseDir = ".runs"

// Settings is the ambient runtime configuration, resolved once from the
// process environment.
type Settings struct {
	// Environment is the deployment environment used by permission
	// evaluation (development, staging, production).
	Environment string

	// BaseDir is the root directory for run artifacts, cost logs and state
	// databases.
	BaseDir string

	// Provider and Model override the router's selected plan when set.
	Provider string
	Model    string

	// EnableMCP is parsed and exposed but gates nothing in-core; remote
	// tool-server protocols are consumed behind adapters.
	EnableMCP bool

	LogLevel string
}

// FromEnv resolves Settings from the process environment.
func FromEnv() Settings {
	s := Settings{
		Environment: os.Getenv(EnvEnvironment),
		BaseDir:     os.Getenv(EnvBaseDir),
		Provider:    os.Getenv(EnvProvider),
		Model:       os.Getenv(EnvModel),
		LogLevel:    os.Getenv(EnvLogLevel),
	}
	if s.Environment == "" {
		s.Environment = "development"
	}
	if s.BaseDir == "" {
		s.BaseDir = DefaultBaseDir
	}
	if v := os.Getenv(EnvEnableMCP); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.EnableMCP = b
		}
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	return s
}

// AgentRunDir returns the per-run artifact directory for runID.
func (s Settings) AgentRunDir(runID string) string {
	return filepath.Join(s.BaseDir, "agents", runID)
}

// CostLogPath returns the append-only cost audit log path.
func (s Settings) CostLogPath() string {
	return filepath.Join(s.BaseDir, "costs", "costs.jsonl")
}

// StateDBPath returns the relational state database path.
func (s Settings) StateDBPath() string {
	return filepath.Join(s.BaseDir, "state.db")
}
