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

package determinism

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// EnvironmentSnapshot captures the determinism-relevant environment at a
// point in time, embedded in run summaries for later replay.
type EnvironmentSnapshot struct {
	Timestamp         time.Time         `json:"timestamp" mapstructure:"-"`
	DeterministicMode bool              `json:"deterministic_mode" mapstructure:"deterministic_mode"`
	Seed              int64             `json:"seed" mapstructure:"seed"`
	EnvVars           map[string]string `json:"env_vars" mapstructure:"env_vars"`
}

// ReplayContext is the restored state handed to a replayed run.
type ReplayContext struct {
	DeterministicMode bool           `json:"deterministic_mode"`
	Seed              int64          `json:"seed,omitempty"`
	ReplayedAt        time.Time      `json:"replayed_at"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// SnapshotEnvironment captures the current determinism state. The seed is
// only resolved (and therefore cached) when determinism is on; a
// non-deterministic snapshot records a zero seed.
func (c *Controller) SnapshotEnvironment() *EnvironmentSnapshot {
	snap := &EnvironmentSnapshot{
		Timestamp:         c.now().UTC(),
		DeterministicMode: c.DeterministicMode(),
		EnvVars:           namespaceEnv(),
	}
	if snap.DeterministicMode {
		snap.Seed = c.Seed()
	}
	return snap
}

// CreateReplayContext restores determinism state from a snapshot document.
// The document is either a raw environment snapshot or a run summary with a
// nested environment_snapshot mapping. A non-deterministic snapshot
// disables determinism AND clears the cached seed, so a later seed query
// resolves fresh instead of replaying a stale value.
func (c *Controller) CreateReplayContext(doc map[string]any, extra map[string]any) (*ReplayContext, error) {
	if doc == nil {
		return nil, fmt.Errorf("replay: nil snapshot")
	}
	if nested, ok := doc["environment_snapshot"].(map[string]any); ok {
		doc = nested
	}

	var snap EnvironmentSnapshot
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &snap,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("replay: decode snapshot: %w", err)
	}

	if snap.DeterministicMode {
		c.SetSeed(snap.Seed)
		c.SetDeterministicMode(true)
	} else {
		c.SetDeterministicMode(false)
		c.clearSeed()
	}

	return &ReplayContext{
		DeterministicMode: snap.DeterministicMode,
		Seed:              snap.Seed,
		ReplayedAt:        c.now().UTC(),
		Extra:             extra,
	}, nil
}

// namespaceEnv collects the runtime's own environment variables.
func namespaceEnv() map[string]string {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "MAGSAG_") {
			continue
		}
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return vars
}
