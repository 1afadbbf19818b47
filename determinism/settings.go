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
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/magsag/magsag/internal/canonjson"
)

// ApplyDeterministicSettings returns a deep copy of providerConfig. With
// determinism off the copy is returned unchanged. With it on, sampling is
// pinned: temperature zero, the resolved seed injected, top_p coerced to
// 1.0 when present, and the mode and seed stamped into metadata (a
// non-mapping metadata value is replaced with a fresh mapping).
func (c *Controller) ApplyDeterministicSettings(providerConfig map[string]any) map[string]any {
	out := deepCopy(providerConfig)
	if !c.DeterministicMode() {
		return out
	}
	if out == nil {
		out = make(map[string]any)
	}
	seed := c.Seed()
	out["temperature"] = 0.0
	out["seed"] = seed
	if _, ok := out["top_p"]; ok {
		out["top_p"] = 1.0
	}
	meta, ok := out["metadata"].(map[string]any)
	if !ok {
		meta = make(map[string]any)
	}
	meta["deterministic_mode"] = true
	meta["deterministic_seed"] = seed
	out["metadata"] = meta
	return out
}

// ComputeRunFingerprint hashes the run's identity inputs to a stable
// 16-character hex string. Key order in payload or config never changes the
// result.
func ComputeRunFingerprint(agentSlug string, payload, providerConfig map[string]any) (string, error) {
	data, err := canonjson.Marshal(map[string]any{
		"agent":   agentSlug,
		"payload": payload,
		"config":  providerConfig,
	})
	if err != nil {
		return "", fmt.Errorf("run fingerprint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	}
	return v
}
