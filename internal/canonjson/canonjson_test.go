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

package canonjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysRecursively(t *testing.T) {
	out, err := Marshal(map[string]any{
		"b": map[string]any{"z": 1, "a": 2},
		"a": []any{"x"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x"],"b":{"a":2,"z":1}}`, string(out))
}

func TestMarshalEscapesNonASCII(t *testing.T) {
	out, err := Marshal(map[string]any{"msg": "héllo ✓"})
	require.NoError(t, err)
	assert.Equal(t, `{"msg":"h\u00e9llo \u2713"}`, string(out))
}

func TestMarshalSurrogatePair(t *testing.T) {
	out, err := Marshal("🙂")
	require.NoError(t, err)
	assert.Equal(t, `"\ud83d\ude42"`, string(out))
}

func TestHashStableUnderKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": map[string]any{"c": true, "d": "x"}})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"b": map[string]any{"d": "x", "c": true}, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestFingerprintLength(t *testing.T) {
	fp, err := Fingerprint(map[string]any{"k": "v"}, 16)
	require.NoError(t, err)
	assert.Len(t, fp, 16)
}

func TestMarshalStructNormalizes(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	out, err := Marshal(payload{Name: "x", Count: 3})
	require.NoError(t, err)
	assert.Equal(t, `{"count":3,"name":"x"}`, string(out))
}

func TestMarshalRejectsUnserializable(t *testing.T) {
	_, err := Marshal(make(chan int))
	assert.Error(t, err)
}
