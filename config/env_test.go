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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("MAGSAG_TEST_SET", "value")
	t.Setenv("MAGSAG_TEST_EMPTY", "")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no references", "plain text", "plain text"},
		{"braced", "x=${MAGSAG_TEST_SET}", "x=value"},
		{"bare", "x=$MAGSAG_TEST_SET", "x=value"},
		{"default taken when unset", "x=${MAGSAG_TEST_MISSING:-fallback}", "x=fallback"},
		{"default taken when empty", "x=${MAGSAG_TEST_EMPTY:-fallback}", "x=fallback"},
		{"default ignored when set", "x=${MAGSAG_TEST_SET:-fallback}", "x=value"},
		{"unset without default", "x=${MAGSAG_TEST_MISSING}", "x="},
		{"mixed forms", "${MAGSAG_TEST_SET}/$MAGSAG_TEST_SET/${MAGSAG_TEST_MISSING:-d}", "value/value/d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandEnv(tt.in))
		})
	}
}
