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

// Package config provides runtime settings and environment utilities for the
// MAGSAG core. All runtime knobs live under the MAGSAG_ prefix; unknown
// variables are ignored.
package config

import (
	"os"
	"regexp"
	"strings"
)

// Environment references in YAML documents use shell-style syntax. The
// defaulted form must be rewritten first so its braces are consumed before
// the plainer patterns match inside it.
var (
	reDefaulted = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`) // ${VAR:-default}
	reBraced    = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)        // ${VAR}
	reBare      = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)            // $VAR
)

// ExpandEnv substitutes environment references in s, so policy and catalog
// documents can be checked in without concrete values. An unset variable
// with no default expands to the empty string.
func ExpandEnv(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = reDefaulted.ReplaceAllStringFunc(s, func(m string) string {
		parts := reDefaulted.FindStringSubmatch(m)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
	s = reBraced.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(reBraced.FindStringSubmatch(m)[1])
	})
	return reBare.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(reBare.FindStringSubmatch(m)[1])
	})
}
