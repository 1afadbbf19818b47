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

package approval

import "strings"

// RedactedSentinel replaces values whose key names look sensitive.
const RedactedSentinel = "***REDACTED***"

// DefaultRedactionPatterns is the default set of key-name substrings whose
// values are masked in ticket views.
var DefaultRedactionPatterns = []string{
	"password",
	"token",
	"secret",
	"api_key",
	"authorization",
	"credential",
}

// MaskArgs returns a shallow redaction view of args: any key containing one
// of the patterns (case-insensitive) has its value replaced by the sentinel.
// The original mapping is never modified.
func MaskArgs(args map[string]any, patterns []string) map[string]any {
	if args == nil {
		return nil
	}
	if patterns == nil {
		patterns = DefaultRedactionPatterns
	}
	masked := make(map[string]any, len(args))
	for key, value := range args {
		if sensitiveKey(key, patterns) {
			masked[key] = RedactedSentinel
			continue
		}
		masked[key] = value
	}
	return masked
}

func sensitiveKey(key string, patterns []string) bool {
	lower := strings.ToLower(key)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
