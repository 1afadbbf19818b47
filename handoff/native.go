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

package handoff

import (
	"context"

	"github.com/invopop/jsonschema"

	"github.com/magsag/magsag/runner"
)

// nativeArgs is the public shape of a native handoff call, used only to
// derive the tool schema.
type nativeArgs struct {
	TargetAgent string         `json:"target_agent" jsonschema:"required,description=Slug of the agent receiving the work"`
	Task        string         `json:"task,omitempty" jsonschema:"description=Free-form task description"`
	Payload     map[string]any `json:"payload,omitempty" jsonschema:"description=Structured input for the target agent"`
}

// NativeAdapter runs handoffs on this runtime by delegating into the
// runner.
type NativeAdapter struct {
	runner *runner.Runner
}

// NewNativeAdapter creates the adapter.
func NewNativeAdapter(r *runner.Runner) *NativeAdapter {
	return &NativeAdapter{runner: r}
}

// Supports accepts the native platform and the empty default.
func (a *NativeAdapter) Supports(platform string) bool {
	return platform == "" || platform == PlatformMAGSAG
}

// Execute invokes the target agent as a fresh main-agent run whose context
// records the initiating run as parent and carries the handoff ID.
func (a *NativeAdapter) Execute(ctx context.Context, req *Request) (any, error) {
	ec := req.Context.Child(0, 1)
	ec.HandoffID = req.HandoffID

	result, err := a.runner.InvokeMAG(ctx, req.TargetAgent, req.Payload, ec)
	if err != nil {
		return nil, err
	}
	return result.Output, nil
}

// ToolSchema describes the handoff call for tool-using agents.
func (a *NativeAdapter) ToolSchema() *jsonschema.Schema {
	return jsonschema.Reflect(&nativeArgs{})
}

var _ Adapter = (*NativeAdapter)(nil)
