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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/magsag/magsag/approval"
	"github.com/magsag/magsag/catalog"
	"github.com/magsag/magsag/cost"
	"github.com/magsag/magsag/determinism"
	"github.com/magsag/magsag/execution"
	"github.com/magsag/magsag/janitor"
	"github.com/magsag/magsag/memory"
	"github.com/magsag/magsag/router"
	"github.com/magsag/magsag/runner"
	"github.com/magsag/magsag/snapshot"
	"github.com/magsag/magsag/storage"
)

// RunCmd invokes a main agent from the catalog and prints the enveloped
// result.
type RunCmd struct {
	Agent       string `arg:"" help:"Slug of the main agent to invoke."`
	Payload     string `help:"Inline JSON payload." default:"{}"`
	PayloadFile string `name:"payload-file" help:"Path to a JSON payload file." type:"path"`
	Catalog     string `help:"Directory of agent catalog YAML files." default:"agents" type:"path"`
	Routes      string `help:"Path to the routing policy YAML file." type:"path"`

	Deterministic bool   `help:"Enable deterministic mode for this run."`
	Seed          *int64 `help:"Explicit deterministic seed."`
	MaxParallel   int    `name:"max-parallel" help:"Sub-agent fan-out limit." default:"4"`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx := context.Background()

	settings, store, err := cli.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	payload, err := c.loadPayload()
	if err != nil {
		return err
	}

	registry := catalog.NewRegistry()
	if err := registry.LoadDir(c.Catalog); err != nil {
		return fmt.Errorf("failed to load agent catalog: %w", err)
	}

	policy := &router.RoutingPolicy{}
	if c.Routes != "" {
		policy, err = router.LoadPolicy(c.Routes)
		if err != nil {
			return fmt.Errorf("failed to load routing policy: %w", err)
		}
	}

	tracker, err := cost.NewTracker(settings.CostLogPath(), store)
	if err != nil {
		return err
	}
	defer tracker.Close()
	cost.SetDefault(tracker)

	ctrl := determinism.Default()
	if c.Seed != nil {
		ctrl.SetSeed(*c.Seed)
	}
	ctrl.SetDeterministicMode(c.Deterministic || c.Seed != nil)

	memories, err := memory.NewStore(store)
	if err != nil {
		return err
	}

	r := runner.New(registry, router.New(policy), store,
		runner.WithSettings(settings),
		runner.WithCostTracker(tracker),
		runner.WithMemory(memories),
		runner.WithDeterminism(ctrl),
		runner.WithMaxParallel(c.MaxParallel),
	)
	r.RegisterEntrypoint("echo", echoEntrypoint)

	ec := execution.Context{Environment: settings.Environment}
	result, err := r.InvokeMAG(ctx, c.Agent, payload, ec)
	if err != nil {
		if result != nil {
			printJSON(result)
		}
		return err
	}
	return printJSON(result)
}

func (c *RunCmd) loadPayload() (map[string]any, error) {
	raw := []byte(c.Payload)
	if c.PayloadFile != "" {
		data, err := os.ReadFile(c.PayloadFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		raw = data
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return payload, nil
}

// echoEntrypoint is the built-in entrypoint for catalog agents that declare
// "echo". Embedding programs register their own entrypoints instead.
func echoEntrypoint(_ context.Context, inv runner.Invocation) (any, error) {
	return map[string]any{"echo": inv.Payload}, nil
}

// TicketsCmd groups the approval ticket subcommands.
type TicketsCmd struct {
	List    ListTicketsCmd   `cmd:"" help:"List approval tickets."`
	Approve ApproveTicketCmd `cmd:"" help:"Approve a pending ticket."`
	Deny    DenyTicketCmd    `cmd:"" help:"Deny a pending ticket."`
}

// ListTicketsCmd lists tickets with optional filters.
type ListTicketsCmd struct {
	Status string `help:"Filter by status (pending, approved, denied, expired)."`
	RunID  string `name:"run-id" help:"Filter by run."`
	Limit  int    `help:"Maximum number of tickets." default:"50"`
}

func (c *ListTicketsCmd) Run(cli *CLI) error {
	_, store, err := cli.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	gate := approval.NewGate(store)
	tickets, err := gate.List(context.Background(), storage.TicketFilter{
		Status: storage.TicketStatus(c.Status),
		RunID:  c.RunID,
		Limit:  c.Limit,
	})
	if err != nil {
		return err
	}
	views := make([]map[string]any, len(tickets))
	for i, t := range tickets {
		views[i] = approval.TicketView(t)
	}
	return printJSON(views)
}

// ApproveTicketCmd approves one pending ticket.
type ApproveTicketCmd struct {
	TicketID string `arg:"" help:"Ticket to approve."`
	By       string `help:"Identity recorded as the resolver." default:"cli"`
	Reason   string `help:"Decision reason."`
}

func (c *ApproveTicketCmd) Run(cli *CLI) error {
	_, store, err := cli.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	gate := approval.NewGate(store)
	ticket, err := gate.Approve(context.Background(), c.TicketID, c.By, c.Reason, nil)
	if err != nil {
		return err
	}
	return printJSON(approval.TicketView(ticket))
}

// DenyTicketCmd denies one pending ticket.
type DenyTicketCmd struct {
	TicketID string `arg:"" help:"Ticket to deny."`
	By       string `help:"Identity recorded as the resolver." default:"cli"`
	Reason   string `help:"Decision reason."`
}

func (c *DenyTicketCmd) Run(cli *CLI) error {
	_, store, err := cli.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	gate := approval.NewGate(store)
	ticket, err := gate.Deny(context.Background(), c.TicketID, c.By, c.Reason)
	if err != nil {
		return err
	}
	return printJSON(approval.TicketView(ticket))
}

// CostsCmd prints an aggregated cost summary.
type CostsCmd struct {
	Agent string `help:"Filter by agent slug."`
	RunID string `name:"run-id" help:"Filter by run."`
	Start string `help:"Window start (RFC3339)."`
	End   string `help:"Window end (RFC3339)."`
}

func (c *CostsCmd) Run(cli *CLI) error {
	_, store, err := cli.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	filter := storage.CostFilter{Agent: c.Agent, RunID: c.RunID}
	if c.Start != "" {
		t, err := time.Parse(time.RFC3339, c.Start)
		if err != nil {
			return fmt.Errorf("invalid start time: %w", err)
		}
		filter.StartTime = t
	}
	if c.End != "" {
		t, err := time.Parse(time.RFC3339, c.End)
		if err != nil {
			return fmt.Errorf("invalid end time: %w", err)
		}
		filter.EndTime = t
	}

	summary, err := store.SummarizeCosts(context.Background(), filter)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

// VacuumCmd runs the maintenance jobs once: expires stale tickets and
// deletes runs past the retention window.
type VacuumCmd struct {
	HotDays int  `name:"hot-days" help:"Retention window in calendar days." default:"30"`
	DryRun  bool `name:"dry-run" help:"Report what would be deleted without deleting."`
}

func (c *VacuumCmd) Run(cli *CLI) error {
	_, store, err := cli.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	j := janitor.New(&janitor.Config{HotDays: c.HotDays, DryRun: c.DryRun},
		approval.NewGate(store), store)
	result, err := j.RunOnce(context.Background())
	if err != nil {
		return err
	}
	return printJSON(result)
}

// ResumeCmd prints the checkpointed state a crashed run would restore from.
type ResumeCmd struct {
	RunID string `arg:"" help:"Run to inspect."`
	Step  string `help:"Resume from this step instead of the latest checkpoint."`
}

func (c *ResumeCmd) Run(cli *CLI) error {
	_, store, err := cli.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	durable := snapshot.NewDurableRunner(snapshot.NewStore(snapshot.NewStorageBackend(store)))
	state, err := durable.Resume(context.Background(), c.RunID, c.Step)
	if errors.Is(err, snapshot.ErrNoCheckpoint) {
		fmt.Printf("run %s has no checkpoints\n", c.RunID)
		return nil
	}
	if err != nil {
		return err
	}
	return printJSON(state)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
