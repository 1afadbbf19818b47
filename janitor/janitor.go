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

// Package janitor runs the background maintenance jobs: expiring stale
// approval tickets and vacuuming runs past the retention window. All jobs
// are idempotent and safe to run from multiple processes.
package janitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/magsag/magsag/approval"
	"github.com/magsag/magsag/storage"
)

// Config controls the maintenance schedules. Schedules use cron syntax,
// including the @every descriptors.
type Config struct {
	SweepSchedule  string `yaml:"sweep_schedule"`
	VacuumSchedule string `yaml:"vacuum_schedule"`
	HotDays        int    `yaml:"hot_days"`
	DryRun         bool   `yaml:"dry_run"`
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 1m"
	}
	if c.VacuumSchedule == "" {
		c.VacuumSchedule = "@daily"
	}
	if c.HotDays == 0 {
		c.HotDays = 30
	}
}

// Janitor owns the cron scheduler for the maintenance jobs.
type Janitor struct {
	config *Config
	gate   *approval.Gate
	store  storage.Storage
	cron   *cron.Cron
}

// New builds a janitor over the gate and store.
func New(cfg *Config, gate *approval.Gate, store storage.Storage) *Janitor {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()
	return &Janitor{
		config: cfg,
		gate:   gate,
		store:  store,
		cron:   cron.New(),
	}
}

// Start registers the jobs and launches the scheduler.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.config.SweepSchedule, j.sweepTickets); err != nil {
		return fmt.Errorf("janitor: sweep schedule: %w", err)
	}
	if _, err := j.cron.AddFunc(j.config.VacuumSchedule, j.vacuum); err != nil {
		return fmt.Errorf("janitor: vacuum schedule: %w", err)
	}
	j.cron.Start()
	slog.Info("Janitor started",
		"sweep_schedule", j.config.SweepSchedule,
		"vacuum_schedule", j.config.VacuumSchedule,
		"hot_days", j.config.HotDays)
	return nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	slog.Info("Janitor stopped")
}

// RunOnce executes both jobs immediately, outside the schedule. Used by the
// vacuum CLI command.
func (j *Janitor) RunOnce(ctx context.Context) (*storage.VacuumResult, error) {
	if _, err := j.gate.ExpireOldTickets(ctx); err != nil {
		return nil, err
	}
	return j.store.Vacuum(ctx, storage.VacuumOptions{
		HotDays: j.config.HotDays,
		DryRun:  j.config.DryRun,
	})
}

func (j *Janitor) sweepTickets() {
	if _, err := j.gate.ExpireOldTickets(context.Background()); err != nil {
		slog.Error("Janitor: ticket sweep failed", "error", err)
	}
}

func (j *Janitor) vacuum() {
	result, err := j.store.Vacuum(context.Background(), storage.VacuumOptions{
		HotDays: j.config.HotDays,
		DryRun:  j.config.DryRun,
	})
	if err != nil {
		slog.Error("Janitor: vacuum failed", "error", err)
		return
	}
	if result.RunsDeleted > 0 {
		slog.Info("Janitor: vacuumed old runs", "runs_deleted", result.RunsDeleted, "cutoff", result.Cutoff)
	}
}
