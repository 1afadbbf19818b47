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

// Command magsag is the CLI for the MAGSAG orchestration runtime.
//
// Usage:
//
//	magsag serve --port 8080
//	magsag run research-mag --payload '{"query":"golang"}'
//	magsag tickets list --status pending
//	magsag tickets approve <ticket-id> --by operator
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/magsag/magsag/config"
	"github.com/magsag/magsag/storage"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the approval and observability server."`
	Run     RunCmd     `cmd:"" help:"Invoke a main agent."`
	Tickets TicketsCmd `cmd:"" help:"Inspect and resolve approval tickets."`
	Costs   CostsCmd   `cmd:"" help:"Summarize recorded LLM spend."`
	Vacuum  VacuumCmd  `cmd:"" help:"Expire stale tickets and delete runs past retention."`
	Resume  ResumeCmd  `cmd:"" help:"Show the checkpointed state of a run."`

	BaseDir  string `help:"Root directory for run artifacts and state (default: $MAGSAG_BASE_DIR or .runs)." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)."`
}

// settings resolves runtime settings with CLI flag overrides applied.
func (c *CLI) settings() config.Settings {
	s := config.FromEnv()
	if c.BaseDir != "" {
		s.BaseDir = c.BaseDir
	}
	if c.LogLevel != "" {
		s.LogLevel = c.LogLevel
	}
	return s
}

// openStore opens the state database under the resolved base directory.
func (c *CLI) openStore() (config.Settings, storage.Storage, error) {
	s := c.settings()
	store, err := storage.OpenSQLite(s.StateDBPath())
	if err != nil {
		return s, nil, fmt.Errorf("failed to open state database: %w", err)
	}
	return s, store, nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("magsag version %s\n", version)
	return nil
}

func initLogger(level string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func main() {
	_ = config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("magsag"),
		kong.Description("MAGSAG - main-agent/sub-agent orchestration runtime"),
		kong.UsageOnError(),
	)

	if err := initLogger(cli.settings().LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
