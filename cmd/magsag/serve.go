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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/magsag/magsag/approval"
	"github.com/magsag/magsag/janitor"
	"github.com/magsag/magsag/observability"
	"github.com/magsag/magsag/server"
)

// ServeCmd starts the HTTP server together with the background janitor.
type ServeCmd struct {
	Host string `help:"Address to bind." default:"127.0.0.1"`
	Port int    `help:"Port to listen on." default:"8080"`

	// Janitor options
	SweepSchedule  string `name:"sweep-schedule" help:"Cron schedule for the ticket expiry sweep." default:"@every 1m"`
	VacuumSchedule string `name:"vacuum-schedule" help:"Cron schedule for retention vacuum." default:"@daily"`
	HotDays        int    `name:"hot-days" help:"Retention window in calendar days." default:"30"`

	// Observability options
	Observe      bool   `help:"Enable OTLP tracing."`
	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC collector endpoint." default:"localhost:4317"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	_, store, err := cli.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if c.Observe {
		tracer, err := observability.NewTracer(ctx, &observability.TracingConfig{
			Enabled:  true,
			Exporter: "otlp",
			Endpoint: c.OTLPEndpoint,
			Insecure: true,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = tracer.Shutdown(shutdownCtx)
		}()
	}

	gate := approval.NewGate(store)

	j := janitor.New(&janitor.Config{
		SweepSchedule:  c.SweepSchedule,
		VacuumSchedule: c.VacuumSchedule,
		HotDays:        c.HotDays,
	}, gate, store)
	if err := j.Start(); err != nil {
		return err
	}
	defer j.Stop()

	metrics := observability.NewMetrics()
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", c.Host, c.Port),
		Handler:           server.New(gate, store, metrics).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("magsag server ready on http://%s\n", srv.Addr)
	fmt.Printf("   Tickets:  http://%s/v1/tickets\n", srv.Addr)
	fmt.Printf("   Stream:   http://%s/v1/tickets/stream\n", srv.Addr)
	fmt.Printf("   Metrics:  http://%s/metrics\n", srv.Addr)
	fmt.Println("\nPress Ctrl+C to stop")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
