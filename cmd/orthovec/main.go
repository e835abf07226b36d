// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package main is the entry point for the Orthovec binary.
//
// One binary runs any subset of the pipeline roles, selected by the
// Enabled flags in the configuration:
//
//   - registry + vector APIs: the HTTP surfaces over the tile registry
//     and the vector tables
//   - scheduler: drains READY_FOR_INDEXING tiles onto the bus, plus the
//     optional TTL sweeper
//   - worker: consumes index requests, decodes pixels, embeds, and
//     writes vector rows
//   - retriever: the text-to-tile search endpoint
//
// # Application Architecture
//
// Startup order:
//
//  1. Configuration: defaults, optional YAML file, ORTHOVEC_* env vars
//  2. Logging: zerolog, shared by every component
//  3. Stores: DuckDB tile registry and per-table vector databases
//  4. Bus: embedded NATS JetStream broker (single-node) or an external
//     cluster, with streams provisioned for every routed queue
//  5. Supervision: all long-running services under one suture tree
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the root context. Workers drain in-flight
// batches, the HTTP server finishes open requests, and the embedded
// broker shuts down last.
package main

import (
	"context"
	"errors"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/orthovec/orthovec/internal/api"
	"github.com/orthovec/orthovec/internal/bus"
	"github.com/orthovec/orthovec/internal/config"
	"github.com/orthovec/orthovec/internal/logging"
	"github.com/orthovec/orthovec/internal/registry"
	"github.com/orthovec/orthovec/internal/retriever"
	"github.com/orthovec/orthovec/internal/scheduler"
	"github.com/orthovec/orthovec/internal/supervisor"
	"github.com/orthovec/orthovec/internal/vectorindex"
	"github.com/orthovec/orthovec/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file (overrides ORTHOVEC_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Bool("scheduler", cfg.Scheduler.Enabled).
		Bool("worker", cfg.Worker.Enabled).
		Bool("retriever", cfg.Retriever.Enabled).
		Str("registry_path", cfg.Registry.Path).
		Str("vector_dir", cfg.Vector.Dir).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores. The registry is shared by the API, the scheduler, and the
	// worker; the vector store by the API, the worker, the sweeper, and
	// the retriever.
	reg, err := registry.Open(cfg.Registry.Path, cfg.Registry.Table)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open tile registry")
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing tile registry")
		}
	}()

	store, err := vectorindex.NewStore(cfg.Vector.Dir)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open vector store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing vector store")
		}
	}()
	// A table whose stored dimension or dtype no longer matches the
	// configuration must stop the process here, not fail tiles mid-run.
	if err := store.VerifyTables(cfg.Vector.Dim, cfg.Vector.Dtype); err != nil {
		logging.Fatal().Err(err).Msg("Vector table schema check failed")
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	// The bus only exists when something publishes or consumes.
	busURL := cfg.Bus.URL
	needBus := cfg.Scheduler.Enabled || cfg.Worker.Enabled
	var embedded *bus.EmbeddedServer
	if needBus && cfg.Bus.EmbeddedServer {
		host, port := splitBusAddr(cfg.Bus.URL)
		embedded, err = bus.NewEmbeddedServer(bus.EmbeddedServerConfig{
			Host:     host,
			Port:     port,
			StoreDir: cfg.Bus.StoreDir,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded bus server")
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("Error shutting down embedded bus server")
			}
		}()
		busURL = embedded.ClientURL()
		logging.Info().Str("url", busURL).Msg("Embedded bus server started")
	}

	var sched *scheduler.Scheduler
	var pub *bus.NatsPublisher
	if cfg.Scheduler.Enabled {
		pub, err = bus.NewPublisher(bus.PublisherConfig{
			URL:            busURL,
			ConnectTimeout: cfg.Bus.ConnectTimeout,
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			BreakerEnabled: cfg.Bus.BreakerEnabled,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect bus publisher")
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing bus publisher")
			}
		}()

		sched, err = scheduler.New(reg, pub, cfg.Scheduler, cfg.Worker.EmbedderBackend)
		if err != nil {
			logging.Fatal().Err(err).Msg("Invalid scheduler routing")
		}
	}

	if needBus {
		if err := provisionStreams(ctx, cfg, busURL, sched); err != nil {
			logging.Fatal().Err(err).Msg("Failed to provision bus streams")
		}
	}

	if sched != nil {
		tree.AddPipelineService(sched)
		logging.Info().
			Dur("interval", cfg.Scheduler.Interval).
			Int("batch_size", cfg.Scheduler.BatchSize).
			Msg("Scheduler added to supervisor tree")
	}

	if cfg.Scheduler.TTLEnabled {
		tree.AddPipelineService(scheduler.NewTTLSweeper(reg, store, cfg.Scheduler))
		logging.Info().Dur("ttl", cfg.Scheduler.TTL).Msg("TTL sweeper added to supervisor tree")
	}

	if cfg.Worker.Enabled {
		// Create the default destination eagerly; it pins the configured
		// dimension before the first flush.
		table := worker.TableName(cfg.Worker.EmbedderBackend, cfg.Worker.EmbedderModel)
		if err := store.CreateOrOpen(table, cfg.Vector.Dim, cfg.Vector.Dtype); err != nil {
			logging.Fatal().Err(err).Str("table", table).Msg("Failed to prepare worker vector table")
		}

		// The DLQ publisher rides its own connection so dead-lettering
		// survives consumer trouble.
		dlqPub, err := bus.NewPublisher(bus.PublisherConfig{
			URL:            busURL,
			ConnectTimeout: cfg.Bus.ConnectTimeout,
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect dead-letter publisher")
		}
		defer func() {
			if err := dlqPub.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing dead-letter publisher")
			}
		}()

		sub, err := bus.NewSubscriber(bus.SubscriberConfig{
			URL:            busURL,
			DurableName:    "orthovec-worker",
			QueueGroup:     "workers",
			Prefetch:       cfg.Bus.Prefetch,
			AckWait:        cfg.Bus.AckWait,
			MaxDeliver:     5,
			CloseTimeout:   30 * time.Second,
			ConnectTimeout: cfg.Bus.ConnectTimeout,
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
		}, dlqPub)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect bus subscriber")
		}
		defer func() {
			if err := sub.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing bus subscriber")
			}
		}()

		tree.AddPipelineService(worker.New(sub, reg, store, cfg.Worker, cfg.Vector.Dim))
		logging.Info().
			Str("queues", cfg.Worker.Queues).
			Str("backend", cfg.Worker.EmbedderBackend).
			Msg("Worker added to supervisor tree")
	}

	var retr *retriever.Retriever
	if cfg.Retriever.Enabled {
		retr, err = retriever.New(store, cfg.Retriever, cfg.Vector.Dim)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to build retriever")
		}
	}

	surfaces := api.Surfaces{
		Vector:    cfg.Vector.Enabled,
		Registry:  cfg.Registry.Enabled,
		Retriever: cfg.Retriever.Enabled,
	}
	handler := api.NewHandler(reg, store, retr)
	server := api.NewServer(cfg.Server, api.NewRouter(handler, surfaces))
	tree.AddAPIService(server)
	logging.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Msg("HTTP server added to supervisor tree")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Orthovec stopped gracefully")
}

// provisionStreams creates the JetStream streams for every queue this
// node publishes to or consumes from, plus their dead-letter queues.
func provisionStreams(ctx context.Context, cfg *config.Config, busURL string, sched *scheduler.Scheduler) error {
	seen := map[string]bool{}
	var queues []string
	add := func(qs ...string) {
		for _, q := range qs {
			if q == "" || seen[q] {
				continue
			}
			seen[q] = true
			queues = append(queues, q)
		}
	}
	if sched != nil {
		add(sched.Routing().Queues()...)
	}
	if cfg.Worker.Enabled {
		add(bus.SplitQueues(cfg.Worker.Queues)...)
	}
	if len(queues) == 0 {
		return nil
	}

	mgr, err := bus.NewStreamManager(busURL, cfg.Bus.ConnectTimeout)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.EnsureQueues(ctx, bus.DefaultStreamLimits(), queues...); err != nil {
		return err
	}
	logging.Info().Strs("queues", queues).Msg("Bus streams provisioned")
	return nil
}

// splitBusAddr extracts the listen host and port from a NATS URL,
// falling back to the default NATS port.
func splitBusAddr(raw string) (string, int) {
	host, port := "127.0.0.1", 4222
	u, err := url.Parse(raw)
	if err != nil {
		return host, port
	}
	if h := u.Hostname(); h != "" {
		host = h
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return host, port
}
