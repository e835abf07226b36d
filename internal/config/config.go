// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package config loads layered configuration: built-in defaults, an
// optional YAML file, then ORTHOVEC_* environment variables. Precedence
// is ENV > file > defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full process configuration. Each service section has an
// Enabled flag so one binary can run any subset of roles.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Registry  RegistryConfig  `koanf:"registry"`
	Vector    VectorConfig    `koanf:"vector"`
	Bus       BusConfig       `koanf:"bus"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Worker    WorkerConfig    `koanf:"worker"`
	Retriever RetrieverConfig `koanf:"retriever"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the HTTP listener shared by the enabled API
// surfaces.
type ServerConfig struct {
	Host    string        `koanf:"host" validate:"required"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"min=1s"`
}

// RegistryConfig configures the tile registry store and API.
type RegistryConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path" validate:"required"`
	Table   string `koanf:"table" validate:"required"`
}

// VectorConfig configures the vector index adapter.
type VectorConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir" validate:"required"`
	// Dim is the embedding dimension enforced per table at create/open.
	Dim int `koanf:"dim" validate:"min=1,max=8192"`
	// Dtype is the declared element type (float32 or float16). Storage
	// is FLOAT either way; the declared dtype is recorded per table and
	// must match on reopen.
	Dtype string `koanf:"dtype" validate:"oneof=float32 float16"`
}

// BusConfig configures the message bus.
type BusConfig struct {
	URL            string        `koanf:"url" validate:"required"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	StoreDir       string        `koanf:"store_dir"`
	Prefetch       int           `koanf:"prefetch" validate:"min=1,max=10000"`
	AckWait        time.Duration `koanf:"ack_wait" validate:"min=1s"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"min=1s"`
	BreakerEnabled bool          `koanf:"breaker_enabled"`
}

// SchedulerConfig configures the indexing scheduler and TTL sweeper.
type SchedulerConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Interval  time.Duration `koanf:"interval" validate:"min=100ms"`
	BatchSize int           `koanf:"batch_size" validate:"min=1,max=100000"`
	// Routing maps embedder backends (and backend:model pairs) to
	// queues: "backend=queue,backend:model=queue".
	Routing    string        `koanf:"routing"`
	TTL        time.Duration `koanf:"ttl"`
	TTLTables  string        `koanf:"ttl_tables"` // comma-separated; empty = all
	TTLEnabled bool          `koanf:"ttl_enabled"`
}

// WorkerConfig configures the embedder worker.
type WorkerConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Queues        string        `koanf:"queues" validate:"required_if=Enabled true"`
	BatchSize     int           `koanf:"batch_size" validate:"min=1,max=4096"`
	FlushInterval time.Duration `koanf:"flush_interval" validate:"min=100ms"`
	DecodeWorkers int           `koanf:"decode_workers" validate:"min=1,max=256"`
	JobTimeout    time.Duration `koanf:"job_timeout" validate:"min=1s"`
	// EmbedderBackend selects the embedding implementation for payloads
	// that don't name one.
	EmbedderBackend string `koanf:"embedder_backend" validate:"required"`
	EmbedderModel   string `koanf:"embedder_model"`
	EmbedderURL     string `koanf:"embedder_url"`
	RetryInitial    time.Duration `koanf:"retry_initial" validate:"min=10ms"`
	RetryMax        time.Duration `koanf:"retry_max" validate:"min=100ms"`
	// RequireIndexStatusBeforeAck holds the ack until the INDEXED
	// registry write succeeds.
	RequireIndexStatusBeforeAck bool `koanf:"require_index_status_before_ack"`
}

// RetrieverConfig configures the text-to-tile search service.
type RetrieverConfig struct {
	Enabled         bool    `koanf:"enabled"`
	EmbedderBackend string  `koanf:"embedder_backend"`
	EmbedderModel   string  `koanf:"embedder_model"`
	EmbedderURL     string  `koanf:"embedder_url"`
	DefaultK        int     `koanf:"default_k" validate:"min=1,max=1000"`
	GeoNMSRadiusM   float64 `koanf:"geo_nms_radius_m" validate:"min=0"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration, including the cross-field
// constraints the struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Scheduler.Enabled && strings.TrimSpace(c.Scheduler.Routing) == "" {
		return fmt.Errorf("scheduler.routing is required when the scheduler is enabled")
	}
	if c.Scheduler.TTLEnabled && c.Scheduler.TTL <= 0 {
		return fmt.Errorf("scheduler.ttl must be positive when TTL cleanup is enabled")
	}
	if c.Worker.Enabled && strings.TrimSpace(c.Worker.Queues) == "" {
		return fmt.Errorf("worker.queues is required when the worker is enabled")
	}
	if c.Worker.RetryMax < c.Worker.RetryInitial {
		return fmt.Errorf("worker.retry_max (%s) must be >= worker.retry_initial (%s)",
			c.Worker.RetryMax, c.Worker.RetryInitial)
	}
	if (c.Worker.Enabled && c.Worker.EmbedderBackend == "remote" && c.Worker.EmbedderURL == "") ||
		(c.Retriever.Enabled && c.Retriever.EmbedderBackend == "remote" && c.Retriever.EmbedderURL == "") {
		return fmt.Errorf("embedder_url is required for the remote embedder backend")
	}
	return nil
}
