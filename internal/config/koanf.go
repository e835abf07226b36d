// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file locations searched in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/orthovec/config.yaml",
	"/etc/orthovec/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "ORTHOVEC_CONFIG"

// envPrefix namespaces all environment overrides.
const envPrefix = "ORTHOVEC_"

// Default returns the built-in configuration. Defaults are applied
// first, then overridden by the config file and environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8420,
			Timeout: 30 * time.Second,
		},
		Registry: RegistryConfig{
			Enabled: true,
			Path:    "/data/orthovec/tiles.duckdb",
			Table:   "tiles",
		},
		Vector: VectorConfig{
			Enabled: true,
			Dir:     "/data/orthovec/vectors",
			Dim:     512,
			Dtype:   "float32",
		},
		Bus: BusConfig{
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/orthovec/jetstream",
			Prefetch:       64,
			AckWait:        2 * time.Minute,
			ConnectTimeout: 10 * time.Second,
			BreakerEnabled: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:    false,
			Interval:   30 * time.Second,
			BatchSize:  256,
			Routing:    "",
			TTL:        0,
			TTLTables:  "",
			TTLEnabled: false,
		},
		Worker: WorkerConfig{
			Enabled:         false,
			Queues:          "",
			BatchSize:       32,
			FlushInterval:   5 * time.Second,
			DecodeWorkers:   4,
			JobTimeout:      2 * time.Minute,
			EmbedderBackend: "hash",
			EmbedderModel:   "",
			EmbedderURL:     "",
			RetryInitial:    500 * time.Millisecond,
			RetryMax:        30 * time.Second,
		},
		Retriever: RetrieverConfig{
			Enabled:         false,
			EmbedderBackend: "hash",
			EmbedderModel:   "",
			EmbedderURL:     "",
			DefaultK:        10,
			GeoNMSRadiusM:   50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and ORTHOVEC_* environment variables, then validates it. An explicit
// path overrides the default search order.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := path
	if configPath == "" {
		configPath = findConfigFile()
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// ORTHOVEC_WORKER_BATCH_SIZE -> worker.batch_size
	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// configSections are the recognized top-level sections for env mapping.
var configSections = []string{
	"server", "registry", "vector", "bus", "scheduler", "worker", "retriever", "logging",
}

// envTransformFunc maps ORTHOVEC_<SECTION>_<FIELD> to section.field.
// Unknown sections are dropped so unrelated environment variables never
// pollute the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	for _, section := range configSections {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	// ORTHOVEC_LOG_* is accepted as shorthand for logging.
	if strings.HasPrefix(key, "log_") {
		return "logging." + strings.TrimPrefix(key, "log_")
	}
	return ""
}
