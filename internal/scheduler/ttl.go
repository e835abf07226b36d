// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/orthovec/orthovec/internal/config"
	"github.com/orthovec/orthovec/internal/logging"
	"github.com/orthovec/orthovec/internal/metrics"
	"github.com/orthovec/orthovec/internal/registry"
	"github.com/orthovec/orthovec/internal/vectorindex"
)

// TTLSweeper deletes INDEXED tiles whose indexed_at is older than the
// TTL, first from the vector tables and then from the registry. Vector
// rows go first so a crash between the two deletes leaves registry rows
// for the next sweep instead of orphaned vectors.
type TTLSweeper struct {
	reg       *registry.Registry
	store     *vectorindex.Store
	ttl       time.Duration
	interval  time.Duration
	batchSize int
	tables    []string // empty = every table in the store
	log       zerolog.Logger
}

// NewTTLSweeper builds the sweeper from the scheduler section.
func NewTTLSweeper(reg *registry.Registry, store *vectorindex.Store, cfg config.SchedulerConfig) *TTLSweeper {
	return &TTLSweeper{
		reg:       reg,
		store:     store,
		ttl:       cfg.TTL,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		tables:    splitTables(cfg.TTLTables),
		log:       logging.With().Str("component", "ttl_sweeper").Logger(),
	}
}

// Serve runs the sweep loop until the context is cancelled.
func (t *TTLSweeper) Serve(ctx context.Context) error {
	t.log.Info().Dur("ttl", t.ttl).Dur("interval", t.interval).Msg("ttl sweeper started")
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Info().Msg("ttl sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep deletes one batch of expired tiles.
func (t *TTLSweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-t.ttl).Unix()
	expired, err := t.reg.ListExpired(ctx, cutoff, t.batchSize)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to list expired tiles")
		return
	}
	if len(expired) == 0 {
		return
	}

	tables := t.tables
	if len(tables) == 0 {
		tables, err = t.store.ListTables()
		if err != nil {
			t.log.Error().Err(err).Msg("failed to list vector tables")
			return
		}
	}

	where := fmt.Sprintf("indexed_at <= %d", cutoff)
	for _, table := range tables {
		pre, post, err := t.store.DeleteWhere(table, where)
		if err != nil {
			t.log.Error().Err(err).Str("table", table).Msg("failed to delete expired vectors")
			continue
		}
		if deleted := pre - post; deleted > 0 {
			metrics.TTLVectorRowsDeleted.WithLabelValues(table).Add(float64(deleted))
			t.log.Info().Str("table", table).Int64("rows", deleted).Msg("expired vectors deleted")
		}
	}

	ids := make([]string, 0, len(expired))
	for _, tile := range expired {
		ids = append(ids, tile.TileID)
	}
	deleted, err := t.reg.Delete(ctx, ids)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to delete expired tiles")
		return
	}
	metrics.TTLTilesDeleted.Add(float64(deleted))
	t.log.Info().Int("tiles", deleted).Int64("cutoff", cutoff).Msg("expired tiles deleted")
}

func splitTables(list string) []string {
	var out []string
	for _, t := range strings.Split(list, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
