// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package scheduler drains READY_FOR_INDEXING tiles from the registry
// into routed bus queues, and sweeps expired INDEXED tiles out of the
// registry and the vector tables.
package scheduler

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orthovec/orthovec/internal/bus"
	"github.com/orthovec/orthovec/internal/config"
	"github.com/orthovec/orthovec/internal/logging"
	"github.com/orthovec/orthovec/internal/metrics"
	"github.com/orthovec/orthovec/internal/registry"
)

// Scheduler is the indexing producer loop. It runs as one service under
// the supervision tree; ticks are non-reentrant.
type Scheduler struct {
	reg       *registry.Registry
	pub       bus.Publisher
	routing   *Routing
	backend   string
	interval  time.Duration
	batchSize int
	inFlight  atomic.Bool
	log       zerolog.Logger
}

// New builds a scheduler. backend names the embedder backend the
// routing table is keyed by for tiles without a model hint.
func New(reg *registry.Registry, pub bus.Publisher, cfg config.SchedulerConfig, backend string) (*Scheduler, error) {
	routing, err := ParseRouting(cfg.Routing)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		reg:       reg,
		pub:       pub,
		routing:   routing,
		backend:   backend,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		log:       logging.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Routing exposes the parsed routing table, used at startup to
// provision the destination streams.
func (s *Scheduler) Routing() *Routing {
	return s.routing
}

// Serve runs the tick loop until the context is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Int("batch_size", s.batchSize).
		Msg("scheduler started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick publishes one batch of ready tiles. A tick that fires while
// another is in flight is skipped, not queued.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		metrics.SchedulerTicksSkipped.Inc()
		s.log.Debug().Msg("tick skipped, previous tick still running")
		return
	}
	defer s.inFlight.Store(false)

	tiles, err := s.reg.ListByStatus(ctx, registry.StatusReadyForIndexing, s.batchSize, 0)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list ready tiles")
		return
	}
	if len(tiles) == 0 {
		// Nothing ready: the bus is not touched at all.
		return
	}

	runID := uuid.NewString()
	published := 0
	for _, tile := range tiles {
		if err := s.publishTile(ctx, tile, runID); err != nil {
			metrics.SchedulerPublishFailures.Inc()
			s.log.Error().Err(err).Str("tile_id", tile.TileID).Msg("failed to publish tile")
			if _, serr := s.reg.UpdateStatus(ctx, []string{tile.TileID}, registry.StatusFailed); serr != nil {
				s.log.Error().Err(serr).Str("tile_id", tile.TileID).Msg("failed to mark tile failed")
			}
			continue
		}
		published++
		metrics.SchedulerTilesPublished.Inc()
	}

	metrics.SchedulerLastTick.SetToCurrentTime()
	s.log.Info().Str("run_id", runID).Int("ready", len(tiles)).Int("published", published).
		Msg("tick complete")
}

// publishTile moves the tile to IN_PROCESS and then publishes it; the
// transition happens first so a crash between the two redelivers via
// operator requeue rather than double-publishing.
func (s *Scheduler) publishTile(ctx context.Context, tile registry.Tile, runID string) error {
	backend, model := s.backend, ""
	if tile.EmbedderModel != nil {
		model = *tile.EmbedderModel
	}
	// A full "backend:model" hint overrides the configured backend, so
	// the worker groups and probes the destination the hint names.
	if b, m, ok := strings.Cut(model, ":"); ok && b != "" && m != "" {
		backend, model = b, m
	}
	queue := s.routing.Queue(backend, model)

	if _, err := s.reg.UpdateStatus(ctx, []string{tile.TileID}, registry.StatusInProcess); err != nil {
		return err
	}

	payload, err := indexRequest(tile, backend, model, runID).Encode()
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, queue, payload)
}

func indexRequest(tile registry.Tile, backend, model, runID string) *bus.IndexRequest {
	req := &bus.IndexRequest{
		ImageID:         tile.ImageID,
		TileID:          tile.TileID,
		EmbedderBackend: backend,
		EmbedderModel:   model,
		RunID:           runID,
		Lat:             tile.Lat,
		Lon:             tile.Lon,
	}
	if tile.Source != nil {
		req.Source = *tile.Source
	}
	if tile.TileStore != nil {
		req.TileStore = *tile.TileStore
	}
	if tile.ImagePath != nil {
		req.ImagePath = *tile.ImagePath
	}
	if tile.RasterPath != nil {
		req.RasterPath = *tile.RasterPath
	}
	if tile.PixelPolygon != nil {
		req.PixelPolygon = *tile.PixelPolygon
	}
	if tile.GeoPolygon != nil {
		req.GeoPolygon = *tile.GeoPolygon
	}
	if tile.UTMZone != nil {
		req.UTMZone = *tile.UTMZone
	}
	if tile.Width != nil {
		w := int(*tile.Width)
		req.Width = &w
	}
	if tile.Height != nil {
		h := int(*tile.Height)
		req.Height = &h
	}
	return req
}
