// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package worker consumes index requests, loads tile pixels with a
// bounded decode pool, embeds batches grouped by embedder, and upserts
// the resulting vectors. Model inference runs serially on the
// coordination loop; only pixel loading is parallel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/orthovec/orthovec/internal/bus"
	"github.com/orthovec/orthovec/internal/config"
	"github.com/orthovec/orthovec/internal/embedder"
	"github.com/orthovec/orthovec/internal/errs"
	"github.com/orthovec/orthovec/internal/logging"
	"github.com/orthovec/orthovec/internal/metrics"
	"github.com/orthovec/orthovec/internal/registry"
	"github.com/orthovec/orthovec/internal/tileid"
	"github.com/orthovec/orthovec/internal/tilestore"
	"github.com/orthovec/orthovec/internal/vectorindex"
)

// Worker is the embedding consumer. One instance owns its consumer
// channel, its decode pool, and its run-scoped dedup memo; none of that
// state is shared across workers.
type Worker struct {
	consumer bus.Consumer
	reg      *registry.Registry
	store    *vectorindex.Store
	loader   *tilestore.Loader
	cfg      config.WorkerConfig
	dim      int

	// embedders and memo are touched only on the coordination loop.
	embedders map[string]embedder.Embedder
	memo      map[string]bool

	batch      []item
	batchStart time.Time

	log zerolog.Logger
}

// item is one decoded tile waiting for its batch to flush.
type item struct {
	env     bus.Envelope
	req     *bus.IndexRequest
	img     image.Image
	backend string
	model   string
	table   string
}

// pending is one tile dispatched to the decode pool.
type pending struct {
	env     bus.Envelope
	req     *bus.IndexRequest
	source  tilestore.Source
	backend string
	model   string
	table   string
}

// result is the decode pool's answer.
type result struct {
	pending
	img image.Image
	err error
}

// New builds a worker. dim is the vector dimension enforced on every
// destination table.
func New(consumer bus.Consumer, reg *registry.Registry, store *vectorindex.Store, cfg config.WorkerConfig, dim int) *Worker {
	return &Worker{
		consumer:  consumer,
		reg:       reg,
		store:     store,
		loader:    tilestore.NewLoader(),
		cfg:       cfg,
		dim:       dim,
		embedders: make(map[string]embedder.Embedder),
		memo:      make(map[string]bool),
		log:       logging.With().Str("component", "worker").Logger(),
	}
}

// TableName derives the destination vector table for an embedder. The
// model name wins when present; characters outside [a-z0-9_] collapse
// to underscores.
func TableName(backend, model string) string {
	name := model
	if name == "" {
		name = backend
	}
	var b strings.Builder
	b.WriteString("emb_")
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Serve consumes until the context is cancelled or the envelope channel
// closes, then drains: intake stops, in-flight decodes finish (bounded
// by the job timeout), and the remaining batch is flushed once.
func (w *Worker) Serve(ctx context.Context) error {
	envs, err := w.consumer.Consume(ctx, w.cfg.Queues)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	w.log.Info().Str("queues", w.cfg.Queues).Int("decode_workers", w.cfg.DecodeWorkers).
		Int("batch_size", w.cfg.BatchSize).Msg("worker started")

	decodeIn := make(chan pending)
	// Buffered so decode workers never block handing results back.
	decoded := make(chan result, w.cfg.BatchSize+w.cfg.DecodeWorkers)
	for i := 0; i < w.cfg.DecodeWorkers; i++ {
		go w.decodeLoop(decodeIn, decoded)
	}
	defer close(decodeIn)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	// Registry and store writes must outlive cancellation so the drain
	// can settle what is already in flight.
	opCtx := context.WithoutCancel(ctx)

	done := ctx.Done()
	inFlight := 0
	for {
		if envs == nil && inFlight == 0 {
			w.flush(opCtx)
			w.log.Info().Msg("worker drained")
			return ctx.Err()
		}

		select {
		case <-done:
			done = nil
			envs = nil // stop intake, keep draining
		case env, ok := <-envs:
			if !ok {
				envs = nil
				continue
			}
			if pd, ok := w.intake(opCtx, env); ok {
				select {
				case decodeIn <- pd:
					inFlight++
				case res := <-decoded:
					// Pool is saturated; absorb a result, then dispatch.
					w.collect(opCtx, res)
					decodeIn <- pd
				}
			}
		case res := <-decoded:
			inFlight--
			w.collect(opCtx, res)
		case <-ticker.C:
			if len(w.batch) > 0 && time.Since(w.batchStart) >= w.cfg.FlushInterval {
				w.flush(opCtx)
			}
		}

		if len(w.batch) >= w.cfg.BatchSize {
			w.flush(opCtx)
		}
	}
}

// intake validates the payload and resolves its pixel source. Poison
// payloads are settled here; valid ones go to the decode pool.
func (w *Worker) intake(ctx context.Context, env bus.Envelope) (pending, bool) {
	req, err := bus.DecodeIndexRequest(env.Payload())
	if err != nil {
		w.settlePoison(ctx, env, "", "parse", err)
		return pending{}, false
	}

	backend, model := w.resolveEmbedder(req)
	table := TableName(backend, model)

	if w.memo[memoKey(table, *req.ImageID)] {
		metrics.WorkerDeduplicated.WithLabelValues("memo").Inc()
		env.Ack()
		return pending{}, false
	}

	source, err := tilestore.FromRequest(req)
	if err != nil {
		w.settlePoison(ctx, env, req.TileID, "tile_store", err)
		return pending{}, false
	}
	return pending{env: env, req: req, source: source, backend: backend, model: model, table: table}, true
}

func (w *Worker) resolveEmbedder(req *bus.IndexRequest) (backend, model string) {
	backend = req.EmbedderBackend
	if backend == "" {
		backend = w.cfg.EmbedderBackend
	}
	model = req.EmbedderModel
	if model == "" {
		model = w.cfg.EmbedderModel
	}
	return backend, model
}

// decodeLoop loads pixels for dispatched tiles. Each load gets its own
// deadline so one stuck raster cannot wedge the pool.
func (w *Worker) decodeLoop(in <-chan pending, out chan<- result) {
	for pd := range in {
		jctx, cancel := context.WithTimeout(context.Background(), w.cfg.JobTimeout)
		start := time.Now()
		img, err := w.load(jctx, pd.source)
		cancel()
		metrics.WorkerDecodeDuration.WithLabelValues(pd.source.Store()).
			Observe(time.Since(start).Seconds())
		out <- result{pending: pd, img: img, err: err}
	}
}

// load runs the loader detached and abandons it when the deadline
// fires. A read blocked inside the loader cannot hold the decode slot
// past the job timeout.
func (w *Worker) load(ctx context.Context, src tilestore.Source) (image.Image, error) {
	type loaded struct {
		img image.Image
		err error
	}
	ch := make(chan loaded, 1)
	go func() {
		img, err := w.loader.Load(ctx, src)
		ch <- loaded{img: img, err: err}
	}()
	select {
	case l := <-ch:
		return l.img, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// collect folds one decode result into the batch.
func (w *Worker) collect(ctx context.Context, res result) {
	if res.err != nil {
		switch {
		case errors.Is(res.err, context.DeadlineExceeded):
			w.settlePoison(ctx, res.env, res.req.TileID, "timeout", res.err)
		case errs.IsTransient(res.err):
			w.log.Warn().Err(res.err).Str("tile_id", res.req.TileID).Msg("transient tile load failure, requeueing")
			res.env.Nack(true)
		default:
			w.settlePoison(ctx, res.env, res.req.TileID, "decode", res.err)
		}
		return
	}

	if res.req.TileID != "" {
		if _, err := w.reg.UpdateStatus(ctx, []string{res.req.TileID}, registry.StatusWaitingForEmbedding); err != nil {
			w.log.Warn().Err(err).Str("tile_id", res.req.TileID).Msg("failed to record decode transition")
		}
	}

	if len(w.batch) == 0 {
		w.batchStart = time.Now()
	}
	w.batch = append(w.batch, item{
		env:     res.env,
		req:     res.req,
		img:     res.img,
		backend: res.backend,
		model:   res.model,
		table:   res.table,
	})
}

// flush embeds and upserts the accumulated batch, one embedder group at
// a time. A failing group never blocks the others.
func (w *Worker) flush(ctx context.Context) {
	if len(w.batch) == 0 {
		return
	}
	start := time.Now()
	size := len(w.batch)

	groups := make(map[string][]item)
	var order []string
	for _, it := range w.batch {
		key := it.backend + "|" + it.model
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], it)
	}
	w.batch = nil

	for _, key := range order {
		w.flushGroup(ctx, groups[key])
	}
	metrics.RecordBatchFlush(time.Since(start), size)
}

func (w *Worker) flushGroup(ctx context.Context, items []item) {
	items = w.probeExisting(items)
	if len(items) == 0 {
		return
	}
	backend, model, table := items[0].backend, items[0].model, items[0].table

	emb, err := w.embedderFor(backend, model)
	if err != nil {
		w.failGroup(ctx, items, "embedder", err)
		return
	}

	imgs := make([]image.Image, len(items))
	for i, it := range items {
		imgs[i] = it.img
	}
	embedStart := time.Now()
	vecs, err := emb.EmbedImages(ctx, imgs)
	metrics.RecordEmbed(backend, model, time.Since(embedStart), err)
	if err != nil {
		if errs.IsTransient(err) {
			w.log.Warn().Err(err).Str("table", table).Int("tiles", len(items)).
				Msg("transient embed failure, requeueing group")
			for _, it := range items {
				it.env.Nack(true)
			}
			return
		}
		w.failGroup(ctx, items, "embed", err)
		return
	}

	tileIDs := groupTileIDs(items)
	if _, err := w.reg.UpdateStatus(ctx, tileIDs, registry.StatusWaitingForIndex); err != nil {
		w.log.Warn().Err(err).Msg("failed to record embed transition")
	}

	indexedAt := time.Now().Unix()
	rows := make([]vectorindex.Row, len(items))
	for i, it := range items {
		rows[i] = vectorRow(it, vecs[i], indexedAt)
	}

	if err := w.upsertWithRetry(ctx, table, rows); err != nil {
		kind := errs.KindOf(err)
		if kind == errs.KindPoison || kind == errs.KindSchemaConflict {
			w.failGroup(ctx, items, "upsert", err)
			return
		}
		w.log.Error().Err(err).Str("table", table).Int("tiles", len(items)).
			Msg("vector upsert failed, requeueing group")
		for _, it := range items {
			it.env.Nack(true)
		}
		return
	}

	if w.cfg.RequireIndexStatusBeforeAck {
		if _, err := w.reg.SetIndexedAt(ctx, tileIDs, indexedAt); err != nil {
			w.log.Error().Err(err).Msg("indexed status write failed, holding acks for redelivery")
			for _, it := range items {
				it.env.Nack(true)
			}
			return
		}
		w.settleIndexed(items, table)
		return
	}

	w.settleIndexed(items, table)
	if _, err := w.reg.SetIndexedAt(ctx, tileIDs, indexedAt); err != nil {
		w.log.Warn().Err(err).Msg("failed to record indexed status")
	}
}

func (w *Worker) settleIndexed(items []item, table string) {
	for _, it := range items {
		it.env.Ack()
		w.memo[memoKey(table, *it.req.ImageID)] = true
	}
}

// probeExisting acks tiles whose image_id is already in the destination
// table; duplicate deliveries stop here without an embed call.
func (w *Worker) probeExisting(items []item) []item {
	table := items[0].table
	ids := make([]any, len(items))
	for i, it := range items {
		ids[i] = *it.req.ImageID
	}
	existing, err := w.store.ExistingValues(table, "image_id", ids)
	if err != nil {
		w.log.Warn().Err(err).Str("table", table).Msg("destination probe failed, embedding anyway")
		return items
	}
	if len(existing) == 0 {
		return items
	}

	kept := items[:0]
	for _, it := range items {
		if existing[strconv.FormatInt(*it.req.ImageID, 10)] {
			metrics.WorkerDeduplicated.WithLabelValues("probe").Inc()
			w.memo[memoKey(table, *it.req.ImageID)] = true
			it.env.Ack()
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

func (w *Worker) embedderFor(backend, model string) (embedder.Embedder, error) {
	key := backend + "|" + model
	if e, ok := w.embedders[key]; ok {
		return e, nil
	}
	e, err := embedder.New(embedder.Config{
		Backend: backend,
		Model:   model,
		Dim:     w.dim,
		URL:     w.cfg.EmbedderURL,
	})
	if err != nil {
		return nil, err
	}
	w.embedders[key] = e
	return e, nil
}

// upsertWithRetry retries transient store failures with exponential
// backoff. Poison and schema errors abort immediately.
func (w *Worker) upsertWithRetry(ctx context.Context, table string, rows []vectorindex.Row) error {
	delay := w.cfg.RetryInitial
	for {
		_, err := w.store.Upsert(table, rows, "id")
		if err == nil {
			return nil
		}
		kind := errs.KindOf(err)
		if kind == errs.KindPoison || kind == errs.KindSchemaConflict {
			return err
		}
		if delay > w.cfg.RetryMax {
			return err
		}
		w.log.Warn().Err(err).Str("table", table).Dur("retry_in", delay).Msg("vector upsert failed, retrying")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// settlePoison marks the tile FAILED, acks, and logs once.
func (w *Worker) settlePoison(ctx context.Context, env bus.Envelope, tileID, reason string, err error) {
	metrics.WorkerPoisonMessages.WithLabelValues(reason).Inc()
	w.log.Warn().Err(err).Str("tile_id", tileID).Str("reason", reason).Msg("tile failed")
	if tileID != "" {
		if _, serr := w.reg.UpdateStatus(ctx, []string{tileID}, registry.StatusFailed); serr != nil {
			w.log.Warn().Err(serr).Str("tile_id", tileID).Msg("failed to mark tile failed")
		}
	}
	env.Ack()
}

// failGroup settles every envelope of a group as FAILED.
func (w *Worker) failGroup(ctx context.Context, items []item, reason string, err error) {
	w.log.Error().Err(err).Str("reason", reason).Int("tiles", len(items)).Msg("group failed")
	for _, it := range items {
		metrics.WorkerPoisonMessages.WithLabelValues(reason).Inc()
		it.env.Ack()
	}
	if ids := groupTileIDs(items); len(ids) > 0 {
		if _, serr := w.reg.UpdateStatus(ctx, ids, registry.StatusFailed); serr != nil {
			w.log.Warn().Err(serr).Msg("failed to mark group failed")
		}
	}
}

func groupTileIDs(items []item) []string {
	var ids []string
	for _, it := range items {
		if it.req.TileID != "" {
			ids = append(ids, it.req.TileID)
		}
	}
	return ids
}

func memoKey(table string, imageID int64) string {
	return table + "|" + strconv.FormatInt(imageID, 10)
}

// vectorRow builds the destination row. The row id discriminates by
// embedder so one tile can carry one vector per (backend, model).
func vectorRow(it item, vec []float32, indexedAt int64) vectorindex.Row {
	req := it.req
	row := vectorindex.Row{
		"id":               rowID(req, it.backend, it.model),
		"embedding":        vec,
		"image_id":         *req.ImageID,
		"indexed_at":       indexedAt,
		"embedder_backend": it.backend,
		"embedder_model":   it.model,
	}
	setIf := func(key, val string) {
		if val != "" {
			row[key] = val
		}
	}
	setIf("tile_id", req.TileID)
	setIf("source", req.Source)
	setIf("tile_store", req.TileStore)
	setIf("image_path", req.ImagePath)
	setIf("raster_path", req.RasterPath)
	setIf("pixel_polygon", req.PixelPolygon)
	setIf("geo_polygon", req.GeoPolygon)
	setIf("utm_zone", req.UTMZone)
	setIf("run_id", req.RunID)
	if req.Lat != nil {
		row["lat"] = *req.Lat
	}
	if req.Lon != nil {
		row["lon"] = *req.Lon
	}
	if req.Width != nil {
		row["width"] = *req.Width
	}
	if req.Height != nil {
		row["height"] = *req.Height
	}
	return row
}

func rowID(req *bus.IndexRequest, backend, model string) string {
	tid := req.TileID
	if tid == "" {
		tid = "image:" + strconv.FormatInt(*req.ImageID, 10)
	}
	return tileid.RowDiscriminator(tid, backend, model)
}
