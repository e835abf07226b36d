// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package registry is the authoritative tile store. One DuckDB table
// holds one row per canonical tile; the scheduler and worker drive the
// status lifecycle through it. Writes are single-writer, reads are safe
// concurrently.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"

	"github.com/orthovec/orthovec/internal/errs"
	"github.com/orthovec/orthovec/internal/logging"
	"github.com/orthovec/orthovec/internal/metrics"
	"github.com/orthovec/orthovec/internal/schema"
)

// Tile is one registry row. Nullable columns are pointers.
type Tile struct {
	TileID        string   `json:"tile_id"`
	ImageID       *int64   `json:"image_id,omitempty"`
	Source        *string  `json:"source,omitempty"`
	TileStore     *string  `json:"tile_store,omitempty"`
	ImagePath     *string  `json:"image_path,omitempty"`
	RasterPath    *string  `json:"raster_path,omitempty"`
	PixelPolygon  *string  `json:"pixel_polygon,omitempty"`
	GeoPolygon    *string  `json:"geo_polygon,omitempty"`
	Lat           *float64 `json:"lat,omitempty"`
	Lon           *float64 `json:"lon,omitempty"`
	UTMZone       *string  `json:"utm_zone,omitempty"`
	Width         *int32   `json:"width,omitempty"`
	Height        *int32   `json:"height,omitempty"`
	Status        Status   `json:"status"`
	IndexedAt     *int64   `json:"indexed_at,omitempty"`
	EmbedderModel *string  `json:"embedder_model,omitempty"`
}

// Registry wraps the DuckDB tile table.
type Registry struct {
	conn    *sql.DB
	table   string
	writeMu sync.Mutex
	log     zerolog.Logger
}

// Open opens (or creates) the registry database and ensures the tile
// table exists with the catalog schema.
func Open(path, table string) (*Registry, error) {
	if table == "" {
		table = "tiles"
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create registry directory %s: %w", dir, err)
		}
	}

	conn, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	// DuckDB is embedded; a single connection avoids writer contention.
	conn.SetMaxOpenConns(1)

	r := &Registry{
		conn:  conn,
		table: table,
		log:   logging.With().Str("component", "registry").Logger(),
	}
	if _, err := conn.Exec(schema.TileTableDDL(table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create tile table: %w", err)
	}
	if _, err := conn.Exec(fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status)", table, table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create status index: %w", err)
	}

	r.log.Info().Str("path", path).Str("table", table).Msg("tile registry opened")
	return r, nil
}

// Close releases the database handle.
func (r *Registry) Close() error {
	return r.conn.Close()
}

// UpsertTiles inserts or replaces rows by tile_id. Rows without a
// status default to READY_FOR_INDEXING; indexed_at is forced consistent
// with the status (set only when INDEXED).
func (r *Registry) UpsertTiles(ctx context.Context, tiles []Tile) (int, error) {
	if len(tiles) == 0 {
		return 0, nil
	}
	start := time.Now()
	defer func() {
		metrics.RegistryQueryDuration.WithLabelValues("upsert").Observe(time.Since(start).Seconds())
	}()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cols := schema.TileColumnNames()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	updates := make([]string, 0, len(cols)-1)
	for _, c := range cols {
		if c == "tile_id" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (tile_id) DO UPDATE SET %s",
		r.table, strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, t := range tiles {
		if t.TileID == "" {
			return 0, errs.Poison("tile row without tile_id")
		}
		if t.Status == "" {
			t.Status = StatusReadyForIndexing
		} else if !allStatuses[t.Status] {
			return 0, errs.InvalidState("unknown status %q for tile %s", t.Status, t.TileID)
		}
		if t.Status != StatusIndexed {
			t.IndexedAt = nil
		}
		if _, err := stmt.ExecContext(ctx,
			t.TileID, t.ImageID, t.Source, t.TileStore, t.ImagePath, t.RasterPath,
			t.PixelPolygon, t.GeoPolygon, t.Lat, t.Lon, t.UTMZone,
			t.Width, t.Height, string(t.Status), t.IndexedAt, t.EmbedderModel,
		); err != nil {
			return 0, fmt.Errorf("failed to upsert tile %s: %w", t.TileID, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return count, nil
}

const tileSelectColumns = `tile_id, image_id, source, tile_store, image_path, raster_path,
	pixel_polygon, geo_polygon, lat, lon, utm_zone, width, height, status, indexed_at, embedder_model`

func scanTile(scanner interface{ Scan(...any) error }) (Tile, error) {
	var t Tile
	var status string
	err := scanner.Scan(
		&t.TileID, &t.ImageID, &t.Source, &t.TileStore, &t.ImagePath, &t.RasterPath,
		&t.PixelPolygon, &t.GeoPolygon, &t.Lat, &t.Lon, &t.UTMZone,
		&t.Width, &t.Height, &status, &t.IndexedAt, &t.EmbedderModel,
	)
	t.Status = Status(status)
	return t, err
}

// Get returns one tile or NotFound.
func (r *Registry) Get(ctx context.Context, tileID string) (Tile, error) {
	row := r.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE tile_id = ?", tileSelectColumns, r.table), tileID)
	t, err := scanTile(row)
	if err == sql.ErrNoRows {
		return Tile{}, errs.NotFound("tile %s", tileID)
	}
	if err != nil {
		return Tile{}, fmt.Errorf("failed to get tile %s: %w", tileID, err)
	}
	return t, nil
}

// ListByStatus returns a page of tiles in the given status, ordered by
// tile_id for deterministic pagination.
func (r *Registry) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]Tile, error) {
	if !allStatuses[status] {
		return nil, errs.InvalidState("unknown status %q", status)
	}
	if limit <= 0 {
		limit = 100
	}
	start := time.Now()
	defer func() {
		metrics.RegistryQueryDuration.WithLabelValues("list_by_status").Observe(time.Since(start).Seconds())
	}()

	rows, err := r.conn.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE status = ? ORDER BY tile_id LIMIT ? OFFSET ?",
		tileSelectColumns, r.table), string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiles by status: %w", err)
	}
	defer rows.Close()

	return collectTiles(rows)
}

// ListExpired returns up to limit INDEXED tiles whose indexed_at is at
// or before the cutoff, ordered by indexed_at then tile_id.
func (r *Registry) ListExpired(ctx context.Context, cutoffEpoch int64, limit int) ([]Tile, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.conn.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE status = ? AND indexed_at IS NOT NULL AND indexed_at <= ? ORDER BY indexed_at, tile_id LIMIT ?",
		tileSelectColumns, r.table), string(StatusIndexed), cutoffEpoch, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired tiles: %w", err)
	}
	defer rows.Close()

	return collectTiles(rows)
}

func collectTiles(rows *sql.Rows) ([]Tile, error) {
	tiles := []Tile{}
	for rows.Next() {
		t, err := scanTile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tile row: %w", err)
		}
		tiles = append(tiles, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tile row iteration failed: %w", err)
	}
	return tiles, nil
}

// UpdateStatus transitions a batch of tiles to the target status and
// returns the number of rows changed. Every requested edge is validated
// against the lifecycle DAG before any write: one illegal transition
// rejects the whole batch with InvalidState. Repeated transitions are
// no-ops and do not count as changed. Missing ids are skipped.
func (r *Registry) UpdateStatus(ctx context.Context, tileIDs []string, to Status) (int, error) {
	if len(tileIDs) == 0 {
		return 0, nil
	}
	if !allStatuses[to] {
		return 0, errs.InvalidState("unknown status %q", to)
	}
	start := time.Now()
	defer func() {
		metrics.RegistryQueryDuration.WithLabelValues("update_status").Observe(time.Since(start).Seconds())
	}()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin status update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tileIDs)), ",")
	args := make([]any, len(tileIDs))
	for i, id := range tileIDs {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		"SELECT tile_id, status FROM %s WHERE tile_id IN (%s)", r.table, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to read current statuses: %w", err)
	}

	current := make(map[string]Status, len(tileIDs))
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan status row: %w", err)
		}
		current[id] = Status(status)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("status row iteration failed: %w", err)
	}
	rows.Close()

	var toChange []string
	for _, id := range tileIDs {
		from, ok := current[id]
		if !ok {
			continue
		}
		if from == to {
			continue
		}
		if err := ValidateTransition(from, to); err != nil {
			metrics.TileStatusRejected.Inc()
			return 0, fmt.Errorf("tile %s: %w", id, err)
		}
		toChange = append(toChange, id)
	}
	if len(toChange) == 0 {
		return 0, tx.Commit()
	}

	// indexed_at is set exactly when the row is INDEXED.
	var indexedAt any
	if to == StatusIndexed {
		indexedAt = time.Now().Unix()
	}
	placeholders = strings.TrimSuffix(strings.Repeat("?,", len(toChange)), ",")
	updateArgs := make([]any, 0, len(toChange)+2)
	updateArgs = append(updateArgs, string(to), indexedAt)
	for _, id := range toChange {
		updateArgs = append(updateArgs, id)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET status = ?, indexed_at = ? WHERE tile_id IN (%s)",
		r.table, placeholders), updateArgs...)
	if err != nil {
		return 0, fmt.Errorf("failed to update statuses: %w", err)
	}
	changed, err := res.RowsAffected()
	if err != nil {
		changed = int64(len(toChange))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit status update: %w", err)
	}
	for _, id := range toChange {
		metrics.RecordTransition(string(current[id]), string(to))
	}
	r.log.Debug().Int64("changed", changed).Str("to", string(to)).Msg("tile statuses updated")
	return int(changed), nil
}

// SetIndexedAt transitions tiles to INDEXED with one shared timestamp,
// so every tile of a flushed batch carries the same indexed_at.
func (r *Registry) SetIndexedAt(ctx context.Context, tileIDs []string, indexedAt int64) (int, error) {
	if len(tileIDs) == 0 {
		return 0, nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tileIDs)), ",")
	args := make([]any, 0, len(tileIDs)+3)
	args = append(args, string(StatusIndexed), indexedAt)
	for _, id := range tileIDs {
		args = append(args, id)
	}
	args = append(args, string(StatusWaitingForIndex))
	res, err := r.conn.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET status = ?, indexed_at = ? WHERE tile_id IN (%s) AND status = ?",
		r.table, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark tiles indexed: %w", err)
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	for i := int64(0); i < changed; i++ {
		metrics.RecordTransition(string(StatusWaitingForIndex), string(StatusIndexed))
	}
	return int(changed), nil
}

// Delete removes tiles by id and returns the number deleted.
func (r *Registry) Delete(ctx context.Context, tileIDs []string) (int, error) {
	if len(tileIDs) == 0 {
		return 0, nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tileIDs)), ",")
	args := make([]any, len(tileIDs))
	for i, id := range tileIDs {
		args[i] = id
	}
	res, err := r.conn.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE tile_id IN (%s)", r.table, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tiles: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(deleted), nil
}

// StatusCounts returns the number of tiles in each status.
func (r *Registry) StatusCounts(ctx context.Context) (map[Status]int64, error) {
	rows, err := r.conn.QueryContext(ctx, fmt.Sprintf(
		"SELECT status, COUNT(*) FROM %s GROUP BY status", r.table))
	if err != nil {
		return nil, fmt.Errorf("failed to count statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status count iteration failed: %w", err)
	}
	return counts, nil
}

// ExistingIDs returns which of the given tile ids are present.
func (r *Registry) ExistingIDs(ctx context.Context, tileIDs []string) (map[string]bool, error) {
	if len(tileIDs) == 0 {
		return map[string]bool{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tileIDs)), ",")
	args := make([]any, len(tileIDs))
	for i, id := range tileIDs {
		args[i] = id
	}
	rows, err := r.conn.QueryContext(ctx, fmt.Sprintf(
		"SELECT tile_id FROM %s WHERE tile_id IN (%s)", r.table, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to probe tile ids: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool, len(tileIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tile id: %w", err)
		}
		existing[id] = true
	}
	return existing, rows.Err()
}
