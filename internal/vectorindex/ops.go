// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package vectorindex

import (
	"bufio"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/orthovec/orthovec/internal/errs"
	"github.com/orthovec/orthovec/internal/metrics"
	"github.com/orthovec/orthovec/internal/schema"
)

// Row is one vector row keyed by column name. The "embedding" key must
// hold a []float32; keys outside the catalog are dropped silently.
type Row map[string]any

// Upsert inserts-or-replaces rows keyed by idCol. Empty input returns
// zero without creating the table. When idCol is the primary key the
// DuckDB merge path (ON CONFLICT DO UPDATE) runs in one statement;
// any other idCol falls back to delete-where-in plus insert inside one
// transaction, with an opportunistic scalar index on idCol.
func (s *Store) Upsert(name string, rows []Row, idCol string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if idCol == "" {
		idCol = "id"
	}
	if !schema.HasVectorColumn(idCol) {
		return 0, errs.Poison("unknown id column %q", idCol)
	}

	first, err := rowEmbedding(rows[0])
	if err != nil {
		return 0, err
	}
	h, err := s.openTable(name, len(first), "", true)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	cols := upsertColumns(h)
	n, err := s.upsertLocked(h, rows, cols, idCol)
	if err != nil {
		return 0, err
	}
	metrics.RecordUpsert(name, n, time.Since(start))
	return n, nil
}

// upsertColumns is the writable column order: id, embedding, then the
// metadata columns that exist on this table.
func upsertColumns(h *tableHandle) []string {
	cols := []string{"id", "embedding"}
	for _, c := range schema.VectorMetadataNames() {
		for _, existing := range h.cols {
			if c == existing {
				cols = append(cols, c)
				break
			}
		}
	}
	return cols
}

func (s *Store) upsertLocked(h *tableHandle, rows []Row, cols []string, idCol string) (int, error) {
	tx, err := h.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if idCol != "id" {
		if _, err := tx.Exec(fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_vectors_%s ON vectors (%s)", idCol, idCol)); err != nil {
			return 0, fmt.Errorf("failed to index %s: %w", idCol, err)
		}
		if err := deleteByIDs(tx, rows, idCol); err != nil {
			return 0, err
		}
	}

	count := 0
	for _, row := range rows {
		vec, err := rowEmbedding(row)
		if err != nil {
			return 0, err
		}
		if len(vec) != h.dim {
			return 0, errs.SchemaConflict("embedding has dimension %d, table expects %d", len(vec), h.dim)
		}
		if row["id"] == nil || row["id"] == "" {
			return 0, errs.Poison("vector row without id")
		}

		query, args := buildInsert(row, cols, vec, h.dim, idCol)
		if _, err := tx.Exec(query, args...); err != nil {
			return 0, fmt.Errorf("failed to upsert row %v: %w", row["id"], err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return count, nil
}

func deleteByIDs(tx *sql.Tx, rows []Row, idCol string) error {
	placeholders := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows))
	for _, row := range rows {
		if v, ok := row[idCol]; ok && v != nil {
			placeholders = append(placeholders, "?")
			args = append(args, v)
		}
	}
	if len(args) == 0 {
		return nil
	}
	if _, err := tx.Exec(fmt.Sprintf(
		"DELETE FROM vectors WHERE %s IN (%s)", idCol, strings.Join(placeholders, ",")), args...); err != nil {
		return fmt.Errorf("failed to delete existing rows: %w", err)
	}
	return nil
}

func buildInsert(row Row, cols []string, vec []float32, dim int, idCol string) (string, []any) {
	values := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		if c == "embedding" {
			values = append(values, embeddingLiteral(vec, dim))
			continue
		}
		values = append(values, "?")
		args = append(args, row[c])
	}

	query := fmt.Sprintf("INSERT INTO vectors (%s) VALUES (%s)",
		strings.Join(cols, ", "), strings.Join(values, ", "))
	if idCol == "id" {
		updates := make([]string, 0, len(cols)-1)
		for _, c := range cols {
			if c == "id" {
				continue
			}
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
		query += " ON CONFLICT (id) DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return query, args
}

func rowEmbedding(row Row) ([]float32, error) {
	raw, ok := row["embedding"]
	if !ok || raw == nil {
		return nil, errs.Poison("vector row without embedding")
	}
	switch v := raw.(type) {
	case []float32:
		return v, nil
	case []float64:
		out := make([]float32, len(v))
		for i, f := range v {
			out[i] = float32(f)
		}
		return out, nil
	default:
		return nil, errs.Poison("embedding has unsupported type %T", raw)
	}
}

// Search runs a cosine similarity scan and returns the k nearest rows
// ordered by ascending _distance. A query of the wrong length is a
// SchemaConflict (dimension mismatch); a missing table yields an empty
// result; k=0 returns an empty slice without touching storage.
func (s *Store) Search(name string, query []float32, k int, opts SearchOptions) ([]Row, error) {
	if k <= 0 {
		return []Row{}, nil
	}
	h, err := s.openTable(name, 0, "", false)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return []Row{}, nil
		}
		return nil, err
	}
	if len(query) != h.dim {
		return nil, errs.SchemaConflict("query vector has dimension %d, table expects %d", len(query), h.dim)
	}

	start := time.Now()
	defer func() {
		metrics.VectorSearchDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	projection := s.projection(h, opts.Columns)
	sqlQuery := fmt.Sprintf(
		"SELECT %s, array_cosine_distance(embedding, %s) AS _distance FROM vectors",
		strings.Join(projection, ", "), embeddingLiteral(query, h.dim))
	if opts.Where != "" {
		sqlQuery += " WHERE (" + opts.Where + ")"
	}
	sqlQuery += fmt.Sprintf(" ORDER BY _distance ASC LIMIT %d", k)

	return queryRows(h.conn, sqlQuery)
}

// projection defaults to the catalog metadata columns filtered to what
// exists on the table, with id first. Explicit columns are filtered the
// same way.
func (s *Store) projection(h *tableHandle, requested []string) []string {
	existing := make(map[string]bool, len(h.cols))
	for _, c := range h.cols {
		existing[c] = true
	}

	if len(requested) > 0 {
		out := make([]string, 0, len(requested))
		for _, c := range requested {
			if existing[c] && schema.HasVectorColumn(c) {
				out = append(out, c)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	out := []string{"id"}
	for _, c := range schema.VectorMetadataNames() {
		if existing[c] {
			out = append(out, c)
		}
	}
	return out
}

// SampleRows returns up to n rows with the default projection.
func (s *Store) SampleRows(name string, n int) ([]Row, error) {
	if n <= 0 {
		return []Row{}, nil
	}
	h, err := s.openTable(name, 0, "", false)
	if err != nil {
		return nil, err
	}
	projection := s.projection(h, nil)
	return queryRows(h.conn, fmt.Sprintf(
		"SELECT %s FROM vectors LIMIT %d", strings.Join(projection, ", "), n))
}

// ExistingValues reports which of the given values already occur in the
// named column, keyed by their string form. A missing table means
// nothing is present. The worker probes destination tables with this
// before embedding so duplicate deliveries are dropped cheaply.
func (s *Store) ExistingValues(name, col string, values []any) (map[string]bool, error) {
	out := make(map[string]bool, len(values))
	if len(values) == 0 {
		return out, nil
	}
	if !schema.HasVectorColumn(col) {
		return nil, errs.Poison("unknown column %q", col)
	}
	h, err := s.openTable(name, 0, "", false)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return out, nil
		}
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	rows, err := h.conn.Query(fmt.Sprintf(
		"SELECT DISTINCT %s FROM vectors WHERE %s IN (%s)", col, col, placeholders), values...)
	if err != nil {
		return nil, fmt.Errorf("vector probe failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan probe row: %w", err)
		}
		out[fmt.Sprint(normalizeValue(v))] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector probe iteration failed: %w", err)
	}
	return out, nil
}

// DeleteWhere removes rows matching the predicate and returns the row
// counts before and after.
func (s *Store) DeleteWhere(name, where string) (pre, post int64, err error) {
	if strings.TrimSpace(where) == "" {
		return 0, 0, fmt.Errorf("delete requires a predicate")
	}
	h, err := s.openTable(name, 0, "", false)
	if err != nil {
		return 0, 0, err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if err := h.conn.QueryRow("SELECT COUNT(*) FROM vectors").Scan(&pre); err != nil {
		return 0, 0, fmt.Errorf("failed to count rows before delete: %w", err)
	}
	if _, err := h.conn.Exec("DELETE FROM vectors WHERE " + where); err != nil {
		return 0, 0, fmt.Errorf("failed to delete rows: %w", err)
	}
	if err := h.conn.QueryRow("SELECT COUNT(*) FROM vectors").Scan(&post); err != nil {
		return 0, 0, fmt.Errorf("failed to count rows after delete: %w", err)
	}
	metrics.VectorDeletedRows.WithLabelValues(name).Add(float64(pre - post))
	return pre, post, nil
}

// ExportJSONL pages through the table with offset pagination and writes
// one JSON object per line. maxRows <= 0 exports everything; pageSize
// defaults to 1000. Returns the number of rows written.
func (s *Store) ExportJSONL(name, path, where string, pageSize, maxRows int) (int, error) {
	h, err := s.openTable(name, 0, "", false)
	if err != nil {
		return 0, err
	}
	if pageSize <= 0 {
		pageSize = 1000
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	projection := s.projection(h, nil)
	base := "SELECT " + strings.Join(projection, ", ") + " FROM vectors"
	if where != "" {
		base += " WHERE (" + where + ")"
	}
	base += " ORDER BY id"

	written := 0
	for offset := 0; ; offset += pageSize {
		limit := pageSize
		if maxRows > 0 && written+limit > maxRows {
			limit = maxRows - written
		}
		if limit <= 0 {
			break
		}

		page, err := queryRows(h.conn, fmt.Sprintf("%s LIMIT %d OFFSET %d", base, limit, offset))
		if err != nil {
			return written, err
		}
		for _, row := range page {
			line, err := json.Marshal(row)
			if err != nil {
				return written, fmt.Errorf("failed to encode export row: %w", err)
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return written, fmt.Errorf("failed to write export row: %w", err)
			}
			written++
		}
		if len(page) < limit {
			break
		}
	}

	if err := w.Flush(); err != nil {
		return written, fmt.Errorf("failed to flush export: %w", err)
	}
	return written, nil
}

func queryRows(conn *sql.DB, query string) ([]Row, error) {
	rows, err := conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	out := []Row{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector result iteration failed: %w", err)
	}
	return out, nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return v
	}
}
