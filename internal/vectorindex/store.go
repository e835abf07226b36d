// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package vectorindex owns the embedding tables. Each table is one
// DuckDB database under the store directory, holding a fixed-dimension
// FLOAT array column plus the catalog metadata columns. Writes are
// single-writer per table; reads are safe concurrently.
package vectorindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"

	"github.com/orthovec/orthovec/internal/errs"
	"github.com/orthovec/orthovec/internal/logging"
	"github.com/orthovec/orthovec/internal/schema"
)

// tableNamePattern keeps table names filesystem- and SQL-safe.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Store manages vector tables under one directory, one sub-directory
// per table.
type Store struct {
	dir string

	mu      sync.Mutex
	handles map[string]*tableHandle

	log zerolog.Logger
}

// tableHandle caches an open table connection and its schema.
type tableHandle struct {
	conn  *sql.DB
	dim   int
	dtype string
	cols  []string // metadata columns present, in catalog order

	writeMu sync.Mutex
	vss     bool
}

// TableInfo describes one vector table.
type TableInfo struct {
	Name    string   `json:"name"`
	Rows    int64    `json:"rows"`
	Dim     int      `json:"dim"`
	Dtype   string   `json:"dtype"`
	Columns []string `json:"columns"`
}

// SearchOptions tune a similarity search.
type SearchOptions struct {
	// Where is a SQL predicate over metadata columns.
	Where string
	// Columns overrides the default metadata projection.
	Columns []string
}

// NewStore prepares the store directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create vector store directory %s: %w", dir, err)
	}
	return &Store{
		dir:     dir,
		handles: make(map[string]*tableHandle),
		log:     logging.With().Str("component", "vectorindex").Logger(),
	}, nil
}

// CreateOrOpen returns a handle to the named table, creating it when
// absent. An existing table with a different dimension or declared
// dtype fails with SchemaConflict; this is fatal at startup. The
// declared dtype (float32 or float16) is recorded per table; storage is
// FLOAT either way.
func (s *Store) CreateOrOpen(name string, dim int, dtype string) error {
	_, err := s.openTable(name, dim, dtype, true)
	return err
}

// VerifyTables opens every table on disk and checks its stored schema
// against the configured dimension and dtype. Run at startup so a
// restart with a changed dimension exits before anything consumes.
func (s *Store) VerifyTables(dim int, dtype string) error {
	names, err := s.ListTables()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.CreateOrOpen(name, dim, dtype); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) openTable(name string, dim int, dtype string, create bool) (*tableHandle, error) {
	if !tableNamePattern.MatchString(name) {
		return nil, errs.Poison("invalid table name %q", name)
	}
	// An empty dtype means "accept whatever the table declares".
	if dtype != "" && dtype != "float32" && dtype != "float16" {
		return nil, errs.SchemaConflict("unsupported vector dtype %q", dtype)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[name]; ok {
		if dim > 0 && h.dim != dim {
			return nil, errs.SchemaConflict("table %s has dimension %d, requested %d", name, h.dim, dim)
		}
		if dtype != "" && h.dtype != dtype {
			return nil, errs.SchemaConflict("table %s declared dtype %s, requested %s", name, h.dtype, dtype)
		}
		return h, nil
	}

	dbPath := filepath.Join(s.dir, name, "data.duckdb")
	exists := fileExists(dbPath)
	if !exists && !create {
		return nil, errs.NotFound("vector table %s", name)
	}
	if !exists {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create table directory: %w", err)
		}
	}

	conn, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector table %s: %w", name, err)
	}
	conn.SetMaxOpenConns(1)

	h := &tableHandle{conn: conn, dim: dim, dtype: dtype}
	if err := s.initTable(h, name, dim, dtype, exists); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.handles[name] = h
	return h, nil
}

func (s *Store) initTable(h *tableHandle, name string, dim int, dtype string, exists bool) error {
	if _, err := h.conn.Exec(
		"CREATE TABLE IF NOT EXISTS _meta (key VARCHAR PRIMARY KEY, value VARCHAR NOT NULL)"); err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}

	if exists {
		storedDim, storedDtype, err := readMeta(h.conn)
		if err != nil {
			return err
		}
		if dim > 0 && storedDim != dim {
			return errs.SchemaConflict("table %s has dimension %d, requested %d", name, storedDim, dim)
		}
		if dtype != "" && storedDtype != dtype {
			return errs.SchemaConflict("table %s declared dtype %s, requested %s", name, storedDtype, dtype)
		}
		h.dim = storedDim
		h.dtype = storedDtype
	} else {
		if dim <= 0 {
			return errs.SchemaConflict("cannot create vector table without a dimension")
		}
		if dtype == "" {
			dtype = "float32"
		}
		h.dtype = dtype
		if _, err := h.conn.Exec(schema.VectorTableDDL("vectors", dim)); err != nil {
			return fmt.Errorf("failed to create vector table %s: %w", name, err)
		}
		if _, err := h.conn.Exec(
			"INSERT INTO _meta VALUES ('dim', ?), ('dtype', ?)",
			strconv.Itoa(dim), dtype); err != nil {
			return fmt.Errorf("failed to record table schema: %w", err)
		}
		s.log.Info().Str("table", name).Int("dim", dim).Str("dtype", dtype).Msg("vector table created")
	}

	cols, err := tableColumns(h.conn)
	if err != nil {
		return err
	}
	h.cols = cols
	h.vss = tryLoadVSS(h.conn, h.dim, s.log)
	return nil
}

func readMeta(conn *sql.DB) (int, string, error) {
	rows, err := conn.Query("SELECT key, value FROM _meta")
	if err != nil {
		return 0, "", fmt.Errorf("failed to read table meta: %w", err)
	}
	defer rows.Close()

	meta := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return 0, "", fmt.Errorf("failed to scan meta row: %w", err)
		}
		meta[k] = v
	}
	if err := rows.Err(); err != nil {
		return 0, "", err
	}
	dim, err := strconv.Atoi(meta["dim"])
	if err != nil {
		return 0, "", errs.SchemaConflict("vector table missing dimension metadata: %v", err)
	}
	dtype := meta["dtype"]
	if dtype == "" {
		dtype = "float32"
	}
	return dim, dtype, nil
}

func tableColumns(conn *sql.DB) ([]string, error) {
	rows, err := conn.Query(
		"SELECT column_name FROM information_schema.columns WHERE table_name = 'vectors' ORDER BY ordinal_position")
	if err != nil {
		return nil, fmt.Errorf("failed to read table columns: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// tryLoadVSS loads the vss extension and builds an HNSW index. On any
// failure the table stays on the brute-force scan path.
func tryLoadVSS(conn *sql.DB, dim int, log zerolog.Logger) bool {
	if _, err := conn.Exec("INSTALL vss; LOAD vss"); err != nil {
		log.Debug().Err(err).Msg("vss extension unavailable, using brute-force search")
		return false
	}
	if _, err := conn.Exec("SET hnsw_enable_experimental_persistence = true"); err != nil {
		log.Debug().Err(err).Msg("hnsw persistence unavailable, using brute-force search")
		return false
	}
	if _, err := conn.Exec(
		"CREATE INDEX IF NOT EXISTS idx_hnsw_embedding ON vectors USING HNSW (embedding) WITH (metric = 'cosine')"); err != nil {
		log.Debug().Err(err).Msg("hnsw index creation failed, using brute-force search")
		return false
	}
	return true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ListTables returns the table names present on disk, sorted by name.
func (s *Store) ListTables() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list vector tables: %w", err)
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() && fileExists(filepath.Join(s.dir, e.Name(), "data.duckdb")) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// TableInfo returns row count and schema for one table.
func (s *Store) TableInfo(name string) (TableInfo, error) {
	h, err := s.openTable(name, 0, "", false)
	if err != nil {
		return TableInfo{}, err
	}
	var rows int64
	if err := h.conn.QueryRow("SELECT COUNT(*) FROM vectors").Scan(&rows); err != nil {
		return TableInfo{}, fmt.Errorf("failed to count rows in %s: %w", name, err)
	}
	return TableInfo{
		Name:    name,
		Rows:    rows,
		Dim:     h.dim,
		Dtype:   h.dtype,
		Columns: h.cols,
	}, nil
}

// Optimize checkpoints the table file and drops the cached handle so
// the next access reopens a compacted database.
func (s *Store) Optimize(name string) error {
	h, err := s.openTable(name, 0, "", false)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	_, execErr := h.conn.Exec("CHECKPOINT")
	h.writeMu.Unlock()
	if execErr != nil {
		return fmt.Errorf("failed to checkpoint %s: %w", name, execErr)
	}

	s.mu.Lock()
	delete(s.handles, name)
	s.mu.Unlock()
	if err := h.conn.Close(); err != nil {
		return fmt.Errorf("failed to close %s after optimize: %w", name, err)
	}
	return nil
}

// Close releases every cached handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for name, h := range s.handles {
		if err := h.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close table %s: %w", name, err)
		}
		delete(s.handles, name)
	}
	return firstErr
}

// embeddingLiteral renders a FLOAT[dim] SQL literal. Values are plain
// floats, so string building is injection-safe.
func embeddingLiteral(vec []float32, dim int) string {
	var b strings.Builder
	b.WriteString("CAST([")
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	fmt.Fprintf(&b, "] AS FLOAT[%d])", dim)
	return b.String()
}
