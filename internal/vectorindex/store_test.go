// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package vectorindex

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/orthovec/orthovec/internal/errs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRow(id string, vec []float32) Row {
	return Row{
		"id":               id,
		"embedding":        vec,
		"tile_id":          id,
		"source":           "orthophoto",
		"embedder_backend": "hash",
		"embedder_model":   "hash-4",
	}
}

func TestCreateOrOpenDimConflict(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateOrOpen("tiles_hash", 4, "float32"); err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	if err := s.CreateOrOpen("tiles_hash", 4, "float32"); err != nil {
		t.Fatalf("reopen with same dim: %v", err)
	}
	if err := s.CreateOrOpen("tiles_hash", 8, "float32"); errs.KindOf(err) != errs.KindSchemaConflict {
		t.Errorf("dim mismatch should be SchemaConflict, got %v", err)
	}
	if err := s.CreateOrOpen("tiles_hash", 4, "float16"); errs.KindOf(err) != errs.KindSchemaConflict {
		t.Errorf("dtype mismatch should be SchemaConflict, got %v", err)
	}
}

func TestCreateOrOpenSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.CreateOrOpen("t", 4, "float16"); err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s2.Close()
	// Declared dtype is persisted; restart with a different one fails.
	if err := s2.CreateOrOpen("t", 4, "float32"); errs.KindOf(err) != errs.KindSchemaConflict {
		t.Errorf("dtype mismatch across restart should be SchemaConflict, got %v", err)
	}
	if err := s2.CreateOrOpen("t", 4, "float16"); err != nil {
		t.Errorf("matching reopen failed: %v", err)
	}
}

func TestVerifyTablesDimChangeAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for _, name := range []string{"emb_a", "emb_b"} {
		if err := s.CreateOrOpen(name, 8, "float32"); err != nil {
			t.Fatalf("CreateOrOpen(%s): %v", name, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s2.Close()
	// A restart with a changed dimension must surface the conflict
	// before anything writes.
	if err := s2.VerifyTables(16, "float32"); errs.KindOf(err) != errs.KindSchemaConflict {
		t.Fatalf("want SchemaConflict, got %v", err)
	}
	if err := s2.VerifyTables(8, "float32"); err != nil {
		t.Fatalf("matching verify failed: %v", err)
	}
}

func TestUpsertEmptyCreatesNoTable(t *testing.T) {
	s := newTestStore(t)

	n, err := s.Upsert("ghost", nil, "id")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n != 0 {
		t.Errorf("empty upsert wrote %d rows", n)
	}
	tables, err := s.ListTables()
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 0 {
		t.Errorf("empty upsert must not create a table, got %v", tables)
	}
}

func TestUpsertReplaceByID(t *testing.T) {
	s := newTestStore(t)

	rows := []Row{
		testRow("a", []float32{1, 0, 0, 0}),
		testRow("b", []float32{0, 1, 0, 0}),
	}
	if _, err := s.Upsert("t", rows, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Same id again replaces instead of duplicating.
	replacement := testRow("a", []float32{0, 0, 1, 0})
	replacement["source"] = "satellite"
	if _, err := s.Upsert("t", []Row{replacement}, "id"); err != nil {
		t.Fatalf("replace Upsert: %v", err)
	}

	info, err := s.TableInfo("t")
	if err != nil {
		t.Fatalf("TableInfo: %v", err)
	}
	if info.Rows != 2 {
		t.Errorf("rows = %d, want 2 (upsert replaced)", info.Rows)
	}

	got, err := s.Search("t", []float32{0, 0, 1, 0}, 1, SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0]["id"] != "a" || got[0]["source"] != "satellite" {
		t.Errorf("replaced row not found: %v", got)
	}
}

func TestUpsertDropsOutOfSchemaKeys(t *testing.T) {
	s := newTestStore(t)

	row := testRow("a", []float32{1, 0})
	row["not_a_column"] = "ignored"
	if _, err := s.Upsert("t", []Row{row}, "id"); err != nil {
		t.Fatalf("Upsert with extra key: %v", err)
	}
}

func TestUpsertRejectsBadRows(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Upsert("t", []Row{{"id": "a"}}, "id"); errs.KindOf(err) != errs.KindPoison {
		t.Errorf("missing embedding should be Poison, got %v", err)
	}
	if _, err := s.Upsert("t", []Row{{"embedding": []float32{1, 0}}}, "id"); errs.KindOf(err) != errs.KindPoison {
		t.Errorf("missing id should be Poison, got %v", err)
	}

	if _, err := s.Upsert("t", []Row{testRow("a", []float32{1, 0})}, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := s.Upsert("t", []Row{testRow("b", []float32{1, 0, 0})}, "id"); errs.KindOf(err) != errs.KindSchemaConflict {
		t.Errorf("wrong embedding length should be SchemaConflict, got %v", err)
	}
}

func TestUpsertByAlternateIDColumn(t *testing.T) {
	s := newTestStore(t)

	row := testRow("a", []float32{1, 0})
	row["image_id"] = int64(7)
	if _, err := s.Upsert("t", []Row{row}, "image_id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Same image_id with a new row id replaces the old row.
	row2 := testRow("a2", []float32{0, 1})
	row2["image_id"] = int64(7)
	if _, err := s.Upsert("t", []Row{row2}, "image_id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	info, err := s.TableInfo("t")
	if err != nil {
		t.Fatalf("TableInfo: %v", err)
	}
	if info.Rows != 1 {
		t.Errorf("rows = %d, want 1 (merge on image_id)", info.Rows)
	}
}

func TestSearch(t *testing.T) {
	s := newTestStore(t)

	rows := []Row{
		testRow("x", []float32{1, 0, 0, 0}),
		testRow("y", []float32{0, 1, 0, 0}),
		testRow("z", []float32{0.9, 0.1, 0, 0}),
	}
	if _, err := s.Upsert("t", rows, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Search("t", []float32{1, 0, 0, 0}, 2, SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[0]["id"] != "x" || got[1]["id"] != "z" {
		t.Errorf("ranking wrong: %v then %v", got[0]["id"], got[1]["id"])
	}
	if _, ok := got[0]["_distance"]; !ok {
		t.Error("results must carry _distance")
	}
	if _, ok := got[0]["embedding"]; ok {
		t.Error("default projection must not include the embedding")
	}
}

func TestSearchEdgeCases(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert("t", []Row{testRow("a", []float32{1, 0})}, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// k = 0 returns empty without error.
	got, err := s.Search("t", []float32{1, 0}, 0, SearchOptions{})
	if err != nil || len(got) != 0 {
		t.Errorf("k=0: got %v, %v", got, err)
	}

	// Missing table is empty in-process.
	got, err = s.Search("missing", []float32{1, 0}, 5, SearchOptions{})
	if err != nil || len(got) != 0 {
		t.Errorf("missing table: got %v, %v", got, err)
	}

	// Wrong query length is a dimension conflict.
	if _, err := s.Search("t", []float32{1, 0, 0}, 5, SearchOptions{}); errs.KindOf(err) != errs.KindSchemaConflict {
		t.Errorf("dim mismatch should be SchemaConflict, got %v", err)
	}
}

func TestSearchWhereAndColumns(t *testing.T) {
	s := newTestStore(t)

	a := testRow("a", []float32{1, 0})
	b := testRow("b", []float32{0.9, 0.1})
	b["source"] = "satellite"
	if _, err := s.Upsert("t", []Row{a, b}, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Search("t", []float32{1, 0}, 10, SearchOptions{
		Where:   "source = 'satellite'",
		Columns: []string{"id", "source", "bogus"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0]["id"] != "b" {
		t.Fatalf("where filter wrong: %v", got)
	}
	if _, ok := got[0]["tile_id"]; ok {
		t.Error("explicit projection must not include unrequested columns")
	}
}

func TestDeleteWhere(t *testing.T) {
	s := newTestStore(t)

	rows := []Row{}
	for _, id := range []string{"a", "b", "c"} {
		r := testRow(id, []float32{1, 0})
		r["indexed_at"] = int64(100)
		rows = append(rows, r)
	}
	rows[2]["indexed_at"] = int64(9000)
	if _, err := s.Upsert("t", rows, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	pre, post, err := s.DeleteWhere("t", "indexed_at <= 100")
	if err != nil {
		t.Fatalf("DeleteWhere: %v", err)
	}
	if pre != 3 || post != 1 {
		t.Errorf("pre/post = %d/%d, want 3/1", pre, post)
	}

	if _, _, err := s.DeleteWhere("t", ""); err == nil {
		t.Error("empty predicate must be rejected")
	}
}

func TestExportJSONL(t *testing.T) {
	s := newTestStore(t)

	rows := []Row{}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		rows = append(rows, testRow(id, []float32{1, 0}))
	}
	if _, err := s.Upsert("t", rows, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	path := filepath.Join(t.TempDir(), "export.jsonl")
	n, err := s.ExportJSONL("t", path, "", 2, 3)
	if err != nil {
		t.Fatalf("ExportJSONL: %v", err)
	}
	if n != 3 {
		t.Errorf("exported %d rows, want 3 (max_rows honored)", n)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			t.Fatalf("line %d is not JSON: %v", lines, err)
		}
		if row["id"] == nil {
			t.Errorf("line %d missing id", lines)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("file has %d lines, want 3", lines)
	}
}

func TestSampleRowsAndListTables(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Upsert("alpha", []Row{testRow("a", []float32{1, 0})}, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := s.Upsert("beta", []Row{testRow("b", []float32{0, 1})}, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	tables, err := s.ListTables()
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 2 {
		t.Errorf("tables = %v, want 2 entries", tables)
	}

	sample, err := s.SampleRows("alpha", 10)
	if err != nil {
		t.Fatalf("SampleRows: %v", err)
	}
	if len(sample) != 1 || sample[0]["id"] != "a" {
		t.Errorf("sample = %v", sample)
	}
}

func TestOptimizeKeepsData(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Upsert("t", []Row{testRow("a", []float32{1, 0})}, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Optimize("t"); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	info, err := s.TableInfo("t")
	if err != nil {
		t.Fatalf("TableInfo after optimize: %v", err)
	}
	if info.Rows != 1 {
		t.Errorf("rows = %d after optimize, want 1", info.Rows)
	}
}

func TestExistingValues(t *testing.T) {
	s := newTestStore(t)

	rowA := testRow("a", []float32{1, 0})
	rowA["image_id"] = int64(10)
	rowB := testRow("b", []float32{0, 1})
	rowB["image_id"] = int64(20)
	if _, err := s.Upsert("t", []Row{rowA, rowB}, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.ExistingValues("t", "image_id", []any{int64(10), int64(20), int64(30)})
	if err != nil {
		t.Fatalf("ExistingValues: %v", err)
	}
	if len(got) != 2 || !got["10"] || !got["20"] || got["30"] {
		t.Fatalf("ExistingValues = %v", got)
	}

	byID, err := s.ExistingValues("t", "id", []any{"a", "z"})
	if err != nil {
		t.Fatalf("ExistingValues by id: %v", err)
	}
	if !byID["a"] || byID["z"] {
		t.Fatalf("ExistingValues by id = %v", byID)
	}

	missing, err := s.ExistingValues("nope", "id", []any{"a"})
	if err != nil {
		t.Fatalf("ExistingValues missing table: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("missing table probe = %v", missing)
	}

	if _, err := s.ExistingValues("t", "not_a_column", []any{"a"}); err == nil {
		t.Fatal("unknown column should fail")
	}
}
