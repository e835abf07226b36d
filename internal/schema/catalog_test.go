// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package schema

import (
	"strings"
	"testing"
)

func TestTileColumnsLayout(t *testing.T) {
	cols := TileColumns()
	if cols[0].Name != "tile_id" || cols[0].Nullable {
		t.Errorf("tile_id must lead and be NOT NULL, got %+v", cols[0])
	}

	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if seen[c.Name] {
			t.Errorf("duplicate tile column %q", c.Name)
		}
		seen[c.Name] = true
	}

	for _, required := range []string{"status", "indexed_at", "geo_polygon", "pixel_polygon", "raster_path", "embedder_model"} {
		if !seen[required] {
			t.Errorf("tile catalog missing %q", required)
		}
	}
}

func TestVectorMetadataExcludesStatus(t *testing.T) {
	// Status lives in the registry only; vector rows carry provenance
	// instead.
	for _, name := range VectorMetadataNames() {
		if name == "status" {
			t.Error("vector metadata must not include status")
		}
	}
	names := strings.Join(VectorMetadataNames(), ",")
	for _, required := range []string{"run_id", "embedder_backend", "embedder_model", "indexed_at"} {
		if !strings.Contains(names, required) {
			t.Errorf("vector metadata missing %q", required)
		}
	}
}

func TestHasVectorColumn(t *testing.T) {
	for _, name := range []string{"id", "embedding", "tile_id", "run_id"} {
		if !HasVectorColumn(name) {
			t.Errorf("HasVectorColumn(%q) = false", name)
		}
	}
	if HasVectorColumn("status") || HasVectorColumn("nope") {
		t.Error("out-of-schema names must not be vector columns")
	}
}

func TestTileTableDDL(t *testing.T) {
	ddl := TileTableDDL("tiles")
	if !strings.HasPrefix(ddl, "CREATE TABLE IF NOT EXISTS tiles") {
		t.Errorf("unexpected DDL prefix: %q", ddl)
	}
	if !strings.Contains(ddl, "PRIMARY KEY (tile_id)") {
		t.Error("tile DDL must declare tile_id primary key")
	}
	if !strings.Contains(ddl, "status VARCHAR NOT NULL") {
		t.Error("status must be NOT NULL")
	}
}

func TestVectorTableDDL(t *testing.T) {
	ddl := VectorTableDDL("tiles_pe_core", 512)
	if !strings.Contains(ddl, "embedding FLOAT[512] NOT NULL") {
		t.Errorf("vector DDL must pin the embedding dimension: %q", ddl)
	}
	if !strings.Contains(ddl, "PRIMARY KEY (id)") {
		t.Error("vector DDL must declare id primary key")
	}
	// Every metadata column appears after id and embedding.
	for _, c := range VectorMetadataColumns() {
		if !strings.Contains(ddl, c.Name+" "+c.Type) {
			t.Errorf("vector DDL missing column %s", c.Name)
		}
	}
}

func TestMutationIsolation(t *testing.T) {
	cols := TileColumns()
	cols[0].Name = "mutated"
	if TileColumns()[0].Name != "tile_id" {
		t.Error("TileColumns must return a copy")
	}
	meta := VectorMetadataColumns()
	meta[0].Name = "mutated"
	if VectorMetadataColumns()[0].Name != "tile_id" {
		t.Error("VectorMetadataColumns must return a copy")
	}
}
