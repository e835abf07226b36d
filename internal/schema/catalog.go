// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package schema is the single declarative catalog of tile and vector
// row columns. The registry DDL and the vector table schemas are
// generated from it; adding a field means editing exactly this list.
package schema

import (
	"fmt"
	"strings"
)

// Column describes one storage column.
type Column struct {
	Name     string
	Type     string // DuckDB type
	Nullable bool
}

// DDL renders the column as a CREATE TABLE fragment.
func (c Column) DDL() string {
	if c.Nullable {
		return fmt.Sprintf("%s %s", c.Name, c.Type)
	}
	return fmt.Sprintf("%s %s NOT NULL", c.Name, c.Type)
}

// tileColumns is the authoritative tile row layout. tile_id leads as the
// primary key; ordering is the on-disk ordering.
var tileColumns = []Column{
	{Name: "tile_id", Type: "VARCHAR", Nullable: false},
	{Name: "image_id", Type: "BIGINT", Nullable: true},
	{Name: "source", Type: "VARCHAR", Nullable: true},
	{Name: "tile_store", Type: "VARCHAR", Nullable: true},
	{Name: "image_path", Type: "VARCHAR", Nullable: true},
	{Name: "raster_path", Type: "VARCHAR", Nullable: true},
	{Name: "pixel_polygon", Type: "VARCHAR", Nullable: true},
	{Name: "geo_polygon", Type: "VARCHAR", Nullable: true},
	{Name: "lat", Type: "DOUBLE", Nullable: true},
	{Name: "lon", Type: "DOUBLE", Nullable: true},
	{Name: "utm_zone", Type: "VARCHAR", Nullable: true},
	{Name: "width", Type: "INTEGER", Nullable: true},
	{Name: "height", Type: "INTEGER", Nullable: true},
	{Name: "status", Type: "VARCHAR", Nullable: false},
	{Name: "indexed_at", Type: "BIGINT", Nullable: true},
	{Name: "embedder_model", Type: "VARCHAR", Nullable: true},
}

// vectorMetadataColumns is the tile metadata projected onto vector rows,
// plus the embedding provenance fields. The vector table adds id and
// embedding in front of these.
var vectorMetadataColumns = []Column{
	{Name: "tile_id", Type: "VARCHAR", Nullable: true},
	{Name: "image_id", Type: "BIGINT", Nullable: true},
	{Name: "source", Type: "VARCHAR", Nullable: true},
	{Name: "tile_store", Type: "VARCHAR", Nullable: true},
	{Name: "image_path", Type: "VARCHAR", Nullable: true},
	{Name: "raster_path", Type: "VARCHAR", Nullable: true},
	{Name: "pixel_polygon", Type: "VARCHAR", Nullable: true},
	{Name: "geo_polygon", Type: "VARCHAR", Nullable: true},
	{Name: "lat", Type: "DOUBLE", Nullable: true},
	{Name: "lon", Type: "DOUBLE", Nullable: true},
	{Name: "utm_zone", Type: "VARCHAR", Nullable: true},
	{Name: "width", Type: "INTEGER", Nullable: true},
	{Name: "height", Type: "INTEGER", Nullable: true},
	{Name: "run_id", Type: "VARCHAR", Nullable: true},
	{Name: "embedder_backend", Type: "VARCHAR", Nullable: true},
	{Name: "embedder_model", Type: "VARCHAR", Nullable: true},
	{Name: "indexed_at", Type: "BIGINT", Nullable: true},
}

// TileColumns returns the tile row layout in storage order.
func TileColumns() []Column {
	out := make([]Column, len(tileColumns))
	copy(out, tileColumns)
	return out
}

// VectorMetadataColumns returns the metadata columns carried by vector
// rows, in storage order. This list drives the default search projection.
func VectorMetadataColumns() []Column {
	out := make([]Column, len(vectorMetadataColumns))
	copy(out, vectorMetadataColumns)
	return out
}

// VectorMetadataNames returns just the metadata column names.
func VectorMetadataNames() []string {
	return Names(vectorMetadataColumns)
}

// TileColumnNames returns the tile column names in storage order.
func TileColumnNames() []string {
	return Names(tileColumns)
}

// Names extracts the column names in order.
func Names(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// HasTileColumn reports whether name is a tile column.
func HasTileColumn(name string) bool {
	for _, c := range tileColumns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// HasVectorColumn reports whether name is a vector row column, counting
// id and embedding alongside the metadata columns.
func HasVectorColumn(name string) bool {
	if name == "id" || name == "embedding" {
		return true
	}
	for _, c := range vectorMetadataColumns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// TileTableDDL renders the CREATE TABLE statement for the registry.
func TileTableDDL(table string) string {
	parts := make([]string, 0, len(tileColumns)+1)
	for _, c := range tileColumns {
		parts = append(parts, c.DDL())
	}
	parts = append(parts, "PRIMARY KEY (tile_id)")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table, strings.Join(parts, ",\n\t"))
}

// VectorTableDDL renders the CREATE TABLE statement for one vector
// table with a fixed embedding dimension.
func VectorTableDDL(table string, dim int) string {
	parts := make([]string, 0, len(vectorMetadataColumns)+3)
	parts = append(parts, "id VARCHAR NOT NULL")
	parts = append(parts, fmt.Sprintf("embedding FLOAT[%d] NOT NULL", dim))
	for _, c := range vectorMetadataColumns {
		parts = append(parts, c.DDL())
	}
	parts = append(parts, "PRIMARY KEY (id)")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table, strings.Join(parts, ",\n\t"))
}
