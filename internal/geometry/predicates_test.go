// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package geometry

import "testing"

func mustParse(t *testing.T, wkt string) *Geometry {
	t.Helper()
	g, err := ParseWKT(wkt)
	if err != nil {
		t.Fatalf("ParseWKT(%q): %v", wkt, err)
	}
	return g
}

func TestIntersects(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{
			name: "overlapping squares",
			a:    "POLYGON ((0 0, 2 0, 2 2, 0 2, 0 0))",
			b:    "POLYGON ((1 1, 3 1, 3 3, 1 3, 1 1))",
			want: true,
		},
		{
			name: "disjoint squares",
			a:    "POLYGON ((0 0, 1 0, 1 1, 0 1, 0 0))",
			b:    "POLYGON ((5 5, 6 5, 6 6, 5 6, 5 5))",
			want: false,
		},
		{
			name: "contained square",
			a:    "POLYGON ((1 1, 2 1, 2 2, 1 2, 1 1))",
			b:    "POLYGON ((0 0, 4 0, 4 4, 0 4, 0 0))",
			want: true,
		},
		{
			name: "shared edge",
			a:    "POLYGON ((0 0, 1 0, 1 1, 0 1, 0 0))",
			b:    "POLYGON ((1 0, 2 0, 2 1, 1 1, 1 0))",
			want: true,
		},
		{
			name: "cross without contained vertices",
			a:    "POLYGON ((-1 0.4, 2 0.4, 2 0.6, -1 0.6, -1 0.4))",
			b:    "POLYGON ((0.4 -1, 0.6 -1, 0.6 2, 0.4 2, 0.4 -1))",
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := mustParse(t, tt.a), mustParse(t, tt.b)
			if got := Intersects(a, b); got != tt.want {
				t.Errorf("Intersects = %v, want %v", got, tt.want)
			}
			if got := Intersects(b, a); got != tt.want {
				t.Errorf("Intersects is not symmetric: reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithin(t *testing.T) {
	inner := mustParse(t, "POLYGON ((1 1, 2 1, 2 2, 1 2, 1 1))")
	outer := mustParse(t, "POLYGON ((0 0, 4 0, 4 4, 0 4, 0 0))")
	straddling := mustParse(t, "POLYGON ((3 3, 5 3, 5 5, 3 5, 3 3))")

	if !Within(inner, outer) {
		t.Error("inner square should be within outer")
	}
	if Within(outer, inner) {
		t.Error("outer square must not be within inner")
	}
	if Within(straddling, outer) {
		t.Error("straddling square must not be within outer")
	}
	// Touching the boundary still counts as within.
	if !Within(outer, outer) {
		t.Error("a polygon is within itself")
	}
}

func TestPointInPolygonWithHole(t *testing.T) {
	donut := mustParse(t, "POLYGON ((0 0, 10 0, 10 10, 0 10, 0 0), (4 4, 6 4, 6 6, 4 6, 4 4))")
	poly := donut.Polygons[0]

	if !pointInPolygon(Point{2, 2}, poly) {
		t.Error("point in the solid part should be inside")
	}
	if pointInPolygon(Point{5, 5}, poly) {
		t.Error("point in the hole should be outside")
	}
	if pointInPolygon(Point{11, 5}, poly) {
		t.Error("point past the outer ring should be outside")
	}
	if !pointInPolygon(Point{0, 5}, poly) {
		t.Error("boundary point should count as inside")
	}
}

func TestFilterByQuery(t *testing.T) {
	rows := []map[string]any{
		{"image_id": "a", "geo_polygon": "POLYGON ((0 0, 2 0, 2 2, 0 2, 0 0))"},
		{"image_id": "b", "geo_polygon": "POLYGON ((10 10, 12 10, 12 12, 10 12, 10 10))"},
		{"image_id": "c", "geo_polygon": "POLYGON ((0.5 0.5, 1 0.5, 1 1, 0.5 1, 0.5 0.5))"},
		{"image_id": "d"}, // no polygon, always dropped
	}
	query := "POLYGON ((0 0, 3 0, 3 3, 0 3, 0 0))"

	got, err := FilterByQuery(rows, query, ModeIntersects, "geo_polygon")
	if err != nil {
		t.Fatalf("FilterByQuery: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("intersects filter kept %d rows, want 2", len(got))
	}

	got, err = FilterByQuery(rows, query, ModeWithin, "geo_polygon")
	if err != nil {
		t.Fatalf("FilterByQuery: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("within filter kept %d rows, want 2", len(got))
	}
	for _, row := range got {
		id := row["image_id"].(string)
		if id != "a" && id != "c" {
			t.Errorf("unexpected row %q survived within filter", id)
		}
	}

	if _, err := FilterByQuery(rows, "POINT (1 1)", ModeIntersects, "geo_polygon"); err == nil {
		t.Error("non-polygon query must be rejected")
	}
}
