// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package geometry

import (
	"fmt"
	"math"
)

// FilterMode selects the spatial predicate for polygon filtering.
type FilterMode string

const (
	// ModeIntersects keeps rows whose polygon intersects the query.
	ModeIntersects FilterMode = "intersects"
	// ModeWithin keeps rows whose polygon lies entirely inside the query.
	ModeWithin FilterMode = "within"
)

// Intersects reports whether the two geometries share any point.
func Intersects(a, b *Geometry) bool {
	for _, pa := range a.Polygons {
		for _, pb := range b.Polygons {
			if polygonsIntersect(pa, pb) {
				return true
			}
		}
	}
	return false
}

// Within reports whether g lies entirely inside q.
func Within(g, q *Geometry) bool {
	for _, pg := range g.Polygons {
		inside := false
		for _, pq := range q.Polygons {
			if polygonWithin(pg, pq) {
				inside = true
				break
			}
		}
		if !inside {
			return false
		}
	}
	return true
}

func polygonsIntersect(a, b Polygon) bool {
	// Any vertex containment either way, or any edge crossing.
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for _, p := range a[0] {
		if pointInPolygon(p, b) {
			return true
		}
	}
	for _, p := range b[0] {
		if pointInPolygon(p, a) {
			return true
		}
	}
	return ringsCross(a[0], b[0])
}

func polygonWithin(g, q Polygon) bool {
	if len(g) == 0 || len(q) == 0 {
		return false
	}
	for _, p := range g[0] {
		if !pointInPolygon(p, q) {
			return false
		}
	}
	return !ringsCross(g[0], q[0])
}

// pointInPolygon uses the even-odd rule against the outer ring, then
// subtracts holes. Boundary points count as inside.
func pointInPolygon(p Point, poly Polygon) bool {
	if len(poly) == 0 || !pointInRing(p, poly[0]) {
		return false
	}
	for _, hole := range poly[1:] {
		if pointStrictlyInRing(p, hole) {
			return false
		}
	}
	return true
}

func pointInRing(p Point, ring Ring) bool {
	if pointOnRing(p, ring) {
		return true
	}
	return pointStrictlyInRing(p, ring)
}

func pointStrictlyInRing(p Point, ring Ring) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := ring[i], ring[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			xCross := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

func pointOnRing(p Point, ring Ring) bool {
	n := len(ring)
	for i := 0; i < n; i++ {
		if onSegment(ring[i], ring[(i+1)%n], p) {
			return true
		}
	}
	return false
}

func onSegment(a, b, p Point) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if math.Abs(cross) > 1e-9*math.Max(1, math.Abs(b.X-a.X)+math.Abs(b.Y-a.Y)) {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-1e-12 && p.X <= math.Max(a.X, b.X)+1e-12 &&
		p.Y >= math.Min(a.Y, b.Y)-1e-12 && p.Y <= math.Max(a.Y, b.Y)+1e-12
}

func ringsCross(a, b Ring) bool {
	na, nb := len(a), len(b)
	for i := 0; i < na; i++ {
		a1, a2 := a[i], a[(i+1)%na]
		for j := 0; j < nb; j++ {
			b1, b2 := b[j], b[(j+1)%nb]
			if segmentsIntersect(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, q1, q2 Point) bool {
	d1 := direction(q1, q2, p1)
	d2 := direction(q1, q2, p2)
	d3 := direction(p1, p2, q1)
	d4 := direction(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

func direction(a, b, c Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

// FilterByQuery keeps the rows whose polygon (at wktKey) satisfies the
// predicate against the query polygon. Rows without the key are dropped.
func FilterByQuery(rows []map[string]any, queryWKT string, mode FilterMode, wktKey string) ([]map[string]any, error) {
	query, err := ParseWKT(queryWKT)
	if err != nil {
		return nil, fmt.Errorf("query polygon: %w", err)
	}

	var filtered []map[string]any
	for _, row := range rows {
		raw, ok := row[wktKey]
		if !ok || raw == nil {
			continue
		}
		wkt, ok := raw.(string)
		if !ok || wkt == "" {
			continue
		}
		g, err := ParseWKT(wkt)
		if err != nil {
			return nil, fmt.Errorf("row polygon: %w", err)
		}

		switch mode {
		case ModeWithin:
			if Within(g, query) {
				filtered = append(filtered, row)
			}
		default:
			if Intersects(g, query) {
				filtered = append(filtered, row)
			}
		}
	}
	return filtered, nil
}
