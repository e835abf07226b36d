// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package geometry provides the WKT polygon operations used across the
// pipeline: parsing, normalization, deduplication keys, and the spatial
// predicates backing polygon post-filtering and geographic NMS.
//
// Coordinates are treated as planar. Pixel polygons live in raster pixel
// space; geo polygons are WGS84 lon/lat where the small-extent planar
// approximation is acceptable for tile-sized footprints.
package geometry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// wktPrecision is the decimal precision applied by Normalize.
const wktPrecision = 6

// Point is a planar coordinate pair.
type Point struct {
	X float64
	Y float64
}

// Ring is a closed linear ring. The closing vertex is implicit: the ring
// is stored open and closed on output.
type Ring []Point

// Polygon is one outer ring followed by zero or more holes.
type Polygon []Ring

// Geometry is a parsed POLYGON or MULTIPOLYGON.
type Geometry struct {
	Polygons []Polygon
}

// ParseWKT parses a POLYGON or MULTIPOLYGON. Empty geometries and other
// geometry types are rejected.
func ParseWKT(wkt string) (*Geometry, error) {
	s := strings.TrimSpace(wkt)
	upper := strings.ToUpper(s)

	switch {
	case strings.HasPrefix(upper, "POLYGON"):
		body := strings.TrimSpace(s[len("POLYGON"):])
		if strings.EqualFold(body, "EMPTY") {
			return nil, fmt.Errorf("WKT geometry is empty")
		}
		poly, err := parsePolygonBody(body)
		if err != nil {
			return nil, err
		}
		return &Geometry{Polygons: []Polygon{poly}}, nil

	case strings.HasPrefix(upper, "MULTIPOLYGON"):
		body := strings.TrimSpace(s[len("MULTIPOLYGON"):])
		if strings.EqualFold(body, "EMPTY") {
			return nil, fmt.Errorf("WKT geometry is empty")
		}
		polys, err := parseMultiPolygonBody(body)
		if err != nil {
			return nil, err
		}
		return &Geometry{Polygons: polys}, nil

	default:
		kind := upper
		if i := strings.IndexAny(upper, " ("); i > 0 {
			kind = upper[:i]
		}
		return nil, fmt.Errorf("expected POLYGON or MULTIPOLYGON WKT, got %s", kind)
	}
}

// parseGroups splits a balanced parenthesized list into its top-level groups.
func parseGroups(body string) ([]string, error) {
	body = strings.TrimSpace(body)
	if len(body) < 2 || body[0] != '(' || body[len(body)-1] != ')' {
		return nil, fmt.Errorf("malformed WKT body %q", body)
	}
	inner := body[1 : len(body)-1]

	var groups []string
	depth := 0
	start := -1
	for i, r := range inner {
		switch r {
		case '(':
			if depth == 0 {
				start = i
			}
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses in WKT")
			}
			if depth == 0 {
				groups = append(groups, inner[start:i+1])
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses in WKT")
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("WKT geometry is empty")
	}
	return groups, nil
}

func parsePolygonBody(body string) (Polygon, error) {
	ringGroups, err := parseGroups(body)
	if err != nil {
		return nil, err
	}
	poly := make(Polygon, 0, len(ringGroups))
	for _, g := range ringGroups {
		ring, err := parseRing(g)
		if err != nil {
			return nil, err
		}
		poly = append(poly, ring)
	}
	return poly, nil
}

func parseMultiPolygonBody(body string) ([]Polygon, error) {
	polyGroups, err := parseGroups(body)
	if err != nil {
		return nil, err
	}
	polys := make([]Polygon, 0, len(polyGroups))
	for _, g := range polyGroups {
		poly, err := parsePolygonBody(g)
		if err != nil {
			return nil, err
		}
		polys = append(polys, poly)
	}
	return polys, nil
}

func parseRing(group string) (Ring, error) {
	group = strings.TrimSpace(group)
	if len(group) < 2 || group[0] != '(' || group[len(group)-1] != ')' {
		return nil, fmt.Errorf("malformed ring %q", group)
	}
	coordList := group[1 : len(group)-1]

	var ring Ring
	for _, pair := range strings.Split(coordList, ",") {
		fields := strings.Fields(strings.TrimSpace(pair))
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed coordinate %q", pair)
		}
		x, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("bad x coordinate %q: %w", fields[0], err)
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad y coordinate %q: %w", fields[1], err)
		}
		ring = append(ring, Point{X: x, Y: y})
	}

	// Drop the explicit closing vertex; rings are stored open.
	if len(ring) > 1 && ring[0] == ring[len(ring)-1] {
		ring = ring[:len(ring)-1]
	}
	if len(ring) < 3 {
		return nil, fmt.Errorf("ring has %d distinct vertices, need at least 3", len(ring))
	}
	return ring, nil
}

// WKT renders the geometry. Single polygons render as POLYGON,
// multiple as MULTIPOLYGON.
func (g *Geometry) WKT() string {
	if len(g.Polygons) == 1 {
		return "POLYGON " + polygonBody(g.Polygons[0])
	}
	parts := make([]string, len(g.Polygons))
	for i, p := range g.Polygons {
		parts[i] = polygonBody(p)
	}
	return "MULTIPOLYGON (" + strings.Join(parts, ", ") + ")"
}

func polygonBody(p Polygon) string {
	rings := make([]string, len(p))
	for i, r := range p {
		coords := make([]string, 0, len(r)+1)
		for _, pt := range r {
			coords = append(coords, formatCoord(pt))
		}
		coords = append(coords, formatCoord(r[0])) // close the ring
		rings[i] = "(" + strings.Join(coords, ", ") + ")"
	}
	return "(" + strings.Join(rings, ", ") + ")"
}

func formatCoord(p Point) string {
	return strconv.FormatFloat(p.X, 'f', -1, 64) + " " + strconv.FormatFloat(p.Y, 'f', -1, 64)
}

// BBoxToWKT returns the POLYGON covering the axis-aligned box.
func BBoxToWKT(minX, minY, maxX, maxY float64) string {
	ring := Ring{
		{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY},
	}
	return (&Geometry{Polygons: []Polygon{{ring}}}).WKT()
}

// Normalize parses, canonicalizes, and re-renders a polygon WKT.
// Canonical form: coordinates rounded to 6 decimal places, duplicate and
// collinear vertices dropped, each ring starting at its lexicographically
// smallest vertex, outer rings counter-clockwise and holes clockwise.
// Normalize is idempotent.
func Normalize(wkt string) (string, error) {
	g, err := ParseWKT(wkt)
	if err != nil {
		return "", err
	}
	for _, poly := range g.Polygons {
		for i, ring := range poly {
			r := canonicalRing(ring, i == 0)
			if len(r) < 3 {
				return "", fmt.Errorf("ring degenerates to %d vertices after normalization", len(r))
			}
			poly[i] = r
		}
	}
	return g.WKT(), nil
}

func canonicalRing(ring Ring, outer bool) Ring {
	rounded := make(Ring, 0, len(ring))
	for _, p := range ring {
		rp := Point{roundTo(p.X, wktPrecision), roundTo(p.Y, wktPrecision)}
		if len(rounded) > 0 && rounded[len(rounded)-1] == rp {
			continue
		}
		rounded = append(rounded, rp)
	}
	if len(rounded) > 1 && rounded[0] == rounded[len(rounded)-1] {
		rounded = rounded[:len(rounded)-1]
	}
	rounded = dropCollinear(rounded)
	if len(rounded) < 3 {
		return rounded
	}

	// Orientation: outer rings CCW, holes CW.
	if outer == (signedArea(rounded) < 0) {
		reverse(rounded)
	}

	// Rotate so the smallest vertex leads.
	min := 0
	for i, p := range rounded {
		if p.X < rounded[min].X || (p.X == rounded[min].X && p.Y < rounded[min].Y) {
			min = i
		}
	}
	rotated := make(Ring, 0, len(rounded))
	rotated = append(rotated, rounded[min:]...)
	rotated = append(rotated, rounded[:min]...)
	return rotated
}

func dropCollinear(ring Ring) Ring {
	if len(ring) < 4 {
		return ring
	}
	out := make(Ring, 0, len(ring))
	n := len(ring)
	for i := 0; i < n; i++ {
		prev := ring[(i-1+n)%n]
		cur := ring[i]
		next := ring[(i+1)%n]
		cross := (cur.X-prev.X)*(next.Y-prev.Y) - (cur.Y-prev.Y)*(next.X-prev.X)
		if cross != 0 {
			out = append(out, cur)
		}
	}
	if len(out) < 3 {
		return ring
	}
	return out
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}

func signedArea(ring Ring) float64 {
	var area float64
	n := len(ring)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		area += ring[i].X*ring[j].Y - ring[j].X*ring[i].Y
	}
	return area / 2
}

func reverse(ring Ring) {
	for i, j := 0, len(ring)-1; i < j; i, j = i+1, j-1 {
		ring[i], ring[j] = ring[j], ring[i]
	}
}

// DedupKey returns a stable sha256 hex digest of the normalized polygon
// plus any extra discriminators, for cross-run tile deduplication.
func DedupKey(wkt string, parts ...any) (string, error) {
	normalized, err := Normalize(wkt)
	if err != nil {
		return "", err
	}
	payload := normalized
	if len(parts) > 0 {
		extras := make([]string, len(parts))
		for i, p := range parts {
			if p == nil {
				extras[i] = ""
			} else {
				extras[i] = fmt.Sprint(p)
			}
		}
		payload = normalized + "|" + strings.Join(extras, "|")
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:]), nil
}
