// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package geometry

import "math"

const earthRadiusM = 6371000.0

// HaversineMeters returns the great-circle distance between two WGS84
// points in meters.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}

// GeoNMS runs greedy non-maximum suppression over ranked rows using
// their lat/lon columns. Rows are assumed sorted best-first; within each
// radius cluster the earlier (higher-ranked) row survives. Rows without
// coordinates pass through untouched.
func GeoNMS(rows []map[string]any, radiusM float64) []map[string]any {
	if radiusM <= 0 || len(rows) < 2 {
		return rows
	}

	type anchor struct{ lat, lon float64 }
	var kept []anchor
	out := make([]map[string]any, 0, len(rows))

	for _, row := range rows {
		lat, latOK := numericField(row, "lat")
		lon, lonOK := numericField(row, "lon")
		if !latOK || !lonOK {
			out = append(out, row)
			continue
		}

		suppressed := false
		for _, a := range kept {
			if HaversineMeters(lat, lon, a.lat, a.lon) <= radiusM {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		kept = append(kept, anchor{lat, lon})
		out = append(out, row)
	}
	return out
}

func numericField(row map[string]any, key string) (float64, bool) {
	switch v := row[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
