// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package tileid provides canonical tile identity.
//
// A tile is addressed by (source, z, x, y, variant). The canonical string
// form is stable across runs and processes and is used as the registry
// primary key; the short hash form is used where a fixed-length key is
// needed.
package tileid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ShortHashLen is the length of the fixed-length short id form.
const ShortHashLen = 16

// TileKey identifies a tile within a source pyramid.
type TileKey struct {
	Source  string
	Z       int
	X       int
	Y       int
	Variant string
}

// Canonical returns the canonical tile id string:
// "{source}:{z}/{x}/{y}:{variant}", omitting the ":{variant}" suffix
// when the variant is empty. The variant is carried verbatim so two
// distinct keys never share a canonical id.
func (k TileKey) Canonical() string {
	id := fmt.Sprintf("%s:%d/%d/%d", k.Source, k.Z, k.X, k.Y)
	if k.Variant == "" {
		return id
	}
	return id + ":" + k.Variant
}

// Hash returns a short, deterministic hex digest of the canonical id.
func (k TileKey) Hash() string {
	return Hash(k.Canonical())
}

// Hash returns the first ShortHashLen hex chars of sha256(tileID).
func Hash(tileID string) string {
	h := sha256.Sum256([]byte(tileID))
	return hex.EncodeToString(h[:])[:ShortHashLen]
}

// Parse reverses Canonical. It accepts both the variant-carrying and the
// variant-stripped forms.
func Parse(id string) (TileKey, error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) < 2 {
		return TileKey{}, fmt.Errorf("malformed tile id %q", id)
	}

	coords := strings.Split(parts[1], "/")
	if len(coords) != 3 {
		return TileKey{}, fmt.Errorf("malformed tile coordinates in %q", id)
	}

	z, err := strconv.Atoi(coords[0])
	if err != nil {
		return TileKey{}, fmt.Errorf("tile id %q: bad z: %w", id, err)
	}
	x, err := strconv.Atoi(coords[1])
	if err != nil {
		return TileKey{}, fmt.Errorf("tile id %q: bad x: %w", id, err)
	}
	y, err := strconv.Atoi(coords[2])
	if err != nil {
		return TileKey{}, fmt.Errorf("tile id %q: bad y: %w", id, err)
	}

	key := TileKey{Source: parts[0], Z: z, X: x, Y: y}
	if len(parts) == 3 {
		key.Variant = parts[2]
	}
	return key, nil
}

// RowDiscriminator returns the vector-row id for a tile embedded by a
// specific embedder. One vector row exists per (tile, embedder).
func RowDiscriminator(tileID, backend, model string) string {
	if backend == "" && model == "" {
		return tileID
	}
	return tileID + "#" + backend + ":" + model
}
