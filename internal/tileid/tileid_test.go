// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package tileid

import "testing"

func TestCanonical(t *testing.T) {
	tests := []struct {
		name string
		key  TileKey
		want string
	}{
		{
			name: "no variant strips trailing colon",
			key:  TileKey{Source: "orthophoto", Z: 0, X: 0, Y: 0},
			want: "orthophoto:0/0/0",
		},
		{
			name: "with variant",
			key:  TileKey{Source: "dota", Z: 3, X: 7, Y: 2, Variant: "crop"},
			want: "dota:3/7/2:crop",
		},
		{
			name: "variant with trailing colon is preserved",
			key:  TileKey{Source: "dota", Z: 3, X: 7, Y: 2, Variant: "crop:"},
			want: "dota:3/7/2:crop:",
		},
		{
			name: "satellite deep zoom",
			key:  TileKey{Source: "satellite", Z: 14, X: 8712, Y: 5931},
			want: "satellite:14/8712/5931",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.Canonical(); got != tt.want {
				t.Errorf("Canonical() = %q, want %q", got, tt.want)
			}
		})
	}
}

// Canonical ids must be equal exactly when the keys are equal field by field.
func TestCanonicalInjective(t *testing.T) {
	keys := []TileKey{
		{Source: "coco", Z: 1, X: 2, Y: 3},
		{Source: "coco", Z: 1, X: 2, Y: 3, Variant: "v"},
		{Source: "coco", Z: 1, X: 2, Y: 3, Variant: "v:"},
		{Source: "coco", Z: 1, X: 2, Y: 3, Variant: "v::"},
		{Source: "coco", Z: 1, X: 3, Y: 2},
		{Source: "dota", Z: 1, X: 2, Y: 3},
		{Source: "coco", Z: 12, X: 3, Y: 4},
		{Source: "coco", Z: 1, X: 23, Y: 4},
	}

	seen := make(map[string]TileKey, len(keys))
	for _, k := range keys {
		id := k.Canonical()
		if prev, ok := seen[id]; ok && prev != k {
			t.Errorf("collision: %+v and %+v both map to %q", prev, k, id)
		}
		seen[id] = k
	}
}

func TestParseRoundTrip(t *testing.T) {
	keys := []TileKey{
		{Source: "orthophoto", Z: 0, X: 0, Y: 0},
		{Source: "strip", Z: 9, X: 100, Y: 200, Variant: "b3"},
		{Source: "strip", Z: 9, X: 100, Y: 200, Variant: "b3:"},
	}
	for _, k := range keys {
		got, err := Parse(k.Canonical())
		if err != nil {
			t.Fatalf("Parse(%q): %v", k.Canonical(), err)
		}
		if got != k {
			t.Errorf("Parse(Canonical(%+v)) = %+v", k, got)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	for _, id := range []string{"", "nocoords", "src:1/2", "src:a/b/c", "src:1/2/x"} {
		if _, err := Parse(id); err == nil {
			t.Errorf("Parse(%q) should fail", id)
		}
	}
}

func TestHashStableAndShort(t *testing.T) {
	id := "orthophoto:0/0/0"
	h1 := Hash(id)
	h2 := Hash(id)
	if h1 != h2 {
		t.Error("hash must be deterministic")
	}
	if len(h1) != ShortHashLen {
		t.Errorf("hash length = %d, want %d", len(h1), ShortHashLen)
	}
	if Hash("orthophoto:0/0/1") == h1 {
		t.Error("distinct ids should not collide on the short hash")
	}
}

func TestRowDiscriminator(t *testing.T) {
	if got := RowDiscriminator("a:0/0/0", "pe_core", "PE-Core-B16-224"); got != "a:0/0/0#pe_core:PE-Core-B16-224" {
		t.Errorf("RowDiscriminator = %q", got)
	}
	if got := RowDiscriminator("a:0/0/0", "", ""); got != "a:0/0/0" {
		t.Errorf("RowDiscriminator without embedder = %q", got)
	}
}
