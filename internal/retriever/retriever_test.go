// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package retriever

import (
	"context"
	"testing"

	"github.com/orthovec/orthovec/internal/config"
	"github.com/orthovec/orthovec/internal/embedder"
	"github.com/orthovec/orthovec/internal/errs"
	"github.com/orthovec/orthovec/internal/vectorindex"
)

const testDim = 8

func testRetrieverConfig() config.RetrieverConfig {
	return config.RetrieverConfig{
		Enabled:         true,
		EmbedderBackend: "hash",
		DefaultK:        10,
		GeoNMSRadiusM:   50,
	}
}

// seedStore indexes rows whose embeddings are the hash-text vectors of
// their ids, so querying an id's text ranks that row first.
func seedStore(t *testing.T, texts map[string][2]float64) *vectorindex.Store {
	t.Helper()
	store, err := vectorindex.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := embedder.NewHash(testDim, "")
	rows := make([]vectorindex.Row, 0, len(texts))
	for text, loc := range texts {
		vec, err := h.EmbedText(context.Background(), text)
		if err != nil {
			t.Fatalf("EmbedText: %v", err)
		}
		rows = append(rows, vectorindex.Row{
			"id":        text,
			"embedding": vec,
			"lat":       loc[0],
			"lon":       loc[1],
		})
	}
	if _, err := store.Upsert("emb_hash", rows, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return store
}

func TestSearchRanksExactMatchFirst(t *testing.T) {
	store := seedStore(t, map[string][2]float64{
		"runway": {48.35, 11.78},
		"harbor": {53.54, 9.97},
		"forest": {48.10, 11.40},
	})
	r, err := New(store, testRetrieverConfig(), testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rows, err := r.Search(context.Background(), Request{
		QueryText: "runway",
		TableName: "emb_hash",
		K:         3,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0]["id"] != "runway" {
		t.Fatalf("top row = %v, want runway", rows[0]["id"])
	}
	dist, ok := rows[0]["_distance"].(float64)
	if !ok {
		t.Fatalf("_distance missing or wrong type: %T", rows[0]["_distance"])
	}
	if dist > 0.01 {
		t.Fatalf("exact match distance = %v, want < 0.01", dist)
	}
	if _, ok := rows[0]["embedding"]; ok {
		t.Fatal("embedding leaked into the projection")
	}
}

func TestSearchDefaultK(t *testing.T) {
	store := seedStore(t, map[string][2]float64{
		"a": {0, 0}, "b": {1, 1}, "c": {2, 2},
	})
	cfg := testRetrieverConfig()
	cfg.DefaultK = 2
	r, err := New(store, cfg, testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rows, err := r.Search(context.Background(), Request{QueryText: "a", TableName: "emb_hash"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want default k = 2", len(rows))
	}
}

func TestSearchGeoNMS(t *testing.T) {
	// Two near-duplicate tiles ~14 m apart and one far away.
	store := seedStore(t, map[string][2]float64{
		"runway":     {48.3500, 11.7800},
		"runway-dup": {48.35001, 11.78018},
		"runway-far": {48.3600, 11.7800},
	})
	r, err := New(store, testRetrieverConfig(), testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := Request{QueryText: "runway", TableName: "emb_hash", K: 3, ApplyGeoNMS: true}
	rows, err := r.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows after nms, want 2", len(rows))
	}
	if rows[0]["id"] != "runway" {
		t.Fatalf("top row = %v, want the higher-ranked duplicate kept", rows[0]["id"])
	}

	// Without NMS all three come back.
	req.ApplyGeoNMS = false
	rows, err = r.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows without nms, want 3", len(rows))
	}
}

func TestSearchGeoFilter(t *testing.T) {
	store, err := vectorindex.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := embedder.NewHash(testDim, "")
	polygons := map[string]string{
		"inside":  "POLYGON ((1 1, 3 1, 3 3, 1 3, 1 1))",
		"outside": "POLYGON ((20 20, 22 20, 22 22, 20 22, 20 20))",
		"no-geo":  "",
	}
	var rows []vectorindex.Row
	for id, wkt := range polygons {
		vec, err := h.EmbedText(context.Background(), id)
		if err != nil {
			t.Fatalf("EmbedText: %v", err)
		}
		row := vectorindex.Row{"id": id, "embedding": vec}
		if wkt != "" {
			row["geo_polygon"] = wkt
		}
		rows = append(rows, row)
	}
	if _, err := store.Upsert("emb_hash", rows, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	r, err := New(store, testRetrieverConfig(), testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := r.Search(context.Background(), Request{
		QueryText:    "inside",
		TableName:    "emb_hash",
		K:            3,
		GeoFilterWKT: "POLYGON ((0 0, 10 0, 10 10, 0 10, 0 0))",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0]["id"] != "inside" {
		t.Fatalf("filtered rows = %v, want just the inside tile", got)
	}

	_, err = r.Search(context.Background(), Request{
		QueryText:    "inside",
		TableName:    "emb_hash",
		GeoFilterWKT: "POINT (1 1)",
	})
	if errs.KindOf(err) != errs.KindPoison {
		t.Fatalf("bad filter polygon kind = %v, want poison", errs.KindOf(err))
	}
}

func TestSearchErrors(t *testing.T) {
	store := seedStore(t, map[string][2]float64{"a": {0, 0}})
	r, err := New(store, testRetrieverConfig(), testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	_, err = r.Search(ctx, Request{TableName: "emb_hash"})
	if errs.KindOf(err) != errs.KindPoison {
		t.Fatalf("missing query kind = %v, want poison", errs.KindOf(err))
	}

	_, err = r.Search(ctx, Request{QueryText: "x"})
	if errs.KindOf(err) != errs.KindPoison {
		t.Fatalf("missing table kind = %v, want poison", errs.KindOf(err))
	}

	_, err = r.Search(ctx, Request{QueryText: "x", TableName: "no_such_table"})
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("unknown table kind = %v, want not_found", errs.KindOf(err))
	}
}

func TestSearchUnreachableBackend(t *testing.T) {
	store := seedStore(t, map[string][2]float64{"a": {0, 0}})
	cfg := testRetrieverConfig()
	cfg.EmbedderBackend = "remote"
	cfg.EmbedderURL = "http://127.0.0.1:1"
	r, err := New(store, cfg, testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = r.Search(context.Background(), Request{QueryText: "x", TableName: "emb_hash"})
	if !errs.IsTransient(err) {
		t.Fatalf("kind = %v, want transient", errs.KindOf(err))
	}
}
