// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/orthovec/orthovec/internal/bus"
	"github.com/orthovec/orthovec/internal/config"
	"github.com/orthovec/orthovec/internal/registry"
	"github.com/orthovec/orthovec/internal/vectorindex"
)

type published struct {
	queue   string
	payload []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	published []published
	failAll   bool
}

func (f *fakePublisher) Publish(_ context.Context, queue string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return fmt.Errorf("broker unavailable")
	}
	f.published = append(f.published, published{queue: queue, payload: payload})
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestParseRouting(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		wantErr bool
		checks  map[[2]string]string // (backend, model) -> queue
	}{
		{
			name: "single backend",
			spec: "hash=tiles.to_index",
			checks: map[[2]string]string{
				{"hash", ""}:      "tiles.to_index",
				{"remote", ""}:    "tiles.to_index", // default
				{"hash", "pe"}:    "tiles.to_index",
				{"unknown", "m1"}: "tiles.to_index",
			},
		},
		{
			name: "model beats backend",
			spec: "remote=tiles.generic,remote:pe_core=tiles.pe",
			checks: map[[2]string]string{
				{"remote", "pe_core"}: "tiles.pe",
				{"remote", "clip"}:    "tiles.generic",
				{"remote", ""}:        "tiles.generic",
			},
		},
		{
			name: "full backend:model hint matches as given",
			spec: "pe_core=q1,clip:ViT-B-32=q2",
			checks: map[[2]string]string{
				{"pe_core", "clip:ViT-B-32"}: "q2",
				{"clip", "ViT-B-32"}:         "q2",
				{"pe_core", "clip:other"}:    "q1",
				{"pe_core", ""}:              "q1",
			},
		},
		{
			name: "hint backend entry beats configured backend",
			spec: "hash=q.hash,remote=q.remote",
			checks: map[[2]string]string{
				{"hash", "remote:pe"}: "q.remote",
				{"hash", "pe"}:        "q.hash",
			},
		},
		{
			name: "later duplicate wins",
			spec: "hash=q1,hash=q2",
			checks: map[[2]string]string{
				{"hash", ""}: "q2",
			},
		},
		{
			name: "default is first backend entry",
			spec: "hash=q.hash,remote=q.remote",
			checks: map[[2]string]string{
				{"siglip2", ""}: "q.hash",
			},
		},
		{name: "empty", spec: "", wantErr: true},
		{name: "only model entries", spec: "remote:pe=q1", wantErr: true},
		{name: "missing queue", spec: "hash=", wantErr: true},
		{name: "missing separator", spec: "hash", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRouting(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRouting: %v", err)
			}
			for key, want := range tt.checks {
				if got := r.Queue(key[0], key[1]); got != want {
					t.Errorf("Queue(%q, %q) = %q, want %q", key[0], key[1], got, want)
				}
			}
		})
	}
}

func TestRoutingQueues(t *testing.T) {
	r, err := ParseRouting("remote=q.b,hash=q.a,remote:pe=q.c,remote:clip=q.a")
	if err != nil {
		t.Fatalf("ParseRouting: %v", err)
	}
	want := []string{"q.a", "q.b", "q.c"}
	if got := r.Queues(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Queues() = %v, want %v", got, want)
	}
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "tiles.duckdb"), "tiles")
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func readyTile(id string, imageID int64) registry.Tile {
	w, h := int32(64), int32(64)
	store := "synthetic"
	return registry.Tile{
		TileID:    id,
		ImageID:   &imageID,
		TileStore: &store,
		Width:     &w,
		Height:    &h,
		Status:    registry.StatusReadyForIndexing,
	}
}

func newScheduler(t *testing.T, reg *registry.Registry, pub bus.Publisher, routing string) *Scheduler {
	t.Helper()
	s, err := New(reg, pub, config.SchedulerConfig{
		Interval:  time.Second,
		BatchSize: 10,
		Routing:   routing,
	}, "hash")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestTickPublishesReadyTiles(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	pub := &fakePublisher{}
	s := newScheduler(t, reg, pub, "hash=tiles.to_index")

	if _, err := reg.UpsertTiles(ctx, []registry.Tile{
		readyTile("a", 1), readyTile("b", 2),
	}); err != nil {
		t.Fatalf("UpsertTiles: %v", err)
	}

	s.Tick(ctx)

	if pub.count() != 2 {
		t.Fatalf("published %d messages, want 2", pub.count())
	}
	var runID string
	for i, p := range pub.published {
		if p.queue != "tiles.to_index" {
			t.Fatalf("queue = %q", p.queue)
		}
		req, err := bus.DecodeIndexRequest(p.payload)
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if req.EmbedderBackend != "hash" {
			t.Fatalf("backend = %q", req.EmbedderBackend)
		}
		if req.RunID == "" {
			t.Fatal("payload missing run_id")
		}
		if i == 0 {
			runID = req.RunID
		} else if req.RunID != runID {
			t.Fatal("run_id differs within one tick")
		}
	}

	for _, id := range []string{"a", "b"} {
		tile, err := reg.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if tile.Status != registry.StatusInProcess {
			t.Fatalf("tile %s status = %s, want IN_PROCESS", id, tile.Status)
		}
	}

	// Second tick finds nothing ready and stays off the bus.
	s.Tick(ctx)
	if pub.count() != 2 {
		t.Fatalf("published %d messages after idle tick, want 2", pub.count())
	}
}

func TestTickNoReadyTilesIsNoOp(t *testing.T) {
	reg := newTestRegistry(t)
	pub := &fakePublisher{}
	s := newScheduler(t, reg, pub, "hash=tiles.to_index")

	s.Tick(context.Background())
	if pub.count() != 0 {
		t.Fatalf("published %d messages, want 0", pub.count())
	}
}

func TestTickPublishFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	pub := &fakePublisher{failAll: true}
	s := newScheduler(t, reg, pub, "hash=tiles.to_index")

	if _, err := reg.UpsertTiles(ctx, []registry.Tile{readyTile("a", 1)}); err != nil {
		t.Fatalf("UpsertTiles: %v", err)
	}
	s.Tick(ctx)

	tile, err := reg.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tile.Status != registry.StatusFailed {
		t.Fatalf("status = %s, want FAILED", tile.Status)
	}
}

func TestTickModelRouting(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	pub := &fakePublisher{}
	s := newScheduler(t, reg, pub, "hash=tiles.generic,hash:pe_core=tiles.pe")

	tile := readyTile("a", 1)
	model := "pe_core"
	tile.EmbedderModel = &model
	if _, err := reg.UpsertTiles(ctx, []registry.Tile{tile, readyTile("b", 2)}); err != nil {
		t.Fatalf("UpsertTiles: %v", err)
	}
	s.Tick(ctx)

	queues := map[string]int{}
	for _, p := range pub.published {
		queues[p.queue]++
	}
	if queues["tiles.pe"] != 1 || queues["tiles.generic"] != 1 {
		t.Fatalf("queue distribution = %v", queues)
	}
}

func TestTickFullModelHintRouting(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	pub := &fakePublisher{}
	s := newScheduler(t, reg, pub, "hash=tiles.generic,clip:vit_b_32=tiles.clip")

	tile := readyTile("a", 1)
	model := "clip:vit_b_32"
	tile.EmbedderModel = &model
	if _, err := reg.UpsertTiles(ctx, []registry.Tile{tile}); err != nil {
		t.Fatalf("UpsertTiles: %v", err)
	}
	s.Tick(ctx)

	if pub.count() != 1 {
		t.Fatalf("published %d messages, want 1", pub.count())
	}
	p := pub.published[0]
	if p.queue != "tiles.clip" {
		t.Fatalf("queue = %q, want tiles.clip", p.queue)
	}
	req, err := bus.DecodeIndexRequest(p.payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	// The hint's backend rides along so the worker groups by it.
	if req.EmbedderBackend != "clip" || req.EmbedderModel != "vit_b_32" {
		t.Fatalf("payload embedder = %s:%s, want clip:vit_b_32",
			req.EmbedderBackend, req.EmbedderModel)
	}
}

func TestTickSkippedWhileInFlight(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	pub := &fakePublisher{}
	s := newScheduler(t, reg, pub, "hash=tiles.to_index")

	if _, err := reg.UpsertTiles(ctx, []registry.Tile{readyTile("a", 1)}); err != nil {
		t.Fatalf("UpsertTiles: %v", err)
	}

	s.inFlight.Store(true)
	s.Tick(ctx)
	if pub.count() != 0 {
		t.Fatalf("skipped tick still published %d messages", pub.count())
	}
	s.inFlight.Store(false)

	s.Tick(ctx)
	if pub.count() != 1 {
		t.Fatalf("published %d messages, want 1", pub.count())
	}
}

func TestTTLSweep(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	store, err := vectorindex.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	if err := store.CreateOrOpen("emb", 4, "float32"); err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}

	now := time.Now().Unix()
	old := now - 7200
	oldTile := readyTile("old", 1)
	oldTile.Status = registry.StatusIndexed
	oldTile.IndexedAt = &old
	freshTile := readyTile("fresh", 2)
	freshTile.Status = registry.StatusIndexed
	freshTile.IndexedAt = &now
	if _, err := reg.UpsertTiles(ctx, []registry.Tile{oldTile, freshTile}); err != nil {
		t.Fatalf("UpsertTiles: %v", err)
	}

	if _, err := store.Upsert("emb", []vectorindex.Row{
		{"id": "old.hash", "embedding": []float32{1, 0, 0, 0}, "indexed_at": old},
		{"id": "fresh.hash", "embedding": []float32{0, 1, 0, 0}, "indexed_at": now},
	}, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	sweeper := NewTTLSweeper(reg, store, config.SchedulerConfig{
		Interval:  time.Second,
		BatchSize: 100,
		TTL:       time.Hour,
		TTLTables: "emb",
	})
	sweeper.Sweep(ctx)

	if _, err := reg.Get(ctx, "old"); err == nil {
		t.Fatal("expired tile still in registry")
	}
	if _, err := reg.Get(ctx, "fresh"); err != nil {
		t.Fatalf("fresh tile deleted: %v", err)
	}

	info, err := store.TableInfo("emb")
	if err != nil {
		t.Fatalf("TableInfo: %v", err)
	}
	if info.Rows != 1 {
		t.Fatalf("vector rows = %d, want 1", info.Rows)
	}
}

func TestTTLSweepNothingExpired(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	store, err := vectorindex.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	sweeper := NewTTLSweeper(reg, store, config.SchedulerConfig{
		Interval:  time.Second,
		BatchSize: 100,
		TTL:       time.Hour,
	})
	// No tiles at all; the sweep must not error or touch the store.
	sweeper.Sweep(ctx)
}
