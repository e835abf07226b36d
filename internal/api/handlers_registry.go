// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/orthovec/orthovec/internal/errs"
	"github.com/orthovec/orthovec/internal/registry"
)

// CreateTile registers one tile.
func (h *Handler) CreateTile(w http.ResponseWriter, r *http.Request) {
	var tile registry.Tile
	if err := decodeBody(r, &tile); err != nil {
		writeError(w, err)
		return
	}
	count, err := h.reg.UpsertTiles(r.Context(), []registry.Tile{tile})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"upserted": count})
}

// CreateTileBatch registers many tiles in one transaction.
func (h *Handler) CreateTileBatch(w http.ResponseWriter, r *http.Request) {
	var tiles []registry.Tile
	if err := decodeBody(r, &tiles); err != nil {
		writeError(w, err)
		return
	}
	if len(tiles) == 0 {
		writeError(w, errs.Poison("tiles must be non-empty"))
		return
	}
	count, err := h.reg.UpsertTiles(r.Context(), tiles)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"upserted": count})
}

// ListTiles pages through tiles by status.
func (h *Handler) ListTiles(w http.ResponseWriter, r *http.Request) {
	status, err := registry.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	tiles, err := h.reg.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiles": tiles})
}

// GetTile fetches one tile by id.
func (h *Handler) GetTile(w http.ResponseWriter, r *http.Request) {
	tile, err := h.reg.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tile)
}

// PutTile upserts one tile at its canonical id. A body with a different
// tile_id is rejected rather than silently renamed.
func (h *Handler) PutTile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var tile registry.Tile
	if err := decodeBody(r, &tile); err != nil {
		writeError(w, err)
		return
	}
	if tile.TileID == "" {
		tile.TileID = id
	}
	if tile.TileID != id {
		writeError(w, errs.Poison("body tile_id %q does not match path id %q", tile.TileID, id))
		return
	}
	count, err := h.reg.UpsertTiles(r.Context(), []registry.Tile{tile})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"upserted": count})
}

// DeleteTile removes one tile.
func (h *Handler) DeleteTile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := h.reg.Delete(r.Context(), []string{id})
	if err != nil {
		writeError(w, err)
		return
	}
	if deleted == 0 {
		writeError(w, errs.NotFound("tile %s", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

type statusUpdateRequest struct {
	TileIDs []string `json:"tile_ids,omitempty"`
	Status  string   `json:"status"`
}

// UpdateTileStatus transitions one tile.
func (h *Handler) UpdateTileStatus(w http.ResponseWriter, r *http.Request) {
	var req statusUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.updateStatus(w, r, []string{chi.URLParam(r, "id")}, req.Status)
}

// UpdateStatusBatch transitions many tiles atomically: one illegal edge
// rejects the whole batch.
func (h *Handler) UpdateStatusBatch(w http.ResponseWriter, r *http.Request) {
	var req statusUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.TileIDs) == 0 {
		writeError(w, errs.Poison("tile_ids must be non-empty"))
		return
	}
	h.updateStatus(w, r, req.TileIDs, req.Status)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request, ids []string, rawStatus string) {
	status, err := registry.ParseStatus(rawStatus)
	if err != nil {
		writeError(w, err)
		return
	}
	changed, err := h.reg.UpdateStatus(r.Context(), ids, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}

// StatusCounts reports how many tiles sit in each lifecycle state.
func (h *Handler) StatusCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.reg.StatusCounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
