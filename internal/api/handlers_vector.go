// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/orthovec/orthovec/internal/errs"
	"github.com/orthovec/orthovec/internal/vectorindex"
)

// ListTables lists the vector tables on disk.
func (h *Handler) ListTables(w http.ResponseWriter, _ *http.Request) {
	tables, err := h.store.ListTables()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

// TableInfo returns row count and schema for one table.
func (h *Handler) TableInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.TableInfo(chi.URLParam(r, "table"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type vectorSearchRequest struct {
	Embedding []float32 `json:"embedding"`
	K         int       `json:"k"`
	Where     string    `json:"where,omitempty"`
	Columns   []string  `json:"columns,omitempty"`
}

// VectorSearch runs a raw-vector similarity query. An unknown table is
// a 404 here even though the in-process adapter treats it as empty.
func (h *Handler) VectorSearch(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	var req vectorSearchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Embedding) == 0 {
		writeError(w, errs.Poison("embedding is required"))
		return
	}
	if _, err := h.store.TableInfo(table); err != nil {
		writeError(w, err)
		return
	}

	k := req.K
	if k <= 0 {
		k = 10
	}
	rows, err := h.store.Search(table, req.Embedding, k, vectorindex.SearchOptions{
		Where:   req.Where,
		Columns: req.Columns,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

type sampleRowsRequest struct {
	N int `json:"n"`
}

// SampleRows returns up to n rows without ranking.
func (h *Handler) SampleRows(w http.ResponseWriter, r *http.Request) {
	var req sampleRowsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.N <= 0 {
		req.N = 10
	}
	rows, err := h.store.SampleRows(chi.URLParam(r, "table"), req.N)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

type upsertRequest struct {
	Rows  []map[string]any `json:"rows"`
	IDCol string           `json:"id_col,omitempty"`
}

// Upsert merges rows into the table. External writers key by image_id
// unless they say otherwise; the worker path keys by the row id.
func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, errs.Poison("rows must be non-empty"))
		return
	}

	rows := make([]vectorindex.Row, len(req.Rows))
	for i, raw := range req.Rows {
		emb, ok := raw["embedding"].([]any)
		if !ok || len(emb) == 0 {
			writeError(w, errs.Poison("row %d has no embedding", i))
			return
		}
		vec := make([]float64, len(emb))
		for j, v := range emb {
			f, ok := v.(float64)
			if !ok {
				writeError(w, errs.Poison("row %d embedding element %d is not a number", i, j))
				return
			}
			vec[j] = f
		}
		row := vectorindex.Row(raw)
		row["embedding"] = vec
		rows[i] = row
	}

	idCol := req.IDCol
	if idCol == "" {
		idCol = "image_id"
	}
	count, err := h.store.Upsert(chi.URLParam(r, "table"), rows, idCol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"upserted": count})
}

type deleteRowsRequest struct {
	Where string `json:"where"`
}

// DeleteRows removes rows by predicate and reports both counts.
func (h *Handler) DeleteRows(w http.ResponseWriter, r *http.Request) {
	var req deleteRowsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Where == "" {
		writeError(w, errs.Poison("where predicate is required"))
		return
	}
	pre, post, err := h.store.DeleteWhere(chi.URLParam(r, "table"), req.Where)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rows_before": pre,
		"rows_after":  post,
		"deleted":     pre - post,
	})
}

type exportRequest struct {
	Path     string `json:"path"`
	Where    string `json:"where,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	MaxRows  int    `json:"max_rows,omitempty"`
}

// Export writes the table as JSON lines to a server-side path.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" {
		writeError(w, errs.Poison("path is required"))
		return
	}
	written, err := h.store.ExportJSONL(chi.URLParam(r, "table"), req.Path, req.Where, req.PageSize, req.MaxRows)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exported": written})
}

// Optimize checkpoints the table file.
func (h *Handler) Optimize(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Optimize(chi.URLParam(r, "table")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"optimized": true})
}
