// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package api

import (
	"net/http"
	"strconv"

	"github.com/orthovec/orthovec/internal/errs"
	"github.com/orthovec/orthovec/internal/metrics"
	"github.com/orthovec/orthovec/internal/retriever"
)

// Search answers a text query against one vector table.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req retriever.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	rows, err := h.retriever.Search(r.Context(), req)
	if err != nil {
		metrics.SearchRequests.WithLabelValues(req.TableName, strconv.Itoa(statusFor(err))).Inc()
		writeError(w, err)
		return
	}
	metrics.SearchRequests.WithLabelValues(req.TableName, "200").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"query": req.QueryText,
		"table": req.TableName,
		"rows":  rows,
	})
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindPoison, errs.KindInvalidState, errs.KindSchemaConflict:
		return http.StatusBadRequest
	case errs.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
