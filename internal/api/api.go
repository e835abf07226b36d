// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package api provides the HTTP surfaces: the vector table service, the
// tile registry service, and the retriever search endpoint. All three
// share one chi router; config decides which are mounted.
package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/orthovec/orthovec/internal/errs"
	"github.com/orthovec/orthovec/internal/logging"
	"github.com/orthovec/orthovec/internal/registry"
	"github.com/orthovec/orthovec/internal/retriever"
	"github.com/orthovec/orthovec/internal/vectorindex"
)

// Handler carries the service dependencies. Any of them may be nil when
// the corresponding surface is not mounted.
type Handler struct {
	reg       *registry.Registry
	store     *vectorindex.Store
	retriever *retriever.Retriever
	startTime time.Time
	log       zerolog.Logger
}

// NewHandler builds the handler set.
func NewHandler(reg *registry.Registry, store *vectorindex.Store, retr *retriever.Retriever) *Handler {
	return &Handler{
		reg:       reg,
		store:     store,
		retriever: retr,
		startTime: time.Now(),
		log:       logging.With().Str("component", "api").Logger(),
	}
}

// errorBody is the typed error envelope every surface returns.
type errorBody struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

// writeJSON writes a JSON response with proper headers.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // HTTP response write errors are not recoverable
	json.NewEncoder(w).Encode(data)
}

// writeError maps the error taxonomy onto status codes: 404 for unknown
// tables and tiles, 400 for anything the client can fix, 503 for
// transient upstream failures, 500 otherwise.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindPoison, errs.KindInvalidState, errs.KindSchemaConflict:
		status = http.StatusBadRequest
	case errs.KindTransient:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: err.Error(), ErrorKind: kind.String()})
}

// decodeBody decodes a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.Poison("malformed request body: %v", err)
	}
	return nil
}

// Health reports liveness and uptime.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}
