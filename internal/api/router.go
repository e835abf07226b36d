// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orthovec/orthovec/internal/logging"
	"github.com/orthovec/orthovec/internal/metrics"
)

// Surfaces selects which route groups are mounted.
type Surfaces struct {
	Vector    bool
	Registry  bool
	Retriever bool
}

// NewRouter wires the enabled surfaces onto one chi router.
func NewRouter(h *Handler, s Surfaces) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if s.Vector {
		r.Route("/tables", func(r chi.Router) {
			r.Get("/", h.ListTables)
			r.Get("/{table}/info", h.TableInfo)
			r.Post("/{table}/search", h.VectorSearch)
			r.Post("/{table}/rows", h.SampleRows)
			r.Post("/{table}/upsert", h.Upsert)
			r.Post("/{table}/delete", h.DeleteRows)
			r.Post("/{table}/export", h.Export)
			r.Post("/{table}/optimize", h.Optimize)
		})
	}

	if s.Registry {
		r.Route("/tiles", func(r chi.Router) {
			r.Post("/", h.CreateTile)
			r.Get("/", h.ListTiles)
			r.Post("/batch", h.CreateTileBatch)
			r.Put("/batch/status", h.UpdateStatusBatch)
			r.Get("/status/counts", h.StatusCounts)
			r.Get("/{id}", h.GetTile)
			r.Put("/{id}", h.PutTile)
			r.Delete("/{id}", h.DeleteTile)
			r.Put("/{id}/status", h.UpdateTileStatus)
		})
	}

	if s.Retriever {
		r.Post("/search", h.Search)
	}

	return r
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// requestLogger emits one structured line per request and records the
// API metrics against the chi route pattern, not the raw path.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		duration := time.Since(start)
		metrics.RecordAPIRequest(r.Method, pattern, strconv.Itoa(rec.status), duration)

		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}
