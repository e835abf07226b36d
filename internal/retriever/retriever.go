// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package retriever answers text queries against the vector tables:
// encode the query, rank by cosine distance, optionally thin clusters
// of nearby tiles with geographic non-maximum suppression.
package retriever

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/orthovec/orthovec/internal/config"
	"github.com/orthovec/orthovec/internal/embedder"
	"github.com/orthovec/orthovec/internal/errs"
	"github.com/orthovec/orthovec/internal/geometry"
	"github.com/orthovec/orthovec/internal/logging"
	"github.com/orthovec/orthovec/internal/metrics"
	"github.com/orthovec/orthovec/internal/vectorindex"
)

// Request is one search call.
type Request struct {
	QueryText     string   `json:"query_text"`
	TableName     string   `json:"table_name"`
	K             int      `json:"k"`
	Where         string   `json:"where,omitempty"`
	Columns       []string `json:"columns,omitempty"`
	ApplyGeoNMS   bool     `json:"apply_geo_nms"`
	GeoNMSRadiusM float64  `json:"geo_nms_radius_m"`

	// GeoFilterWKT restricts results to tiles whose geo_polygon satisfies
	// GeoFilterMode ("intersects" or "within") against this polygon.
	GeoFilterWKT  string `json:"geo_filter_wkt,omitempty"`
	GeoFilterMode string `json:"geo_filter_mode,omitempty"`
}

// Retriever executes text-to-tile searches.
type Retriever struct {
	store     *vectorindex.Store
	emb       embedder.Embedder
	defaultK  int
	nmsRadius float64
	log       zerolog.Logger
}

// New builds a retriever with the configured query embedder. dim must
// match the indexed tables.
func New(store *vectorindex.Store, cfg config.RetrieverConfig, dim int) (*Retriever, error) {
	emb, err := embedder.New(embedder.Config{
		Backend: cfg.EmbedderBackend,
		Model:   cfg.EmbedderModel,
		Dim:     dim,
		URL:     cfg.EmbedderURL,
	})
	if err != nil {
		return nil, err
	}
	return &Retriever{
		store:     store,
		emb:       emb,
		defaultK:  cfg.DefaultK,
		nmsRadius: cfg.GeoNMSRadiusM,
		log:       logging.With().Str("component", "retriever").Logger(),
	}, nil
}

// Search ranks up to k rows by ascending cosine distance to the query
// text. An unknown table is NotFound; an unreachable embedder backend
// surfaces as Transient. An empty result is a valid answer.
func (r *Retriever) Search(ctx context.Context, req Request) ([]vectorindex.Row, error) {
	if req.QueryText == "" {
		return nil, errs.Poison("query_text is required")
	}
	if req.TableName == "" {
		return nil, errs.Poison("table_name is required")
	}
	if _, err := r.store.TableInfo(req.TableName); err != nil {
		return nil, err
	}

	k := req.K
	if k <= 0 {
		k = r.defaultK
	}

	start := time.Now()
	defer func() {
		metrics.SearchDuration.WithLabelValues(req.TableName).Observe(time.Since(start).Seconds())
	}()

	query, err := r.emb.EmbedText(ctx, req.QueryText)
	if err != nil {
		return nil, err
	}

	rows, err := r.store.Search(req.TableName, query, k, vectorindex.SearchOptions{
		Where:   req.Where,
		Columns: req.Columns,
	})
	if err != nil {
		return nil, err
	}

	if req.GeoFilterWKT == "" && !req.ApplyGeoNMS {
		return rows, nil
	}

	before := len(rows)
	generic := make([]map[string]any, len(rows))
	for i, row := range rows {
		generic[i] = row
	}

	if req.GeoFilterWKT != "" {
		mode := geometry.FilterMode(req.GeoFilterMode)
		if mode != geometry.ModeWithin {
			mode = geometry.ModeIntersects
		}
		generic, err = geometry.FilterByQuery(generic, req.GeoFilterWKT, mode, "geo_polygon")
		if err != nil {
			return nil, errs.Wrap(errs.KindPoison, err, "invalid geo filter")
		}
	}

	if req.ApplyGeoNMS {
		radius := req.GeoNMSRadiusM
		if radius <= 0 {
			radius = r.nmsRadius
		}
		generic = geometry.GeoNMS(generic, radius)
	}

	rows = rows[:0]
	for _, row := range generic {
		rows = append(rows, row)
	}
	if dropped := before - len(rows); dropped > 0 {
		r.log.Debug().Int("dropped", dropped).Msg("geometry post-filter thinned results")
	}
	return rows, nil
}
