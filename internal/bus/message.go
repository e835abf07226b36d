// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package bus

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/orthovec/orthovec/internal/errs"
)

// IndexRequest is the producer-to-worker wire payload. Unknown fields
// are ignored on decode; image_id, width, and height are required.
type IndexRequest struct {
	ImageID         *int64   `json:"image_id"`
	TileID          string   `json:"tile_id,omitempty"`
	Source          string   `json:"source,omitempty"`
	TileStore       string   `json:"tile_store,omitempty"`
	ImagePath       string   `json:"image_path,omitempty"`
	RasterPath      string   `json:"raster_path,omitempty"`
	PixelPolygon    string   `json:"pixel_polygon,omitempty"`
	GeoPolygon      string   `json:"geo_polygon,omitempty"`
	Width           *int     `json:"width"`
	Height          *int     `json:"height"`
	OutWidth        int      `json:"out_width,omitempty"`
	OutHeight       int      `json:"out_height,omitempty"`
	Lat             *float64 `json:"lat,omitempty"`
	Lon             *float64 `json:"lon,omitempty"`
	UTMZone         string   `json:"utm_zone,omitempty"`
	EmbedderBackend string   `json:"embedder_backend,omitempty"`
	EmbedderModel   string   `json:"embedder_model,omitempty"`
	RunID           string   `json:"run_id,omitempty"`
}

// Encode serializes the request.
func (r *IndexRequest) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode index request: %w", err)
	}
	return data, nil
}

// DecodeIndexRequest parses and validates a payload. Malformed JSON and
// missing required fields are Poison errors: the message can never
// succeed and must be acked as FAILED.
func DecodeIndexRequest(payload []byte) (*IndexRequest, error) {
	var req IndexRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errs.Poison("malformed index request payload: %v", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks the required field set.
func (r *IndexRequest) Validate() error {
	var missing []string
	if r.ImageID == nil {
		missing = append(missing, "image_id")
	}
	if r.Width == nil {
		missing = append(missing, "width")
	}
	if r.Height == nil {
		missing = append(missing, "height")
	}
	if len(missing) > 0 {
		return errs.Poison("index request missing required fields: %s",
			strings.Join(missing, ", "))
	}
	if *r.Width <= 0 || *r.Height <= 0 {
		return errs.Poison("index request with non-positive dimensions %dx%d",
			*r.Width, *r.Height)
	}
	return nil
}
