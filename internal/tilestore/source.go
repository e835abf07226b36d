// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package tilestore resolves tile pixel sources. A tile's pixels come
// from one of three backends: a decoded image file, a window cut out of
// a larger raster, or a synthetic pattern derived from the tile id.
package tilestore

import (
	"fmt"

	"github.com/orthovec/orthovec/internal/bus"
	"github.com/orthovec/orthovec/internal/errs"
)

// Store tags for the pixel backends.
const (
	StoreLocal      = "local"
	StoreOrthophoto = "orthophoto"
	StoreStrip      = "strip"
	StoreSynthetic  = "synthetic"
)

// Source is the tagged pixel-source variant. Each concrete type carries
// exactly the fields its backend needs.
type Source interface {
	Store() string
}

// LocalFile reads a decoded image file (png, jpeg, webp, tiff).
type LocalFile struct {
	Path string
}

func (LocalFile) Store() string { return StoreLocal }

// RasterWindow cuts a window out of a raster strip. The window is the
// bounding box of PixelPolygon in raster pixel coordinates, rescaled to
// OutWidth x OutHeight.
type RasterWindow struct {
	RasterPath   string
	PixelPolygon string
	OutWidth     int
	OutHeight    int
}

func (RasterWindow) Store() string { return StoreStrip }

// Synthetic renders a deterministic pattern from the tile id. Used by
// tests and benchmarks in place of real imagery.
type Synthetic struct {
	TileID string
	Width  int
	Height int
}

func (Synthetic) Store() string { return StoreSynthetic }

// FromRequest picks the source variant from the payload's tile_store
// tag and field presence. A tag that names no known backend, or a tag
// whose required fields are absent, is a poison payload.
func FromRequest(req *bus.IndexRequest) (Source, error) {
	outW, outH := req.OutWidth, req.OutHeight
	if outW <= 0 {
		outW = *req.Width
	}
	if outH <= 0 {
		outH = *req.Height
	}

	switch req.TileStore {
	case StoreLocal:
		if req.ImagePath == "" {
			return nil, errs.Poison("tile_store %q requires image_path", req.TileStore)
		}
		return LocalFile{Path: req.ImagePath}, nil
	case StoreOrthophoto, StoreStrip:
		if req.RasterPath == "" || req.PixelPolygon == "" {
			return nil, errs.Poison("tile_store %q requires raster_path and pixel_polygon", req.TileStore)
		}
		return RasterWindow{
			RasterPath:   req.RasterPath,
			PixelPolygon: req.PixelPolygon,
			OutWidth:     outW,
			OutHeight:    outH,
		}, nil
	case StoreSynthetic:
		return Synthetic{TileID: syntheticID(req), Width: outW, Height: outH}, nil
	case "":
		// No tag: infer from which path fields the producer filled in.
		if req.ImagePath != "" {
			return LocalFile{Path: req.ImagePath}, nil
		}
		if req.RasterPath != "" && req.PixelPolygon != "" {
			return RasterWindow{
				RasterPath:   req.RasterPath,
				PixelPolygon: req.PixelPolygon,
				OutWidth:     outW,
				OutHeight:    outH,
			}, nil
		}
		return nil, errs.Poison("index request has neither image_path nor raster_path+pixel_polygon")
	default:
		return nil, errs.Poison("unknown tile_store %q", req.TileStore)
	}
}

func syntheticID(req *bus.IndexRequest) string {
	if req.TileID != "" {
		return req.TileID
	}
	return fmt.Sprintf("image:%d", *req.ImageID)
}
