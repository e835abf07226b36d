// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package embedder turns tile pixels and query text into unit-norm
// float32 vectors. The hash backend is deterministic and dependency-
// free, for tests and benchmarks; the remote backend calls an inference
// sidecar over HTTP.
package embedder

import (
	"context"
	"fmt"
	"image"
	"math"
)

// Embedder produces fixed-dimension embeddings. Implementations return
// unit-L2-normalized vectors; a zero or non-finite vector is an error.
type Embedder interface {
	EmbedImages(ctx context.Context, imgs []image.Image) ([][]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Dim() int
	Backend() string
	Model() string
}

// Config selects and configures a backend.
type Config struct {
	Backend string // "hash" or "remote"
	Model   string
	Dim     int
	URL     string // remote only
}

// New builds the configured embedder.
func New(cfg Config) (Embedder, error) {
	switch cfg.Backend {
	case "hash", "":
		return NewHash(cfg.Dim, cfg.Model), nil
	case "remote":
		return NewRemote(cfg.URL, cfg.Model, cfg.Dim)
	default:
		return nil, fmt.Errorf("unknown embedder backend %q", cfg.Backend)
	}
}

// Normalize scales v to unit L2 norm in place. Zero or non-finite
// vectors are an error: they cannot participate in cosine search.
func Normalize(v []float32) error {
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("embedding contains a non-finite value")
		}
		sum += f * f
	}
	if sum == 0 {
		return fmt.Errorf("embedding has zero norm")
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return nil
}
