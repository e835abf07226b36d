// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"image"
)

// defaultHashDim matches a small CLIP-style embedding.
const defaultHashDim = 512

// Hash is a deterministic feature-hash embedder. The same pixels (or
// text) always produce the same unit vector, so index writes stay
// idempotent end to end without a model server.
type Hash struct {
	dim   int
	model string
}

// NewHash builds a hash embedder. dim defaults to 512.
func NewHash(dim int, model string) *Hash {
	if dim <= 0 {
		dim = defaultHashDim
	}
	if model == "" {
		model = fmt.Sprintf("hash-%d", dim)
	}
	return &Hash{dim: dim, model: model}
}

func (h *Hash) Dim() int        { return h.dim }
func (h *Hash) Backend() string { return "hash" }
func (h *Hash) Model() string   { return h.model }

// EmbedImages digests a downsampled pixel grid per image and expands
// the digest into a unit vector.
func (h *Hash) EmbedImages(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	out := make([][]float32, 0, len(imgs))
	for i, img := range imgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if img == nil {
			return nil, fmt.Errorf("image %d is nil", i)
		}
		vec, err := h.expand(imageDigest(img))
		if err != nil {
			return nil, fmt.Errorf("embed image %d: %w", i, err)
		}
		out = append(out, vec)
	}
	return out, nil
}

// EmbedText embeds the query string through the same expansion.
func (h *Hash) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.expand(sha256.Sum256([]byte("text:" + text)))
}

// imageDigest samples a fixed 32x32 grid so the digest is independent
// of the source resolution.
func imageDigest(img image.Image) [32]byte {
	const grid = 32
	b := img.Bounds()
	hasher := sha256.New()

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(b.Dx()))
	binary.LittleEndian.PutUint32(buf[4:], uint32(b.Dy()))
	hasher.Write(buf[:])

	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			x := b.Min.X + gx*b.Dx()/grid
			y := b.Min.Y + gy*b.Dy()/grid
			r, g, bl, _ := img.At(x, y).RGBA()
			binary.LittleEndian.PutUint16(buf[:2], uint16(r>>8))
			binary.LittleEndian.PutUint16(buf[2:4], uint16(g>>8))
			binary.LittleEndian.PutUint16(buf[4:6], uint16(bl>>8))
			hasher.Write(buf[:6])
		}
	}

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// expand stretches a digest into dim floats in [-1, 1) by hashing in
// counter mode, then normalizes.
func (h *Hash) expand(seed [32]byte) ([]float32, error) {
	vec := make([]float32, h.dim)
	var block [40]byte
	copy(block[:32], seed[:])

	for i := 0; i < h.dim; i++ {
		binary.LittleEndian.PutUint64(block[32:], uint64(i/4))
		sum := sha256.Sum256(block[:])
		word := binary.LittleEndian.Uint64(sum[(i%4)*8 : (i%4)*8+8])
		// Signed word scaled into [-1, 1).
		vec[i] = float32(float64(int64(word)) / float64(1<<63))
	}
	if err := Normalize(vec); err != nil {
		return nil, err
	}
	return vec, nil
}
