// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package tilestore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"sync"

	_ "github.com/gen2brain/webp"
	"github.com/rs/zerolog"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/orthovec/orthovec/internal/errs"
	"github.com/orthovec/orthovec/internal/geometry"
	"github.com/orthovec/orthovec/internal/logging"
)

// Loader resolves sources to pixels. Decoded rasters are cached on the
// instance so many windows of one strip decode it once; callers share a
// loader per worker, never across processes.
type Loader struct {
	mu      sync.Mutex
	rasters map[string]image.Image
	log     zerolog.Logger
}

// NewLoader builds a loader with an empty raster cache.
func NewLoader() *Loader {
	return &Loader{
		rasters: make(map[string]image.Image),
		log:     logging.With().Str("component", "tilestore").Logger(),
	}
}

// Load resolves the source to an image. The context deadline is
// checked between the load, decode, and rescale phases.
func (l *Loader) Load(ctx context.Context, src Source) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch s := src.(type) {
	case LocalFile:
		return l.loadFile(ctx, s.Path)
	case RasterWindow:
		return l.loadWindow(ctx, s)
	case Synthetic:
		return renderSynthetic(s), nil
	default:
		return nil, errs.Poison("unsupported tile source %T", src)
	}
}

// loadFile decodes an image file. A missing or undecodable file can
// never succeed on redelivery, so those are resource errors; other I/O
// failures are transient.
func (l *Loader) loadFile(ctx context.Context, path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Resource(err, fmt.Sprintf("tile image %s missing", path))
		}
		return nil, errs.Transient(err, fmt.Sprintf("open tile image %s", path))
	}
	defer f.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errs.Resource(err, fmt.Sprintf("decode tile image %s", path))
	}
	return img, nil
}

func (l *Loader) loadWindow(ctx context.Context, s RasterWindow) (image.Image, error) {
	raster, err := l.raster(ctx, s.RasterPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	win, err := windowBounds(s.PixelPolygon)
	if err != nil {
		return nil, err
	}
	win = win.Intersect(raster.Bounds())
	if win.Empty() {
		return nil, errs.Poison("pixel polygon lies outside raster %s", s.RasterPath)
	}

	sub, ok := raster.(interface {
		SubImage(image.Rectangle) image.Image
	})
	if !ok {
		return nil, errs.Resource(nil, fmt.Sprintf("raster %s does not support windowing", s.RasterPath))
	}

	out := image.NewRGBA(image.Rect(0, 0, s.OutWidth, s.OutHeight))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), sub.SubImage(win), win, xdraw.Src, nil)
	return out, nil
}

// raster returns the cached decoded raster, decoding on first use.
func (l *Loader) raster(ctx context.Context, path string) (image.Image, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if img, ok := l.rasters[path]; ok {
		return img, nil
	}
	img, err := l.loadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	l.rasters[path] = img
	l.log.Debug().Str("raster", path).
		Int("width", img.Bounds().Dx()).Int("height", img.Bounds().Dy()).
		Msg("raster cached")
	return img, nil
}

// windowBounds is the integer bounding box of a pixel-space polygon.
func windowBounds(wkt string) (image.Rectangle, error) {
	geom, err := geometry.ParseWKT(wkt)
	if err != nil {
		return image.Rectangle{}, errs.Poison("bad pixel polygon: %v", err)
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, poly := range geom.Polygons {
		for _, p := range poly[0] {
			minX = math.Min(minX, p.X)
			minY = math.Min(minY, p.Y)
			maxX = math.Max(maxX, p.X)
			maxY = math.Max(maxY, p.Y)
		}
	}
	return image.Rect(
		int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX)), int(math.Ceil(maxY)),
	), nil
}

// renderSynthetic fills the chip with a pattern derived from the tile
// id. The same id always renders the same pixels.
func renderSynthetic(s Synthetic) image.Image {
	w, h := s.Width, s.Height
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	seed := sha256.Sum256([]byte(s.TileID))
	var counter uint64
	stream := seed
	for i := 0; i < len(img.Pix); i++ {
		if i%32 == 0 && i > 0 {
			counter++
			block := append(seed[:], byte(counter), byte(counter>>8),
				byte(counter>>16), byte(counter>>24))
			stream = sha256.Sum256(block)
		}
		img.Pix[i] = stream[i%32]
	}
	// Full alpha so encoders treat the chip as opaque.
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xFF
	}
	return img
}
