// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package embedder

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/orthovec/orthovec/internal/errs"
)

// Remote calls an inference sidecar. Images are sent base64-PNG; the
// sidecar returns one embedding per input. Responses are normalized
// locally so the unit-norm contract does not depend on the server.
type Remote struct {
	url    string
	model  string
	dim    int
	client *http.Client
}

// NewRemote builds a remote embedder for the sidecar at url.
func NewRemote(url, model string, dim int) (*Remote, error) {
	if url == "" {
		return nil, fmt.Errorf("remote embedder requires a URL")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("remote embedder requires a positive dimension")
	}
	return &Remote{
		url:    url,
		model:  model,
		dim:    dim,
		client: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (r *Remote) Dim() int        { return r.dim }
func (r *Remote) Backend() string { return "remote" }
func (r *Remote) Model() string   { return r.model }

type embedImagesRequest struct {
	Model  string   `json:"model,omitempty"`
	Images []string `json:"images"`
}

type embedTextRequest struct {
	Model string   `json:"model,omitempty"`
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedImages posts the batch to /embed/images.
func (r *Remote) EmbedImages(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	encoded := make([]string, 0, len(imgs))
	for i, img := range imgs {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode image %d: %w", i, err)
		}
		encoded = append(encoded, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}

	vecs, err := r.post(ctx, r.url+"/embed/images", embedImagesRequest{Model: r.model, Images: encoded})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(imgs) {
		return nil, errs.New(errs.KindTransient,
			"embedder returned %d vectors for %d images", len(vecs), len(imgs))
	}
	return vecs, nil
}

// EmbedText posts the query to /embed/texts.
func (r *Remote) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := r.post(ctx, r.url+"/embed/texts", embedTextRequest{Model: r.model, Texts: []string{text}})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, errs.New(errs.KindTransient, "embedder returned %d vectors for 1 text", len(vecs))
	}
	return vecs[0], nil
}

func (r *Remote) post(ctx context.Context, url string, body any) ([][]float32, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errs.Transient(err, "embedder unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, errs.New(errs.KindTransient, "embedder returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Client errors won't heal on retry.
		return nil, errs.Poison("embedder rejected request with %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Transient(err, "read embedder response")
	}
	var parsed embedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errs.Transient(err, "decode embedder response")
	}

	for i, vec := range parsed.Embeddings {
		if len(vec) != r.dim {
			return nil, errs.SchemaConflict(
				"embedder returned dimension %d, expected %d", len(vec), r.dim)
		}
		if err := Normalize(vec); err != nil {
			return nil, fmt.Errorf("embedding %d: %w", i, err)
		}
	}
	return parsed.Embeddings, nil
}
