// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package scheduler

import (
	"fmt"
	"sort"
	"strings"
)

// Routing maps embedder backends to queues. Entries are either
// "backend=queue" or "backend:model=queue"; a model-specific entry wins
// over its backend entry, and later duplicates win over earlier ones.
// The first backend entry is the default for unmatched tiles.
type Routing struct {
	byBackend    map[string]string
	byModel      map[string]string
	defaultQueue string
}

// ParseRouting parses the "backend=queue,backend:model=queue" form.
// A spec with no valid backend entry is a configuration error.
func ParseRouting(spec string) (*Routing, error) {
	r := &Routing{
		byBackend: make(map[string]string),
		byModel:   make(map[string]string),
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, queue, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		queue = strings.TrimSpace(queue)
		if !ok || key == "" || queue == "" {
			return nil, fmt.Errorf("invalid routing entry %q", entry)
		}
		if strings.Contains(key, ":") {
			r.byModel[key] = queue
			continue
		}
		r.byBackend[key] = queue
		if r.defaultQueue == "" {
			r.defaultQueue = queue
		}
	}
	if r.defaultQueue == "" {
		return nil, fmt.Errorf("routing %q has no backend entry", spec)
	}
	return r, nil
}

// Queue picks the destination queue for a (backend, model) pair. A
// model that is itself a full "backend:model" key matches its entry as
// given, then falls back through its own backend before the configured
// backend and the default apply.
func (r *Routing) Queue(backend, model string) string {
	if model != "" {
		if q, ok := r.byModel[model]; ok {
			return q
		}
		if q, ok := r.byModel[backend+":"+model]; ok {
			return q
		}
		if hintBackend, _, ok := strings.Cut(model, ":"); ok {
			if q, ok := r.byBackend[hintBackend]; ok {
				return q
			}
		}
	}
	if q, ok := r.byBackend[backend]; ok {
		return q
	}
	return r.defaultQueue
}

// Queues returns the distinct destination queues, sorted. Used to
// provision streams before the scheduler starts publishing.
func (r *Routing) Queues() []string {
	seen := make(map[string]bool)
	var out []string
	for _, q := range r.byBackend {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	for _, q := range r.byModel {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	sort.Strings(out)
	return out
}
