// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package registry

import (
	"github.com/orthovec/orthovec/internal/errs"
)

// Status is a tile lifecycle state.
type Status string

const (
	StatusReadyForIndexing    Status = "READY_FOR_INDEXING"
	StatusInProcess           Status = "IN_PROCESS"
	StatusWaitingForEmbedding Status = "WAITING_FOR_EMBEDDING"
	StatusWaitingForIndex     Status = "WAITING_FOR_INDEX"
	StatusIndexed             Status = "INDEXED"
	StatusFailed              Status = "FAILED"
)

// allStatuses is the closed set of valid states.
var allStatuses = map[Status]bool{
	StatusReadyForIndexing:    true,
	StatusInProcess:           true,
	StatusWaitingForEmbedding: true,
	StatusWaitingForIndex:     true,
	StatusIndexed:             true,
	StatusFailed:              true,
}

// transitions is the lifecycle DAG. FAILED is reachable from every
// non-terminal state; INDEXED loops back to READY_FOR_INDEXING when a
// generator rewrites the tile.
var transitions = map[Status][]Status{
	StatusReadyForIndexing:    {StatusInProcess, StatusFailed},
	StatusInProcess:           {StatusWaitingForEmbedding, StatusFailed},
	StatusWaitingForEmbedding: {StatusWaitingForIndex, StatusFailed},
	StatusWaitingForIndex:     {StatusIndexed, StatusFailed},
	StatusIndexed:             {StatusReadyForIndexing},
	StatusFailed:              {},
}

// ParseStatus validates a raw status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !allStatuses[st] {
		return "", errs.InvalidState("unknown status %q", s)
	}
	return st, nil
}

// Terminal reports whether the status has no outgoing work transitions.
func (s Status) Terminal() bool {
	return s == StatusIndexed || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal edge. A repeated
// transition (from == to) is legal and treated as a no-op by callers.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns InvalidState for an illegal edge.
func ValidateTransition(from, to Status) error {
	if !allStatuses[from] || !allStatuses[to] {
		return errs.InvalidState("unknown status in transition %s -> %s", from, to)
	}
	if !CanTransition(from, to) {
		return errs.InvalidState("illegal transition %s -> %s", from, to)
	}
	return nil
}
