// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package errs defines the error taxonomy shared across the pipeline.
//
// Every failure falls into one kind, and the kind determines handling:
// transient errors leave messages unacked for redelivery, poison and
// resource errors mark the tile FAILED and ack, schema conflicts are
// fatal at startup, and invalid state transitions surface to the caller
// without retry.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error.
type Kind int

const (
	// KindUnknown is the default for unclassified errors.
	KindUnknown Kind = iota
	// KindTransient indicates retryable I/O failures (broker unreachable,
	// vector store error, raster read error).
	KindTransient
	// KindPoison indicates a permanently bad payload (schema validation
	// failure, unknown tile store, missing required field).
	KindPoison
	// KindResource indicates exhaustion (load timeout, decode failure).
	KindResource
	// KindSchemaConflict indicates a vector dimension or dtype mismatch.
	KindSchemaConflict
	// KindInvalidState indicates an illegal tile status transition.
	KindInvalidState
	// KindNotFound indicates a missing table or tile.
	KindNotFound
)

// String returns the wire name of the kind, used in HTTP error bodies.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPoison:
		return "poison"
	case KindResource:
		return "resource"
	case KindSchemaConflict:
		return "schema_conflict"
	case KindInvalidState:
		return "invalid_state"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error wrapping an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error with no cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Transient creates a transient I/O error.
func Transient(cause error, message string) *Error {
	return &Error{Kind: KindTransient, Message: message, Cause: cause}
}

// Poison creates a poison-payload error.
func Poison(format string, args ...any) *Error {
	return New(KindPoison, format, args...)
}

// Resource creates a resource-exhaustion error.
func Resource(cause error, message string) *Error {
	return &Error{Kind: KindResource, Message: message, Cause: cause}
}

// SchemaConflict creates a schema-conflict error.
func SchemaConflict(format string, args ...any) *Error {
	return New(KindSchemaConflict, format, args...)
}

// InvalidState creates an invalid-transition error.
func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// KindOf returns the kind of err, or KindUnknown for unclassified errors.
// It unwraps through fmt.Errorf %w chains.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
