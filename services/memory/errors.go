// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations.
var (
	// ErrNodeExists is returned when creating a node whose ID is taken.
	ErrNodeExists = errors.New("node already exists")

	// ErrNodeNotFound is returned when a node lookup misses.
	ErrNodeNotFound = errors.New("node not found")

	// ErrConflict is returned when a compare-and-set guard fails or the
	// store detects that a concurrent writer touched the same records.
	// The admission path resolves it by re-evaluating against current
	// state; it is surfaced to callers only after the retry budget is
	// exhausted.
	ErrConflict = errors.New("store conflict")

	// ErrLineageBound is returned when following a supersession chain
	// exceeds the hop bound, which indicates malformed pointer data.
	ErrLineageBound = errors.New("supersession chain exceeded hop bound")
)

// ValidationError reports malformed input rejected before any I/O.
type ValidationError struct {
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("validation: %s", e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// EmbeddingServiceError reports an embedding provider failure. No partial
// writes occur; the caller may retry the submission as-is.
type EmbeddingServiceError struct {
	Provider string
	Err      error
}

func (e *EmbeddingServiceError) Error() string {
	return fmt.Sprintf("embedding service %s: %v", e.Provider, e.Err)
}

func (e *EmbeddingServiceError) Unwrap() error { return e.Err }

// DimensionMismatchError reports a vector whose dimension differs from the
// configured embedding dimension. Stored candidates with mismatched
// dimensions are skipped during search; a mismatched query vector fails the
// operation with this error.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// JudgeError reports an invalid or failed judge interaction. It never
// escapes the judge adapter: the adapter fails closed to ADD and records
// the failure in the decision reason.
type JudgeError struct {
	Detail string
	Err    error
}

func (e *JudgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("judge: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("judge: %s", e.Detail)
}

func (e *JudgeError) Unwrap() error { return e.Err }

// StoreError reports a store connection or transaction failure. Commits are
// atomic, so a StoreError never leaves a partial write; callers may retry.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
