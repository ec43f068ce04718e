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

import "context"

// Direction selects which side of a relationship to traverse.
type Direction int

const (
	// Outgoing follows relationships where the node is the source.
	Outgoing Direction = iota
	// Incoming follows relationships where the node is the target.
	Incoming
)

// Guard is a compare-and-set precondition on a single property. A writer
// states what it observed; the store rejects the mutation with ErrConflict
// if the property has changed since.
type Guard struct {
	Field    string
	Expected any
}

// Tx is one unit of work against the graph store. All mutations inside a
// Tx commit together or not at all.
type Tx interface {
	// CreateNode persists a new node; ErrNodeExists if the ID is taken.
	CreateNode(n *Node) error

	// EnsureNode persists the node unless one with the same label and ID
	// already exists. Used for content-addressed nodes.
	EnsureNode(n *Node) error

	// GetNode reads a node; ErrNodeNotFound on a miss.
	GetNode(label, id string) (*Node, error)

	// SetProperties updates a bounded set of properties. A non-nil guard
	// makes the update conditional: ErrConflict if the guarded field no
	// longer holds the expected value.
	SetProperties(label, id string, props map[string]any, guard *Guard) error

	// Relate creates a typed relationship; both endpoints must exist.
	Relate(rel, fromLabel, fromID, toLabel, toID string) error

	// Neighbors returns nodes one hop away over the given relationship.
	Neighbors(rel, label, id string, dir Direction) ([]*Node, error)
}

// Store is the durable graph storage collaborator. Implementations must
// provide snapshot-isolated units of work: a reader never observes a
// half-applied Atomic, and two Atomics mutating the same records cannot
// both commit (the loser gets ErrConflict).
type Store interface {
	// Atomic runs fn in a read-write unit of work and commits it whole.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error

	// VectorSearch answers a nearest-neighbor query per the RankCandidates
	// ordering contract. The int is the count of stored vectors skipped
	// for dimension mismatch.
	VectorSearch(ctx context.Context, q VectorQuery) ([]SearchHit, int, error)

	// ScanNodes streams nodes of one label matching the scope.
	ScanNodes(ctx context.Context, label string, scope Scope, fn func(n *Node) error) error

	Close() error
}
