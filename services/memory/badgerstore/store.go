// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore implements the memory graph store on Badger.
//
// Nodes, forward relationship edges, and reverse relationship edges are
// separate keys under distinct prefixes. Badger's serializable snapshot
// isolation provides the conflict detection the admission path relies on:
// two transactions that read and mutate the same run cannot both commit.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/recall/services/memory"
)

// Key prefixes. IDs never contain "/", so segment splits are unambiguous.
const (
	nodePrefix    = "node/" // node/<label>/<id>
	forwardPrefix = "rel/"  // rel/<rel>/<fromLabel>/<fromID>/<toLabel>/<toID>
	reversePrefix = "ler/"  // ler/<rel>/<toLabel>/<toID>/<fromLabel>/<fromID>
)

// Config selects where and how the store opens.
type Config struct {
	// Path is the on-disk directory; ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// Dimension is the embedding dimension enforced on query vectors.
	Dimension int
}

// Store is a Badger-backed memory.Store.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db  *badger.DB
	dim int
}

var _ memory.Store = (*Store)(nil)

// Open opens or creates the store and seeds the fixed outcome nodes so
// concurrent submissions never race to create them.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", cfg.Path, err)
	}

	s := &Store{db: db, dim: cfg.Dimension}
	err = s.db.Update(func(btx *badger.Txn) error {
		tx := &tx{btx: btx}
		for outcome := range memory.ValidOutcomes {
			err := tx.EnsureNode(&memory.Node{
				Label: memory.LabelOutcome,
				ID:    string(outcome),
				Props: map[string]any{memory.PropLabel: string(outcome)},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("seeding outcome nodes: %w", err)
	}
	return s, nil
}

// Atomic runs fn in a read-write transaction. A serialization conflict
// with a concurrent writer surfaces as memory.ErrConflict.
func (s *Store) Atomic(ctx context.Context, fn func(tx memory.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(btx *badger.Txn) error {
		return fn(&tx{btx: btx})
	})
	if errors.Is(err, badger.ErrConflict) {
		return memory.ErrConflict
	}
	return err
}

// View runs fn against a read-only snapshot.
func (s *Store) View(ctx context.Context, fn func(tx memory.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *badger.Txn) error {
		return fn(&tx{btx: btx})
	})
}

// VectorSearch brute-force scans one label's nodes and ranks them with
// the shared ordering contract.
func (s *Store) VectorSearch(ctx context.Context, q memory.VectorQuery) ([]memory.SearchHit, int, error) {
	if s.dim > 0 && len(q.Vector) != s.dim {
		return nil, 0, &memory.DimensionMismatchError{Want: s.dim, Got: len(q.Vector)}
	}

	var cands []memory.VectorCandidate
	err := s.db.View(func(btx *badger.Txn) error {
		it := btx.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(nodePrefix + q.Label + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var node *memory.Node
			err := it.Item().Value(func(val []byte) error {
				var derr error
				node, derr = decodeNode(it.Item().Key(), val)
				return derr
			})
			if err != nil {
				return err
			}
			if len(node.Vector) == 0 || !q.Scope.Matches(node) {
				continue
			}
			cands = append(cands, memory.VectorCandidate{
				ID:        node.ID,
				Vector:    node.Vector,
				CreatedAt: node.TimeProp(memory.PropCreatedAt),
			})
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	hits, skipped := memory.RankCandidates(q.Vector, cands, q.MinSimilarity, q.Limit)
	return hits, skipped, nil
}

// ScanNodes streams one label's nodes matching the scope.
func (s *Store) ScanNodes(ctx context.Context, label string, scope memory.Scope, fn func(n *memory.Node) error) error {
	return s.db.View(func(btx *badger.Txn) error {
		it := btx.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(nodePrefix + label + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var node *memory.Node
			err := it.Item().Value(func(val []byte) error {
				var derr error
				node, derr = decodeNode(it.Item().Key(), val)
				return derr
			})
			if err != nil {
				return err
			}
			if !scope.Matches(node) {
				continue
			}
			if err := fn(node); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// nodeRecord is the stored value for a node key.
type nodeRecord struct {
	Props  map[string]any `json:"props"`
	Vector []float32      `json:"vector,omitempty"`
}

// tx adapts a Badger transaction to memory.Tx.
type tx struct {
	btx *badger.Txn
}

var _ memory.Tx = (*tx)(nil)

func nodeKey(label, id string) []byte {
	return []byte(nodePrefix + label + "/" + id)
}

func (t *tx) CreateNode(n *memory.Node) error {
	key := nodeKey(n.Label, n.ID)
	_, err := t.btx.Get(key)
	if err == nil {
		return fmt.Errorf("%s/%s: %w", n.Label, n.ID, memory.ErrNodeExists)
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return t.putNode(key, n)
}

func (t *tx) EnsureNode(n *memory.Node) error {
	key := nodeKey(n.Label, n.ID)
	_, err := t.btx.Get(key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return t.putNode(key, n)
}

func (t *tx) GetNode(label, id string) (*memory.Node, error) {
	item, err := t.btx.Get(nodeKey(label, id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%s/%s: %w", label, id, memory.ErrNodeNotFound)
		}
		return nil, err
	}
	var node *memory.Node
	err = item.Value(func(val []byte) error {
		var derr error
		node, derr = decodeNode(item.Key(), val)
		return derr
	})
	return node, err
}

func (t *tx) SetProperties(label, id string, props map[string]any, guard *memory.Guard) error {
	node, err := t.GetNode(label, id)
	if err != nil {
		return err
	}
	if guard != nil {
		if node.Props[guard.Field] != guard.Expected {
			return fmt.Errorf("%s/%s %s changed: %w", label, id, guard.Field, memory.ErrConflict)
		}
	}
	for k, v := range props {
		node.Props[k] = v
	}
	return t.putNode(nodeKey(label, id), node)
}

func (t *tx) Relate(rel, fromLabel, fromID, toLabel, toID string) error {
	if _, err := t.GetNode(fromLabel, fromID); err != nil {
		return err
	}
	if _, err := t.GetNode(toLabel, toID); err != nil {
		return err
	}
	fwd := forwardPrefix + strings.Join([]string{rel, fromLabel, fromID, toLabel, toID}, "/")
	rev := reversePrefix + strings.Join([]string{rel, toLabel, toID, fromLabel, fromID}, "/")
	if err := t.btx.Set([]byte(fwd), nil); err != nil {
		return err
	}
	return t.btx.Set([]byte(rev), nil)
}

func (t *tx) Neighbors(rel, label, id string, dir memory.Direction) ([]*memory.Node, error) {
	base := forwardPrefix
	if dir == memory.Incoming {
		base = reversePrefix
	}
	prefix := []byte(base + strings.Join([]string{rel, label, id}, "/") + "/")

	it := t.btx.NewIterator(badger.IteratorOptions{PrefetchValues: false})
	defer it.Close()

	var nodes []*memory.Node
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		rest := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed edge key %q", it.Item().Key())
		}
		node, err := t.GetNode(parts[0], parts[1])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (t *tx) putNode(key []byte, n *memory.Node) error {
	data, err := json.Marshal(nodeRecord{Props: n.Props, Vector: n.Vector})
	if err != nil {
		return err
	}
	return t.btx.Set(key, data)
}

// decodeNode rebuilds a node from its key and stored record.
func decodeNode(key, val []byte) (*memory.Node, error) {
	rest := strings.TrimPrefix(string(key), nodePrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed node key %q", key)
	}

	var rec nodeRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decoding node %q: %w", key, err)
	}
	if rec.Props == nil {
		rec.Props = map[string]any{}
	}
	return &memory.Node{
		Label:  parts[0],
		ID:     parts[1],
		Props:  rec.Props,
		Vector: rec.Vector,
	}, nil
}
