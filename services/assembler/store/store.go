// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists projects, tasks, git operations, and snapshots in
// an embedded Badger database.
//
// Values are JSON; keys follow "<entity>/rec/<id>" with secondary index
// keys "<entity>/idx/<projectID>/<id>" for per-project listings. Updates
// to one id are linearised through Badger transactions with conflict
// retry; cross-id ordering is not guaranteed and not needed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
)

// conflictRetries is how many times a transaction is attempted before an
// SSI conflict is reported.
const conflictRetries = 5

// Config configures the store.
type Config struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	// InMemory runs Badger without persistence. Test-only.
	InMemory bool

	// GCInterval is how often the value-log GC runs. Zero disables it.
	GCInterval time.Duration
}

// Store is the embedded database handle.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
}

// Open creates or opens the database.
func Open(config Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "store"))

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, errors.New("store path is required")
		}
		opts = badger.DefaultOptions(config.Path).WithSyncWrites(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", config.Path, err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		stopGC: make(chan struct{}),
	}
	if !config.InMemory && config.GCInterval > 0 {
		go s.gcLoop(config.GCInterval)
	}
	return s, nil
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	close(s.stopGC)
	return s.db.Close()
}

// gcLoop runs Badger's value-log garbage collection periodically.
func (s *Store) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		case <-s.stopGC:
			return
		}
	}
}

// put serialises v under key within txn.
func put(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

// get deserialises the value under key into v. Returns a NotFound fault
// when the key is absent.
func get(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return faults.Newf(faults.KindNotFound, "%s", key)
	}
	if err != nil {
		return faults.Wrap(faults.KindUnavailable, key, err)
	}
	return item.Value(func(data []byte) error {
		return json.Unmarshal(data, v)
	})
}

// update runs fn in a read-write transaction, retrying on conflicts.
// Per-key updates are therefore linearisable.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if errors.Is(err, badger.ErrConflict) {
		return faults.Wrap(faults.KindConflict, "transaction conflict", err)
	}
	return err
}

// view runs fn in a read-only transaction.
func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// scanPrefix iterates every value under prefix, decoding each into a fresh
// value of type T and handing it to visit.
func scanPrefix[T any](txn *badger.Txn, prefix string, visit func(*T) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var v T
		err := it.Item().Value(func(data []byte) error {
			return json.Unmarshal(data, &v)
		})
		if err != nil {
			return err
		}
		if err := visit(&v); err != nil {
			return err
		}
	}
	return nil
}

// indexKey builds a secondary index key; the value stored under it is the
// primary key so listings resolve through one extra get. Index keys live
// under a distinct "/idx/" segment so record scans never touch them.
func indexKey(entity, projectID, id string) string {
	return entity + "/idx/" + projectID + "/" + id
}
