// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AssembleLocal/services/assembler/gitsafe"
)

const (
	gitOpPrefix    = "gitop/rec/"
	snapshotPrefix = "snapshot/rec/"
)

func gitOpKey(id string) string    { return gitOpPrefix + id }
func snapshotKey(id string) string { return snapshotPrefix + id }

// CreateOperation persists a new git operation record.
func (s *Store) CreateOperation(ctx context.Context, op *gitsafe.GitOperation) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := put(txn, gitOpKey(op.ID), op); err != nil {
			return err
		}
		return put(txn, indexKey("gitop", op.ProjectID, op.ID), op.ID)
	})
}

// UpdateOperation applies mutate to the stored record.
func (s *Store) UpdateOperation(ctx context.Context, id string, mutate func(*gitsafe.GitOperation) error) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var op gitsafe.GitOperation
		if err := get(txn, gitOpKey(id), &op); err != nil {
			return err
		}
		if err := mutate(&op); err != nil {
			return err
		}
		return put(txn, gitOpKey(id), &op)
	})
}

// GetOperation fetches one operation by id.
func (s *Store) GetOperation(ctx context.Context, id string) (*gitsafe.GitOperation, error) {
	var op gitsafe.GitOperation
	err := s.view(ctx, func(txn *badger.Txn) error {
		return get(txn, gitOpKey(id), &op)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// ListOperationsByProject returns the project's operations, newest first.
// kind filters by operation kind when non-empty.
func (s *Store) ListOperationsByProject(ctx context.Context, projectID string, kind gitsafe.OperationKind) ([]*gitsafe.GitOperation, error) {
	var ids []string
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, "gitop/idx/"+projectID+"/", func(id *string) error {
			ids = append(ids, *id)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]*gitsafe.GitOperation, 0, len(ids))
	err = s.view(ctx, func(txn *badger.Txn) error {
		for _, id := range ids {
			var op gitsafe.GitOperation
			if err := get(txn, gitOpKey(id), &op); err != nil {
				return err
			}
			if kind != "" && op.Kind != kind {
				continue
			}
			clone := op
			out = append(out, &clone)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CreateSnapshot persists a new snapshot record.
func (s *Store) CreateSnapshot(ctx context.Context, snapshot *gitsafe.Snapshot) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := put(txn, snapshotKey(snapshot.ID), snapshot); err != nil {
			return err
		}
		return put(txn, indexKey("snapshot", snapshot.ProjectID, snapshot.ID), snapshot.ID)
	})
}

// UpdateSnapshot applies mutate to the stored record.
func (s *Store) UpdateSnapshot(ctx context.Context, id string, mutate func(*gitsafe.Snapshot) error) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var snapshot gitsafe.Snapshot
		if err := get(txn, snapshotKey(id), &snapshot); err != nil {
			return err
		}
		if err := mutate(&snapshot); err != nil {
			return err
		}
		return put(txn, snapshotKey(id), &snapshot)
	})
}

// GetSnapshot fetches one snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*gitsafe.Snapshot, error) {
	var snapshot gitsafe.Snapshot
	err := s.view(ctx, func(txn *badger.Txn) error {
		return get(txn, snapshotKey(id), &snapshot)
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// ListActiveSnapshotsByProject returns the project's active snapshots,
// newest first.
func (s *Store) ListActiveSnapshotsByProject(ctx context.Context, projectID string) ([]*gitsafe.Snapshot, error) {
	var ids []string
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, "snapshot/idx/"+projectID+"/", func(id *string) error {
			ids = append(ids, *id)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]*gitsafe.Snapshot, 0, len(ids))
	err = s.view(ctx, func(txn *badger.Txn) error {
		for _, id := range ids {
			var snapshot gitsafe.Snapshot
			if err := get(txn, snapshotKey(id), &snapshot); err != nil {
				return err
			}
			if !snapshot.Active {
				continue
			}
			clone := snapshot
			out = append(out, &clone)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// MarkSnapshotInactive clears the active flag.
func (s *Store) MarkSnapshotInactive(ctx context.Context, id string) error {
	return s.UpdateSnapshot(ctx, id, func(snapshot *gitsafe.Snapshot) error {
		snapshot.Active = false
		return nil
	})
}

// ListExpiredSnapshots returns active snapshots whose TTL has passed.
func (s *Store) ListExpiredSnapshots(ctx context.Context, now time.Time) ([]*gitsafe.Snapshot, error) {
	var out []*gitsafe.Snapshot
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, snapshotPrefix, func(snapshot *gitsafe.Snapshot) error {
			if snapshot.Active && snapshot.Expired(now) {
				clone := *snapshot
				out = append(out, &clone)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
