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

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AssembleLocal/services/assembler/task"
)

const taskPrefix = "task/rec/"

func taskKey(id string) string { return taskPrefix + id }

// CreateTask persists a new task record and its project index entry.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := put(txn, taskKey(t.ID), t); err != nil {
			return err
		}
		return put(txn, indexKey("task", t.ProjectID, t.ID), t.ID)
	})
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	err := s.view(ctx, func(txn *badger.Txn) error {
		return get(txn, taskKey(id), &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask applies mutate to the stored record. Calls against the same
// id are linearised by the conflict-retrying transaction.
func (s *Store) UpdateTask(ctx context.Context, id string, mutate func(*task.Task) error) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var t task.Task
		if err := get(txn, taskKey(id), &t); err != nil {
			return err
		}
		if err := mutate(&t); err != nil {
			return err
		}
		return put(txn, taskKey(id), &t)
	})
}

// AppendTaskArtifact adds one artifact descriptor to the stored record.
func (s *Store) AppendTaskArtifact(ctx context.Context, id string, artifact task.Artifact) error {
	return s.UpdateTask(ctx, id, func(t *task.Task) error {
		t.Artifacts = append(t.Artifacts, artifact)
		return nil
	})
}

// ListTasksByProject returns the project's tasks, newest first.
func (s *Store) ListTasksByProject(ctx context.Context, projectID string) ([]*task.Task, error) {
	var ids []string
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, "task/idx/"+projectID+"/", func(id *string) error {
			ids = append(ids, *id)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]*task.Task, 0, len(ids))
	err = s.view(ctx, func(txn *badger.Txn) error {
		for _, id := range ids {
			var t task.Task
			if err := get(txn, taskKey(id), &t); err != nil {
				return err
			}
			clone := t
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

// ListNonTerminalTasks returns every task still pending or running; used
// by restart reconciliation.
func (s *Store) ListNonTerminalTasks(ctx context.Context) ([]*task.Task, error) {
	var out []*task.Task
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, taskPrefix, func(t *task.Task) error {
			if !t.Status.Terminal() {
				clone := *t
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
