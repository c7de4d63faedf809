// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gitsafe treats Git mutations as transactions: pre-operation
// snapshots, post-condition verification, and explicit rollback semantics.
//
// Every write operation is recorded as a GitOperation through the store so
// the user can audit what the server did to their repository, and can be
// preceded by a Snapshot that makes the change undoable. Callers are
// responsible for holding the project's repo guard lease around every
// mutating call; the package verifies outcomes, not callers.
package gitsafe

import (
	"time"
)

// SnapshotKind distinguishes the two capture strategies.
type SnapshotKind string

const (
	// SnapshotFull copies the entire working tree and .git to storage.
	// Heavy but restorable even after history rewrites.
	SnapshotFull SnapshotKind = "full"

	// SnapshotLight records HEAD, the branch, and a stash commit of any
	// uncommitted changes. Cheap; restorable while the objects survive.
	SnapshotLight SnapshotKind = "snapshot"
)

// Valid reports whether the kind is one of the two known strategies.
func (k SnapshotKind) Valid() bool {
	return k == SnapshotFull || k == SnapshotLight
}

// Snapshot records one captured repository state.
type Snapshot struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	Kind        SnapshotKind `json:"kind"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Branch      string       `json:"branch"`
	Commit      string       `json:"commit"`
	StoragePath string       `json:"storage_path,omitempty"`
	StashCommit string       `json:"stash_commit,omitempty"`
	SizeBytes   int64        `json:"size_bytes"`
	Active      bool         `json:"active"`
	OperationID string       `json:"operation_id,omitempty"`
}

// Expired reports whether the snapshot's TTL has passed at now.
func (s *Snapshot) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// OperationKind identifies one auditable Git action.
type OperationKind string

const (
	OpCommit       OperationKind = "commit"
	OpRollback     OperationKind = "rollback"
	OpBranchSwitch OperationKind = "branch_switch"
	OpBranchCreate OperationKind = "branch_create"
	OpBackup       OperationKind = "backup"
	OpRestore      OperationKind = "restore"
	OpReset        OperationKind = "reset"
)

// OperationStatus is the git operation state machine.
//
// pending -> in_progress -> {completed | failed | cancelled}; cancelled is
// reachable from pending only. Transitions happen while the project's repo
// guard lease is held.
type OperationStatus string

const (
	OpPending    OperationStatus = "pending"
	OpInProgress OperationStatus = "in_progress"
	OpCompleted  OperationStatus = "completed"
	OpFailed     OperationStatus = "failed"
	OpCancelled  OperationStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s OperationStatus) Terminal() bool {
	return s == OpCompleted || s == OpFailed || s == OpCancelled
}

// GitOperation is the audit record for one Git action.
type GitOperation struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Kind        OperationKind   `json:"kind"`
	Status      OperationStatus `json:"status"`
	Branch      string          `json:"branch,omitempty"`
	PreCommit   string          `json:"pre_commit,omitempty"`
	PostCommit  string          `json:"post_commit,omitempty"`
	Message     string          `json:"message,omitempty"`
	Files       []string        `json:"files,omitempty"`
	Error       string          `json:"error,omitempty"`
	SnapshotIDs []string        `json:"snapshot_ids,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Duration returns the wall-clock time the operation ran, or zero while it
// is still pending or in progress.
func (o *GitOperation) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.CompletedAt.IsZero() {
		return 0
	}
	return o.CompletedAt.Sub(o.StartedAt)
}
