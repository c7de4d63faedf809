// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gitsafe

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu        sync.Mutex
	ops       map[string]*GitOperation
	snapshots map[string]*Snapshot
}

func newMemStore() *memStore {
	return &memStore{
		ops:       make(map[string]*GitOperation),
		snapshots: make(map[string]*Snapshot),
	}
}

func (m *memStore) CreateOperation(_ context.Context, op *GitOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *op
	m.ops[op.ID] = &clone
	return nil
}

func (m *memStore) UpdateOperation(_ context.Context, id string, mutate func(*GitOperation) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.ops[id]
	if !ok {
		return faults.New(faults.KindNotFound, id)
	}
	return mutate(rec)
}

func (m *memStore) CreateSnapshot(_ context.Context, snapshot *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *snapshot
	m.snapshots[snapshot.ID] = &clone
	return nil
}

func (m *memStore) UpdateSnapshot(_ context.Context, id string, mutate func(*Snapshot) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.snapshots[id]
	if !ok {
		return faults.New(faults.KindNotFound, id)
	}
	return mutate(rec)
}

func (m *memStore) GetSnapshot(_ context.Context, id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.snapshots[id]
	if !ok {
		return nil, faults.New(faults.KindNotFound, id)
	}
	clone := *rec
	return &clone, nil
}

func (m *memStore) ListExpiredSnapshots(_ context.Context, now time.Time) ([]*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Snapshot
	for _, rec := range m.snapshots {
		if rec.Active && rec.Expired(now) {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memStore) operation(id string) *GitOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops[id]
}

// initRepo creates a repository with one commit on main.
func initRepo(t *testing.T) (string, *Runner) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	git(t, dir, "init", "-b", "main")
	writeFile(t, dir, "README", "hello\n")
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", "initial")

	runner, err := NewRunner(dir, time.Minute, nil)
	require.NoError(t, err)
	return dir, runner
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@localhost",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@localhost")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	return NewService(Config{SnapshotRoot: t.TempDir()}, store, nil, nil)
}

// TestAtomicCommit verifies staging, committing, and the operation record.
func TestAtomicCommit(t *testing.T) {
	dir, runner := initRepo(t)
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	writeFile(t, dir, "app.txt", "v2\n")

	op, err := svc.AtomicCommit(ctx, runner, "p-1", "update assets", nil, false, OpOptions{})
	require.NoError(t, err)

	assert.Equal(t, OpCompleted, op.Status)
	assert.NotEqual(t, op.PreCommit, op.PostCommit)
	assert.Equal(t, "update assets", op.Message)

	head, err := runner.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, op.PostCommit, head)

	persisted := store.operation(op.ID)
	require.NotNil(t, persisted)
	assert.Equal(t, OpCompleted, persisted.Status)
}

// TestAtomicCommitEmptyFails verifies allowEmpty=false rejects no-op commits.
func TestAtomicCommitEmptyFails(t *testing.T) {
	_, runner := initRepo(t)
	store := newMemStore()
	svc := newTestService(t, store)

	op, err := svc.AtomicCommit(context.Background(), runner, "p-1", "nothing", nil, false, OpOptions{})
	require.Error(t, err)
	require.NotNil(t, op)
	assert.Equal(t, OpFailed, op.Status)
}

// TestCheckoutBranch verifies switch, create, and the dirty-tree refusal.
func TestCheckoutBranch(t *testing.T) {
	dir, runner := initRepo(t)
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	t.Run("create missing branch", func(t *testing.T) {
		op, err := svc.CheckoutBranch(ctx, runner, "p-1", "release", true, OpOptions{})
		require.NoError(t, err)
		assert.Equal(t, OpBranchCreate, op.Kind)

		branch, err := runner.CurrentBranch(ctx)
		require.NoError(t, err)
		assert.Equal(t, "release", branch)
	})

	t.Run("switch to existing branch", func(t *testing.T) {
		op, err := svc.CheckoutBranch(ctx, runner, "p-1", "main", false, OpOptions{})
		require.NoError(t, err)
		assert.Equal(t, OpBranchSwitch, op.Kind)
	})

	t.Run("dirty tree refused", func(t *testing.T) {
		writeFile(t, dir, "README", "dirty\n")
		defer git(t, dir, "checkout", "--", "README")

		op, err := svc.CheckoutBranch(ctx, runner, "p-1", "release", false, OpOptions{})
		require.Error(t, err)
		assert.True(t, faults.IsKind(err, faults.KindWorkingTreeDirty))
		assert.Equal(t, OpFailed, op.Status)
	})
}

// TestRollback verifies ancestor enforcement and the hard reset.
func TestRollback(t *testing.T) {
	dir, runner := initRepo(t)
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	first, err := runner.Head(ctx)
	require.NoError(t, err)

	writeFile(t, dir, "second.txt", "2\n")
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", "second")

	t.Run("non-ancestor rejected", func(t *testing.T) {
		// A commit on a side branch is not an ancestor of main's HEAD.
		git(t, dir, "checkout", "-b", "side", first)
		writeFile(t, dir, "side.txt", "s\n")
		git(t, dir, "add", ".")
		git(t, dir, "commit", "-m", "side")
		side := git(t, dir, "rev-parse", "HEAD")
		git(t, dir, "checkout", "main")

		op, err := svc.Rollback(ctx, runner, "p-1", side[:40], OpOptions{})
		require.Error(t, err)
		assert.Equal(t, OpFailed, op.Status)
	})

	t.Run("ancestor accepted", func(t *testing.T) {
		op, err := svc.Rollback(ctx, runner, "p-1", first, OpOptions{})
		require.NoError(t, err)
		assert.Equal(t, first, op.PostCommit)

		head, err := runner.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, first, head)
		assert.NoFileExists(t, filepath.Join(dir, "second.txt"))
	})
}

// TestResetWorkingTree verifies untracked and modified files are discarded.
func TestResetWorkingTree(t *testing.T) {
	dir, runner := initRepo(t)
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	writeFile(t, dir, "README", "modified\n")
	writeFile(t, dir, "untracked.txt", "x\n")

	before, err := runner.Head(ctx)
	require.NoError(t, err)

	op, err := svc.ResetWorkingTree(ctx, runner, "p-1")
	require.NoError(t, err)
	assert.Equal(t, before, op.PostCommit)

	clean, err := runner.IsClean(ctx)
	require.NoError(t, err)
	assert.True(t, clean)
	assert.NoFileExists(t, filepath.Join(dir, "untracked.txt"))
}

// TestFullSnapshotRoundTrip verifies Backup + RestoreSnapshot leave tracked
// files and HEAD byte-identical to the captured state.
func TestFullSnapshotRoundTrip(t *testing.T) {
	dir, runner := initRepo(t)
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	snapshot, op, err := svc.Backup(ctx, runner, "p-1", SnapshotFull, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, OpCompleted, op.Status)
	assert.Equal(t, OpBackup, op.Kind)
	require.DirExists(t, snapshot.StoragePath)

	preHead := snapshot.Commit

	// Mutate: commit a change on top.
	writeFile(t, dir, "README", "changed\n")
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", "change")

	restoreOp, err := svc.RestoreSnapshot(ctx, runner, "p-1", snapshot.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OpRestore, restoreOp.Kind)
	assert.Equal(t, OpCompleted, restoreOp.Status)

	head, err := runner.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, preHead, head)

	data, err := os.ReadFile(filepath.Join(dir, "README"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

// TestLightSnapshotCapturesDirtyTree verifies the stash-commit strategy.
func TestLightSnapshotCapturesDirtyTree(t *testing.T) {
	dir, runner := initRepo(t)
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	writeFile(t, dir, "README", "uncommitted\n")

	snapshot, _, err := svc.Backup(ctx, runner, "p-1", SnapshotLight, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, snapshot.StashCommit)
	assert.Empty(t, snapshot.StoragePath)

	// The capture must not disturb the working tree.
	data, err := os.ReadFile(filepath.Join(dir, "README"))
	require.NoError(t, err)
	assert.Equal(t, "uncommitted\n", string(data))

	// Wreck the tree, then restore.
	git(t, dir, "checkout", "--", "README")
	restoreOp, err := svc.RestoreSnapshot(ctx, runner, "p-1", snapshot.ID, true)
	require.NoError(t, err)
	assert.Equal(t, OpCompleted, restoreOp.Status)

	data, err = os.ReadFile(filepath.Join(dir, "README"))
	require.NoError(t, err)
	assert.Equal(t, "uncommitted\n", string(data))
}

// TestRestoreRefusesDirtyWithoutForce verifies the force gate.
func TestRestoreRefusesDirtyWithoutForce(t *testing.T) {
	dir, runner := initRepo(t)
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	snapshot, _, err := svc.Backup(ctx, runner, "p-1", SnapshotFull, time.Hour)
	require.NoError(t, err)

	writeFile(t, dir, "README", "dirty\n")

	_, err = svc.RestoreSnapshot(ctx, runner, "p-1", snapshot.ID, false)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindWorkingTreeDirty))
}

// TestRestoreMissingSnapshot verifies the SnapshotMissing fault.
func TestRestoreMissingSnapshot(t *testing.T) {
	_, runner := initRepo(t)
	svc := newTestService(t, newMemStore())

	_, err := svc.RestoreSnapshot(context.Background(), runner, "p-1", "nope", false)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindSnapshotMissing))
}

// TestCleanup verifies expired snapshots are deactivated and their storage
// removed, and that records flip inactive before files disappear.
func TestCleanup(t *testing.T) {
	_, runner := initRepo(t)
	store := newMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	snapshot, _, err := svc.Backup(ctx, runner, "p-1", SnapshotFull, time.Millisecond)
	require.NoError(t, err)
	require.DirExists(t, snapshot.StoragePath)

	time.Sleep(5 * time.Millisecond)

	cleaned, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	rec, err := store.GetSnapshot(ctx, snapshot.ID)
	require.NoError(t, err)
	assert.False(t, rec.Active)
	assert.NoDirExists(t, snapshot.StoragePath)

	// A second pass finds nothing.
	cleaned, err = svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, cleaned)
}
