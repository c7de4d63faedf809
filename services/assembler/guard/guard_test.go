// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

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

func newTestGuard(t *testing.T, config Config) *Guard {
	t.Helper()
	g, err := New(config, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

// initGitRepo creates a repository with one commit and returns its path.
func initGitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@localhost",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@localhost")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

// TestWithProjectSerialises verifies only one fn runs per project at a time.
func TestWithProjectSerialises(t *testing.T) {
	g := newTestGuard(t, Config{})
	dir := t.TempDir()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.WithProject(context.Background(), "p-1", dir, Options{}, func(*Lease) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside, "critical sections overlapped")
}

// TestWithProjectFIFO verifies waiters enter in arrival order.
func TestWithProjectFIFO(t *testing.T) {
	g := newTestGuard(t, Config{})
	dir := t.TempDir()

	release := make(chan struct{})
	holderIn := make(chan struct{})
	go func() {
		_ = g.WithProject(context.Background(), "p-1", dir, Options{}, func(*Lease) error {
			close(holderIn)
			<-release
			return nil
		})
	}()
	<-holderIn

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.WithProject(context.Background(), "p-1", dir, Options{}, func(*Lease) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Give each goroutine time to join the queue before the next.
		time.Sleep(20 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

// TestWithProjectTimeout verifies a busy project fails with LockTimeout.
func TestWithProjectTimeout(t *testing.T) {
	g := newTestGuard(t, Config{})
	dir := t.TempDir()

	release := make(chan struct{})
	holderIn := make(chan struct{})
	go func() {
		_ = g.WithProject(context.Background(), "p-1", dir, Options{}, func(*Lease) error {
			close(holderIn)
			<-release
			return nil
		})
	}()
	<-holderIn
	defer close(release)

	err := g.WithProject(context.Background(), "p-1", dir,
		Options{Timeout: 30 * time.Millisecond}, func(*Lease) error { return nil })
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindLockTimeout))
}

// TestProjectsIndependent verifies different keys never contend.
func TestProjectsIndependent(t *testing.T) {
	g := newTestGuard(t, Config{})
	dirA, dirB := t.TempDir(), t.TempDir()

	aIn := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = g.WithProject(context.Background(), "p-a", dirA, Options{}, func(*Lease) error {
			close(aIn)
			<-release
			return nil
		})
	}()
	<-aIn
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- g.WithProject(context.Background(), "p-b", dirB,
			Options{Timeout: time.Second}, func(*Lease) error { return nil })
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("independent project blocked behind unrelated lease")
	}
}

// TestPreflightProjectMissing verifies the path check.
func TestPreflightProjectMissing(t *testing.T) {
	g := newTestGuard(t, Config{})

	err := g.WithProject(context.Background(), "p-1", "/does/not/exist",
		Options{}, func(*Lease) error { return nil })
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindProjectMissing))
}

// TestPreflightRequireGit verifies plain directories fail when git is required.
func TestPreflightRequireGit(t *testing.T) {
	g := newTestGuard(t, Config{})

	err := g.WithProject(context.Background(), "p-1", t.TempDir(),
		Options{RequireGit: true}, func(*Lease) error { return nil })
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindNotARepository))
}

// TestPreflightStaleLock verifies young locks block and old locks are cleared.
func TestPreflightStaleLock(t *testing.T) {
	dir := initGitRepo(t)
	g := newTestGuard(t, Config{StaleLockMaxAge: time.Hour})
	lockPath := filepath.Join(dir, ".git", "index.lock")

	t.Run("young lock blocks", func(t *testing.T) {
		require.NoError(t, os.WriteFile(lockPath, nil, 0o644))
		defer os.Remove(lockPath)

		err := g.WithProject(context.Background(), "p-1", dir,
			Options{RequireGit: true}, func(*Lease) error { return nil })
		require.Error(t, err)
		assert.True(t, faults.IsKind(err, faults.KindStaleLock))
	})

	t.Run("old lock is cleared", func(t *testing.T) {
		require.NoError(t, os.WriteFile(lockPath, nil, 0o644))
		old := time.Now().Add(-2 * time.Hour)
		require.NoError(t, os.Chtimes(lockPath, old, old))

		entered := false
		err := g.WithProject(context.Background(), "p-1", dir,
			Options{RequireGit: true}, func(*Lease) error {
				entered = true
				return nil
			})
		require.NoError(t, err)
		assert.True(t, entered)
		assert.NoFileExists(t, lockPath)
	})
}

// TestLeaseQueries verifies the read-only handle against a real repository.
func TestLeaseQueries(t *testing.T) {
	dir := initGitRepo(t)
	g := newTestGuard(t, Config{})

	err := g.WithProject(context.Background(), "p-1", dir,
		Options{RequireGit: true}, func(lease *Lease) error {
			require.True(t, lease.IsGitRepository())

			branch, err := lease.Branch(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "main", branch)

			head, err := lease.Head(context.Background())
			require.NoError(t, err)
			assert.Len(t, head, 40)

			clean, err := lease.IsClean(context.Background())
			require.NoError(t, err)
			assert.True(t, clean)
			return nil
		})
	require.NoError(t, err)
}

// TestPanicReleased verifies a panicking fn surfaces an error and frees the lease.
func TestPanicReleased(t *testing.T) {
	g := newTestGuard(t, Config{})
	dir := t.TempDir()

	err := g.WithProject(context.Background(), "p-1", dir, Options{}, func(*Lease) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	// Lease must be free again.
	err = g.WithProject(context.Background(), "p-1", dir,
		Options{Timeout: 100 * time.Millisecond}, func(*Lease) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, "idle", g.describeQueue("p-1"))
}
