// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !windows

package pipeline

import (
	"archive/zip"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AssembleLocal/services/assembler/archive"
	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
	"github.com/AleutianAI/AssembleLocal/services/assembler/gitsafe"
	"github.com/AleutianAI/AssembleLocal/services/assembler/gradle"
	"github.com/AleutianAI/AssembleLocal/services/assembler/guard"
	"github.com/AleutianAI/AssembleLocal/services/assembler/logbus"
	"github.com/AleutianAI/AssembleLocal/services/assembler/store"
	"github.com/AleutianAI/AssembleLocal/services/assembler/task"
)

// goodWrapper simulates a successful release build.
const goodWrapper = `
echo "> Task :app:clean"
echo "> Task :app:assembleRelease"
mkdir -p app/build/outputs/apk/release
printf 'fake apk bytes' > app/build/outputs/apk/release/app-release.apk
echo "BUILD SUCCESSFUL in 1s"
exit 0
`

// failingWrapper simulates a compilation failure.
const failingWrapper = `
echo "> Task :app:clean"
echo "FAILURE: Build failed with an exception."
echo "BUILD FAILED in 1s"
exit 1
`

// slowWrapper blocks until killed.
const slowWrapper = `
echo "> Task :app:clean"
sleep 120
`

// harness wires every component around one registered project.
type harness struct {
	store    *store.Store
	guard    *guard.Guard
	git      *gitsafe.Service
	bus      *logbus.Bus
	runtime  *task.Runtime
	pipeline *Pipeline

	project    *store.Project
	projectDir string
}

func newHarness(t *testing.T, wrapperScript string) *harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	projectDir := t.TempDir()

	// Android-ish project skeleton.
	require.NoError(t, os.MkdirAll(filepath.Join(projectDir, "app/src/main/assets/apps/alpha"), 0o755))
	writeProjectFile(t, projectDir, "app/src/main/assets/apps/alpha/v1.txt", "version one\n")
	writeProjectFile(t, projectDir, "settings.gradle", "include ':app'\n")
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "gradlew"),
		[]byte("#!/bin/sh\n"+wrapperScript), 0o755))

	gitRun(t, projectDir, "init", "-b", "main")
	gitRun(t, projectDir, "add", ".")
	gitRun(t, projectDir, "commit", "-m", "initial")

	st, err := store.Open(store.Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	project := &store.Project{Name: "demo", Path: projectDir}
	require.NoError(t, st.CreateProject(context.Background(), project))

	g, err := guard.New(guard.Config{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	gitSvc := gitsafe.NewService(gitsafe.Config{SnapshotRoot: t.TempDir()}, st, nil, nil)
	bus := logbus.New(logbus.Config{HeartbeatInterval: time.Hour}, nil, nil)
	runtime := task.NewRuntime(task.Config{}, st, nil, nil)

	pl := New(Config{
		GradleInactivity: time.Minute,
		TempRoot:         t.TempDir(),
	}, g, gitSvc, bus, runtime, gradle.NewRunner(time.Second, nil),
		archive.NewExtractor(nil), st, nil, nil)

	runtime.SetExecutor(pl.Execute)
	runtime.SetOnTerminal(func(finished *task.Task) {
		bus.Close(finished.ID, string(finished.Status))
	})

	return &harness{
		store: st, guard: g, git: gitSvc, bus: bus,
		runtime: runtime, pipeline: pl,
		project: project, projectDir: projectDir,
	}
}

func writeProjectFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func gitRun(t *testing.T, dir string, args ...string) string {
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

func (h *harness) head(t *testing.T) string {
	t.Helper()
	out := gitRun(t, h.projectDir, "rev-parse", "HEAD")
	return out[:40]
}

// makeArchive builds a zip whose single root is topLevel.
func makeArchive(t *testing.T, topLevel string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), topLevel+".zip")
	out, err := os.Create(path)
	require.NoError(t, err)
	writer := zip.NewWriter(out)
	for name, content := range files {
		w, err := writer.Create(topLevel + "/" + name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	require.NoError(t, out.Close())
	return path
}

func (h *harness) runTask(t *testing.T, archivePath string, want task.Status) *task.Task {
	t.Helper()
	created, err := h.runtime.Create(context.Background(), &task.Task{
		ProjectID:   h.project.ID,
		Kind:        task.KindBuild,
		Branch:      "main",
		ArchivePath: archivePath,
	})
	require.NoError(t, err)
	require.NoError(t, h.runtime.Start(created.ID))
	return h.waitFor(t, created.ID, want)
}

func (h *harness) waitFor(t *testing.T, id string, want task.Status) *task.Task {
	t.Helper()
	var got *task.Task
	require.Eventually(t, func() bool {
		current, err := h.runtime.Get(id)
		if err != nil {
			return false
		}
		got = current
		return current.Status == want
	}, 30*time.Second, 20*time.Millisecond, "task never reached %s (last: %+v)", want, got)
	return got
}

// TestHappyBuild is the end-to-end success scenario: replacement applied,
// one APK artifact, progress 100, HEAD untouched.
func TestHappyBuild(t *testing.T) {
	h := newHarness(t, goodWrapper)
	before := h.head(t)

	archivePath := makeArchive(t, "alpha", map[string]string{"v2.txt": "version two\n"})
	final := h.runTask(t, archivePath, task.StatusCompleted)

	assert.Equal(t, 100, final.Progress)
	require.Len(t, final.Artifacts, 1)
	artifact := final.Artifacts[0]
	assert.Equal(t, task.ArtifactAPK, artifact.Kind)
	assert.False(t, artifact.Partial)
	assert.Equal(t, "app-release.apk", artifact.Name)
	assert.NotEmpty(t, artifact.SHA256)

	// Replacement swapped the package wholesale.
	assert.FileExists(t, filepath.Join(h.projectDir, "app/src/main/assets/apps/alpha/v2.txt"))
	assert.NoFileExists(t, filepath.Join(h.projectDir, "app/src/main/assets/apps/alpha/v1.txt"))

	// The build itself never commits.
	assert.Equal(t, before, h.head(t))

	// Pre-flight snapshot was recorded and is active.
	snapshots, err := h.store.ListActiveSnapshotsByProject(context.Background(), h.project.ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, gitsafe.SnapshotFull, snapshots[0].Kind)
}

// TestNameMismatch verifies the strict name check fails the task before any
// repository mutation, with both sides named in the error.
func TestNameMismatch(t *testing.T) {
	h := newHarness(t, goodWrapper)
	before := h.head(t)

	archivePath := makeArchive(t, "beta", map[string]string{"v2.txt": "x\n"})
	final := h.runTask(t, archivePath, task.StatusFailed)

	assert.Equal(t, string(faults.KindResourcePackageMismatch), final.ErrorKind)
	assert.Contains(t, final.Error, "beta")
	assert.Contains(t, final.Error, "alpha")

	// Nothing changed on disk or in git.
	assert.FileExists(t, filepath.Join(h.projectDir, "app/src/main/assets/apps/alpha/v1.txt"))
	assert.Equal(t, before, h.head(t))

	// Only the pre-flight backup operation was recorded, and it completed.
	ops, err := h.store.ListOperationsByProject(context.Background(), h.project.ID, "")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, gitsafe.OpBackup, ops[0].Kind)
	assert.Equal(t, gitsafe.OpCompleted, ops[0].Status)

	snapshots, err := h.store.ListActiveSnapshotsByProject(context.Background(), h.project.ID)
	require.NoError(t, err)
	assert.Len(t, snapshots, 1)
}

// TestGradleFailureKeepsChanges verifies the deliberate no-recovery policy
// for failed builds.
func TestGradleFailureKeepsChanges(t *testing.T) {
	h := newHarness(t, failingWrapper)
	before := h.head(t)

	archivePath := makeArchive(t, "alpha", map[string]string{"v2.txt": "version two\n"})

	created, err := h.runtime.Create(context.Background(), &task.Task{
		ProjectID: h.project.ID, Branch: "main", ArchivePath: archivePath,
	})
	require.NoError(t, err)

	logSub := h.bus.Subscribe(context.Background(), created.ID, 0)
	require.NoError(t, h.runtime.Start(created.ID))
	final := h.waitFor(t, created.ID, task.StatusFailed)

	assert.Equal(t, string(faults.KindGradleExitNonZero), final.ErrorKind)

	// The resource change stays on disk for inspection.
	assert.FileExists(t, filepath.Join(h.projectDir, "app/src/main/assets/apps/alpha/v2.txt"))
	assert.NoFileExists(t, filepath.Join(h.projectDir, "app/src/main/assets/apps/alpha/v1.txt"))
	assert.Equal(t, before, h.head(t))

	// The BUILD FAILED line reached the log stream.
	sawFailure := false
	deadline := time.After(5 * time.Second)
	for !sawFailure {
		select {
		case rec, ok := <-logSub.C:
			if !ok {
				t.Fatal("stream closed before BUILD FAILED line")
			}
			if rec.Final {
				t.Fatal("final record before BUILD FAILED line")
			}
			if rec.Source == "gradle" && rec.Level == logbus.LevelError {
				sawFailure = true
			}
		case <-deadline:
			t.Fatal("never saw gradle failure line")
		}
	}
}

// TestCancelMidGradle verifies scenario: cancel while Gradle runs kills the
// process, keeps the resource change, and closes the stream with a final
// record carrying the cancelled status.
func TestCancelMidGradle(t *testing.T) {
	h := newHarness(t, slowWrapper)
	before := h.head(t)

	archivePath := makeArchive(t, "alpha", map[string]string{"v2.txt": "version two\n"})
	created, err := h.runtime.Create(context.Background(), &task.Task{
		ProjectID: h.project.ID, Branch: "main", ArchivePath: archivePath,
	})
	require.NoError(t, err)

	logSub := h.bus.Subscribe(context.Background(), created.ID, 0)
	require.NoError(t, h.runtime.Start(created.ID))

	// Wait until Gradle is actually running (its first line arrives).
	require.Eventually(t, func() bool {
		select {
		case rec := <-logSub.C:
			return rec.Source == "gradle"
		default:
			return false
		}
	}, 15*time.Second, 20*time.Millisecond)

	cancelStart := time.Now()
	require.NoError(t, h.runtime.Cancel(created.ID))
	final := h.waitFor(t, created.ID, task.StatusCancelled)
	assert.Less(t, time.Since(cancelStart), 10*time.Second)

	assert.Equal(t, string(faults.KindCancelled), final.ErrorKind)
	assert.FileExists(t, filepath.Join(h.projectDir, "app/src/main/assets/apps/alpha/v2.txt"))
	assert.Equal(t, before, h.head(t))

	// Drain to the final record.
	var sawFinal bool
	timeout := time.After(10 * time.Second)
	for !sawFinal {
		select {
		case rec, ok := <-logSub.C:
			if !ok {
				t.Fatal("stream closed without a final record")
			}
			if rec.Final {
				assert.Equal(t, string(task.StatusCancelled), rec.Status)
				sawFinal = true
			}
		case <-timeout:
			t.Fatal("never saw final record")
		}
	}
}

// TestSnapshotRestoreAfterCommit verifies the post-build curation flow:
// commit the change, then restore the pre-build snapshot and get the old
// tree and HEAD back.
func TestSnapshotRestoreAfterCommit(t *testing.T) {
	h := newHarness(t, goodWrapper)
	before := h.head(t)
	ctx := context.Background()

	archivePath := makeArchive(t, "alpha", map[string]string{"v2.txt": "version two\n"})
	final := h.runTask(t, archivePath, task.StatusCompleted)
	require.NotNil(t, final.Result)
	snapshotID := final.Result.SnapshotID
	require.NotEmpty(t, snapshotID)

	// User decides to keep the change: commit it through the safety layer.
	err := h.guard.WithProject(ctx, h.project.ID, h.projectDir,
		guard.Options{RequireGit: true}, func(lease *guard.Lease) error {
			_, err := h.git.AtomicCommit(ctx, lease.Runner(), h.project.ID,
				"apply resource package", nil, false, gitsafe.OpOptions{})
			return err
		})
	require.NoError(t, err)
	afterCommit := h.head(t)
	require.NotEqual(t, before, afterCommit)

	// Then changes their mind: restore the pre-build snapshot.
	err = h.guard.WithProject(ctx, h.project.ID, h.projectDir,
		guard.Options{RequireGit: true}, func(lease *guard.Lease) error {
			_, err := h.git.RestoreSnapshot(ctx, lease.Runner(), h.project.ID, snapshotID, false)
			return err
		})
	require.NoError(t, err)

	assert.Equal(t, before, h.head(t))
	assert.FileExists(t, filepath.Join(h.projectDir, "app/src/main/assets/apps/alpha/v1.txt"))
	assert.NoFileExists(t, filepath.Join(h.projectDir, "app/src/main/assets/apps/alpha/v2.txt"))

	// The restore is recorded as an operation.
	ops, err := h.store.ListOperationsByProject(ctx, h.project.ID, gitsafe.OpRestore)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, gitsafe.OpCompleted, ops[0].Status)
}

// TestDirtyTreePreflightKeepsUserChanges verifies that a dirty-tree
// refusal during pre-flight is never answered with an automatic clean:
// the task fails with WorkingTreeDirty and the user's uncommitted work —
// tracked modifications and untracked files alike — survives untouched.
func TestDirtyTreePreflightKeepsUserChanges(t *testing.T) {
	h := newHarness(t, goodWrapper)
	before := h.head(t)

	// The user left uncommitted work in the project.
	writeProjectFile(t, h.projectDir, "settings.gradle", "include ':app' // wip\n")
	writeProjectFile(t, h.projectDir, "notes.txt", "scratch notes\n")

	// A branch switch is required, and CheckoutBranch refuses dirty trees.
	archivePath := makeArchive(t, "alpha", map[string]string{"v2.txt": "version two\n"})
	created, err := h.runtime.Create(context.Background(), &task.Task{
		ProjectID: h.project.ID, Branch: "release", ArchivePath: archivePath,
	})
	require.NoError(t, err)
	require.NoError(t, h.runtime.Start(created.ID))
	final := h.waitFor(t, created.ID, task.StatusFailed)

	assert.Equal(t, string(faults.KindWorkingTreeDirty), final.ErrorKind)

	// Nothing was cleaned: both the modification and the untracked file
	// are still there, and HEAD never moved.
	data, err := os.ReadFile(filepath.Join(h.projectDir, "settings.gradle"))
	require.NoError(t, err)
	assert.Equal(t, "include ':app' // wip\n", string(data))
	assert.FileExists(t, filepath.Join(h.projectDir, "notes.txt"))
	assert.FileExists(t, filepath.Join(h.projectDir, "app/src/main/assets/apps/alpha/v1.txt"))
	assert.Equal(t, before, h.head(t))

	// No reset operation was recorded; recovery never ran.
	resets, err := h.store.ListOperationsByProject(context.Background(), h.project.ID, gitsafe.OpReset)
	require.NoError(t, err)
	assert.Empty(t, resets)
}

// TestExtractFailureBeforeReplaceLeavesTreeAlone verifies the same policy
// for a failure between pre-flight and replace: the tree was never touched,
// so recovery does not run git commands against it.
func TestExtractFailureBeforeReplaceLeavesTreeAlone(t *testing.T) {
	h := newHarness(t, goodWrapper)
	before := h.head(t)

	writeProjectFile(t, h.projectDir, "notes.txt", "scratch notes\n")

	// A corrupt archive fails the extract stage after the snapshot.
	archivePath := filepath.Join(t.TempDir(), "broken.zip")
	require.NoError(t, os.WriteFile(archivePath, []byte("PK garbage"), 0o644))

	created, err := h.runtime.Create(context.Background(), &task.Task{
		ProjectID: h.project.ID, Branch: "main", ArchivePath: archivePath,
	})
	require.NoError(t, err)
	require.NoError(t, h.runtime.Start(created.ID))
	final := h.waitFor(t, created.ID, task.StatusFailed)

	assert.Equal(t, string(faults.KindCorrupt), final.ErrorKind)
	assert.FileExists(t, filepath.Join(h.projectDir, "notes.txt"))
	assert.Equal(t, before, h.head(t))

	resets, err := h.store.ListOperationsByProject(context.Background(), h.project.ID, gitsafe.OpReset)
	require.NoError(t, err)
	assert.Empty(t, resets)
}

// TestSecondTaskBlockedWhileFirstRuns verifies invariant 1 end to end.
func TestSecondTaskBlockedWhileFirstRuns(t *testing.T) {
	h := newHarness(t, slowWrapper)

	archivePath := makeArchive(t, "alpha", map[string]string{"v2.txt": "x\n"})
	created, err := h.runtime.Create(context.Background(), &task.Task{
		ProjectID: h.project.ID, Branch: "main", ArchivePath: archivePath,
	})
	require.NoError(t, err)
	require.NoError(t, h.runtime.Start(created.ID))
	h.waitFor(t, created.ID, task.StatusRunning)

	_, err = h.runtime.Create(context.Background(), &task.Task{
		ProjectID: h.project.ID, Branch: "main", ArchivePath: archivePath,
	})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindConflict))

	require.NoError(t, h.runtime.Cancel(created.ID))
	h.waitFor(t, created.ID, task.StatusCancelled)
}
