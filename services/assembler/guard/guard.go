// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard serialises all mutating access to a project's working
// directory and .git metadata.
//
// The guard is a keyed lease registry: callers enter a per-project critical
// section through WithProject, queueing FIFO behind the current holder.
// Inside the lease, and before the caller's function runs, the guard performs
// the workspace invariant checks (path present, repository present when
// required, HEAD attached, no stale git lock files). Leases are process-local;
// this is a single-node system.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
	"github.com/AleutianAI/AssembleLocal/services/assembler/gitsafe"
	"github.com/AleutianAI/AssembleLocal/services/assembler/telemetry"
)

// gitLockNames are the lock files git leaves behind when interrupted.
var gitLockNames = []string{"index.lock", "HEAD.lock"}

// Config configures the Guard.
type Config struct {
	// LeaseTimeout is the default wait for a busy project. Default: 2m.
	LeaseTimeout time.Duration

	// StaleLockMaxAge is the age past which an abandoned git lock file is
	// removed automatically (with a warning logged); younger lock files fail
	// the check. Default: 30m.
	StaleLockMaxAge time.Duration

	// GitCommandTimeout bounds the read-only git queries a Lease exposes.
	GitCommandTimeout time.Duration
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = 2 * time.Minute
	}
	if c.StaleLockMaxAge == 0 {
		c.StaleLockMaxAge = 30 * time.Minute
	}
	if c.GitCommandTimeout == 0 {
		c.GitCommandTimeout = time.Minute
	}
}

// Options tunes a single WithProject call.
type Options struct {
	// Timeout overrides the guard's default lease wait. Zero keeps the default.
	Timeout time.Duration

	// RequireGit makes the pre-entry checks fail with NotARepository when the
	// project is not a git work tree. Leave false for plain-directory work.
	RequireGit bool
}

// Guard is the keyed lease registry.
//
// # Thread Safety
//
// Safe for concurrent use from any number of goroutines.
type Guard struct {
	config  Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	projects map[string]*projectState

	watcher   *fsnotify.Watcher
	watchMu   sync.Mutex
	watched   map[string]*Lease // git dir -> active lease
	closeOnce sync.Once
	closed    chan struct{}
}

// projectState tracks one project's holder and FIFO waiter queue.
type projectState struct {
	held  bool
	queue []chan struct{}
}

// Lease is the handle a critical-section function receives.
//
// It exposes read-only repository queries; privileged writes go through the
// git safety layer, which the pipeline composes with the same lease.
type Lease struct {
	ProjectID string
	Path      string

	runner *gitsafe.Runner // nil when the project is not a git tree

	extMu    sync.Mutex
	external []string
}

// IsGitRepository reports whether the leased project is a git work tree.
func (l *Lease) IsGitRepository() bool { return l.runner != nil }

// Runner returns the read-capable git runner for the leased project, or nil
// for non-git projects.
func (l *Lease) Runner() *gitsafe.Runner { return l.runner }

// Branch returns the current branch, or "HEAD" when detached.
func (l *Lease) Branch(ctx context.Context) (string, error) {
	if l.runner == nil {
		return "", faults.New(faults.KindNotARepository, l.Path)
	}
	return l.runner.CurrentBranch(ctx)
}

// Head returns the commit HEAD resolves to.
func (l *Lease) Head(ctx context.Context) (string, error) {
	if l.runner == nil {
		return "", faults.New(faults.KindNotARepository, l.Path)
	}
	return l.runner.Head(ctx)
}

// IsClean reports whether the working tree is clean.
func (l *Lease) IsClean(ctx context.Context) (bool, error) {
	if l.runner == nil {
		return false, faults.New(faults.KindNotARepository, l.Path)
	}
	return l.runner.IsClean(ctx)
}

// ExternalLocks returns git lock files another process created while this
// lease was held. A non-empty result means something else is touching the
// repository despite the guard.
func (l *Lease) ExternalLocks() []string {
	l.extMu.Lock()
	defer l.extMu.Unlock()
	out := make([]string, len(l.external))
	copy(out, l.external)
	return out
}

func (l *Lease) recordExternalLock(name string) {
	l.extMu.Lock()
	defer l.extMu.Unlock()
	l.external = append(l.external, name)
}

// New creates a Guard.
//
// # Inputs
//
//   - config: Guard configuration. Zero values use defaults.
//   - logger: Diagnostic logger. nil uses slog.Default().
//   - metrics: Telemetry sink. nil disables instrumentation.
//
// # Outputs
//
//   - *Guard: Ready-to-use guard. Close must be called on shutdown.
//   - error: Non-nil if the filesystem watcher could not be created.
func New(config Config, logger *slog.Logger, metrics *telemetry.Metrics) (*Guard, error) {
	config.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	g := &Guard{
		config:   config,
		logger:   logger.With(slog.String("component", "guard")),
		metrics:  metrics,
		projects: make(map[string]*projectState),
		watcher:  watcher,
		watched:  make(map[string]*Lease),
		closed:   make(chan struct{}),
	}
	go g.watchLoop()
	return g, nil
}

// WithProject runs fn while holding the project's exclusive lease.
//
// # Description
//
// Queueing is FIFO: concurrent callers for the same project enter in arrival
// order. Waiting is bounded by opts.Timeout (default from config); expiry
// fails with a LockTimeout fault. Pre-entry checks run inside the lease and
// before fn; their failures release the lease and are returned unchanged.
// A panic inside fn is converted to an error. The lease is always released.
//
// # Inputs
//
//   - ctx: Cancels waiting and is passed through to the checks.
//   - projectID: Lease key. Different projects are independent.
//   - path: The project's working directory.
//   - opts: Per-call options.
//   - fn: Critical-section body.
//
// # Outputs
//
//   - error: fn's error, a check failure, LockTimeout, or ctx.Err().
func (g *Guard) WithProject(ctx context.Context, projectID, path string, opts Options, fn func(*Lease) error) (err error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = g.config.LeaseTimeout
	}

	waitStart := time.Now()
	if err := g.acquire(ctx, projectID, timeout); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.GuardWaitSeconds.Observe(time.Since(waitStart).Seconds())
	}

	heldStart := time.Now()
	defer func() {
		g.release(projectID)
		if g.metrics != nil {
			g.metrics.GuardHeldSeconds.Observe(time.Since(heldStart).Seconds())
		}
	}()

	lease, err := g.preflight(ctx, projectID, path, opts)
	if err != nil {
		return err
	}

	if lease.runner != nil {
		if gitDir, dirErr := lease.runner.GitDir(ctx); dirErr == nil {
			g.watch(gitDir, lease)
			defer g.unwatch(gitDir)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic inside project lease",
				slog.String("project_id", projectID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic inside project lease: %v", r)
		}
	}()

	return fn(lease)
}

// acquire takes the project lease or fails with LockTimeout / ctx.Err().
func (g *Guard) acquire(ctx context.Context, projectID string, timeout time.Duration) error {
	g.mu.Lock()
	state, ok := g.projects[projectID]
	if !ok {
		state = &projectState{}
		g.projects[projectID] = state
	}
	if !state.held && len(state.queue) == 0 {
		state.held = true
		g.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	state.queue = append(state.queue, waiter)
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-waiter:
		return nil
	case <-timer.C:
		if g.abandonWaiter(projectID, waiter) {
			return faults.Newf(faults.KindLockTimeout,
				"project %s busy for %s", projectID, timeout)
		}
		// The lease was granted between expiry and removal; hand it on.
		g.release(projectID)
		return faults.Newf(faults.KindLockTimeout,
			"project %s busy for %s", projectID, timeout)
	case <-ctx.Done():
		if g.abandonWaiter(projectID, waiter) {
			return ctx.Err()
		}
		g.release(projectID)
		return ctx.Err()
	}
}

// abandonWaiter removes a queued waiter. Returns false when the waiter was
// already granted the lease, in which case the caller must release it.
func (g *Guard) abandonWaiter(projectID string, waiter chan struct{}) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.projects[projectID]
	if !ok {
		return false
	}
	for i, w := range state.queue {
		if w == waiter {
			state.queue = append(state.queue[:i], state.queue[i+1:]...)
			return true
		}
	}
	return false
}

// release hands the lease to the next FIFO waiter or frees the project.
func (g *Guard) release(projectID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.projects[projectID]
	if !ok {
		return
	}
	if len(state.queue) > 0 {
		next := state.queue[0]
		state.queue = state.queue[1:]
		close(next)
		return
	}
	state.held = false
	delete(g.projects, projectID)
}

// preflight performs the workspace invariant checks inside the lease.
func (g *Guard) preflight(ctx context.Context, projectID, path string, opts Options) (*Lease, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, faults.Newf(faults.KindProjectMissing,
			"project path %s is not a directory", path)
	}

	lease := &Lease{ProjectID: projectID, Path: path}

	runner, err := gitsafe.NewRunner(path, g.config.GitCommandTimeout, g.logger)
	if err != nil {
		return nil, err
	}
	if !runner.IsRepository(ctx) {
		if opts.RequireGit {
			return nil, faults.Newf(faults.KindNotARepository,
				"project %s has no git repository", path)
		}
		return lease, nil
	}
	lease.runner = runner

	if opts.RequireGit && runner.IsDetachedHead(ctx) {
		return nil, faults.Newf(faults.KindDetachedHead,
			"HEAD is detached in %s", path)
	}

	gitDir, err := runner.GitDir(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.clearStaleLocks(gitDir); err != nil {
		return nil, err
	}

	return lease, nil
}

// clearStaleLocks removes abandoned git lock files older than the threshold
// and fails with StaleLock for younger ones.
func (g *Guard) clearStaleLocks(gitDir string) error {
	for _, name := range gitLockNames {
		lockPath := filepath.Join(gitDir, name)
		info, err := os.Stat(lockPath)
		if err != nil {
			continue
		}
		age := time.Since(info.ModTime())
		if age < g.config.StaleLockMaxAge {
			return faults.Newf(faults.KindStaleLock,
				"%s exists and is only %s old", lockPath, age.Round(time.Second))
		}
		g.logger.Warn("removing stale git lock",
			slog.String("path", lockPath),
			slog.Duration("age", age))
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return faults.Wrap(faults.KindStaleLock,
				fmt.Sprintf("removing %s", lockPath), err)
		}
	}
	return nil
}

// watch registers the lease's .git directory with the watcher.
func (g *Guard) watch(gitDir string, lease *Lease) {
	g.watchMu.Lock()
	defer g.watchMu.Unlock()

	if err := g.watcher.Add(gitDir); err != nil {
		g.logger.Warn("failed to watch git directory",
			slog.String("path", gitDir),
			slog.String("error", err.Error()))
		return
	}
	g.watched[gitDir] = lease
}

// unwatch removes the .git directory from the watcher.
func (g *Guard) unwatch(gitDir string) {
	g.watchMu.Lock()
	defer g.watchMu.Unlock()

	delete(g.watched, gitDir)
	_ = g.watcher.Remove(gitDir)
}

// watchLoop surfaces git lock files created by other processes while a
// lease is held. The guard cannot stop an external git invocation; it can
// only make the interference visible.
func (g *Guard) watchLoop() {
	for {
		select {
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			base := filepath.Base(event.Name)
			isLock := false
			for _, name := range gitLockNames {
				if base == name {
					isLock = true
					break
				}
			}
			if !isLock {
				continue
			}
			g.watchMu.Lock()
			lease := g.watched[filepath.Dir(event.Name)]
			g.watchMu.Unlock()
			if lease == nil {
				continue
			}
			g.logger.Warn("external git lock appeared under active lease",
				slog.String("project_id", lease.ProjectID),
				slog.String("lock", event.Name))
			lease.recordExternalLock(base)

		case watchErr, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.logger.Warn("file watcher error",
				slog.String("error", watchErr.Error()))

		case <-g.closed:
			return
		}
	}
}

// Close shuts down the watcher. Active leases finish normally.
func (g *Guard) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.closed)
		err = g.watcher.Close()
	})
	return err
}

// Busy reports whether the project currently has a holder or waiters.
// Intended for status endpoints; the answer is stale the moment it returns.
func (g *Guard) Busy(projectID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.projects[projectID]
	return ok && (state.held || len(state.queue) > 0)
}

// describeQueue is a debugging aid used by tests.
func (g *Guard) describeQueue(projectID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.projects[projectID]
	if !ok {
		return "idle"
	}
	return fmt.Sprintf("held=%v waiters=%d", state.held, len(state.queue))
}
