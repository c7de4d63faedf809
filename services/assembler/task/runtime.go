// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
	"github.com/AleutianAI/AssembleLocal/services/assembler/telemetry"
)

// Store is the persistence surface the runtime forwards transitions to.
type Store interface {
	CreateTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, id string, mutate func(*Task) error) error
	ListNonTerminalTasks(ctx context.Context) ([]*Task, error)
}

// Executor runs one admitted task to completion.
//
// The build pipeline is the production executor. A nil return means the
// task completed; a Cancelled fault or context.Canceled means cancelled;
// context.DeadlineExceeded maps to a failed task with kind Timeout; any
// other error fails the task with its fault kind.
type Executor func(ctx context.Context, t *Task) error

// Config configures the Runtime.
type Config struct {
	// MaxRunning caps concurrently running tasks process-wide. Default: 3.
	MaxRunning int

	// Deadline is the per-run deadline applied at admission. Default: 30m.
	Deadline time.Duration

	// PersistRetries is how many times a store write is attempted before
	// the failure is logged. Default: 3.
	PersistRetries int
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxRunning == 0 {
		c.MaxRunning = 3
	}
	if c.Deadline == 0 {
		c.Deadline = 30 * time.Minute
	}
	if c.PersistRetries == 0 {
		c.PersistRetries = 3
	}
}

// entry is the runtime's mutable view of one task.
type entry struct {
	task   *Task
	queued bool
	cancel context.CancelFunc // non-nil while running
}

// Runtime owns the canonical task table and scheduler.
//
// # Thread Safety
//
// Safe for concurrent use.
type Runtime struct {
	config  Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	store   Store

	executor   Executor
	onTerminal func(t *Task)

	mu      sync.Mutex
	tasks   map[string]*entry
	queue   []string
	running int
	closed  bool

	wg sync.WaitGroup
}

// NewRuntime creates a Runtime. SetExecutor must be called before Start.
func NewRuntime(config Config, store Store, logger *slog.Logger, metrics *telemetry.Metrics) *Runtime {
	config.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		config:  config,
		logger:  logger.With(slog.String("component", "task_runtime")),
		metrics: metrics,
		store:   store,
		tasks:   make(map[string]*entry),
	}
}

// SetExecutor installs the function that runs admitted tasks. Called once
// during wiring; the runtime and the pipeline reference each other, so the
// executor cannot be a constructor argument.
func (r *Runtime) SetExecutor(executor Executor) { r.executor = executor }

// SetOnTerminal installs a hook invoked after every terminal transition
// (the orchestrator closes the task's log stream there).
func (r *Runtime) SetOnTerminal(hook func(t *Task)) { r.onTerminal = hook }

// Create allocates a pending task record.
//
// Enforces the one-live-task-per-project invariant: a second non-terminal
// task for the same project is rejected with a Conflict fault.
func (r *Runtime) Create(ctx context.Context, t *Task) (*Task, error) {
	if t.ProjectID == "" {
		return nil, faults.New(faults.KindInternal, "task has no project")
	}
	if t.Kind == "" {
		t.Kind = KindBuild
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, faults.New(faults.KindUnavailable, "runtime is shutting down")
	}
	for _, other := range r.tasks {
		if other.task.ProjectID == t.ProjectID && !other.task.Status.Terminal() {
			return nil, faults.Newf(faults.KindConflict,
				"project %s already has task %s in status %s",
				t.ProjectID, other.task.ID, other.task.Status)
		}
	}

	t.ID = uuid.New().String()
	t.Status = StatusPending
	t.Progress = 0
	t.CreatedAt = time.Now().UTC()

	if err := r.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting task: %w", err)
	}
	r.tasks[t.ID] = &entry{task: t}

	r.logger.Info("task created",
		slog.String("task_id", t.ID),
		slog.String("project_id", t.ProjectID),
		slog.String("kind", string(t.Kind)))

	return t.Clone(), nil
}

// Start submits a pending task to the FIFO scheduler. The transition to
// running happens at admission, when a slot is free.
func (r *Runtime) Start(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[id]
	if !ok {
		return faults.Newf(faults.KindNotFound, "task %s", id)
	}
	if e.task.Status != StatusPending {
		return faults.Newf(faults.KindConflict,
			"task %s is %s, not pending", id, e.task.Status)
	}
	if e.queued {
		return faults.Newf(faults.KindConflict, "task %s already started", id)
	}
	if r.executor == nil {
		return faults.New(faults.KindInternal, "no executor installed")
	}

	e.queued = true
	r.queue = append(r.queue, id)
	if r.metrics != nil {
		r.metrics.TasksPending.Set(float64(len(r.queue)))
	}
	r.admitLocked()
	return nil
}

// Cancel requests cancellation.
//
// A pending task is cancelled immediately. A running task has its context
// cancelled; the pipeline observes the signal at the next checkpoint and
// the terminal transition happens when the executor returns.
func (r *Runtime) Cancel(id string) error {
	r.mu.Lock()

	e, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return faults.Newf(faults.KindNotFound, "task %s", id)
	}

	switch e.task.Status {
	case StatusPending:
		for i, queued := range r.queue {
			if queued == id {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				break
			}
		}
		e.queued = false
		e.task.Status = StatusCancelled
		e.task.ErrorKind = string(faults.KindCancelled)
		e.task.CompletedAt = time.Now().UTC()
		t := e.task.Clone()
		r.mu.Unlock()

		r.persist(t)
		r.noteTerminal(t)
		return nil

	case StatusRunning:
		cancel := e.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	default:
		status := e.task.Status
		r.mu.Unlock()
		return faults.Newf(faults.KindConflict, "task %s already %s", id, status)
	}
}

// Get returns a copy of the task.
func (r *Runtime) Get(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "task %s", id)
	}
	return e.task.Clone(), nil
}

// List returns copies of every task the runtime knows, newest first not
// guaranteed; callers sort.
func (r *Runtime) List() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e.task.Clone())
	}
	return out
}

// SetProgress applies a monotone progress update. Regressions are clamped
// to the current value; terminal tasks ignore updates.
func (r *Runtime) SetProgress(id string, progress int) {
	r.mu.Lock()
	e, ok := r.tasks[id]
	if !ok || e.task.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress <= e.task.Progress {
		r.mu.Unlock()
		return
	}
	e.task.Progress = progress
	t := e.task.Clone()
	r.mu.Unlock()

	r.persist(t)
}

// SetResult attaches the opaque result record to a live task.
func (r *Runtime) SetResult(id string, result *Result) {
	r.mu.Lock()
	if e, ok := r.tasks[id]; ok && !e.task.Status.Terminal() {
		e.task.Result = result
	}
	r.mu.Unlock()
}

// AppendArtifact records one emitted artifact.
func (r *Runtime) AppendArtifact(id string, artifact Artifact) {
	r.mu.Lock()
	e, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.task.Artifacts = append(e.task.Artifacts, artifact)
	t := e.task.Clone()
	r.mu.Unlock()

	r.persist(t)
}

// admitLocked promotes queued tasks while slots are free. Caller holds mu.
func (r *Runtime) admitLocked() {
	for r.running < r.config.MaxRunning && len(r.queue) > 0 && !r.closed {
		id := r.queue[0]
		r.queue = r.queue[1:]

		e, ok := r.tasks[id]
		if !ok || e.task.Status != StatusPending {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.config.Deadline)
		e.cancel = cancel
		e.task.Status = StatusRunning
		e.task.StartedAt = time.Now().UTC()
		r.running++

		if r.metrics != nil {
			r.metrics.TasksRunning.Set(float64(r.running))
			r.metrics.TasksPending.Set(float64(len(r.queue)))
		}

		t := e.task.Clone()
		r.wg.Add(1)
		go r.run(ctx, cancel, t)
	}
}

// run executes one admitted task and applies the terminal transition.
func (r *Runtime) run(ctx context.Context, cancel context.CancelFunc, t *Task) {
	defer r.wg.Done()
	defer cancel()

	r.persist(t)
	r.logger.Info("task running",
		slog.String("task_id", t.ID),
		slog.String("project_id", t.ProjectID))

	execErr := r.executor(ctx, t.Clone())

	status, kind := terminalFor(ctx, execErr)

	r.mu.Lock()
	e := r.tasks[t.ID]
	e.task.Status = status
	e.task.CompletedAt = time.Now().UTC()
	if execErr != nil {
		e.task.Error = execErr.Error()
		e.task.ErrorKind = string(kind)
	}
	if status == StatusCompleted {
		e.task.Progress = 100
	}
	e.cancel = nil
	r.running--
	final := e.task.Clone()
	if r.metrics != nil {
		r.metrics.TasksRunning.Set(float64(r.running))
	}
	r.admitLocked()
	r.mu.Unlock()

	r.persist(final)
	r.noteTerminal(final)
}

// terminalFor maps an executor error to the terminal status and fault kind.
func terminalFor(ctx context.Context, err error) (Status, faults.Kind) {
	switch {
	case err == nil:
		return StatusCompleted, ""
	case faults.IsKind(err, faults.KindCancelled):
		return StatusCancelled, faults.KindCancelled
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded:
		return StatusFailed, faults.KindTimeout
	case errors.Is(err, context.Canceled):
		return StatusCancelled, faults.KindCancelled
	case faults.IsKind(err, faults.KindTimeout):
		return StatusFailed, faults.KindTimeout
	default:
		return StatusFailed, faults.KindOf(err)
	}
}

// noteTerminal emits metrics, logs, and the terminal hook.
func (r *Runtime) noteTerminal(t *Task) {
	if r.metrics != nil {
		r.metrics.TasksTotal.WithLabelValues(string(t.Status), t.ErrorKind).Inc()
	}
	r.logger.Info("task finished",
		slog.String("task_id", t.ID),
		slog.String("project_id", t.ProjectID),
		slog.String("status", string(t.Status)),
		slog.String("error_kind", t.ErrorKind))
	if r.onTerminal != nil {
		r.onTerminal(t)
	}
}

// persist forwards the current task state to the store with retry.
// Failures are logged and swallowed: in-memory state is authoritative for
// a live task.
func (r *Runtime) persist(t *Task) {
	var err error
	for attempt := 0; attempt < r.config.PersistRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = r.store.UpdateTask(ctx, t.ID, func(rec *Task) error {
			*rec = *t
			return nil
		})
		cancel()
		if err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	r.logger.Error("failed to persist task state",
		slog.String("task_id", t.ID),
		slog.String("status", string(t.Status)),
		slog.String("error", err.Error()))
}

// ReconcileAbandoned marks every task the store still holds in a
// non-terminal status as failed with kind Abandoned. Called once at
// startup, before the HTTP shell accepts requests.
func (r *Runtime) ReconcileAbandoned(ctx context.Context) (int, error) {
	stale, err := r.store.ListNonTerminalTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing non-terminal tasks: %w", err)
	}

	marked := 0
	for _, t := range stale {
		err := r.store.UpdateTask(ctx, t.ID, func(rec *Task) error {
			rec.Status = StatusFailed
			rec.ErrorKind = string(faults.KindAbandoned)
			rec.Error = "task was running when the process restarted"
			rec.CompletedAt = time.Now().UTC()
			return nil
		})
		if err != nil {
			r.logger.Warn("failed to mark abandoned task",
				slog.String("task_id", t.ID),
				slog.String("error", err.Error()))
			continue
		}
		marked++
	}

	if marked > 0 {
		r.logger.Info("reconciled abandoned tasks", slog.Int("count", marked))
	}
	return marked, nil
}

// Shutdown cancels running tasks, drops the queue, and waits for executors
// to return or ctx to expire.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, id := range r.queue {
		if e, ok := r.tasks[id]; ok && e.task.Status == StatusPending {
			e.task.Status = StatusCancelled
			e.task.ErrorKind = string(faults.KindCancelled)
			e.task.CompletedAt = time.Now().UTC()
		}
	}
	r.queue = nil
	var cancels []context.CancelFunc
	for _, e := range r.tasks {
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
