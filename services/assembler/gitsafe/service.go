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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
	"github.com/AleutianAI/AssembleLocal/services/assembler/telemetry"
)

// Store is the persistence surface the safety layer needs.
//
// The badger-backed store satisfies it; tests use an in-memory fake.
type Store interface {
	CreateOperation(ctx context.Context, op *GitOperation) error
	UpdateOperation(ctx context.Context, id string, mutate func(*GitOperation) error) error
	CreateSnapshot(ctx context.Context, snapshot *Snapshot) error
	UpdateSnapshot(ctx context.Context, id string, mutate func(*Snapshot) error) error
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	ListExpiredSnapshots(ctx context.Context, now time.Time) ([]*Snapshot, error)
}

// Config configures the Service.
type Config struct {
	// SnapshotRoot is the storage root for full snapshot copies.
	SnapshotRoot string

	// SnapshotTTL is the default snapshot lifetime. Default: 7 days.
	SnapshotTTL time.Duration
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.SnapshotTTL == 0 {
		c.SnapshotTTL = 7 * 24 * time.Hour
	}
	if c.SnapshotRoot == "" {
		c.SnapshotRoot = ".assemble/snapshots"
	}
}

// OpOptions tunes one write operation.
type OpOptions struct {
	// Snapshot, when non-empty, captures a pre-operation snapshot of the
	// given kind. Empty skips the snapshot (the operation record then
	// carries no snapshot reference).
	Snapshot SnapshotKind

	// SnapshotTTL overrides the default snapshot lifetime.
	SnapshotTTL time.Duration
}

// Service is the transactional Git safety layer.
//
// # Description
//
// Each write method records a GitOperation, optionally captures a snapshot
// first, runs the underlying git commands, verifies the post-condition, and
// on mid-operation failure attempts a best-effort restore of HEAD to its
// pre-operation value. Callers must hold the project's repo guard lease for
// the whole call; the runner they pass in is the lease's runner.
//
// # Thread Safety
//
// Safe for concurrent use across projects. Per-project exclusivity is the
// guard's job, not this package's.
type Service struct {
	config  Config
	store   Store
	logger  *slog.Logger
	metrics *telemetry.Metrics

	gcMu sync.Mutex
}

// NewService creates a Service.
func NewService(config Config, store Store, logger *slog.Logger, metrics *telemetry.Metrics) *Service {
	config.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config:  config,
		store:   store,
		logger:  logger.With(slog.String("component", "gitsafe")),
		metrics: metrics,
	}
}

// Backup captures a snapshot as a first-class operation.
//
// The pipeline's pre-flight stage uses this; the operation record has kind
// "backup" and references the created snapshot.
func (s *Service) Backup(ctx context.Context, runner *Runner, projectID string, kind SnapshotKind, ttl time.Duration) (*Snapshot, *GitOperation, error) {
	var snapshot *Snapshot
	op, err := s.runOperation(ctx, runner, projectID, OpBackup, OpOptions{}, func(op *GitOperation) error {
		var err error
		snapshot, err = s.takeSnapshot(ctx, runner, projectID, kind, ttl, op.ID)
		if err != nil {
			return err
		}
		op.SnapshotIDs = append(op.SnapshotIDs, snapshot.ID)
		return nil
	})
	if err != nil {
		return nil, op, err
	}
	return snapshot, op, nil
}

// CheckoutBranch switches to the named branch, creating it from the current
// HEAD when createIfMissing is set and the branch is absent.
//
// Refuses on a dirty working tree. On success, verifies HEAD resolves to the
// requested branch tip. A merge conflict during the switch aborts the
// operation and leaves the tree unchanged.
func (s *Service) CheckoutBranch(ctx context.Context, runner *Runner, projectID, name string, createIfMissing bool, opts OpOptions) (*GitOperation, error) {
	kind := OpBranchSwitch
	exists := runner.BranchExists(ctx, name)
	if !exists {
		if !createIfMissing {
			return nil, faults.Newf(faults.KindInternal, "branch %s does not exist", name)
		}
		kind = OpBranchCreate
	}

	return s.runOperation(ctx, runner, projectID, kind, opts, func(op *GitOperation) error {
		clean, err := runner.IsClean(ctx)
		if err != nil {
			return err
		}
		if !clean {
			files, _ := runner.StatusFiles(ctx)
			return faults.New(faults.KindWorkingTreeDirty,
				"uncommitted changes block branch switch").
				WithDetail("files", files)
		}

		op.Branch = name
		if exists {
			if _, err := runner.Run(ctx, "checkout", name); err != nil {
				return fmt.Errorf("checking out %s: %w", name, err)
			}
		} else {
			if _, err := runner.Run(ctx, "checkout", "-b", name); err != nil {
				return fmt.Errorf("creating branch %s: %w", name, err)
			}
		}

		// Post-condition: HEAD is the requested branch tip.
		head, err := runner.Head(ctx)
		if err != nil {
			return err
		}
		tip, err := runner.Output(ctx, "rev-parse", "refs/heads/"+name)
		if err != nil {
			return err
		}
		if head != tip {
			return fmt.Errorf("HEAD %s does not match %s tip %s after checkout", head, name, tip)
		}
		return nil
	})
}

// AtomicCommit stages the supplied paths (or all tracked modifications when
// paths is empty) and commits them.
//
// Verifies the new HEAD differs from the old one unless allowEmpty is set.
// The new commit hash is recorded as the operation's post-commit.
func (s *Service) AtomicCommit(ctx context.Context, runner *Runner, projectID, message string, paths []string, allowEmpty bool, opts OpOptions) (*GitOperation, error) {
	return s.runOperation(ctx, runner, projectID, OpCommit, opts, func(op *GitOperation) error {
		op.Message = message
		op.Files = paths

		if len(paths) > 0 {
			args := append([]string{"add", "--"}, paths...)
			if _, err := runner.Run(ctx, args...); err != nil {
				return fmt.Errorf("staging paths: %w", err)
			}
		} else {
			if _, err := runner.Run(ctx, "add", "-A"); err != nil {
				return fmt.Errorf("staging modifications: %w", err)
			}
		}

		commitArgs := []string{"commit", "-m", message}
		if allowEmpty {
			commitArgs = append(commitArgs, "--allow-empty")
		}
		if _, err := runner.Run(ctx, commitArgs...); err != nil {
			return fmt.Errorf("committing: %w", err)
		}

		head, err := runner.Head(ctx)
		if err != nil {
			return err
		}
		if !allowEmpty && head == op.PreCommit {
			return fmt.Errorf("commit produced no new HEAD (was %s)", op.PreCommit)
		}
		op.PostCommit = head
		return nil
	})
}

// Rollback hard-resets the current branch to targetCommit.
//
// The target must be an ancestor of the current HEAD: this is the "undo
// recent work" path, not arbitrary history rewriting.
func (s *Service) Rollback(ctx context.Context, runner *Runner, projectID, targetCommit string, opts OpOptions) (*GitOperation, error) {
	return s.runOperation(ctx, runner, projectID, OpRollback, opts, func(op *GitOperation) error {
		target, err := runner.Output(ctx, "rev-parse", "--verify", targetCommit+"^{commit}")
		if err != nil {
			return fmt.Errorf("resolving target %s: %w", targetCommit, err)
		}

		ancestor, err := runner.IsAncestor(ctx, target, "HEAD")
		if err != nil {
			return err
		}
		if !ancestor {
			return fmt.Errorf("target %s is not an ancestor of HEAD", targetCommit)
		}

		if _, err := runner.Run(ctx, "reset", "--hard", target); err != nil {
			return fmt.Errorf("resetting to %s: %w", target, err)
		}
		op.PostCommit = target
		return nil
	})
}

// ResetWorkingTree discards unstaged changes and removes untracked files,
// leaving HEAD unchanged. Used to recover from a half-finished replacement.
func (s *Service) ResetWorkingTree(ctx context.Context, runner *Runner, projectID string) (*GitOperation, error) {
	return s.runOperation(ctx, runner, projectID, OpReset, OpOptions{}, func(op *GitOperation) error {
		if _, err := runner.Run(ctx, "reset", "--hard", "HEAD"); err != nil {
			return fmt.Errorf("resetting index: %w", err)
		}
		if _, err := runner.Run(ctx, "clean", "-fd"); err != nil {
			return fmt.Errorf("removing untracked files: %w", err)
		}
		op.PostCommit = op.PreCommit
		return nil
	})
}

// RestoreSnapshot replaces the working tree (and, for full snapshots, .git)
// from a snapshot. Refuses on a dirty tree unless force is set.
func (s *Service) RestoreSnapshot(ctx context.Context, runner *Runner, projectID, snapshotID string, force bool) (*GitOperation, error) {
	snapshot, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, faults.Wrap(faults.KindSnapshotMissing, snapshotID, err)
	}
	if !snapshot.Active {
		return nil, faults.Newf(faults.KindSnapshotMissing, "snapshot %s is inactive", snapshotID)
	}

	return s.runOperation(ctx, runner, projectID, OpRestore, OpOptions{}, func(op *GitOperation) error {
		op.SnapshotIDs = append(op.SnapshotIDs, snapshot.ID)

		if !force {
			clean, err := runner.IsClean(ctx)
			if err != nil {
				return err
			}
			if !clean {
				files, _ := runner.StatusFiles(ctx)
				return faults.New(faults.KindWorkingTreeDirty,
					"uncommitted changes block snapshot restore").
					WithDetail("files", files)
			}
		}

		if err := s.restoreFromSnapshot(ctx, runner, snapshot); err != nil {
			s.preserveSnapshot(ctx, snapshot.ID)
			return err
		}

		head, err := runner.Head(ctx)
		if err != nil {
			return err
		}
		op.PostCommit = head
		return nil
	})
}

// runOperation wraps one write in the operation state machine.
//
// Sequence: record pending, optional pre-snapshot, transition to
// in_progress, run body, verify, terminal transition. A body failure
// triggers a best-effort reset of HEAD to the pre-operation commit; if that
// restore also fails and a snapshot exists, the snapshot is preserved past
// its TTL.
func (s *Service) runOperation(ctx context.Context, runner *Runner, projectID string, kind OperationKind, opts OpOptions, body func(*GitOperation) error) (*GitOperation, error) {
	ctx, span := telemetry.StartSpan(ctx, "gitsafe."+string(kind),
		attribute.String("project_id", projectID))
	defer span.End()

	preHead, err := runner.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading pre-operation HEAD: %w", err)
	}
	branch, err := runner.CurrentBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading current branch: %w", err)
	}

	op := &GitOperation{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Kind:      kind,
		Status:    OpPending,
		Branch:    branch,
		PreCommit: preHead,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("recording operation: %w", err)
	}

	if opts.Snapshot != "" {
		snapshot, err := s.takeSnapshot(ctx, runner, projectID, opts.Snapshot, opts.SnapshotTTL, op.ID)
		if err != nil {
			s.finish(ctx, op, fmt.Errorf("pre-operation snapshot: %w", err))
			return op, fmt.Errorf("pre-operation snapshot: %w", err)
		}
		op.SnapshotIDs = append(op.SnapshotIDs, snapshot.ID)
	}

	op.Status = OpInProgress
	op.StartedAt = time.Now().UTC()
	s.persist(ctx, op)

	if err := body(op); err != nil {
		s.recoverHead(ctx, runner, op, preHead)
		s.finish(ctx, op, err)
		return op, err
	}

	s.finish(ctx, op, nil)
	return op, nil
}

// recoverHead best-effort resets HEAD and index to the pre-operation commit
// after a mid-operation failure. Restore, reset and backup operations skip
// it: a failed restore must not destroy more state, reset is already a
// recovery action, and a backup does not move HEAD.
func (s *Service) recoverHead(ctx context.Context, runner *Runner, op *GitOperation, preHead string) {
	if op.Kind == OpRestore || op.Kind == OpReset || op.Kind == OpBackup {
		return
	}
	head, err := runner.Head(ctx)
	if err == nil && head == preHead {
		return
	}
	if _, err := runner.Run(ctx, "reset", "--hard", preHead); err != nil {
		s.logger.Error("rollback to pre-operation HEAD failed",
			slog.String("operation_id", op.ID),
			slog.String("pre_commit", preHead),
			slog.String("error", err.Error()))
		for _, id := range op.SnapshotIDs {
			s.preserveSnapshot(ctx, id)
		}
		return
	}
	s.logger.Warn("restored pre-operation HEAD after failure",
		slog.String("operation_id", op.ID),
		slog.String("pre_commit", preHead))
}

// finish applies the terminal transition and persists it.
func (s *Service) finish(ctx context.Context, op *GitOperation, opErr error) {
	op.CompletedAt = time.Now().UTC()
	if opErr != nil {
		op.Status = OpFailed
		op.Error = opErr.Error()
	} else {
		op.Status = OpCompleted
	}
	s.persist(ctx, op)

	if s.metrics != nil {
		s.metrics.GitOperationsTotal.
			WithLabelValues(string(op.Kind), string(op.Status)).Inc()
	}

	s.logger.Info("git operation finished",
		slog.String("operation_id", op.ID),
		slog.String("project_id", op.ProjectID),
		slog.String("kind", string(op.Kind)),
		slog.String("status", string(op.Status)),
		slog.Duration("duration", op.Duration()))
}

// persist pushes the in-memory operation state to the store. Store failures
// are logged, not propagated: the in-memory record is authoritative while
// the operation is live.
func (s *Service) persist(ctx context.Context, op *GitOperation) {
	snapshot := *op
	err := s.store.UpdateOperation(ctx, op.ID, func(rec *GitOperation) error {
		*rec = snapshot
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to persist operation state",
			slog.String("operation_id", op.ID),
			slog.String("status", string(op.Status)),
			slog.String("error", err.Error()))
	}
}
