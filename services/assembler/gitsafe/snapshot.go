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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
)

// takeSnapshot captures the repository state before a mutating operation.
//
// Full snapshots copy the working tree including .git into the snapshot
// storage root. Light snapshots record HEAD, branch, and a stash commit of
// any uncommitted changes created with `git stash create`, which leaves the
// working tree untouched.
func (s *Service) takeSnapshot(ctx context.Context, runner *Runner, projectID string, kind SnapshotKind, ttl time.Duration, operationID string) (*Snapshot, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown snapshot kind %q", kind)
	}
	if ttl <= 0 {
		ttl = s.config.SnapshotTTL
	}

	branch, err := runner.CurrentBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading current branch: %w", err)
	}
	head, err := runner.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}

	now := time.Now().UTC()
	snapshot := &Snapshot{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Kind:        kind,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Branch:      branch,
		Commit:      head,
		Active:      true,
		OperationID: operationID,
	}

	switch kind {
	case SnapshotFull:
		dest := filepath.Join(s.config.SnapshotRoot, projectID, snapshot.ID)
		if err := os.MkdirAll(dest, 0o750); err != nil {
			return nil, fmt.Errorf("creating snapshot directory: %w", err)
		}
		size, err := copyTree(runner.Dir(), dest)
		if err != nil {
			os.RemoveAll(dest)
			return nil, fmt.Errorf("copying working tree: %w", err)
		}
		snapshot.StoragePath = dest
		snapshot.SizeBytes = size
		if s.metrics != nil {
			s.metrics.SnapshotBytes.Observe(float64(size))
		}

	case SnapshotLight:
		clean, err := runner.IsClean(ctx)
		if err != nil {
			return nil, err
		}
		if !clean {
			// stash create builds the stash commit without touching the
			// stash list or the working tree.
			stash, err := runner.Output(ctx, "stash", "create",
				"assemble snapshot "+snapshot.ID)
			if err != nil {
				return nil, fmt.Errorf("creating stash commit: %w", err)
			}
			snapshot.StashCommit = stash
		}
	}

	if err := s.store.CreateSnapshot(ctx, snapshot); err != nil {
		if snapshot.StoragePath != "" {
			os.RemoveAll(snapshot.StoragePath)
		}
		return nil, fmt.Errorf("persisting snapshot record: %w", err)
	}

	s.logger.Info("snapshot captured",
		slog.String("project_id", projectID),
		slog.String("snapshot_id", snapshot.ID),
		slog.String("kind", string(kind)),
		slog.String("commit", head),
		slog.Int64("size_bytes", snapshot.SizeBytes))

	return snapshot, nil
}

// restoreFromSnapshot puts the working tree and HEAD back to the captured
// state. For full snapshots the entire directory (including .git) is
// replaced; for light snapshots the branch is checked out, reset to the
// captured commit, and the stash commit reapplied.
func (s *Service) restoreFromSnapshot(ctx context.Context, runner *Runner, snapshot *Snapshot) error {
	switch snapshot.Kind {
	case SnapshotFull:
		if snapshot.StoragePath == "" {
			return faults.Newf(faults.KindSnapshotMissing,
				"snapshot %s has no storage path", snapshot.ID)
		}
		if _, err := os.Stat(snapshot.StoragePath); err != nil {
			return faults.Wrap(faults.KindSnapshotMissing,
				fmt.Sprintf("snapshot storage %s", snapshot.StoragePath), err)
		}
		if err := replaceTree(snapshot.StoragePath, runner.Dir()); err != nil {
			return faults.Wrap(faults.KindRestoreFailed, "replacing working tree", err)
		}
		return nil

	case SnapshotLight:
		if _, err := runner.Run(ctx, "checkout", snapshot.Branch); err != nil {
			return faults.Wrap(faults.KindRestoreFailed,
				fmt.Sprintf("checking out %s", snapshot.Branch), err)
		}
		if _, err := runner.Run(ctx, "reset", "--hard", snapshot.Commit); err != nil {
			return faults.Wrap(faults.KindRestoreFailed,
				fmt.Sprintf("resetting to %s", snapshot.Commit), err)
		}
		if snapshot.StashCommit != "" {
			if _, err := runner.Run(ctx, "stash", "apply", snapshot.StashCommit); err != nil {
				return faults.Wrap(faults.KindRestoreFailed,
					"reapplying stashed changes", err)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown snapshot kind %q", snapshot.Kind)
	}
}

// Cleanup deactivates expired snapshots and removes their storage.
//
// The record is marked inactive before the files go away, so a crash
// between the two leaves an inactive record pointing at garbage (collected
// on the next pass) rather than an active record pointing at nothing.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	expired, err := s.store.ListExpiredSnapshots(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("listing expired snapshots: %w", err)
	}

	cleaned := 0
	for _, snapshot := range expired {
		if err := s.store.UpdateSnapshot(ctx, snapshot.ID, func(rec *Snapshot) error {
			rec.Active = false
			return nil
		}); err != nil {
			s.logger.Warn("failed to deactivate snapshot",
				slog.String("snapshot_id", snapshot.ID),
				slog.String("error", err.Error()))
			continue
		}
		if snapshot.StoragePath != "" {
			if err := os.RemoveAll(snapshot.StoragePath); err != nil {
				s.logger.Warn("failed to remove snapshot storage",
					slog.String("path", snapshot.StoragePath),
					slog.String("error", err.Error()))
				continue
			}
		}
		cleaned++
	}

	if cleaned > 0 {
		s.logger.Info("snapshot cleanup",
			slog.Int("removed", cleaned),
			slog.Int("expired", len(expired)))
	}
	return cleaned, nil
}

// preserveSnapshot keeps a snapshot alive past its TTL after a failed
// restore so the user can recover manually.
func (s *Service) preserveSnapshot(ctx context.Context, id string) {
	err := s.store.UpdateSnapshot(ctx, id, func(rec *Snapshot) error {
		rec.ExpiresAt = rec.ExpiresAt.Add(100 * 365 * 24 * time.Hour)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to preserve snapshot past TTL",
			slog.String("snapshot_id", id),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Warn("snapshot preserved past TTL for manual recovery",
		slog.String("snapshot_id", id))
}

// copyTree copies src into dest recursively, returning total bytes copied.
// Symlinks are recreated; other special files are skipped.
func copyTree(src, dest string) (int64, error) {
	var total int64
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dest, rel)

		switch {
		case d.Type()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)

		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())

		case d.Type().IsRegular():
			n, err := copyFile(path, target)
			total += n
			return err

		default:
			return nil
		}
	})
	return total, err
}

// copyFile copies one regular file preserving its permission bits.
func copyFile(src, dest string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}

// replaceTree replaces the contents of dest with the contents of src.
// Existing entries in dest are removed first.
func replaceTree(src, dest string) error {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dest, entry.Name())); err != nil {
			return err
		}
	}
	_, err = copyTree(src, dest)
	return err
}
