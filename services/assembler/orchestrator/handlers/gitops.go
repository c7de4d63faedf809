// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AssembleLocal/services/assembler/gitsafe"
	"github.com/AleutianAI/AssembleLocal/services/assembler/guard"
	"github.com/AleutianAI/AssembleLocal/services/assembler/orchestrator/datatypes"
	"github.com/AleutianAI/AssembleLocal/services/assembler/store"
)

// withRepo runs fn under the project's guard lease with git required.
func withRepo(deps *Deps, c *gin.Context, fn func(project *store.Project, lease *guard.Lease) error) {
	ctx := c.Request.Context()
	project, err := deps.Store.GetProject(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	err = deps.Guard.WithProject(ctx, project.ID, project.Path,
		guardOptions(deps, true), func(lease *guard.Lease) error {
			return fn(project, lease)
		})
	if err != nil {
		respondError(c, err)
	}
}

// snapshotOpts converts the request flag into operation options.
func snapshotOpts(withSnapshot bool) gitsafe.OpOptions {
	if !withSnapshot {
		return gitsafe.OpOptions{}
	}
	return gitsafe.OpOptions{Snapshot: gitsafe.SnapshotLight}
}

// Commit makes a build's resource change permanent.
func Commit(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CommitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		withRepo(deps, c, func(project *store.Project, lease *guard.Lease) error {
			op, err := deps.Git.AtomicCommit(c.Request.Context(), lease.Runner(),
				project.ID, req.Message, req.Paths, req.AllowEmpty, snapshotOpts(req.WithSnapshot))
			if err != nil {
				return err
			}
			c.JSON(http.StatusOK, op)
			return nil
		})
	}
}

// Rollback undoes recent commits back to an ancestor.
func Rollback(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.RollbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		withRepo(deps, c, func(project *store.Project, lease *guard.Lease) error {
			op, err := deps.Git.Rollback(c.Request.Context(), lease.Runner(),
				project.ID, req.TargetCommit, snapshotOpts(req.WithSnapshot))
			if err != nil {
				return err
			}
			c.JSON(http.StatusOK, op)
			return nil
		})
	}
}

// Reset discards uncommitted changes and untracked files.
func Reset(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		withRepo(deps, c, func(project *store.Project, lease *guard.Lease) error {
			op, err := deps.Git.ResetWorkingTree(c.Request.Context(), lease.Runner(), project.ID)
			if err != nil {
				return err
			}
			c.JSON(http.StatusOK, op)
			return nil
		})
	}
}

// Restore replaces the working tree from a snapshot.
func Restore(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.RestoreRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		withRepo(deps, c, func(project *store.Project, lease *guard.Lease) error {
			op, err := deps.Git.RestoreSnapshot(c.Request.Context(), lease.Runner(),
				project.ID, req.SnapshotID, req.Force)
			if err != nil {
				return err
			}
			c.JSON(http.StatusOK, op)
			return nil
		})
	}
}

// Checkout switches or creates a branch.
func Checkout(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		withRepo(deps, c, func(project *store.Project, lease *guard.Lease) error {
			op, err := deps.Git.CheckoutBranch(c.Request.Context(), lease.Runner(),
				project.ID, req.Branch, req.CreateIfMissing, gitsafe.OpOptions{})
			if err != nil {
				return err
			}
			c.JSON(http.StatusOK, op)
			return nil
		})
	}
}

// ListOperations returns the project's git operation audit trail.
func ListOperations(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := gitsafe.OperationKind(c.Query("kind"))
		ops, err := deps.Store.ListOperationsByProject(c.Request.Context(), c.Param("id"), kind)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"operations": ops})
	}
}

// ListSnapshots returns the project's active snapshots.
func ListSnapshots(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshots, err := deps.Store.ListActiveSnapshotsByProject(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
	}
}

// CleanupSnapshots runs snapshot garbage collection now.
func CleanupSnapshots(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		removed, err := deps.Git.Cleanup(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": removed})
	}
}
