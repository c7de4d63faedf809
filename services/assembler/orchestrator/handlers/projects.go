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
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
	"github.com/AleutianAI/AssembleLocal/services/assembler/guard"
	"github.com/AleutianAI/AssembleLocal/services/assembler/orchestrator/datatypes"
	"github.com/AleutianAI/AssembleLocal/services/assembler/store"
)

const (
	assetsSubdir = "app/src/main/assets/apps"
)

// CreateProject registers a project after verifying its workspace shape.
func CreateProject(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		abs, err := filepath.Abs(req.Path)
		if err != nil {
			respondError(c, faults.Wrap(faults.KindProjectMissing, req.Path, err))
			return
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			respondError(c, faults.Newf(faults.KindProjectMissing,
				"path %s is not a directory", abs))
			return
		}
		if _, err := os.Stat(filepath.Join(abs, "gradlew")); err != nil {
			respondError(c, faults.Newf(faults.KindProjectMissing,
				"no gradle wrapper under %s", abs))
			return
		}
		if info, err := os.Stat(filepath.Join(abs, assetsSubdir)); err != nil || !info.IsDir() {
			respondError(c, faults.Newf(faults.KindProjectMissing,
				"no asset root %s under %s", assetsSubdir, abs))
			return
		}

		project := &store.Project{
			Name:        req.Name,
			Path:        abs,
			Description: req.Description,
		}
		if err := deps.Store.CreateProject(c.Request.Context(), project); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, project)
	}
}

// ListProjects returns active projects.
func ListProjects(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		projects, err := deps.Store.ListActiveProjects(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"projects": projects})
	}
}

// GetProject returns one project by id.
func GetProject(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, err := deps.Store.GetProject(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, project)
	}
}

// UpdateProject edits mutable fields.
func UpdateProject(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.UpdateProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		id := c.Param("id")
		err := deps.Store.UpdateProject(c.Request.Context(), id, func(p *store.Project) error {
			if req.Name != nil {
				p.Name = *req.Name
			}
			if req.Description != nil {
				p.Description = *req.Description
			}
			return nil
		})
		if err != nil {
			respondError(c, err)
			return
		}

		project, err := deps.Store.GetProject(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, project)
	}
}

// DeleteProject soft-deletes; history stays readable by id.
func DeleteProject(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := deps.Store.SoftDeleteProject(c.Request.Context(), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// ProjectStatus reports the workspace and repository state used by the
// project panel: branch, cleanliness, branches, and resource packages.
func ProjectStatus(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		project, err := deps.Store.GetProject(ctx, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}

		resp := datatypes.ProjectStatusResponse{
			ProjectID: project.ID,
			Path:      project.Path,
			CheckedAt: time.Now().UTC(),
		}

		if _, err := os.Stat(filepath.Join(project.Path, "gradlew")); err == nil {
			resp.HasWrapper = true
		}
		if entries, err := os.ReadDir(filepath.Join(project.Path, assetsSubdir)); err == nil {
			resp.HasAssetRoot = true
			for _, entry := range entries {
				if entry.IsDir() {
					resp.Packages = append(resp.Packages, entry.Name())
				}
			}
		}

		// Read-only repository queries still go through the guard so they
		// never observe a half-finished replacement.
		err = deps.Guard.WithProject(ctx, project.ID, project.Path,
			guardOptions(deps, false), func(lease *guard.Lease) error {
				if !lease.IsGitRepository() {
					return nil
				}
				resp.IsGit = true
				resp.Branch, _ = lease.Branch(ctx)
				resp.Head, _ = lease.Head(ctx)
				resp.Clean, _ = lease.IsClean(ctx)
				if out, err := lease.Runner().Output(ctx,
					"for-each-ref", "--format=%(refname:short)", "refs/heads"); err == nil && out != "" {
					resp.Branches = splitLines(out)
				}
				return nil
			})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
