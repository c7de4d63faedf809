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

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
	"github.com/AleutianAI/AssembleLocal/services/assembler/orchestrator/datatypes"
	"github.com/AleutianAI/AssembleLocal/services/assembler/task"
)

// CreateTask allocates a build task for a registered project.
func CreateTask(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		if _, err := deps.Store.GetProject(c.Request.Context(), req.ProjectID); err != nil {
			respondError(c, err)
			return
		}

		created, err := deps.Runtime.Create(c.Request.Context(), &task.Task{
			ProjectID:   req.ProjectID,
			Kind:        task.KindBuild,
			Branch:      req.Branch,
			ArchivePath: req.ArchivePath,
			Options: task.Options{
				GradleArgs:   req.GradleArgs,
				Env:          req.Env,
				SkipSnapshot: req.SkipSnapshot,
			},
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, created)
	}
}

// StartTask submits a pending task to the scheduler.
func StartTask(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := deps.Runtime.Start(id); err != nil {
			respondError(c, err)
			return
		}
		current, err := deps.Runtime.Get(id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, current)
	}
}

// CancelTask requests task cancellation.
func CancelTask(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := deps.Runtime.Cancel(id); err != nil {
			respondError(c, err)
			return
		}
		current, err := deps.Runtime.Get(id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, current)
	}
}

// GetTask returns a task; live tasks come from the runtime, finished ones
// from the store.
func GetTask(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if current, err := deps.Runtime.Get(id); err == nil {
			c.JSON(http.StatusOK, current)
			return
		}
		stored, err := deps.Store.GetTask(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stored)
	}
}

// ListProjectTasks returns a project's task history, newest first.
func ListProjectTasks(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		tasks, err := deps.Store.ListTasksByProject(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks})
	}
}

// DownloadArtifact streams one harvested, non-partial APK artifact by file
// name.
func DownloadArtifact(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		stored, err := deps.Store.GetTask(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}

		name := c.Param("name")
		for _, artifact := range stored.Artifacts {
			if artifact.Name == name && artifact.Kind == task.ArtifactAPK && !artifact.Partial {
				c.FileAttachment(artifact.Path, artifact.Name)
				return
			}
		}
		respondError(c, faults.Newf(faults.KindNotFound,
			"task %s has no artifact %q", id, name))
	}
}
