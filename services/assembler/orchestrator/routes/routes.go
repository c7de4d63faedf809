// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the assembler HTTP surface onto a gin engine.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AssembleLocal/services/assembler/orchestrator/handlers"
	"github.com/AleutianAI/AssembleLocal/services/assembler/orchestrator/middleware"
)

// Options tunes route registration.
type Options struct {
	// AuthToken guards /v1 when non-empty.
	AuthToken string

	// TaskCreatesPerMinute rate-limits POST /v1/tasks.
	TaskCreatesPerMinute int

	// Registry backs GET /metrics.
	Registry *prometheus.Registry
}

// Setup registers every route.
func Setup(router *gin.Engine, deps *handlers.Deps, opts Options) {
	router.GET("/health", handlers.HealthCheck)
	if opts.Registry != nil {
		router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	v1.Use(middleware.BearerAuth(opts.AuthToken))
	{
		v1.POST("/uploads", handlers.UploadArchive(deps))

		projects := v1.Group("/projects")
		{
			projects.POST("", handlers.CreateProject(deps))
			projects.GET("", handlers.ListProjects(deps))
			projects.GET("/:id", handlers.GetProject(deps))
			projects.PATCH("/:id", handlers.UpdateProject(deps))
			projects.DELETE("/:id", handlers.DeleteProject(deps))
			projects.GET("/:id/status", handlers.ProjectStatus(deps))
			projects.GET("/:id/tasks", handlers.ListProjectTasks(deps))

			git := projects.Group("/:id/git")
			{
				git.POST("/commit", handlers.Commit(deps))
				git.POST("/rollback", handlers.Rollback(deps))
				git.POST("/reset", handlers.Reset(deps))
				git.POST("/restore", handlers.Restore(deps))
				git.POST("/checkout", handlers.Checkout(deps))
				git.GET("/operations", handlers.ListOperations(deps))
				git.GET("/snapshots", handlers.ListSnapshots(deps))
			}
		}

		tasks := v1.Group("/tasks")
		{
			tasks.POST("", middleware.RateLimit(opts.TaskCreatesPerMinute), handlers.CreateTask(deps))
			tasks.GET("/:id", handlers.GetTask(deps))
			tasks.POST("/:id/start", handlers.StartTask(deps))
			tasks.POST("/:id/cancel", handlers.CancelTask(deps))
			tasks.GET("/:id/logs/stream", handlers.StreamTaskLogs(deps))
			tasks.GET("/:id/artifacts/:name", handlers.DownloadArtifact(deps))
		}

		v1.POST("/maintenance/snapshots/cleanup", handlers.CleanupSnapshots(deps))
	}
}
