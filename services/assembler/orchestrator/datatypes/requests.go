// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the HTTP request and response shapes of the
// assembler API.
//
// Request structs carry gin binding tags; the custom "supported_archive"
// rule is registered against gin's validator engine on package init.
package datatypes

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

func init() {
	if engine, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = engine.RegisterValidation("supported_archive", func(fl validator.FieldLevel) bool {
			switch strings.ToLower(filepath.Ext(fl.Field().String())) {
			case ".zip", ".rar", ".7z":
				return true
			default:
				return false
			}
		})
	}
}

// CreateProjectRequest registers an Android project.
type CreateProjectRequest struct {
	Name        string `json:"name" binding:"required,min=1,max=120"`
	Path        string `json:"path" binding:"required"`
	Description string `json:"description" binding:"max=2000"`
}

// UpdateProjectRequest edits mutable project fields.
type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty" binding:"omitempty,min=1,max=120"`
	Description *string `json:"description,omitempty" binding:"omitempty,max=2000"`
}

// CreateTaskRequest allocates a build task.
type CreateTaskRequest struct {
	ProjectID    string            `json:"project_id" binding:"required"`
	Branch       string            `json:"branch"`
	ArchivePath  string            `json:"archive_path" binding:"required,supported_archive"`
	GradleArgs   []string          `json:"gradle_args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	SkipSnapshot bool              `json:"skip_snapshot,omitempty"`
}

// CommitRequest records the user's decision to keep a build's change.
type CommitRequest struct {
	Message      string   `json:"message" binding:"required,min=1,max=500"`
	Paths        []string `json:"paths,omitempty"`
	AllowEmpty   bool     `json:"allow_empty,omitempty"`
	WithSnapshot bool     `json:"with_snapshot,omitempty"`
}

// RollbackRequest hard-resets the branch to an ancestor commit.
type RollbackRequest struct {
	TargetCommit string `json:"target_commit" binding:"required"`
	WithSnapshot bool   `json:"with_snapshot,omitempty"`
}

// RestoreRequest restores a snapshot.
type RestoreRequest struct {
	SnapshotID string `json:"snapshot_id" binding:"required"`
	Force      bool   `json:"force,omitempty"`
}

// CheckoutRequest switches or creates a branch.
type CheckoutRequest struct {
	Branch          string `json:"branch" binding:"required,min=1,max=200"`
	CreateIfMissing bool   `json:"create_if_missing,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// UploadResponse reports a staged archive.
type UploadResponse struct {
	ArchivePath string `json:"archive_path"`
	SizeBytes   int64  `json:"size_bytes"`
}

// ProjectStatusResponse is the repository panel payload.
type ProjectStatusResponse struct {
	ProjectID    string    `json:"project_id"`
	Path         string    `json:"path"`
	IsGit        bool      `json:"is_git"`
	Branch       string    `json:"branch,omitempty"`
	Head         string    `json:"head,omitempty"`
	Clean        bool      `json:"clean"`
	Branches     []string  `json:"branches,omitempty"`
	Packages     []string  `json:"packages,omitempty"`
	HasWrapper   bool      `json:"has_wrapper"`
	HasAssetRoot bool      `json:"has_asset_root"`
	CheckedAt    time.Time `json:"checked_at"`
}
