// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the assembler HTTP handlers.
//
// Handlers are thin: they bind and validate requests, call into the core
// components, and translate fault kinds to status codes. The translation
// table in respondError is the only place a Kind meets an HTTP code.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
	"github.com/AleutianAI/AssembleLocal/services/assembler/gitsafe"
	"github.com/AleutianAI/AssembleLocal/services/assembler/guard"
	"github.com/AleutianAI/AssembleLocal/services/assembler/logbus"
	"github.com/AleutianAI/AssembleLocal/services/assembler/orchestrator/datatypes"
	"github.com/AleutianAI/AssembleLocal/services/assembler/store"
	"github.com/AleutianAI/AssembleLocal/services/assembler/task"
)

// Deps bundles the components handlers call into.
type Deps struct {
	Store   *store.Store
	Runtime *task.Runtime
	Bus     *logbus.Bus
	Guard   *guard.Guard
	Git     *gitsafe.Service
	Logger  *slog.Logger

	// UploadRoot stages uploaded archives.
	UploadRoot string

	// GuardTimeout bounds interactive git endpoints' lease waits; they
	// should fail fast rather than queue behind a long build.
	GuardTimeout time.Duration

	// DropLimit is the per-subscriber drop count that triggers the
	// limit_reached event.
	DropLimit uint64
}

// statusFor maps a fault kind to an HTTP status code.
func statusFor(kind faults.Kind) int {
	switch kind {
	case faults.KindNotFound, faults.KindProjectMissing, faults.KindSnapshotMissing:
		return http.StatusNotFound
	case faults.KindConflict, faults.KindWorkingTreeDirty, faults.KindDetachedHead,
		faults.KindNotARepository, faults.KindCancelled:
		return http.StatusConflict
	case faults.KindStaleLock, faults.KindLockTimeout:
		return http.StatusLocked
	case faults.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case faults.KindCorrupt, faults.KindPathTraversal, faults.KindResourcePackageMismatch:
		return http.StatusUnprocessableEntity
	case faults.KindUnavailable:
		return http.StatusServiceUnavailable
	case faults.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the uniform error body for err.
func respondError(c *gin.Context, err error) {
	kind := faults.KindOf(err)
	body := datatypes.ErrorResponse{
		Kind:    string(kind),
		Message: err.Error(),
		Detail:  faults.DetailOf(err),
	}
	c.JSON(statusFor(kind), body)
}

// respondBindError writes a 400 for request binding failures.
func respondBindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	message := err.Error()
	if errors.As(err, &verrs) && len(verrs) > 0 {
		message = "invalid field " + verrs[0].Field()
	}
	c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
		Kind:    "BadRequest",
		Message: message,
	})
}

// guardOptions builds per-call guard options from the handler deps.
func guardOptions(deps *Deps, requireGit bool) guard.Options {
	return guard.Options{Timeout: deps.GuardTimeout, RequireGit: requireGit}
}

// splitLines splits trimmed command output into lines.
func splitLines(s string) []string {
	return strings.Split(strings.TrimSpace(s), "\n")
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
