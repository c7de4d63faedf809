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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AssembleLocal/services/assembler/archive"
	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
	"github.com/AleutianAI/AssembleLocal/services/assembler/orchestrator/datatypes"
)

// UploadArchive stages a multipart resource archive into the upload root
// and returns the path a task creation can reference.
func UploadArchive(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Kind:    "BadRequest",
				Message: "multipart field \"file\" is required",
			})
			return
		}
		if !archive.SupportedExtension(file.Filename) {
			respondError(c, faults.Newf(faults.KindUnsupportedFormat,
				"archive %q has an unsupported extension", file.Filename))
			return
		}

		if err := os.MkdirAll(deps.UploadRoot, 0o750); err != nil {
			respondError(c, faults.Wrap(faults.KindUnavailable, "upload root", err))
			return
		}

		// Prefix with a fresh id; user filenames collide and may be hostile.
		base := filepath.Base(file.Filename)
		dest := filepath.Join(deps.UploadRoot, uuid.New().String()+"_"+base)
		if err := c.SaveUploadedFile(file, dest); err != nil {
			respondError(c, faults.Wrap(faults.KindUnavailable, "saving upload", err))
			return
		}

		c.JSON(http.StatusCreated, datatypes.UploadResponse{
			ArchivePath: dest,
			SizeBytes:   file.Size,
		})
	}
}
