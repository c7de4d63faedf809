// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AssembleLocal/services/assembler/apk"
	"github.com/AleutianAI/AssembleLocal/services/assembler/task"
)

// harvest scans the build output tree for APKs and records each as an
// artifact. partial marks artifacts collected after a cancelled or killed
// build; they may be incomplete and are never treated as successful output.
//
// A missing output directory yields zero artifacts, not an error: the
// caller decides whether zero is a failure.
func (p *Pipeline) harvest(state *buildState, partial bool) (int, error) {
	root := filepath.Join(state.project.Path, harvestSubdir)
	if _, err := os.Stat(root); err != nil {
		return 0, nil
	}

	count := 0
	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".apk") {
			return nil
		}

		size, digest, info, inspectErr := apk.Inspect(path)
		if inspectErr != nil {
			p.logger.Warn("failed to inspect artifact",
				slog.String("path", path),
				slog.String("error", inspectErr.Error()))
			return nil
		}

		artifact := task.Artifact{
			Name:      d.Name(),
			Path:      path,
			SizeBytes: size,
			SHA256:    digest,
			Kind:      task.ArtifactAPK,
			Partial:   partial,
		}
		if info != nil {
			artifact.Package = &task.PackageInfo{
				PackageName: info.PackageName,
				VersionName: info.VersionName,
				VersionCode: info.VersionCode,
			}
			if result := p.currentResult(state); result != nil && result.PackageName == "" {
				result.PackageName = info.PackageName
				p.runtime.SetResult(state.task.ID, result)
			}
		}

		p.runtime.AppendArtifact(state.task.ID, artifact)
		count++
		return nil
	})
	if walkErr != nil {
		return count, walkErr
	}

	if result := p.currentResult(state); result != nil && count > 0 {
		result.ArtifactsDir = root
		p.runtime.SetResult(state.task.ID, result)
	}
	return count, nil
}
