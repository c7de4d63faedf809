// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive materialises uploaded resource archives into a staging
// directory.
//
// Formats are signalled by extension: .zip (standard library), .rar
// (rardecode), .7z (sevenzip). Every entry path is validated against the
// destination so a crafted archive cannot write outside it; symlink entries
// are skipped outright.
package archive

import (
	"archive/zip"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode/v2"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
)

// ignoredTopLevel are archive-tool droppings that do not disqualify an
// otherwise single-rooted archive.
var ignoredTopLevel = map[string]bool{
	"__MACOSX":  true,
	".DS_Store": true,
	"Thumbs.db": true,
}

// ExtractResult describes a completed extraction.
type ExtractResult struct {
	// TopLevelName is the single root directory the archive unpacked to.
	TopLevelName string

	// TotalFiles is the number of regular files written.
	TotalFiles int
}

// Extractor unpacks archives.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger.With(slog.String("component", "extractor"))}
}

// Extract unpacks archivePath into destDir.
//
// # Description
//
// The destination must exist and be empty (the pipeline allocates a fresh
// staging directory per task). After unpacking, the destination must hold
// exactly one top-level directory — the resource package — or the
// extraction fails. Cancellation is observed between entries.
//
// # Outputs
//
//   - *ExtractResult: Top-level name and file count.
//   - error: UnsupportedFormat, Corrupt, or PathTraversal faults.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string) (*ExtractResult, error) {
	var (
		files int
		err   error
	)

	switch strings.ToLower(filepath.Ext(archivePath)) {
	case ".zip":
		files, err = e.extractZip(ctx, archivePath, destDir)
	case ".rar":
		files, err = e.extractRar(ctx, archivePath, destDir)
	case ".7z":
		files, err = e.extract7z(ctx, archivePath, destDir)
	default:
		return nil, faults.Newf(faults.KindUnsupportedFormat,
			"unsupported archive extension %q", filepath.Ext(archivePath))
	}
	if err != nil {
		return nil, err
	}

	top, err := singleTopLevel(destDir)
	if err != nil {
		return nil, err
	}

	e.logger.Info("archive extracted",
		slog.String("archive", archivePath),
		slog.String("top_level", top),
		slog.Int("files", files))

	return &ExtractResult{TopLevelName: top, TotalFiles: files}, nil
}

// SupportedExtension reports whether the extractor handles the file.
func SupportedExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip", ".rar", ".7z":
		return true
	default:
		return false
	}
}

func (e *Extractor) extractZip(ctx context.Context, archivePath, destDir string) (int, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, faults.Wrap(faults.KindCorrupt, "opening zip archive", err)
	}
	defer reader.Close()

	files := 0
	for _, entry := range reader.File {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		mode := entry.Mode()
		if mode&os.ModeSymlink != 0 {
			continue
		}
		target, err := safeJoin(destDir, entry.Name)
		if err != nil {
			return files, err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return files, faults.Wrap(faults.KindCorrupt, entry.Name, err)
		}
		err = writeEntry(target, rc, mode.Perm())
		rc.Close()
		if err != nil {
			return files, faults.Wrap(faults.KindCorrupt, entry.Name, err)
		}
		files++
	}
	return files, nil
}

func (e *Extractor) extractRar(ctx context.Context, archivePath, destDir string) (int, error) {
	reader, err := rardecode.OpenReader(archivePath)
	if err != nil {
		return 0, faults.Wrap(faults.KindCorrupt, "opening rar archive", err)
	}
	defer reader.Close()

	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		header, err := reader.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, faults.Wrap(faults.KindCorrupt, "reading rar entry", err)
		}
		target, joinErr := safeJoin(destDir, header.Name)
		if joinErr != nil {
			return files, joinErr
		}
		if header.IsDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
			continue
		}
		if err := writeEntry(target, reader, 0o644); err != nil {
			return files, faults.Wrap(faults.KindCorrupt, header.Name, err)
		}
		files++
	}
}

func (e *Extractor) extract7z(ctx context.Context, archivePath, destDir string) (int, error) {
	reader, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return 0, faults.Wrap(faults.KindCorrupt, "opening 7z archive", err)
	}
	defer reader.Close()

	files := 0
	for _, entry := range reader.File {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		mode := entry.FileInfo().Mode()
		if mode&os.ModeSymlink != 0 {
			continue
		}
		target, err := safeJoin(destDir, entry.Name)
		if err != nil {
			return files, err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return files, faults.Wrap(faults.KindCorrupt, entry.Name, err)
		}
		err = writeEntry(target, rc, mode.Perm())
		rc.Close()
		if err != nil {
			return files, faults.Wrap(faults.KindCorrupt, entry.Name, err)
		}
		files++
	}
	return files, nil
}

// safeJoin joins name under dest and rejects any entry that would land
// outside it.
func safeJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", faults.Newf(faults.KindPathTraversal,
			"archive entry %q escapes the staging directory", name)
	}
	return filepath.Join(dest, cleaned), nil
}

// writeEntry writes one regular file, creating parent directories.
func writeEntry(target string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// singleTopLevel verifies the destination holds exactly one root directory
// and returns its name.
func singleTopLevel(destDir string) (string, error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return "", err
	}

	var top string
	for _, entry := range entries {
		if ignoredTopLevel[entry.Name()] {
			continue
		}
		if !entry.IsDir() {
			return "", faults.Newf(faults.KindCorrupt,
				"archive root holds file %q instead of a single directory", entry.Name())
		}
		if top != "" {
			return "", faults.Newf(faults.KindCorrupt,
				"archive holds multiple top-level directories (%s, %s)", top, entry.Name())
		}
		top = entry.Name()
	}
	if top == "" {
		return "", faults.New(faults.KindCorrupt, "archive holds no top-level directory")
	}
	return top, nil
}
