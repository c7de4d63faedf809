// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
)

// writeZip builds a zip file from name->content pairs. Names ending in /
// become directories.
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	out, err := os.Create(path)
	require.NoError(t, err)
	writer := zip.NewWriter(out)
	for name, content := range entries {
		if name[len(name)-1] == '/' {
			_, err := writer.Create(name)
			require.NoError(t, err)
			continue
		}
		w, err := writer.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	require.NoError(t, out.Close())
}

// TestExtractZip verifies the happy path and the top-level contract.
func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "alpha.zip")
	writeZip(t, archivePath, map[string]string{
		"alpha/":           "",
		"alpha/index.html": "<html></html>",
		"alpha/js/app.js":  "console.log(1)",
	})

	dest := t.TempDir()
	result, err := NewExtractor(nil).Extract(context.Background(), archivePath, dest)
	require.NoError(t, err)

	assert.Equal(t, "alpha", result.TopLevelName)
	assert.Equal(t, 2, result.TotalFiles)

	data, err := os.ReadFile(filepath.Join(dest, "alpha", "js", "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(data))
}

// TestExtractIgnoresMacOSDroppings verifies __MACOSX does not break the
// single-root rule.
func TestExtractIgnoresMacOSDroppings(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "alpha.zip")
	writeZip(t, archivePath, map[string]string{
		"alpha/index.html":    "x",
		"__MACOSX/._metadata": "junk",
	})

	result, err := NewExtractor(nil).Extract(context.Background(), archivePath, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "alpha", result.TopLevelName)
}

// TestExtractRejectsMultipleRoots verifies the incompatible-roots failure.
func TestExtractRejectsMultipleRoots(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "two.zip")
	writeZip(t, archivePath, map[string]string{
		"alpha/a.txt": "a",
		"beta/b.txt":  "b",
	})

	_, err := NewExtractor(nil).Extract(context.Background(), archivePath, t.TempDir())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindCorrupt))
}

// TestExtractRejectsLooseFiles verifies a file at the archive root fails.
func TestExtractRejectsLooseFiles(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "loose.zip")
	writeZip(t, archivePath, map[string]string{"readme.txt": "hi"})

	_, err := NewExtractor(nil).Extract(context.Background(), archivePath, t.TempDir())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindCorrupt))
}

// TestExtractPathTraversal verifies ../ entries are rejected before any
// write escapes the staging directory.
func TestExtractPathTraversal(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "evil.zip")
	writeZip(t, archivePath, map[string]string{
		"alpha/ok.txt":        "fine",
		"../escape.txt":       "evil",
		"alpha/../../esc.txt": "evil",
	})

	dest := t.TempDir()
	_, err := NewExtractor(nil).Extract(context.Background(), archivePath, dest)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindPathTraversal))

	parent := filepath.Dir(dest)
	assert.NoFileExists(t, filepath.Join(parent, "escape.txt"))
	assert.NoFileExists(t, filepath.Join(parent, "esc.txt"))
}

// TestExtractUnsupportedFormat verifies the extension gate.
func TestExtractUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "resources.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, []byte("not an archive"), 0o644))

	_, err := NewExtractor(nil).Extract(context.Background(), archivePath, t.TempDir())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindUnsupportedFormat))
}

// TestExtractCorruptZip verifies garbage input maps to Corrupt.
func TestExtractCorruptZip(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "broken.zip")
	require.NoError(t, os.WriteFile(archivePath, []byte("PK garbage"), 0o644))

	_, err := NewExtractor(nil).Extract(context.Background(), archivePath, t.TempDir())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindCorrupt))
}

// TestSupportedExtension verifies the format predicate.
func TestSupportedExtension(t *testing.T) {
	assert.True(t, SupportedExtension("a.zip"))
	assert.True(t, SupportedExtension("A.RAR"))
	assert.True(t, SupportedExtension("pkg.7z"))
	assert.False(t, SupportedExtension("pkg.tar.gz"))
	assert.False(t, SupportedExtension("pkg"))
}
