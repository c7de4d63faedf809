// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apk inspects harvested build artifacts.
//
// Size and content hash always succeed for a readable file; manifest
// parsing is best effort — a malformed or partially written APK yields a
// descriptor without package info rather than a harvest failure.
package apk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/shogo82148/androidbinary/apk"
)

// Info is parsed APK manifest metadata.
type Info struct {
	PackageName string
	VersionName string
	VersionCode uint32
}

// Inspect returns the file size, SHA-256 content hash, and (best effort)
// parsed manifest info for the APK at path.
func Inspect(path string) (int64, string, *Info, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, "", nil, fmt.Errorf("opening artifact: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return 0, "", nil, fmt.Errorf("hashing artifact: %w", err)
	}
	digest := hex.EncodeToString(hasher.Sum(nil))

	return size, digest, parseManifest(path), nil
}

// parseManifest extracts package identity from the binary manifest.
// Returns nil on any parse failure; the androidbinary accessors panic on
// malformed resources, so the whole parse is fenced.
func parseManifest(path string) (info *Info) {
	defer func() {
		if r := recover(); r != nil {
			info = nil
		}
	}()

	pkg, err := apk.OpenFile(path)
	if err != nil {
		return nil
	}
	defer pkg.Close()

	manifest := pkg.Manifest()
	parsed := &Info{PackageName: pkg.PackageName()}
	if name, err := manifest.VersionName.String(); err == nil {
		parsed.VersionName = name
	}
	if code, err := manifest.VersionCode.Int32(); err == nil {
		parsed.VersionCode = uint32(code)
	}
	if parsed.PackageName == "" {
		return nil
	}
	return parsed
}
