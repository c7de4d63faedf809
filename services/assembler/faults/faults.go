// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package faults defines the closed error taxonomy shared by every assembler
// component.
//
// Components return Faults (or errors wrapping them); the HTTP shell is the
// only place where a Kind is translated to a status code. Kinds are stable
// identifiers: they are persisted on task and operation records and surfaced
// to clients, so renaming one is a breaking change.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one failure class from the assembler taxonomy.
type Kind string

const (
	// KindProjectMissing means the project path is gone or not a directory.
	KindProjectMissing Kind = "ProjectMissing"

	// KindNotARepository means Git was required but the project has no .git.
	KindNotARepository Kind = "NotARepository"

	// KindDetachedHead means HEAD is not on a branch.
	KindDetachedHead Kind = "DetachedHead"

	// KindWorkingTreeDirty means uncommitted changes block the operation.
	KindWorkingTreeDirty Kind = "WorkingTreeDirty"

	// KindStaleLock means an abandoned Git lock file blocks the operation.
	KindStaleLock Kind = "StaleLock"

	// KindLockTimeout means the repo guard lease could not be acquired in time.
	KindLockTimeout Kind = "LockTimeout"

	// KindResourcePackageMismatch means the archive's top-level directory name
	// matches nothing under the project's asset root.
	KindResourcePackageMismatch Kind = "ResourcePackageMismatch"

	// KindExtractorFailure means the archive could not be materialised.
	KindExtractorFailure Kind = "ExtractorFailure"

	// KindGradleExitNonZero means the Gradle build failed.
	KindGradleExitNonZero Kind = "GradleExitNonZero"

	// KindTimeout means the task-level deadline was exceeded.
	KindTimeout Kind = "Timeout"

	// KindCancelled means the user cancelled the task.
	KindCancelled Kind = "Cancelled"

	// KindNoArtifacts means Gradle succeeded but produced no APK.
	KindNoArtifacts Kind = "NoArtifacts"

	// KindAbandoned means the task was non-terminal when the process restarted.
	KindAbandoned Kind = "Abandoned"

	// KindSnapshotMissing means the restore target snapshot was not found.
	KindSnapshotMissing Kind = "SnapshotMissing"

	// KindRestoreFailed means a snapshot restore itself failed.
	KindRestoreFailed Kind = "RestoreFailed"

	// KindUnsupportedFormat means the archive extension is not handled.
	KindUnsupportedFormat Kind = "UnsupportedFormat"

	// KindCorrupt means the archive could not be decoded.
	KindCorrupt Kind = "Corrupt"

	// KindPathTraversal means an archive entry would escape the staging dir.
	KindPathTraversal Kind = "PathTraversal"

	// KindNotFound is the store miss kind.
	KindNotFound Kind = "NotFound"

	// KindConflict is the store concurrent-update kind.
	KindConflict Kind = "Conflict"

	// KindUnavailable is the store I/O failure kind.
	KindUnavailable Kind = "Unavailable"

	// KindInternal is the catch-all for failures outside the taxonomy.
	KindInternal Kind = "Internal"
)

// String returns the kind identifier.
func (k Kind) String() string { return string(k) }

// Terminal reports whether a task failing with this kind skips recovery
// entirely because the failure predates any repository mutation.
func (k Kind) Terminal() bool {
	switch k {
	case KindProjectMissing, KindLockTimeout, KindResourcePackageMismatch, KindUnsupportedFormat:
		return true
	default:
		return false
	}
}

// Fault is the error type carried across component boundaries.
//
// # Description
//
// A Fault pairs a Kind with a human-readable message, an optional structured
// detail map (for payloads like the mismatch candidate list), and an optional
// wrapped cause. errors.Is matches two Faults by Kind alone, so callers can
// branch with errors.Is(err, faults.New(faults.KindStaleLock, "")) or, more
// conveniently, faults.IsKind(err, faults.KindStaleLock).
//
// # Thread Safety
//
// Faults are immutable after construction.
type Fault struct {
	Kind    Kind
	Message string
	Detail  map[string]any
	Cause   error
}

// New creates a Fault with the given kind and message.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Newf creates a Fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a Fault wrapping cause. The cause is reachable via
// errors.Unwrap, so %w chains through it.
func Wrap(kind Kind, message string, cause error) *Fault {
	return &Fault{Kind: kind, Message: message, Cause: cause}
}

// WithDetail returns a copy of f with the detail key set.
func (f *Fault) WithDetail(key string, value any) *Fault {
	detail := make(map[string]any, len(f.Detail)+1)
	for k, v := range f.Detail {
		detail[k] = v
	}
	detail[key] = value
	return &Fault{Kind: f.Kind, Message: f.Message, Detail: detail, Cause: f.Cause}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	var sb strings.Builder
	sb.WriteString(string(f.Kind))
	if f.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(f.Message)
	}
	if f.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(f.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the wrapped cause, if any.
func (f *Fault) Unwrap() error { return f.Cause }

// Is matches by Kind so sentinel comparison works through wrapping.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if errors.As(target, &other) {
		return f.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind from an error chain.
//
// Returns KindInternal when no Fault is present. A nil error has no kind and
// returns the empty string.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain contains a Fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// DetailOf returns the detail map of the first Fault in the chain, or nil.
func DetailOf(err error) map[string]any {
	var f *Fault
	if errors.As(err, &f) {
		return f.Detail
	}
	return nil
}
