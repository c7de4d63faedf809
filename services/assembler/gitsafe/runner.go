// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gitsafe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Runner executes git commands inside one working directory.
//
// # Description
//
// Runner is the only place the package shells out. Every invocation is
// context-bound and additionally capped by a per-command timeout so a wedged
// git process cannot hold a repo guard lease forever.
//
// # Thread Safety
//
// Safe for concurrent use; Runner carries no mutable state.
type Runner struct {
	dir     string
	timeout time.Duration
	logger  *slog.Logger
}

// RunError carries the exit code and combined output of a failed command.
type RunError struct {
	Args     []string
	ExitCode int
	Output   string
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("git %s: exit %d: %s",
		strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Output))
}

// NewRunner creates a Runner rooted at dir.
//
// # Inputs
//
//   - dir: Working directory for every command. Resolved to absolute.
//   - timeout: Per-command cap. <= 0 means 5 minutes.
//   - logger: Diagnostic logger. nil uses slog.Default().
func NewRunner(dir string, timeout time.Duration, logger *slog.Logger) (*Runner, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving work directory: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		dir:     abs,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "git_runner")),
	}, nil
}

// Dir returns the working directory the runner is bound to.
func (r *Runner) Dir() string { return r.dir }

// Run executes git with the given arguments and returns combined output.
//
// A non-zero exit returns a *RunError wrapping the output; other failures
// (binary missing, context cancelled) return the underlying error.
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	output, err := cmd.CombinedOutput()

	r.logger.Debug("git command",
		slog.String("args", strings.Join(args, " ")),
		slog.Int("output_bytes", len(output)),
		slog.Bool("failed", err != nil))

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return string(output), &RunError{
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Output:   string(output),
			}
		}
		return string(output), fmt.Errorf("executing git %s: %w", args[0], err)
	}
	return string(output), nil
}

// Output executes git and returns trimmed stdout only.
func (r *Runner) Output(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", &RunError{
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Output:   string(exitErr.Stderr),
			}
		}
		return "", fmt.Errorf("executing git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(output)), nil
}

// IsRepository reports whether the directory is inside a git work tree.
func (r *Runner) IsRepository(ctx context.Context) bool {
	out, err := r.Output(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// GitDir returns the repository's .git directory, resolved to absolute.
func (r *Runner) GitDir(ctx context.Context) (string, error) {
	out, err := r.Output(ctx, "rev-parse", "--git-dir")
	if err != nil {
		return "", fmt.Errorf("not a git repository: %w", err)
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(r.dir, out)
	}
	return filepath.Clean(out), nil
}

// IsDetachedHead reports whether HEAD points at a commit rather than a branch.
func (r *Runner) IsDetachedHead(ctx context.Context) bool {
	_, err := r.Output(ctx, "symbolic-ref", "-q", "HEAD")
	return err != nil
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when detached.
func (r *Runner) CurrentBranch(ctx context.Context) (string, error) {
	return r.Output(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// Head returns the full commit hash HEAD resolves to.
func (r *Runner) Head(ctx context.Context) (string, error) {
	return r.Output(ctx, "rev-parse", "HEAD")
}

// StatusFiles returns the porcelain status lines for the working tree.
// An empty slice means the tree is clean.
func (r *Runner) StatusFiles(ctx context.Context) ([]string, error) {
	out, err := r.Output(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// IsClean reports whether the working tree has no staged, modified, or
// untracked entries.
func (r *Runner) IsClean(ctx context.Context) (bool, error) {
	files, err := r.StatusFiles(ctx)
	if err != nil {
		return false, err
	}
	return len(files) == 0, nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (r *Runner) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := r.Run(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		var runErr *RunError
		// Exit 1 is the documented "not an ancestor" answer.
		if errors.As(err, &runErr) && runErr.ExitCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// BranchExists reports whether a local branch with the given name exists.
func (r *Runner) BranchExists(ctx context.Context, name string) bool {
	_, err := r.Output(ctx, "rev-parse", "--verify", "-q", "refs/heads/"+name)
	return err == nil
}

// HasMergeInProgress reports whether MERGE_HEAD exists.
func (r *Runner) HasMergeInProgress(ctx context.Context) bool {
	_, err := r.Output(ctx, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil
}
