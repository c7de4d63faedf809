// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gradle drives a project's Gradle wrapper as a supervised
// subprocess.
//
// The runner merges stdout and stderr into one line channel, exposes a
// single Wait that resolves only after both streams hit EOF and the exit
// code is known, and terminates the whole process group (Gradle forks
// daemons and workers) cooperatively first, forcefully after a grace
// period.
package gradle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
)

// envAllowlist is the part of the parent environment a build inherits.
// Everything else is withheld; task-specific variables are added on top.
var envAllowlist = []string{
	"PATH", "HOME", "USER", "LANG", "TMPDIR",
	"JAVA_HOME", "ANDROID_HOME", "ANDROID_SDK_ROOT", "GRADLE_USER_HOME",
}

// maxLineBytes caps one Gradle output line; longer lines are split.
const maxLineBytes = 1 << 20

// Line is one merged output line.
type Line struct {
	// Text is the line without its trailing newline.
	Text string

	// Stderr marks lines read from the error stream.
	Stderr bool
}

// Runner launches Gradle builds.
type Runner struct {
	killGrace time.Duration
	logger    *slog.Logger
}

// NewRunner creates a Runner. killGrace is the SIGTERM-to-SIGKILL grace
// applied by Terminate; <= 0 means 10 seconds.
func NewRunner(killGrace time.Duration, logger *slog.Logger) *Runner {
	if killGrace <= 0 {
		killGrace = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		killGrace: killGrace,
		logger:    logger.With(slog.String("component", "gradle")),
	}
}

// Process is one running build.
type Process struct {
	// Lines yields merged stdout/stderr lines until both streams close.
	Lines <-chan Line

	cmd       *exec.Cmd
	group     *errgroup.Group
	killGrace time.Duration
	logger    *slog.Logger
	done      chan struct{}

	waitOnce sync.Once
	exitCode int
	waitErr  error

	termOnce sync.Once
}

// Start launches the project's Gradle wrapper.
//
// # Description
//
// The wrapper must exist at <projectDir>/gradlew. The child runs in its own
// process group with the project directory as working directory and a clean
// environment (allowlisted parent variables plus env). Output consumption
// begins immediately; the caller must drain Lines.
//
// # Inputs
//
//   - ctx: Cancels the build via Terminate semantics when done.
//   - projectDir: Project root containing the wrapper.
//   - args: Gradle task line (e.g. "clean", ":app:assembleRelease").
//   - env: Extra environment variables for the child.
//
// # Outputs
//
//   - *Process: Running build handle.
//   - error: Non-nil when the wrapper is missing or spawn fails.
func (r *Runner) Start(ctx context.Context, projectDir string, args []string, env map[string]string) (*Process, error) {
	wrapper := filepath.Join(projectDir, "gradlew")
	info, err := os.Stat(wrapper)
	if err != nil || info.IsDir() {
		return nil, faults.Newf(faults.KindProjectMissing,
			"gradle wrapper not found at %s", wrapper)
	}

	cmd := exec.Command(wrapper, args...)
	cmd.Dir = projectDir
	cmd.Env = buildEnv(env)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting gradle wrapper: %w", err)
	}

	r.logger.Info("gradle started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("dir", projectDir),
		slog.String("args", strings.Join(args, " ")))

	lines := make(chan Line, 256)
	group := &errgroup.Group{}
	group.Go(func() error { return scanLines(stdout, lines, false) })
	group.Go(func() error { return scanLines(stderr, lines, true) })

	proc := &Process{
		Lines:     lines,
		cmd:       cmd,
		group:     group,
		killGrace: r.killGrace,
		logger:    r.logger,
		done:      make(chan struct{}),
	}

	// Close the line channel once both streams are drained.
	go func() {
		_ = group.Wait()
		close(lines)
	}()

	// Context teardown uses the same cooperative-then-forceful path.
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				proc.Terminate()
			case <-proc.done:
			}
		}()
	}

	return proc, nil
}

// Wait blocks until both output streams are closed and the process has
// exited, then returns the exit code. Call it exactly once.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		defer close(p.done)
		_ = p.group.Wait()
		err := p.cmd.Wait()
		if err == nil {
			p.exitCode = 0
			return
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode = exitErr.ExitCode()
			return
		}
		p.exitCode = -1
		p.waitErr = err
	})
	return p.exitCode, p.waitErr
}

// Terminate requests cooperative termination of the process group and
// force-kills it after the grace period. Idempotent; safe concurrently
// with Wait.
func (p *Process) Terminate() {
	p.termOnce.Do(func() {
		pid := p.cmd.Process.Pid
		p.logger.Warn("terminating gradle process group",
			slog.Int("pid", pid),
			slog.Duration("grace", p.killGrace))

		if err := signalGroup(p.cmd, false); err != nil {
			p.logger.Debug("term signal failed",
				slog.Int("pid", pid),
				slog.String("error", err.Error()))
		}

		select {
		case <-p.done:
			return
		case <-time.After(p.killGrace):
		}

		p.logger.Warn("grace expired, killing gradle process group",
			slog.Int("pid", pid))
		if err := signalGroup(p.cmd, true); err != nil {
			p.logger.Debug("kill signal failed",
				slog.Int("pid", pid),
				slog.String("error", err.Error()))
		}
	})
}

// scanLines pumps one stream into the merged channel.
func scanLines(r io.Reader, lines chan<- Line, stderr bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		lines <- Line{Text: scanner.Text(), Stderr: stderr}
	}
	return scanner.Err()
}

// buildEnv assembles the child environment from the allowlist plus extras.
func buildEnv(extra map[string]string) []string {
	env := make([]string, 0, len(envAllowlist)+len(extra))
	for _, key := range envAllowlist {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	for key, value := range extra {
		env = append(env, key+"="+value)
	}
	return env
}
