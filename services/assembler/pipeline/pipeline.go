// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline composes the guard, git safety layer, log bus, task
// runtime, archive extractor, and gradle runner into the build sequence:
//
//	validate -> acquire -> pre-flight git -> extract -> name check ->
//	replace -> gradle -> harvest -> release
//
// Failure handling follows a deliberate asymmetry: a failure while the
// replacement is in flight rolls the tree back to the pre-flight state,
// while a failed or cancelled Gradle run keeps the resource change on disk
// so the user can inspect it and then commit or roll back explicitly.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AssembleLocal/services/assembler/archive"
	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
	"github.com/AleutianAI/AssembleLocal/services/assembler/gitsafe"
	"github.com/AleutianAI/AssembleLocal/services/assembler/gradle"
	"github.com/AleutianAI/AssembleLocal/services/assembler/guard"
	"github.com/AleutianAI/AssembleLocal/services/assembler/logbus"
	"github.com/AleutianAI/AssembleLocal/services/assembler/store"
	"github.com/AleutianAI/AssembleLocal/services/assembler/task"
	"github.com/AleutianAI/AssembleLocal/services/assembler/telemetry"
)

const (
	// assetsSubdir is the replacement target root inside a project.
	assetsSubdir = "app/src/main/assets/apps"

	// harvestSubdir is scanned for built APKs after Gradle succeeds.
	harvestSubdir = "app/build/outputs/apk"
)

// Progress milestones per stage.
const (
	progressValidate    = 5
	progressSnapshot    = 10
	progressBranch      = 15
	progressExtract     = 25
	progressReplace     = 40
	progressGradleStart = 45
	progressGradleEnd   = 85
	progressHarvest     = 90
)

// Config configures the Pipeline.
type Config struct {
	// GradleTaskLine is the default argument list for the wrapper.
	GradleTaskLine []string

	// GradleInactivity is the no-output watchdog. Default: 10m.
	GradleInactivity time.Duration

	// SnapshotTTL is the pre-flight snapshot lifetime. Default: 7 days.
	SnapshotTTL time.Duration

	// TempRoot stages extraction and rename-in-place copies.
	TempRoot string

	// LeaseTimeout bounds the wait for the project lease.
	LeaseTimeout time.Duration
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if len(c.GradleTaskLine) == 0 {
		c.GradleTaskLine = []string{"clean", ":app:assembleRelease"}
	}
	if c.GradleInactivity == 0 {
		c.GradleInactivity = 10 * time.Minute
	}
	if c.SnapshotTTL == 0 {
		c.SnapshotTTL = 7 * 24 * time.Hour
	}
	if c.TempRoot == "" {
		c.TempRoot = filepath.Join(os.TempDir(), "assemble")
	}
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = 2 * time.Minute
	}
}

// Pipeline drives build tasks end to end.
//
// # Thread Safety
//
// Safe for concurrent use; per-project exclusivity comes from the guard.
type Pipeline struct {
	config    Config
	guard     *guard.Guard
	git       *gitsafe.Service
	bus       *logbus.Bus
	runtime   *task.Runtime
	gradle    *gradle.Runner
	extractor *archive.Extractor
	projects  ProjectResolver
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// ProjectResolver looks up registered projects. The store satisfies it.
type ProjectResolver interface {
	GetProject(ctx context.Context, id string) (*store.Project, error)
}

// New creates a Pipeline.
func New(config Config, g *guard.Guard, git *gitsafe.Service, bus *logbus.Bus,
	runtime *task.Runtime, gradleRunner *gradle.Runner, extractor *archive.Extractor,
	projects ProjectResolver, logger *slog.Logger, metrics *telemetry.Metrics) *Pipeline {

	config.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		config:    config,
		guard:     g,
		git:       git,
		bus:       bus,
		runtime:   runtime,
		gradle:    gradleRunner,
		extractor: extractor,
		projects:  projects,
		logger:    logger.With(slog.String("component", "pipeline")),
		metrics:   metrics,
	}
}

// buildState carries per-run context between stages.
type buildState struct {
	task       *task.Task
	project    *store.Project
	lease      *guard.Lease
	snapshotID string
	preHead    string
	branch     string
	stageDir   string // per-task temp root
	topLevel   string // archive's single top-level directory name

	treeTouched   bool // replace stage began; the project tree may differ
	gradleStarted bool
}

// Execute is the task.Executor for build tasks.
func (p *Pipeline) Execute(ctx context.Context, t *task.Task) error {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.Execute",
		attribute.String("task_id", t.ID),
		attribute.String("project_id", t.ProjectID))
	defer span.End()

	state := &buildState{task: t}

	if err := p.stageValidate(ctx, state); err != nil {
		p.fail(state, err)
		return err
	}

	err := p.guard.WithProject(ctx, t.ProjectID, state.project.Path,
		guard.Options{Timeout: p.config.LeaseTimeout}, func(lease *guard.Lease) error {
			state.lease = lease
			return p.runLeased(ctx, state)
		})
	if err != nil {
		p.fail(state, err)
		return err
	}

	p.publish(t.ID, logbus.LevelSuccess, "build completed", 0)
	return nil
}

// runLeased executes stages 3-8 inside the project lease and applies the
// recovery policy on failure.
func (p *Pipeline) runLeased(ctx context.Context, state *buildState) error {
	stages := []struct {
		name string
		run  func(context.Context, *buildState) error
	}{
		{"preflight", p.stagePreflight},
		{"extract", p.stageExtract},
		{"namecheck", p.stageNameCheck},
		{"replace", p.stageReplace},
		{"gradle", p.stageGradle},
		{"harvest", p.stageHarvest},
	}

	defer p.cleanupStaging(state)

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			cancelErr := faults.Wrap(faults.KindCancelled,
				fmt.Sprintf("cancelled before %s stage", stage.name), err)
			p.recover(state, cancelErr)
			return cancelErr
		}

		start := time.Now()
		err := stage.run(ctx, state)
		if p.metrics != nil {
			p.metrics.StageDurationSeconds.
				WithLabelValues(stage.name).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			p.recover(state, err)
			return err
		}
	}
	return nil
}

// stageValidate checks the archive and the project record (stage 1).
func (p *Pipeline) stageValidate(ctx context.Context, state *buildState) error {
	t := state.task
	p.publish(t.ID, logbus.LevelInfo, "validating task", progressValidate)

	project, err := p.projects.GetProject(ctx, t.ProjectID)
	if err != nil {
		return faults.Wrap(faults.KindProjectMissing, t.ProjectID, err)
	}
	if !project.Active {
		return faults.Newf(faults.KindProjectMissing, "project %s is deactivated", t.ProjectID)
	}
	info, err := os.Stat(project.Path)
	if err != nil || !info.IsDir() {
		return faults.Newf(faults.KindProjectMissing,
			"project path %s is not a directory", project.Path)
	}
	state.project = project

	if t.ArchivePath == "" {
		return faults.New(faults.KindExtractorFailure, "task has no archive")
	}
	if _, err := os.Stat(t.ArchivePath); err != nil {
		return faults.Wrap(faults.KindExtractorFailure, "archive not found", err)
	}
	if !archive.SupportedExtension(t.ArchivePath) {
		return faults.Newf(faults.KindUnsupportedFormat,
			"archive %s has an unsupported extension", filepath.Base(t.ArchivePath))
	}

	p.setProgress(t.ID, progressValidate)
	return nil
}

// stagePreflight snapshots the repository and switches branches (stage 3).
// Non-git projects skip it.
func (p *Pipeline) stagePreflight(ctx context.Context, state *buildState) error {
	t := state.task
	if !state.lease.IsGitRepository() {
		p.publish(t.ID, logbus.LevelInfo, "project is not a git repository, skipping snapshot", 0)
		return nil
	}
	runner := state.lease.Runner()

	if !t.Options.SkipSnapshot {
		p.publish(t.ID, logbus.LevelInfo, "capturing pre-build snapshot", progressSnapshot)
		snapshot, _, err := p.git.Backup(ctx, runner, t.ProjectID, gitsafe.SnapshotFull, p.config.SnapshotTTL)
		if err != nil {
			return err
		}
		state.snapshotID = snapshot.ID
		p.setProgress(t.ID, progressSnapshot)
	}

	if t.Branch != "" {
		current, err := runner.CurrentBranch(ctx)
		if err != nil {
			return err
		}
		if current != t.Branch {
			p.publish(t.ID, logbus.LevelInfo,
				fmt.Sprintf("switching to branch %s", t.Branch), progressBranch)
			if _, err := p.git.CheckoutBranch(ctx, runner, t.ProjectID, t.Branch, true, gitsafe.OpOptions{}); err != nil {
				return err
			}
		}
	}

	head, err := runner.Head(ctx)
	if err != nil {
		return err
	}
	state.preHead = head
	state.branch, _ = runner.CurrentBranch(ctx)

	p.setProgress(t.ID, progressBranch)
	p.runtime.SetResult(t.ID, &task.Result{Branch: state.branch, SnapshotID: state.snapshotID})
	return nil
}

// stageExtract materialises the archive into the staging dir (stage 4).
func (p *Pipeline) stageExtract(ctx context.Context, state *buildState) error {
	t := state.task
	p.publish(t.ID, logbus.LevelInfo, "extracting archive", progressExtract)

	state.stageDir = filepath.Join(p.config.TempRoot, t.ID)
	extractDir := filepath.Join(state.stageDir, "extract")
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return faults.Wrap(faults.KindExtractorFailure, "creating staging directory", err)
	}

	result, err := p.extractor.Extract(ctx, t.ArchivePath, extractDir)
	if err != nil {
		if faults.KindOf(err) == faults.KindInternal {
			return faults.Wrap(faults.KindExtractorFailure, "extraction failed", err)
		}
		return err
	}
	state.topLevel = result.TopLevelName

	p.publish(t.ID, logbus.LevelInfo,
		fmt.Sprintf("extracted %d files under %s/", result.TotalFiles, result.TopLevelName),
		progressExtract)
	p.setProgress(t.ID, progressExtract)
	return nil
}

// stageNameCheck matches the archive's top-level directory against the
// project's resource packages (stage 5). Strict equality only.
func (p *Pipeline) stageNameCheck(ctx context.Context, state *buildState) error {
	t := state.task
	assetsRoot := filepath.Join(state.project.Path, assetsSubdir)

	entries, err := os.ReadDir(assetsRoot)
	if err != nil {
		return faults.Wrap(faults.KindProjectMissing,
			fmt.Sprintf("asset root %s", assetsRoot), err)
	}

	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() {
			candidates = append(candidates, entry.Name())
		}
	}

	for _, name := range candidates {
		if name == state.topLevel {
			p.publish(t.ID, logbus.LevelInfo,
				fmt.Sprintf("resource package %q matched", state.topLevel), 0)
			return nil
		}
	}

	p.publish(t.ID, logbus.LevelError,
		fmt.Sprintf("archive package %q matches none of %v", state.topLevel, candidates), 0)
	return faults.Newf(faults.KindResourcePackageMismatch,
		"archive top-level %q not found under apps/ (candidates: %v)",
		state.topLevel, candidates).
		WithDetail("archive", state.topLevel).
		WithDetail("candidates", candidates)
}

// stageReplace swaps the target directory with the extracted tree (stage 6).
func (p *Pipeline) stageReplace(ctx context.Context, state *buildState) error {
	t := state.task
	p.publish(t.ID, logbus.LevelInfo,
		fmt.Sprintf("replacing resource package %q", state.topLevel), progressReplace)

	target := filepath.Join(state.project.Path, assetsSubdir, state.topLevel)
	source := filepath.Join(state.stageDir, "extract", state.topLevel)

	state.treeTouched = true
	if err := replaceDir(source, target, t.ID); err != nil {
		return faults.Wrap(faults.KindExtractorFailure, "replacing resource package", err)
	}

	p.setProgress(t.ID, progressReplace)
	return nil
}

// stageGradle runs and supervises the build (stage 7).
func (p *Pipeline) stageGradle(ctx context.Context, state *buildState) error {
	return p.superviseGradle(ctx, state)
}

// stageHarvest records APK artifacts (stage 8).
func (p *Pipeline) stageHarvest(ctx context.Context, state *buildState) error {
	t := state.task
	p.publish(t.ID, logbus.LevelInfo, "collecting build artifacts", progressHarvest)

	count, err := p.harvest(state, false)
	if err != nil {
		return err
	}
	if count == 0 {
		return faults.New(faults.KindNoArtifacts,
			"gradle succeeded but produced no APK under "+harvestSubdir)
	}

	p.setProgress(t.ID, progressHarvest)
	p.publish(t.ID, logbus.LevelSuccess,
		fmt.Sprintf("collected %d artifact(s)", count), progressHarvest)
	return nil
}

// recover applies the stage-failure policy:
//   - a failure after the replacement began but before Gradle started rolls
//     the tree back to the pre-flight state (reset, then forced snapshot
//     restore if the reset was not enough);
//   - Gradle exit failures, missing artifacts, and cancellations observed
//     mid-Gradle keep the resource change on disk;
//   - failures before the replacement leave the tree alone: nothing touched
//     it, and a dirty-tree refusal must never be answered with an
//     automatic clean.
func (p *Pipeline) recover(state *buildState, cause error) {
	t := state.task
	kind := faults.KindOf(cause)

	p.publish(t.ID, logbus.LevelError, cause.Error(), 0)

	if state.lease == nil || !state.lease.IsGitRepository() {
		return
	}
	if state.gradleStarted || kind == faults.KindGradleExitNonZero || kind == faults.KindNoArtifacts {
		p.publish(t.ID, logbus.LevelWarning,
			"resource change kept on disk; commit or roll back explicitly", 0)
		return
	}
	if !state.treeTouched {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	runner := state.lease.Runner()

	p.publish(t.ID, logbus.LevelWarning, "restoring working tree after stage failure", 0)
	if _, err := p.git.ResetWorkingTree(ctx, runner, t.ProjectID); err == nil {
		if state.preHead != "" {
			if head, headErr := runner.Head(ctx); headErr == nil && head == state.preHead {
				return
			}
		} else {
			return
		}
	}

	if state.snapshotID == "" {
		p.publish(t.ID, logbus.LevelError,
			"reset insufficient and no snapshot available", 0)
		return
	}
	if _, err := p.git.RestoreSnapshot(ctx, runner, t.ProjectID, state.snapshotID, true); err != nil {
		p.publish(t.ID, logbus.LevelError,
			"snapshot restore failed; snapshot preserved for manual recovery", 0)
		p.logger.Error("recovery restore failed",
			slog.String("task_id", t.ID),
			slog.String("snapshot_id", state.snapshotID),
			slog.String("error", err.Error()))
	}
}

// fail logs terminal failures that happened outside the lease too.
func (p *Pipeline) fail(state *buildState, err error) {
	p.logger.Warn("build failed",
		slog.String("task_id", state.task.ID),
		slog.String("kind", string(faults.KindOf(err))),
		slog.String("error", err.Error()))
}

// cleanupStaging removes the per-task temp directory.
func (p *Pipeline) cleanupStaging(state *buildState) {
	if state.stageDir != "" {
		if err := os.RemoveAll(state.stageDir); err != nil {
			p.logger.Warn("failed to remove staging directory",
				slog.String("path", state.stageDir),
				slog.String("error", err.Error()))
		}
	}
}

// publish emits one record to the task's log stream.
func (p *Pipeline) publish(taskID string, level logbus.Level, message string, progress int) {
	p.bus.Publish(taskID, logbus.Record{
		Level:    level,
		Message:  message,
		Source:   "pipeline",
		Progress: progress,
	})
}

// setProgress forwards a milestone to the runtime.
func (p *Pipeline) setProgress(taskID string, progress int) {
	p.runtime.SetProgress(taskID, progress)
}
