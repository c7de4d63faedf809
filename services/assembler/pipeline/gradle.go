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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
	"github.com/AleutianAI/AssembleLocal/services/assembler/gradle"
	"github.com/AleutianAI/AssembleLocal/services/assembler/logbus"
	"github.com/AleutianAI/AssembleLocal/services/assembler/task"
)

// superviseGradle runs the wrapper, pumps its output to the log bus, and
// applies the watchdog and cancellation policy.
//
// The final verdict is reached only after the exit code is known and both
// streams are drained. A cancelled or killed build still harvests whatever
// APKs were written, marked partial.
func (p *Pipeline) superviseGradle(ctx context.Context, state *buildState) error {
	t := state.task

	args := t.Options.GradleArgs
	if len(args) == 0 {
		args = p.config.GradleTaskLine
	}

	p.publish(t.ID, logbus.LevelInfo,
		fmt.Sprintf("starting gradle: %s", strings.Join(args, " ")), progressGradleStart)
	p.setProgress(t.ID, progressGradleStart)

	start := time.Now()
	proc, err := p.gradle.Start(ctx, state.project.Path, args, t.Options.Env)
	if err != nil {
		// Spawn failures precede any build work; normal recovery applies.
		return err
	}
	state.gradleStarted = true

	inactivity := time.NewTimer(p.config.GradleInactivity)
	defer inactivity.Stop()

	var (
		ctxDone     = ctx.Done()
		inactivityC = inactivity.C
		cancelled   bool
		watchdog    bool
		tasksDone   int
	)

	for lines := proc.Lines; lines != nil; {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if !inactivity.Stop() {
				select {
				case <-inactivity.C:
				default:
				}
			}
			inactivity.Reset(p.config.GradleInactivity)
			inactivityC = inactivity.C
			p.handleGradleLine(t.ID, line, &tasksDone)

		case <-ctxDone:
			ctxDone = nil
			cancelled = true
			p.publish(t.ID, logbus.LevelWarning, "cancellation requested, stopping gradle", 0)
			go proc.Terminate()

		case <-inactivityC:
			inactivityC = nil
			watchdog = true
			p.publish(t.ID, logbus.LevelError,
				fmt.Sprintf("no gradle output for %s, killing build", p.config.GradleInactivity), 0)
			go proc.Terminate()
		}
	}

	exit, waitErr := proc.Wait()
	elapsed := time.Since(start)

	outcome := "success"
	switch {
	case cancelled:
		outcome = "cancelled"
	case watchdog:
		outcome = "watchdog"
	case exit != 0:
		outcome = "failed"
	}
	if p.metrics != nil {
		p.metrics.GradleDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
	}

	switch {
	case cancelled:
		partial, _ := p.harvest(state, true)
		p.publish(t.ID, logbus.LevelWarning,
			fmt.Sprintf("build cancelled after %s (%d partial artifact(s) recorded)",
				elapsed.Round(time.Second), partial), 0)
		if ctx.Err() == context.DeadlineExceeded {
			return faults.Wrap(faults.KindTimeout, "task deadline exceeded during gradle", ctx.Err())
		}
		return faults.Wrap(faults.KindCancelled, "build cancelled during gradle", ctx.Err())

	case watchdog:
		partial, _ := p.harvest(state, true)
		p.publish(t.ID, logbus.LevelError,
			fmt.Sprintf("build killed by inactivity watchdog (%d partial artifact(s) recorded)", partial), 0)
		return faults.Newf(faults.KindTimeout,
			"gradle produced no output for %s", p.config.GradleInactivity)

	case waitErr != nil:
		return fmt.Errorf("waiting for gradle: %w", waitErr)

	case exit != 0:
		return faults.Newf(faults.KindGradleExitNonZero,
			"gradle exited with code %d", exit)
	}

	p.setProgress(t.ID, progressGradleEnd)
	p.publish(t.ID, logbus.LevelSuccess,
		fmt.Sprintf("gradle finished in %s", elapsed.Round(time.Second)), progressGradleEnd)

	if result := p.currentResult(state); result != nil {
		result.GradleTime = elapsed
		p.runtime.SetResult(t.ID, result)
	}
	return nil
}

// handleGradleLine classifies one output line, publishes it, and advances
// interpolated progress.
//
// Gradle does not announce the total task count up front, so progress
// approaches the gradle-end milestone asymptotically as "> Task" lines
// accumulate and stays at gradle-start when none parse.
func (p *Pipeline) handleGradleLine(taskID string, line gradle.Line, tasksDone *int) {
	text := line.Text
	level := logbus.LevelInfo
	progress := 0

	switch {
	case strings.HasPrefix(text, "> Task "):
		*tasksDone++
		span := progressGradleEnd - progressGradleStart
		progress = progressGradleStart + span*(*tasksDone)/(*tasksDone+25)
		p.setProgress(taskID, progress)

	case strings.Contains(text, "BUILD SUCCESSFUL"):
		level = logbus.LevelSuccess

	case strings.Contains(text, "BUILD FAILED"),
		strings.HasPrefix(text, "FAILURE:"),
		strings.HasPrefix(text, "ERROR:"),
		strings.HasPrefix(text, "e: "):
		level = logbus.LevelError

	case strings.HasPrefix(text, "WARNING:"),
		strings.HasPrefix(text, "w: "):
		level = logbus.LevelWarning

	case line.Stderr:
		level = logbus.LevelWarning
	}

	p.bus.Publish(taskID, logbus.Record{
		Level:    level,
		Message:  text,
		Source:   "gradle",
		Progress: progress,
	})
}

// currentResult fetches the task's result record for augmentation.
func (p *Pipeline) currentResult(state *buildState) *task.Result {
	current, err := p.runtime.Get(state.task.ID)
	if err != nil || current.Result == nil {
		return &task.Result{Branch: state.branch, SnapshotID: state.snapshotID}
	}
	return current.Result
}
