// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator is the composition root of the assembler service.
//
// It builds every component from configuration, reconciles tasks abandoned
// by a previous process, wires the task runtime to the build pipeline and
// the log bus, and runs the HTTP server with graceful shutdown: stop
// accepting, cancel running builds, drain, close.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AssembleLocal/services/assembler/archive"
	"github.com/AleutianAI/AssembleLocal/services/assembler/config"
	"github.com/AleutianAI/AssembleLocal/services/assembler/gitsafe"
	"github.com/AleutianAI/AssembleLocal/services/assembler/gradle"
	"github.com/AleutianAI/AssembleLocal/services/assembler/guard"
	"github.com/AleutianAI/AssembleLocal/services/assembler/logbus"
	"github.com/AleutianAI/AssembleLocal/services/assembler/orchestrator/handlers"
	"github.com/AleutianAI/AssembleLocal/services/assembler/orchestrator/routes"
	"github.com/AleutianAI/AssembleLocal/services/assembler/pipeline"
	"github.com/AleutianAI/AssembleLocal/services/assembler/store"
	"github.com/AleutianAI/AssembleLocal/services/assembler/task"
	"github.com/AleutianAI/AssembleLocal/services/assembler/telemetry"
)

// Orchestrator owns every long-lived component of the service.
type Orchestrator struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	store   *store.Store
	guard   *guard.Guard
	git     *gitsafe.Service
	bus     *logbus.Bus
	runtime *task.Runtime

	engine *gin.Engine
	server *http.Server

	stopGC       chan struct{}
	shutdownOnce sync.Once
}

// New builds the service from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := telemetry.NewMetrics()

	st, err := store.Open(store.Config{
		Path:       expand(cfg.Store.Path),
		InMemory:   cfg.Store.InMemory,
		GCInterval: cfg.Store.GCInterval,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	g, err := guard.New(guard.Config{
		LeaseTimeout:    cfg.Guard.LeaseTimeout,
		StaleLockMaxAge: cfg.Guard.StaleLockMaxAge,
		GitCommandTimeout: cfg.Git.CommandTimeout,
	}, logger, metrics)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating guard: %w", err)
	}

	gitSvc := gitsafe.NewService(gitsafe.Config{
		SnapshotRoot: expand(cfg.Git.SnapshotRoot),
		SnapshotTTL:  cfg.Git.SnapshotTTL,
	}, st, logger, metrics)

	bus := logbus.New(logbus.Config{
		RingSize:          cfg.LogBus.RingSize,
		SubscriberBuffer:  cfg.LogBus.SubscriberBuffer,
		HeartbeatInterval: cfg.LogBus.HeartbeatInterval,
		TeardownGrace:     cfg.LogBus.TeardownGrace,
	}, logger, metrics)

	runtime := task.NewRuntime(task.Config{
		MaxRunning: cfg.Tasks.MaxRunning,
		Deadline:   cfg.Tasks.Deadline,
	}, st, logger, metrics)

	pl := pipeline.New(pipeline.Config{
		GradleTaskLine:   cfg.Gradle.TaskLine,
		GradleInactivity: cfg.Gradle.InactivityTimeout,
		SnapshotTTL:      cfg.Git.SnapshotTTL,
		TempRoot:         expand(cfg.Paths.TempRoot),
		LeaseTimeout:     cfg.Guard.LeaseTimeout,
	}, g, gitSvc, bus, runtime,
		gradle.NewRunner(cfg.Gradle.KillGrace, logger),
		archive.NewExtractor(logger), st, logger, metrics)

	runtime.SetExecutor(pl.Execute)
	runtime.SetOnTerminal(func(finished *task.Task) {
		bus.Close(finished.ID, string(finished.Status))
	})

	deps := &handlers.Deps{
		Store:           st,
		Runtime:         runtime,
		Bus:             bus,
		Guard:           g,
		Git:             gitSvc,
		Logger:          logger,
		UploadRoot:   expand(cfg.Paths.UploadRoot),
		GuardTimeout: 30 * time.Second,
		DropLimit:    uint64(cfg.LogBus.RingSize),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))
	routes.Setup(engine, deps, routes.Options{
		AuthToken:            cfg.Server.AuthToken,
		TaskCreatesPerMinute: cfg.Server.TaskCreatesPerMinute,
		Registry:             metrics.Registry(),
	})

	return &Orchestrator{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "orchestrator")),
		metrics: metrics,
		store:   st,
		guard:   g,
		git:     gitSvc,
		bus:     bus,
		runtime: runtime,
		engine:  engine,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		stopGC: make(chan struct{}),
	}, nil
}

// Engine exposes the router for tests.
func (o *Orchestrator) Engine() *gin.Engine { return o.engine }

// Run starts the service and blocks until ctx is cancelled, then shuts
// down gracefully.
func (o *Orchestrator) Run(ctx context.Context) error {
	marked, err := o.runtime.ReconcileAbandoned(ctx)
	if err != nil {
		return fmt.Errorf("reconciling abandoned tasks: %w", err)
	}
	if marked > 0 {
		o.logger.Warn("marked abandoned tasks from previous run",
			slog.Int("count", marked))
	}

	go o.snapshotGCLoop()

	errCh := make(chan error, 1)
	go func() {
		o.logger.Info("http server listening", slog.String("addr", o.server.Addr))
		if err := o.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	o.logger.Info("shutting down")
	return o.Shutdown()
}

// Shutdown stops components in dependency order. Idempotent.
func (o *Orchestrator) Shutdown() error {
	var err error
	o.shutdownOnce.Do(func() { err = o.shutdown() })
	return err
}

func (o *Orchestrator) shutdown() error {
	close(o.stopGC)

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelHTTP()
	if err := o.server.Shutdown(httpCtx); err != nil {
		o.logger.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}

	taskCtx, cancelTasks := context.WithTimeout(context.Background(),
		o.cfg.Gradle.KillGrace+30*time.Second)
	defer cancelTasks()
	if err := o.runtime.Shutdown(taskCtx); err != nil {
		o.logger.Warn("task runtime shutdown incomplete", slog.String("error", err.Error()))
	}

	if err := o.guard.Close(); err != nil {
		o.logger.Warn("guard close failed", slog.String("error", err.Error()))
	}
	if err := o.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

// CleanupSnapshots runs one snapshot GC pass (the cleanup subcommand).
func (o *Orchestrator) CleanupSnapshots(ctx context.Context) (int, error) {
	return o.git.Cleanup(ctx)
}

// snapshotGCLoop collects expired snapshots periodically.
func (o *Orchestrator) snapshotGCLoop() {
	ticker := time.NewTicker(o.cfg.Git.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := o.git.Cleanup(ctx); err != nil {
				o.logger.Warn("snapshot cleanup failed", slog.String("error", err.Error()))
			}
			cancel()
		case <-o.stopGC:
			return
		}
	}
}

// requestLogger logs one line per request in slog key-value form.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	log := logger.With(slog.String("component", "http"))
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// SSE streams would log only at disconnect; skip them.
		if strings.HasSuffix(c.FullPath(), "/logs/stream") {
			return
		}
		log.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

// expand resolves a leading ~ against the user's home directory.
func expand(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
