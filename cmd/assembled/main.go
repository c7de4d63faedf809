// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// assembled is the AssembleLocal server binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AssembleLocal/pkg/logging"
	"github.com/AleutianAI/AssembleLocal/services/assembler/config"
	"github.com/AleutianAI/AssembleLocal/services/assembler/orchestrator"
	"github.com/AleutianAI/AssembleLocal/services/assembler/telemetry"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "assembled",
		Short:         "Local Android web-asset assembly and build server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to assemble.yaml")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newCleanupCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	var traceSpans bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger := logging.New(logging.Config{
				Level:   logging.ParseLevel(cfg.Logging.Level),
				LogDir:  cfg.Logging.Dir,
				Service: "assembler",
			})
			defer logger.Close()

			shutdownTracer, err := telemetry.InitTracer(traceSpans)
			if err != nil {
				return fmt.Errorf("initialising tracer: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracer(ctx)
			}()

			svc, err := orchestrator.New(cfg, logger.Slog())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Slog().Info("assembled starting",
				slog.String("version", version),
				slog.Int("port", cfg.Server.Port))
			return svc.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&traceSpans, "trace", false, "print spans to stdout")
	return cmd
}

func newCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Collect expired snapshots and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			cfg.Store.GCInterval = 0

			logger := logging.New(logging.Config{
				Level:   logging.ParseLevel(cfg.Logging.Level),
				Service: "assembler",
			})
			defer logger.Close()

			svc, err := orchestrator.New(cfg, logger.Slog())
			if err != nil {
				return err
			}
			removed, err := svc.CleanupSnapshots(cmd.Context())
			if shutdownErr := svc.Shutdown(); shutdownErr != nil && err == nil {
				err = shutdownErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired snapshot(s)\n", removed)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "assembled "+version)
		},
	}
}
