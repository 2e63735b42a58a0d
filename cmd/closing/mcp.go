package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/closing/internal/mcp"
	"github.com/pitabwire/closing/internal/observability"
)

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			// stdout carries the protocol.
			logger, err := observability.NewStderrLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger error: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			metrics := observability.InitMetrics(prometheus.NewRegistry())
			rt, err := buildRuntime(ctx, cfg, logger, metrics)
			if err != nil {
				logger.Error("startup failed", zap.Error(err))
				return err
			}
			defer rt.close()

			srv := mcp.NewServer(mcp.ServerDeps{
				Cases:     rt.service,
				Templates: rt.registry,
				Logger:    logger,
				Recorder:  metrics,
				Version:   version,
			})
			return srv.Serve(ctx, os.Stdin, os.Stdout)
		},
	}
}
