// Package main provides the CLI entry point for the AoNET chat daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aonet-chat/aonet/internal/config"
	"github.com/aonet-chat/aonet/internal/logging"
	"github.com/aonet-chat/aonet/internal/metrics"
	"github.com/aonet-chat/aonet/internal/server"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "aonetd",
		Short:   "AoNET - real-time chat daemon",
		Long:    "AoNET is a real-time TCP chat daemon with authenticated clients,\nencrypted length-framed messages, and channel/DM routing.",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	serve := serveCmd()
	serve.GroupID = "start"
	rootCmd.AddCommand(serve)

	ver := versionCmd()
	ver.GroupID = "admin"
	rootCmd.AddCommand(ver)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat daemon",
		Long:  "Start the AoNET server with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			m := metrics.NewMetrics()

			srv := server.New(cfg, logger, m)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			started := time.Now()
			logger.Info("aonetd starting",
				logging.KeyAddress, cfg.Address(),
				logging.KeyComponent, "aonetd")

			if err := srv.Serve(ctx); err != nil {
				return fmt.Errorf("server exited: %w", err)
			}

			logger.Info("aonetd stopped", logging.KeyDuration, humanize.RelTime(started, time.Now(), "", ""))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the aonetd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}
