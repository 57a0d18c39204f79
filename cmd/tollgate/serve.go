// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tollgate-dev/tollgate/internal/config"
	"github.com/tollgate-dev/tollgate/internal/detect"
	"github.com/tollgate-dev/tollgate/internal/gateway"
	"github.com/tollgate-dev/tollgate/internal/resolve"
	"github.com/tollgate-dev/tollgate/internal/server"
	"github.com/tollgate-dev/tollgate/internal/store"
	_ "github.com/tollgate-dev/tollgate/internal/store/sqlite" // register the sqlite backend
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tollgate gateway",
		Long:  "Load configuration, open the event store, and serve the ingest and query API.",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	_ = viper.BindPFlag("server.listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Apply any flag/env overrides that Viper resolved.
	if listen := viper.GetString("server.listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	st, err := store.Open(cfg.Storage.Backend, cfg.Storage.Path, store.Options{
		DedupWindow: cfg.Storage.DedupWindow(),
	})
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer func() { _ = st.Close() }()

	policy, err := detect.LoadPolicy(cfg.Policy.Path)
	if err != nil {
		// The loader already fell open to the default policy.
		log.Warn("policy load failed, using default policy", "path", cfg.Policy.Path, "error", err)
	}

	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Server.Listen,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	resolver := resolve.New(st, log, resolve.WithContinuityWindow(cfg.Gateway.ContinuityWindow()))
	detector := detect.New(policy, st, log)
	gw := gateway.New(st, resolver, detector, log,
		gateway.WithDeadline(cfg.Gateway.Deadline()),
		gateway.WithPublisher(srv.Broadcaster()),
	)
	server.RegisterGateway(srv, gw)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("tollgate listening", "addr", cfg.Server.Listen, "backend", cfg.Storage.Backend)
	return srv.Start(ctx)
}
