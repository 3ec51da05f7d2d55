// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianEnsemble/pkg/logging"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/config"
)

var (
	serveAddr  string
	serveDebug bool
	serveWatch bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the ensemble HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides http.addr)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable gin debug mode and request logging")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "Reload reward and collapse weights when the config file changes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}

	logs := logging.New(cfg.Logging)
	defer logs.Close()
	logger := logs.Slog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := eng.start(ctx); err != nil {
		_ = eng.stop(context.Background())
		return err
	}

	if serveWatch && configPath != "" {
		w, err := config.NewWatcher(configPath, func(next config.Config) {
			if err := eng.svc.Tune(next.Feedback.Reward, next.Collapse); err != nil {
				logger.Warn("retune rejected", slog.String("error", err.Error()))
			}
		}, config.WithWatcherLogger(logger))
		if err != nil {
			logger.Warn("config watch disabled", slog.String("error", err.Error()))
		} else {
			defer w.Close()
		}
	}

	if serveDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := ensemble.NewRouter(ensemble.NewHandlers(eng.svc), cfg.Telemetry.ServiceName)
	if serveDebug {
		router.Use(gin.Logger())
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting ensemble server", slog.String("address", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = eng.stop(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down ensemble server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := eng.stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error("unclean shutdown", slog.String("error", err.Error()))
		return err
	}
	fmt.Fprintln(os.Stderr, "ensemble server stopped")
	return nil
}
