package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/yumyai/clusterfinder/logger"
	"github.com/yumyai/clusterfinder/pkg/config"
	"github.com/yumyai/clusterfinder/pkg/db"
	"github.com/yumyai/clusterfinder/pkg/handler"
	"github.com/yumyai/clusterfinder/pkg/middle"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Browse recorded runs over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0:8080", "listen address")
	return cmd
}

func serve(ctx context.Context, a *app, addr string) error {
	a.started = true
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if !a.verbose {
		if err := logger.InitLogger(logger.ParseLevel(cfg.LogLevel)); err != nil {
			return err
		}
	}

	store, err := db.Open(cfg.LedgerPath())
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info("Start:", zap.String("Version", VERSION))
	logger.Info("Open database on", zap.String("DB_LOC", cfg.LedgerPath()))

	mux := handler.NewRouter(&handler.DBContext{Runs: store, Version: VERSION})

	srv := &http.Server{
		Addr: addr,
		Handler: middle.Chain(mux,
			middle.RequestIDMiddleware(logger.L()),
			middle.LoggingMiddleware(logger.L())),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Error starting server:", zap.Error(err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
