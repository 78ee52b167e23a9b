package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rpggio/activitylog/internal/app"
	"github.com/rpggio/activitylog/internal/config"
	"github.com/rpggio/activitylog/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	addAPIKey := flag.String("add-api-key", "", "issue an API key for the given principal id and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *printConfig {
		if err := cfg.WriteYAML(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	logWriter := io.Writer(os.Stdout)
	if cfg.Log.Path != "" {
		file, err := logging.OpenFile(cfg.Log.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file error: %v\n", err)
		} else {
			defer file.Close()
			logWriter = file
		}
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: logWriter})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	if *addAPIKey != "" {
		key, err := a.CreateAPIKey(ctx, *addAPIKey, "issued from command line")
		if err != nil {
			logger.Fatal("failed to issue api key", zap.Error(err))
		}
		fmt.Println(key)
		return
	}

	if err := serve(ctx, a, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

// serve runs the HTTP server until ctx is cancelled, then drains background recordings.
func serve(ctx context.Context, a *app.App, logger *zap.Logger) error {
	addr := net.JoinHostPort(a.Config.Server.Host, strconv.Itoa(a.Config.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := a.Drain(shutdownCtx); err != nil {
			logger.Warn("abandoned pending activity recordings", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}
