package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"stagehand/internal/catalog"
	"stagehand/internal/config"
	"stagehand/internal/daemon"
	"stagehand/internal/ipc"
	"stagehand/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, source, usedDefaults, err := config.Load("")
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	if usedDefaults {
		logger.Warn("no configuration file found; running with defaults")
	} else {
		logger.Info("configuration loaded", logging.String("path", source))
	}

	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "*.log", Exclude: []string{"stagehand.log"}},
		logging.RetentionTarget{Dir: filepath.Join(cfg.Paths.LogDir, "sessions"), Pattern: "*.log"},
	)

	store, err := catalog.Open(cfg)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return err
	}
	if err := d.Acquire(); err != nil {
		_ = store.Close()
		return fmt.Errorf("acquire daemon lock: %w (is another stagehandd running?)", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Error("daemon shutdown", logging.Error(err))
		}
	}()

	server, err := ipc.NewServer(ctx, cfg.Paths.SocketPath, d, logger)
	if err != nil {
		return err
	}
	server.Serve()
	defer server.Close()

	logger.Info("daemon ready",
		logging.String("socket", cfg.Paths.SocketPath),
		logging.String("catalog", store.Path()))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
