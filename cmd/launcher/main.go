package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"prop_copier/internal/config"
	"prop_copier/internal/launcher"
	"prop_copier/internal/logging"
	"prop_copier/internal/storage"
)

func main() {
	logDir := os.Getenv("LOG_DIR")
	if logDir == "" {
		logDir = "."
	}

	logger, closeLog, err := logging.New(filepath.Join(logDir, "launcher.log"))
	if err != nil {
		log.Fatal("Failed to open log file:", err)
	}
	defer closeLog()

	logger.Info("=== Copy Trading Launcher ===")

	cfg := config.Load(logger)

	store, err := storage.New(cfg.DBPath, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	// Проверяем доступность БД до запуска процессов
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()

	if err != nil {
		logger.Error("Database unreachable", slog.Any("error", err))
		os.Exit(1)
	}

	l := launcher.New(store, launcher.Config{
		MasterBin:    cfg.MasterBin,
		SlaveBin:     cfg.SlaveBin,
		StartupDelay: time.Second,
		StopGrace:    5 * time.Second,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := l.Run(ctx); err != nil {
		logger.Error("Launcher failed", slog.Any("error", err))
		os.Exit(1)
	}
}
