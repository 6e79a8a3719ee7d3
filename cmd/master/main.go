package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"prop_copier/internal/bus"
	"prop_copier/internal/config"
	"prop_copier/internal/logging"
	"prop_copier/internal/master"
	"prop_copier/internal/models"
	"prop_copier/internal/storage"

	_ "prop_copier/internal/broker/sim"
)

func main() {
	name := flag.String("name", "", "account name")
	flag.Parse()

	if *name == "" {
		log.Fatal("--name is required")
	}

	logDir := os.Getenv("LOG_DIR")
	if logDir == "" {
		logDir = "."
	}

	logger, closeLog, err := logging.New(filepath.Join(logDir, fmt.Sprintf("master_%s.log", *name)))
	if err != nil {
		log.Fatal("Failed to open log file:", err)
	}
	defer closeLog()

	logger.Info("=== Copy Trading Master Node ===", slog.String("account", *name))

	cfg := config.Load(logger)

	// Master читает конфигурацию один раз и от хранилища дальше не зависит
	store, err := storage.New(cfg.DBPath, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", slog.Any("error", err))
		os.Exit(1)
	}

	account, err := store.GetAccount(context.Background(), *name)
	store.Close()

	if err != nil {
		logger.Error("Failed to load account", slog.Any("error", err))
		os.Exit(1)
	}

	if account.Role != models.RoleMaster {
		logger.Error("Account is not a master", slog.String("role", string(account.Role)))
		os.Exit(1)
	}

	if !account.Enabled {
		logger.Error("Account is disabled", slog.String("account", *name))
		os.Exit(1)
	}

	hubAddr := account.HubAddr
	if hubAddr == "" {
		hubAddr = cfg.HubAddr
	}

	hub := bus.NewHub(logger)
	if err := hub.Start(hubAddr); err != nil {
		logger.Error("Failed to start hub", slog.Any("error", err))
		os.Exit(1)
	}

	node := master.New(account, hub, master.Options{
		PollInterval:   cfg.PollInterval,
		ReconnectDelay: cfg.ReconnectDelay,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Run(ctx); err != nil {
		logger.Error("Master node failed", slog.Any("error", err))
		hub.Stop(context.Background())
		os.Exit(1)
	}

	if err := hub.Stop(context.Background()); err != nil {
		logger.Error("Hub shutdown error", slog.Any("error", err))
	}
}
