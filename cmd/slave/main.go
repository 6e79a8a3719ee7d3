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

	"prop_copier/internal/broker"
	"prop_copier/internal/bus"
	"prop_copier/internal/config"
	"prop_copier/internal/logging"
	"prop_copier/internal/models"
	"prop_copier/internal/notify"
	"prop_copier/internal/slave"
	"prop_copier/internal/storage"

	"golang.org/x/sync/errgroup"

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

	logger, closeLog, err := logging.New(filepath.Join(logDir, fmt.Sprintf("slave_%s.log", *name)))
	if err != nil {
		log.Fatal("Failed to open log file:", err)
	}
	defer closeLog()

	logger.Info("=== Copy Trading Slave Node ===", slog.String("account", *name))

	cfg := config.Load(logger)

	store, err := storage.New(cfg.DBPath, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	account, err := store.GetAccount(ctx, *name)
	if err != nil {
		logger.Error("Failed to load account", slog.Any("error", err))
		os.Exit(1)
	}

	if account.Role != models.RoleSlave {
		logger.Error("Account is not a slave", slog.String("role", string(account.Role)))
		os.Exit(1)
	}

	if !account.Enabled {
		logger.Error("Account is disabled", slog.String("account", *name))
		os.Exit(1)
	}

	session, err := broker.Connect(ctx, account.ConnectionPath, logger)
	if err != nil {
		logger.Error("Failed to connect to terminal", slog.Any("error", err))
		os.Exit(1)
	}
	defer session.Close()

	notifier := notify.New(cfg.TelegramToken, cfg.TelegramChatID, logger)

	node := slave.New(account, session, store, notifier, slave.Options{
		DryRun: cfg.DryRun,
	}, logger)

	hubs := account.Hubs
	if len(hubs) == 0 {
		hubs = []string{cfg.HubAddr}
	}

	// Все подписки сливаются в одну очередь: события обрабатываются
	// строго последовательно независимо от числа hub'ов
	events := make(chan models.TradeEvent, 64)

	group, groupCtx := errgroup.WithContext(ctx)

	for _, hubAddr := range hubs {
		subscriber := bus.NewSubscriber(hubAddr, cfg.ReconnectDelay, logger)

		group.Go(func() error {
			return subscriber.Run(groupCtx, events)
		})
	}

	group.Go(func() error {
		return node.Run(groupCtx, events)
	})

	if err := group.Wait(); err != nil {
		logger.Error("Slave node failed", slog.Any("error", err))
		os.Exit(1)
	}
}
