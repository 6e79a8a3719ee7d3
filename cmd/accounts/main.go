// Утилита управления конфигурацией аккаунтов: импорт из yaml файла,
// просмотр конфигурации и открытых связок (ручная сверка с брокером).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"prop_copier/internal/config"
	"prop_copier/internal/logging"
	"prop_copier/internal/models"
	"prop_copier/internal/storage"

	"gopkg.in/yaml.v3"
)

func main() {
	importPath := flag.String("import", "", "import accounts from yaml file")
	list := flag.Bool("list", false, "list configured accounts")
	openFor := flag.String("open", "", "list open trade mappings for slave account")
	flag.Parse()

	logDir := os.Getenv("LOG_DIR")
	if logDir == "" {
		logDir = "."
	}

	logger, closeLog, err := logging.New(filepath.Join(logDir, "accounts.log"))
	if err != nil {
		log.Fatal("Failed to open log file:", err)
	}
	defer closeLog()

	cfg := config.Load(logger)

	store, err := storage.New(cfg.DBPath, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	switch {
	case *importPath != "":
		if err := importAccounts(ctx, store, *importPath, logger); err != nil {
			logger.Error("Import failed", slog.Any("error", err))
			os.Exit(1)
		}

	case *list:
		if err := listAccounts(ctx, store); err != nil {
			logger.Error("List failed", slog.Any("error", err))
			os.Exit(1)
		}

	case *openFor != "":
		if err := listOpenMappings(ctx, store, *openFor); err != nil {
			logger.Error("List failed", slog.Any("error", err))
			os.Exit(1)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func importAccounts(ctx context.Context, store *storage.Store, path string, logger *slog.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var file struct {
		Accounts []models.Account `yaml:"accounts"`
	}

	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for _, acc := range file.Accounts {
		if acc.Name == "" {
			return fmt.Errorf("account without name in %s", path)
		}

		if acc.Role != models.RoleMaster && acc.Role != models.RoleSlave {
			return fmt.Errorf("account %s: invalid role %q", acc.Name, acc.Role)
		}

		if err := store.UpsertAccount(ctx, acc); err != nil {
			return err
		}
	}

	logger.Info("✅ Accounts imported", slog.Int("count", len(file.Accounts)))

	return nil
}

func listAccounts(ctx context.Context, store *storage.Store) error {
	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		return err
	}

	for _, acc := range accounts {
		state := "enabled"
		if !acc.Enabled {
			state = "disabled"
		}

		fmt.Printf("%-20s %-7s %-9s %s\n", acc.Name, acc.Role, state, acc.ConnectionPath)
	}

	return nil
}

func listOpenMappings(ctx context.Context, store *storage.Store, slaveName string) error {
	mappings, err := store.ListOpenMappings(ctx, slaveName)
	if err != nil {
		return err
	}

	for _, m := range mappings {
		fmt.Printf("master=%d slave=%d %-12s %-4s opened=%s\n",
			m.MasterTicket, m.SlaveTicket, m.Symbol, m.Direction,
			m.OpenTime.Format("2006-01-02 15:04:05"))
	}

	fmt.Printf("%d open mapping(s)\n", len(mappings))

	return nil
}
