package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config содержит конфигурацию процесса
type Config struct {
	DBPath         string
	HubAddr        string        // адрес hub'а по умолчанию (bind для master, подписка для slave)
	PollInterval   time.Duration // интервал опроса терминала master'ом
	ReconnectDelay time.Duration // задержка переподключения (терминал и hub)
	DryRun         bool          // только логирование, без реальных сделок
	LogDir         string

	// Telegram уведомления (опционально)
	TelegramToken  string
	TelegramChatID int64

	// Бинарники нод для launcher'а
	MasterBin string
	SlaveBin  string
}

// Load загружает конфигурацию из переменных окружения
func Load(logger *slog.Logger) *Config {
	dbPath := getenv("DB_PATH", "./copier.db")
	hubAddr := getenv("HUB_ADDR", "127.0.0.1:5555")
	logDir := getenv("LOG_DIR", ".")

	pollMs := getenvInt(logger, "POLL_INTERVAL_MS", 100)
	reconnectS := getenvInt(logger, "RECONNECT_DELAY_S", 5)

	// Проверяем DRY_RUN флаг (по умолчанию true для безопасности)
	dryRun := true
	if os.Getenv("DRY_RUN") == "false" {
		dryRun = false

		logger.Warn("⚠️  DRY_RUN disabled - REAL TRADES WILL BE EXECUTED!")
	} else {
		logger.Info("🔍 DRY_RUN enabled - only logging, no real trades")
	}

	var chatID int64
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			logger.Warn("⚠️  Invalid TELEGRAM_CHAT_ID, notifications disabled",
				slog.String("value", raw))
		} else {
			chatID = parsed
		}
	}

	return &Config{
		DBPath:         dbPath,
		HubAddr:        hubAddr,
		PollInterval:   time.Duration(pollMs) * time.Millisecond,
		ReconnectDelay: time.Duration(reconnectS) * time.Second,
		DryRun:         dryRun,
		LogDir:         logDir,
		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: chatID,
		MasterBin:      getenv("MASTER_BIN", "./master"),
		SlaveBin:       getenv("SLAVE_BIN", "./slave"),
	}
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}

func getenvInt(logger *slog.Logger, key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("⚠️  Invalid env value, using default",
			slog.String("key", key),
			slog.String("value", raw),
			slog.Int("default", fallback))

		return fallback
	}

	return value
}
