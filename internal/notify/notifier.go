// Package notify отправляет Telegram уведомления о событиях копирования.
// Отказ уведомления никогда не влияет на торговлю.
package notify

import (
	"fmt"
	"log/slog"

	"prop_copier/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier шлет сообщения в один Telegram чат. Без token/chatID
// превращается в no-op.
type Notifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	logger  *slog.Logger
	enabled bool
}

func New(token string, chatID int64, logger *slog.Logger) *Notifier {
	if token == "" || chatID == 0 {
		logger.Info("Telegram notifications disabled (no token/chat_id)")
		return &Notifier{logger: logger}
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Warn("⚠️ Failed to init Telegram bot, notifications disabled",
			slog.Any("error", err))

		return &Notifier{logger: logger}
	}

	logger.Info("✅ Telegram notifications enabled",
		slog.String("bot", bot.Self.UserName))

	return &Notifier{
		bot:     bot,
		chatID:  chatID,
		logger:  logger,
		enabled: true,
	}
}

// TradeCopied уведомляет об успешно скопированном событии
func (n *Notifier) TradeCopied(slaveName string, event models.TradeEvent, slaveTicket int64) {
	switch event.Action {
	case models.ActionOpen:
		n.send(fmt.Sprintf("✅ %s: %s %.2f %s @ %.5f (master %d → slave %d)",
			slaveName, event.Direction, event.Volume, event.Symbol, event.Price,
			event.MasterTicket, slaveTicket))
	case models.ActionClose:
		n.send(fmt.Sprintf("✅ %s: closed %s (master %d → slave %d)",
			slaveName, event.Symbol, event.MasterTicket, slaveTicket))
	default:
	}
}

// TradeRejected уведомляет об отклоненном событии (slippage, отказ брокера)
func (n *Notifier) TradeRejected(slaveName string, event models.TradeEvent, reason string) {
	n.send(fmt.Sprintf("❌ %s: %s %s rejected - %s",
		slaveName, event.Action, event.Symbol, reason))
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Warn("Failed to send Telegram notification", slog.Any("error", err))
	}
}
