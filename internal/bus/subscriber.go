package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"prop_copier/internal/models"

	"github.com/gorilla/websocket"
)

const pingInterval = 15 * time.Second

// Subscriber - подключение к одному hub'у. Переподключается сам с фиксированной
// задержкой; события, опубликованные во время разрыва, теряются (at-most-once).
type Subscriber struct {
	url            string
	reconnectDelay time.Duration
	logger         *slog.Logger
}

// NewSubscriber создает подписчика на hub по адресу host:port.
func NewSubscriber(hubAddr string, reconnectDelay time.Duration, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		url:            "ws://" + hubAddr + "/ws",
		reconnectDelay: reconnectDelay,
		logger:         logger,
	}
}

// Run подключается к hub'у и пишет полученные события в out.
// Блокирует до отмены ctx. out не закрывается - им владеет вызывающий.
func (s *Subscriber) Run(ctx context.Context, out chan<- models.TradeEvent) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn("Hub unreachable, retrying",
				slog.String("hub", s.url),
				slog.Duration("delay", s.reconnectDelay),
				slog.Any("error", err))

			if !sleep(ctx, s.reconnectDelay) {
				return nil
			}

			continue
		}

		s.logger.Info("✅ Connected to hub", slog.String("hub", s.url))

		s.consume(ctx, conn, out)

		if ctx.Err() == nil {
			s.logger.Warn("Hub connection lost, reconnecting", slog.String("hub", s.url))
		}
	}
}

// consume читает события из соединения до ошибки или отмены ctx
func (s *Subscriber) consume(ctx context.Context, conn *websocket.Conn, out chan<- models.TradeEvent) {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	go s.keepalive(ctx, conn, done)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("Hub read error", slog.Any("error", err))
			}

			return
		}

		var event models.TradeEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			s.logger.Error("Failed to unmarshal event",
				slog.Any("error", err),
				slog.String("raw", string(payload)))

			continue
		}

		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
}

// keepalive пингует hub и закрывает соединение при отмене ctx,
// чтобы разблокировать ReadMessage
func (s *Subscriber) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// sleep ждет d или отмены ctx. Возвращает false при отмене.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
