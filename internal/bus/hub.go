// Package bus - publish/subscribe транспорт для trade событий.
// Hub-and-spoke: один hub на master аккаунт, произвольное число подписчиков.
// Доставка at-most-once: подписчик, не подключенный в момент публикации,
// событие не получит.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"prop_copier/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	// Буфер исходящих сообщений на подписчика. Переполнение означает,
	// что подписчик безнадежно отстал - такое соединение сбрасывается.
	subscriberBuffer = 256

	writeTimeout = 5 * time.Second
	pongTimeout  = 40 * time.Second
)

// Hub - publisher endpoint. Принимает websocket подписки и рассылает
// опубликованные события всем подключенным подписчикам.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	srv      *http.Server
	ln       net.Listener

	mu   sync.RWMutex
	subs map[string]*subscriberConn

	lastSeq   atomic.Uint64
	published atomic.Uint64
}

type subscriberConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		subs: make(map[string]*subscriberConn),
	}
}

// Start начинает слушать addr. Не блокирует.
func (h *Hub) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	h.ln = ln

	router := mux.NewRouter()
	router.HandleFunc("/ws", h.handleWS)
	router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)

	h.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("Hub server error", slog.Any("error", err))
		}
	}()

	h.logger.Info("🚀 Hub started", slog.String("addr", ln.Addr().String()))

	return nil
}

// Addr возвращает фактический адрес hub'а (полезно при addr ":0")
func (h *Hub) Addr() string {
	if h.ln == nil {
		return ""
	}

	return h.ln.Addr().String()
}

// Publish рассылает событие всем текущим подписчикам. Не блокирует:
// возвращает управление сразу после передачи в транспорт.
func (h *Hub) Publish(event models.TradeEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", slog.Any("error", err))
		return
	}

	h.lastSeq.Store(event.Seq)
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.send <- payload:
		case <-sub.done:
		default:
			// Подписчик не разгребает очередь - отключаем, пусть переподключится
			h.logger.Warn("⚠️ Subscriber too slow, dropping connection",
				slog.String("subscriber", sub.id))
			sub.close()
		}
	}
}

// SubscriberCount возвращает число подключенных подписчиков
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}

// Stop останавливает сервер и закрывает все подписки
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	for _, sub := range h.subs {
		sub.close()
	}
	h.subs = make(map[string]*subscriberConn)
	h.mu.Unlock()

	if h.srv == nil {
		return nil
	}

	return h.srv.Shutdown(ctx)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", slog.Any("error", err))
		return
	}

	sub := &subscriberConn{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, subscriberBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	h.logger.Info("✅ Subscriber connected",
		slog.String("subscriber", sub.id),
		slog.String("remote", conn.RemoteAddr().String()))

	go h.writeLoop(sub)
	go h.readLoop(sub)
}

func (h *Hub) writeLoop(sub *subscriberConn) {
	defer h.unregister(sub)

	for {
		select {
		case <-sub.done:
			return
		case payload := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debug("Subscriber write error",
					slog.String("subscriber", sub.id),
					slog.Any("error", err))
				return
			}
		}
	}
}

// readLoop следит за входящими control фреймами (ping/close) подписчика
func (h *Hub) readLoop(sub *subscriberConn) {
	defer h.unregister(sub)

	sub.conn.SetReadLimit(512)
	sub.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	sub.conn.SetPingHandler(func(appData string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		// WriteControl безопасен параллельно с writeLoop, WriteMessage - нет
		return sub.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) unregister(sub *subscriberConn) {
	h.mu.Lock()
	_, present := h.subs[sub.id]
	delete(h.subs, sub.id)
	h.mu.Unlock()

	sub.close()

	if present {
		h.logger.Info("Subscriber disconnected", slog.String("subscriber", sub.id))
	}
}

func (sub *subscriberConn) close() {
	sub.once.Do(func() {
		close(sub.done)
		sub.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		sub.conn.Close()
	})
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(map[string]any{
		"subscribers": h.SubscriberCount(),
		"published":   h.published.Load(),
		"lastSeq":     h.lastSeq.Load(),
	})
}
