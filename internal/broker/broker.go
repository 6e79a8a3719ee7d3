// Package broker определяет границу с торговым терминалом.
// Каждый процесс держит ровно одно соединение с терминалом своего аккаунта.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"prop_copier/internal/models"
)

// Position - открытая позиция на терминале
type Position struct {
	Ticket     int64
	Symbol     string
	Direction  models.Direction
	Volume     float64
	OpenPrice  float64
	StopLoss   float64
	TakeProfit float64
	OpenTime   time.Time
}

// Quote - текущие цены инструмента
type Quote struct {
	Bid       float64
	Ask       float64
	PointSize float64
}

// OrderRequest - запрос на market ордер
type OrderRequest struct {
	Symbol     string
	Direction  models.Direction
	Volume     float64
	StopLoss   float64
	TakeProfit float64
	Tag        string // метка для ручного аудита, формат copy:<masterTicket>
}

// Session - соединение с терминалом. Все вызовы блокирующие,
// завершаются либо результатом, либо ошибкой до обработки следующего события.
type Session interface {
	ListOpenPositions(ctx context.Context) ([]Position, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	SubmitMarketOrder(ctx context.Context, req OrderRequest) (int64, error)
	ClosePosition(ctx context.Context, ticket int64) error
	ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error
	Close() error
}

// Dialer открывает Session по connection path аккаунта
type Dialer func(ctx context.Context, path string, logger *slog.Logger) (Session, error)

var (
	dialersMu sync.RWMutex
	dialers   = map[string]Dialer{}
)

// Register регистрирует Dialer для схемы connection path (например "sim").
// Вызывается из init() пакета реализации.
func Register(scheme string, dialer Dialer) {
	dialersMu.Lock()
	defer dialersMu.Unlock()

	dialers[scheme] = dialer
}

// Connect открывает Session по connection path вида scheme://rest.
func Connect(ctx context.Context, path string, logger *slog.Logger) (Session, error) {
	scheme, _, ok := strings.Cut(path, "://")
	if !ok {
		return nil, fmt.Errorf("invalid connection path %q", path)
	}

	dialersMu.RLock()
	dialer, found := dialers[scheme]
	dialersMu.RUnlock()

	if !found {
		return nil, fmt.Errorf("no terminal driver registered for scheme %q", scheme)
	}

	return dialer(ctx, path, logger)
}
