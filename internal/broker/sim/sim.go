// Package sim - симулятор торгового терминала.
// Используется в тестах и для прогона системы без реального брокера
// (connection path вида sim://<label>).
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"prop_copier/internal/broker"
	"prop_copier/internal/models"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrUnknownSymbol    = errors.New("unknown symbol")
	ErrTerminalClosed   = errors.New("terminal closed")
)

func init() {
	broker.Register("sim", dial)
}

func dial(_ context.Context, path string, logger *slog.Logger) (broker.Session, error) {
	return New(path, logger), nil
}

// Terminal - in-memory реализация broker.Session.
type Terminal struct {
	mu         sync.Mutex
	label      string
	logger     *slog.Logger
	nextTicket int64
	positions  map[int64]broker.Position
	quotes     map[string]broker.Quote
	submitErr  error
	closed     bool
}

func New(label string, logger *slog.Logger) *Terminal {
	return &Terminal{
		label:      label,
		logger:     logger,
		nextTicket: 1000,
		positions:  make(map[int64]broker.Position),
		quotes:     make(map[string]broker.Quote),
	}
}

// SetQuote задаёт текущую котировку символа.
func (t *Terminal) SetQuote(symbol string, quote broker.Quote) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.quotes[symbol] = quote
}

// OpenExternal открывает позицию "вручную", минуя SubmitMarketOrder.
// Так симулируются сделки, совершённые в самом терминале master аккаунта.
func (t *Terminal) OpenExternal(symbol string, direction models.Direction, volume, price, stopLoss, takeProfit float64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextTicket++
	t.positions[t.nextTicket] = broker.Position{
		Ticket:     t.nextTicket,
		Symbol:     symbol,
		Direction:  direction,
		Volume:     volume,
		OpenPrice:  price,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		OpenTime:   time.Now().UTC(),
	}

	return t.nextTicket
}

// CloseExternal закрывает позицию "вручную" со стороны терминала.
func (t *Terminal) CloseExternal(ticket int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.positions, ticket)
}

// SetStopLevels меняет SL/TP позиции со стороны терминала.
func (t *Terminal) SetStopLevels(ticket int64, stopLoss, takeProfit float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[ticket]
	if !ok {
		return
	}

	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	t.positions[ticket] = pos
}

// FailSubmits заставляет последующие SubmitMarketOrder возвращать err.
// nil снимает инъекцию.
func (t *Terminal) FailSubmits(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.submitErr = err
}

// PositionCount возвращает число открытых позиций.
func (t *Terminal) PositionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.positions)
}

func (t *Terminal) ListOpenPositions(ctx context.Context) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTerminalClosed
	}

	positions := make([]broker.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		positions = append(positions, pos)
	}

	return positions, nil
}

func (t *Terminal) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	if err := ctx.Err(); err != nil {
		return broker.Quote{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return broker.Quote{}, ErrTerminalClosed
	}

	quote, ok := t.quotes[symbol]
	if !ok {
		return broker.Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	return quote, nil
}

func (t *Terminal) SubmitMarketOrder(ctx context.Context, req broker.OrderRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrTerminalClosed
	}

	if t.submitErr != nil {
		return 0, t.submitErr
	}

	quote, ok := t.quotes[req.Symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, req.Symbol)
	}

	fillPrice := quote.Ask
	if req.Direction == models.Sell {
		fillPrice = quote.Bid
	}

	t.nextTicket++
	t.positions[t.nextTicket] = broker.Position{
		Ticket:     t.nextTicket,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Volume:     req.Volume,
		OpenPrice:  fillPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenTime:   time.Now().UTC(),
	}

	if t.logger != nil {
		t.logger.Debug("sim: order filled",
			slog.Int64("ticket", t.nextTicket),
			slog.String("symbol", req.Symbol),
			slog.Float64("price", fillPrice),
			slog.String("tag", req.Tag))
	}

	return t.nextTicket, nil
}

func (t *Terminal) ClosePosition(ctx context.Context, ticket int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTerminalClosed
	}

	if _, ok := t.positions[ticket]; !ok {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, ticket)
	}

	delete(t.positions, ticket)

	return nil
}

func (t *Terminal) ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTerminalClosed
	}

	pos, ok := t.positions[ticket]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, ticket)
	}

	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	t.positions[ticket] = pos

	return nil
}

func (t *Terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true

	return nil
}
