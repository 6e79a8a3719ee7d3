// Package master - signal generator. Опрашивает терминал своего аккаунта
// и публикует изменения позиций как trade события.
package master

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"prop_copier/internal/broker"
	"prop_copier/internal/models"

	"github.com/google/uuid"
)

// State - состояние master ноды
type State string

const (
	StateInit         State = "INIT"
	StateConnected    State = "CONNECTED"
	StatePolling      State = "POLLING"
	StateShuttingDown State = "SHUTTING_DOWN"
	StateStopped      State = "STOPPED"
)

// Publisher - publish endpoint шины (см. пакет bus)
type Publisher interface {
	Publish(event models.TradeEvent)
}

// Options - параметры поведения ноды
type Options struct {
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	// Dial переопределяет способ подключения к терминалу (для тестов).
	// По умолчанию broker.Connect.
	Dial broker.Dialer
}

// Node сравнивает снапшоты открытых позиций между циклами опроса
// и превращает разницу в события: новый тикет - OPEN, пропавший - CLOSE,
// изменившийся SL/TP - MODIFY.
type Node struct {
	account models.Account
	pub     Publisher
	logger  *slog.Logger
	opts    Options

	session broker.Session
	prev    map[int64]broker.Position
	seq     uint64
	state   State
}

func New(account models.Account, pub Publisher, opts Options, logger *slog.Logger) *Node {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}

	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}

	if opts.Dial == nil {
		opts.Dial = broker.Connect
	}

	return &Node{
		account: account,
		pub:     pub,
		logger:  logger,
		opts:    opts,
		state:   StateInit,
	}
}

// Run выполняет цикл опроса до отмены ctx
func (n *Node) Run(ctx context.Context) error {
	if err := n.connect(ctx); err != nil {
		return err
	}

	if err := n.loadSnapshot(ctx); err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}

	n.setState(StatePolling)

	ticker := time.NewTicker(n.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return nil

		case <-ticker.C:
			if err := n.poll(ctx); err != nil {
				if ctx.Err() != nil {
					n.shutdown()
					return nil
				}

				n.logger.Error("Poll failed, reconnecting",
					slog.String("account", n.account.Name),
					slog.Any("error", err))

				if err := n.reconnect(ctx); err != nil {
					n.shutdown()
					return nil
				}
			}
		}
	}
}

// connect подключается к терминалу, повторяя попытки до успеха или отмены ctx
func (n *Node) connect(ctx context.Context) error {
	for {
		session, err := n.opts.Dial(ctx, n.account.ConnectionPath, n.logger)
		if err == nil {
			n.session = session
			n.setState(StateConnected)
			n.logger.Info("✅ Terminal connected",
				slog.String("account", n.account.Name),
				slog.String("path", n.account.ConnectionPath))

			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		n.logger.Warn("Terminal unreachable, retrying",
			slog.String("account", n.account.Name),
			slog.Duration("delay", n.opts.ReconnectDelay),
			slog.Any("error", err))

		timer := time.NewTimer(n.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reconnect восстанавливает соединение и берет свежий снапшот.
// Позиции, открытые и закрытые целиком во время разрыва, не сигналятся -
// мы возобновляем диффинг от текущего состояния терминала.
func (n *Node) reconnect(ctx context.Context) error {
	if n.session != nil {
		n.session.Close()
		n.session = nil
	}

	if err := n.connect(ctx); err != nil {
		return err
	}

	if err := n.loadSnapshot(ctx); err != nil {
		return err
	}

	n.setState(StatePolling)

	return nil
}

func (n *Node) loadSnapshot(ctx context.Context) error {
	positions, err := n.session.ListOpenPositions(ctx)
	if err != nil {
		return err
	}

	n.prev = indexByTicket(positions)

	n.logger.Info("📊 Positions snapshot loaded",
		slog.String("account", n.account.Name),
		slog.Int("count", len(n.prev)))

	return nil
}

// poll - один цикл: снапшот, дифф, публикация, замена снапшота
func (n *Node) poll(ctx context.Context) error {
	positions, err := n.session.ListOpenPositions(ctx)
	if err != nil {
		return err
	}

	current := indexByTicket(positions)

	// Сортируем тикеты чтобы порядок публикации был стабильным
	for _, ticket := range sortedTickets(current) {
		pos := current[ticket]

		prev, known := n.prev[ticket]
		if !known {
			n.publishOpen(pos)
			continue
		}

		if prev.StopLoss != pos.StopLoss || prev.TakeProfit != pos.TakeProfit {
			n.publishModify(pos)
		}
	}

	for _, ticket := range sortedTickets(n.prev) {
		if _, still := current[ticket]; !still {
			n.publishClose(n.prev[ticket])
		}
	}

	n.prev = current

	return nil
}

func (n *Node) publishOpen(pos broker.Position) {
	n.publish(models.TradeEvent{
		MasterTicket: pos.Ticket,
		Symbol:       pos.Symbol,
		Direction:    pos.Direction,
		Action:       models.ActionOpen,
		Volume:       pos.Volume,
		Price:        pos.OpenPrice,
		StopLoss:     pos.StopLoss,
		TakeProfit:   pos.TakeProfit,
	})

	n.logger.Info("📈 OPEN signal",
		slog.Int64("ticket", pos.Ticket),
		slog.String("symbol", pos.Symbol),
		slog.String("direction", string(pos.Direction)),
		slog.Float64("volume", pos.Volume),
		slog.Float64("price", pos.OpenPrice))
}

func (n *Node) publishClose(pos broker.Position) {
	n.publish(models.TradeEvent{
		MasterTicket: pos.Ticket,
		Symbol:       pos.Symbol,
		Direction:    pos.Direction,
		Action:       models.ActionClose,
	})

	n.logger.Info("📉 CLOSE signal",
		slog.Int64("ticket", pos.Ticket),
		slog.String("symbol", pos.Symbol))
}

func (n *Node) publishModify(pos broker.Position) {
	n.publish(models.TradeEvent{
		MasterTicket: pos.Ticket,
		Symbol:       pos.Symbol,
		Direction:    pos.Direction,
		Action:       models.ActionModify,
		StopLoss:     pos.StopLoss,
		TakeProfit:   pos.TakeProfit,
	})

	n.logger.Info("🛠 MODIFY signal",
		slog.Int64("ticket", pos.Ticket),
		slog.String("symbol", pos.Symbol),
		slog.Float64("stopLoss", pos.StopLoss),
		slog.Float64("takeProfit", pos.TakeProfit))
}

func (n *Node) publish(event models.TradeEvent) {
	n.seq++
	event.ID = uuid.NewString()
	event.Master = n.account.Name
	event.Seq = n.seq
	event.Timestamp = time.Now().UTC()

	n.pub.Publish(event)
}

func (n *Node) shutdown() {
	n.setState(StateShuttingDown)

	if n.session != nil {
		n.session.Close()
		n.session = nil
	}

	n.setState(StateStopped)
	n.logger.Info("Master node stopped", slog.String("account", n.account.Name))
}

func (n *Node) setState(state State) {
	n.state = state
	n.logger.Debug("State changed",
		slog.String("account", n.account.Name),
		slog.String("state", string(state)))
}

func indexByTicket(positions []broker.Position) map[int64]broker.Position {
	index := make(map[int64]broker.Position, len(positions))
	for _, pos := range positions {
		index[pos.Ticket] = pos
	}

	return index
}

func sortedTickets(positions map[int64]broker.Position) []int64 {
	tickets := make([]int64, 0, len(positions))
	for ticket := range positions {
		tickets = append(tickets, ticket)
	}

	slices.Sort(tickets)

	return tickets
}
