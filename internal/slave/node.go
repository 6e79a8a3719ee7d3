// Package slave - execution engine. Последовательно исполняет trade события
// на своём аккаунте: трансляция символа, проверка slippage, исполнение,
// запись связки тикетов.
package slave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"prop_copier/internal/broker"
	"prop_copier/internal/models"
	"prop_copier/internal/storage"
	"prop_copier/internal/symbols"
)

const defaultQuoteTimeout = 2 * time.Second

// Store - персистентное хранилище trade mappings (см. пакет storage)
type Store interface {
	CreateMapping(ctx context.Context, m models.TradeMapping) error
	GetOpenMapping(ctx context.Context, masterTicket int64, slaveName string) (models.TradeMapping, error)
	CloseMapping(ctx context.Context, masterTicket int64, slaveName string, closeTime time.Time) (bool, error)
}

// Notifier - уведомления об исполненных и отклоненных копиях (см. пакет notify)
type Notifier interface {
	TradeCopied(slaveName string, event models.TradeEvent, slaveTicket int64)
	TradeRejected(slaveName string, event models.TradeEvent, reason string)
}

// Options - параметры поведения ноды
type Options struct {
	DryRun       bool
	QuoteTimeout time.Duration
}

// Node обрабатывает события строго в порядке получения. Медленный брокер
// тормозит очередь - это осознанный tradeoff в пользу корректности.
type Node struct {
	account    models.Account
	session    broker.Session
	store      Store
	translator *symbols.Translator
	notifier   Notifier
	logger     *slog.Logger
	opts       Options

	lastSeq map[string]uint64
}

func New(account models.Account, session broker.Session, store Store, notifier Notifier, opts Options, logger *slog.Logger) *Node {
	if opts.QuoteTimeout <= 0 {
		opts.QuoteTimeout = defaultQuoteTimeout
	}

	return &Node{
		account:    account,
		session:    session,
		store:      store,
		translator: symbols.New(account.SymbolMap, account.Suffix),
		notifier:   notifier,
		logger:     logger,
		opts:       opts,
		lastSeq:    make(map[string]uint64),
	}
}

// Run потребляет события из events до отмены ctx или закрытия канала.
// Возвращает ошибку только при отказе хранилища: без записи связок
// исполнять OPEN небезопасно, процесс должен остановиться.
func (n *Node) Run(ctx context.Context, events <-chan models.TradeEvent) error {
	n.logger.Info("🚀 Slave node started",
		slog.String("account", n.account.Name),
		slog.Int("slippagePoints", n.account.SlippagePoints),
		slog.Bool("dryRun", n.opts.DryRun))

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("Slave node stopped", slog.String("account", n.account.Name))
			return nil

		case event, ok := <-events:
			if !ok {
				return nil
			}

			if err := n.Handle(ctx, event); err != nil {
				n.logger.Error("💥 Store failure, stopping",
					slog.String("account", n.account.Name),
					slog.Int64("masterTicket", event.MasterTicket),
					slog.Any("error", err))

				return err
			}
		}
	}
}

// Handle обрабатывает одно событие. Ошибки брокера и отклонения по slippage
// логируются и не прерывают обработку; ошибка возвращается только при
// недоступности хранилища.
func (n *Node) Handle(ctx context.Context, event models.TradeEvent) error {
	n.trackSeq(event)

	switch event.Action {
	case models.ActionOpen:
		return n.handleOpen(ctx, event)
	case models.ActionClose:
		return n.handleClose(ctx, event)
	case models.ActionModify:
		return n.handleModify(ctx, event)
	default:
		n.logger.Warn("Unknown action",
			slog.String("action", string(event.Action)),
			slog.Int64("masterTicket", event.MasterTicket))

		return nil
	}
}

// trackSeq логирует пропуски в последовательности событий.
// Каждый master нумерует события независимо, счётчик ведется на master.
// Пропущенные события не восстанавливаются (at-most-once шина).
func (n *Node) trackSeq(event models.TradeEvent) {
	last := n.lastSeq[event.Master]

	if last != 0 && event.Seq > last+1 {
		n.logger.Warn("⚠️ Event sequence gap",
			slog.String("account", n.account.Name),
			slog.String("master", event.Master),
			slog.Uint64("expected", last+1),
			slog.Uint64("got", event.Seq))
	}

	if event.Seq > last {
		n.lastSeq[event.Master] = event.Seq
	}
}

func (n *Node) handleOpen(ctx context.Context, event models.TradeEvent) error {
	slaveSymbol := n.translator.Translate(event.Symbol)

	// Redelivery guard: открытая связка уже есть - событие дубликат
	if _, err := n.store.GetOpenMapping(ctx, event.MasterTicket, n.account.Name); err == nil {
		n.logger.Debug("Duplicate OPEN ignored",
			slog.Int64("masterTicket", event.MasterTicket))

		return nil
	} else if !errors.Is(err, storage.ErrMappingNotFound) {
		return fmt.Errorf("mapping lookup: %w", err)
	}

	// Котировка с таймаутом: зависший терминал не должен застопорить очередь
	quoteCtx, cancel := context.WithTimeout(ctx, n.opts.QuoteTimeout)
	quote, err := n.session.GetQuote(quoteCtx, slaveSymbol)
	cancel()

	if err != nil {
		n.reject(event, fmt.Sprintf("quote fetch failed for %s: %v", slaveSymbol, err))
		return nil
	}

	currentPrice := quote.Ask
	if event.Direction == models.Sell {
		currentPrice = quote.Bid
	}

	slippage := math.Abs(currentPrice-event.Price) / quote.PointSize
	if slippage > float64(n.account.SlippagePoints) {
		n.reject(event, fmt.Sprintf("slippage %.1f points exceeds tolerance %d (master %.5f, current %.5f)",
			slippage, n.account.SlippagePoints, event.Price, currentPrice))

		return nil
	}

	if n.opts.DryRun {
		n.logger.Info("DRY_RUN - Would open position",
			slog.String("account", n.account.Name),
			slog.String("symbol", slaveSymbol),
			slog.String("direction", string(event.Direction)),
			slog.Float64("volume", event.Volume))

		return nil
	}

	slaveTicket, err := n.session.SubmitMarketOrder(ctx, broker.OrderRequest{
		Symbol:     slaveSymbol,
		Direction:  event.Direction,
		Volume:     event.Volume,
		StopLoss:   event.StopLoss,
		TakeProfit: event.TakeProfit,
		Tag:        fmt.Sprintf("copy:%d", event.MasterTicket),
	})
	if err != nil {
		n.reject(event, fmt.Sprintf("order rejected: %v", err))
		return nil
	}

	mapping := models.TradeMapping{
		MasterTicket: event.MasterTicket,
		SlaveTicket:  slaveTicket,
		SlaveName:    n.account.Name,
		Symbol:       slaveSymbol,
		Direction:    event.Direction,
		Status:       models.MappingOpen,
		OpenTime:     time.Now().UTC(),
	}

	if err := n.store.CreateMapping(ctx, mapping); err != nil {
		if errors.Is(err, storage.ErrDuplicateMapping) {
			// Гонка redelivery: позиция исполнена, но связка уже записана
			// другой доставкой. Исполненный ордер остается - требует ручного
			// вмешательства, поэтому кричим громко.
			n.logger.Error("🚨 Duplicate mapping after execution, manual review required",
				slog.Int64("masterTicket", event.MasterTicket),
				slog.Int64("slaveTicket", slaveTicket))

			return nil
		}

		return fmt.Errorf("record mapping: %w", err)
	}

	n.logger.Info("✅ OPEN copied",
		slog.String("account", n.account.Name),
		slog.Int64("masterTicket", event.MasterTicket),
		slog.Int64("slaveTicket", slaveTicket),
		slog.String("symbol", slaveSymbol),
		slog.String("direction", string(event.Direction)),
		slog.Float64("volume", event.Volume))

	if n.notifier != nil {
		n.notifier.TradeCopied(n.account.Name, event, slaveTicket)
	}

	return nil
}

func (n *Node) handleClose(ctx context.Context, event models.TradeEvent) error {
	mapping, err := n.store.GetOpenMapping(ctx, event.MasterTicket, n.account.Name)
	if errors.Is(err, storage.ErrMappingNotFound) {
		// Нечего закрывать - уже синхронизированы
		n.logger.Debug("CLOSE without mapping, nothing to do",
			slog.Int64("masterTicket", event.MasterTicket))

		return nil
	} else if err != nil {
		return fmt.Errorf("mapping lookup: %w", err)
	}

	if n.opts.DryRun {
		n.logger.Info("DRY_RUN - Would close position",
			slog.String("account", n.account.Name),
			slog.Int64("slaveTicket", mapping.SlaveTicket))

		return nil
	}

	if err := n.session.ClosePosition(ctx, mapping.SlaveTicket); err != nil {
		n.reject(event, fmt.Sprintf("close rejected for ticket %d: %v", mapping.SlaveTicket, err))
		return nil
	}

	closed, err := n.store.CloseMapping(ctx, event.MasterTicket, n.account.Name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("close mapping: %w", err)
	}

	if !closed {
		n.logger.Warn("Mapping already closed",
			slog.Int64("masterTicket", event.MasterTicket))
	}

	n.logger.Info("✅ CLOSE copied",
		slog.String("account", n.account.Name),
		slog.Int64("masterTicket", event.MasterTicket),
		slog.Int64("slaveTicket", mapping.SlaveTicket),
		slog.String("symbol", mapping.Symbol))

	if n.notifier != nil {
		n.notifier.TradeCopied(n.account.Name, event, mapping.SlaveTicket)
	}

	return nil
}

func (n *Node) handleModify(ctx context.Context, event models.TradeEvent) error {
	mapping, err := n.store.GetOpenMapping(ctx, event.MasterTicket, n.account.Name)
	if errors.Is(err, storage.ErrMappingNotFound) {
		n.logger.Debug("MODIFY without mapping, nothing to do",
			slog.Int64("masterTicket", event.MasterTicket))

		return nil
	} else if err != nil {
		return fmt.Errorf("mapping lookup: %w", err)
	}

	if n.opts.DryRun {
		n.logger.Info("DRY_RUN - Would modify position",
			slog.String("account", n.account.Name),
			slog.Int64("slaveTicket", mapping.SlaveTicket),
			slog.Float64("stopLoss", event.StopLoss),
			slog.Float64("takeProfit", event.TakeProfit))

		return nil
	}

	if err := n.session.ModifyPosition(ctx, mapping.SlaveTicket, event.StopLoss, event.TakeProfit); err != nil {
		n.reject(event, fmt.Sprintf("modify rejected for ticket %d: %v", mapping.SlaveTicket, err))
		return nil
	}

	n.logger.Info("✅ MODIFY copied",
		slog.String("account", n.account.Name),
		slog.Int64("masterTicket", event.MasterTicket),
		slog.Int64("slaveTicket", mapping.SlaveTicket),
		slog.Float64("stopLoss", event.StopLoss),
		slog.Float64("takeProfit", event.TakeProfit))

	return nil
}

// reject логирует отклоненное событие и шлет уведомление. Никаких retry:
// slave просто продолжает обрабатывать следующие события.
func (n *Node) reject(event models.TradeEvent, reason string) {
	n.logger.Warn("❌ Event rejected",
		slog.String("account", n.account.Name),
		slog.Int64("masterTicket", event.MasterTicket),
		slog.String("action", string(event.Action)),
		slog.String("reason", reason))

	if n.notifier != nil {
		n.notifier.TradeRejected(n.account.Name, event, reason)
	}
}
