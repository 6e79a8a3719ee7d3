package slave

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prop_copier/internal/broker"
	"prop_copier/internal/broker/sim"
	"prop_copier/internal/models"
	"prop_copier/internal/storage"
)

// captureNotifier запоминает уведомления
type captureNotifier struct {
	copied   []int64
	rejected []string
}

func (n *captureNotifier) TradeCopied(_ string, _ models.TradeEvent, slaveTicket int64) {
	n.copied = append(n.copied, slaveTicket)
}

func (n *captureNotifier) TradeRejected(_ string, _ models.TradeEvent, reason string) {
	n.rejected = append(n.rejected, reason)
}

type testEnv struct {
	node     *Node
	terminal *sim.Terminal
	store    *storage.Store
	notifier *captureNotifier
}

func newTestEnv(t *testing.T, acc models.Account) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.New(filepath.Join(t.TempDir(), "copier.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	terminal := sim.New("test", logger)
	notifier := &captureNotifier{}

	return &testEnv{
		node:     New(acc, terminal, store, notifier, Options{}, logger),
		terminal: terminal,
		store:    store,
		notifier: notifier,
	}
}

func slaveAccount() models.Account {
	return models.Account{
		Name:           "slave_ftmo",
		Role:           models.RoleSlave,
		ConnectionPath: "sim://ftmo",
		Enabled:        true,
		SlippagePoints: 50,
	}
}

func openEvent(ticket int64, seq uint64) models.TradeEvent {
	return models.TradeEvent{
		ID:           "evt-open",
		Seq:          seq,
		MasterTicket: ticket,
		Symbol:       "EURUSD",
		Direction:    models.Buy,
		Action:       models.ActionOpen,
		Volume:       1.0,
		Price:        1.1000,
		Timestamp:    time.Now().UTC(),
	}
}

func TestOpenWithinSlippage(t *testing.T) {
	env := newTestEnv(t, slaveAccount())
	ctx := context.Background()

	// 49 points от цены master - в пределах tolerance 50
	env.terminal.SetQuote("EURUSD", broker.Quote{Bid: 1.1047, Ask: 1.1049, PointSize: 0.0001})

	require.NoError(t, env.node.Handle(ctx, openEvent(100, 1)))

	assert.Equal(t, 1, env.terminal.PositionCount())
	require.Len(t, env.notifier.copied, 1)

	mapping, err := env.store.GetOpenMapping(ctx, 100, "slave_ftmo")
	require.NoError(t, err)
	assert.Equal(t, env.notifier.copied[0], mapping.SlaveTicket)
	assert.Equal(t, "EURUSD", mapping.Symbol)
	assert.Equal(t, models.Buy, mapping.Direction)
}

func TestOpenRejectedOnSlippage(t *testing.T) {
	env := newTestEnv(t, slaveAccount())
	ctx := context.Background()

	// 51 point - за пределами tolerance 50
	env.terminal.SetQuote("EURUSD", broker.Quote{Bid: 1.1049, Ask: 1.1051, PointSize: 0.0001})

	require.NoError(t, env.node.Handle(ctx, openEvent(100, 1)))

	assert.Equal(t, 0, env.terminal.PositionCount())
	require.Len(t, env.notifier.rejected, 1)
	assert.Contains(t, env.notifier.rejected[0], "slippage")

	_, err := env.store.GetOpenMapping(ctx, 100, "slave_ftmo")
	assert.ErrorIs(t, err, storage.ErrMappingNotFound)
}

func TestOpenSellUsesBid(t *testing.T) {
	env := newTestEnv(t, slaveAccount())
	ctx := context.Background()

	// Ask далеко от цены master, Bid в пределах - SELL должен пройти
	env.terminal.SetQuote("EURUSD", broker.Quote{Bid: 1.1040, Ask: 1.1100, PointSize: 0.0001})

	event := openEvent(100, 1)
	event.Direction = models.Sell
	require.NoError(t, env.node.Handle(ctx, event))

	assert.Equal(t, 1, env.terminal.PositionCount())
	assert.Empty(t, env.notifier.rejected)
}

func TestOpenQuoteFailureRejects(t *testing.T) {
	env := newTestEnv(t, slaveAccount())
	ctx := context.Background()

	// котировки нет - событие отклоняется, очередь живет дальше
	require.NoError(t, env.node.Handle(ctx, openEvent(100, 1)))

	assert.Equal(t, 0, env.terminal.PositionCount())
	require.Len(t, env.notifier.rejected, 1)
	assert.Contains(t, env.notifier.rejected[0], "quote fetch failed")
}

func TestOpenOrderRejectedContinues(t *testing.T) {
	env := newTestEnv(t, slaveAccount())
	ctx := context.Background()

	env.terminal.SetQuote("EURUSD", broker.Quote{Bid: 1.1000, Ask: 1.1002, PointSize: 0.0001})
	env.terminal.FailSubmits(assert.AnError)

	require.NoError(t, env.node.Handle(ctx, openEvent(100, 1)))

	require.Len(t, env.notifier.rejected, 1)
	assert.Contains(t, env.notifier.rejected[0], "order rejected")

	_, err := env.store.GetOpenMapping(ctx, 100, "slave_ftmo")
	assert.ErrorIs(t, err, storage.ErrMappingNotFound)
}

func TestDuplicateOpenIgnored(t *testing.T) {
	env := newTestEnv(t, slaveAccount())
	ctx := context.Background()

	env.terminal.SetQuote("EURUSD", broker.Quote{Bid: 1.1000, Ask: 1.1002, PointSize: 0.0001})

	require.NoError(t, env.node.Handle(ctx, openEvent(100, 1)))
	require.NoError(t, env.node.Handle(ctx, openEvent(100, 2)))

	// вторая доставка не открывает вторую позицию
	assert.Equal(t, 1, env.terminal.PositionCount())
	assert.Len(t, env.notifier.copied, 1)
}

func TestCloseWithoutMappingIsNoop(t *testing.T) {
	env := newTestEnv(t, slaveAccount())
	ctx := context.Background()

	event := models.TradeEvent{
		Seq:          1,
		MasterTicket: 999,
		Symbol:       "EURUSD",
		Direction:    models.Buy,
		Action:       models.ActionClose,
	}
	require.NoError(t, env.node.Handle(ctx, event))

	assert.Equal(t, 0, env.terminal.PositionCount())
	assert.Empty(t, env.notifier.rejected)
	assert.Empty(t, env.notifier.copied)
}

func TestOpenThenClose(t *testing.T) {
	env := newTestEnv(t, slaveAccount())
	ctx := context.Background()

	env.terminal.SetQuote("EURUSD", broker.Quote{Bid: 1.1000, Ask: 1.1002, PointSize: 0.0001})

	require.NoError(t, env.node.Handle(ctx, openEvent(100, 1)))
	require.Equal(t, 1, env.terminal.PositionCount())

	closeEvent := models.TradeEvent{
		Seq:          2,
		MasterTicket: 100,
		Symbol:       "EURUSD",
		Direction:    models.Buy,
		Action:       models.ActionClose,
	}
	require.NoError(t, env.node.Handle(ctx, closeEvent))

	assert.Equal(t, 0, env.terminal.PositionCount())

	_, err := env.store.GetOpenMapping(ctx, 100, "slave_ftmo")
	assert.ErrorIs(t, err, storage.ErrMappingNotFound)
}

func TestReopenAfterClose(t *testing.T) {
	env := newTestEnv(t, slaveAccount())
	ctx := context.Background()

	env.terminal.SetQuote("EURUSD", broker.Quote{Bid: 1.1000, Ask: 1.1002, PointSize: 0.0001})

	require.NoError(t, env.node.Handle(ctx, openEvent(100, 1)))
	require.NoError(t, env.node.Handle(ctx, models.TradeEvent{
		Seq: 2, MasterTicket: 100, Symbol: "EURUSD", Direction: models.Buy, Action: models.ActionClose,
	}))

	// master переиспользовал тикет - новая независимая связка
	require.NoError(t, env.node.Handle(ctx, openEvent(100, 3)))

	assert.Equal(t, 1, env.terminal.PositionCount())

	mapping, err := env.store.GetOpenMapping(ctx, 100, "slave_ftmo")
	require.NoError(t, err)
	assert.Equal(t, models.MappingOpen, mapping.Status)
}

func TestModify(t *testing.T) {
	env := newTestEnv(t, slaveAccount())
	ctx := context.Background()

	env.terminal.SetQuote("EURUSD", broker.Quote{Bid: 1.1000, Ask: 1.1002, PointSize: 0.0001})
	require.NoError(t, env.node.Handle(ctx, openEvent(100, 1)))

	modify := models.TradeEvent{
		Seq:          2,
		MasterTicket: 100,
		Symbol:       "EURUSD",
		Direction:    models.Buy,
		Action:       models.ActionModify,
		StopLoss:     1.0950,
		TakeProfit:   1.1150,
	}
	require.NoError(t, env.node.Handle(ctx, modify))

	positions, err := env.terminal.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 1.0950, positions[0].StopLoss)
	assert.Equal(t, 1.1150, positions[0].TakeProfit)
}

func TestModifyWithoutMappingIsNoop(t *testing.T) {
	env := newTestEnv(t, slaveAccount())
	ctx := context.Background()

	require.NoError(t, env.node.Handle(ctx, models.TradeEvent{
		Seq: 1, MasterTicket: 42, Symbol: "EURUSD", Action: models.ActionModify, StopLoss: 1.0,
	}))

	assert.Empty(t, env.notifier.rejected)
}

func TestDryRunSkipsExecution(t *testing.T) {
	acc := slaveAccount()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.New(filepath.Join(t.TempDir(), "copier.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	terminal := sim.New("test", logger)
	terminal.SetQuote("EURUSD", broker.Quote{Bid: 1.1000, Ask: 1.1002, PointSize: 0.0001})

	node := New(acc, terminal, store, nil, Options{DryRun: true}, logger)
	ctx := context.Background()

	require.NoError(t, node.Handle(ctx, openEvent(100, 1)))

	assert.Equal(t, 0, terminal.PositionCount())

	_, err = store.GetOpenMapping(ctx, 100, "slave_ftmo")
	assert.ErrorIs(t, err, storage.ErrMappingNotFound)
}

func TestSymbolTranslationEndToEnd(t *testing.T) {
	acc := slaveAccount()
	acc.SymbolMap = map[string]string{"XAUUSD": "GOLD"}
	env := newTestEnv(t, acc)
	ctx := context.Background()

	env.terminal.SetQuote("GOLD", broker.Quote{Bid: 2399.5, Ask: 2400.5, PointSize: 0.01})

	event := models.TradeEvent{
		Seq:          1,
		MasterTicket: 100,
		Symbol:       "XAUUSD",
		Direction:    models.Buy,
		Action:       models.ActionOpen,
		Volume:       0.5,
		Price:        2400.4,
	}
	require.NoError(t, env.node.Handle(ctx, event))

	positions, err := env.terminal.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "GOLD", positions[0].Symbol)

	mapping, err := env.store.GetOpenMapping(ctx, 100, "slave_ftmo")
	require.NoError(t, err)
	assert.Equal(t, "GOLD", mapping.Symbol)

	// CLOSE для XAUUSD закрывает позицию GOLD
	require.NoError(t, env.node.Handle(ctx, models.TradeEvent{
		Seq: 2, MasterTicket: 100, Symbol: "XAUUSD", Direction: models.Buy, Action: models.ActionClose,
	}))
	assert.Equal(t, 0, env.terminal.PositionCount())
}

func TestSuffixTranslation(t *testing.T) {
	acc := slaveAccount()
	acc.Suffix = ".c"
	env := newTestEnv(t, acc)
	ctx := context.Background()

	env.terminal.SetQuote("EURUSD.c", broker.Quote{Bid: 1.1000, Ask: 1.1002, PointSize: 0.0001})

	require.NoError(t, env.node.Handle(ctx, openEvent(100, 1)))

	positions, err := env.terminal.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "EURUSD.c", positions[0].Symbol)
}

func TestSeqTrackedPerMaster(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	store, err := storage.New(filepath.Join(t.TempDir(), "copier.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	node := New(slaveAccount(), sim.New("test", logger), store, nil, Options{}, logger)
	ctx := context.Background()

	closeEvent := func(master string, seq uint64) models.TradeEvent {
		return models.TradeEvent{
			Master:       master,
			Seq:          seq,
			MasterTicket: 999,
			Symbol:       "EURUSD",
			Action:       models.ActionClose,
		}
	}

	// два независимых master'а, у каждого своя непрерывная нумерация
	require.NoError(t, node.Handle(ctx, closeEvent("master_a", 1)))
	require.NoError(t, node.Handle(ctx, closeEvent("master_b", 1)))
	require.NoError(t, node.Handle(ctx, closeEvent("master_a", 2)))
	require.NoError(t, node.Handle(ctx, closeEvent("master_b", 2)))

	assert.NotContains(t, buf.String(), "sequence gap")

	// реальный пропуск в рамках одного master'а все еще виден
	require.NoError(t, node.Handle(ctx, closeEvent("master_a", 5)))

	assert.Contains(t, buf.String(), "sequence gap")
	assert.Contains(t, buf.String(), "master_a")
}

func TestRunStopsOnStoreFailure(t *testing.T) {
	env := newTestEnv(t, slaveAccount())

	// закрытое хранилище - fatal для slave
	require.NoError(t, env.store.Close())

	events := make(chan models.TradeEvent, 1)
	events <- openEvent(100, 1)

	err := env.node.Run(context.Background(), events)
	require.Error(t, err)
}

func TestRunStopsOnChannelClose(t *testing.T) {
	env := newTestEnv(t, slaveAccount())

	events := make(chan models.TradeEvent)
	close(events)

	require.NoError(t, env.node.Run(context.Background(), events))
}
