package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prop_copier/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := New(filepath.Join(t.TempDir(), "copier.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestUpsertAndGetAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acc := models.Account{
		Name:           "slave_ftmo",
		Role:           models.RoleSlave,
		ConnectionPath: "sim://ftmo",
		Enabled:        true,
		Suffix:         ".c",
		SymbolMap:      map[string]string{"XAUUSD": "GOLD"},
		SlippagePoints: 50,
		Hubs:           []string{"127.0.0.1:5555"},
	}
	require.NoError(t, store.UpsertAccount(ctx, acc))

	got, err := store.GetAccount(ctx, "slave_ftmo")
	require.NoError(t, err)
	assert.Equal(t, acc.Role, got.Role)
	assert.Equal(t, acc.Suffix, got.Suffix)
	assert.Equal(t, acc.SymbolMap, got.SymbolMap)
	assert.Equal(t, acc.Hubs, got.Hubs)
	assert.True(t, got.Enabled)

	// повторный upsert обновляет существующую запись
	acc.Enabled = false
	acc.SlippagePoints = 30
	require.NoError(t, store.UpsertAccount(ctx, acc))

	got, err = store.GetAccount(ctx, "slave_ftmo")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 30, got.SlippagePoints)
}

func TestGetAccountNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestListEnabledAccountsMastersFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	accounts := []models.Account{
		{Name: "slave_a", Role: models.RoleSlave, ConnectionPath: "sim://a", Enabled: true},
		{Name: "master_1", Role: models.RoleMaster, ConnectionPath: "sim://m", Enabled: true},
		{Name: "slave_b", Role: models.RoleSlave, ConnectionPath: "sim://b", Enabled: false},
	}
	for _, acc := range accounts {
		require.NoError(t, store.UpsertAccount(ctx, acc))
	}

	enabled, err := store.ListEnabledAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "master_1", enabled[0].Name)
	assert.Equal(t, "slave_a", enabled[1].Name)

	all, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCreateMappingDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := models.TradeMapping{
		MasterTicket: 12345,
		SlaveTicket:  1001,
		SlaveName:    "slave_ftmo",
		Symbol:       "GOLD",
		Direction:    models.Buy,
		OpenTime:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateMapping(ctx, m))

	// второй OPEN для той же пары отклоняется, строка не меняется
	m.SlaveTicket = 2002
	err := store.CreateMapping(ctx, m)
	assert.ErrorIs(t, err, ErrDuplicateMapping)

	got, err := store.GetOpenMapping(ctx, 12345, "slave_ftmo")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), got.SlaveTicket)
	assert.Equal(t, models.MappingOpen, got.Status)
}

func TestCreateMappingSameTicketDifferentSlaves(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := models.TradeMapping{
		MasterTicket: 777,
		SlaveTicket:  10,
		SlaveName:    "slave_a",
		Symbol:       "EURUSD",
		Direction:    models.Sell,
		OpenTime:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateMapping(ctx, m))

	m.SlaveName = "slave_b"
	m.SlaveTicket = 20
	require.NoError(t, store.CreateMapping(ctx, m))
}

func TestCloseMapping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := models.TradeMapping{
		MasterTicket: 555,
		SlaveTicket:  1001,
		SlaveName:    "slave_ftmo",
		Symbol:       "GOLD",
		Direction:    models.Buy,
		OpenTime:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateMapping(ctx, m))

	closed, err := store.CloseMapping(ctx, 555, "slave_ftmo", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, closed)

	// повторное закрытие - no-op
	closed, err = store.CloseMapping(ctx, 555, "slave_ftmo", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, closed)

	_, err = store.GetOpenMapping(ctx, 555, "slave_ftmo")
	assert.ErrorIs(t, err, ErrMappingNotFound)
}

func TestReopenAfterClose(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := models.TradeMapping{
		MasterTicket: 900,
		SlaveTicket:  1,
		SlaveName:    "slave_ftmo",
		Symbol:       "GOLD",
		Direction:    models.Buy,
		OpenTime:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateMapping(ctx, m))

	closed, err := store.CloseMapping(ctx, 900, "slave_ftmo", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, closed)

	// после CLOSED тот же master_ticket можно открыть заново
	m.SlaveTicket = 2
	require.NoError(t, store.CreateMapping(ctx, m))

	got, err := store.GetOpenMapping(ctx, 900, "slave_ftmo")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.SlaveTicket)
}

func TestListOpenMappings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, ticket := range []int64{100, 200, 300} {
		require.NoError(t, store.CreateMapping(ctx, models.TradeMapping{
			MasterTicket: ticket,
			SlaveTicket:  int64(1000 + i),
			SlaveName:    "slave_ftmo",
			Symbol:       "EURUSD",
			Direction:    models.Buy,
			OpenTime:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	closed, err := store.CloseMapping(ctx, 200, "slave_ftmo", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, closed)

	open, err := store.ListOpenMappings(ctx, "slave_ftmo")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, int64(100), open[0].MasterTicket)
	assert.Equal(t, int64(300), open[1].MasterTicket)
}
