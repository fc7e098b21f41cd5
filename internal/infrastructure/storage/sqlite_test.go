package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"github.com/vitos/ltp_strategy_bot/internal/infrastructure/storage"
)

var testIdentity = domain.RunIdentity{
	StrategyName: "AllTimeHighDip",
	Symbol:       "ETHUSDT",
	RunMode:      domain.RunModeSimulation,
	Venue:        "paper",
}

func holding() domain.ManagerState {
	return domain.ManagerState{
		LastPrice:            2010,
		TradeStatus:          domain.TradeStatusHolding,
		HoldingQuantity:      3,
		EntryPrice:           2000,
		TargetPriceAtEntry:   2080,
		StopLossPriceAtEntry: 1960,
		EntryOrderID:         "paper-1",
		EntryCharges:         1.2,
		Timestamp:            time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func newSQLite(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_StateRoundTrip(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()

	missing, err := store.LoadState(ctx, testIdentity.StateKey())
	require.NoError(t, err)
	assert.Nil(t, missing)

	saved := &domain.PersistedState{Identity: testIdentity, State: holding(), SavedAt: time.Now().UTC()}
	require.NoError(t, store.SaveState(ctx, saved))

	loaded, err := store.LoadState(ctx, testIdentity.StateKey())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, testIdentity, loaded.Identity)
	assert.Equal(t, domain.TradeStatusHolding, loaded.State.TradeStatus)
	assert.Equal(t, 2080.0, loaded.State.TargetPriceAtEntry)
	assert.Equal(t, "paper-1", loaded.State.EntryOrderID)

	saved.State = domain.FreshState()
	require.NoError(t, store.SaveState(ctx, saved))
	loaded, err = store.LoadState(ctx, testIdentity.StateKey())
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusNotTriggered, loaded.State.TradeStatus)
}

func TestSQLiteStore_SlotPerRunModeAndVenue(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()

	live := testIdentity
	live.RunMode = domain.RunModeLive
	live.Venue = "bybit"
	require.NoError(t, store.SaveState(ctx, &domain.PersistedState{Identity: live, State: holding(), SavedAt: time.Now().UTC()}))

	pending := domain.FreshState()
	pending.OpenOrder = &domain.OpenOrder{OrderID: "paper-7", Side: domain.SideBuy, Price: 2000, Quantity: 3, Charges: 1.2}
	require.NoError(t, store.SaveState(ctx, &domain.PersistedState{Identity: testIdentity, State: pending, SavedAt: time.Now().UTC()}))

	loaded, err := store.LoadState(ctx, live.StateKey())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, domain.TradeStatusHolding, loaded.State.TradeStatus)
	assert.Nil(t, loaded.State.OpenOrder)

	loaded, err = store.LoadState(ctx, testIdentity.StateKey())
	require.NoError(t, err)
	require.NotNil(t, loaded.State.OpenOrder)
	assert.Equal(t, *pending.OpenOrder, *loaded.State.OpenOrder)
}

func TestSQLiteStore_AppendRecords(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	batch := []domain.LogRecord{
		domain.NewLogRecord(ts, testIdentity, domain.StrategyInput{Symbol: "ETHUSDT", Exchange: "paper"},
			domain.Decision{Action: domain.ActionNoAction, ExecutionStatus: domain.ExecutionSuccess, Info: "waiting"},
			domain.FreshState(), 2100),
		domain.NewLogRecord(ts.Add(time.Minute), testIdentity, domain.StrategyInput{Symbol: "ETHUSDT", Exchange: "paper"},
			domain.Decision{Action: domain.ActionBuy, Quantity: 3, Price: 2000, OrderID: "paper-1", ExecutionStatus: domain.ExecutionSuccess},
			holding(), 1999),
	}
	require.NoError(t, store.AppendRecords(ctx, batch))

	records, err := store.ListRecords(ctx, testIdentity, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.ActionNoAction, records[0].Action)
	assert.Equal(t, "waiting", records[0].Info)
	assert.Equal(t, domain.ActionBuy, records[1].Action)
	assert.Equal(t, "paper-1", records[1].OrderID)
	assert.Equal(t, domain.TradeStatusHolding, records[1].TradeStatus)
	assert.True(t, ts.Add(time.Minute).Equal(records[1].Timestamp))

	latest, err := store.ListRecords(ctx, testIdentity, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, domain.ActionBuy, latest[0].Action)
}

func TestSQLiteStore_Trades(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	closed := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

	for i, pnl := range []float64{120, -40} {
		trade := &domain.TradeRecord{
			TradeID:      []string{"t-1", "t-2"}[i],
			StrategyName: "AllTimeHighDip",
			RunMode:      domain.RunModeSimulation,
			Exchange:     "paper",
			Symbol:       "ETHUSDT",
			Quantity:     3,
			EntryPrice:   2000,
			ExitPrice:    2040,
			Charges:      2,
			RealizedPnL:  pnl,
			Reason:       domain.ExitProfit,
			ClosedAt:     closed.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, store.SaveTrade(ctx, trade))
		assert.Positive(t, trade.ID)
	}

	trades, err := store.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "t-2", trades[0].TradeID)
	assert.Equal(t, -40.0, trades[0].RealizedPnL)
	assert.Equal(t, domain.ExitProfit, trades[1].Reason)

	dup := &domain.TradeRecord{TradeID: "t-1", ClosedAt: closed}
	assert.Error(t, store.SaveTrade(ctx, dup))
}
