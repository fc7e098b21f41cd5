package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"github.com/vitos/ltp_strategy_bot/internal/infrastructure/storage"
)

// Needs a reachable server; set TEST_REDIS_ADDR to run it.
func TestRedisStateStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := storage.NewRedisStateStore(ctx, storage.RedisConfig{Addr: addr, Prefix: "ltpbot-test-" + uuid.NewString()})
	require.NoError(t, err)
	defer store.Close()

	missing, err := store.LoadState(ctx, testIdentity.StateKey())
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.SaveState(ctx, &domain.PersistedState{Identity: testIdentity, State: holding()}))
	loaded, err := store.LoadState(ctx, testIdentity.StateKey())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, testIdentity, loaded.Identity)
	assert.Equal(t, int64(3), loaded.State.HoldingQuantity)
}
