package balancecache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanlume/pointscore/internal/platform/events"
	"github.com/fanlume/pointscore/pkg/logger"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	return New(Config{Size: 8, TTL: ttl}, logger.New("test", io.Discard))
}

func TestCache_SetAndGet(t *testing.T) {
	cache := newTestCache(t, time.Minute)

	cache.SetUser("user-1", 400, 100)
	cache.SetModel("model-1", 250)

	user, ok := cache.GetUser("user-1")
	require.True(t, ok)
	assert.Equal(t, int64(400), user.AvailableBalance)
	assert.Equal(t, int64(100), user.EscrowBalance)

	model, ok := cache.GetModel("model-1")
	require.True(t, ok)
	assert.Equal(t, int64(250), model.EarnedBalance)

	_, ok = cache.GetUser("user-2")
	assert.False(t, ok)
}

func TestCache_UserAndModelKeysDoNotCollide(t *testing.T) {
	cache := newTestCache(t, time.Minute)

	cache.SetUser("acct-1", 100, 0)
	cache.SetModel("acct-1", 999)

	user, ok := cache.GetUser("acct-1")
	require.True(t, ok)
	assert.Equal(t, int64(100), user.AvailableBalance)

	model, ok := cache.GetModel("acct-1")
	require.True(t, ok)
	assert.Equal(t, int64(999), model.EarnedBalance)
}

func TestCache_TTLExpiry(t *testing.T) {
	cache := newTestCache(t, 20*time.Millisecond)

	cache.SetUser("user-1", 400, 100)
	_, ok := cache.GetUser("user-1")
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	_, ok = cache.GetUser("user-1")
	assert.False(t, ok)
}

func TestCache_EventUpdatesBalances(t *testing.T) {
	cache := newTestCache(t, time.Minute)

	err := cache.handleEvent(context.Background(), &events.Event{
		EventType: events.EscrowSettled,
		Payload: map[string]interface{}{
			"user_id":           "user-1",
			"available_balance": int64(300),
			"escrow_balance":    int64(0),
			"model_id":          "model-1",
			"earned_balance":    float64(150), // as decoded from JSON
		},
	})

	require.NoError(t, err)

	user, ok := cache.GetUser("user-1")
	require.True(t, ok)
	assert.Equal(t, int64(300), user.AvailableBalance)
	assert.Equal(t, int64(0), user.EscrowBalance)

	model, ok := cache.GetModel("model-1")
	require.True(t, ok)
	assert.Equal(t, int64(150), model.EarnedBalance)
}

func TestCache_EventWithoutBalancesInvalidates(t *testing.T) {
	cache := newTestCache(t, time.Minute)
	cache.SetUser("user-1", 400, 100)

	err := cache.handleEvent(context.Background(), &events.Event{
		EventType: events.BalanceUpdated,
		Payload: map[string]interface{}{
			"user_id": "user-1",
			"action":  "commit",
		},
	})

	require.NoError(t, err)
	_, ok := cache.GetUser("user-1")
	assert.False(t, ok)
}

func TestCache_AttachSubscribesToWalletEvents(t *testing.T) {
	cache := newTestCache(t, time.Minute)
	bus := events.NewBus(events.Config{}, logger.New("test", io.Discard))

	cache.Attach(bus)

	result, err := bus.Publish(context.Background(), &events.Event{
		EventType: events.EscrowHeld,
		Payload: map[string]interface{}{
			"user_id":           "user-1",
			"available_balance": int64(400),
			"escrow_balance":    int64(100),
		},
	})

	require.NoError(t, err)
	assert.True(t, result.Success)

	user, ok := cache.GetUser("user-1")
	require.True(t, ok)
	assert.Equal(t, int64(400), user.AvailableBalance)
}

func TestCache_Reset(t *testing.T) {
	cache := newTestCache(t, time.Minute)
	cache.SetUser("user-1", 400, 100)
	cache.SetModel("model-1", 250)

	cache.Reset()

	assert.Equal(t, 0, cache.Len())
}
