package balancecache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fanlume/pointscore/internal/platform/events"
	"github.com/fanlume/pointscore/internal/platform/metrics"
	"github.com/fanlume/pointscore/pkg/logger"
)

// HandlerID is the cache's subscription id on the event bus
const HandlerID = "balance_cache"

// SubscriptionPriority orders the cache update ahead of other listeners so
// reads that follow an event see fresh balances.
const SubscriptionPriority = 10

// Balance is a cached read-model view of one account's balances
type Balance struct {
	AccountID        string
	AvailableBalance int64
	EscrowBalance    int64
	EarnedBalance    int64
	UpdatedAt        time.Time
}

// Config tunes cache capacity and entry lifetime
type Config struct {
	Size int
	TTL  time.Duration
}

// Subscriber is the slice of the event bus the cache needs
type Subscriber interface {
	Subscribe(id string, types []events.EventType, handler events.Handler, priority int)
	Unsubscribe(id string, types []events.EventType)
}

// Cache is an in-process LRU+TTL projection of wallet balances. It is a pure
// read optimization: a miss falls through to authoritative storage, and any
// event it cannot interpret invalidates rather than guesses.
type Cache struct {
	lru    *expirable.LRU[string, Balance]
	logger *logger.Logger
	now    func() time.Time
}

// New creates the balance cache
func New(cfg Config, log *logger.Logger) *Cache {
	if cfg.Size <= 0 {
		cfg.Size = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}

	return &Cache{
		lru:    expirable.NewLRU[string, Balance](cfg.Size, nil, cfg.TTL),
		logger: log.WithField("component", "balance_cache"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Attach subscribes the cache to all balance-bearing wallet events
func (c *Cache) Attach(bus Subscriber) {
	bus.Subscribe(HandlerID, events.WalletEventTypes(), c.handleEvent, SubscriptionPriority)
}

// Detach removes the bus subscription
func (c *Cache) Detach(bus Subscriber) {
	bus.Unsubscribe(HandlerID, events.WalletEventTypes())
}

// GetUser returns the cached user balance, if present and fresh
func (c *Cache) GetUser(userID string) (Balance, bool) {
	return c.get("user:" + userID)
}

// GetModel returns the cached model balance, if present and fresh
func (c *Cache) GetModel(modelID string) (Balance, bool) {
	return c.get("model:" + modelID)
}

// SetUser stores a user balance read from authoritative storage
func (c *Cache) SetUser(userID string, available, escrow int64) {
	c.lru.Add("user:"+userID, Balance{
		AccountID:        userID,
		AvailableBalance: available,
		EscrowBalance:    escrow,
		UpdatedAt:        c.now(),
	})
}

// SetModel stores a model balance read from authoritative storage
func (c *Cache) SetModel(modelID string, earned int64) {
	c.lru.Add("model:"+modelID, Balance{
		AccountID:     modelID,
		EarnedBalance: earned,
		UpdatedAt:     c.now(),
	})
}

// InvalidateUser drops the cached user balance
func (c *Cache) InvalidateUser(userID string) {
	c.lru.Remove("user:" + userID)
}

// InvalidateModel drops the cached model balance
func (c *Cache) InvalidateModel(modelID string) {
	c.lru.Remove("model:" + modelID)
}

// Reset drops every cached balance
func (c *Cache) Reset() {
	c.lru.Purge()
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) get(key string) (Balance, bool) {
	balance, ok := c.lru.Get(key)
	if ok {
		metrics.BalanceCacheHits.WithLabelValues("hit").Inc()
	} else {
		metrics.BalanceCacheHits.WithLabelValues("miss").Inc()
	}
	return balance, ok
}

// handleEvent folds a wallet event's balances into the cache. Payloads carry
// post-operation balances; an event without them invalidates the account.
func (c *Cache) handleEvent(ctx context.Context, event *events.Event) error {
	userID, _ := event.Payload["user_id"].(string)
	if userID != "" {
		available, okA := payloadInt64(event.Payload, "available_balance")
		escrow, okE := payloadInt64(event.Payload, "escrow_balance")
		if okA && okE {
			c.SetUser(userID, available, escrow)
		} else {
			c.InvalidateUser(userID)
		}
	}

	modelID, _ := event.Payload["model_id"].(string)
	if modelID != "" {
		if earned, ok := payloadInt64(event.Payload, "earned_balance"); ok {
			c.SetModel(modelID, earned)
		} else {
			c.InvalidateModel(modelID)
		}
	}

	return nil
}

// payloadInt64 reads a numeric payload field. Events that crossed a JSON
// boundary carry float64; in-process ones carry int64.
func payloadInt64(payload map[string]interface{}, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
