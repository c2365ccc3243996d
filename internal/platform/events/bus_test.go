package events

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanlume/pointscore/pkg/logger"
)

func newTestBus(cfg Config) *Bus {
	return NewBus(cfg, logger.New("test", io.Discard))
}

func testEvent(id string) *Event {
	return &Event{
		EventID:   id,
		EventType: EscrowHeld,
		Payload:   map[string]interface{}{"escrow_id": "escrow-1"},
	}
}

func TestPublish_HandlersRunInPriorityOrder(t *testing.T) {
	bus := newTestBus(Config{RetryDelay: time.Millisecond})

	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context, event *Event) error {
			order = append(order, name)
			return nil
		}
	}

	// Registered out of order on purpose
	bus.Subscribe("projector", []EventType{EscrowHeld}, record("projector"), 20)
	bus.Subscribe("cache", []EventType{EscrowHeld}, record("cache"), 10)
	bus.Subscribe("audit", []EventType{EscrowHeld}, record("audit"), 30)

	result, err := bus.Publish(context.Background(), testEvent("evt-1"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.HandlersNotified)
	assert.Equal(t, []string{"cache", "projector", "audit"}, order)
}

func TestPublish_DuplicateEventIDShortCircuits(t *testing.T) {
	bus := newTestBus(Config{DedupTTL: time.Hour, RetryDelay: time.Millisecond})

	var calls int
	bus.Subscribe("cache", []EventType{EscrowHeld}, func(ctx context.Context, event *Event) error {
		calls++
		return nil
	}, 0)

	first, err := bus.Publish(context.Background(), testEvent("evt-1"))
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)

	second, err := bus.Publish(context.Background(), testEvent("evt-1"))
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.True(t, second.Success)
	assert.Equal(t, 1, calls)
}

func TestPublish_DuplicateIdempotencyKeyShortCircuits(t *testing.T) {
	bus := newTestBus(Config{DedupTTL: time.Hour, RetryDelay: time.Millisecond})

	var calls int
	bus.Subscribe("cache", []EventType{EscrowHeld}, func(ctx context.Context, event *Event) error {
		calls++
		return nil
	}, 0)

	first := testEvent("evt-1")
	first.IdempotencyKey = "op-key-1"
	_, err := bus.Publish(context.Background(), first)
	require.NoError(t, err)

	// Different event id, same idempotency key
	second := testEvent("evt-2")
	second.IdempotencyKey = "op-key-1"
	result, err := bus.Publish(context.Background(), second)
	require.NoError(t, err)
	assert.True(t, result.Deduplicated)
	assert.Equal(t, 1, calls)
}

func TestPublish_HandlerRetriesThenReportsFailure(t *testing.T) {
	bus := newTestBus(Config{HandlerRetries: 3, RetryDelay: time.Millisecond})

	var attempts int
	bus.Subscribe("flaky", []EventType{EscrowHeld}, func(ctx context.Context, event *Event) error {
		attempts++
		return assert.AnError
	}, 0)

	var others int
	bus.Subscribe("healthy", []EventType{EscrowHeld}, func(ctx context.Context, event *Event) error {
		others++
		return nil
	}, 10)

	result, err := bus.Publish(context.Background(), testEvent("evt-1"))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 3, attempts)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "flaky", result.Errors[0].HandlerID)

	// The failing handler does not starve the rest
	assert.Equal(t, 1, others)
	assert.Equal(t, 2, result.HandlersNotified)
}

func TestPublish_RetrySucceedsBeforeBudgetExhausted(t *testing.T) {
	bus := newTestBus(Config{HandlerRetries: 3, RetryDelay: time.Millisecond})

	var attempts int
	bus.Subscribe("flaky", []EventType{EscrowHeld}, func(ctx context.Context, event *Event) error {
		attempts++
		if attempts < 2 {
			return assert.AnError
		}
		return nil
	}, 0)

	result, err := bus.Publish(context.Background(), testEvent("evt-1"))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, attempts)
}

func TestPublish_FillsEnvelopeDefaults(t *testing.T) {
	bus := newTestBus(Config{RetryDelay: time.Millisecond})

	var seen *Event
	bus.Subscribe("cache", []EventType{EscrowHeld}, func(ctx context.Context, event *Event) error {
		seen = event
		return nil
	}, 0)

	event := &Event{EventType: EscrowHeld}
	result, err := bus.Publish(context.Background(), event)
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.NotEmpty(t, result.EventID)
	assert.Equal(t, result.EventID, seen.EventID)
	assert.False(t, seen.Timestamp.IsZero())
	assert.Equal(t, "pointscore", seen.Source)
	assert.Equal(t, "1", seen.Version)
}

func TestPublish_RejectsMissingType(t *testing.T) {
	bus := newTestBus(Config{})

	_, err := bus.Publish(context.Background(), &Event{})
	require.Error(t, err)

	_, err = bus.Publish(context.Background(), nil)
	require.Error(t, err)
}

func TestPublishAsync_NotifiesHandlersBeforeStopReturns(t *testing.T) {
	bus := newTestBus(Config{RetryDelay: time.Millisecond})

	var mu sync.Mutex
	var calls int
	bus.Subscribe("cache", []EventType{EscrowHeld}, func(ctx context.Context, event *Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}, 0)

	id, err := bus.PublishAsync(context.Background(), testEvent("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)

	// Stop waits for in-flight async publishes
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestSweepDedup_ReopensWindowAfterTTL(t *testing.T) {
	bus := newTestBus(Config{DedupTTL: time.Hour, RetryDelay: time.Millisecond})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.SetNowFunc(func() time.Time { return now })

	var calls int
	bus.Subscribe("cache", []EventType{EscrowHeld}, func(ctx context.Context, event *Event) error {
		calls++
		return nil
	}, 0)

	_, err := bus.Publish(context.Background(), testEvent("evt-1"))
	require.NoError(t, err)

	// Inside the window the replay is suppressed
	now = now.Add(30 * time.Minute)
	result, err := bus.Publish(context.Background(), testEvent("evt-1"))
	require.NoError(t, err)
	assert.True(t, result.Deduplicated)

	// Past the window the sweep clears the entry and the event flows again
	now = now.Add(31 * time.Minute)
	bus.SweepDedup()

	result, err = bus.Publish(context.Background(), testEvent("evt-1"))
	require.NoError(t, err)
	assert.False(t, result.Deduplicated)
	assert.Equal(t, 2, calls)
}

func TestUnsubscribe_RemovesHandler(t *testing.T) {
	bus := newTestBus(Config{RetryDelay: time.Millisecond})

	var calls int
	bus.Subscribe("cache", []EventType{EscrowHeld, EscrowSettled}, func(ctx context.Context, event *Event) error {
		calls++
		return nil
	}, 0)

	bus.Unsubscribe("cache", []EventType{EscrowHeld})

	result, err := bus.Publish(context.Background(), testEvent("evt-1"))
	require.NoError(t, err)
	assert.Zero(t, result.HandlersNotified)

	settled := testEvent("evt-2")
	settled.EventType = EscrowSettled
	result, err = bus.Publish(context.Background(), settled)
	require.NoError(t, err)
	assert.Equal(t, 1, result.HandlersNotified)
	assert.Equal(t, 1, calls)
}

func TestPublishAsync_AfterStopRejected(t *testing.T) {
	bus := newTestBus(Config{RetryDelay: time.Millisecond})
	bus.Stop()

	_, err := bus.PublishAsync(context.Background(), testEvent("evt-1"))
	require.Error(t, err)
}
