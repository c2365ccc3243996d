package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fanlume/pointscore/internal/platform/metrics"
	"github.com/fanlume/pointscore/pkg/logger"
)

// Handler processes one event. Handlers are expected to be bounded; the bus
// offers no cancellation beyond the context it passes through.
type Handler func(ctx context.Context, event *Event) error

// HandlerError reports one handler's final failure after retries
type HandlerError struct {
	HandlerID string `json:"handler_id"`
	Error     string `json:"error"`
}

// PublishResult is the outcome of a publish call
type PublishResult struct {
	EventID          string         `json:"event_id"`
	Success          bool           `json:"success"`
	HandlersNotified int            `json:"handlers_notified"`
	Deduplicated     bool           `json:"deduplicated"`
	Errors           []HandlerError `json:"errors,omitempty"`
}

// Config holds bus tuning knobs
type Config struct {
	DedupTTL       time.Duration
	HandlerRetries int
	RetryDelay     time.Duration
	SweepInterval  time.Duration
}

type subscription struct {
	id       string
	priority int
	handler  Handler
}

// Bus is an in-process publish/subscribe dispatcher with per-handler bounded
// retry, priority ordering and an eventId/idempotencyKey dedup window.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[EventType][]*subscription

	dedupMu sync.Mutex
	seen    map[string]time.Time // eventId and idempotencyKey entries share the map

	cfg    Config
	logger *logger.Logger
	now    func() time.Time

	stopMu   sync.Mutex // serializes async dispatch against Stop
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewBus creates a new event bus. Call Start to launch the dedup sweeper and
// Stop on shutdown.
func NewBus(cfg Config, log *logger.Logger) *Bus {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = time.Hour
	}
	if cfg.HandlerRetries <= 0 {
		cfg.HandlerRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	return &Bus{
		subscriptions: make(map[EventType][]*subscription),
		seen:          make(map[string]time.Time),
		cfg:           cfg,
		logger:        log.WithField("component", "event_bus"),
		now:           func() time.Time { return time.Now().UTC() },
		stopCh:        make(chan struct{}),
	}
}

// SetNowFunc overrides the time source, for tests
func (b *Bus) SetNowFunc(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// Subscribe registers a handler for the given event types. Subscribing the
// same id to the same type twice replaces the previous registration, so the
// call is idempotent. Handlers run in ascending priority order.
func (b *Bus) Subscribe(id string, types []EventType, handler Handler, priority int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range types {
		subs := b.subscriptions[t]

		replaced := false
		for _, s := range subs {
			if s.id == id {
				s.handler = handler
				s.priority = priority
				replaced = true
				break
			}
		}
		if !replaced {
			subs = append(subs, &subscription{id: id, priority: priority, handler: handler})
		}

		sort.SliceStable(subs, func(i, j int) bool {
			return subs[i].priority < subs[j].priority
		})
		b.subscriptions[t] = subs
	}
}

// Unsubscribe removes a handler registration for the given event types
func (b *Bus) Unsubscribe(id string, types []EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range types {
		subs := b.subscriptions[t]
		filtered := subs[:0]
		for _, s := range subs {
			if s.id != id {
				filtered = append(filtered, s)
			}
		}
		b.subscriptions[t] = filtered
	}
}

// Publish notifies all handlers synchronously and reports per-handler errors.
// A duplicate eventId or idempotencyKey within the dedup window short-circuits.
func (b *Bus) Publish(ctx context.Context, event *Event) (*PublishResult, error) {
	if err := b.prepare(event); err != nil {
		return nil, err
	}

	if b.isDuplicate(event) {
		b.logger.WithContext(ctx).Debug("event deduplicated", "event_id", event.EventID, "event_type", string(event.EventType))
		return &PublishResult{EventID: event.EventID, Success: true, Deduplicated: true}, nil
	}

	return b.notify(ctx, event), nil
}

// PublishAsync schedules handler notification and returns immediately.
// Per-handler retry semantics are identical to Publish.
func (b *Bus) PublishAsync(ctx context.Context, event *Event) (string, error) {
	if err := b.prepare(event); err != nil {
		return "", err
	}

	if b.isDuplicate(event) {
		return event.EventID, nil
	}

	b.stopMu.Lock()
	select {
	case <-b.stopCh:
		b.stopMu.Unlock()
		return "", fmt.Errorf("event bus is stopped")
	default:
	}
	b.wg.Add(1)
	b.stopMu.Unlock()

	go func() {
		defer b.wg.Done()
		// Detach from the caller's request context; the handlers outlive it.
		result := b.notify(context.Background(), event)
		if !result.Success {
			b.logger.Warn("async event had handler failures",
				"event_id", event.EventID,
				"event_type", string(event.EventType),
				"failed_handlers", len(result.Errors),
			)
		}
	}()

	return event.EventID, nil
}

func (b *Bus) prepare(event *Event) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.EventType == "" {
		return fmt.Errorf("event type is required")
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	if event.Source == "" {
		event.Source = "pointscore"
	}
	if event.Version == "" {
		event.Version = "1"
	}
	return nil
}

// isDuplicate records the event's ids and reports whether either was already
// seen inside the dedup window.
func (b *Bus) isDuplicate(event *Event) bool {
	now := b.now()
	cutoff := now.Add(-b.cfg.DedupTTL)

	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()

	duplicate := false
	if seenAt, ok := b.seen["id:"+event.EventID]; ok && seenAt.After(cutoff) {
		duplicate = true
	}
	if event.IdempotencyKey != "" {
		if seenAt, ok := b.seen["key:"+event.IdempotencyKey]; ok && seenAt.After(cutoff) {
			duplicate = true
		}
	}

	if !duplicate {
		b.seen["id:"+event.EventID] = now
		if event.IdempotencyKey != "" {
			b.seen["key:"+event.IdempotencyKey] = now
		}
	}

	return duplicate
}

func (b *Bus) notify(ctx context.Context, event *Event) *PublishResult {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subscriptions[event.EventType]))
	copy(subs, b.subscriptions[event.EventType])
	b.mu.RUnlock()

	result := &PublishResult{EventID: event.EventID}

	for _, sub := range subs {
		if err := b.invokeWithRetry(ctx, sub, event); err != nil {
			// One handler's failure must not affect the others.
			result.Errors = append(result.Errors, HandlerError{
				HandlerID: sub.id,
				Error:     err.Error(),
			})
			metrics.EventHandlerFailures.WithLabelValues(string(event.EventType), sub.id).Inc()
			b.logger.WithContext(ctx).Error("event handler failed after retries",
				"event_id", event.EventID,
				"event_type", string(event.EventType),
				"handler_id", sub.id,
				"error", err,
			)
		}
		result.HandlersNotified++
	}

	result.Success = len(result.Errors) == 0
	metrics.EventsPublished.WithLabelValues(string(event.EventType)).Inc()

	return result
}

func (b *Bus) invokeWithRetry(ctx context.Context, sub *subscription, event *Event) error {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.HandlerRetries; attempt++ {
		if err := sub.handler(ctx, event); err != nil {
			lastErr = err
			if attempt < b.cfg.HandlerRetries {
				time.Sleep(b.cfg.RetryDelay)
			}
			continue
		}
		return nil
	}
	return lastErr
}

// Start launches the periodic dedup sweep
func (b *Bus) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.SweepDedup()
			}
		}
	}()
}

// SweepDedup drops dedup entries older than the window
func (b *Bus) SweepDedup() {
	cutoff := b.now().Add(-b.cfg.DedupTTL)

	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()

	for key, seenAt := range b.seen {
		if seenAt.Before(cutoff) {
			delete(b.seen, key)
		}
	}
}

// Stop halts the sweeper and waits for in-flight async publishes to finish
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.stopMu.Lock()
		close(b.stopCh)
		b.stopMu.Unlock()
	})
	b.wg.Wait()
}
