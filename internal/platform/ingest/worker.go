package ingest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fanlume/pointscore/internal/core/idempotency"
	"github.com/fanlume/pointscore/internal/platform/metrics"
	"github.com/fanlume/pointscore/internal/shared/validate"
	"github.com/fanlume/pointscore/pkg/logger"
)

// Handler processes one claimed event. Return Retryable/NonRetryable-wrapped
// errors to steer routing; a bare error counts as retryable.
type Handler func(ctx context.Context, event *Event) error

// IdempotencyStore is the dedup check/store pair the worker needs
type IdempotencyStore interface {
	Check(ctx context.Context, key string, scope idempotency.Scope) (*idempotency.CheckResult, error)
	Store(ctx context.Context, key string, scope idempotency.Scope, result interface{}, statusCode int) error
}

// Config tunes the poll loop and retry schedule
type Config struct {
	PollInterval      time.Duration
	MaxConcurrentJobs int
	MaxRetryAttempts  int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier int
}

// Worker polls the ingest queue, dispatches events to registered handlers,
// and routes failures between retry and the DLQ. Stop is cooperative:
// in-flight handlers run to completion.
type Worker struct {
	store    Store
	idem     IdempotencyStore
	cfg      Config
	logger   *logger.Logger
	now      func() time.Time
	handlers map[string]Handler
	fallback Handler

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates the ingest worker
func NewWorker(store Store, idem IdempotencyStore, cfg Config, log *logger.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 10
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 60 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}

	return &Worker{
		store:    store,
		idem:     idem,
		cfg:      cfg,
		logger:   log.WithField("component", "ingest_worker"),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]Handler),
		// Unknown event types succeed without effect; producers may run
		// ahead of consumers during rollout.
		fallback: func(ctx context.Context, event *Event) error { return nil },
		stopCh:   make(chan struct{}),
	}
}

// SetNowFunc overrides the time source, for tests
func (w *Worker) SetNowFunc(now func() time.Time) {
	if now != nil {
		w.now = now
	}
}

// RegisterHandler binds a handler to an event type
func (w *Worker) RegisterHandler(eventType string, handler Handler) {
	w.handlers[eventType] = handler
}

// SetFallbackHandler replaces the default handler for unregistered types
func (w *Worker) SetFallbackHandler(handler Handler) {
	if handler != nil {
		w.fallback = handler
	}
}

// Submit validates and enqueues an inbound event. A duplicate event ID
// reports success without a second row.
func (w *Worker) Submit(ctx context.Context, eventID, eventType string, payload map[string]interface{}) (bool, error) {
	eventID, err := validate.Identifier("event_id", eventID, 0)
	if err != nil {
		return false, err
	}
	eventType, err = validate.Identifier("event_type", eventType, 0)
	if err != nil {
		return false, err
	}

	inserted, err := w.store.Enqueue(ctx, &Event{
		EventID:    eventID,
		EventType:  eventType,
		Status:     StatusQueued,
		Payload:    payload,
		Replayable: true,
		ReceivedAt: w.now(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue ingest event: %w", err)
	}

	return inserted, nil
}

// Start launches the poll loop
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.RunBatch(ctx)
			}
		}
	}()
}

// Stop prevents new batches and waits for in-flight handlers
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

// RunBatch claims due events and processes them concurrently. Exposed so
// tests and the DLQ replay path can drive the worker without the poll loop.
func (w *Worker) RunBatch(ctx context.Context) int {
	claimed, err := w.store.ClaimDue(ctx, w.now(), w.cfg.MaxConcurrentJobs)
	if err != nil {
		w.logger.Error("failed to claim ingest events", "error", err)
		return 0
	}
	if len(claimed) == 0 {
		return 0
	}

	var batch sync.WaitGroup
	for _, event := range claimed {
		batch.Add(1)
		go func(event *Event) {
			defer batch.Done()
			w.process(ctx, event)
		}(event)
	}
	batch.Wait()

	return len(claimed)
}

func (w *Worker) process(ctx context.Context, event *Event) {
	log := w.logger.WithFields(map[string]interface{}{
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"attempt":    event.Attempts,
	})

	if err := w.validateEvent(event); err != nil {
		log.Warn("invalid ingest event", "error", err)
		w.toDLQ(ctx, event, ErrCodeInvalidEvent, err.Error())
		return
	}

	// An event that already succeeded on any path is a safe no-op.
	check, err := w.idem.Check(ctx, event.EventID, idempotency.ScopeIngestEvent)
	if err != nil {
		log.Error("idempotency check failed", "error", err)
		w.requeueOrDLQ(ctx, event, ErrCodeRetryable, err.Error())
		return
	}
	if check.IsDuplicate {
		log.Debug("ingest event already processed")
		w.markProcessed(ctx, event, "duplicate")
		return
	}

	handler, ok := w.handlers[event.EventType]
	if !ok {
		handler = w.fallback
	}

	if err := w.invoke(ctx, handler, event); err != nil {
		if IsRetryable(err) {
			log.Warn("ingest handler failed, will retry", "error", err)
			w.requeueOrDLQ(ctx, event, ErrCodeRetryable, err.Error())
		} else {
			log.Error("ingest handler failed non-retryably", "error", err)
			w.toDLQ(ctx, event, ErrCodeNonRetryable, err.Error())
		}
		return
	}

	if err := w.idem.Store(ctx, event.EventID, idempotency.ScopeIngestEvent,
		map[string]string{"event_id": event.EventID, "status": "processed"}, http.StatusOK); err != nil {
		log.Error("failed to store ingest idempotency record", "error", err)
	}

	w.markProcessed(ctx, event, "success")
}

// invoke shields the worker from a panicking handler
func (w *Worker) invoke(ctx context.Context, handler Handler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NonRetryable(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, event)
}

func (w *Worker) validateEvent(event *Event) error {
	if _, err := validate.Identifier("event_id", event.EventID, 0); err != nil {
		return err
	}
	if event.EventType == "" {
		return fmt.Errorf("event type is required")
	}
	if event.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	return nil
}

func (w *Worker) markProcessed(ctx context.Context, event *Event, outcome string) {
	if err := w.store.MarkProcessed(ctx, event.EventID, w.now()); err != nil {
		w.logger.Error("failed to mark event processed", "event_id", event.EventID, "error", err)
		return
	}
	metrics.IngestOutcomes.WithLabelValues(outcome).Inc()
}

// requeueOrDLQ applies the retry budget: another attempt with exponential
// backoff while budget remains, the DLQ once it is spent.
func (w *Worker) requeueOrDLQ(ctx context.Context, event *Event, errCode, errMessage string) {
	if event.Attempts >= w.cfg.MaxRetryAttempts {
		w.toDLQ(ctx, event, errCode, errMessage)
		return
	}

	next := w.now().Add(w.backoff(event.Attempts))
	if err := w.store.Requeue(ctx, event.EventID, next, errCode, errMessage); err != nil {
		w.logger.Error("failed to requeue event", "event_id", event.EventID, "error", err)
		return
	}
	metrics.IngestOutcomes.WithLabelValues("requeued").Inc()
}

func (w *Worker) toDLQ(ctx context.Context, event *Event, errCode, errMessage string) {
	if err := w.store.MoveToDLQ(ctx, event, errCode, errMessage); err != nil {
		w.logger.Error("failed to move event to dlq", "event_id", event.EventID, "error", err)
		return
	}
	metrics.IngestOutcomes.WithLabelValues("dlq").Inc()
}

// backoff computes the delay before attempt+1: initial·multiplier^(attempts−1),
// capped at the configured maximum.
func (w *Worker) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := w.cfg.InitialRetryDelay
	for i := 1; i < attempts; i++ {
		delay *= time.Duration(w.cfg.BackoffMultiplier)
		if delay >= w.cfg.MaxRetryDelay {
			return w.cfg.MaxRetryDelay
		}
	}
	if delay > w.cfg.MaxRetryDelay {
		return w.cfg.MaxRetryDelay
	}
	return delay
}

// ReplayReport summarizes one DLQ replay request
type ReplayReport struct {
	Matched  int      `json:"matched"`
	Requeued int      `json:"requeued"`
	Skipped  int      `json:"skipped"`
	EventIDs []string `json:"event_ids"`
}

// ReplayDLQ re-submits dead-lettered events matching the filter. Only
// replayable events are eligible unless force is set. The per-event
// idempotency record keeps a replay of an already-succeeded event a no-op.
func (w *Worker) ReplayDLQ(ctx context.Context, filter DLQFilter, maxEvents int, force bool) (*ReplayReport, error) {
	if maxEvents <= 0 {
		maxEvents = 100
	}

	dead, err := w.store.ListDLQ(ctx, filter, maxEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq events: %w", err)
	}

	report := &ReplayReport{Matched: len(dead)}
	for _, event := range dead {
		if !event.Replayable && !force {
			report.Skipped++
			continue
		}

		if err := w.store.RequeueFromDLQ(ctx, event.EventID, w.now()); err != nil {
			w.logger.Error("failed to replay dlq event", "event_id", event.EventID, "error", err)
			report.Skipped++
			continue
		}

		report.Requeued++
		report.EventIDs = append(report.EventIDs, event.EventID)
	}

	if report.Requeued > 0 {
		w.logger.Info("replayed dlq events", "requeued", report.Requeued, "skipped", report.Skipped)
	}

	return report, nil
}
