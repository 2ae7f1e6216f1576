package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/verdantpay/reconciliation-service/internal/dedup"
	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
	"github.com/verdantpay/reconciliation-service/internal/reconcile"
	"github.com/verdantpay/reconciliation-service/pkg/observability"
	"github.com/verdantpay/reconciliation-service/pkg/resilience"
)

// Config tunes the event processing queue
type Config struct {
	Workers        int
	BufferSize     int
	MaxRetries     int32
	ProcessTimeout time.Duration
	// RescanInterval drives the safety net: stored-but-unprocessed events that
	// fell out of the in-memory buffer (crash, overflow) are reloaded from the
	// store and re-driven.
	RescanInterval time.Duration
	RescanBatch    int32
}

// DefaultConfig runs 4 workers with a 256-event buffer
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		BufferSize:     256,
		MaxRetries:     8,
		ProcessTimeout: 30 * time.Second,
		RescanInterval: time.Minute,
		RescanBatch:    100,
	}
}

// Queue applies stored webhook events asynchronously. Receipt acknowledges the
// sender; this queue owns the gap between "stored" and "processed". Losing the
// in-memory buffer loses no events: the store is the source of truth and the
// rescan loop re-drives anything left behind.
type Queue struct {
	dedup      *dedup.Deduplicator
	events     ports.EventRepository
	dispatcher *reconcile.Dispatcher
	logger     ports.Logger
	cfg        Config

	ch   chan *domain.WebhookEvent
	wg   sync.WaitGroup
	stop context.CancelFunc
	mu   sync.Mutex
	// inFlight suppresses double-delivery when the rescan loop reloads an
	// event a worker is still chewing on
	inFlight map[string]struct{}
}

// NewQueue creates an event processing queue
func NewQueue(d *dedup.Deduplicator, events ports.EventRepository, dispatcher *reconcile.Dispatcher, logger ports.Logger, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = def.ProcessTimeout
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = def.RescanInterval
	}
	if cfg.RescanBatch <= 0 {
		cfg.RescanBatch = def.RescanBatch
	}
	return &Queue{
		dedup:      d,
		events:     events,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		ch:         make(chan *domain.WebhookEvent, cfg.BufferSize),
		inFlight:   make(map[string]struct{}),
	}
}

// Start launches the workers and the rescan loop
func (q *Queue) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	q.stop = cancel

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(runCtx)
	}

	q.wg.Add(1)
	go q.rescanLoop(runCtx)

	q.logger.Info("event queue started",
		ports.Int("workers", q.cfg.Workers),
		ports.Int("buffer", q.cfg.BufferSize))
}

// Enqueue hands a freshly accepted event to the workers. A full buffer is not
// an error: the event is already stored and the rescan loop will pick it up.
func (q *Queue) Enqueue(e *domain.WebhookEvent) bool {
	if !q.markInFlight(e.EventID) {
		return false
	}
	select {
	case q.ch <- e:
		return true
	default:
		q.clearInFlight(e.EventID)
		q.logger.Warn("event buffer full, deferring to rescan",
			ports.String("event_id", e.EventID))
		return false
	}
}

// Shutdown stops intake and waits for in-flight work, bounded by ctx
func (q *Queue) Shutdown(ctx context.Context) error {
	if q.stop != nil {
		q.stop()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("event queue drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.ch:
			q.process(ctx, e)
		}
	}
}

// process applies one event with bounded in-worker retries. Transient
// infrastructure failures and missing transactions are retried here; a
// transaction can legitimately not exist yet when the gateway's event beats
// the synchronous call path's own write.
func (q *Queue) process(ctx context.Context, e *domain.WebhookEvent) {
	defer q.clearInFlight(e.EventID)

	procCtx, cancel := context.WithTimeout(ctx, q.cfg.ProcessTimeout)
	defer cancel()

	err := resilience.Retry(procCtx, 3, resilience.EventProcessingBackoff(), retryableProcessing,
		func(ctx context.Context) error {
			return q.dispatcher.ProcessEvent(ctx, e)
		})
	if err != nil {
		observability.RecordEventProcessing(e.Type, "retried")
		q.logger.Warn("event processing failed, will retry from store",
			ports.String("event_id", e.EventID),
			ports.String("type", e.Type),
			ports.Int("retry_count", int(e.RetryCount)),
			ports.Err(err))
		if markErr := q.dedup.MarkFailed(ctx, e.EventID, err); markErr != nil {
			q.logger.Error("failed to record processing failure",
				ports.String("event_id", e.EventID),
				ports.Err(markErr))
		}
		return
	}

	if err := q.dedup.MarkProcessed(ctx, e.EventID); err != nil {
		// effects are idempotent, so the redo after this miss is harmless
		q.logger.Error("failed to mark event processed",
			ports.String("event_id", e.EventID),
			ports.Err(err))
		return
	}
	observability.RecordEventProcessing(e.Type, "processed")
}

func (q *Queue) rescanLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.rescan(ctx)
		}
	}
}

// rescan reloads unprocessed events from the store and re-drives them
func (q *Queue) rescan(ctx context.Context) {
	pending, err := q.events.ListUnprocessed(ctx, q.cfg.MaxRetries, q.cfg.RescanBatch)
	if err != nil {
		q.logger.Error("rescan failed", ports.Err(err))
		return
	}

	requeued := 0
	for _, e := range pending {
		if q.Enqueue(e) {
			requeued++
		}
	}
	if requeued > 0 {
		q.logger.Info("rescan requeued unprocessed events",
			ports.Int("count", requeued))
	}
}

func (q *Queue) markInFlight(eventID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inFlight[eventID]; busy {
		return false
	}
	q.inFlight[eventID] = struct{}{}
	return true
}

func (q *Queue) clearInFlight(eventID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, eventID)
}

func retryableProcessing(err error) bool {
	return domain.IsTransientError(err) || domain.IsNotFoundError(err)
}
