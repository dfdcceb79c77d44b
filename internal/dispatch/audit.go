package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
)

// ErrAuditQueueFull is returned when a record is dropped because the queue is full
var ErrAuditQueueFull = errors.New("audit queue full")

// ErrAuditQueueClosed is returned for records offered after Close
var ErrAuditQueueClosed = errors.New("audit queue closed")

// AuditQueueOptions configures an AuditQueue
type AuditQueueOptions struct {
	// Records buffered before Publish starts dropping
	Size int
	// Upper bound on one downstream publish
	Timeout time.Duration
}

// AuditQueue is an AuditPublisher that hands records to the downstream
// publisher on its own goroutine, in the order they were offered. Publish
// never waits on the downstream publisher, so a slow broker cannot hold up
// channel sends.
type AuditQueue struct {
	next    AuditPublisher
	timeout time.Duration
	records chan *models.AuditRecord
	done    chan struct{}
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewAuditQueue(next AuditPublisher, opts AuditQueueOptions) *AuditQueue {
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	q := &AuditQueue{
		next:    next,
		timeout: opts.Timeout,
		records: make(chan *models.AuditRecord, opts.Size),
		done:    make(chan struct{}),
		log:     logger.WithComponent("audit"),
	}
	go q.run()
	return q
}

// Publish queues rec. ctx is not used past the call.
func (q *AuditQueue) Publish(ctx context.Context, rec *models.AuditRecord) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrAuditQueueClosed
	}

	select {
	case q.records <- rec:
		metrics.AuditQueueDepth.Set(float64(len(q.records)))
		return nil
	default:
		metrics.AuditDroppedTotal.Inc()
		return ErrAuditQueueFull
	}
}

// Close stops accepting records and waits for the queued ones to be handed
// downstream, or for ctx to end.
func (q *AuditQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.records)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *AuditQueue) run() {
	defer close(q.done)
	for rec := range q.records {
		metrics.AuditQueueDepth.Set(float64(len(q.records)))

		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.next.Publish(ctx, rec)
		cancel()
		if err != nil {
			q.log.Warn().
				Err(err).
				Str("kind", string(rec.Kind)).
				Str("key", rec.Key).
				Msg("failed to publish audit record")
		}
	}
}
