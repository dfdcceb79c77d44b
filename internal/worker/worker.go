package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"beacon/internal/dispatch"
	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
)

// Evaluator turns a reading into fire events
type Evaluator interface {
	Evaluate(ctx context.Context, reading *models.SensorReading) ([]models.FireEvent, error)
}

// FireDispatcher raises and sends the alert for a fire event
type FireDispatcher interface {
	DispatchFire(ctx context.Context, ev models.FireEvent) (*dispatch.Result, error)
}

// Pool manages a pool of workers that evaluate queued readings and dispatch
// an alert for every condition that fires
type Pool struct {
	evaluator    Evaluator
	dispatcher   FireDispatcher
	envelopeChan chan *models.Envelope
	workers      int
	timeout      time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed      atomic.Uint64
	failed         atomic.Uint64
	fired          atomic.Uint64
	dispatched     atomic.Uint64
	dispatchFailed atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Evaluator    Evaluator
	Dispatcher   FireDispatcher
	EnvelopeChan chan *models.Envelope
	Workers      int

	// Bound on evaluating one reading and dispatching its fires
	ProcessTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		evaluator:    cfg.Evaluator,
		dispatcher:   cfg.Dispatcher,
		envelopeChan: cfg.EnvelopeChan,
		workers:      cfg.Workers,
		timeout:      cfg.ProcessTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing envelopes
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Dur("process_timeout", p.timeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop stops all workers. Envelopes already queued are processed first.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// worker processes envelopes from the channel
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	log.Info().Msg("worker started")
	defer log.Info().Msg("worker stopped")

	for {
		select {
		case <-p.ctx.Done():
			p.drain(log)
			return

		case envelope, ok := <-p.envelopeChan:
			if !ok {
				return
			}
			p.process(log, envelope)
		}
	}
}

// drain processes whatever is still buffered without waiting for more
func (p *Pool) drain(log zerolog.Logger) {
	for {
		select {
		case envelope, ok := <-p.envelopeChan:
			if !ok {
				return
			}
			p.process(log, envelope)
		default:
			return
		}
	}
}

// process evaluates one reading and dispatches each resulting fire. A panic
// fails the envelope, not the worker.
func (p *Pool) process(log zerolog.Logger, envelope *models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
		}
	}()
	defer metrics.WorkerQueueSize.Set(float64(len(p.envelopeChan)))

	// Detached from the pool context so that a stop does not abort a reading midway
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	reading := envelope.Reading
	events, err := p.evaluator.Evaluate(ctx, reading)
	if err != nil {
		log.Error().
			Err(err).
			Str("sensor_id", reading.SensorID).
			Str("parameter", reading.Parameter).
			Str("source", envelope.Source).
			Int("fired", len(events)).
			Msg("failed to evaluate reading")
		if len(events) == 0 {
			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
			return
		}
	}

	for _, ev := range events {
		p.fired.Add(1)
		res, err := p.dispatcher.DispatchFire(ctx, ev)
		if err != nil {
			p.dispatchFailed.Add(1)
			log.Error().
				Err(err).
				Str("condition_id", ev.ConditionID).
				Msg("failed to dispatch fire")
			continue
		}
		p.dispatched.Add(1)
		log.Debug().
			Str("condition_id", ev.ConditionID).
			Str("alert_id", res.AlertID).
			Str("status", string(res.Status)).
			Msg("fire dispatched")
	}

	p.processed.Add(1)
	metrics.WorkerProcessedTotal.Inc()
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed:      p.processed.Load(),
		Failed:         p.failed.Load(),
		Fired:          p.fired.Load(),
		Dispatched:     p.dispatched.Load(),
		DispatchFailed: p.dispatchFailed.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed      uint64 `json:"processed"`
	Failed         uint64 `json:"failed"`
	Fired          uint64 `json:"fired"`
	Dispatched     uint64 `json:"dispatched"`
	DispatchFailed uint64 `json:"dispatch_failed"`
}
