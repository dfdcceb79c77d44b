package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"beacon/internal/channel"
	"beacon/internal/config"
	"beacon/internal/dispatch"
	"beacon/internal/engine"
	"beacon/internal/feed"
	"beacon/internal/kafka"
	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
	"beacon/internal/state"
	"beacon/internal/storage"
	"beacon/internal/worker"
)

// Processor is the high-level coordinator: it feeds readings from HTTP, Kafka
// and MQTT through the trigger engine and dispatches the resulting alerts.
type Processor struct {
	cfg   *config.Config
	node  string
	clock clock.Clock

	triggers  storage.TriggerStore
	alerts    storage.AlertStore
	cooldowns state.Cooldowns
	registry  *channel.Registry

	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	sweeper    *dispatch.Sweeper
	workerPool *worker.Pool

	producer   *kafka.Producer
	auditQueue *dispatch.AuditQueue
	consumer   *kafka.Consumer
	mqttClient mqtt.Client
	mqttFeed   *feed.MQTTFeed

	httpServer   *http.Server
	envelopeChan chan *models.Envelope

	// Feed goroutines, stopped before the queue is closed
	feeds sync.WaitGroup
	wg    sync.WaitGroup
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	queueSize := cfg.Worker.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Processor{
		cfg:          cfg,
		node:         config.NodeID(),
		clock:        clock.New(),
		envelopeChan: make(chan *models.Envelope, queueSize),
	}
}

// Run builds the components, starts background goroutines and blocks until
// ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Str("node", p.node).Msg("processor starting")

	if err := p.Setup(ctx); err != nil {
		log.Error().Err(err).Msg("setup failed")
		p.closeResources()
		return err
	}

	ln, err := net.Listen("tcp", p.cfg.HTTP.Addr)
	if err != nil {
		p.closeResources()
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.HTTP.Addr, err)
	}

	p.workerPool.Start()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", ln.Addr().String()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if p.consumer != nil {
		p.feeds.Add(1)
		go func() {
			defer p.feeds.Done()
			if err := p.consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("kafka feed stopped")
			}
		}()
	}

	if p.mqttFeed != nil {
		p.feeds.Add(1)
		go func() {
			defer p.feeds.Done()
			if err := p.mqttFeed.Start(ctx); err != nil {
				log.Error().Err(err).Msg("mqtt feed stopped")
			}
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweeper.Run(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return p.shutdown()
}

// shutdown performs graceful shutdown. Every producer of envelopes stops
// before the queue is closed, then the workers drain what is left.
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Feeds return once ctx is done
	p.feeds.Wait()
	if p.consumer != nil {
		if err := p.consumer.Stop(); err != nil {
			log.Error().Err(err).Msg("kafka consumer close error")
		}
	}

	// 2. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 3. Nothing sends on the queue anymore
	log.Info().Msg("closing envelope channel")
	close(p.envelopeChan)

	// 4. Wait for workers to finish processing (with timeout)
	done := make(chan struct{})
	go func() {
		p.workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("workers stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("worker shutdown timeout - forcing exit")
	}

	// 5. Sweeper, stats and HTTP goroutines
	p.wg.Wait()

	// 6. Hand the remaining audit records to the producer before it closes
	if p.auditQueue != nil {
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelDrain()
		if err := p.auditQueue.Close(drainCtx); err != nil {
			log.Warn().Err(err).Msg("audit queue not drained")
		}
	}

	p.closeResources()
	log.Info().Msg("processor stopped gracefully")
	return nil
}

// closeResources releases connections opened by Setup
func (p *Processor) closeResources() {
	log := logger.WithComponent("processor")

	if p.producer != nil {
		log.Info().Msg("closing kafka producer")
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
	if p.mqttClient != nil {
		p.mqttClient.Disconnect(250)
	}
	if p.cooldowns != nil {
		if err := p.cooldowns.Close(); err != nil {
			log.Error().Err(err).Msg("cooldown store close error")
		}
	}
	if p.triggers != nil {
		p.triggers.Close()
	}
	if p.alerts != nil {
		if err := p.alerts.Close(); err != nil {
			log.Error().Err(err).Msg("alert store close error")
		}
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := p.clock.Ticker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			workerStats := p.workerPool.Stats()
			metrics.WorkerQueueSize.Set(float64(len(p.envelopeChan)))

			ev := log.Info().
				Uint64("worker_processed", workerStats.Processed).
				Uint64("worker_failed", workerStats.Failed).
				Uint64("fired", workerStats.Fired).
				Uint64("dispatched", workerStats.Dispatched).
				Uint64("dispatch_failed", workerStats.DispatchFailed).
				Int("queue_size", len(p.envelopeChan))
			if p.producer != nil {
				producerStats := p.producer.Stats()
				ev = ev.Uint64("audit_sent", producerStats.MessagesSent).
					Uint64("audit_failed", producerStats.MessagesFailed)
			}
			ev.Msg("stats")
		}
	}
}
