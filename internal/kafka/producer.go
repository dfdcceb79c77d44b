package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"beacon/internal/config"
	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
)

// messageWriter is the part of *kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes audit records with a writer pool, retry and backoff
type Producer struct {
	cfg       config.ProducerConfig
	brokers   []string
	topic     string
	writers   []messageWriter
	pool      chan messageWriter
	newWriter func() messageWriter
	closed    atomic.Bool

	// Metrics
	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// ProducerOption is a functional option for configuring the producer
type ProducerOption func(*Producer)

// withWriterFactory replaces the kafka-go writers, for tests
func withWriterFactory(f func() messageWriter) ProducerOption {
	return func(p *Producer) { p.newWriter = f }
}

// NewProducer creates a new audit producer for topic
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	if topic == "" {
		return nil, errors.New("topic is required")
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	p := &Producer{
		cfg:     cfg,
		brokers: brokers,
		topic:   topic,
		writers: make([]messageWriter, cfg.PoolSize),
		pool:    make(chan messageWriter, cfg.PoolSize),
	}

	// Apply options
	for _, opt := range opts {
		opt(p)
	}

	if p.newWriter == nil {
		compression := getCompression(cfg.Compression)
		p.newWriter = func() messageWriter {
			return &kafka.Writer{
				Addr:         kafka.TCP(brokers...),
				Topic:        topic,
				Balancer:     &kafka.Hash{}, // Partition by key
				BatchSize:    cfg.BatchSize,
				BatchTimeout: cfg.BatchTimeout.D(),
				WriteTimeout: cfg.WriteTimeout.D(),
				RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
				Compression:  compression,
				MaxAttempts:  1, // Retries are ours
				Async:        false,
			}
		}
	}

	// Create writer pool
	for i := 0; i < cfg.PoolSize; i++ {
		writer := p.newWriter()
		p.writers[i] = writer
		p.pool <- writer
	}

	return p, nil
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None // no compression
	}
}

// toMessage keys the record by alert or condition id so that all records of
// one alert land on one partition in order
func toMessage(rec *models.AuditRecord) (kafka.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	return kafka.Message{
		Key:   []byte(rec.Key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
			{Key: "emitter_node", Value: []byte(rec.EmitterNode)},
		},
		Time: rec.EmittedAt,
	}, nil
}

// Publish sends one audit record
func (p *Producer) Publish(ctx context.Context, rec *models.AuditRecord) error {
	return p.PublishBatch(ctx, []*models.AuditRecord{rec})
}

// PublishBatch sends multiple audit records in a single write
func (p *Producer) PublishBatch(ctx context.Context, records []*models.AuditRecord) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	if len(records) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")
	start := time.Now()

	messages := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		msg, err := toMessage(rec)
		if err != nil {
			log.Error().
				Err(err).
				Str("kind", string(rec.Kind)).
				Str("key", rec.Key).
				Msg("failed to serialize audit record")
			p.messagesFailed.Add(1)
			metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
			if len(records) == 1 {
				return err
			}
			continue
		}
		messages = append(messages, msg)
	}

	if len(messages) == 0 {
		return nil
	}

	// Get writer from pool
	var writer messageWriter
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.messagesFailed.Add(uint64(len(messages)))
		metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(messages)))
		return ctx.Err()
	}

	err := p.publishWithRetry(ctx, writer, messages)
	duration := time.Since(start)

	metrics.KafkaPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(messages)).
			Dur("duration", duration).
			Msg("failed to publish audit records to kafka")
		p.messagesFailed.Add(uint64(len(messages)))
		metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(messages)))
		return err
	}

	log.Debug().
		Int("batch_size", len(messages)).
		Dur("duration", duration).
		Msg("audit records published to kafka")

	p.messagesSent.Add(uint64(len(messages)))
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(messages)))

	bytesTotal := uint64(0)
	for _, msg := range messages {
		bytesTotal += uint64(len(msg.Value))
	}
	p.bytesWritten.Add(bytesTotal)

	return nil
}

// publishWithRetry writes messages with exponential backoff retry
func (p *Producer) publishWithRetry(ctx context.Context, writer messageWriter, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	var lastErr error
	backoff := p.cfg.RetryBackoff.D()

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(messages)).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")

			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2 // Exponential backoff
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("batch_size", len(messages)).
			Msg("kafka publish attempt failed")

		// Check for non-retryable errors
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	log.Error().
		Err(lastErr).
		Int("max_retries", p.cfg.MaxRetries+1).
		Int("batch_size", len(messages)).
		Msg("kafka publish failed after all retries")

	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing writers: %v", errs)
	}
	return nil
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer metrics
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// HealthCheck dials the first reachable broker
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}
