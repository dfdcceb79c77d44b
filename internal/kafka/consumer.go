package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
)

// messageReader is the part of *kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds the reading feed settings
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	NodeID  string
}

// Consumer reads sensor readings from a topic and queues them for evaluation.
// Offsets are committed once every reading in a message is queued or rejected,
// before any of them is evaluated. A crash loses readings still waiting in the
// queue; only a message whose readings were not all queued is redelivered.
type Consumer struct {
	reader messageReader
	out    chan<- *models.Envelope
	topic  string
	node   string
	log    zerolog.Logger
}

// NewConsumer creates a consumer group member for cfg.Topic
func NewConsumer(cfg ConsumerConfig, out chan<- *models.Envelope) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newConsumer(reader, cfg, out), nil
}

func newConsumer(reader messageReader, cfg ConsumerConfig, out chan<- *models.Envelope) *Consumer {
	return &Consumer{
		reader: reader,
		out:    out,
		topic:  cfg.Topic,
		node:   cfg.NodeID,
		log:    logger.WithComponent("kafka_consumer"),
	}
}

// Start consumes until ctx is cancelled
func (c *Consumer) Start(ctx context.Context) error {
	c.log.Info().Str("topic", c.topic).Msg("kafka consumer started")
	defer c.log.Info().Msg("kafka consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			// Only cancellation stops handling; the message is redelivered
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("failed to commit offset")
		}
	}
}

// handle queues every valid reading of msg. It only fails when ctx ends
// before the queue accepts a reading.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	inputs, err := models.DecodeReadings(msg.Value)
	if err != nil {
		metrics.ReadingsReceived.WithLabelValues("kafka", "rejected").Inc()
		c.log.Warn().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("skipping undecodable message")
		return nil
	}

	batchID := fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	for i, input := range inputs {
		reading, err := input.Reading()
		if err != nil {
			metrics.ReadingsReceived.WithLabelValues("kafka", "rejected").Inc()
			metrics.ReadingValidationErrors.WithLabelValues(models.ErrorField(err)).Inc()
			c.log.Debug().Err(err).Str("sensor_id", input.SensorID).Msg("rejected reading")
			continue
		}

		envelope := models.NewEnvelope(reading, c.node, "kafka").WithBatch(batchID, i)
		select {
		case c.out <- envelope:
			metrics.ReadingsReceived.WithLabelValues("kafka", "accepted").Inc()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop closes the reader
func (c *Consumer) Stop() error {
	return c.reader.Close()
}
