package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"beacon/internal/config"
	"beacon/internal/models"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	err      error
	written  []kafka.Message
	calls    int
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func testProducerConfig() config.ProducerConfig {
	cfg := config.Default().Kafka.Producer
	cfg.PoolSize = 1
	cfg.MaxRetries = 2
	cfg.RetryBackoff = config.Duration(time.Millisecond)
	return cfg
}

func newTestProducer(t *testing.T, w *fakeWriter) *Producer {
	t.Helper()
	p, err := NewProducer([]string{"localhost:9092"}, "beacon-audit", testProducerConfig(),
		withWriterFactory(func() messageWriter { return w }))
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}
	return p
}

func auditRecord(t *testing.T, kind models.AuditKind, key string) *models.AuditRecord {
	t.Helper()
	rec, err := models.NewAuditRecord(kind, key, map[string]string{"alert_id": key})
	if err != nil {
		t.Fatal(err)
	}
	rec.EmitterNode = "node-1"
	return rec
}

func TestProducer_PublishKeysByRecord(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(t, w)
	defer p.Close()

	if err := p.Publish(context.Background(), auditRecord(t, models.AuditDispatch, "alert-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(w.written) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.written))
	}
	msg := w.written[0]
	if string(msg.Key) != "alert-1" {
		t.Errorf("unexpected key %q", msg.Key)
	}
	if string(msg.Headers[0].Value) != "dispatch" {
		t.Errorf("unexpected kind header %q", msg.Headers[0].Value)
	}

	var decoded models.AuditRecord
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != models.AuditDispatch || decoded.EmitterNode != "node-1" {
		t.Errorf("unexpected record: %+v", decoded)
	}

	stats := p.Stats()
	if stats.MessagesSent != 1 || stats.BytesWritten == 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestProducer_RetriesThenSucceeds(t *testing.T) {
	w := &fakeWriter{failures: 2, err: errors.New("leader not available")}
	p := newTestProducer(t, w)
	defer p.Close()

	records := []*models.AuditRecord{
		auditRecord(t, models.AuditFire, "river"),
		auditRecord(t, models.AuditDispatch, "alert-1"),
	}
	if err := p.PublishBatch(context.Background(), records); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if w.calls != 3 || len(w.written) != 2 {
		t.Errorf("expected 3 calls and 2 messages, got %d and %d", w.calls, len(w.written))
	}
}

func TestProducer_GivesUpAfterMaxRetries(t *testing.T) {
	w := &fakeWriter{failures: 10, err: errors.New("broker down")}
	p := newTestProducer(t, w)
	defer p.Close()

	err := p.Publish(context.Background(), auditRecord(t, models.AuditFire, "river"))
	if err == nil {
		t.Fatal("expected error")
	}
	if w.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", w.calls)
	}
	if p.Stats().MessagesFailed != 1 {
		t.Errorf("expected 1 failed message, got %d", p.Stats().MessagesFailed)
	}
}

func TestProducer_Closed(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(t, w)

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := p.Publish(context.Background(), auditRecord(t, models.AuditFire, "river")); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second close should be a no-op: %v", err)
	}
}

func TestNewProducer_RequiresBrokersAndTopic(t *testing.T) {
	if _, err := NewProducer(nil, "beacon-audit", testProducerConfig()); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewProducer([]string{"localhost:9092"}, "", testProducerConfig()); err == nil {
		t.Error("expected error without topic")
	}
}

// skipIfNoKafka skips the test if Kafka is not available
func skipIfNoKafka(t *testing.T) {
	if os.Getenv("KAFKA_TEST") != "1" {
		t.Skip("Skipping Kafka integration test. Set KAFKA_TEST=1 to run.")
	}
}

func TestProducer_Integration(t *testing.T) {
	skipIfNoKafka(t)

	cfg := config.Default()
	producer, err := NewProducer(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic, cfg.Kafka.Producer)
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := producer.HealthCheck(ctx); err != nil {
		t.Fatalf("health check: %v", err)
	}
	if err := producer.Publish(ctx, auditRecord(t, models.AuditLifecycle, "alert-1")); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	if stats := producer.Stats(); stats.MessagesSent != 1 {
		t.Errorf("expected 1 message sent, got %d", stats.MessagesSent)
	}
}
