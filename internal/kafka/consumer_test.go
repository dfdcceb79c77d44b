package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"beacon/internal/models"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  chan kafka.Message
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{messages: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.messages <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.messages:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func readingMessage(offset int64, body string) kafka.Message {
	return kafka.Message{Topic: "sensor-readings", Partition: 0, Offset: offset, Value: []byte(body)}
}

func TestConsumer_QueuesValidReadings(t *testing.T) {
	ts := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	reader := newFakeReader(
		readingMessage(1, `{"sensor_id":"g1","parameter":"water_level","value":9.1,"timestamp":"`+ts+`"}`),
		readingMessage(2, `not json`),
		readingMessage(3, `[{"sensor_id":"g2","parameter":"rainfall","value":12,"timestamp":"`+ts+`"},{"sensor_id":"","parameter":"rainfall","value":1,"timestamp":"`+ts+`"}]`),
	)
	out := make(chan *models.Envelope, 10)
	c := newConsumer(reader, ConsumerConfig{Topic: "sensor-readings", NodeID: "node-1"}, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(reader.commits()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 commits, got %v", reader.commits())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start returned %v", err)
	}

	if len(out) != 2 {
		t.Fatalf("expected 2 queued readings, got %d", len(out))
	}
	first := <-out
	if first.Reading.SensorID != "g1" || first.Source != "kafka" || first.IngestNode != "node-1" {
		t.Errorf("unexpected envelope: %+v", first)
	}
	if first.BatchID != "sensor-readings-0-1" {
		t.Errorf("unexpected batch id %q", first.BatchID)
	}
	second := <-out
	if second.Reading.Parameter != "rainfall" || second.BatchIndex != 0 {
		t.Errorf("unexpected envelope: %+v", second)
	}
}

func TestConsumer_BlockedQueueStopsWithoutCommit(t *testing.T) {
	ts := time.Now().UTC().Format(time.RFC3339)
	reader := newFakeReader(readingMessage(7, `{"sensor_id":"g1","parameter":"water_level","value":9,"timestamp":"`+ts+`"}`))
	out := make(chan *models.Envelope) // nobody reads
	c := newConsumer(reader, ConsumerConfig{Topic: "sensor-readings"}, out)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start returned %v", err)
	}
	if commits := reader.commits(); len(commits) != 0 {
		t.Errorf("uncommitted message was committed: %v", commits)
	}

	c.Stop()
	if !reader.closed {
		t.Error("reader not closed")
	}
}

func TestConsumer_CommitsBeforeEvaluation(t *testing.T) {
	ts := time.Now().UTC().Format(time.RFC3339)
	reader := newFakeReader(readingMessage(5, `{"sensor_id":"g1","parameter":"water_level","value":9,"timestamp":"`+ts+`"}`))
	out := make(chan *models.Envelope, 1) // queued, never evaluated
	c := newConsumer(reader, ConsumerConfig{Topic: "sensor-readings"}, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(reader.commits()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("queued reading was never committed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if commits := reader.commits(); commits[0] != 5 {
		t.Errorf("unexpected commits: %v", commits)
	}
	if len(out) != 1 {
		t.Errorf("expected the reading to still be waiting in the queue, got %d", len(out))
	}
}
