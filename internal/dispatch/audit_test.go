package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"beacon/internal/channel"
	"beacon/internal/models"
	"beacon/internal/storage"
)

// slowAudit holds every publish until release is closed or the publish
// context ends.
type slowAudit struct {
	recordingAudit
	release  chan struct{}
	deadline atomic.Bool
}

func (s *slowAudit) Publish(ctx context.Context, rec *models.AuditRecord) error {
	if _, ok := ctx.Deadline(); ok {
		s.deadline.Store(true)
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.recordingAudit.Publish(ctx, rec)
}

func TestAuditQueue_SlowBrokerDoesNotDelaySends(t *testing.T) {
	audit := &slowAudit{release: make(chan struct{})}
	queue := NewAuditQueue(audit, AuditQueueOptions{Timeout: 10 * time.Second})

	started := make(chan struct{}, 1)
	registry := channel.NewRegistry(time.Second)
	registry.Register("sms", channel.AdapterFunc(func(ctx context.Context, msg channel.Message) channel.Result {
		started <- struct{}{}
		return channel.Sent(10)
	}), 0)

	d := New(storage.NewMemoryAlerts(nil), registry, queue, Options{
		DefaultChannels: map[models.AlertCategory][]string{models.AlertGeneral: {"sms"}},
	})

	begin := time.Now()
	res, err := d.DispatchFire(context.Background(), models.FireEvent{
		ConditionID:   "river",
		ConditionName: "River high",
		Category:      models.AlertFlood,
		Severity:      models.SeverityHigh,
		Parameter:     "water_level",
		Comparator:    models.Greater,
		Value:         9,
		Threshold:     8.5,
		SensorID:      "gauge-1",
		FiredAt:       time.Now(),
	})
	if err != nil {
		t.Fatalf("dispatch fire: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 500*time.Millisecond {
		t.Errorf("dispatch waited on the audit publisher: %v", elapsed)
	}
	if res.Status != StatusFull {
		t.Errorf("expected full delivery, got %s", res.Status)
	}
	select {
	case <-started:
	default:
		t.Fatal("sms send did not run")
	}

	close(audit.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := queue.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	kinds := audit.kinds()
	want := []models.AuditKind{models.AuditFire, models.AuditLifecycle, models.AuditDispatch}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected audit records: %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("audit %d: got %s want %s", i, kinds[i], want[i])
		}
	}
}

func TestAuditQueue_PublishIsBounded(t *testing.T) {
	audit := &slowAudit{release: make(chan struct{})}
	queue := NewAuditQueue(audit, AuditQueueOptions{Timeout: 20 * time.Millisecond})

	for i := 0; i < 2; i++ {
		rec, _ := models.NewAuditRecord(models.AuditFire, "river", map[string]int{"i": i})
		if err := queue.Publish(context.Background(), rec); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	// Both publishes time out without release ever closing
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := queue.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !audit.deadline.Load() {
		t.Error("downstream publish ran without a deadline")
	}
	if kinds := audit.kinds(); len(kinds) != 0 {
		t.Errorf("expected no completed publishes, got %v", kinds)
	}
}

func TestAuditQueue_FullAndClosed(t *testing.T) {
	audit := &slowAudit{release: make(chan struct{})}
	queue := NewAuditQueue(audit, AuditQueueOptions{Size: 1, Timeout: 10 * time.Second})
	rec, _ := models.NewAuditRecord(models.AuditFire, "river", nil)

	// One record can be held by the publisher and one buffered
	var full bool
	for i := 0; i < 3; i++ {
		if err := queue.Publish(context.Background(), rec); errors.Is(err, ErrAuditQueueFull) {
			full = true
		}
	}
	if !full {
		t.Error("expected a full queue to drop")
	}

	close(audit.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := queue.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), rec); !errors.Is(err, ErrAuditQueueClosed) {
		t.Errorf("expected closed error, got %v", err)
	}
	if err := queue.Close(ctx); err != nil {
		t.Errorf("second close: %v", err)
	}
}
