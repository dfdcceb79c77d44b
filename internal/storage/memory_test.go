package storage

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"beacon/internal/models"
)

func waterCondition(id string) *models.TriggerCondition {
	return &models.TriggerCondition{
		ID:            id,
		Name:          "River gauge " + id,
		Category:      models.CategoryWater,
		Parameter:     "water_level",
		Comparator:    models.Greater,
		Threshold:     8.5,
		Unit:          "m",
		Active:        true,
		AlertCategory: models.AlertFlood,
		Severity:      models.SeverityHigh,
	}
}

func draftAlert() *models.EmergencyAlert {
	return &models.EmergencyAlert{
		Category: models.AlertFlood,
		Severity: models.SeverityHigh,
		Title:    "Flood warning",
		Body:     "River levels rising near the east bank",
		Area:     "East bank",
		Channels: []string{"sms", "sirens"},
	}
}

func TestMemoryTriggers_UpsertPreservesFireHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTriggers()

	if _, err := s.Upsert(ctx, waterCondition("c1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.RecordFire(ctx, "c1", time.Now()); err != nil {
		t.Fatalf("record fire: %v", err)
	}

	edited := waterCondition("c1")
	edited.Threshold = 9
	edited.TriggerCount = 42
	got, err := s.Upsert(ctx, edited)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got.TriggerCount != 1 || got.LastTriggeredAt == nil {
		t.Errorf("fire history not preserved: count=%d last=%v", got.TriggerCount, got.LastTriggeredAt)
	}
	if got.Threshold != 9 {
		t.Errorf("threshold not updated: %v", got.Threshold)
	}
}

func TestMemoryTriggers_InvalidUpsertLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTriggers()
	if _, err := s.Upsert(ctx, waterCondition("c1")); err != nil {
		t.Fatal(err)
	}

	bad := waterCondition("c1")
	bad.Threshold = math.Inf(1)
	if _, err := s.Upsert(ctx, bad); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	got, _ := s.Get(ctx, "c1")
	if got.Threshold != 8.5 {
		t.Errorf("invalid upsert altered state: %v", got.Threshold)
	}
}

func TestMemoryTriggers_AssignsID(t *testing.T) {
	s := NewMemoryTriggers()
	got, err := s.Upsert(context.Background(), waterCondition(""))
	if err != nil {
		t.Fatal(err)
	}
	if got.ID == "" {
		t.Error("expected generated id")
	}
}

func TestMemoryTriggers_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTriggers()

	if err := s.Delete(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("delete: expected not found, got %v", err)
	}
	if _, err := s.SetActive(ctx, "missing", true); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("set active: expected not found, got %v", err)
	}
	if _, err := s.RecordFire(ctx, "missing", time.Now()); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("record fire: expected not found, got %v", err)
	}
}

func TestMemoryTriggers_DeleteInactive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTriggers()

	if _, err := s.Upsert(ctx, waterCondition("c1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.DeleteInactive(ctx, "c1"); !errors.Is(err, ErrConditionActive) {
		t.Fatalf("expected ErrConditionActive, got %v", err)
	}
	if _, err := s.Get(ctx, "c1"); err != nil {
		t.Fatalf("active condition should survive: %v", err)
	}

	if _, err := s.SetActive(ctx, "c1", false); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := s.DeleteInactive(ctx, "c1"); err != nil {
		t.Fatalf("delete inactive: %v", err)
	}
	if err := s.DeleteInactive(ctx, "c1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMemoryTriggers_ListActiveFiltersByParameter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTriggers()

	s.Upsert(ctx, waterCondition("a"))
	inactive := waterCondition("b")
	inactive.Active = false
	s.Upsert(ctx, inactive)
	wind := waterCondition("c")
	wind.Category = models.CategoryWeather
	wind.Parameter = "wind_speed"
	s.Upsert(ctx, wind)

	got, err := s.ListActive(ctx, "water_level")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("unexpected active conditions: %+v", got)
	}

	all, _ := s.List(ctx)
	if len(all) != 3 {
		t.Errorf("expected 3 conditions, got %d", len(all))
	}
}

func TestMemoryTriggers_ConcurrentRecordFireIsAdditive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTriggers()
	s.Upsert(ctx, waterCondition("c1"))

	const fires = 200
	var wg sync.WaitGroup
	for i := 0; i < fires; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.RecordFire(ctx, "c1", time.Unix(int64(i), 0))
		}(i)
	}
	wg.Wait()

	got, _ := s.Get(ctx, "c1")
	if got.TriggerCount != fires {
		t.Errorf("expected %d fires, got %d", fires, got.TriggerCount)
	}
}

func TestMemoryAlerts_CreateValidates(t *testing.T) {
	s := NewMemoryAlerts(nil)

	a := draftAlert()
	a.Title = "   "
	if _, err := s.Create(context.Background(), a); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	list, _ := s.List(context.Background(), AlertFilter{})
	if len(list) != 0 {
		t.Errorf("invalid create persisted an alert")
	}
}

func TestMemoryAlerts_CreateProducesDraft(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewMemoryAlerts(mock)

	in := draftAlert()
	in.Status = models.StatusActive
	in.Deliveries = []models.DeliveryRecord{{Channel: "sms", Outcome: models.OutcomeSent}}

	got, err := s.Create(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusDraft || len(got.Deliveries) != 0 {
		t.Errorf("expected empty draft, got status=%s deliveries=%d", got.Status, len(got.Deliveries))
	}
	if !got.IssuedAt.Equal(mock.Now()) {
		t.Errorf("issued at %v, want %v", got.IssuedAt, mock.Now())
	}
	if got.Priority != 4 {
		t.Errorf("expected priority from severity, got %d", got.Priority)
	}
}

func TestMemoryAlerts_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAlerts(nil)

	a, _ := s.Create(ctx, draftAlert())

	if _, err := s.Cancel(ctx, a.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("cancel draft: expected invalid transition, got %v", err)
	}
	if _, err := s.Activate(ctx, a.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := s.Cancel(ctx, a.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.Cancel(ctx, a.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("second cancel: expected invalid transition, got %v", err)
	}
	if _, err := s.Activate(ctx, a.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("activate after cancel: expected invalid transition, got %v", err)
	}
	if _, err := s.Expire(ctx, a.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expire after cancel: expected invalid transition, got %v", err)
	}

	got, _ := s.Get(ctx, a.ID)
	if got.Status != models.StatusCancelled {
		t.Errorf("state changed by rejected transitions: %s", got.Status)
	}
}

func TestMemoryAlerts_AppendDeliveries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAlerts(nil)
	a, _ := s.Create(ctx, draftAlert())

	reach := 100
	batch := []models.DeliveryRecord{
		{Channel: "sms", Outcome: models.OutcomeSent, Reach: &reach},
		{Channel: "sirens", Outcome: models.OutcomeFailed},
	}

	if _, err := s.AppendDeliveries(ctx, a.ID, batch); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("append to draft: expected invalid transition, got %v", err)
	}

	s.Activate(ctx, a.ID)
	got, err := s.AppendDeliveries(ctx, a.ID, batch)
	if err != nil {
		t.Fatal(err)
	}
	got, err = s.AppendDeliveries(ctx, a.ID, batch[:1])
	if err != nil {
		t.Fatal(err)
	}

	if len(got.Deliveries) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got.Deliveries))
	}
	if got.Deliveries[0].Attempt != 1 || got.Deliveries[2].Attempt != 2 {
		t.Errorf("unexpected attempt numbering: %+v", got.Deliveries)
	}
	if got.Reach() != 200 {
		t.Errorf("expected reach 200, got %d", got.Reach())
	}

	reach = 1
	again, _ := s.Get(ctx, a.ID)
	if again.Reach() != 200 {
		t.Errorf("store shares reach pointer with caller")
	}
}

func TestMemoryAlerts_ExpireDueAndActiveForTrigger(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	s := NewMemoryAlerts(mock)

	soon := mock.Now().Add(time.Minute)
	a := draftAlert()
	a.TriggerID = "c1"
	a.ExpiresAt = &soon
	created, _ := s.Create(ctx, a)
	s.Activate(ctx, created.ID)

	open := draftAlert()
	openCreated, _ := s.Create(ctx, open)
	s.Activate(ctx, openCreated.ID)

	active, _ := s.HasActiveForTrigger(ctx, "c1")
	if !active {
		t.Fatal("expected active alert for trigger")
	}

	ids, _ := s.ExpireDue(ctx, mock.Now())
	if len(ids) != 0 {
		t.Fatalf("nothing should expire yet, got %v", ids)
	}

	mock.Add(2 * time.Minute)
	ids, _ = s.ExpireDue(ctx, mock.Now())
	if len(ids) != 1 || ids[0] != created.ID {
		t.Fatalf("expected %s to expire, got %v", created.ID, ids)
	}

	active, _ = s.HasActiveForTrigger(ctx, "c1")
	if active {
		t.Error("expired alert still counted as active")
	}

	still, _ := s.Get(ctx, openCreated.ID)
	if still.Status != models.StatusActive {
		t.Errorf("alert without expiry changed to %s", still.Status)
	}
}

func TestMemoryAlerts_ListFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAlerts(nil)

	a, _ := s.Create(ctx, draftAlert())
	s.Create(ctx, draftAlert())
	s.Activate(ctx, a.ID)

	got, _ := s.List(ctx, AlertFilter{Status: models.StatusActive})
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("unexpected filtered list: %+v", got)
	}
	got, _ = s.List(ctx, AlertFilter{Limit: 1})
	if len(got) != 1 {
		t.Errorf("limit not applied: %d", len(got))
	}
}
