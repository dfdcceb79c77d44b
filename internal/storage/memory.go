package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"beacon/internal/models"
)

// MemoryTriggers is an in-process TriggerStore. Records are copied on the way
// in and out so callers never share state with the store.
type MemoryTriggers struct {
	mu         sync.RWMutex
	conditions map[string]*models.TriggerCondition
}

// NewMemoryTriggers creates an empty trigger store
func NewMemoryTriggers() *MemoryTriggers {
	return &MemoryTriggers{conditions: make(map[string]*models.TriggerCondition)}
}

func (s *MemoryTriggers) List(ctx context.Context) ([]*models.TriggerCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.TriggerCondition, 0, len(s.conditions))
	for _, c := range s.conditions {
		out = append(out, c.Clone())
	}
	sortConditions(out)
	return out, nil
}

func (s *MemoryTriggers) ListActive(ctx context.Context, parameter string) ([]*models.TriggerCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TriggerCondition
	for _, c := range s.conditions {
		if c.Active && c.Parameter == parameter {
			out = append(out, c.Clone())
		}
	}
	sortConditions(out)
	return out, nil
}

func (s *MemoryTriggers) Get(ctx context.Context, id string) (*models.TriggerCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conditions[id]
	if !ok {
		return nil, notFoundTrigger(id)
	}
	return c.Clone(), nil
}

func (s *MemoryTriggers) Upsert(ctx context.Context, c *models.TriggerCondition) (*models.TriggerCondition, error) {
	next, err := prepareTrigger(c, uuid.NewString)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.conditions[next.ID]; ok {
		next.TriggerCount = prev.TriggerCount
		next.LastTriggeredAt = prev.LastTriggeredAt
	} else {
		next.TriggerCount = 0
		next.LastTriggeredAt = nil
	}
	s.conditions[next.ID] = next
	return next.Clone(), nil
}

func (s *MemoryTriggers) SetActive(ctx context.Context, id string, active bool) (*models.TriggerCondition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conditions[id]
	if !ok {
		return nil, notFoundTrigger(id)
	}
	c.Active = active
	return c.Clone(), nil
}

func (s *MemoryTriggers) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conditions[id]; !ok {
		return notFoundTrigger(id)
	}
	delete(s.conditions, id)
	return nil
}

func (s *MemoryTriggers) DeleteInactive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conditions[id]
	if !ok {
		return notFoundTrigger(id)
	}
	if c.Active {
		return ErrConditionActive
	}
	delete(s.conditions, id)
	return nil
}

func (s *MemoryTriggers) RecordFire(ctx context.Context, id string, firedAt time.Time) (*models.TriggerCondition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conditions[id]
	if !ok {
		return nil, notFoundTrigger(id)
	}
	c.TriggerCount++
	t := firedAt.UTC()
	c.LastTriggeredAt = &t
	return c.Clone(), nil
}

func (s *MemoryTriggers) Close() error { return nil }

func sortConditions(cs []*models.TriggerCondition) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Name != cs[j].Name {
			return cs[i].Name < cs[j].Name
		}
		return cs[i].ID < cs[j].ID
	})
}

// MemoryAlerts is an in-process AlertStore
type MemoryAlerts struct {
	mu     sync.RWMutex
	alerts map[string]*models.EmergencyAlert
	clock  clock.Clock
}

// NewMemoryAlerts creates an empty alert store. A nil clock uses wall time.
func NewMemoryAlerts(clk clock.Clock) *MemoryAlerts {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryAlerts{
		alerts: make(map[string]*models.EmergencyAlert),
		clock:  clk,
	}
}

func (s *MemoryAlerts) Create(ctx context.Context, a *models.EmergencyAlert) (*models.EmergencyAlert, error) {
	next, err := prepareAlert(a, s.clock.Now(), uuid.NewString)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.alerts[next.ID]; exists {
		return nil, models.Invalid("id", "alert %q already exists", next.ID)
	}
	s.alerts[next.ID] = next
	return next.Clone(), nil
}

func (s *MemoryAlerts) Get(ctx context.Context, id string) (*models.EmergencyAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, notFoundAlert(id)
	}
	return a.Clone(), nil
}

func (s *MemoryAlerts) List(ctx context.Context, filter AlertFilter) ([]*models.EmergencyAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.EmergencyAlert, 0)
	for _, a := range s.alerts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.TriggerID != "" && a.TriggerID != filter.TriggerID {
			continue
		}
		out = append(out, a.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].ID < out[j].ID
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryAlerts) Activate(ctx context.Context, id string) (*models.EmergencyAlert, error) {
	return s.transition(id, models.StatusDraft, models.StatusActive)
}

func (s *MemoryAlerts) Expire(ctx context.Context, id string) (*models.EmergencyAlert, error) {
	return s.transition(id, models.StatusActive, models.StatusExpired)
}

func (s *MemoryAlerts) Cancel(ctx context.Context, id string) (*models.EmergencyAlert, error) {
	return s.transition(id, models.StatusActive, models.StatusCancelled)
}

func (s *MemoryAlerts) transition(id string, from, to models.AlertStatus) (*models.EmergencyAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, notFoundAlert(id)
	}
	if a.Status != from {
		return nil, &models.InvalidTransitionError{AlertID: id, From: a.Status, To: to}
	}
	a.Status = to
	if to == models.StatusActive && a.IssuedAt.IsZero() {
		a.IssuedAt = s.clock.Now().UTC()
	}
	return a.Clone(), nil
}

func (s *MemoryAlerts) AppendDeliveries(ctx context.Context, id string, batch []models.DeliveryRecord) (*models.EmergencyAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, notFoundAlert(id)
	}
	if a.Status == models.StatusDraft {
		return nil, &models.InvalidTransitionError{AlertID: id, From: a.Status, Op: "record deliveries"}
	}

	attempt := a.Attempts() + 1
	for _, d := range batch {
		d.Attempt = attempt
		if d.Reach != nil {
			r := *d.Reach
			d.Reach = &r
		}
		a.Deliveries = append(a.Deliveries, d)
	}
	return a.Clone(), nil
}

func (s *MemoryAlerts) HasActiveForTrigger(ctx context.Context, triggerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.alerts {
		if a.TriggerID == triggerID && a.Status == models.StatusActive {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryAlerts) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, a := range s.alerts {
		if a.Status == models.StatusActive && a.Expired(now) {
			a.Status = models.StatusExpired
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

func (s *MemoryAlerts) Close() error { return nil }
