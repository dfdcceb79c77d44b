package storage

import (
	"context"
	"errors"
	"time"

	"beacon/internal/models"
)

// ErrConditionActive is returned by DeleteInactive for an active condition.
var ErrConditionActive = errors.New("trigger condition is active")

// TriggerStore owns TriggerCondition records. Every mutation of one condition
// is serialized; fire history changes only through RecordFire.
type TriggerStore interface {
	List(ctx context.Context) ([]*models.TriggerCondition, error)
	// ListActive returns the active conditions watching parameter.
	ListActive(ctx context.Context, parameter string) ([]*models.TriggerCondition, error)
	Get(ctx context.Context, id string) (*models.TriggerCondition, error)
	// Upsert validates and stores c. An existing condition keeps its fire history.
	Upsert(ctx context.Context, c *models.TriggerCondition) (*models.TriggerCondition, error)
	SetActive(ctx context.Context, id string, active bool) (*models.TriggerCondition, error)
	Delete(ctx context.Context, id string) error
	// DeleteInactive removes the condition only if it is inactive at the
	// moment of removal, returning ErrConditionActive otherwise.
	DeleteInactive(ctx context.Context, id string) error
	// RecordFire adds one to TriggerCount and sets LastTriggeredAt to firedAt.
	RecordFire(ctx context.Context, id string, firedAt time.Time) (*models.TriggerCondition, error)
	Close() error
}

// AlertFilter narrows AlertStore.List. Zero fields match everything.
type AlertFilter struct {
	Status    models.AlertStatus
	TriggerID string
	Limit     int
}

// AlertStore owns EmergencyAlert records and their delivery history and
// enforces the draft -> active -> expired|cancelled lifecycle.
type AlertStore interface {
	// Create stores a draft with an empty delivery history issued now.
	Create(ctx context.Context, a *models.EmergencyAlert) (*models.EmergencyAlert, error)
	Get(ctx context.Context, id string) (*models.EmergencyAlert, error)
	List(ctx context.Context, filter AlertFilter) ([]*models.EmergencyAlert, error)

	Activate(ctx context.Context, id string) (*models.EmergencyAlert, error)
	Expire(ctx context.Context, id string) (*models.EmergencyAlert, error)
	Cancel(ctx context.Context, id string) (*models.EmergencyAlert, error)

	// AppendDeliveries appends one dispatch batch atomically, numbering it
	// with the next attempt. Drafts are rejected.
	AppendDeliveries(ctx context.Context, id string, batch []models.DeliveryRecord) (*models.EmergencyAlert, error)

	// HasActiveForTrigger reports whether an alert raised by the condition is still active.
	HasActiveForTrigger(ctx context.Context, triggerID string) (bool, error)

	// ExpireDue moves every active alert whose expiry is before now to expired.
	ExpireDue(ctx context.Context, now time.Time) ([]string, error)
	Close() error
}

func notFoundTrigger(id string) error { return &models.NotFoundError{Kind: "trigger", ID: id} }

func notFoundAlert(id string) error { return &models.NotFoundError{Kind: "alert", ID: id} }

// prepareTrigger normalizes and validates c, returning a copy with an id.
func prepareTrigger(c *models.TriggerCondition, newID func() string) (*models.TriggerCondition, error) {
	out := c.Clone()
	out.Normalize()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = newID()
	}
	return out, nil
}

// prepareAlert normalizes and validates a, returning a fresh draft issued at now.
func prepareAlert(a *models.EmergencyAlert, now time.Time, newID func() string) (*models.EmergencyAlert, error) {
	out := a.Clone()
	out.Normalize()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = newID()
	}
	out.Status = models.StatusDraft
	out.Deliveries = []models.DeliveryRecord{}
	out.IssuedAt = now.UTC()
	return out, nil
}
