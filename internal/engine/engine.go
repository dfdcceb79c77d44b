package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
	"beacon/internal/state"
	"beacon/internal/storage"
)

// Suppression reasons, also used as metric labels
const (
	SuppressActiveAlert = "active_alert"
	SuppressWindow      = "window"
	SuppressLease       = "lease"
)

// ActiveAlerts answers whether a condition still has a live alert
type ActiveAlerts interface {
	HasActiveForTrigger(ctx context.Context, triggerID string) (bool, error)
}

// Options configures re-fire suppression
type Options struct {
	// Minimum time between two fires of one condition. Zero disables the
	// window and the lease; an active alert still suppresses.
	Cooldown time.Duration
	Clock    clock.Clock
}

// Engine evaluates sensor readings against the active trigger conditions.
//
// A matching condition fires unless it is suppressed: an alert it raised is
// still active, it fired within the cool-down window, or another evaluation
// holds its cool-down lease. A fire increments the condition's history through
// the trigger store and yields one FireEvent.
type Engine struct {
	triggers storage.TriggerStore
	alerts   ActiveAlerts
	leases   state.Cooldowns
	cooldown time.Duration
	clock    clock.Clock
	log      zerolog.Logger
}

// New creates an engine. alerts and leases may be nil.
func New(triggers storage.TriggerStore, alerts ActiveAlerts, leases state.Cooldowns, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Engine{
		triggers: triggers,
		alerts:   alerts,
		leases:   leases,
		cooldown: opts.Cooldown,
		clock:    opts.Clock,
		log:      logger.WithComponent("engine"),
	}
}

// Evaluate checks reading against every active condition for its parameter and
// returns one FireEvent per condition that fired, ordered by condition name.
// An empty result means nothing fired. A malformed reading returns a
// ValidationError and touches no state.
func (e *Engine) Evaluate(ctx context.Context, reading *models.SensorReading) ([]models.FireEvent, error) {
	r := *reading
	r.Normalize()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	metrics.ReadingsEvaluated.Inc()

	conditions, err := e.triggers.ListActive(ctx, r.Parameter)
	if err != nil {
		return nil, fmt.Errorf("list active conditions: %w", err)
	}

	events := make([]models.FireEvent, 0)
	var errs []error
	for _, c := range conditions {
		if !c.Matches(&r) {
			continue
		}
		ev, fired, err := e.fire(ctx, c, &r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if fired {
			events = append(events, ev)
		}
	}
	return events, errors.Join(errs...)
}

func (e *Engine) fire(ctx context.Context, c *models.TriggerCondition, r *models.SensorReading) (models.FireEvent, bool, error) {
	log := e.log.With().Str("condition_id", c.ID).Str("sensor_id", r.SensorID).Logger()
	now := e.clock.Now().UTC()

	reason, err := e.suppressed(ctx, c, now)
	if err != nil {
		return models.FireEvent{}, false, err
	}
	if reason != "" {
		metrics.TriggerSuppressed.WithLabelValues(reason).Inc()
		log.Debug().
			Str("reason", reason).
			Float64("value", r.Value).
			Msg("fire suppressed")
		return models.FireEvent{}, false, nil
	}

	updated, err := e.triggers.RecordFire(ctx, c.ID, now)
	if err != nil {
		if e.leases != nil {
			if relErr := e.leases.Release(ctx, c.ID); relErr != nil {
				log.Warn().Err(relErr).Msg("failed to release cooldown lease")
			}
		}
		if errors.Is(err, models.ErrNotFound) {
			// Deleted between listing and firing
			return models.FireEvent{}, false, nil
		}
		return models.FireEvent{}, false, fmt.Errorf("record fire for %s: %w", c.ID, err)
	}

	metrics.TriggerFires.WithLabelValues(c.Parameter, string(c.Severity)).Inc()
	log.Info().
		Str("parameter", c.Parameter).
		Float64("value", r.Value).
		Str("operator", string(c.Comparator)).
		Float64("threshold", c.Threshold).
		Int64("trigger_count", updated.TriggerCount).
		Msg("condition fired")

	return models.FireEvent{
		ConditionID:   updated.ID,
		ConditionName: updated.Name,
		Category:      updated.AlertCategory,
		Severity:      updated.Severity,
		Parameter:     updated.Parameter,
		Comparator:    updated.Comparator,
		Value:         r.Value,
		Threshold:     updated.Threshold,
		Unit:          updated.Unit,
		SensorID:      r.SensorID,
		Location:      r.Location,
		FiredAt:       now,
	}, true, nil
}

// suppressed returns the first reason the condition may not fire now, or "".
// The lease is taken last so that a cheaper check never leaves it held.
func (e *Engine) suppressed(ctx context.Context, c *models.TriggerCondition, now time.Time) (string, error) {
	if e.cooldown > 0 && c.LastTriggeredAt != nil && now.Sub(*c.LastTriggeredAt) < e.cooldown {
		return SuppressWindow, nil
	}

	if e.alerts != nil {
		active, err := e.alerts.HasActiveForTrigger(ctx, c.ID)
		if err != nil {
			return "", fmt.Errorf("active alerts for %s: %w", c.ID, err)
		}
		if active {
			return SuppressActiveAlert, nil
		}
	}

	if e.leases != nil && e.cooldown > 0 {
		ok, err := e.leases.Acquire(ctx, c.ID, e.cooldown)
		if err != nil {
			return "", fmt.Errorf("cooldown lease for %s: %w", c.ID, err)
		}
		if !ok {
			return SuppressLease, nil
		}
	}
	return "", nil
}
