package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"beacon/internal/channel"
	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
	"beacon/internal/storage"
)

// Status aggregates the outcomes of one dispatch batch
type Status string

const (
	StatusFull    Status = "full"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Result summarizes one dispatch batch
type Result struct {
	AlertID     string                  `json:"alert_id"`
	Attempt     int                     `json:"attempt"`
	Status      Status                  `json:"status"`
	Deliveries  []models.DeliveryRecord `json:"deliveries"`
	Reach       int                     `json:"reach"`
	AlertStatus models.AlertStatus      `json:"alert_status"`

	// Total reach of the alert across every batch so far
	TotalReach int `json:"total_reach"`
}

// Succeeded reports whether at least one channel delivered
func (r *Result) Succeeded() bool { return r.Status != StatusFailed }

// AuditPublisher receives fire, dispatch and lifecycle records. The
// dispatcher publishes inline, so a publisher that can block on the network
// belongs behind an AuditQueue.
type AuditPublisher interface {
	Publish(ctx context.Context, rec *models.AuditRecord) error
}

// Options configures a Dispatcher
type Options struct {
	// Alert category -> channel ids for auto-dispatched alerts
	DefaultChannels map[models.AlertCategory][]string

	// Expiry of auto-dispatched alerts, measured from the fire time. Zero means no expiry.
	AutoAlertTTL time.Duration

	Clock  clock.Clock
	NodeID string
}

// Dispatcher sends alerts through their channels and records the outcome of
// every send in the alert store.
type Dispatcher struct {
	alerts   storage.AlertStore
	channels *channel.Registry
	audit    AuditPublisher
	defaults map[models.AlertCategory][]string
	ttl      time.Duration
	clock    clock.Clock
	node     string
	log      zerolog.Logger
}

// New creates a dispatcher. audit may be nil.
func New(alerts storage.AlertStore, channels *channel.Registry, audit AuditPublisher, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Dispatcher{
		alerts:   alerts,
		channels: channels,
		audit:    audit,
		defaults: opts.DefaultChannels,
		ttl:      opts.AutoAlertTTL,
		clock:    opts.Clock,
		node:     opts.NodeID,
		log:      logger.WithComponent("dispatcher"),
	}
}

// Dispatch sends the alert through every selected channel and appends one
// DeliveryRecord per channel as a single batch. A draft is activated first;
// an active alert is sent again as a new batch. Expired and cancelled alerts
// are rejected with an InvalidTransitionError.
//
// Channel failures never fail the call; they are recorded as failed deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, alertID string) (*Result, error) {
	a, err := d.alerts.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}

	switch a.Status {
	case models.StatusDraft:
		a, err = d.alerts.Activate(ctx, alertID)
		if err != nil {
			return nil, err
		}
		metrics.AlertTransitions.WithLabelValues(string(models.StatusActive)).Inc()
		d.lifecycle(ctx, a)
	case models.StatusActive:
	default:
		return nil, &models.InvalidTransitionError{AlertID: alertID, From: a.Status, Op: "dispatch"}
	}

	log := logger.ForAlert("dispatcher", alertID)
	batch := d.send(ctx, a)

	// The batch is recorded even if the caller gave up or the alert was
	// cancelled while sends were in flight.
	updated, err := d.alerts.AppendDeliveries(context.WithoutCancel(ctx), alertID, batch)
	if err != nil {
		return nil, fmt.Errorf("record deliveries for %s: %w", alertID, err)
	}

	res := summarize(updated, batch)
	metrics.DispatchTotal.WithLabelValues(string(res.Status)).Inc()

	ev := log.Info()
	if !res.Succeeded() {
		ev = log.Warn()
	}
	ev.Int("attempt", res.Attempt).
		Str("status", string(res.Status)).
		Int("channels", len(batch)).
		Int("reach", res.Reach).
		Msg("alert dispatched")

	d.publish(ctx, models.AuditDispatch, alertID, res)
	return res, nil
}

// DispatchFire creates an alert from a fire event and dispatches it. Channels
// come from the default table for the event's category, falling back to
// general; the alert expires AutoAlertTTL after the fire.
func (d *Dispatcher) DispatchFire(ctx context.Context, ev models.FireEvent) (*Result, error) {
	d.publish(ctx, models.AuditFire, ev.ConditionID, ev)

	channels := d.channelsFor(ev.Category)
	if len(channels) == 0 {
		return nil, models.Invalid("channels", "no default channels for category %q", ev.Category)
	}

	a, err := d.alerts.Create(ctx, AlertFromFire(ev, channels, d.ttl))
	if err != nil {
		return nil, fmt.Errorf("create alert for condition %s: %w", ev.ConditionID, err)
	}

	log := logger.ForCondition("dispatcher", ev.ConditionID)
	log.Info().
		Str("alert_id", a.ID).
		Str("category", string(a.Category)).
		Strs("channels", a.Channels).
		Msg("alert raised from fire")

	return d.Dispatch(ctx, a.ID)
}

// Cancel withdraws an active alert
func (d *Dispatcher) Cancel(ctx context.Context, alertID string) (*models.EmergencyAlert, error) {
	a, err := d.alerts.Cancel(ctx, alertID)
	if err != nil {
		return nil, err
	}
	metrics.AlertTransitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	log := logger.ForAlert("dispatcher", alertID)
	log.Info().Msg("alert cancelled")
	d.lifecycle(ctx, a)
	return a, nil
}

func (d *Dispatcher) channelsFor(category models.AlertCategory) []string {
	if ids := d.defaults[category]; len(ids) > 0 {
		return ids
	}
	return d.defaults[models.AlertGeneral]
}

// send runs every channel concurrently, each bounded by its own timeout, and
// returns the records in the alert's channel order.
func (d *Dispatcher) send(ctx context.Context, a *models.EmergencyAlert) []models.DeliveryRecord {
	msg := channel.MessageFor(a)
	batch := make([]models.DeliveryRecord, len(a.Channels))

	var wg sync.WaitGroup
	for i, id := range a.Channels {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			batch[i] = d.sendOne(ctx, id, msg)
		}(i, id)
	}
	wg.Wait()
	return batch
}

func (d *Dispatcher) sendOne(ctx context.Context, id string, msg channel.Message) models.DeliveryRecord {
	start := time.Now()
	res := d.resolve(ctx, id, msg)
	metrics.ChannelSendDuration.WithLabelValues(id).Observe(time.Since(start).Seconds())

	rec := models.DeliveryRecord{
		Channel:    id,
		Outcome:    models.OutcomeFailed,
		RecordedAt: d.clock.Now().UTC(),
	}
	if res.Outcome == models.OutcomeSent {
		reach := res.Reach
		rec.Outcome = models.OutcomeSent
		rec.Reach = &reach
		metrics.DeliveryReach.WithLabelValues(id).Add(float64(reach))
	} else {
		rec.Error = "delivery failed"
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		log := logger.ForAlert("dispatcher", msg.AlertID)
		log.Warn().
			Str("channel", id).
			Str("error", rec.Error).
			Msg("channel delivery failed")
	}
	metrics.DeliveriesTotal.WithLabelValues(id, string(rec.Outcome)).Inc()
	return rec
}

// resolve waits for the adapter or its deadline, whichever comes first
func (d *Dispatcher) resolve(ctx context.Context, id string, msg channel.Message) channel.Result {
	adapter, timeout, ok := d.channels.Lookup(id)
	if !ok {
		return channel.Failed(fmt.Errorf("channel %q is not configured", id))
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := make(chan channel.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				metrics.PanicsRecovered.WithLabelValues("channel").Inc()
				out <- channel.Failed(fmt.Errorf("channel %q panicked: %v", id, r))
			}
		}()
		out <- adapter.Send(sendCtx, msg)
	}()

	select {
	case res := <-out:
		return res
	case <-sendCtx.Done():
		return channel.Failed(fmt.Errorf("channel %q: %w", id, sendCtx.Err()))
	}
}

func (d *Dispatcher) lifecycle(ctx context.Context, a *models.EmergencyAlert) {
	d.publish(ctx, models.AuditLifecycle, a.ID, struct {
		AlertID string             `json:"alert_id"`
		Status  models.AlertStatus `json:"status"`
	}{a.ID, a.Status})
}

func (d *Dispatcher) publish(ctx context.Context, kind models.AuditKind, key string, payload any) {
	if d.audit == nil {
		return
	}
	rec, err := models.NewAuditRecord(kind, key, payload)
	if err != nil {
		d.log.Error().Err(err).Str("kind", string(kind)).Msg("failed to encode audit record")
		return
	}
	rec.EmitterNode = d.node
	if err := d.audit.Publish(context.WithoutCancel(ctx), rec); err != nil {
		d.log.Warn().Err(err).Str("kind", string(kind)).Str("key", key).Msg("failed to publish audit record")
	}
}

func summarize(a *models.EmergencyAlert, batch []models.DeliveryRecord) *Result {
	res := &Result{
		AlertID:     a.ID,
		Attempt:     a.Attempts(),
		Deliveries:  batch,
		AlertStatus: a.Status,
		TotalReach:  a.Reach(),
	}

	sent := 0
	for i := range batch {
		batch[i].Attempt = res.Attempt
		if batch[i].Outcome == models.OutcomeSent {
			sent++
			if batch[i].Reach != nil {
				res.Reach += *batch[i].Reach
			}
		}
	}

	switch {
	case sent == len(batch) && sent > 0:
		res.Status = StatusFull
	case sent > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
	}
	return res
}

// AlertFromFire builds the draft raised by a fired condition
func AlertFromFire(ev models.FireEvent, channels []string, ttl time.Duration) *models.EmergencyAlert {
	title := models.TruncateRunes(
		fmt.Sprintf("%s alert: %s", strings.ToUpper(string(ev.Category)), ev.ConditionName),
		models.MaxTitleLength)

	a := &models.EmergencyAlert{
		Category:  ev.Category,
		Severity:  ev.Severity,
		Title:     title,
		Body:      fireBody(ev),
		Area:      models.TruncateRunes(ev.Location, maxFieldLength),
		Channels:  append([]string(nil), channels...),
		TriggerID: ev.ConditionID,
	}
	if ttl > 0 {
		expires := ev.FiredAt.Add(ttl).UTC()
		a.ExpiresAt = &expires
	}
	return a
}

// Sensor-supplied text quoted in an auto-raised alert is cut to this many characters
const maxFieldLength = 256

// fireBody describes the fire. Sensor id and location come straight from the
// reading, so they are shortened and the whole body is kept within MaxBodyLength.
func fireBody(ev models.FireEvent) string {
	unit := ""
	if ev.Unit != "" {
		unit = " " + ev.Unit
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s reading %s%s %s threshold %s%s",
		ev.Parameter, formatValue(ev.Value), unit, ev.Comparator, formatValue(ev.Threshold), unit)
	fmt.Fprintf(&b, " (sensor %s", models.TruncateRunes(ev.SensorID, maxFieldLength))
	if ev.Location != "" {
		fmt.Fprintf(&b, " at %s", models.TruncateRunes(ev.Location, maxFieldLength))
	}
	fmt.Fprintf(&b, ", %s).", ev.FiredAt.UTC().Format(time.RFC3339))
	return models.TruncateRunes(b.String(), models.MaxBodyLength)
}

func formatValue(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
