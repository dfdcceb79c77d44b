package dispatch

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
	"beacon/internal/storage"
)

// Sweeper periodically moves active alerts past their expiry to expired
type Sweeper struct {
	alerts   storage.AlertStore
	audit    AuditPublisher
	interval time.Duration
	clock    clock.Clock
	node     string
	log      zerolog.Logger
}

// SweeperOptions configures a Sweeper
type SweeperOptions struct {
	Interval time.Duration
	Clock    clock.Clock
	NodeID   string
}

func NewSweeper(alerts storage.AlertStore, audit AuditPublisher, opts SweeperOptions) *Sweeper {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Sweeper{
		alerts:   alerts,
		audit:    audit,
		interval: opts.Interval,
		clock:    opts.Clock,
		node:     opts.NodeID,
		log:      logger.WithComponent("sweeper"),
	}
}

// Sweep expires every due alert once and returns their ids
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	ids, err := s.alerts.ExpireDue(ctx, s.clock.Now())
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		metrics.AlertTransitions.WithLabelValues(string(models.StatusExpired)).Inc()
		s.log.Info().Str("alert_id", id).Msg("alert expired")
		if s.audit == nil {
			continue
		}
		rec, err := models.NewAuditRecord(models.AuditLifecycle, id, map[string]string{
			"alert_id": id,
			"status":   string(models.StatusExpired),
		})
		if err != nil {
			continue
		}
		rec.EmitterNode = s.node
		if err := s.audit.Publish(ctx, rec); err != nil {
			s.log.Warn().Err(err).Str("alert_id", id).Msg("failed to publish expiry")
		}
	}
	return ids, nil
}

// Run sweeps every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}
