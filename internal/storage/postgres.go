package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"beacon/internal/models"
)

// Schema creates the tables used by the Postgres stores.
const Schema = `
CREATE TABLE IF NOT EXISTS trigger_conditions (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	category          TEXT NOT NULL,
	parameter         TEXT NOT NULL,
	operator          TEXT NOT NULL,
	threshold         DOUBLE PRECISION NOT NULL,
	unit              TEXT NOT NULL DEFAULT '',
	active            BOOLEAN NOT NULL DEFAULT FALSE,
	alert_category    TEXT NOT NULL,
	severity          TEXT NOT NULL,
	trigger_count     BIGINT NOT NULL DEFAULT 0 CHECK (trigger_count >= 0),
	last_triggered_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS trigger_conditions_active_parameter
	ON trigger_conditions (parameter) WHERE active;

CREATE TABLE IF NOT EXISTS emergency_alerts (
	id         TEXT PRIMARY KEY,
	category   TEXT NOT NULL,
	severity   TEXT NOT NULL,
	title      TEXT NOT NULL,
	body       TEXT NOT NULL,
	area       TEXT NOT NULL DEFAULT '',
	issued_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	status     TEXT NOT NULL,
	channels   TEXT[] NOT NULL,
	priority   SMALLINT NOT NULL CHECK (priority BETWEEN 1 AND 5),
	trigger_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS emergency_alerts_trigger_status
	ON emergency_alerts (trigger_id, status);

CREATE TABLE IF NOT EXISTS alert_deliveries (
	id          BIGSERIAL PRIMARY KEY,
	alert_id    TEXT NOT NULL REFERENCES emergency_alerts (id) ON DELETE CASCADE,
	attempt     INTEGER NOT NULL,
	channel     TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	reach       INTEGER,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS alert_deliveries_alert ON alert_deliveries (alert_id, attempt);
`

// PostgresConfig holds connection pool settings
type PostgresConfig struct {
	DSN      string
	MaxConns int
	MaxIdle  int
}

// OpenPostgres opens and pings a lib/pq connection pool
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Migrate applies Schema
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const triggerColumns = `id, name, category, parameter, operator, threshold, unit, active,
	alert_category, severity, trigger_count, last_triggered_at`

// PostgresTriggers is a TriggerStore backed by PostgreSQL. Fire recording is a
// single additive UPDATE, so concurrent fires on one row never lose increments.
type PostgresTriggers struct {
	db *sql.DB
}

func NewPostgresTriggers(db *sql.DB) *PostgresTriggers {
	return &PostgresTriggers{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanTrigger(row rowScanner) (*models.TriggerCondition, error) {
	var (
		c        models.TriggerCondition
		lastFire sql.NullTime
	)
	err := row.Scan(&c.ID, &c.Name, &c.Category, &c.Parameter, &c.Comparator, &c.Threshold,
		&c.Unit, &c.Active, &c.AlertCategory, &c.Severity, &c.TriggerCount, &lastFire)
	if err != nil {
		return nil, err
	}
	if lastFire.Valid {
		t := lastFire.Time.UTC()
		c.LastTriggeredAt = &t
	}
	return &c, nil
}

func (s *PostgresTriggers) queryTriggers(ctx context.Context, query string, args ...any) ([]*models.TriggerCondition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var out []*models.TriggerCondition
	for rows.Next() {
		c, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresTriggers) List(ctx context.Context) ([]*models.TriggerCondition, error) {
	return s.queryTriggers(ctx, `SELECT `+triggerColumns+` FROM trigger_conditions ORDER BY name, id`)
}

func (s *PostgresTriggers) ListActive(ctx context.Context, parameter string) ([]*models.TriggerCondition, error) {
	return s.queryTriggers(ctx, `SELECT `+triggerColumns+` FROM trigger_conditions
		WHERE active AND parameter = $1 ORDER BY name, id`, parameter)
}

func (s *PostgresTriggers) Get(ctx context.Context, id string) (*models.TriggerCondition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM trigger_conditions WHERE id = $1`, id)
	return s.one(row, id)
}

func (s *PostgresTriggers) one(row *sql.Row, id string) (*models.TriggerCondition, error) {
	c, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundTrigger(id)
	}
	if err != nil {
		return nil, fmt.Errorf("trigger %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresTriggers) Upsert(ctx context.Context, c *models.TriggerCondition) (*models.TriggerCondition, error) {
	next, err := prepareTrigger(c, uuid.NewString)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `INSERT INTO trigger_conditions
		(id, name, category, parameter, operator, threshold, unit, active, alert_category, severity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			parameter = EXCLUDED.parameter,
			operator = EXCLUDED.operator,
			threshold = EXCLUDED.threshold,
			unit = EXCLUDED.unit,
			active = EXCLUDED.active,
			alert_category = EXCLUDED.alert_category,
			severity = EXCLUDED.severity
		RETURNING `+triggerColumns,
		next.ID, next.Name, next.Category, next.Parameter, next.Comparator, next.Threshold,
		next.Unit, next.Active, next.AlertCategory, next.Severity)
	return s.one(row, next.ID)
}

func (s *PostgresTriggers) SetActive(ctx context.Context, id string, active bool) (*models.TriggerCondition, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE trigger_conditions SET active = $2 WHERE id = $1
		RETURNING `+triggerColumns, id, active)
	return s.one(row, id)
}

func (s *PostgresTriggers) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trigger_conditions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete trigger %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete trigger %s: %w", id, err)
	}
	if n == 0 {
		return notFoundTrigger(id)
	}
	return nil
}

// DeleteInactive checks and deletes in one statement; both CTEs read the
// same snapshot, so a concurrent activation cannot slip between them.
func (s *PostgresTriggers) DeleteInactive(ctx context.Context, id string) error {
	var (
		active  sql.NullBool
		deleted int
	)
	err := s.db.QueryRowContext(ctx, `WITH target AS (
			SELECT active FROM trigger_conditions WHERE id = $1
		), removed AS (
			DELETE FROM trigger_conditions WHERE id = $1 AND NOT active RETURNING id
		)
		SELECT (SELECT active FROM target), (SELECT count(*) FROM removed)`, id).Scan(&active, &deleted)
	if err != nil {
		return fmt.Errorf("delete trigger %s: %w", id, err)
	}
	switch {
	case deleted > 0:
		return nil
	case !active.Valid:
		return notFoundTrigger(id)
	default:
		return ErrConditionActive
	}
}

func (s *PostgresTriggers) RecordFire(ctx context.Context, id string, firedAt time.Time) (*models.TriggerCondition, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE trigger_conditions
		SET trigger_count = trigger_count + 1, last_triggered_at = $2
		WHERE id = $1
		RETURNING `+triggerColumns, id, firedAt.UTC())
	return s.one(row, id)
}

func (s *PostgresTriggers) Close() error { return nil }

const alertColumns = `id, category, severity, title, body, area, issued_at, expires_at,
	status, channels, priority, trigger_id`

// PostgresAlerts is an AlertStore backed by PostgreSQL. Transitions are
// conditional UPDATEs on the current status; delivery batches are appended
// in a transaction holding the alert row lock.
type PostgresAlerts struct {
	db    *sql.DB
	clock clock.Clock
}

func NewPostgresAlerts(db *sql.DB, clk clock.Clock) *PostgresAlerts {
	if clk == nil {
		clk = clock.New()
	}
	return &PostgresAlerts{db: db, clock: clk}
}

func scanAlert(row rowScanner) (*models.EmergencyAlert, error) {
	var (
		a       models.EmergencyAlert
		expires sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Category, &a.Severity, &a.Title, &a.Body, &a.Area, &a.IssuedAt,
		&expires, &a.Status, pq.Array(&a.Channels), &a.Priority, &a.TriggerID)
	if err != nil {
		return nil, err
	}
	a.IssuedAt = a.IssuedAt.UTC()
	if expires.Valid {
		t := expires.Time.UTC()
		a.ExpiresAt = &t
	}
	a.Deliveries = []models.DeliveryRecord{}
	return &a, nil
}

func (s *PostgresAlerts) Create(ctx context.Context, a *models.EmergencyAlert) (*models.EmergencyAlert, error) {
	next, err := prepareAlert(a, s.clock.Now(), uuid.NewString)
	if err != nil {
		return nil, err
	}

	var expires any
	if next.ExpiresAt != nil {
		expires = next.ExpiresAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO emergency_alerts
		(id, category, severity, title, body, area, issued_at, expires_at, status, channels, priority, trigger_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		next.ID, next.Category, next.Severity, next.Title, next.Body, next.Area, next.IssuedAt,
		expires, next.Status, pq.Array(next.Channels), next.Priority, next.TriggerID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, models.Invalid("id", "alert %q already exists", next.ID)
		}
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	return next, nil
}

func (s *PostgresAlerts) Get(ctx context.Context, id string) (*models.EmergencyAlert, error) {
	return s.get(ctx, s.db, id)
}

func (s *PostgresAlerts) get(ctx context.Context, q querier, id string) (*models.EmergencyAlert, error) {
	a, err := scanAlert(q.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM emergency_alerts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundAlert(id)
	}
	if err != nil {
		return nil, fmt.Errorf("alert %s: %w", id, err)
	}
	if err := s.loadDeliveries(ctx, q, []*models.EmergencyAlert{a}); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresAlerts) List(ctx context.Context, filter AlertFilter) ([]*models.EmergencyAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM emergency_alerts
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR trigger_id = $2)
		ORDER BY issued_at DESC, id`
	args := []any{string(filter.Status), filter.TriggerID}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := make([]*models.EmergencyAlert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadDeliveries(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresAlerts) loadDeliveries(ctx context.Context, q querier, alerts []*models.EmergencyAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	byID := make(map[string]*models.EmergencyAlert, len(alerts))
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}

	rows, err := q.QueryContext(ctx, `SELECT alert_id, channel, outcome, recorded_at, reach, attempt, error
		FROM alert_deliveries WHERE alert_id = ANY($1) ORDER BY alert_id, id`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			alertID string
			d       models.DeliveryRecord
			reach   sql.NullInt64
		)
		if err := rows.Scan(&alertID, &d.Channel, &d.Outcome, &d.RecordedAt, &reach, &d.Attempt, &d.Error); err != nil {
			return fmt.Errorf("scan delivery: %w", err)
		}
		d.RecordedAt = d.RecordedAt.UTC()
		if reach.Valid {
			r := int(reach.Int64)
			d.Reach = &r
		}
		if a, ok := byID[alertID]; ok {
			a.Deliveries = append(a.Deliveries, d)
		}
	}
	return rows.Err()
}

func (s *PostgresAlerts) Activate(ctx context.Context, id string) (*models.EmergencyAlert, error) {
	return s.transition(ctx, id, models.StatusDraft, models.StatusActive)
}

func (s *PostgresAlerts) Expire(ctx context.Context, id string) (*models.EmergencyAlert, error) {
	return s.transition(ctx, id, models.StatusActive, models.StatusExpired)
}

func (s *PostgresAlerts) Cancel(ctx context.Context, id string) (*models.EmergencyAlert, error) {
	return s.transition(ctx, id, models.StatusActive, models.StatusCancelled)
}

func (s *PostgresAlerts) transition(ctx context.Context, id string, from, to models.AlertStatus) (*models.EmergencyAlert, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE emergency_alerts SET status = $3 WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return nil, fmt.Errorf("transition alert %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition alert %s: %w", id, err)
	}
	if n == 0 {
		current, err := s.status(ctx, s.db.QueryRowContext(ctx, `SELECT status FROM emergency_alerts WHERE id = $1`, id), id)
		if err != nil {
			return nil, err
		}
		return nil, &models.InvalidTransitionError{AlertID: id, From: current, To: to}
	}
	return s.Get(ctx, id)
}

func (s *PostgresAlerts) status(ctx context.Context, row *sql.Row, id string) (models.AlertStatus, error) {
	var status models.AlertStatus
	err := row.Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFoundAlert(id)
	}
	if err != nil {
		return "", fmt.Errorf("alert %s status: %w", id, err)
	}
	return status, nil
}

func (s *PostgresAlerts) AppendDeliveries(ctx context.Context, id string, batch []models.DeliveryRecord) (*models.EmergencyAlert, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	current, err := s.status(ctx, tx.QueryRowContext(ctx, `SELECT status FROM emergency_alerts WHERE id = $1 FOR UPDATE`, id), id)
	if err != nil {
		return nil, err
	}
	if current == models.StatusDraft {
		return nil, &models.InvalidTransitionError{AlertID: id, From: current, Op: "record deliveries"}
	}

	var attempt int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt), 0) + 1 FROM alert_deliveries WHERE alert_id = $1`, id).Scan(&attempt); err != nil {
		return nil, fmt.Errorf("next attempt for %s: %w", id, err)
	}

	for _, d := range batch {
		var reach any
		if d.Reach != nil {
			reach = *d.Reach
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO alert_deliveries
			(alert_id, attempt, channel, outcome, recorded_at, reach, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, attempt, d.Channel, d.Outcome, d.RecordedAt.UTC(), reach, d.Error)
		if err != nil {
			return nil, fmt.Errorf("insert delivery %s/%s: %w", id, d.Channel, err)
		}
	}

	updated, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit deliveries for %s: %w", id, err)
	}
	return updated, nil
}

func (s *PostgresAlerts) HasActiveForTrigger(ctx context.Context, triggerID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM emergency_alerts
		WHERE trigger_id = $1 AND status = 'active')`, triggerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("active alerts for trigger %s: %w", triggerID, err)
	}
	return exists, nil
}

func (s *PostgresAlerts) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `UPDATE emergency_alerts SET status = 'expired'
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1
		RETURNING id`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("expire due alerts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresAlerts) Close() error { return s.db.Close() }
