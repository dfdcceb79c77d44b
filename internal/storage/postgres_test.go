package storage

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/internal/models"
)

var triggerCols = []string{
	"id", "name", "category", "parameter", "operator", "threshold", "unit", "active",
	"alert_category", "severity", "trigger_count", "last_triggered_at",
}

var alertCols = []string{
	"id", "category", "severity", "title", "body", "area", "issued_at", "expires_at",
	"status", "channels", "priority", "trigger_id",
}

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestPostgresTriggers_RecordFire(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresTriggers(db)

	firedAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(triggerCols).AddRow(
		"c1", "River high", "water", "water_level", ">", 8.5, "m", true,
		"flood", "high", int64(4), firedAt,
	)

	mock.ExpectQuery(regexp.QuoteMeta("SET trigger_count = trigger_count + 1, last_triggered_at =")).
		WithArgs("c1", firedAt).
		WillReturnRows(rows)

	got, err := store.RecordFire(context.Background(), "c1", firedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.TriggerCount)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggeredAt.Equal(firedAt))
	assert.Equal(t, models.Greater, got.Comparator)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTriggers_GetNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresTriggers(db)

	mock.ExpectQuery(`FROM trigger_conditions WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(triggerCols))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTriggers_UpsertRejectsInvalidWithoutQuery(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresTriggers(db)

	c := waterCondition("c1")
	c.Parameter = "moon_phase"

	_, err := store.Upsert(context.Background(), c)
	assert.ErrorIs(t, err, models.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTriggers_UpsertKeepsHistoryColumnsOutOfUpdate(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresTriggers(db)

	rows := sqlmock.NewRows(triggerCols).AddRow(
		"c1", "River gauge c1", "water", "water_level", ">", 8.5, "m", true,
		"flood", "high", int64(7), nil,
	)
	mock.ExpectQuery(`INSERT INTO trigger_conditions .* ON CONFLICT \(id\) DO UPDATE SET .* severity = EXCLUDED.severity RETURNING`).
		WithArgs("c1", "River gauge c1", "water", "water_level", ">", 8.5, "m", true, "flood", "high").
		WillReturnRows(rows)

	got, err := store.Upsert(context.Background(), waterCondition("c1"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.TriggerCount)
	assert.Nil(t, got.LastTriggeredAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTriggers_DeleteNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresTriggers(db)

	mock.ExpectExec(`DELETE FROM trigger_conditions`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTriggers_DeleteInactive(t *testing.T) {
	tests := []struct {
		name    string
		active  interface{}
		deleted int
		wantErr error
	}{
		{name: "inactive is removed", active: false, deleted: 1},
		{name: "active is kept", active: true, deleted: 0, wantErr: ErrConditionActive},
		{name: "activated concurrently", active: false, deleted: 0, wantErr: ErrConditionActive},
		{name: "missing", active: nil, deleted: 0, wantErr: models.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupMockDB(t)
			store := NewPostgresTriggers(db)

			mock.ExpectQuery(`WITH target AS`).
				WithArgs("c1").
				WillReturnRows(sqlmock.NewRows([]string{"active", "count"}).AddRow(tt.active, tt.deleted))

			err := store.DeleteInactive(context.Background(), "c1")
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresAlerts_CancelDraftIsInvalid(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresAlerts(db, clock.NewMock())

	mock.ExpectExec(`UPDATE emergency_alerts SET status`).
		WithArgs("a1", "active", "cancelled").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM emergency_alerts`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("draft"))

	_, err := store.Cancel(context.Background(), "a1")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAlerts_CreateInsertsDraft(t *testing.T) {
	db, mock := setupMockDB(t)
	mockClock := clock.NewMock()
	store := NewPostgresAlerts(db, mockClock)

	in := draftAlert()
	in.ID = "a1"

	mock.ExpectExec(`INSERT INTO emergency_alerts`).
		WithArgs("a1", "flood", "high", "Flood warning", "River levels rising near the east bank",
			"East bank", mockClock.Now().UTC(), nil, "draft", sqlmock.AnyArg(), 4, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := store.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, got.Status)
	assert.Empty(t, got.Deliveries)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAlerts_AppendDeliveriesInOneTransaction(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresAlerts(db, clock.NewMock())

	recorded := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	reach := 100
	batch := []models.DeliveryRecord{
		{Channel: "sms", Outcome: models.OutcomeSent, RecordedAt: recorded, Reach: &reach},
		{Channel: "sirens", Outcome: models.OutcomeFailed, RecordedAt: recorded, Error: "timeout"},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM emergency_alerts WHERE id = .* FOR UPDATE`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(attempt\), 0\) \+ 1 FROM alert_deliveries`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"attempt"}).AddRow(2))
	mock.ExpectExec(`INSERT INTO alert_deliveries`).
		WithArgs("a1", 2, "sms", "sent", recorded, 100, "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO alert_deliveries`).
		WithArgs("a1", 2, "sirens", "failed", recorded, nil, "timeout").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectQuery(`FROM emergency_alerts WHERE id`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(alertCols).AddRow(
			"a1", "flood", "high", "Flood warning", "Rising", "East bank", recorded, nil,
			"active", "{sms,sirens}", 4, "c1",
		))
	mock.ExpectQuery(`FROM alert_deliveries WHERE alert_id = ANY`).
		WillReturnRows(sqlmock.NewRows([]string{"alert_id", "channel", "outcome", "recorded_at", "reach", "attempt", "error"}).
			AddRow("a1", "sms", "sent", recorded, 100, 2, "").
			AddRow("a1", "sirens", "failed", recorded, nil, 2, "timeout"))
	mock.ExpectCommit()

	got, err := store.AppendDeliveries(context.Background(), "a1", batch)
	require.NoError(t, err)
	assert.Equal(t, []string{"sms", "sirens"}, got.Channels)
	assert.Len(t, got.Deliveries, 2)
	assert.Equal(t, 100, got.Reach())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAlerts_AppendToDraftRollsBack(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresAlerts(db, clock.NewMock())

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("draft"))
	mock.ExpectRollback()

	_, err := store.AppendDeliveries(context.Background(), "a1", []models.DeliveryRecord{{Channel: "sms"}})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAlerts_ExpireDue(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresAlerts(db, clock.NewMock())

	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`UPDATE emergency_alerts SET status = 'expired'`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a1").AddRow("a2"))

	ids, err := store.ExpireDue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAlerts_HasActiveForTrigger(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresAlerts(db, clock.NewMock())

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	active, err := store.HasActiveForTrigger(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, active)
	require.NoError(t, mock.ExpectationsWereMet())
}
