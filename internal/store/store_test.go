package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/imagerotation/internal/models"
)

var testCols = []string{
	"id", "shop", "product_id", "storefront_variant_id", "status", "active_variant",
	"rotation_interval_minutes", "next_due_at", "last_switched_at", "created_at", "updated_at",
}

var historyCols = []string{
	"seq", "id", "test_id", "from_variant", "to_variant", "triggered_by",
	"succeeded", "duration_ms", "error", "occurred_at", "context",
}

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestAcquireScheduledLease(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	token := uuid.New()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE\\s+rotation_tests\\s+SET next_due_at=\\$3, lease_expires_at=\\$3").
		WithArgs(id, now, now.Add(time.Hour), token).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := st.AcquireLease(context.Background(), LeaseRequest{
		TestID: id, Token: token, Now: now, Duration: time.Hour, Mode: LeaseScheduled,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLeaseLostRace(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE\\s+rotation_tests").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := st.AcquireLease(context.Background(), LeaseRequest{
		TestID: id, Token: uuid.New(), Now: now, Duration: time.Hour, Mode: LeaseScheduled,
	})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireManualLeaseUsesStatusSet(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	token := uuid.New()
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE\\s+rotation_tests\\s+SET lease_expires_at=\\$3, lease_token=\\$4").
		WithArgs(id, now, now.Add(time.Hour), token, pq.Array([]string{"ACTIVE", "PAUSED"})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := st.AcquireLease(context.Background(), LeaseRequest{
		TestID:   id,
		Token:    token,
		Now:      now,
		Duration: time.Hour,
		Mode:     LeaseManual,
		Statuses: []models.Status{models.StatusActive, models.StatusPaused},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseLeaseFencedByToken(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	token := uuid.New()
	next := time.Now().UTC().Add(time.Hour)
	variant := models.VariantTest

	mock.ExpectQuery("UPDATE\\s+rotation_tests\\s+SET status=COALESCE").
		WithArgs(id, token, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	_, err := st.ReleaseLease(context.Background(), LeaseOutcome{
		TestID: id, Token: token, ActiveVariant: &variant, NextDueAt: &next,
	})
	assert.True(t, errors.Is(err, ErrLeaseLost))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseLeaseReturnsTest(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	token := uuid.New()
	now := time.Now().UTC()
	next := now.Add(2 * time.Hour)
	variant := models.VariantTest

	mock.ExpectQuery("UPDATE\\s+rotation_tests").
		WithArgs(id, token, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(testCols).
			AddRow(id.String(), "demo.myshopify.com", "gid://shopify/Product/1", "", "ACTIVE", "TEST", 120, next, now, now, now))

	test, err := st.ReleaseLease(context.Background(), LeaseOutcome{
		TestID: id, Token: token, ActiveVariant: &variant, LastSwitchedAt: &now, NextDueAt: &next,
	})
	require.NoError(t, err)
	assert.Equal(t, models.VariantTest, test.ActiveVariant)
	require.NotNil(t, test.NextDueAt)
	assert.True(t, next.Equal(*test.NextDueAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTestNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT .* FROM rotation_tests WHERE id=\\$1").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetTest(context.Background(), id)
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueTests(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()
	due := now.Add(-time.Minute)
	id := uuid.New()

	mock.ExpectQuery("SELECT .* FROM rotation_tests\\s+WHERE status='ACTIVE' AND next_due_at <= \\$1").
		WithArgs(now, 50).
		WillReturnRows(sqlmock.NewRows(testCols).
			AddRow(id.String(), "demo.myshopify.com", "gid://shopify/Product/1", "", "ACTIVE", "CONTROL", 60, due, nil, now, now))

	tests, err := st.ListDueTests(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, id, tests[0].ID)
	assert.Nil(t, tests[0].LastSwitchedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendHistoryWritesOutbox(t *testing.T) {
	st, mock := newMockStore(t)
	testID := uuid.New()
	entryID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO rotation_history .*INSERT INTO rotation_history_outbox").
		WithArgs(entryID, testID, "CONTROL", "TEST", "SCHEDULE", true, int64(420), sqlmock.AnyArg(), now, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(historyCols).
			AddRow(int64(7), entryID.String(), testID.String(), "CONTROL", "TEST", "SCHEDULE", true, int64(420), nil, now, []byte(`{"itemsCreated":1}`)))

	entry, err := st.AppendHistory(context.Background(), HistoryInput{
		ID:          entryID,
		TestID:      testID,
		FromVariant: models.VariantControl,
		ToVariant:   models.VariantTest,
		TriggeredBy: models.TriggerSchedule,
		Succeeded:   true,
		DurationMs:  420,
		OccurredAt:  now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), entry.Seq)
	assert.Nil(t, entry.Error)
	assert.JSONEq(t, `{"itemsCreated":1}`, string(entry.Context))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendHistoryUnknownTest(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO rotation_history").
		WillReturnError(&pq.Error{Code: "23503"})

	_, err := st.AppendHistory(context.Background(), HistoryInput{TestID: uuid.New(), OccurredAt: time.Now()})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestVariantAtDefaultsToControl(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT to_variant FROM rotation_history").
		WithArgs(id, now).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT .* FROM rotation_tests WHERE id=\\$1").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(testCols).
			AddRow(id.String(), "demo.myshopify.com", "gid://shopify/Product/1", "", "DRAFT", "CONTROL", 0, nil, nil, now, now))

	v, err := st.VariantAt(context.Background(), id, now)
	require.NoError(t, err)
	assert.Equal(t, models.VariantControl, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStatusRejectsWrongState(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE\\s+rotation_tests\\s+SET status=\\$2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT .* FROM rotation_tests WHERE id=\\$1").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(testCols).
			AddRow(id.String(), "demo.myshopify.com", "gid://shopify/Product/1", "", "COMPLETED", "CONTROL", 60, nil, nil, now, now))

	_, err := st.TransitionStatus(context.Background(), StatusTransition{
		TestID: id,
		From:   []models.Status{models.StatusDraft},
		To:     models.StatusActive,
		Now:    now,
	})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceMediaSetValidatesBeforeWriting(t *testing.T) {
	st, mock := newMockStore(t)
	err := st.ReplaceMediaSet(context.Background(), uuid.New(), models.VariantTest, []models.MediaItem{
		{SourceURL: "not a url", Position: 0},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidMediaItem))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceMediaSetInTransaction(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM rotation_media_items").
		WithArgs(id, "TEST").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO rotation_media_items").
		WithArgs(id, "TEST", 0, "https://cdn.example.com/b.jpg", sqlmock.AnyArg(), "B").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO rotation_media_items").
		WithArgs(id, "TEST", 1, "https://cdn.example.com/c.jpg", sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := st.ReplaceMediaSet(context.Background(), id, models.VariantTest, []models.MediaItem{
		{SourceURL: "https://cdn.example.com/b.jpg", AltText: "B", Position: 0},
		{SourceURL: "https://cdn.example.com/c.jpg", Position: 1},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkHistoryStreamed(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE\\s+rotation_history_outbox\\s+SET status='done'").
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE\\s+rotation_history_outbox\\s+SET status='failed'").
		WithArgs(id, "kafka down").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.MarkHistoryStreamed(context.Background(), StreamResult{HistoryID: id, Success: true, ArchivedKey: "k"}))
	require.NoError(t, st.MarkHistoryStreamed(context.Background(), StreamResult{HistoryID: id, Error: "kafka down"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS rotation_tests").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, Migrate(context.Background(), db))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS rotation_tests").WillReturnError(errors.New("permission denied"))
	err = Migrate(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply schema")
	assert.NoError(t, mock.ExpectationsWereMet())
}
