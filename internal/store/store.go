package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/imagerotation/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrLeaseLost         = errors.New("lease lost")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLeaseHeld         = errors.New("lease held by another worker")
)

// Store is the durable test repository.
type Store interface {
	CreateTest(ctx context.Context, in TestInput) (models.Test, error)
	GetTest(ctx context.Context, id uuid.UUID) (models.Test, error)
	ListTests(ctx context.Context, filter ListTestsFilter) ([]models.Test, error)
	GetSnapshot(ctx context.Context, id uuid.UUID) (models.TestSnapshot, error)
	ListDueTests(ctx context.Context, now time.Time, limit int) ([]models.Test, error)
	ReplaceMediaSet(ctx context.Context, testID uuid.UUID, variant models.Variant, items []models.MediaItem) error
	SetHeroAssignment(ctx context.Context, in models.HeroAssignment) error
	RecordMediaID(ctx context.Context, in MediaIDUpdate) error
	AcquireLease(ctx context.Context, req LeaseRequest) (bool, error)
	ReleaseLease(ctx context.Context, out LeaseOutcome) (models.Test, error)
	TransitionStatus(ctx context.Context, in StatusTransition) (models.Test, error)
	AppendHistory(ctx context.Context, in HistoryInput) (models.RotationHistoryEntry, error)
	ListHistory(ctx context.Context, filter HistoryFilter) ([]models.RotationHistoryEntry, error)
	VariantAt(ctx context.Context, testID uuid.UUID, at time.Time) (models.Variant, error)
	Ping(ctx context.Context) error
}

// Outbox feeds history entries to the event streamer.
type Outbox interface {
	ClaimPendingHistory(ctx context.Context, limit int) ([]models.RotationHistoryEntry, error)
	MarkHistoryStreamed(ctx context.Context, res StreamResult) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type TestInput struct {
	ID                      uuid.UUID
	Shop                    string
	ProductID               string
	StorefrontVariantID     string
	RotationIntervalMinutes int
	Control                 []models.MediaItem
	Treatment               []models.MediaItem
}

func (in TestInput) validate() error {
	if strings.TrimSpace(in.Shop) == "" {
		return fmt.Errorf("shop required")
	}
	if strings.TrimSpace(in.ProductID) == "" {
		return fmt.Errorf("productId required")
	}
	if in.RotationIntervalMinutes < 0 {
		return fmt.Errorf("rotationIntervalMinutes must be >= 0")
	}
	if err := models.ValidateMediaItems(in.Control); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	if err := models.ValidateMediaItems(in.Treatment); err != nil {
		return fmt.Errorf("treatment: %w", err)
	}
	return nil
}

type ListTestsFilter struct {
	Shop   string
	Status models.Status
	Limit  int
}

type MediaIDUpdate struct {
	TestID     uuid.UUID
	SourceURLs []string
	MediaID    string
}

type LeaseMode int

const (
	// LeaseScheduled is the due-time lease: it only succeeds for ACTIVE tests whose nextDueAt has
	// passed, and pushes nextDueAt forward by the lease duration.
	LeaseScheduled LeaseMode = iota
	// LeaseManual skips the due filter but still refuses while another lease is live.
	LeaseManual
)

type LeaseRequest struct {
	TestID   uuid.UUID
	Token    uuid.UUID
	Now      time.Time
	Duration time.Duration
	Mode     LeaseMode
	Statuses []models.Status
}

// LeaseOutcome is written when the lease holder finishes. NextDueAt is always written, nil clears it.
type LeaseOutcome struct {
	TestID         uuid.UUID
	Token          uuid.UUID
	Status         *models.Status
	ActiveVariant  *models.Variant
	LastSwitchedAt *time.Time
	NextDueAt      *time.Time
}

// StatusTransition changes status outside a rotation. nextDueAt is recomputed from Now.
type StatusTransition struct {
	TestID       uuid.UUID
	From         []models.Status
	To           models.Status
	Now          time.Time
	ResetVariant bool
}

type HistoryInput struct {
	ID          uuid.UUID
	TestID      uuid.UUID
	FromVariant models.Variant
	ToVariant   models.Variant
	TriggeredBy models.Trigger
	Succeeded   bool
	DurationMs  int64
	Error       *string
	OccurredAt  time.Time
	Context     json.RawMessage
}

type HistoryFilter struct {
	TestID uuid.UUID
	From   *time.Time
	To     *time.Time
	Limit  int
}

type StreamResult struct {
	HistoryID   uuid.UUID
	Success     bool
	ArchivedKey string
	Error       string
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func statusStrings(in []models.Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const testColumns = `id, shop, product_id, storefront_variant_id, status, active_variant,
	rotation_interval_minutes, next_due_at, last_switched_at, created_at, updated_at`

func scanTest(row rowScanner) (models.Test, error) {
	var (
		t        models.Test
		status   string
		variant  string
		nextDue  sql.NullTime
		switched sql.NullTime
	)
	if err := row.Scan(
		&t.ID,
		&t.Shop,
		&t.ProductID,
		&t.StorefrontVariantID,
		&status,
		&variant,
		&t.RotationIntervalMinutes,
		&nextDue,
		&switched,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return models.Test{}, err
	}
	t.Status = models.Status(status)
	t.ActiveVariant = models.Variant(variant)
	if nextDue.Valid {
		v := nextDue.Time.UTC()
		t.NextDueAt = &v
	}
	if switched.Valid {
		v := switched.Time.UTC()
		t.LastSwitchedAt = &v
	}
	return t, nil
}

const historyColumns = `h.seq, h.id, h.test_id, h.from_variant, h.to_variant, h.triggered_by,
	h.succeeded, h.duration_ms, h.error, h.occurred_at, h.context`

func scanHistory(row rowScanner) (models.RotationHistoryEntry, error) {
	var (
		e       models.RotationHistoryEntry
		from    string
		to      string
		trigger string
		errMsg  sql.NullString
		ctxJSON []byte
	)
	if err := row.Scan(
		&e.Seq,
		&e.ID,
		&e.TestID,
		&from,
		&to,
		&trigger,
		&e.Succeeded,
		&e.DurationMs,
		&errMsg,
		&e.OccurredAt,
		&ctxJSON,
	); err != nil {
		return models.RotationHistoryEntry{}, err
	}
	e.FromVariant = models.Variant(from)
	e.ToVariant = models.Variant(to)
	e.TriggeredBy = models.Trigger(trigger)
	e.OccurredAt = e.OccurredAt.UTC()
	if errMsg.Valid {
		v := errMsg.String
		e.Error = &v
	}
	e.Context = append(json.RawMessage(nil), ctxJSON...)
	return e, nil
}

// isForeignKeyViolation reports a missing parent row.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PGStore) CreateTest(ctx context.Context, in TestInput) (models.Test, error) {
	if err := in.validate(); err != nil {
		return models.Test{}, err
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Test{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO rotation_tests (id, shop, product_id, storefront_variant_id, rotation_interval_minutes)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING ` + testColumns
	test, err := scanTest(tx.QueryRowContext(ctx, query, in.ID, strings.ToLower(in.Shop), in.ProductID, in.StorefrontVariantID, in.RotationIntervalMinutes))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Test{}, fmt.Errorf("create test: %s already exists", in.ID)
		}
		return models.Test{}, fmt.Errorf("create test: %w", err)
	}
	if err := insertMediaItems(ctx, tx, test.ID, models.VariantControl, in.Control); err != nil {
		return models.Test{}, err
	}
	if err := insertMediaItems(ctx, tx, test.ID, models.VariantTest, in.Treatment); err != nil {
		return models.Test{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Test{}, fmt.Errorf("commit create test: %w", err)
	}
	return test, nil
}

func insertMediaItems(ctx context.Context, tx *sql.Tx, testID uuid.UUID, variant models.Variant, items []models.MediaItem) error {
	const query = `
		INSERT INTO rotation_media_items (test_id, variant, position, source_url, media_id, alt_text)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, query, testID, string(variant), item.Position, item.SourceURL, nullString(item.MediaID), item.AltText); err != nil {
			if isForeignKeyViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("insert %s media item %d: %w", variant, item.Position, err)
		}
	}
	return nil
}

func (s *PGStore) GetTest(ctx context.Context, id uuid.UUID) (models.Test, error) {
	query := `SELECT ` + testColumns + ` FROM rotation_tests WHERE id=$1`
	test, err := scanTest(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Test{}, ErrNotFound
		}
		return models.Test{}, fmt.Errorf("get test: %w", err)
	}
	return test, nil
}

func (s *PGStore) ListTests(ctx context.Context, filter ListTestsFilter) ([]models.Test, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT ` + testColumns + ` FROM rotation_tests
		WHERE ($1 = '' OR shop = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, strings.ToLower(filter.Shop), string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	defer rows.Close()
	var out []models.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan test: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tests: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetSnapshot(ctx context.Context, id uuid.UUID) (models.TestSnapshot, error) {
	test, err := s.GetTest(ctx, id)
	if err != nil {
		return models.TestSnapshot{}, err
	}
	snap := models.TestSnapshot{
		Test:    test,
		Control: models.MediaSet{TestID: id, Variant: models.VariantControl},
		Treat:   models.MediaSet{TestID: id, Variant: models.VariantTest},
	}

	const itemsQuery = `
		SELECT variant, position, source_url, media_id, alt_text
		FROM rotation_media_items
		WHERE test_id=$1
		ORDER BY variant, position
	`
	rows, err := s.db.QueryContext(ctx, itemsQuery, id)
	if err != nil {
		return models.TestSnapshot{}, fmt.Errorf("list media items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			variant string
			item    models.MediaItem
			mediaID sql.NullString
		)
		if err := rows.Scan(&variant, &item.Position, &item.SourceURL, &mediaID, &item.AltText); err != nil {
			return models.TestSnapshot{}, fmt.Errorf("scan media item: %w", err)
		}
		item.MediaID = mediaID.String
		if err := item.Validate(); err != nil {
			return models.TestSnapshot{}, fmt.Errorf("stored %s item %d: %w", variant, item.Position, err)
		}
		switch models.Variant(variant) {
		case models.VariantControl:
			snap.Control.Items = append(snap.Control.Items, item)
		case models.VariantTest:
			snap.Treat.Items = append(snap.Treat.Items, item)
		}
	}
	if err := rows.Err(); err != nil {
		return models.TestSnapshot{}, fmt.Errorf("iterate media items: %w", err)
	}

	const heroQuery = `
		SELECT storefront_variant_id, variant, source_url, media_id, alt_text
		FROM rotation_hero_assignments
		WHERE test_id=$1
		ORDER BY storefront_variant_id, variant
	`
	heroRows, err := s.db.QueryContext(ctx, heroQuery, id)
	if err != nil {
		return models.TestSnapshot{}, fmt.Errorf("list hero assignments: %w", err)
	}
	defer heroRows.Close()
	for heroRows.Next() {
		var (
			h       models.HeroAssignment
			variant string
			src     sql.NullString
			mediaID sql.NullString
			alt     string
		)
		if err := heroRows.Scan(&h.StorefrontVariantID, &variant, &src, &mediaID, &alt); err != nil {
			return models.TestSnapshot{}, fmt.Errorf("scan hero assignment: %w", err)
		}
		h.TestID = id
		h.Variant = models.Variant(variant)
		if src.Valid && src.String != "" {
			h.Item = &models.MediaItem{SourceURL: src.String, MediaID: mediaID.String, AltText: alt}
		}
		snap.Heroes = append(snap.Heroes, h)
	}
	if err := heroRows.Err(); err != nil {
		return models.TestSnapshot{}, fmt.Errorf("iterate hero assignments: %w", err)
	}
	return snap, nil
}

func (s *PGStore) ListDueTests(ctx context.Context, now time.Time, limit int) ([]models.Test, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + testColumns + ` FROM rotation_tests
		WHERE status='ACTIVE' AND next_due_at <= $1
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
		ORDER BY next_due_at ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due tests: %w", err)
	}
	defer rows.Close()
	var out []models.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due test: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due tests: %w", err)
	}
	return out, nil
}

func (s *PGStore) ReplaceMediaSet(ctx context.Context, testID uuid.UUID, variant models.Variant, items []models.MediaItem) error {
	if err := models.ValidateMediaItems(items); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM rotation_media_items WHERE test_id=$1 AND variant=$2`, testID, string(variant)); err != nil {
		return fmt.Errorf("clear %s media set: %w", variant, err)
	}
	if err := insertMediaItems(ctx, tx, testID, variant, items); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit media set: %w", err)
	}
	return nil
}

func (s *PGStore) SetHeroAssignment(ctx context.Context, in models.HeroAssignment) error {
	if strings.TrimSpace(in.StorefrontVariantID) == "" {
		return fmt.Errorf("storefrontVariantId required")
	}
	var src, mediaID sql.NullString
	alt := ""
	if in.Item != nil {
		if err := in.Item.Validate(); err != nil {
			return err
		}
		src = nullString(in.Item.SourceURL)
		mediaID = nullString(in.Item.MediaID)
		alt = in.Item.AltText
	}
	const query = `
		INSERT INTO rotation_hero_assignments (test_id, storefront_variant_id, variant, source_url, media_id, alt_text)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (test_id, storefront_variant_id, variant)
		DO UPDATE SET source_url=EXCLUDED.source_url, media_id=EXCLUDED.media_id, alt_text=EXCLUDED.alt_text
	`
	if _, err := s.db.ExecContext(ctx, query, in.TestID, in.StorefrontVariantID, string(in.Variant), src, mediaID, alt); err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("set hero assignment: %w", err)
	}
	return nil
}

func (s *PGStore) RecordMediaID(ctx context.Context, in MediaIDUpdate) error {
	if in.MediaID == "" || len(in.SourceURLs) == 0 {
		return nil
	}
	urls := pq.Array(in.SourceURLs)
	const itemsQuery = `
		UPDATE rotation_media_items SET media_id=$3
		WHERE test_id=$1 AND source_url = ANY($2) AND media_id IS DISTINCT FROM $3
	`
	if _, err := s.db.ExecContext(ctx, itemsQuery, in.TestID, urls, in.MediaID); err != nil {
		return fmt.Errorf("record media id: %w", err)
	}
	const heroQuery = `
		UPDATE rotation_hero_assignments SET media_id=$3
		WHERE test_id=$1 AND source_url = ANY($2) AND media_id IS DISTINCT FROM $3
	`
	if _, err := s.db.ExecContext(ctx, heroQuery, in.TestID, urls, in.MediaID); err != nil {
		return fmt.Errorf("record hero media id: %w", err)
	}
	return nil
}

// AcquireLease is a single conditional update; it returns true iff exactly one row changed.
func (s *PGStore) AcquireLease(ctx context.Context, req LeaseRequest) (bool, error) {
	now := req.Now.UTC()
	until := now.Add(req.Duration)
	var (
		res sql.Result
		err error
	)
	switch req.Mode {
	case LeaseScheduled:
		const query = `
			UPDATE rotation_tests
			SET next_due_at=$3, lease_expires_at=$3, lease_token=$4, updated_at=NOW()
			WHERE id=$1 AND status='ACTIVE' AND next_due_at <= $2
			  AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
		`
		res, err = s.db.ExecContext(ctx, query, req.TestID, now, until, req.Token)
	case LeaseManual:
		const query = `
			UPDATE rotation_tests
			SET lease_expires_at=$3, lease_token=$4, updated_at=NOW()
			WHERE id=$1 AND status = ANY($5)
			  AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
		`
		res, err = s.db.ExecContext(ctx, query, req.TestID, now, until, req.Token, pq.Array(statusStrings(req.Statuses)))
	default:
		return false, fmt.Errorf("unknown lease mode %d", req.Mode)
	}
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease rows: %w", err)
	}
	return n == 1, nil
}

func (s *PGStore) ReleaseLease(ctx context.Context, out LeaseOutcome) (models.Test, error) {
	var status, variant sql.NullString
	if out.Status != nil {
		status = nullString(string(*out.Status))
	}
	if out.ActiveVariant != nil {
		variant = nullString(string(*out.ActiveVariant))
	}
	query := `
		UPDATE rotation_tests
		SET status=COALESCE($3, status),
		    active_variant=COALESCE($4, active_variant),
		    last_switched_at=COALESCE($5, last_switched_at),
		    next_due_at=$6,
		    lease_expires_at=NULL, lease_token=NULL, updated_at=NOW()
		WHERE id=$1 AND lease_token=$2
		RETURNING ` + testColumns
	test, err := scanTest(s.db.QueryRowContext(ctx, query, out.TestID, out.Token, status, variant, nullTime(out.LastSwitchedAt), nullTime(out.NextDueAt)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Test{}, ErrLeaseLost
		}
		return models.Test{}, fmt.Errorf("release lease: %w", err)
	}
	return test, nil
}

func (s *PGStore) TransitionStatus(ctx context.Context, in StatusTransition) (models.Test, error) {
	now := in.Now.UTC()
	query := `
		UPDATE rotation_tests
		SET status=$2,
		    active_variant=CASE WHEN $3 THEN 'CONTROL' ELSE active_variant END,
		    next_due_at=CASE WHEN $2='ACTIVE' AND rotation_interval_minutes > 0
		                     THEN $4::timestamptz + rotation_interval_minutes * INTERVAL '1 minute'
		                     ELSE NULL END,
		    updated_at=NOW()
		WHERE id=$1 AND status = ANY($5)
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $4)
		RETURNING ` + testColumns
	test, err := scanTest(s.db.QueryRowContext(ctx, query, in.TestID, string(in.To), in.ResetVariant, now, pq.Array(statusStrings(in.From))))
	if err == nil {
		return test, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Test{}, fmt.Errorf("transition status: %w", err)
	}
	current, getErr := s.GetTest(ctx, in.TestID)
	if getErr != nil {
		return models.Test{}, getErr
	}
	return models.Test{}, transitionError(current, in)
}

func transitionError(current models.Test, in StatusTransition) error {
	for _, st := range in.From {
		if current.Status == st {
			return ErrLeaseHeld
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, in.To)
}

func (s *PGStore) AppendHistory(ctx context.Context, in HistoryInput) (models.RotationHistoryEntry, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = time.Now()
	}
	var errMsg sql.NullString
	if in.Error != nil {
		errMsg = sql.NullString{String: *in.Error, Valid: true}
	}
	// occurred_at never moves backwards for a test, so readers can order by it alone.
	query := `
		WITH h AS (
			INSERT INTO rotation_history (id, test_id, from_variant, to_variant, triggered_by, succeeded, duration_ms, error, occurred_at, context)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,
				GREATEST($9::timestamptz, COALESCE((SELECT MAX(occurred_at) FROM rotation_history WHERE test_id=$2), $9::timestamptz)),
				$10)
			RETURNING *
		), outbox AS (
			INSERT INTO rotation_history_outbox (history_id) SELECT id FROM h
		)
		SELECT ` + historyColumns + ` FROM h
	`
	entry, err := scanHistory(s.db.QueryRowContext(ctx, query,
		in.ID, in.TestID, string(in.FromVariant), string(in.ToVariant), string(in.TriggeredBy),
		in.Succeeded, in.DurationMs, errMsg, in.OccurredAt.UTC(), ensureJSON(in.Context, "{}"),
	))
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.RotationHistoryEntry{}, ErrNotFound
		}
		return models.RotationHistoryEntry{}, fmt.Errorf("append history: %w", err)
	}
	return entry, nil
}

func (s *PGStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]models.RotationHistoryEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `
		SELECT ` + historyColumns + ` FROM rotation_history h
		WHERE h.test_id=$1
		  AND ($2::timestamptz IS NULL OR h.occurred_at >= $2)
		  AND ($3::timestamptz IS NULL OR h.occurred_at <= $3)
		ORDER BY h.occurred_at ASC, h.seq ASC
		LIMIT $4
	`
	rows, err := s.db.QueryContext(ctx, query, filter.TestID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	var out []models.RotationHistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// VariantAt answers which case was live at a point in time. Before any successful switch it is CONTROL.
func (s *PGStore) VariantAt(ctx context.Context, testID uuid.UUID, at time.Time) (models.Variant, error) {
	const query = `
		SELECT to_variant FROM rotation_history
		WHERE test_id=$1 AND succeeded AND occurred_at <= $2
		ORDER BY occurred_at DESC, seq DESC
		LIMIT 1
	`
	var variant string
	err := s.db.QueryRowContext(ctx, query, testID, at.UTC()).Scan(&variant)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetTest(ctx, testID); getErr != nil {
			return "", getErr
		}
		return models.VariantControl, nil
	}
	if err != nil {
		return "", fmt.Errorf("variant at: %w", err)
	}
	return models.Variant(variant), nil
}

// ClaimPendingHistory moves up to limit pending or failed outbox rows to in_progress.
func (s *PGStore) ClaimPendingHistory(ctx context.Context, limit int) ([]models.RotationHistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		WITH claimed AS (
			SELECT history_id FROM rotation_history_outbox
			WHERE status IN ('pending','failed') AND attempts < 10
			ORDER BY updated_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		), upd AS (
			UPDATE rotation_history_outbox o
			SET status='in_progress', attempts=o.attempts+1, updated_at=NOW()
			FROM claimed c
			WHERE o.history_id = c.history_id
			RETURNING o.history_id
		)
		SELECT ` + historyColumns + `
		FROM rotation_history h JOIN upd ON upd.history_id = h.id
		ORDER BY h.seq
	`
	rows, err := tx.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim history: %w", err)
	}
	var out []models.RotationHistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate claimed history: %w", err)
	}
	rows.Close()
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkHistoryStreamed(ctx context.Context, res StreamResult) error {
	var query string
	var args []interface{}
	if res.Success {
		query = `
			UPDATE rotation_history_outbox
			SET status='done', archived_key=$2, last_error=NULL, streamed_at=NOW(), updated_at=NOW()
			WHERE history_id=$1
		`
		args = []interface{}{res.HistoryID, nullString(res.ArchivedKey)}
	} else {
		query = `
			UPDATE rotation_history_outbox
			SET status='failed', last_error=$2, updated_at=NOW()
			WHERE history_id=$1
		`
		args = []interface{}{res.HistoryID, res.Error}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark history streamed: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
