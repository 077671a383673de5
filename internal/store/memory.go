package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/imagerotation/internal/models"
)

type memTest struct {
	test       models.Test
	control    []models.MediaItem
	treatment  []models.MediaItem
	heroes     map[heroKey]*models.MediaItem
	leaseUntil *time.Time
	leaseToken uuid.UUID
}

type heroKey struct {
	storefrontVariant string
	variant           models.Variant
}

type memOutbox struct {
	status   models.StreamStatus
	attempts int
	key      string
	lastErr  string
}

// MemoryStore provides an in-memory implementation useful for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	tests   map[uuid.UUID]*memTest
	history []models.RotationHistoryEntry
	outbox  map[uuid.UUID]*memOutbox
	seq     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tests:  map[uuid.UUID]*memTest{},
		outbox: map[uuid.UUID]*memOutbox{},
	}
}

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

func copyItems(items []models.MediaItem) []models.MediaItem {
	out := append([]models.MediaItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func timePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}

func (m *MemoryStore) CreateTest(ctx context.Context, in TestInput) (models.Test, error) {
	if err := in.validate(); err != nil {
		return models.Test{}, err
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tests[in.ID]; exists {
		return models.Test{}, fmt.Errorf("create test: %s already exists", in.ID)
	}
	rec := &memTest{
		test: models.Test{
			ID:                      in.ID,
			Shop:                    strings.ToLower(in.Shop),
			ProductID:               in.ProductID,
			StorefrontVariantID:     in.StorefrontVariantID,
			Status:                  models.StatusDraft,
			ActiveVariant:           models.VariantControl,
			RotationIntervalMinutes: in.RotationIntervalMinutes,
			CreatedAt:               now,
			UpdatedAt:               now,
		},
		control:   copyItems(in.Control),
		treatment: copyItems(in.Treatment),
		heroes:    map[heroKey]*models.MediaItem{},
	}
	m.tests[in.ID] = rec
	return rec.test, nil
}

func (m *MemoryStore) GetTest(ctx context.Context, id uuid.UUID) (models.Test, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tests[id]
	if !ok {
		return models.Test{}, ErrNotFound
	}
	return rec.test, nil
}

func (m *MemoryStore) ListTests(ctx context.Context, filter ListTestsFilter) ([]models.Test, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Test
	for _, rec := range m.tests {
		if filter.Shop != "" && rec.test.Shop != strings.ToLower(filter.Shop) {
			continue
		}
		if filter.Status != "" && rec.test.Status != filter.Status {
			continue
		}
		out = append(out, rec.test)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, id uuid.UUID) (models.TestSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tests[id]
	if !ok {
		return models.TestSnapshot{}, ErrNotFound
	}
	snap := models.TestSnapshot{
		Test:    rec.test,
		Control: models.MediaSet{TestID: id, Variant: models.VariantControl, Items: copyItems(rec.control)},
		Treat:   models.MediaSet{TestID: id, Variant: models.VariantTest, Items: copyItems(rec.treatment)},
	}
	for key, item := range rec.heroes {
		h := models.HeroAssignment{TestID: id, StorefrontVariantID: key.storefrontVariant, Variant: key.variant}
		if item != nil {
			cp := *item
			h.Item = &cp
		}
		snap.Heroes = append(snap.Heroes, h)
	}
	sort.Slice(snap.Heroes, func(i, j int) bool {
		if snap.Heroes[i].StorefrontVariantID != snap.Heroes[j].StorefrontVariantID {
			return snap.Heroes[i].StorefrontVariantID < snap.Heroes[j].StorefrontVariantID
		}
		return snap.Heroes[i].Variant < snap.Heroes[j].Variant
	})
	return snap, nil
}

func leaseFree(rec *memTest, now time.Time) bool {
	return rec.leaseUntil == nil || !rec.leaseUntil.After(now)
}

func (m *MemoryStore) ListDueTests(ctx context.Context, now time.Time, limit int) ([]models.Test, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Test
	for _, rec := range m.tests {
		t := rec.test
		if t.Status != models.StatusActive || t.NextDueAt == nil || t.NextDueAt.After(now) {
			continue
		}
		if !leaseFree(rec, now) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextDueAt.Before(*out[j].NextDueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ReplaceMediaSet(ctx context.Context, testID uuid.UUID, variant models.Variant, items []models.MediaItem) error {
	if err := models.ValidateMediaItems(items); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tests[testID]
	if !ok {
		return ErrNotFound
	}
	if variant == models.VariantTest {
		rec.treatment = copyItems(items)
	} else {
		rec.control = copyItems(items)
	}
	return nil
}

func (m *MemoryStore) SetHeroAssignment(ctx context.Context, in models.HeroAssignment) error {
	if strings.TrimSpace(in.StorefrontVariantID) == "" {
		return fmt.Errorf("storefrontVariantId required")
	}
	var item *models.MediaItem
	if in.Item != nil {
		if err := in.Item.Validate(); err != nil {
			return err
		}
		cp := *in.Item
		item = &cp
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tests[in.TestID]
	if !ok {
		return ErrNotFound
	}
	rec.heroes[heroKey{storefrontVariant: in.StorefrontVariantID, variant: in.Variant}] = item
	return nil
}

func (m *MemoryStore) RecordMediaID(ctx context.Context, in MediaIDUpdate) error {
	if in.MediaID == "" || len(in.SourceURLs) == 0 {
		return nil
	}
	urls := map[string]struct{}{}
	for _, u := range in.SourceURLs {
		urls[u] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tests[in.TestID]
	if !ok {
		return nil
	}
	for _, set := range [][]models.MediaItem{rec.control, rec.treatment} {
		for i := range set {
			if _, hit := urls[set[i].SourceURL]; hit {
				set[i].MediaID = in.MediaID
			}
		}
	}
	for _, item := range rec.heroes {
		if item == nil {
			continue
		}
		if _, hit := urls[item.SourceURL]; hit {
			item.MediaID = in.MediaID
		}
	}
	return nil
}

func (m *MemoryStore) AcquireLease(ctx context.Context, req LeaseRequest) (bool, error) {
	now := req.Now.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tests[req.TestID]
	if !ok || !leaseFree(rec, now) {
		return false, nil
	}
	until := now.Add(req.Duration)
	switch req.Mode {
	case LeaseScheduled:
		t := rec.test
		if t.Status != models.StatusActive || t.NextDueAt == nil || t.NextDueAt.After(now) {
			return false, nil
		}
		rec.test.NextDueAt = timePtr(until)
	case LeaseManual:
		allowed := false
		for _, st := range req.Statuses {
			if rec.test.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	default:
		return false, fmt.Errorf("unknown lease mode %d", req.Mode)
	}
	rec.leaseUntil = timePtr(until)
	rec.leaseToken = req.Token
	rec.test.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, out LeaseOutcome) (models.Test, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tests[out.TestID]
	if !ok || rec.leaseUntil == nil || rec.leaseToken != out.Token {
		return models.Test{}, ErrLeaseLost
	}
	next := rec.test
	if out.Status != nil {
		next.Status = *out.Status
	}
	if out.ActiveVariant != nil {
		next.ActiveVariant = *out.ActiveVariant
	}
	if out.LastSwitchedAt != nil {
		next.LastSwitchedAt = timePtr(*out.LastSwitchedAt)
	}
	next.NextDueAt = nil
	if out.NextDueAt != nil {
		next.NextDueAt = timePtr(*out.NextDueAt)
	}
	if err := checkInvariants(next); err != nil {
		return models.Test{}, fmt.Errorf("release lease: %w", err)
	}
	next.UpdatedAt = time.Now().UTC()
	rec.test = next
	rec.leaseUntil = nil
	rec.leaseToken = uuid.Nil
	return rec.test, nil
}

// checkInvariants mirrors the table constraints.
func checkInvariants(t models.Test) error {
	armed := t.Status == models.StatusActive && t.RotationIntervalMinutes > 0
	if (t.NextDueAt != nil) != armed {
		return fmt.Errorf("nextDueAt must be set iff ACTIVE with interval > 0 (status=%s interval=%d)", t.Status, t.RotationIntervalMinutes)
	}
	if t.Status == models.StatusCompleted && t.ActiveVariant != models.VariantControl {
		return fmt.Errorf("completed test must show CONTROL")
	}
	return nil
}

func (m *MemoryStore) TransitionStatus(ctx context.Context, in StatusTransition) (models.Test, error) {
	now := in.Now.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tests[in.TestID]
	if !ok {
		return models.Test{}, ErrNotFound
	}
	allowed := false
	for _, st := range in.From {
		if rec.test.Status == st {
			allowed = true
			break
		}
	}
	if !allowed || !leaseFree(rec, now) {
		return models.Test{}, transitionError(rec.test, in)
	}
	rec.test.Status = in.To
	if in.ResetVariant {
		rec.test.ActiveVariant = models.VariantControl
	}
	rec.test.NextDueAt = nil
	if in.To == models.StatusActive {
		rec.test.NextDueAt = rec.test.NextDue(now)
	}
	rec.test.UpdatedAt = time.Now().UTC()
	return rec.test, nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, in HistoryInput) (models.RotationHistoryEntry, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tests[in.TestID]; !ok {
		return models.RotationHistoryEntry{}, ErrNotFound
	}
	occurred := in.OccurredAt.UTC()
	for _, e := range m.history {
		if e.TestID == in.TestID && e.OccurredAt.After(occurred) {
			occurred = e.OccurredAt
		}
	}
	m.seq++
	entry := models.RotationHistoryEntry{
		ID:          in.ID,
		Seq:         m.seq,
		TestID:      in.TestID,
		FromVariant: in.FromVariant,
		ToVariant:   in.ToVariant,
		TriggeredBy: in.TriggeredBy,
		Succeeded:   in.Succeeded,
		DurationMs:  in.DurationMs,
		OccurredAt:  occurred,
		Context:     copyJSON(in.Context, "{}"),
	}
	if in.Error != nil {
		v := *in.Error
		entry.Error = &v
	}
	m.history = append(m.history, entry)
	m.outbox[entry.ID] = &memOutbox{status: models.StreamPending}
	return entry, nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]models.RotationHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RotationHistoryEntry
	for _, e := range m.history {
		if e.TestID != filter.TestID {
			continue
		}
		if filter.From != nil && e.OccurredAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.OccurredAt.After(*filter.To) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].Seq < out[j].Seq
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) VariantAt(ctx context.Context, testID uuid.UUID, at time.Time) (models.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tests[testID]; !ok {
		return "", ErrNotFound
	}
	variant := models.VariantControl
	var best *models.RotationHistoryEntry
	for i := range m.history {
		e := &m.history[i]
		if e.TestID != testID || !e.Succeeded || e.OccurredAt.After(at) {
			continue
		}
		if best == nil || e.OccurredAt.After(best.OccurredAt) || (e.OccurredAt.Equal(best.OccurredAt) && e.Seq > best.Seq) {
			best = e
		}
	}
	if best != nil {
		variant = best.ToVariant
	}
	return variant, nil
}

func (m *MemoryStore) ClaimPendingHistory(ctx context.Context, limit int) ([]models.RotationHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RotationHistoryEntry
	for _, e := range m.history {
		if limit > 0 && len(out) >= limit {
			break
		}
		ob := m.outbox[e.ID]
		if ob == nil || (ob.status != models.StreamPending && ob.status != models.StreamFailed) {
			continue
		}
		ob.status = models.StreamInProgress
		ob.attempts++
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) MarkHistoryStreamed(ctx context.Context, res StreamResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ob, ok := m.outbox[res.HistoryID]
	if !ok {
		return ErrNotFound
	}
	if res.Success {
		ob.status = models.StreamDone
		ob.key = res.ArchivedKey
		ob.lastErr = ""
		return nil
	}
	ob.status = models.StreamFailed
	ob.lastErr = res.Error
	return nil
}

// StreamStatus reports the outbox state of one history entry.
func (m *MemoryStore) StreamStatus(id uuid.UUID) (models.StreamStatus, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ob, ok := m.outbox[id]
	if !ok {
		return "", ""
	}
	return ob.status, ob.key
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
