package lease

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/imagerotation/internal/models"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

const DefaultDuration = 60 * time.Minute

// Leaser is the store surface the manager needs.
type Leaser interface {
	AcquireLease(ctx context.Context, req store.LeaseRequest) (bool, error)
}

// Manager hands out per-test leases backed by a conditional update on the test row.
// There is no release call: the holder's final write clears the lease, and a crashed
// holder's lease simply expires.
type Manager struct {
	store    Leaser
	duration time.Duration
}

func NewManager(st Leaser, duration time.Duration) *Manager {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Manager{store: st, duration: duration}
}

// Lease identifies one successful acquisition; Token fences the holder's final write.
type Lease struct {
	TestID     uuid.UUID
	Token      uuid.UUID
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// TryAcquire takes the due-time lease for a scheduled rotation.
func (m *Manager) TryAcquire(ctx context.Context, testID uuid.UUID, now time.Time) (Lease, bool, error) {
	return m.acquire(ctx, store.LeaseRequest{
		TestID: testID,
		Now:    now,
		Mode:   store.LeaseScheduled,
	})
}

// TryAcquireManual takes the lease regardless of due time for tests in one of the given statuses.
func (m *Manager) TryAcquireManual(ctx context.Context, testID uuid.UUID, now time.Time, statuses ...models.Status) (Lease, bool, error) {
	return m.acquire(ctx, store.LeaseRequest{
		TestID:   testID,
		Now:      now,
		Mode:     store.LeaseManual,
		Statuses: statuses,
	})
}

func (m *Manager) acquire(ctx context.Context, req store.LeaseRequest) (Lease, bool, error) {
	req.Token = uuid.New()
	req.Duration = m.duration
	ok, err := m.store.AcquireLease(ctx, req)
	if err != nil || !ok {
		return Lease{}, false, err
	}
	return Lease{
		TestID:     req.TestID,
		Token:      req.Token,
		AcquiredAt: req.Now,
		ExpiresAt:  req.Now.Add(m.duration),
	}, true, nil
}

func (m *Manager) Duration() time.Duration {
	return m.duration
}
