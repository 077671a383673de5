// Package rotation decides when a test flips case and records every attempt.
package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/imagerotation/internal/lease"
	"github.com/ILLUVRSE/imagerotation/internal/logger"
	"github.com/ILLUVRSE/imagerotation/internal/media"
	"github.com/ILLUVRSE/imagerotation/internal/models"
	"github.com/ILLUVRSE/imagerotation/internal/reconcile"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

var (
	// ErrLocked means another rotation holds the test's lease.
	ErrLocked = errors.New("rotation already in progress")
	// ErrInvalidState means the test's status does not allow the operation.
	ErrInvalidState = errors.New("invalid test state")
	// ErrRestoreFailed means CONTROL could not be restored, so the status change was refused.
	ErrRestoreFailed = errors.New("could not restore CONTROL images")
)

// Reconciler drives a product to one case of a test. It reports every outcome as a Result.
type Reconciler interface {
	Reconcile(ctx context.Context, client media.Client, snap models.TestSnapshot, target models.Variant) reconcile.Result
}

// Recorder receives rotation metrics.
type Recorder interface {
	RotationAttempt(trigger, outcome string)
	LeaseSkipped()
	ObserveReconcile(d time.Duration)
}

// Deps are the collaborators of an Engine. Leases defaults to a manager over Store.
type Deps struct {
	Store      store.Store
	Leases     *lease.Manager
	Provider   media.Provider
	Reconciler Reconciler
	Metrics    Recorder
	Logger     *logger.Logger
	Workers    int
	BatchSize  int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine runs scheduled and manual rotations. All entry points go through the same lease,
// reconcile, persist and history steps.
type Engine struct {
	store      store.Store
	leases     *lease.Manager
	provider   media.Provider
	reconciler Reconciler
	metrics    Recorder
	log        *logger.Logger
	workers    int
	batch      int
	now        func() time.Time
}

// NewEngine applies defaults: 3 workers, batches of 100, and time.Now.
func NewEngine(d Deps) *Engine {
	e := &Engine{
		store:      d.Store,
		leases:     d.Leases,
		provider:   d.Provider,
		reconciler: d.Reconciler,
		metrics:    d.Metrics,
		log:        logger.OrNop(d.Logger),
		workers:    d.Workers,
		batch:      d.BatchSize,
		now:        d.Now,
	}
	if e.leases == nil {
		e.leases = lease.NewManager(d.Store, 0)
	}
	if e.workers <= 0 {
		e.workers = 3
	}
	if e.batch <= 0 {
		e.batch = 100
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Outcome reports one rotation attempt.
type Outcome struct {
	TestID  uuid.UUID                    `json:"testId"`
	From    models.Variant               `json:"from"`
	To      models.Variant               `json:"to"`
	Trigger models.Trigger               `json:"triggeredBy"`
	Result  reconcile.Result             `json:"result"`
	Test    models.Test                  `json:"test"`
	History *models.RotationHistoryEntry `json:"history,omitempty"`
}

// Failure is one test that did not rotate during a tick.
type Failure struct {
	TestID  uuid.UUID             `json:"testId"`
	Kind    reconcile.FailureKind `json:"kind,omitempty"`
	Message string                `json:"message"`
}

// Summary reports one ProcessDueRotations pass.
type Summary struct {
	Processed int         `json:"processed"`
	Skipped   int         `json:"skipped"`
	Succeeded []uuid.UUID `json:"succeeded"`
	Failed    []Failure   `json:"failed"`
}

// ProcessDueRotations flips every due ACTIVE test once, with bounded concurrency. Losing a lease
// race is counted as skipped, not failed.
func (e *Engine) ProcessDueRotations(ctx context.Context, now time.Time) (Summary, error) {
	due, err := e.store.ListDueTests(ctx, now, e.batch)
	if err != nil {
		return Summary{}, fmt.Errorf("list due tests: %w", err)
	}
	summary := Summary{Processed: len(due), Succeeded: []uuid.UUID{}, Failed: []Failure{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, t := range due {
		t := t
		g.Go(func() error {
			out, skipped, err := e.rotateScheduled(gctx, t.ID, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case skipped:
				summary.Skipped++
			case err != nil:
				summary.Failed = append(summary.Failed, Failure{TestID: t.ID, Message: err.Error()})
			case out.Result.Succeeded:
				summary.Succeeded = append(summary.Succeeded, t.ID)
			default:
				summary.Failed = append(summary.Failed, Failure{TestID: t.ID, Kind: out.Result.Kind, Message: out.Result.Message})
			}
			return nil
		})
	}
	_ = g.Wait()
	e.log.Info("processed due rotations", "processed", summary.Processed, "skipped", summary.Skipped,
		"succeeded", len(summary.Succeeded), "failed", len(summary.Failed))
	return summary, ctx.Err()
}

func (e *Engine) rotateScheduled(ctx context.Context, id uuid.UUID, now time.Time) (Outcome, bool, error) {
	l, ok, err := e.leases.TryAcquire(ctx, id, now)
	if err != nil {
		return Outcome{}, false, err
	}
	if !ok {
		e.skip(id, models.TriggerSchedule)
		return Outcome{}, true, nil
	}
	snap, err := e.store.GetSnapshot(ctx, id)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("load test %s: %w", id, err)
	}
	out, err := e.rotateLeased(ctx, l, snap, plan{trigger: models.TriggerSchedule, target: snap.Test.ActiveVariant.Opposite()}, now)
	return out, false, err
}

func (e *Engine) skip(id uuid.UUID, trigger models.Trigger) {
	e.log.Debug("lease held elsewhere, skipping", "test_id", id, "trigger", trigger)
	if e.metrics != nil {
		e.metrics.LeaseSkipped()
		e.metrics.RotationAttempt(string(trigger), "skipped")
	}
}

// RotateNow rotates an ACTIVE or PAUSED test immediately. With no target it toggles; a target equal
// to the current case re-applies it.
func (e *Engine) RotateNow(ctx context.Context, id uuid.UUID, trigger models.Trigger, target *models.Variant) (Outcome, error) {
	if trigger == "" {
		trigger = models.TriggerManual
	}
	now := e.now()
	allowed := []models.Status{models.StatusActive, models.StatusPaused}
	l, ok, err := e.leases.TryAcquireManual(ctx, id, now, allowed...)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		e.skip(id, trigger)
		return Outcome{}, e.refusal(ctx, id, allowed)
	}
	snap, err := e.store.GetSnapshot(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("load test %s: %w", id, err)
	}
	to := snap.Test.ActiveVariant.Opposite()
	if target != nil {
		to = *target
	}
	return e.rotateLeased(ctx, l, snap, plan{trigger: trigger, target: to}, now)
}

// refusal explains why a manual lease was not granted.
func (e *Engine) refusal(ctx context.Context, id uuid.UUID, allowed []models.Status) error {
	t, err := e.store.GetTest(ctx, id)
	if err != nil {
		return err
	}
	for _, st := range allowed {
		if t.Status == st {
			return ErrLocked
		}
	}
	return fmt.Errorf("%w: test is %s", ErrInvalidState, t.Status)
}

// plan is what a leased rotation should do. finalStatus applies only when reconciliation succeeds.
type plan struct {
	trigger     models.Trigger
	target      models.Variant
	finalStatus *models.Status
	reason      string
}

func (e *Engine) rotateLeased(ctx context.Context, l lease.Lease, snap models.TestSnapshot, p plan, now time.Time) (Outcome, error) {
	t := snap.Test
	from := t.ActiveVariant
	started := time.Now()
	res := e.reconcileSnapshot(ctx, snap, p.target)
	elapsed := time.Since(started)
	if e.metrics != nil {
		e.metrics.ObserveReconcile(elapsed)
	}
	// The storefront shows the target from here on.
	finished := e.now()

	status := t.Status
	release := store.LeaseOutcome{TestID: t.ID, Token: l.Token}
	if res.Succeeded {
		variant := p.target
		release.ActiveVariant = &variant
		release.LastSwitchedAt = &finished
		if p.finalStatus != nil {
			status = *p.finalStatus
			release.Status = &status
		}
	}
	release.NextDueAt = nextDue(t, status, res, now)

	// The provider already changed; record it even if the caller has gone away.
	pctx, cancel := persistContext(ctx)
	defer cancel()

	out := Outcome{TestID: t.ID, From: from, To: p.target, Trigger: p.trigger, Result: res}
	updated, releaseErr := e.store.ReleaseLease(pctx, release)
	if releaseErr != nil {
		e.log.Error("persist rotation outcome failed", "test_id", t.ID, "error", releaseErr)
	}
	out.Test = updated

	entry, histErr := e.store.AppendHistory(pctx, historyInput(t.ID, from, p, res, elapsed, finished, l.Token))
	if histErr != nil {
		e.log.Error("append rotation history failed", "test_id", t.ID, "error", histErr)
	} else {
		out.History = &entry
	}

	outcome := "succeeded"
	if !res.Succeeded {
		outcome = "failed"
	}
	if e.metrics != nil {
		e.metrics.RotationAttempt(string(p.trigger), outcome)
	}
	e.log.Info("rotation attempt", "test_id", t.ID, "shop", t.Shop, "product_id", t.ProductID, "from", from,
		"to", p.target, "trigger", p.trigger, "outcome", outcome, "duration_ms", elapsed.Milliseconds())

	if releaseErr != nil {
		return out, fmt.Errorf("persist rotation outcome: %w", releaseErr)
	}
	return out, histErr
}

// persistTimeout bounds writes that must land after the caller's context is done.
const persistTimeout = 10 * time.Second

func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func (e *Engine) reconcileSnapshot(ctx context.Context, snap models.TestSnapshot, target models.Variant) reconcile.Result {
	client, err := e.provider.ClientFor(ctx, snap.Test.Shop)
	if err != nil {
		return reconcile.Result{Target: target, Kind: reconcile.KindInvalidState, Message: fmt.Sprintf("media client for %s: %v", snap.Test.Shop, err)}
	}
	return e.reconciler.Reconcile(ctx, client, snap, target)
}

// nextDue re-arms the schedule. Failures come back sooner when the reconciler suggests it, but
// never later than the normal interval. Tests that are not ACTIVE, or manual-only, stay unarmed.
func nextDue(t models.Test, status models.Status, res reconcile.Result, now time.Time) *time.Time {
	if status != models.StatusActive || t.RotationIntervalMinutes <= 0 {
		return nil
	}
	if !res.Succeeded && res.RetryAfter > 0 {
		wait := res.RetryAfter
		if wait > t.Interval() {
			wait = t.Interval()
		}
		next := now.Add(wait)
		return &next
	}
	return t.NextDue(now)
}

func historyInput(testID uuid.UUID, from models.Variant, p plan, res reconcile.Result, elapsed time.Duration, at time.Time, token uuid.UUID) store.HistoryInput {
	meta := map[string]interface{}{
		"stats":      res.Stats,
		"leaseToken": token.String(),
	}
	if p.reason != "" {
		meta["reason"] = p.reason
	}
	if !res.Succeeded {
		meta["kind"] = res.Kind
	}
	raw, _ := json.Marshal(meta)
	in := store.HistoryInput{
		TestID:      testID,
		FromVariant: from,
		ToVariant:   p.target,
		TriggeredBy: p.trigger,
		Succeeded:   res.Succeeded,
		DurationMs:  elapsed.Milliseconds(),
		OccurredAt:  at,
		Context:     raw,
	}
	if !res.Succeeded {
		msg := res.Message
		in.Error = &msg
	}
	return in
}
