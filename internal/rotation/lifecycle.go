package rotation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/imagerotation/internal/models"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

// Activate starts rotating a DRAFT test. Both cases need at least one image.
func (e *Engine) Activate(ctx context.Context, id uuid.UUID) (models.Test, error) {
	snap, err := e.store.GetSnapshot(ctx, id)
	if err != nil {
		return models.Test{}, err
	}
	if len(snap.Control.Items) == 0 || len(snap.Treat.Items) == 0 {
		return models.Test{}, fmt.Errorf("%w: both cases need at least one image", ErrInvalidState)
	}
	return e.transition(ctx, id, []models.Status{models.StatusDraft}, models.StatusActive)
}

// Resume re-arms a PAUSED test from now.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) (models.Test, error) {
	return e.transition(ctx, id, []models.Status{models.StatusPaused}, models.StatusActive)
}

func (e *Engine) transition(ctx context.Context, id uuid.UUID, from []models.Status, to models.Status) (models.Test, error) {
	t, err := e.store.TransitionStatus(ctx, store.StatusTransition{TestID: id, From: from, To: to, Now: e.now()})
	switch {
	case errors.Is(err, store.ErrLeaseHeld):
		return models.Test{}, ErrLocked
	case errors.Is(err, store.ErrInvalidTransition):
		return models.Test{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	case err != nil:
		return models.Test{}, err
	}
	e.log.Info("test status changed", "test_id", id, "status", t.Status)
	return t, nil
}

// Pause stops rotation. A test showing TEST is restored to CONTROL first; if that fails the test
// stays ACTIVE and ErrRestoreFailed is returned with the attempt's outcome.
func (e *Engine) Pause(ctx context.Context, id uuid.UUID) (Outcome, error) {
	return e.stop(ctx, id, []models.Status{models.StatusActive}, models.StatusPaused, "pause")
}

// Complete ends a test for good, restoring CONTROL when needed.
func (e *Engine) Complete(ctx context.Context, id uuid.UUID) (Outcome, error) {
	return e.stop(ctx, id, []models.Status{models.StatusDraft, models.StatusActive, models.StatusPaused}, models.StatusCompleted, "complete")
}

func (e *Engine) stop(ctx context.Context, id uuid.UUID, from []models.Status, to models.Status, reason string) (Outcome, error) {
	now := e.now()
	l, ok, err := e.leases.TryAcquireManual(ctx, id, now, from...)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, e.refusal(ctx, id, from)
	}
	snap, err := e.store.GetSnapshot(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("load test %s: %w", id, err)
	}

	if snap.Test.ActiveVariant == models.VariantControl {
		status := to
		pctx, cancel := persistContext(ctx)
		defer cancel()
		t, err := e.store.ReleaseLease(pctx, store.LeaseOutcome{TestID: id, Token: l.Token, Status: &status})
		if err != nil {
			return Outcome{}, fmt.Errorf("persist %s: %w", reason, err)
		}
		e.log.Info("test status changed", "test_id", id, "status", t.Status)
		return Outcome{TestID: id, From: models.VariantControl, To: models.VariantControl, Test: t}, nil
	}

	out, err := e.rotateLeased(ctx, l, snap, plan{
		trigger:     models.TriggerSystem,
		target:      models.VariantControl,
		finalStatus: &to,
		reason:      reason,
	}, now)
	if err != nil {
		return out, err
	}
	if !out.Result.Succeeded {
		return out, fmt.Errorf("%w: %s", ErrRestoreFailed, out.Result.Message)
	}
	e.log.Info("test status changed", "test_id", id, "status", out.Test.Status)
	return out, nil
}
