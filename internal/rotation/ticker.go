package rotation

import (
	"context"
	"time"
)

// RunTicker calls ProcessDueRotations every interval until ctx is cancelled. A failed tick is
// logged and the loop carries on.
func RunTicker(ctx context.Context, e *Engine, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	e.log.Info("rotation ticker started", "interval", interval.String())
	for {
		if ctx.Err() != nil {
			e.log.Info("rotation ticker stopped")
			return
		}
		if _, err := e.ProcessDueRotations(ctx, e.now()); err != nil && ctx.Err() == nil {
			e.log.Error("process due rotations failed", "error", err)
		}
		select {
		case <-ctx.Done():
			e.log.Info("rotation ticker stopped")
			return
		case <-time.After(interval):
		}
	}
}
