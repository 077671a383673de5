package media

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

type PollConfig struct {
	Timeout  time.Duration
	Initial  time.Duration
	Max      time.Duration
	Multiple float64
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Initial <= 0 {
		c.Initial = 250 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 5 * time.Second
	}
	if c.Multiple < 1 {
		c.Multiple = 2
	}
	return c
}

// PollUntil calls check with exponential backoff until it reports done, errors, or the deadline passes.
// Running out of time yields ErrJobTimeout.
func PollUntil(ctx context.Context, cfg PollConfig, check func(ctx context.Context) (bool, error)) error {
	cfg = cfg.withDefaults()
	deadline := time.Now().Add(cfg.Timeout)
	delay := cfg.Initial
	for attempt := 1; ; attempt++ {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w after %d polls", ErrJobTimeout, attempt)
		}
		wait := delay
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay = time.Duration(float64(delay) * cfg.Multiple)
		if delay > cfg.Max {
			delay = cfg.Max
		}
	}
}

// CreateConcurrently runs create for each input with at most limit calls in flight.
// Results keep input order; the first error cancels the rest. On error the returned slice still
// holds every media created before the failure, with zero values for the rest.
func CreateConcurrently(ctx context.Context, limit int, inputs []CreateInput, create func(ctx context.Context, in CreateInput) (Media, error)) ([]Media, error) {
	if limit <= 0 {
		limit = 3
	}
	out := make([]Media, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			m, err := create(gctx, in)
			if err != nil {
				return fmt.Errorf("create %s: %w", in.SourceURL, err)
			}
			out[i] = m
			return nil
		})
	}
	return out, g.Wait()
}
