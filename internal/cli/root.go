// Package cli is the rotatectl command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/imagerotation/internal/app"
	"github.com/ILLUVRSE/imagerotation/internal/config"
	"github.com/ILLUVRSE/imagerotation/internal/logger"
	"github.com/ILLUVRSE/imagerotation/internal/models"
	"github.com/ILLUVRSE/imagerotation/internal/rotation"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

type Engine interface {
	ProcessDueRotations(ctx context.Context, now time.Time) (rotation.Summary, error)
	RotateNow(ctx context.Context, id uuid.UUID, trigger models.Trigger, target *models.Variant) (rotation.Outcome, error)
	Activate(ctx context.Context, id uuid.UUID) (models.Test, error)
	Resume(ctx context.Context, id uuid.UUID) (models.Test, error)
	Pause(ctx context.Context, id uuid.UUID) (rotation.Outcome, error)
	Complete(ctx context.Context, id uuid.UUID) (rotation.Outcome, error)
}

// Runtime is what a command runs against.
type Runtime struct {
	Engine  Engine
	Store   store.Store
	Migrate func(ctx context.Context) error
	Close   func() error
}

// Opener builds the runtime once a command needs it.
type Opener func(ctx context.Context) (*Runtime, error)

func Execute() error {
	return NewRootCmd(OpenFromEnv).Execute()
}

func NewRootCmd(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:          "rotatectl",
		Short:        "Operate product image rotation tests",
		SilenceUsage: true,
	}
	root.AddCommand(
		newRunDueCmd(open),
		newRotateCmd(open),
		newActivateCmd(open),
		newResumeCmd(open),
		newStopCmd(open, "pause", "Pause a test, restoring CONTROL images first", func(e Engine) stopFunc { return e.Pause }),
		newStopCmd(open, "complete", "Complete a test, restoring CONTROL images first", func(e Engine) stopFunc { return e.Complete }),
		newHistoryCmd(open),
		newVariantAtCmd(open),
		newMigrateCmd(open),
	)
	return root
}

// OpenFromEnv wires the Postgres-backed runtime from the environment.
func OpenFromEnv(ctx context.Context) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	db, err := app.OpenDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Runtime{
		Engine:  a.Engine,
		Store:   a.Store,
		Migrate: func(ctx context.Context) error { return store.Migrate(ctx, db) },
		Close:   a.Close,
	}, nil
}

// withRuntime opens the runtime, runs fn and closes it.
func withRuntime(cmd *cobra.Command, open Opener, fn func(ctx context.Context, rt *Runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := open(ctx)
	if err != nil {
		return err
	}
	if rt.Close != nil {
		defer rt.Close()
	}
	return fn(ctx, rt)
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid test id %q", raw)
	}
	return id, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
