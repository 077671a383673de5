package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/imagerotation/internal/models"
	"github.com/ILLUVRSE/imagerotation/internal/rotation"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

func newRunDueCmd(open Opener) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "run-due",
		Short: "Rotate every ACTIVE test whose next due time has passed",
		Long: `Rotate every ACTIVE test whose next due time has passed.

Meant to be run from cron. Tests held by another worker are skipped.

Example:
  rotatectl run-due
  rotatectl run-due --at 2026-05-01T10:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = t
			}
			return withRuntime(cmd, open, func(ctx context.Context, rt *Runtime) error {
				summary, err := rt.Engine.ProcessDueRotations(ctx, now)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
					return err
				}
				if len(summary.Failed) > 0 {
					return fmt.Errorf("%d rotation(s) failed", len(summary.Failed))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate due times at this RFC3339 instant instead of now")
	return cmd
}

func newRotateCmd(open Opener) *cobra.Command {
	var target, trigger string
	cmd := &cobra.Command{
		Use:   "rotate <test-id>",
		Short: "Rotate a test now",
		Long: `Rotate an ACTIVE or PAUSED test immediately.

Without --target the test flips to the other case. With --target equal to the
current case the gallery is re-applied, which repairs drift.

Example:
  rotatectl rotate 6f1c2d3e-... --target TEST`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var variant *models.Variant
			if target != "" {
				v, err := models.ParseVariant(target)
				if err != nil {
					return err
				}
				variant = &v
			}
			trig, err := models.ParseTrigger(trigger)
			if err != nil {
				return err
			}
			return withRuntime(cmd, open, func(ctx context.Context, rt *Runtime) error {
				out, err := rt.Engine.RotateNow(ctx, id, trig, variant)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				return out.Result.Err()
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "case to show: CONTROL or TEST")
	cmd.Flags().StringVar(&trigger, "trigger", string(models.TriggerManual), "trigger recorded in history")
	return cmd
}

type transitionFunc func(ctx context.Context, id uuid.UUID) (models.Test, error)

func newTransitionCmd(open Opener, use, short string, pick func(Engine) transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <test-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd, open, func(ctx context.Context, rt *Runtime) error {
				t, err := pick(rt.Engine)(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
}

func newActivateCmd(open Opener) *cobra.Command {
	return newTransitionCmd(open, "activate", "Start rotating a DRAFT test", func(e Engine) transitionFunc { return e.Activate })
}

func newResumeCmd(open Opener) *cobra.Command {
	return newTransitionCmd(open, "resume", "Resume a PAUSED test", func(e Engine) transitionFunc { return e.Resume })
}

type stopFunc func(ctx context.Context, id uuid.UUID) (rotation.Outcome, error)

func newStopCmd(open Opener, use, short string, pick func(Engine) stopFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <test-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd, open, func(ctx context.Context, rt *Runtime) error {
				out, err := pick(rt.Engine)(ctx, id)
				if perr := printJSON(cmd.OutOrStdout(), out.Test); perr != nil && err == nil {
					err = perr
				}
				return err
			})
		},
	}
}

func newHistoryCmd(open Opener) *cobra.Command {
	var from, to string
	var limit int
	cmd := &cobra.Command{
		Use:   "history <test-id>",
		Short: "List rotation history for a test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			filter := store.HistoryFilter{TestID: id, Limit: limit}
			if filter.From, err = optionalTime("from", from); err != nil {
				return err
			}
			if filter.To, err = optionalTime("to", to); err != nil {
				return err
			}
			return withRuntime(cmd, open, func(ctx context.Context, rt *Runtime) error {
				entries, err := rt.Store.ListHistory(ctx, filter)
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []models.RotationHistoryEntry{}
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&to, "to", "", "RFC3339 upper bound")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (0 = all)")
	return cmd
}

func newVariantAtCmd(open Opener) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "variant-at <test-id>",
		Short: "Show which case a test displayed at an instant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			return withRuntime(cmd, open, func(ctx context.Context, rt *Runtime) error {
				if _, err := rt.Store.GetTest(ctx, id); err != nil {
					return err
				}
				v, err := rt.Store.VariantAt(ctx, id, t)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 instant (required)")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func newMigrateCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, open, func(ctx context.Context, rt *Runtime) error {
				if rt.Migrate == nil {
					return fmt.Errorf("migrate: no database configured")
				}
				if err := rt.Migrate(ctx); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
				return err
			})
		},
	}
}

func optionalTime(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return &t, nil
}
