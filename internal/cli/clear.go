package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/engine"
	"github.com/roach88/rollbook/internal/record"
)

// ClearOptions holds flags for the clear command.
type ClearOptions struct {
	*RootOptions
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClearOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clear <subject> <date>",
		Short: "Remove the attendance record for one subject and day",
		Long: `Remove the attendance record for one subject on one day.

The removal applies locally first, then follows the same path as
mark: written to the remote store when online, queued for replay
when offline. Clearing a day that has no record is a no-op and
still succeeds. A date inside a locked grading period is rejected.

Exit codes:
  0 - Removal committed or queued
  1 - Removal rejected or rolled back
  2 - Command error (bad arguments, config, storage)

Examples:
  rollbook clear S-042 2025-02-03
  rollbook clear S-042 2025-02-03 --offline`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(opts, args, cmd)
		},
	}

	return cmd
}

func runClear(opts *ClearOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	subject, date, err := parseTarget(args[0], args[1])
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeBadArgs, err.Error(), nil)
	}

	app, err := openApp(opts.RootOptions)
	if err != nil {
		return failSetup(formatter, err)
	}
	defer app.Close()

	ctx := commandContext(cmd)
	key := record.NewKey(subject, date)
	app.Preload(ctx, key)

	res, err := app.Engine.Discard(ctx, key)
	if err != nil {
		return failWrite(formatter, err)
	}

	return reportClear(formatter, res)
}

func reportClear(f *OutputFormatter, res engine.CommitResult) error {
	data := MarkResult{
		Outcome: string(res.Outcome),
		Key:     res.Key.String(),
		Reason:  res.Reason,
	}

	switch res.Outcome {
	case engine.RolledBack:
		if f.Format == "json" {
			_ = f.Error(ErrCodeRejected, res.Reason, data)
		} else {
			fmt.Fprintf(f.Writer, "✗ %s rejected by the remote store: %s\n", res.Key, res.Reason)
			fmt.Fprintln(f.Writer, "  The previous value was restored.")
		}
		return NewExitError(ExitFailure, fmt.Sprintf("clear rejected: %s", res.Reason))
	case engine.Queued:
		if f.Format == "json" {
			return f.Success(data)
		}
		fmt.Fprintf(f.Writer, "✓ %s cleared (queued, will sync when online)\n", res.Key)
		return nil
	case engine.Superseded:
		if f.Format == "json" {
			return f.Success(data)
		}
		fmt.Fprintf(f.Writer, "✓ %s superseded by a newer edit\n", res.Key)
		return nil
	default:
		if f.Format == "json" {
			return f.Success(data)
		}
		fmt.Fprintf(f.Writer, "✓ %s cleared\n", res.Key)
		return nil
	}
}
