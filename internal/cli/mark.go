package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/engine"
	"github.com/roach88/rollbook/internal/record"
)

// MarkOptions holds flags for the mark command.
type MarkOptions struct {
	*RootOptions
	Note   string
	Period string
}

// MarkResult is the JSON payload for write commands.
type MarkResult struct {
	Outcome string `json:"outcome"`
	Key     string `json:"key"`
	Status  string `json:"status,omitempty"`
	Note    string `json:"note,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// NewMarkCommand creates the mark command.
func NewMarkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MarkOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mark <subject> <date> <status>",
		Short: "Record attendance for one subject and day",
		Long: `Record or change the attendance status for one subject on one day.

Status is one of: present, excused, sick, absent, holiday.

The edit applies locally first. Online, the remote store is written
synchronously; offline, the edit waits in the durable queue and
replays on the next sync. A date inside a locked grading period is
rejected before anything changes.

Exit codes:
  0 - Edit committed or queued
  1 - Edit rejected or rolled back
  2 - Command error (bad arguments, config, storage)

Examples:
  rollbook mark S-042 2025-02-03 present
  rollbook mark S-042 2025-02-03 sick --note "flu, parent called"
  rollbook mark S-042 2025-02-03 absent --offline`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMark(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Note, "note", "", "free-text note, up to 500 characters")
	cmd.Flags().StringVar(&opts.Period, "period", "", "explicit grading period id")

	return cmd
}

func runMark(opts *MarkOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	subject, date, err := parseTarget(args[0], args[1])
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeBadArgs, err.Error(), nil)
	}
	status, err := record.ParseStatus(args[2])
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

	fields := record.Fields{Status: &status}
	if cmd.Flags().Changed("note") {
		fields.Note = &opts.Note
	}
	if opts.Period != "" {
		fields.PeriodID = &opts.Period
	}

	res, err := app.Engine.Submit(ctx, key, fields)
	if err != nil {
		return failWrite(formatter, err)
	}

	return reportMark(formatter, res)
}

// parseTarget validates the subject and date arguments shared by mark
// and clear.
func parseTarget(subject, date string) (string, record.Date, error) {
	if strings.TrimSpace(subject) == "" {
		return "", "", fmt.Errorf("subject is required")
	}
	d, err := record.ParseDate(date)
	if err != nil {
		return "", "", err
	}
	return subject, d, nil
}

// failWrite maps an engine rejection onto the matching error code and
// exit code. Rejections exit 1; infrastructure trouble exits 2.
func failWrite(f *OutputFormatter, err error) error {
	switch {
	case engine.IsPeriodLocked(err):
		return f.Fail(ExitFailure, ErrCodeLocked, err.Error(), nil)
	case engine.IsValidation(err):
		return f.Fail(ExitFailure, ErrCodeValidation, err.Error(), nil)
	default:
		return f.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
}

func reportMark(f *OutputFormatter, res engine.CommitResult) error {
	data := MarkResult{
		Outcome: string(res.Outcome),
		Key:     res.Key.String(),
		Status:  string(res.Record.Status),
		Note:    res.Record.Note,
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
		return NewExitError(ExitFailure, fmt.Sprintf("write rejected: %s", res.Reason))
	case engine.Queued:
		if f.Format == "json" {
			return f.Success(data)
		}
		fmt.Fprintf(f.Writer, "✓ %s → %s (queued, will sync when online)\n", res.Key, res.Record.Status)
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
		fmt.Fprintf(f.Writer, "✓ %s → %s (committed)\n", res.Key, res.Record.Status)
		return nil
	}
}
