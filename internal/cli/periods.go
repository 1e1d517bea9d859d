package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/calendar"
	"github.com/roach88/rollbook/internal/period"
)

// PeriodsOptions holds flags for the periods command.
type PeriodsOptions struct {
	*RootOptions
}

// PeriodsResult is the JSON payload for the periods command.
type PeriodsResult struct {
	Year    string          `json:"year"`
	Owner   string          `json:"owner,omitempty"`
	Periods []period.Period `json:"periods"`
}

// NewPeriodsCommand creates the periods command.
func NewPeriodsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PeriodsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "periods",
		Short: "List the grading periods from the calendar",
		Long: `List every grading period the calendar defines, in window order,
with its lock state. Dates inside a locked period reject edits.

Exit codes:
  0 - Periods printed
  1 - Calendar invalid (overlap, duplicate id, bad window)
  2 - Command error (config, calendar file missing)

Examples:
  rollbook periods
  rollbook periods --calendar ./calendar.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeriods(opts, cmd)
		},
	}

	return cmd
}

func runPeriods(opts *PeriodsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := resolveConfig(opts.RootOptions)
	if err != nil {
		return failSetup(formatter, err)
	}

	cal, err := calendar.Load(cfg.CalendarPath)
	if err != nil {
		// a missing file is a command error; a file that loads but
		// fails validation is an invalid calendar
		code := ExitFailure
		if errors.Is(err, calendar.ErrNotFound) {
			code = ExitCommandError
		}
		return formatter.Fail(code, ErrCodeCalendar, err.Error(), nil)
	}
	reg, err := cal.Registry()
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeCalendar, err.Error(), nil)
	}

	return reportPeriods(formatter, cal, reg.All())
}

func reportPeriods(f *OutputFormatter, cal *calendar.Calendar, periods []period.Period) error {
	data := PeriodsResult{
		Year:    cal.Year,
		Owner:   cal.Owner,
		Periods: periods,
	}

	if f.Format == "json" {
		return f.Success(data)
	}

	fmt.Fprintf(f.Writer, "Calendar %s (%d period(s))\n", cal.Year, len(periods))
	for _, p := range periods {
		state := "open"
		if p.Locked {
			state = "locked"
		}
		name := p.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(f.Writer, "  %-12s %-12s %s .. %s  %s\n", p.ID, name, p.Start, p.End, state)
	}
	return nil
}
