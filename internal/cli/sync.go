package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/engine"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued edits against the remote store",
		Long: `Replay queued offline edits against the remote store, oldest first.

Each queued edit replays on its own. A transient failure stops the
pass and keeps the edit queued for next time. An edit the store
rejects outright is dropped with a conflict notice rather than
blocking the ones behind it. After the drain, affected records are
refetched so the working set reflects what the store accepted.

Running sync while offline reports the queue length and changes
nothing.

Exit codes:
  0 - Drain finished (dropped edits are reported, not fatal)
  1 - Drain stopped on a transient failure
  2 - Command error (config, storage)

Examples:
  rollbook sync
  rollbook sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	app, err := openApp(opts.RootOptions)
	if err != nil {
		return failSetup(formatter, err)
	}
	defer app.Close()

	ctx := commandContext(cmd)

	var conflicts []string
	app.Engine.OnReplayConflict(func(c *engine.ReplayConflictError) {
		conflicts = append(conflicts, fmt.Sprintf("%s: %v", c.Key, c.Cause))
	})

	rep, err := app.Rec.Sync(ctx)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeSyncFailed, err.Error(), rep)
	}

	return reportSync(formatter, app.Engine.Connectivity().Online(), rep, conflicts)
}

// SyncResult is the JSON payload for the sync command.
type SyncResult struct {
	Online    bool     `json:"online"`
	Replayed  int      `json:"replayed"`
	Dropped   int      `json:"dropped"`
	Remaining int      `json:"remaining"`
	Fetched   int      `json:"fetched"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// reportSync renders the drain report. Edits left queued while online
// mean the pass stopped on an unreachable server, which fails the
// command; dropped edits are conflict notices and do not.
func reportSync(f *OutputFormatter, online bool, rep engine.SyncReport, conflicts []string) error {
	data := SyncResult{
		Online:    online,
		Replayed:  rep.Replayed,
		Dropped:   rep.Dropped,
		Remaining: rep.Remaining,
		Fetched:   rep.Fetched,
		Conflicts: conflicts,
	}

	if !online {
		if f.Format == "json" {
			return f.Success(data)
		}
		fmt.Fprintf(f.Writer, "Offline, %d edit(s) still queued. They will replay once online.\n", rep.Remaining)
		return nil
	}

	if rep.Remaining > 0 {
		msg := fmt.Sprintf("replay stopped, %d edit(s) still queued", rep.Remaining)
		if f.Format == "json" {
			_ = f.Error(ErrCodeSyncFailed, msg, data)
		} else {
			fmt.Fprintf(f.Writer, "✗ Replayed %d, dropped %d, remaining %d. The server stopped answering; queued edits stay for next time.\n",
				rep.Replayed, rep.Dropped, rep.Remaining)
		}
		return NewExitError(ExitFailure, msg)
	}

	if f.Format == "json" {
		return f.Success(data)
	}
	fmt.Fprintf(f.Writer, "✓ Replayed %d, dropped %d, remaining %d (refetched %d record(s))\n",
		rep.Replayed, rep.Dropped, rep.Remaining, rep.Fetched)
	for _, c := range conflicts {
		fmt.Fprintf(f.Writer, "  ✗ dropped %s\n", c)
	}
	return nil
}
