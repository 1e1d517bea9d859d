package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/queue"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
}

// StatusResult is the JSON payload for the status command.
type StatusResult struct {
	Online bool       `json:"online"`
	Queued int        `json:"queued"`
	Ops    []QueuedOp `json:"ops,omitempty"`
}

// QueuedOp describes one pending edit waiting for replay.
type QueuedOp struct {
	Key      string `json:"key"`
	Kind     string `json:"kind"`
	Seq      int64  `json:"seq"`
	Attempts int    `json:"attempts"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and the pending edit queue",
		Long: `Show the current connectivity assumption and every queued edit
waiting for replay, oldest first.

Exit codes:
  0 - Status printed
  2 - Command error (config, storage)

Examples:
  rollbook status
  rollbook status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	app, err := openApp(opts.RootOptions)
	if err != nil {
		return failSetup(formatter, err)
	}
	defer app.Close()

	ops, err := app.Queue.Pending(commandContext(cmd))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	return reportStatus(formatter, app.Engine.Connectivity().Online(), ops)
}

func reportStatus(f *OutputFormatter, online bool, ops []queue.Op) error {
	data := StatusResult{
		Online: online,
		Queued: len(ops),
	}
	for _, op := range ops {
		data.Ops = append(data.Ops, QueuedOp{
			Key:      op.Key.String(),
			Kind:     string(op.Kind),
			Seq:      op.Seq,
			Attempts: op.Attempts,
		})
	}

	if f.Format == "json" {
		return f.Success(data)
	}

	if online {
		fmt.Fprintln(f.Writer, "Connectivity: online")
	} else {
		fmt.Fprintln(f.Writer, "Connectivity: offline")
	}

	if len(ops) == 0 {
		fmt.Fprintln(f.Writer, "Queue: empty")
		return nil
	}

	fmt.Fprintf(f.Writer, "Queue: %d pending edit(s)\n", len(ops))
	for _, op := range data.Ops {
		fmt.Fprintf(f.Writer, "  %s %s (seq %d, attempts %d)\n", op.Kind, op.Key, op.Seq, op.Attempts)
	}
	return nil
}
