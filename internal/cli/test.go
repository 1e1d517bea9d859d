package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Filter string
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run scenario files against an in-memory engine",
		Long: `Run every scenario file under a directory against a fresh in-memory
engine and report pass or fail per scenario.

Scenarios are YAML files describing seed records, a step list (edits,
connectivity flips, fault injection, manual syncs) and assertions on
the working set, the remote store and the queue. Each scenario runs
in isolation with its own queue database and remote store.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (directory missing, unreadable)

Examples:
  rollbook test ./scenarios
  rollbook test ./scenarios --filter 'offline_*'
  rollbook test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "glob pattern matched against scenario file names")

	return cmd
}

func runTest(opts *TestOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if _, err := os.Stat(dir); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeBadArgs,
			fmt.Sprintf("scenarios directory not found: %s", dir), nil)
	}

	paths, err := harness.FindScenarios(dir)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	paths, err = filterScenarios(paths, opts.Filter)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeBadArgs, err.Error(), nil)
	}

	if len(paths) == 0 {
		if formatter.Format == "json" {
			return formatter.Success(&harness.SuiteResult{})
		}
		fmt.Fprintln(formatter.Writer, "No scenarios found.")
		return nil
	}

	suite := harness.RunScenarios(paths)
	return reportSuite(formatter, suite)
}

// filterScenarios keeps the paths whose base name, extension stripped,
// matches the glob pattern. An empty pattern keeps everything.
func filterScenarios(paths []string, pattern string) ([]string, error) {
	if pattern == "" {
		return paths, nil
	}
	var kept []string
	for _, path := range paths {
		base := filepath.Base(path)
		name := strings.TrimSuffix(base, filepath.Ext(base))
		ok, err := filepath.Match(pattern, name)
		if err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", pattern, err)
		}
		if ok {
			kept = append(kept, path)
		}
	}
	return kept, nil
}

func reportSuite(f *OutputFormatter, suite *harness.SuiteResult) error {
	if f.Format == "json" {
		if suite.Failed > 0 {
			_ = f.Error(ErrCodeTestFailed, fmt.Sprintf("%d scenario(s) failed", suite.Failed), suite)
			return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", suite.Failed))
		}
		return f.Success(suite)
	}

	for _, sc := range suite.Scenarios {
		if sc.Pass {
			fmt.Fprintf(f.Writer, "✓ %s\n", sc.Scenario)
			continue
		}
		fmt.Fprintf(f.Writer, "✗ %s\n", sc.Scenario)
		for _, msg := range sc.Errors {
			fmt.Fprintf(f.Writer, "  %s\n", msg)
		}
	}

	fmt.Fprintln(f.Writer)
	fmt.Fprintf(f.Writer, "Test Summary: %d passed, %d failed, %d total\n",
		suite.Passed, suite.Failed, suite.Total)

	if suite.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", suite.Failed))
	}
	fmt.Fprintln(f.Writer, "✓ All scenarios passed")
	return nil
}
