// Command snapvrt is a visual regression testing tool for Storybook:
// it renders every story in a real Chrome, captures deterministic
// screenshots, and compares them against committed references.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/snapvrt/snapvrt/internal/commands"
	"github.com/snapvrt/snapvrt/internal/config"
	"github.com/snapvrt/snapvrt/internal/errext"
	"github.com/snapvrt/snapvrt/internal/report"
	"github.com/snapvrt/snapvrt/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := run(ctx)
	stop()
	os.Exit(code)
}

func run(ctx context.Context) int {
	root := newRootCmd(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if kind, ok := errext.KindOf(err); ok && kind == errext.Config {
			return errext.ExitConfig
		}
		return errext.ExitDiffs
	}
	return exitCode
}

// exitCode carries the test command's verdict out of cobra's Execute.
var exitCode = errext.ExitOK

func setupLogging(verbose bool) {
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(logrus.WarnLevel)
	if lvl := os.Getenv("SNAPVRT_LOG"); lvl != "" {
		if parsed, err := logrus.ParseLevel(lvl); err == nil {
			logrus.SetLevel(parsed)
		}
	}
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

// addCaptureFlags registers the shared capture pipeline flags.
func addCaptureFlags(flags *pflag.FlagSet, cfg *config.CaptureConfig) {
	flags.StringVar(&cfg.Screenshot, "screenshot", "", `screenshot strategy: "stable" or "single"`)
	flags.IntVar(&cfg.StabilityAttempts, "stability-attempts", 0, "max screenshots taken while waiting for a stable image")
	flags.IntVar(&cfg.StabilityDelayMS, "stability-delay-ms", 0, "delay between stability screenshots")
	flags.IntVarP(&cfg.Parallel, "parallel", "p", 0, "number of parallel browser tabs")
	flags.StringVar(&cfg.ChromeURL, "chrome-url", "", "remote Chrome endpoint (http://host:port); unset launches a local Chrome")
	flags.StringVar(&cfg.Preset, "preset", "", `capture compatibility preset ("loki")`)
}

func newRootCmd(ctx context.Context) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "snapvrt",
		Short:         "Visual regression testing for UI components",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(verbose)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newInitCmd())
	root.AddCommand(newTestCmd(ctx))
	root.AddCommand(newUpdateCmd(ctx))
	root.AddCommand(newApproveCmd())
	root.AddCommand(newPruneCmd())
	root.AddCommand(newReviewCmd())
	return root
}

func newInitCmd() *cobra.Command {
	var url string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create .snapvrt/config.toml with default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.Init(report.NewTerminal(), url, force)
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:6006", "Storybook URL")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing config and gitignore")
	return cmd
}

func newTestCmd(ctx context.Context) *cobra.Command {
	var (
		url       string
		filter    string
		threshold float64
		timings   bool
		prune     bool
		capture   config.CaptureConfig
	)
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Discover, capture, compare, and report visual differences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := config.Resolve(config.CLIOverrides{
				URL:          url,
				Threshold:    threshold,
				ThresholdSet: cmd.Flags().Changed("threshold"),
				Capture:      capture,
			})
			if err != nil {
				return err
			}
			code, err := commands.Test(ctx, resolved, store.New(), report.NewTerminal(), filter, timings, prune)
			if err != nil {
				return err
			}
			exitCode = code
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Storybook URL (overrides config)")
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "only run snapshots whose name contains PATTERN (case-insensitive)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "max allowed diff score (0.0-1.0)")
	cmd.Flags().BoolVar(&timings, "timings", false, "print per-snapshot timing breakdown")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete orphaned reference snapshots")
	addCaptureFlags(cmd.Flags(), &capture)
	return cmd
}

func newUpdateCmd(ctx context.Context) *cobra.Command {
	var (
		url     string
		filter  string
		timings bool
		capture config.CaptureConfig
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Discover, capture, and save as reference snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := config.Resolve(config.CLIOverrides{URL: url, Capture: capture})
			if err != nil {
				return err
			}
			return commands.Update(ctx, resolved, store.New(), report.NewTerminal(), filter, timings)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Storybook URL (overrides config)")
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "only run snapshots whose name contains PATTERN (case-insensitive)")
	cmd.Flags().BoolVar(&timings, "timings", false, "print per-snapshot timing breakdown")
	addCaptureFlags(cmd.Flags(), &capture)
	return cmd
}

func newApproveCmd() *cobra.Command {
	var opts commands.ApproveOptions
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Promote current/ snapshots to reference/ without re-capturing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.Approve(store.New(), report.NewTerminal(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Filter, "filter", "f", "", "only approve snapshots whose name contains PATTERN")
	cmd.Flags().BoolVar(&opts.NewOnly, "new", false, "only approve new snapshots (no prior reference)")
	cmd.Flags().BoolVar(&opts.FailedOnly, "failed", false, "only approve failed snapshots (have a diff)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "approve all pending snapshots")
	return cmd
}

func newPruneCmd() *cobra.Command {
	var (
		url     string
		dryRun  bool
		yes     bool
		capture config.CaptureConfig
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete orphaned reference snapshots that no longer match any story",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := config.Resolve(config.CLIOverrides{URL: url, Capture: capture})
			if err != nil {
				return err
			}
			return commands.Prune(resolved, store.New(), report.NewTerminal(), dryRun, yes)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Storybook URL (overrides config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be deleted without deleting")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	addCaptureFlags(cmd.Flags(), &capture)
	return cmd
}

func newReviewCmd() *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Generate a visual review report (static HTML)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.Review(store.New(), report.NewTerminal(), open)
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "open the report in the default browser")
	return cmd
}
