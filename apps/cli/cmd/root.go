package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/JasonLovesDoggo/taut/packages/core/runner"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var (
	filterFlag     string
	markerFlag     string
	verboseFlag    bool
	jobsFlag       int
	noParallelFlag bool
	noCacheFlag    bool
	isolationFlag  string
	pythonFlag     string
	noColorFlag    bool
	debugFlag      bool
)

var rootCmd = &cobra.Command{
	Use:   "taut [paths...]",
	Short: "Tests, without the overhead.",
	Long: `taut is a fast test runner for Python. It discovers tests by parsing
source files, runs them in isolated subprocesses, and re-runs only the
tests whose code dependencies changed since the last run.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runTests,
}

// Execute runs the CLI and exits the process with the resulting code.
func Execute(v, bt string) {
	version = v
	buildTime = bt

	if err := rootCmd.Execute(); err != nil {
		var uerr *runner.UsageError
		if errors.As(err, &uerr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(runner.ExitUsage)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(runner.ExitFailed)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&filterFlag, "filter", "k", "", "Run only tests matching the name filter")
	pf.StringVarP(&markerFlag, "markers", "m", "", "Run only tests matching the marker expression")
	pf.BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose output")
	pf.IntVarP(&jobsFlag, "jobs", "j", 0, "Number of parallel jobs (default: CPU count)")
	pf.BoolVar(&noParallelFlag, "no-parallel", false, "Disable parallel execution")
	pf.BoolVar(&noCacheFlag, "no-cache", false, "Disable dependency caching (run all tests)")
	pf.StringVar(&isolationFlag, "isolation", "process-per-test", "Isolation mode: process-per-test, process-per-run")
	pf.StringVar(&pythonFlag, "python", "", "Python interpreter to use (default: python3)")
	pf.BoolVar(&noColorFlag, "no-color", false, "Disable colored output")
	pf.BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogging() {
	logrus.SetOutput(os.Stderr)
	if debugFlag {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
}

func buildOptions(paths []string) runner.Options {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	return runner.Options{
		Paths:      paths,
		NameFilter: filterFlag,
		MarkerExpr: markerFlag,
		Verbose:    verboseFlag,
		Jobs:       jobsFlag,
		NoParallel: noParallelFlag,
		NoCache:    noCacheFlag,
		Python:     pythonFlag,
	}
}

// signalContext cancels on SIGINT/SIGTERM so the run drains gracefully and
// persists partial state.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runTests(cmd *cobra.Command, args []string) error {
	setupLogging()

	opts := buildOptions(args)
	mode, err := runner.ParseMode(isolationFlag)
	if err != nil {
		return err
	}
	opts.Isolation = mode

	console := newConsole(cmd)
	opts.Console = console

	o, err := runner.New(opts)
	if err != nil {
		return err
	}
	console.Header(version)

	ctx, cancel := signalContext()
	defer cancel()

	code, err := o.Run(ctx)
	if err != nil {
		var uerr *runner.UsageError
		if errors.As(err, &uerr) {
			return err
		}
		console.Error(err)
	}
	if code != runner.ExitOK {
		os.Exit(code)
	}
	return nil
}
