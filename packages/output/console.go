// Package output renders run progress and summaries to the terminal.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/fatih/color"

	"github.com/JasonLovesDoggo/taut/packages/core/discover"
	"github.com/JasonLovesDoggo/taut/packages/core/result"
)

// Console streams per-test lines as results arrive and prints the final
// summary, totally ordered by identifier.
type Console struct {
	writer  io.Writer
	verbose bool
	noColor bool

	durations *hdrhistogram.Histogram
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// NewConsole builds a console reporter writing to stdout by default.
func NewConsole(opts ...ConsoleOption) *Console {
	c := &Console{
		writer: os.Stdout,
		// Millisecond values from 1 up to an hour at two significant
		// digits are plenty for test durations.
		durations: hdrhistogram.New(1, int64(time.Hour/time.Millisecond), 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.noColor {
		color.NoColor = true
	}
	return c
}

// WithWriter redirects output.
func WithWriter(w io.Writer) ConsoleOption {
	return func(c *Console) { c.writer = w }
}

// WithVerbose enables tracebacks, run reasons, and latency percentiles.
func WithVerbose(v bool) ConsoleOption {
	return func(c *Console) { c.verbose = v }
}

// WithNoColor disables ANSI colors.
func WithNoColor(nc bool) ConsoleOption {
	return func(c *Console) { c.noColor = nc }
}

// Header prints the tool banner.
func (c *Console) Header(version string) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(c.writer, "%s %s\n\n", bold("taut"), version)
}

// Result prints one streamed test line. reason annotates skips and, in
// verbose mode, why the test ran.
func (c *Console) Result(r *result.TestResult, reason string) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	switch r.Outcome {
	case result.Skipped:
		fmt.Fprintf(c.writer, "  %s %s", yellow("-"), r.ID)
		if reason != "" {
			fmt.Fprintf(c.writer, " (%s)", reason)
		}
		fmt.Fprintln(c.writer)
		return
	case result.Passed:
		_ = c.durations.RecordValue(int64(r.DurationMS))
		fmt.Fprintf(c.writer, "  %s %s %s", green("✓"), r.ID, cyan(fmt.Sprintf("(%dms)", int64(r.DurationMS))))
	case result.Failed:
		_ = c.durations.RecordValue(int64(r.DurationMS))
		fmt.Fprintf(c.writer, "  %s %s %s", red("✗"), r.ID, cyan(fmt.Sprintf("(%dms)", int64(r.DurationMS))))
	case result.Errored:
		fmt.Fprintf(c.writer, "  %s %s %s", red("!"), r.ID, red("errored"))
	}
	if c.verbose && reason != "" {
		fmt.Fprintf(c.writer, " [%s]", reason)
	}
	fmt.Fprintln(c.writer)

	if r.Outcome != result.Passed && r.Error != nil {
		fmt.Fprintf(c.writer, "    %s\n", red(r.Error.Message))
		if c.verbose && r.Error.Traceback != "" {
			dim := color.New(color.Faint).SprintFunc()
			for _, line := range headLines(r.Error.Traceback, 12) {
				fmt.Fprintf(c.writer, "    %s\n", dim(line))
			}
		}
	}
}

// DiscoveryError reports a file that could not be scanned.
func (c *Console) DiscoveryError(e discover.FileError) {
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(c.writer, "  %s %v\n", red("parse error:"), e)
}

// Error reports a run-level error.
func (c *Console) Error(err error) {
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(c.writer, "%s %v\n", red("Error:"), err)
}

// Summary prints the final tallies. results arrive in any order and are
// re-sorted by identifier here.
func (c *Console) Summary(results []*result.TestResult, sum *result.Summary, elapsed time.Duration) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	if c.verbose {
		sorted := make([]*result.TestResult, len(results))
		copy(sorted, results)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

		var failing []string
		for _, r := range sorted {
			if r.Outcome == result.Failed || r.Outcome == result.Errored {
				failing = append(failing, r.ID)
			}
		}
		if len(failing) > 0 {
			fmt.Fprintf(c.writer, "\nFailing tests:\n")
			for _, id := range failing {
				fmt.Fprintf(c.writer, "  %s\n", red(id))
			}
		}
	}

	fmt.Fprintf(c.writer, "\n")
	var parts []string
	if sum.Passed > 0 {
		parts = append(parts, green(fmt.Sprintf("%d passed", sum.Passed)))
	}
	if sum.Failed > 0 {
		parts = append(parts, red(fmt.Sprintf("%d failed", sum.Failed)))
	}
	if sum.Errored > 0 {
		parts = append(parts, red(fmt.Sprintf("%d errored", sum.Errored)))
	}
	if sum.Skipped > 0 {
		parts = append(parts, yellow(fmt.Sprintf("%d skipped", sum.Skipped)))
	}
	if sum.Unchanged > 0 {
		parts = append(parts, yellow(fmt.Sprintf("%d unchanged", sum.Unchanged)))
	}
	if len(parts) == 0 {
		parts = append(parts, "no tests")
	}
	fmt.Fprintf(c.writer, "%s in %.2fs\n", strings.Join(parts, ", "), elapsed.Seconds())

	if c.verbose && c.durations.TotalCount() > 1 {
		fmt.Fprintf(c.writer, "durations: p50 %dms, p95 %dms, p99 %dms\n",
			c.durations.ValueAtQuantile(50),
			c.durations.ValueAtQuantile(95),
			c.durations.ValueAtQuantile(99))
	}
}

func headLines(s string, n int) []string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return lines
}
