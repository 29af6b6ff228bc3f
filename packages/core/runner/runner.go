// Package runner orchestrates one invocation: discovery, block indexing,
// selection, execution, dependency recording, and reporting.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JasonLovesDoggo/taut/packages/blocks"
	"github.com/JasonLovesDoggo/taut/packages/cache"
	"github.com/JasonLovesDoggo/taut/packages/core/config"
	"github.com/JasonLovesDoggo/taut/packages/core/discover"
	"github.com/JasonLovesDoggo/taut/packages/core/pysrc"
	"github.com/JasonLovesDoggo/taut/packages/core/result"
	"github.com/JasonLovesDoggo/taut/packages/depdb"
	"github.com/JasonLovesDoggo/taut/packages/exec"
	"github.com/JasonLovesDoggo/taut/packages/filter"
	"github.com/JasonLovesDoggo/taut/packages/history"
	"github.com/JasonLovesDoggo/taut/packages/output"
	"github.com/JasonLovesDoggo/taut/packages/selection"
)

// Exit codes of the tool.
const (
	ExitOK       = 0
	ExitFailed   = 1
	ExitUsage    = 2
	ExitInternal = 3
)

// Mode selects how test processes are allocated.
type Mode int

const (
	// ProcessPerTest gives every test a fresh child (default, maximum
	// isolation).
	ProcessPerTest Mode = iota
	// ProcessPerRun reuses a pool of warm workers for the whole run.
	ProcessPerRun
)

// ParseMode maps the --isolation flag value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "process-per-test":
		return ProcessPerTest, nil
	case "process-per-run":
		return ProcessPerRun, nil
	}
	return 0, &UsageError{Message: fmt.Sprintf("unknown isolation mode %q", s)}
}

// UsageError aborts before any test runs; the CLI maps it to exit 2.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return e.Message }

// Options configures one invocation.
type Options struct {
	Paths      []string
	NameFilter string
	MarkerExpr string
	Verbose    bool
	Jobs       int
	NoParallel bool
	NoCache    bool
	Isolation  Mode
	Python     string

	// CacheRoot overrides the OS cache location; tests inject one.
	CacheRoot string
	// Root is the project root; defaults to the working directory.
	Root string

	Console *output.Console
}

// Orchestrator runs invocations.
type Orchestrator struct {
	opts    Options
	console *output.Console
}

// New validates options and builds an orchestrator. Filter expressions are
// compiled here so malformed input fails before anything executes.
func New(opts Options) (*Orchestrator, error) {
	if len(opts.Paths) == 0 {
		opts.Paths = []string{"."}
	}
	if opts.Root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		opts.Root = cwd
	}
	if opts.CacheRoot == "" {
		opts.CacheRoot = cache.DefaultRoot()
	}
	if opts.Console == nil {
		opts.Console = output.NewConsole(output.WithVerbose(opts.Verbose))
	}
	return &Orchestrator{opts: opts, console: opts.Console}, nil
}

// compileFilters parses -k and -m, surfacing usage errors.
func (o *Orchestrator) compileFilters() (*filter.NameFilter, filter.Expr, error) {
	name, err := filter.ParseName(o.opts.NameFilter)
	if err != nil {
		return nil, nil, &UsageError{Message: fmt.Sprintf("invalid -k filter: %v", err)}
	}

	var expr filter.Expr
	if strings.TrimSpace(o.opts.MarkerExpr) != "" {
		expr, err = filter.ParseExpr(o.opts.MarkerExpr)
		if err != nil {
			return nil, nil, &UsageError{Message: fmt.Sprintf("invalid -m expression: %v", err)}
		}
	}
	return name, expr, nil
}

// List runs discovery and filtering, printing identifiers without
// executing anything.
func (o *Orchestrator) List(w io.Writer) (int, error) {
	name, expr, err := o.compileFilters()
	if err != nil {
		return ExitUsage, err
	}

	res, err := discover.Discover(o.opts.Root, o.opts.Paths)
	if err != nil {
		return ExitInternal, err
	}

	count := 0
	for i := range res.Items {
		item := &res.Items[i]
		if !name.Matches(item.ID()) {
			continue
		}
		if expr != nil && !expr.Eval(item.Markers) {
			continue
		}
		fmt.Fprint(w, item.ID())
		if o.opts.Verbose {
			if desc := item.Markers.Describe(); desc != "" {
				fmt.Fprintf(w, "  [%s]", desc)
			}
		}
		fmt.Fprintln(w)
		count++
	}
	fmt.Fprintf(w, "\n%d tests\n", count)

	for _, e := range res.Errors {
		o.console.DiscoveryError(e)
	}
	if len(res.Errors) > 0 {
		return ExitFailed, nil
	}
	return ExitOK, nil
}

// Run executes one full invocation and returns the process exit code.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	start := time.Now()
	runID := history.NewRunID()
	logrus.WithField("run_id", runID).Debug("starting run")

	name, expr, err := o.compileFilters()
	if err != nil {
		return ExitUsage, err
	}

	cfg := config.Load(o.opts.Root, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
	})
	jobs := o.opts.Jobs
	if jobs <= 0 {
		jobs = cfg.MaxWorkers
	}
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}

	// Discovery.
	res, err := discover.Discover(o.opts.Root, o.opts.Paths)
	if err != nil {
		return ExitInternal, err
	}
	for _, e := range res.Errors {
		o.console.DiscoveryError(e)
	}

	// Cache state.
	cacheDir, db, ix := o.loadCache()

	// Selection.
	plan := selection.Build(res.Items, name, expr, db, ix, selection.Options{
		NoCache:    o.opts.NoCache,
		NoParallel: o.opts.NoParallel,
	})

	var results []*result.TestResult
	sum := &result.Summary{}

	for _, sk := range plan.Skipped {
		r := result.SkippedResult(sk.Item.ID(), sk.Reason)
		results = append(results, r)
		sum.Count(r, sk.Kind == selection.Unchanged)
		o.console.Result(r, sk.Reason)
	}

	// Execution. Dependencies are only collected when they will be
	// recorded.
	trace := !o.opts.NoCache
	responses, execErr := o.execute(ctx, plan, jobs, trace)

	// Decorator attributes observed at execution time win over the
	// statically parsed markers.
	applyRuntimeMarkers(plan, responses)

	for _, resp := range responses {
		if resp == nil || resp.Result == nil {
			continue
		}
		results = append(results, resp.Result)
		sum.Count(resp.Result, false)
	}

	// Record dependencies and persist, even after cancellation; results
	// received so far are kept.
	if !o.opts.NoCache {
		o.record(db, ix, plan, responses)
		if err := db.Save(); err != nil {
			logrus.WithError(err).Warn("could not persist dependency database; previous cache left intact")
		}
	}

	elapsed := time.Since(start)
	o.console.Summary(results, sum, elapsed)

	exit := ExitOK
	switch {
	case errors.Is(execErr, exec.ErrReplacementsExhausted):
		o.console.Error(execErr)
		exit = ExitInternal
	case !sum.AllGreen() || len(res.Errors) > 0:
		exit = ExitFailed
	}

	o.recordHistory(cacheDir, history.Run{
		ID:        runID,
		StartedAt: start,
		Duration:  elapsed,
		Passed:    sum.Passed,
		Failed:    sum.Failed,
		Errored:   sum.Errored,
		Skipped:   sum.Skipped,
		Unchanged: sum.Unchanged,
		ExitCode:  exit,
	})

	return exit, nil
}

// loadCache opens the dependency database and refreshes block hashes for
// every Python file reachable from the input paths.
func (o *Orchestrator) loadCache() (string, *depdb.DB, *blocks.Index) {
	cacheDir, err := cache.EnsureProjectDir(o.opts.CacheRoot, o.opts.Root)
	if err != nil {
		logrus.WithError(err).Warn("cache directory unavailable; running without cache")
		cacheDir = ""
	}

	db := depdb.New(cacheDir)
	if cacheDir != "" && !o.opts.NoCache {
		db = depdb.Load(cacheDir)
	}

	ix := blocks.NewIndex()
	for _, file := range allPythonFiles(o.opts.Paths) {
		source, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		mod, err := pysrc.Parse(string(source), file)
		if err != nil {
			// Broken test files already surfaced as discovery errors;
			// broken helpers just stay out of the index.
			continue
		}
		fb := blocks.FromModule(o.rel(file), mod)
		ix.Add(fb)
		db.UpdateBlocks(fb)
	}

	// Blocks of files that vanished since the last run must go missing so
	// dependent tests re-run.
	indexed := make(map[string]struct{})
	for _, f := range ix.Files() {
		indexed[f] = struct{}{}
	}
	for _, rel := range db.Files() {
		if _, ok := indexed[rel]; ok {
			continue
		}
		if _, err := os.Stat(filepath.Join(o.opts.Root, filepath.FromSlash(rel))); os.IsNotExist(err) {
			db.DropFile(rel)
		}
	}

	return cacheDir, db, ix
}

// execute runs the sequential partition first, then the parallel one.
func (o *Orchestrator) execute(ctx context.Context, plan *selection.Plan, jobs int, trace bool) ([]*exec.Response, error) {
	onResult := func(resp *exec.Response) {
		if resp.Result == nil {
			return
		}
		reason := ""
		if o.opts.Verbose {
			if d, ok := plan.Decisions[resp.Result.ID]; ok {
				reason = d.Reason()
			}
		}
		o.console.Result(resp.Result, reason)
	}

	seq := o.specs(plan.Sequential)
	par := o.specs(plan.Parallel)

	switch o.opts.Isolation {
	case ProcessPerRun:
		pool := exec.NewPool(exec.PoolConfig{
			Size:   jobs,
			Python: o.opts.Python,
			Trace:  trace,
		})
		responses, err := pool.Run(ctx, seq, false, onResult)
		if err != nil {
			return responses, err
		}
		parResponses, err := pool.Run(ctx, par, true, onResult)
		return append(responses, parResponses...), err
	default:
		spawner := exec.NewPerTest(o.opts.Python, jobs, trace)
		responses := spawner.Run(ctx, seq, false, onResult)
		responses = append(responses, spawner.Run(ctx, par, true, onResult)...)
		return responses, ctx.Err()
	}
}

func (o *Orchestrator) specs(items []discover.Item) []exec.TestSpec {
	specs := make([]exec.TestSpec, 0, len(items))
	for i := range items {
		item := &items[i]
		specs = append(specs, exec.TestSpec{
			ID:       item.ID(),
			File:     item.Path,
			Function: item.Name,
			Class:    item.Class,
			Async:    item.Async,
			Markers:  item.Markers.Payload(),
		})
	}
	return specs
}

// planItems indexes a plan's executable items by identifier.
func planItems(plan *selection.Plan) map[string]*discover.Item {
	items := make(map[string]*discover.Item)
	for i := range plan.Sequential {
		items[plan.Sequential[i].ID()] = &plan.Sequential[i]
	}
	for i := range plan.Parallel {
		items[plan.Parallel[i].ID()] = &plan.Parallel[i]
	}
	return items
}

// applyRuntimeMarkers merges worker-reported _taut_* attributes over each
// item's static marker set.
func applyRuntimeMarkers(plan *selection.Plan, responses []*exec.Response) {
	items := planItems(plan)
	for _, resp := range responses {
		if resp == nil || resp.Result == nil || resp.Markers == nil {
			continue
		}
		item, ok := items[resp.Result.ID]
		if !ok {
			continue
		}
		if resp.Markers.Skip {
			item.Markers.SetSkip(resp.Markers.SkipReason)
		}
		if resp.Markers.Parallel {
			item.Markers.SetParallel()
		}
		item.Markers.ApplyValues(resp.Markers.Values)
	}
}

// record writes executed tests' outcomes and dependency sets into the
// database. Tests that did not run keep their prior record.
func (o *Orchestrator) record(db *depdb.DB, ix *blocks.Index, plan *selection.Plan, responses []*exec.Response) {
	items := planItems(plan)

	for _, resp := range responses {
		if resp == nil || resp.Result == nil {
			continue
		}
		item, ok := items[resp.Result.ID]
		if !ok {
			continue
		}

		deps := o.resolveDeps(ix, resp.Deps)

		// The test's own block always belongs to its dependency set.
		own, ownOk := ix.Resolve(blocks.Ref{File: item.Rel, Name: qualName(item)})
		if ownOk {
			deps = appendUniqueBlock(deps, *own)
		}

		ownHash := ""
		if ownOk {
			ownHash = own.Hash
		}
		db.Record(resp.Result.ID, resp.Result.Outcome, ownHash, deps)
	}
}

// resolveDeps maps worker-reported (file, qualname) pairs onto current
// blocks. "<module>" fans out to the file's import and top-level blocks.
func (o *Orchestrator) resolveDeps(ix *blocks.Index, refs []exec.DepRef) []blocks.Block {
	var out []blocks.Block
	for _, ref := range refs {
		rel := o.rel(ref.File)
		fb, ok := ix.File(rel)
		if !ok {
			continue
		}
		if ref.Name == "<module>" {
			out = append(out, fb.ModuleLevel()...)
			continue
		}
		if b, ok := fb.ByName(ref.Name); ok {
			out = append(out, *b)
		}
	}
	return dedupeBlocks(out)
}

func (o *Orchestrator) rel(abs string) string {
	rel, err := filepath.Rel(o.opts.Root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

func (o *Orchestrator) recordHistory(cacheDir string, run history.Run) {
	if cacheDir == "" {
		return
	}
	store, err := history.Open(cacheDir)
	if err != nil {
		logrus.WithError(err).Debug("history store unavailable")
		return
	}
	defer store.Close()
	if err := store.Record(run); err != nil {
		logrus.WithError(err).Debug("could not record run history")
	}
}

func qualName(item *discover.Item) string {
	if item.Class != "" {
		return item.Class + "." + item.Name
	}
	return item.Name
}

func appendUniqueBlock(list []blocks.Block, b blocks.Block) []blocks.Block {
	for _, have := range list {
		if have.Ref == b.Ref {
			return list
		}
	}
	return append(list, b)
}

func dedupeBlocks(list []blocks.Block) []blocks.Block {
	seen := make(map[blocks.Ref]struct{}, len(list))
	out := list[:0]
	for _, b := range list {
		if _, ok := seen[b.Ref]; ok {
			continue
		}
		seen[b.Ref] = struct{}{}
		out = append(out, b)
	}
	return out
}

// allPythonFiles walks the input paths for every .py file, not just test
// files; helpers need block hashes too.
func allPythonFiles(paths []string) []string {
	var files []string
	seen := make(map[string]struct{})

	add := func(p string) {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		files = append(files, abs)
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			if strings.HasSuffix(p, ".py") {
				add(p)
			}
			continue
		}
		_ = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				name := d.Name()
				if path != p && (strings.HasPrefix(name, ".") || name == "__pycache__") {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasSuffix(path, ".py") {
				add(path)
			}
			return nil
		})
	}

	sort.Strings(files)
	return files
}
