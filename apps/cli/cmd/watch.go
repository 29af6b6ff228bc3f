package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/JasonLovesDoggo/taut/packages/core/runner"
)

// watchDebounce coalesces rapid editor save bursts into one re-run.
const watchDebounce = 300 * time.Millisecond

var watchCmd = &cobra.Command{
	Use:   "watch [paths...]",
	Short: "Watch for changes and re-run affected tests",
	Long: `Run the tests, then watch the source tree and re-run on every change.
Only tests whose dependencies changed are executed, so iteration stays
fast.

Press Ctrl+C to stop.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          watchTests,
}

func watchTests(cmd *cobra.Command, args []string) error {
	setupLogging()

	opts := buildOptions(args)
	mode, err := runner.ParseMode(isolationFlag)
	if err != nil {
		return err
	}
	opts.Isolation = mode
	opts.Console = newConsole(cmd)

	o, err := runner.New(opts)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runOnce := func() {
		opts.Console.Header(version)
		if _, err := o.Run(ctx); err != nil {
			opts.Console.Error(err)
		}
	}

	runOnce()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range watchDirs(opts.Paths) {
		if err := watcher.Add(dir); err != nil {
			opts.Console.Error(fmt.Errorf("failed to watch %s: %w", dir, err))
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nWatching for changes... (press Ctrl+C to stop)\n")

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".py") {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			name := event.Name
			debounce = time.AfterFunc(watchDebounce, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "\nchanged: %s\n\n", name)
				runOnce()
				fmt.Fprintf(cmd.OutOrStdout(), "\nWatching for changes... (press Ctrl+C to stop)\n")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			opts.Console.Error(fmt.Errorf("watcher error: %w", err))
		}
	}
}

// watchDirs expands the input paths to the set of directories to observe,
// recursively, skipping hidden dirs and bytecode caches.
func watchDirs(paths []string) []string {
	seen := make(map[string]struct{})
	var dirs []string

	add := func(dir string) {
		if _, ok := seen[dir]; ok {
			return
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			add(filepath.Dir(p))
			continue
		}
		_ = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			name := d.Name()
			if path != p && (strings.HasPrefix(name, ".") || name == "__pycache__") {
				return filepath.SkipDir
			}
			add(path)
			return nil
		})
	}
	return dirs
}
