// Package discover finds test items by walking source trees and statically
// scanning candidate files. No Python code is imported or executed.
package discover

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JasonLovesDoggo/taut/packages/core/pysrc"
	"github.com/JasonLovesDoggo/taut/packages/markers"
)

// Item is one discovered, runnable test.
type Item struct {
	Path    string // absolute
	Rel     string // relative to the project root, forward slashes
	Class   string // empty for free functions
	Name    string
	Async   bool
	Line    int // first line of the definition (including decorators)
	EndLine int
	Markers markers.Set
}

// ID returns the canonical identifier:
// "<relative-path>::[<ClassName>::]<callable>".
func (it *Item) ID() string {
	if it.Class != "" {
		return it.Rel + "::" + it.Class + "::" + it.Name
	}
	return it.Rel + "::" + it.Name
}

// FileError records a file that could not be scanned. Its tests are
// missing, not silently dropped.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Result is the outcome of one discovery pass.
type Result struct {
	Items  []Item
	Errors []FileError
	Files  []string // candidate test files, sorted
}

// Discover walks the given paths (files or directories) under root and
// returns every test item, ordered by (file path, line). A parse failure in
// one file is recorded and does not abort the rest.
func Discover(root string, paths []string) (*Result, error) {
	files, err := FindTestFiles(paths)
	if err != nil {
		return nil, err
	}

	res := &Result{Files: files}
	for _, file := range files {
		items, err := ScanFile(root, file)
		if err != nil {
			res.Errors = append(res.Errors, FileError{Path: file, Err: err})
			continue
		}
		res.Items = append(res.Items, items...)
	}

	sort.SliceStable(res.Items, func(i, j int) bool {
		if res.Items[i].Rel != res.Items[j].Rel {
			return res.Items[i].Rel < res.Items[j].Rel
		}
		return res.Items[i].Line < res.Items[j].Line
	})

	return res, nil
}

// FindTestFiles expands paths into the sorted list of candidate test files.
// Hidden directories and __pycache__ are skipped.
func FindTestFiles(paths []string) ([]string, error) {
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

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", path, err)
		}

		if !info.IsDir() {
			if IsTestFile(path) {
				add(path)
			}
			continue
		}

		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if p != path && (strings.HasPrefix(name, ".") || name == "__pycache__") {
					return filepath.SkipDir
				}
				return nil
			}
			if IsTestFile(p) {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(files)
	return files, nil
}

// IsTestFile reports whether a basename matches test_*.py, *_test.py, or
// _test*.py.
func IsTestFile(path string) bool {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".py") {
		return false
	}
	stem := strings.TrimSuffix(name, ".py")
	return strings.HasPrefix(stem, "test_") ||
		strings.HasSuffix(stem, "_test") ||
		strings.HasPrefix(stem, "_test")
}

// ScanFile extracts test items from a single file.
func ScanFile(root, path string) ([]Item, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	mod, err := pysrc.Parse(string(source), path)
	if err != nil {
		return nil, err
	}

	rel := relPath(root, path)

	var items []Item
	for _, stmt := range mod.Stmts {
		switch stmt.Kind {
		case pysrc.StmtFunc:
			fn := stmt.Func
			if !isTestName(fn.Name) {
				continue
			}
			items = append(items, Item{
				Path:    path,
				Rel:     rel,
				Name:    fn.Name,
				Async:   fn.Async,
				Line:    fn.Start,
				EndLine: fn.End,
				Markers: markers.FromDecorators(fn.Decorators),
			})
		case pysrc.StmtClass:
			cls := stmt.Class
			if !strings.HasPrefix(cls.Name, "Test") {
				continue
			}
			classMarkers := markers.FromDecorators(cls.Decorators)
			for _, m := range cls.Methods {
				if !isTestName(m.Name) {
					continue
				}
				items = append(items, Item{
					Path:    path,
					Rel:     rel,
					Class:   cls.Name,
					Name:    m.Name,
					Async:   m.Async,
					Line:    m.Start,
					EndLine: m.End,
					Markers: markers.Merge(classMarkers, markers.FromDecorators(m.Decorators)),
				})
			}
		}
	}

	return items, nil
}

func isTestName(name string) bool {
	return strings.HasPrefix(name, "test_") || strings.HasPrefix(name, "_test")
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
