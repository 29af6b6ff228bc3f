// Package depdb is the persistent block-level dependency database. It maps
// every known block to its current content hash and every test to the
// blocks it touched last time it ran, and decides which tests can be
// skipped as unchanged.
//
// The database serializes to JSON and is replaced by an atomic rename; a
// crash mid-run leaves the previous state intact. A schema version file
// sits beside it and a mismatch discards the database.
package depdb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/JasonLovesDoggo/taut/packages/blocks"
	"github.com/JasonLovesDoggo/taut/packages/core/result"
)

const (
	// SchemaVersion is bumped on any incompatible change to the encoding.
	SchemaVersion = 1

	dbFile      = "db"
	versionFile = "version"
)

// TestRecord is what the database remembers about one test.
type TestRecord struct {
	Outcome result.Outcome `json:"outcome"`
	// OwnHash is the content hash of the test's own block when it last ran,
	// catching in-place edits of the test body.
	OwnHash string `json:"own_hash"`
	// Deps maps block keys (file::name) to the hash observed at run time.
	Deps map[string]string `json:"deps"`
}

// DB holds both persistent maps.
type DB struct {
	dir string

	Blocks map[string]string     `json:"blocks"`
	Tests  map[string]TestRecord `json:"tests"`
}

// New returns an empty database that will persist into dir.
func New(dir string) *DB {
	return &DB{
		dir:    dir,
		Blocks: make(map[string]string),
		Tests:  make(map[string]TestRecord),
	}
}

// Load reads the database from dir. Any read, decode, or schema problem
// yields an empty database; a missing cache is never an error.
func Load(dir string) *DB {
	db := New(dir)

	version, err := os.ReadFile(filepath.Join(dir, versionFile))
	if err != nil {
		return db
	}
	if v, err := strconv.Atoi(strings.TrimSpace(string(version))); err != nil || v != SchemaVersion {
		logrus.WithField("dir", dir).Debug("dependency db schema mismatch, starting fresh")
		return db
	}

	data, err := os.ReadFile(filepath.Join(dir, dbFile))
	if err != nil {
		return db
	}
	if err := json.Unmarshal(data, db); err != nil {
		logrus.WithError(err).Warn("dependency db unreadable, starting fresh")
		return New(dir)
	}
	if db.Blocks == nil {
		db.Blocks = make(map[string]string)
	}
	if db.Tests == nil {
		db.Tests = make(map[string]TestRecord)
	}
	return db
}

// Save serializes the database and replaces the on-disk copy by rename.
// The previous file stays intact on any failure.
func (db *DB) Save() error {
	if err := os.MkdirAll(db.dir, 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(db)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(db.dir, ".db-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(db.dir, versionFile), []byte(strconv.Itoa(SchemaVersion)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, filepath.Join(db.dir, dbFile))
}

// UpdateBlocks refreshes every block entry of one parsed file, dropping
// entries for blocks that no longer exist in it.
func (db *DB) UpdateBlocks(fb *blocks.FileBlocks) {
	prefix := fb.File + "::"
	for key := range db.Blocks {
		if strings.HasPrefix(key, prefix) {
			delete(db.Blocks, key)
		}
	}
	for _, b := range fb.Blocks {
		db.Blocks[b.Ref.Key()] = b.Hash
	}
}

// DropFile removes every block entry of a deleted file, which in turn makes
// dependent tests re-run (missing ref).
func (db *DB) DropFile(rel string) {
	prefix := rel + "::"
	for key := range db.Blocks {
		if strings.HasPrefix(key, prefix) {
			delete(db.Blocks, key)
		}
	}
}

// Record overwrites one test's record after execution.
func (db *DB) Record(testID string, outcome result.Outcome, ownHash string, deps []blocks.Block) {
	rec := TestRecord{
		Outcome: outcome,
		OwnHash: ownHash,
		Deps:    make(map[string]string, len(deps)),
	}
	for _, b := range deps {
		rec.Deps[b.Ref.Key()] = b.Hash
	}
	db.Tests[testID] = rec
}

// Forget removes a test's record.
func (db *DB) Forget(testID string) {
	delete(db.Tests, testID)
}

// Files returns every file that currently has block entries.
func (db *DB) Files() []string {
	seen := make(map[string]struct{})
	for key := range db.Blocks {
		if ref, ok := blocks.ParseKey(key); ok {
			seen[ref.File] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	return out
}

// Decision explains why a test runs, or that it may be skipped.
type Decision int

const (
	Skip Decision = iota
	RunNew
	RunPriorFailed
	RunOwnChanged
	RunDepChanged
	RunDepMissing
	RunCacheOff
)

// ShouldRun reports whether the test must execute.
func (d Decision) ShouldRun() bool { return d != Skip }

// Reason renders the decision for verbose output.
func (d Decision) Reason() string {
	switch d {
	case Skip:
		return "unchanged"
	case RunNew:
		return "new test"
	case RunPriorFailed:
		return "failed last run"
	case RunOwnChanged:
		return "test changed"
	case RunDepChanged:
		return "dependency changed"
	case RunDepMissing:
		return "dependency deleted"
	case RunCacheOff:
		return "cache disabled"
	}
	return "unknown"
}

// Decide applies the skip rule for one test: skip only when a prior passing
// record exists, the test's own block hash is unchanged, and every recorded
// dependency still exists with the same hash.
func (db *DB) Decide(testID, ownHash string, cacheEnabled bool) Decision {
	if !cacheEnabled {
		return RunCacheOff
	}

	rec, ok := db.Tests[testID]
	if !ok {
		return RunNew
	}
	if rec.Outcome != result.Passed {
		return RunPriorFailed
	}
	if ownHash == "" || rec.OwnHash != ownHash {
		return RunOwnChanged
	}
	for key, expected := range rec.Deps {
		current, ok := db.Blocks[key]
		if !ok {
			return RunDepMissing
		}
		if current != expected {
			return RunDepChanged
		}
	}
	return Skip
}

// PriorOutcome returns the recorded outcome of a test, if any. Used by
// fail-first ordering.
func (db *DB) PriorOutcome(testID string) (result.Outcome, bool) {
	rec, ok := db.Tests[testID]
	if !ok {
		return "", false
	}
	return rec.Outcome, true
}

// Stats summarizes database contents for `cache info`.
type Stats struct {
	Blocks      int
	Tests       int
	PassedTests int
	FailedTests int
}

func (db *DB) Stats() Stats {
	st := Stats{Blocks: len(db.Blocks), Tests: len(db.Tests)}
	for _, rec := range db.Tests {
		if rec.Outcome == result.Passed {
			st.PassedTests++
		} else {
			st.FailedTests++
		}
	}
	return st
}
