// Package selection turns a discovered catalog into an execution plan:
// name and marker filters, @skip and unchanged-cache partitions, the
// sequential/parallel split, and fail-first ordering.
package selection

import (
	"sort"

	"github.com/JasonLovesDoggo/taut/packages/blocks"
	"github.com/JasonLovesDoggo/taut/packages/core/discover"
	"github.com/JasonLovesDoggo/taut/packages/core/result"
	"github.com/JasonLovesDoggo/taut/packages/depdb"
	"github.com/JasonLovesDoggo/taut/packages/filter"
)

// Options tunes plan construction.
type Options struct {
	NoCache    bool
	NoParallel bool
}

// SkipKind distinguishes the two retained-but-not-executed buckets.
type SkipKind int

const (
	// MarkerSkip is an explicit @skip.
	MarkerSkip SkipKind = iota
	// Unchanged is a dependency-cache skip.
	Unchanged
)

// Skipped is a test retained in the plan but not executed.
type Skipped struct {
	Item   discover.Item
	Kind   SkipKind
	Reason string
}

// Plan is the ordered execution plan: sequential tests first, then the
// parallel-safe partition.
type Plan struct {
	Sequential []discover.Item
	Parallel   []discover.Item
	Skipped    []Skipped

	// Decisions records why each executable test runs, keyed by id.
	Decisions map[string]depdb.Decision
}

// Executable returns the number of tests that will actually run.
func (p *Plan) Executable() int {
	return len(p.Sequential) + len(p.Parallel)
}

// Build assembles the plan. The name filter and marker expression may be
// nil; the dependency database and block index drive the unchanged
// decisions.
func Build(items []discover.Item, name *filter.NameFilter, marker filter.Expr, db *depdb.DB, ix *blocks.Index, opts Options) *Plan {
	plan := &Plan{Decisions: make(map[string]depdb.Decision)}

	for _, item := range items {
		id := item.ID()

		if name != nil && !name.Matches(id) {
			continue
		}
		if marker != nil && !marker.Eval(item.Markers) {
			continue
		}

		if item.Markers.Skipped() {
			reason := item.Markers.SkipReason()
			if reason == "" {
				reason = "marked with @skip"
			}
			plan.Skipped = append(plan.Skipped, Skipped{Item: item, Kind: MarkerSkip, Reason: reason})
			continue
		}

		decision := db.Decide(id, ownHash(ix, item), !opts.NoCache)
		if !decision.ShouldRun() {
			plan.Skipped = append(plan.Skipped, Skipped{Item: item, Kind: Unchanged, Reason: decision.Reason()})
			continue
		}
		plan.Decisions[id] = decision

		if item.Markers.Parallel() && !opts.NoParallel {
			plan.Parallel = append(plan.Parallel, item)
		} else {
			plan.Sequential = append(plan.Sequential, item)
		}
	}

	failFirst(plan.Sequential, db)
	failFirst(plan.Parallel, db)
	return plan
}

// ownHash resolves the current hash of a test's own block.
func ownHash(ix *blocks.Index, item discover.Item) string {
	if ix == nil {
		return ""
	}
	name := item.Name
	if item.Class != "" {
		name = item.Class + "." + item.Name
	}
	b, ok := ix.Resolve(blocks.Ref{File: item.Rel, Name: name})
	if !ok {
		return ""
	}
	return b.Hash
}

// failFirst promotes tests whose last recorded outcome was failed or
// errored; identifier order breaks ties for determinism.
func failFirst(items []discover.Item, db *depdb.DB) {
	rank := func(item *discover.Item) int {
		outcome, ok := db.PriorOutcome(item.ID())
		if ok && (outcome == result.Failed || outcome == result.Errored) {
			return 0
		}
		return 1
	}
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := rank(&items[i]), rank(&items[j])
		if ri != rj {
			return ri < rj
		}
		return items[i].ID() < items[j].ID()
	})
}
