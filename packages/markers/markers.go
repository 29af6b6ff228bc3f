// Package markers models test metadata attached through decorators.
//
// A marker is a named value: a bare presence flag, a scalar, or a
// multi-value set. The reserved markers skip and parallel get dedicated
// accessors; everything else is generic and queryable by the -m expression
// evaluator.
package markers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JasonLovesDoggo/taut/packages/core/pysrc"
)

// Kind tags a marker value.
type Kind int

const (
	Presence Kind = iota
	Scalar
	Multi
)

// Value is a tagged marker value.
type Value struct {
	Kind   Kind
	Scalar string
	Truthy bool
	Set    []string
}

// Set holds all markers of one test item.
type Set struct {
	values map[string]Value

	skip       bool
	skipReason string
	parallel   bool
	tags       []string // unrecognized decorator names, preserved verbatim
}

// FromDecorators builds a marker set from a definition's decorators,
// applied in source order. Scalar conflicts on the same key are
// last-write-wins; list values union.
func FromDecorators(decos []pysrc.Decorator) Set {
	s := Set{values: make(map[string]Value)}
	for _, d := range decos {
		s.apply(d)
	}
	return s
}

func (s *Set) apply(d pysrc.Decorator) {
	switch d.Tail() {
	case "skip":
		s.skip = true
		// Positional reason first, keyword reason= wins within one call.
		if len(d.Args) > 0 && d.Args[0].Kind == pysrc.ValueString {
			s.skipReason = d.Args[0].Str
		}
		for _, kw := range d.Kwargs {
			if kw.Name == "reason" && kw.Value.Kind == pysrc.ValueString {
				s.skipReason = kw.Value.Str
			}
		}
	case "parallel":
		s.parallel = true
	case "mark":
		for _, kw := range d.Kwargs {
			s.assign(kw.Name, kw.Value)
		}
	default:
		if d.Name != "" {
			s.tags = append(s.tags, d.Name)
		}
	}
}

func (s *Set) assign(name string, v pysrc.Value) {
	if v.Kind == pysrc.ValueList {
		prev := s.values[name]
		merged := unionStrings(prev.Set, v.List)
		if prev.Kind == Scalar {
			merged = unionStrings([]string{prev.Scalar}, merged)
		}
		s.values[name] = Value{Kind: Multi, Truthy: len(merged) > 0, Set: merged}
		return
	}

	val := Value{Kind: Scalar, Scalar: v.Display(), Truthy: truthy(v)}
	if v.Kind == pysrc.ValueBool && !v.Bool {
		// mark(slow=False) records the key but leaves it falsy.
		val.Truthy = false
	}
	s.values[name] = val
}

func truthy(v pysrc.Value) bool {
	switch v.Kind {
	case pysrc.ValueBool:
		return v.Bool
	case pysrc.ValueString:
		return v.Str != ""
	case pysrc.ValueInt:
		return v.Int != 0
	case pysrc.ValueFloat:
		return v.Float != 0
	case pysrc.ValueNone:
		return false
	}
	return true
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// Merge layers class-level markers under method-level ones: parallel
// propagates, method values win on conflict.
func Merge(class, method Set) Set {
	out := Set{values: make(map[string]Value)}
	for k, v := range class.values {
		out.values[k] = v
	}
	for k, v := range method.values {
		out.values[k] = v
	}
	out.skip = class.skip || method.skip
	out.skipReason = method.skipReason
	if out.skipReason == "" {
		out.skipReason = class.skipReason
	}
	out.parallel = class.parallel || method.parallel
	out.tags = append(append([]string(nil), class.tags...), method.tags...)
	return out
}

// Skipped reports whether the item carries @skip.
func (s Set) Skipped() bool { return s.skip }

// SkipReason returns the @skip reason, if any.
func (s Set) SkipReason() string { return s.skipReason }

// Parallel reports whether the item is parallel-safe.
func (s Set) Parallel() bool { return s.parallel }

// Tags returns unrecognized decorator names in source order.
func (s Set) Tags() []string { return s.tags }

// SetSkip records a skip flag, used when merging worker-reported
// attributes over statically-parsed markers.
func (s *Set) SetSkip(reason string) {
	s.skip = true
	if reason != "" {
		s.skipReason = reason
	}
}

// SetParallel records the parallel flag.
func (s *Set) SetParallel() { s.parallel = true }

// ApplyValues merges worker-reported _taut_markers values over the static
// set; runtime attributes are authoritative, so conflicts resolve in their
// favor (lists still union).
func (s *Set) ApplyValues(values map[string]any) {
	if len(values) == 0 {
		return
	}
	if s.values == nil {
		s.values = make(map[string]Value)
	}
	for name, v := range values {
		if pv, ok := valueFromRuntime(v); ok {
			s.assign(name, pv)
		}
	}
}

// valueFromRuntime converts a JSON-decoded attribute value into the
// constant-value shape the static parser produces.
func valueFromRuntime(v any) (pysrc.Value, bool) {
	switch x := v.(type) {
	case bool:
		return pysrc.Value{Kind: pysrc.ValueBool, Bool: x}, true
	case string:
		return pysrc.Value{Kind: pysrc.ValueString, Str: x}, true
	case float64:
		if x == float64(int64(x)) {
			return pysrc.Value{Kind: pysrc.ValueInt, Int: int64(x)}, true
		}
		return pysrc.Value{Kind: pysrc.ValueFloat, Float: x}, true
	case int:
		return pysrc.Value{Kind: pysrc.ValueInt, Int: int64(x)}, true
	case []any:
		items := make([]string, 0, len(x))
		for _, e := range x {
			items = append(items, fmt.Sprint(e))
		}
		return pysrc.Value{Kind: pysrc.ValueList, List: items}, true
	case []string:
		return pysrc.Value{Kind: pysrc.ValueList, List: x}, true
	}
	return pysrc.Value{}, false
}

// Truthy implements the presence atom of the -m expression language:
// skip/parallel count, and any marker whose value is truthy.
func (s Set) Truthy(name string) bool {
	switch name {
	case "skip":
		return s.skip
	case "parallel":
		return s.parallel
	}
	v, ok := s.values[name]
	return ok && v.Truthy
}

// Has implements the equality atom: scalar equality or set membership.
func (s Set) Has(name, value string) bool {
	v, ok := s.values[name]
	if !ok {
		return false
	}
	switch v.Kind {
	case Multi:
		for _, item := range v.Set {
			if item == value {
				return true
			}
		}
		return false
	default:
		return v.Scalar == value
	}
}

// Names returns all marker keys, sorted, including reserved ones that are
// set. Used by list output.
func (s Set) Names() []string {
	var names []string
	for k := range s.values {
		names = append(names, k)
	}
	if s.skip {
		names = append(names, "skip")
	}
	if s.parallel {
		names = append(names, "parallel")
	}
	sort.Strings(names)
	return names
}

// Describe renders the set compactly for verbose listings, e.g.
// "group=auth parallel slow".
func (s Set) Describe() string {
	var parts []string
	for _, name := range s.Names() {
		v, ok := s.values[name]
		if !ok || (v.Kind == Scalar && v.Scalar == "true") {
			parts = append(parts, name)
			continue
		}
		switch v.Kind {
		case Multi:
			parts = append(parts, name+"="+strings.Join(v.Set, ","))
		default:
			parts = append(parts, name+"="+v.Scalar)
		}
	}
	return strings.Join(parts, " ")
}

// Payload renders markers for the worker request: scalars as their display
// strings, multi-values as string lists. The reserved skip and parallel
// flags are not included.
func (s Set) Payload() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		switch v.Kind {
		case Multi:
			out[k] = v.Set
		default:
			out[k] = v.Scalar
		}
	}
	return out
}
