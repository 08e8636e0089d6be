// Package filter matches segments against metadata predicates.
//
// A Filter is a flat map from metadata key to expected value. All keys must
// match (logical AND). A string value matches string metadata by
// case-insensitive substring, except for source_type which must be equal.
// Numbers and booleans match by equality, lists by membership, and the
// special keys min_year and max_year bound the segment's year inclusively.
// A key the segment doesn't carry, or a value of the wrong type, never
// matches and never panics.
package filter

import (
	"sort"
	"strings"

	"github.com/perbu/studyrag/pkg/segment"
)

const (
	KeyMinYear = "min_year"
	KeyMaxYear = "max_year"
	keyYear    = "year"
)

// Filter is the wire form of a metadata filter
type Filter map[string]any

// Predicate decides whether a single segment is a search candidate
type Predicate interface {
	Match(s *segment.Segment) bool
}

// Compiled is a filter ready to be evaluated
type Compiled []Predicate

// Compile turns f into predicates. Keys with a nil value are ignored.
func Compile(f Filter) Compiled {
	keys := make([]string, 0, len(f))
	for k, v := range f {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make(Compiled, 0, len(keys))
	for _, k := range keys {
		out = append(out, compileKey(k, f[k]))
	}
	return out
}

// Match reports whether s satisfies every predicate
func (c Compiled) Match(s *segment.Segment) bool {
	for _, p := range c {
		if !p.Match(s) {
			return false
		}
	}
	return true
}

// Select scans segs once and returns the ordinals of every match, in
// ascending order.
func (c Compiled) Select(segs []segment.Segment) []int {
	var ordinals []int
	for i := range segs {
		if c.Match(&segs[i]) {
			ordinals = append(ordinals, i)
		}
	}
	return ordinals
}

// Empty reports whether f constrains nothing
func (f Filter) Empty() bool {
	for _, v := range f {
		if v != nil {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of f
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}
	out := make(Filter, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge returns the union of base and override. Keys in override win.
// It returns nil when both are empty.
func Merge(base, override Filter) Filter {
	if base.Empty() && override.Empty() {
		return nil
	}
	out := make(Filter, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func compileKey(key string, want any) Predicate {
	switch key {
	case KeyMinYear:
		bound, ok := segment.AsNumber(want)
		if !ok {
			return never{}
		}
		return yearRange{bound: bound, min: true}
	case KeyMaxYear:
		bound, ok := segment.AsNumber(want)
		if !ok {
			return never{}
		}
		return yearRange{bound: bound}
	}

	if list, ok := asList(want); ok {
		return oneOf{key: key, values: list}
	}
	return equals{key: key, want: want}
}

type never struct{}

func (never) Match(*segment.Segment) bool { return false }

type yearRange struct {
	bound float64
	min   bool
}

func (r yearRange) Match(s *segment.Segment) bool {
	v, ok := s.Lookup(keyYear)
	if !ok {
		return false
	}
	year, ok := segment.AsNumber(v)
	if !ok {
		return false
	}
	if r.min {
		return year >= r.bound
	}
	return year <= r.bound
}

type equals struct {
	key  string
	want any
}

func (e equals) Match(s *segment.Segment) bool {
	got, ok := s.Lookup(e.key)
	if !ok {
		return false
	}
	return scalarMatch(e.key, e.want, got)
}

type oneOf struct {
	key    string
	values []any
}

func (o oneOf) Match(s *segment.Segment) bool {
	got, ok := s.Lookup(o.key)
	if !ok {
		return false
	}
	for _, want := range o.values {
		if scalarMatch(o.key, want, got) {
			return true
		}
	}
	return false
}

func scalarMatch(key string, want, got any) bool {
	switch w := want.(type) {
	case string:
		if g, ok := got.(string); ok {
			if key == segment.KeySourceType {
				return strings.EqualFold(strings.TrimSpace(w), g)
			}
			return strings.Contains(strings.ToLower(g), strings.ToLower(strings.TrimSpace(w)))
		}
		return numbersEqual(w, got)
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	case nil:
		return false
	}
	if _, isString := got.(string); isString && key == segment.KeySourceType {
		return false
	}
	return numbersEqual(want, got)
}

func numbersEqual(want, got any) bool {
	w, ok := segment.AsNumber(want)
	if !ok {
		return false
	}
	g, ok := segment.AsNumber(got)
	if !ok {
		return false
	}
	return w == g
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}
