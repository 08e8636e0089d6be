// Package mode maps named search modes to metadata filters and turns search
// results into a citation-annotated context block.
package mode

import (
	"sort"
	"strings"

	"github.com/perbu/studyrag/pkg/filter"
	"github.com/perbu/studyrag/pkg/segment"
)

// Names of the built-in modes
const (
	Default      = "default"
	Scriptures   = "scriptures"
	BookOfMormon = "book_of_mormon"
	Conference   = "conference"
	RecentTalks  = "recent_talks"
	Curriculum   = "curriculum"
	StudyHelps   = "study_helps"
)

// Mode is a named, fixed filter
type Mode struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Filter      filter.Filter `json:"filter"`
}

// Router is the static mode table. It is built once at startup and only
// read afterwards.
type Router struct {
	modes map[string]Mode
}

// NewRouter builds the mode table. recent_talks covers the recentYears
// years up to and including referenceYear.
func NewRouter(referenceYear, recentYears int) *Router {
	if recentYears <= 0 {
		recentYears = 5
	}
	all := []Mode{
		{Name: Default, Description: "All sources"},
		{
			Name:        Scriptures,
			Description: "The standard works only",
			Filter:      filter.Filter{segment.KeySourceType: string(segment.SourceScripture)},
		},
		{
			Name:        BookOfMormon,
			Description: "The Book of Mormon only",
			Filter: filter.Filter{
				segment.KeySourceType: string(segment.SourceScripture),
				"standard_work":       "Book of Mormon",
			},
		},
		{
			Name:        Conference,
			Description: "General conference talks",
			Filter:      filter.Filter{segment.KeySourceType: string(segment.SourceConference)},
		},
		{
			Name:        RecentTalks,
			Description: "General conference talks from recent years",
			Filter: filter.Filter{
				segment.KeySourceType: string(segment.SourceConference),
				filter.KeyMinYear:     referenceYear - recentYears + 1,
			},
		},
		{
			Name:        Curriculum,
			Description: "Come, Follow Me and other study manuals",
			Filter:      filter.Filter{segment.KeySourceType: string(segment.SourceCurriculum)},
		},
		{
			Name:        StudyHelps,
			Description: "Guide to the Scriptures and other study helps",
			Filter:      filter.Filter{segment.KeySourceType: string(segment.SourceStudyHelp)},
		},
	}

	r := &Router{modes: make(map[string]Mode, len(all))}
	for _, m := range all {
		r.modes[m.Name] = m
	}
	return r
}

// Resolve returns a copy of the filter for a mode. Unknown modes and the
// default mode resolve to nil, which means no filtering.
func (r *Router) Resolve(name string) filter.Filter {
	m, ok := r.modes[normalize(name)]
	if !ok {
		return nil
	}
	return m.Filter.Clone()
}

// Known reports whether name is a mode in the table
func (r *Router) Known(name string) bool {
	_, ok := r.modes[normalize(name)]
	return ok
}

// Merge combines a mode's filter with an ad hoc filter. Keys from adhoc
// win on conflict.
func (r *Router) Merge(name string, adhoc filter.Filter) filter.Filter {
	return filter.Merge(r.Resolve(name), adhoc)
}

// Modes lists the table sorted by name, default first
func (r *Router) Modes() []Mode {
	out := make([]Mode, 0, len(r.modes))
	for _, m := range r.modes {
		m.Filter = m.Filter.Clone()
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == Default || out[j].Name == Default {
			return out[i].Name == Default
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(name, "-", "_")
}
