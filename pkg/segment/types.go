// Package segment defines the retrievable unit of the study index: a piece of
// text, its citation and the source-specific attributes it was loaded with.
package segment

import (
	"errors"
	"strconv"
	"strings"
)

// SourceType identifies which corpus a segment came from
type SourceType string

const (
	SourceScripture  SourceType = "scripture"
	SourceConference SourceType = "conference"
	SourceCurriculum SourceType = "curriculum"
	SourceStudyHelp  SourceType = "study_help"
)

// Reserved metadata keys. Everything else is source-specific.
const (
	KeyContent    = "content"
	KeyText       = "text"
	KeySourceType = "source_type"
	KeyCitation   = "citation"
	KeySourceFile = "source_file"
)

var (
	ErrEmptyText         = errors.New("segment text is empty")
	ErrMissingSourceType = errors.New("segment source_type is missing")
)

// Segment is one retrievable piece of text with its metadata
type Segment struct {
	Text     string     // The content that is embedded and shown as a result
	Citation string     // Human readable reference, e.g. "(Alma 32:21)"
	Source   SourceType // Drives mode filtering
	Origin   string     // File the segment was loaded from
	Details  Details    // Source-specific attributes
}

// Details holds the attributes that only make sense for one source type.
// Lookup reports a value for a metadata key, or false when the segment
// doesn't carry it.
type Details interface {
	Lookup(key string) (any, bool)
	appendTo(m map[string]any)
}

// Scripture is a verse from one of the standard works
type Scripture struct {
	Book         string
	Chapter      int
	Verse        int
	StandardWork string
	Extra        map[string]any
}

// Conference is a paragraph of a general conference talk
type Conference struct {
	Speaker string
	Title   string
	Year    int
	Session string // "April" or "October"
	Extra   map[string]any
}

// Curriculum is a section of a study manual lesson
type Curriculum struct {
	Collection  string // e.g. "Come, Follow Me"
	Title       string
	LessonTitle string
	Year        int
	Extra       map[string]any
}

// StudyHelp is an entry from a guide, dictionary or index
type StudyHelp struct {
	Title string
	Extra map[string]any
}

// Generic carries the attributes of source types this package doesn't model
type Generic struct {
	Attrs map[string]any
}

func (s *Scripture) Lookup(key string) (any, bool) {
	switch key {
	case "book":
		if s.Book != "" {
			return s.Book, true
		}
	case "chapter":
		if s.Chapter > 0 {
			return s.Chapter, true
		}
	case "verse":
		if s.Verse > 0 {
			return s.Verse, true
		}
	case "standard_work":
		if s.StandardWork != "" {
			return s.StandardWork, true
		}
	}
	return lookupExtra(s.Extra, key)
}

func (c *Conference) Lookup(key string) (any, bool) {
	switch key {
	case "speaker":
		if c.Speaker != "" {
			return c.Speaker, true
		}
	case "title":
		if c.Title != "" {
			return c.Title, true
		}
	case "year":
		if c.Year > 0 {
			return c.Year, true
		}
	case "session":
		if c.Session != "" {
			return c.Session, true
		}
	}
	return lookupExtra(c.Extra, key)
}

func (c *Curriculum) Lookup(key string) (any, bool) {
	switch key {
	case "collection_name":
		if c.Collection != "" {
			return c.Collection, true
		}
	case "title":
		if c.Title != "" {
			return c.Title, true
		}
	case "lesson_title":
		if c.LessonTitle != "" {
			return c.LessonTitle, true
		}
	case "year":
		if c.Year > 0 {
			return c.Year, true
		}
	}
	return lookupExtra(c.Extra, key)
}

func (h *StudyHelp) Lookup(key string) (any, bool) {
	if key == "title" && h.Title != "" {
		return h.Title, true
	}
	return lookupExtra(h.Extra, key)
}

func (g *Generic) Lookup(key string) (any, bool) {
	return lookupExtra(g.Attrs, key)
}

func lookupExtra(extra map[string]any, key string) (any, bool) {
	v, ok := extra[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Lookup returns the metadata value stored under key. Reserved keys are
// answered by the segment itself, the rest by its Details.
func (s *Segment) Lookup(key string) (any, bool) {
	switch key {
	case KeySourceType:
		return string(s.Source), s.Source != ""
	case KeyCitation:
		return s.Citation, s.Citation != ""
	case KeySourceFile:
		return s.Origin, s.Origin != ""
	}
	if s.Details == nil {
		return nil, false
	}
	return s.Details.Lookup(key)
}

// Metadata returns a freshly allocated flat view of the segment's metadata.
// Callers may mutate the map without affecting the segment.
func (s *Segment) Metadata() map[string]any {
	m := make(map[string]any, 8)
	m[KeySourceType] = string(s.Source)
	if s.Citation != "" {
		m[KeyCitation] = s.Citation
	}
	if s.Origin != "" {
		m[KeySourceFile] = s.Origin
	}
	if s.Details != nil {
		s.Details.appendTo(m)
	}
	return m
}

// Record is the persisted form of a segment: its metadata plus the text
// under "content".
func (s *Segment) Record() map[string]any {
	m := s.Metadata()
	m[KeyContent] = s.Text
	return m
}

// ScriptureCitation formats a verse reference as "(Book Chapter:Verse)".
// The verse is dropped when unknown.
func ScriptureCitation(book string, chapter, verse int) string {
	book = strings.TrimSpace(book)
	if book == "" || chapter <= 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("(")
	sb.WriteString(book)
	sb.WriteString(" ")
	sb.WriteString(strconv.Itoa(chapter))
	if verse > 0 {
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(verse))
	}
	sb.WriteString(")")
	return sb.String()
}
