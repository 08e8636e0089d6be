package segment

import (
	"encoding/json"
	"fmt"
	"strings"
)

var reservedKeys = map[string]bool{
	KeyContent:    true,
	KeyText:       true,
	KeySourceType: true,
	KeyCitation:   true,
	KeySourceFile: true,
}

// FromRecord normalizes an upstream record into a Segment. The text is read
// from "content", falling back to "text". fallback is used when the record
// has no source_type of its own.
func FromRecord(rec map[string]any, fallback SourceType) (Segment, error) {
	text := stringValue(rec[KeyContent])
	if text == "" {
		text = stringValue(rec[KeyText])
	}
	if text == "" {
		return Segment{}, ErrEmptyText
	}
	if stringValue(rec[KeySourceType]) == "" && fallback != "" {
		withType := make(map[string]any, len(rec)+1)
		for k, v := range rec {
			withType[k] = v
		}
		withType[KeySourceType] = string(fallback)
		rec = withType
	}
	return FromMetadata(text, rec)
}

// FromMetadata builds a Segment from its text and a flat metadata map, the
// inverse of Metadata. Known attributes are parsed into the Details variant
// for the source type; unknown keys and values that fail to parse are kept
// verbatim.
func FromMetadata(text string, meta map[string]any) (Segment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Segment{}, ErrEmptyText
	}
	st := SourceType(strings.ToLower(stringValue(meta[KeySourceType])))
	if st == "" {
		return Segment{}, ErrMissingSourceType
	}

	seg := Segment{
		Text:     text,
		Citation: stringValue(meta[KeyCitation]),
		Source:   st,
		Origin:   stringValue(meta[KeySourceFile]),
	}

	p := &parser{meta: meta, used: make(map[string]bool)}
	switch st {
	case SourceScripture:
		d := &Scripture{
			Book:         p.str("book"),
			Chapter:      p.num("chapter"),
			Verse:        p.num("verse"),
			StandardWork: p.str("standard_work"),
		}
		d.Extra = p.rest()
		seg.Details = d
		if seg.Citation == "" {
			seg.Citation = ScriptureCitation(d.Book, d.Chapter, d.Verse)
		}
	case SourceConference:
		d := &Conference{
			Speaker: p.str("speaker"),
			Title:   p.str("title"),
			Year:    p.num("year"),
			Session: p.str("session"),
		}
		d.Extra = p.rest()
		seg.Details = d
	case SourceCurriculum:
		d := &Curriculum{
			Collection:  p.str("collection_name"),
			Title:       p.str("title"),
			LessonTitle: p.str("lesson_title"),
			Year:        p.num("year"),
		}
		d.Extra = p.rest()
		seg.Details = d
	case SourceStudyHelp:
		d := &StudyHelp{Title: p.str("title")}
		d.Extra = p.rest()
		seg.Details = d
	default:
		seg.Details = &Generic{Attrs: p.rest()}
	}
	return seg, nil
}

type parser struct {
	meta map[string]any
	used map[string]bool
}

func (p *parser) str(key string) string {
	v, ok := p.meta[key]
	if !ok {
		return ""
	}
	s, isString := v.(string)
	if !isString {
		return ""
	}
	p.used[key] = true
	return strings.TrimSpace(s)
}

func (p *parser) num(key string) int {
	v, ok := p.meta[key]
	if !ok {
		return 0
	}
	n, err := AsInt(v)
	if err != nil || n <= 0 {
		return 0
	}
	p.used[key] = true
	return n
}

// rest returns every attribute that wasn't parsed into a typed field
func (p *parser) rest() map[string]any {
	var extra map[string]any
	for k, v := range p.meta {
		if reservedKeys[k] || p.used[k] || v == nil {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = cloneValue(v)
	}
	return extra
}

func (s *Scripture) appendTo(m map[string]any) {
	putString(m, "book", s.Book)
	putInt(m, "chapter", s.Chapter)
	putInt(m, "verse", s.Verse)
	putString(m, "standard_work", s.StandardWork)
	putExtra(m, s.Extra)
}

func (c *Conference) appendTo(m map[string]any) {
	putString(m, "speaker", c.Speaker)
	putString(m, "title", c.Title)
	putInt(m, "year", c.Year)
	putString(m, "session", c.Session)
	putExtra(m, c.Extra)
}

func (c *Curriculum) appendTo(m map[string]any) {
	putString(m, "collection_name", c.Collection)
	putString(m, "title", c.Title)
	putString(m, "lesson_title", c.LessonTitle)
	putInt(m, "year", c.Year)
	putExtra(m, c.Extra)
}

func (h *StudyHelp) appendTo(m map[string]any) {
	putString(m, "title", h.Title)
	putExtra(m, h.Extra)
}

func (g *Generic) appendTo(m map[string]any) {
	putExtra(m, g.Attrs)
}

func putString(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}

func putInt(m map[string]any, key string, v int) {
	if v > 0 {
		m[key] = v
	}
}

func putExtra(m map[string]any, extra map[string]any) {
	for k, v := range extra {
		if _, taken := m[k]; taken {
			continue
		}
		m[k] = cloneValue(v)
	}
}

// cloneValue deep-copies the container types produced by encoding/json so
// that metadata handed to callers never aliases the index.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func stringValue(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func (s Segment) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Record())
}

func (s *Segment) UnmarshalJSON(data []byte) error {
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	parsed, err := FromRecord(rec, "")
	if err != nil {
		return fmt.Errorf("decode segment: %w", err)
	}
	*s = parsed
	return nil
}
