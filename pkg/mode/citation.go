package mode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/perbu/studyrag/pkg/search"
	"github.com/perbu/studyrag/pkg/segment"
)

// UnknownSource is the citation of a result nothing better can be said about
const UnknownSource = "(Source)"

// Citation derives a human readable reference from result metadata, with
// one format per source type:
//
//	scripture   (Alma 32:21)
//	conference  (October 2024, Russell M. Nelson, "Title")
//	curriculum  (Come, Follow Me 2024: "Title")
//
// Anything else uses the stored citation.
func Citation(meta map[string]any) string {
	// The text is irrelevant here, only the metadata is parsed.
	seg, err := segment.FromMetadata("-", meta)
	if err != nil {
		return stored(meta)
	}

	var c string
	switch d := seg.Details.(type) {
	case *segment.Scripture:
		c = segment.ScriptureCitation(d.Book, d.Chapter, d.Verse)
	case *segment.Conference:
		c = conferenceCitation(d)
	case *segment.Curriculum:
		c = curriculumCitation(d)
	}
	if c == "" {
		return stored(meta)
	}
	return c
}

func conferenceCitation(d *segment.Conference) string {
	var parts []string
	when := strings.TrimSpace(strings.Join(nonEmpty(d.Session, year(d.Year)), " "))
	if when != "" {
		parts = append(parts, when)
	}
	if d.Speaker != "" {
		parts = append(parts, d.Speaker)
	}
	if d.Title != "" {
		parts = append(parts, quoted(d.Title))
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func curriculumCitation(d *segment.Curriculum) string {
	head := strings.Join(nonEmpty(d.Collection, year(d.Year)), " ")
	title := d.Title
	if title == "" {
		title = d.LessonTitle
	}
	switch {
	case head != "" && title != "":
		return fmt.Sprintf("(%s: %s)", head, quoted(title))
	case head != "":
		return "(" + head + ")"
	case title != "":
		return "(" + quoted(title) + ")"
	}
	return ""
}

func stored(meta map[string]any) string {
	if c, ok := meta[segment.KeyCitation].(string); ok && strings.TrimSpace(c) != "" {
		return strings.TrimSpace(c)
	}
	return UnknownSource
}

// quoted wraps s in plain double quotes, leaving its contents as written
func quoted(s string) string {
	return `"` + s + `"`
}

func year(y int) string {
	if y <= 0 {
		return ""
	}
	return strconv.Itoa(y)
}

func nonEmpty(values ...string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// BuildContext formats results into one block, each entry carrying its
// citation and content. An empty result list gives an empty string.
func BuildContext(results []search.Result) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%d] %s\n%s", i+1, Citation(r.Metadata), strings.TrimSpace(r.Content))
	}
	return sb.String()
}
