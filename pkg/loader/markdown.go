package loader

import (
	"path"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/perbu/studyrag/pkg/segment"
)

// ChunkMarkdown splits a lesson into one segment per heading section. The
// first level-one heading (or the file name) becomes the title and each
// section heading the lesson_title. Markup is stripped; only the readable
// text is kept.
func ChunkMarkdown(p string, content []byte, typ segment.SourceType) []segment.Segment {
	doc := goldmark.New().Parser().Parse(text.NewReader(content))

	title := strings.TrimSuffix(path.Base(p), path.Ext(p))
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && h.Level == 1 {
			if t := inlineText(h, content); t != "" {
				title = t
			}
			break
		}
	}

	var (
		segs    []segment.Segment
		heading string
		body    strings.Builder
	)
	flush := func() {
		txt := strings.TrimSpace(body.String())
		body.Reset()
		if txt == "" {
			return
		}
		meta := map[string]any{
			segment.KeySourceType: string(typ),
			segment.KeySourceFile: p,
			"title":               title,
		}
		if heading != "" {
			meta["lesson_title"] = heading
		}
		seg, err := segment.FromMetadata(txt, meta)
		if err == nil {
			segs = append(segs, seg)
		}
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			flush()
			heading = inlineText(h, content)
			continue
		}
		writeBlock(&body, n, content)
	}
	flush()

	return segs
}

func inlineText(n ast.Node, src []byte) string {
	var sb strings.Builder
	writeBlock(&sb, n, src)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// writeBlock appends the plain text of n to sb, one line per block
func writeBlock(sb *strings.Builder, n ast.Node, src []byte) {
	_ = ast.Walk(n, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
				sb.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}

		switch t := n.(type) {
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteString("\n")
			}
		case *ast.String:
			sb.Write(t.Value)
		case *ast.AutoLink:
			sb.Write(t.Label(src))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
}
