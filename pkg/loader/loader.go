// Package loader reads upstream content files and normalizes every record
// into a segment. Bad records are logged and skipped; they never abort the
// load.
package loader

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/perbu/studyrag/pkg/segment"
)

// Source is one input file or directory. Type is used for records that
// don't carry a source_type of their own.
type Source struct {
	Path string
	Type segment.SourceType
}

// ParseSource parses "type=path" or a bare path
func ParseSource(s string) (Source, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Source{}, errors.New("empty source")
	}
	typ, p, found := strings.Cut(s, "=")
	if !found {
		return Source{Path: s}, nil
	}
	typ, p = strings.TrimSpace(typ), strings.TrimSpace(p)
	if typ == "" || p == "" {
		return Source{}, fmt.Errorf("invalid source %q, want type=path", s)
	}
	return Source{Path: p, Type: segment.SourceType(strings.ToLower(typ))}, nil
}

func (s Source) String() string {
	if s.Type == "" {
		return s.Path
	}
	return string(s.Type) + "=" + s.Path
}

// Report summarizes a load
type Report struct {
	Files   int
	Records int
	Loaded  int
	Skipped int
}

// OSFS returns a filesystem rooted at dir for use with LoadAll. Source paths
// are then relative to dir.
func OSFS(dir string) fs.FS {
	return os.DirFS(dir)
}

// LoadAll loads every source in order and concatenates the segments. A
// source naming a directory is walked in lexical order. The resulting order
// is stable across runs, which the index relies on. Records and .json files
// that cannot be decoded are logged and skipped; a source path that does not
// exist or cannot be read is an error.
func LoadAll(fsys fs.FS, sources []Source, logger *slog.Logger) ([]segment.Segment, Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		all    []segment.Segment
		report Report
	)
	for _, src := range sources {
		files, err := expand(fsys, src.Path)
		if err != nil {
			return nil, report, err
		}
		for _, f := range files {
			segs, r, err := loadFile(fsys, f, src.Type, logger)
			if err != nil {
				return nil, report, err
			}
			all = append(all, segs...)
			report.Files++
			report.Records += r.Records
			report.Loaded += r.Loaded
			report.Skipped += r.Skipped
		}
	}
	return all, report, nil
}

func expand(fsys fs.FS, root string) ([]string, error) {
	root = path.Clean(filepath.ToSlash(root))
	info, err := fs.Stat(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", root, err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if supported(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return files, nil
}

func supported(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".json", ".jsonl", ".md":
		return true
	}
	return false
}

func loadFile(fsys fs.FS, p string, fallback segment.SourceType, logger *slog.Logger) ([]segment.Segment, Report, error) {
	content, err := fs.ReadFile(fsys, p)
	if err != nil {
		return nil, Report{}, fmt.Errorf("reading %s: %w", p, err)
	}

	switch strings.ToLower(path.Ext(p)) {
	case ".md":
		if fallback == "" {
			fallback = segment.SourceCurriculum
		}
		segs := ChunkMarkdown(p, content, fallback)
		return segs, Report{Records: len(segs), Loaded: len(segs)}, nil
	case ".jsonl":
		return decodeRecords(p, splitLines(content), fallback, logger)
	default:
		var raw []json.RawMessage
		if err := json.Unmarshal(content, &raw); err != nil {
			// the file counts as one skipped record
			logger.Warn("skipping file", "file", p, "reason", fmt.Errorf("expected a JSON array of records: %w", err))
			return nil, Report{Records: 1, Skipped: 1}, nil
		}
		return decodeRecords(p, raw, fallback, logger)
	}
}

func splitLines(content []byte) []json.RawMessage {
	var out []json.RawMessage
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, json.RawMessage(bytes.Clone(line)))
	}
	return out
}

func decodeRecords(p string, raw []json.RawMessage, fallback segment.SourceType, logger *slog.Logger) ([]segment.Segment, Report, error) {
	report := Report{Records: len(raw)}
	segs := make([]segment.Segment, 0, len(raw))

	for i, r := range raw {
		seg, err := decodeRecord(p, r, fallback)
		if err != nil {
			logger.Warn("skipping record", "file", p, "index", i, "reason", err)
			report.Skipped++
			continue
		}
		segs = append(segs, seg)
	}
	report.Loaded = len(segs)
	return segs, report, nil
}

func decodeRecord(p string, raw json.RawMessage, fallback segment.SourceType) (segment.Segment, error) {
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return segment.Segment{}, fmt.Errorf("not a JSON object: %w", err)
	}
	if rec == nil {
		return segment.Segment{}, errors.New("null record")
	}
	rec = flatten(rec)
	if _, ok := rec[segment.KeySourceFile]; !ok {
		rec[segment.KeySourceFile] = p
	}
	return segment.FromRecord(rec, fallback)
}

// flatten lifts a nested "metadata" object into the record. Top-level keys
// win over nested ones.
func flatten(rec map[string]any) map[string]any {
	nested, ok := rec["metadata"].(map[string]any)
	if !ok {
		return rec
	}
	delete(rec, "metadata")
	for k, v := range nested {
		if _, exists := rec[k]; !exists {
			rec[k] = v
		}
	}
	return rec
}
