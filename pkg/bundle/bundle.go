// Package bundle persists a built index together with its segment metadata.
//
// A bundle is a directory holding three paired files: manifest.json,
// index.gob and metadata.json. Ordinal i of the index always belongs to
// record i of the metadata; Load refuses any pair that can't prove it.
package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/perbu/studyrag/pkg/segment"
	"github.com/perbu/studyrag/pkg/vectorindex"
)

const (
	ManifestFile = "manifest.json"
	IndexFile    = "index.gob"
	MetadataFile = "metadata.json"
)

var (
	// ErrMisaligned means the index and metadata don't describe the same
	// segments.
	ErrMisaligned = errors.New("index and metadata are misaligned")
	// ErrCorrupt means a bundle file can't be decoded or fails its checksum
	ErrCorrupt = errors.New("bundle is corrupt")
)

// Manifest describes how a bundle was built
type Manifest struct {
	EmbeddingModel string    `json:"embedding_model"`
	EmbeddingDim   int       `json:"embedding_dim"`
	TotalSegments  int       `json:"total_segments"`
	IndexType      string    `json:"index_type"`
	BuildID        string    `json:"build_id"`
	BuiltAt        time.Time `json:"built_at"`
	IndexSHA256    string    `json:"index_sha256"`
	MetadataSHA256 string    `json:"metadata_sha256"`
}

// Bundle is a loaded, aligned index and segment array
type Bundle struct {
	Manifest Manifest
	Index    *vectorindex.Flat
	Segments []segment.Segment
}

// New assembles a bundle from freshly built parts, checking alignment
func New(model string, idx *vectorindex.Flat, segs []segment.Segment) (*Bundle, error) {
	if idx.Len() != len(segs) {
		return nil, fmt.Errorf("%w: %d vectors for %d segments", ErrMisaligned, idx.Len(), len(segs))
	}
	return &Bundle{
		Manifest: Manifest{
			EmbeddingModel: model,
			EmbeddingDim:   idx.Dim(),
			TotalSegments:  len(segs),
			IndexType:      vectorindex.IndexType,
			BuildID:        uuid.NewString(),
			BuiltAt:        time.Now().UTC(),
		},
		Index:    idx,
		Segments: segs,
	}, nil
}

// Citation returns the stored citation for an ordinal
func (b *Bundle) Citation(ordinal int) string {
	if ordinal < 0 || ordinal >= len(b.Segments) {
		return ""
	}
	return b.Segments[ordinal].Citation
}

// Save writes the bundle into dir. Every file is written to a temporary
// name and renamed into place; the manifest goes last so a crash mid-save
// never leaves a manifest that vouches for the wrong files.
func (b *Bundle) Save(dir string) error {
	if b.Index.Len() != len(b.Segments) {
		return fmt.Errorf("%w: %d vectors for %d segments", ErrMisaligned, b.Index.Len(), len(b.Segments))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	var idxBuf bytes.Buffer
	if err := b.Index.Encode(&idxBuf); err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	records := make([]map[string]any, len(b.Segments))
	for i := range b.Segments {
		records[i] = b.Segments[i].Record()
	}
	metaBytes, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	b.Manifest.TotalSegments = len(b.Segments)
	b.Manifest.EmbeddingDim = b.Index.Dim()
	b.Manifest.IndexType = vectorindex.IndexType
	b.Manifest.IndexSHA256 = checksum(idxBuf.Bytes())
	b.Manifest.MetadataSHA256 = checksum(metaBytes)

	manifestBytes, err := json.MarshalIndent(b.Manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	if err := writeAtomic(filepath.Join(dir, IndexFile), idxBuf.Bytes()); err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, MetadataFile), metaBytes); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, ManifestFile), manifestBytes)
}

// ReadManifest reads only the manifest of the bundle in dir
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: manifest: %v", ErrCorrupt, err)
	}
	return m, nil
}

// Load reads and verifies the bundle in dir. It fails unless both files
// match the manifest checksums, the index type and dimension agree and the
// vector count equals the record count.
func Load(dir string) (*Bundle, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if m.IndexType != vectorindex.IndexType {
		return nil, fmt.Errorf("%w: unsupported index type %q", ErrCorrupt, m.IndexType)
	}

	idxBytes, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	metaBytes, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	if m.IndexSHA256 != "" && checksum(idxBytes) != m.IndexSHA256 {
		return nil, fmt.Errorf("%w: %s does not match manifest checksum", ErrMisaligned, IndexFile)
	}
	if m.MetadataSHA256 != "" && checksum(metaBytes) != m.MetadataSHA256 {
		return nil, fmt.Errorf("%w: %s does not match manifest checksum", ErrMisaligned, MetadataFile)
	}

	idx, err := vectorindex.Decode(bytes.NewReader(idxBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var records []map[string]any
	if err := json.Unmarshal(metaBytes, &records); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
	}
	segs := make([]segment.Segment, len(records))
	for i, rec := range records {
		seg, err := segment.FromRecord(rec, "")
		if err != nil {
			// Skipping would shift every later ordinal.
			return nil, fmt.Errorf("%w: metadata record %d: %v", ErrCorrupt, i, err)
		}
		segs[i] = seg
	}

	switch {
	case idx.Len() != len(segs):
		return nil, fmt.Errorf("%w: %d vectors for %d metadata records", ErrMisaligned, idx.Len(), len(segs))
	case m.TotalSegments != len(segs):
		return nil, fmt.Errorf("%w: manifest lists %d segments, found %d", ErrMisaligned, m.TotalSegments, len(segs))
	case m.EmbeddingDim != idx.Dim():
		return nil, fmt.Errorf("%w: manifest dimension %d, index dimension %d", ErrMisaligned, m.EmbeddingDim, idx.Dim())
	}

	return &Bundle{Manifest: m, Index: idx, Segments: segs}, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
