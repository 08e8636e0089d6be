package bundle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perbu/studyrag/pkg/segment"
	"github.com/perbu/studyrag/pkg/vectorindex"
)

func testBundle(t *testing.T) *Bundle {
	t.Helper()
	recs := []map[string]any{
		{"content": "Alma 32:21", "source_type": "scripture", "book": "Alma", "chapter": 32, "verse": 21, "standard_work": "Book of Mormon"},
		{"content": "Oct 2024 talk para 1", "source_type": "conference", "year": 2024, "speaker": "Russell M. Nelson"},
		{"content": "Oct 2020 talk para 1", "source_type": "conference", "year": 2020, "citation": "(October 2020, Dallin H. Oaks)"},
	}
	segs := make([]segment.Segment, len(recs))
	for i, r := range recs {
		s, err := segment.FromRecord(r, "")
		require.NoError(t, err)
		segs[i] = s
	}
	idx, err := vectorindex.Build(2, [][]float32{{1, 0}, {0, 1}, {0.6, 0.8}})
	require.NoError(t, err)

	b, err := New("hash-v1", idx, segs)
	require.NoError(t, err)
	return b
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := testBundle(t)
	require.NoError(t, b.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "hash-v1", loaded.Manifest.EmbeddingModel)
	assert.Equal(t, 2, loaded.Manifest.EmbeddingDim)
	assert.Equal(t, 3, loaded.Manifest.TotalSegments)
	assert.Equal(t, "flat_ip", loaded.Manifest.IndexType)
	assert.Equal(t, b.Manifest.BuildID, loaded.Manifest.BuildID)
	assert.Equal(t, loaded.Index.Len(), len(loaded.Segments))

	for i := range b.Segments {
		assert.Equal(t, b.Citation(i), loaded.Citation(i), "ordinal %d", i)
		assert.Equal(t, b.Segments[i].Text, loaded.Segments[i].Text)
		want, _ := b.Index.Reconstruct(i)
		got, _ := loaded.Index.Reconstruct(i)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, "(Alma 32:21)", loaded.Citation(0))
	assert.Equal(t, 2024, loaded.Segments[1].Details.(*segment.Conference).Year)

	// no temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestNew_Misaligned(t *testing.T) {
	idx, err := vectorindex.Build(2, [][]float32{{1, 0}})
	require.NoError(t, err)
	_, err = New("m", idx, nil)
	assert.ErrorIs(t, err, ErrMisaligned)
}

func TestLoad_TamperedMetadata(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, testBundle(t).Save(dir))

	path := filepath.Join(dir, MetadataFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(data, &records))
	records[0], records[1] = records[1], records[0]
	data, err = json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Load(dir)
	assert.ErrorIs(t, err, ErrMisaligned)
}

func TestLoad_SwappedIndexFromOtherBuild(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	require.NoError(t, testBundle(t).Save(dirA))

	other := testBundle(t)
	idx, err := vectorindex.Build(2, [][]float32{{0, 1}, {1, 0}, {0.8, 0.6}})
	require.NoError(t, err)
	other.Index = idx
	require.NoError(t, other.Save(dirB))

	data, err := os.ReadFile(filepath.Join(dirB, IndexFile))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dirA, IndexFile), data, 0o644))

	_, err = Load(dirA)
	assert.ErrorIs(t, err, ErrMisaligned)
}

func TestLoad_CountMismatchWithoutChecksums(t *testing.T) {
	dir := t.TempDir()
	b := testBundle(t)
	require.NoError(t, b.Save(dir))

	// A hand-edited manifest without checksums still gets the count check.
	m, err := ReadManifest(dir)
	require.NoError(t, err)
	m.IndexSHA256, m.MetadataSHA256 = "", ""
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644))

	records := []map[string]any{b.Segments[0].Record()}
	data, err = json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), data, 0o644))

	_, err = Load(dir)
	assert.ErrorIs(t, err, ErrMisaligned)
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("{not json"), 0o644))
	_, err := Load(dir)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Load(t.TempDir())
	assert.Error(t, err)
}

func TestCheckpoint_Resume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build", "checkpoint.gob")
	key := CheckpointKey{Model: "hash-v1", Dimension: 2, BatchSize: 2, Texts: []string{"a", "b", "c"}}

	cp, resumed, err := OpenCheckpoint(path, key, 10)
	require.NoError(t, err)
	assert.False(t, resumed)

	require.NoError(t, cp.Record(0, [][]float32{{1, 0}, {0, 1}}))
	require.NoError(t, cp.Flush())

	again, resumed, err := OpenCheckpoint(path, key, 10)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, map[int][][]float32{0: {{1, 0}, {0, 1}}}, again.Completed())

	changed := key
	changed.Texts = []string{"a", "b", "changed"}
	fresh, resumed, err := OpenCheckpoint(path, changed, 10)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Empty(t, fresh.Completed())

	require.NoError(t, again.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, again.Remove())
}

func TestCheckpoint_SavesEveryN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.gob")
	key := CheckpointKey{Model: "m", Dimension: 1, BatchSize: 1, Texts: []string{"a", "b"}}

	cp, _, err := OpenCheckpoint(path, key, 2)
	require.NoError(t, err)

	require.NoError(t, cp.Record(0, [][]float32{{1}}))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "first batch is not written yet")

	require.NoError(t, cp.Record(1, [][]float32{{1}}))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
