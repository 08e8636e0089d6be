package mode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perbu/studyrag/pkg/filter"
	"github.com/perbu/studyrag/pkg/search"
)

func TestResolve(t *testing.T) {
	r := NewRouter(2026, 5)

	assert.Nil(t, r.Resolve("default"))
	assert.Nil(t, r.Resolve("no-such-mode"))
	assert.Nil(t, r.Resolve(""))
	assert.Equal(t, filter.Filter{"source_type": "scripture"}, r.Resolve("scriptures"))
	assert.Equal(t, filter.Filter{"source_type": "scripture", "standard_work": "Book of Mormon"}, r.Resolve(" Book-Of-Mormon "))
	assert.Equal(t, filter.Filter{"source_type": "conference", "min_year": 2022}, r.Resolve("recent_talks"))

	assert.True(t, r.Known("conference"))
	assert.False(t, r.Known("podcasts"))
}

func TestResolve_ReturnsCopy(t *testing.T) {
	r := NewRouter(2026, 5)
	f := r.Resolve("conference")
	f["source_type"] = "scripture"
	assert.Equal(t, "conference", r.Resolve("conference")["source_type"])
}

func TestMerge_CallerKeysWin(t *testing.T) {
	r := NewRouter(2026, 5)

	merged := r.Merge("recent_talks", filter.Filter{"min_year": 2025, "speaker": "Holland"})
	assert.Equal(t, filter.Filter{"source_type": "conference", "min_year": 2025, "speaker": "Holland"}, merged)

	assert.Nil(t, r.Merge("unknown", nil))
	assert.Equal(t, filter.Filter{"book": "Ether"}, r.Merge("default", filter.Filter{"book": "Ether"}))
}

func TestModes(t *testing.T) {
	modes := NewRouter(2026, 5).Modes()
	require.Len(t, modes, 7)
	assert.Equal(t, Default, modes[0].Name)
	for i := 2; i < len(modes); i++ {
		assert.Less(t, modes[i-1].Name, modes[i].Name)
	}
}

func TestCitation(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
		want string
	}{
		{
			"scripture",
			map[string]any{"source_type": "scripture", "book": "Alma", "chapter": 32, "verse": 21},
			"(Alma 32:21)",
		},
		{
			"scripture chapter only",
			map[string]any{"source_type": "scripture", "book": "Moroni", "chapter": 10.0},
			"(Moroni 10)",
		},
		{
			"conference",
			map[string]any{"source_type": "conference", "session": "October", "year": 2024, "speaker": "Russell M. Nelson", "title": "Hope"},
			`(October 2024, Russell M. Nelson, "Hope")`,
		},
		{
			"conference without session",
			map[string]any{"source_type": "conference", "year": "2020", "speaker": "Dallin H. Oaks"},
			"(2020, Dallin H. Oaks)",
		},
		{
			"conference title keeps inner quotes",
			map[string]any{"source_type": "conference", "session": "April", "year": 2023, "speaker": "Jeffrey R. Holland", "title": `Faith "Is" a Seed`},
			`(April 2023, Jeffrey R. Holland, "Faith "Is" a Seed")`,
		},
		{
			"curriculum",
			map[string]any{"source_type": "curriculum", "collection_name": "Come, Follow Me", "year": 2024, "title": "Alma 32-35"},
			`(Come, Follow Me 2024: "Alma 32-35")`,
		},
		{
			"curriculum without title",
			map[string]any{"source_type": "curriculum", "collection_name": "Come, Follow Me", "year": 2024},
			"(Come, Follow Me 2024)",
		},
		{
			"curriculum title keeps inner quotes",
			map[string]any{"source_type": "curriculum", "collection_name": "Come, Follow Me", "year": 2024, "title": `"Nourish the Word"`},
			`(Come, Follow Me 2024: ""Nourish the Word"")`,
		},
		{
			"study help uses stored citation",
			map[string]any{"source_type": "study_help", "title": "Faith", "citation": "(Guide to the Scriptures, Faith)"},
			"(Guide to the Scriptures, Faith)",
		},
		{
			"scripture without book falls back",
			map[string]any{"source_type": "scripture", "citation": "(Official Declaration 2)"},
			"(Official Declaration 2)",
		},
		{
			"nothing known",
			map[string]any{"source_type": "podcast"},
			UnknownSource,
		},
		{
			"no source type",
			map[string]any{},
			UnknownSource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Citation(tt.meta))
		})
	}
}

func TestBuildContext(t *testing.T) {
	results := []search.Result{
		{Rank: 1, Content: "Faith is not a perfect knowledge.", Metadata: map[string]any{"source_type": "scripture", "book": "Alma", "chapter": 32, "verse": 21}},
		{Rank: 2, Content: "  Keep the covenant path.  ", Metadata: map[string]any{"source_type": "conference", "session": "April", "year": 2023, "speaker": "Russell M. Nelson"}},
	}

	got := BuildContext(results)
	want := "[1] (Alma 32:21)\nFaith is not a perfect knowledge.\n\n[2] (April 2023, Russell M. Nelson)\nKeep the covenant path."
	assert.Equal(t, want, got)
	assert.Equal(t, got, BuildContext(results), "deterministic")
	assert.Empty(t, BuildContext(nil))
}
