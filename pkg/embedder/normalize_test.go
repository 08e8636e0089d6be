package embedder

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	NormalizeL2(v)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0, 0}
	NormalizeL2(zero)
	assert.Equal(t, []float32{0, 0, 0}, zero)
}

func TestNormalizeL2_Idempotent(t *testing.T) {
	v := []float32{1, 2, 3, 4}
	NormalizeL2(v)
	once := append([]float32(nil), v...)
	NormalizeL2(v)
	for i := range v {
		assert.InDelta(t, once[i], v[i], 1e-6)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]float32{1, 2}, 2))
	assert.ErrorIs(t, Validate([]float32{1, 2}, 3), ErrDimension)
	assert.ErrorIs(t, Validate([]float32{1, float32(math.NaN())}, 2), ErrNonFinite)
	assert.ErrorIs(t, Validate([]float32{float32(math.Inf(1)), 0}, 2), ErrNonFinite)
}

func TestEmbedQuery_SameTextSameVector(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := EmbedQuery(ctx, e, "faith is not to have a perfect knowledge")
	require.NoError(t, err)
	b, err := EmbedQuery(ctx, e, "faith is not to have a perfect knowledge")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)

	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestEmbedQuery_Empty(t *testing.T) {
	_, err := EmbedQuery(context.Background(), NewHashEmbedder(8), "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestHashEmbedder_SharedWordsAreCloser(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()

	q, err := EmbedQuery(ctx, e, "faith and prayer")
	require.NoError(t, err)
	near, err := EmbedQuery(ctx, e, "prayer builds faith")
	require.NoError(t, err)
	far, err := EmbedQuery(ctx, e, "genealogy records")
	require.NoError(t, err)

	assert.Greater(t, Cosine(q, near), Cosine(q, far))
}

func TestHashEmbedder_Batch(t *testing.T) {
	e := NewHashEmbedder(16)
	out, err := e.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Len(t, out[0], 16)

	_, err = e.EmbedBatch(context.Background(), []string{"one", ""})
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Equal(t, "hash-v1", e.ModelInfo())
}
